package dns

import (
	"fmt"
	"net/netip"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Zone describes a set of meshes and their members.
type Zone struct {
	// Meshes maps a mesh record name to its member addresses.
	Meshes map[string][]string `yaml:"meshes"`
	// Nodes maps a member address to its records.
	Nodes map[string]ZoneNode `yaml:"nodes"`
}

type ZoneNode struct {
	// Addresses are served as A records of the node's own name.
	Addresses []string `yaml:"addresses"`
	// PublicKey is served as the TXT record of _wireguard.<node>.
	PublicKey string `yaml:"publicKey"`
	// AllowedIPs are served as A records of _wireguard.<node>.
	AllowedIPs []string `yaml:"allowedIPs"`
}

// LoadZone reads a YAML zone file.
func LoadZone(path string) (Zone, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Zone{}, fmt.Errorf("reading zone: %w", err)
	}
	var z Zone
	err = yaml.Unmarshal(data, &z)
	if err != nil {
		return Zone{}, fmt.Errorf("parsing zone: %w", err)
	}
	return z, nil
}

func normalizeName(name string) string {
	return strings.ToLower(strings.TrimSuffix(name, "."))
}

// compile checks z and indexes it by lowercased name.
func (z Zone) compile() (compiledZone, error) {
	cz := compiledZone{
		meshes: map[string][]string{},
		nodes:  map[string]compiledNode{},
	}
	for name, members := range z.Meshes {
		if name == "" {
			return compiledZone{}, fmt.Errorf("mesh with empty name")
		}
		cz.meshes[normalizeName(name)] = members
	}
	for name, node := range z.Nodes {
		if name == "" {
			return compiledZone{}, fmt.Errorf("node with empty name")
		}
		addresses, err := parseAddrs(node.Addresses)
		if err != nil {
			return compiledZone{}, fmt.Errorf("node %s: addresses: %w", name, err)
		}
		allowedIPs, err := parseAddrs(node.AllowedIPs)
		if err != nil {
			return compiledZone{}, fmt.Errorf("node %s: allowedIPs: %w", name, err)
		}
		cz.nodes[normalizeName(name)] = compiledNode{
			addresses:  addresses,
			publicKey:  node.PublicKey,
			allowedIPs: allowedIPs,
		}
	}
	return cz, nil
}

func parseAddrs(ss []string) ([]netip.Addr, error) {
	addrs := make([]netip.Addr, len(ss))
	for i, s := range ss {
		addr, err := netip.ParseAddr(s)
		if err != nil {
			return nil, err
		}
		if !addr.Is4() {
			return nil, fmt.Errorf("%s is not an IPv4 address", s)
		}
		addrs[i] = addr
	}
	return addrs, nil
}

type compiledZone struct {
	meshes map[string][]string
	nodes  map[string]compiledNode
}

type compiledNode struct {
	addresses  []netip.Addr
	publicKey  string
	allowedIPs []netip.Addr
}
