package dns

import (
	"context"
	"errors"
	"net"
	"net/netip"
	"strconv"
	"strings"

	"github.com/miekg/dns"
)

// ResolverEnv overrides the nameserver used for discovery.
const ResolverEnv = "WGMESH_RESOLVER"

// ResolvConfPath is the system resolver configuration consulted when no nameserver is given.
const ResolvConfPath = "/etc/resolv.conf"

const defaultPort = "53"

// NameserverFromAddress turns host or host:port into an ip:port nameserver address.
// A hostname is resolved and its first address is used.
func NameserverFromAddress(ctx context.Context, address string) (string, error) {
	host, port, err := net.SplitHostPort(address)
	if err != nil {
		// no port, or a bare IPv6 literal
		host, port = strings.TrimSuffix(strings.TrimPrefix(address, "["), "]"), defaultPort
	}
	if host == "" {
		return "", &InvalidNameserverError{Address: address, Err: errors.New("empty host")}
	}
	if _, err := strconv.ParseUint(port, 10, 16); err != nil {
		return "", &InvalidNameserverError{Address: address, Err: err}
	}
	if _, err := netip.ParseAddr(host); err == nil {
		return net.JoinHostPort(host, port), nil
	}
	ips, err := net.DefaultResolver.LookupIP(ctx, "ip", host)
	if err != nil {
		return "", &InvalidNameserverError{Address: address, Err: err}
	}
	if len(ips) == 0 {
		return "", &InvalidNameserverError{Address: address, Err: errors.New("no addresses")}
	}
	return net.JoinHostPort(ips[0].String(), port), nil
}

// NameserverFromResolvConf returns the first nameserver listed in the resolv.conf at path.
func NameserverFromResolvConf(path string) (string, error) {
	conf, err := dns.ClientConfigFromFile(path)
	if err != nil {
		return "", &InvalidNameserverError{Address: path, Err: err}
	}
	if len(conf.Servers) == 0 {
		return "", &InvalidNameserverError{Address: path, Err: errors.New("no nameserver listed")}
	}
	port := conf.Port
	if port == "" {
		port = defaultPort
	}
	return net.JoinHostPort(conf.Servers[0], port), nil
}

// Nameserver returns the nameserver for address if set, otherwise the first one in resolvConfPath.
func Nameserver(ctx context.Context, address, resolvConfPath string) (string, error) {
	if address != "" {
		return NameserverFromAddress(ctx, address)
	}
	return NameserverFromResolvConf(resolvConfPath)
}
