// Package mesh selects and installs the peers of a DNS-published WireGuard mesh.
// Discovery, the WireGuard device and the kernel route table are reached through
// the NodeRepository, Device and Router interfaces.
package mesh

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"
)

// DefaultPort is the UDP port every mesh member is assumed to listen on.
const DefaultPort = 51820

// Endpoint is a host (name or address literal) and UDP port. It is resolved lazily.
type Endpoint struct {
	Host string
	Port int
}

func (e Endpoint) String() string {
	return fmt.Sprintf("%s:%d", e.Host, e.Port)
}

// Peer is a fully resolved mesh member.
// Peers are never modified after construction.
type Peer struct {
	// PublicKey is the base64-encoded WireGuard public key.
	PublicKey string
	// AllowedIPs are CIDR strings in the order DNS returned them.
	AllowedIPs []string
	Endpoint   Endpoint
	// Site groups members that already reach each other without the mesh.
	Site                 string
	HasPublicIPv4Address bool
}

func (p Peer) String() string {
	return fmt.Sprintf("%s (%s, site %q, public %t, allowed %s)", p.PublicKey, p.Endpoint, p.Site, p.HasPublicIPv4Address, strings.Join(p.AllowedIPs, ","))
}

// SiteOf returns address from its first '.' onwards, or "" if it has none.
func SiteOf(address string) string {
	i := strings.IndexByte(address, '.')
	if i == -1 {
		return ""
	}
	return address[i:]
}

// NodeRepository discovers mesh members.
type NodeRepository interface {
	// ListMeshNodes returns the member addresses published under meshRecord.
	ListMeshNodes(ctx context.Context, meshRecord string) ([]string, error)
	// FetchPeer resolves a single member address into a Peer.
	FetchPeer(ctx context.Context, address string) (Peer, error)
	// FetchAllPeers resolves every member of meshRecord. Either all succeed or an error is returned.
	FetchAllPeers(ctx context.Context, meshRecord string) ([]Peer, error)
}

// Device is the local WireGuard device.
type Device interface {
	// Identity returns the device's own base64-encoded public key.
	Identity(ctx context.Context) (string, error)
	// ReplacePeers makes peers the complete peer set of the device.
	ReplacePeers(ctx context.Context, peers []Peer) error
}

// Router installs routes for peers on one interface.
type Router interface {
	// AddRoutes inserts a route for every allowed IP of every peer. Existing routes are left alone.
	AddRoutes(ctx context.Context, peers []Peer) error
}

// Mesh runs convergence passes.
type Mesh struct {
	Nodes  NodeRepository
	Device Device
	Router Router
	// Observe, if set, is called with every state a pass reaches, in order.
	Observe func(State)
}

func New(nodes NodeRepository, device Device, router Router) *Mesh {
	return &Mesh{Nodes: nodes, Device: device, Router: router}
}

// Plan identifies this host, discovers the mesh and returns the peers this host must peer with.
// Nothing is applied.
func (m *Mesh) Plan(ctx context.Context, meshRecord string) ([]Peer, error) {
	m.enter(StateStart)
	zap.S().Debug("reading interface identity…")
	self, err := m.Device.Identity(ctx)
	if err != nil {
		return nil, &PassError{Stage: StateStart, Err: err}
	}
	zap.S().Debugf("interface identity is %s.", self)
	m.enter(StateIdentified)

	zap.S().Debugf("discovering members of %s…", meshRecord)
	peers, err := m.Nodes.FetchAllPeers(ctx, meshRecord)
	if err != nil {
		return nil, &PassError{Stage: StateIdentified, Err: err}
	}
	zap.S().Debugf("discovered %d members.", len(peers))
	m.enter(StateDiscovered)

	selected, err := SelectPeers(self, peers)
	if err != nil {
		return nil, &PassError{Stage: StateDiscovered, Err: err}
	}
	zap.S().Debugf("selected %d peers:\n%s", len(selected), describePeers(selected))
	m.enter(StateFiltered)
	return selected, nil
}

// Execute runs one convergence pass: Plan, then a full replace of the device's peers, then route insertion.
// The first error aborts the pass and is returned as a *PassError.
func (m *Mesh) Execute(ctx context.Context, meshRecord string) error {
	selected, err := m.Plan(ctx, meshRecord)
	if err != nil {
		return err
	}

	zap.S().Debug("replacing device peers…")
	err = m.Device.ReplacePeers(ctx, selected)
	if err != nil {
		return &PassError{Stage: StateFiltered, Err: err}
	}
	m.enter(StateDeviceReconciled)

	zap.S().Debug("adding routes…")
	err = m.Router.AddRoutes(ctx, selected)
	if err != nil {
		return &PassError{Stage: StateDeviceReconciled, Err: err}
	}
	m.enter(StateRoutesReconciled)
	m.enter(StateDone)
	zap.S().Infof("%s: converged with %d peers.", meshRecord, len(selected))
	return nil
}

func (m *Mesh) enter(s State) {
	zap.S().Debugf("state: %s", s)
	if m.Observe != nil {
		m.Observe(s)
	}
}

func describePeers(peers []Peer) string {
	lines := make([]string, len(peers))
	for i, peer := range peers {
		lines[i] = "- " + peer.String()
	}
	return strings.Join(lines, "\n")
}
