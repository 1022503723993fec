package dns

import (
	"context"
	"errors"
	"fmt"
	"net/netip"

	"github.com/miekg/dns"
	"github.com/nyiyui/wgmesh/mesh"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// udpSize is advertised with EDNS0 so large mesh records fit in one UDP response.
const udpSize = 4096

// Repository discovers mesh members by querying a single nameserver.
type Repository struct {
	nameserver string
	udp        *dns.Client
	tcp        *dns.Client
}

var _ mesh.NodeRepository = (*Repository)(nil)

// NewRepository returns a Repository querying nameserver (host:port).
func NewRepository(nameserver string) *Repository {
	return &Repository{
		nameserver: nameserver,
		udp:        &dns.Client{Net: "udp", UDPSize: udpSize},
		tcp:        &dns.Client{Net: "tcp"},
	}
}

// query returns the answer records of type qtype for name.
// ErrNoRecords is returned (wrapped) for NXDOMAIN and for empty answers.
func (r *Repository) query(ctx context.Context, name string, qtype uint16) ([]dns.RR, error) {
	m := new(dns.Msg)
	m.SetQuestion(dns.Fqdn(name), qtype)
	m.RecursionDesired = true
	m.SetEdns0(udpSize, false)

	resp, _, err := r.udp.ExchangeContext(ctx, m, r.nameserver)
	if err == nil && resp.Truncated {
		zap.S().Debugf("query %s %s: truncated, retrying over TCP.", name, dns.TypeToString[qtype])
		resp, _, err = r.tcp.ExchangeContext(ctx, m, r.nameserver)
	}
	if err != nil {
		return nil, fmt.Errorf("query %s %s: %w", name, dns.TypeToString[qtype], err)
	}
	switch resp.Rcode {
	case dns.RcodeSuccess:
	case dns.RcodeNameError:
		return nil, fmt.Errorf("query %s %s: %w", name, dns.TypeToString[qtype], ErrNoRecords)
	default:
		return nil, &RcodeError{Name: name, Type: qtype, Rcode: resp.Rcode}
	}

	var rrs []dns.RR
	for _, rr := range resp.Answer {
		// skip CNAMEs and anything else the resolver added on the way
		if rr.Header().Rrtype == qtype {
			rrs = append(rrs, rr)
		}
	}
	if len(rrs) == 0 {
		return nil, fmt.Errorf("query %s %s: %w", name, dns.TypeToString[qtype], ErrNoRecords)
	}
	return rrs, nil
}

func (r *Repository) queryTXT(ctx context.Context, name string) ([]string, error) {
	rrs, err := r.query(ctx, name, dns.TypeTXT)
	if err != nil {
		return nil, err
	}
	texts := make([]string, 0, len(rrs))
	for _, rr := range rrs {
		text, err := decodeTXT(name, rr.(*dns.TXT))
		if err != nil {
			return nil, err
		}
		texts = append(texts, text)
	}
	return texts, nil
}

func (r *Repository) queryA(ctx context.Context, name string) ([]netip.Addr, error) {
	rrs, err := r.query(ctx, name, dns.TypeA)
	if err != nil {
		return nil, err
	}
	addrs := make([]netip.Addr, 0, len(rrs))
	for _, rr := range rrs {
		addr, ok := netip.AddrFromSlice(rr.(*dns.A).A)
		if !ok {
			return nil, fmt.Errorf("query %s A: invalid address %v", name, rr.(*dns.A).A)
		}
		addrs = append(addrs, addr.Unmap())
	}
	return addrs, nil
}

// ListMeshNodes returns one member address per TXT record of meshRecord.
func (r *Repository) ListMeshNodes(ctx context.Context, meshRecord string) ([]string, error) {
	return r.queryTXT(ctx, meshRecord)
}

// FetchPeer resolves address into a Peer:
//   - A records of address decide HasPublicIPv4Address (no records means false),
//   - the first TXT record of _wireguard.<address> is the public key,
//   - A records of _wireguard.<address> become /32 allowed IPs.
func (r *Repository) FetchPeer(ctx context.Context, address string) (mesh.Peer, error) {
	qname := "_wireguard." + address

	hasPublic := false
	addrs, err := r.queryA(ctx, address)
	switch {
	case errors.Is(err, ErrNoRecords):
	case err != nil:
		return mesh.Peer{}, err
	default:
		for _, addr := range addrs {
			if !addr.IsPrivate() {
				hasPublic = true
				break
			}
		}
	}

	texts, err := r.queryTXT(ctx, qname)
	if errors.Is(err, ErrNoRecords) {
		return mesh.Peer{}, &MissingPubkeyRecordError{Name: qname}
	} else if err != nil {
		return mesh.Peer{}, err
	}
	publicKey := texts[0]
	if publicKey == "" {
		return mesh.Peer{}, &MissingPubkeyRecordError{Name: qname}
	}

	allowed, err := r.queryA(ctx, qname)
	if err != nil {
		return mesh.Peer{}, err
	}
	allowedIPs := make([]string, len(allowed))
	for i, addr := range allowed {
		allowedIPs[i] = netip.PrefixFrom(addr, 32).String()
	}

	return mesh.Peer{
		PublicKey:            publicKey,
		AllowedIPs:           allowedIPs,
		Endpoint:             mesh.Endpoint{Host: address, Port: mesh.DefaultPort},
		Site:                 mesh.SiteOf(address),
		HasPublicIPv4Address: hasPublic,
	}, nil
}

// FetchAllPeers lists the members of meshRecord and fetches them concurrently.
// The first failure cancels the remaining lookups and is returned.
// Peers are returned in the order of the mesh record's TXT records.
func (r *Repository) FetchAllPeers(ctx context.Context, meshRecord string) ([]mesh.Peer, error) {
	addresses, err := r.ListMeshNodes(ctx, meshRecord)
	if err != nil {
		return nil, err
	}
	zap.S().Debugf("%s lists %d members.", meshRecord, len(addresses))

	peers := make([]mesh.Peer, len(addresses))
	g, gctx := errgroup.WithContext(ctx)
	for i, address := range addresses {
		g.Go(func() error {
			peer, err := r.FetchPeer(gctx, address)
			if err != nil {
				return fmt.Errorf("fetch peer %s: %w", address, err)
			}
			peers[i] = peer
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return peers, nil
}
