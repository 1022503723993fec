package dns

import (
	"fmt"
	"net"
	"net/netip"
	"strings"
	"sync"

	"github.com/miekg/dns"
	"go.uber.org/zap"
)

const wireguardLabel = "_wireguard."

// ZoneServer answers mesh discovery queries from a Zone.
//
// Names it does not know get NXDOMAIN; known names without data of the queried type
// get an empty NOERROR answer.
type ZoneServer struct {
	zone     compiledZone
	zoneLock sync.RWMutex
}

var _ dns.Handler = (*ZoneServer)(nil)

func NewZoneServer(zone Zone) (*ZoneServer, error) {
	s := new(ZoneServer)
	err := s.SetZone(zone)
	if err != nil {
		return nil, err
	}
	return s, nil
}

// SetZone replaces the served zone.
func (s *ZoneServer) SetZone(zone Zone) error {
	cz, err := zone.compile()
	if err != nil {
		return err
	}
	s.zoneLock.Lock()
	defer s.zoneLock.Unlock()
	s.zone = cz
	zap.S().Infof("serving %d meshes and %d nodes.", len(cz.meshes), len(cz.nodes))
	return nil
}

// Listen starts serving on addr with network "udp" or "tcp".
// The returned server is already accepting; stop it with Shutdown.
func (s *ZoneServer) Listen(network, addr string) (*dns.Server, error) {
	server := &dns.Server{Handler: s}
	switch network {
	case "udp":
		pc, err := net.ListenPacket("udp", addr)
		if err != nil {
			return nil, err
		}
		server.PacketConn = pc
	case "tcp":
		l, err := net.Listen("tcp", addr)
		if err != nil {
			return nil, err
		}
		server.Listener = l
	default:
		return nil, fmt.Errorf("unsupported network %s", network)
	}
	started := make(chan struct{})
	server.NotifyStartedFunc = func() { close(started) }
	errs := make(chan error, 1)
	go func() {
		errs <- server.ActivateAndServe()
	}()
	select {
	case <-started:
	case err := <-errs:
		return nil, fmt.Errorf("dns %s server on %s: %w", network, addr, err)
	}
	go func() {
		err := <-errs
		if err != nil {
			zap.S().Errorf("dns %s server on %s stopped: %s", network, addr, err)
		}
	}()
	return server, nil
}

func (s *ZoneServer) ServeDNS(w dns.ResponseWriter, r *dns.Msg) {
	m := new(dns.Msg)
	m.SetReply(r)
	m.Authoritative = true
	size := dns.MinMsgSize
	if opt := r.IsEdns0(); opt != nil {
		size = int(opt.UDPSize())
		m.SetEdns0(opt.UDPSize(), false)
	}
	switch r.Opcode {
	case dns.OpcodeQuery:
		m.Rcode = s.handleQuery(m)
	default:
		m.Rcode = dns.RcodeNotImplemented
	}
	if _, ok := w.RemoteAddr().(*net.UDPAddr); ok {
		m.Truncate(size)
	}
	err := w.WriteMsg(m)
	if err != nil {
		zap.S().Debugf("writing response to %s failed: %s", w.RemoteAddr(), err)
	}
}

func (s *ZoneServer) handleQuery(m *dns.Msg) (rcode int) {
	s.zoneLock.RLock()
	defer s.zoneLock.RUnlock()
	for _, q := range m.Question {
		name := normalizeName(q.Name)
		known := false
		if members, ok := s.zone.meshes[name]; ok {
			known = true
			if q.Qtype == dns.TypeTXT {
				for _, member := range members {
					m.Answer = append(m.Answer, txtRecord(q.Name, member))
				}
			}
		}
		if node, ok := s.zone.nodes[name]; ok {
			known = true
			if q.Qtype == dns.TypeA {
				m.Answer = append(m.Answer, aRecords(q.Name, node.addresses)...)
			}
		}
		if strings.HasPrefix(name, wireguardLabel) {
			if node, ok := s.zone.nodes[strings.TrimPrefix(name, wireguardLabel)]; ok {
				known = true
				switch q.Qtype {
				case dns.TypeTXT:
					if node.publicKey != "" {
						m.Answer = append(m.Answer, txtRecord(q.Name, node.publicKey))
					}
				case dns.TypeA:
					m.Answer = append(m.Answer, aRecords(q.Name, node.allowedIPs)...)
				}
			}
		}
		if !known {
			zap.S().Debugf("%s not found", q.Name)
			return dns.RcodeNameError
		}
	}
	return dns.RcodeSuccess
}

func txtRecord(name, text string) dns.RR {
	return &dns.TXT{
		Hdr: dns.RR_Header{
			Name:   name,
			Rrtype: dns.TypeTXT,
			Class:  dns.ClassINET,
			Ttl:    0,
		},
		Txt: []string{text},
	}
}

func aRecords(name string, addrs []netip.Addr) []dns.RR {
	rrs := make([]dns.RR, len(addrs))
	for i, addr := range addrs {
		rrs[i] = &dns.A{
			Hdr: dns.RR_Header{
				Name:   name,
				Rrtype: dns.TypeA,
				Class:  dns.ClassINET,
				Ttl:    0,
			},
			A: addr.AsSlice(),
		}
	}
	return rrs
}
