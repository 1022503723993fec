package dns

import (
	"context"
	"errors"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/nyiyui/wgmesh/mesh"
)

const meshRecord = "_wg-mesh.example.com"

func scenarioZone() Zone {
	return Zone{
		Meshes: map[string][]string{
			meshRecord: {"a.site1.example", "b.site1.example", "c.site2.example"},
		},
		Nodes: map[string]ZoneNode{
			"a.site1.example": {
				Addresses:  []string{"192.168.1.10"},
				PublicKey:  "keyA",
				AllowedIPs: []string{"10.0.0.1"},
			},
			"b.site1.example": {
				PublicKey:  "keyB",
				AllowedIPs: []string{"10.0.0.2"},
			},
			"c.site2.example": {
				Addresses:  []string{"10.1.0.1", "203.0.113.9"},
				PublicKey:  "keyC",
				AllowedIPs: []string{"10.0.0.5", "203.0.113.9"},
			},
			"nokey.site3.example": {
				AllowedIPs: []string{"10.0.0.7"},
			},
			"broken.site3.example": {
				PublicKey:  `\255\254`,
				AllowedIPs: []string{"10.0.0.8"},
			},
			"noallowed.site3.example": {
				PublicKey: "keyN",
			},
		},
	}
}

func startZone(t *testing.T, zone Zone, networks ...string) string {
	t.Helper()
	s, err := NewZoneServer(zone)
	if err != nil {
		t.Fatal(err)
	}
	addr := "127.0.0.1:0"
	for _, network := range networks {
		server, err := s.Listen(network, addr)
		if err != nil {
			t.Fatal(err)
		}
		t.Cleanup(func() { server.Shutdown() })
		if server.PacketConn != nil {
			addr = server.PacketConn.LocalAddr().String()
		} else {
			addr = server.Listener.Addr().String()
		}
	}
	return addr
}

func newTestRepository(t *testing.T, zone Zone) *Repository {
	return NewRepository(startZone(t, zone, "udp"))
}

func testContext(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestFetchAllPeers(t *testing.T) {
	r := newTestRepository(t, scenarioZone())
	got, err := r.FetchAllPeers(testContext(t), meshRecord)
	if err != nil {
		t.Fatal(err)
	}
	want := []mesh.Peer{
		{
			PublicKey:            "keyA",
			AllowedIPs:           []string{"10.0.0.1/32"},
			Endpoint:             mesh.Endpoint{Host: "a.site1.example", Port: 51820},
			Site:                 ".site1.example",
			HasPublicIPv4Address: false,
		},
		{
			PublicKey:            "keyB",
			AllowedIPs:           []string{"10.0.0.2/32"},
			Endpoint:             mesh.Endpoint{Host: "b.site1.example", Port: 51820},
			Site:                 ".site1.example",
			HasPublicIPv4Address: false,
		},
		{
			PublicKey:            "keyC",
			AllowedIPs:           []string{"10.0.0.5/32", "203.0.113.9/32"},
			Endpoint:             mesh.Endpoint{Host: "c.site2.example", Port: 51820},
			Site:                 ".site2.example",
			HasPublicIPv4Address: true,
		},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("peers mismatch (-want +got):\n%s", diff)
	}

	again, err := r.FetchAllPeers(testContext(t), meshRecord)
	if err != nil {
		t.Fatal(err)
	}
	if !cmp.Equal(got, again) {
		t.Fatal("re-resolving the same zone gave a different result")
	}

	selected, err := mesh.SelectPeers("keyA", got)
	if err != nil {
		t.Fatal(err)
	}
	if len(selected) != 1 || selected[0].PublicKey != "keyC" {
		t.Fatalf("selected %v; want only keyC", selected)
	}
}

func TestFetchPeerWithoutOwnAddress(t *testing.T) {
	zone := scenarioZone()
	// not even the node's own name exists: NXDOMAIN for its A query
	zone.Nodes["_wireguard.ghost.site4.example"] = ZoneNode{Addresses: []string{"10.9.9.9"}}
	r := newTestRepository(t, zone)
	_, err := r.FetchPeer(testContext(t), "ghost.site4.example")
	var missing *MissingPubkeyRecordError
	if !errors.As(err, &missing) {
		t.Fatalf("got %v, want MissingPubkeyRecordError", err)
	}

	p, err := r.FetchPeer(testContext(t), "b.site1.example")
	if err != nil {
		t.Fatal(err)
	}
	if p.HasPublicIPv4Address {
		t.Fatal("member without A records reported as public")
	}
}

func TestFetchPeerMissingPubkey(t *testing.T) {
	r := newTestRepository(t, scenarioZone())
	_, err := r.FetchPeer(testContext(t), "nokey.site3.example")
	var missing *MissingPubkeyRecordError
	if !errors.As(err, &missing) {
		t.Fatalf("got %v, want MissingPubkeyRecordError", err)
	}
	if missing.Name != "_wireguard.nokey.site3.example" {
		t.Fatalf("error names %q", missing.Name)
	}
}

func TestFetchPeerMalformedPubkey(t *testing.T) {
	r := newTestRepository(t, scenarioZone())
	_, err := r.FetchPeer(testContext(t), "broken.site3.example")
	var malformed *MalformedRecordError
	if !errors.As(err, &malformed) {
		t.Fatalf("got %v, want MalformedRecordError", err)
	}
}

func TestFetchPeerNoAllowedIPs(t *testing.T) {
	r := newTestRepository(t, scenarioZone())
	_, err := r.FetchPeer(testContext(t), "noallowed.site3.example")
	if !errors.Is(err, ErrNoRecords) {
		t.Fatalf("got %v, want ErrNoRecords", err)
	}
}

func TestFetchAllPeersAllOrNothing(t *testing.T) {
	zone := scenarioZone()
	zone.Meshes[meshRecord] = append(zone.Meshes[meshRecord], "nokey.site3.example")
	r := newTestRepository(t, zone)
	peers, err := r.FetchAllPeers(testContext(t), meshRecord)
	if peers != nil {
		t.Fatalf("got partial mesh %v", peers)
	}
	var missing *MissingPubkeyRecordError
	if !errors.As(err, &missing) {
		t.Fatalf("got %v, want MissingPubkeyRecordError", err)
	}
}

func TestListMeshNodesMissingRecord(t *testing.T) {
	r := newTestRepository(t, scenarioZone())
	_, err := r.ListMeshNodes(testContext(t), "_wg-mesh.nowhere.example")
	if !errors.Is(err, ErrNoRecords) {
		t.Fatalf("got %v, want ErrNoRecords", err)
	}
}

func TestListMeshNodesMalformedMember(t *testing.T) {
	zone := scenarioZone()
	zone.Meshes[meshRecord] = append(zone.Meshes[meshRecord], `bad\255.site3.example`)
	r := newTestRepository(t, zone)
	_, err := r.ListMeshNodes(testContext(t), meshRecord)
	var malformed *MalformedRecordError
	if !errors.As(err, &malformed) {
		t.Fatalf("got %v, want MalformedRecordError", err)
	}
	peers, err := r.FetchAllPeers(testContext(t), meshRecord)
	if !errors.As(err, &malformed) || peers != nil {
		t.Fatalf("got %v, %v; want MalformedRecordError and no peers", peers, err)
	}
}

func TestTransportFailurePropagates(t *testing.T) {
	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	addr := pc.LocalAddr().String()
	pc.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	r := NewRepository(addr)
	_, err = r.FetchPeer(ctx, "a.site1.example")
	if err == nil {
		t.Fatal("expected an error")
	}
	if errors.Is(err, ErrNoRecords) {
		t.Fatalf("transport failure reported as absence: %v", err)
	}
}

func TestLargeMeshFallsBackToTCP(t *testing.T) {
	zone := Zone{Meshes: map[string][]string{}, Nodes: map[string]ZoneNode{}}
	var members []string
	for i := 0; i < 200; i++ {
		member := fmt.Sprintf("member-with-a-rather-long-name-%03d.site%d.example", i, i%7)
		members = append(members, member)
		zone.Nodes[member] = ZoneNode{PublicKey: fmt.Sprintf("key%d", i), AllowedIPs: []string{fmt.Sprintf("10.2.%d.%d", i/250, i%250+1)}}
	}
	zone.Meshes[meshRecord] = members
	r := NewRepository(startZone(t, zone, "udp", "tcp"))
	got, err := r.ListMeshNodes(testContext(t), meshRecord)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(members, got); diff != "" {
		t.Fatalf("members mismatch (-want +got):\n%s", diff)
	}
}
