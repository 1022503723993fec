package mesh

import (
	"errors"
	"fmt"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func peer(key, address string, public bool) Peer {
	return Peer{
		PublicKey:            key,
		AllowedIPs:           []string{fmt.Sprintf("10.0.0.%d/32", len(key))},
		Endpoint:             Endpoint{Host: address, Port: DefaultPort},
		Site:                 SiteOf(address),
		HasPublicIPv4Address: public,
	}
}

func keys(peers []Peer) []string {
	ks := make([]string, len(peers))
	for i, p := range peers {
		ks[i] = p.PublicKey
	}
	return ks
}

func TestSelectPeersScenario(t *testing.T) {
	a := peer("a", "a.site1.example", false)
	b := peer("b", "b.site1.example", false)
	c := peer("c", "c.site2.example", true)
	got, err := SelectPeers("a", []Peer{a, b, c})
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]Peer{c}, got); diff != "" {
		t.Fatalf("selection mismatch (-want +got):\n%s", diff)
	}
}

func TestSelectPeersBothPublic(t *testing.T) {
	a := peer("a", "a.site1.example", true)
	c := peer("c", "c.site2.example", true)
	got, err := SelectPeers("a", []Peer{a, c})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 0 {
		t.Fatalf("got %v, want empty selection", keys(got))
	}
}

func TestSelectPeersNotMember(t *testing.T) {
	peers := []Peer{peer("a", "a.site1.example", false), peer("b", "b.site2.example", true)}
	got, err := SelectPeers("z", peers)
	if got != nil {
		t.Fatalf("got partial result %v", keys(got))
	}
	var notMember *PeerNotPartOfMeshError
	if !errors.As(err, &notMember) {
		t.Fatalf("got error %v, want PeerNotPartOfMeshError", err)
	}
	if notMember.PublicKey != "z" {
		t.Fatalf("error names key %q, want %q", notMember.PublicKey, "z")
	}
}

func TestSelectPeersProperties(t *testing.T) {
	addresses := []string{"n0.s1.example", "n1.s1.example", "n2.s2.example", "n3.s3.example", "n4", "n5", "n6.s2.example"}
	var all []Peer
	for i, address := range addresses {
		all = append(all, peer(fmt.Sprintf("key%d", i), address, i%2 == 0))
	}
	for _, self := range all {
		got, err := SelectPeers(self.PublicKey, all)
		if err != nil {
			t.Fatalf("%s: %s", self.PublicKey, err)
		}
		for _, p := range got {
			if p.PublicKey == self.PublicKey {
				t.Errorf("%s: selected itself", self.PublicKey)
			}
			if p.Site == self.Site {
				t.Errorf("%s: selected %s from the same site %q", self.PublicKey, p.PublicKey, p.Site)
			}
			if p.HasPublicIPv4Address && self.HasPublicIPv4Address {
				t.Errorf("%s: selected %s although both are public", self.PublicKey, p.PublicKey)
			}
		}
		again, _ := SelectPeers(self.PublicKey, all)
		if !cmp.Equal(got, again) {
			t.Errorf("%s: selection is not stable", self.PublicKey)
		}
	}
}

func TestSiteOf(t *testing.T) {
	tests := map[string]string{
		"a.site1.example": ".site1.example",
		"host":            "",
		"host.":           ".",
		".lead":           ".lead",
	}
	for address, want := range tests {
		if got := SiteOf(address); got != want {
			t.Errorf("SiteOf(%q) = %q; want %q", address, got, want)
		}
	}
}
