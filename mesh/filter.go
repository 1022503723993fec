package mesh

import "slices"

// SelectPeers returns the members of peers that the member with selfPublicKey must peer with.
// A member is kept if it is in a different site and at most one of the two sides has a public IPv4 address.
// The relative order of peers is preserved.
func SelectPeers(selfPublicKey string, peers []Peer) ([]Peer, error) {
	i := slices.IndexFunc(peers, func(p Peer) bool { return p.PublicKey == selfPublicKey })
	if i == -1 {
		return nil, &PeerNotPartOfMeshError{PublicKey: selfPublicKey}
	}
	self := peers[i]

	selected := make([]Peer, 0, len(peers)-1)
	for j, c := range peers {
		if j == i {
			continue
		}
		if c.PublicKey == self.PublicKey {
			continue
		}
		if c.Site == self.Site {
			continue
		}
		if self.HasPublicIPv4Address && c.HasPublicIPv4Address {
			continue
		}
		selected = append(selected, c)
	}
	return selected, nil
}
