package node

import (
	"crypto/ecdsa"
	"sort"

	"github.com/pkg/errors"
)

// Registry is the cluster's fixed peer table, keyed by party index. It
// satisfies dkg.IdentityLookup by static party index; the coordinator
// wraps it (proposalIdentities) to resolve a peer's Round 3 encryption
// key by ceremony party index.
type Registry struct {
	self  int
	peers map[int]*Peer
}

// NewRegistry builds a registry from a static peer list. self is this
// node's own party index and must appear in peers.
func NewRegistry(self int, peers []*Peer) (*Registry, error) {
	byIndex := make(map[int]*Peer, len(peers))
	for _, p := range peers {
		if p.PartyIndex <= 0 {
			return nil, errors.Errorf("node: peer %q has invalid party index %d", p.NodeID, p.PartyIndex)
		}
		if _, dup := byIndex[p.PartyIndex]; dup {
			return nil, errors.Errorf("node: duplicate party index %d", p.PartyIndex)
		}
		byIndex[p.PartyIndex] = p
	}
	if _, ok := byIndex[self]; !ok {
		return nil, errors.Errorf("node: self party index %d not present in peer list", self)
	}
	return &Registry{self: self, peers: byIndex}, nil
}

// Self returns this node's own peer entry.
func (r *Registry) Self() *Peer { return r.peers[r.self] }

// SelfIndex returns this node's party index.
func (r *Registry) SelfIndex() int { return r.self }

// ByIndex resolves a party index to its peer entry.
func (r *Registry) ByIndex(partyIndex int) (*Peer, error) {
	p, ok := r.peers[partyIndex]
	if !ok {
		return nil, errors.Errorf("node: unknown party index %d", partyIndex)
	}
	return p, nil
}

// ByNodeID resolves a node ID to its peer entry.
func (r *Registry) ByNodeID(nodeID string) (*Peer, error) {
	for _, p := range r.peers {
		if p.NodeID == nodeID {
			return p, nil
		}
	}
	return nil, errors.Errorf("node: unknown node id %q", nodeID)
}

// IdentityPubKey implements dkg.IdentityLookup.
func (r *Registry) IdentityPubKey(partyIndex int) (*ecdsa.PublicKey, error) {
	p, err := r.ByIndex(partyIndex)
	if err != nil {
		return nil, err
	}
	if p.IdentityKey == nil {
		return nil, errors.Errorf("node: peer %d has no identity key configured", partyIndex)
	}
	return p.IdentityKey, nil
}

// All returns every peer, ordered by party index.
func (r *Registry) All() []*Peer {
	out := make([]*Peer, 0, len(r.peers))
	for _, p := range r.peers {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PartyIndex < out[j].PartyIndex })
	return out
}

// Total returns the cluster size n.
func (r *Registry) Total() int { return len(r.peers) }
