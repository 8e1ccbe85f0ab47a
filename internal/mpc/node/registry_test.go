package node

import (
	"testing"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/require"
)

func samplePeers(t *testing.T) []*Peer {
	t.Helper()
	peers := make([]*Peer, 0, 3)
	for i := 1; i <= 3; i++ {
		priv, err := crypto.GenerateKey()
		require.NoError(t, err)
		peers = append(peers, &Peer{
			NodeID:      "node-" + string(rune('a'+i-1)),
			PartyIndex:  i,
			Endpoint:    "localhost:900" + string(rune('0'+i)),
			IdentityKey: &priv.PublicKey,
		})
	}
	return peers
}

func TestNewRegistry_RequiresSelfInPeerList(t *testing.T) {
	_, err := NewRegistry(9, samplePeers(t))
	require.Error(t, err)
}

func TestNewRegistry_RejectsDuplicatePartyIndex(t *testing.T) {
	peers := samplePeers(t)
	peers = append(peers, &Peer{NodeID: "dup", PartyIndex: 1})
	_, err := NewRegistry(1, peers)
	require.Error(t, err)
}

func TestNewRegistry_RejectsInvalidPartyIndex(t *testing.T) {
	peers := samplePeers(t)
	peers[0].PartyIndex = 0
	_, err := NewRegistry(1, peers)
	require.Error(t, err)
}

func TestRegistry_ByIndexAndByNodeID(t *testing.T) {
	peers := samplePeers(t)
	r, err := NewRegistry(2, peers)
	require.NoError(t, err)

	require.Equal(t, 2, r.SelfIndex())
	require.Equal(t, peers[1], r.Self())

	got, err := r.ByIndex(3)
	require.NoError(t, err)
	require.Equal(t, peers[2], got)

	got, err = r.ByNodeID(peers[0].NodeID)
	require.NoError(t, err)
	require.Equal(t, peers[0], got)

	_, err = r.ByIndex(99)
	require.Error(t, err)

	_, err = r.ByNodeID("unknown")
	require.Error(t, err)
}

func TestRegistry_IdentityPubKey(t *testing.T) {
	peers := samplePeers(t)
	r, err := NewRegistry(1, peers)
	require.NoError(t, err)

	pub, err := r.IdentityPubKey(1)
	require.NoError(t, err)
	require.Equal(t, peers[0].IdentityKey, pub)

	peers[1].IdentityKey = nil
	r, err = NewRegistry(1, peers)
	require.NoError(t, err)
	_, err = r.IdentityPubKey(2)
	require.Error(t, err)
}

func TestRegistry_AllOrderedByPartyIndex(t *testing.T) {
	peers := samplePeers(t)
	r, err := NewRegistry(1, []*Peer{peers[2], peers[0], peers[1]})
	require.NoError(t, err)

	all := r.All()
	require.Len(t, all, 3)
	require.Equal(t, 1, all[0].PartyIndex)
	require.Equal(t, 2, all[1].PartyIndex)
	require.Equal(t, 3, all[2].PartyIndex)
	require.Equal(t, 3, r.Total())
}
