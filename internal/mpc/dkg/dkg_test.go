package dkg

import (
	"crypto/ecdsa"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sandrotbilisi/clirift/internal/crypto/curve"
	"github.com/sandrotbilisi/clirift/internal/crypto/vss"
	"github.com/sandrotbilisi/clirift/internal/mpc/protocol"
	pkgbackup "github.com/sandrotbilisi/clirift/pkg/backup"
)

func idxScalar(n int64) *curve.Scalar {
	return curve.NewScalar(big.NewInt(n))
}

func scalarBaseMulHelper(s *curve.Scalar) *curve.Point {
	return curve.ScalarBaseMul(s)
}

type memIdentities struct {
	keys map[int]*ecdsa.PrivateKey
}

func newMemIdentities(n int) *memIdentities {
	m := &memIdentities{keys: make(map[int]*ecdsa.PrivateKey)}
	for i := 1; i <= n; i++ {
		k, err := crypto.GenerateKey()
		if err != nil {
			panic(err)
		}
		m.keys[i] = k
	}
	return m
}

func (m *memIdentities) IdentityPubKey(partyIndex int) (*ecdsa.PublicKey, error) {
	return &m.keys[partyIndex].PublicKey, nil
}

// runCeremony drives a full 2-of-3 honest DKG across three in-process
// sessions, simulating the broadcast/point-to-point transport inline.
func runCeremony(t *testing.T, threshold, total int) ([]*Session, []*Result) {
	t.Helper()
	ids := newMemIdentities(total)
	sessions := make([]*Session, total)
	parties := make([]string, total)
	for i := range parties {
		parties[i] = "node"
	}
	for i := 1; i <= total; i++ {
		sessions[i-1] = NewSession("ceremony-1", i, threshold, total, parties, ids)
	}

	round1 := make([]*protocol.DkgRound1Payload, total)
	for i, s := range sessions {
		p, err := s.StartRound1()
		require.NoError(t, err)
		round1[i] = p
	}
	for i, s := range sessions {
		for j, p := range round1 {
			if j == i {
				continue
			}
			require.NoError(t, s.ReceiveRound1(j+1, p))
		}
		assert.True(t, s.Round1Complete())
	}

	round2 := make([]*protocol.DkgRound2Payload, total)
	for i, s := range sessions {
		p, err := s.StartRound2()
		require.NoError(t, err)
		round2[i] = p
	}
	for i, s := range sessions {
		for j, p := range round2 {
			if j == i {
				continue
			}
			require.NoError(t, s.ReceiveRound2(j+1, p))
		}
		assert.True(t, s.Round2Complete())
	}

	round3 := make([][]*protocol.DkgRound3Payload, total)
	for i, s := range sessions {
		ps, err := s.StartRound3()
		require.NoError(t, err)
		round3[i] = ps
	}
	for i, s := range sessions {
		for from := 0; from < total; from++ {
			if from == i {
				continue
			}
			for _, p := range round3[from] {
				if p.ToPartyIndex != i+1 {
					continue
				}
				decrypt := func(ct []byte) ([]byte, error) {
					return pkgbackup.DecryptShare(ct, ids.keys[i+1], s.CeremonyID)
				}
				require.NoError(t, s.ReceiveRound3(from+1, p, decrypt))
			}
		}
		assert.True(t, s.Round3Complete())
	}

	round4 := make([]*protocol.DkgRound4Payload, total)
	for i, s := range sessions {
		p, err := s.StartRound4()
		require.NoError(t, err)
		round4[i] = p
	}
	for i, s := range sessions {
		for j, p := range round4 {
			if j == i {
				continue
			}
			require.NoError(t, s.ReceiveRound4(j+1, p))
		}
		assert.True(t, s.Round4Complete())
	}

	results := make([]*Result, total)
	for i, s := range sessions {
		r, err := s.Assemble()
		require.NoError(t, err)
		results[i] = r
	}
	return sessions, results
}

func TestHonestDkgProducesConsistentMasterKey(t *testing.T) {
	_, results := runCeremony(t, 2, 3)

	for i := 1; i < len(results); i++ {
		assert.True(t, results[0].MasterPublicKey.Equal(results[i].MasterPublicKey))
		assert.Equal(t, results[0].ChainCode, results[i].ChainCode)
	}

	shares := []*vss.Share{
		{Index: idxScalar(1), Value: results[0].Share},
		{Index: idxScalar(2), Value: results[1].Share},
	}
	d := vss.Reconstruct(shares)
	assert.True(t, results[0].MasterPublicKey.Equal(scalarBaseMulHelper(d)))
}

func TestDkgAbortsOnTamperedShare(t *testing.T) {
	total, threshold := 3, 2
	ids := newMemIdentities(total)
	sessions := make([]*Session, total)
	parties := make([]string, total)
	for i := range parties {
		parties[i] = "node"
	}
	for i := 1; i <= total; i++ {
		sessions[i-1] = NewSession("ceremony-2", i, threshold, total, parties, ids)
	}

	round1 := make([]*protocol.DkgRound1Payload, total)
	for i, s := range sessions {
		p, err := s.StartRound1()
		require.NoError(t, err)
		round1[i] = p
	}
	for i, s := range sessions {
		for j, p := range round1 {
			if j == i {
				continue
			}
			require.NoError(t, s.ReceiveRound1(j+1, p))
		}
	}

	round2 := make([]*protocol.DkgRound2Payload, total)
	for i, s := range sessions {
		p, err := s.StartRound2()
		require.NoError(t, err)
		round2[i] = p
	}
	for i, s := range sessions {
		for j, p := range round2 {
			if j == i {
				continue
			}
			require.NoError(t, s.ReceiveRound2(j+1, p))
		}
	}

	// Party 2 (index 1 in zero-based sessions slice) sends party 3 a
	// tampered share: decrypt correctly, then flip the plaintext.
	victim := sessions[2] // party index 3
	cheaterIdx := 2
	pOK, err := sessions[cheaterIdx-1].StartRound3()
	require.NoError(t, err)
	var toVictim *protocol.DkgRound3Payload
	for _, p := range pOK {
		if p.ToPartyIndex == 3 {
			toVictim = p
		}
	}
	require.NotNil(t, toVictim)

	decrypt := func(ct []byte) ([]byte, error) {
		plain, err := pkgbackup.DecryptShare(ct, ids.keys[3], victim.CeremonyID)
		if err != nil {
			return nil, err
		}
		plain[len(plain)-1] ^= 0xFF // tamper after decryption to simulate a bad share
		return plain, nil
	}
	err = victim.ReceiveRound3(cheaterIdx, toVictim, decrypt)
	assert.Error(t, err)
}
