package key

import (
	"context"
	"encoding/hex"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/sandrotbilisi/clirift/internal/crypto/curve"
	"github.com/sandrotbilisi/clirift/internal/mpc/chain"
	"github.com/sandrotbilisi/clirift/internal/mpc/keyshare"
)

func newTestService(t *testing.T) (*Service, string) {
	t.Helper()
	dir := t.TempDir()
	store := keyshare.NewLocalStore(dir, "node-a", "correct-horse-battery-staple-long-enough")

	d, err := curve.RandomScalar()
	require.NoError(t, err)
	P := curve.ScalarBaseMul(d)
	pub, err := P.CompressedBytes()
	require.NoError(t, err)

	chainCode := make([]byte, 32)
	for i := range chainCode {
		chainCode[i] = byte(i + 1)
	}

	meta := &keyshare.CeremonyMetadata{
		CeremonyID:  "ceremony-1",
		CompletedAt: time.Now().UTC(),
		Participants: []keyshare.Participant{
			{NodeID: "node-a", PartyIndex: 1, PublicKeyShare: hex.EncodeToString(pub)},
		},
		Threshold:    2,
		TotalParties: 3,
		PkMaster:     hex.EncodeToString(pub),
		ChainCode:    hex.EncodeToString(chainCode),
		Version:      1,
	}

	share := []byte("fake-shamir-share-bytes")
	require.NoError(t, store.Save(context.Background(), share, meta))

	svc := NewService(store, chain.NewEthereumAdapter(nil))
	return svc, dir
}

func TestService_MasterKeyRequiresCompletedCeremony(t *testing.T) {
	store := keyshare.NewLocalStore(t.TempDir(), "node-a", "pw")
	svc := NewService(store, chain.NewEthereumAdapter(nil))
	_, err := svc.MasterKey()
	require.Error(t, err)
}

func TestService_MasterKey(t *testing.T) {
	svc, _ := newTestService(t)
	m, err := svc.MasterKey()
	require.NoError(t, err)
	require.Equal(t, "ceremony-1", m.CeremonyID)
	require.Equal(t, 2, m.Threshold)
	require.Equal(t, 3, m.Total)
}

func TestService_DeriveWalletCachesResult(t *testing.T) {
	svc, _ := newTestService(t)

	w1, err := svc.DeriveWallet(0)
	require.NoError(t, err)
	require.Equal(t, "m/44'/60'/0'/0/0", w1.Path)
	require.NotEmpty(t, w1.Address)

	w2, err := svc.DeriveWallet(0)
	require.NoError(t, err)
	require.Equal(t, w1.Address, w2.Address)
	require.Equal(t, w1.PublicKey, w2.PublicKey)
}

func TestService_DeriveWalletDistinctIndices(t *testing.T) {
	svc, _ := newTestService(t)

	w0, err := svc.DeriveWallet(0)
	require.NoError(t, err)
	w1, err := svc.DeriveWallet(1)
	require.NoError(t, err)

	require.NotEqual(t, w0.Address, w1.Address)
}

func TestService_ListWallets(t *testing.T) {
	svc, _ := newTestService(t)

	_, err := svc.DeriveWallet(0)
	require.NoError(t, err)
	_, err = svc.DeriveWallet(5)
	require.NoError(t, err)

	wallets, err := svc.ListWallets()
	require.NoError(t, err)
	require.Len(t, wallets, 2)
}
