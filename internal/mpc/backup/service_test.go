package backup

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func sampleEncryptedShare(t *testing.T) []byte {
	t.Helper()
	blob, err := json.Marshal(map[string]interface{}{
		"kdf":            "aes-256-gcm",
		"ciphertext":     "d290206e6f742061207265616c206369706865727465787420627574206c6f6f6b73206c696b65206f6e65",
		"nonce":          "0011223344556677889900aabb",
		"encryptedShare": true,
	})
	require.NoError(t, err)
	return blob
}

func TestService_GenerateShardsAndReconstruct(t *testing.T) {
	svc := NewService()
	blob := sampleEncryptedShare(t)

	shards, err := svc.GenerateShards(blob, 3, 5)
	require.NoError(t, err)
	require.Len(t, shards, 5)

	for i, sh := range shards {
		require.Equal(t, i+1, sh.Index)
		require.False(t, sh.CreatedAt.IsZero())
	}

	recovered, err := svc.Reconstruct(shards[:3], 3)
	require.NoError(t, err)
	require.Equal(t, blob, recovered)
}

func TestService_GenerateShardsAndReconstruct_ThresholdTwo(t *testing.T) {
	svc := NewService()
	blob := sampleEncryptedShare(t)

	shards, err := svc.GenerateShards(blob, 2, 4)
	require.NoError(t, err)
	require.Len(t, shards, 4)

	recovered, err := svc.Reconstruct(shards[:2], 2)
	require.NoError(t, err)
	require.Equal(t, blob, recovered)
}

func TestService_ReconstructDifferentSubsets(t *testing.T) {
	svc := NewService()
	blob := sampleEncryptedShare(t)

	shards, err := svc.GenerateShards(blob, 3, 5)
	require.NoError(t, err)

	subsets := [][]*Shard{
		{shards[0], shards[1], shards[2]},
		{shards[1], shards[3], shards[4]},
		{shards[0], shards[2], shards[4]},
	}
	for _, subset := range subsets {
		recovered, err := svc.Reconstruct(subset, 3)
		require.NoError(t, err)
		require.Equal(t, blob, recovered)
	}
}

func TestService_GenerateShardsValidatesInput(t *testing.T) {
	svc := NewService()
	blob := sampleEncryptedShare(t)

	_, err := svc.GenerateShards(nil, 3, 5)
	require.Error(t, err)

	_, err = svc.GenerateShards(blob, 1, 5)
	require.Error(t, err)

	_, err = svc.GenerateShards(blob, 4, 3)
	require.Error(t, err)
}

func TestService_ReconstructRejectsInsufficientShards(t *testing.T) {
	svc := NewService()
	blob := sampleEncryptedShare(t)

	shards, err := svc.GenerateShards(blob, 3, 5)
	require.NoError(t, err)

	_, err = svc.Reconstruct(shards[:2], 3)
	require.Error(t, err)
}

func TestCheckStatus(t *testing.T) {
	st := CheckStatus(2, 3)
	require.False(t, st.Recoverable)

	st = CheckStatus(3, 3)
	require.True(t, st.Recoverable)
}
