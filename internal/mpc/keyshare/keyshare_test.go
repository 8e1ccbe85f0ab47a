package keyshare

import (
	"context"
	"encoding/base64"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/scrypt"
)

const testPassphrase = "correct horse battery staple correct horse"

func TestLocalStoreSaveLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	store := NewLocalStore(dir, "node-1", testPassphrase)

	share := []byte("a shamir share, thirty two bytes")
	meta := &CeremonyMetadata{
		CeremonyID:   "ceremony-1",
		CompletedAt:  time.Now().UTC(),
		Participants: []Participant{{NodeID: "node-1", PartyIndex: 1, PublicKeyShare: "02aa"}},
		Threshold:    2,
		TotalParties: 3,
		PkMaster:     "02bb",
		ChainCode:    "cc",
		Version:      1,
	}

	require.NoError(t, store.Save(context.Background(), append([]byte(nil), share...), meta))
	assert.True(t, store.Exists())

	loaded, err := store.Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, share, loaded)

	loadedMeta, err := store.LoadMetadata()
	require.NoError(t, err)
	assert.Equal(t, meta.CeremonyID, loadedMeta.CeremonyID)
	assert.Equal(t, meta.Threshold, loadedMeta.Threshold)

	info, err := os.Stat(filepath.Join(dir, shareFileName))
	require.NoError(t, err)
	assert.Equal(t, sharePermissions, info.Mode().Perm())

	info, err = os.Stat(filepath.Join(dir, metadataFileName))
	require.NoError(t, err)
	assert.Equal(t, metadataPermissions, info.Mode().Perm())
}

func TestLocalStoreRejectsShortPassphrase(t *testing.T) {
	dir := t.TempDir()
	store := NewLocalStore(dir, "node-1", "too-short")
	meta := &CeremonyMetadata{CeremonyID: "c", Participants: []Participant{{NodeID: "n", PartyIndex: 1}}}
	err := store.Save(context.Background(), []byte("share"), meta)
	assert.Error(t, err)
}

func TestLocalStoreWrongPassphraseFailsToDecrypt(t *testing.T) {
	dir := t.TempDir()
	store := NewLocalStore(dir, "node-1", testPassphrase)
	meta := &CeremonyMetadata{CeremonyID: "c", Participants: []Participant{{NodeID: "n", PartyIndex: 1}}}
	require.NoError(t, store.Save(context.Background(), []byte("a shamir share, thirty two bytes"), meta))

	wrong := NewLocalStore(dir, "node-1", "a totally different passphrase of decent length")
	_, err := wrong.Load(context.Background())
	assert.Error(t, err)
}

func TestLoadMigratesLegacyScryptShareToArgon2id(t *testing.T) {
	dir := t.TempDir()
	store := NewLocalStore(dir, "node-1", testPassphrase)

	meta := &CeremonyMetadata{CeremonyID: "c", Participants: []Participant{{NodeID: "node-1", PartyIndex: 1}}}
	share := []byte("a shamir share, thirty two bytes")
	require.NoError(t, store.Save(context.Background(), append([]byte(nil), share...), meta))

	// Rewrite the freshly saved share file as if it had been written by
	// an older node build that used scrypt instead of Argon2id.
	var envelope EncryptedShareFile
	require.NoError(t, readJSON(store.sharePath(), &envelope))
	salt, err := base64.StdEncoding.DecodeString(envelope.Salt)
	require.NoError(t, err)

	key, err := scrypt.Key([]byte(testPassphrase), salt, scryptN, scryptR, scryptP, scryptKeyLen)
	require.NoError(t, err)
	legacyIV, ciphertext, tag, err := sealAESGCM(key, share, nil)
	require.NoError(t, err)
	envelope.KDF = kdfLegacyScrypt
	envelope.IV = base64.StdEncoding.EncodeToString(legacyIV)
	envelope.AuthTag = base64.StdEncoding.EncodeToString(tag)
	envelope.Ciphertext = base64.StdEncoding.EncodeToString(ciphertext)
	require.NoError(t, writeJSONAtomic(store.sharePath(), &envelope, sharePermissions))

	loaded, err := store.Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, share, loaded)

	var migrated EncryptedShareFile
	require.NoError(t, readJSON(store.sharePath(), &migrated))
	assert.Equal(t, kdfArgon2id, migrated.KDF)

	// A second load must succeed straight from the migrated file, with
	// no further scrypt fallback needed.
	loadedAgain, err := store.Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, share, loadedAgain)
}

func TestAddressCacheRoundTrip(t *testing.T) {
	dir := t.TempDir()
	store := NewLocalStore(dir, "node-1", testPassphrase)

	empty, err := store.LoadAddressCache()
	require.NoError(t, err)
	assert.Empty(t, empty.Entries)

	cache := &AddressCache{
		PkMaster:       "02aa",
		DerivationRoot: "m/44'/60'/0'/0",
		Entries: map[string]AddressCacheEntry{
			"0": {Path: "m/44'/60'/0'/0/0", PubKey: "03cc", Address: "0xAbC", DerivedAt: time.Now().UTC()},
		},
	}
	require.NoError(t, store.SaveAddressCache(cache))

	loaded, err := store.LoadAddressCache()
	require.NoError(t, err)
	assert.Equal(t, cache.PkMaster, loaded.PkMaster)
	assert.Contains(t, loaded.Entries, "0")
}

type mockKMS struct {
	dataKey []byte
	wrapped []byte
}

func (m *mockKMS) GenerateDataKey(ctx context.Context, keyID string, econtext map[string]string) ([]byte, []byte, error) {
	return append([]byte(nil), m.dataKey...), append([]byte(nil), m.wrapped...), nil
}

func (m *mockKMS) Decrypt(ctx context.Context, keyID string, encryptedDataKey []byte, econtext map[string]string) ([]byte, error) {
	return append([]byte(nil), m.dataKey...), nil
}

func TestKMSStoreSaveLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	kms := &mockKMS{dataKey: make([]byte, 32), wrapped: []byte("wrapped-data-key")}
	for i := range kms.dataKey {
		kms.dataKey[i] = byte(i)
	}
	store := NewKMSStore(dir, "node-1", kms, "kms-key-1")

	meta := &CeremonyMetadata{CeremonyID: "ceremony-2", Participants: []Participant{{NodeID: "node-1", PartyIndex: 1}}}
	require.NoError(t, store.Save(context.Background(), []byte("a shamir share, thirty two bytes"), meta))

	loaded, err := store.Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []byte("a shamir share, thirty two bytes"), loaded)
}
