package keyshare

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

const (
	sharePermissions    os.FileMode = 0o600
	metadataPermissions os.FileMode = 0o644
	shareFileName                   = "share.json"
	metadataFileName                = "ceremony.json"
	addressCacheFileName            = "addresses.json"
)

// Store persists a node's encrypted share plus its ceremony metadata and
// address cache under a single directory (spec.md §4.6).
type Store struct {
	dir string

	// selfNodeID is this node's own identity, used as the KMS encryption
	// context's "nodeId" attribute. It must never be derived from
	// CeremonyMetadata.Participants — that list is ordered by party
	// index, not by which node happens to be calling Save.
	selfNodeID string

	kms      KMSClient
	kmsKeyID string

	passphrase string
}

// NewLocalStore returns a Store using the local Argon2id envelope mode.
func NewLocalStore(dir, selfNodeID, passphrase string) *Store {
	return &Store{dir: dir, selfNodeID: selfNodeID, passphrase: passphrase}
}

// NewKMSStore returns a Store using the KMS envelope mode.
func NewKMSStore(dir, selfNodeID string, kms KMSClient, keyID string) *Store {
	return &Store{dir: dir, selfNodeID: selfNodeID, kms: kms, kmsKeyID: keyID}
}

func (s *Store) sharePath() string        { return filepath.Join(s.dir, shareFileName) }
func (s *Store) metadataPath() string     { return filepath.Join(s.dir, metadataFileName) }
func (s *Store) addressCachePath() string { return filepath.Join(s.dir, addressCacheFileName) }

// Save encrypts share under the store's envelope mode and writes both the
// share file (0600) and the metadata sidecar (0644) atomically. The
// plaintext share buffer is zeroed before returning.
func (s *Store) Save(ctx context.Context, share []byte, metadata *CeremonyMetadata) (err error) {
	defer zero(share)

	if err := os.MkdirAll(s.dir, 0o700); err != nil {
		return errors.Wrap(err, "keyshare: failed to create share directory")
	}

	var envelope *EncryptedShareFile
	if s.kms != nil {
		econtext := map[string]string{
			"nodeId":     s.selfNodeID,
			"ceremonyId": metadata.CeremonyID,
			"purpose":    "mpc-key-share",
		}
		envelope, err = sealKMS(ctx, s.kms, s.kmsKeyID, econtext, share)
	} else {
		envelope, err = sealLocal(s.passphrase, share)
	}
	if err != nil {
		return err
	}

	if err := writeJSONAtomic(s.sharePath(), envelope, sharePermissions); err != nil {
		return err
	}
	if err := writeJSONAtomic(s.metadataPath(), metadata, metadataPermissions); err != nil {
		return err
	}

	log.Info().Str("ceremonyId", metadata.CeremonyID).Str("dir", s.dir).Msg("keyshare: share persisted")
	return nil
}

// Load decrypts and returns the persisted share. The returned buffer is
// the caller's responsibility to zero after use.
//
// A local-mode share file still carrying the pre-Argon2id scrypt KDF is
// transparently upgraded in place: it is opened with the legacy scrypt
// parameters, then rewritten to disk sealed under Argon2id before the
// plaintext is handed back, so the on-disk format converges to the
// current one without an operator having to run a separate migration
// step.
func (s *Store) Load(ctx context.Context) ([]byte, error) {
	var envelope EncryptedShareFile
	if err := readJSON(s.sharePath(), &envelope); err != nil {
		return nil, err
	}

	if s.kms != nil {
		return openKMS(ctx, s.kms, s.kmsKeyID, &envelope)
	}

	if envelope.KDF == kdfLegacyScrypt {
		share, err := openLocal(s.passphrase, &envelope)
		if err != nil {
			return nil, err
		}
		migrated, err := sealLocal(s.passphrase, share)
		if err != nil {
			zero(share)
			return nil, errors.Wrap(err, "keyshare: failed to re-seal legacy scrypt share under argon2id")
		}
		if err := writeJSONAtomic(s.sharePath(), migrated, sharePermissions); err != nil {
			zero(share)
			return nil, errors.Wrap(err, "keyshare: failed to persist migrated share")
		}
		log.Info().Str("dir", s.dir).Msg("keyshare: migrated legacy scrypt share to argon2id")
		return share, nil
	}

	return openLocal(s.passphrase, &envelope)
}

// Exists reports whether a share file has already been persisted.
func (s *Store) Exists() bool {
	_, err := os.Stat(s.sharePath())
	return err == nil
}

// LoadMetadata reads the ceremony metadata sidecar without touching any
// secret material.
func (s *Store) LoadMetadata() (*CeremonyMetadata, error) {
	var m CeremonyMetadata
	if err := readJSON(s.metadataPath(), &m); err != nil {
		return nil, err
	}
	return &m, nil
}

// LoadAddressCache reads the derived-address cache, returning an empty
// cache (not an error) if none has been written yet.
func (s *Store) LoadAddressCache() (*AddressCache, error) {
	if _, err := os.Stat(s.addressCachePath()); os.IsNotExist(err) {
		return &AddressCache{Entries: map[string]AddressCacheEntry{}}, nil
	}
	var c AddressCache
	if err := readJSON(s.addressCachePath(), &c); err != nil {
		return nil, err
	}
	if c.Entries == nil {
		c.Entries = map[string]AddressCacheEntry{}
	}
	return &c, nil
}

// SaveAddressCache persists the derived-address cache. It carries no
// secret material, so it is written world-readable like the ceremony
// metadata.
func (s *Store) SaveAddressCache(c *AddressCache) error {
	return writeJSONAtomic(s.addressCachePath(), c, metadataPermissions)
}

func writeJSONAtomic(path string, v interface{}, perm os.FileMode) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return errors.Wrap(err, "keyshare: failed to marshal")
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, perm); err != nil {
		return errors.Wrap(err, "keyshare: failed to write file")
	}
	if err := os.Rename(tmp, path); err != nil {
		return errors.Wrap(err, "keyshare: failed to rename into place")
	}
	return nil
}

func readJSON(path string, v interface{}) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return errors.Wrap(err, "keyshare: failed to read file")
	}
	if err := json.Unmarshal(data, v); err != nil {
		return errors.Wrap(err, "keyshare: failed to unmarshal")
	}
	return nil
}
