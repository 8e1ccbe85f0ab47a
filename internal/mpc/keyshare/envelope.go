package keyshare

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"io"

	"github.com/pkg/errors"
	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/scrypt"
)

const (
	argonMemoryKiB   = 64 * 1024
	argonTime        = 3
	argonThreads     = 4
	argonKeyLen      = 32
	saltSize         = 32
	gcmNonceSize     = 12
	gcmTagSize       = 16
	minPassphraseLen = 32

	kdfArgon2id = "argon2id"
	// kdfLegacyScrypt marks share files written before this node switched
	// its local envelope KDF to Argon2id. Load() reads these, then
	// re-seals them under Argon2id so the format migrates on first use.
	kdfLegacyScrypt = "scrypt"

	scryptN      = 32768
	scryptR      = 8
	scryptP      = 1
	scryptKeyLen = 32
)

// KMSClient abstracts the external key-management service the envelope
// wraps a per-share data key with. Only the wrapper's on-disk format and
// zeroization discipline are in scope here; a concrete transport to
// AWS/GCP/Vault KMS is a deployment concern, not this package's.
type KMSClient interface {
	GenerateDataKey(ctx context.Context, keyID string, encryptionContext map[string]string) (plaintext, encrypted []byte, err error)
	Decrypt(ctx context.Context, keyID string, encryptedDataKey []byte, encryptionContext map[string]string) ([]byte, error)
}

func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

func sealAESGCM(key, plaintext, aad []byte) (iv, ciphertext, tag []byte, err error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, nil, nil, errors.Wrap(err, "keyshare: failed to create cipher")
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, nil, nil, errors.Wrap(err, "keyshare: failed to create gcm")
	}
	iv = make([]byte, gcmNonceSize)
	if _, err := io.ReadFull(rand.Reader, iv); err != nil {
		return nil, nil, nil, errors.Wrap(err, "keyshare: failed to generate iv")
	}
	sealed := gcm.Seal(nil, iv, plaintext, aad)
	return iv, sealed[:len(sealed)-gcmTagSize], sealed[len(sealed)-gcmTagSize:], nil
}

func openAESGCM(key, iv, ciphertext, tag, aad []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, errors.Wrap(err, "keyshare: failed to create cipher")
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, errors.Wrap(err, "keyshare: failed to create gcm")
	}
	sealed := make([]byte, 0, len(ciphertext)+len(tag))
	sealed = append(sealed, ciphertext...)
	sealed = append(sealed, tag...)
	plaintext, err := gcm.Open(nil, iv, sealed, aad)
	if err != nil {
		return nil, errors.Wrap(err, "keyshare: decryption failed")
	}
	return plaintext, nil
}

// sealLocal implements the local envelope mode: Argon2id derives an
// AES-256 key from a passphrase and a fresh salt (spec.md §4.6).
func sealLocal(passphrase string, plaintext []byte) (*EncryptedShareFile, error) {
	if len(passphrase) < minPassphraseLen {
		return nil, errors.New("keyshare: passphrase must be at least 32 characters")
	}
	salt := make([]byte, saltSize)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return nil, errors.Wrap(err, "keyshare: failed to generate salt")
	}
	key := argon2.IDKey([]byte(passphrase), salt, argonTime, argonMemoryKiB, argonThreads, argonKeyLen)
	defer zero(key)

	iv, ciphertext, tag, err := sealAESGCM(key, plaintext, nil)
	if err != nil {
		return nil, err
	}
	return &EncryptedShareFile{
		Version:    1,
		Algorithm:  "AES-256-GCM",
		KDF:        kdfArgon2id,
		Salt:       base64.StdEncoding.EncodeToString(salt),
		IV:         base64.StdEncoding.EncodeToString(iv),
		AuthTag:    base64.StdEncoding.EncodeToString(tag),
		Ciphertext: base64.StdEncoding.EncodeToString(ciphertext),
	}, nil
}

func openLocal(passphrase string, f *EncryptedShareFile) ([]byte, error) {
	if len(passphrase) < minPassphraseLen {
		return nil, errors.New("keyshare: passphrase must be at least 32 characters")
	}
	salt, err := base64.StdEncoding.DecodeString(f.Salt)
	if err != nil {
		return nil, errors.Wrap(err, "keyshare: malformed salt")
	}
	iv, err := base64.StdEncoding.DecodeString(f.IV)
	if err != nil {
		return nil, errors.Wrap(err, "keyshare: malformed iv")
	}
	tag, err := base64.StdEncoding.DecodeString(f.AuthTag)
	if err != nil {
		return nil, errors.Wrap(err, "keyshare: malformed auth tag")
	}
	ciphertext, err := base64.StdEncoding.DecodeString(f.Ciphertext)
	if err != nil {
		return nil, errors.Wrap(err, "keyshare: malformed ciphertext")
	}

	var key []byte
	switch f.KDF {
	case kdfLegacyScrypt:
		key, err = scrypt.Key([]byte(passphrase), salt, scryptN, scryptR, scryptP, scryptKeyLen)
		if err != nil {
			return nil, errors.Wrap(err, "keyshare: legacy scrypt derivation failed")
		}
	default:
		key = argon2.IDKey([]byte(passphrase), salt, argonTime, argonMemoryKiB, argonThreads, argonKeyLen)
	}
	defer zero(key)
	return openAESGCM(key, iv, ciphertext, tag, nil)
}

// sealKMS implements the KMS envelope mode: a fresh 256-bit data key is
// requested per save, bound to an encryption context of {nodeId,
// ceremonyId, purpose}, and only the wrapped (encrypted) form of that
// data key is ever persisted (spec.md §4.6).
func sealKMS(ctx context.Context, kms KMSClient, keyID string, econtext map[string]string, plaintext []byte) (*EncryptedShareFile, error) {
	dataKey, wrapped, err := kms.GenerateDataKey(ctx, keyID, econtext)
	if err != nil {
		return nil, errors.Wrap(err, "keyshare: kms GenerateDataKey failed")
	}
	defer zero(dataKey)

	iv, ciphertext, tag, err := sealAESGCM(dataKey, plaintext, nil)
	if err != nil {
		return nil, err
	}
	return &EncryptedShareFile{
		Version:           1,
		Algorithm:         "AES-256-GCM",
		KDF:               keyID,
		EncryptedDataKey:  base64.StdEncoding.EncodeToString(wrapped),
		IV:                base64.StdEncoding.EncodeToString(iv),
		AuthTag:            base64.StdEncoding.EncodeToString(tag),
		Ciphertext:        base64.StdEncoding.EncodeToString(ciphertext),
		EncryptionContext: econtext,
	}, nil
}

func openKMS(ctx context.Context, kms KMSClient, keyID string, f *EncryptedShareFile) ([]byte, error) {
	wrapped, err := base64.StdEncoding.DecodeString(f.EncryptedDataKey)
	if err != nil {
		return nil, errors.Wrap(err, "keyshare: malformed encrypted data key")
	}
	iv, err := base64.StdEncoding.DecodeString(f.IV)
	if err != nil {
		return nil, errors.Wrap(err, "keyshare: malformed iv")
	}
	tag, err := base64.StdEncoding.DecodeString(f.AuthTag)
	if err != nil {
		return nil, errors.Wrap(err, "keyshare: malformed auth tag")
	}
	ciphertext, err := base64.StdEncoding.DecodeString(f.Ciphertext)
	if err != nil {
		return nil, errors.Wrap(err, "keyshare: malformed ciphertext")
	}

	dataKey, err := kms.Decrypt(ctx, keyID, wrapped, f.EncryptionContext)
	if err != nil {
		return nil, errors.Wrap(err, "keyshare: kms Decrypt failed")
	}
	defer zero(dataKey)

	return openAESGCM(dataKey, iv, ciphertext, tag, nil)
}
