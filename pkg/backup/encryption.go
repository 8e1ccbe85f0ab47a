// Package backup implements the ECIES-style hybrid encryption used to
// seal one party's Shamir share for a single named recipient: DKG Round 3
// (spec.md §4.4) encrypts each x_i under the receiving party's identity
// key before it ever leaves the sending node. DKG Round 3 is its only
// caller in this module.
package backup

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/ecdsa"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"github.com/ethereum/go-ethereum/crypto"
	"golang.org/x/crypto/hkdf"
)

const (
	// AESGCMNonceSize is the standard nonce size for GCM (12 bytes)
	AESGCMNonceSize = 12
	// KeySizeAES256 is the key size for AES-256 (32 bytes)
	KeySizeAES256 = 32

	// shareWireVersion is the leading byte of every EncryptShare output.
	// Bumping it lets DecryptShare reject a share sealed under a scheme it
	// no longer knows how to unwrap instead of failing deep inside GCM.
	shareWireVersion byte = 1
)

// EncryptShare encrypts a DKG Round 3 Shamir share for one recipient
// using ECIES with AES-256-GCM, so it can be sent point-to-point over an
// otherwise untrusted transport. ceremonyID binds the ciphertext to the
// ceremony it was produced for: a share intercepted from one ceremony
// and replayed into ReceiveRound3 of another fails AAD verification
// before it ever reaches Feldman checking.
// Format: Version (1 byte) || EphemeralPubKey (33/65 bytes) || Nonce (12 bytes) || Ciphertext (including tag)
func EncryptShare(share []byte, recipientPubKey *ecdsa.PublicKey, ceremonyID string) ([]byte, error) {
	if recipientPubKey == nil {
		return nil, errors.New("recipient public key is nil")
	}
	if ceremonyID == "" {
		return nil, errors.New("ceremony id is required")
	}

	ephemeralKey, err := crypto.GenerateKey()
	if err != nil {
		return nil, fmt.Errorf("failed to generate ephemeral key: %w", err)
	}

	// S = (r * K_B).X
	sharedSecret, err := computeSharedSecret(ephemeralKey, recipientPubKey)
	if err != nil {
		return nil, fmt.Errorf("failed to compute shared secret: %w", err)
	}

	ephemeralPubBytes := crypto.CompressPubkey(&ephemeralKey.PublicKey)

	// Salt = ephemeralPubBytes (binds the key to this specific exchange),
	// info includes the ceremony id (binds it to this specific ceremony).
	encKey, err := deriveKey(sharedSecret, ephemeralPubBytes, ceremonyID)
	if err != nil {
		return nil, fmt.Errorf("failed to derive key: %w", err)
	}

	block, err := aes.NewCipher(encKey)
	if err != nil {
		return nil, fmt.Errorf("failed to create aes cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create gcm: %w", err)
	}

	nonce := make([]byte, AESGCMNonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	aad := shareAAD(ephemeralPubBytes, ceremonyID)
	ciphertext := gcm.Seal(nil, nonce, share, aad)

	result := make([]byte, 0, 1+len(ephemeralPubBytes)+len(nonce)+len(ciphertext))
	result = append(result, shareWireVersion)
	result = append(result, ephemeralPubBytes...)
	result = append(result, nonce...)
	result = append(result, ciphertext...)

	return result, nil
}

// DecryptShare decrypts a DKG Round 3 share using the recipient's identity
// private key. ceremonyID must match the value EncryptShare was called
// with; a mismatch (wrong ceremony, or a replayed share from a stale one)
// fails AAD verification.
func DecryptShare(encryptedShare []byte, recipientPrivKey *ecdsa.PrivateKey, ceremonyID string) ([]byte, error) {
	if recipientPrivKey == nil {
		return nil, errors.New("recipient private key is nil")
	}
	if ceremonyID == "" {
		return nil, errors.New("ceremony id is required")
	}
	if len(encryptedShare) < 1 {
		return nil, errors.New("invalid encrypted share length")
	}
	if encryptedShare[0] != shareWireVersion {
		return nil, fmt.Errorf("unsupported encrypted share version %d", encryptedShare[0])
	}
	body := encryptedShare[1:]

	if len(body) < 1 {
		return nil, errors.New("invalid encrypted share length")
	}

	var pubKeyLen int
	switch body[0] {
	case 2, 3: // Compressed
		pubKeyLen = 33
	case 4: // Uncompressed
		pubKeyLen = 65
	default:
		return nil, errors.New("invalid public key format")
	}

	if len(body) < pubKeyLen+AESGCMNonceSize {
		return nil, errors.New("encrypted share too short")
	}

	ephemeralPubBytes := body[:pubKeyLen]
	nonce := body[pubKeyLen : pubKeyLen+AESGCMNonceSize]
	ciphertext := body[pubKeyLen+AESGCMNonceSize:]

	ephemeralPubKey, err := crypto.DecompressPubkey(ephemeralPubBytes)
	if err != nil {
		ephemeralPubKey, err = crypto.UnmarshalPubkey(ephemeralPubBytes)
		if err != nil {
			return nil, fmt.Errorf("failed to unmarshal ephemeral public key: %w", err)
		}
	}

	// S = (k_B * R).X == r * K_B, the same secret EncryptShare derived.
	sharedSecret, err := computeSharedSecret(recipientPrivKey, ephemeralPubKey)
	if err != nil {
		return nil, fmt.Errorf("failed to compute shared secret: %w", err)
	}

	encKey, err := deriveKey(sharedSecret, ephemeralPubBytes, ceremonyID)
	if err != nil {
		return nil, fmt.Errorf("failed to derive key: %w", err)
	}

	block, err := aes.NewCipher(encKey)
	if err != nil {
		return nil, fmt.Errorf("failed to create aes cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create gcm: %w", err)
	}

	aad := shareAAD(ephemeralPubBytes, ceremonyID)
	plaintext, err := gcm.Open(nil, nonce, ciphertext, aad)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt: %w", err)
	}

	return plaintext, nil
}

// shareAAD binds the GCM tag to both the ephemeral key used for this
// exchange and the ceremony the share belongs to, so a share cannot be
// spliced onto a different ceremony's ciphertext undetected.
func shareAAD(ephemeralPubBytes []byte, ceremonyID string) []byte {
	aad := make([]byte, 0, len(ephemeralPubBytes)+len(ceremonyID))
	aad = append(aad, ephemeralPubBytes...)
	aad = append(aad, []byte(ceremonyID)...)
	return aad
}

// computeSharedSecret computes the ECDH shared secret (x-coordinate).
func computeSharedSecret(priv *ecdsa.PrivateKey, pub *ecdsa.PublicKey) ([]byte, error) {
	if priv == nil || pub == nil {
		return nil, errors.New("key is nil")
	}
	if !crypto.S256().IsOnCurve(pub.X, pub.Y) {
		return nil, errors.New("public key is not on curve")
	}

	x, _ := crypto.S256().ScalarMult(pub.X, pub.Y, priv.D.Bytes())
	if x == nil {
		return nil, errors.New("shared secret is nil")
	}
	return x.Bytes(), nil
}

// deriveKey derives the AES-256 key from the shared secret, exchange
// salt, and ceremony id using HKDF-SHA256.
func deriveKey(secret, salt []byte, ceremonyID string) ([]byte, error) {
	// Domain-separates this derivation both from any other HKDF use in
	// the codebase and from every other DKG ceremony's Round 3 shares.
	info := []byte("dkg-round3-share-v1:" + ceremonyID)

	kdf := hkdf.New(sha256.New, secret, salt, info)

	key := make([]byte, KeySizeAES256)
	if _, err := io.ReadFull(kdf, key); err != nil {
		return nil, err
	}

	return key, nil
}
