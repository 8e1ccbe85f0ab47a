// Package key derives and caches BIP32 child wallets under the
// cluster's single master key. It never touches a secret share
// directly; it reads the public ceremony metadata a completed DKG
// leaves behind (internal/mpc/keyshare.CeremonyMetadata) and applies the
// same non-hardened tweak the signing engine folds into each signer's
// share (internal/mpc/derivation).
package key

import "time"

// MasterKey is the public, cluster-wide result of the completed DKG
// ceremony: the master public key and chain code every derived wallet
// hangs off of.
type MasterKey struct {
	CeremonyID string
	PublicKey  string // 33-byte compressed, hex
	ChainCode  string // 32 bytes, hex
	Threshold  int
	Total      int
}

// Wallet is one BIP32-derived child address, non-hardened only
// (spec.md Non-goals: hardened derivation).
type Wallet struct {
	Index     uint32
	Path      string
	PublicKey string // 33-byte compressed, hex
	Address   string
	DerivedAt time.Time
}
