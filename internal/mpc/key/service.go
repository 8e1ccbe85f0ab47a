package key

import (
	"encoding/hex"
	"fmt"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/sandrotbilisi/clirift/internal/crypto/curve"
	"github.com/sandrotbilisi/clirift/internal/mpc/chain"
	"github.com/sandrotbilisi/clirift/internal/mpc/derivation"
	"github.com/sandrotbilisi/clirift/internal/mpc/keyshare"
)

// Service derives child wallets from a completed DKG ceremony's public
// output and caches the results next to the encrypted share.
type Service struct {
	store *keyshare.Store
	chain *chain.EthereumAdapter
}

// NewService wires wallet derivation to the node's on-disk store and a
// chain adapter (currently Ethereum only, per spec.md §1).
func NewService(store *keyshare.Store, chainAdapter *chain.EthereumAdapter) *Service {
	return &Service{store: store, chain: chainAdapter}
}

// MasterKey returns the cluster's public master key metadata. It errors
// if this node has not completed a DKG ceremony yet.
func (s *Service) MasterKey() (*MasterKey, error) {
	meta, err := s.store.LoadMetadata()
	if err != nil {
		return nil, errors.Wrap(err, "key: no completed ceremony on this node")
	}
	return &MasterKey{
		CeremonyID: meta.CeremonyID,
		PublicKey:  meta.PkMaster,
		ChainCode:  meta.ChainCode,
		Threshold:  meta.Threshold,
		Total:      meta.TotalParties,
	}, nil
}

// DeriveWallet computes the non-hardened BIP32 child at index, caching
// the result so repeat calls skip the tweak arithmetic.
func (s *Service) DeriveWallet(index uint32) (*Wallet, error) {
	cache, err := s.store.LoadAddressCache()
	if err != nil {
		return nil, errors.Wrap(err, "key: failed to load address cache")
	}

	key := fmt.Sprintf("%d", index)
	if entry, ok := cache.Entries[key]; ok {
		return &Wallet{Index: index, Path: entry.Path, PublicKey: entry.PubKey, Address: entry.Address, DerivedAt: entry.DerivedAt}, nil
	}

	meta, err := s.store.LoadMetadata()
	if err != nil {
		return nil, errors.Wrap(err, "key: no completed ceremony on this node")
	}

	pBytes, err := hex.DecodeString(meta.PkMaster)
	if err != nil {
		return nil, errors.Wrap(err, "key: malformed master public key in ceremony metadata")
	}
	chainCode, err := hex.DecodeString(meta.ChainCode)
	if err != nil {
		return nil, errors.Wrap(err, "key: malformed chain code in ceremony metadata")
	}
	P, err := curve.PointFromCompressed(pBytes)
	if err != nil {
		return nil, errors.Wrap(err, "key: failed to parse master public key")
	}

	tweak, err := derivation.ComputeTweak(pBytes, chainCode, index)
	if err != nil {
		return nil, errors.Wrap(err, "key: failed to compute derivation tweak")
	}
	childPub := tweak.ChildPublicKey(P)
	compressed, err := childPub.CompressedBytes()
	if err != nil {
		return nil, errors.Wrap(err, "key: failed to compress child public key")
	}

	address, err := s.chain.GenerateAddress(compressed)
	if err != nil {
		return nil, errors.Wrap(err, "key: failed to derive address")
	}

	path := chain.DerivationPath(index)
	now := time.Now().UTC()

	if cache.PkMaster == "" {
		cache.PkMaster = meta.PkMaster
		cache.DerivationRoot = "m/44'/60'/0'/0"
	}
	cache.Entries[key] = keyshare.AddressCacheEntry{
		Path:      path,
		PubKey:    hex.EncodeToString(compressed),
		Address:   address,
		DerivedAt: now,
	}
	if err := s.store.SaveAddressCache(cache); err != nil {
		return nil, errors.Wrap(err, "key: failed to persist address cache")
	}

	log.Info().Uint32("index", index).Str("address", address).Msg("key: derived wallet")

	return &Wallet{Index: index, Path: path, PublicKey: hex.EncodeToString(compressed), Address: address, DerivedAt: now}, nil
}

// ListWallets returns every wallet previously derived and cached.
func (s *Service) ListWallets() ([]*Wallet, error) {
	cache, err := s.store.LoadAddressCache()
	if err != nil {
		return nil, err
	}
	out := make([]*Wallet, 0, len(cache.Entries))
	for k, e := range cache.Entries {
		var idx uint32
		fmt.Sscanf(k, "%d", &idx)
		out = append(out, &Wallet{Index: idx, Path: e.Path, PublicKey: e.PubKey, Address: e.Address, DerivedAt: e.DerivedAt})
	}
	return out, nil
}
