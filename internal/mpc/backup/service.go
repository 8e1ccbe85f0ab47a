package backup

import (
	"time"

	"github.com/pkg/errors"
)

// Service splits and reconstructs a node's encrypted share file via
// GF(256) Shamir Secret Sharing. It operates purely on byte blobs: the
// caller decides where shards are written (offline media, a safe
// deposit box, a second KMS) — this package has no storage dependency
// of its own.
type Service struct {
	sss *SSS
}

// NewService returns a Service.
func NewService() *Service {
	return &Service{sss: NewSSS()}
}

// GenerateShards splits an encrypted share blob (the JSON bytes of a
// keyshare.EncryptedShareFile, not a raw secp256k1 scalar) into
// totalShards GF(256) shards, threshold of which reconstruct it.
func (s *Service) GenerateShards(encryptedShare []byte, threshold, totalShards int) ([]*Shard, error) {
	if len(encryptedShare) == 0 {
		return nil, errors.New("backup: encrypted share cannot be empty")
	}
	if threshold < 2 {
		return nil, errors.New("backup: threshold must be at least 2")
	}
	if totalShards < threshold {
		return nil, errors.New("backup: total shards must be at least threshold")
	}

	raw, err := s.sss.Split(encryptedShare, totalShards, threshold)
	if err != nil {
		return nil, errors.Wrap(err, "backup: failed to split encrypted share")
	}

	now := time.Now().UTC()
	shards := make([]*Shard, len(raw))
	for i, data := range raw {
		shards[i] = &Shard{Index: i + 1, Data: data, CreatedAt: now}
	}
	return shards, nil
}

// Reconstruct recombines at least threshold of the given shards back
// into the original encrypted share blob. threshold must be the same
// value originally passed to GenerateShards — a k-of-n split can only
// ever be reconstructed from k shards, not some hardcoded constant.
func (s *Service) Reconstruct(shards []*Shard, threshold int) ([]byte, error) {
	raw := make([][]byte, len(shards))
	for i, sh := range shards {
		raw[i] = sh.Data
	}
	encryptedShare, err := s.sss.Combine(raw, threshold)
	if err != nil {
		return nil, errors.Wrap(err, "backup: failed to reconstruct encrypted share")
	}
	return encryptedShare, nil
}

// CheckStatus reports whether the observed count of shards suffices to
// reconstruct the backup under threshold.
func CheckStatus(observed, threshold int) *Status {
	return &Status{
		TotalShards:    observed,
		RequiredShards: threshold,
		Recoverable:    observed >= threshold,
	}
}
