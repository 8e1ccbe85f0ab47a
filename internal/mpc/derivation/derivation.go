// Package derivation implements BIP32 non-hardened child key derivation
// and the additive share tweak the signing engine folds into each
// signer's effective share (spec.md §4.5).
package derivation

import (
	"crypto/hmac"
	"crypto/sha512"
	"encoding/binary"
	"math/big"
	"strconv"
	"strings"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/pkg/errors"

	"github.com/sandrotbilisi/clirift/internal/crypto/curve"
)

// Tweak is the additive scalar T derived from (parent pubkey, index,
// chain code) that adjusts a key for non-hardened child derivation, plus
// the child chain code IR for further derivation steps.
type Tweak struct {
	T         *curve.Scalar
	ChainCode []byte // 32 bytes
}

// ComputeTweak runs the two-step additive tweak spec.md §4.5 describes:
// HMAC-SHA512 over (parent-pubkey || be32(0)) then over
// (intermediate-pubkey || be32(idx)), summing the left 32 bytes of each
// output mod n. idx must be a non-hardened index (< 2^31); hardened
// derivation is out of scope.
func ComputeTweak(parentPubKey []byte, parentChainCode []byte, idx uint32) (*Tweak, error) {
	if idx >= 0x80000000 {
		return nil, errors.New("derivation: hardened derivation is not supported")
	}
	if len(parentChainCode) != 32 {
		return nil, errors.New("derivation: chain code must be 32 bytes")
	}

	il0, ir0, err := hmacStep(parentPubKey, parentChainCode, 0)
	if err != nil {
		return nil, err
	}
	intermediatePub, err := addTweakToPubKey(parentPubKey, il0)
	if err != nil {
		return nil, err
	}

	il1, ir1, err := hmacStep(intermediatePub, ir0, idx)
	if err != nil {
		return nil, err
	}

	total := new(big.Int).Add(il0, il1)
	total.Mod(total, btcec.S256().N)

	return &Tweak{T: curve.NewScalar(total), ChainCode: ir1}, nil
}

// ChildPublicKey returns P + T*G, the child public key the signature
// must verify under.
func (t *Tweak) ChildPublicKey(parentPubKey *curve.Point) *curve.Point {
	return parentPubKey.Add(curve.ScalarBaseMul(t.T))
}

// TweakShare returns this signer's effective share x_i' = (x_i + T) mod
// n for the session. Correctness follows because Lagrange weights sum
// to 1 at zero (spec.md §4.5).
func (t *Tweak) TweakShare(xi *curve.Scalar) *curve.Scalar {
	return xi.Add(t.T)
}

func hmacStep(pubKey, chainCode []byte, index uint32) (il *big.Int, ir []byte, err error) {
	parsed, err := btcec.ParsePubKey(pubKey)
	if err != nil {
		return nil, nil, errors.Wrap(err, "derivation: failed to parse public key")
	}
	compressed := parsed.SerializeCompressed()

	mac := hmac.New(sha512.New, chainCode)
	mac.Write(compressed)
	var idxBytes [4]byte
	binary.BigEndian.PutUint32(idxBytes[:], index)
	mac.Write(idxBytes[:])

	sum := mac.Sum(nil)
	ilNum := new(big.Int).SetBytes(sum[:32])
	if ilNum.Cmp(btcec.S256().N) >= 0 || ilNum.Sign() == 0 {
		return nil, nil, errors.New("derivation: invalid derived scalar (IL >= n or IL = 0)")
	}
	return ilNum, sum[32:], nil
}

func addTweakToPubKey(pubKey []byte, il *big.Int) ([]byte, error) {
	parsed, err := btcec.ParsePubKey(pubKey)
	if err != nil {
		return nil, errors.Wrap(err, "derivation: failed to parse public key")
	}
	ec := parsed.ToECDSA()
	ilx, ily := btcec.S256().ScalarBaseMult(il.Bytes())
	childX, childY := btcec.S256().Add(ec.X, ec.Y, ilx, ily)
	if childX.Sign() == 0 && childY.Sign() == 0 {
		return nil, errors.New("derivation: derived point at infinity")
	}

	uncompressed := make([]byte, 65)
	uncompressed[0] = 0x04
	xb, yb := childX.Bytes(), childY.Bytes()
	copy(uncompressed[33-len(xb):33], xb)
	copy(uncompressed[65-len(yb):65], yb)

	child, err := btcec.ParsePubKey(uncompressed)
	if err != nil {
		return nil, errors.Wrap(err, "derivation: failed to parse derived point")
	}
	return child.SerializeCompressed(), nil
}

// ParseNonHardenedIndex extracts the final address index from a BIP44
// path like "m/44'/60'/0'/0/<index>". Only the final component is parsed,
// and it must be non-hardened; earlier components are neither validated
// nor derived here.
func ParseNonHardenedIndex(path string) (uint32, error) {
	parts := strings.Split(strings.TrimPrefix(path, "m/"), "/")
	if len(parts) == 0 {
		return 0, errors.New("derivation: empty path")
	}
	last := parts[len(parts)-1]
	if strings.HasSuffix(last, "'") {
		return 0, errors.New("derivation: final path component must be non-hardened")
	}
	idx, err := strconv.ParseUint(last, 10, 32)
	if err != nil {
		return 0, errors.Wrap(err, "derivation: malformed path index")
	}
	return uint32(idx), nil
}
