// Package backup splits a node's already-encrypted share file into an
// m-of-k set of GF(256) Shamir shards, so an operator can distribute
// physical/offline recovery material without ever handling the raw
// secp256k1 scalar: the input here is the ciphertext keyshare.Store
// wrote to disk, not the plaintext Shamir share the DKG ceremony
// produced.
package backup

import (
	"crypto/rand"

	"github.com/pkg/errors"
)

// Lightweight GF(256) Shamir implementation, no external dependency:
// same field and reduction polynomial (0x11b) AES uses.

func gfAdd(a, b byte) byte { return a ^ b }
func gfSub(a, b byte) byte { return a ^ b }

// gfMul is bitwise multiplication under the 0x11b reduction polynomial.
func gfMul(a, b byte) byte {
	var res byte
	for b > 0 {
		if b&1 == 1 {
			res ^= a
		}
		carry := a & 0x80
		a <<= 1
		if carry != 0 {
			a ^= 0x1b
		}
		b >>= 1
	}
	return res
}

func gfPow(a, n byte) byte {
	var res byte = 1
	for n > 0 {
		if n&1 == 1 {
			res = gfMul(res, a)
		}
		a = gfMul(a, a)
		n >>= 1
	}
	return res
}

func gfInv(a byte) byte {
	if a == 0 {
		return 0
	}
	return gfPow(a, 254) // a^254 == a^-1 in GF(256)
}

func gfDiv(a, b byte) byte {
	if b == 0 {
		return 0
	}
	return gfMul(a, gfInv(b))
}

// SSS is a Shamir Secret Sharing splitter/combiner over GF(256).
type SSS struct{}

// NewSSS returns an SSS instance.
func NewSSS() *SSS { return &SSS{} }

// Split divides secret into totalShares shards, threshold of which
// suffice to reconstruct it.
func (s *SSS) Split(secret []byte, totalShares, threshold int) ([][]byte, error) {
	if threshold < 2 {
		return nil, errors.New("backup: threshold must be at least 2")
	}
	if totalShares < threshold {
		return nil, errors.New("backup: total shares must be at least threshold")
	}
	if totalShares > 255 {
		return nil, errors.New("backup: total shares must be <= 255")
	}
	if len(secret) == 0 {
		return nil, errors.New("backup: secret cannot be empty")
	}

	// One random degree-(threshold-1) polynomial per byte, constant term
	// equal to that byte.
	polys := make([][]byte, len(secret))
	for i, b := range secret {
		polys[i] = make([]byte, threshold)
		polys[i][0] = b
		if _, err := rand.Read(polys[i][1:]); err != nil {
			return nil, errors.Wrap(err, "backup: failed to generate random coefficients")
		}
	}

	shares := make([][]byte, totalShares)
	for i := 0; i < totalShares; i++ {
		x := byte(i + 1) // x starts at 1; 0 is reserved for the secret
		share := make([]byte, len(secret)+1)
		share[0] = x
		for j := 0; j < len(secret); j++ {
			share[j+1] = evalPoly(polys[j], x)
		}
		shares[i] = share
	}

	return shares, nil
}

// Combine reconstructs the secret from at least threshold of the given
// shares (the same threshold the caller originally passed to Split).
func (s *SSS) Combine(shares [][]byte, threshold int) ([]byte, error) {
	if threshold < 2 {
		return nil, errors.New("backup: threshold must be at least 2")
	}
	if len(shares) < threshold {
		return nil, errors.Errorf("backup: need at least %d shares to recover secret, got %d", threshold, len(shares))
	}

	shareLen := len(shares[0])
	for i := 1; i < len(shares); i++ {
		if len(shares[i]) != shareLen {
			return nil, errors.New("backup: all shares must have the same length")
		}
	}

	secretLen := shareLen - 1
	if secretLen <= 0 {
		return nil, errors.New("backup: invalid share format")
	}

	// Interpolate over exactly threshold points; any surplus shares beyond
	// that are simply not needed.
	shares = shares[:threshold]
	secret := make([]byte, secretLen)

	for idx := 0; idx < secretLen; idx++ {
		var acc byte
		for j := 0; j < threshold; j++ {
			xj := shares[j][0]
			yj := shares[j][idx+1]

			// Lagrange coefficient L_j(0) = prod_{m!=j} x_m / (x_m - x_j)
			num := byte(1)
			den := byte(1)
			for m := 0; m < threshold; m++ {
				if m == j {
					continue
				}
				xm := shares[m][0]
				num = gfMul(num, xm)
				den = gfMul(den, gfSub(xm, xj))
			}

			lag := gfDiv(num, den)
			acc = gfAdd(acc, gfMul(yj, lag))
		}
		secret[idx] = acc
	}

	return secret, nil
}

// evalPoly evaluates coeffs (constant term first) at x via Horner's
// method.
func evalPoly(coeffs []byte, x byte) byte {
	if len(coeffs) == 0 {
		return 0
	}
	result := coeffs[len(coeffs)-1]
	for i := len(coeffs) - 2; i >= 0; i-- {
		result = gfMul(result, x)
		result = gfAdd(result, coeffs[i])
	}
	return result
}
