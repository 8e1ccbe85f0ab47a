// Package paillier implements the Paillier homomorphic cryptosystem used
// by the signing engine's Multiplicative-to-Additive (MtA) conversion.
package paillier

import (
	"crypto/rand"
	"math/big"

	"github.com/pkg/errors"

	"github.com/sandrotbilisi/clirift/internal/crypto/curve"
)

// keyBits is the bit length of each safe prime factor, giving a 1024-bit
// Paillier modulus as spec.md §4.2 requires.
const keyBits = 512

var (
	one = big.NewInt(1)
	two = big.NewInt(2)
)

// PublicKey is a Paillier public key (N, N^2, G=N+1).
type PublicKey struct {
	N       *big.Int
	NSquare *big.Int
	G       *big.Int
}

// PrivateKey is a Paillier private key, carrying lambda and mu; Decrypt
// uses them directly modulo n^2 (no CRT split over p and q).
type PrivateKey struct {
	PublicKey
	Lambda *big.Int // lcm(p-1, q-1)
	Mu     *big.Int // (L(g^lambda mod n^2))^-1 mod n
}

// GenerateKeyPair searches for two safe primes and derives a Paillier
// keypair. Its caller, signing Round 1, runs it before taking the session
// lock so the safe-prime search never blocks other work on that session.
func GenerateKeyPair() (*PrivateKey, error) {
	for {
		p, err := randSafePrime(keyBits)
		if err != nil {
			return nil, err
		}
		q, err := randSafePrime(keyBits)
		if err != nil {
			return nil, err
		}
		if p.Cmp(q) == 0 {
			continue
		}

		n := new(big.Int).Mul(p, q)
		if err := validateModulus(n); err != nil {
			continue
		}

		pMinus1 := new(big.Int).Sub(p, one)
		qMinus1 := new(big.Int).Sub(q, one)
		lambda := lcm(pMinus1, qMinus1)

		nSquare := new(big.Int).Mul(n, n)
		g := new(big.Int).Add(n, one)

		gLambda := new(big.Int).Exp(g, lambda, nSquare)
		l := lFunc(gLambda, n)
		mu := new(big.Int).ModInverse(l, n)
		if mu == nil {
			continue
		}

		return &PrivateKey{
			PublicKey: PublicKey{N: n, NSquare: nSquare, G: g},
			Lambda:    lambda,
			Mu:        mu,
		}, nil
	}
}

// Validate checks the modulus invariants spec.md §4.2/I5 list: odd,
// >= 2^1022, not a perfect square, and coprime to the secp256k1 group
// order n (gcd(N, n) = 1). A peer's Paillier modulus that shares a
// factor with n would let an MtA exchange leak information about the
// secret it is meant to blind, so this must be rejected before the
// modulus is used in any MtA exchange (spec.md P8).
func (pk *PublicKey) Validate() error {
	return validateModulus(pk.N)
}

func validateModulus(nMod *big.Int) error {
	if nMod.Bit(0) == 0 {
		return errors.New("paillier: modulus must be odd")
	}
	minBits := new(big.Int).Lsh(one, 1022)
	if nMod.Cmp(minBits) < 0 {
		return errors.New("paillier: modulus too small")
	}
	if nMod.ProbablyPrime(20) {
		return errors.New("paillier: modulus must be composite")
	}
	if isPerfectSquare(nMod) {
		return errors.New("paillier: modulus must not be a perfect square")
	}
	if new(big.Int).GCD(nil, nil, nMod, curve.N).Cmp(one) != 0 {
		return errors.New("paillier: modulus shares a factor with the curve order")
	}
	return nil
}

// Encrypt computes c = g^m * r^n mod n^2 for a fresh random nonce r.
func (pk *PublicKey) Encrypt(m *big.Int) (*big.Int, error) {
	r, err := randCoprime(pk.N)
	if err != nil {
		return nil, err
	}
	return pk.EncryptWithNonce(m, r)
}

// EncryptWithNonce encrypts m using an explicit nonce r; Encrypt calls it
// with a freshly sampled r.
func (pk *PublicKey) EncryptWithNonce(m, r *big.Int) (*big.Int, error) {
	mMod := new(big.Int).Mod(m, pk.N)
	gm := new(big.Int).Exp(pk.G, mMod, pk.NSquare)
	rn := new(big.Int).Exp(r, pk.N, pk.NSquare)
	c := new(big.Int).Mod(new(big.Int).Mul(gm, rn), pk.NSquare)
	return c, nil
}

// Decrypt recovers the plaintext m from ciphertext c.
func (sk *PrivateKey) Decrypt(c *big.Int) (*big.Int, error) {
	if c.Cmp(sk.NSquare) >= 0 || c.Sign() < 0 {
		return nil, errors.New("paillier: ciphertext out of range")
	}
	cLambda := new(big.Int).Exp(c, sk.Lambda, sk.NSquare)
	l := lFunc(cLambda, sk.N)
	m := new(big.Int).Mod(new(big.Int).Mul(l, sk.Mu), sk.N)
	return m, nil
}

// HomomorphicAdd returns an encryption of (m1 + m2) given encryptions of
// m1 and m2, exploiting Paillier's additive homomorphism.
func (pk *PublicKey) HomomorphicAdd(c1, c2 *big.Int) *big.Int {
	return new(big.Int).Mod(new(big.Int).Mul(c1, c2), pk.NSquare)
}

// HomomorphicScalarMul returns an encryption of (k * m) given an
// encryption of m, exploiting Paillier's multiplicative-to-additive
// property c^k = Enc(k*m).
func (pk *PublicKey) HomomorphicScalarMul(c, k *big.Int) *big.Int {
	return new(big.Int).Exp(c, k, pk.NSquare)
}

func lFunc(x, n *big.Int) *big.Int {
	xMinus1 := new(big.Int).Sub(x, one)
	return new(big.Int).Div(xMinus1, n)
}

func lcm(a, b *big.Int) *big.Int {
	g := new(big.Int).GCD(nil, nil, a, b)
	return new(big.Int).Div(new(big.Int).Mul(a, b), g)
}

func isPerfectSquare(n *big.Int) bool {
	root := new(big.Int).Sqrt(n)
	square := new(big.Int).Mul(root, root)
	return square.Cmp(n) == 0
}

func randCoprime(n *big.Int) (*big.Int, error) {
	for {
		r, err := rand.Int(rand.Reader, n)
		if err != nil {
			return nil, errors.Wrap(err, "paillier: failed to sample nonce")
		}
		if r.Sign() == 0 {
			continue
		}
		if new(big.Int).GCD(nil, nil, r, n).Cmp(one) == 0 {
			return r, nil
		}
	}
}

// randSafePrime returns a prime p such that (p-1)/2 is also prime.
func randSafePrime(bits int) (*big.Int, error) {
	for {
		q, err := rand.Prime(rand.Reader, bits-1)
		if err != nil {
			return nil, errors.Wrap(err, "paillier: prime search failed")
		}
		p := new(big.Int).Add(new(big.Int).Mul(q, two), one)
		if p.ProbablyPrime(20) {
			return p, nil
		}
	}
}
