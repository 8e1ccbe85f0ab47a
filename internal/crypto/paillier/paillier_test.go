package paillier

import (
	"math/big"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sandrotbilisi/clirift/internal/crypto/curve"
)

func TestEncryptDecryptRoundTrip(t *testing.T) {
	sk, err := GenerateKeyPair()
	require.NoError(t, err)

	m := big.NewInt(424242)
	c, err := sk.Encrypt(m)
	require.NoError(t, err)

	got, err := sk.Decrypt(c)
	require.NoError(t, err)
	assert.Equal(t, m, got)
}

func TestHomomorphicAdd(t *testing.T) {
	sk, err := GenerateKeyPair()
	require.NoError(t, err)

	m1, m2 := big.NewInt(7), big.NewInt(35)
	c1, err := sk.Encrypt(m1)
	require.NoError(t, err)
	c2, err := sk.Encrypt(m2)
	require.NoError(t, err)

	sum := sk.HomomorphicAdd(c1, c2)
	got, err := sk.Decrypt(sum)
	require.NoError(t, err)
	assert.Equal(t, big.NewInt(42), got)
}

func TestHomomorphicScalarMul(t *testing.T) {
	sk, err := GenerateKeyPair()
	require.NoError(t, err)

	m := big.NewInt(6)
	c, err := sk.Encrypt(m)
	require.NoError(t, err)

	scaled := sk.HomomorphicScalarMul(c, big.NewInt(7))
	got, err := sk.Decrypt(scaled)
	require.NoError(t, err)
	assert.Equal(t, big.NewInt(42), got)
}

func TestValidateRejectsSmallModulus(t *testing.T) {
	pk := &PublicKey{N: big.NewInt(15)}
	assert.Error(t, pk.Validate())
}

func TestValidateRejectsPerfectSquare(t *testing.T) {
	square := new(big.Int).Exp(big.NewInt(3), big.NewInt(700), nil)
	square.Mul(square, square)
	pk := &PublicKey{N: square}
	assert.Error(t, pk.Validate())
}

func TestValidateRejectsModulusSharingFactorWithCurveOrder(t *testing.T) {
	// A modulus built as curve.N * q shares the factor curve.N with the
	// secp256k1 group order, which Validate must reject (spec.md I5/P8)
	// even though the modulus is otherwise large, odd, and composite.
	q := new(big.Int).Lsh(one, 1024)
	q.Or(q, one) // keep q odd, so curve.N (odd) * q stays odd
	n := new(big.Int).Mul(curve.N, q)
	pk := &PublicKey{N: n}
	err := pk.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "shares a factor")
}

func TestMtAConsistency(t *testing.T) {
	skA, err := GenerateKeyPair()
	require.NoError(t, err)

	order, ok := new(big.Int).SetString("115792089237316195423570985008687907852837564279074904382605163141518161494337", 10)
	require.True(t, ok)
	a := big.NewInt(123456789)
	b := big.NewInt(987654321)

	encA, err := skA.Encrypt(a)
	require.NoError(t, err)

	resp, err := RespondMtA(&skA.PublicKey, &MtARequest{EncA: encA}, b, order)
	require.NoError(t, err)

	alpha, err := FinishMtA(skA, resp, order)
	require.NoError(t, err)

	// alpha + betaNeg == a*b (mod order)
	sum := new(big.Int).Mod(new(big.Int).Add(alpha, resp.BetaNeg), order)
	expected := new(big.Int).Mod(new(big.Int).Mul(a, b), order)
	assert.Equal(t, expected, sum)
}
