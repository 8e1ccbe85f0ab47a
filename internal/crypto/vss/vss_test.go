package vss

import (
	"math/big"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sandrotbilisi/clirift/internal/crypto/curve"
)

func idx(n int64) *curve.Scalar {
	return curve.NewScalar(big.NewInt(n))
}

func TestShamirReconstruct2of3(t *testing.T) {
	secret, err := curve.RandomScalar()
	require.NoError(t, err)

	poly, err := NewRandomPolynomial(secret, 2)
	require.NoError(t, err)

	i1, i2, i3 := idx(1), idx(2), idx(3)
	shares := []*Share{
		{Index: i1, Value: poly.Eval(i1)},
		{Index: i2, Value: poly.Eval(i2)},
	}

	got := Reconstruct(shares)
	assert.True(t, secret.Equal(got))

	// Any other 2-subset must also reconstruct the same secret.
	otherShares := []*Share{
		{Index: i2, Value: poly.Eval(i2)},
		{Index: i3, Value: poly.Eval(i3)},
	}
	assert.True(t, secret.Equal(Reconstruct(otherShares)))
}

func TestFeldmanVerifyShare(t *testing.T) {
	secret, err := curve.RandomScalar()
	require.NoError(t, err)

	poly, err := NewRandomPolynomial(secret, 3)
	require.NoError(t, err)
	commitments := Commit(poly)

	i1 := idx(1)
	share := poly.Eval(i1)
	assert.True(t, commitments.VerifyShare(i1, share))

	tampered := share.Add(curve.OneScalar())
	assert.False(t, commitments.VerifyShare(i1, tampered))
}

func TestFeldmanPublicValueMatchesConstantTerm(t *testing.T) {
	secret, err := curve.RandomScalar()
	require.NoError(t, err)
	poly, err := NewRandomPolynomial(secret, 2)
	require.NoError(t, err)

	commitments := Commit(poly)
	pub, err := commitments.PublicValue()
	require.NoError(t, err)
	assert.True(t, pub.Equal(curve.ScalarBaseMul(secret)))
}

func TestPedersenCommitOpen(t *testing.T) {
	value := []byte("committed-value")
	c, err := PedersenCommit("ctx", value)
	require.NoError(t, err)

	assert.True(t, c.Open("ctx", value))
	assert.False(t, c.Open("ctx", []byte("different-value")))
	assert.False(t, c.Open("other-ctx", value))
}
