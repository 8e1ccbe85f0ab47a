package curve

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestScalarAddSubRoundTrip(t *testing.T) {
	a, err := RandomScalar()
	require.NoError(t, err)
	b, err := RandomScalar()
	require.NoError(t, err)

	sum := a.Add(b)
	back := sum.Sub(b)
	assert.True(t, a.Equal(back))
}

func TestScalarInverse(t *testing.T) {
	a, err := RandomScalar()
	require.NoError(t, err)
	inv := a.Inverse()
	assert.True(t, a.Mul(inv).Equal(OneScalar()))
}

func TestScalarBaseMulAndCompressedRoundTrip(t *testing.T) {
	x, err := RandomScalar()
	require.NoError(t, err)
	X := ScalarBaseMul(x)

	comp, err := X.CompressedBytes()
	require.NoError(t, err)

	parsed, err := PointFromCompressed(comp)
	require.NoError(t, err)
	assert.True(t, X.Equal(parsed))
}

func TestPointAddCommutative(t *testing.T) {
	a, err := RandomScalar()
	require.NoError(t, err)
	b, err := RandomScalar()
	require.NoError(t, err)

	A := ScalarBaseMul(a)
	B := ScalarBaseMul(b)
	assert.True(t, A.Add(B).Equal(B.Add(A)))
}

func TestSchnorrProveVerify(t *testing.T) {
	x, err := RandomScalar()
	require.NoError(t, err)
	X := ScalarBaseMul(x)

	proof, err := Prove(x, "test-context")
	require.NoError(t, err)
	assert.True(t, proof.Verify(X, "test-context"))
}

func TestSchnorrRejectsWrongContext(t *testing.T) {
	x, err := RandomScalar()
	require.NoError(t, err)
	X := ScalarBaseMul(x)

	proof, err := Prove(x, "context-a")
	require.NoError(t, err)
	assert.False(t, proof.Verify(X, "context-b"))
}

func TestSchnorrRejectsWrongPoint(t *testing.T) {
	x, err := RandomScalar()
	require.NoError(t, err)
	other, err := RandomScalar()
	require.NoError(t, err)

	proof, err := Prove(x, "ctx")
	require.NoError(t, err)
	assert.False(t, proof.Verify(ScalarBaseMul(other), "ctx"))
}
