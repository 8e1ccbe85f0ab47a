package derivation

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sandrotbilisi/clirift/internal/crypto/curve"
)

func TestComputeTweakDeterministic(t *testing.T) {
	x, err := curve.RandomScalar()
	require.NoError(t, err)
	P := curve.ScalarBaseMul(x)
	pub, err := P.CompressedBytes()
	require.NoError(t, err)

	chainCode := make([]byte, 32)
	for i := range chainCode {
		chainCode[i] = byte(i)
	}

	t1, err := ComputeTweak(pub, chainCode, 0)
	require.NoError(t, err)
	t2, err := ComputeTweak(pub, chainCode, 0)
	require.NoError(t, err)

	assert.True(t, t1.T.Equal(t2.T))
	assert.Equal(t, t1.ChainCode, t2.ChainCode)
}

func TestComputeTweakRejectsHardened(t *testing.T) {
	x, err := curve.RandomScalar()
	require.NoError(t, err)
	P := curve.ScalarBaseMul(x)
	pub, err := P.CompressedBytes()
	require.NoError(t, err)

	_, err = ComputeTweak(pub, make([]byte, 32), 0x80000000)
	assert.Error(t, err)
}

func TestParseNonHardenedIndex(t *testing.T) {
	idx, err := ParseNonHardenedIndex("m/44'/60'/0'/0/7")
	require.NoError(t, err)
	assert.Equal(t, uint32(7), idx)

	_, err = ParseNonHardenedIndex("m/44'/60'/0'/0'")
	assert.Error(t, err)
}

func TestChildPublicKeyMatchesTweakedGenerator(t *testing.T) {
	d, err := curve.RandomScalar()
	require.NoError(t, err)
	P := curve.ScalarBaseMul(d)
	pub, err := P.CompressedBytes()
	require.NoError(t, err)

	tw, err := ComputeTweak(pub, make([]byte, 32), 3)
	require.NoError(t, err)

	child := tw.ChildPublicKey(P)
	assert.True(t, curve.ScalarBaseMul(tw.T).Add(P).Equal(child))
}
