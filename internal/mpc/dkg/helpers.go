package dkg

import (
	"bytes"
	"math/big"

	"github.com/pkg/errors"

	"github.com/sandrotbilisi/clirift/internal/crypto/curve"
	"github.com/sandrotbilisi/clirift/internal/crypto/vss"
)

func intToBig(i int) *big.Int {
	return big.NewInt(int64(i))
}

func mustPoint(compressed []byte) *curve.Point {
	pt, err := curve.PointFromCompressed(compressed)
	if err != nil {
		return nil
	}
	return pt
}

// serializeFeldman flattens a Feldman commitment vector into a single
// byte string for Pedersen-commitment hashing.
func serializeFeldman(fc *vss.FeldmanCommitments) ([]byte, error) {
	var buf bytes.Buffer
	for _, pt := range fc.Points {
		cb, err := pt.CompressedBytes()
		if err != nil {
			return nil, errors.Wrap(err, "dkg: failed to serialize feldman point")
		}
		buf.Write(cb)
	}
	return buf.Bytes(), nil
}

// serializePoints flattens a list of already-compressed points, matching
// serializeFeldman's layout so the receiver can reconstruct the exact
// bytes the sender committed to in Round 1.
func serializePoints(points [][]byte) ([]byte, error) {
	var buf bytes.Buffer
	for _, p := range points {
		buf.Write(p)
	}
	return buf.Bytes(), nil
}
