package backup

import (
	"testing"
)

func TestSSS_SplitAndCombine(t *testing.T) {
	sss := NewSSS()

	secret := []byte("test-secret-data-for-sss-backup")
	threshold := 3
	totalShares := 5

	shares, err := sss.Split(secret, totalShares, threshold)
	if err != nil {
		t.Fatalf("Failed to split secret: %v", err)
	}

	if len(shares) != totalShares {
		t.Fatalf("Expected %d shares, got %d", totalShares, len(shares))
	}

	// Recover using exactly threshold shares.
	recovered, err := sss.Combine(shares[:threshold], threshold)
	if err != nil {
		t.Fatalf("Failed to combine shares: %v", err)
	}

	if string(recovered) != string(secret) {
		t.Errorf("Recovered secret does not match original")
		t.Errorf("Original: %s", string(secret))
		t.Errorf("Recovered: %s", string(recovered))
	}

	// Fewer than threshold shares must fail to recover.
	_, err = sss.Combine(shares[:threshold-1], threshold)
	if err == nil {
		t.Error("Expected error when combining insufficient shares, got nil")
	}
}

func TestSSS_SplitAndCombine_ThresholdTwo(t *testing.T) {
	sss := NewSSS()

	secret := []byte("short-secret")
	threshold := 2
	totalShares := 4

	shares, err := sss.Split(secret, totalShares, threshold)
	if err != nil {
		t.Fatalf("Failed to split secret: %v", err)
	}

	// A 2-of-k backup must be reconstructable from exactly 2 shares.
	recovered, err := sss.Combine(shares[:threshold], threshold)
	if err != nil {
		t.Fatalf("Failed to combine 2-of-%d shares: %v", totalShares, err)
	}
	if string(recovered) != string(secret) {
		t.Errorf("Recovered secret does not match original")
	}

	_, err = sss.Combine(shares[:threshold-1], threshold)
	if err == nil {
		t.Error("Expected error when combining fewer than threshold shares, got nil")
	}
}

func TestSSS_RecoverWithDifferentShareCombinations(t *testing.T) {
	sss := NewSSS()

	secret := []byte("another-test-secret")
	threshold := 3
	totalShares := 5

	shares, err := sss.Split(secret, totalShares, threshold)
	if err != nil {
		t.Fatalf("Failed to split secret: %v", err)
	}

	// Any 3-of-5 combination must reconstruct the same secret.
	testCases := [][]int{
		{0, 1, 2},
		{0, 1, 3},
		{2, 3, 4},
		{0, 2, 4},
	}

	for i, indices := range testCases {
		selectedShares := make([][]byte, len(indices))
		for j, idx := range indices {
			selectedShares[j] = shares[idx]
		}

		recovered, err := sss.Combine(selectedShares, threshold)
		if err != nil {
			t.Errorf("Test case %d: Failed to combine shares: %v", i, err)
			continue
		}

		if string(recovered) != string(secret) {
			t.Errorf("Test case %d: Recovered secret does not match", i)
		}
	}
}
