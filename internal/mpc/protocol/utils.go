package protocol

import (
	"sort"

	"github.com/pkg/errors"
)

// NormalizePartyList sorts node identifiers for deterministic party-index
// assignment: spec.md §4.4 assigns index 1..n by order in the
// DKG_PROPOSE participant list, so every node must derive the same
// ordering independently.
func NormalizePartyList(ids []string) ([]string, error) {
	if len(ids) == 0 {
		return nil, errors.New("protocol: party list cannot be empty")
	}
	sorted := make([]string, len(ids))
	copy(sorted, ids)
	sort.Strings(sorted)
	return sorted, nil
}

// PartyIndexOf returns the 1-based index of nodeID within a normalized
// party list, or 0 if not present.
func PartyIndexOf(parties []string, nodeID string) int {
	for i, id := range parties {
		if id == nodeID {
			return i + 1
		}
	}
	return 0
}
