package backup

import "time"

// Shard is one GF(256) shard of a node's encrypted share file, meant
// for offline/cold storage.
type Shard struct {
	Index     int
	Data      []byte
	CreatedAt time.Time
}

// Status summarizes how many shards of a node's backup have been
// accounted for and whether that is enough to reconstruct it.
type Status struct {
	TotalShards    int
	RequiredShards int
	Recoverable    bool
}
