package testutil

import (
	"fmt"
	"sync"
)

// FixedIDs returns predetermined ids in order. It satisfies the id
// generator interfaces used for notifications and requests.
//
// Thread-safety: safe for concurrent use via internal mutex.
type FixedIDs struct {
	mu  sync.Mutex
	ids []string
	idx int
}

// NewFixedIDs creates a generator that returns ids in order.
func NewFixedIDs(ids ...string) *FixedIDs {
	return &FixedIDs{ids: ids}
}

// Generate returns the next id. Panics when all ids are used up, which
// surfaces test setup mistakes immediately.
func (g *FixedIDs) Generate() string {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.idx >= len(g.ids) {
		panic(fmt.Sprintf("FixedIDs exhausted: requested id %d but only %d provided", g.idx+1, len(g.ids)))
	}
	id := g.ids[g.idx]
	g.idx++
	return id
}
