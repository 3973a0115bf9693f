package testutil

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFixedIDs_InOrder(t *testing.T) {
	g := NewFixedIDs("a", "b")
	assert.Equal(t, "a", g.Generate())
	assert.Equal(t, "b", g.Generate())
	assert.Panics(t, func() { g.Generate() })
}

func TestFixedIDs_Concurrent(t *testing.T) {
	ids := []string{"1", "2", "3", "4", "5", "6", "7", "8"}
	g := NewFixedIDs(ids...)

	var (
		mu  sync.Mutex
		got []string
		wg  sync.WaitGroup
	)
	for range ids {
		wg.Go(func() {
			id := g.Generate()
			mu.Lock()
			got = append(got, id)
			mu.Unlock()
		})
	}
	wg.Wait()
	assert.ElementsMatch(t, ids, got)
}
