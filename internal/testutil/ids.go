package testutil

import (
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// Seed is the shuffle seed used by order-independence tests.
const Seed uint64 = 20260101

// Seeds lists a handful of shuffle seeds for tests that repeat an
// operation under several visit orders.
var Seeds = []uint64{1, 7, 42, 1234, Seed}

// SequentialIDs hands out predictable version-7 shaped UUIDs, numbered
// from 1.
//
// Thread-safety: Next is safe for concurrent use.
type SequentialIDs struct {
	mu sync.Mutex
	n  uint64
}

// NewSequentialIDs returns a generator whose first id ends in ...0001.
func NewSequentialIDs() *SequentialIDs {
	return &SequentialIDs{}
}

// Next returns the next id.
func (g *SequentialIDs) Next() uuid.UUID {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.n++
	return uuid.MustParse(fmt.Sprintf("00000000-0000-7000-8000-%012x", g.n))
}
