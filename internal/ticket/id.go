package ticket

import (
	"encoding/base32"
	"sync"

	"github.com/google/uuid"
)

// IDGenerator produces candidate ticket ids. The store retries on collision,
// so generators only need to be unlikely to repeat.
type IDGenerator interface {
	Generate() ID
}

var tokenEncoding = base32.StdEncoding.WithPadding(base32.NoPadding)

// TokenGenerator produces short ids staff can type, such as "TKQ3V7ZC2XA".
//
// The token is the base32 form of the 48 random bits at the tail of a UUIDv7,
// prefixed with "T". UUIDv7 generation is safe for concurrent use, so
// TokenGenerator is stateless.
type TokenGenerator struct{}

// Generate returns a new ticket id.
//
// Panics if UUID generation fails (should never happen in practice).
func (TokenGenerator) Generate() ID {
	u := uuid.Must(uuid.NewV7())
	return ID("T" + tokenEncoding.EncodeToString(u[10:16]))
}

// FixedGenerator returns predetermined ids for tests.
//
// Thread-safety: FixedGenerator is safe for concurrent use via internal mutex.
type FixedGenerator struct {
	mu  sync.Mutex
	ids []ID
	idx int
}

// NewFixedGenerator creates a generator that returns ids in order.
func NewFixedGenerator(ids ...ID) *FixedGenerator {
	return &FixedGenerator{ids: ids}
}

// Generate returns the next predetermined id.
//
// Panics if all ids have been consumed, which catches tests that open more
// tickets than they planned for.
func (g *FixedGenerator) Generate() ID {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.idx >= len(g.ids) {
		panic("FixedGenerator: all ids exhausted")
	}
	id := g.ids[g.idx]
	g.idx++
	return id
}
