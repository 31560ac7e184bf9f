package engine

import (
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// ID prefixes. Server-assigned ids are "<prefix><uuid>".
const (
	PrefixJob        = "job_"
	PrefixArtifact   = "art_"
	PrefixEvaluation = "eval_"
	PrefixEvent      = "evt_"
	PrefixRunToken   = "run_"
)

// IDGenerator mints identifiers for jobs, artifacts, evaluations, audit
// events and run tokens. Implementations must be safe for concurrent use.
type IDGenerator interface {
	NewID(prefix string) string
}

// UUIDv7Generator generates time-sortable UUIDv7 identifiers.
//
// Thread-safety: UUIDv7Generator is stateless and safe for concurrent use.
type UUIDv7Generator struct{}

// NewID panics if the system random source fails.
func (UUIDv7Generator) NewID(prefix string) string {
	return prefix + uuid.Must(uuid.NewV7()).String()
}

// SequentialGenerator returns "<prefix><n>" with a per-prefix counter, so a
// scenario replayed against a fresh engine produces identical ids.
//
// Thread-safety: SequentialGenerator is safe for concurrent use via internal mutex.
type SequentialGenerator struct {
	mu   sync.Mutex
	next map[string]int
}

// NewSequentialGenerator returns a generator whose counters start at zero.
func NewSequentialGenerator() *SequentialGenerator {
	return &SequentialGenerator{next: make(map[string]int)}
}

// NewID returns the next id for prefix, zero padded to four digits.
func (g *SequentialGenerator) NewID(prefix string) string {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.next[prefix]++
	return fmt.Sprintf("%s%04d", prefix, g.next[prefix])
}
