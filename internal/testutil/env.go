package testutil

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/roach88/covenant/internal/engine"
	"github.com/roach88/covenant/internal/policy"
	"github.com/roach88/covenant/internal/registry"
	"github.com/roach88/covenant/internal/schema"
	"github.com/roach88/covenant/internal/store"
)

// Env is a contract engine over a temporary SQLite store and the bundled
// registry, with a fixed clock and sequential ids.
type Env struct {
	Engine    *engine.Engine
	Store     *store.Store
	Registry  *registry.Registry
	Validator *schema.Validator
	Clock     *FixedClock
	IDs       *engine.SequentialGenerator
}

// NewEnv builds an Env. Options are applied after the defaults, so callers
// can override the clock, ids or execution mode.
func NewEnv(t testing.TB, opts ...engine.Option) *Env {
	t.Helper()

	s, err := store.Open(filepath.Join(t.TempDir(), "covenant.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	return NewEnvWithStore(t, s, opts...)
}

// NewEnvWithStore builds an Env over st. Env.Store is left nil unless st is
// the SQLite store.
func NewEnvWithStore(t testing.TB, st engine.Store, opts ...engine.Option) *Env {
	t.Helper()

	v, err := schema.LoadBundled()
	require.NoError(t, err)
	clock := NewFixedClock(Epoch)
	reg, err := registry.New(context.Background(), registry.BundledSource{}, v,
		registry.WithLogger(DiscardLogger()),
		registry.WithClock(clock.Now))
	require.NoError(t, err)

	ids := engine.NewSequentialGenerator()
	all := append([]engine.Option{
		engine.WithClock(clock),
		engine.WithIDs(ids),
		engine.WithLogger(DiscardLogger()),
	}, opts...)

	env := &Env{
		Engine:    engine.New(st, v, policy.NewResolver(reg), all...),
		Registry:  reg,
		Validator: v,
		Clock:     clock,
		IDs:       ids,
	}
	if s, ok := st.(*store.Store); ok {
		env.Store = s
	}
	return env
}

// DiscardLogger returns a logger that drops everything.
func DiscardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
