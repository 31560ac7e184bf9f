// Package registry loads organization manifests, agent definitions and skill
// contracts into immutable snapshots.
//
// A Registry is constructed once at startup from a Source (a live directory
// or the bundled snapshot) and refreshed only by explicit Reload calls. A
// failed reload leaves the previous snapshot in place.
package registry

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Registry holds the current snapshot.
type Registry struct {
	source    Source
	validator Validator
	logger    *slog.Logger
	now       func() time.Time

	reloadMu sync.Mutex
	current  atomic.Pointer[Snapshot]
}

// Option configures a Registry.
type Option func(*Registry)

// WithLogger sets the logger used for load and reload messages.
func WithLogger(l *slog.Logger) Option {
	return func(r *Registry) { r.logger = l }
}

// WithClock sets the clock used to stamp snapshots.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// New loads the initial snapshot. The registry is unusable without one, so a
// load failure is returned rather than deferred.
func New(ctx context.Context, src Source, v Validator, opts ...Option) (*Registry, error) {
	r := &Registry{
		source:    src,
		validator: v,
		logger:    slog.Default(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	if _, err := r.Reload(ctx); err != nil {
		return nil, err
	}
	return r, nil
}

// Snapshot returns the current snapshot. It is never nil after New succeeds.
func (r *Registry) Snapshot() *Snapshot {
	return r.current.Load()
}

// SourceName identifies where snapshots are loaded from.
func (r *Registry) SourceName() string {
	return r.source.Name()
}

// Reload rebuilds the snapshot from the source and swaps it in atomically.
func (r *Registry) Reload(ctx context.Context) (*Snapshot, error) {
	r.reloadMu.Lock()
	defer r.reloadMu.Unlock()

	docs, err := r.source.Documents(ctx)
	if err != nil {
		r.logger.Error("registry load failed", "source", r.source.Name(), "error", err)
		return nil, fmt.Errorf("registry %s: %w", r.source.Name(), err)
	}
	snap, err := Build(docs, r.validator, r.source.Name(), r.now().UTC())
	if err != nil {
		r.logger.Error("registry build failed", "source", r.source.Name(), "error", err)
		return nil, fmt.Errorf("registry %s: %w", r.source.Name(), err)
	}

	prev := r.current.Swap(snap)
	orgs, agents, skills := snap.Counts()
	attrs := []any{
		"source", snap.Source,
		"revision", snap.Revision,
		"organizations", orgs,
		"agents", agents,
		"skills", skills,
	}
	if prev != nil && prev.Revision == snap.Revision {
		r.logger.Info("registry reloaded (unchanged)", attrs...)
	} else {
		r.logger.Info("registry loaded", attrs...)
	}
	return snap, nil
}
