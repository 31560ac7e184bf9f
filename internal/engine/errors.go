package engine

import (
	"errors"
	"fmt"

	"github.com/roach88/covenant/internal/faults"
	"github.com/roach88/covenant/internal/store"
)

// Conflict reason codes carried in faults.Error details.
const (
	ReasonVersionConflict = "version_conflict"
	ReasonDuplicateID     = "duplicate_id"
	ReasonStaleRunToken   = "stale_run_token"
)

// errRetry signals a lost compare-and-swap; the mutation loop reloads and
// recomputes.
var errRetry = errors.New("engine: version conflict")

// auditAttempts bounds how often auditCurrent re-reads a job that keeps
// moving under it.
const auditAttempts = 5

// storeError maps a store failure onto the fault taxonomy. Errors that are
// already faults pass through unchanged.
func storeError(resource, id string, err error) error {
	if _, ok := faults.As(err); ok {
		return err
	}
	switch {
	case errors.Is(err, store.ErrNotFound):
		return faults.NotFound(resource, id)
	case errors.Is(err, store.ErrDuplicate):
		return faults.Conflict(ReasonDuplicateID, fmt.Sprintf("%s %s already exists", resource, id))
	case errors.Is(err, store.ErrVersionConflict):
		return faults.Conflict(ReasonVersionConflict, fmt.Sprintf("%s %s was modified concurrently", resource, id))
	}
	return faults.Internal(fmt.Sprintf("store failure on %s %s", resource, id), err)
}

// withJob annotates err with jobID when it is a fault without one.
func withJob(err error, jobID string) error {
	fe, ok := faults.As(err)
	if !ok || fe.JobID != "" || jobID == "" {
		return err
	}
	return fe.WithJob(jobID)
}
