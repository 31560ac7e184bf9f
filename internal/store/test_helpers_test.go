package store

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/roach88/covenant/internal/contract"
)

var testTime = time.Date(2026, 3, 1, 12, 0, 0, 123456789, time.UTC)

// createTestStore creates a new temporary store for testing.
func createTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// testJob creates a submitted job with minimal required fields.
func testJob(id, orgID string) contract.Job {
	return contract.Job{
		JobID:          id,
		OrgID:          orgID,
		State:          contract.StateSubmitted,
		Version:        1,
		PolicyRevision: "rev-1",
		ContractDigest: "digest-" + id,
		Document:       []byte(`{"metadata":{"job_id":"` + id + `"}}`),
		BoundaryDoc:    []byte(`{}`),
		CreatedAt:      testTime,
		UpdatedAt:      testTime,
	}
}

// testEvent creates an audit event for job moving from -> to.
func testEvent(id string, job contract.Job, from, to contract.State) contract.AuditEvent {
	op := contract.OpRunJob
	if from == "" {
		op = contract.OpSubmitJob
	}
	return contract.AuditEvent{
		EventID:     id,
		JobID:       job.JobID,
		OrgID:       job.OrgID,
		Kind:        contract.EventStateTransition,
		Operation:   op,
		FromState:   from,
		ToState:     to,
		Explanation: "test",
		CreatedAt:   testTime,
	}
}
