package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/covenant/internal/contract"
)

func ev(seq int64, op contract.Operation, from, to contract.State) contract.AuditEvent {
	return contract.AuditEvent{Seq: seq, Operation: op, FromState: from, ToState: to}
}

func TestReplayState(t *testing.T) {
	submit := ev(1, contract.OpSubmitJob, "", contract.StateSubmitted)
	tests := []struct {
		name    string
		events  []contract.AuditEvent
		want    contract.State
		wantErr string
	}{
		{"empty", nil, "", "empty history"},
		{"submission only", []contract.AuditEvent{submit}, contract.StateSubmitted, ""},
		{
			name: "full lifecycle",
			events: []contract.AuditEvent{
				submit,
				ev(2, contract.OpRunJob, contract.StateSubmitted, contract.StateWaiting),
				ev(3, contract.OpSubmitArtifact, contract.StateWaiting, contract.StateWaiting),
				ev(4, contract.OpSubmitEvaluation, contract.StateWaiting, contract.StateComplete),
				ev(5, contract.OpRunJob, contract.StateComplete, contract.StateComplete),
			},
			want: contract.StateComplete,
		},
		{
			name:    "missing submission",
			events:  []contract.AuditEvent{ev(1, contract.OpRunJob, contract.StateSubmitted, contract.StateRunning)},
			wantErr: "does not start with a submission",
		},
		{
			name:    "gap",
			events:  []contract.AuditEvent{submit, ev(2, contract.OpStopJob, contract.StateRunning, contract.StateWaiting)},
			want:    contract.StateSubmitted,
			wantErr: "starts from",
		},
		{
			name: "leaves terminal",
			events: []contract.AuditEvent{
				submit,
				ev(2, contract.OpRunJob, contract.StateSubmitted, contract.StateRejected),
				ev(3, contract.OpRunJob, contract.StateRejected, contract.StateRunning),
			},
			want:    contract.StateRejected,
			wantErr: "leaves terminal state",
		},
		{
			name:    "completion without evaluation",
			events:  []contract.AuditEvent{submit, ev(2, contract.OpRunJob, contract.StateSubmitted, contract.StateComplete)},
			want:    contract.StateSubmitted,
			wantErr: "without an evaluation",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ReplayState(tt.events)
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
			} else {
				require.NoError(t, err)
			}
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestAuditJob(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	job := createJob(t, s, "J1")

	rej := testEvent("evt_2", job, contract.StateSubmitted, contract.StateSubmitted)
	rej.Kind = contract.EventRejection
	require.NoError(t, s.AppendEventAt(ctx, rej, 1))
	require.NoError(t, s.Commit(ctx, Commit{
		JobID: "J1", ExpectedVersion: 1, State: contract.StateRunning, UpdatedAt: testTime,
		Event: testEvent("evt_3", job, contract.StateSubmitted, contract.StateRunning),
	}))

	audit, err := s.AuditJob(ctx, "J1")
	require.NoError(t, err)
	assert.True(t, audit.Consistent, audit.Problem)
	assert.Equal(t, 3, audit.Events)
	assert.Equal(t, 1, audit.Rejections)
	assert.Equal(t, contract.StateRunning, audit.ReplayedState)

	last, err := s.LastSeq(ctx)
	require.NoError(t, err)
	assert.Equal(t, last, audit.LastSeq)

	// Drift the stored state away from its history.
	_, err = s.db.Exec("UPDATE jobs SET state = 'complete' WHERE job_id = 'J1'")
	require.NoError(t, err)
	audit, err = s.AuditJob(ctx, "J1")
	require.NoError(t, err)
	assert.False(t, audit.Consistent)
	assert.Contains(t, audit.Problem, `history ends in "running"`)

	_, err = s.AuditJob(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}
