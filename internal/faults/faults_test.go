package faults

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKindOf_Wrapped(t *testing.T) {
	base := SelfEvaluation("agent-y", "A1")
	wrapped := fmt.Errorf("submit evaluation: %w", base)

	assert.Equal(t, KindSelfEvaluation, KindOf(wrapped))
	assert.True(t, IsSelfEvaluation(wrapped))
	assert.False(t, IsPolicyViolation(wrapped), "self-evaluation must stay distinct from policy violation")
}

func TestKindOf_PlainError(t *testing.T) {
	assert.Equal(t, Kind(""), KindOf(errors.New("boom")))
	assert.Equal(t, Kind(""), KindOf(nil))
}

func TestError_Message(t *testing.T) {
	err := TerminalState("J1", "complete", "run_job")
	assert.Equal(t, "TERMINAL_STATE: job is complete; run_job is not permitted (job=J1)", err.Error())

	schemaErr := SchemaValidation("JobContract", []Violation{{Path: "/kind", Message: "required"}})
	assert.Contains(t, schemaErr.Error(), "[1 violation(s)]")
}

func TestError_UnwrapAndWithJob(t *testing.T) {
	cause := errors.New("disk full")
	err := Internal("commit failed", cause)
	assert.ErrorIs(t, err, cause)

	annotated := err.WithJob("J9")
	assert.Equal(t, "J9", annotated.JobID)
	assert.Empty(t, err.JobID, "WithJob must not mutate the receiver")
}

func TestAs(t *testing.T) {
	fe, ok := As(fmt.Errorf("x: %w", Conflict("version_conflict", "retry exhausted")))
	require.True(t, ok)
	assert.Equal(t, "version_conflict", fe.Detail("reason"))
	assert.Equal(t, "", fe.Detail("missing"))
}
