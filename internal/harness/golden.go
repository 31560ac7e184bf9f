package harness

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/sebdah/goldie/v2"

	"github.com/roach88/covenant/internal/canon"
)

// volatileDetails are detail keys left out of golden trails. The policy
// revision is a digest of the registry and changes with every edit to it.
var volatileDetails = map[string]bool{"policy_revision": true}

// Render writes the trace as canonical JSON, one event per line.
func Render(trace []TraceEvent) ([]byte, error) {
	var buf bytes.Buffer
	for _, ev := range trace {
		line, err := canon.MarshalCanonical(ev.canonicalMap())
		if err != nil {
			return nil, err
		}
		buf.Write(line)
		buf.WriteByte('\n')
	}
	return buf.Bytes(), nil
}

// canonicalMap converts an event to the generic model, since
// canon.MarshalCanonical does not take structs.
func (ev TraceEvent) canonicalMap() map[string]any {
	m := map[string]any{
		"seq":         ev.Seq,
		"event":       ev.EventID,
		"job":         ev.JobID,
		"op":          ev.Operation,
		"kind":        ev.Kind,
		"explanation": ev.Explanation,
		"at":          ev.At.UTC().Format(time.RFC3339),
	}
	if ev.From != "" {
		m["from"] = ev.From
	}
	if ev.To != "" {
		m["to"] = ev.To
	}
	if ev.ErrorKind != "" {
		m["error_kind"] = ev.ErrorKind
	}
	details := map[string]any{}
	for k, v := range ev.Details {
		if !volatileDetails[k] {
			details[k] = v
		}
	}
	if len(details) > 0 {
		m["details"] = details
	}
	return m
}

// RunWithGolden executes a scenario and compares its trace against
// testdata/golden/{scenario.Name}.golden.
//
// To regenerate golden files, run:
//
//	go test ./internal/harness -update
//
// Returns the result so callers can check Pass and Errors; a trace that
// differs from the golden file fails t through goldie.
func RunWithGolden(t *testing.T, scenario *Scenario, opts ...Option) (*Result, error) {
	t.Helper()

	result, err := Run(context.Background(), scenario, opts...)
	if err != nil {
		return nil, err
	}
	if err := AssertGolden(t, scenario.Name, result); err != nil {
		return nil, err
	}
	return result, nil
}

// AssertGolden compares an existing result's trace against a golden file.
func AssertGolden(t *testing.T, scenarioName string, result *Result) error {
	t.Helper()

	data, err := Render(result.Trace)
	if err != nil {
		return err
	}
	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, scenarioName, data)
	return nil
}
