package harness

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/roach88/covenant/internal/contract"
	"github.com/roach88/covenant/internal/engine"
	"github.com/roach88/covenant/internal/faults"
	"github.com/roach88/covenant/internal/policy"
	"github.com/roach88/covenant/internal/registry"
	"github.com/roach88/covenant/internal/schema"
	"github.com/roach88/covenant/internal/store"
	"github.com/roach88/covenant/internal/testutil"
)

// DefaultOrg is the organization jobs are submitted to unless a step says
// otherwise.
const DefaultOrg = "orgA"

// Option configures a run.
type Option func(*options)

type options struct {
	source registry.Source
	logger *slog.Logger
}

// WithSource runs scenarios against src instead of the bundled registry.
func WithSource(src registry.Source) Option {
	return func(o *options) { o.source = src }
}

// WithLogger sets the engine's logger. Default: discard.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// Harness drives one engine through one scenario.
type Harness struct {
	store  *store.Store
	engine *engine.Engine
	clock  *testutil.FixedClock

	jobs      map[string]jobRef // by label
	order     []string          // labels in creation order
	artifacts map[string]string // label to id
}

type jobRef struct {
	id  string
	org string
}

// Run executes a scenario and returns the result.
//
// Each scenario runs in a fresh in-memory database with a fixed clock and
// sequential ids, so the resulting trace is identical across runs.
// An error is returned only when the harness itself cannot be set up;
// failed expectations are reported in the Result.
func Run(ctx context.Context, scenario *Scenario, opts ...Option) (*Result, error) {
	o := options{source: registry.BundledSource{}, logger: testutil.DiscardLogger()}
	for _, opt := range opts {
		opt(&o)
	}

	st, err := store.Open(":memory:")
	if err != nil {
		return nil, fmt.Errorf("failed to create in-memory store: %w", err)
	}
	defer st.Close()

	v, err := schema.LoadBundled()
	if err != nil {
		return nil, fmt.Errorf("load schemas: %w", err)
	}
	clock := testutil.NewFixedClock(testutil.Epoch)
	reg, err := registry.New(ctx, o.source, v,
		registry.WithLogger(o.logger),
		registry.WithClock(clock.Now))
	if err != nil {
		return nil, fmt.Errorf("load registry: %w", err)
	}

	h := &Harness{
		store: st,
		engine: engine.New(st, v, policy.NewResolver(reg),
			engine.WithClock(clock),
			engine.WithIDs(engine.NewSequentialGenerator()),
			engine.WithLogger(o.logger),
			engine.WithDeferred(scenario.Mode != ModeExecute)),
		clock:     clock,
		jobs:      make(map[string]jobRef),
		artifacts: make(map[string]string),
	}

	result := NewResult()
	for i, step := range scenario.Steps {
		h.execute(ctx, i, step, result)
	}
	if err := h.collect(ctx, result); err != nil {
		return nil, err
	}
	for _, msg := range EvaluateAssertions(result, scenario.Assertions) {
		result.AddError(msg)
	}
	return result, nil
}

// execute runs one step and checks its expect clause.
func (h *Harness) execute(ctx context.Context, i int, step Step, result *Result) {
	if step.Op == OpAdvanceClock {
		d, _ := time.ParseDuration(step.Duration) // checked at load
		h.clock.Advance(d)
		return
	}

	label := step.Job
	if label == "" {
		label = DefaultJob
	}
	if step.Op == OpSubmit && step.As != "" {
		label = step.As
	}

	err := h.invoke(ctx, label, step)
	prefix := fmt.Sprintf("steps[%d] %s %s", i, step.Op, label)

	var want Expect
	if step.Expect != nil {
		want = *step.Expect
	}
	switch got := faults.KindOf(err); {
	case err == nil && want.Error != "":
		result.AddError(fmt.Sprintf("%s: expected %s, got success", prefix, want.Error))
	case err != nil && want.Error == "":
		result.AddError(fmt.Sprintf("%s: unexpected error: %v", prefix, err))
	case err != nil && string(got) != want.Error:
		result.AddError(fmt.Sprintf("%s: expected %s, got %s: %v", prefix, want.Error, got, err))
	}

	if want.State == "" {
		return
	}
	state, err := h.state(ctx, label)
	switch {
	case err != nil:
		result.AddError(fmt.Sprintf("%s: expected state %s: %v", prefix, want.State, err))
	case string(state) != want.State:
		result.AddError(fmt.Sprintf("%s: expected state %s, got %s", prefix, want.State, state))
	}
}

func (h *Harness) invoke(ctx context.Context, label string, step Step) error {
	now := h.clock.Now()

	if step.Op == OpSubmit {
		if _, ok := h.jobs[label]; ok {
			return fmt.Errorf("job label %q already used", label)
		}
		org := step.Org
		if org == "" {
			org = DefaultOrg
		}
		job, err := h.engine.SubmitJob(ctx, apply(testutil.JobContract(org, now), step.Set))
		if err != nil {
			return err
		}
		h.jobs[label] = jobRef{id: job.JobID, org: org}
		h.order = append(h.order, label)
		return nil
	}

	ref, ok := h.jobs[label]
	if !ok {
		// Unknown labels pass through as literal job ids.
		ref = jobRef{id: label, org: DefaultOrg}
	}
	org := ref.org
	if step.Org != "" {
		org = step.Org
	}

	switch step.Op {
	case OpRun:
		_, err := h.engine.RunJob(ctx, ref.id)
		return err
	case OpStop:
		_, err := h.engine.StopJob(ctx, ref.id, step.RunToken)
		return err
	case OpArtifact:
		doc := testutil.Artifact(ref.id, org, step.Agent.AgentID, step.Agent.Role, now)
		rec, err := h.engine.SubmitArtifact(ctx, apply(doc, step.Set))
		if err != nil {
			return err
		}
		if step.As != "" {
			h.artifacts[step.As] = rec.ArtifactID
		}
		return nil
	case OpEvaluation:
		ids := make([]string, len(step.Artifacts))
		for i, a := range step.Artifacts {
			ids[i] = a
			if id, ok := h.artifacts[a]; ok {
				ids[i] = id
			}
		}
		verdict := step.Verdict
		if verdict == "" {
			verdict = string(contract.VerdictPass)
		}
		doc := testutil.Evaluation(ref.id, org, step.Agent.AgentID, step.Agent.Role, verdict, now, ids...)
		_, err := h.engine.SubmitEvaluation(ctx, apply(doc, step.Set))
		return err
	}
	return fmt.Errorf("unknown op %q", step.Op)
}

func (h *Harness) state(ctx context.Context, label string) (contract.State, error) {
	ref, ok := h.jobs[label]
	if !ok {
		return "", fmt.Errorf("job %s was never created", label)
	}
	job, err := h.engine.GetJob(ctx, ref.id)
	if err != nil {
		return "", err
	}
	return job.State, nil
}

// collect gathers the audit history and final state of every job.
func (h *Harness) collect(ctx context.Context, result *Result) error {
	for _, label := range h.order {
		ref := h.jobs[label]
		history, err := h.store.History(ctx, ref.id)
		if err != nil {
			return fmt.Errorf("history of %s: %w", label, err)
		}
		for _, ev := range history {
			result.Trace = append(result.Trace, traceEvent(label, ev))
		}
		job, err := h.store.LoadJob(ctx, ref.id)
		if err != nil {
			return fmt.Errorf("load %s: %w", label, err)
		}
		result.State[label] = job.State
	}
	sort.Slice(result.Trace, func(i, j int) bool { return result.Trace[i].Seq < result.Trace[j].Seq })
	return nil
}

// apply edits doc at each slash-separated path in set, in key order.
func apply(doc map[string]any, set map[string]any) map[string]any {
	keys := make([]string, 0, len(set))
	for k := range set {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		testutil.Set(doc, set[k], strings.Split(strings.Trim(k, "/"), "/")...)
	}
	return doc
}
