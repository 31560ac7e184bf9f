package harness

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"gopkg.in/yaml.v3"
)

// Scenario is a scripted sequence of engine operations with expectations.
type Scenario struct {
	// Name uniquely identifies this scenario and names its golden file.
	Name string `yaml:"name"`

	// Description explains what this scenario validates.
	Description string `yaml:"description"`

	// Mode is "build" (default: runs are deferred) or "execute".
	Mode string `yaml:"mode,omitempty"`

	// Steps run in order against one fresh engine.
	Steps []Step `yaml:"steps"`

	// Assertions validate the final trace and job states.
	Assertions []Assertion `yaml:"assertions,omitempty"`
}

// Execution modes.
const (
	ModeBuild   = "build"
	ModeExecute = "execute"
)

// Step operations.
const (
	OpSubmit       = "submit"
	OpRun          = "run"
	OpStop         = "stop"
	OpArtifact     = "artifact"
	OpEvaluation   = "evaluation"
	OpAdvanceClock = "advance_clock"
)

// DefaultJob is the label used when a step names no job.
const DefaultJob = "job"

// Step is one operation. Documents are built from fixtures and then edited
// with Set, whose keys are slash-separated paths ("spec/assignee/role").
type Step struct {
	Op string `yaml:"op"`

	// Job is the label of the job the step targets. For submit, As names
	// the new job; for artifact, As names the new artifact.
	Job string `yaml:"job,omitempty"`
	As  string `yaml:"as,omitempty"`

	// Org overrides the organization. Defaults to orgA for submit and to
	// the job's organization otherwise.
	Org string `yaml:"org,omitempty"`

	// Agent is the producer of an artifact or the evaluator.
	Agent Agent `yaml:"agent,omitempty"`

	// Artifacts lists evaluated artifacts by label or literal id.
	Artifacts []string `yaml:"artifacts,omitempty"`
	Verdict   string   `yaml:"verdict,omitempty"`

	// RunToken is passed to stop as given.
	RunToken string `yaml:"run_token,omitempty"`

	// Duration is how far advance_clock moves the clock.
	Duration string `yaml:"duration,omitempty"`

	Set map[string]any `yaml:"set,omitempty"`

	Expect *Expect `yaml:"expect,omitempty"`
}

// Agent identifies an acting agent.
type Agent struct {
	AgentID string `yaml:"agent_id"`
	Role    string `yaml:"role"`
}

// Expect is what a step must produce. Error is a fault kind; State is the
// job's state after the step, whether or not it failed.
type Expect struct {
	State string `yaml:"state,omitempty"`
	Error string `yaml:"error,omitempty"`
}

// LoadScenario reads and parses a scenario YAML file.
// Returns an error if the file doesn't exist, is malformed,
// contains unknown fields (typos), or is missing required fields.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}
	return ParseScenario(data)
}

// ParseScenario parses scenario YAML.
func ParseScenario(data []byte) (*Scenario, error) {
	var scenario Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true) // Reject unknown fields
	if err := decoder.Decode(&scenario); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}
	if err := validateScenario(&scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	return &scenario, nil
}

// LoadDir loads every *.yaml and *.yml scenario in dir, sorted by file name.
func LoadDir(dir string) ([]*Scenario, error) {
	var paths []string
	for _, pattern := range []string{"*.yaml", "*.yml"} {
		matches, err := filepath.Glob(filepath.Join(dir, pattern))
		if err != nil {
			return nil, err
		}
		paths = append(paths, matches...)
	}
	sort.Strings(paths)
	if len(paths) == 0 {
		return nil, fmt.Errorf("no scenarios found in %s", dir)
	}

	scenarios := make([]*Scenario, 0, len(paths))
	names := make(map[string]string, len(paths))
	for _, p := range paths {
		s, err := LoadScenario(p)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", filepath.Base(p), err)
		}
		if prev, ok := names[s.Name]; ok {
			return nil, fmt.Errorf("%s: scenario name %q already used by %s", filepath.Base(p), s.Name, prev)
		}
		names[s.Name] = filepath.Base(p)
		scenarios = append(scenarios, s)
	}
	return scenarios, nil
}

// validateScenario checks that required fields are present and valid.
func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if s.Description == "" {
		return fmt.Errorf("description is required")
	}
	switch s.Mode {
	case "", ModeBuild, ModeExecute:
	default:
		return fmt.Errorf("mode must be %q or %q, got %q", ModeBuild, ModeExecute, s.Mode)
	}
	if len(s.Steps) == 0 {
		return fmt.Errorf("steps list is required and must be non-empty")
	}

	for i, step := range s.Steps {
		if err := validateStep(step); err != nil {
			return fmt.Errorf("steps[%d]: %w", i, err)
		}
	}
	for i, assertion := range s.Assertions {
		if err := validateAssertion(i, &assertion); err != nil {
			return err
		}
	}
	return nil
}

func validateStep(step Step) error {
	switch step.Op {
	case OpSubmit, OpRun, OpStop:
	case OpArtifact:
		if step.Agent.AgentID == "" || step.Agent.Role == "" {
			return fmt.Errorf("artifact requires agent.agent_id and agent.role")
		}
	case OpEvaluation:
		if step.Agent.AgentID == "" || step.Agent.Role == "" {
			return fmt.Errorf("evaluation requires agent.agent_id and agent.role")
		}
		if len(step.Artifacts) == 0 {
			return fmt.Errorf("evaluation requires at least one artifact")
		}
	case OpAdvanceClock:
		d, err := time.ParseDuration(step.Duration)
		if err != nil {
			return fmt.Errorf("advance_clock: %w", err)
		}
		if d <= 0 {
			return fmt.Errorf("advance_clock: duration must be positive")
		}
		if step.Expect != nil {
			return fmt.Errorf("advance_clock takes no expect clause")
		}
	case "":
		return fmt.Errorf("op is required")
	default:
		return fmt.Errorf("unknown op %q", step.Op)
	}
	if step.Op != OpAdvanceClock && step.Duration != "" {
		return fmt.Errorf("duration is only valid for advance_clock")
	}
	if step.Expect != nil && step.Expect.State == "" && step.Expect.Error == "" {
		return fmt.Errorf("expect needs a state or an error")
	}
	return nil
}
