package testutil

import (
	"time"

	"github.com/roach88/covenant/internal/canon"
)

// Fixture documents target the bundled registry: orgA (planner agentP,
// builder agentY, reviewers agentX) and orgB (planner agentP, builder
// agentY, reviewer agentZ, one active job, one start per minute).
//
// Every builder returns a fresh document in the generic JSON model, as the
// HTTP layer would decode it, so tests can edit it freely with Set.

// JobContract returns a contract for orgID that both bundled organizations
// accept: no skills, no MCP, no direct network, one report artifact.
func JobContract(orgID string, now time.Time) map[string]any {
	return doc(map[string]any{
		"api_version": "covenant/v1",
		"kind":        "JobContract",
		"metadata": map[string]any{
			"org_id": orgID,
			"title":  "Summarize findings",
		},
		"spec": map[string]any{
			"requested_by":       map[string]any{"agent_id": "agentP", "role": "planner"},
			"assignee":           map[string]any{"agent_id": "agentY", "role": "builder"},
			"required_artifacts": []any{map[string]any{"artifact_type": "report"}},
			"permissions": map[string]any{
				"skills":         map[string]any{"allowed_skill_ids": []any{}, "allowed_skill_categories": []any{}},
				"mcp":            map[string]any{"allowed": []any{}},
				"direct_network": map[string]any{"policy": "deny_all"},
			},
			"execution_limits": map[string]any{
				"max_iterations":      5,
				"max_runtime_seconds": 300,
				"cost_cap":            map[string]any{"currency": "USD", "max_cost": 5},
			},
			"timestamps": map[string]any{
				"created_at": now.Format(time.RFC3339),
				"expires_at": now.Add(24 * time.Hour).Format(time.RFC3339),
			},
		},
	})
}

// Artifact returns a report artifact for jobID produced by agentID.
func Artifact(jobID, orgID, agentID, role string, now time.Time) map[string]any {
	return doc(map[string]any{
		"api_version": "covenant/v1",
		"kind":        "Artifact",
		"metadata": map[string]any{
			"org_id":        orgID,
			"artifact_type": "report",
		},
		"spec": map[string]any{
			"job_ref":     map[string]any{"job_id": jobID},
			"produced_by": map[string]any{"agent_id": agentID, "role": role},
			"payload": map[string]any{
				"media_type": "text/markdown",
				"inline":     "# Findings",
			},
			"created_at": now.Format(time.RFC3339),
		},
	})
}

// Evaluation returns an evaluation of artifactIDs for jobID.
func Evaluation(jobID, orgID, agentID, role, verdict string, now time.Time, artifactIDs ...string) map[string]any {
	refs := make([]any, len(artifactIDs))
	for i, id := range artifactIDs {
		refs[i] = map[string]any{"artifact_id": id}
	}
	return doc(map[string]any{
		"api_version": "covenant/v1",
		"kind":        "Evaluation",
		"metadata":    map[string]any{"org_id": orgID},
		"spec": map[string]any{
			"job_ref":       map[string]any{"job_id": jobID},
			"artifact_refs": refs,
			"evaluator":     map[string]any{"agent_id": agentID, "role": role},
			"verdict":       verdict,
			"rationale":     "checked against the required artifacts",
			"created_at":    now.Format(time.RFC3339),
		},
	})
}

// Set replaces the value at path in place, creating objects along the way,
// and returns d for chaining. A nil value deletes the key.
func Set(d map[string]any, value any, path ...string) map[string]any {
	cur := d
	for _, key := range path[:len(path)-1] {
		next, ok := cur[key].(map[string]any)
		if !ok {
			next = map[string]any{}
			cur[key] = next
		}
		cur = next
	}
	last := path[len(path)-1]
	if value == nil {
		delete(cur, last)
		return d
	}
	if normalized, err := canon.Normalize(value); err == nil {
		value = normalized
	}
	cur[last] = value
	return d
}

func doc(m map[string]any) map[string]any {
	v, err := canon.Normalize(m)
	if err != nil {
		panic("testutil: fixture does not normalize: " + err.Error())
	}
	return v.(map[string]any)
}
