package policy

import (
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/roach88/covenant/internal/contract"
	"github.com/roach88/covenant/internal/faults"
)

// violations accumulates policy failures so a caller sees all of them at once.
type violations []faults.Violation

func (v *violations) add(path, keyword, expected, actual, format string, args ...any) {
	*v = append(*v, faults.Violation{
		Path:     path,
		Keyword:  keyword,
		Expected: expected,
		Actual:   actual,
		Message:  fmt.Sprintf(format, args...),
	})
}

func (v violations) err(message string) error {
	if len(v) == 0 {
		return nil
	}
	return faults.PolicyViolation(message, v...)
}

// CheckSubmission enforces organization policy and global limits on a job
// contract and returns the permission boundary to attach to the job.
func CheckSubmission(c contract.JobContract, snap *Snapshot, limits Limits, now time.Time) (contract.Boundary, error) {
	if snap == nil {
		return contract.Boundary{}, faults.PolicyViolation("no policy snapshot for submission")
	}
	var v violations
	spec := c.Spec

	checkRoles(&v, spec, snap)
	if spec.PolicyRef != "" && spec.PolicyRef != snap.Revision {
		v.add("/spec/policy_ref", "policy_ref", snap.Revision, spec.PolicyRef,
			"declared policy reference does not match the organization's current revision")
	}
	checkTimestamps(&v, spec.Timestamps, limits, now)
	checkGlobalLimits(&v, spec.ExecutionLimits, limits)
	checkRequiredArtifacts(&v, spec.RequiredArtifacts, snap)
	checkSkills(&v, spec.Permissions.Skills, snap)
	checkMCP(&v, spec.Permissions.MCP.Allowed, snap)
	checkNetwork(&v, spec.Permissions.DirectNetwork, snap)
	checkOrgLimits(&v, spec.ExecutionLimits, snap)

	if err := v.err("job contract violates organization policy"); err != nil {
		return contract.Boundary{}, err
	}
	return boundaryOf(c, snap), nil
}

func checkRoles(v *violations, spec contract.JobSpec, snap *Snapshot) {
	req := spec.RequestedBy
	if !snap.CanSubmit(req.Role) {
		v.add("/spec/requested_by/role", "submitter_role", joinOr(snap.SubmitterRoles), req.Role,
			"role %s may not submit jobs for organization %s", req.Role, snap.OrgID)
	}
	if req.AgentID != "" {
		checkMembership(v, "/spec/requested_by/agent_id", req, snap)
	}
	if !snap.HasRole(spec.Assignee.Role) {
		v.add("/spec/assignee/role", "assignee_role", "an organization role", spec.Assignee.Role,
			"no member of organization %s holds role %s", snap.OrgID, spec.Assignee.Role)
	}
	if spec.Assignee.AgentID != "" {
		checkMembership(v, "/spec/assignee/agent_id", spec.Assignee, snap)
	}
}

func checkMembership(v *violations, path string, ref contract.AgentRef, snap *Snapshot) {
	role, ok := snap.MemberRole(ref.AgentID)
	switch {
	case !ok:
		v.add(path, "membership", "member of "+snap.OrgID, ref.AgentID,
			"agent %s is not a member of organization %s", ref.AgentID, snap.OrgID)
	case role != ref.Role:
		v.add(path, "membership", role, ref.Role,
			"agent %s holds role %s, not %s", ref.AgentID, role, ref.Role)
	}
}

func checkTimestamps(v *violations, ts contract.Timestamps, limits Limits, now time.Time) {
	const path = "/spec/timestamps/expires_at"
	if !ts.ExpiresAt.After(ts.CreatedAt) {
		v.add(path, "timestamps", "after created_at", ts.ExpiresAt.Format(time.RFC3339),
			"expires_at must be after created_at")
		return
	}
	if !ts.ExpiresAt.After(now) {
		v.add(path, "timestamps", "in the future", ts.ExpiresAt.Format(time.RFC3339),
			"job contract is already expired")
	}
	if ts.ExpiresAt.Sub(ts.CreatedAt) > limits.MaxExpiresIn {
		v.add(path, "global_limit", "<= "+limits.MaxExpiresIn.String()+" after created_at",
			ts.ExpiresAt.Sub(ts.CreatedAt).String(), "expiry exceeds the global upper bound of %s", limits.MaxExpiresIn)
	}
}

func checkGlobalLimits(v *violations, el contract.ExecutionLimits, limits Limits) {
	if el.MaxIterations > limits.MaxIterations {
		v.add("/spec/execution_limits/max_iterations", "global_limit", fmt.Sprintf("<= %d", limits.MaxIterations),
			fmt.Sprint(el.MaxIterations), "max_iterations exceeds the global upper bound (%d)", limits.MaxIterations)
	}
	if el.MaxRuntimeSeconds > limits.MaxRuntimeSeconds {
		v.add("/spec/execution_limits/max_runtime_seconds", "global_limit", fmt.Sprintf("<= %d", limits.MaxRuntimeSeconds),
			fmt.Sprint(el.MaxRuntimeSeconds), "max_runtime_seconds exceeds the global upper bound (%d)", limits.MaxRuntimeSeconds)
	}
	if el.CostCap.Currency != limits.Currency {
		v.add("/spec/execution_limits/cost_cap/currency", "global_limit", limits.Currency, el.CostCap.Currency,
			"cost cap currency must be %s", limits.Currency)
	}
	if el.CostCap.MaxCost > limits.MaxCost {
		v.add("/spec/execution_limits/cost_cap/max_cost", "global_limit", fmt.Sprintf("<= %g", limits.MaxCost),
			fmt.Sprintf("%g", el.CostCap.MaxCost), "max_cost exceeds the global upper bound (%g)", limits.MaxCost)
	}
}

func checkRequiredArtifacts(v *violations, required []contract.RequiredArtifact, snap *Snapshot) {
	for i, ra := range required {
		path := fmt.Sprintf("/spec/required_artifacts/%d/artifact_type", i)
		checkArtifactType(v, path, ra.ArtifactType, snap)
	}
}

func checkArtifactType(v *violations, path, artifactType string, snap *Snapshot) {
	switch {
	case slices.Contains(snap.ArtifactTypes.Denied, artifactType):
		v.add(path, "artifact_policy", "not denied", artifactType,
			"artifact type %s is explicitly denied by organization policy", artifactType)
	case !slices.Contains(snap.ArtifactTypes.Allowed, artifactType):
		v.add(path, "artifact_policy", joinOr(snap.ArtifactTypes.Allowed), artifactType,
			"artifact type %s is not allowed by organization policy", artifactType)
	}
}

func checkSkills(v *violations, grant contract.SkillGrant, snap *Snapshot) {
	rules := snap.Skills
	defaultAllow := rules.DefaultRule == "allow"
	for i, id := range grant.AllowedSkillIDs {
		path := fmt.Sprintf("/spec/permissions/skills/allowed_skill_ids/%d", i)
		category, known := snap.KnownSkills[id]
		switch {
		case !known:
			v.add(path, "skill_policy", "registered skill", id, "skill %s is not registered", id)
		case slices.Contains(rules.DenyIDs, id):
			v.add(path, "skill_policy", "not denied", id, "skill %s is denied by organization policy", id)
		case slices.Contains(rules.DenyCategories, category):
			v.add(path, "skill_policy", "not denied", id,
				"skill %s belongs to denied category %s", id, category)
		case slices.Contains(rules.AllowIDs, id), defaultAllow:
		default:
			v.add(path, "skill_policy", "allowed skill", id, "skill %s is not allowed by organization policy", id)
		}
	}
	for i, cat := range grant.AllowedSkillCategories {
		path := fmt.Sprintf("/spec/permissions/skills/allowed_skill_categories/%d", i)
		switch {
		case slices.Contains(rules.DenyCategories, cat):
			v.add(path, "skill_policy", "not denied", cat, "skill category %s is denied by organization policy", cat)
		case slices.Contains(rules.AllowCategories, cat), defaultAllow:
		default:
			v.add(path, "skill_policy", "allowed category", cat,
				"skill category %s is not allowed by organization policy", cat)
		}
	}
}

func checkMCP(v *violations, requested []contract.MCPAccess, snap *Snapshot) {
	for i, m := range requested {
		path := fmt.Sprintf("/spec/permissions/mcp/allowed/%d", i)
		idx := slices.IndexFunc(snap.MCP, func(o contract.MCPAccess) bool { return o.MCPID == m.MCPID })
		if idx < 0 {
			v.add(path+"/mcp_id", "mcp_policy", "organization MCP", m.MCPID,
				"MCP %s is not allowed by organization policy", m.MCPID)
			continue
		}
		org := snap.MCP[idx]
		if m.Ref != org.Ref {
			v.add(path+"/ref", "mcp_policy", org.Ref, m.Ref, "MCP %s ref does not match the registry", m.MCPID)
		}
		if len(org.AllowedScopes) == 0 {
			continue
		}
		if len(m.AllowedScopes) == 0 {
			v.add(path+"/allowed_scopes", "mcp_policy", "declared scopes", "none",
				"MCP %s requires scoped access", m.MCPID)
			continue
		}
		for _, scope := range m.AllowedScopes {
			if !slices.Contains(org.AllowedScopes, scope) {
				v.add(path+"/allowed_scopes", "mcp_policy", joinOr(org.AllowedScopes), scope,
					"scope %s exceeds the organization's scopes for MCP %s", scope, m.MCPID)
			}
		}
	}
}

func checkNetwork(v *violations, req contract.NetworkGrant, snap *Snapshot) {
	const path = "/spec/permissions/direct_network"
	org := snap.Network
	if org.Policy == contract.NetworkDenyAll {
		if req.Policy != contract.NetworkDenyAll {
			v.add(path+"/policy", "network_policy", contract.NetworkDenyAll, req.Policy,
				"organization denies all direct network access")
		}
		return
	}
	if req.Policy != contract.NetworkAllowlist {
		return
	}
	subset := func(label string, requested, allowed, denied []string) {
		for _, entry := range requested {
			switch {
			case slices.Contains(denied, entry):
				v.add(path+"/allowlist/"+label, "network_policy", "not denied", entry,
					"%s entry %s is denied by organization policy", label, entry)
			case !slices.Contains(allowed, entry):
				v.add(path+"/allowlist/"+label, "network_policy", "organization allowlist", entry,
					"%s entry %s exceeds the organization allowlist", label, entry)
			}
		}
	}
	subset("domains", req.Allowlist.Domains, org.Allow.Domains, org.Deny.Domains)
	subset("urls", req.Allowlist.URLs, org.Allow.URLs, org.Deny.URLs)
	subset("ip_cidrs", req.Allowlist.IPCIDRs, org.Allow.IPCIDRs, org.Deny.IPCIDRs)
}

func checkOrgLimits(v *violations, el contract.ExecutionLimits, snap *Snapshot) {
	lim := snap.Limits
	if el.CostCap.Currency != lim.Currency {
		v.add("/spec/execution_limits/cost_cap/currency", "org_limit", lim.Currency, el.CostCap.Currency,
			"cost cap currency must match organization currency %s", lim.Currency)
	}
	if el.CostCap.MaxCost > lim.MaxCostPerJob {
		v.add("/spec/execution_limits/cost_cap/max_cost", "org_limit", fmt.Sprintf("<= %g", lim.MaxCostPerJob),
			fmt.Sprintf("%g", el.CostCap.MaxCost), "max_cost exceeds the organization limit per job")
	}
	if el.MaxRuntimeSeconds > lim.MaxJobRuntimeSeconds {
		v.add("/spec/execution_limits/max_runtime_seconds", "org_limit", fmt.Sprintf("<= %d", lim.MaxJobRuntimeSeconds),
			fmt.Sprint(el.MaxRuntimeSeconds), "max_runtime_seconds exceeds the organization limit")
	}
}

func boundaryOf(c contract.JobContract, snap *Snapshot) contract.Boundary {
	perms := c.Spec.Permissions
	network := contract.NetworkGrant{Policy: perms.DirectNetwork.Policy}
	if network.Policy == contract.NetworkAllowlist {
		network.Allowlist = perms.DirectNetwork.Allowlist
	}
	return contract.Boundary{
		PolicyRevision: snap.Revision,
		Skills: contract.SkillGrant{
			AllowedSkillIDs:        orEmpty(perms.Skills.AllowedSkillIDs),
			AllowedSkillCategories: orEmpty(perms.Skills.AllowedSkillCategories),
		},
		MCP:               append([]contract.MCPAccess{}, perms.MCP.Allowed...),
		DirectNetwork:     network,
		MaxIterations:     c.Spec.ExecutionLimits.MaxIterations,
		MaxRuntimeSeconds: c.Spec.ExecutionLimits.MaxRuntimeSeconds,
		CostCap:           c.Spec.ExecutionLimits.CostCap,
		ExpiresAt:         c.Spec.Timestamps.ExpiresAt,
	}
}

// CheckArtifact enforces organization policy on an artifact for job.
func CheckArtifact(a contract.Artifact, job contract.Job, snap *Snapshot) error {
	var v violations
	if a.Metadata.OrgID != job.OrgID {
		v.add("/metadata/org_id", "organization", job.OrgID, a.Metadata.OrgID,
			"artifact organization does not match job organization")
	}
	checkArtifactType(&v, "/metadata/artifact_type", a.Metadata.ArtifactType, snap)
	checkMembership(&v, "/spec/produced_by/agent_id", a.Spec.ProducedBy, snap)
	return v.err("artifact violates organization policy")
}

// CheckEvaluator enforces organization membership of the evaluator. Role
// permission is decided by the state machine, after the self-evaluation
// check.
func CheckEvaluator(e contract.Evaluation, job contract.Job, snap *Snapshot) error {
	var v violations
	if e.Metadata.OrgID != job.OrgID {
		v.add("/metadata/org_id", "organization", job.OrgID, e.Metadata.OrgID,
			"evaluation organization does not match job organization")
	}
	checkMembership(&v, "/spec/evaluator/agent_id", e.Spec.Evaluator, snap)
	return v.err("evaluation violates organization policy")
}

// CheckRun enforces the organization's concurrency and start-rate limits.
// active counts the organization's running or waiting jobs; recentStarts
// counts run starts within the last minute.
func CheckRun(job contract.Job, snap *Snapshot, active, recentStarts int) error {
	lim := snap.Limits
	switch {
	case lim.MaxActiveJobs <= 0:
		return faults.PolicyViolation(fmt.Sprintf("organization %s execution is disabled (max_active_jobs=%d)", snap.OrgID, lim.MaxActiveJobs))
	case job.State == contract.StateSubmitted && active >= lim.MaxActiveJobs,
		job.State.Active() && active > lim.MaxActiveJobs:
		return faults.PolicyViolation(fmt.Sprintf("organization %s max_active_jobs limit (%d) reached", snap.OrgID, lim.MaxActiveJobs))
	case lim.MaxJobStartsPerMinute <= 0:
		return faults.PolicyViolation(fmt.Sprintf("organization %s job starts are disabled (max_job_starts_per_minute=%d)", snap.OrgID, lim.MaxJobStartsPerMinute))
	case recentStarts >= lim.MaxJobStartsPerMinute:
		return faults.PolicyViolation(fmt.Sprintf("organization %s rate limit exceeded (max_job_starts_per_minute=%d)", snap.OrgID, lim.MaxJobStartsPerMinute))
	}
	return nil
}

func joinOr(items []string) string {
	if len(items) == 0 {
		return "(none)"
	}
	return strings.Join(items, "|")
}

func orEmpty(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
