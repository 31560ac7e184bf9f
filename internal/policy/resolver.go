package policy

import (
	"context"
	"errors"
	"slices"
	"time"

	"github.com/roach88/covenant/internal/contract"
	"github.com/roach88/covenant/internal/faults"
	"github.com/roach88/covenant/internal/registry"
)

// Registry supplies the current registry snapshot.
type Registry interface {
	Snapshot() *registry.Snapshot
}

// Resolver turns registry content into policy snapshots.
type Resolver struct {
	registry Registry
}

func NewResolver(r Registry) *Resolver {
	return &Resolver{registry: r}
}

// Ready reports whether a registry snapshot is available.
func (r *Resolver) Ready() error {
	if r.registry.Snapshot() == nil {
		return errors.New("registry snapshot not loaded")
	}
	return nil
}

// Resolve returns the policy of orgID as of asOf. Organizations that are not
// registered, or whose manifest takes effect after asOf, are NotFound.
// Resolution is deterministic for a given registry snapshot.
func (r *Resolver) Resolve(ctx context.Context, orgID string, asOf time.Time) (*Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	reg := r.registry.Snapshot()
	if reg == nil {
		return nil, faults.Internal("registry snapshot not loaded", nil)
	}
	org, ok := reg.Organization(orgID)
	if !ok {
		return nil, faults.NotFound("organization", orgID)
	}
	m := org.Manifest
	if eff := m.Metadata.EffectiveFrom; eff != nil && eff.After(asOf) {
		return nil, faults.NotFound("organization", orgID)
	}

	spec := m.Spec
	completion := spec.EvaluationPolicy.CompletionRoles
	if len(completion) == 0 {
		completion = spec.EvaluationPolicy.EvaluatorRoles
	}
	failTarget := contract.StateWaiting
	if spec.EvaluationPolicy.FailVerdictTransition == string(contract.StateRejected) {
		failTarget = contract.StateRejected
	}

	snap := &Snapshot{
		OrgID:             orgID,
		Revision:          org.Digest,
		RegistryRevision:  reg.Revision,
		ResolvedAt:        asOf,
		SubmitterRoles:    slices.Clone(spec.SubmissionPolicy.SubmitterRoles),
		EvaluatorRoles:    slices.Clone(spec.EvaluationPolicy.EvaluatorRoles),
		CompletionRoles:   slices.Clone(completion),
		FailVerdictTarget: failTarget,
		Members:           reg.Members(orgID),
		ArtifactTypes: ArtifactRules{
			Allowed: typeIDs(spec.ArtifactPolicy.AllowedTypes),
			Denied:  typeIDs(spec.ArtifactPolicy.DeniedTypes),
		},
		Skills: SkillRules{
			DefaultRule:     spec.SkillPolicy.DefaultRule,
			AllowIDs:        slices.Clone(spec.SkillPolicy.Allow.SkillIDs),
			AllowCategories: slices.Clone(spec.SkillPolicy.Allow.SkillCategories),
			DenyIDs:         slices.Clone(spec.SkillPolicy.Deny.SkillIDs),
			DenyCategories:  slices.Clone(spec.SkillPolicy.Deny.SkillCategories),
		},
		KnownSkills: reg.SkillCategories(),
		MCP:         cloneMCP(spec.ExternalAccess.MCP.Allowed),
		Network: NetworkRules{
			Policy: spec.ExternalAccess.DirectNetwork.Policy,
			Allow:  cloneNetwork(spec.ExternalAccess.DirectNetwork.Allowlist),
			Deny:   cloneNetwork(spec.ExternalAccess.DirectNetwork.Denylist),
		},
		Limits: OrgLimits{
			Currency:              spec.ExecutionLimits.CostCaps.Currency,
			MaxCostPerJob:         spec.ExecutionLimits.CostCaps.MaxCostPerJob,
			MaxJobRuntimeSeconds:  spec.ExecutionLimits.Timeouts.MaxJobRuntimeSeconds,
			MaxActiveJobs:         spec.ExecutionLimits.Concurrency.MaxActiveJobs,
			MaxJobStartsPerMinute: spec.ExecutionLimits.RateLimits.MaxJobStartsPerMinute,
		},
	}
	return snap, nil
}

func typeIDs(refs []registry.TypeRef) []string {
	out := make([]string, 0, len(refs))
	for _, r := range refs {
		out = append(out, r.TypeID)
	}
	return out
}

func cloneMCP(in []contract.MCPAccess) []contract.MCPAccess {
	out := make([]contract.MCPAccess, len(in))
	for i, m := range in {
		out[i] = contract.MCPAccess{MCPID: m.MCPID, Ref: m.Ref, AllowedScopes: slices.Clone(m.AllowedScopes)}
	}
	return out
}

func cloneNetwork(l contract.NetworkList) contract.NetworkList {
	return contract.NetworkList{
		Domains: slices.Clone(l.Domains),
		URLs:    slices.Clone(l.URLs),
		IPCIDRs: slices.Clone(l.IPCIDRs),
	}
}
