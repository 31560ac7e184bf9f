package registry

import (
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/roach88/covenant/internal/canon"
	"github.com/roach88/covenant/internal/contract"
)

// Validator is the schema check applied to every registry document.
type Validator interface {
	Validate(doc any, name, version string) error
}

// DocumentError reports a registry document that failed to load or a
// cross-reference that could not be satisfied.
type DocumentError struct {
	Origin  string
	Message string
	Err     error
}

func (e *DocumentError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Origin, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Origin, e.Message)
}

func (e *DocumentError) Unwrap() error { return e.Err }

// Build validates documents, checks cross-references and returns an
// immutable snapshot. Every problem found is reported; a registry with any
// error does not load.
func Build(docs []Document, v Validator, source string, now time.Time) (*Snapshot, error) {
	b := &builder{
		snap: &Snapshot{
			Source:   source,
			LoadedAt: now,
			orgs:     map[string]*Organization{},
			agents:   map[string]*Agent{},
			skills:   map[string][]*Skill{},
		},
		validator: v,
	}
	for _, d := range docs {
		b.add(d)
	}
	b.crossCheck()
	if len(b.errs) > 0 {
		return nil, errors.Join(b.errs...)
	}
	for _, versions := range b.snap.skills {
		slices.SortFunc(versions, func(a, c *Skill) int {
			return compareSemver(a.Contract.Metadata.Version, c.Contract.Metadata.Version)
		})
	}
	b.snap.Revision = b.revision()
	return b.snap, nil
}

type builder struct {
	snap      *Snapshot
	validator Validator
	errs      []error
	entries   []any
}

func (b *builder) fail(origin, format string, args ...any) {
	b.errs = append(b.errs, &DocumentError{Origin: origin, Message: fmt.Sprintf(format, args...)})
}

func (b *builder) add(d Document) {
	apiVersion, kind := contract.Header(d.Body)
	switch kind {
	case contract.KindOrganizationManifest, contract.KindAgentDefinition, contract.KindSkillContract:
	default:
		b.fail(d.Origin, "unrecognized registry document kind %q", kind)
		return
	}
	if err := b.validator.Validate(d.Body, kind, contract.SchemaVersion(apiVersion)); err != nil {
		b.errs = append(b.errs, &DocumentError{Origin: d.Origin, Message: "invalid " + kind, Err: err})
		return
	}
	data, digest, err := contract.Canonicalize(canon.DomainManifest, d.Body)
	if err != nil {
		b.errs = append(b.errs, &DocumentError{Origin: d.Origin, Message: "canonicalize", Err: err})
		return
	}
	b.entries = append(b.entries, kind+":"+digest)

	switch kind {
	case contract.KindOrganizationManifest:
		m, err := contract.Decode[OrganizationManifest](data)
		if err != nil {
			b.errs = append(b.errs, &DocumentError{Origin: d.Origin, Message: "decode", Err: err})
			return
		}
		id := m.Metadata.OrgID
		if prev, dup := b.snap.orgs[id]; dup {
			b.fail(d.Origin, "duplicate organization %s (also in %s)", id, prev.Origin)
			return
		}
		b.snap.orgs[id] = &Organization{Manifest: m, Digest: digest, Origin: d.Origin}
	case contract.KindAgentDefinition:
		a, err := contract.Decode[AgentDefinition](data)
		if err != nil {
			b.errs = append(b.errs, &DocumentError{Origin: d.Origin, Message: "decode", Err: err})
			return
		}
		id := a.Metadata.AgentID
		if prev, dup := b.snap.agents[id]; dup {
			b.fail(d.Origin, "duplicate agent %s (also in %s)", id, prev.Origin)
			return
		}
		b.snap.agents[id] = &Agent{Definition: a, Digest: digest, Origin: d.Origin}
	case contract.KindSkillContract:
		s, err := contract.Decode[SkillContract](data)
		if err != nil {
			b.errs = append(b.errs, &DocumentError{Origin: d.Origin, Message: "decode", Err: err})
			return
		}
		id, version := s.Metadata.SkillID, s.Metadata.Version
		for _, prev := range b.snap.skills[id] {
			if prev.Contract.Metadata.Version == version {
				b.fail(d.Origin, "duplicate skill %s@%s (also in %s)", id, version, prev.Origin)
				return
			}
		}
		b.snap.skills[id] = append(b.snap.skills[id], &Skill{Contract: s, Digest: digest, Origin: d.Origin})
	}
}

// crossCheck enforces references between documents: organizations may only
// include registered agents under their declared role and with the agent's
// consent, and agents may only list registered skills.
func (b *builder) crossCheck() {
	for _, orgID := range b.snap.OrganizationIDs() {
		org := b.snap.orgs[orgID]
		for _, binding := range org.Manifest.Spec.AgentRoles {
			agent, ok := b.snap.agents[binding.AgentID]
			if !ok {
				b.fail(org.Origin, "organization %s references unknown agent %s", orgID, binding.AgentID)
				continue
			}
			def := agent.Definition
			if def.Metadata.Role != binding.RoleID {
				b.fail(org.Origin, "organization %s binds agent %s as %s but the agent's role is %s",
					orgID, binding.AgentID, binding.RoleID, def.Metadata.Role)
			}
			inclusion := def.Spec.OrgInclusion
			if inclusion.Mode == "allowlist" && !slices.Contains(inclusion.AllowOrgIDs, orgID) {
				b.fail(org.Origin, "agent %s does not allow inclusion by organization %s", binding.AgentID, orgID)
			}
		}
	}
	agentIDs := make([]string, 0, len(b.snap.agents))
	for id := range b.snap.agents {
		agentIDs = append(agentIDs, id)
	}
	slices.Sort(agentIDs)
	for _, id := range agentIDs {
		agent := b.snap.agents[id]
		for _, skillID := range agent.Definition.Spec.Skills {
			if _, ok := b.snap.skills[skillID]; !ok {
				b.fail(agent.Origin, "agent %s references unknown skill %s", id, skillID)
			}
		}
	}
}

// revision digests the sorted set of document digests, so it depends only
// on registry content and not on file layout or load order.
func (b *builder) revision() string {
	slices.SortFunc(b.entries, func(x, y any) int { return strings.Compare(x.(string), y.(string)) })
	rev, err := canon.Digest(canon.DomainRegistry, b.entries)
	if err != nil {
		// entries are plain strings; canonical encoding cannot fail
		panic(err)
	}
	return rev
}

func compareSemver(a, b string) int {
	pa, pb := strings.Split(a, "."), strings.Split(b, ".")
	for i := 0; i < len(pa) && i < len(pb); i++ {
		x, errX := strconv.Atoi(pa[i])
		y, errY := strconv.Atoi(pb[i])
		if errX != nil || errY != nil {
			if c := strings.Compare(pa[i], pb[i]); c != 0 {
				return c
			}
			continue
		}
		if x != y {
			if x < y {
				return -1
			}
			return 1
		}
	}
	return len(pa) - len(pb)
}
