package cli

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/covenant/internal/policy"
)

// NewPolicyCommand creates the policy command.
func NewPolicyCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "policy <org_id>",
		Short: "Show an organization's resolved policy",
		Long: `Resolve the policy snapshot the engine would apply to jobs of an
organization, from the live registry directory or the bundled registry.

Examples:
  covenant policy orgA
  covenant policy orgB --registry-dir ./registry --format json`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPolicy(cmd, rootOpts, args[0])
		},
	}
	return cmd
}

func runPolicy(cmd *cobra.Command, opts *RootOptions, orgID string) error {
	cfg, err := loadConfig(opts)
	if err != nil {
		return err
	}
	logger, err := newLogger(cfg, cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	v, err := loadValidator(cfg)
	if err != nil {
		return err
	}
	reg, err := loadRegistry(cmd.Context(), cfg, v, logger)
	if err != nil {
		return err
	}
	out := newFormatter(opts, cmd.OutOrStdout(), cmd.ErrOrStderr())

	snap, err := policy.NewResolver(reg).Resolve(cmd.Context(), orgID, time.Now().UTC())
	if err != nil {
		if ferr := out.Fault(err); ferr != nil {
			return ferr
		}
		return WrapExitError(ExitFailure, "resolve policy for "+orgID, err)
	}
	return out.Success(snap, describeSnapshot(snap))
}

func describeSnapshot(s *policy.Snapshot) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Organization %s (revision %s)\n", s.OrgID, s.Revision)
	fmt.Fprintf(&b, "  registry revision: %s\n", s.RegistryRevision)

	agents := make([]string, 0, len(s.Members))
	for id := range s.Members {
		agents = append(agents, id)
	}
	sort.Strings(agents)
	fmt.Fprintf(&b, "  members:\n")
	for _, id := range agents {
		fmt.Fprintf(&b, "    %s: %s\n", id, s.Members[id])
	}
	fmt.Fprintf(&b, "  submitters: %s\n", list(s.SubmitterRoles))
	fmt.Fprintf(&b, "  evaluators: %s\n", list(s.EvaluatorRoles))
	fmt.Fprintf(&b, "  completers: %s\n", list(s.CompletionRoles))
	fmt.Fprintf(&b, "  fail verdict: %s\n", s.FailVerdictTarget)
	fmt.Fprintf(&b, "  artifact types: allow %s, deny %s\n", list(s.ArtifactTypes.Allowed), list(s.ArtifactTypes.Denied))
	fmt.Fprintf(&b, "  skills: default %s\n", s.Skills.DefaultRule)
	fmt.Fprintf(&b, "  network: %s\n", s.Network.Policy)
	fmt.Fprintf(&b, "  limits: cost %g %s, runtime %ds, max_active_jobs=%d, max_job_starts_per_minute=%d\n",
		s.Limits.MaxCostPerJob, s.Limits.Currency, s.Limits.MaxJobRuntimeSeconds,
		s.Limits.MaxActiveJobs, s.Limits.MaxJobStartsPerMinute)
	return b.String()
}

func list(items []string) string {
	if len(items) == 0 {
		return "(none)"
	}
	return strings.Join(items, ", ")
}
