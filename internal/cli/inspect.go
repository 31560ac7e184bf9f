package cli

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/covenant/internal/contract"
	"github.com/roach88/covenant/internal/faults"
	"github.com/roach88/covenant/internal/store"
)

// InspectResult is a stored job with its history and audit verdict.
type InspectResult struct {
	JobID          string                `json:"job_id"`
	OrgID          string                `json:"org_id"`
	State          contract.State        `json:"state"`
	Version        int64                 `json:"version"`
	PolicyRevision string                `json:"policy_revision"`
	ContractDigest string                `json:"contract_digest"`
	History        []contract.AuditEvent `json:"history"`
	Audit          store.JobAudit        `json:"audit"`
}

// NewInspectCommand creates the inspect command.
func NewInspectCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "inspect <job_id>",
		Short: "Show a job's audit history and replay it",
		Long: `Read a job straight from the store, print its audit history and check
that replaying the history reaches the stored state.

Exit codes:
  0 - History is consistent
  1 - History is inconsistent or the job does not exist
  2 - Command error (database unreachable, etc.)

Examples:
  covenant inspect job_0190c2d4-... --db covenant.db
  covenant inspect job_0190c2d4-... --format json`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runInspect(cmd, rootOpts, args[0])
		},
	}
	return cmd
}

func runInspect(cmd *cobra.Command, opts *RootOptions, jobID string) error {
	cfg, err := loadConfig(opts)
	if err != nil {
		return err
	}
	st, err := openStore(cmd.Context(), cfg)
	if err != nil {
		return err
	}
	defer st.Close()
	out := newFormatter(opts, cmd.OutOrStdout(), cmd.ErrOrStderr())

	job, err := st.LoadJob(cmd.Context(), jobID)
	if errors.Is(err, store.ErrNotFound) {
		if oerr := out.Fault(faults.NotFound("job", jobID)); oerr != nil {
			return oerr
		}
		return NewExitError(ExitFailure, "job not found: "+jobID)
	}
	if err != nil {
		return WrapExitError(ExitCommandError, "load job", err)
	}
	history, err := st.History(cmd.Context(), jobID)
	if err != nil {
		return WrapExitError(ExitCommandError, "load history", err)
	}

	res := InspectResult{
		JobID:          job.JobID,
		OrgID:          job.OrgID,
		State:          job.State,
		Version:        job.Version,
		PolicyRevision: job.PolicyRevision,
		ContractDigest: job.ContractDigest,
		History:        history,
		Audit:          store.Audit(job, history),
	}
	if err := out.Success(res, describeJob(res)); err != nil {
		return err
	}
	if !res.Audit.Consistent {
		return NewExitError(ExitFailure, "inconsistent history: "+res.Audit.Problem)
	}
	return nil
}

func describeJob(r InspectResult) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Job %s (%s) state=%s version=%d\n", r.JobID, r.OrgID, r.State, r.Version)
	fmt.Fprintf(&b, "  policy revision: %s\n", r.PolicyRevision)
	fmt.Fprintf(&b, "  contract digest: %s\n", r.ContractDigest)
	fmt.Fprintf(&b, "History (%d events):\n", len(r.History))
	for _, ev := range r.History {
		transition := string(ev.ToState)
		if ev.FromState != "" {
			transition = fmt.Sprintf("%s -> %s", ev.FromState, ev.ToState)
		}
		fmt.Fprintf(&b, "  [%d] %s %-17s %-18s %s",
			ev.Seq, ev.CreatedAt.UTC().Format(time.RFC3339), ev.Operation, ev.Kind, transition)
		if ev.ErrorKind != "" {
			fmt.Fprintf(&b, " %s", ev.ErrorKind)
		}
		fmt.Fprintf(&b, ": %s\n", ev.Explanation)
	}
	if r.Audit.Consistent {
		fmt.Fprintf(&b, "✓ history replays to %s (%d rejection(s))\n", r.Audit.ReplayedState, r.Audit.Rejections)
	} else {
		fmt.Fprintf(&b, "✗ %s\n", r.Audit.Problem)
	}
	return b.String()
}
