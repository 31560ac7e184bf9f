package cli

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/covenant/internal/registry"
)

// RegistrySummary describes a loaded registry snapshot.
type RegistrySummary struct {
	Source        string   `json:"source"`
	Revision      string   `json:"registry_revision"`
	Organizations []string `json:"organizations"`
	Agents        int      `json:"agents"`
	Skills        int      `json:"skills"`
}

// NewRegistryCommand creates the registry command group.
func NewRegistryCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "registry",
		Short: "Inspect the organization, agent and skill registry",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "check",
		Short: "Load and cross-check the registry",
		Long: `Load every document of the registry, validate it against its schema and
cross-check references between organizations, agents and skills.

Without --registry-dir (or registry.dir in covenant.yaml) the bundled
registry is checked. A configured directory that does not exist is an
error here, although serve falls back to the bundled registry.

Examples:
  covenant registry check --registry-dir ./registry`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRegistryCheck(cmd, rootOpts)
		},
	})
	return cmd
}

func runRegistryCheck(cmd *cobra.Command, opts *RootOptions) error {
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
	out := newFormatter(opts, cmd.OutOrStdout(), cmd.ErrOrStderr())

	var src registry.Source = registry.BundledSource{}
	if dir := cfg.Registry.Dir; dir != "" {
		info, err := os.Stat(dir)
		if err != nil {
			return WrapExitError(ExitCommandError, "registry directory", err)
		}
		if !info.IsDir() {
			return NewExitError(ExitCommandError, dir+" is not a directory")
		}
		src = registry.DirSource{Dir: dir}
	}

	reg, err := registry.New(cmd.Context(), src, v, registry.WithLogger(logger))
	if err != nil {
		if oerr := out.Error("REGISTRY_INVALID", err.Error(), nil); oerr != nil {
			return oerr
		}
		return WrapExitError(ExitFailure, "registry check failed", err)
	}

	snap := reg.Snapshot()
	orgs, agents, skills := snap.Counts()
	summary := RegistrySummary{
		Source:        snap.Source,
		Revision:      snap.Revision,
		Organizations: snap.OrganizationIDs(),
		Agents:        agents,
		Skills:        skills,
	}
	text := fmt.Sprintf("✓ registry %s\n  revision: %s\n  organizations (%d): %s\n  agents: %d\n  skill versions: %d\n",
		summary.Source, summary.Revision, orgs, strings.Join(summary.Organizations, ", "), agents, skills)
	return out.Success(summary, text)
}
