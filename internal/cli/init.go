package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/roach88/agentsync/internal/config"
)

// InitResult describes the prepared state directory.
type InitResult struct {
	Worktree     string `json:"worktree"`
	MainCheckout string `json:"main_checkout"`
	StorePath    string `json:"store_path"`
	Linked       bool   `json:"linked"`
}

// NewInitCommand creates the init command.
func NewInitCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Prepare the shared store for this worktree",
		Long: `Create .agentsync/ in the main checkout, link it from the current
worktree when that is a linked worktree, and create the store schema.

Running init again is harmless.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return rootOpts.withSession(cmd, func(ctx context.Context, s *session) error {
				return runInit(rootOpts, s, cmd)
			})
		},
	}
}

func runInit(opts *RootOptions, s *session, cmd *cobra.Command) error {
	f := opts.formatter(cmd)

	if err := config.EnsureWorktreeLink(s.cfg.Worktree, s.cfg.MainCheckout); err != nil {
		return f.Fail("failed to link state directory", err)
	}
	f.VerboseLog("State directory: %s", s.cfg.StateDir())

	if _, err := s.svc.Store(); err != nil {
		return f.Fail("failed to open store", err)
	}

	result := InitResult{
		Worktree:     s.cfg.Worktree,
		MainCheckout: s.cfg.MainCheckout,
		StorePath:    s.svc.Path(),
		Linked:       s.cfg.IsLinkedWorktree(),
	}
	if f.JSON() {
		return f.Success(result)
	}

	w := cmd.OutOrStdout()
	fmt.Fprintf(w, "✓ Store ready at %s\n", result.StorePath)
	if result.Linked {
		fmt.Fprintf(w, "  Linked %s/%s to the main checkout\n", result.Worktree, config.DirName)
	}
	return nil
}
