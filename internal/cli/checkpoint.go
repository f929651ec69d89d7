package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/agentsync/internal/checkpoint"
	"github.com/roach88/agentsync/internal/ir"
)

// NewCheckpointCommand creates the checkpoint command group.
func NewCheckpointCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "checkpoint",
		Short: "Save and restore agent context",
	}

	cmd.AddCommand(newCheckpointSaveCommand(rootOpts))
	cmd.AddCommand(newCheckpointListCommand(rootOpts))
	cmd.AddCommand(newCheckpointRestoreCommand(rootOpts))

	return cmd
}

// CheckpointSaveOptions holds flags for "checkpoint save".
type CheckpointSaveOptions struct {
	*RootOptions
	Context string // JSON object
}

func newCheckpointSaveCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &CheckpointSaveOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "save <label>",
		Short: "Save context for the current worktree",
		Long: `Save a labeled context object for the current worktree.

Examples:
  agentsync checkpoint save before-refactor --context '{"branch":"feat/x","todo":["tests"]}'`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return rootOpts.withSession(cmd, func(ctx context.Context, s *session) error {
				f := opts.formatter(cmd)
				saved, err := parseObjectFlag("context", opts.Context)
				if err != nil {
					return f.Fail("invalid --context", err)
				}
				if saved == nil {
					saved = ir.IRObject{}
				}
				cp, err := s.svc.StoreCheckpoint(ctx, s.cfg.Worktree, args[0], saved)
				if err != nil {
					return f.Fail("failed to save checkpoint", err)
				}
				if f.JSON() {
					return f.Success(cp)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "✓ Saved checkpoint %s (%s)\n", cp.ID, cp.Label)
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&opts.Context, "context", "", "context to save, as a JSON object")
	return cmd
}

func newCheckpointListCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "list [worktree-path]",
		Short:         "List checkpoints, newest first",
		Args:          cobra.MaximumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return rootOpts.withSession(cmd, func(ctx context.Context, s *session) error {
				f := rootOpts.formatter(cmd)
				var explicit string
				if len(args) == 1 {
					explicit = args[0]
				}
				cps, err := s.svc.ListCheckpoints(ctx, s.worktreeArg(explicit))
				if err != nil {
					return f.Fail("failed to list checkpoints", err)
				}
				if f.JSON() {
					if cps == nil {
						cps = []checkpoint.Checkpoint{}
					}
					return f.Success(cps)
				}

				w := cmd.OutOrStdout()
				if len(cps) == 0 {
					fmt.Fprintln(w, "No checkpoints found.")
					return nil
				}
				for _, cp := range cps {
					line := fmt.Sprintf("%s  %s  %s", cp.ID, cp.SavedAt.UTC().Format(time.RFC3339), cp.Label)
					if cp.RestoredAt != nil {
						line += fmt.Sprintf("  (restored %s)", cp.RestoredAt.UTC().Format(time.RFC3339))
					}
					fmt.Fprintln(w, line)
				}
				return nil
			})
		},
	}
}

func newCheckpointRestoreCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "restore <checkpoint-id>",
		Short:         "Print a saved context and record the restore",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return rootOpts.withSession(cmd, func(ctx context.Context, s *session) error {
				f := rootOpts.formatter(cmd)
				cp, err := s.svc.RestoreCheckpoint(ctx, args[0])
				if err != nil {
					return f.Fail("failed to restore checkpoint", err)
				}
				if f.JSON() {
					return f.Success(cp)
				}
				data, err := ir.MarshalCanonical(cp.Context)
				if err != nil {
					return f.Fail("failed to render context", err)
				}
				w := cmd.OutOrStdout()
				fmt.Fprintf(w, "✓ Restored %s (%s) saved %s\n", cp.ID, cp.Label, cp.SavedAt.UTC().Format(time.RFC3339))
				fmt.Fprintln(w, string(data))
				return nil
			})
		},
	}
}
