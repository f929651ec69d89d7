package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/roach88/agentsync/internal/ir"
	"github.com/roach88/agentsync/internal/registry"
	"github.com/roach88/agentsync/internal/service"
)

// RecordOptions holds flags for the record command.
type RecordOptions struct {
	*RootOptions
	Source   string
	Target   string
	AgentID  string
	Metadata string // JSON object
}

// NewRecordCommand creates the record command.
func NewRecordCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RecordOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "record <category> <pattern>",
		Short: "Record a manual synchronization",
		Long: `Record a one-shot synchronization for the current worktree.

The category and pattern must come from the closed sets:
  categories: workflow_transition, quality_gate, file_update, branch_sync, context_checkpoint
  patterns:   phase_completed, quality_gate_passed, quality_gate_failed, file_modified,
              worktree_created, worktree_removed, release_started, release_completed,
              checkpoint_saved

When the store cannot be reached the command still prints an id and warns
that nothing was recorded; "agentsync audit verify <id>" tells the two apart.

Examples:
  agentsync record quality_gate quality_gate_passed --source ci --target docs
  agentsync record file_update file_modified --metadata '{"path":"README.md"}'`,
		Args:          cobra.ExactArgs(2),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return rootOpts.withSession(cmd, func(ctx context.Context, s *session) error {
				return runRecord(ctx, opts, s, args[0], args[1], cmd)
			})
		},
	}

	cmd.Flags().StringVar(&opts.Source, "source", "", "source location")
	cmd.Flags().StringVar(&opts.Target, "target", "", "target location")
	cmd.Flags().StringVar(&opts.AgentID, "agent", "", "agent id (default actor id)")
	cmd.Flags().StringVar(&opts.Metadata, "metadata", "", "metadata as a JSON object")

	return cmd
}

func runRecord(ctx context.Context, opts *RecordOptions, s *session, category, pattern string, cmd *cobra.Command) error {
	f := opts.formatter(cmd)

	metadata, err := parseObjectFlag("metadata", opts.Metadata)
	if err != nil {
		return f.Fail("invalid --metadata", err)
	}

	receipt, err := s.svc.RecordSync(ctx, registry.SyncRequest{
		Category:       category,
		Pattern:        pattern,
		SourceLocation: opts.Source,
		TargetLocation: opts.Target,
		WorktreePath:   s.cfg.Worktree,
		AgentID:        opts.AgentID,
		Metadata:       metadata,
	})
	if err != nil {
		return f.Fail("failed to record synchronization", err)
	}

	warnDegraded(f, receipt.Degraded, receipt.ID, receipt.Reason)
	if f.JSON() {
		return f.Success(receipt)
	}
	printReceipt(cmd, receipt)
	return nil
}

func printReceipt(cmd *cobra.Command, receipt service.Receipt) {
	w := cmd.OutOrStdout()
	if receipt.Degraded {
		fmt.Fprintf(w, "✗ %s (not recorded)\n", receipt.ID)
		return
	}
	fmt.Fprintf(w, "✓ %s\n", receipt.ID)
	if receipt.Rule != nil {
		fmt.Fprintf(w, "  %s / %s [%s]\n", receipt.Rule.Category, receipt.Rule.Pattern, receipt.Rule.Status)
	}
}

// warnDegraded tells the user an id was handed out without being stored.
func warnDegraded(f *OutputFormatter, degraded bool, id, reason string) {
	if !degraded {
		return
	}
	f.Warn("store unavailable, %s was not recorded: %s", id, reason)
}

// parseObjectFlag parses a JSON object flag. An empty flag is a nil object.
func parseObjectFlag(name, raw string) (ir.IRObject, error) {
	if raw == "" {
		return nil, nil
	}
	obj, err := ir.ParseObject(raw)
	if err != nil {
		return nil, &ir.ValidationError{Field: name, Value: raw, Message: err.Error()}
	}
	return obj, nil
}
