package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/roach88/agentsync/internal/engine"
	"github.com/roach88/agentsync/internal/ir"
	"github.com/roach88/agentsync/internal/service"
)

// DispatchOptions holds flags for the dispatch command.
type DispatchOptions struct {
	*RootOptions
	Snapshot      string // JSON object
	Compliance    string // JSON object
	Sensitive     bool
	Justification string
}

// NewDispatchCommand creates the dispatch command.
func NewDispatchCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &DispatchOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "dispatch <agent> <action>",
		Short: "Dispatch a trigger event to matching rules",
		Long: `Run every enabled rule whose trigger is (agent, action) and whose match
pattern is contained in the snapshot, highest priority first.

Each rule runs at most once per (action, snapshot): dispatching the same
event again reports the earlier executions as duplicates.

Exit codes:
  0 - Dispatch completed (including degraded dispatches)
  1 - One or more executions failed, or the event was rejected
  2 - Command error

Examples:
  agentsync dispatch qa gate_passed --snapshot '{"branch":"main","sha":"abc123"}'
  agentsync dispatch vault read --sensitive --justification "incident 42"`,
		Args:          cobra.ExactArgs(2),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return rootOpts.withSession(cmd, func(ctx context.Context, s *session) error {
				return runDispatch(ctx, opts, s, args[0], args[1], cmd)
			})
		},
	}

	cmd.Flags().StringVar(&opts.Snapshot, "snapshot", "", "event state snapshot as a JSON object")
	cmd.Flags().StringVar(&opts.Compliance, "compliance", "", "compliance context as a JSON object")
	cmd.Flags().BoolVar(&opts.Sensitive, "sensitive", false, "the event touches sensitive data")
	cmd.Flags().StringVar(&opts.Justification, "justification", "", "why sensitive data is accessed")

	return cmd
}

func runDispatch(ctx context.Context, opts *DispatchOptions, s *session, agent, action string, cmd *cobra.Command) error {
	f := opts.formatter(cmd)

	snapshot, err := parseObjectFlag("snapshot", opts.Snapshot)
	if err != nil {
		return f.Fail("invalid --snapshot", err)
	}
	compliance, err := parseObjectFlag("compliance", opts.Compliance)
	if err != nil {
		return f.Fail("invalid --compliance", err)
	}
	if snapshot == nil {
		snapshot = ir.IRObject{}
	}

	receipt, err := s.svc.Dispatch(ctx, engine.Event{
		AgentID:  agent,
		Action:   action,
		Snapshot: snapshot,
		Context: engine.DispatchContext{
			Sensitive:     opts.Sensitive,
			Justification: opts.Justification,
			Compliance:    compliance,
		},
	})
	if err != nil {
		return f.Fail("dispatch rejected", err)
	}

	warnDegraded(f, receipt.Degraded, receipt.ID, receipt.Reason)
	if f.JSON() {
		if err := f.Success(receipt); err != nil {
			return err
		}
	} else {
		printDispatch(cmd, receipt)
	}

	if failed := receipt.Result.Failed(); failed > 0 && !receipt.Degraded {
		return failf("%d execution(s) failed", failed)
	}
	return nil
}

func printDispatch(cmd *cobra.Command, receipt service.DispatchReceipt) {
	w := cmd.OutOrStdout()
	res := receipt.Result

	if receipt.Degraded && len(res.Outcomes) == 0 {
		fmt.Fprintf(w, "✗ %s/%s not dispatched (id %s)\n", res.TriggerAgent, res.TriggerAction, receipt.ID)
		return
	}
	fmt.Fprintf(w, "Dispatched %s/%s: %d rule(s) matched\n", res.TriggerAgent, res.TriggerAction, res.Matched)
	for _, o := range res.Outcomes {
		mark := "✓"
		if o.Status == ir.ExecutionFailed {
			mark = "✗"
		}
		line := fmt.Sprintf("%s %s %s", mark, o.RuleID, o.Status)
		if o.ExecutionID != "" {
			line += fmt.Sprintf(" (execution %s, order %d)", o.ExecutionID, o.Order)
		}
		if o.Duplicate {
			line += " [duplicate]"
		}
		fmt.Fprintln(w, line)
		if o.Error != "" {
			fmt.Fprintf(w, "  %s\n", o.Error)
		}
	}
}
