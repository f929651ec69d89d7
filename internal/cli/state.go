package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/agentsync/internal/ir"
	"github.com/roach88/agentsync/internal/phase"
)

// NewStateCommand creates the state command.
func NewStateCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "state [worktree-path]",
		Short: "Show the workflow phase of a worktree and what to run next",
		Long: `Show the last recorded workflow phase of a worktree and the command for
the next phase. Defaults to the current worktree.

This command always succeeds: when the store cannot be read it reports
the starting state of the default track.`,
		Args:          cobra.MaximumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return rootOpts.withSession(cmd, func(ctx context.Context, s *session) error {
				var explicit string
				if len(args) == 1 {
					explicit = args[0]
				}
				st := s.svc.WorkflowState(ctx, s.worktreeArg(explicit))

				f := rootOpts.formatter(cmd)
				if f.JSON() {
					return f.Success(st)
				}
				printState(cmd, st)
				return nil
			})
		},
	}
}

func printState(cmd *cobra.Command, st phase.State) {
	w := cmd.OutOrStdout()
	fmt.Fprintf(w, "Worktree: %s\n", st.Worktree)
	fmt.Fprintf(w, "Track:    %s\n", st.Track)
	if st.Phase == 0 {
		fmt.Fprintf(w, "Phase:    %s\n", st.PhaseName)
	} else {
		fmt.Fprintf(w, "Phase:    %d %s\n", st.Phase, st.PhaseName)
	}
	if st.RecordedAt != nil {
		fmt.Fprintf(w, "Recorded: %s\n", st.RecordedAt.UTC().Format(time.RFC3339))
	}
	if st.NextCommand != nil {
		fmt.Fprintf(w, "Next:     %s\n", *st.NextCommand)
	} else {
		fmt.Fprintln(w, "Next:     (workflow complete)")
	}
}

// NewPhaseCommand creates the phase command group.
func NewPhaseCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "phase",
		Short: "Record and inspect workflow phases",
	}

	cmd.AddCommand(newPhaseRecordCommand(rootOpts))
	cmd.AddCommand(newPhaseTransitionsCommand(rootOpts))
	cmd.AddCommand(newPhaseTracksCommand(rootOpts))

	return cmd
}

// PhaseRecordOptions holds flags for "phase record".
type PhaseRecordOptions struct {
	*RootOptions
	Metadata string // JSON object
}

func newPhaseRecordCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &PhaseRecordOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "record <phase-key>",
		Short: "Record that the current worktree reached a phase",
		Long: `Record that the current worktree reached a phase. The first record picks
the track; afterwards only the current phase or the next one is accepted.

Examples:
  agentsync phase record specify
  agentsync phase record plan --metadata '{"doc":"plan.md"}'`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return rootOpts.withSession(cmd, func(ctx context.Context, s *session) error {
				f := opts.formatter(cmd)
				metadata, err := parseObjectFlag("metadata", opts.Metadata)
				if err != nil {
					return f.Fail("invalid --metadata", err)
				}
				st, err := s.svc.RecordPhase(ctx, s.cfg.Worktree, args[0], metadata)
				if err != nil {
					return f.Fail("failed to record phase", err)
				}
				if f.JSON() {
					return f.Success(st)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "✓ Phase %d %s recorded\n", st.Phase, st.PhaseName)
				if st.NextCommand != nil {
					fmt.Fprintf(cmd.OutOrStdout(), "  Next: %s\n", *st.NextCommand)
				}
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&opts.Metadata, "metadata", "", "metadata as a JSON object")
	return cmd
}

func newPhaseTransitionsCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "transitions [worktree-path]",
		Short:         "List the phase changes of a worktree, oldest first",
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
				transitions, err := s.svc.Transitions(ctx, s.worktreeArg(explicit))
				if err != nil {
					return f.Fail("failed to list transitions", err)
				}
				if f.JSON() {
					if transitions == nil {
						transitions = []ir.StateTransition{}
					}
					return f.Success(transitions)
				}

				w := cmd.OutOrStdout()
				if len(transitions) == 0 {
					fmt.Fprintln(w, "No phases recorded.")
					return nil
				}
				for _, t := range transitions {
					from := t.PreviousState
					if from == "" {
						from = "-"
					}
					fmt.Fprintf(w, "%s  %s -> %s\n", t.RecordedAt.UTC().Format(time.RFC3339), from, t.CurrentState)
				}
				return nil
			})
		},
	}
}

func newPhaseTracksCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "tracks",
		Short:         "Show the phase maps",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			f := rootOpts.formatter(cmd)
			tracks := phase.Tracks()
			if f.JSON() {
				return f.Success(tracks)
			}
			w := cmd.OutOrStdout()
			for i, m := range tracks {
				if i > 0 {
					fmt.Fprintln(w)
				}
				fmt.Fprintf(w, "%s:\n", m.Track)
				for _, p := range m.Phases {
					fmt.Fprintf(w, "  %d %-10s %-15s %s\n", p.Number, p.Key, p.Name, p.Command)
				}
			}
			return nil
		},
	}
}
