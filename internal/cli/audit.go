package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/roach88/agentsync/internal/audit"
	"github.com/roach88/agentsync/internal/ir"
	"github.com/roach88/agentsync/internal/store"
)

// AuditFilterFlags are the filters shared by "audit list" and "audit report".
type AuditFilterFlags struct {
	RuleID        string
	ExecutionID   string
	EventType     string
	Actor         string
	SensitiveOnly bool
	Since         string // RFC 3339
	Until         string // RFC 3339
	Limit         int
}

func (a *AuditFilterFlags) register(fs *pflag.FlagSet) {
	fs.StringVar(&a.RuleID, "rule", "", "only events for this rule")
	fs.StringVar(&a.ExecutionID, "execution", "", "only events for this execution")
	fs.StringVar(&a.EventType, "event", "", "only events of this type")
	fs.StringVar(&a.Actor, "actor", "", "only events by this actor")
	fs.BoolVar(&a.SensitiveOnly, "sensitive", false, "only events that involved sensitive data")
	fs.StringVar(&a.Since, "since", "", "only events at or after this RFC 3339 time")
	fs.StringVar(&a.Until, "until", "", "only events before this RFC 3339 time")
	fs.IntVar(&a.Limit, "limit", 0, "maximum number of events (0 = all)")
}

// filter converts the flags into a store filter.
func (a *AuditFilterFlags) filter() (store.AuditFilter, error) {
	f := store.AuditFilter{
		RuleID:      a.RuleID,
		ExecutionID: a.ExecutionID,
		EventType:   ir.AuditEventType(a.EventType),
		Actor:       a.Actor,
		Limit:       a.Limit,
	}
	if a.SensitiveOnly {
		sensitive := true
		f.Sensitive = &sensitive
	}
	var err error
	if f.Since, err = parseTimeFlag("since", a.Since); err != nil {
		return store.AuditFilter{}, err
	}
	if f.Until, err = parseTimeFlag("until", a.Until); err != nil {
		return store.AuditFilter{}, err
	}
	return f, nil
}

func parseTimeFlag(name, raw string) (time.Time, error) {
	if raw == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, &ir.ValidationError{Field: name, Value: raw, Message: "must be an RFC 3339 time"}
	}
	return t, nil
}

// NewAuditCommand creates the audit command group.
func NewAuditCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Inspect the append-only audit trail",
	}

	cmd.AddCommand(newAuditListCommand(rootOpts))
	cmd.AddCommand(newAuditReportCommand(rootOpts))
	cmd.AddCommand(newAuditVerifyCommand(rootOpts))

	return cmd
}

func newAuditListCommand(rootOpts *RootOptions) *cobra.Command {
	flags := &AuditFilterFlags{}

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List audit events, oldest first",
		Long: `List audit events, oldest first.

Examples:
  agentsync audit list --rule gate-docs
  agentsync audit list --event execution_failed --since 2026-01-01T00:00:00Z`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return rootOpts.withSession(cmd, func(ctx context.Context, s *session) error {
				f := rootOpts.formatter(cmd)
				filter, err := flags.filter()
				if err != nil {
					return f.Fail("invalid filter", err)
				}
				events, err := s.svc.AuditEvents(ctx, filter)
				if err != nil {
					return f.Fail("failed to list audit events", err)
				}
				if f.JSON() {
					if events == nil {
						events = []ir.AuditEvent{}
					}
					return f.Success(events)
				}
				printAuditEvents(cmd, events)
				return nil
			})
		},
	}

	flags.register(cmd.Flags())
	return cmd
}

func newAuditReportCommand(rootOpts *RootOptions) *cobra.Command {
	flags := &AuditFilterFlags{}

	cmd := &cobra.Command{
		Use:           "report",
		Short:         "Summarize audit events by type",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return rootOpts.withSession(cmd, func(ctx context.Context, s *session) error {
				f := rootOpts.formatter(cmd)
				filter, err := flags.filter()
				if err != nil {
					return f.Fail("invalid filter", err)
				}
				report, err := s.svc.AuditReport(ctx, filter)
				if err != nil {
					return f.Fail("failed to build audit report", err)
				}
				if f.JSON() {
					return f.Success(report)
				}
				printAuditReport(cmd, report, f.Verbose)
				return nil
			})
		},
	}

	flags.register(cmd.Flags())
	return cmd
}

func newAuditVerifyCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "verify <id>",
		Short: "Check whether an id was recorded in the audit trail",
		Long: `Check whether an id returned by record or dispatch was actually stored.

Ids handed out while the store was unreachable are reported unverified.

Exit codes:
  0 - The id is audited
  1 - The id is unverified`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return rootOpts.withSession(cmd, func(ctx context.Context, s *session) error {
				f := rootOpts.formatter(cmd)
				v, err := s.svc.Verify(ctx, args[0])
				if err != nil {
					return f.Fail("failed to verify id", err)
				}
				if f.JSON() {
					if err := f.Success(v); err != nil {
						return err
					}
				} else if v.Status == audit.StatusAudited {
					fmt.Fprintf(cmd.OutOrStdout(), "✓ %s audited (%d event(s))\n", v.ID, v.Events)
				} else {
					fmt.Fprintf(cmd.OutOrStdout(), "✗ %s unverified\n", v.ID)
				}
				if v.Status != audit.StatusAudited {
					return failf("%s is unverified", v.ID)
				}
				return nil
			})
		},
	}
}

func printAuditEvents(cmd *cobra.Command, events []ir.AuditEvent) {
	w := cmd.OutOrStdout()
	if len(events) == 0 {
		fmt.Fprintln(w, "No audit events found.")
		return
	}
	for _, e := range events {
		line := fmt.Sprintf("%s  %-22s  %s (%s)", e.OccurredAt.UTC().Format(time.RFC3339), e.EventType, e.Actor, e.ActorRole)
		if e.RuleID != "" {
			line += "  rule=" + e.RuleID
		}
		if e.ExecutionID != "" {
			line += "  execution=" + e.ExecutionID
		}
		if e.Sensitive {
			line += "  [sensitive]"
		}
		fmt.Fprintln(w, line)
	}
}

func printAuditReport(cmd *cobra.Command, report audit.Report, verbose bool) {
	w := cmd.OutOrStdout()
	fmt.Fprintf(w, "Audit events: %d (%d sensitive)\n", report.Total, report.Sensitive)
	for _, c := range report.ByType {
		fmt.Fprintf(w, "  %-22s %d\n", c.EventType, c.Count)
	}
	if verbose {
		fmt.Fprintln(w)
		printAuditEvents(cmd, report.Events)
	}
}
