package cli

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/agentsync/internal/compiler"
	"github.com/roach88/agentsync/internal/ir"
	"github.com/roach88/agentsync/internal/registry"
	"github.com/roach88/agentsync/internal/store"
)

// NewRulesCommand creates the rules command group.
func NewRulesCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rules",
		Short: "Register and manage reactive rules",
	}

	cmd.AddCommand(newRulesAddCommand(rootOpts))
	cmd.AddCommand(newRulesListCommand(rootOpts))
	cmd.AddCommand(newRulesShowCommand(rootOpts))
	cmd.AddCommand(newRulesToggleCommand(rootOpts, "enable", true))
	cmd.AddCommand(newRulesToggleCommand(rootOpts, "disable", false))
	cmd.AddCommand(newRulesPriorityCommand(rootOpts))
	cmd.AddCommand(newRulesStatusCommand(rootOpts))
	cmd.AddCommand(newRulesRollbackCommand(rootOpts))
	cmd.AddCommand(newRulesRemoveCommand(rootOpts))
	cmd.AddCommand(NewRulesImportCommand(rootOpts))

	return cmd
}

// RulesAddOptions holds flags for "rules add".
type RulesAddOptions struct {
	*RootOptions
	ID             string
	Category       string
	Pattern        string
	When           string // agent/action
	Then           string // agent/action
	Match          string // JSON object
	Priority       int
	Disabled       bool
	Source         string
	TargetLocation string
	Metadata       string // JSON object
}

func newRulesAddCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RulesAddOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "add",
		Short: "Register a reactive rule",
		Long: `Register a rule that runs "then" whenever "when" is dispatched with a
snapshot containing every key/value of --match.

Examples:
  agentsync rules add --category quality_gate --pattern quality_gate_passed \
    --when qa/gate_passed --then docs/build --match '{"branch":"main"}'`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return rootOpts.withSession(cmd, func(ctx context.Context, s *session) error {
				return runRulesAdd(ctx, opts, s, cmd)
			})
		},
	}

	cmd.Flags().StringVar(&opts.ID, "id", "", "rule id (default generated)")
	cmd.Flags().StringVar(&opts.Category, "category", "", "rule category")
	cmd.Flags().StringVar(&opts.Pattern, "pattern", "", "rule pattern")
	cmd.Flags().StringVar(&opts.When, "when", "", "trigger as agent/action")
	cmd.Flags().StringVar(&opts.Then, "then", "", "target as agent/action")
	cmd.Flags().StringVar(&opts.Match, "match", "", "snapshot subset to match, as a JSON object")
	cmd.Flags().IntVar(&opts.Priority, "priority", ir.DefaultPriority, "dispatch priority (higher runs first)")
	cmd.Flags().BoolVar(&opts.Disabled, "disabled", false, "register the rule disabled")
	cmd.Flags().StringVar(&opts.Source, "source", "", "source location")
	cmd.Flags().StringVar(&opts.TargetLocation, "target-location", "", "target location")
	cmd.Flags().StringVar(&opts.Metadata, "metadata", "", "metadata as a JSON object")

	return cmd
}

func runRulesAdd(ctx context.Context, opts *RulesAddOptions, s *session, cmd *cobra.Command) error {
	f := opts.formatter(cmd)

	trigger, err := parseAgentAction("when", opts.When)
	if err != nil {
		return f.Fail("invalid --when", err)
	}
	target, err := parseAgentAction("then", opts.Then)
	if err != nil {
		return f.Fail("invalid --then", err)
	}
	match, err := parseObjectFlag("match", opts.Match)
	if err != nil {
		return f.Fail("invalid --match", err)
	}
	metadata, err := parseObjectFlag("metadata", opts.Metadata)
	if err != nil {
		return f.Fail("invalid --metadata", err)
	}

	priority := opts.Priority
	enabled := !opts.Disabled
	req := registry.RuleRequest{
		ID:             opts.ID,
		Category:       opts.Category,
		Pattern:        opts.Pattern,
		SourceLocation: opts.Source,
		TargetLocation: opts.TargetLocation,
		WorktreePath:   s.cfg.Worktree,
		Trigger:        ir.Trigger{AgentID: trigger[0], Action: trigger[1], Pattern: match},
		Target:         ir.Target{AgentID: target[0], Action: target[1]},
		Priority:       &priority,
		Enabled:        &enabled,
		Metadata:       metadata,
		Actor:          s.svc.Actor(ir.Actor{}),
	}

	reg, err := s.svc.Registry()
	if err != nil {
		return f.Fail("failed to open store", err)
	}
	rule, err := reg.RegisterRule(ctx, req)
	if err != nil {
		return f.Fail("failed to register rule", err)
	}

	if f.JSON() {
		return f.Success(rule)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "✓ Registered %s\n", rule.ID)
	printRule(cmd, rule)
	return nil
}

// RulesListOptions holds flags for "rules list".
type RulesListOptions struct {
	*RootOptions
	AgentID      string
	Status       string
	Pattern      string
	WorktreePath string
	EnabledOnly  bool
	Limit        int
}

func newRulesListCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RulesListOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:           "list",
		Short:         "List rules",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return rootOpts.withSession(cmd, func(ctx context.Context, s *session) error {
				return runRulesList(ctx, opts, s, cmd)
			})
		},
	}

	cmd.Flags().StringVar(&opts.AgentID, "agent", "", "only rules owned by this agent")
	cmd.Flags().StringVar(&opts.Status, "status", "", "only rules in this status")
	cmd.Flags().StringVar(&opts.Pattern, "pattern", "", "only rules with this pattern")
	cmd.Flags().StringVar(&opts.WorktreePath, "in-worktree", "", "only rules registered for this worktree path")
	cmd.Flags().BoolVar(&opts.EnabledOnly, "enabled", false, "only enabled rules")
	cmd.Flags().IntVar(&opts.Limit, "limit", 0, "maximum number of rules (0 = all)")

	return cmd
}

func runRulesList(ctx context.Context, opts *RulesListOptions, s *session, cmd *cobra.Command) error {
	f := opts.formatter(cmd)

	filter := store.RuleFilter{
		AgentID:      opts.AgentID,
		WorktreePath: opts.WorktreePath,
		Limit:        opts.Limit,
	}
	if opts.Status != "" {
		status, err := ir.ValidateRuleStatus(opts.Status)
		if err != nil {
			return f.Fail("invalid --status", err)
		}
		filter.Status = status
	}
	if opts.Pattern != "" {
		pattern, err := ir.ValidatePattern(opts.Pattern)
		if err != nil {
			return f.Fail("invalid --pattern", err)
		}
		filter.Pattern = pattern
	}
	if opts.EnabledOnly {
		enabled := true
		filter.Enabled = &enabled
	}

	reg, err := s.svc.Registry()
	if err != nil {
		return f.Fail("failed to open store", err)
	}
	rules, err := reg.List(ctx, filter)
	if err != nil {
		return f.Fail("failed to list rules", err)
	}

	if f.JSON() {
		if rules == nil {
			rules = []ir.Rule{}
		}
		return f.Success(rules)
	}

	w := cmd.OutOrStdout()
	if len(rules) == 0 {
		fmt.Fprintln(w, "No rules found.")
		return nil
	}
	for _, rule := range rules {
		fmt.Fprintln(w, ruleSummary(rule))
	}
	fmt.Fprintf(w, "\n%d rule(s)\n", len(rules))
	return nil
}

func newRulesShowCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "show <rule-id>",
		Short:         "Show one rule",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return rootOpts.withSession(cmd, func(ctx context.Context, s *session) error {
				f := rootOpts.formatter(cmd)
				reg, err := s.svc.Registry()
				if err != nil {
					return f.Fail("failed to open store", err)
				}
				rule, err := reg.Get(ctx, args[0])
				if err != nil {
					return f.Fail("failed to get rule", err)
				}
				if f.JSON() {
					return f.Success(rule)
				}
				fmt.Fprintln(cmd.OutOrStdout(), rule.ID)
				printRule(cmd, rule)
				return nil
			})
		},
	}
}

// ruleMutation is one registry call made by a rules subcommand.
type ruleMutation func(ctx context.Context, reg *registry.Registry, actor ir.Actor) (ir.Rule, error)

// runRuleMutation applies fn and prints the resulting rule.
func runRuleMutation(opts *RootOptions, cmd *cobra.Command, verb string, fn ruleMutation) error {
	return opts.withSession(cmd, func(ctx context.Context, s *session) error {
		f := opts.formatter(cmd)
		reg, err := s.svc.Registry()
		if err != nil {
			return f.Fail("failed to open store", err)
		}
		rule, err := fn(ctx, reg, s.svc.Actor(ir.Actor{}))
		if err != nil {
			return f.Fail(fmt.Sprintf("failed to %s rule", verb), err)
		}
		if f.JSON() {
			return f.Success(rule)
		}
		fmt.Fprintln(cmd.OutOrStdout(), "✓ "+ruleSummary(rule))
		return nil
	})
}

func newRulesToggleCommand(rootOpts *RootOptions, verb string, enabled bool) *cobra.Command {
	short := "Enable a rule"
	if !enabled {
		short = "Disable a rule"
	}
	return &cobra.Command{
		Use:           verb + " <rule-id>",
		Short:         short,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRuleMutation(rootOpts, cmd, verb, func(ctx context.Context, reg *registry.Registry, actor ir.Actor) (ir.Rule, error) {
				if enabled {
					return reg.Enable(ctx, args[0], actor)
				}
				return reg.Disable(ctx, args[0], actor)
			})
		},
	}
}

func newRulesPriorityCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "priority <rule-id> <priority>",
		Short:         "Change a rule's dispatch priority",
		Args:          cobra.ExactArgs(2),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			priority, err := strconv.Atoi(args[1])
			if err != nil {
				return rootOpts.formatter(cmd).Fail("invalid priority",
					&ir.ValidationError{Field: "priority", Value: args[1], Message: "must be an integer"})
			}
			return runRuleMutation(rootOpts, cmd, "reprioritize", func(ctx context.Context, reg *registry.Registry, actor ir.Actor) (ir.Rule, error) {
				return reg.SetPriority(ctx, args[0], priority, actor)
			})
		},
	}
}

func newRulesStatusCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status <rule-id> <status>",
		Short: "Advance a rule through its lifecycle",
		Long: `Move a rule to a new status. Allowed moves:
  pending     -> in_progress, completed, failed
  in_progress -> completed, failed
  completed   -> rolled_back
  failed      -> rolled_back`,
		Args:          cobra.ExactArgs(2),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			status, err := ir.ValidateRuleStatus(args[1])
			if err != nil {
				return rootOpts.formatter(cmd).Fail("invalid status", err)
			}
			return runRuleMutation(rootOpts, cmd, "update", func(ctx context.Context, reg *registry.Registry, actor ir.Actor) (ir.Rule, error) {
				return reg.AdvanceStatus(ctx, args[0], status, actor)
			})
		},
	}
}

func newRulesRollbackCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "rollback <rule-id>",
		Short:         "Mark a completed or failed rule as rolled back",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRuleMutation(rootOpts, cmd, "roll back", func(ctx context.Context, reg *registry.Registry, actor ir.Actor) (ir.Rule, error) {
				return reg.Rollback(ctx, args[0], actor)
			})
		},
	}
}

func newRulesRemoveCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "remove <rule-id>",
		Short: "Attempt to remove a rule",
		Long: `Attempt to delete a rule. A rule referenced by executions or audit
events cannot be deleted; the refusal is itself audited. Disable the rule
instead to stop it from matching.`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return rootOpts.withSession(cmd, func(ctx context.Context, s *session) error {
				f := rootOpts.formatter(cmd)
				reg, err := s.svc.Registry()
				if err != nil {
					return f.Fail("failed to open store", err)
				}
				if err := reg.Remove(ctx, args[0], s.svc.Actor(ir.Actor{})); err != nil {
					return f.Fail("failed to remove rule", err)
				}
				if f.JSON() {
					return f.Success(map[string]string{"rule_id": args[0]})
				}
				fmt.Fprintf(cmd.OutOrStdout(), "✓ Removed %s\n", args[0])
				return nil
			})
		},
	}
}

// RulesImportOptions holds flags for "rules import".
type RulesImportOptions struct {
	*RootOptions
	FailFast bool
	DryRun   bool
}

// ImportResult reports what "rules import" registered.
type ImportResult struct {
	Files      []string                   `json:"files"`
	Registered []string                   `json:"registered"`
	Warnings   []compiler.CycleWarning    `json:"warnings"`
	Errors     []compiler.ValidationError `json:"errors,omitempty"`
	DryRun     bool                       `json:"dry_run,omitempty"`
}

// NewRulesImportCommand creates the "rules import" command.
func NewRulesImportCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RulesImportOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "import <path>",
		Short: "Register rules from CUE files",
		Long: `Load every rule declared under "rule" in a CUE file or package directory,
validate them all, then register them. Nothing is registered if any rule is
invalid. Rules without a worktree are registered for the current worktree.

Rule chains that can trigger each other are reported as warnings.

Exit codes:
  0 - All rules registered
  1 - Validation or registration failed
  2 - Command error (invalid path, etc.)

Examples:
  agentsync rules import ./rules
  agentsync rules import ./rules/release.cue --dry-run`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return rootOpts.withSession(cmd, func(ctx context.Context, s *session) error {
				return runRulesImport(ctx, opts, s, args[0], cmd)
			})
		},
	}

	cmd.Flags().BoolVar(&opts.FailFast, "fail-fast", false, "stop at the first load error")
	cmd.Flags().BoolVar(&opts.DryRun, "dry-run", false, "validate without registering")

	return cmd
}

func runRulesImport(ctx context.Context, opts *RulesImportOptions, s *session, path string, cmd *cobra.Command) error {
	f := opts.formatter(cmd)

	mode := compiler.LoadModeCollectAll
	if opts.FailFast {
		mode = compiler.LoadModeFailFast
	}
	loaded, loadErrs := compiler.LoadRules(path, mode)
	if len(loadErrs) > 0 {
		return reportLoadErrors(f, cmd, loadErrs)
	}
	f.VerboseLog("Loaded %d rule(s) from %d file(s)", len(loaded.Rules), len(loaded.Files))

	result := ImportResult{
		Files:      loaded.Files,
		Registered: []string{},
		Warnings:   loaded.Warnings,
		DryRun:     opts.DryRun,
	}
	if result.Warnings == nil {
		result.Warnings = []compiler.CycleWarning{}
	}
	for _, w := range result.Warnings {
		f.Warn("%s", w.Message)
	}

	if verrs := compiler.ValidateRules(loaded.Rules, false); len(verrs) > 0 {
		result.Errors = verrs
		if f.JSON() {
			if err := f.respond(CLIResponse{
				Status: "error",
				Data:   result,
				Error:  &CLIError{Code: "E_VALIDATION", Message: fmt.Sprintf("%d validation error(s)", len(verrs))},
			}); err != nil {
				return err
			}
		} else {
			w := cmd.OutOrStdout()
			for _, e := range verrs {
				fmt.Fprintf(w, "✗ %s\n", e.Error())
			}
		}
		return failf("%d validation error(s)", len(verrs))
	}

	if !opts.DryRun {
		reg, err := s.svc.Registry()
		if err != nil {
			return f.Fail("failed to open store", err)
		}
		actor := s.svc.Actor(ir.Actor{})
		for _, req := range loaded.Rules {
			if req.WorktreePath == "" {
				req.WorktreePath = s.cfg.Worktree
			}
			req.Actor = actor
			rule, err := reg.RegisterRule(ctx, req)
			if err != nil {
				return f.Fail(fmt.Sprintf("failed to register %s (registered %d before it)", req.ID, len(result.Registered)), err)
			}
			result.Registered = append(result.Registered, rule.ID)
		}
	}

	if f.JSON() {
		return f.Success(result)
	}
	w := cmd.OutOrStdout()
	if opts.DryRun {
		fmt.Fprintf(w, "✓ %d rule(s) valid in %d file(s)\n", len(loaded.Rules), len(loaded.Files))
		return nil
	}
	for _, id := range result.Registered {
		fmt.Fprintf(w, "✓ %s\n", id)
	}
	fmt.Fprintf(w, "Registered %d rule(s) from %d file(s)\n", len(result.Registered), len(loaded.Files))
	return nil
}

// reportLoadErrors prints CUE load errors and returns the exit error.
// A missing path is a command error; broken rule files are failures.
func reportLoadErrors(f *OutputFormatter, cmd *cobra.Command, errs []error) error {
	code := ExitFailure
	messages := make([]string, len(errs))
	for i, err := range errs {
		messages[i] = err.Error()
		var le *compiler.LoadError
		if errors.As(err, &le) && le.Code == compiler.ErrCodeNotFound {
			code = ExitCommandError
		}
	}

	if f.JSON() {
		if err := f.Error("E_LOAD", fmt.Sprintf("%d load error(s)", len(errs)), messages); err != nil {
			return err
		}
	} else {
		w := cmd.OutOrStdout()
		for _, m := range messages {
			fmt.Fprintf(w, "✗ %s\n", m)
		}
	}
	return NewExitError(code, fmt.Sprintf("failed to load rules: %d error(s)", len(errs)))
}

// parseAgentAction splits "agent/action".
func parseAgentAction(field, s string) ([2]string, error) {
	agent, action, ok := strings.Cut(s, "/")
	if !ok || agent == "" || action == "" || strings.Contains(action, "/") {
		return [2]string{}, &ir.ValidationError{Field: field, Value: s, Message: "must be agent/action"}
	}
	return [2]string{agent, action}, nil
}

// ruleSummary is the one-line form of a rule.
func ruleSummary(rule ir.Rule) string {
	state := "enabled"
	if !rule.Enabled {
		state = "disabled"
	}
	if !rule.Reactive() {
		return fmt.Sprintf("%s  %s/%s  %s  (manual)", rule.ID, rule.Category, rule.Pattern, rule.Status)
	}
	return fmt.Sprintf("%s  %s/%s -> %s/%s  p%d  %s  %s",
		rule.ID, rule.Trigger.AgentID, rule.Trigger.Action,
		rule.Target.AgentID, rule.Target.Action,
		rule.Priority, rule.Status, state)
}

// printRule prints the indented detail lines of a rule.
func printRule(cmd *cobra.Command, rule ir.Rule) {
	w := cmd.OutOrStdout()
	fmt.Fprintf(w, "  category: %s\n", rule.Category)
	fmt.Fprintf(w, "  pattern:  %s\n", rule.Pattern)
	fmt.Fprintf(w, "  status:   %s\n", rule.Status)
	fmt.Fprintf(w, "  worktree: %s\n", rule.WorktreePath)
	if rule.Reactive() {
		fmt.Fprintf(w, "  when:     %s/%s\n", rule.Trigger.AgentID, rule.Trigger.Action)
		if len(rule.Trigger.Pattern) > 0 {
			if data, err := ir.MarshalCanonical(rule.Trigger.Pattern); err == nil {
				fmt.Fprintf(w, "  match:    %s\n", data)
			}
		}
		fmt.Fprintf(w, "  then:     %s/%s\n", rule.Target.AgentID, rule.Target.Action)
		fmt.Fprintf(w, "  priority: %d\n", rule.Priority)
		fmt.Fprintf(w, "  enabled:  %t\n", rule.Enabled)
	}
}
