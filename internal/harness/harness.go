package harness

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/roach88/agentsync/internal/compiler"
	"github.com/roach88/agentsync/internal/engine"
	"github.com/roach88/agentsync/internal/ir"
	"github.com/roach88/agentsync/internal/registry"
	"github.com/roach88/agentsync/internal/service"
	"github.com/roach88/agentsync/internal/testutil"
)

// OperationScenarioFailure is the operation type of a failing target.
const OperationScenarioFailure = "scenario_failure"

// Actor is the identity scenario rules and dispatches are recorded under.
var Actor = ir.Actor{ID: "harness", Role: "test", Origin: "scenario"}

// Harness runs one scenario against its own store.
type Harness struct {
	svc      *service.Service
	registry *registry.Registry
	logger   *slog.Logger
	worktree string
}

// Run executes a scenario and returns the result.
//
// Each scenario runs in a fresh store under a temporary directory. Ids come
// from a sequence generator and time from a deterministic clock, so two runs
// of the same scenario produce the same trace.
//
// Execution flow:
// 1. Register rules from rule files, then inline rules
// 2. Apply setup steps
// 3. Dispatch each flow step and check its expect clause
// 4. Evaluate assertions against the trace and the store
//
// The returned error is reserved for scenarios that could not be run at all;
// failed expectations are reported in Result.Errors.
func Run(scenario *Scenario) (*Result, error) {
	dir, err := os.MkdirTemp("", "agentsync-scenario-*")
	if err != nil {
		return nil, fmt.Errorf("failed to create scenario directory: %w", err)
	}
	defer os.RemoveAll(dir)

	handlers := engine.NewHandlerTable()
	for _, t := range scenario.FailingTargets {
		agent, action, _ := splitTarget(t)
		handlers.Register(agent, action, failingHandler)
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	svc := service.New(filepath.Join(dir, "agentsync.db"),
		service.WithIDGenerator(testutil.NewSequenceGenerator("s")),
		service.WithClock(testutil.NewDeterministicClock()),
		service.WithActor(Actor),
		service.WithLogger(logger),
		service.WithHandlers(handlers),
	)
	defer svc.Close()

	reg, err := svc.Registry()
	if err != nil {
		return nil, fmt.Errorf("failed to open scenario store: %w", err)
	}

	worktree := scenario.Worktree
	if worktree == "" {
		worktree = DefaultWorktree
	}
	h := &Harness{svc: svc, registry: reg, logger: logger, worktree: worktree}

	ctx := context.Background()
	if err := h.registerRules(ctx, scenario); err != nil {
		return nil, fmt.Errorf("failed to register rules: %w", err)
	}
	if err := h.executeSetup(ctx, scenario.Setup); err != nil {
		return nil, fmt.Errorf("failed to execute setup: %w", err)
	}

	result := NewResult()
	if err := h.executeFlow(ctx, scenario.Flow, result); err != nil {
		return nil, fmt.Errorf("failed to execute flow: %w", err)
	}

	st, err := svc.Store()
	if err != nil {
		return nil, err
	}
	actx := &AssertionContext{Store: st, Ctx: ctx}
	for _, errMsg := range EvaluateAssertions(result, scenario.Assertions, actx) {
		result.AddError(errMsg)
	}
	return result, nil
}

// failingHandler builds an operation that always fails.
func failingHandler(rule ir.Rule, _ engine.Event) engine.Operation {
	return engine.Operation{
		Type: OperationScenarioFailure,
		Run: func(context.Context, engine.Request) (engine.Output, error) {
			return engine.Output{}, fmt.Errorf("target %s/%s configured to fail", rule.Target.AgentID, rule.Target.Action)
		},
	}
}

// registerRules loads rule files through the CUE compiler, then registers
// them and the inline rules in order.
func (h *Harness) registerRules(ctx context.Context, scenario *Scenario) error {
	var reqs []registry.RuleRequest

	for _, path := range scenario.RuleFiles {
		loaded, errs := compiler.LoadRules(path, compiler.LoadModeCollectAll)
		if len(errs) > 0 {
			return fmt.Errorf("%s: %w", path, errors.Join(errs...))
		}
		if verrs := compiler.ValidateRules(loaded.Rules, false); len(verrs) > 0 {
			return fmt.Errorf("%s: %w", path, verrs[0])
		}
		reqs = append(reqs, loaded.Rules...)
	}

	for i, def := range scenario.Rules {
		req, err := def.request()
		if err != nil {
			return fmt.Errorf("rules[%d]: %w", i, err)
		}
		reqs = append(reqs, req)
	}

	for _, req := range reqs {
		if req.WorktreePath == "" {
			req.WorktreePath = h.worktree
		}
		req.Actor = Actor
		if _, err := h.registry.RegisterRule(ctx, req); err != nil {
			return fmt.Errorf("rule %s: %w", req.ID, err)
		}
	}
	return nil
}

// request converts an inline rule into a registry request.
func (def RuleDef) request() (registry.RuleRequest, error) {
	req := registry.RuleRequest{
		ID:           def.ID,
		Category:     def.Category,
		Pattern:      def.Pattern,
		WorktreePath: def.Worktree,
		Trigger:      ir.Trigger{AgentID: def.When.Agent, Action: def.When.Action},
		Target:       ir.Target{AgentID: def.Then.Agent, Action: def.Then.Action},
		Priority:     def.Priority,
		Enabled:      def.Enabled,
	}
	if def.When.Match != nil {
		match, err := ir.ObjectFromGo(def.When.Match)
		if err != nil {
			return registry.RuleRequest{}, fmt.Errorf("when.match: %w", err)
		}
		req.Trigger.Pattern = match
	}
	if def.Metadata != nil {
		meta, err := ir.ObjectFromGo(def.Metadata)
		if err != nil {
			return registry.RuleRequest{}, fmt.Errorf("metadata: %w", err)
		}
		req.Metadata = meta
	}
	return req, nil
}

// executeSetup applies rule mutations in order.
func (h *Harness) executeSetup(ctx context.Context, setup []SetupStep) error {
	for i, step := range setup {
		var err error
		switch step.Action {
		case SetupEnable:
			_, err = h.registry.Enable(ctx, step.Rule, Actor)
		case SetupDisable:
			_, err = h.registry.Disable(ctx, step.Rule, Actor)
		case SetupPriority:
			_, err = h.registry.SetPriority(ctx, step.Rule, *step.Value, Actor)
		default:
			err = fmt.Errorf("unknown action %q", step.Action)
		}
		if err != nil {
			return fmt.Errorf("setup step %d: %w", i, err)
		}
		h.logger.Info("setup step completed", "step", i, "action", step.Action, "rule_id", step.Rule)
	}
	return nil
}

// executeFlow dispatches each step through the service and checks the
// expect clauses against what the engine actually did.
func (h *Harness) executeFlow(ctx context.Context, flow []FlowStep, result *Result) error {
	for i, step := range flow {
		n := i + 1
		agent, action, err := splitTarget(step.Dispatch)
		if err != nil {
			return fmt.Errorf("flow step %d: %w", n, err)
		}
		snapshot, err := ir.ObjectFromGo(step.Snapshot)
		if err != nil {
			return fmt.Errorf("flow step %d: snapshot: %w", n, err)
		}

		receipt, err := h.svc.Dispatch(ctx, engine.Event{
			AgentID:  agent,
			Action:   action,
			Snapshot: snapshot,
			Context: engine.DispatchContext{
				Sensitive:     step.Sensitive,
				Justification: step.Justification,
			},
		})
		if err != nil {
			return fmt.Errorf("flow step %d: %w", n, err)
		}
		if receipt.Degraded {
			return fmt.Errorf("flow step %d: store unavailable: %s", n, receipt.Reason)
		}

		res := receipt.Result
		result.AddDispatchTrace(n, agent, action, res.Matched)
		for _, o := range res.Outcomes {
			result.AddExecutionTrace(n, o.RuleID, string(o.Status), o.Duplicate, o.Order, o.Error)
		}

		if step.Expect != nil {
			for _, msg := range checkExpect(n, step.Expect, res) {
				result.AddError(msg)
			}
		}

		h.logger.Info("flow step completed",
			"step", n,
			"dispatch", step.Dispatch,
			"matched", res.Matched,
			"failed", res.Failed(),
		)
	}
	return nil
}

// checkExpect compares a dispatch result with its expect clause.
func checkExpect(step int, expect *ExpectClause, res engine.DispatchResult) []string {
	var errs []string
	if expect.Matched != nil && *expect.Matched != res.Matched {
		errs = append(errs, fmt.Sprintf("flow step %d: expected %d matched rules, got %d", step, *expect.Matched, res.Matched))
	}
	if expect.Outcomes == nil {
		return errs
	}
	if len(expect.Outcomes) != len(res.Outcomes) {
		return append(errs, fmt.Sprintf("flow step %d: expected %d outcomes, got %d", step, len(expect.Outcomes), len(res.Outcomes)))
	}
	for j, want := range expect.Outcomes {
		got := res.Outcomes[j]
		if want.Rule != got.RuleID {
			errs = append(errs, fmt.Sprintf("flow step %d: outcome %d: expected rule %s, got %s", step, j, want.Rule, got.RuleID))
			continue
		}
		if want.Status != "" && want.Status != string(got.Status) {
			errs = append(errs, fmt.Sprintf("flow step %d: rule %s: expected status %s, got %s", step, got.RuleID, want.Status, got.Status))
		}
		if want.Duplicate != nil && *want.Duplicate != got.Duplicate {
			errs = append(errs, fmt.Sprintf("flow step %d: rule %s: expected duplicate=%t, got %t", step, got.RuleID, *want.Duplicate, got.Duplicate))
		}
	}
	return errs
}
