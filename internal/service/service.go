// Package service is the entry point front ends call.
//
// A Service opens the shared store lazily and keeps it for the life of the
// process. RecordSync and Dispatch degrade when the store cannot be reached:
// they hand back a synthesized id marked Degraded instead of failing, and
// log a warning. Validation errors are never degraded.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/roach88/agentsync/internal/audit"
	"github.com/roach88/agentsync/internal/checkpoint"
	"github.com/roach88/agentsync/internal/engine"
	"github.com/roach88/agentsync/internal/ir"
	"github.com/roach88/agentsync/internal/phase"
	"github.com/roach88/agentsync/internal/registry"
	"github.com/roach88/agentsync/internal/store"
	"github.com/roach88/agentsync/internal/telemetry"
)

// Receipt is the answer to RecordSync.
//
// Audited means ID is the id of a stored rule with its audit row. Degraded
// means the store was unavailable: ID was synthesized and nothing was
// recorded, so callers must treat it as unverified.
type Receipt struct {
	ID       string   `json:"id"`
	Rule     *ir.Rule `json:"rule,omitempty"`
	Audited  bool     `json:"audited"`
	Degraded bool     `json:"degraded"`
	Reason   string   `json:"reason,omitempty"`
}

// DispatchReceipt is the answer to Dispatch.
//
// ID is the first execution id when any rule ran and a fresh id otherwise.
// Audited is true only when ID names an execution in the store.
type DispatchReceipt struct {
	ID       string                `json:"id"`
	Result   engine.DispatchResult `json:"result"`
	Audited  bool                  `json:"audited"`
	Degraded bool                  `json:"degraded"`
	Reason   string                `json:"reason,omitempty"`
}

// Service binds the core packages to one store path.
type Service struct {
	path      string
	storeOpts []store.Option
	actor     ir.Actor
	track     phase.Track
	ids       ir.IDGenerator
	clock     ir.Clock
	logger    *slog.Logger
	provider  *telemetry.Provider
	metrics   *telemetry.Metrics
	handlers  *engine.HandlerTable

	mu    sync.Mutex
	parts *components
}

// components are built once the store opens.
type components struct {
	store       *store.Store
	registry    *registry.Registry
	dispatcher  *engine.Dispatcher
	tracker     *phase.Tracker
	checkpoints *checkpoint.Manager
	audit       *audit.Logger
}

// Option configures a Service.
type Option func(*Service)

// WithStoreOptions passes busy timeout and retry budget through to store.Open.
func WithStoreOptions(opts ...store.Option) Option {
	return func(s *Service) { s.storeOpts = append(s.storeOpts, opts...) }
}

// WithActor sets the actor used when a request carries none.
func WithActor(a ir.Actor) Option {
	return func(s *Service) { s.actor = a }
}

// WithDefaultTrack sets the phase map for worktrees with no records.
func WithDefaultTrack(t phase.Track) Option {
	return func(s *Service) {
		if t != "" {
			s.track = t
		}
	}
}

// WithIDGenerator sets the id source for every component and for degraded ids.
func WithIDGenerator(g ir.IDGenerator) Option {
	return func(s *Service) {
		if g != nil {
			s.ids = g
		}
	}
}

// WithClock sets the wall clock for every component.
func WithClock(c ir.Clock) Option {
	return func(s *Service) {
		if c != nil {
			s.clock = c
		}
	}
}

// WithLogger sets the structured logger. Degradation warnings go here.
func WithLogger(l *slog.Logger) Option {
	return func(s *Service) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithTelemetry records spans and metrics, including the degraded counter.
func WithTelemetry(p *telemetry.Provider, m *telemetry.Metrics) Option {
	return func(s *Service) {
		if p != nil {
			s.provider = p
		}
		if m != nil {
			s.metrics = m
		}
	}
}

// WithHandlers sets the operation table used by Dispatch.
func WithHandlers(h *engine.HandlerTable) Option {
	return func(s *Service) {
		if h != nil {
			s.handlers = h
		}
	}
}

// New returns a Service for the store at path. The store is not opened
// until the first call that needs it.
func New(path string, opts ...Option) *Service {
	s := &Service{
		path:     path,
		actor:    ir.Actor{ID: "agentsync", Role: "agent"},
		track:    phase.TrackLegacy,
		ids:      ir.UUIDv7Generator{},
		clock:    ir.SystemClock{},
		logger:   slog.Default(),
		provider: telemetry.Noop(),
		metrics:  telemetry.MustNoopMetrics(),
		handlers: engine.NewHandlerTable(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Path returns the store path the Service opens.
func (s *Service) Path() string {
	return s.path
}

// Handlers returns the operation table Dispatch resolves targets from.
func (s *Service) Handlers() *engine.HandlerTable {
	return s.handlers
}

// Close releases the store if it was opened. The Service may be used again
// afterwards; the next call reopens it.
func (s *Service) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.parts == nil {
		return nil
	}
	err := s.parts.store.Close()
	s.parts = nil
	return err
}

// open returns the cached components, opening the store on first use.
// A failed open is not cached, so the next call tries again.
func (s *Service) open() (*components, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.parts != nil {
		return s.parts, nil
	}

	st, err := store.Open(s.path, s.storeOpts...)
	if err != nil {
		return nil, fmt.Errorf("open store %s: %w", s.path, err)
	}

	tracker, err := phase.NewTracker(st,
		phase.WithClock(s.clock),
		phase.WithDefaultTrack(s.track),
		phase.WithLogger(s.logger),
	)
	if err != nil {
		st.Close()
		return nil, err
	}

	s.parts = &components{
		store: st,
		registry: registry.New(st,
			registry.WithIDGenerator(s.ids),
			registry.WithClock(s.clock),
			registry.WithLogger(s.logger),
		),
		dispatcher: engine.NewDispatcher(st,
			engine.WithIDGenerator(s.ids),
			engine.WithClock(s.clock),
			engine.WithLogger(s.logger),
			engine.WithTelemetry(s.provider, s.metrics),
			engine.WithHandlers(s.handlers),
		),
		tracker:     tracker,
		checkpoints: checkpoint.NewManager(st, s.ids, s.clock),
		audit:       audit.NewLogger(st, s.ids, s.clock),
	}
	s.logger.Debug("store opened", "path", s.path)
	return s.parts, nil
}

// Store returns the opened store.
func (s *Service) Store() (*store.Store, error) {
	p, err := s.open()
	if err != nil {
		return nil, err
	}
	return p.store, nil
}

// Registry returns the rule registry over the opened store.
func (s *Service) Registry() (*registry.Registry, error) {
	p, err := s.open()
	if err != nil {
		return nil, err
	}
	return p.registry, nil
}

// Actor fills the missing fields of a from the configured actor.
func (s *Service) Actor(a ir.Actor) ir.Actor {
	if a.ID == "" {
		a.ID = s.actor.ID
	}
	if a.Role == "" {
		a.Role = s.actor.Role
	}
	if a.Origin == "" {
		a.Origin = s.actor.Origin
	}
	if a.SessionID == "" {
		a.SessionID = s.actor.SessionID
	}
	return a
}

// RecordSync stores a manual synchronization. Validation errors are
// returned before the store is touched; any storage failure degrades.
func (s *Service) RecordSync(ctx context.Context, req registry.SyncRequest) (Receipt, error) {
	if err := req.Validate(); err != nil {
		return Receipt{}, err
	}
	req.Actor = s.Actor(req.Actor)

	p, err := s.open()
	if err != nil {
		return s.degradedReceipt(ctx, "record_sync", err), nil
	}
	rule, err := p.registry.RecordSync(ctx, req)
	if err != nil {
		if ir.IsValidationError(err) {
			return Receipt{}, err
		}
		return s.degradedReceipt(ctx, "record_sync", err), nil
	}
	return Receipt{ID: rule.ID, Rule: &rule, Audited: true}, nil
}

func (s *Service) degradedReceipt(ctx context.Context, op string, cause error) Receipt {
	id := s.degrade(ctx, op, cause)
	return Receipt{ID: id, Degraded: true, Reason: cause.Error()}
}

// Dispatch runs every rule matching ev. If the rule table cannot be read,
// or every matched rule hit a storage failure, the call degrades. Storage
// failures of some rules only are reported in their outcomes.
func (s *Service) Dispatch(ctx context.Context, ev engine.Event) (DispatchReceipt, error) {
	if err := ev.Validate(); err != nil {
		return DispatchReceipt{}, err
	}
	ev.Context.Actor = s.Actor(ev.Context.Actor)

	p, err := s.open()
	if err != nil {
		return s.degradedDispatch(ctx, ev, err), nil
	}
	result, err := p.dispatcher.Dispatch(ctx, ev)
	if err != nil {
		if ir.IsValidationError(err) {
			return DispatchReceipt{}, err
		}
		return s.degradedDispatch(ctx, ev, err), nil
	}

	receipt := DispatchReceipt{Result: result}
	ids := result.ExecutionIDs()
	if len(ids) > 0 {
		receipt.ID = ids[0]
		receipt.Audited = true
	}
	if n := len(result.Outcomes); n > 0 && result.Unrecorded() == n {
		cause := errors.New(result.Outcomes[0].Error)
		receipt.Degraded = true
		receipt.Reason = cause.Error()
		if receipt.ID == "" {
			receipt.ID = s.degrade(ctx, "dispatch", cause)
		} else {
			s.degrade(ctx, "dispatch", cause)
		}
	}
	if receipt.ID == "" {
		receipt.ID = s.ids.Generate()
	}
	return receipt, nil
}

func (s *Service) degradedDispatch(ctx context.Context, ev engine.Event, cause error) DispatchReceipt {
	id := s.degrade(ctx, "dispatch", cause)
	return DispatchReceipt{
		ID: id,
		Result: engine.DispatchResult{
			TriggerAgent:  ev.AgentID,
			TriggerAction: ev.Action,
			Outcomes:      []engine.Outcome{},
		},
		Degraded: true,
		Reason:   cause.Error(),
	}
}

// degrade synthesizes an id for an unrecorded call and reports it.
func (s *Service) degrade(ctx context.Context, op string, cause error) string {
	id := s.ids.Generate()
	s.metrics.Degraded.Add(ctx, 1)
	s.logger.Warn("store unavailable, returning unaudited id",
		"operation", op,
		"id", id,
		"store", s.path,
		"error", cause,
	)
	return id
}

// WorkflowState answers "what do I do next" for worktree. It never fails:
// when the store cannot answer, the no-phase state of the default track is
// returned and the problem is logged.
func (s *Service) WorkflowState(ctx context.Context, worktree string) phase.State {
	normalized, err := phase.NormalizeWorktree(worktree)
	if err != nil {
		normalized = worktree
	}
	fallback := func(cause error) phase.State {
		s.logger.Warn("workflow state unavailable", "worktree", normalized, "error", cause)
		m, err := phase.MapFor(s.track)
		if err != nil {
			m, _ = phase.MapFor(phase.TrackLegacy)
		}
		return phase.Initial(normalized, m)
	}

	p, err := s.open()
	if err != nil {
		return fallback(err)
	}
	st, err := p.tracker.CurrentState(ctx, worktree)
	if err != nil {
		return fallback(err)
	}
	return st
}

// RecordPhase records that worktree has reached phase key.
func (s *Service) RecordPhase(ctx context.Context, worktree, key string, metadata ir.IRObject) (phase.State, error) {
	p, err := s.open()
	if err != nil {
		return phase.State{}, err
	}
	return p.tracker.Record(ctx, worktree, key, metadata)
}

// Transitions lists the phase changes recorded for worktree.
func (s *Service) Transitions(ctx context.Context, worktree string) ([]ir.StateTransition, error) {
	p, err := s.open()
	if err != nil {
		return nil, err
	}
	return p.tracker.Transitions(ctx, worktree)
}

// StoreCheckpoint saves context for worktree under label.
func (s *Service) StoreCheckpoint(ctx context.Context, worktree, label string, saved ir.IRObject) (checkpoint.Checkpoint, error) {
	p, err := s.open()
	if err != nil {
		return checkpoint.Checkpoint{}, err
	}
	return p.checkpoints.Store(ctx, worktree, label, saved)
}

// ListCheckpoints returns saved checkpoints, newest first.
func (s *Service) ListCheckpoints(ctx context.Context, worktree string) ([]checkpoint.Checkpoint, error) {
	p, err := s.open()
	if err != nil {
		return nil, err
	}
	return p.checkpoints.List(ctx, worktree)
}

// RestoreCheckpoint returns a saved checkpoint and records the restore.
func (s *Service) RestoreCheckpoint(ctx context.Context, id string) (checkpoint.Checkpoint, error) {
	p, err := s.open()
	if err != nil {
		return checkpoint.Checkpoint{}, err
	}
	return p.checkpoints.Restore(ctx, id)
}

// AuditEvents lists audit rows matching f, oldest first.
func (s *Service) AuditEvents(ctx context.Context, f store.AuditFilter) ([]ir.AuditEvent, error) {
	p, err := s.open()
	if err != nil {
		return nil, err
	}
	return p.store.ListAudit(ctx, f)
}

// AuditReport summarizes the audit rows matching f.
func (s *Service) AuditReport(ctx context.Context, f store.AuditFilter) (audit.Report, error) {
	p, err := s.open()
	if err != nil {
		return audit.Report{}, err
	}
	return p.audit.Report(ctx, f)
}

// Verify tells an audited id from a degraded one. A store that cannot be
// opened cannot vouch for anything, so every id is unverified.
func (s *Service) Verify(ctx context.Context, id string) (audit.Verification, error) {
	p, err := s.open()
	if err != nil {
		return audit.Verification{ID: id, Status: audit.StatusUnverified}, nil
	}
	return p.audit.Verify(ctx, id)
}
