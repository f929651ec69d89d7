package phase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/roach88/agentsync/internal/ir"
	"github.com/roach88/agentsync/internal/store"
)

// State is where a worktree stands.
type State struct {
	Worktree    string     `json:"worktree"`
	Track       Track      `json:"track"`
	Phase       int        `json:"phase"`
	PhaseKey    string     `json:"phase_key,omitempty"`
	PhaseName   string     `json:"phase_name"`
	NextCommand *string    `json:"next_command"`
	RecordedAt  *time.Time `json:"recorded_at,omitempty"`
}

// NoPhaseName is the phase name reported before anything is recorded.
const NoPhaseName = "No phase yet"

// Initial returns the "no phase yet" state of worktree on track m.
func Initial(worktree string, m Map) State {
	return State{
		Worktree:    worktree,
		Track:       m.Track,
		Phase:       0,
		PhaseName:   NoPhaseName,
		NextCommand: m.NextCommand(0),
	}
}

// Tracker reads and appends worktree phase records.
type Tracker struct {
	store        *store.Store
	clock        ir.Clock
	defaultTrack Map
	logger       *slog.Logger
}

// Option configures a Tracker.
type Option func(*Tracker) error

// WithClock sets the wall clock used for recorded_at.
func WithClock(c ir.Clock) Option {
	return func(t *Tracker) error {
		if c != nil {
			t.clock = c
		}
		return nil
	}
}

// WithDefaultTrack sets the track reported for worktrees with no records.
func WithDefaultTrack(track Track) Option {
	return func(t *Tracker) error {
		if track == "" {
			return nil
		}
		m, err := MapFor(track)
		if err != nil {
			return err
		}
		t.defaultTrack = m
		return nil
	}
}

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(t *Tracker) error {
		if l != nil {
			t.logger = l
		}
		return nil
	}
}

// NewTracker validates the phase maps and returns a Tracker over s.
func NewTracker(s *store.Store, opts ...Option) (*Tracker, error) {
	if err := ValidateTracks(); err != nil {
		return nil, err
	}
	t := &Tracker{
		store:        s,
		clock:        ir.SystemClock{},
		defaultTrack: legacyMap,
		logger:       slog.Default(),
	}
	for _, opt := range opts {
		if err := opt(t); err != nil {
			return nil, err
		}
	}
	return t, nil
}

// DefaultTrack returns the track used for worktrees with no records.
func (t *Tracker) DefaultTrack() Map {
	return t.defaultTrack
}

// NormalizeWorktree returns the cleaned absolute path used as object id.
func NormalizeWorktree(worktree string) (string, error) {
	if strings.TrimSpace(worktree) == "" {
		return "", &ir.ValidationError{Field: "worktree", Message: "required"}
	}
	abs, err := filepath.Abs(worktree)
	if err != nil {
		return "", fmt.Errorf("resolve worktree %s: %w", worktree, err)
	}
	return filepath.Clean(abs), nil
}

// CurrentState returns the phase of worktree from its latest record. A
// worktree with no records is at phase 0 of the default track.
func (t *Tracker) CurrentState(ctx context.Context, worktree string) (State, error) {
	id, err := NormalizeWorktree(worktree)
	if err != nil {
		return State{}, err
	}
	rec, err := t.store.LatestWorkflowRecord(ctx, ir.ObjectWorktree, id)
	if errors.Is(err, store.ErrNotFound) {
		return Initial(id, t.defaultTrack), nil
	}
	if err != nil {
		return State{}, err
	}
	return stateOf(id, rec)
}

// Record appends a phase record for worktree. key must belong to the
// worktree's track and be its current phase or the next one.
func (t *Tracker) Record(ctx context.Context, worktree, key string, metadata ir.IRObject) (State, error) {
	id, err := NormalizeWorktree(worktree)
	if err != nil {
		return State{}, err
	}
	m, p, ok := trackOf(key)
	if !ok {
		return State{}, &ir.ValidationError{Field: "phase", Value: key, Allowed: allKeys()}
	}

	var rec ir.WorkflowRecord
	err = t.store.WithTx(ctx, func(tx *store.Tx) error {
		current := 0
		latest, err := tx.LatestWorkflowRecord(ctx, ir.ObjectWorktree, id)
		switch {
		case errors.Is(err, store.ErrNotFound):
		case err != nil:
			return err
		default:
			curMap, curPhase, ok := trackOf(latest.State)
			if !ok {
				return fmt.Errorf("worktree %s: recorded phase %q is not in any track", id, latest.State)
			}
			if curMap.Track != m.Track {
				return &ir.ValidationError{
					Field:   "phase",
					Value:   key,
					Allowed: curMap.Keys(),
					Message: fmt.Sprintf("worktree is on the %s track", curMap.Track),
				}
			}
			current = curPhase.Number
		}

		if p.Number != current && p.Number != current+1 {
			return &ir.ValidationError{
				Field:   "phase",
				Value:   key,
				Message: fmt.Sprintf("cannot move from phase %d to phase %d", current, p.Number),
			}
		}

		rec = ir.WorkflowRecord{
			ObjectID:   id,
			ObjectType: ir.ObjectWorktree,
			State:      key,
			RecordedAt: t.clock.Now(),
			Metadata:   metadata.Clone(),
		}
		if rec.Metadata == nil {
			rec.Metadata = ir.IRObject{}
		}
		rec.Metadata["worktree"] = ir.IRString(id)
		rec.Metadata["track"] = ir.IRString(m.Track)
		rec.Metadata["phase_number"] = ir.IRInt(p.Number)

		rec.ID, err = tx.AppendWorkflowRecord(ctx, rec)
		return err
	})
	if err != nil {
		return State{}, err
	}

	t.logger.Debug("phase recorded", "worktree", id, "track", m.Track, "phase", key)
	return stateOf(id, rec)
}

// Transitions returns the worktree's previous/current phase pairs, oldest
// first.
func (t *Tracker) Transitions(ctx context.Context, worktree string) ([]ir.StateTransition, error) {
	id, err := NormalizeWorktree(worktree)
	if err != nil {
		return nil, err
	}
	return t.store.StateTransitions(ctx, ir.ObjectWorktree, id)
}

func stateOf(worktree string, rec ir.WorkflowRecord) (State, error) {
	m, p, ok := trackOf(rec.State)
	if !ok {
		return State{}, &ir.ValidationError{Field: "phase", Value: rec.State, Allowed: allKeys(), Message: "recorded phase is unknown"}
	}
	at := rec.RecordedAt
	return State{
		Worktree:    worktree,
		Track:       m.Track,
		Phase:       p.Number,
		PhaseKey:    p.Key,
		PhaseName:   p.Name,
		NextCommand: m.NextCommand(p.Number),
		RecordedAt:  &at,
	}, nil
}
