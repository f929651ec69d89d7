// Package checkpoint saves and restores an agent's working context as
// workflow records.
package checkpoint

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/roach88/agentsync/internal/ir"
	"github.com/roach88/agentsync/internal/phase"
	"github.com/roach88/agentsync/internal/store"
)

// Record states.
const (
	StateSaved    = "saved"
	StateRestored = "restored"
)

// Checkpoint is a saved context.
type Checkpoint struct {
	ID         string      `json:"id"`
	Worktree   string      `json:"worktree"`
	Label      string      `json:"label"`
	Context    ir.IRObject `json:"context"`
	SavedAt    time.Time   `json:"saved_at"`
	RestoredAt *time.Time  `json:"restored_at,omitempty"`
}

// Manager stores checkpoints in workflow_records.
type Manager struct {
	store *store.Store
	ids   ir.IDGenerator
	clock ir.Clock
}

// NewManager returns a Manager over s. Nil ids or clock use UUIDv7 and the
// system clock.
func NewManager(s *store.Store, ids ir.IDGenerator, clock ir.Clock) *Manager {
	if ids == nil {
		ids = ir.UUIDv7Generator{}
	}
	if clock == nil {
		clock = ir.SystemClock{}
	}
	return &Manager{store: s, ids: ids, clock: clock}
}

// Store saves a context object under label for worktree.
func (m *Manager) Store(ctx context.Context, worktree, label string, saved ir.IRObject) (Checkpoint, error) {
	wt, err := phase.NormalizeWorktree(worktree)
	if err != nil {
		return Checkpoint{}, err
	}
	if strings.TrimSpace(label) == "" {
		return Checkpoint{}, &ir.ValidationError{Field: "label", Message: "required"}
	}
	if saved == nil {
		saved = ir.IRObject{}
	}

	cp := Checkpoint{
		ID:       m.ids.Generate(),
		Worktree: wt,
		Label:    label,
		Context:  saved.Clone(),
		SavedAt:  m.clock.Now(),
	}
	err = m.store.WithTx(ctx, func(tx *store.Tx) error {
		_, err := tx.AppendWorkflowRecord(ctx, ir.WorkflowRecord{
			ObjectID:   cp.ID,
			ObjectType: ir.ObjectCheckpoint,
			State:      StateSaved,
			RecordedAt: cp.SavedAt,
			Metadata: ir.IRObject{
				"worktree": ir.IRString(wt),
				"label":    ir.IRString(label),
				"context":  cp.Context,
			},
		})
		return err
	})
	if err != nil {
		return Checkpoint{}, fmt.Errorf("store checkpoint: %w", err)
	}
	return cp, nil
}

// List returns the checkpoints saved for worktree, newest first. An empty
// worktree lists every checkpoint.
func (m *Manager) List(ctx context.Context, worktree string) ([]Checkpoint, error) {
	f := store.WorkflowFilter{ObjectType: ir.ObjectCheckpoint, State: StateSaved}
	if worktree != "" {
		wt, err := phase.NormalizeWorktree(worktree)
		if err != nil {
			return nil, err
		}
		f.Worktree = wt
	}
	records, err := m.store.ListWorkflowRecords(ctx, f)
	if err != nil {
		return nil, err
	}
	out := make([]Checkpoint, 0, len(records))
	for _, rec := range records {
		out = append(out, fromRecord(rec))
	}
	return out, nil
}

// Restore returns the context saved under id and appends a restored record.
func (m *Manager) Restore(ctx context.Context, id string) (Checkpoint, error) {
	records, err := m.store.ListWorkflowRecords(ctx, store.WorkflowFilter{
		ObjectType: ir.ObjectCheckpoint,
		ObjectID:   id,
		State:      StateSaved,
		Limit:      1,
	})
	if err != nil {
		return Checkpoint{}, err
	}
	if len(records) == 0 {
		return Checkpoint{}, fmt.Errorf("checkpoint %s: %w", id, store.ErrNotFound)
	}
	cp := fromRecord(records[0])

	restoredAt := m.clock.Now()
	err = m.store.WithTx(ctx, func(tx *store.Tx) error {
		_, err := tx.AppendWorkflowRecord(ctx, ir.WorkflowRecord{
			ObjectID:   id,
			ObjectType: ir.ObjectCheckpoint,
			State:      StateRestored,
			RecordedAt: restoredAt,
			Metadata: ir.IRObject{
				"worktree":     ir.IRString(cp.Worktree),
				"label":        ir.IRString(cp.Label),
				"saved_record": ir.IRInt(records[0].ID),
			},
		})
		return err
	})
	if err != nil {
		return Checkpoint{}, fmt.Errorf("restore checkpoint %s: %w", id, err)
	}
	cp.RestoredAt = &restoredAt
	return cp, nil
}

func fromRecord(rec ir.WorkflowRecord) Checkpoint {
	cp := Checkpoint{ID: rec.ObjectID, SavedAt: rec.RecordedAt, Context: ir.IRObject{}}
	if s, ok := rec.Metadata["worktree"].(ir.IRString); ok {
		cp.Worktree = string(s)
	}
	if s, ok := rec.Metadata["label"].(ir.IRString); ok {
		cp.Label = string(s)
	}
	if obj, ok := rec.Metadata["context"].(ir.IRObject); ok {
		cp.Context = obj
	}
	return cp
}
