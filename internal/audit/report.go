package audit

import (
	"context"

	"github.com/roach88/agentsync/internal/ir"
	"github.com/roach88/agentsync/internal/store"
)

// Verification status values.
const (
	StatusAudited    = "audited"
	StatusUnverified = "unverified"
)

// Report summarizes a filtered slice of the audit trail.
type Report struct {
	Total     int64              `json:"total"`
	Sensitive int64              `json:"sensitive"`
	ByType    []store.AuditCount `json:"by_type"`
	Events    []ir.AuditEvent    `json:"events"`
}

// Verification tells an audited id apart from one handed out while the
// store was unreachable.
type Verification struct {
	ID     string `json:"id"`
	Status string `json:"status"`
	Events int64  `json:"events"`
}

// Report builds counts and the event list for f.
func (l *Logger) Report(ctx context.Context, f store.AuditFilter) (Report, error) {
	events, err := l.store.ListAudit(ctx, f)
	if err != nil {
		return Report{}, err
	}

	countFilter := f
	countFilter.Limit = 0
	byType, err := l.store.CountAuditByType(ctx, countFilter)
	if err != nil {
		return Report{}, err
	}

	sensitiveFilter := countFilter
	yes := true
	sensitiveFilter.Sensitive = &yes
	sensitive, err := l.store.CountAuditByType(ctx, sensitiveFilter)
	if err != nil {
		return Report{}, err
	}

	r := Report{ByType: byType, Events: events}
	for _, c := range byType {
		r.Total += c.Count
	}
	if f.Sensitive == nil || *f.Sensitive {
		for _, c := range sensitive {
			r.Sensitive += c.Count
		}
	}
	return r, nil
}

// Verify reports whether any audit row references id as a rule or
// execution id.
func (l *Logger) Verify(ctx context.Context, id string) (Verification, error) {
	n, err := l.store.CountAuditFor(ctx, id)
	if err != nil {
		return Verification{}, err
	}
	v := Verification{ID: id, Status: StatusUnverified, Events: n}
	if n > 0 {
		v.Status = StatusAudited
	}
	return v, nil
}
