package ir

import (
	"time"

	"github.com/google/uuid"
)

// IDGenerator produces unique identifiers for rules, executions, audit
// events and checkpoints.
type IDGenerator interface {
	Generate() string
}

// Clock supplies wall-clock timestamps. Tests substitute a stepping clock.
type Clock interface {
	Now() time.Time
}

// UUIDv7Generator generates time-sortable UUIDv7 identifiers for rules,
// executions, audit events and checkpoints.
//
// UUIDv7 embeds a timestamp in the most significant bits, so ids sort by
// creation time. That keeps audit listings readable when ids are shown.
//
// Thread-safety: UUIDv7Generator is stateless and safe for concurrent use.
type UUIDv7Generator struct{}

// Generate creates a new UUIDv7 and returns it as a hyphenated string.
//
// Format: "550e8400-e29b-41d4-a716-446655440000" (36 characters)
//
// Panics if UUID generation fails (should never happen in practice).
func (g UUIDv7Generator) Generate() string {
	return uuid.Must(uuid.NewV7()).String()
}

// SystemClock is the production Clock. Timestamps are UTC.
type SystemClock struct{}

// Now returns the current UTC time.
func (SystemClock) Now() time.Time {
	return time.Now().UTC()
}
