package store

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestOpen_CreatesNewDatabase(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")

	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	defer s.Close()

	if _, err := os.Stat(path); os.IsNotExist(err) {
		t.Error("database file was not created")
	}
	if s.Path() != path {
		t.Errorf("Path() = %q, want %q", s.Path(), path)
	}
}

func TestOpen_CreatesParentDirectory(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", ".agentsync", "agentsync.db")

	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	defer s.Close()

	if _, err := os.Stat(filepath.Dir(path)); err != nil {
		t.Errorf("parent directory not created: %v", err)
	}
}

func TestOpen_Idempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")

	for i := 0; i < 3; i++ {
		s, err := Open(path)
		if err != nil {
			t.Fatalf("Open() iteration %d failed: %v", i, err)
		}
		s.Close()
	}

	s, err := Open(path)
	if err != nil {
		t.Fatalf("final Open() failed: %v", err)
	}
	defer s.Close()

	assertTables(t, s)
}

func TestOpen_RepairsZeroByteFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")
	if err := os.WriteFile(path, nil, 0o644); err != nil {
		t.Fatalf("write zero-byte file: %v", err)
	}

	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open() on zero-byte file failed: %v", err)
	}
	defer s.Close()

	assertTables(t, s)
}

func TestOpen_KeepsInitializedAt(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")
	ctx := context.Background()

	s1, err := Open(path)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	first, err := s1.SessionValue(ctx, MetaInitializedAt)
	if err != nil {
		t.Fatalf("SessionValue() failed: %v", err)
	}
	s1.Close()

	s2, err := Open(path)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer s2.Close()

	second, err := s2.SessionValue(ctx, MetaInitializedAt)
	if err != nil {
		t.Fatalf("SessionValue() failed: %v", err)
	}
	if first != second {
		t.Errorf("initialized_at changed on reopen: %q -> %q", first, second)
	}

	version, err := s2.SessionValue(ctx, MetaSchemaVersion)
	if err != nil {
		t.Fatalf("SessionValue(schema_version) failed: %v", err)
	}
	if version != "1" {
		t.Errorf("schema_version = %q, want %q", version, "1")
	}
}

func TestOpen_UnwritableParent(t *testing.T) {
	dir := t.TempDir()
	blocker := filepath.Join(dir, "file")
	if err := os.WriteFile(blocker, []byte("x"), 0o644); err != nil {
		t.Fatalf("write blocker: %v", err)
	}

	_, err := Open(filepath.Join(blocker, "sub", "agentsync.db"))
	if err == nil {
		t.Fatal("Open() under a regular file should fail")
	}
}

func TestClose_NilDB(t *testing.T) {
	s := &Store{}
	if err := s.Close(); err != nil {
		t.Errorf("Close() on nil db returned %v", err)
	}
}

func TestPragma_JournalMode(t *testing.T) {
	s := createTestStore(t)
	if err := s.verifyPragma("journal_mode", "wal"); err != nil {
		t.Error(err)
	}
}

func TestPragma_Synchronous(t *testing.T) {
	s := createTestStore(t)
	// NORMAL = 1
	if err := s.verifyPragma("synchronous", "1"); err != nil {
		t.Error(err)
	}
}

func TestPragma_BusyTimeout(t *testing.T) {
	s := createTestStore(t)
	if err := s.verifyPragma("busy_timeout", "5000"); err != nil {
		t.Error(err)
	}
}

func TestPragma_ForeignKeys(t *testing.T) {
	s := createTestStore(t)
	if err := s.verifyPragma("foreign_keys", "1"); err != nil {
		t.Error(err)
	}
}

func TestPragma_UserVersion(t *testing.T) {
	s := createTestStore(t)
	if err := s.verifyPragma("user_version", "1"); err != nil {
		t.Error(err)
	}
}

func TestSchema_TriggerLookupIndex(t *testing.T) {
	s := createTestStore(t)

	rows, err := s.db.Query("PRAGMA index_info(idx_sync_trigger_lookup)")
	if err != nil {
		t.Fatalf("index_info failed: %v", err)
	}
	defer rows.Close()

	var cols []string
	for rows.Next() {
		var seqno, cid int
		var name string
		if err := rows.Scan(&seqno, &cid, &name); err != nil {
			t.Fatalf("scan: %v", err)
		}
		cols = append(cols, name)
	}

	want := []string{"trigger_agent_id", "trigger_action", "enabled", "priority"}
	if len(cols) != len(want) {
		t.Fatalf("index columns = %v, want %v", cols, want)
	}
	for i := range want {
		if cols[i] != want[i] {
			t.Errorf("index column %d = %q, want %q", i, cols[i], want[i])
		}
	}
}

func TestWithTx_RollsBackOnError(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	sentinel := errors.New("boom")

	err := s.WithTx(ctx, func(tx *Tx) error {
		if err := tx.InsertRule(ctx, createTestRule("r1", 100, testEpoch)); err != nil {
			return err
		}
		return sentinel
	})
	if !errors.Is(err, sentinel) {
		t.Fatalf("WithTx() error = %v, want sentinel", err)
	}

	if _, err := s.GetRule(ctx, "r1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("rule should have been rolled back, GetRule() error = %v", err)
	}
}

func TestOpen_RefusesNewerSchema(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	if _, err := s.db.Exec("PRAGMA user_version = 7"); err != nil {
		t.Fatalf("set user_version: %v", err)
	}
	s.Close()

	s, err = Open(path)
	if err == nil {
		s.Close()
		t.Fatal("Open() should refuse a store written by a newer schema")
	}
	if !strings.Contains(err.Error(), "newer than supported") {
		t.Errorf("Open() error = %v, want newer-schema refusal", err)
	}
}

func assertTables(t *testing.T, s *Store) {
	t.Helper()
	for _, table := range []string{
		"agent_synchronizations", "sync_executions", "sync_audit_trail",
		"workflow_records", "session_metadata",
	} {
		var name string
		err := s.db.QueryRow(
			"SELECT name FROM sqlite_master WHERE type='table' AND name=?", table,
		).Scan(&name)
		if err != nil {
			t.Errorf("table %q not found: %v", table, err)
		}
	}
	var view string
	if err := s.db.QueryRow(
		"SELECT name FROM sqlite_master WHERE type='view' AND name='workflow_state_transitions'",
	).Scan(&view); err != nil {
		t.Errorf("view workflow_state_transitions not found: %v", err)
	}
}
