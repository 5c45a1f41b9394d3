package diagnostics

import (
	"path/filepath"
	"testing"
	"time"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "diagnostics_test.db")
	s, err := NewStore(dbPath)
	if err != nil {
		t.Fatalf("NewStore(%q): %v", dbPath, err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestRecordAndRecentBusyWarnings(t *testing.T) {
	s := testStore(t)

	if err := s.RecordBusyWarning(2, 5); err != nil {
		t.Fatalf("RecordBusyWarning: %v", err)
	}
	if err := s.RecordBusyWarning(2, 9); err != nil {
		t.Fatalf("RecordBusyWarning: %v", err)
	}

	warnings, err := s.RecentBusyWarnings(10)
	if err != nil {
		t.Fatalf("RecentBusyWarnings: %v", err)
	}
	if len(warnings) != 2 {
		t.Fatalf("RecentBusyWarnings() returned %d entries, want 2", len(warnings))
	}
	if warnings[0].PendingJobs != 9 {
		t.Errorf("warnings[0].PendingJobs = %d, want 9 (most recent first)", warnings[0].PendingJobs)
	}
}

func TestRecentBusyWarnings_Limit(t *testing.T) {
	s := testStore(t)

	for i := 0; i < 5; i++ {
		if err := s.RecordBusyWarning(2, i); err != nil {
			t.Fatalf("RecordBusyWarning: %v", err)
		}
	}

	warnings, err := s.RecentBusyWarnings(2)
	if err != nil {
		t.Fatalf("RecentBusyWarnings: %v", err)
	}
	if len(warnings) != 2 {
		t.Fatalf("RecentBusyWarnings(2) returned %d entries, want 2", len(warnings))
	}
}

func TestRecordAndRecentServiceLatency(t *testing.T) {
	s := testStore(t)

	if err := s.RecordServiceLatency("switch", "turn_on", 12*time.Millisecond); err != nil {
		t.Fatalf("RecordServiceLatency: %v", err)
	}
	if err := s.RecordServiceLatency("switch", "turn_on", 45*time.Millisecond); err != nil {
		t.Fatalf("RecordServiceLatency: %v", err)
	}
	if err := s.RecordServiceLatency("light", "turn_on", 3*time.Millisecond); err != nil {
		t.Fatalf("RecordServiceLatency: %v", err)
	}

	samples, err := s.RecentServiceLatency("switch", "turn_on", 10)
	if err != nil {
		t.Fatalf("RecentServiceLatency: %v", err)
	}
	if len(samples) != 2 {
		t.Fatalf("RecentServiceLatency() returned %d entries, want 2", len(samples))
	}
	if samples[0].Duration != 45*time.Millisecond {
		t.Errorf("samples[0].Duration = %v, want 45ms (most recent first)", samples[0].Duration)
	}
}

func TestRecentServiceLatency_NoSamples(t *testing.T) {
	s := testStore(t)

	samples, err := s.RecentServiceLatency("switch", "turn_on", 10)
	if err != nil {
		t.Fatalf("RecentServiceLatency: %v", err)
	}
	if len(samples) != 0 {
		t.Errorf("RecentServiceLatency() returned %d entries, want 0", len(samples))
	}
}

func TestPrune(t *testing.T) {
	s := testStore(t)

	if err := s.RecordBusyWarning(2, 5); err != nil {
		t.Fatalf("RecordBusyWarning: %v", err)
	}
	if err := s.RecordServiceLatency("switch", "turn_on", time.Millisecond); err != nil {
		t.Fatalf("RecordServiceLatency: %v", err)
	}

	if err := s.Prune(time.Now().UTC().Add(time.Hour)); err != nil {
		t.Fatalf("Prune: %v", err)
	}

	warnings, err := s.RecentBusyWarnings(10)
	if err != nil {
		t.Fatalf("RecentBusyWarnings: %v", err)
	}
	if len(warnings) != 0 {
		t.Errorf("RecentBusyWarnings() after prune = %d entries, want 0", len(warnings))
	}

	samples, err := s.RecentServiceLatency("switch", "turn_on", 10)
	if err != nil {
		t.Fatalf("RecentServiceLatency: %v", err)
	}
	if len(samples) != 0 {
		t.Errorf("RecentServiceLatency() after prune = %d entries, want 0", len(samples))
	}
}

func TestNewStore_InvalidPath(t *testing.T) {
	_, err := NewStore("/nonexistent/path/db.sqlite")
	if err == nil {
		t.Error("NewStore() should fail for invalid path")
	}
}

func TestStore_PersistAcrossReopen(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "persist_test.db")

	s1, err := NewStore(dbPath)
	if err != nil {
		t.Fatalf("NewStore(1): %v", err)
	}
	if err := s1.RecordBusyWarning(2, 5); err != nil {
		t.Fatalf("RecordBusyWarning: %v", err)
	}
	s1.Close()

	s2, err := NewStore(dbPath)
	if err != nil {
		t.Fatalf("NewStore(2): %v", err)
	}
	defer s2.Close()

	warnings, err := s2.RecentBusyWarnings(10)
	if err != nil {
		t.Fatalf("RecentBusyWarnings: %v", err)
	}
	if len(warnings) != 1 {
		t.Errorf("RecentBusyWarnings() after reopen = %d entries, want 1", len(warnings))
	}
}
