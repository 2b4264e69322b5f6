package storage

import (
	"path/filepath"
	"testing"
	"time"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := OpenPath(filepath.Join(t.TempDir(), "history.db"))
	if err != nil {
		t.Fatalf("OpenPath failed: %v", err)
	}
	t.Cleanup(func() {
		if err := store.Close(); err != nil {
			t.Errorf("Close failed: %v", err)
		}
	})
	return store
}

func TestRecordAndListTasks(t *testing.T) {
	store := openTestStore(t)

	base := time.Now().Truncate(time.Millisecond)
	records := []TaskRecord{
		{
			TaskID:      "11111111-1111-4111-8111-111111111111",
			Direction:   DirectionSend,
			PeerName:    "Redmi K60",
			PeerMac:     "AA:BB:CC:DD:EE:FF",
			TotalFiles:  1,
			TotalSize:   1024,
			Transferred: 1024,
			Outcome:     OutcomeCompleted,
			StartedAt:   base.Add(-time.Minute),
			FinishedAt:  base.Add(-30 * time.Second),
		},
		{
			TaskID:        "22222222-2222-4222-8222-222222222222",
			Direction:     DirectionReceive,
			TotalFiles:    3,
			TotalSize:     4096,
			Transferred:   100,
			Outcome:       OutcomeFailed,
			FailureReason: "version mismatch",
			StartedAt:     base.Add(-10 * time.Second),
			FinishedAt:    base,
		},
	}
	for _, record := range records {
		if err := store.RecordTask(record); err != nil {
			t.Fatalf("RecordTask failed: %v", err)
		}
	}

	listed, err := store.ListTasks(10)
	if err != nil {
		t.Fatalf("ListTasks failed: %v", err)
	}
	if len(listed) != 2 {
		t.Fatalf("got %d records", len(listed))
	}
	// Newest first.
	if listed[0].TaskID != records[1].TaskID {
		t.Fatalf("ordering: got %s first", listed[0].TaskID)
	}
	if listed[0].FailureReason != "version mismatch" {
		t.Fatalf("failure reason: %q", listed[0].FailureReason)
	}
	if !listed[1].FinishedAt.Equal(records[0].FinishedAt) {
		t.Fatalf("finished_at round trip: %v vs %v", listed[1].FinishedAt, records[0].FinishedAt)
	}
}

func TestRecordTaskValidation(t *testing.T) {
	store := openTestStore(t)

	if err := store.RecordTask(TaskRecord{}); err == nil {
		t.Fatal("empty record accepted")
	}
	if err := store.RecordTask(TaskRecord{TaskID: "x", Direction: "sideways", Outcome: OutcomeCompleted}); err == nil {
		t.Fatal("bad direction accepted")
	}
	if err := store.RecordTask(TaskRecord{TaskID: "x", Direction: DirectionSend, Outcome: "exploded"}); err == nil {
		t.Fatal("bad outcome accepted")
	}
}

func TestMigrationsAreIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "history.db")
	first, err := OpenPath(path)
	if err != nil {
		t.Fatalf("first open failed: %v", err)
	}
	if err := first.Close(); err != nil {
		t.Fatalf("close failed: %v", err)
	}

	second, err := OpenPath(path)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	if err := second.Close(); err != nil {
		t.Fatalf("close failed: %v", err)
	}
}
