package store

import (
	"encoding/json"
	"testing"
	"time"

	"clinicflow/queue-service/internal/models"
)

func TestComputeEntryEventHashChains(t *testing.T) {
	createdAt := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	payload := json.RawMessage(`{"entry_id":"e1","status":"waiting"}`)

	first := ComputeEntryEventHash("", "e1", "queue.entry.created", payload, createdAt, 1)
	second := ComputeEntryEventHash(first, "e1", "queue.entry.called", payload, createdAt.Add(time.Minute), 2)

	if first == "" || second == "" || first == second {
		t.Fatalf("expected distinct non-empty hashes, got %q and %q", first, second)
	}
	if again := ComputeEntryEventHash("", "e1", "queue.entry.created", payload, createdAt, 1); again != first {
		t.Fatalf("hash not deterministic: %q vs %q", again, first)
	}
}

func TestRehydrateEntry(t *testing.T) {
	joined := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	started := joined.Add(20 * time.Minute)

	createdPayload, _ := json.Marshal(map[string]interface{}{
		"entry_id":     "e1",
		"queue_number": "Q20260302-001",
		"status":       models.StatusWaiting,
		"tenant_id":    "t1",
		"clinician_id": "d1",
		"patient_id":   "p1",
		"priority":     models.PriorityNormal,
		"position":     1,
		"joined_at":    joined,
	})
	startedPayload, _ := json.Marshal(map[string]interface{}{
		"entry_id":   "e1",
		"status":     models.StatusInProgress,
		"started_at": started,
	})

	entry, err := RehydrateEntry([]EntryEvent{
		{EntryID: "e1", EntrySeq: 1, Type: "queue.entry.created", Payload: createdPayload},
		{EntryID: "e1", EntrySeq: 2, Type: "queue.entry.started", Payload: startedPayload},
	})
	if err != nil {
		t.Fatalf("rehydrate: %v", err)
	}

	if entry.Status != models.StatusInProgress {
		t.Fatalf("status = %q, want in_progress", entry.Status)
	}
	if entry.QueueNumber != "Q20260302-001" || entry.ClinicianID != "d1" {
		t.Fatalf("unexpected entry: %+v", entry)
	}
	if entry.StartedAt == nil || !entry.StartedAt.Equal(started) {
		t.Fatalf("started_at not carried over: %+v", entry.StartedAt)
	}
}
