package store

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"time"

	"clinicflow/queue-service/internal/models"
)

// EntryEvent is one link in an entry's hash-chained audit history.
type EntryEvent struct {
	EntryID   string          `json:"entry_id"`
	EntrySeq  int             `json:"entry_seq"`
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"created_at"`
	PrevHash  string          `json:"prev_hash"`
	Hash      string          `json:"hash"`
}

type eventPayload struct {
	EntryID      string     `json:"entry_id"`
	QueueNumber  string     `json:"queue_number"`
	Status       string     `json:"status"`
	TenantID     string     `json:"tenant_id"`
	ClinicianID  string     `json:"clinician_id"`
	PatientID    string     `json:"patient_id"`
	Priority     string     `json:"priority"`
	Position     int        `json:"position"`
	JoinedAt     *time.Time `json:"joined_at"`
	CalledAt     *time.Time `json:"called_at"`
	StartedAt    *time.Time `json:"started_at"`
	CompletedAt  *time.Time `json:"completed_at"`
	CancelledAt  *time.Time `json:"cancelled_at"`
	CancelReason string     `json:"cancel_reason"`
}

// ComputeEntryEventHash chains each audit row to its predecessor so a
// rewritten history no longer verifies.
func ComputeEntryEventHash(prevHash, entryID, eventType string, payload json.RawMessage, createdAt time.Time, seq int) string {
	raw := fmt.Sprintf("%s|%s|%s|%s|%d|%s", prevHash, entryID, eventType, createdAt.UTC().Format(time.RFC3339Nano), seq, payload)
	sum := sha256.Sum256([]byte(raw))
	return fmt.Sprintf("%x", sum)
}

// RehydrateEntry folds an event history back into the entry state it
// describes, latest write wins per field.
func RehydrateEntry(events []EntryEvent) (models.QueueEntry, error) {
	var entry models.QueueEntry
	for _, event := range events {
		if len(event.Payload) == 0 {
			continue
		}
		var payload eventPayload
		if err := json.Unmarshal(event.Payload, &payload); err != nil {
			return models.QueueEntry{}, err
		}
		if payload.EntryID != "" {
			entry.EntryID = payload.EntryID
		}
		if payload.QueueNumber != "" {
			entry.QueueNumber = payload.QueueNumber
		}
		if payload.TenantID != "" {
			entry.TenantID = payload.TenantID
		}
		if payload.ClinicianID != "" {
			entry.ClinicianID = payload.ClinicianID
		}
		if payload.PatientID != "" {
			entry.PatientID = payload.PatientID
		}
		if payload.Priority != "" {
			entry.Priority = payload.Priority
		}
		if payload.Status != "" {
			entry.Status = payload.Status
		}
		if payload.Position > 0 {
			entry.Position = payload.Position
		}
		if payload.JoinedAt != nil {
			entry.JoinedAt = *payload.JoinedAt
		}
		if payload.CalledAt != nil {
			entry.CalledAt = payload.CalledAt
		}
		if payload.StartedAt != nil {
			entry.StartedAt = payload.StartedAt
		}
		if payload.CompletedAt != nil {
			entry.CompletedAt = payload.CompletedAt
		}
		if payload.CancelledAt != nil {
			entry.CancelledAt = payload.CancelledAt
		}
		if payload.CancelReason != "" {
			entry.CancelReason = payload.CancelReason
		}
	}
	return entry, nil
}
