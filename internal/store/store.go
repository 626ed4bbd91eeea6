package store

import (
	"context"
	"encoding/json"
	"time"

	"clinicflow/queue-service/internal/models"
)

type CreateEntryInput struct {
	RequestID     string
	TenantID      string
	ActorID       string
	Type          string
	AppointmentID string
	PatientID     string
	ClinicianID   string
	Priority      string
	JoinedAt      time.Time
}

type ChangeStatusInput struct {
	TenantID   string
	ActorID    string
	EntryID    string
	NewStatus  string
	Reason     string
	OccurredAt time.Time
}

type ReorderInput struct {
	TenantID        string
	ActorID         string
	ClinicianID     string
	OrderedEntryIDs []string
	OccurredAt      time.Time
}

type ListEntriesInput struct {
	TenantID    string
	Status      string
	Priority    string
	Type        string
	ClinicianID string
	PatientID   string
	Date        time.Time
	Limit       int
	Offset      int
}

// Statistics aggregates one clinician's queue activity for a single day.
type Statistics struct {
	ClinicianID        string         `json:"clinician_id"`
	Date               string         `json:"date"`
	ByStatus           map[string]int `json:"by_status"`
	ByPriority         map[string]int `json:"by_priority"`
	CompletedCount     int            `json:"completed_count"`
	AverageWaitSeconds float64        `json:"average_wait_seconds"`
}

type EntryStore interface {
	CreateEntry(ctx context.Context, input CreateEntryInput) (models.QueueEntry, bool, error)
	GetEntry(ctx context.Context, tenantID, entryID string) (models.QueueEntry, bool, error)
	ChangeStatus(ctx context.Context, input ChangeStatusInput) (models.QueueEntry, *BridgeWarning, error)
	ReorderQueue(ctx context.Context, input ReorderInput) ([]models.QueueEntry, error)
	GetDoctorQueue(ctx context.Context, tenantID, clinicianID string, includeActive bool) ([]models.QueueEntry, error)
	GetStatistics(ctx context.Context, tenantID, clinicianID string, day time.Time) (Statistics, error)
	ListEntries(ctx context.Context, input ListEntriesInput) ([]models.QueueEntry, int, error)
	DeleteEntry(ctx context.Context, tenantID, entryID, actorID string, deletedAt time.Time) error
	AutoSkip(ctx context.Context, grace time.Duration, batchSize int) (int, error)
	ListOutboxEvents(ctx context.Context, tenantID string, after time.Time, limit int) ([]OutboxEvent, error)
	ListEntryEvents(ctx context.Context, tenantID, entryID string) ([]EntryEvent, error)
	GetSession(ctx context.Context, sessionID string) (Session, error)
}

type Session struct {
	SessionID string
	UserID    string
	TenantID  string
	Role      string
	ExpiresAt time.Time
}

type OutboxEvent struct {
	EventID   string          `json:"event_id"`
	TenantID  string          `json:"tenant_id"`
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"created_at"`
}
