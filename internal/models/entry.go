package models

import "time"

// QueueEntry is a patient's ticket in a clinician's waiting line.
type QueueEntry struct {
	EntryID          string     `json:"entry_id"`
	QueueNumber      string     `json:"queue_number"`
	TenantID         string     `json:"tenant_id,omitempty"`
	Type             string     `json:"type"`
	AppointmentID    *string    `json:"appointment_id,omitempty"`
	PatientID        string     `json:"patient_id"`
	ClinicianID      string     `json:"clinician_id"`
	Priority         string     `json:"priority"`
	Position         int        `json:"position"`
	Status           string     `json:"status"`
	JoinedAt         time.Time  `json:"joined_at"`
	RequestID        string     `json:"request_id,omitempty"`
	CalledAt         *time.Time `json:"called_at,omitempty"`
	CalledBy         *string    `json:"called_by,omitempty"`
	StartedAt        *time.Time `json:"started_at,omitempty"`
	CompletedAt      *time.Time `json:"completed_at,omitempty"`
	CancelledAt      *time.Time `json:"cancelled_at,omitempty"`
	CancelReason     string     `json:"cancel_reason,omitempty"`
	EstimatedWaitMin int        `json:"estimated_wait_minutes,omitempty"`
	ActualWaitSecs   *int64     `json:"actual_wait_seconds,omitempty"`
	Version          int        `json:"version"`
	DeletedAt        *time.Time `json:"deleted_at,omitempty"`
}

const (
	StatusWaiting    = "waiting"
	StatusCalled     = "called"
	StatusInProgress = "in_progress"
	StatusCompleted  = "completed"
	StatusSkipped    = "skipped"
	StatusCancelled  = "cancelled"
)

const (
	PriorityLow    = "low"
	PriorityNormal = "normal"
	PriorityHigh   = "high"
	PriorityUrgent = "urgent"
)

const (
	TypeAppointment = "appointment"
	TypeWalkIn      = "walk_in"
)

var priorityRanks = map[string]int{
	PriorityLow:    0,
	PriorityNormal: 1,
	PriorityHigh:   2,
	PriorityUrgent: 3,
}

// PriorityRank maps a priority class to its sort weight. Unknown values
// rank as normal so a bad row can never sink or float the whole queue.
func PriorityRank(priority string) int {
	if rank, ok := priorityRanks[priority]; ok {
		return rank
	}
	return priorityRanks[PriorityNormal]
}

func ValidPriority(priority string) bool {
	_, ok := priorityRanks[priority]
	return ok
}

func ValidEntryStatus(status string) bool {
	switch status {
	case StatusWaiting, StatusCalled, StatusInProgress, StatusCompleted, StatusSkipped, StatusCancelled:
		return true
	default:
		return false
	}
}

func ValidEntryType(entryType string) bool {
	return entryType == TypeAppointment || entryType == TypeWalkIn
}
