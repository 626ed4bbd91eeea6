package models

import "time"

// Appointment is the slice of the scheduling record the queue core
// reads and cascades status onto. The full record is owned elsewhere.
type Appointment struct {
	AppointmentID  string     `json:"appointment_id"`
	TenantID       string     `json:"tenant_id,omitempty"`
	PatientID      string     `json:"patient_id"`
	ClinicianID    string     `json:"clinician_id"`
	ScheduledStart time.Time  `json:"scheduled_start"`
	ScheduledEnd   time.Time  `json:"scheduled_end"`
	Status         string     `json:"status"`
	ArrivedAt      *time.Time `json:"arrived_at,omitempty"`
	StartedAt      *time.Time `json:"started_at,omitempty"`
	CompletedAt    *time.Time `json:"completed_at,omitempty"`
	CancelledAt    *time.Time `json:"cancelled_at,omitempty"`
	CancelReason   string     `json:"cancel_reason,omitempty"`
}

const (
	AppointmentScheduled  = "scheduled"
	AppointmentConfirmed  = "confirmed"
	AppointmentArrived    = "arrived"
	AppointmentInQueue    = "in_queue"
	AppointmentInProgress = "in_progress"
	AppointmentCompleted  = "completed"
	AppointmentCancelled  = "cancelled"
	AppointmentNoShow     = "no_show"
)

var appointmentRanks = map[string]int{
	AppointmentScheduled:  0,
	AppointmentConfirmed:  1,
	AppointmentArrived:    2,
	AppointmentInQueue:    3,
	AppointmentInProgress: 4,
	AppointmentCompleted:  5,
	AppointmentCancelled:  5,
	AppointmentNoShow:     5,
}

// AppointmentRank orders appointment statuses along the visit lifecycle.
// The cascade from queue activity only ever moves a record forward.
func AppointmentRank(status string) int {
	return appointmentRanks[status]
}

func AppointmentTerminal(status string) bool {
	switch status {
	case AppointmentCompleted, AppointmentCancelled, AppointmentNoShow:
		return true
	default:
		return false
	}
}
