package store

import "clinicflow/queue-service/internal/models"

// The bridge is one-directional: once a patient is physically in the
// clinic the queue is the operational source of truth and the linked
// appointment follows it, never the other way around.

// BridgeTarget maps a queue entry status to the appointment status it
// cascades to. ok is false when the status carries no cascade (waiting
// and skipped leave the appointment untouched).
func BridgeTarget(entryStatus string) (string, bool) {
	switch entryStatus {
	case models.StatusCalled, models.StatusInProgress:
		return models.AppointmentInProgress, true
	case models.StatusCompleted:
		return models.AppointmentCompleted, true
	case models.StatusCancelled:
		return models.AppointmentCancelled, true
	default:
		return "", false
	}
}

// BridgeAdvances guards monotonicity: the cascade applies only when it
// moves the appointment strictly forward and the appointment has not
// already reached a terminal state.
func BridgeAdvances(current, target string) bool {
	if models.AppointmentTerminal(current) {
		return false
	}
	return models.AppointmentRank(target) > models.AppointmentRank(current)
}

// BridgeWarning is attached to an otherwise-successful status change
// when the linked appointment could not be cascaded. The queue
// transition stands; the anomaly is surfaced for remediation.
type BridgeWarning struct {
	Code          string `json:"code"`
	Message       string `json:"message"`
	AppointmentID string `json:"appointment_id"`
}

func OrphanedLinkWarning(appointmentID string) *BridgeWarning {
	return &BridgeWarning{
		Code:          "orphaned_queue_link",
		Message:       "linked appointment missing or belongs to another tenant",
		AppointmentID: appointmentID,
	}
}
