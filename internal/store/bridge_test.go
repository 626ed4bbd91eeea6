package store

import (
	"testing"

	"clinicflow/queue-service/internal/models"
)

func TestBridgeTarget(t *testing.T) {
	cases := []struct {
		entryStatus string
		target      string
		ok          bool
	}{
		{models.StatusCalled, models.AppointmentInProgress, true},
		{models.StatusInProgress, models.AppointmentInProgress, true},
		{models.StatusCompleted, models.AppointmentCompleted, true},
		{models.StatusCancelled, models.AppointmentCancelled, true},
		{models.StatusWaiting, "", false},
		{models.StatusSkipped, "", false},
	}

	for _, tt := range cases {
		target, ok := BridgeTarget(tt.entryStatus)
		if ok != tt.ok || target != tt.target {
			t.Fatalf("BridgeTarget(%q) = (%q, %v), want (%q, %v)", tt.entryStatus, target, ok, tt.target, tt.ok)
		}
	}
}

func TestBridgeAdvancesForwardOnly(t *testing.T) {
	cases := []struct {
		current string
		target  string
		want    bool
	}{
		{models.AppointmentScheduled, models.AppointmentInProgress, true},
		{models.AppointmentArrived, models.AppointmentInProgress, true},
		{models.AppointmentInQueue, models.AppointmentInProgress, true},
		{models.AppointmentInProgress, models.AppointmentInProgress, false},
		{models.AppointmentInProgress, models.AppointmentCompleted, true},
		{models.AppointmentCompleted, models.AppointmentInProgress, false},
		{models.AppointmentCompleted, models.AppointmentCancelled, false},
		{models.AppointmentCancelled, models.AppointmentCompleted, false},
		{models.AppointmentNoShow, models.AppointmentInProgress, false},
	}

	for _, tt := range cases {
		if got := BridgeAdvances(tt.current, tt.target); got != tt.want {
			t.Fatalf("BridgeAdvances(%q, %q) = %v, want %v", tt.current, tt.target, got, tt.want)
		}
	}
}
