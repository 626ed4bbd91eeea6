package store

import (
	"testing"
	"time"
)

func TestFormatQueueNumber(t *testing.T) {
	day := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

	got := FormatQueueNumber("22222222-2222-2222-2222-222222222222", day, 7)
	if got != "Q20260302-22222222-007" {
		t.Fatalf("queue number = %q, want Q20260302-22222222-007", got)
	}

	other := FormatQueueNumber("aaaabbbb-cccc-dddd-eeee-ffff00001111", day, 7)
	if other != "Q20260302-AAAABBBB-007" {
		t.Fatalf("queue number = %q, want Q20260302-AAAABBBB-007", other)
	}
	if got == other {
		t.Fatal("same day and sequence for different clinicians must render distinct numbers")
	}
}
