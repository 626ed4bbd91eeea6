package store

import (
	"errors"
	"reflect"
	"testing"
	"time"

	"clinicflow/queue-service/internal/models"
)

func waitingEntry(id, priority string, joined time.Time, position int) models.QueueEntry {
	return models.QueueEntry{
		EntryID:  id,
		Priority: priority,
		JoinedAt: joined,
		Position: position,
		Status:   models.StatusWaiting,
	}
}

func TestSortEntriesPriorityThenArrival(t *testing.T) {
	base := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	entries := []models.QueueEntry{
		waitingEntry("a", models.PriorityNormal, base, 1),
		waitingEntry("b", models.PriorityUrgent, base.Add(10*time.Minute), 2),
		waitingEntry("c", models.PriorityNormal, base.Add(5*time.Minute), 3),
		waitingEntry("d", models.PriorityLow, base.Add(-10*time.Minute), 4),
	}

	SortEntries(entries)

	got := []string{entries[0].EntryID, entries[1].EntryID, entries[2].EntryID, entries[3].EntryID}
	want := []string{"b", "a", "c", "d"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("order = %v, want %v", got, want)
	}
}

func TestSortEntriesDeterministic(t *testing.T) {
	base := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	entries := []models.QueueEntry{
		waitingEntry("b", models.PriorityHigh, base, 2),
		waitingEntry("a", models.PriorityHigh, base, 1),
		waitingEntry("c", models.PriorityHigh, base, 1),
	}

	SortEntries(entries)
	first := []string{entries[0].EntryID, entries[1].EntryID, entries[2].EntryID}
	SortEntries(entries)
	second := []string{entries[0].EntryID, entries[1].EntryID, entries[2].EntryID}

	if !reflect.DeepEqual(first, second) {
		t.Fatalf("repeated sort changed order: %v then %v", first, second)
	}
	// same priority, same arrival, position 1 twice: entry id breaks the tie
	if first[0] != "a" || first[1] != "c" || first[2] != "b" {
		t.Fatalf("unexpected tie-break order: %v", first)
	}
}

func TestNaturalRankAppends(t *testing.T) {
	base := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	waiting := []models.QueueEntry{
		waitingEntry("a", models.PriorityNormal, base, 1),
		waitingEntry("b", models.PriorityNormal, base.Add(time.Minute), 2),
	}
	next := waitingEntry("c", models.PriorityNormal, base.Add(2*time.Minute), 0)

	if rank := NaturalRank(next, waiting); rank != 3 {
		t.Fatalf("rank = %d, want 3", rank)
	}
}

func TestNaturalRankUrgentJumpsAhead(t *testing.T) {
	base := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	waiting := []models.QueueEntry{
		waitingEntry("a", models.PriorityNormal, base, 1),
		waitingEntry("b", models.PriorityNormal, base.Add(time.Minute), 2),
	}
	urgent := waitingEntry("c", models.PriorityUrgent, base.Add(2*time.Minute), 0)

	if rank := NaturalRank(urgent, waiting); rank != 1 {
		t.Fatalf("rank = %d, want 1", rank)
	}
}

func TestRenumberCompacts(t *testing.T) {
	base := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	entries := []models.QueueEntry{
		waitingEntry("a", models.PriorityNormal, base, 2),
		waitingEntry("b", models.PriorityNormal, base.Add(time.Minute), 3),
		waitingEntry("c", models.PriorityNormal, base.Add(2*time.Minute), 5),
	}

	changed := Renumber(entries)
	if len(changed) != 3 {
		t.Fatalf("expected 3 changed entries, got %d", len(changed))
	}
	for i, entry := range entries {
		if entry.Position != i+1 {
			t.Fatalf("position[%d] = %d, want %d", i, entry.Position, i+1)
		}
	}

	if changed = Renumber(entries); changed != nil {
		t.Fatalf("second renumber should be a no-op, got %v", changed)
	}
}

func TestValidateReorderExactMatch(t *testing.T) {
	base := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	current := []models.QueueEntry{
		waitingEntry("a", models.PriorityNormal, base, 1),
		waitingEntry("b", models.PriorityNormal, base.Add(time.Minute), 2),
		waitingEntry("c", models.PriorityNormal, base.Add(2*time.Minute), 3),
	}

	if err := ValidateReorder(current, []string{"c", "a", "b"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestValidateReorderMismatch(t *testing.T) {
	base := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	current := []models.QueueEntry{
		waitingEntry("a", models.PriorityNormal, base, 1),
		waitingEntry("b", models.PriorityNormal, base.Add(time.Minute), 2),
		waitingEntry("c", models.PriorityNormal, base.Add(2*time.Minute), 3),
	}

	err := ValidateReorder(current, []string{"a", "b", "x"})
	var mismatch *ReorderSetError
	if !errors.As(err, &mismatch) {
		t.Fatalf("expected ReorderSetError, got %v", err)
	}
	if !reflect.DeepEqual(mismatch.Missing, []string{"c"}) {
		t.Fatalf("missing = %v, want [c]", mismatch.Missing)
	}
	if !reflect.DeepEqual(mismatch.Unexpected, []string{"x"}) {
		t.Fatalf("unexpected = %v, want [x]", mismatch.Unexpected)
	}
}

func TestValidateReorderRejectsDuplicates(t *testing.T) {
	base := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	current := []models.QueueEntry{
		waitingEntry("a", models.PriorityNormal, base, 1),
		waitingEntry("b", models.PriorityNormal, base.Add(time.Minute), 2),
	}

	err := ValidateReorder(current, []string{"a", "a"})
	var mismatch *ReorderSetError
	if !errors.As(err, &mismatch) {
		t.Fatalf("expected ReorderSetError, got %v", err)
	}
	if len(mismatch.Unexpected) != 1 || mismatch.Unexpected[0] != "a" {
		t.Fatalf("unexpected = %v, want duplicate a", mismatch.Unexpected)
	}
	if !reflect.DeepEqual(mismatch.Missing, []string{"b"}) {
		t.Fatalf("missing = %v, want [b]", mismatch.Missing)
	}
}
