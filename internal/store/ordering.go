package store

import (
	"sort"

	"clinicflow/queue-service/internal/models"
)

// Less is the natural-insert comparator over waiting entries: priority
// class descending, arrival ascending, explicit position ascending, entry
// id as the final tie-break so a fixed snapshot always ranks the same way.
// Read order is the stored position; Less only decides where a new entry
// lands among the current positions.
func Less(a, b models.QueueEntry) bool {
	ra, rb := models.PriorityRank(a.Priority), models.PriorityRank(b.Priority)
	if ra != rb {
		return ra > rb
	}
	if !a.JoinedAt.Equal(b.JoinedAt) {
		return a.JoinedAt.Before(b.JoinedAt)
	}
	if a.Position != b.Position {
		return a.Position < b.Position
	}
	return a.EntryID < b.EntryID
}

// SortEntries orders a waiting snapshot in place under the comparator.
func SortEntries(entries []models.QueueEntry) {
	sort.SliceStable(entries, func(i, j int) bool {
		return Less(entries[i], entries[j])
	})
}

// NaturalRank computes the 1-based position a new entry takes among the
// given waiting snapshot. Entries already sorting before it keep their
// positions; deeper ones shift by one.
func NaturalRank(entry models.QueueEntry, waiting []models.QueueEntry) int {
	rank := 1
	for _, other := range waiting {
		if other.EntryID == entry.EntryID {
			continue
		}
		if Less(other, entry) {
			rank++
		}
	}
	return rank
}

// Renumber assigns dense positions 1..N following the slice order,
// returning only the entries whose position actually changed.
func Renumber(entries []models.QueueEntry) []models.QueueEntry {
	var changed []models.QueueEntry
	for i := range entries {
		want := i + 1
		if entries[i].Position != want {
			entries[i].Position = want
			changed = append(changed, entries[i])
		}
	}
	return changed
}

// ValidateReorder checks that orderedIDs is exactly the current waiting
// set, no additions and no omissions. Mismatches are reported id by id.
func ValidateReorder(current []models.QueueEntry, orderedIDs []string) error {
	have := make(map[string]bool, len(current))
	for _, entry := range current {
		have[entry.EntryID] = true
	}
	seen := make(map[string]bool, len(orderedIDs))
	var unexpected []string
	for _, id := range orderedIDs {
		if !have[id] || seen[id] {
			unexpected = append(unexpected, id)
			continue
		}
		seen[id] = true
	}
	var missing []string
	for _, entry := range current {
		if !seen[entry.EntryID] {
			missing = append(missing, entry.EntryID)
		}
	}
	sort.Strings(missing)
	if len(missing) > 0 || len(unexpected) > 0 {
		return &ReorderSetError{Missing: missing, Unexpected: unexpected}
	}
	return nil
}
