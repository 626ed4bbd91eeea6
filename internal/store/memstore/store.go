// Package memstore keeps the whole queue state in process memory. It backs
// handler tests and local development where no database is available.
package memstore

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"clinicflow/queue-service/internal/models"
	"clinicflow/queue-service/internal/store"

	"github.com/google/uuid"
)

type Store struct {
	mu                sync.Mutex
	entries           map[string]models.QueueEntry
	byRequestID       map[string]string
	appointments      map[string]models.Appointment
	sequences         map[string]int64
	outbox            []store.OutboxEvent
	events            map[string][]store.EntryEvent
	sessions          map[string]store.Session
	estimatedVisitMin int
}

type Options struct {
	EstimatedVisitMinutes int
}

func NewStore(options Options) *Store {
	visit := options.EstimatedVisitMinutes
	if visit <= 0 {
		visit = 15
	}
	return &Store{
		entries:           make(map[string]models.QueueEntry),
		byRequestID:       make(map[string]string),
		appointments:      make(map[string]models.Appointment),
		sequences:         make(map[string]int64),
		events:            make(map[string][]store.EntryEvent),
		sessions:          make(map[string]store.Session),
		estimatedVisitMin: visit,
	}
}

// PutAppointment seeds or replaces a scheduling record.
func (s *Store) PutAppointment(appointment models.Appointment) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.appointments[appointment.AppointmentID] = appointment
}

// GetAppointment returns a seeded scheduling record, mainly for assertions.
func (s *Store) GetAppointment(tenantID, appointmentID string) (models.Appointment, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	appointment, ok := s.appointments[appointmentID]
	if !ok || appointment.TenantID != tenantID {
		return models.Appointment{}, false
	}
	return appointment, true
}

// PutSession seeds an auth session.
func (s *Store) PutSession(session store.Session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[session.SessionID] = session
}

func (s *Store) CreateEntry(ctx context.Context, input store.CreateEntryInput) (models.QueueEntry, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if entryID, ok := s.byRequestID[input.RequestID]; ok {
		return s.entries[entryID], false, nil
	}

	joinedAt := input.JoinedAt
	if joinedAt.IsZero() {
		joinedAt = time.Now().UTC()
	}

	var appointment models.Appointment
	if input.Type == models.TypeAppointment {
		var ok bool
		appointment, ok = s.appointments[input.AppointmentID]
		if !ok || appointment.TenantID != input.TenantID {
			return models.QueueEntry{}, false, store.ErrAppointmentNotFound
		}
		if appointment.PatientID != input.PatientID || appointment.ClinicianID != input.ClinicianID {
			return models.QueueEntry{}, false, store.ErrPatientMismatch
		}
		for _, entry := range s.entries {
			if entry.AppointmentID != nil && *entry.AppointmentID == input.AppointmentID &&
				entry.TenantID == input.TenantID && entry.DeletedAt == nil && !store.TerminalStatus(entry.Status) {
				return models.QueueEntry{}, false, store.ErrDuplicateLink
			}
		}
	}

	seqKey := input.TenantID + "|" + input.ClinicianID + "|" + joinedAt.Format("20060102")
	s.sequences[seqKey]++
	queueNumber := store.FormatQueueNumber(input.ClinicianID, joinedAt, s.sequences[seqKey])

	waiting := s.waitingLocked(input.TenantID, input.ClinicianID)

	entryID := uuid.NewString()
	rank := store.NaturalRank(models.QueueEntry{
		EntryID:  entryID,
		Priority: input.Priority,
		JoinedAt: joinedAt,
	}, waiting)

	for _, other := range waiting {
		if other.Position >= rank {
			other.Position++
			other.Version++
			s.entries[other.EntryID] = other
		}
	}

	entry := models.QueueEntry{
		EntryID:     entryID,
		QueueNumber: queueNumber,
		TenantID:    input.TenantID,
		Type:        input.Type,
		PatientID:   input.PatientID,
		ClinicianID: input.ClinicianID,
		Priority:    input.Priority,
		Position:    rank,
		Status:      models.StatusWaiting,
		JoinedAt:    joinedAt,
		RequestID:   input.RequestID,
		Version:     1,
	}
	if input.Type == models.TypeAppointment {
		appointmentID := input.AppointmentID
		entry.AppointmentID = &appointmentID
		if store.BridgeAdvances(appointment.Status, models.AppointmentInQueue) {
			appointment.Status = models.AppointmentInQueue
			if appointment.ArrivedAt == nil {
				arrived := joinedAt
				appointment.ArrivedAt = &arrived
			}
			s.appointments[appointment.AppointmentID] = appointment
		}
	}

	s.entries[entryID] = entry
	s.byRequestID[input.RequestID] = entryID
	s.recordLocked("queue.entry.created", entry)
	return entry, true, nil
}

func (s *Store) GetEntry(ctx context.Context, tenantID, entryID string) (models.QueueEntry, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.entries[entryID]
	if !ok || entry.TenantID != tenantID || entry.DeletedAt != nil {
		return models.QueueEntry{}, false, store.ErrEntryNotFound
	}
	return entry, true, nil
}

func (s *Store) ChangeStatus(ctx context.Context, input store.ChangeStatusInput) (models.QueueEntry, *store.BridgeWarning, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.entries[input.EntryID]
	if !ok || entry.TenantID != input.TenantID || entry.DeletedAt != nil {
		return models.QueueEntry{}, nil, store.ErrEntryNotFound
	}

	effect, err := store.Transition(entry.Status, input.NewStatus)
	if err != nil {
		return models.QueueEntry{}, nil, err
	}

	occurredAt := input.OccurredAt
	if occurredAt.IsZero() {
		occurredAt = time.Now().UTC()
	}

	previousStatus := entry.Status
	entry.Status = input.NewStatus
	entry.Version++
	if effect.SetsCalledAt {
		at := occurredAt
		actor := input.ActorID
		entry.CalledAt = &at
		entry.CalledBy = &actor
	}
	if effect.SetsStartedAt {
		at := occurredAt
		entry.StartedAt = &at
	}
	if effect.SetsCompletedAt {
		at := occurredAt
		entry.CompletedAt = &at
		waitSecs := int64(0)
		if entry.StartedAt != nil {
			waitSecs = int64(entry.StartedAt.Sub(entry.JoinedAt) / time.Second)
		}
		entry.ActualWaitSecs = &waitSecs
	}
	if effect.SetsCancelledAt {
		at := occurredAt
		entry.CancelledAt = &at
		entry.CancelReason = input.Reason
	}
	s.entries[entry.EntryID] = entry

	if store.LeavesWaiting(previousStatus) {
		s.renormalizeLocked(entry.TenantID, entry.ClinicianID)
	}

	var warning *store.BridgeWarning
	if entry.AppointmentID != nil {
		warning = s.cascadeLocked(entry, input.Reason, occurredAt)
	}

	s.recordLocked(eventTypeForStatus(input.NewStatus), entry)
	return entry, warning, nil
}

func (s *Store) ReorderQueue(ctx context.Context, input store.ReorderInput) ([]models.QueueEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	waiting := s.waitingLocked(input.TenantID, input.ClinicianID)
	if err := store.ValidateReorder(waiting, input.OrderedEntryIDs); err != nil {
		return nil, err
	}

	reordered := make([]models.QueueEntry, 0, len(input.OrderedEntryIDs))
	for i, entryID := range input.OrderedEntryIDs {
		entry := s.entries[entryID]
		if entry.Position != i+1 {
			entry.Position = i + 1
			entry.Version++
			s.entries[entryID] = entry
		}
		reordered = append(reordered, entry)
	}

	payload, _ := json.Marshal(map[string]interface{}{
		"tenant_id":    input.TenantID,
		"clinician_id": input.ClinicianID,
		"entry_ids":    input.OrderedEntryIDs,
		"actor_id":     input.ActorID,
	})
	s.outbox = append(s.outbox, store.OutboxEvent{
		EventID:   uuid.NewString(),
		TenantID:  input.TenantID,
		Type:      "queue.reordered",
		Payload:   payload,
		CreatedAt: time.Now().UTC(),
	})
	return reordered, nil
}

func (s *Store) GetDoctorQueue(ctx context.Context, tenantID, clinicianID string, includeActive bool) ([]models.QueueEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var inProgress, called, waiting []models.QueueEntry
	for _, entry := range s.entries {
		if entry.TenantID != tenantID || entry.ClinicianID != clinicianID || entry.DeletedAt != nil {
			continue
		}
		switch entry.Status {
		case models.StatusInProgress:
			inProgress = append(inProgress, entry)
		case models.StatusCalled:
			called = append(called, entry)
		case models.StatusWaiting:
			waiting = append(waiting, entry)
		}
	}

	// waiting order is the stored position, which explicit reorders own
	sort.Slice(waiting, func(i, j int) bool {
		return waiting[i].Position < waiting[j].Position
	})
	for i := range waiting {
		waiting[i].EstimatedWaitMin = i * s.estimatedVisitMin
	}
	if !includeActive {
		return waiting, nil
	}

	sort.Slice(inProgress, func(i, j int) bool {
		return timeOrZero(inProgress[i].StartedAt).Before(timeOrZero(inProgress[j].StartedAt))
	})
	sort.Slice(called, func(i, j int) bool {
		return timeOrZero(called[i].CalledAt).Before(timeOrZero(called[j].CalledAt))
	})
	result := append(inProgress, called...)
	return append(result, waiting...), nil
}

func (s *Store) GetStatistics(ctx context.Context, tenantID, clinicianID string, day time.Time) (store.Statistics, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if day.IsZero() {
		day = time.Now().UTC()
	}
	dayStart := time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, time.UTC)
	dayEnd := dayStart.Add(24 * time.Hour)

	stats := store.Statistics{
		ClinicianID: clinicianID,
		Date:        dayStart.Format("2006-01-02"),
		ByStatus:    make(map[string]int),
		ByPriority:  make(map[string]int),
	}

	var waitSum int64
	for _, entry := range s.entries {
		if entry.TenantID != tenantID || entry.ClinicianID != clinicianID || entry.DeletedAt != nil {
			continue
		}
		if !entry.JoinedAt.Before(dayStart) && entry.JoinedAt.Before(dayEnd) {
			stats.ByStatus[entry.Status]++
			stats.ByPriority[entry.Priority]++
		}
		if entry.Status == models.StatusCompleted && entry.CompletedAt != nil &&
			!entry.CompletedAt.Before(dayStart) && entry.CompletedAt.Before(dayEnd) {
			stats.CompletedCount++
			if entry.ActualWaitSecs != nil {
				waitSum += *entry.ActualWaitSecs
			}
		}
	}
	if stats.CompletedCount > 0 {
		stats.AverageWaitSeconds = float64(waitSum) / float64(stats.CompletedCount)
	}
	return stats, nil
}

func (s *Store) ListEntries(ctx context.Context, input store.ListEntriesInput) ([]models.QueueEntry, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var matched []models.QueueEntry
	for _, entry := range s.entries {
		if entry.TenantID != input.TenantID || entry.DeletedAt != nil {
			continue
		}
		if input.Status != "" && entry.Status != input.Status {
			continue
		}
		if input.Priority != "" && entry.Priority != input.Priority {
			continue
		}
		if input.Type != "" && entry.Type != input.Type {
			continue
		}
		if input.ClinicianID != "" && entry.ClinicianID != input.ClinicianID {
			continue
		}
		if input.PatientID != "" && entry.PatientID != input.PatientID {
			continue
		}
		if !input.Date.IsZero() {
			dayStart := time.Date(input.Date.Year(), input.Date.Month(), input.Date.Day(), 0, 0, 0, 0, time.UTC)
			if entry.JoinedAt.Before(dayStart) || !entry.JoinedAt.Before(dayStart.Add(24*time.Hour)) {
				continue
			}
		}
		matched = append(matched, entry)
	}

	sort.Slice(matched, func(i, j int) bool {
		if !matched[i].JoinedAt.Equal(matched[j].JoinedAt) {
			return matched[i].JoinedAt.After(matched[j].JoinedAt)
		}
		return matched[i].EntryID < matched[j].EntryID
	})

	total := len(matched)
	limit := input.Limit
	if limit <= 0 {
		limit = 50
	}
	offset := input.Offset
	if offset < 0 {
		offset = 0
	}
	if offset >= total {
		return nil, total, nil
	}
	end := offset + limit
	if end > total {
		end = total
	}
	return matched[offset:end], total, nil
}

func (s *Store) DeleteEntry(ctx context.Context, tenantID, entryID, actorID string, deletedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.entries[entryID]
	if !ok || entry.TenantID != tenantID || entry.DeletedAt != nil {
		return store.ErrEntryNotFound
	}
	if deletedAt.IsZero() {
		deletedAt = time.Now().UTC()
	}
	at := deletedAt
	entry.DeletedAt = &at
	entry.Version++
	s.entries[entryID] = entry

	if entry.Status == models.StatusWaiting {
		s.renormalizeLocked(tenantID, entry.ClinicianID)
	}
	return nil
}

func (s *Store) AutoSkip(ctx context.Context, grace time.Duration, batchSize int) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if grace <= 0 {
		return 0, nil
	}
	if batchSize <= 0 {
		batchSize = 100
	}
	cutoff := time.Now().UTC().Add(-grace)

	skipped := 0
	for id, entry := range s.entries {
		if skipped >= batchSize {
			break
		}
		if entry.Status != models.StatusCalled || entry.DeletedAt != nil {
			continue
		}
		if entry.CalledAt == nil || entry.CalledAt.After(cutoff) {
			continue
		}
		entry.Status = models.StatusSkipped
		entry.Version++
		s.entries[id] = entry
		s.recordLocked("queue.entry.skipped", entry)
		skipped++
	}
	return skipped, nil
}

func (s *Store) ListOutboxEvents(ctx context.Context, tenantID string, after time.Time, limit int) ([]store.OutboxEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if limit <= 0 {
		limit = 100
	}
	var events []store.OutboxEvent
	for _, event := range s.outbox {
		if event.TenantID != tenantID {
			continue
		}
		if !after.IsZero() && !event.CreatedAt.After(after) {
			continue
		}
		events = append(events, event)
		if len(events) >= limit {
			break
		}
	}
	return events, nil
}

func (s *Store) ListEntryEvents(ctx context.Context, tenantID, entryID string) ([]store.EntryEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.entries[entryID]
	if !ok || entry.TenantID != tenantID {
		return nil, nil
	}
	return append([]store.EntryEvent(nil), s.events[entryID]...), nil
}

func (s *Store) GetSession(ctx context.Context, sessionID string) (store.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	session, ok := s.sessions[sessionID]
	if !ok || !session.ExpiresAt.After(time.Now().UTC()) {
		return store.Session{}, store.ErrSessionNotFound
	}
	return session, nil
}

func (s *Store) waitingLocked(tenantID, clinicianID string) []models.QueueEntry {
	var waiting []models.QueueEntry
	for _, entry := range s.entries {
		if entry.TenantID == tenantID && entry.ClinicianID == clinicianID &&
			entry.Status == models.StatusWaiting && entry.DeletedAt == nil {
			waiting = append(waiting, entry)
		}
	}
	sort.Slice(waiting, func(i, j int) bool { return waiting[i].Position < waiting[j].Position })
	return waiting
}

// renormalizeLocked compacts positions to 1..N in current position order,
// so manual reorders stay intact across departures.
func (s *Store) renormalizeLocked(tenantID, clinicianID string) {
	waiting := s.waitingLocked(tenantID, clinicianID)
	for _, entry := range store.Renumber(waiting) {
		stored := s.entries[entry.EntryID]
		stored.Position = entry.Position
		stored.Version++
		s.entries[entry.EntryID] = stored
	}
}

func (s *Store) cascadeLocked(entry models.QueueEntry, reason string, occurredAt time.Time) *store.BridgeWarning {
	target, ok := store.BridgeTarget(entry.Status)
	if !ok {
		return nil
	}
	appointment, found := s.appointments[*entry.AppointmentID]
	if !found || appointment.TenantID != entry.TenantID {
		return store.OrphanedLinkWarning(*entry.AppointmentID)
	}
	if !store.BridgeAdvances(appointment.Status, target) {
		return nil
	}

	appointment.Status = target
	switch target {
	case models.AppointmentInProgress:
		if appointment.StartedAt == nil {
			at := occurredAt
			appointment.StartedAt = &at
		}
	case models.AppointmentCompleted:
		at := occurredAt
		appointment.CompletedAt = &at
	case models.AppointmentCancelled:
		at := occurredAt
		appointment.CancelledAt = &at
		appointment.CancelReason = reason
	}
	s.appointments[appointment.AppointmentID] = appointment
	return nil
}

func (s *Store) recordLocked(eventType string, entry models.QueueEntry) {
	payload, _ := json.Marshal(map[string]interface{}{
		"entry_id":      entry.EntryID,
		"queue_number":  entry.QueueNumber,
		"status":        entry.Status,
		"tenant_id":     entry.TenantID,
		"clinician_id":  entry.ClinicianID,
		"patient_id":    entry.PatientID,
		"priority":      entry.Priority,
		"position":      entry.Position,
		"joined_at":     entry.JoinedAt,
		"called_at":     entry.CalledAt,
		"started_at":    entry.StartedAt,
		"completed_at":  entry.CompletedAt,
		"cancelled_at":  entry.CancelledAt,
		"cancel_reason": entry.CancelReason,
	})
	createdAt := time.Now().UTC()

	s.outbox = append(s.outbox, store.OutboxEvent{
		EventID:   uuid.NewString(),
		TenantID:  entry.TenantID,
		Type:      eventType,
		Payload:   payload,
		CreatedAt: createdAt,
	})

	chain := s.events[entry.EntryID]
	prev := ""
	if len(chain) > 0 {
		prev = chain[len(chain)-1].Hash
	}
	seq := len(chain) + 1
	s.events[entry.EntryID] = append(chain, store.EntryEvent{
		EntryID:   entry.EntryID,
		EntrySeq:  seq,
		Type:      eventType,
		Payload:   payload,
		CreatedAt: createdAt,
		PrevHash:  prev,
		Hash:      store.ComputeEntryEventHash(prev, entry.EntryID, eventType, payload, createdAt, seq),
	})
}

func eventTypeForStatus(status string) string {
	switch status {
	case models.StatusCalled:
		return "queue.entry.called"
	case models.StatusInProgress:
		return "queue.entry.started"
	case models.StatusCompleted:
		return "queue.entry.completed"
	case models.StatusSkipped:
		return "queue.entry.skipped"
	case models.StatusCancelled:
		return "queue.entry.cancelled"
	default:
		return "queue.entry.updated"
	}
}

func timeOrZero(t *time.Time) time.Time {
	if t == nil {
		return time.Time{}
	}
	return *t
}
