package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"sort"
	"time"

	"clinicflow/queue-service/internal/models"
	"clinicflow/queue-service/internal/store"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const entryColumns = `entry_id, queue_number, tenant_id, type, appointment_id, patient_id, clinician_id,
	priority, position, status, joined_at, request_id, called_at, called_by, started_at, completed_at,
	cancelled_at, cancel_reason, actual_wait_seconds, version, deleted_at`

type Store struct {
	pool              *pgxpool.Pool
	conflictRetries   int
	estimatedVisitMin int
}

type Options struct {
	ConflictRetries       int
	EstimatedVisitMinutes int
}

func NewStore(pool *pgxpool.Pool, options Options) *Store {
	retries := options.ConflictRetries
	if retries <= 0 {
		retries = 3
	}
	visit := options.EstimatedVisitMinutes
	if visit <= 0 {
		visit = 15
	}
	return &Store{
		pool:              pool,
		conflictRetries:   retries,
		estimatedVisitMin: visit,
	}
}

func (s *Store) CreateEntry(ctx context.Context, input store.CreateEntryInput) (models.QueueEntry, bool, error) {
	var lastErr error
	for attempt := 0; attempt <= s.conflictRetries; attempt++ {
		if attempt > 0 {
			if err := sleepWithJitter(ctx, attempt); err != nil {
				return models.QueueEntry{}, false, err
			}
		}
		entry, created, err := s.createEntryOnce(ctx, input)
		if err == nil {
			return entry, created, nil
		}
		if !retryable(err) {
			return models.QueueEntry{}, false, err
		}
		lastErr = err
	}
	if isUniqueViolation(lastErr) {
		return models.QueueEntry{}, false, store.ErrAllocationConflict
	}
	return models.QueueEntry{}, false, store.ErrConcurrentUpdate
}

func (s *Store) createEntryOnce(ctx context.Context, input store.CreateEntryInput) (models.QueueEntry, bool, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.QueueEntry{}, false, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	existing, found, err := findEntryByRequestID(ctx, tx, input.RequestID)
	if err != nil {
		return models.QueueEntry{}, false, err
	}
	if found {
		if err = tx.Commit(ctx); err != nil {
			return models.QueueEntry{}, false, err
		}
		return existing, false, nil
	}

	joinedAt := input.JoinedAt
	if joinedAt.IsZero() {
		joinedAt = time.Now().UTC()
	}

	var appointment models.Appointment
	if input.Type == models.TypeAppointment {
		appointment, err = getAppointmentForUpdate(ctx, tx, input.TenantID, input.AppointmentID)
		if err != nil {
			return models.QueueEntry{}, false, err
		}
		if appointment.PatientID != input.PatientID || appointment.ClinicianID != input.ClinicianID {
			return models.QueueEntry{}, false, store.ErrPatientMismatch
		}
		var linked bool
		row := tx.QueryRow(ctx, `
			SELECT EXISTS (
				SELECT 1
				FROM queue_entries
				WHERE appointment_id = $1 AND tenant_id = $2 AND deleted_at IS NULL
					AND status IN ('waiting', 'called', 'in_progress')
			)
		`, input.AppointmentID, input.TenantID)
		if err = row.Scan(&linked); err != nil {
			return models.QueueEntry{}, false, err
		}
		if linked {
			return models.QueueEntry{}, false, store.ErrDuplicateLink
		}
	}

	seq, err := nextQueueNumber(ctx, tx, input.TenantID, input.ClinicianID, joinedAt)
	if err != nil {
		return models.QueueEntry{}, false, err
	}
	queueNumber := store.FormatQueueNumber(input.ClinicianID, joinedAt, seq)

	waiting, err := lockWaitingSet(ctx, tx, input.TenantID, input.ClinicianID)
	if err != nil {
		return models.QueueEntry{}, false, err
	}

	entryID := uuid.NewString()
	rank := store.NaturalRank(models.QueueEntry{
		EntryID:  entryID,
		Priority: input.Priority,
		JoinedAt: joinedAt,
	}, waiting)

	_, err = tx.Exec(ctx, `
		UPDATE queue_entries
		SET position = position + 1, version = version + 1
		WHERE tenant_id = $1 AND clinician_id = $2 AND status = 'waiting'
			AND deleted_at IS NULL AND position >= $3
	`, input.TenantID, input.ClinicianID, rank)
	if err != nil {
		return models.QueueEntry{}, false, err
	}

	row := tx.QueryRow(ctx, `
		INSERT INTO queue_entries (
			entry_id, request_id, queue_number, tenant_id, type, appointment_id,
			patient_id, clinician_id, priority, position, status, joined_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
		ON CONFLICT (request_id) DO NOTHING
		RETURNING `+entryColumns, entryID, input.RequestID, queueNumber, input.TenantID,
		input.Type, nullIfEmpty(input.AppointmentID), input.PatientID, input.ClinicianID,
		input.Priority, rank, models.StatusWaiting, joinedAt)

	entry, err := scanEntry(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			// another writer inserted the same request id first; return its row
			var existing models.QueueEntry
			var found bool
			existing, found, err = findEntryByRequestID(ctx, tx, input.RequestID)
			if err != nil {
				return models.QueueEntry{}, false, err
			}
			if !found {
				err = store.ErrConcurrentUpdate
				return models.QueueEntry{}, false, err
			}
			if err = tx.Commit(ctx); err != nil {
				return models.QueueEntry{}, false, err
			}
			return existing, false, nil
		}
		return models.QueueEntry{}, false, err
	}

	if input.Type == models.TypeAppointment && store.BridgeAdvances(appointment.Status, models.AppointmentInQueue) {
		_, err = tx.Exec(ctx, `
			UPDATE appointments
			SET status = $1, arrived_at = COALESCE(arrived_at, $2)
			WHERE appointment_id = $3 AND tenant_id = $4
		`, models.AppointmentInQueue, joinedAt, input.AppointmentID, input.TenantID)
		if err != nil {
			return models.QueueEntry{}, false, err
		}
	}

	if err = insertOutboxEvent(ctx, tx, input.TenantID, "queue.entry.created", entry); err != nil {
		return models.QueueEntry{}, false, err
	}

	if err = tx.Commit(ctx); err != nil {
		return models.QueueEntry{}, false, err
	}
	return entry, true, nil
}

func (s *Store) GetEntry(ctx context.Context, tenantID, entryID string) (models.QueueEntry, bool, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+entryColumns+`
		FROM queue_entries
		WHERE entry_id = $1 AND tenant_id = $2 AND deleted_at IS NULL
	`, entryID, tenantID)
	entry, err := scanEntry(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.QueueEntry{}, false, store.ErrEntryNotFound
		}
		return models.QueueEntry{}, false, err
	}
	return entry, true, nil
}

func (s *Store) ChangeStatus(ctx context.Context, input store.ChangeStatusInput) (models.QueueEntry, *store.BridgeWarning, error) {
	for attempt := 0; attempt <= s.conflictRetries; attempt++ {
		if attempt > 0 {
			if err := sleepWithJitter(ctx, attempt); err != nil {
				return models.QueueEntry{}, nil, err
			}
		}
		entry, warning, err := s.changeStatusOnce(ctx, input)
		if err == nil {
			return entry, warning, nil
		}
		if !retryable(err) {
			return models.QueueEntry{}, nil, err
		}
	}
	return models.QueueEntry{}, nil, store.ErrConcurrentUpdate
}

func (s *Store) changeStatusOnce(ctx context.Context, input store.ChangeStatusInput) (models.QueueEntry, *store.BridgeWarning, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.QueueEntry{}, nil, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	row := tx.QueryRow(ctx, `
		SELECT `+entryColumns+`
		FROM queue_entries
		WHERE entry_id = $1 AND tenant_id = $2 AND deleted_at IS NULL
		FOR UPDATE
	`, input.EntryID, input.TenantID)
	entry, err := scanEntry(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			err = store.ErrEntryNotFound
		}
		return models.QueueEntry{}, nil, err
	}

	effect, err := store.Transition(entry.Status, input.NewStatus)
	if err != nil {
		return models.QueueEntry{}, nil, err
	}

	occurredAt := input.OccurredAt
	if occurredAt.IsZero() {
		occurredAt = time.Now().UTC()
	}

	updateQuery := `UPDATE queue_entries SET status = $1, version = version + 1`
	args := []interface{}{input.NewStatus}
	argPos := 2

	if effect.SetsCalledAt {
		updateQuery += fmt.Sprintf(", called_at = $%d, called_by = $%d", argPos, argPos+1)
		args = append(args, occurredAt, input.ActorID)
		argPos += 2
	}
	if effect.SetsStartedAt {
		updateQuery += fmt.Sprintf(", started_at = $%d", argPos)
		args = append(args, occurredAt)
		argPos++
	}
	if effect.SetsCompletedAt {
		waitSecs := int64(0)
		if entry.StartedAt != nil {
			waitSecs = int64(entry.StartedAt.Sub(entry.JoinedAt) / time.Second)
		}
		updateQuery += fmt.Sprintf(", completed_at = $%d, actual_wait_seconds = $%d", argPos, argPos+1)
		args = append(args, occurredAt, waitSecs)
		argPos += 2
	}
	if effect.SetsCancelledAt {
		updateQuery += fmt.Sprintf(", cancelled_at = $%d, cancel_reason = $%d", argPos, argPos+1)
		args = append(args, occurredAt, input.Reason)
		argPos += 2
	}

	updateQuery += fmt.Sprintf(`
		WHERE entry_id = $%d AND tenant_id = $%d AND version = $%d
		RETURNING `+entryColumns, argPos, argPos+1, argPos+2)
	args = append(args, input.EntryID, input.TenantID, entry.Version)

	row = tx.QueryRow(ctx, updateQuery, args...)
	updated, err := scanEntry(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			err = store.ErrConcurrentUpdate
		}
		return models.QueueEntry{}, nil, err
	}

	if store.LeavesWaiting(entry.Status) {
		if err = renormalizeWaiting(ctx, tx, input.TenantID, entry.ClinicianID); err != nil {
			return models.QueueEntry{}, nil, err
		}
	}

	var warning *store.BridgeWarning
	if entry.AppointmentID != nil {
		warning, err = cascadeAppointment(ctx, tx, input.TenantID, *entry.AppointmentID, input.NewStatus, input.Reason, occurredAt)
		if err != nil {
			return models.QueueEntry{}, nil, err
		}
	}

	if err = insertOutboxEvent(ctx, tx, input.TenantID, eventTypeForStatus(input.NewStatus), updated); err != nil {
		return models.QueueEntry{}, nil, err
	}

	if err = tx.Commit(ctx); err != nil {
		return models.QueueEntry{}, nil, err
	}
	return updated, warning, nil
}

func (s *Store) ReorderQueue(ctx context.Context, input store.ReorderInput) ([]models.QueueEntry, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	waiting, err := lockWaitingSet(ctx, tx, input.TenantID, input.ClinicianID)
	if err != nil {
		return nil, err
	}
	if err = store.ValidateReorder(waiting, input.OrderedEntryIDs); err != nil {
		return nil, err
	}

	byID := make(map[string]models.QueueEntry, len(waiting))
	for _, entry := range waiting {
		byID[entry.EntryID] = entry
	}

	reordered := make([]models.QueueEntry, 0, len(input.OrderedEntryIDs))
	for i, entryID := range input.OrderedEntryIDs {
		entry := byID[entryID]
		position := i + 1
		if entry.Position != position {
			_, err = tx.Exec(ctx, `
				UPDATE queue_entries
				SET position = $1, version = version + 1
				WHERE entry_id = $2 AND tenant_id = $3
			`, position, entryID, input.TenantID)
			if err != nil {
				return nil, err
			}
			entry.Position = position
			entry.Version++
		}
		reordered = append(reordered, entry)
	}

	if err = insertReorderOutboxEvent(ctx, tx, input); err != nil {
		return nil, err
	}

	if err = tx.Commit(ctx); err != nil {
		return nil, err
	}
	return reordered, nil
}

func (s *Store) GetDoctorQueue(ctx context.Context, tenantID, clinicianID string, includeActive bool) ([]models.QueueEntry, error) {
	statuses := []string{models.StatusWaiting}
	if includeActive {
		statuses = []string{models.StatusInProgress, models.StatusCalled, models.StatusWaiting}
	}

	rows, err := s.pool.Query(ctx, `
		SELECT `+entryColumns+`
		FROM queue_entries
		WHERE tenant_id = $1 AND clinician_id = $2 AND deleted_at IS NULL
			AND status = ANY($3)
		ORDER BY joined_at ASC
	`, tenantID, clinicianID, statuses)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var inProgress, called, waiting []models.QueueEntry
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		switch entry.Status {
		case models.StatusInProgress:
			inProgress = append(inProgress, entry)
		case models.StatusCalled:
			called = append(called, entry)
		default:
			waiting = append(waiting, entry)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	sort.Slice(inProgress, func(i, j int) bool {
		return timeOrZero(inProgress[i].StartedAt).Before(timeOrZero(inProgress[j].StartedAt))
	})
	sort.Slice(called, func(i, j int) bool {
		return timeOrZero(called[i].CalledAt).Before(timeOrZero(called[j].CalledAt))
	})
	// waiting order is the stored position, which explicit reorders own
	sort.Slice(waiting, func(i, j int) bool {
		return waiting[i].Position < waiting[j].Position
	})
	for i := range waiting {
		waiting[i].EstimatedWaitMin = i * s.estimatedVisitMin
	}

	queue := append(inProgress, called...)
	return append(queue, waiting...), nil
}

func timeOrZero(t *time.Time) time.Time {
	if t == nil {
		return time.Time{}
	}
	return *t
}

func (s *Store) GetStatistics(ctx context.Context, tenantID, clinicianID string, day time.Time) (store.Statistics, error) {
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

	rows, err := s.pool.Query(ctx, `
		SELECT status, priority, COUNT(*)
		FROM queue_entries
		WHERE tenant_id = $1 AND clinician_id = $2 AND deleted_at IS NULL
			AND joined_at >= $3 AND joined_at < $4
		GROUP BY status, priority
	`, tenantID, clinicianID, dayStart, dayEnd)
	if err != nil {
		return store.Statistics{}, err
	}
	defer rows.Close()

	for rows.Next() {
		var status, priority string
		var count int
		if err := rows.Scan(&status, &priority, &count); err != nil {
			return store.Statistics{}, err
		}
		stats.ByStatus[status] += count
		stats.ByPriority[priority] += count
	}
	if err := rows.Err(); err != nil {
		return store.Statistics{}, err
	}

	row := s.pool.QueryRow(ctx, `
		SELECT COUNT(*), COALESCE(AVG(actual_wait_seconds), 0)
		FROM queue_entries
		WHERE tenant_id = $1 AND clinician_id = $2 AND deleted_at IS NULL
			AND status = 'completed' AND completed_at >= $3 AND completed_at < $4
	`, tenantID, clinicianID, dayStart, dayEnd)
	if err := row.Scan(&stats.CompletedCount, &stats.AverageWaitSeconds); err != nil {
		return store.Statistics{}, err
	}
	return stats, nil
}

func (s *Store) ListEntries(ctx context.Context, input store.ListEntriesInput) ([]models.QueueEntry, int, error) {
	where := " WHERE tenant_id = $1 AND deleted_at IS NULL"
	args := []interface{}{input.TenantID}
	argPos := 2

	addFilter := func(column, value string) {
		if value == "" {
			return
		}
		where += fmt.Sprintf(" AND %s = $%d", column, argPos)
		args = append(args, value)
		argPos++
	}
	addFilter("status", input.Status)
	addFilter("priority", input.Priority)
	addFilter("type", input.Type)
	addFilter("clinician_id", input.ClinicianID)
	addFilter("patient_id", input.PatientID)

	if !input.Date.IsZero() {
		dayStart := time.Date(input.Date.Year(), input.Date.Month(), input.Date.Day(), 0, 0, 0, 0, time.UTC)
		where += fmt.Sprintf(" AND joined_at >= $%d AND joined_at < $%d", argPos, argPos+1)
		args = append(args, dayStart, dayStart.Add(24*time.Hour))
		argPos += 2
	}

	var total int
	row := s.pool.QueryRow(ctx, "SELECT COUNT(*) FROM queue_entries"+where, args...)
	if err := row.Scan(&total); err != nil {
		return nil, 0, err
	}

	limit := input.Limit
	if limit <= 0 {
		limit = 50
	}
	offset := input.Offset
	if offset < 0 {
		offset = 0
	}
	query := "SELECT " + entryColumns + " FROM queue_entries" + where +
		fmt.Sprintf(" ORDER BY joined_at DESC LIMIT $%d OFFSET $%d", argPos, argPos+1)
	args = append(args, limit, offset)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var entries []models.QueueEntry
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, 0, err
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}
	return entries, total, nil
}

func (s *Store) DeleteEntry(ctx context.Context, tenantID, entryID, actorID string, deletedAt time.Time) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	if deletedAt.IsZero() {
		deletedAt = time.Now().UTC()
	}

	var status, clinicianID string
	row := tx.QueryRow(ctx, `
		UPDATE queue_entries
		SET deleted_at = $1, version = version + 1
		WHERE entry_id = $2 AND tenant_id = $3 AND deleted_at IS NULL
		RETURNING status, clinician_id
	`, deletedAt, entryID, tenantID)
	if err = row.Scan(&status, &clinicianID); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			err = store.ErrEntryNotFound
		}
		return err
	}

	if status == models.StatusWaiting {
		if err = renormalizeWaiting(ctx, tx, tenantID, clinicianID); err != nil {
			return err
		}
	}

	return tx.Commit(ctx)
}

func (s *Store) AutoSkip(ctx context.Context, grace time.Duration, batchSize int) (int, error) {
	if grace <= 0 {
		return 0, nil
	}
	if batchSize <= 0 {
		batchSize = 100
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return 0, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	cutoff := time.Now().UTC().Add(-grace)
	rows, err := tx.Query(ctx, `
		SELECT `+entryColumns+`
		FROM queue_entries
		WHERE status = 'called' AND called_at <= $1 AND deleted_at IS NULL
		ORDER BY called_at ASC
		FOR UPDATE SKIP LOCKED
		LIMIT $2
	`, cutoff, batchSize)
	if err != nil {
		return 0, err
	}

	var stale []models.QueueEntry
	for rows.Next() {
		entry, serr := scanEntry(rows)
		if serr != nil {
			rows.Close()
			err = serr
			return 0, err
		}
		stale = append(stale, entry)
	}
	rows.Close()
	if err = rows.Err(); err != nil {
		return 0, err
	}
	if len(stale) == 0 {
		if err = tx.Commit(ctx); err != nil {
			return 0, err
		}
		return 0, nil
	}

	for i := range stale {
		_, err = tx.Exec(ctx, `
			UPDATE queue_entries
			SET status = 'skipped', version = version + 1
			WHERE entry_id = $1
		`, stale[i].EntryID)
		if err != nil {
			return 0, err
		}
		stale[i].Status = models.StatusSkipped
		if err = insertOutboxEvent(ctx, tx, stale[i].TenantID, "queue.entry.skipped", stale[i]); err != nil {
			return 0, err
		}
	}

	if err = tx.Commit(ctx); err != nil {
		return 0, err
	}
	return len(stale), nil
}

func (s *Store) ListOutboxEvents(ctx context.Context, tenantID string, after time.Time, limit int) ([]store.OutboxEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `
		SELECT event_id, tenant_id, type, payload_json, created_at
		FROM outbox_events
		WHERE tenant_id = $1
	`
	args := []interface{}{tenantID}
	if !after.IsZero() {
		query += " AND created_at > $2 ORDER BY created_at ASC LIMIT $3"
		args = append(args, after, limit)
	} else {
		query += " ORDER BY created_at ASC LIMIT $2"
		args = append(args, limit)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []store.OutboxEvent
	for rows.Next() {
		var event store.OutboxEvent
		if err := rows.Scan(&event.EventID, &event.TenantID, &event.Type, &event.Payload, &event.CreatedAt); err != nil {
			return nil, err
		}
		events = append(events, event)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return events, nil
}

func (s *Store) ListEntryEvents(ctx context.Context, tenantID, entryID string) ([]store.EntryEvent, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT ev.entry_id, ev.entry_seq, ev.type, ev.payload, ev.created_at, ev.prev_hash, ev.hash
		FROM entry_events ev
		JOIN queue_entries qe ON qe.entry_id = ev.entry_id
		WHERE qe.tenant_id = $1 AND ev.entry_id = $2
		ORDER BY ev.entry_seq ASC
	`, tenantID, entryID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []store.EntryEvent
	for rows.Next() {
		var event store.EntryEvent
		if err := rows.Scan(&event.EntryID, &event.EntrySeq, &event.Type, &event.Payload, &event.CreatedAt, &event.PrevHash, &event.Hash); err != nil {
			return nil, err
		}
		events = append(events, event)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return events, nil
}

func (s *Store) GetSession(ctx context.Context, sessionID string) (store.Session, error) {
	var session store.Session
	row := s.pool.QueryRow(ctx, `
		SELECT session_id, user_id, tenant_id, role, expires_at
		FROM sessions
		WHERE session_id = $1 AND expires_at > NOW()
	`, sessionID)
	if err := row.Scan(&session.SessionID, &session.UserID, &session.TenantID, &session.Role, &session.ExpiresAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return store.Session{}, store.ErrSessionNotFound
		}
		return store.Session{}, err
	}
	return session, nil
}

func cascadeAppointment(ctx context.Context, tx pgx.Tx, tenantID, appointmentID, entryStatus, reason string, occurredAt time.Time) (*store.BridgeWarning, error) {
	target, ok := store.BridgeTarget(entryStatus)
	if !ok {
		return nil, nil
	}

	appointment, err := getAppointmentForUpdate(ctx, tx, tenantID, appointmentID)
	if err != nil {
		if errors.Is(err, store.ErrAppointmentNotFound) {
			return store.OrphanedLinkWarning(appointmentID), nil
		}
		return nil, err
	}
	if !store.BridgeAdvances(appointment.Status, target) {
		return nil, nil
	}

	switch target {
	case models.AppointmentInProgress:
		_, err = tx.Exec(ctx, `
			UPDATE appointments
			SET status = $1, started_at = COALESCE(started_at, $2)
			WHERE appointment_id = $3 AND tenant_id = $4
		`, target, occurredAt, appointmentID, tenantID)
	case models.AppointmentCompleted:
		_, err = tx.Exec(ctx, `
			UPDATE appointments
			SET status = $1, completed_at = $2
			WHERE appointment_id = $3 AND tenant_id = $4
		`, target, occurredAt, appointmentID, tenantID)
	case models.AppointmentCancelled:
		_, err = tx.Exec(ctx, `
			UPDATE appointments
			SET status = $1, cancelled_at = $2, cancel_reason = $3
			WHERE appointment_id = $4 AND tenant_id = $5
		`, target, occurredAt, reason, appointmentID, tenantID)
	}
	return nil, err
}

func getAppointmentForUpdate(ctx context.Context, tx pgx.Tx, tenantID, appointmentID string) (models.Appointment, error) {
	var appointment models.Appointment
	var arrivedAt, startedAt, completedAt, cancelledAt sql.NullTime
	var reason sql.NullString
	row := tx.QueryRow(ctx, `
		SELECT appointment_id, tenant_id, patient_id, clinician_id, scheduled_start, scheduled_end,
			status, arrived_at, started_at, completed_at, cancelled_at, cancel_reason
		FROM appointments
		WHERE appointment_id = $1 AND tenant_id = $2
		FOR UPDATE
	`, appointmentID, tenantID)
	if err := row.Scan(&appointment.AppointmentID, &appointment.TenantID, &appointment.PatientID,
		&appointment.ClinicianID, &appointment.ScheduledStart, &appointment.ScheduledEnd,
		&appointment.Status, &arrivedAt, &startedAt, &completedAt, &cancelledAt, &reason); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Appointment{}, store.ErrAppointmentNotFound
		}
		return models.Appointment{}, err
	}
	appointment.ArrivedAt = nullTimePtr(arrivedAt)
	appointment.StartedAt = nullTimePtr(startedAt)
	appointment.CompletedAt = nullTimePtr(completedAt)
	appointment.CancelledAt = nullTimePtr(cancelledAt)
	if reason.Valid {
		appointment.CancelReason = reason.String
	}
	return appointment, nil
}

func lockWaitingSet(ctx context.Context, tx pgx.Tx, tenantID, clinicianID string) ([]models.QueueEntry, error) {
	rows, err := tx.Query(ctx, `
		SELECT `+entryColumns+`
		FROM queue_entries
		WHERE tenant_id = $1 AND clinician_id = $2 AND status = 'waiting' AND deleted_at IS NULL
		ORDER BY position ASC
		FOR UPDATE
	`, tenantID, clinicianID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []models.QueueEntry
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return entries, nil
}

func renormalizeWaiting(ctx context.Context, tx pgx.Tx, tenantID, clinicianID string) error {
	// lockWaitingSet returns position order; compacting in that order
	// keeps manual reorders intact across departures
	waiting, err := lockWaitingSet(ctx, tx, tenantID, clinicianID)
	if err != nil {
		return err
	}
	for _, entry := range store.Renumber(waiting) {
		_, err = tx.Exec(ctx, `
			UPDATE queue_entries
			SET position = $1, version = version + 1
			WHERE entry_id = $2
		`, entry.Position, entry.EntryID)
		if err != nil {
			return err
		}
	}
	return nil
}

func nextQueueNumber(ctx context.Context, tx pgx.Tx, tenantID, clinicianID string, at time.Time) (int64, error) {
	var next int64
	row := tx.QueryRow(ctx, `
		INSERT INTO queue_sequences (tenant_id, clinician_id, day, next_number)
		VALUES ($1, $2, $3, 1)
		ON CONFLICT (tenant_id, clinician_id, day)
		DO UPDATE SET next_number = queue_sequences.next_number + 1
		RETURNING next_number
	`, tenantID, clinicianID, at.Format("2006-01-02"))
	if err := row.Scan(&next); err != nil {
		return 0, err
	}
	return next, nil
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

func insertOutboxEvent(ctx context.Context, tx pgx.Tx, tenantID, eventType string, entry models.QueueEntry) error {
	payload := map[string]interface{}{
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
	}
	payloadJSON, err := jsonBytes(payload)
	if err != nil {
		return err
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO outbox_events (event_id, tenant_id, type, payload_json, created_at)
		VALUES ($1, $2, $3, $4, $5)
	`, uuid.NewString(), tenantID, eventType, payloadJSON, time.Now().UTC())
	if err != nil {
		return err
	}
	return insertEntryEvent(ctx, tx, entry.EntryID, eventType, payloadJSON)
}

func insertReorderOutboxEvent(ctx context.Context, tx pgx.Tx, input store.ReorderInput) error {
	payload := map[string]interface{}{
		"tenant_id":    input.TenantID,
		"clinician_id": input.ClinicianID,
		"entry_ids":    input.OrderedEntryIDs,
		"actor_id":     input.ActorID,
	}
	payloadJSON, err := jsonBytes(payload)
	if err != nil {
		return err
	}
	_, err = tx.Exec(ctx, `
		INSERT INTO outbox_events (event_id, tenant_id, type, payload_json, created_at)
		VALUES ($1, $2, $3, $4, $5)
	`, uuid.NewString(), input.TenantID, "queue.reordered", payloadJSON, time.Now().UTC())
	return err
}

func insertEntryEvent(ctx context.Context, tx pgx.Tx, entryID, eventType string, payload []byte) error {
	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, entryID); err != nil {
		return err
	}

	var lastSeq int
	var prevHash sql.NullString
	row := tx.QueryRow(ctx, `
		SELECT entry_seq, hash
		FROM entry_events
		WHERE entry_id = $1
		ORDER BY entry_seq DESC
		LIMIT 1
		FOR UPDATE
	`, entryID)
	if err := row.Scan(&lastSeq, &prevHash); err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return err
	}
	nextSeq := lastSeq + 1
	prev := ""
	if prevHash.Valid {
		prev = prevHash.String
	}
	createdAt := time.Now().UTC()
	hash := store.ComputeEntryEventHash(prev, entryID, eventType, payload, createdAt, nextSeq)

	_, err := tx.Exec(ctx, `
		INSERT INTO entry_events (entry_id, entry_seq, type, payload, created_at, prev_hash, hash)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, entryID, nextSeq, eventType, payload, createdAt, prev, hash)
	return err
}

func findEntryByRequestID(ctx context.Context, tx pgx.Tx, requestID string) (models.QueueEntry, bool, error) {
	row := tx.QueryRow(ctx, `
		SELECT `+entryColumns+`
		FROM queue_entries
		WHERE request_id = $1
	`, requestID)
	entry, err := scanEntry(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.QueueEntry{}, false, nil
		}
		return models.QueueEntry{}, false, err
	}
	return entry, true, nil
}

func scanEntry(row pgx.Row) (models.QueueEntry, error) {
	var entry models.QueueEntry
	var appointmentID, calledBy, requestID, cancelReason sql.NullString
	var calledAt, startedAt, completedAt, cancelledAt, deletedAt sql.NullTime
	var actualWait sql.NullInt64

	if err := row.Scan(&entry.EntryID, &entry.QueueNumber, &entry.TenantID, &entry.Type,
		&appointmentID, &entry.PatientID, &entry.ClinicianID, &entry.Priority, &entry.Position,
		&entry.Status, &entry.JoinedAt, &requestID, &calledAt, &calledBy, &startedAt,
		&completedAt, &cancelledAt, &cancelReason, &actualWait, &entry.Version, &deletedAt); err != nil {
		return models.QueueEntry{}, err
	}

	entry.AppointmentID = nullStringPtr(appointmentID)
	entry.CalledBy = nullStringPtr(calledBy)
	entry.CalledAt = nullTimePtr(calledAt)
	entry.StartedAt = nullTimePtr(startedAt)
	entry.CompletedAt = nullTimePtr(completedAt)
	entry.CancelledAt = nullTimePtr(cancelledAt)
	entry.DeletedAt = nullTimePtr(deletedAt)
	if requestID.Valid {
		entry.RequestID = requestID.String
	}
	if cancelReason.Valid {
		entry.CancelReason = cancelReason.String
	}
	if actualWait.Valid {
		wait := actualWait.Int64
		entry.ActualWaitSecs = &wait
	}
	return entry, nil
}

func retryable(err error) bool {
	if errors.Is(err, store.ErrAllocationConflict) || errors.Is(err, store.ErrConcurrentUpdate) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "40001", "40P01", "23505":
			return true
		}
	}
	return false
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func sleepWithJitter(ctx context.Context, attempt int) error {
	backoff := time.Duration(attempt) * 25 * time.Millisecond
	backoff += time.Duration(rand.Int63n(int64(25 * time.Millisecond)))
	timer := time.NewTimer(backoff)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func nullIfEmpty(value string) interface{} {
	if value == "" {
		return nil
	}
	return value
}

func nullTimePtr(value sql.NullTime) *time.Time {
	if !value.Valid {
		return nil
	}
	return &value.Time
}

func nullStringPtr(value sql.NullString) *string {
	if !value.Valid {
		return nil
	}
	return &value.String
}

func jsonBytes(value interface{}) ([]byte, error) {
	return json.Marshal(value)
}
