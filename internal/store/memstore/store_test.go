package memstore

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"clinicflow/queue-service/internal/models"
	"clinicflow/queue-service/internal/store"

	"github.com/google/uuid"
)

const (
	testTenant    = "11111111-1111-1111-1111-111111111111"
	testClinician = "22222222-2222-2222-2222-222222222222"
	testActor     = "33333333-3333-3333-3333-333333333333"
)

func walkInInput(patientID, priority string, joinedAt time.Time) store.CreateEntryInput {
	return store.CreateEntryInput{
		RequestID:   uuid.NewString(),
		TenantID:    testTenant,
		ActorID:     testActor,
		Type:        models.TypeWalkIn,
		PatientID:   patientID,
		ClinicianID: testClinician,
		Priority:    priority,
		JoinedAt:    joinedAt,
	}
}

func TestCreateEntryAppendsWalkIn(t *testing.T) {
	s := NewStore(Options{})
	ctx := context.Background()
	base := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

	for i := 0; i < 2; i++ {
		if _, _, err := s.CreateEntry(ctx, walkInInput(uuid.NewString(), models.PriorityNormal, base.Add(time.Duration(i)*time.Minute))); err != nil {
			t.Fatalf("create %d: %v", i, err)
		}
	}

	entry, created, err := s.CreateEntry(ctx, walkInInput(uuid.NewString(), models.PriorityNormal, base.Add(5*time.Minute)))
	if err != nil || !created {
		t.Fatalf("create: created=%v err=%v", created, err)
	}
	if entry.Position != 3 {
		t.Fatalf("position = %d, want 3", entry.Position)
	}
	if entry.QueueNumber != "Q20260302-22222222-003" {
		t.Fatalf("queue number = %q, want Q20260302-22222222-003", entry.QueueNumber)
	}
	if entry.Status != models.StatusWaiting {
		t.Fatalf("status = %q, want waiting", entry.Status)
	}
}

func TestCreateEntryUrgentShiftsWaiting(t *testing.T) {
	s := NewStore(Options{})
	ctx := context.Background()
	base := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

	first, _, err := s.CreateEntry(ctx, walkInInput(uuid.NewString(), models.PriorityNormal, base))
	if err != nil {
		t.Fatalf("create first: %v", err)
	}
	second, _, err := s.CreateEntry(ctx, walkInInput(uuid.NewString(), models.PriorityNormal, base.Add(time.Minute)))
	if err != nil {
		t.Fatalf("create second: %v", err)
	}

	urgent, _, err := s.CreateEntry(ctx, walkInInput(uuid.NewString(), models.PriorityUrgent, base.Add(2*time.Minute)))
	if err != nil {
		t.Fatalf("create urgent: %v", err)
	}
	if urgent.Position != 1 {
		t.Fatalf("urgent position = %d, want 1", urgent.Position)
	}

	got, _, _ := s.GetEntry(ctx, testTenant, first.EntryID)
	if got.Position != 2 {
		t.Fatalf("first position = %d, want 2", got.Position)
	}
	got, _, _ = s.GetEntry(ctx, testTenant, second.EntryID)
	if got.Position != 3 {
		t.Fatalf("second position = %d, want 3", got.Position)
	}
}

func TestQueueNumbersUniqueAcrossClinicians(t *testing.T) {
	s := NewStore(Options{})
	ctx := context.Background()
	joined := time.Date(2026, 8, 31, 9, 0, 0, 0, time.UTC)

	first, _, err := s.CreateEntry(ctx, walkInInput(uuid.NewString(), models.PriorityNormal, joined))
	if err != nil {
		t.Fatalf("create for first clinician: %v", err)
	}

	input := walkInInput(uuid.NewString(), models.PriorityNormal, joined)
	input.ClinicianID = "99999999-9999-9999-9999-999999999999"
	second, _, err := s.CreateEntry(ctx, input)
	if err != nil {
		t.Fatalf("create for second clinician: %v", err)
	}

	if first.QueueNumber == second.QueueNumber {
		t.Fatalf("clinicians share queue number %q within one tenant", first.QueueNumber)
	}
}

func TestCreateEntryIdempotentByRequestID(t *testing.T) {
	s := NewStore(Options{})
	ctx := context.Background()

	input := walkInInput(uuid.NewString(), models.PriorityNormal, time.Now().UTC())
	first, created, err := s.CreateEntry(ctx, input)
	if err != nil || !created {
		t.Fatalf("first create: created=%v err=%v", created, err)
	}
	second, created, err := s.CreateEntry(ctx, input)
	if err != nil {
		t.Fatalf("replay create: %v", err)
	}
	if created {
		t.Fatal("replay should not report a new entry")
	}
	if second.EntryID != first.EntryID {
		t.Fatalf("replay returned %q, want %q", second.EntryID, first.EntryID)
	}
}

func TestCreateEntryAppointmentValidation(t *testing.T) {
	s := NewStore(Options{})
	ctx := context.Background()
	now := time.Now().UTC()

	appointmentID := uuid.NewString()
	patientID := uuid.NewString()
	s.PutAppointment(models.Appointment{
		AppointmentID:  appointmentID,
		TenantID:       testTenant,
		PatientID:      patientID,
		ClinicianID:    testClinician,
		ScheduledStart: now,
		ScheduledEnd:   now.Add(30 * time.Minute),
		Status:         models.AppointmentConfirmed,
	})

	input := store.CreateEntryInput{
		RequestID:     uuid.NewString(),
		TenantID:      testTenant,
		ActorID:       testActor,
		Type:          models.TypeAppointment,
		AppointmentID: appointmentID,
		PatientID:     uuid.NewString(),
		ClinicianID:   testClinician,
		Priority:      models.PriorityNormal,
	}
	if _, _, err := s.CreateEntry(ctx, input); !errors.Is(err, store.ErrPatientMismatch) {
		t.Fatalf("expected patient mismatch, got %v", err)
	}

	input.PatientID = patientID
	input.RequestID = uuid.NewString()
	entry, _, err := s.CreateEntry(ctx, input)
	if err != nil {
		t.Fatalf("create from appointment: %v", err)
	}
	if entry.AppointmentID == nil || *entry.AppointmentID != appointmentID {
		t.Fatalf("appointment link missing: %+v", entry)
	}

	appointment, _ := s.GetAppointment(testTenant, appointmentID)
	if appointment.Status != models.AppointmentInQueue {
		t.Fatalf("appointment status = %q, want in_queue", appointment.Status)
	}
	if appointment.ArrivedAt == nil {
		t.Fatal("arrived_at not stamped")
	}

	input.RequestID = uuid.NewString()
	if _, _, err := s.CreateEntry(ctx, input); !errors.Is(err, store.ErrDuplicateLink) {
		t.Fatalf("expected duplicate link, got %v", err)
	}

	input.RequestID = uuid.NewString()
	input.AppointmentID = uuid.NewString()
	if _, _, err := s.CreateEntry(ctx, input); !errors.Is(err, store.ErrAppointmentNotFound) {
		t.Fatalf("expected appointment not found, got %v", err)
	}
}

func TestChangeStatusLifecycle(t *testing.T) {
	s := NewStore(Options{})
	ctx := context.Background()
	joined := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

	entry, _, err := s.CreateEntry(ctx, walkInInput(uuid.NewString(), models.PriorityNormal, joined))
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	called := joined.Add(10 * time.Minute)
	entry, _, err = s.ChangeStatus(ctx, store.ChangeStatusInput{
		TenantID: testTenant, ActorID: testActor, EntryID: entry.EntryID,
		NewStatus: models.StatusCalled, OccurredAt: called,
	})
	if err != nil {
		t.Fatalf("call: %v", err)
	}
	if entry.CalledAt == nil || !entry.CalledAt.Equal(called) {
		t.Fatalf("called_at = %v, want %v", entry.CalledAt, called)
	}
	if entry.CalledBy == nil || *entry.CalledBy != testActor {
		t.Fatalf("called_by = %v, want actor", entry.CalledBy)
	}

	started := called.Add(2 * time.Minute)
	entry, _, err = s.ChangeStatus(ctx, store.ChangeStatusInput{
		TenantID: testTenant, ActorID: testActor, EntryID: entry.EntryID,
		NewStatus: models.StatusInProgress, OccurredAt: started,
	})
	if err != nil {
		t.Fatalf("start: %v", err)
	}

	completed := started.Add(15 * time.Minute)
	entry, _, err = s.ChangeStatus(ctx, store.ChangeStatusInput{
		TenantID: testTenant, ActorID: testActor, EntryID: entry.EntryID,
		NewStatus: models.StatusCompleted, OccurredAt: completed,
	})
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if entry.ActualWaitSecs == nil || *entry.ActualWaitSecs != int64(12*60) {
		t.Fatalf("actual wait = %v, want 720s", entry.ActualWaitSecs)
	}

	_, _, err = s.ChangeStatus(ctx, store.ChangeStatusInput{
		TenantID: testTenant, ActorID: testActor, EntryID: entry.EntryID,
		NewStatus: models.StatusWaiting,
	})
	var invalid *store.InvalidTransitionError
	if !errors.As(err, &invalid) {
		t.Fatalf("expected invalid transition, got %v", err)
	}
}

func TestChangeStatusRenormalizesWaiting(t *testing.T) {
	s := NewStore(Options{})
	ctx := context.Background()
	base := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

	var ids []string
	for i := 0; i < 3; i++ {
		entry, _, err := s.CreateEntry(ctx, walkInInput(uuid.NewString(), models.PriorityNormal, base.Add(time.Duration(i)*time.Minute)))
		if err != nil {
			t.Fatalf("create %d: %v", i, err)
		}
		ids = append(ids, entry.EntryID)
	}

	if _, _, err := s.ChangeStatus(ctx, store.ChangeStatusInput{
		TenantID: testTenant, ActorID: testActor, EntryID: ids[0], NewStatus: models.StatusCalled,
	}); err != nil {
		t.Fatalf("call head: %v", err)
	}

	second, _, _ := s.GetEntry(ctx, testTenant, ids[1])
	third, _, _ := s.GetEntry(ctx, testTenant, ids[2])
	if second.Position != 1 || third.Position != 2 {
		t.Fatalf("positions after call = %d,%d, want 1,2", second.Position, third.Position)
	}
}

func TestChangeStatusCascadesAppointment(t *testing.T) {
	s := NewStore(Options{})
	ctx := context.Background()
	now := time.Now().UTC()

	appointmentID := uuid.NewString()
	patientID := uuid.NewString()
	s.PutAppointment(models.Appointment{
		AppointmentID: appointmentID,
		TenantID:      testTenant,
		PatientID:     patientID,
		ClinicianID:   testClinician,
		Status:        models.AppointmentConfirmed,
	})

	entry, _, err := s.CreateEntry(ctx, store.CreateEntryInput{
		RequestID: uuid.NewString(), TenantID: testTenant, ActorID: testActor,
		Type: models.TypeAppointment, AppointmentID: appointmentID,
		PatientID: patientID, ClinicianID: testClinician,
		Priority: models.PriorityNormal, JoinedAt: now,
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	for _, status := range []string{models.StatusCalled, models.StatusInProgress, models.StatusCompleted} {
		entry, _, err = s.ChangeStatus(ctx, store.ChangeStatusInput{
			TenantID: testTenant, ActorID: testActor, EntryID: entry.EntryID, NewStatus: status,
		})
		if err != nil {
			t.Fatalf("transition to %s: %v", status, err)
		}
	}

	appointment, _ := s.GetAppointment(testTenant, appointmentID)
	if appointment.Status != models.AppointmentCompleted {
		t.Fatalf("appointment status = %q, want completed", appointment.Status)
	}
	if appointment.StartedAt == nil || appointment.CompletedAt == nil {
		t.Fatalf("cascade timestamps missing: %+v", appointment)
	}
}

func TestChangeStatusOrphanedLinkWarns(t *testing.T) {
	s := NewStore(Options{})
	ctx := context.Background()

	appointmentID := uuid.NewString()
	patientID := uuid.NewString()
	s.PutAppointment(models.Appointment{
		AppointmentID: appointmentID,
		TenantID:      testTenant,
		PatientID:     patientID,
		ClinicianID:   testClinician,
		Status:        models.AppointmentConfirmed,
	})
	entry, _, err := s.CreateEntry(ctx, store.CreateEntryInput{
		RequestID: uuid.NewString(), TenantID: testTenant, ActorID: testActor,
		Type: models.TypeAppointment, AppointmentID: appointmentID,
		PatientID: patientID, ClinicianID: testClinician, Priority: models.PriorityNormal,
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	// simulate the scheduling system deleting the appointment out from under us
	s.mu.Lock()
	delete(s.appointments, appointmentID)
	s.mu.Unlock()

	updated, warning, err := s.ChangeStatus(ctx, store.ChangeStatusInput{
		TenantID: testTenant, ActorID: testActor, EntryID: entry.EntryID, NewStatus: models.StatusCalled,
	})
	if err != nil {
		t.Fatalf("call with orphaned link: %v", err)
	}
	if updated.Status != models.StatusCalled {
		t.Fatalf("queue transition did not commit: %q", updated.Status)
	}
	if warning == nil || warning.Code != "orphaned_queue_link" {
		t.Fatalf("expected orphaned link warning, got %+v", warning)
	}
}

func TestReorderQueue(t *testing.T) {
	s := NewStore(Options{})
	ctx := context.Background()
	base := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

	var ids []string
	for i := 0; i < 3; i++ {
		entry, _, err := s.CreateEntry(ctx, walkInInput(uuid.NewString(), models.PriorityNormal, base.Add(time.Duration(i)*time.Minute)))
		if err != nil {
			t.Fatalf("create %d: %v", i, err)
		}
		ids = append(ids, entry.EntryID)
	}

	reordered, err := s.ReorderQueue(ctx, store.ReorderInput{
		TenantID: testTenant, ActorID: testActor, ClinicianID: testClinician,
		OrderedEntryIDs: []string{ids[2], ids[0], ids[1]},
	})
	if err != nil {
		t.Fatalf("reorder: %v", err)
	}
	for i, want := range []string{ids[2], ids[0], ids[1]} {
		if reordered[i].EntryID != want || reordered[i].Position != i+1 {
			t.Fatalf("slot %d = (%s, %d), want (%s, %d)", i, reordered[i].EntryID, reordered[i].Position, want, i+1)
		}
	}

	_, err = s.ReorderQueue(ctx, store.ReorderInput{
		TenantID: testTenant, ActorID: testActor, ClinicianID: testClinician,
		OrderedEntryIDs: []string{ids[0], ids[1]},
	})
	var mismatch *store.ReorderSetError
	if !errors.As(err, &mismatch) {
		t.Fatalf("expected reorder set error, got %v", err)
	}

	// failed reorder must leave positions untouched
	head, _, _ := s.GetEntry(ctx, testTenant, ids[2])
	if head.Position != 1 {
		t.Fatalf("position after failed reorder = %d, want 1", head.Position)
	}
}

func TestReorderOverridesNaturalOrder(t *testing.T) {
	s := NewStore(Options{})
	ctx := context.Background()
	base := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

	var ids []string
	for i := 0; i < 3; i++ {
		entry, _, err := s.CreateEntry(ctx, walkInInput(uuid.NewString(), models.PriorityNormal, base.Add(time.Duration(i)*time.Minute)))
		if err != nil {
			t.Fatalf("create %d: %v", i, err)
		}
		ids = append(ids, entry.EntryID)
	}

	if _, err := s.ReorderQueue(ctx, store.ReorderInput{
		TenantID: testTenant, ActorID: testActor, ClinicianID: testClinician,
		OrderedEntryIDs: []string{ids[2], ids[0], ids[1]},
	}); err != nil {
		t.Fatalf("reorder: %v", err)
	}

	queue, err := s.GetDoctorQueue(ctx, testTenant, testClinician, false)
	if err != nil {
		t.Fatalf("doctor queue: %v", err)
	}
	for i, want := range []string{ids[2], ids[0], ids[1]} {
		if queue[i].EntryID != want {
			t.Fatalf("read slot %d = %s, want %s", i, queue[i].EntryID, want)
		}
	}

	// a departure must compact positions without reverting to arrival order
	if _, _, err := s.ChangeStatus(ctx, store.ChangeStatusInput{
		TenantID: testTenant, ActorID: testActor, EntryID: ids[1], NewStatus: models.StatusCalled,
	}); err != nil {
		t.Fatalf("call: %v", err)
	}

	queue, err = s.GetDoctorQueue(ctx, testTenant, testClinician, false)
	if err != nil {
		t.Fatalf("doctor queue after call: %v", err)
	}
	if len(queue) != 2 {
		t.Fatalf("waiting length = %d, want 2", len(queue))
	}
	if queue[0].EntryID != ids[2] || queue[0].Position != 1 {
		t.Fatalf("head after call = (%s, %d), want (%s, 1)", queue[0].EntryID, queue[0].Position, ids[2])
	}
	if queue[1].EntryID != ids[0] || queue[1].Position != 2 {
		t.Fatalf("second after call = (%s, %d), want (%s, 2)", queue[1].EntryID, queue[1].Position, ids[0])
	}
}

func TestConcurrentCreatesGetDistinctPositions(t *testing.T) {
	s := NewStore(Options{})
	ctx := context.Background()
	const n = 20

	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, _, err := s.CreateEntry(ctx, walkInInput(fmt.Sprintf("patient-%d", i), models.PriorityNormal, time.Time{}))
			errs <- err
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("concurrent create: %v", err)
		}
	}

	queue, err := s.GetDoctorQueue(ctx, testTenant, testClinician, false)
	if err != nil {
		t.Fatalf("doctor queue: %v", err)
	}
	if len(queue) != n {
		t.Fatalf("queue length = %d, want %d", len(queue), n)
	}

	seenPositions := make(map[int]bool)
	seenNumbers := make(map[string]bool)
	for _, entry := range queue {
		if seenPositions[entry.Position] {
			t.Fatalf("duplicate position %d", entry.Position)
		}
		if seenNumbers[entry.QueueNumber] {
			t.Fatalf("duplicate queue number %s", entry.QueueNumber)
		}
		seenPositions[entry.Position] = true
		seenNumbers[entry.QueueNumber] = true
	}
	for i := 1; i <= n; i++ {
		if !seenPositions[i] {
			t.Fatalf("missing position %d", i)
		}
	}
}

func TestGetDoctorQueueOrderingAndEstimates(t *testing.T) {
	s := NewStore(Options{EstimatedVisitMinutes: 10})
	ctx := context.Background()
	base := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

	var ids []string
	for i := 0; i < 3; i++ {
		entry, _, err := s.CreateEntry(ctx, walkInInput(uuid.NewString(), models.PriorityNormal, base.Add(time.Duration(i)*time.Minute)))
		if err != nil {
			t.Fatalf("create %d: %v", i, err)
		}
		ids = append(ids, entry.EntryID)
	}
	if _, _, err := s.ChangeStatus(ctx, store.ChangeStatusInput{
		TenantID: testTenant, ActorID: testActor, EntryID: ids[0], NewStatus: models.StatusCalled,
	}); err != nil {
		t.Fatalf("call: %v", err)
	}

	queue, err := s.GetDoctorQueue(ctx, testTenant, testClinician, true)
	if err != nil {
		t.Fatalf("doctor queue: %v", err)
	}
	if len(queue) != 3 {
		t.Fatalf("queue length = %d, want 3", len(queue))
	}
	if queue[0].EntryID != ids[0] || queue[0].Status != models.StatusCalled {
		t.Fatalf("called entry should lead: %+v", queue[0])
	}
	if queue[1].EstimatedWaitMin != 0 || queue[2].EstimatedWaitMin != 10 {
		t.Fatalf("estimates = %d,%d, want 0,10", queue[1].EstimatedWaitMin, queue[2].EstimatedWaitMin)
	}

	waitingOnly, err := s.GetDoctorQueue(ctx, testTenant, testClinician, false)
	if err != nil {
		t.Fatalf("waiting only: %v", err)
	}
	if len(waitingOnly) != 2 {
		t.Fatalf("waiting length = %d, want 2", len(waitingOnly))
	}
}

func TestGetStatisticsAveragesWait(t *testing.T) {
	s := NewStore(Options{})
	ctx := context.Background()
	base := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

	for i, waitMin := range []int{10, 20} {
		entry, _, err := s.CreateEntry(ctx, walkInInput(uuid.NewString(), models.PriorityNormal, base.Add(time.Duration(i)*time.Minute)))
		if err != nil {
			t.Fatalf("create %d: %v", i, err)
		}
		started := entry.JoinedAt.Add(time.Duration(waitMin) * time.Minute)
		for _, step := range []struct {
			status string
			at     time.Time
		}{
			{models.StatusCalled, started.Add(-time.Minute)},
			{models.StatusInProgress, started},
			{models.StatusCompleted, started.Add(10 * time.Minute)},
		} {
			if _, _, err := s.ChangeStatus(ctx, store.ChangeStatusInput{
				TenantID: testTenant, ActorID: testActor, EntryID: entry.EntryID,
				NewStatus: step.status, OccurredAt: step.at,
			}); err != nil {
				t.Fatalf("step %s: %v", step.status, err)
			}
		}
	}

	stats, err := s.GetStatistics(ctx, testTenant, testClinician, base)
	if err != nil {
		t.Fatalf("statistics: %v", err)
	}
	if stats.CompletedCount != 2 {
		t.Fatalf("completed = %d, want 2", stats.CompletedCount)
	}
	if stats.AverageWaitSeconds != 15*60 {
		t.Fatalf("average wait = %v, want 900", stats.AverageWaitSeconds)
	}
	if stats.ByStatus[models.StatusCompleted] != 2 {
		t.Fatalf("by_status = %v", stats.ByStatus)
	}
}

func TestDeleteEntryHidesAndCompacts(t *testing.T) {
	s := NewStore(Options{})
	ctx := context.Background()
	base := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

	first, _, err := s.CreateEntry(ctx, walkInInput(uuid.NewString(), models.PriorityNormal, base))
	if err != nil {
		t.Fatalf("create first: %v", err)
	}
	second, _, err := s.CreateEntry(ctx, walkInInput(uuid.NewString(), models.PriorityNormal, base.Add(time.Minute)))
	if err != nil {
		t.Fatalf("create second: %v", err)
	}

	if err := s.DeleteEntry(ctx, testTenant, first.EntryID, testActor, time.Time{}); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, _, err := s.GetEntry(ctx, testTenant, first.EntryID); !errors.Is(err, store.ErrEntryNotFound) {
		t.Fatalf("deleted entry still visible: %v", err)
	}
	if err := s.DeleteEntry(ctx, testTenant, first.EntryID, testActor, time.Time{}); !errors.Is(err, store.ErrEntryNotFound) {
		t.Fatalf("double delete should be not found, got %v", err)
	}

	remaining, _, _ := s.GetEntry(ctx, testTenant, second.EntryID)
	if remaining.Position != 1 {
		t.Fatalf("position after delete = %d, want 1", remaining.Position)
	}

	entries, total, err := s.ListEntries(ctx, store.ListEntriesInput{TenantID: testTenant})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if total != 1 || len(entries) != 1 {
		t.Fatalf("list after delete = %d/%d, want 1/1", len(entries), total)
	}
}

func TestAutoSkipStaleCalledEntries(t *testing.T) {
	s := NewStore(Options{})
	ctx := context.Background()
	joined := time.Now().UTC().Add(-time.Hour)

	entry, _, err := s.CreateEntry(ctx, walkInInput(uuid.NewString(), models.PriorityNormal, joined))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, _, err := s.ChangeStatus(ctx, store.ChangeStatusInput{
		TenantID: testTenant, ActorID: testActor, EntryID: entry.EntryID,
		NewStatus: models.StatusCalled, OccurredAt: joined.Add(time.Minute),
	}); err != nil {
		t.Fatalf("call: %v", err)
	}

	fresh, _, err := s.CreateEntry(ctx, walkInInput(uuid.NewString(), models.PriorityNormal, time.Now().UTC()))
	if err != nil {
		t.Fatalf("create fresh: %v", err)
	}

	skipped, err := s.AutoSkip(ctx, 10*time.Minute, 50)
	if err != nil {
		t.Fatalf("auto skip: %v", err)
	}
	if skipped != 1 {
		t.Fatalf("skipped = %d, want 1", skipped)
	}

	got, _, _ := s.GetEntry(ctx, testTenant, entry.EntryID)
	if got.Status != models.StatusSkipped {
		t.Fatalf("status = %q, want skipped", got.Status)
	}
	got, _, _ = s.GetEntry(ctx, testTenant, fresh.EntryID)
	if got.Status != models.StatusWaiting {
		t.Fatalf("fresh entry touched: %q", got.Status)
	}
}

func TestEntryEventsChainAndRehydrate(t *testing.T) {
	s := NewStore(Options{})
	ctx := context.Background()
	joined := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

	entry, _, err := s.CreateEntry(ctx, walkInInput(uuid.NewString(), models.PriorityNormal, joined))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	for _, status := range []string{models.StatusCalled, models.StatusInProgress} {
		if _, _, err := s.ChangeStatus(ctx, store.ChangeStatusInput{
			TenantID: testTenant, ActorID: testActor, EntryID: entry.EntryID, NewStatus: status,
		}); err != nil {
			t.Fatalf("transition to %s: %v", status, err)
		}
	}

	events, err := s.ListEntryEvents(ctx, testTenant, entry.EntryID)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	if len(events) != 3 {
		t.Fatalf("event count = %d, want 3", len(events))
	}
	for i, event := range events {
		want := store.ComputeEntryEventHash(event.PrevHash, event.EntryID, event.Type, event.Payload, event.CreatedAt, event.EntrySeq)
		if event.Hash != want {
			t.Fatalf("event %d hash mismatch", i)
		}
		if i > 0 && event.PrevHash != events[i-1].Hash {
			t.Fatalf("event %d not chained to predecessor", i)
		}
	}

	rehydrated, err := store.RehydrateEntry(events)
	if err != nil {
		t.Fatalf("rehydrate: %v", err)
	}
	if rehydrated.Status != models.StatusInProgress || rehydrated.EntryID != entry.EntryID {
		t.Fatalf("rehydrated = %+v", rehydrated)
	}
}

func TestTenantIsolation(t *testing.T) {
	s := NewStore(Options{})
	ctx := context.Background()

	entry, _, err := s.CreateEntry(ctx, walkInInput(uuid.NewString(), models.PriorityNormal, time.Now().UTC()))
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	otherTenant := uuid.NewString()
	if _, _, err := s.GetEntry(ctx, otherTenant, entry.EntryID); !errors.Is(err, store.ErrEntryNotFound) {
		t.Fatalf("cross-tenant read should fail, got %v", err)
	}
	if _, _, err := s.ChangeStatus(ctx, store.ChangeStatusInput{
		TenantID: otherTenant, ActorID: testActor, EntryID: entry.EntryID, NewStatus: models.StatusCalled,
	}); !errors.Is(err, store.ErrEntryNotFound) {
		t.Fatalf("cross-tenant write should fail, got %v", err)
	}
}

func TestGetSessionExpiry(t *testing.T) {
	s := NewStore(Options{})
	ctx := context.Background()

	s.PutSession(store.Session{
		SessionID: "live", UserID: testActor, TenantID: testTenant,
		Role: "staff", ExpiresAt: time.Now().UTC().Add(time.Hour),
	})
	s.PutSession(store.Session{
		SessionID: "stale", UserID: testActor, TenantID: testTenant,
		Role: "staff", ExpiresAt: time.Now().UTC().Add(-time.Hour),
	})

	if _, err := s.GetSession(ctx, "live"); err != nil {
		t.Fatalf("live session: %v", err)
	}
	if _, err := s.GetSession(ctx, "stale"); !errors.Is(err, store.ErrSessionNotFound) {
		t.Fatalf("stale session should be rejected, got %v", err)
	}
	if _, err := s.GetSession(ctx, "missing"); !errors.Is(err, store.ErrSessionNotFound) {
		t.Fatalf("missing session should be rejected, got %v", err)
	}
}
