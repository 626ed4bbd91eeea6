package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"clinicflow/queue-service/internal/models"
	"clinicflow/queue-service/internal/store"

	"github.com/google/uuid"
)

type Handler struct {
	store store.EntryStore
}

type createEntryRequest struct {
	RequestID     string `json:"request_id"`
	TenantID      string `json:"tenant_id"`
	Type          string `json:"type"`
	AppointmentID string `json:"appointment_id"`
	PatientID     string `json:"patient_id"`
	ClinicianID   string `json:"clinician_id"`
	Priority      string `json:"priority"`
}

type changeStatusRequest struct {
	TenantID string `json:"tenant_id"`
	ActorID  string `json:"actor_id"`
	Status   string `json:"status"`
	Reason   string `json:"reason"`
}

type reorderRequest struct {
	TenantID    string   `json:"tenant_id"`
	ActorID     string   `json:"actor_id"`
	ClinicianID string   `json:"clinician_id"`
	EntryIDs    []string `json:"entry_ids"`
}

type entryResponse struct {
	Entry   models.QueueEntry    `json:"entry"`
	Warning *store.BridgeWarning `json:"warning,omitempty"`
}

type listResponse struct {
	Entries []models.QueueEntry `json:"entries"`
	Total   int                 `json:"total"`
}

type errorResponse struct {
	RequestID string        `json:"request_id"`
	Error     responseError `json:"error"`
}

type responseError struct {
	Code    string             `json:"code"`
	Message string             `json:"message"`
	Fields  []store.FieldError `json:"fields,omitempty"`
}

func NewHandler(entryStore store.EntryStore) *Handler {
	return &Handler{store: entryStore}
}

func (h *Handler) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", h.handleHealth)
	mux.HandleFunc("/api/queue-entries", h.handleEntries)
	mux.HandleFunc("/api/queue-entries/", h.handleEntryByID)
	mux.HandleFunc("/api/queues", h.handleDoctorQueue)
	mux.HandleFunc("/api/queues/reorder", h.handleReorder)
	mux.HandleFunc("/api/queues/statistics", h.handleStatistics)
	mux.HandleFunc("/api/events", h.handleEvents)
	return mux
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (h *Handler) handleEntries(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		h.handleCreateEntry(w, r)
	case http.MethodGet:
		h.handleListEntries(w, r)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (h *Handler) handleCreateEntry(w http.ResponseWriter, r *http.Request) {
	var req createEntryRequest
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&req); err != nil {
		writeError(w, req.RequestID, http.StatusBadRequest, "invalid_json", "invalid JSON payload", nil)
		return
	}

	req.RequestID = strings.TrimSpace(req.RequestID)
	req.TenantID = strings.TrimSpace(req.TenantID)
	req.Type = strings.TrimSpace(req.Type)
	req.AppointmentID = strings.TrimSpace(req.AppointmentID)
	req.PatientID = strings.TrimSpace(req.PatientID)
	req.ClinicianID = strings.TrimSpace(req.ClinicianID)
	req.Priority = strings.TrimSpace(req.Priority)

	var fields []store.FieldError
	fields = requireUUIDField(fields, "request_id", req.RequestID)
	fields = requireUUIDField(fields, "tenant_id", req.TenantID)
	fields = requireUUIDField(fields, "patient_id", req.PatientID)
	fields = requireUUIDField(fields, "clinician_id", req.ClinicianID)

	if req.Type == "" {
		req.Type = models.TypeWalkIn
	}
	if !models.ValidEntryType(req.Type) {
		fields = append(fields, store.FieldError{Field: "type", Reason: "must be walk_in or appointment"})
	}
	if req.Type == models.TypeAppointment {
		fields = requireUUIDField(fields, "appointment_id", req.AppointmentID)
	} else if req.AppointmentID != "" {
		fields = append(fields, store.FieldError{Field: "appointment_id", Reason: "only allowed for appointment entries"})
	}

	if req.Priority == "" {
		req.Priority = models.PriorityNormal
	}
	if !models.ValidPriority(req.Priority) {
		fields = append(fields, store.FieldError{Field: "priority", Reason: "must be one of low, normal, high, urgent"})
	}
	if len(fields) > 0 {
		writeValidationError(w, req.RequestID, &store.ValidationError{Fields: fields})
		return
	}

	entry, created, err := h.store.CreateEntry(r.Context(), store.CreateEntryInput{
		RequestID:     req.RequestID,
		TenantID:      req.TenantID,
		ActorID:       actorFromRequest(r),
		Type:          req.Type,
		AppointmentID: req.AppointmentID,
		PatientID:     req.PatientID,
		ClinicianID:   req.ClinicianID,
		Priority:      req.Priority,
		JoinedAt:      time.Now().UTC(),
	})
	if err != nil {
		status, code, msg, fields := mapError(err)
		writeError(w, req.RequestID, status, code, msg, fields)
		return
	}

	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	writeJSON(w, status, entryResponse{Entry: entry})
}

func (h *Handler) handleListEntries(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	tenantID := strings.TrimSpace(query.Get("tenant_id"))
	if tenantID == "" || !isValidUUID(tenantID) {
		writeValidationError(w, "", store.NewValidationError("tenant_id", "must be a UUID"))
		return
	}

	input := store.ListEntriesInput{
		TenantID:    tenantID,
		Status:      strings.TrimSpace(query.Get("status")),
		Priority:    strings.TrimSpace(query.Get("priority")),
		Type:        strings.TrimSpace(query.Get("type")),
		ClinicianID: strings.TrimSpace(query.Get("clinician_id")),
		PatientID:   strings.TrimSpace(query.Get("patient_id")),
	}
	if input.Status != "" && !models.ValidEntryStatus(input.Status) {
		writeValidationError(w, "", store.NewValidationError("status", "unknown status filter"))
		return
	}
	if input.Priority != "" && !models.ValidPriority(input.Priority) {
		writeValidationError(w, "", store.NewValidationError("priority", "unknown priority filter"))
		return
	}
	if dateRaw := strings.TrimSpace(query.Get("date")); dateRaw != "" {
		parsed, err := time.Parse("2006-01-02", dateRaw)
		if err != nil {
			writeValidationError(w, "", store.NewValidationError("date", "must be YYYY-MM-DD"))
			return
		}
		input.Date = parsed
	}
	var err error
	if input.Limit, err = parsePositiveInt(query.Get("limit"), 50); err != nil {
		writeValidationError(w, "", store.NewValidationError("limit", "must be a positive integer"))
		return
	}
	if input.Offset, err = parseNonNegativeInt(query.Get("offset"), 0); err != nil {
		writeValidationError(w, "", store.NewValidationError("offset", "must be a non-negative integer"))
		return
	}

	entries, total, err := h.store.ListEntries(r.Context(), input)
	if err != nil {
		status, code, msg, fields := mapError(err)
		writeError(w, "", status, code, msg, fields)
		return
	}
	if entries == nil {
		entries = []models.QueueEntry{}
	}
	writeJSON(w, http.StatusOK, listResponse{Entries: entries, Total: total})
}

func (h *Handler) handleEntryByID(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/api/queue-entries/")
	parts := strings.Split(strings.Trim(path, "/"), "/")

	entryID := parts[0]
	if !isValidUUID(entryID) {
		writeValidationError(w, "", store.NewValidationError("entry_id", "must be a UUID"))
		return
	}

	switch {
	case len(parts) == 1:
		switch r.Method {
		case http.MethodGet:
			h.handleGetEntry(w, r, entryID)
		case http.MethodDelete:
			h.handleDeleteEntry(w, r, entryID)
		default:
			w.WriteHeader(http.StatusMethodNotAllowed)
		}
	case len(parts) == 2 && parts[1] == "status":
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		h.handleChangeStatus(w, r, entryID)
	case len(parts) == 2 && parts[1] == "events":
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		h.handleEntryEvents(w, r, entryID)
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func (h *Handler) handleGetEntry(w http.ResponseWriter, r *http.Request, entryID string) {
	tenantID := strings.TrimSpace(r.URL.Query().Get("tenant_id"))
	if tenantID == "" || !isValidUUID(tenantID) {
		writeValidationError(w, "", store.NewValidationError("tenant_id", "must be a UUID"))
		return
	}

	entry, _, err := h.store.GetEntry(r.Context(), tenantID, entryID)
	if err != nil {
		status, code, msg, fields := mapError(err)
		writeError(w, "", status, code, msg, fields)
		return
	}
	writeJSON(w, http.StatusOK, entryResponse{Entry: entry})
}

func (h *Handler) handleDeleteEntry(w http.ResponseWriter, r *http.Request, entryID string) {
	tenantID := strings.TrimSpace(r.URL.Query().Get("tenant_id"))
	if tenantID == "" || !isValidUUID(tenantID) {
		writeValidationError(w, "", store.NewValidationError("tenant_id", "must be a UUID"))
		return
	}

	if err := h.store.DeleteEntry(r.Context(), tenantID, entryID, actorFromRequest(r), time.Now().UTC()); err != nil {
		status, code, msg, fields := mapError(err)
		writeError(w, "", status, code, msg, fields)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleChangeStatus(w http.ResponseWriter, r *http.Request, entryID string) {
	var req changeStatusRequest
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&req); err != nil {
		writeError(w, "", http.StatusBadRequest, "invalid_json", "invalid JSON payload", nil)
		return
	}

	req.TenantID = strings.TrimSpace(req.TenantID)
	req.ActorID = strings.TrimSpace(req.ActorID)
	req.Status = strings.TrimSpace(req.Status)
	req.Reason = strings.TrimSpace(req.Reason)

	var fields []store.FieldError
	fields = requireUUIDField(fields, "tenant_id", req.TenantID)
	fields = requireUUIDField(fields, "actor_id", req.ActorID)
	if req.Status == "" {
		fields = append(fields, store.FieldError{Field: "status", Reason: "required"})
	} else if !models.ValidEntryStatus(req.Status) {
		fields = append(fields, store.FieldError{Field: "status", Reason: "unknown status"})
	}
	if req.Status == models.StatusCancelled && req.Reason == "" {
		fields = append(fields, store.FieldError{Field: "reason", Reason: "required when cancelling"})
	}
	if len(fields) > 0 {
		writeValidationError(w, "", &store.ValidationError{Fields: fields})
		return
	}

	entry, warning, err := h.store.ChangeStatus(r.Context(), store.ChangeStatusInput{
		TenantID:   req.TenantID,
		ActorID:    req.ActorID,
		EntryID:    entryID,
		NewStatus:  req.Status,
		Reason:     req.Reason,
		OccurredAt: time.Now().UTC(),
	})
	if err != nil {
		status, code, msg, fields := mapError(err)
		writeError(w, "", status, code, msg, fields)
		return
	}
	writeJSON(w, http.StatusOK, entryResponse{Entry: entry, Warning: warning})
}

func (h *Handler) handleEntryEvents(w http.ResponseWriter, r *http.Request, entryID string) {
	tenantID := strings.TrimSpace(r.URL.Query().Get("tenant_id"))
	if tenantID == "" || !isValidUUID(tenantID) {
		writeValidationError(w, "", store.NewValidationError("tenant_id", "must be a UUID"))
		return
	}

	events, err := h.store.ListEntryEvents(r.Context(), tenantID, entryID)
	if err != nil {
		status, code, msg, fields := mapError(err)
		writeError(w, "", status, code, msg, fields)
		return
	}
	if events == nil {
		events = []store.EntryEvent{}
	}
	writeJSON(w, http.StatusOK, events)
}

func (h *Handler) handleDoctorQueue(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	query := r.URL.Query()
	tenantID := strings.TrimSpace(query.Get("tenant_id"))
	clinicianID := strings.TrimSpace(query.Get("clinician_id"))
	var fields []store.FieldError
	fields = requireUUIDField(fields, "tenant_id", tenantID)
	fields = requireUUIDField(fields, "clinician_id", clinicianID)
	if len(fields) > 0 {
		writeValidationError(w, "", &store.ValidationError{Fields: fields})
		return
	}
	includeActive := strings.TrimSpace(query.Get("include_active")) == "true"

	entries, err := h.store.GetDoctorQueue(r.Context(), tenantID, clinicianID, includeActive)
	if err != nil {
		status, code, msg, fields := mapError(err)
		writeError(w, "", status, code, msg, fields)
		return
	}
	if entries == nil {
		entries = []models.QueueEntry{}
	}
	writeJSON(w, http.StatusOK, listResponse{Entries: entries, Total: len(entries)})
}

func (h *Handler) handleReorder(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	var req reorderRequest
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&req); err != nil {
		writeError(w, "", http.StatusBadRequest, "invalid_json", "invalid JSON payload", nil)
		return
	}

	req.TenantID = strings.TrimSpace(req.TenantID)
	req.ActorID = strings.TrimSpace(req.ActorID)
	req.ClinicianID = strings.TrimSpace(req.ClinicianID)

	var fields []store.FieldError
	fields = requireUUIDField(fields, "tenant_id", req.TenantID)
	fields = requireUUIDField(fields, "actor_id", req.ActorID)
	fields = requireUUIDField(fields, "clinician_id", req.ClinicianID)
	if len(req.EntryIDs) == 0 {
		fields = append(fields, store.FieldError{Field: "entry_ids", Reason: "must not be empty"})
	}
	for _, entryID := range req.EntryIDs {
		if !isValidUUID(entryID) {
			fields = append(fields, store.FieldError{Field: "entry_ids", Reason: "must be UUIDs"})
			break
		}
	}
	if len(fields) > 0 {
		writeValidationError(w, "", &store.ValidationError{Fields: fields})
		return
	}

	entries, err := h.store.ReorderQueue(r.Context(), store.ReorderInput{
		TenantID:        req.TenantID,
		ActorID:         req.ActorID,
		ClinicianID:     req.ClinicianID,
		OrderedEntryIDs: req.EntryIDs,
		OccurredAt:      time.Now().UTC(),
	})
	if err != nil {
		status, code, msg, fields := mapError(err)
		writeError(w, "", status, code, msg, fields)
		return
	}
	writeJSON(w, http.StatusOK, listResponse{Entries: entries, Total: len(entries)})
}

func (h *Handler) handleStatistics(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	query := r.URL.Query()
	tenantID := strings.TrimSpace(query.Get("tenant_id"))
	clinicianID := strings.TrimSpace(query.Get("clinician_id"))
	var fields []store.FieldError
	fields = requireUUIDField(fields, "tenant_id", tenantID)
	fields = requireUUIDField(fields, "clinician_id", clinicianID)
	if len(fields) > 0 {
		writeValidationError(w, "", &store.ValidationError{Fields: fields})
		return
	}

	var day time.Time
	if dateRaw := strings.TrimSpace(query.Get("date")); dateRaw != "" {
		parsed, err := time.Parse("2006-01-02", dateRaw)
		if err != nil {
			writeValidationError(w, "", store.NewValidationError("date", "must be YYYY-MM-DD"))
			return
		}
		day = parsed
	}

	stats, err := h.store.GetStatistics(r.Context(), tenantID, clinicianID, day)
	if err != nil {
		status, code, msg, fields := mapError(err)
		writeError(w, "", status, code, msg, fields)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (h *Handler) handleEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	tenantID := strings.TrimSpace(r.URL.Query().Get("tenant_id"))
	if tenantID == "" || !isValidUUID(tenantID) {
		writeValidationError(w, "", store.NewValidationError("tenant_id", "must be a UUID"))
		return
	}

	afterRaw := strings.TrimSpace(r.URL.Query().Get("after"))
	var after time.Time
	if afterRaw != "" {
		parsed, err := time.Parse(time.RFC3339, afterRaw)
		if err != nil {
			writeValidationError(w, "", store.NewValidationError("after", "must be an RFC3339 timestamp"))
			return
		}
		after = parsed
	}

	limit, err := parsePositiveInt(r.URL.Query().Get("limit"), 100)
	if err != nil {
		writeValidationError(w, "", store.NewValidationError("limit", "must be a positive integer"))
		return
	}

	events, err := h.store.ListOutboxEvents(r.Context(), tenantID, after, limit)
	if err != nil {
		status, code, msg, fields := mapError(err)
		writeError(w, "", status, code, msg, fields)
		return
	}
	if events == nil {
		events = []store.OutboxEvent{}
	}
	writeJSON(w, http.StatusOK, events)
}

func actorFromRequest(r *http.Request) string {
	if session, ok := sessionFromContext(r.Context()); ok {
		return session.UserID
	}
	return strings.TrimSpace(r.Header.Get("X-Actor-ID"))
}

func isValidUUID(value string) bool {
	_, err := uuid.Parse(value)
	return err == nil
}

func parsePositiveInt(raw string, fallback int) (int, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return fallback, nil
	}
	parsed, err := strconv.Atoi(raw)
	if err != nil || parsed <= 0 {
		return 0, errors.New("not a positive integer")
	}
	return parsed, nil
}

func parseNonNegativeInt(raw string, fallback int) (int, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return fallback, nil
	}
	parsed, err := strconv.Atoi(raw)
	if err != nil || parsed < 0 {
		return 0, errors.New("not a non-negative integer")
	}
	return parsed, nil
}

func requireUUIDField(fields []store.FieldError, field, value string) []store.FieldError {
	switch {
	case value == "":
		return append(fields, store.FieldError{Field: field, Reason: "required"})
	case !isValidUUID(value):
		return append(fields, store.FieldError{Field: field, Reason: "must be a UUID"})
	}
	return fields
}

func writeValidationError(w http.ResponseWriter, requestID string, err *store.ValidationError) {
	status, code, msg, fields := mapError(err)
	writeError(w, requestID, status, code, msg, fields)
}

func mapError(err error) (int, string, string, []store.FieldError) {
	var validation *store.ValidationError
	if errors.As(err, &validation) {
		return http.StatusBadRequest, "validation_failed", validation.Error(), validation.Fields
	}
	var invalid *store.InvalidTransitionError
	if errors.As(err, &invalid) {
		return http.StatusConflict, "invalid_transition", invalid.Error(), nil
	}
	var mismatch *store.ReorderSetError
	if errors.As(err, &mismatch) {
		return http.StatusConflict, "reorder_set_mismatch", mismatch.Error(), nil
	}

	switch {
	case errors.Is(err, store.ErrEntryNotFound):
		return http.StatusNotFound, "entry_not_found", "queue entry not found", nil
	case errors.Is(err, store.ErrAppointmentNotFound):
		return http.StatusNotFound, "appointment_not_found", "appointment not found", nil
	case errors.Is(err, store.ErrPatientMismatch):
		return http.StatusConflict, "patient_mismatch", "appointment belongs to a different patient or clinician", nil
	case errors.Is(err, store.ErrDuplicateLink):
		return http.StatusConflict, "duplicate_link", "appointment already has an active queue entry", nil
	case errors.Is(err, store.ErrAllocationConflict):
		return http.StatusConflict, "allocation_conflict", "queue number allocation conflict, retry the request", nil
	case errors.Is(err, store.ErrConcurrentUpdate):
		return http.StatusConflict, "concurrent_update", "entry was modified concurrently, retry the request", nil
	case errors.Is(err, store.ErrSessionNotFound):
		return http.StatusUnauthorized, "unauthorized", "invalid session", nil
	default:
		return http.StatusInternalServerError, "internal_error", "internal server error", nil
	}
}

func writeError(w http.ResponseWriter, requestID string, status int, code, message string, fields []store.FieldError) {
	writeJSON(w, status, errorResponse{
		RequestID: requestID,
		Error: responseError{
			Code:    code,
			Message: message,
			Fields:  fields,
		},
	})
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(payload)
}
