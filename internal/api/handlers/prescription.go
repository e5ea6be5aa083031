// Package handlers provides HTTP handlers for the ingestion API.
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/carebridge/rxremind/internal/domain/bundle"
	"github.com/carebridge/rxremind/internal/domain/prescription"
	"github.com/carebridge/rxremind/internal/domain/schedule"
	"github.com/carebridge/rxremind/internal/domain/timezone"
	"github.com/carebridge/rxremind/internal/scheduler"
)

// ScheduleRegistry is the slice of the reminder scheduler the prescription
// endpoints need: register replacements and remove superseded jobs.
type ScheduleRegistry interface {
	CreateRecurring(ctx context.Context, patientID, recordKey, timeUTC, untilISO string) (string, error)
	Delete(ctx context.Context, name string) error
}

// PrescriptionHandler handles the per-patient prescription endpoints.
type PrescriptionHandler struct {
	records *prescription.Store
	bundles *bundle.Store
	jobs    ScheduleRegistry
	logger  *zap.Logger
}

// NewPrescriptionHandler creates a new handler.
func NewPrescriptionHandler(records *prescription.Store, bundles *bundle.Store, jobs ScheduleRegistry, logger *zap.Logger) *PrescriptionHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PrescriptionHandler{records: records, bundles: bundles, jobs: jobs, logger: logger}
}

// Routes returns the handler routes, mounted under /patients/{patientID}.
func (h *PrescriptionHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/prescriptions", h.List)
	r.Get("/prescriptions/{recordKey}", h.Get)
	r.Put("/prescriptions/{recordKey}/status", h.UpdateStatus)
	r.Put("/prescriptions/{recordKey}/schedule", h.SetSchedule)
	r.Delete("/prescriptions/{recordKey}/schedule", h.ClearSchedule)
	r.Get("/bundles", h.ListBundles)
	return r
}

// List handles GET /patients/{patientID}/prescriptions.
func (h *PrescriptionHandler) List(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	patientID := chi.URLParam(r, "patientID")

	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > 200 {
			jsonError(w, "invalid limit", http.StatusBadRequest)
			return
		}
		limit = n
	}
	status := prescription.Status(r.URL.Query().Get("status"))
	if status != "" && !status.Valid() {
		jsonError(w, "invalid status filter", http.StatusBadRequest)
		return
	}

	recs, cursor, err := h.records.List(ctx, patientID, status, limit, r.URL.Query().Get("cursor"))
	if err != nil {
		h.logger.Error("list failed", zap.String("patient_id", patientID), zap.Error(err))
		jsonError(w, "failed to list prescriptions", http.StatusInternalServerError)
		return
	}

	resp := map[string]any{"prescriptions": recs}
	if cursor != "" {
		resp["cursor"] = cursor
	}
	writeJSON(w, http.StatusOK, resp)
}

// Get handles GET /patients/{patientID}/prescriptions/{recordKey}.
func (h *PrescriptionHandler) Get(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	patientID := chi.URLParam(r, "patientID")
	recordKey := chi.URLParam(r, "recordKey")

	rec, err := h.records.Get(ctx, patientID, recordKey)
	if err != nil {
		h.logger.Error("get failed", zap.String("record_key", recordKey), zap.Error(err))
		jsonError(w, "failed to get prescription", http.StatusInternalServerError)
		return
	}
	if rec == nil {
		jsonError(w, "prescription not found", http.StatusNotFound)
		return
	}

	// Schedules are stored in UTC; render them in the patient's zone when
	// one is supplied.
	if tz := r.URL.Query().Get("tz"); tz != "" && len(rec.ScheduleTimes) > 0 {
		resp := map[string]any{
			"prescription": rec,
			"local_times":  timezone.UTCToLocal(rec.ScheduleTimes, tz),
			"timezone":     tz,
		}
		writeJSON(w, http.StatusOK, resp)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// StatusRequest is the request body for a status update.
type StatusRequest struct {
	Status string `json:"status"`
}

// UpdateStatus handles PUT /patients/{patientID}/prescriptions/{recordKey}/status.
func (h *PrescriptionHandler) UpdateStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	patientID := chi.URLParam(r, "patientID")
	recordKey := chi.URLParam(r, "recordKey")

	var req StatusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	status := prescription.Status(req.Status)
	if !status.Valid() {
		jsonError(w, "invalid status", http.StatusBadRequest)
		return
	}

	rec, err := h.records.Get(ctx, patientID, recordKey)
	if err != nil {
		jsonError(w, "failed to get prescription", http.StatusInternalServerError)
		return
	}
	if rec == nil {
		jsonError(w, "prescription not found", http.StatusNotFound)
		return
	}

	if err := h.records.UpdateStatus(ctx, patientID, recordKey, status); err != nil {
		h.logger.Error("status update failed", zap.String("record_key", recordKey), zap.Error(err))
		jsonError(w, "failed to update status", http.StatusInternalServerError)
		return
	}

	// A prescription leaving the active state takes its reminders with it.
	if status != prescription.StatusActive && len(rec.ScheduleNames) > 0 {
		h.removeJobs(ctx, rec.ScheduleNames)
		if err := h.records.ClearSchedule(ctx, patientID, recordKey); err != nil {
			h.logger.Error("schedule clear failed", zap.String("record_key", recordKey), zap.Error(err))
		}
	}

	h.logger.Info("prescription status updated",
		zap.String("patient_id", patientID),
		zap.String("record_key", recordKey),
		zap.String("status", string(status)))
	writeJSON(w, http.StatusOK, map[string]string{"record_key": recordKey, "status": string(status)})
}

// ScheduleRequest is the request body for replacing a reminder schedule.
type ScheduleRequest struct {
	// Times is user text like "08:00, 20:00", interpreted in Timezone.
	Times    string `json:"times"`
	Timezone string `json:"timezone,omitempty"`
	Until    string `json:"until,omitempty"`
}

// SetSchedule handles PUT /patients/{patientID}/prescriptions/{recordKey}/schedule.
// The new jobs replace the old ones by name; stale names are deleted
// best-effort.
func (h *PrescriptionHandler) SetSchedule(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	patientID := chi.URLParam(r, "patientID")
	recordKey := chi.URLParam(r, "recordKey")

	var req ScheduleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	times := schedule.ParseUserTimes(req.Times)
	if len(times) == 0 {
		jsonError(w, "no valid times supplied", http.StatusBadRequest)
		return
	}
	utcTimes := timezone.LocalToUTC(times, req.Timezone)

	rec, err := h.records.Get(ctx, patientID, recordKey)
	if err != nil {
		jsonError(w, "failed to get prescription", http.StatusInternalServerError)
		return
	}
	if rec == nil {
		jsonError(w, "prescription not found", http.StatusNotFound)
		return
	}

	until := req.Until
	if until == "" {
		until = rec.ScheduleUntil
	}

	var names []string
	for _, t := range utcTimes {
		name, err := h.jobs.CreateRecurring(ctx, patientID, recordKey, t, until)
		if errors.Is(err, scheduler.ErrNotConfigured) {
			names = nil
			break
		}
		if err != nil {
			h.logger.Error("job registration failed",
				zap.String("record_key", recordKey),
				zap.String("time_utc", t),
				zap.Error(err))
			jsonError(w, "failed to register reminder jobs", http.StatusBadGateway)
			return
		}
		names = append(names, name)
	}

	// Remove jobs the new schedule no longer covers.
	h.removeJobs(ctx, difference(rec.ScheduleNames, names))

	if err := h.records.SetSchedule(ctx, patientID, recordKey, utcTimes, until); err != nil {
		jsonError(w, "failed to persist schedule", http.StatusInternalServerError)
		return
	}
	if err := h.records.SetScheduleNames(ctx, patientID, recordKey, names); err != nil {
		jsonError(w, "failed to persist schedule names", http.StatusInternalServerError)
		return
	}

	h.logger.Info("schedule replaced",
		zap.String("patient_id", patientID),
		zap.String("record_key", recordKey),
		zap.Strings("times_utc", utcTimes))
	writeJSON(w, http.StatusOK, map[string]any{
		"record_key": recordKey,
		"times_utc":  utcTimes,
		"until":      until,
		"job_names":  names,
	})
}

// ClearSchedule handles DELETE /patients/{patientID}/prescriptions/{recordKey}/schedule.
func (h *PrescriptionHandler) ClearSchedule(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	patientID := chi.URLParam(r, "patientID")
	recordKey := chi.URLParam(r, "recordKey")

	rec, err := h.records.Get(ctx, patientID, recordKey)
	if err != nil {
		jsonError(w, "failed to get prescription", http.StatusInternalServerError)
		return
	}
	if rec == nil {
		jsonError(w, "prescription not found", http.StatusNotFound)
		return
	}

	h.removeJobs(ctx, rec.ScheduleNames)
	if err := h.records.ClearSchedule(ctx, patientID, recordKey); err != nil {
		jsonError(w, "failed to clear schedule", http.StatusInternalServerError)
		return
	}

	h.logger.Info("schedule cleared",
		zap.String("patient_id", patientID),
		zap.String("record_key", recordKey))
	w.WriteHeader(http.StatusNoContent)
}

// ListBundles handles GET /patients/{patientID}/bundles.
func (h *PrescriptionHandler) ListBundles(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	patientID := chi.URLParam(r, "patientID")

	stored, cursor, err := h.bundles.List(ctx, patientID, 50, r.URL.Query().Get("cursor"))
	if err != nil {
		h.logger.Error("bundle list failed", zap.String("patient_id", patientID), zap.Error(err))
		jsonError(w, "failed to list bundles", http.StatusInternalServerError)
		return
	}

	entries := make([]map[string]any, 0, len(stored))
	for _, s := range stored {
		entries = append(entries, map[string]any{"ref": s.Ref, "bundle": s.Bundle})
	}
	resp := map[string]any{"bundles": entries}
	if cursor != "" {
		resp["cursor"] = cursor
	}
	writeJSON(w, http.StatusOK, resp)
}

// removeJobs deletes schedules best-effort; a failed delete only logs.
func (h *PrescriptionHandler) removeJobs(ctx context.Context, names []string) {
	for _, name := range names {
		if err := h.jobs.Delete(ctx, name); err != nil && !errors.Is(err, scheduler.ErrNotConfigured) {
			h.logger.Warn("failed to delete schedule", zap.String("name", name), zap.Error(err))
		}
	}
}

func difference(old, keep []string) []string {
	kept := make(map[string]bool, len(keep))
	for _, n := range keep {
		kept[n] = true
	}
	var out []string
	for _, n := range old {
		if !kept[n] {
			out = append(out, n)
		}
	}
	return out
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}
