package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"

	"github.com/carebridge/rxremind/internal/domain/bundle"
	"github.com/carebridge/rxremind/internal/domain/prescription"
	"github.com/carebridge/rxremind/internal/infrastructure/docstore"
	"github.com/carebridge/rxremind/internal/pipeline"
	"github.com/carebridge/rxremind/internal/scheduler"
)

type fakeRegistry struct {
	created []string
	deleted []string
}

func (f *fakeRegistry) CreateRecurring(_ context.Context, patientID, recordKey, timeUTC, _ string) (string, error) {
	name := scheduler.JobName(patientID, recordKey, timeUTC)
	f.created = append(f.created, name)
	return name, nil
}

func (f *fakeRegistry) Delete(_ context.Context, name string) error {
	f.deleted = append(f.deleted, name)
	return nil
}

type testEnv struct {
	router  chi.Router
	records *prescription.Store
	jobs    *fakeRegistry
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	records := prescription.NewStore(docstore.NewMemory(), nil)
	bundles := bundle.NewStore(docstore.NewMemory(), nil)
	jobs := &fakeRegistry{}

	orch := pipeline.New(pipeline.Config{
		Records: records,
		Bundles: bundles,
		Jobs:    jobs,
	}, nil)

	r := chi.NewRouter()
	r.Mount("/extractions", NewExtractionHandler(orch, nil).Routes())
	r.Route("/patients/{patientID}", func(r chi.Router) {
		r.Mount("/", NewPrescriptionHandler(records, bundles, jobs, nil).Routes())
	})
	return &testEnv{router: r, records: records, jobs: jobs}
}

func doJSON(t *testing.T, router chi.Router, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

const extractionBody = `{
	"patient_id": "P1",
	"patient": {"phone": "+6591234567"},
	"prescriptions": [{
		"name": "Metformin",
		"dosage_text": "500mg",
		"frequency_text": "twice daily",
		"start_date": "2026-03-01",
		"duration_days": 14
	}]
}`

func TestIngestExtraction(t *testing.T) {
	env := newTestEnv(t)

	w := doJSON(t, env.router, http.MethodPost, "/extractions/", extractionBody)
	if w.Code != http.StatusCreated {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}

	var resp IngestResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.PatientID != "P1" || len(resp.Results) != 1 {
		t.Fatalf("resp = %+v", resp)
	}
	if len(resp.Results[0].JobNames) != 2 {
		t.Errorf("job names = %v", resp.Results[0].JobNames)
	}
}

func TestIngestExtractionRejectsMalformed(t *testing.T) {
	env := newTestEnv(t)

	for _, body := range []string{
		"{not json",
		`{"patient_id": "", "prescriptions": [{"name": "x"}]}`,
		`{"patient_id": "P1", "prescriptions": []}`,
	} {
		w := doJSON(t, env.router, http.MethodPost, "/extractions/", body)
		if w.Code != http.StatusBadRequest {
			t.Errorf("body %q: status = %d, want 400", body, w.Code)
		}
	}
}

func TestListAndGetPrescriptions(t *testing.T) {
	env := newTestEnv(t)
	doJSON(t, env.router, http.MethodPost, "/extractions/", extractionBody)

	w := doJSON(t, env.router, http.MethodGet, "/patients/P1/prescriptions", "")
	if w.Code != http.StatusOK {
		t.Fatalf("list status = %d", w.Code)
	}
	var listResp struct {
		Prescriptions []prescription.Record `json:"prescriptions"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &listResp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(listResp.Prescriptions) != 1 {
		t.Fatalf("prescriptions = %d", len(listResp.Prescriptions))
	}
	key := listResp.Prescriptions[0].RecordKey

	w = doJSON(t, env.router, http.MethodGet, "/patients/P1/prescriptions/"+key, "")
	if w.Code != http.StatusOK {
		t.Fatalf("get status = %d", w.Code)
	}

	w = doJSON(t, env.router, http.MethodGet, "/patients/P1/prescriptions/ffffffffffffffff", "")
	if w.Code != http.StatusNotFound {
		t.Errorf("missing record status = %d, want 404", w.Code)
	}
}

func TestUpdateStatusCancelsReminders(t *testing.T) {
	env := newTestEnv(t)
	doJSON(t, env.router, http.MethodPost, "/extractions/", extractionBody)

	recs, _, _ := env.records.List(context.Background(), "P1", "", 10, "")
	key := recs[0].RecordKey

	w := doJSON(t, env.router, http.MethodPut, "/patients/P1/prescriptions/"+key+"/status",
		`{"status": "cancelled"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}

	if len(env.jobs.deleted) != 2 {
		t.Errorf("deleted jobs = %v, want 2", env.jobs.deleted)
	}
	rec, _ := env.records.Get(context.Background(), "P1", key)
	if rec.Status != prescription.StatusCancelled {
		t.Errorf("status = %q", rec.Status)
	}
	if len(rec.ScheduleTimes) != 0 || len(rec.ScheduleNames) != 0 {
		t.Errorf("schedule survived cancellation: %+v", rec)
	}
}

func TestUpdateStatusRejectsUnknown(t *testing.T) {
	env := newTestEnv(t)
	doJSON(t, env.router, http.MethodPost, "/extractions/", extractionBody)
	recs, _, _ := env.records.List(context.Background(), "P1", "", 10, "")

	w := doJSON(t, env.router, http.MethodPut, "/patients/P1/prescriptions/"+recs[0].RecordKey+"/status",
		`{"status": "paused"}`)
	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", w.Code)
	}
}

func TestSetScheduleReplacesJobs(t *testing.T) {
	env := newTestEnv(t)
	doJSON(t, env.router, http.MethodPost, "/extractions/", extractionBody)
	recs, _, _ := env.records.List(context.Background(), "P1", "", 10, "")
	key := recs[0].RecordKey

	w := doJSON(t, env.router, http.MethodPut, "/patients/P1/prescriptions/"+key+"/schedule",
		`{"times": "09:30, 21:15", "timezone": "Asia/Singapore"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}

	var resp struct {
		TimesUTC []string `json:"times_utc"`
		JobNames []string `json:"job_names"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(resp.TimesUTC) != 2 || resp.TimesUTC[0] != "01:30" {
		t.Errorf("times = %v", resp.TimesUTC)
	}
	// The two original jobs are superseded and deleted.
	if len(env.jobs.deleted) != 2 {
		t.Errorf("deleted = %v", env.jobs.deleted)
	}

	rec, _ := env.records.Get(context.Background(), "P1", key)
	if len(rec.ScheduleNames) != 2 || rec.ScheduleNames[0] != resp.JobNames[0] {
		t.Errorf("persisted names = %v", rec.ScheduleNames)
	}
}

func TestSetScheduleRejectsUnusableTimes(t *testing.T) {
	env := newTestEnv(t)
	doJSON(t, env.router, http.MethodPost, "/extractions/", extractionBody)
	recs, _, _ := env.records.List(context.Background(), "P1", "", 10, "")

	w := doJSON(t, env.router, http.MethodPut, "/patients/P1/prescriptions/"+recs[0].RecordKey+"/schedule",
		`{"times": "25:00, bogus"}`)
	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", w.Code)
	}
}

func TestClearSchedule(t *testing.T) {
	env := newTestEnv(t)
	doJSON(t, env.router, http.MethodPost, "/extractions/", extractionBody)
	recs, _, _ := env.records.List(context.Background(), "P1", "", 10, "")
	key := recs[0].RecordKey

	w := doJSON(t, env.router, http.MethodDelete, "/patients/P1/prescriptions/"+key+"/schedule", "")
	if w.Code != http.StatusNoContent {
		t.Fatalf("status = %d", w.Code)
	}
	if len(env.jobs.deleted) != 2 {
		t.Errorf("deleted = %v", env.jobs.deleted)
	}
	rec, _ := env.records.Get(context.Background(), "P1", key)
	if len(rec.ScheduleTimes) != 0 {
		t.Errorf("schedule survived clear: %+v", rec)
	}
}

func TestListBundles(t *testing.T) {
	env := newTestEnv(t)
	doJSON(t, env.router, http.MethodPost, "/extractions/", extractionBody)

	w := doJSON(t, env.router, http.MethodGet, "/patients/P1/bundles", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var resp struct {
		Bundles []struct {
			Ref string `json:"ref"`
		} `json:"bundles"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(resp.Bundles) != 1 || !strings.HasPrefix(resp.Bundles[0].Ref, "FHIR#BUNDLE#") {
		t.Errorf("bundles = %+v", resp.Bundles)
	}
}
