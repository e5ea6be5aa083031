package bundler

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/carebridge/rxremind/internal/domain/prescription"
	"github.com/carebridge/rxremind/internal/fhir/r4"
)

func testRecord() prescription.Record {
	return prescription.Record{
		PatientID:     "P1",
		Name:          "Metformin",
		DosageText:    "500mg",
		FrequencyText: "twice daily",
		Status:        prescription.StatusActive,
		StartDate:     "2026-03-01",
	}
}

func TestBuildTransactionBundle(t *testing.T) {
	b, err := Build("P1", testRecord())
	if err != nil {
		t.Fatalf("build: %v", err)
	}

	if b.ResourceType != "Bundle" || b.Type != r4.BundleTypeTransaction {
		t.Errorf("bundle shape = %s/%s", b.ResourceType, b.Type)
	}
	if b.ID == "" {
		t.Error("bundle id is empty")
	}
	if _, err := time.Parse(time.RFC3339, b.Timestamp); err != nil {
		t.Errorf("timestamp %q not RFC3339: %v", b.Timestamp, err)
	}
	if len(b.Entry) != 1 {
		t.Fatalf("entries = %d, want 1", len(b.Entry))
	}
	entry := b.Entry[0]
	if entry.Request == nil || entry.Request.Method != "POST" || entry.Request.URL != "MedicationRequest" {
		t.Errorf("entry request = %+v", entry.Request)
	}

	var req r4.MedicationRequest
	if err := json.Unmarshal(entry.Resource, &req); err != nil {
		t.Fatalf("decode resource: %v", err)
	}
	if req.ResourceType != "MedicationRequest" {
		t.Errorf("resourceType = %q", req.ResourceType)
	}
	if req.Status != r4.StatusActive || req.Intent != r4.IntentOrder {
		t.Errorf("status/intent = %s/%s", req.Status, req.Intent)
	}
	if req.Subject.Reference != "Patient/P1" {
		t.Errorf("subject = %q", req.Subject.Reference)
	}
	if got := req.GetMedicationDisplay(); got != "Metformin" {
		t.Errorf("medication = %q", got)
	}
	if got := req.GetSigText(); got != "500mg, twice daily" {
		t.Errorf("sig = %q", got)
	}
	if req.DispenseRequest == nil || req.DispenseRequest.ValidityPeriod.Start != "2026-03-01" {
		t.Errorf("dispense request = %+v", req.DispenseRequest)
	}
	if entry.FullURL != "urn:uuid:"+req.ID {
		t.Errorf("fullUrl %q does not match resource id %q", entry.FullURL, req.ID)
	}
}

func TestBuildFreshIdentifiers(t *testing.T) {
	rec := testRecord()
	a, err := Build("P1", rec)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	b, err := Build("P1", rec)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if a.ID == b.ID {
		t.Error("consecutive builds shared a bundle id")
	}
}

func TestBuildSparseRecord(t *testing.T) {
	b, err := Build("P2", prescription.Record{
		Name:   "Ibuprofen",
		Status: prescription.StatusActive,
	})
	if err != nil {
		t.Fatalf("build: %v", err)
	}

	var req r4.MedicationRequest
	if err := json.Unmarshal(b.Entry[0].Resource, &req); err != nil {
		t.Fatalf("decode resource: %v", err)
	}
	if len(req.DosageInstruction) != 0 {
		t.Errorf("expected no dosage instruction, got %+v", req.DosageInstruction)
	}
	if req.DispenseRequest != nil {
		t.Errorf("expected no dispense request, got %+v", req.DispenseRequest)
	}
}
