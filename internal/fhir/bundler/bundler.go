// Package bundler assembles FHIR R4 transaction bundles from canonical
// prescription records. Assembly is pure: no I/O, no persistence.
package bundler

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/carebridge/rxremind/internal/domain/prescription"
	"github.com/carebridge/rxremind/internal/fhir/r4"
)

// Build assembles a transaction bundle holding a single MedicationRequest
// derived from the record. Bundle and resource ids are freshly generated on
// every call; building twice from the same record yields distinct bundles.
func Build(patientID string, rec prescription.Record) (*r4.Bundle, error) {
	now := time.Now().UTC()

	req := r4.MedicationRequest{
		ResourceType: "MedicationRequest",
		ID:           uuid.NewString(),
		Status:       statusCode(rec.Status),
		Intent:       r4.IntentOrder,
		MedicationCodeableConcept: &r4.CodeableConcept{
			Text: rec.Name,
		},
		Subject: r4.Reference{
			Reference: "Patient/" + patientID,
			Type:      "Patient",
		},
		AuthoredOn: now,
	}

	if sig := sigText(rec.DosageText, rec.FrequencyText); sig != "" {
		dosage := r4.Dosage{Text: sig}
		if rec.FrequencyText != "" {
			dosage.Timing = &r4.Timing{
				Repeat: &r4.TimingRepeat{
					Frequency:  1,
					Period:     1,
					PeriodUnit: "d",
				},
			}
		}
		req.DosageInstruction = []r4.Dosage{dosage}
	}
	if rec.StartDate != "" {
		req.DispenseRequest = &r4.DispenseRequest{
			ValidityPeriod: &r4.Period{Start: rec.StartDate},
		}
	}

	raw, err := json.Marshal(&req)
	if err != nil {
		return nil, err
	}

	return &r4.Bundle{
		ResourceType: "Bundle",
		ID:           uuid.NewString(),
		Type:         r4.BundleTypeTransaction,
		Timestamp:    now.Format(time.RFC3339),
		Entry: []r4.BundleEntry{{
			FullURL:  "urn:uuid:" + req.ID,
			Resource: raw,
			Request: &r4.BundleEntryRequest{
				Method: "POST",
				URL:    "MedicationRequest",
			},
		}},
	}, nil
}

// statusCode maps record lifecycle statuses onto FHIR request statuses. The
// two vocabularies coincide for every status the store accepts.
func statusCode(s prescription.Status) string {
	switch s {
	case prescription.StatusActive:
		return r4.StatusActive
	case prescription.StatusCompleted:
		return r4.StatusCompleted
	case prescription.StatusCancelled:
		return r4.StatusCancelled
	}
	return r4.StatusUnknown
}

// sigText joins dosage and frequency into a single human-readable sig.
func sigText(dosage, frequency string) string {
	parts := make([]string, 0, 2)
	if d := strings.TrimSpace(dosage); d != "" {
		parts = append(parts, d)
	}
	if f := strings.TrimSpace(frequency); f != "" {
		parts = append(parts, f)
	}
	return strings.Join(parts, ", ")
}
