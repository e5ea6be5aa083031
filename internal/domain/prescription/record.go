// Package prescription implements the canonical prescription record and its
// durable store.
package prescription

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// Status represents the prescription lifecycle status. Transitions are
// append-only writes: records are never physically deleted, only
// status-updated.
type Status string

const (
	StatusActive    Status = "active"
	StatusCompleted Status = "completed"
	StatusCancelled Status = "cancelled"
)

// Valid reports whether s is a known lifecycle status.
func (s Status) Valid() bool {
	switch s {
	case StatusActive, StatusCompleted, StatusCancelled:
		return true
	}
	return false
}

// Record is the canonical prescription record, identified by
// (patient id, record key).
type Record struct {
	PatientID     string `json:"patient_id"`
	RecordKey     string `json:"record_key"`
	Name          string `json:"name"`
	DosageText    string `json:"dosage_text"`
	FrequencyText string `json:"frequency_text"`
	Status        Status `json:"status"`
	StartDate     string `json:"start_date,omitempty"`
	SourceBundle  string `json:"source_bundle_ref,omitempty"`
	CreatedAt     string `json:"created_at,omitempty"`
	UpdatedAt     string `json:"updated_at,omitempty"`

	// Schedule state, set when reminders are materialized.
	ScheduleTimes []string `json:"schedule_times,omitempty"`
	ScheduleUntil string   `json:"schedule_until,omitempty"`
	ScheduleNames []string `json:"schedule_names,omitempty"`

	// Extension attributes carried through extraction.
	Extra map[string]string `json:"extra,omitempty"`
}

// RecordKey derives the deterministic content key for a prescription:
// a truncated hash of medication name, dosage text and start date.
// Re-extracting the same prescription on the same start date therefore
// upserts instead of duplicating. The key is never recomputed after
// creation.
func RecordKey(name, dosageText, startDate string) string {
	sum := sha256.Sum256([]byte(strings.Join([]string{name, dosageText, startDate}, "|")))
	return hex.EncodeToString(sum[:])[:16]
}
