package prescription

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/carebridge/rxremind/internal/infrastructure/docstore"
)

const (
	partitionPrefix = "PATIENT#"
	sortPrefix      = "RX#"
)

// SaveInput carries the fields persisted for a new or re-extracted record.
type SaveInput struct {
	Name          string
	DosageText    string
	FrequencyText string
	Status        Status
	StartDate     string
	SourceBundle  string
	Extra         map[string]string
}

// Store provides durable CRUD over prescription records, partitioned by
// patient and keyed by the deterministic record key.
type Store struct {
	docs   docstore.Store
	logger *zap.Logger
}

// NewStore creates a record store over the given document store.
func NewStore(docs docstore.Store, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{docs: docs, logger: logger}
}

// Save writes a record under its deterministic key and returns the key.
// Saving twice with identical (name, dosage, start date) overwrites rather
// than duplicates; this idempotent-upsert contract is the pipeline's sole
// concurrency-safety mechanism.
func (s *Store) Save(ctx context.Context, patientID string, in SaveInput) (string, error) {
	if !in.Status.Valid() {
		return "", fmt.Errorf("invalid status %q", in.Status)
	}

	key := RecordKey(in.Name, in.DosageText, in.StartDate)
	now := time.Now().UTC().Format(time.RFC3339)

	attrs := map[string]any{
		"medicationName": in.Name,
		"dosageText":     in.DosageText,
		"frequencyText":  in.FrequencyText,
		"status":         string(in.Status),
		"startDate":      in.StartDate,
		"createdAt":      now,
		"updatedAt":      now,
	}
	if in.SourceBundle != "" {
		attrs["sourceBundleRef"] = in.SourceBundle
	}
	for k, v := range in.Extra {
		attrs["x_"+k] = v
	}

	if err := s.docs.Put(ctx, partitionPrefix+patientID, sortPrefix+key, attrs); err != nil {
		return "", fmt.Errorf("save prescription: %w", err)
	}

	s.logger.Debug("prescription saved",
		zap.String("patient_id", patientID),
		zap.String("record_key", key))
	return key, nil
}

// Get returns the record or nil when absent.
func (s *Store) Get(ctx context.Context, patientID, recordKey string) (*Record, error) {
	item, err := s.docs.Get(ctx, partitionPrefix+patientID, sortPrefix+recordKey)
	if err != nil {
		return nil, fmt.Errorf("get prescription: %w", err)
	}
	if item == nil {
		return nil, nil
	}
	rec := fromItem(patientID, item)
	return &rec, nil
}

// List returns the patient's records in native store order. When
// statusFilter is non-empty, filtering happens after retrieval and does not
// refill the page: callers may receive fewer than limit records and must
// paginate with the returned cursor.
func (s *Store) List(ctx context.Context, patientID string, statusFilter Status, limit int, cursor string) ([]Record, string, error) {
	page, err := s.docs.Query(ctx, partitionPrefix+patientID, sortPrefix, limit, cursor)
	if err != nil {
		return nil, "", fmt.Errorf("list prescriptions: %w", err)
	}

	var out []Record
	for _, item := range page.Items {
		rec := fromItem(patientID, &item)
		if statusFilter != "" && rec.Status != statusFilter {
			continue
		}
		out = append(out, rec)
	}
	return out, page.Cursor, nil
}

// UpdateStatus mutates the status field only, leaving all other attributes
// untouched.
func (s *Store) UpdateStatus(ctx context.Context, patientID, recordKey string, status Status) error {
	if !status.Valid() {
		return fmt.Errorf("invalid status %q", status)
	}
	err := s.docs.UpdateAttributes(ctx, partitionPrefix+patientID, sortPrefix+recordKey, map[string]any{
		"status":    string(status),
		"updatedAt": time.Now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		return fmt.Errorf("update status: %w", err)
	}
	return nil
}

// LinkBundle records the reference of the clinical bundle derived from this
// record.
func (s *Store) LinkBundle(ctx context.Context, patientID, recordKey, bundleRef string) error {
	err := s.docs.UpdateAttributes(ctx, partitionPrefix+patientID, sortPrefix+recordKey, map[string]any{
		"sourceBundleRef": bundleRef,
		"updatedAt":       time.Now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		return fmt.Errorf("link bundle: %w", err)
	}
	return nil
}

// SetSchedule stores the materialized UTC reminder times and their end date.
func (s *Store) SetSchedule(ctx context.Context, patientID, recordKey string, timesUTC []string, untilISO string) error {
	err := s.docs.UpdateAttributes(ctx, partitionPrefix+patientID, sortPrefix+recordKey, map[string]any{
		"scheduleTimes": timesUTC,
		"scheduleUntil": untilISO,
	})
	if err != nil {
		return fmt.Errorf("set schedule: %w", err)
	}
	return nil
}

// SetScheduleNames stores the scheduler job names so a changed schedule can
// be superseded by name later.
func (s *Store) SetScheduleNames(ctx context.Context, patientID, recordKey string, names []string) error {
	err := s.docs.UpdateAttributes(ctx, partitionPrefix+patientID, sortPrefix+recordKey, map[string]any{
		"scheduleNames": names,
	})
	if err != nil {
		return fmt.Errorf("set schedule names: %w", err)
	}
	return nil
}

// ClearSchedule removes all schedule state from the record.
func (s *Store) ClearSchedule(ctx context.Context, patientID, recordKey string) error {
	err := s.docs.RemoveAttributes(ctx, partitionPrefix+patientID, sortPrefix+recordKey,
		"scheduleTimes", "scheduleUntil", "scheduleNames")
	if err != nil {
		return fmt.Errorf("clear schedule: %w", err)
	}
	return nil
}

func fromItem(patientID string, item *docstore.Item) Record {
	rec := Record{
		PatientID:     patientID,
		RecordKey:     strings.TrimPrefix(item.SK, sortPrefix),
		Name:          str(item.Attrs["medicationName"]),
		DosageText:    str(item.Attrs["dosageText"]),
		FrequencyText: str(item.Attrs["frequencyText"]),
		Status:        Status(str(item.Attrs["status"])),
		StartDate:     str(item.Attrs["startDate"]),
		SourceBundle:  str(item.Attrs["sourceBundleRef"]),
		CreatedAt:     str(item.Attrs["createdAt"]),
		UpdatedAt:     str(item.Attrs["updatedAt"]),
		ScheduleTimes: strSlice(item.Attrs["scheduleTimes"]),
		ScheduleUntil: str(item.Attrs["scheduleUntil"]),
		ScheduleNames: strSlice(item.Attrs["scheduleNames"]),
	}
	for k, v := range item.Attrs {
		if name, ok := strings.CutPrefix(k, "x_"); ok {
			if rec.Extra == nil {
				rec.Extra = make(map[string]string)
			}
			rec.Extra[name] = str(v)
		}
	}
	return rec
}

func str(v any) string {
	s, _ := v.(string)
	return s
}

// strSlice tolerates both []string (memory store) and []any (round-tripped
// through jsonb).
func strSlice(v any) []string {
	switch vv := v.(type) {
	case []string:
		return vv
	case []any:
		out := make([]string, 0, len(vv))
		for _, e := range vv {
			if s, ok := e.(string); ok {
				out = append(out, s)
			}
		}
		if len(out) == 0 {
			return nil
		}
		return out
	}
	return nil
}
