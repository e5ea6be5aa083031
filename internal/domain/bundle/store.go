// Package bundle persists clinical bundles as an append-only history per
// patient.
package bundle

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/carebridge/rxremind/internal/fhir/r4"
	"github.com/carebridge/rxremind/internal/infrastructure/docstore"
)

const (
	partitionPrefix = "PATIENT#"
	sortPrefix      = "FHIR#BUNDLE#"

	// Fixed-width nanoseconds keep key order identical to capture order;
	// time.RFC3339Nano trims trailing zeros and would break that.
	refTimeFormat = "2006-01-02T15:04:05.000000000Z07:00"
)

// Store provides append-only persistence for clinical bundles. Every Save
// creates a new row keyed by capture time plus a random suffix, so bundles
// are never overwritten; two bundles stored in the same nanosecond still get
// distinct keys.
type Store struct {
	docs   docstore.Store
	logger *zap.Logger
}

// NewStore creates a bundle store over the given document store.
func NewStore(docs docstore.Store, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{docs: docs, logger: logger}
}

// Stored is a persisted bundle together with its reference key.
type Stored struct {
	Ref    string
	Bundle *r4.Bundle
}

// Save appends the bundle to the patient's history and returns its reference.
func (s *Store) Save(ctx context.Context, patientID string, b *r4.Bundle) (string, error) {
	raw, err := json.Marshal(b)
	if err != nil {
		return "", fmt.Errorf("encode bundle: %w", err)
	}

	sk := fmt.Sprintf("%s%s#%s",
		sortPrefix,
		time.Now().UTC().Format(refTimeFormat),
		uuid.NewString()[:8])

	attrs := map[string]any{
		"bundle":     json.RawMessage(raw),
		"resourceId": b.ID,
	}
	if err := s.docs.Put(ctx, partitionPrefix+patientID, sk, attrs); err != nil {
		return "", fmt.Errorf("save bundle: %w", err)
	}

	s.logger.Debug("bundle stored",
		zap.String("patient_id", patientID),
		zap.String("bundle_ref", sk))
	return sk, nil
}

// Get returns the bundle stored under the reference, or nil when absent.
func (s *Store) Get(ctx context.Context, patientID, ref string) (*r4.Bundle, error) {
	item, err := s.docs.Get(ctx, partitionPrefix+patientID, ref)
	if err != nil {
		return nil, fmt.Errorf("get bundle: %w", err)
	}
	if item == nil {
		return nil, nil
	}
	b, err := decode(item.Attrs["bundle"])
	if err != nil {
		return nil, fmt.Errorf("get bundle %s: %w", ref, err)
	}
	return b, nil
}

// List returns the patient's bundle history in key order, which is capture
// order because keys embed the capture timestamp.
func (s *Store) List(ctx context.Context, patientID string, limit int, cursor string) ([]Stored, string, error) {
	page, err := s.docs.Query(ctx, partitionPrefix+patientID, sortPrefix, limit, cursor)
	if err != nil {
		return nil, "", fmt.Errorf("list bundles: %w", err)
	}

	out := make([]Stored, 0, len(page.Items))
	for _, item := range page.Items {
		b, err := decode(item.Attrs["bundle"])
		if err != nil {
			return nil, "", fmt.Errorf("list bundles %s: %w", item.SK, err)
		}
		out = append(out, Stored{Ref: item.SK, Bundle: b})
	}
	return out, page.Cursor, nil
}

// decode tolerates both json.RawMessage (fresh writes) and the generic map
// shape jsonb round-trips produce.
func decode(v any) (*r4.Bundle, error) {
	var raw []byte
	switch vv := v.(type) {
	case json.RawMessage:
		raw = vv
	case []byte:
		raw = vv
	default:
		var err error
		raw, err = json.Marshal(vv)
		if err != nil {
			return nil, err
		}
	}
	var b r4.Bundle
	if err := json.Unmarshal(raw, &b); err != nil {
		return nil, err
	}
	return &b, nil
}
