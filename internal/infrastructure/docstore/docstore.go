// Package docstore provides a patient-partitioned key-value document store.
// Records are addressed by a partition key and a sort key and carry a flat
// attribute map; prefix queries run within a single partition.
package docstore

import (
	"context"
	"errors"
	"fmt"
)

// ErrNotConfigured indicates the store was constructed without a backing
// location. Fatal for the call; never retried.
var ErrNotConfigured = errors.New("document store not configured")

// TransientError wraps a backing-store failure (throttling, connectivity).
// It is distinguishable from a true not-found so callers can retry.
type TransientError struct {
	Op  string
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("docstore %s: %v", e.Op, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// IsTransient reports whether err is a transient store failure.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// Item is one stored document.
type Item struct {
	PK    string
	SK    string
	Attrs map[string]any
}

// Page is the result of a prefix query. Cursor is opaque; empty means no
// further pages.
type Page struct {
	Items  []Item
	Cursor string
}

// Store is the document store contract shared by the prescription record
// store and the bundle store. Lookups return (nil, nil) on a true miss;
// infrastructure failures surface as *TransientError.
type Store interface {
	// Put writes the full item, replacing any existing item with the same
	// (pk, sk). Single-key writes are atomic in the backing store.
	Put(ctx context.Context, pk, sk string, attrs map[string]any) error

	// Get returns the item or nil when absent.
	Get(ctx context.Context, pk, sk string) (*Item, error)

	// Query returns items in the partition whose sort key begins with
	// skPrefix, in native (sort key) order, up to limit per page.
	Query(ctx context.Context, pk, skPrefix string, limit int, cursor string) (*Page, error)

	// UpdateAttributes sets the given fields on an existing item, leaving
	// all other attributes untouched.
	UpdateAttributes(ctx context.Context, pk, sk string, fields map[string]any) error

	// RemoveAttributes deletes the named fields from an existing item.
	RemoveAttributes(ctx context.Context, pk, sk string, fields ...string) error
}
