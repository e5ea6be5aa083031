package bundle

import (
	"context"
	"strings"
	"testing"

	"github.com/carebridge/rxremind/internal/fhir/r4"
	"github.com/carebridge/rxremind/internal/infrastructure/docstore"
)

func testBundle(id string) *r4.Bundle {
	return &r4.Bundle{
		ResourceType: "Bundle",
		ID:           id,
		Type:         r4.BundleTypeTransaction,
	}
}

func TestSaveIsAppendOnly(t *testing.T) {
	store := NewStore(docstore.NewMemory(), nil)
	ctx := context.Background()

	ref1, err := store.Save(ctx, "P1", testBundle("b1"))
	if err != nil {
		t.Fatalf("save: %v", err)
	}
	ref2, err := store.Save(ctx, "P1", testBundle("b2"))
	if err != nil {
		t.Fatalf("save: %v", err)
	}
	if ref1 == ref2 {
		t.Fatalf("consecutive saves shared ref %q", ref1)
	}
	if !strings.HasPrefix(ref1, "FHIR#BUNDLE#") {
		t.Errorf("ref %q missing prefix", ref1)
	}

	stored, cursor, err := store.List(ctx, "P1", 10, "")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if cursor != "" && len(stored) < 2 {
		t.Fatalf("unexpected pagination: %d items, cursor %q", len(stored), cursor)
	}
	if len(stored) != 2 {
		t.Fatalf("history length = %d, want 2", len(stored))
	}
	// Keys embed the capture timestamp, so key order is capture order.
	if stored[0].Bundle.ID != "b1" || stored[1].Bundle.ID != "b2" {
		t.Errorf("history order = %s, %s", stored[0].Bundle.ID, stored[1].Bundle.ID)
	}
}

func TestGetByRef(t *testing.T) {
	store := NewStore(docstore.NewMemory(), nil)
	ctx := context.Background()

	ref, err := store.Save(ctx, "P1", testBundle("b1"))
	if err != nil {
		t.Fatalf("save: %v", err)
	}

	got, err := store.Get(ctx, "P1", ref)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got == nil || got.ID != "b1" {
		t.Fatalf("get returned %+v", got)
	}

	missing, err := store.Get(ctx, "P1", "FHIR#BUNDLE#2020-01-01T00:00:00Z#00000000")
	if err != nil {
		t.Fatalf("get missing: %v", err)
	}
	if missing != nil {
		t.Errorf("expected nil for missing ref, got %+v", missing)
	}
}
