package delivery

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/carebridge/rxremind/internal/domain/prescription"
	"github.com/carebridge/rxremind/internal/infrastructure/docstore"
	"github.com/carebridge/rxremind/pkg/idempotency"
)

type fakeMessenger struct {
	chats []string
	texts []string
	err   error
}

func (m *fakeMessenger) SendMessage(_ context.Context, chatID, text string) error {
	if m.err != nil {
		return m.err
	}
	m.chats = append(m.chats, chatID)
	m.texts = append(m.texts, text)
	return nil
}

// fakeGuard replays stored results for repeated keys, like the real inbox.
type fakeGuard struct {
	keys    []string
	results map[string]json.RawMessage
}

func (g *fakeGuard) Process(ctx context.Context, key, _ string, payload json.RawMessage, fn idempotency.ProcessFunc) (*idempotency.ProcessResult, error) {
	g.keys = append(g.keys, key)
	if res, ok := g.results[key]; ok {
		return &idempotency.ProcessResult{IsNew: false, Result: res}, nil
	}
	res, err := fn(ctx, payload)
	if err != nil {
		return nil, err
	}
	if g.results == nil {
		g.results = make(map[string]json.RawMessage)
	}
	g.results[key] = res
	return &idempotency.ProcessResult{IsNew: true, Result: res}, nil
}

type fixture struct {
	deliverer *Deliverer
	records   *prescription.Store
	messenger *fakeMessenger
	guard     *fakeGuard
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	records := prescription.NewStore(docstore.NewMemory(), nil)
	messenger := &fakeMessenger{}
	guard := &fakeGuard{}
	d := New(Config{Records: records, Guard: guard, Messenger: messenger}, nil)
	return &fixture{deliverer: d, records: records, messenger: messenger, guard: guard}
}

func (f *fixture) seedRecord(t *testing.T, chatID string, until string) string {
	t.Helper()
	ctx := context.Background()
	extra := map[string]string{}
	if chatID != "" {
		extra["chat_id"] = chatID
	}
	key, err := f.records.Save(ctx, "P1", prescription.SaveInput{
		Name:       "Metformin",
		DosageText: "500mg",
		Status:     prescription.StatusActive,
		StartDate:  "2026-03-01",
		Extra:      extra,
	})
	if err != nil {
		t.Fatalf("seed: %v", err)
	}
	if until != "" {
		if err := f.records.SetSchedule(ctx, "P1", key, []string{"00:00"}, until); err != nil {
			t.Fatalf("set schedule: %v", err)
		}
	}
	return key
}

func dispatch(key string) []byte {
	return []byte(fmt.Sprintf(`{"patient_id":"P1","record_key":"%s","action":"send_reminder"}`, key))
}

func TestDeliverSendsReminder(t *testing.T) {
	f := newFixture(t)
	key := f.seedRecord(t, "chat-42", "")

	out, err := f.deliverer.Deliver(context.Background(), dispatch(key), time.Now())
	if err != nil {
		t.Fatalf("deliver: %v", err)
	}
	if !out.Delivered {
		t.Fatalf("outcome = %+v", out)
	}
	if len(f.messenger.chats) != 1 || f.messenger.chats[0] != "chat-42" {
		t.Errorf("chats = %v", f.messenger.chats)
	}
	if f.messenger.texts[0] != "Time to take Metformin (500mg)" {
		t.Errorf("text = %q", f.messenger.texts[0])
	}
}

func TestDeliverCollapsesRedelivery(t *testing.T) {
	f := newFixture(t)
	key := f.seedRecord(t, "chat-42", "")
	firedAt := time.Date(2026, 3, 2, 8, 0, 12, 0, time.UTC)

	// Same firing minute, different seconds: one send.
	for _, offset := range []time.Duration{0, 30 * time.Second} {
		out, err := f.deliverer.Deliver(context.Background(), dispatch(key), firedAt.Add(offset))
		if err != nil {
			t.Fatalf("deliver: %v", err)
		}
		if !out.Delivered {
			t.Fatalf("outcome = %+v", out)
		}
	}
	if len(f.messenger.chats) != 1 {
		t.Errorf("sends = %d, want 1", len(f.messenger.chats))
	}
	if len(f.guard.keys) != 2 || f.guard.keys[0] != f.guard.keys[1] {
		t.Errorf("keys = %v, want identical", f.guard.keys)
	}

	// The next firing minute is a fresh key.
	out, err := f.deliverer.Deliver(context.Background(), dispatch(key), firedAt.Add(time.Minute))
	if err != nil || !out.Delivered {
		t.Fatalf("next minute: out=%+v err=%v", out, err)
	}
	if len(f.messenger.chats) != 2 {
		t.Errorf("sends = %d, want 2", len(f.messenger.chats))
	}
}

func TestDeliverSkipsInactivePrescription(t *testing.T) {
	f := newFixture(t)
	key := f.seedRecord(t, "chat-42", "")
	if err := f.records.UpdateStatus(context.Background(), "P1", key, prescription.StatusCancelled); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	out, err := f.deliverer.Deliver(context.Background(), dispatch(key), time.Now())
	if err != nil {
		t.Fatalf("deliver: %v", err)
	}
	if out.Delivered || out.Reason != "prescription cancelled" {
		t.Errorf("outcome = %+v", out)
	}
	if len(f.messenger.chats) != 0 {
		t.Errorf("unexpected send: %v", f.messenger.chats)
	}
}

func TestDeliverSkipsEndedCourse(t *testing.T) {
	f := newFixture(t)
	key := f.seedRecord(t, "chat-42", "2020-01-01")

	out, err := f.deliverer.Deliver(context.Background(), dispatch(key), time.Now())
	if err != nil {
		t.Fatalf("deliver: %v", err)
	}
	if out.Delivered || out.Reason != "course ended" {
		t.Errorf("outcome = %+v", out)
	}
}

func TestDeliverSkipsMissingChatAndRecord(t *testing.T) {
	f := newFixture(t)
	key := f.seedRecord(t, "", "")

	out, err := f.deliverer.Deliver(context.Background(), dispatch(key), time.Now())
	if err != nil {
		t.Fatalf("deliver: %v", err)
	}
	if out.Delivered || out.Reason != "no delivery chat" {
		t.Errorf("outcome = %+v", out)
	}

	out, err = f.deliverer.Deliver(context.Background(), dispatch("ffffffffffffffff"), time.Now())
	if err != nil {
		t.Fatalf("deliver missing: %v", err)
	}
	if out.Delivered || out.Reason != "record missing" {
		t.Errorf("outcome = %+v", out)
	}
}

func TestDeliverSurfacesTransportFailure(t *testing.T) {
	f := newFixture(t)
	key := f.seedRecord(t, "chat-42", "")
	f.messenger.err = errors.New("telegram: 502")

	_, err := f.deliverer.Deliver(context.Background(), dispatch(key), time.Now())
	if err == nil {
		t.Fatal("expected error")
	}
	// A failed send leaves no stored outcome, so a retry goes through again.
	f.messenger.err = nil
	out, err := f.deliverer.Deliver(context.Background(), dispatch(key), time.Now())
	if err != nil || !out.Delivered {
		t.Fatalf("retry: out=%+v err=%v", out, err)
	}
}

func TestDeliverRejectsMalformedDispatch(t *testing.T) {
	f := newFixture(t)

	for _, payload := range []string{"{not json", `{"action":"send_reminder"}`} {
		if _, err := f.deliverer.Deliver(context.Background(), []byte(payload), time.Now()); err == nil {
			t.Errorf("payload %q: expected error", payload)
		}
	}
}

func TestCourseEnded(t *testing.T) {
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	tests := []struct {
		until string
		want  bool
	}{
		{"", false},
		{"2026-03-10", false}, // last day still fires
		{"2026-03-09", true},
		{"not-a-date", false},
	}
	for _, tt := range tests {
		if got := courseEnded(tt.until, now); got != tt.want {
			t.Errorf("courseEnded(%q) = %v, want %v", tt.until, got, tt.want)
		}
	}
}
