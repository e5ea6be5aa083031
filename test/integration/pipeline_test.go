// Package integration exercises the extraction-to-reminder flow end to end:
// ingest, schedule registration, and a simulated firing delivered over a
// local Telegram stub.
package integration

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	ebs "github.com/aws/aws-sdk-go-v2/service/scheduler"
	ebstypes "github.com/aws/aws-sdk-go-v2/service/scheduler/types"

	"github.com/carebridge/rxremind/internal/delivery"
	"github.com/carebridge/rxremind/internal/domain/bundle"
	"github.com/carebridge/rxremind/internal/domain/prescription"
	"github.com/carebridge/rxremind/internal/infrastructure/docstore"
	"github.com/carebridge/rxremind/internal/infrastructure/telegram"
	"github.com/carebridge/rxremind/internal/pipeline"
	"github.com/carebridge/rxremind/internal/scheduler"
	"github.com/carebridge/rxremind/pkg/idempotency"
)

// fakeSchedules captures registered schedules so the test can replay their
// target payloads as firings.
type fakeSchedules struct {
	mu      sync.Mutex
	entries map[string]*ebs.CreateScheduleInput
}

func newFakeSchedules() *fakeSchedules {
	return &fakeSchedules{entries: make(map[string]*ebs.CreateScheduleInput)}
}

func (f *fakeSchedules) CreateSchedule(_ context.Context, in *ebs.CreateScheduleInput, _ ...func(*ebs.Options)) (*ebs.CreateScheduleOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.entries[aws.ToString(in.Name)]; ok {
		return nil, &ebstypes.ConflictException{}
	}
	f.entries[aws.ToString(in.Name)] = in
	return &ebs.CreateScheduleOutput{}, nil
}

func (f *fakeSchedules) UpdateSchedule(_ context.Context, in *ebs.UpdateScheduleInput, _ ...func(*ebs.Options)) (*ebs.UpdateScheduleOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.entries[aws.ToString(in.Name)] = &ebs.CreateScheduleInput{
		Name:               in.Name,
		ScheduleExpression: in.ScheduleExpression,
		EndDate:            in.EndDate,
		Target:             in.Target,
	}
	return &ebs.UpdateScheduleOutput{}, nil
}

func (f *fakeSchedules) DeleteSchedule(_ context.Context, in *ebs.DeleteScheduleInput, _ ...func(*ebs.Options)) (*ebs.DeleteScheduleOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.entries, aws.ToString(in.Name))
	return &ebs.DeleteScheduleOutput{}, nil
}

// memoryGuard is an in-process stand-in for the Postgres idempotency inbox.
type memoryGuard struct {
	mu      sync.Mutex
	results map[string]json.RawMessage
}

func (g *memoryGuard) Process(ctx context.Context, key, _ string, payload json.RawMessage, fn idempotency.ProcessFunc) (*idempotency.ProcessResult, error) {
	g.mu.Lock()
	if res, ok := g.results[key]; ok {
		g.mu.Unlock()
		return &idempotency.ProcessResult{IsNew: false, Result: res}, nil
	}
	g.mu.Unlock()

	res, err := fn(ctx, payload)
	if err != nil {
		return nil, err
	}
	g.mu.Lock()
	if g.results == nil {
		g.results = make(map[string]json.RawMessage)
	}
	g.results[key] = res
	g.mu.Unlock()
	return &idempotency.ProcessResult{IsNew: true, Result: res}, nil
}

func TestExtractionToReminderFlow(t *testing.T) {
	ctx := context.Background()

	records := prescription.NewStore(docstore.NewMemory(), nil)
	bundles := bundle.NewStore(docstore.NewMemory(), nil)
	schedules := newFakeSchedules()
	jobs := scheduler.New(schedules, scheduler.Config{
		TargetArn: "arn:aws:lambda:us-east-1:000000000000:function:dispatch",
		RoleArn:   "arn:aws:iam::000000000000:role/scheduler",
	}, nil)

	orch := pipeline.New(pipeline.Config{
		Records: records,
		Bundles: bundles,
		Jobs:    jobs,
	}, nil)

	// Ingest: Singapore patient, twice-daily Metformin for two weeks.
	results, err := orch.Ingest(ctx, pipeline.Extraction{
		PatientID: "P1",
		Patient:   pipeline.PatientContext{Phone: "+6591234567", ChatID: "chat-42"},
		Prescriptions: []pipeline.ExtractedPrescription{{
			Name:          "Metformin",
			DosageText:    "500mg",
			FrequencyText: "twice daily",
			StartDate:     "2026-03-01",
			DurationDays:  14,
		}},
	})
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	res := results[0]
	if len(res.JobNames) != 2 {
		t.Fatalf("job names = %v", res.JobNames)
	}

	// Two daily schedules, expressed in UTC.
	wantExprs := map[string]bool{"cron(0 0 * * ? *)": false, "cron(0 12 * * ? *)": false}
	for _, name := range res.JobNames {
		entry, ok := schedules.entries[name]
		if !ok {
			t.Fatalf("schedule %s not registered", name)
		}
		expr := aws.ToString(entry.ScheduleExpression)
		if _, ok := wantExprs[expr]; !ok {
			t.Errorf("unexpected expression %q", expr)
		}
		wantExprs[expr] = true
		if entry.EndDate == nil || entry.EndDate.Format("2006-01-02") != "2026-03-15" {
			t.Errorf("end date = %v", entry.EndDate)
		}
	}
	for expr, seen := range wantExprs {
		if !seen {
			t.Errorf("expression %q not registered", expr)
		}
	}

	// The durable record links its bundle and carries the delivery chat.
	rec, err := records.Get(ctx, "P1", res.RecordKey)
	if err != nil || rec == nil {
		t.Fatalf("record: %v %v", rec, err)
	}
	if rec.SourceBundle == "" || rec.Extra["chat_id"] != "chat-42" {
		t.Fatalf("record = %+v", rec)
	}
	if b, err := bundles.Get(ctx, "P1", rec.SourceBundle); err != nil || b == nil {
		t.Fatalf("bundle: %v %v", b, err)
	}

	// Stand up a Telegram stub and replay the morning firing twice: broker
	// re-delivery within the same minute collapses to one send.
	var sent []string
	tg := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			ChatID string `json:"chat_id"`
			Text   string `json:"text"`
		}
		json.NewDecoder(r.Body).Decode(&req)
		sent = append(sent, req.ChatID+": "+req.Text)
		w.Write([]byte(`{"ok":true}`))
	}))
	defer tg.Close()

	deliverer := delivery.New(delivery.Config{
		Records:   records,
		Guard:     &memoryGuard{},
		Messenger: telegram.New("test-token", nil, telegram.WithBaseURL(tg.URL)),
	}, nil)

	morning := schedules.entries[res.JobNames[0]]
	payload := []byte(aws.ToString(morning.Target.Input))
	firedAt := time.Date(2026, 3, 2, 0, 0, 3, 0, time.UTC)

	for i := 0; i < 2; i++ {
		out, err := deliverer.Deliver(ctx, payload, firedAt)
		if err != nil {
			t.Fatalf("deliver %d: %v", i, err)
		}
		if !out.Delivered {
			t.Fatalf("deliver %d: outcome = %+v", i, out)
		}
	}
	if len(sent) != 1 {
		t.Fatalf("sends = %v, want exactly one", sent)
	}
	if !strings.Contains(sent[0], "chat-42") || !strings.Contains(sent[0], "Metformin") {
		t.Errorf("message = %q", sent[0])
	}

	// Cancelling the prescription silences the next firing.
	if err := records.UpdateStatus(ctx, "P1", res.RecordKey, prescription.StatusCancelled); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	out, err := deliverer.Deliver(ctx, payload, firedAt.Add(24*time.Hour))
	if err != nil {
		t.Fatalf("deliver after cancel: %v", err)
	}
	if out.Delivered {
		t.Error("reminder sent for cancelled prescription")
	}
	if len(sent) != 1 {
		t.Errorf("sends after cancel = %v", sent)
	}
}

func TestReingestReplacesSchedulesInPlace(t *testing.T) {
	ctx := context.Background()

	records := prescription.NewStore(docstore.NewMemory(), nil)
	bundles := bundle.NewStore(docstore.NewMemory(), nil)
	schedules := newFakeSchedules()
	jobs := scheduler.New(schedules, scheduler.Config{
		TargetArn: "arn:aws:lambda:us-east-1:000000000000:function:dispatch",
		RoleArn:   "arn:aws:iam::000000000000:role/scheduler",
	}, nil)
	orch := pipeline.New(pipeline.Config{Records: records, Bundles: bundles, Jobs: jobs}, nil)

	ext := pipeline.Extraction{
		PatientID: "P1",
		Patient:   pipeline.PatientContext{Timezone: "UTC"},
		Prescriptions: []pipeline.ExtractedPrescription{{
			Name:          "Amoxicillin",
			DosageText:    "250mg",
			FrequencyText: "three times daily",
			StartDate:     "2026-03-01",
			DurationDays:  7,
		}},
	}

	if _, err := orch.Ingest(ctx, ext); err != nil {
		t.Fatalf("first ingest: %v", err)
	}
	if _, err := orch.Ingest(ctx, ext); err != nil {
		t.Fatalf("second ingest: %v", err)
	}

	// Deterministic names: the second ingest updated the same three
	// schedules instead of creating new ones.
	if len(schedules.entries) != 3 {
		t.Errorf("schedules = %d, want 3", len(schedules.entries))
	}
	recs, _, err := records.List(ctx, "P1", "", 10, "")
	if err != nil || len(recs) != 1 {
		t.Errorf("records = %d err=%v, want 1", len(recs), err)
	}
}
