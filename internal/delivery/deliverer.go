// Package delivery sends reminder messages for fired schedule jobs. Each
// dispatch is processed through the idempotency inbox so broker re-deliveries
// collapse into at most one send.
package delivery

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/carebridge/rxremind/internal/domain/prescription"
	"github.com/carebridge/rxremind/internal/infrastructure/telegram"
	"github.com/carebridge/rxremind/internal/observability/metrics"
	"github.com/carebridge/rxremind/internal/scheduler"
	"github.com/carebridge/rxremind/pkg/circuitbreaker"
	"github.com/carebridge/rxremind/pkg/idempotency"
)

// HandlerName identifies this handler in the idempotency inbox.
const HandlerName = "reminder-delivery"

// RecordSource reads the canonical prescription record before sending.
type RecordSource interface {
	Get(ctx context.Context, patientID, recordKey string) (*prescription.Record, error)
}

// Messenger delivers a text message to a chat.
type Messenger interface {
	SendMessage(ctx context.Context, chatID, text string) error
}

// Guard is the slice of the idempotency inbox the deliverer needs.
type Guard interface {
	Process(ctx context.Context, key, handlerName string, payload json.RawMessage, fn idempotency.ProcessFunc) (*idempotency.ProcessResult, error)
}

// Outcome describes what happened to one dispatch. A skipped send is a
// success from the broker's point of view; only transport failures are
// retried.
type Outcome struct {
	Delivered bool   `json:"delivered"`
	Reason    string `json:"reason,omitempty"`
}

// Deliverer processes reminder dispatch messages.
type Deliverer struct {
	records   RecordSource
	guard     Guard
	messenger Messenger
	breaker   *circuitbreaker.CircuitBreaker
	metrics   *metrics.Metrics
	logger    *zap.Logger
}

// Config carries the deliverer's collaborators. Breaker and Metrics are
// optional.
type Config struct {
	Records   RecordSource
	Guard     Guard
	Messenger Messenger
	Breaker   *circuitbreaker.CircuitBreaker
	Metrics   *metrics.Metrics
}

// New creates a deliverer.
func New(cfg Config, logger *zap.Logger) *Deliverer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Deliverer{
		records:   cfg.Records,
		guard:     cfg.Guard,
		messenger: cfg.Messenger,
		breaker:   cfg.Breaker,
		metrics:   cfg.Metrics,
		logger:    logger,
	}
}

// Deliver processes one dispatch payload fired at the given time. The firing
// time keys the idempotency check, so a re-delivered message for the same
// firing minute is answered from the inbox instead of re-sent.
func (d *Deliverer) Deliver(ctx context.Context, payload []byte, firedAt time.Time) (*Outcome, error) {
	var p scheduler.Payload
	if err := json.Unmarshal(payload, &p); err != nil {
		return nil, fmt.Errorf("invalid dispatch payload: %w", err)
	}
	if p.PatientID == "" || p.RecordKey == "" {
		return nil, errors.New("invalid dispatch: patient id and record key are required")
	}

	key := idempotency.GenerateKey(p.PatientID, p.RecordKey, firedAt)
	res, err := d.guard.Process(ctx, key, HandlerName, payload, func(ctx context.Context, _ json.RawMessage) (json.RawMessage, error) {
		out, err := d.send(ctx, p)
		if err != nil {
			return nil, err
		}
		return json.Marshal(out)
	})
	if errors.Is(err, idempotency.ErrMessageInProgress) {
		return &Outcome{Reason: "in progress"}, nil
	}
	if err != nil {
		if d.metrics != nil {
			d.metrics.ReminderFailures.Inc()
		}
		return nil, err
	}

	var out Outcome
	if len(res.Result) > 0 {
		if err := json.Unmarshal(res.Result, &out); err != nil {
			return nil, fmt.Errorf("decode stored outcome: %w", err)
		}
	}
	if !res.IsNew {
		d.logger.Debug("duplicate dispatch collapsed",
			zap.String("patient_id", p.PatientID),
			zap.String("record_key", p.RecordKey))
	}
	return &out, nil
}

// send re-reads the record and delivers the reminder. The record is the
// source of truth at firing time: a prescription cancelled or completed after
// registration silences its remaining jobs here.
func (d *Deliverer) send(ctx context.Context, p scheduler.Payload) (*Outcome, error) {
	rec, err := d.records.Get(ctx, p.PatientID, p.RecordKey)
	if err != nil {
		return nil, fmt.Errorf("load record: %w", err)
	}
	if rec == nil {
		return &Outcome{Reason: "record missing"}, nil
	}
	if rec.Status != prescription.StatusActive {
		return &Outcome{Reason: "prescription " + string(rec.Status)}, nil
	}

	until := p.Until
	if until == "" {
		until = rec.ScheduleUntil
	}
	if courseEnded(until, time.Now().UTC()) {
		return &Outcome{Reason: "course ended"}, nil
	}

	chatID := rec.Extra["chat_id"]
	if chatID == "" {
		return &Outcome{Reason: "no delivery chat"}, nil
	}

	text := reminderText(rec)
	sendFn := func() (interface{}, error) {
		return nil, d.messenger.SendMessage(ctx, chatID, text)
	}
	if d.breaker != nil {
		_, err = d.breaker.Execute(ctx, sendFn)
	} else {
		_, err = sendFn()
	}
	if errors.Is(err, telegram.ErrNotConfigured) {
		return &Outcome{Reason: "messenger not configured"}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("send reminder: %w", err)
	}

	if d.metrics != nil {
		d.metrics.RemindersDelivered.Inc()
	}
	d.logger.Info("reminder delivered",
		zap.String("patient_id", p.PatientID),
		zap.String("record_key", p.RecordKey))
	return &Outcome{Delivered: true}, nil
}

// courseEnded reports whether the schedule end date has passed. The end date
// is inclusive: reminders still fire on the last day.
func courseEnded(until string, now time.Time) bool {
	if until == "" {
		return false
	}
	end, err := time.Parse("2006-01-02", until)
	if err != nil {
		return false
	}
	return now.After(end.AddDate(0, 0, 1))
}

func reminderText(rec *prescription.Record) string {
	text := "Time to take " + rec.Name
	if rec.DosageText != "" {
		text += " (" + rec.DosageText + ")"
	}
	return text
}
