// Package pipeline orchestrates the extraction-to-reminder flow: persist the
// canonical record, build and link the clinical bundle, derive the dosing
// schedule, and register reminder jobs.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/carebridge/rxremind/internal/domain/bundle"
	"github.com/carebridge/rxremind/internal/domain/prescription"
	"github.com/carebridge/rxremind/internal/domain/schedule"
	"github.com/carebridge/rxremind/internal/domain/timezone"
	"github.com/carebridge/rxremind/internal/fhir/bundler"
	"github.com/carebridge/rxremind/internal/observability/metrics"
	"github.com/carebridge/rxremind/internal/scheduler"
)

// Stage identifies how far an extraction progressed through the pipeline.
type Stage string

const (
	StageExtractionReceived Stage = "extraction_received"
	StageRecordPersisted    Stage = "record_persisted"
	StageBundleBuilt        Stage = "bundle_built"
	StageBundleLinked       Stage = "bundle_linked"
	StageSchedulesDerived   Stage = "schedules_derived"
	StageJobsRegistered     Stage = "jobs_registered"
)

// StageError reports a pipeline failure together with the stage that failed.
// Earlier stages are durable and are deliberately NOT rolled back: a record
// without reminders is more useful than no record, and re-ingesting the same
// extraction upserts rather than duplicates.
type StageError struct {
	Stage Stage
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("pipeline stage %s: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

// defaultCourseDays bounds reminder schedules when the extraction carries no
// explicit duration.
const defaultCourseDays = 30

// JobRegistry is the slice of the reminder scheduler the pipeline needs.
type JobRegistry interface {
	CreateRecurring(ctx context.Context, patientID, recordKey, timeUTC, untilISO string) (string, error)
}

// EventPublisher receives pipeline stage events, usually backed by the
// transactional outbox.
type EventPublisher interface {
	Publish(ctx context.Context, topic, key string, value []byte) error
}

// PatientContext carries the coarse signals used for timezone inference.
type PatientContext struct {
	Timezone  string  `json:"timezone,omitempty"`
	Phone     string  `json:"phone,omitempty"`
	Latitude  float64 `json:"latitude,omitempty"`
	Longitude float64 `json:"longitude,omitempty"`
	ChatID    string  `json:"chat_id,omitempty"`
}

// ExtractedPrescription is one prescription as produced by upstream
// extraction.
type ExtractedPrescription struct {
	Name                   string            `json:"name"`
	DosageText             string            `json:"dosage_text"`
	FrequencyText          string            `json:"frequency_text"`
	StartDate              string            `json:"start_date,omitempty"`
	DurationDays           int               `json:"duration_days,omitempty"`
	TotalAmount            string            `json:"total_amount,omitempty"`
	AdditionalInstructions string            `json:"additional_instructions,omitempty"`
	UserTimes              string            `json:"user_times,omitempty"`
	Extra                  map[string]string `json:"extra,omitempty"`
}

// Extraction is the pipeline's input: one patient, one or more
// prescriptions. RawJSON and Confidence are the extraction side channel,
// carried through to the audit trail.
type Extraction struct {
	PatientID     string                  `json:"patient_id"`
	Patient       PatientContext          `json:"patient"`
	Prescriptions []ExtractedPrescription `json:"prescriptions"`
	RawJSON       json.RawMessage         `json:"raw_json,omitempty"`
	Confidence    float64                 `json:"confidence,omitempty"`
}

// Result describes what one prescription produced.
type Result struct {
	RecordKey string   `json:"record_key"`
	BundleRef string   `json:"bundle_ref"`
	Timezone  string   `json:"timezone,omitempty"`
	Times     []string `json:"times_utc"`
	Rationale string   `json:"rationale"`
	Until     string   `json:"until"`
	JobNames  []string `json:"job_names,omitempty"`
}

// EventRemindersRegistered is published per prescription once its reminder
// jobs are in place. EventExtractionReceived is the audit-trail record of
// the raw extraction.
const (
	EventRemindersRegistered = "prescription.reminders.registered"
	EventExtractionReceived  = "prescription.extraction.received"
)

// Orchestrator wires the pipeline stages together.
type Orchestrator struct {
	records    *prescription.Store
	bundles    *bundle.Store
	jobs       JobRegistry
	events     EventPublisher
	topic      string
	auditTopic string
	metrics    *metrics.Metrics
	tracer     trace.Tracer
	logger     *zap.Logger
}

// Config carries the orchestrator's collaborators. Events, AuditTopic and
// Metrics are optional; Records, Bundles and Jobs are required.
type Config struct {
	Records    *prescription.Store
	Bundles    *bundle.Store
	Jobs       JobRegistry
	Events     EventPublisher
	EventTopic string
	AuditTopic string
	Metrics    *metrics.Metrics
}

// New creates an orchestrator.
func New(cfg Config, logger *zap.Logger) *Orchestrator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Orchestrator{
		records:    cfg.Records,
		bundles:    cfg.Bundles,
		jobs:       cfg.Jobs,
		events:     cfg.Events,
		topic:      cfg.EventTopic,
		auditTopic: cfg.AuditTopic,
		metrics:    cfg.Metrics,
		tracer:     otel.Tracer("pipeline"),
		logger:     logger,
	}
}

// Ingest runs the pipeline for every prescription in the extraction,
// sequentially and in order. On failure it returns the results completed so
// far together with a StageError naming the failed stage; completed work is
// not rolled back.
func (o *Orchestrator) Ingest(ctx context.Context, ext Extraction) ([]Result, error) {
	ctx, span := o.tracer.Start(ctx, "pipeline_ingest",
		trace.WithAttributes(
			attribute.String("patient_id", ext.PatientID),
			attribute.Int("prescriptions", len(ext.Prescriptions)),
		))
	defer span.End()

	start := time.Now()
	defer func() {
		if o.metrics != nil {
			o.metrics.PipelineDuration.Observe(time.Since(start).Seconds())
		}
	}()

	if err := validate(ext); err != nil {
		o.fail(StageExtractionReceived, err, span)
		return nil, &StageError{Stage: StageExtractionReceived, Err: err}
	}
	if o.metrics != nil {
		o.metrics.ExtractionsReceived.Inc()
	}
	o.publishAudit(ctx, ext)

	tz := resolveTimezone(ext.Patient)
	span.SetAttributes(attribute.String("timezone", tz))

	var results []Result
	for _, p := range ext.Prescriptions {
		res, err := o.processOne(ctx, ext.PatientID, tz, ext.Patient.ChatID, ext.Confidence, p)
		if err != nil {
			var se *StageError
			if errors.As(err, &se) {
				o.fail(se.Stage, se.Err, span)
			}
			return results, err
		}
		results = append(results, *res)
	}

	return results, nil
}

func (o *Orchestrator) processOne(ctx context.Context, patientID, tz, chatID string, confidence float64, p ExtractedPrescription) (*Result, error) {
	key, err := o.records.Save(ctx, patientID, prescription.SaveInput{
		Name:          p.Name,
		DosageText:    p.DosageText,
		FrequencyText: p.FrequencyText,
		Status:        prescription.StatusActive,
		StartDate:     p.StartDate,
		Extra:         recordExtras(p, chatID, confidence),
	})
	if err != nil {
		return nil, &StageError{Stage: StageRecordPersisted, Err: err}
	}
	if o.metrics != nil {
		o.metrics.RecordsPersisted.Inc()
	}

	rec := prescription.Record{
		PatientID:     patientID,
		RecordKey:     key,
		Name:          p.Name,
		DosageText:    p.DosageText,
		FrequencyText: p.FrequencyText,
		Status:        prescription.StatusActive,
		StartDate:     p.StartDate,
	}
	b, err := bundler.Build(patientID, rec)
	if err != nil {
		return nil, &StageError{Stage: StageBundleBuilt, Err: err}
	}
	ref, err := o.bundles.Save(ctx, patientID, b)
	if err != nil {
		return nil, &StageError{Stage: StageBundleBuilt, Err: err}
	}
	if o.metrics != nil {
		o.metrics.BundlesBuilt.Inc()
	}

	if err := o.records.LinkBundle(ctx, patientID, key, ref); err != nil {
		return nil, &StageError{Stage: StageBundleLinked, Err: err}
	}

	times, rationale := deriveTimes(p)
	utcTimes := timezone.LocalToUTC(times, tz)
	until := courseEnd(p)

	if err := o.records.SetSchedule(ctx, patientID, key, utcTimes, until); err != nil {
		return nil, &StageError{Stage: StageSchedulesDerived, Err: err}
	}

	names, err := o.registerJobs(ctx, patientID, key, utcTimes, until)
	if err != nil {
		return nil, err
	}
	if len(names) > 0 {
		if err := o.records.SetScheduleNames(ctx, patientID, key, names); err != nil {
			return nil, &StageError{Stage: StageJobsRegistered, Err: err}
		}
	}

	res := &Result{
		RecordKey: key,
		BundleRef: ref,
		Timezone:  tz,
		Times:     utcTimes,
		Rationale: rationale,
		Until:     until,
		JobNames:  names,
	}
	o.publishRegistered(ctx, patientID, res)

	o.logger.Info("prescription processed",
		zap.String("patient_id", patientID),
		zap.String("record_key", key),
		zap.Strings("times_utc", utcTimes),
		zap.Int("jobs", len(names)))
	return res, nil
}

// registerJobs registers one recurring schedule per firing time. A scheduler
// that is not configured disables registration for the whole record instead
// of failing the pipeline; everything durable is already in place and jobs
// can be re-registered later.
func (o *Orchestrator) registerJobs(ctx context.Context, patientID, key string, utcTimes []string, until string) ([]string, error) {
	names := make([]string, 0, len(utcTimes))
	for _, t := range utcTimes {
		name, err := o.jobs.CreateRecurring(ctx, patientID, key, t, until)
		if errors.Is(err, scheduler.ErrNotConfigured) {
			o.logger.Warn("reminder scheduler not configured, skipping registration",
				zap.String("patient_id", patientID),
				zap.String("record_key", key))
			return nil, nil
		}
		if err != nil {
			return nil, &StageError{Stage: StageJobsRegistered, Err: err}
		}
		names = append(names, name)
		if o.metrics != nil {
			o.metrics.SchedulesRegistered.Inc()
		}
	}
	return names, nil
}

// publishAudit records the raw extraction on the audit trail, best-effort.
func (o *Orchestrator) publishAudit(ctx context.Context, ext Extraction) {
	if o.events == nil || o.auditTopic == "" {
		return
	}
	payload, err := json.Marshal(struct {
		EventType     string          `json:"event_type"`
		PatientID     string          `json:"patient_id"`
		Prescriptions int             `json:"prescriptions"`
		Confidence    float64         `json:"confidence,omitempty"`
		RawJSON       json.RawMessage `json:"raw_json,omitempty"`
	}{EventExtractionReceived, ext.PatientID, len(ext.Prescriptions), ext.Confidence, ext.RawJSON})
	if err != nil {
		return
	}
	if err := o.events.Publish(ctx, o.auditTopic, ext.PatientID, payload); err != nil {
		o.logger.Warn("failed to publish audit event",
			zap.String("patient_id", ext.PatientID),
			zap.Error(err))
	}
}

func (o *Orchestrator) publishRegistered(ctx context.Context, patientID string, res *Result) {
	if o.events == nil || o.topic == "" {
		return
	}
	payload, err := json.Marshal(struct {
		EventType string `json:"event_type"`
		PatientID string `json:"patient_id"`
		*Result
	}{EventRemindersRegistered, patientID, res})
	if err != nil {
		return
	}
	// Event publication is best-effort observability, never a pipeline
	// failure.
	if err := o.events.Publish(ctx, o.topic, patientID, payload); err != nil {
		o.logger.Warn("failed to publish pipeline event",
			zap.String("patient_id", patientID),
			zap.Error(err))
	}
}

func (o *Orchestrator) fail(stage Stage, err error, span trace.Span) {
	if o.metrics != nil {
		o.metrics.PipelineFailures.WithLabelValues(string(stage)).Inc()
	}
	span.RecordError(err)
	o.logger.Error("pipeline stage failed",
		zap.String("stage", string(stage)),
		zap.Error(err))
}

func validate(ext Extraction) error {
	if ext.PatientID == "" {
		return errors.New("patient id is required")
	}
	if len(ext.Prescriptions) == 0 {
		return errors.New("at least one prescription is required")
	}
	for i, p := range ext.Prescriptions {
		if p.Name == "" {
			return fmt.Errorf("prescription %d: name is required", i)
		}
	}
	return nil
}

// resolveTimezone prefers an explicit zone, then the phone prefix, then the
// coordinates. Empty means the schedule times are taken as UTC already.
func resolveTimezone(p PatientContext) string {
	if p.Timezone != "" {
		return p.Timezone
	}
	if tz := timezone.FromPhone(p.Phone); tz != "" {
		return tz
	}
	if p.Latitude != 0 || p.Longitude != 0 {
		if tz := timezone.FromCoords(p.Latitude, p.Longitude); tz != "" {
			return tz
		}
	}
	return ""
}

// deriveTimes prefers times the user supplied verbatim; otherwise the dosing
// text is run through the suggestion rules. Frequency and additional
// instructions are matched together so "1 tablet twice daily" + "with food"
// hits the with-meals rule.
func deriveTimes(p ExtractedPrescription) ([]string, string) {
	if parsed := schedule.ParseUserTimes(p.UserTimes); len(parsed) > 0 {
		return parsed, "user specified"
	}
	text := strings.TrimSpace(p.FrequencyText + " " + p.AdditionalInstructions)
	if text == "" {
		text = p.DosageText
	}
	s := schedule.Suggest(text)
	return s.Times, s.Rationale
}

// recordExtras folds the extraction side channel into the record's extension
// attributes: the delivery chat (so the delivery service resolves the
// destination without the original payload), the extraction confidence, and
// the free-text fields the canonical record has no column for.
func recordExtras(p ExtractedPrescription, chatID string, confidence float64) map[string]string {
	merged := make(map[string]string, len(p.Extra)+4)
	for k, v := range p.Extra {
		merged[k] = v
	}
	if chatID != "" {
		merged["chat_id"] = chatID
	}
	if confidence > 0 {
		merged["confidence"] = strconv.FormatFloat(confidence, 'f', -1, 64)
	}
	if p.TotalAmount != "" {
		merged["total_amount"] = p.TotalAmount
	}
	if p.AdditionalInstructions != "" {
		merged["additional_instructions"] = p.AdditionalInstructions
	}
	if len(merged) == 0 {
		return nil
	}
	return merged
}

// courseEnd computes the schedule end date from the start date plus the
// course duration, defaulting the start to today and the duration to
// defaultCourseDays.
func courseEnd(p ExtractedPrescription) string {
	start := time.Now().UTC()
	if p.StartDate != "" {
		if t, err := time.Parse("2006-01-02", p.StartDate); err == nil {
			start = t
		}
	}
	days := p.DurationDays
	if days <= 0 {
		days = defaultCourseDays
	}
	return start.AddDate(0, 0, days).Format("2006-01-02")
}
