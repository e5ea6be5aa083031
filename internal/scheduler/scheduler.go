// Package scheduler registers reminder jobs with a managed recurring job
// scheduler (EventBridge Scheduler).
package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	ebs "github.com/aws/aws-sdk-go-v2/service/scheduler"
	ebstypes "github.com/aws/aws-sdk-go-v2/service/scheduler/types"
	"go.uber.org/zap"
)

// ErrNotConfigured is returned when the scheduler target or execution role
// is missing. Callers treat it as "scheduling disabled", not as a transient
// failure.
var ErrNotConfigured = errors.New("reminder scheduler not configured")

// SchedulesAPI is the subset of the EventBridge Scheduler client used here.
type SchedulesAPI interface {
	CreateSchedule(ctx context.Context, in *ebs.CreateScheduleInput, optFns ...func(*ebs.Options)) (*ebs.CreateScheduleOutput, error)
	UpdateSchedule(ctx context.Context, in *ebs.UpdateScheduleInput, optFns ...func(*ebs.Options)) (*ebs.UpdateScheduleOutput, error)
	DeleteSchedule(ctx context.Context, in *ebs.DeleteScheduleInput, optFns ...func(*ebs.Options)) (*ebs.DeleteScheduleOutput, error)
}

// Payload is the JSON document delivered to the schedule target on every
// firing.
type Payload struct {
	PatientID string `json:"patient_id"`
	RecordKey string `json:"record_key"`
	Action    string `json:"action"`
	Until     string `json:"until,omitempty"`
}

// ActionSendReminder is the only action currently dispatched.
const ActionSendReminder = "send_reminder"

// Config carries the target wiring for registered schedules.
type Config struct {
	TargetArn string
	RoleArn   string
	GroupName string
}

// ReminderScheduler registers, replaces and removes reminder schedules.
type ReminderScheduler struct {
	api    SchedulesAPI
	cfg    Config
	logger *zap.Logger
}

// New creates a ReminderScheduler. Pass a nil api or empty ARNs to get a
// scheduler whose operations all fail with ErrNotConfigured.
func New(api SchedulesAPI, cfg Config, logger *zap.Logger) *ReminderScheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ReminderScheduler{api: api, cfg: cfg, logger: logger}
}

func (s *ReminderScheduler) configured() bool {
	return s.api != nil && s.cfg.TargetArn != "" && s.cfg.RoleArn != ""
}

// invalidNameChars matches every byte the scheduler rejects in job names.
var invalidNameChars = regexp.MustCompile(`[^A-Za-z0-9_-]`)

// JobName derives the deterministic schedule name for one daily firing:
// rx-<patient>-<recordKey>-<HHMM>, sanitized to the scheduler's charset.
// Determinism is what makes re-registration a replace instead of a pile-up.
func JobName(patientID, recordKey, timeUTC string) string {
	hhmm := strings.ReplaceAll(timeUTC, ":", "")
	name := fmt.Sprintf("rx-%s-%s-%s", patientID, recordKey, hhmm)
	return invalidNameChars.ReplaceAllString(name, "_")
}

// CreateRecurring registers a daily schedule firing at timeUTC (HH:MM, UTC)
// until the end date (YYYY-MM-DD, optional). If a schedule with the same
// name already exists it is updated in place. Returns the job name.
func (s *ReminderScheduler) CreateRecurring(ctx context.Context, patientID, recordKey, timeUTC, untilISO string) (string, error) {
	if !s.configured() {
		return "", ErrNotConfigured
	}

	hh, mm, ok := splitHHMM(timeUTC)
	if !ok {
		return "", fmt.Errorf("malformed time %q", timeUTC)
	}
	name := JobName(patientID, recordKey, timeUTC)
	expr := fmt.Sprintf("cron(%d %d * * ? *)", mm, hh)

	input, err := json.Marshal(Payload{
		PatientID: patientID,
		RecordKey: recordKey,
		Action:    ActionSendReminder,
		Until:     untilISO,
	})
	if err != nil {
		return "", fmt.Errorf("encode payload: %w", err)
	}

	var endDate *time.Time
	if untilISO != "" {
		t, err := time.Parse("2006-01-02", untilISO)
		if err != nil {
			return "", fmt.Errorf("malformed end date %q", untilISO)
		}
		// Fire through the final day.
		t = t.Add(24*time.Hour - time.Second)
		endDate = &t
	}

	create := &ebs.CreateScheduleInput{
		Name:               aws.String(name),
		GroupName:          group(s.cfg.GroupName),
		ScheduleExpression: aws.String(expr),
		EndDate:            endDate,
		FlexibleTimeWindow: &ebstypes.FlexibleTimeWindow{
			Mode: ebstypes.FlexibleTimeWindowModeOff,
		},
		Target: &ebstypes.Target{
			Arn:     aws.String(s.cfg.TargetArn),
			RoleArn: aws.String(s.cfg.RoleArn),
			Input:   aws.String(string(input)),
		},
	}

	_, err = s.api.CreateSchedule(ctx, create)
	var conflict *ebstypes.ConflictException
	if errors.As(err, &conflict) {
		// Same name means same (patient, record, time): replace in place.
		_, err = s.api.UpdateSchedule(ctx, &ebs.UpdateScheduleInput{
			Name:               create.Name,
			GroupName:          create.GroupName,
			ScheduleExpression: create.ScheduleExpression,
			EndDate:            create.EndDate,
			FlexibleTimeWindow: create.FlexibleTimeWindow,
			Target:             create.Target,
		})
	}
	if err != nil {
		return "", fmt.Errorf("register schedule %s: %w", name, err)
	}

	s.logger.Info("reminder schedule registered",
		zap.String("name", name),
		zap.String("expression", expr))
	return name, nil
}

// CreateOneOff registers a schedule firing exactly once at the given UTC
// instant, with the same conflict-replace behavior as CreateRecurring.
func (s *ReminderScheduler) CreateOneOff(ctx context.Context, name string, at time.Time, p Payload) (string, error) {
	if !s.configured() {
		return "", ErrNotConfigured
	}

	name = invalidNameChars.ReplaceAllString(name, "_")
	expr := fmt.Sprintf("at(%s)", at.UTC().Format("2006-01-02T15:04:05"))

	input, err := json.Marshal(p)
	if err != nil {
		return "", fmt.Errorf("encode payload: %w", err)
	}

	create := &ebs.CreateScheduleInput{
		Name:                  aws.String(name),
		GroupName:             group(s.cfg.GroupName),
		ScheduleExpression:    aws.String(expr),
		ActionAfterCompletion: ebstypes.ActionAfterCompletionDelete,
		FlexibleTimeWindow: &ebstypes.FlexibleTimeWindow{
			Mode: ebstypes.FlexibleTimeWindowModeOff,
		},
		Target: &ebstypes.Target{
			Arn:     aws.String(s.cfg.TargetArn),
			RoleArn: aws.String(s.cfg.RoleArn),
			Input:   aws.String(string(input)),
		},
	}

	_, err = s.api.CreateSchedule(ctx, create)
	var conflict *ebstypes.ConflictException
	if errors.As(err, &conflict) {
		_, err = s.api.UpdateSchedule(ctx, &ebs.UpdateScheduleInput{
			Name:                  create.Name,
			GroupName:             create.GroupName,
			ScheduleExpression:    create.ScheduleExpression,
			ActionAfterCompletion: create.ActionAfterCompletion,
			FlexibleTimeWindow:    create.FlexibleTimeWindow,
			Target:                create.Target,
		})
	}
	if err != nil {
		return "", fmt.Errorf("register one-off schedule %s: %w", name, err)
	}
	return name, nil
}

// Delete removes a schedule by name. Absence is not an error: delete is
// best-effort cleanup and the job may have already expired.
func (s *ReminderScheduler) Delete(ctx context.Context, name string) error {
	if !s.configured() {
		return ErrNotConfigured
	}

	_, err := s.api.DeleteSchedule(ctx, &ebs.DeleteScheduleInput{
		Name:      aws.String(name),
		GroupName: group(s.cfg.GroupName),
	})
	var notFound *ebstypes.ResourceNotFoundException
	if errors.As(err, &notFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("delete schedule %s: %w", name, err)
	}
	return nil
}

func group(name string) *string {
	if name == "" {
		return nil
	}
	return aws.String(name)
}

func splitHHMM(t string) (hh, mm int, ok bool) {
	if len(t) != 5 || t[2] != ':' {
		return 0, 0, false
	}
	if _, err := fmt.Sscanf(t, "%02d:%02d", &hh, &mm); err != nil || hh > 23 || mm > 59 {
		return 0, 0, false
	}
	return hh, mm, true
}
