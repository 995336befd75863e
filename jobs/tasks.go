package jobs

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// QueueCritical carries saga recovery ahead of housekeeping.
	QueueCritical = "critical"

	// TaskConversionResumeStalled resumes every conversion saga idle past a threshold.
	TaskConversionResumeStalled = "conversion:resume_stalled"
	// TaskConversionResume resumes one conversion saga.
	TaskConversionResume = "conversion:resume"
	// TaskLedgerIntegrity verifies account and store-credit balance chains.
	TaskLedgerIntegrity = "ledger:integrity"
	// TaskIdempotencyCleanup prunes expired idempotency keys.
	TaskIdempotencyCleanup = "idempotency:cleanup"
)

// ResumeStalledPayload configures the stalled-saga sweep.
type ResumeStalledPayload struct {
	OlderThanSeconds int64 `json:"older_than_seconds"`
}

// ResumePayload names one saga.
type ResumePayload struct {
	SagaID uuid.UUID `json:"saga_id"`
}

// IntegrityPayload selects which chains to verify; both when empty.
type IntegrityPayload struct {
	Subjects []string `json:"subjects,omitempty"`
}

// CleanupPayload configures key retention.
type CleanupPayload struct {
	RetentionSeconds int64 `json:"retention_seconds"`
}

// NewResumeStalledTask builds the periodic saga sweep.
func NewResumeStalledTask(olderThan time.Duration) (*asynq.Task, error) {
	return newTask(TaskConversionResumeStalled, ResumeStalledPayload{OlderThanSeconds: int64(olderThan / time.Second)}, QueueCritical)
}

// NewResumeTask builds a one-off resume for sagaID.
func NewResumeTask(sagaID uuid.UUID) (*asynq.Task, error) {
	return newTask(TaskConversionResume, ResumePayload{SagaID: sagaID}, QueueCritical,
		asynq.TaskID(TaskConversionResume+":"+sagaID.String()))
}

// NewIntegrityTask builds the ledger integrity scan.
func NewIntegrityTask(subjects ...string) (*asynq.Task, error) {
	return newTask(TaskLedgerIntegrity, IntegrityPayload{Subjects: subjects}, QueueDefault)
}

// NewCleanupTask builds the idempotency key cleanup.
func NewCleanupTask(retention time.Duration) (*asynq.Task, error) {
	return newTask(TaskIdempotencyCleanup, CleanupPayload{RetentionSeconds: int64(retention / time.Second)}, QueueDefault)
}

func newTask(typ string, payload any, queue string, opts ...asynq.Option) (*asynq.Task, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	opts = append([]asynq.Option{asynq.Queue(queue)}, opts...)
	return asynq.NewTask(typ, body, opts...), nil
}
