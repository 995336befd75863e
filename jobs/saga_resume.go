package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"

	"github.com/odyssey-erp/retail-ledger/internal/conversion"
	jobmetrics "github.com/odyssey-erp/retail-ledger/internal/jobs"
	"github.com/odyssey-erp/retail-ledger/internal/shared"
)

// SagaResumer is the slice of the conversion service the resume jobs drive.
type SagaResumer interface {
	Resume(ctx context.Context, id uuid.UUID) (conversion.Result, error)
	ResumeStalled(ctx context.Context, olderThan time.Duration) (int, error)
}

// SagaResumeJob drives conversion sagas left mid-flight by a crash or timeout.
type SagaResumeJob struct {
	Service   SagaResumer
	Logger    *slog.Logger
	Metrics   *jobmetrics.Metrics
	OlderThan time.Duration
}

// NewSagaResumeJob constructs the handler; olderThan is the default idle threshold.
func NewSagaResumeJob(service SagaResumer, olderThan time.Duration, logger *slog.Logger, metrics *jobmetrics.Metrics) *SagaResumeJob {
	if olderThan <= 0 {
		olderThan = 5 * time.Minute
	}
	return &SagaResumeJob{Service: service, Logger: logger, Metrics: metrics, OlderThan: olderThan}
}

// HandleStalled sweeps stalled sagas.
func (j *SagaResumeJob) HandleStalled(ctx context.Context, t *asynq.Task) (resultErr error) {
	if j == nil || j.Service == nil {
		return errors.New("saga resume: handler not configured")
	}
	var payload ResumeStalledPayload
	if len(t.Payload()) > 0 {
		if err := json.Unmarshal(t.Payload(), &payload); err != nil {
			return fmt.Errorf("saga resume: %v: %w", err, asynq.SkipRetry)
		}
	}
	olderThan := j.OlderThan
	if payload.OlderThanSeconds > 0 {
		olderThan = time.Duration(payload.OlderThanSeconds) * time.Second
	}

	tracker := j.Metrics.Track(TaskConversionResumeStalled)
	defer func() {
		resultErr = tracker.End(resultErr)
	}()

	logger := shared.LoggerOrDiscard(j.Logger).With(slog.String("job", TaskConversionResumeStalled), slog.Duration("older_than", olderThan))
	resumed, err := j.Service.ResumeStalled(ctx, olderThan)
	j.Metrics.AddItems(TaskConversionResumeStalled, "resumed", resumed)
	if err != nil {
		logger.Error("stalled saga sweep finished with failures", slog.Int("resumed", resumed), slog.Any("error", err))
		return err
	}
	logger.Info("stalled saga sweep completed", slog.Int("resumed", resumed))
	return nil
}

// HandleOne resumes the saga named in the payload.
func (j *SagaResumeJob) HandleOne(ctx context.Context, t *asynq.Task) (resultErr error) {
	if j == nil || j.Service == nil {
		return errors.New("saga resume: handler not configured")
	}
	var payload ResumePayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil || payload.SagaID == uuid.Nil {
		return fmt.Errorf("saga resume: invalid payload: %w", asynq.SkipRetry)
	}

	tracker := j.Metrics.Track(TaskConversionResume)
	defer func() {
		resultErr = tracker.End(resultErr)
	}()

	res, err := j.Service.Resume(ctx, payload.SagaID)
	if errors.Is(err, shared.ErrNotFound) {
		return fmt.Errorf("saga resume: %w: %w", err, asynq.SkipRetry)
	}
	if err != nil {
		return err
	}
	shared.LoggerOrDiscard(j.Logger).Info("saga resumed",
		slog.String("saga_id", payload.SagaID.String()),
		slog.String("status", string(res.Saga.Status)),
	)
	j.Metrics.AddItems(TaskConversionResume, string(res.Saga.Status), 1)
	return nil
}
