package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/hibiken/asynq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/retail-ledger/internal/conversion"
	"github.com/odyssey-erp/retail-ledger/internal/credit"
	"github.com/odyssey-erp/retail-ledger/internal/domain"
	jobmetrics "github.com/odyssey-erp/retail-ledger/internal/jobs"
	"github.com/odyssey-erp/retail-ledger/internal/ledger"
	"github.com/odyssey-erp/retail-ledger/internal/money"
	"github.com/odyssey-erp/retail-ledger/internal/shared"
	"github.com/odyssey-erp/retail-ledger/internal/store"
	"github.com/odyssey-erp/retail-ledger/internal/store/memory"
)

func newJobMetrics(t *testing.T) (*jobmetrics.Metrics, *prometheus.Registry) {
	t.Helper()
	reg := prometheus.NewRegistry()
	return jobmetrics.NewMetrics(reg), reg
}

// counterValue reads retail_ledger_job_items_total for job and outcome, zero when unset.
func counterValue(t *testing.T, reg *prometheus.Registry, job, outcome string) float64 {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)
	for _, fam := range families {
		if fam.GetName() != "retail_ledger_job_items_total" {
			continue
		}
		for _, metric := range fam.GetMetric() {
			if matchLabels(metric.GetLabel(), map[string]string{"job": job, "outcome": outcome}) {
				return metric.GetCounter().GetValue()
			}
		}
	}
	return 0
}

func matchLabels(pairs []*dto.LabelPair, expected map[string]string) bool {
	seen := make(map[string]string, len(pairs))
	for _, pair := range pairs {
		seen[pair.GetName()] = pair.GetValue()
	}
	for k, v := range expected {
		if seen[k] != v {
			return false
		}
	}
	return true
}

type stubResumer struct {
	olderThan time.Duration
	resumed   int
	err       error
	single    []uuid.UUID
}

func (s *stubResumer) Resume(_ context.Context, id uuid.UUID) (conversion.Result, error) {
	s.single = append(s.single, id)
	if s.err != nil {
		return conversion.Result{}, s.err
	}
	return conversion.Result{Saga: domain.SagaRecord{ID: id, Status: domain.SagaCompleted}}, nil
}

func (s *stubResumer) ResumeStalled(_ context.Context, olderThan time.Duration) (int, error) {
	s.olderThan = olderThan
	return s.resumed, s.err
}

func TestSagaResumeStalledJob(t *testing.T) {
	metrics, reg := newJobMetrics(t)
	resumer := &stubResumer{resumed: 2}
	job := NewSagaResumeJob(resumer, time.Minute, nil, metrics)

	task, err := NewResumeStalledTask(10 * time.Minute)
	require.NoError(t, err)
	require.NoError(t, job.HandleStalled(context.Background(), task))
	require.Equal(t, 10*time.Minute, resumer.olderThan)

	require.NoError(t, job.HandleStalled(context.Background(), asynq.NewTask(TaskConversionResumeStalled, nil)))
	require.Equal(t, time.Minute, resumer.olderThan, "empty payload falls back to the configured threshold")

	require.Equal(t, float64(2), counterValue(t, reg, TaskConversionResumeStalled, "resumed"))
}

func TestSagaResumeStalledJobRecordsFailure(t *testing.T) {
	metrics, reg := newJobMetrics(t)
	resumer := &stubResumer{resumed: 1, err: errors.New("saga x: boom")}
	job := NewSagaResumeJob(resumer, time.Minute, nil, metrics)

	err := job.HandleStalled(context.Background(), asynq.NewTask(TaskConversionResumeStalled, nil))
	require.Error(t, err)

	count, err := testutil.GatherAndCount(reg, "retail_ledger_jobs_failures_total")
	require.NoError(t, err)
	require.Equal(t, 1, count)
}

func TestSagaResumeOneJob(t *testing.T) {
	resumer := &stubResumer{}
	job := NewSagaResumeJob(resumer, 0, nil, nil)
	id := uuid.New()

	task, err := NewResumeTask(id)
	require.NoError(t, err)
	require.NoError(t, job.HandleOne(context.Background(), task))
	require.Equal(t, []uuid.UUID{id}, resumer.single)

	err = job.HandleOne(context.Background(), asynq.NewTask(TaskConversionResume, []byte(`{}`)))
	require.ErrorIs(t, err, asynq.SkipRetry)

	resumer.err = shared.NotFoundf("saga %s", id)
	err = job.HandleOne(context.Background(), task)
	require.ErrorIs(t, err, asynq.SkipRetry, "a missing saga is not retried")
}

func TestLedgerIntegrityJob(t *testing.T) {
	ctx := context.Background()
	st := memory.New()
	ledgerSvc := ledger.NewService(st, nil, nil, ledger.ServiceConfig{Retry: shared.DefaultRetryPolicy})
	creditSvc := credit.NewService(st, nil, nil, shared.DefaultRetryPolicy)

	acc, err := ledgerSvc.OpenAccount(ctx, ledger.OpenAccountInput{Name: "Bank", Type: domain.AccountBank, Opening: money.FromUnits(500)})
	require.NoError(t, err)
	_, err = creditSvc.RegisterCustomer(ctx, "C9", "Sari")
	require.NoError(t, err)

	metrics, reg := newJobMetrics(t)
	job := NewLedgerIntegrityJob(ledgerSvc, creditSvc, nil, metrics)
	task, err := NewIntegrityTask()
	require.NoError(t, err)
	require.NoError(t, job.Handle(ctx, task))
	require.Zero(t, counterValue(t, reg, TaskLedgerIntegrity, "account_mismatch"))

	require.NoError(t, st.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		_, err := tx.InsertLedgerEntry(ctx, domain.LedgerEntry{
			AccountID:     acc.ID,
			Amount:        money.FromUnits(10),
			BalanceBefore: money.FromUnits(400),
			BalanceAfter:  money.FromUnits(410),
			Kind:          domain.KindAdjustment,
		})
		return err
	}))

	mismatches, err := job.Scan(ctx, []string{SubjectAccount, SubjectCustomer})
	require.NoError(t, err)
	require.NotEmpty(t, mismatches)
	for _, m := range mismatches {
		require.Equal(t, SubjectAccount, m.Subject)
	}

	only, err := job.Scan(ctx, []string{SubjectCustomer})
	require.NoError(t, err)
	require.Empty(t, only)

	require.NoError(t, job.Handle(ctx, task), "mismatches are reported, not failed")
	require.Equal(t, float64(len(mismatches)), counterValue(t, reg, TaskLedgerIntegrity, "account_mismatch"))
}

type stubKeys struct {
	shared.KeyStore
	retention time.Duration
	removed   int64
	err       error
}

func (s *stubKeys) Cleanup(_ context.Context, olderThan time.Duration) (int64, error) {
	s.retention = olderThan
	return s.removed, s.err
}

func TestIdempotencyCleanupJob(t *testing.T) {
	keys := &stubKeys{removed: 3}
	metrics, reg := newJobMetrics(t)
	job := NewIdempotencyCleanupJob(keys, 48*time.Hour, nil, metrics)

	require.NoError(t, job.Handle(context.Background(), asynq.NewTask(TaskIdempotencyCleanup, nil)))
	require.Equal(t, 48*time.Hour, keys.retention)
	require.Equal(t, float64(3), counterValue(t, reg, TaskIdempotencyCleanup, "deleted"))

	task, err := NewCleanupTask(time.Hour)
	require.NoError(t, err)
	require.NoError(t, job.Handle(context.Background(), task))
	require.Equal(t, time.Hour, keys.retention)

	keys.err = errors.New("connection reset")
	require.ErrorContains(t, job.Handle(context.Background(), task), "connection reset")
}

func TestServeMuxRoutesRegisteredTasks(t *testing.T) {
	var seen []string
	mux := NewServeMux([]TaskHandler{
		{Type: TaskLedgerIntegrity, Handler: func(_ context.Context, t *asynq.Task) error {
			seen = append(seen, t.Type())
			return nil
		}},
		{Type: "", Handler: nil},
	})
	require.NoError(t, mux.ProcessTask(context.Background(), asynq.NewTask(TaskLedgerIntegrity, nil)))
	require.Error(t, mux.ProcessTask(context.Background(), asynq.NewTask("unknown:task", nil)))
	require.Equal(t, []string{TaskLedgerIntegrity}, seen)
}

type stubInspector struct {
	infos map[string]*asynq.QueueInfo
	err   error
}

func (s stubInspector) GetQueueInfo(queue string) (*asynq.QueueInfo, error) {
	if s.err != nil {
		return nil, s.err
	}
	info, ok := s.infos[queue]
	if !ok {
		return nil, asynq.ErrQueueNotFound
	}
	return info, nil
}

func TestJobsHealthHandler(t *testing.T) {
	inspector := stubInspector{infos: map[string]*asynq.QueueInfo{
		QueueCritical: {Queue: QueueCritical, Pending: 4, Retry: 1},
	}}
	r := chi.NewRouter()
	r.Route("/jobs", NewHandler(inspector, nil).MountRoutes)

	rr := httptest.NewRecorder()
	r.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/jobs/health", nil))
	require.Equal(t, http.StatusOK, rr.Code)
	var env struct {
		Data []queueHealth `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &env))
	require.Equal(t, []queueHealth{
		{Queue: QueueCritical, Pending: 4, Retry: 1},
		{Queue: QueueDefault},
	}, env.Data)

	r = chi.NewRouter()
	r.Route("/jobs", NewHandler(stubInspector{err: errors.New("redis down")}, nil).MountRoutes)
	rr = httptest.NewRecorder()
	r.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/jobs/health", nil))
	require.Equal(t, http.StatusServiceUnavailable, rr.Code)
}
