package conversion

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/odyssey-erp/retail-ledger/internal/credit"
	"github.com/odyssey-erp/retail-ledger/internal/domain"
	"github.com/odyssey-erp/retail-ledger/internal/inventory"
	"github.com/odyssey-erp/retail-ledger/internal/ledger"
	"github.com/odyssey-erp/retail-ledger/internal/observability"
	"github.com/odyssey-erp/retail-ledger/internal/settlement"
	"github.com/odyssey-erp/retail-ledger/internal/shared"
	"github.com/odyssey-erp/retail-ledger/internal/store"
)

// errSagaMoved stops a driver when another worker advanced the saga first.
var errSagaMoved = errors.New("conversion: saga moved on")

// Dependencies groups the collaborators of Service.
type Dependencies struct {
	Store      store.Store
	Ledger     *ledger.Service
	Credit     *credit.Service
	Settlement *settlement.Service
	Inventory  *inventory.Service
	Locker     shared.Locker
	Book       *shared.Bookkeeping
	Logger     *slog.Logger
	Metrics    *observability.LedgerMetrics
	Retry      shared.RetryPolicy
	// StepTimeout bounds each step transaction; zero means no bound.
	StepTimeout time.Duration
}

// Service runs store-credit conversion sagas.
type Service struct {
	store       store.Store
	ledger      *ledger.Service
	credit      *credit.Service
	settlement  *settlement.Service
	inventory   *inventory.Service
	locker      shared.Locker
	book        *shared.Bookkeeping
	logger      *slog.Logger
	metrics     *observability.LedgerMetrics
	retry       shared.RetryPolicy
	stepTimeout time.Duration
}

// NewService constructs the conversion service.
func NewService(deps Dependencies) *Service {
	locker := deps.Locker
	if locker == nil {
		locker = shared.NoopLocker{}
	}
	return &Service{
		store:       deps.Store,
		ledger:      deps.Ledger,
		credit:      deps.Credit,
		settlement:  deps.Settlement,
		inventory:   deps.Inventory,
		locker:      locker,
		book:        deps.Book,
		logger:      shared.LoggerOrDiscard(deps.Logger),
		metrics:     deps.Metrics,
		retry:       deps.Retry,
		stepTimeout: deps.StepTimeout,
	}
}

// ============================================================================
// ENTRY POINTS
// ============================================================================

// Convert turns amount of a confirmed sale into store credit for its
// customer. When a step fails the committed steps are compensated and the
// step error is returned together with the compensated saga.
func (s *Service) Convert(ctx context.Context, in Input) (Result, error) {
	if in.SaleID <= 0 {
		return Result{}, shared.Validationf("sale required")
	}
	if !in.Amount.IsPositive() {
		return Result{}, shared.Validationf("conversion amount must be positive")
	}
	release, err := s.locker.Acquire(ctx, shared.SaleLockKey(in.SaleID))
	if err != nil {
		return Result{}, err
	}
	defer release(context.WithoutCancel(ctx))

	fingerprint := shared.Fingerprint(struct {
		SaleID           int64  `json:"sale_id"`
		Amount           string `json:"amount"`
		RestoreInventory bool   `json:"restore_inventory"`
	}{in.SaleID, in.Amount.String(), in.RestoreInventory})

	var (
		id       uuid.UUID
		existing *domain.SagaRecord
	)
	policy := s.policy("convert_sale")
	err = shared.Retry(ctx, policy, "start conversion", func(ctx context.Context) error {
		return s.store.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
			existing = nil
			if in.IdempotencyKey != "" {
				found, err := tx.FindSagaByKey(ctx, in.IdempotencyKey)
				switch {
				case err == nil:
					if found.Fingerprint != fingerprint {
						return shared.Conflictf("idempotency key %q was used for a different conversion", in.IdempotencyKey)
					}
					existing = &found
					return nil
				case !errors.Is(err, store.ErrNotFound):
					return shared.ExternalStore("find saga", err)
				}
			}
			saga, err := s.startTx(ctx, tx, in, fingerprint)
			if err != nil {
				return err
			}
			id = saga.ID
			return nil
		})
	})
	if err != nil {
		return Result{}, shared.ExternalStore("start conversion", err)
	}

	if existing != nil {
		s.logger.InfoContext(ctx, "conversion replayed",
			slog.String("saga_id", existing.ID.String()),
			slog.String("status", string(existing.Status)),
		)
		if existing.Status == domain.SagaRunning {
			return s.driveForward(ctx, existing.ID)
		}
		res, err := s.Get(ctx, existing.ID)
		res.Replayed = true
		return res, err
	}

	s.logger.InfoContext(ctx, "conversion started",
		slog.String("saga_id", id.String()),
		slog.Int64("sale_id", in.SaleID),
		slog.String("amount", in.Amount.String()),
	)
	return s.driveForward(ctx, id)
}

func (s *Service) startTx(ctx context.Context, tx store.Tx, in Input, fingerprint string) (domain.SagaRecord, error) {
	sale, err := tx.GetSale(ctx, in.SaleID)
	if errors.Is(err, store.ErrNotFound) {
		return domain.SagaRecord{}, shared.NotFoundf("sale %d", in.SaleID)
	}
	if err != nil {
		return domain.SagaRecord{}, shared.ExternalStore("get sale", err)
	}
	if sale.Status != domain.SaleConfirmed {
		return domain.SagaRecord{}, shared.Validationf("sale %d is %s; only confirmed sales can be converted", sale.ID, sale.Status)
	}
	if sale.CustomerCode == "" {
		return domain.SagaRecord{}, shared.Validationf("sale %d has no customer to credit", sale.ID)
	}
	if in.Amount > sale.Total {
		return domain.SagaRecord{}, shared.Validationf("conversion amount exceeds sale total")
	}
	st := State{
		CustomerCode:  sale.CustomerCode,
		SaleNumber:    sale.Number,
		OriginalTotal: sale.Total,
		Full:          in.Amount >= sale.Total,
		Note:          in.Note,
		ActorID:       in.ActorID,
		SaleBefore:    sale,
	}
	raw, err := st.encode()
	if err != nil {
		return domain.SagaRecord{}, err
	}
	saga := domain.SagaRecord{
		ID:               sagaID(in.IdempotencyKey),
		Kind:             SagaKind,
		SaleID:           sale.ID,
		Amount:           in.Amount,
		RestoreInventory: in.RestoreInventory,
		Status:           domain.SagaRunning,
		State:            raw,
		IdempotencyKey:   in.IdempotencyKey,
		Fingerprint:      fingerprint,
	}
	if err := tx.InsertSaga(ctx, saga); err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			// Lost a race on the key; the retry picks the winner up as a replay.
			return domain.SagaRecord{}, store.ErrVersionConflict
		}
		return domain.SagaRecord{}, shared.ExternalStore("insert saga", err)
	}
	return saga, nil
}

// Reverse undoes a completed conversion step by step, newest first.
func (s *Service) Reverse(ctx context.Context, id uuid.UUID, actorID int64) (Result, error) {
	saga, _, err := s.load(ctx, id)
	if err != nil {
		return Result{}, err
	}
	if saga.Status != domain.SagaCompleted {
		return Result{}, shared.Validationf("conversion %s is %s; only completed conversions can be reversed", id, saga.Status)
	}
	release, err := s.locker.Acquire(ctx, shared.SaleLockKey(saga.SaleID))
	if err != nil {
		return Result{}, err
	}
	defer release(context.WithoutCancel(ctx))

	if err := s.compensate(ctx, id, domain.SagaReversing, ""); err != nil {
		res, _ := s.Get(ctx, id)
		return res, err
	}
	res, err := s.Get(ctx, id)
	if err != nil {
		return Result{}, err
	}
	s.book.Audit(ctx, "reverse conversion", shared.AuditLog{
		ActorID:  actorID,
		Action:   "sale:store_credit_reverse",
		Entity:   "sale",
		EntityID: fmt.Sprint(saga.SaleID),
		Meta: map[string]any{
			"saga_id": id.String(),
			"amount":  saga.Amount.String(),
		},
	})
	return res, nil
}

// Resume continues a saga from its persisted cursor: running sagas go
// forward, compensating, reversing and stuck ones go backward. Finished
// sagas are returned as they are.
func (s *Service) Resume(ctx context.Context, id uuid.UUID) (Result, error) {
	saga, st, err := s.load(ctx, id)
	if err != nil {
		return Result{}, err
	}
	release, err := s.locker.Acquire(ctx, shared.SaleLockKey(saga.SaleID))
	if err != nil {
		return Result{}, err
	}
	defer release(context.WithoutCancel(ctx))

	s.logger.InfoContext(ctx, "conversion resumed",
		slog.String("saga_id", id.String()),
		slog.String("status", string(saga.Status)),
		slog.Int("cursor", saga.Cursor),
	)
	switch saga.Status {
	case domain.SagaRunning:
		return s.driveForward(ctx, id)
	case domain.SagaCompensating, domain.SagaReversing:
		err = s.compensate(ctx, id, saga.Status, "")
	case domain.SagaStuck:
		target := domain.SagaCompensating
		if st.Reversing {
			target = domain.SagaReversing
		}
		err = s.compensate(ctx, id, target, "")
	}
	res, getErr := s.Get(ctx, id)
	if err != nil {
		return res, err
	}
	return res, getErr
}

// ResumeStalled resumes every unfinished saga untouched for olderThan and
// reports how many it picked up.
func (s *Service) ResumeStalled(ctx context.Context, olderThan time.Duration) (int, error) {
	var sagas []domain.SagaRecord
	err := s.store.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		var err error
		sagas, err = tx.ListSagas(ctx, []domain.SagaStatus{
			domain.SagaRunning,
			domain.SagaCompensating,
			domain.SagaReversing,
		}, time.Now().Add(-olderThan))
		return err
	})
	if err != nil {
		return 0, shared.ExternalStore("list sagas", err)
	}
	var errs []error
	for _, saga := range sagas {
		if saga.Kind != SagaKind {
			continue
		}
		if _, err := s.Resume(ctx, saga.ID); err != nil {
			s.logger.ErrorContext(ctx, "resume conversion failed",
				slog.String("saga_id", saga.ID.String()),
				slog.Any("error", err),
			)
			errs = append(errs, fmt.Errorf("saga %s: %w", saga.ID, err))
		}
	}
	return len(sagas), errors.Join(errs...)
}

// Get returns a saga with its decoded state and, when present, its audit row.
func (s *Service) Get(ctx context.Context, id uuid.UUID) (Result, error) {
	var res Result
	err := s.store.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		saga, err := tx.GetSaga(ctx, id)
		if errors.Is(err, store.ErrNotFound) {
			return shared.NotFoundf("conversion %s", id)
		}
		if err != nil {
			return err
		}
		st, err := decodeState(saga.State)
		if err != nil {
			return err
		}
		res = Result{Saga: saga, State: st}
		records, err := tx.ListConversionRecords(ctx, saga.SaleID)
		if err != nil {
			return err
		}
		for i := range records {
			if records[i].ID == st.RecordID && st.RecordID != 0 {
				rec := records[i]
				res.Record = &rec
			}
		}
		return nil
	})
	if err != nil {
		return Result{}, shared.ExternalStore("get conversion", err)
	}
	return res, nil
}

// ============================================================================
// SAGA RUNNER
// ============================================================================

func (s *Service) policy(op string) shared.RetryPolicy {
	policy := s.retry
	policy.OnRetry = func(int, error) { s.metrics.Retry(op) }
	return policy
}

func (s *Service) load(ctx context.Context, id uuid.UUID) (domain.SagaRecord, State, error) {
	var (
		saga domain.SagaRecord
		st   State
	)
	err := s.store.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		var err error
		saga, err = tx.GetSaga(ctx, id)
		if errors.Is(err, store.ErrNotFound) {
			return shared.NotFoundf("conversion %s", id)
		}
		if err != nil {
			return err
		}
		st, err = decodeState(saga.State)
		return err
	})
	if err != nil {
		return domain.SagaRecord{}, State{}, shared.ExternalStore("load saga", err)
	}
	return saga, st, nil
}

func (s *Service) stepContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.stepTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, s.stepTimeout)
}

// driveForward commits the remaining forward steps one transaction each.
func (s *Service) driveForward(ctx context.Context, id uuid.UUID) (Result, error) {
	steps := s.steps()
	for {
		saga, _, err := s.load(ctx, id)
		if err != nil {
			return Result{}, err
		}
		if saga.Status != domain.SagaRunning || saga.Cursor >= len(steps) {
			break
		}
		current := steps[saga.Cursor]
		err = s.advance(ctx, id, saga.Cursor, current, len(steps))
		if errors.Is(err, errSagaMoved) {
			break
		}
		if err != nil {
			s.metrics.SagaStep(current.name, "failed")
			s.logger.WarnContext(ctx, "conversion step failed",
				slog.String("saga_id", id.String()),
				slog.String("step", current.name),
				slog.Any("error", err),
			)
			if compErr := s.compensate(ctx, id, domain.SagaCompensating, fmt.Sprintf("%s: %v", current.name, err)); compErr != nil {
				err = errors.Join(err, compErr)
			}
			res, _ := s.Get(ctx, id)
			return res, err
		}
		s.metrics.SagaStep(current.name, "ok")
		s.logger.InfoContext(ctx, "conversion step committed",
			slog.String("saga_id", id.String()),
			slog.String("step", current.name),
			slog.String("status", string(domain.SagaRunning)),
		)
	}

	res, err := s.Get(ctx, id)
	if err != nil {
		return Result{}, err
	}
	if res.Saga.Status == domain.SagaCompleted {
		s.book.Audit(ctx, "convert sale", shared.AuditLog{
			ActorID:  res.State.ActorID,
			Action:   "sale:store_credit",
			Entity:   "sale",
			EntityID: fmt.Sprint(res.Saga.SaleID),
			Meta: map[string]any{
				"saga_id":            id.String(),
				"amount":             res.Saga.Amount.String(),
				"full":               res.State.Full,
				"inventory_restored": res.State.InventoryRestored,
			},
		})
	}
	return res, nil
}

func (s *Service) advance(ctx context.Context, id uuid.UUID, cursor int, current step, total int) error {
	stepCtx, cancel := s.stepContext(ctx)
	defer cancel()
	return shared.Retry(stepCtx, s.policy("conversion_"+current.name), "conversion "+current.name, func(ctx context.Context) error {
		return s.store.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
			saga, err := tx.GetSaga(ctx, id)
			if err != nil {
				return shared.ExternalStore("get saga", err)
			}
			if saga.Status != domain.SagaRunning || saga.Cursor != cursor {
				return errSagaMoved
			}
			st, err := decodeState(saga.State)
			if err != nil {
				return err
			}
			next := st.clone()
			if err := current.forward(ctx, tx, saga, &next); err != nil {
				return err
			}
			raw, err := next.encode()
			if err != nil {
				return err
			}
			version := saga.Version
			saga.State = raw
			saga.Cursor++
			if saga.Cursor == total {
				saga.Status = domain.SagaCompleted
			}
			if err := tx.UpdateSaga(ctx, saga, version); err != nil {
				return shared.ExternalStore("update saga", err)
			}
			return nil
		})
	})
}

// compensate walks the cursor back to zero, undoing one committed step per
// transaction. status is compensating or reversing; a failed compensation
// parks the saga as stuck.
func (s *Service) compensate(ctx context.Context, id uuid.UUID, status domain.SagaStatus, cause string) error {
	final := domain.SagaCompensated
	if status == domain.SagaReversing {
		final = domain.SagaReversed
	}
	err := shared.Retry(ctx, s.policy("conversion_compensate"), "mark saga", func(ctx context.Context) error {
		return s.store.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
			saga, err := tx.GetSaga(ctx, id)
			if err != nil {
				return shared.ExternalStore("get saga", err)
			}
			st, err := decodeState(saga.State)
			if err != nil {
				return err
			}
			st.Reversing = status == domain.SagaReversing
			raw, err := st.encode()
			if err != nil {
				return err
			}
			version := saga.Version
			saga.State = raw
			saga.Status = status
			if cause != "" {
				saga.LastError = cause
			}
			if saga.Cursor == 0 {
				saga.Status = final
			}
			return tx.UpdateSaga(ctx, saga, version)
		})
	})
	if err != nil {
		return shared.ExternalStore("mark saga", err)
	}

	steps := s.steps()
	for {
		saga, _, err := s.load(ctx, id)
		if err != nil {
			return err
		}
		if saga.Status != status || saga.Cursor == 0 {
			return nil
		}
		current := steps[saga.Cursor-1]
		err = s.retreat(ctx, id, status, final, saga.Cursor, current)
		if errors.Is(err, errSagaMoved) {
			return nil
		}
		if err != nil {
			s.metrics.SagaStep(current.name, "compensation_failed")
			s.logger.ErrorContext(ctx, "conversion compensation failed, saga is stuck",
				slog.String("saga_id", id.String()),
				slog.String("step", current.name),
				slog.Any("error", err),
			)
			if markErr := s.markStuck(ctx, id, fmt.Sprintf("compensate %s: %v", current.name, err)); markErr != nil {
				return errors.Join(err, markErr)
			}
			return err
		}
		s.metrics.SagaStep(current.name, "compensated")
		s.logger.InfoContext(ctx, "conversion step compensated",
			slog.String("saga_id", id.String()),
			slog.String("step", current.name),
			slog.String("status", string(status)),
		)
	}
}

func (s *Service) retreat(ctx context.Context, id uuid.UUID, status, final domain.SagaStatus, cursor int, current step) error {
	stepCtx, cancel := s.stepContext(ctx)
	defer cancel()
	return shared.Retry(stepCtx, s.policy("conversion_"+current.name), "compensate "+current.name, func(ctx context.Context) error {
		return s.store.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
			saga, err := tx.GetSaga(ctx, id)
			if err != nil {
				return shared.ExternalStore("get saga", err)
			}
			if saga.Status != status || saga.Cursor != cursor {
				return errSagaMoved
			}
			st, err := decodeState(saga.State)
			if err != nil {
				return err
			}
			next := st.clone()
			if err := current.compensate(ctx, tx, saga, &next); err != nil {
				return err
			}
			raw, err := next.encode()
			if err != nil {
				return err
			}
			version := saga.Version
			saga.State = raw
			saga.Cursor--
			if saga.Cursor == 0 {
				saga.Status = final
			}
			if err := tx.UpdateSaga(ctx, saga, version); err != nil {
				return shared.ExternalStore("update saga", err)
			}
			return nil
		})
	})
}

func (s *Service) markStuck(ctx context.Context, id uuid.UUID, cause string) error {
	return shared.Retry(ctx, s.policy("conversion_compensate"), "mark saga stuck", func(ctx context.Context) error {
		return s.store.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
			saga, err := tx.GetSaga(ctx, id)
			if err != nil {
				return err
			}
			version := saga.Version
			saga.Status = domain.SagaStuck
			saga.LastError = cause
			return tx.UpdateSaga(ctx, saga, version)
		})
	})
}
