package shared

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// AuditLog represents a record stored in audit_logs.
type AuditLog struct {
	ActorID  int64
	Action   string
	Entity   string
	EntityID string
	Meta     map[string]any
	At       time.Time
}

// AuditPort abstracts audit logging functionality.
type AuditPort interface {
	Record(ctx context.Context, log AuditLog) error
}

// AuditLogger writes records into audit_logs.
type AuditLogger struct {
	pool *pgxpool.Pool
}

// NewAuditLogger returns a new AuditLogger.
func NewAuditLogger(pool *pgxpool.Pool) *AuditLogger {
	return &AuditLogger{pool: pool}
}

// Record persists the log entry.
func (l *AuditLogger) Record(ctx context.Context, log AuditLog) error {
	if l == nil {
		return errors.New("audit logger not initialised")
	}
	if err := log.validate(); err != nil {
		return err
	}
	metaJSON, err := json.Marshal(log.Meta)
	if err != nil {
		return err
	}
	var at *time.Time
	if !log.At.IsZero() {
		at = &log.At
	}
	_, err = l.pool.Exec(ctx, `INSERT INTO audit_logs (actor_id, action, entity, entity_id, meta, occurred_at) VALUES ($1, $2, $3, $4, $5, COALESCE($6, NOW()))`, log.ActorID, log.Action, log.Entity, log.EntityID, metaJSON, at)
	return err
}

func (log AuditLog) validate() error {
	if log.Action == "" || log.Entity == "" || log.EntityID == "" {
		return errors.New("audit log requires action/entity/entity_id")
	}
	return nil
}

// MemoryAudit keeps audit records in process.
type MemoryAudit struct {
	mu      sync.Mutex
	records []AuditLog
}

// Record appends the log entry.
func (m *MemoryAudit) Record(_ context.Context, log AuditLog) error {
	if err := log.validate(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if log.At.IsZero() {
		log.At = time.Now()
	}
	m.records = append(m.records, log)
	return nil
}

// Records returns a copy of everything recorded so far.
func (m *MemoryAudit) Records() []AuditLog {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]AuditLog(nil), m.records...)
}

// FailureCounter counts best-effort steps that failed.
type FailureCounter interface {
	SecondaryFailure(operation, step string)
}

// Bookkeeping runs secondary steps: their failures are logged and counted but
// never fail the primary operation.
type Bookkeeping struct {
	logger  *slog.Logger
	audit   AuditPort
	counter FailureCounter
}

// NewBookkeeping wires the secondary-step policy. Any argument may be nil.
func NewBookkeeping(logger *slog.Logger, audit AuditPort, counter FailureCounter) *Bookkeeping {
	return &Bookkeeping{logger: LoggerOrDiscard(logger), audit: audit, counter: counter}
}

// Audit records log as a secondary step of operation.
func (b *Bookkeeping) Audit(ctx context.Context, operation string, log AuditLog) {
	if b == nil || b.audit == nil {
		return
	}
	err := b.audit.Record(ctx, log)
	b.Report(ctx, operation, "audit_log", err,
		slog.String("entity", log.Entity),
		slog.String("entity_id", log.EntityID),
		slog.String("action", log.Action),
		slog.Any("meta", log.Meta),
	)
}

// Report logs and counts err when non-nil. attrs should carry enough context
// to reconcile the step by hand.
func (b *Bookkeeping) Report(ctx context.Context, operation, step string, err error, attrs ...any) {
	if b == nil || err == nil {
		return
	}
	args := append([]any{
		slog.String("operation", operation),
		slog.String("step", step),
		slog.Any("error", err),
	}, attrs...)
	b.logger.WarnContext(ctx, "secondary bookkeeping failed", args...)
	if b.counter != nil {
		b.counter.SecondaryFailure(operation, step)
	}
}

// LoggerOrDiscard returns logger, or a logger that drops everything when nil.
func LoggerOrDiscard(logger *slog.Logger) *slog.Logger {
	if logger != nil {
		return logger
	}
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
