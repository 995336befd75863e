package shared

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/crypto/blake2b"
)

// ErrIdempotencyConflict indicates a duplicate key.
var ErrIdempotencyConflict = fmt.Errorf("%w: idempotent request already processed", ErrConflict)

// KeyStore persists processed request keys per module.
type KeyStore interface {
	CheckAndInsert(ctx context.Context, key, module, fingerprint string) error
	Delete(ctx context.Context, key, module string) error
	Cleanup(ctx context.Context, olderThan time.Duration) (int64, error)
}

// Fingerprint hashes a request body so a reused key can be told apart from a replay.
func Fingerprint(v any) string {
	data, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	sum := blake2b.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// IdempotencyStore persists processed keys in Postgres.
type IdempotencyStore struct {
	pool *pgxpool.Pool
}

// NewIdempotencyStore constructs the store.
func NewIdempotencyStore(pool *pgxpool.Pool) *IdempotencyStore {
	return &IdempotencyStore{pool: pool}
}

// CheckAndInsert ensures key uniqueness per module. A reused key with a
// different fingerprint yields ErrConflict; an exact replay yields ErrIdempotencyConflict.
func (s *IdempotencyStore) CheckAndInsert(ctx context.Context, key, module, fingerprint string) error {
	if s == nil {
		return errors.New("idempotency store not initialised")
	}
	if err := checkKey(key, module); err != nil {
		return err
	}
	_, err := s.pool.Exec(ctx, `INSERT INTO idempotency_keys (key, module, fingerprint, created_at) VALUES ($1, $2, $3, $4)`, key, module, fingerprint, time.Now())
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) || pgErr.Code != "23505" {
		return err
	}
	var stored string
	if err := s.pool.QueryRow(ctx, `SELECT fingerprint FROM idempotency_keys WHERE key=$1 AND module=$2`, key, module).Scan(&stored); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrIdempotencyConflict
		}
		return err
	}
	return compareFingerprint(key, stored, fingerprint)
}

// Cleanup removes entries older than retention.
func (s *IdempotencyStore) Cleanup(ctx context.Context, olderThan time.Duration) (int64, error) {
	if s == nil {
		return 0, nil
	}
	cutoff := time.Now().Add(-olderThan)
	tag, err := s.pool.Exec(ctx, `DELETE FROM idempotency_keys WHERE created_at < $1`, cutoff)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// Delete removes a key, typically used to roll back failed processing.
func (s *IdempotencyStore) Delete(ctx context.Context, key, module string) error {
	if s == nil {
		return nil
	}
	if err := checkKey(key, module); err != nil {
		return err
	}
	_, err := s.pool.Exec(ctx, `DELETE FROM idempotency_keys WHERE key=$1 AND module=$2`, key, module)
	return err
}

// MemoryKeyStore is the in-process KeyStore used with the memory ledger store.
type MemoryKeyStore struct {
	mu   sync.Mutex
	keys map[string]memoryKey
	now  func() time.Time
}

type memoryKey struct {
	fingerprint string
	createdAt   time.Time
}

// NewMemoryKeyStore returns an empty key store.
func NewMemoryKeyStore() *MemoryKeyStore {
	return &MemoryKeyStore{keys: make(map[string]memoryKey), now: time.Now}
}

func (s *MemoryKeyStore) CheckAndInsert(_ context.Context, key, module, fingerprint string) error {
	if err := checkKey(key, module); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	id := module + ":" + key
	if existing, ok := s.keys[id]; ok {
		return compareFingerprint(key, existing.fingerprint, fingerprint)
	}
	s.keys[id] = memoryKey{fingerprint: fingerprint, createdAt: s.now()}
	return nil
}

func (s *MemoryKeyStore) Delete(_ context.Context, key, module string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.keys, module+":"+key)
	return nil
}

func (s *MemoryKeyStore) Cleanup(_ context.Context, olderThan time.Duration) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cutoff := s.now().Add(-olderThan)
	var removed int64
	for id, k := range s.keys {
		if k.createdAt.Before(cutoff) {
			delete(s.keys, id)
			removed++
		}
	}
	return removed, nil
}

func checkKey(key, module string) error {
	if key == "" {
		return Validationf("idempotency key required")
	}
	if module == "" {
		return Validationf("idempotency module required")
	}
	return nil
}

func compareFingerprint(key, stored, incoming string) error {
	if stored != "" && incoming != "" && stored != incoming {
		return Conflictf("idempotency key %q was used with a different request", key)
	}
	return ErrIdempotencyConflict
}
