package service

import (
	"context"
	"encoding/json"
	"time"

	"cinema-orders/internal/models"
	"cinema-orders/internal/util"

	"go.uber.org/zap"
)

// ledgerCacheTTL bounds how long completed outcomes stay in the fast path.
// The database row is the source of truth and has no expiry.
const ledgerCacheTTL = 24 * time.Hour

// LedgerStore reads idempotency records from the durable ledger.
type LedgerStore interface {
	GetIdempotencyRecord(ctx context.Context, scope, key string) (*models.IdempotencyRecord, error)
}

// LedgerCache is the redis fast path in front of the durable ledger.
type LedgerCache interface {
	GetIdempotencyOutcome(ctx context.Context, scope, key string) ([]byte, error)
	SetIdempotencyOutcome(ctx context.Context, scope, key string, outcome []byte, ttl time.Duration) error
}

// Ledger answers "has this key already produced an outcome". Writes happen
// inside store transactions; the ledger only reads and primes the cache.
type Ledger struct {
	store  LedgerStore
	cache  LedgerCache
	logger *zap.Logger
}

// NewLedger creates a new idempotency ledger view
func NewLedger(store LedgerStore, cache LedgerCache) *Ledger {
	return &Ledger{
		store:  store,
		cache:  cache,
		logger: util.GetLogger(),
	}
}

// Find returns the record for (scope, key), or nil when the key is new.
// Cache failures degrade to the database, never to an error.
func (l *Ledger) Find(ctx context.Context, scope, key string) (*models.IdempotencyRecord, error) {
	if cached, err := l.cache.GetIdempotencyOutcome(ctx, scope, key); err != nil {
		l.logger.Warn("Ledger cache read failed, falling back to database",
			zap.String("scope", scope), zap.Error(err))
	} else if cached != nil {
		var rec models.IdempotencyRecord
		if err := json.Unmarshal(cached, &rec); err == nil {
			return &rec, nil
		}
	}

	rec, err := l.store.GetIdempotencyRecord(ctx, scope, key)
	if err != nil {
		return nil, err
	}
	if rec != nil && rec.Status == models.IdemStatusDone {
		l.Remember(ctx, rec)
	}
	return rec, nil
}

// Remember primes the cache with a completed record. Best effort.
func (l *Ledger) Remember(ctx context.Context, rec *models.IdempotencyRecord) {
	if rec.Status != models.IdemStatusDone {
		return
	}
	payload, err := json.Marshal(rec)
	if err != nil {
		return
	}
	if err := l.cache.SetIdempotencyOutcome(ctx, rec.Scope, rec.Key, payload, ledgerCacheTTL); err != nil {
		l.logger.Warn("Ledger cache write failed",
			zap.String("scope", rec.Scope), zap.Error(err))
	}
}
