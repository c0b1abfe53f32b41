// Package idempotency maps a tenant's idempotency keys to the first outcome
// produced under them.
//
// A key is claimed at the start of the unit of work that executes the
// operation and finalized at its end, so the storage layer's uniqueness
// constraint decides which of two racing requests runs. The loser waits for
// the winner's record and replays it.
package idempotency

import (
	"context"
	"time"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/loggo"
	"github.com/juju/retry"

	"github.com/punchamoorthee/tenantledger/internal/domain"
	"github.com/punchamoorthee/tenantledger/internal/store"
)

var logger = loggo.GetLogger("ledger.idempotency")

// ErrKeyTaken is returned by Reserve when another request holds or has
// already completed the key.
const ErrKeyTaken = errors.ConstError("idempotency key taken")

// errNotVisible drives the Await poll loop.
const errNotVisible = errors.ConstError("idempotency record not visible yet")

const (
	DefaultTTL          = 24 * time.Hour
	DefaultAwaitDelay   = 10 * time.Millisecond
	DefaultAwaitTimeout = 5 * time.Second
)

type Config struct {
	// TTL is how long a stored outcome is guaranteed to be replayed.
	TTL time.Duration

	// AwaitDelay is the initial poll interval while waiting for a
	// concurrent request's record; it doubles up to 16x.
	AwaitDelay time.Duration

	// AwaitTimeout bounds the total wait.
	AwaitTimeout time.Duration

	Clock clock.Clock
}

func (c Config) withDefaults() Config {
	if c.TTL <= 0 {
		c.TTL = DefaultTTL
	}
	if c.AwaitDelay <= 0 {
		c.AwaitDelay = DefaultAwaitDelay
	}
	if c.AwaitTimeout <= 0 {
		c.AwaitTimeout = DefaultAwaitTimeout
	}
	if c.Clock == nil {
		c.Clock = clock.WallClock
	}
	return c
}

type Registry struct {
	store store.Store
	cfg   Config
}

func NewRegistry(st store.Store, cfg Config) *Registry {
	return &Registry{store: st, cfg: cfg.withDefaults()}
}

func (r *Registry) TTL() time.Duration { return r.cfg.TTL }

// Find returns the committed record for (tenantID, key), or nil if there is
// none. A record is honoured until the sweeper removes it, so TTL is a lower
// bound on how long an outcome replays.
func (r *Registry) Find(ctx context.Context, tenantID, key string) (*domain.IdempotencyRecord, error) {
	rec, err := r.store.FindIdempotency(ctx, tenantID, key)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Annotatef(err, "finding idempotency key %q", key)
	}
	return &rec, nil
}

// Reserve claims key for the unit u. It fails with ErrKeyTaken if another
// unit holds the key or a record is already committed under it.
func (r *Registry) Reserve(ctx context.Context, u store.Unit, tenantID, key, operation string) error {
	now := r.now()
	err := u.ReserveIdempotency(ctx, domain.IdempotencyRecord{
		TenantID:  tenantID,
		Key:       key,
		Operation: operation,
		CreatedAt: now,
		ExpiresAt: now.Add(r.cfg.TTL),
	})
	switch {
	case errors.Is(err, store.ErrDuplicateKey), errors.Is(err, store.ErrKeyInFlight):
		logger.Debugf("tenant %s key %q: %v", tenantID, key, err)
		return ErrKeyTaken
	case err != nil:
		return errors.Trace(err)
	}
	return nil
}

// Store finalizes a key reserved by u with the operation's outcome. The
// record becomes visible when u commits.
func (r *Registry) Store(ctx context.Context, u store.Unit, tenantID, key, operation string, result domain.StoredResult) error {
	now := r.now()
	rec := domain.IdempotencyRecord{
		TenantID:  tenantID,
		Key:       key,
		Operation: operation,
		Result:    result,
		CreatedAt: now,
		ExpiresAt: now.Add(r.cfg.TTL),
	}
	if result.Transaction != nil {
		rec.TransactionID = result.Transaction.ID
	}
	return errors.Annotatef(u.CompleteIdempotency(ctx, rec), "storing idempotency key %q", key)
}

// Await polls for the record of a key held by a concurrent request. It
// returns nil if the record did not appear within the wait bound, which
// happens when the holder rolled back.
func (r *Registry) Await(ctx context.Context, tenantID, key string) (*domain.IdempotencyRecord, error) {
	var (
		found   *domain.IdempotencyRecord
		findErr error
	)
	_ = retry.Call(retry.CallArgs{
		Func: func() error {
			rec, err := r.Find(ctx, tenantID, key)
			if err != nil {
				findErr = err
				return err
			}
			if rec == nil {
				return errNotVisible
			}
			found = rec
			return nil
		},
		IsFatalError: func(err error) bool {
			return !errors.Is(err, errNotVisible)
		},
		Attempts:    retry.UnlimitedAttempts,
		Delay:       r.cfg.AwaitDelay,
		MaxDelay:    16 * r.cfg.AwaitDelay,
		MaxDuration: r.cfg.AwaitTimeout,
		BackoffFunc: retry.DoubleDelay,
		Clock:       r.cfg.Clock,
		Stop:        ctx.Done(),
	})
	if found != nil {
		return found, nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return nil, errors.Annotatef(ctxErr, "waiting for idempotency key %q", key)
	}
	if findErr != nil {
		return nil, errors.Trace(findErr)
	}
	logger.Debugf("tenant %s key %q: no record after %s", tenantID, key, r.cfg.AwaitTimeout)
	return nil, nil
}

// SweepExpired deletes every record whose expiry passed strictly before now.
func (r *Registry) SweepExpired(ctx context.Context, now time.Time) (int64, error) {
	n, err := r.store.DeleteExpiredIdempotency(ctx, now)
	if err != nil {
		return 0, errors.Annotate(err, "sweeping idempotency records")
	}
	return n, nil
}

func (r *Registry) now() time.Time {
	return r.cfg.Clock.Now().UTC().Truncate(time.Microsecond)
}
