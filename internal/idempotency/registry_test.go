package idempotency_test

import (
	"context"
	"testing"
	"time"

	"github.com/juju/clock/testclock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/punchamoorthee/tenantledger/internal/domain"
	"github.com/punchamoorthee/tenantledger/internal/idempotency"
	"github.com/punchamoorthee/tenantledger/internal/store"
)

var start = time.Date(2026, time.June, 1, 12, 0, 0, 0, time.UTC)

func newRegistry(t *testing.T) (*idempotency.Registry, *store.Memory, *testclock.Clock) {
	st := store.NewMemory()
	clk := testclock.NewClock(start)
	reg := idempotency.NewRegistry(st, idempotency.Config{
		TTL:          time.Hour,
		AwaitDelay:   10 * time.Millisecond,
		AwaitTimeout: 50 * time.Millisecond,
		Clock:        clk,
	})
	return reg, st, clk
}

func storeOutcome(t *testing.T, reg *idempotency.Registry, st store.Store, tenant, key string, result domain.StoredResult) {
	ctx := context.Background()
	err := st.WithinUnit(ctx, func(u store.Unit) error {
		if err := reg.Reserve(ctx, u, tenant, key, "process"); err != nil {
			return err
		}
		return reg.Store(ctx, u, tenant, key, "process", result)
	})
	require.NoError(t, err)
}

func TestFind_AbsentKey(t *testing.T) {
	reg, _, _ := newRegistry(t)

	rec, err := reg.Find(context.Background(), "t1", "nope")
	require.NoError(t, err)
	assert.Nil(t, rec)
}

func TestStore_ThenFind(t *testing.T) {
	// GIVEN: an outcome stored under k1 for tenant t1
	reg, st, _ := newRegistry(t)
	tx := domain.Transaction{ID: "tx-1", TenantID: "t1", Amount: domain.MustMoney("10")}
	storeOutcome(t, reg, st, "t1", "k1", domain.StoredResult{Transaction: &tx})

	// WHEN: looking it up
	rec, err := reg.Find(context.Background(), "t1", "k1")

	// THEN: the record carries the transaction and expires one TTL from now
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, "tx-1", rec.TransactionID)
	assert.Equal(t, "process", rec.Operation)
	assert.Equal(t, start, rec.CreatedAt)
	assert.Equal(t, start.Add(time.Hour), rec.ExpiresAt)

	// AND: other tenants do not see it
	other, err := reg.Find(context.Background(), "t2", "k1")
	require.NoError(t, err)
	assert.Nil(t, other)
}

func TestReserve_KeyTaken(t *testing.T) {
	ctx := context.Background()

	t.Run("committed", func(t *testing.T) {
		reg, st, _ := newRegistry(t)
		storeOutcome(t, reg, st, "t1", "k1", domain.StoredResult{ErrorCode: domain.CodeInsufficientFunds})

		err := st.WithinUnit(ctx, func(u store.Unit) error {
			return reg.Reserve(ctx, u, "t1", "k1", "process")
		})
		assert.ErrorIs(t, err, idempotency.ErrKeyTaken)
	})

	t.Run("in flight", func(t *testing.T) {
		reg, st, _ := newRegistry(t)

		err := st.WithinUnit(ctx, func(u store.Unit) error {
			if err := reg.Reserve(ctx, u, "t1", "k1", "process"); err != nil {
				return err
			}
			// The second claimant waits for the holder; give up quickly.
			waitCtx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
			defer cancel()
			inner := st.WithinUnit(waitCtx, func(u2 store.Unit) error {
				return reg.Reserve(waitCtx, u2, "t1", "k1", "process")
			})
			assert.ErrorIs(t, inner, idempotency.ErrKeyTaken)
			return nil
		})
		require.NoError(t, err)
	})

	t.Run("other tenant", func(t *testing.T) {
		reg, st, _ := newRegistry(t)
		storeOutcome(t, reg, st, "t1", "k1", domain.StoredResult{ErrorCode: domain.CodeNotFound})

		err := st.WithinUnit(ctx, func(u store.Unit) error {
			return reg.Reserve(ctx, u, "t2", "k1", "process")
		})
		assert.NoError(t, err)
	})
}

func TestAwait_RecordAlreadyVisible(t *testing.T) {
	reg, st, _ := newRegistry(t)
	storeOutcome(t, reg, st, "t1", "k1", domain.StoredResult{ErrorCode: domain.CodeAccountNotActive})

	rec, err := reg.Await(context.Background(), "t1", "k1")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, domain.CodeAccountNotActive, rec.Result.ErrorCode)
}

func TestAwait_GivesUpAfterTimeout(t *testing.T) {
	// GIVEN: nobody ever commits k1
	reg, _, clk := newRegistry(t)

	type outcome struct {
		rec *domain.IdempotencyRecord
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		rec, err := reg.Await(context.Background(), "t1", "k1")
		done <- outcome{rec, err}
	}()

	// WHEN: the poll delays 10ms then 20ms elapse; the next 40ms would exceed 50ms
	require.NoError(t, clk.WaitAdvance(10*time.Millisecond, time.Second, 1))
	require.NoError(t, clk.WaitAdvance(20*time.Millisecond, time.Second, 1))

	// THEN: Await reports that no record appeared
	select {
	case got := <-done:
		assert.NoError(t, got.err)
		assert.Nil(t, got.rec)
	case <-time.After(time.Second):
		t.Fatal("Await did not return")
	}
}

func TestAwait_ContextCanceled(t *testing.T) {
	reg, _, _ := newRegistry(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	rec, err := reg.Await(ctx, "t1", "k1")
	assert.Nil(t, rec)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestSweepExpired_StrictlyBefore(t *testing.T) {
	reg, st, clk := newRegistry(t)
	storeOutcome(t, reg, st, "t1", "k1", domain.StoredResult{ErrorCode: domain.CodeNotFound})
	ctx := context.Background()

	// Exactly at expiry the record survives.
	n, err := reg.SweepExpired(ctx, start.Add(time.Hour))
	require.NoError(t, err)
	assert.Zero(t, n)

	clk.Advance(2 * time.Hour)
	n, err = reg.SweepExpired(ctx, clk.Now())
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	rec, err := reg.Find(ctx, "t1", "k1")
	require.NoError(t, err)
	assert.Nil(t, rec)
}
