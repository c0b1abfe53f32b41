package store_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/punchamoorthee/tenantledger/internal/domain"
	"github.com/punchamoorthee/tenantledger/internal/store"
)

func TestMemoryStore(t *testing.T) {
	runStoreSuite(t, func(t *testing.T) store.Store {
		return store.NewMemory()
	})
}

func TestMemoryStore_ConcurrentUnitLosesAtCommit(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemory()
	require.NoError(t, s.CreateAccount(ctx, account("t1", "a", "100")))

	err := s.WithinUnit(ctx, func(outer store.Unit) error {
		accs, err := outer.LockAccounts(ctx, "t1", "a")
		if err != nil {
			return err
		}

		// A second unit commits a change to the same account first.
		require.NoError(t, s.WithinUnit(ctx, func(inner store.Unit) error {
			fresh, err := inner.LockAccounts(ctx, "t1", "a")
			if err != nil {
				return err
			}
			a := fresh["a"]
			a.Balance = domain.MustMoney("90")
			_, err = inner.UpdateAccount(ctx, a)
			return err
		}))

		a := accs["a"]
		a.Balance = domain.MustMoney("80")
		_, err = outer.UpdateAccount(ctx, a)
		return err
	})
	assert.ErrorIs(t, err, store.ErrConflict)

	a, err := s.GetAccount(ctx, "t1", "a")
	require.NoError(t, err)
	assert.True(t, a.Balance.Equal(domain.MustMoney("90")))
}

func TestMemoryStore_ReservationWaitsForHolder(t *testing.T) {
	ctx := context.Background()
	rec := idemRecord("t1", "k1", epoch)
	errBoom := errors.New("boom")

	// hold reserves k1, signals that it holds it, and ends the unit with
	// outcome once release is closed.
	hold := func(s *store.Memory, outcome error, held, release chan struct{}) <-chan error {
		done := make(chan error, 1)
		go func() {
			done <- s.WithinUnit(ctx, func(u store.Unit) error {
				if err := u.ReserveIdempotency(ctx, rec); err != nil {
					return err
				}
				if outcome == nil {
					if err := u.CompleteIdempotency(ctx, rec); err != nil {
						return err
					}
				}
				close(held)
				<-release
				return outcome
			})
		}()
		return done
	}

	tests := []struct {
		name    string
		outcome error
		want    error
	}{
		{"holder commits", nil, store.ErrDuplicateKey},
		{"holder rolls back", errBoom, nil},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			s := store.NewMemory()
			held, release := make(chan struct{}), make(chan struct{})
			holder := hold(s, tc.outcome, held, release)
			<-held

			// WHEN a second unit claims the key while it is held
			waiter := make(chan error, 1)
			go func() {
				waiter <- s.WithinUnit(ctx, func(u store.Unit) error {
					return u.ReserveIdempotency(ctx, rec)
				})
			}()
			select {
			case err := <-waiter:
				t.Fatalf("reservation returned while the key was held: %v", err)
			case <-time.After(20 * time.Millisecond):
			}

			// THEN it resolves as soon as the holder ends
			close(release)
			assert.ErrorIs(t, <-holder, tc.outcome)
			select {
			case err := <-waiter:
				if tc.want == nil {
					assert.NoError(t, err)
				} else {
					assert.ErrorIs(t, err, tc.want)
				}
			case <-time.After(time.Second):
				t.Fatal("reservation still blocked after the holder ended")
			}
		})
	}

	t.Run("caller stops waiting", func(t *testing.T) {
		s := store.NewMemory()
		held, release := make(chan struct{}), make(chan struct{})
		holder := hold(s, nil, held, release)
		<-held

		waitCtx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
		defer cancel()
		err := s.WithinUnit(waitCtx, func(u store.Unit) error {
			return u.ReserveIdempotency(waitCtx, rec)
		})
		assert.ErrorIs(t, err, store.ErrKeyInFlight)

		close(release)
		assert.NoError(t, <-holder)
	})

	t.Run("same unit twice", func(t *testing.T) {
		s := store.NewMemory()
		err := s.WithinUnit(ctx, func(u store.Unit) error {
			require.NoError(t, u.ReserveIdempotency(ctx, rec))
			return u.ReserveIdempotency(ctx, rec)
		})
		assert.ErrorIs(t, err, store.ErrKeyInFlight)
	})
}

func TestMemoryStore_CanceledContextDiscardsUnit(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	s := store.NewMemory()
	require.NoError(t, s.CreateAccount(ctx, account("t1", "a", "100")))

	err := s.WithinUnit(ctx, func(u store.Unit) error {
		accs, err := u.LockAccounts(ctx, "t1", "a")
		if err != nil {
			return err
		}
		a := accs["a"]
		a.Balance = domain.MustMoney("0")
		_, err = u.UpdateAccount(ctx, a)
		cancel()
		return err
	})
	assert.ErrorIs(t, err, context.Canceled)

	a, err := s.GetAccount(context.Background(), "t1", "a")
	require.NoError(t, err)
	assert.True(t, a.Balance.Equal(domain.MustMoney("100")))
}
