package store_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/punchamoorthee/tenantledger/internal/domain"
	"github.com/punchamoorthee/tenantledger/internal/store"
)

var epoch = time.Date(2026, time.March, 1, 9, 30, 0, 0, time.UTC)

func account(tenant, id, balance string) domain.Account {
	return domain.Account{
		ID:             id,
		TenantID:       tenant,
		Type:           domain.AccountChecking,
		Status:         domain.AccountActive,
		Balance:        domain.MustMoney(balance),
		MinimumBalance: domain.MustMoney("0"),
		OverdraftLimit: domain.MustMoney("0"),
		CreatedAt:      epoch,
		UpdatedAt:      epoch,
	}
}

func transaction(tenant, id, ref string) domain.Transaction {
	processed := epoch
	return domain.Transaction{
		ID:            id,
		TenantID:      tenant,
		Reference:     ref,
		Type:          domain.TxTransfer,
		Amount:        domain.MustMoney("25.50"),
		FromAccountID: "a",
		ToAccountID:   "b",
		Status:        domain.StatusCompleted,
		CreatedAt:     epoch,
		ProcessedAt:   &processed,
	}
}

func entries(tenant, txID string) []domain.LedgerEntry {
	return []domain.LedgerEntry{
		{ID: txID + "-1", TenantID: tenant, TransactionID: txID, AccountID: "a", Direction: domain.Debit,
			Amount: domain.MustMoney("25.50"), ResultingBalance: domain.MustMoney("74.50"), CreatedAt: epoch},
		{ID: txID + "-2", TenantID: tenant, TransactionID: txID, AccountID: "b", Direction: domain.Credit,
			Amount: domain.MustMoney("25.50"), ResultingBalance: domain.MustMoney("25.50"), CreatedAt: epoch},
	}
}

func idemRecord(tenant, key string, expires time.Time) domain.IdempotencyRecord {
	return domain.IdempotencyRecord{
		TenantID:  tenant,
		Key:       key,
		Operation: "process",
		CreatedAt: epoch,
		ExpiresAt: expires,
	}
}

// runStoreSuite exercises the behaviour every Store implementation must share.
func runStoreSuite(t *testing.T, newStore func(t *testing.T) store.Store) {
	ctx := context.Background()

	t.Run("CreateAndGetAccount", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.CreateAccount(ctx, account("t1", "a", "100")))

		got, err := s.GetAccount(ctx, "t1", "a")
		require.NoError(t, err)
		assert.True(t, got.Balance.Equal(domain.MustMoney("100")))
		assert.Equal(t, domain.AccountActive, got.Status)
		assert.Equal(t, epoch, got.CreatedAt)

		assert.ErrorIs(t, s.CreateAccount(ctx, account("t1", "a", "5")), store.ErrAlreadyExists)

		_, err = s.GetAccount(ctx, "t2", "a")
		assert.ErrorIs(t, err, store.ErrNotFound)
	})

	t.Run("UnitCommitsAllWrites", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.CreateAccount(ctx, account("t1", "a", "100")))
		require.NoError(t, s.CreateAccount(ctx, account("t1", "b", "0")))

		err := s.WithinUnit(ctx, func(u store.Unit) error {
			accs, err := u.LockAccounts(ctx, "t1", "b", "a", "missing")
			if err != nil {
				return err
			}
			if len(accs) != 2 {
				t.Errorf("expected 2 locked accounts, got %d", len(accs))
			}
			if err := u.InsertTransaction(ctx, transaction("t1", "tx1", "REF-1")); err != nil {
				return err
			}
			if err := u.InsertEntries(ctx, entries("t1", "tx1")); err != nil {
				return err
			}
			a := accs["a"]
			a.Balance = domain.MustMoney("74.50")
			if _, err := u.UpdateAccount(ctx, a); err != nil {
				return err
			}
			b := accs["b"]
			b.Balance = domain.MustMoney("25.50")
			updated, err := u.UpdateAccount(ctx, b)
			if err != nil {
				return err
			}
			if updated.Version != b.Version+1 {
				t.Errorf("expected version %d, got %d", b.Version+1, updated.Version)
			}
			return nil
		})
		require.NoError(t, err)

		a, err := s.GetAccount(ctx, "t1", "a")
		require.NoError(t, err)
		assert.True(t, a.Balance.Equal(domain.MustMoney("74.50")))
		assert.Equal(t, int64(1), a.Version)

		tx, err := s.GetTransaction(ctx, "t1", "tx1")
		require.NoError(t, err)
		assert.Equal(t, "REF-1", tx.Reference)
		assert.True(t, tx.Amount.Equal(domain.MustMoney("25.50")))
		require.NotNil(t, tx.ProcessedAt)

		got, err := s.TransactionEntries(ctx, "t1", "tx1")
		require.NoError(t, err)
		require.Len(t, got, 2)
		assert.Equal(t, domain.Debit, got[0].Direction)
		assert.Equal(t, domain.Credit, got[1].Direction)

		byAccount, err := s.AccountEntries(ctx, "t1", "b")
		require.NoError(t, err)
		require.Len(t, byAccount, 1)
		assert.True(t, byAccount[0].ResultingBalance.Equal(domain.MustMoney("25.50")))
	})

	t.Run("UnitRollsBackOnError", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.CreateAccount(ctx, account("t1", "a", "100")))

		boom := assert.AnError
		err := s.WithinUnit(ctx, func(u store.Unit) error {
			accs, err := u.LockAccounts(ctx, "t1", "a")
			if err != nil {
				return err
			}
			a := accs["a"]
			a.Balance = domain.MustMoney("1")
			if _, err := u.UpdateAccount(ctx, a); err != nil {
				return err
			}
			if err := u.InsertTransaction(ctx, transaction("t1", "tx1", "REF-1")); err != nil {
				return err
			}
			if err := u.ReserveIdempotency(ctx, idemRecord("t1", "k1", epoch.Add(time.Hour))); err != nil {
				return err
			}
			return boom
		})
		require.ErrorIs(t, err, boom)

		a, err := s.GetAccount(ctx, "t1", "a")
		require.NoError(t, err)
		assert.True(t, a.Balance.Equal(domain.MustMoney("100")))
		assert.Equal(t, int64(0), a.Version)

		_, err = s.GetTransaction(ctx, "t1", "tx1")
		assert.ErrorIs(t, err, store.ErrNotFound)
		_, err = s.FindIdempotency(ctx, "t1", "k1")
		assert.ErrorIs(t, err, store.ErrNotFound)

		// The reservation died with the unit, so the key is free again.
		err = s.WithinUnit(ctx, func(u store.Unit) error {
			return u.ReserveIdempotency(ctx, idemRecord("t1", "k1", epoch.Add(time.Hour)))
		})
		assert.NoError(t, err)
	})

	t.Run("StaleVersionConflicts", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.CreateAccount(ctx, account("t1", "a", "100")))

		stale := account("t1", "a", "100")
		stale.Version = 7
		err := s.WithinUnit(ctx, func(u store.Unit) error {
			_, err := u.UpdateAccount(ctx, stale)
			return err
		})
		assert.ErrorIs(t, err, store.ErrConflict)
		assert.True(t, store.IsRetryable(err))
	})

	t.Run("TransactionStatusTransition", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.WithinUnit(ctx, func(u store.Unit) error {
			return u.InsertTransaction(ctx, transaction("t1", "tx1", "REF-1"))
		}))

		require.NoError(t, s.WithinUnit(ctx, func(u store.Unit) error {
			return u.UpdateTransactionStatus(ctx, "t1", "tx1", domain.StatusCompleted, domain.StatusReversed)
		}))
		tx, err := s.GetTransaction(ctx, "t1", "tx1")
		require.NoError(t, err)
		assert.Equal(t, domain.StatusReversed, tx.Status)

		err = s.WithinUnit(ctx, func(u store.Unit) error {
			return u.UpdateTransactionStatus(ctx, "t1", "tx1", domain.StatusCompleted, domain.StatusReversed)
		})
		assert.ErrorIs(t, err, store.ErrConflict)
	})

	t.Run("ReferencesAreTenantScoped", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.WithinUnit(ctx, func(u store.Unit) error {
			return u.InsertTransaction(ctx, transaction("t1", "tx1", "REF-1"))
		}))

		require.NoError(t, s.WithinUnit(ctx, func(u store.Unit) error {
			exists, err := u.ReferenceExists(ctx, "t1", "REF-1")
			if err != nil {
				return err
			}
			assert.True(t, exists)
			exists, err = u.ReferenceExists(ctx, "t2", "REF-1")
			if err != nil {
				return err
			}
			assert.False(t, exists)
			return nil
		}))

		err := s.WithinUnit(ctx, func(u store.Unit) error {
			return u.InsertTransaction(ctx, transaction("t1", "tx2", "REF-1"))
		})
		assert.ErrorIs(t, err, store.ErrConflict)

		assert.NoError(t, s.WithinUnit(ctx, func(u store.Unit) error {
			return u.InsertTransaction(ctx, transaction("t2", "tx2", "REF-1"))
		}))
	})

	t.Run("IdempotencyLifecycle", func(t *testing.T) {
		s := newStore(t)
		tx := transaction("t1", "tx1", "REF-1")
		rec := idemRecord("t1", "k1", epoch.Add(time.Hour))
		rec.TransactionID = tx.ID
		rec.Result = domain.StoredResult{Transaction: &tx, Entries: entries("t1", "tx1")}

		require.NoError(t, s.WithinUnit(ctx, func(u store.Unit) error {
			if err := u.ReserveIdempotency(ctx, rec); err != nil {
				return err
			}
			return u.CompleteIdempotency(ctx, rec)
		}))

		got, err := s.FindIdempotency(ctx, "t1", "k1")
		require.NoError(t, err)
		assert.Equal(t, "tx1", got.TransactionID)
		want, err := json.Marshal(rec.Result)
		require.NoError(t, err)
		have, err := json.Marshal(got.Result)
		require.NoError(t, err)
		assert.JSONEq(t, string(want), string(have))

		_, err = s.FindIdempotency(ctx, "t2", "k1")
		assert.ErrorIs(t, err, store.ErrNotFound)

		err = s.WithinUnit(ctx, func(u store.Unit) error {
			return u.ReserveIdempotency(ctx, rec)
		})
		assert.ErrorIs(t, err, store.ErrDuplicateKey)
	})

	t.Run("CompleteRequiresReservation", func(t *testing.T) {
		s := newStore(t)
		err := s.WithinUnit(ctx, func(u store.Unit) error {
			return u.CompleteIdempotency(ctx, idemRecord("t1", "k1", epoch.Add(time.Hour)))
		})
		assert.ErrorIs(t, err, store.ErrNotFound)
	})

	t.Run("DeleteExpiredIdempotency", func(t *testing.T) {
		s := newStore(t)
		for key, expires := range map[string]time.Time{
			"old":   epoch.Add(-time.Minute),
			"edge":  epoch,
			"fresh": epoch.Add(time.Hour),
		} {
			rec := idemRecord("t1", key, expires)
			rec.Result = domain.StoredResult{ErrorCode: domain.CodeInsufficientFunds}
			require.NoError(t, s.WithinUnit(ctx, func(u store.Unit) error {
				if err := u.ReserveIdempotency(ctx, rec); err != nil {
					return err
				}
				return u.CompleteIdempotency(ctx, rec)
			}))
		}

		n, err := s.DeleteExpiredIdempotency(ctx, epoch)
		require.NoError(t, err)
		assert.Equal(t, int64(1), n)

		_, err = s.FindIdempotency(ctx, "t1", "old")
		assert.ErrorIs(t, err, store.ErrNotFound)
		_, err = s.FindIdempotency(ctx, "t1", "edge")
		assert.NoError(t, err)
		_, err = s.FindIdempotency(ctx, "t1", "fresh")
		assert.NoError(t, err)
	})
}
