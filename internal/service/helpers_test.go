package service_test

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/punchamoorthee/tenantledger/internal/domain"
	"github.com/punchamoorthee/tenantledger/internal/idempotency"
	"github.com/punchamoorthee/tenantledger/internal/service"
	"github.com/punchamoorthee/tenantledger/internal/store"
)

const tenant = "tenant-1"

func money(s string) decimal.Decimal { return domain.MustMoney(s) }

func newEngine(t *testing.T, st store.Store, tweak ...func(*service.Config)) *service.Engine {
	t.Helper()
	reg := idempotency.NewRegistry(st, idempotency.Config{
		TTL:          time.Hour,
		AwaitDelay:   time.Millisecond,
		AwaitTimeout: 5 * time.Second,
	})
	cfg := service.DefaultConfig()
	cfg.RetryDelay = time.Millisecond
	cfg.MaxRetryDelay = 10 * time.Millisecond
	for _, f := range tweak {
		f(&cfg)
	}
	return service.NewEngine(st, reg, cfg)
}

func openAccount(t *testing.T, e *service.Engine, id, balance, minimum string) domain.Account {
	t.Helper()
	acc, err := e.OpenAccount(context.Background(), service.OpenAccountRequest{
		TenantID:       tenant,
		ID:             id,
		Type:           domain.AccountChecking,
		InitialBalance: money(balance),
		MinimumBalance: money(minimum),
	})
	require.NoError(t, err)
	return acc
}

func transfer(from, to, amount, key string) service.ProcessRequest {
	return service.ProcessRequest{
		TenantID:       tenant,
		Type:           domain.TxTransfer,
		Params:         service.Params{FromAccountID: from, ToAccountID: to, Amount: money(amount)},
		IdempotencyKey: key,
	}
}

func deposit(to, amount, key string) service.ProcessRequest {
	return service.ProcessRequest{
		TenantID:       tenant,
		Type:           domain.TxDeposit,
		Params:         service.Params{ToAccountID: to, Amount: money(amount)},
		IdempotencyKey: key,
	}
}

func withdrawal(from, amount, key string) service.ProcessRequest {
	return service.ProcessRequest{
		TenantID:       tenant,
		Type:           domain.TxWithdrawal,
		Params:         service.Params{FromAccountID: from, Amount: money(amount)},
		IdempotencyKey: key,
	}
}

func assertBalance(t *testing.T, e *service.Engine, id, want string) {
	t.Helper()
	acc, err := e.Account(context.Background(), tenant, id)
	require.NoError(t, err)
	assert.True(t, acc.Balance.Equal(money(want)), "account %s balance: want %s, got %s", id, want, acc.Balance)
}

// assertLedgerConsistent checks balance == initial + credits - debits for
// every listed account.
func assertLedgerConsistent(t *testing.T, e *service.Engine, initial map[string]string) {
	t.Helper()
	for id, start := range initial {
		entries, err := e.AccountEntries(context.Background(), tenant, id)
		require.NoError(t, err)
		want := money(start)
		for _, entry := range entries {
			want = entry.Direction.Apply(want, entry.Amount)
		}
		assertBalance(t, e, id, want.String())
	}
}

func assertSameJSON(t *testing.T, want, got any) {
	t.Helper()
	a, err := json.Marshal(want)
	require.NoError(t, err)
	b, err := json.Marshal(got)
	require.NoError(t, err)
	assert.JSONEq(t, string(a), string(b))
}

// faultyStore injects failures into WithinUnit and counts storage calls.
type faultyStore struct {
	*store.Memory

	mu       sync.Mutex
	failures int // remaining failing units; negative fails forever
	failWith error
	calls    atomic.Int32
}

func newFaultyStore(failures int, failWith error) *faultyStore {
	return &faultyStore{Memory: store.NewMemory(), failures: failures, failWith: failWith}
}

func (f *faultyStore) WithinUnit(ctx context.Context, fn func(store.Unit) error) error {
	f.calls.Add(1)
	f.mu.Lock()
	fail := f.failures != 0
	if f.failures > 0 {
		f.failures--
	}
	f.mu.Unlock()
	if fail {
		return f.failWith
	}
	return f.Memory.WithinUnit(ctx, fn)
}

func (f *faultyStore) FindIdempotency(ctx context.Context, tenantID, key string) (domain.IdempotencyRecord, error) {
	f.calls.Add(1)
	return f.Memory.FindIdempotency(ctx, tenantID, key)
}

func (f *faultyStore) GetAccount(ctx context.Context, tenantID, id string) (domain.Account, error) {
	f.calls.Add(1)
	return f.Memory.GetAccount(ctx, tenantID, id)
}

// slowStore keeps every unit open for hold after its body has run, so that
// concurrent requests overlap.
type slowStore struct {
	*store.Memory
	hold time.Duration
}

func (s *slowStore) WithinUnit(ctx context.Context, fn func(store.Unit) error) error {
	return s.Memory.WithinUnit(ctx, func(u store.Unit) error {
		err := fn(u)
		time.Sleep(s.hold)
		return err
	})
}
