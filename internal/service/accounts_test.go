package service_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/punchamoorthee/tenantledger/internal/domain"
	"github.com/punchamoorthee/tenantledger/internal/service"
	"github.com/punchamoorthee/tenantledger/internal/store"
)

func TestOpenAccount(t *testing.T) {
	ctx := context.Background()
	e := newEngine(t, store.NewMemory())

	acc, err := e.OpenAccount(ctx, service.OpenAccountRequest{
		TenantID:       tenant,
		Type:           domain.AccountFixedDeposit,
		InitialBalance: money("1000"),
		MinimumBalance: money("1000"),
	})
	require.NoError(t, err)
	assert.NotEmpty(t, acc.ID)
	assert.Equal(t, domain.AccountActive, acc.Status)
	assert.Equal(t, int64(0), acc.Version)

	got, err := e.Account(ctx, tenant, acc.ID)
	require.NoError(t, err)
	assert.True(t, got.Balance.Equal(money("1000")))

	_, err = e.OpenAccount(ctx, service.OpenAccountRequest{TenantID: tenant, ID: acc.ID, Type: domain.AccountSavings})
	assert.ErrorIs(t, err, domain.ErrValidation)

	_, err = e.Account(ctx, "tenant-2", acc.ID)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestOpenAccount_Validation(t *testing.T) {
	tests := []struct {
		name  string
		req   service.OpenAccountRequest
		field string
	}{
		{"no tenant", service.OpenAccountRequest{Type: domain.AccountSavings}, "tenant_id"},
		{"reserved id", service.OpenAccountRequest{TenantID: tenant, ID: domain.ExternalAccountID, Type: domain.AccountSavings}, "id"},
		{"bad type", service.OpenAccountRequest{TenantID: tenant, Type: "crypto"}, "type"},
		{"negative minimum", service.OpenAccountRequest{TenantID: tenant, Type: domain.AccountSavings, MinimumBalance: money("-1")}, "minimum_balance"},
		{"below minimum", service.OpenAccountRequest{TenantID: tenant, Type: domain.AccountSavings, MinimumBalance: money("10"), InitialBalance: money("5")}, "initial_balance"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newEngine(t, store.NewMemory())
			_, err := e.OpenAccount(context.Background(), tt.req)
			var verr *domain.ValidationError
			require.ErrorAs(t, err, &verr)
			assert.Equal(t, tt.field, verr.Field)
		})
	}
}

func TestChangeAccountStatus(t *testing.T) {
	ctx := context.Background()
	e := newEngine(t, store.NewMemory())
	openAccount(t, e, "A", "0", "0")

	steps := []struct {
		to      domain.AccountStatus
		allowed bool
	}{
		{domain.AccountFrozen, true},
		{domain.AccountFrozen, true}, // no-op
		{domain.AccountActive, true},
		{domain.AccountClosed, true},
		{domain.AccountActive, false},
		{domain.AccountFrozen, false},
	}
	for _, step := range steps {
		acc, err := e.ChangeAccountStatus(ctx, tenant, "A", step.to)
		if step.allowed {
			require.NoError(t, err, "to %s", step.to)
			assert.Equal(t, step.to, acc.Status)
			continue
		}
		assert.ErrorIs(t, err, domain.ErrValidation, "to %s", step.to)
	}

	acc, err := e.Account(ctx, tenant, "A")
	require.NoError(t, err)
	assert.Equal(t, domain.AccountClosed, acc.Status)
	assert.Equal(t, int64(3), acc.Version)

	_, err = e.ChangeAccountStatus(ctx, tenant, "missing", domain.AccountFrozen)
	assert.ErrorIs(t, err, domain.ErrNotFound)

	_, err = e.ChangeAccountStatus(ctx, tenant, "A", "dormant")
	assert.ErrorIs(t, err, domain.ErrValidation)
}

func TestAccountEntries_UnknownAccount(t *testing.T) {
	e := newEngine(t, store.NewMemory())
	_, err := e.AccountEntries(context.Background(), tenant, "ghost")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}
