package service

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/punchamoorthee/tenantledger/internal/domain"
)

// LegCheck is one proposed entry against an account, with the account as
// read inside the unit that will write it.
type LegCheck struct {
	Account   domain.Account
	Direction domain.Direction
	Amount    decimal.Decimal

	// SkipBalance disables the balance rules but not the status rules.
	SkipBalance bool
}

// CheckLeg is the balance invariant checker. It returns nil when the leg is
// permitted, or an *domain.InvariantError naming the reason.
//
// Debits need an Active account; credits are refused only by Closed
// accounts. A debit may take the balance down to MinimumBalance, and a
// further OverdraftLimit below that. Going below -OverdraftLimit is
// InsufficientFunds; stopping above it but under the floor is
// BelowMinimumBalance.
func CheckLeg(c LegCheck) error {
	acc := c.Account

	if c.Direction == domain.Credit {
		if acc.Status == domain.AccountClosed {
			return &domain.InvariantError{
				Reason:    domain.CodeAccountNotActive,
				AccountID: acc.ID,
				Detail:    "account is closed",
			}
		}
		return nil
	}

	if acc.Status != domain.AccountActive {
		return &domain.InvariantError{
			Reason:    domain.CodeAccountNotActive,
			AccountID: acc.ID,
			Detail:    fmt.Sprintf("account is %s", acc.Status),
		}
	}
	if c.SkipBalance {
		return nil
	}

	after := acc.Balance.Sub(c.Amount)
	if after.LessThan(acc.OverdraftLimit.Neg()) {
		return &domain.InvariantError{
			Reason:    domain.CodeInsufficientFunds,
			AccountID: acc.ID,
			Detail:    fmt.Sprintf("balance %s cannot cover %s", acc.Balance.StringFixed(2), c.Amount.StringFixed(2)),
		}
	}
	floor := acc.MinimumBalance.Sub(acc.OverdraftLimit)
	if after.LessThan(floor) {
		return &domain.InvariantError{
			Reason:    domain.CodeBelowMinimumBalance,
			AccountID: acc.ID,
			Detail:    fmt.Sprintf("resulting balance %s below minimum %s", after.StringFixed(2), floor.StringFixed(2)),
		}
	}
	return nil
}

// Balanced reports whether the debit and credit totals of entries are equal.
func Balanced(entries []domain.LedgerEntry) bool {
	debits, credits := decimal.Zero, decimal.Zero
	for _, e := range entries {
		switch e.Direction {
		case domain.Debit:
			debits = debits.Add(e.Amount)
		case domain.Credit:
			credits = credits.Add(e.Amount)
		default:
			return false
		}
	}
	return debits.Equal(credits)
}
