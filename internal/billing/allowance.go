package billing

import (
	"context"
	"time"

	"github.com/MarkoPoloResearchLab/credits/pkg/credits"
)

const allowanceMonthLayout = "2006-01"

// AllowanceKey names the monthly allowance of a transaction type for the
// calendar month containing atUnixUTC.
func AllowanceKey(transactionType credits.TransactionType, atUnixUTC int64) string {
	return transactionType.String() + ":" + time.Unix(atUnixUTC, 0).UTC().Format(allowanceMonthLayout)
}

// allowanceType picks the ledger type for a plan's monthly allowance. Monthly
// subscriptions are credited per paid invoice instead.
func allowanceType(plan Plan) (credits.TransactionType, bool) {
	switch {
	case plan.Lifetime:
		return credits.TransactionLifetimeMonthly, true
	case plan.Free:
		return credits.TransactionMonthlyRefresh, true
	case plan.Interval == IntervalYear:
		return credits.TransactionSubscriptionRenewal, true
	default:
		return "", false
	}
}

// GrantMonthlyAllowance grants the plan's allowance for the current month. It
// returns false when the plan carries no allowance or the month was already
// granted.
func (service *Service) GrantMonthlyAllowance(ctx context.Context, userID string, plan Plan) (bool, error) {
	if plan.MonthlyCredits <= 0 {
		return false, nil
	}
	transactionType, ok := allowanceType(plan)
	if !ok {
		return false, nil
	}
	return service.grant(ctx, grantSpec{
		userID:          userID,
		transactionType: transactionType,
		amount:          plan.MonthlyCredits,
		idempotencyKey:  AllowanceKey(transactionType, service.ledger.Now()),
		description:     plan.ID + " monthly credits",
		expireDays:      plan.ExpireDays,
	})
}

// GrantRegisterGift grants the one-time registration gift.
func (service *Service) GrantRegisterGift(ctx context.Context, userID string) (bool, error) {
	gift := service.catalog.RegisterGift
	if gift.Credits <= 0 {
		return false, nil
	}
	return service.grant(ctx, grantSpec{
		userID:          userID,
		transactionType: credits.TransactionRegisterGift,
		amount:          gift.Credits,
		idempotencyKey:  credits.TransactionRegisterGift.String(),
		description:     "registration gift",
		expireDays:      gift.ExpireDays,
	})
}
