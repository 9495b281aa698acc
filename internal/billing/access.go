package billing

import "context"

// PlanFor resolves the plan currently applied to a user. A completed lifetime
// purchase wins over a live subscription; users with neither fall back to the
// free plan, and ok is false when none is configured.
func (service *Service) PlanFor(ctx context.Context, userID string) (Plan, bool, error) {
	payments, err := service.store.ListPaymentsByUser(ctx, userID)
	if err != nil {
		return Plan{}, false, err
	}
	nowUnixUTC := service.ledger.Now()
	var subscriptionPlan Plan
	hasSubscription := false
	for _, payment := range payments {
		plan, known := service.catalog.PlanByPriceID(payment.PriceID)
		if !known {
			continue
		}
		if plan.Lifetime {
			if payment.Type == PaymentTypeOneTime && payment.Status == PaymentStatusCompleted {
				return plan, true, nil
			}
			continue
		}
		if payment.IsLive(nowUnixUTC) {
			subscriptionPlan = plan
			hasSubscription = true
		}
	}
	if hasSubscription {
		return subscriptionPlan, true, nil
	}
	freePlan, ok := service.catalog.FreePlan()
	return freePlan, ok, nil
}

// HasPremiumAccess reports whether the user holds a paid plan right now.
func (service *Service) HasPremiumAccess(ctx context.Context, userID string) (bool, error) {
	plan, ok, err := service.PlanFor(ctx, userID)
	if err != nil {
		return false, err
	}
	return ok && !plan.Free, nil
}
