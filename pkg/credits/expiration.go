package credits

import (
	"context"
	"errors"
)

// ExpireCredits zeroes every lapsed, unprocessed grant of the user and lowers
// the cached balance by what was still outstanding. Safe to re-run.
func (service *Service) ExpireCredits(ctx context.Context, userID UserID) (Credits, error) {
	var expired Credits
	operationError := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		current, err := transactionStore.LockUserCredit(ctx, userID)
		if err != nil {
			return err
		}
		_, expiredTotal, err := service.expireWithinTx(ctx, transactionStore, userID, current, service.nowFn())
		if err != nil {
			return err
		}
		expired = expiredTotal
		return nil
	})
	service.logOperation(ctx, OperationLog{
		Operation:       operationExpire,
		UserID:          userID,
		TransactionType: TransactionExpire,
		Amount:          expired.Int64(),
		Error:           operationError,
	})
	if operationError != nil {
		return 0, operationError
	}
	return expired, nil
}

// SweepExpired expires credits for up to limit users that still hold lapsed
// grants. Each user is processed in its own transaction; failures are counted
// and do not stop the sweep.
func (service *Service) SweepExpired(ctx context.Context, limit int) (SweepReport, error) {
	users, err := service.store.ListUsersWithExpiredGrants(ctx, service.nowFn(), limit)
	if err != nil {
		return SweepReport{}, err
	}
	report := SweepReport{}
	for _, userID := range users {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		expired, err := service.ExpireCredits(ctx, userID)
		if err != nil {
			report.ErrorCount++
			continue
		}
		report.ProcessedUsers++
		report.ExpiredCredits += expired
	}
	return report, nil
}

// expireWithinTx runs inside a caller's transaction that already holds the
// user's balance row. It returns the balance after expiration and the amount
// that expired.
func (service *Service) expireWithinTx(ctx context.Context, transactionStore Store, userID UserID, current Credits, nowUnixUTC int64) (Credits, Credits, error) {
	grants, err := transactionStore.ListExpiredGrants(ctx, userID, nowUnixUTC)
	if err != nil {
		return 0, 0, err
	}
	if len(grants) == 0 {
		return current, 0, nil
	}
	var (
		expired      Credits
		firstExpired TransactionID
	)
	for _, grant := range grants {
		if err := transactionStore.MarkGrantExpired(ctx, grant.TransactionID(), nowUnixUTC); err != nil {
			if errors.Is(err, ErrGrantAlreadyExpired) {
				continue
			}
			return 0, 0, err
		}
		if firstExpired.String() == "" {
			firstExpired = grant.TransactionID()
		}
		expired += grant.Remaining()
	}
	if expired == 0 {
		return current, 0, nil
	}
	idempotencyKey, err := deriveIdempotencyKey(idempotencyPrefixExpire, firstExpired.String())
	if err != nil {
		return 0, 0, err
	}
	input, err := NewTransactionInput(
		userID,
		TransactionExpire,
		SignedCredits(expired).Negated(),
		idempotencyKey,
		"expired credits",
		0,
		"",
		nowUnixUTC,
	)
	if err != nil {
		return 0, 0, err
	}
	if _, err := transactionStore.InsertTransaction(ctx, input); err != nil {
		return 0, 0, err
	}
	remaining := subtractFloor(current, expired)
	if err := transactionStore.SetUserCredit(ctx, userID, remaining); err != nil {
		return 0, 0, err
	}
	return remaining, expired, nil
}
