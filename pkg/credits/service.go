package credits

import (
	"context"
	"fmt"
	"math"
)

// Service contains the credits domain logic over a Store.
type Service struct {
	store  Store
	nowFn  func() int64
	logger OperationLogger
}

// NewService wires a Service.
func NewService(store Store, now func() int64, options ...ServiceOption) (*Service, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: store dependency is nil", ErrInvalidServiceConfig)
	}
	if now == nil {
		return nil, fmt.Errorf("%w: clock dependency is nil", ErrInvalidServiceConfig)
	}
	service := &Service{store: store, nowFn: now}
	for _, option := range options {
		if option != nil {
			option(service)
		}
	}
	return service, nil
}

// Now returns the service clock in unix seconds.
func (service *Service) Now() int64 {
	return service.nowFn()
}

// Balance returns the cached balance after expiring any grants that lapsed
// since the last sweep.
func (service *Service) Balance(ctx context.Context, userID UserID) (Credits, error) {
	var balance Credits
	err := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		current, err := transactionStore.LockUserCredit(ctx, userID)
		if err != nil {
			return err
		}
		remaining, _, err := service.expireWithinTx(ctx, transactionStore, userID, current, service.nowFn())
		if err != nil {
			return err
		}
		balance = remaining
		return nil
	})
	if err != nil {
		return 0, err
	}
	return balance, nil
}

// HasEnoughCredits reports whether the balance covers amount.
func (service *Service) HasEnoughCredits(ctx context.Context, userID UserID, amount PositiveCredits) (bool, error) {
	balance, err := service.Balance(ctx, userID)
	if err != nil {
		return false, err
	}
	return balance >= amount.ToCredits(), nil
}

// GrantRequest describes credits being added to a user.
type GrantRequest struct {
	UserID           UserID
	Type             TransactionType
	Amount           PositiveCredits
	IdempotencyKey   IdempotencyKey
	Description      string
	ExpiresAtUnixUTC int64
	PaymentID        string
}

// Grant appends a grant row and raises the cached balance.
func (service *Service) Grant(ctx context.Context, request GrantRequest) error {
	operationError := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		if !request.Type.IsGrant() {
			return fmt.Errorf("%w: %s is not a grant type", ErrInvalidTransactionType, request.Type)
		}
		nowUnixUTC := service.nowFn()
		if request.ExpiresAtUnixUTC != 0 && request.ExpiresAtUnixUTC <= nowUnixUTC {
			return fmt.Errorf("%w: expiration must be in the future", ErrInvalidTransaction)
		}
		current, err := transactionStore.LockUserCredit(ctx, request.UserID)
		if err != nil {
			return err
		}
		if request.Amount.ToCredits() > Credits(math.MaxInt64)-current {
			return fmt.Errorf("%w: grant would overflow balance", ErrInvalidAmount)
		}
		input, err := NewTransactionInput(
			request.UserID,
			request.Type,
			request.Amount.ToSignedCredits(),
			request.IdempotencyKey,
			request.Description,
			request.ExpiresAtUnixUTC,
			request.PaymentID,
			nowUnixUTC,
		)
		if err != nil {
			return err
		}
		if _, err := transactionStore.InsertTransaction(ctx, input); err != nil {
			return err
		}
		return transactionStore.SetUserCredit(ctx, request.UserID, current+request.Amount.ToCredits())
	})
	service.logOperation(ctx, OperationLog{
		Operation:       operationGrant,
		UserID:          request.UserID,
		TransactionType: request.Type,
		Amount:          request.Amount.Int64(),
		IdempotencyKey:  request.IdempotencyKey,
		Error:           operationError,
	})
	return operationError
}

// Consume debits amount across the user's grants, earliest expiration first.
// Nothing is written when the grants cannot cover the amount.
func (service *Service) Consume(ctx context.Context, userID UserID, amount PositiveCredits, idempotencyKey IdempotencyKey, description string) (Credits, error) {
	var balanceAfter Credits
	operationError := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		current, err := transactionStore.LockUserCredit(ctx, userID)
		if err != nil {
			return err
		}
		replayed, err := transactionStore.HasIdempotencyKey(ctx, userID, idempotencyKey)
		if err != nil {
			return err
		}
		if replayed {
			return ErrDuplicateIdempotencyKey
		}
		nowUnixUTC := service.nowFn()
		current, _, err = service.expireWithinTx(ctx, transactionStore, userID, current, nowUnixUTC)
		if err != nil {
			return err
		}
		if current < amount.ToCredits() {
			return ErrInsufficientCredits
		}
		grants, err := transactionStore.ListSpendableGrants(ctx, userID, nowUnixUTC)
		if err != nil {
			return err
		}
		debits, err := planDebit(grants, amount)
		if err != nil {
			return err
		}
		for _, debit := range debits {
			if err := transactionStore.UpdateGrantRemaining(ctx, debit.transactionID, debit.remaining); err != nil {
				return err
			}
		}
		input, err := NewTransactionInput(
			userID,
			TransactionUsage,
			amount.ToSignedCredits().Negated(),
			idempotencyKey,
			description,
			0,
			"",
			nowUnixUTC,
		)
		if err != nil {
			return err
		}
		if _, err := transactionStore.InsertTransaction(ctx, input); err != nil {
			return err
		}
		balanceAfter = current - amount.ToCredits()
		return transactionStore.SetUserCredit(ctx, userID, balanceAfter)
	})
	service.logOperation(ctx, OperationLog{
		Operation:       operationConsume,
		UserID:          userID,
		TransactionType: TransactionUsage,
		Amount:          amount.Int64(),
		IdempotencyKey:  idempotencyKey,
		Error:           operationError,
	})
	if operationError != nil {
		return 0, operationError
	}
	return balanceAfter, nil
}

// ListTransactions returns one page of the user's ledger.
func (service *Service) ListTransactions(ctx context.Context, userID UserID, query TransactionQuery) (TransactionPage, error) {
	return service.store.ListTransactions(ctx, userID, query)
}

// Reconcile recomputes the cached balance from the user's spendable grants.
func (service *Service) Reconcile(ctx context.Context, userID UserID) (ReconcileResult, error) {
	var result ReconcileResult
	operationError := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		current, err := transactionStore.LockUserCredit(ctx, userID)
		if err != nil {
			return err
		}
		result.Before = current
		nowUnixUTC := service.nowFn()
		if _, _, err := service.expireWithinTx(ctx, transactionStore, userID, current, nowUnixUTC); err != nil {
			return err
		}
		grants, err := transactionStore.ListSpendableGrants(ctx, userID, nowUnixUTC)
		if err != nil {
			return err
		}
		var total Credits
		for _, grant := range grants {
			total += grant.Remaining()
		}
		result.After = total
		return transactionStore.SetUserCredit(ctx, userID, total)
	})
	service.logOperation(ctx, OperationLog{
		Operation: operationReconcile,
		UserID:    userID,
		Amount:    result.After.Int64() - result.Before.Int64(),
		Error:     operationError,
	})
	if operationError != nil {
		return ReconcileResult{}, operationError
	}
	return result, nil
}

func (service *Service) logOperation(ctx context.Context, entry OperationLog) {
	if service.logger == nil {
		return
	}
	if entry.Status == "" {
		if entry.Error != nil {
			entry.Status = operationStatusError
		} else {
			entry.Status = operationStatusOK
		}
	}
	service.logger.LogOperation(ctx, entry)
}

type grantDebit struct {
	transactionID TransactionID
	remaining     Credits
}

// planDebit walks grants in the order given and returns the new remaining value
// for every grant it touches.
func planDebit(grants []Grant, amount PositiveCredits) ([]grantDebit, error) {
	outstanding := amount.ToCredits()
	debits := make([]grantDebit, 0, len(grants))
	for _, grant := range grants {
		if outstanding == 0 {
			break
		}
		if grant.Remaining() == 0 {
			continue
		}
		taken := grant.Remaining()
		if taken > outstanding {
			taken = outstanding
		}
		debits = append(debits, grantDebit{
			transactionID: grant.TransactionID(),
			remaining:     grant.Remaining() - taken,
		})
		outstanding -= taken
	}
	if outstanding > 0 {
		return nil, ErrInsufficientCredits
	}
	return debits, nil
}

func deriveIdempotencyKey(prefix string, suffix string) (IdempotencyKey, error) {
	return NewIdempotencyKey(prefix + idempotencyKeyDelimiter + suffix)
}

func subtractFloor(balance Credits, amount Credits) Credits {
	if amount >= balance {
		return 0
	}
	return balance - amount
}
