package credits

import (
	"context"
	"errors"
	"fmt"
	"math"
	"testing"
)

const (
	clockStart     int64 = 1_700_000_000
	secondsPerDay  int64 = 86_400
	testUserValue        = "user-1"
	otherUserValue       = "user-2"
)

func TestGrantAppendsRowAndRaisesBalance(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	clock := &testClock{now: clockStart}
	service := mustNewService(test, store, clock)
	userID := mustUserID(test, testUserValue)

	mustGrant(test, service, userID, 75, "grant-1", 0)

	if len(store.rows) != 1 {
		test.Fatalf("expected 1 row, got %d", len(store.rows))
	}
	row := store.rows[0]
	if row.transaction.Type() != TransactionPurchasePackage {
		test.Fatalf("unexpected type %s", row.transaction.Type())
	}
	if row.transaction.Amount() != 75 || row.remaining != 75 {
		test.Fatalf("expected amount and remaining 75, got %d/%d", row.transaction.Amount(), row.remaining)
	}
	if store.balances[userID] != 75 {
		test.Fatalf("expected cached balance 75, got %d", store.balances[userID])
	}
}

func TestGrantRejectsDuplicateIdempotencyKey(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	service := mustNewService(test, store, &testClock{now: clockStart})
	userID := mustUserID(test, testUserValue)

	mustGrant(test, service, userID, 10, "same-key", 0)
	err := service.Grant(context.Background(), GrantRequest{
		UserID:         userID,
		Type:           TransactionPurchasePackage,
		Amount:         mustPositiveCredits(test, 10),
		IdempotencyKey: mustIdempotencyKey(test, "same-key"),
	})
	if !errors.Is(err, ErrDuplicateIdempotencyKey) {
		test.Fatalf("expected ErrDuplicateIdempotencyKey, got %v", err)
	}
	if store.balances[userID] != 10 {
		test.Fatalf("expected balance to stay 10, got %d", store.balances[userID])
	}
}

func TestGrantValidation(test *testing.T) {
	test.Parallel()
	testCases := []struct {
		name    string
		request func(test *testing.T, userID UserID) GrantRequest
		wantErr error
	}{
		{
			name: "debit type",
			request: func(test *testing.T, userID UserID) GrantRequest {
				return GrantRequest{UserID: userID, Type: TransactionUsage, Amount: mustPositiveCredits(test, 5), IdempotencyKey: mustIdempotencyKey(test, "k")}
			},
			wantErr: ErrInvalidTransactionType,
		},
		{
			name: "expiration in the past",
			request: func(test *testing.T, userID UserID) GrantRequest {
				return GrantRequest{UserID: userID, Type: TransactionRegisterGift, Amount: mustPositiveCredits(test, 5), IdempotencyKey: mustIdempotencyKey(test, "k"), ExpiresAtUnixUTC: clockStart - 1}
			},
			wantErr: ErrInvalidTransaction,
		},
		{
			name: "missing idempotency key",
			request: func(test *testing.T, userID UserID) GrantRequest {
				return GrantRequest{UserID: userID, Type: TransactionRegisterGift, Amount: mustPositiveCredits(test, 5)}
			},
			wantErr: ErrInvalidTransaction,
		},
	}
	for _, testCase := range testCases {
		testCase := testCase
		test.Run(testCase.name, func(test *testing.T) {
			test.Parallel()
			store := newStubStore(test)
			service := mustNewService(test, store, &testClock{now: clockStart})
			userID := mustUserID(test, testUserValue)
			err := service.Grant(context.Background(), testCase.request(test, userID))
			if !errors.Is(err, testCase.wantErr) {
				test.Fatalf("expected %v, got %v", testCase.wantErr, err)
			}
			if len(store.rows) != 0 {
				test.Fatalf("expected no rows, got %d", len(store.rows))
			}
		})
	}
}

func TestConsumeDebitsEarliestExpiringGrantFirst(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	clock := &testClock{now: clockStart}
	service := mustNewService(test, store, clock)
	userID := mustUserID(test, testUserValue)

	mustGrant(test, service, userID, 50, "never-expires", 0)
	clock.now++
	mustGrant(test, service, userID, 30, "expires-late", clockStart+30*secondsPerDay)
	clock.now++
	mustGrant(test, service, userID, 20, "expires-soon", clockStart+7*secondsPerDay)

	balance, err := service.Consume(context.Background(), userID, mustPositiveCredits(test, 40), mustIdempotencyKey(test, "use-1"), "chat")
	if err != nil {
		test.Fatalf("consume: %v", err)
	}
	if balance != 60 {
		test.Fatalf("expected balance 60, got %d", balance)
	}
	if got := store.remainingOf(test, mustTransactionID(test, "tx-003")); got != 0 {
		test.Fatalf("expected soonest grant drained, got %d", got)
	}
	if got := store.remainingOf(test, mustTransactionID(test, "tx-002")); got != 10 {
		test.Fatalf("expected later grant at 10, got %d", got)
	}
	if got := store.remainingOf(test, mustTransactionID(test, "tx-001")); got != 50 {
		test.Fatalf("expected undated grant untouched, got %d", got)
	}
	usage := store.rowsOfType(TransactionUsage)
	if len(usage) != 1 {
		test.Fatalf("expected one usage row, got %d", len(usage))
	}
	if usage[0].transaction.Amount() != -40 || usage[0].remaining != 0 {
		test.Fatalf("unexpected usage row: amount=%d remaining=%d", usage[0].transaction.Amount(), usage[0].remaining)
	}
	if store.balances[userID] != store.sumRemaining(userID, clock.now) {
		test.Fatalf("cache %d diverged from grants %d", store.balances[userID], store.sumRemaining(userID, clock.now))
	}
}

func TestConsumeOlderGrantFirstWhenExpirationsMatch(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	clock := &testClock{now: clockStart}
	service := mustNewService(test, store, clock)
	userID := mustUserID(test, testUserValue)

	mustGrant(test, service, userID, 10, "older", 0)
	clock.now += 10
	mustGrant(test, service, userID, 10, "newer", 0)

	if _, err := service.Consume(context.Background(), userID, mustPositiveCredits(test, 15), mustIdempotencyKey(test, "use"), ""); err != nil {
		test.Fatalf("consume: %v", err)
	}
	if got := store.remainingOf(test, mustTransactionID(test, "tx-001")); got != 0 {
		test.Fatalf("expected older grant drained, got %d", got)
	}
	if got := store.remainingOf(test, mustTransactionID(test, "tx-002")); got != 5 {
		test.Fatalf("expected newer grant at 5, got %d", got)
	}
}

func TestConsumeInsufficientCreditsLeavesGrantsUnchanged(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	clock := &testClock{now: clockStart}
	service := mustNewService(test, store, clock)
	userID := mustUserID(test, testUserValue)

	mustGrant(test, service, userID, 15, "a", 0)
	mustGrant(test, service, userID, 10, "b", clockStart+secondsPerDay)

	_, err := service.Consume(context.Background(), userID, mustPositiveCredits(test, 26), mustIdempotencyKey(test, "too-much"), "")
	if !errors.Is(err, ErrInsufficientCredits) {
		test.Fatalf("expected ErrInsufficientCredits, got %v", err)
	}
	if got := store.remainingOf(test, mustTransactionID(test, "tx-001")); got != 15 {
		test.Fatalf("expected grant a untouched, got %d", got)
	}
	if got := store.remainingOf(test, mustTransactionID(test, "tx-002")); got != 10 {
		test.Fatalf("expected grant b untouched, got %d", got)
	}
	if len(store.rowsOfType(TransactionUsage)) != 0 {
		test.Fatalf("expected no usage rows")
	}
	if store.balances[userID] != 25 {
		test.Fatalf("expected balance 25, got %d", store.balances[userID])
	}
}

func TestConsumeReplayAfterDrainReportsDuplicate(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	service := mustNewService(test, store, &testClock{now: clockStart})
	userID := mustUserID(test, testUserValue)
	mustGrant(test, service, userID, 10, "grant-1", 0)

	if _, err := service.Consume(context.Background(), userID, mustPositiveCredits(test, 10), mustIdempotencyKey(test, "use-1"), ""); err != nil {
		test.Fatalf("first consume: %v", err)
	}
	_, err := service.Consume(context.Background(), userID, mustPositiveCredits(test, 10), mustIdempotencyKey(test, "use-1"), "")
	if !errors.Is(err, ErrDuplicateIdempotencyKey) {
		test.Fatalf("expected ErrDuplicateIdempotencyKey, got %v", err)
	}
	if len(store.rowsOfType(TransactionUsage)) != 1 || store.balances[userID] != 0 {
		test.Fatalf("expected one usage row and zero balance, got %d rows and %d", len(store.rowsOfType(TransactionUsage)), store.balances[userID])
	}
}

func TestGrantRejectsBalanceOverflow(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	service := mustNewService(test, store, &testClock{now: clockStart})
	userID := mustUserID(test, testUserValue)
	mustGrant(test, service, userID, 1, "grant-1", 0)

	err := service.Grant(context.Background(), GrantRequest{
		UserID:         userID,
		Type:           TransactionPurchasePackage,
		Amount:         mustPositiveCredits(test, math.MaxInt64),
		IdempotencyKey: mustIdempotencyKey(test, "grant-2"),
	})
	if !errors.Is(err, ErrInvalidAmount) {
		test.Fatalf("expected ErrInvalidAmount, got %v", err)
	}
	if store.balances[userID] != 1 || len(store.rows) != 1 {
		test.Fatalf("expected balance 1 and one row, got %d and %d rows", store.balances[userID], len(store.rows))
	}
	balance, err := service.Balance(context.Background(), userID)
	if err != nil || balance != 1 {
		test.Fatalf("expected readable balance 1, got %d (%v)", balance, err)
	}

	mustGrant(test, service, userID, math.MaxInt64-1, "grant-3", 0)
	if store.balances[userID] != math.MaxInt64 {
		test.Fatalf("expected balance at the ceiling, got %d", store.balances[userID])
	}
}

func TestConsumeRollsBackWhenLateWriteFails(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	clock := &testClock{now: clockStart}
	service := mustNewService(test, store, clock)
	userID := mustUserID(test, testUserValue)
	mustGrant(test, service, userID, 20, "a", 0)

	store.failOn = "set"
	store.failErr = errors.New("write failed")
	_, err := service.Consume(context.Background(), userID, mustPositiveCredits(test, 5), mustIdempotencyKey(test, "use"), "")
	if !errors.Is(err, store.failErr) {
		test.Fatalf("expected write failure, got %v", err)
	}
	if got := store.remainingOf(test, mustTransactionID(test, "tx-001")); got != 20 {
		test.Fatalf("expected rollback of grant debit, got %d", got)
	}
}

func TestConsumeIgnoresExpiredGrantsAndExpiresThem(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	clock := &testClock{now: clockStart}
	service := mustNewService(test, store, clock)
	userID := mustUserID(test, testUserValue)

	mustGrant(test, service, userID, 30, "short", clockStart+secondsPerDay)
	mustGrant(test, service, userID, 10, "forever", 0)
	clock.now += 2 * secondsPerDay

	_, err := service.Consume(context.Background(), userID, mustPositiveCredits(test, 20), mustIdempotencyKey(test, "use"), "")
	if !errors.Is(err, ErrInsufficientCredits) {
		test.Fatalf("expected ErrInsufficientCredits once the short grant lapsed, got %v", err)
	}

	balance, err := service.Consume(context.Background(), userID, mustPositiveCredits(test, 10), mustIdempotencyKey(test, "use-2"), "")
	if err != nil {
		test.Fatalf("consume: %v", err)
	}
	if balance != 0 {
		test.Fatalf("expected zero balance, got %d", balance)
	}
	expire := store.rowsOfType(TransactionExpire)
	if len(expire) != 1 || expire[0].transaction.Amount() != -30 {
		test.Fatalf("expected one expire row of -30, got %+v", expire)
	}
}

func TestConsumeSequenceNeverDrivesBalanceNegative(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	clock := &testClock{now: clockStart}
	service := mustNewService(test, store, clock)
	userID := mustUserID(test, testUserValue)
	mustGrant(test, service, userID, 17, "g1", clockStart+3*secondsPerDay)
	mustGrant(test, service, userID, 9, "g2", 0)

	amounts := []int64{5, 7, 3, 8, 4, 1, 2, 6}
	for index, amount := range amounts {
		clock.now += secondsPerDay / 2
		_, err := service.Consume(context.Background(), userID, mustPositiveCredits(test, amount), mustIdempotencyKey(test, fmt.Sprintf("use-%d", index)), "")
		if err != nil && !errors.Is(err, ErrInsufficientCredits) {
			test.Fatalf("consume %d: %v", index, err)
		}
		balance := store.balances[userID]
		if balance < 0 {
			test.Fatalf("balance went negative after step %d: %d", index, balance)
		}
		if balance != store.sumRemaining(userID, clock.now) {
			test.Fatalf("cache %d diverged from grants %d after step %d", balance, store.sumRemaining(userID, clock.now), index)
		}
	}
}

func TestBalanceExpiresLapsedGrants(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	clock := &testClock{now: clockStart}
	service := mustNewService(test, store, clock)
	userID := mustUserID(test, testUserValue)
	mustGrant(test, service, userID, 40, "short", clockStart+secondsPerDay)
	mustGrant(test, service, userID, 5, "forever", 0)

	balance, err := service.Balance(context.Background(), userID)
	if err != nil {
		test.Fatalf("balance: %v", err)
	}
	if balance != 45 {
		test.Fatalf("expected 45 before expiry, got %d", balance)
	}

	clock.now += secondsPerDay
	balance, err = service.Balance(context.Background(), userID)
	if err != nil {
		test.Fatalf("balance: %v", err)
	}
	if balance != 5 {
		test.Fatalf("expected 5 after expiry, got %d", balance)
	}
}

func TestBalanceCreatesZeroRowForNewUser(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	service := mustNewService(test, store, &testClock{now: clockStart})
	userID := mustUserID(test, "fresh")

	balance, err := service.Balance(context.Background(), userID)
	if err != nil {
		test.Fatalf("balance: %v", err)
	}
	if balance != 0 {
		test.Fatalf("expected zero balance, got %d", balance)
	}
	if _, ok := store.balances[userID]; !ok {
		test.Fatalf("expected balance row to be created")
	}
}

func TestHasEnoughCredits(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	service := mustNewService(test, store, &testClock{now: clockStart})
	userID := mustUserID(test, testUserValue)
	mustGrant(test, service, userID, 10, "g", 0)

	enough, err := service.HasEnoughCredits(context.Background(), userID, mustPositiveCredits(test, 10))
	if err != nil || !enough {
		test.Fatalf("expected enough credits, got %v (%v)", enough, err)
	}
	enough, err = service.HasEnoughCredits(context.Background(), userID, mustPositiveCredits(test, 11))
	if err != nil || enough {
		test.Fatalf("expected not enough credits, got %v (%v)", enough, err)
	}
}

func TestReconcileRepairsDriftedCache(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	service := mustNewService(test, store, &testClock{now: clockStart})
	userID := mustUserID(test, testUserValue)
	mustGrant(test, service, userID, 12, "g1", 0)
	mustGrant(test, service, userID, 8, "g2", 0)
	store.balances[userID] = 3

	result, err := service.Reconcile(context.Background(), userID)
	if err != nil {
		test.Fatalf("reconcile: %v", err)
	}
	if result.Before != 3 || result.After != 20 {
		test.Fatalf("unexpected reconcile result %+v", result)
	}
	if store.balances[userID] != 20 {
		test.Fatalf("expected cache 20, got %d", store.balances[userID])
	}
}

func TestListTransactionsDelegatesToStore(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	store.listPage = TransactionPage{Total: 7, Page: 2, PageSize: 5}
	service := mustNewService(test, store, &testClock{now: clockStart})
	query, err := NewTransactionQuery(2, 5, "", "", "")
	if err != nil {
		test.Fatalf("query: %v", err)
	}

	page, err := service.ListTransactions(context.Background(), mustUserID(test, testUserValue), query)
	if err != nil {
		test.Fatalf("list: %v", err)
	}
	if page.Total != 7 || page.Page != 2 {
		test.Fatalf("unexpected page %+v", page)
	}
}

func TestNewServiceRequiresDependencies(test *testing.T) {
	test.Parallel()
	_, err := NewService(nil, func() int64 { return 0 })
	if !errors.Is(err, ErrInvalidServiceConfig) {
		test.Fatalf("expected invalid service config error, got %v", err)
	}
	_, err = NewService(newStubStore(test), nil)
	if !errors.Is(err, ErrInvalidServiceConfig) {
		test.Fatalf("expected invalid service config error, got %v", err)
	}
}

func TestPlanDebit(test *testing.T) {
	test.Parallel()
	grants := []Grant{
		{transactionID: TransactionID{value: "a"}, remaining: 4},
		{transactionID: TransactionID{value: "empty"}, remaining: 0},
		{transactionID: TransactionID{value: "b"}, remaining: 6},
		{transactionID: TransactionID{value: "c"}, remaining: 10},
	}
	testCases := []struct {
		name    string
		amount  int64
		want    []grantDebit
		wantErr error
	}{
		{
			name:   "single grant partial",
			amount: 3,
			want:   []grantDebit{{transactionID: TransactionID{value: "a"}, remaining: 1}},
		},
		{
			name:   "spans grants and skips empty",
			amount: 7,
			want: []grantDebit{
				{transactionID: TransactionID{value: "a"}, remaining: 0},
				{transactionID: TransactionID{value: "b"}, remaining: 3},
			},
		},
		{
			name:   "exact total",
			amount: 20,
			want: []grantDebit{
				{transactionID: TransactionID{value: "a"}, remaining: 0},
				{transactionID: TransactionID{value: "b"}, remaining: 0},
				{transactionID: TransactionID{value: "c"}, remaining: 0},
			},
		},
		{
			name:    "short",
			amount:  21,
			wantErr: ErrInsufficientCredits,
		},
	}
	for _, testCase := range testCases {
		testCase := testCase
		test.Run(testCase.name, func(test *testing.T) {
			test.Parallel()
			debits, err := planDebit(grants, mustPositiveCredits(test, testCase.amount))
			if !errors.Is(err, testCase.wantErr) {
				test.Fatalf("expected %v, got %v", testCase.wantErr, err)
			}
			if len(debits) != len(testCase.want) {
				test.Fatalf("expected %d debits, got %d", len(testCase.want), len(debits))
			}
			for index := range debits {
				if debits[index] != testCase.want[index] {
					test.Fatalf("debit %d: expected %+v, got %+v", index, testCase.want[index], debits[index])
				}
			}
		})
	}
}
