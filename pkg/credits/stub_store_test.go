package credits

import (
	"context"
	"fmt"
	"sort"
	"testing"
)

type stubRow struct {
	transaction TransactionInput
	id          TransactionID
	remaining   Credits
	processedAt int64
}

// stubStore keeps one user's ledger in memory and restores its state when a
// transaction callback fails.
type stubStore struct {
	balances     map[UserID]Credits
	rows         []stubRow
	nextID       int
	idempotency  map[string]struct{}
	listPage     TransactionPage
	failOn       string
	failErr      error
	withTxCalled int
}

func newStubStore(test *testing.T) *stubStore {
	test.Helper()
	return &stubStore{
		balances:    make(map[UserID]Credits),
		idempotency: make(map[string]struct{}),
	}
}

func (store *stubStore) snapshot() *stubStore {
	clone := &stubStore{
		balances:    make(map[UserID]Credits, len(store.balances)),
		rows:        append([]stubRow(nil), store.rows...),
		nextID:      store.nextID,
		idempotency: make(map[string]struct{}, len(store.idempotency)),
	}
	for key, value := range store.balances {
		clone.balances[key] = value
	}
	for key := range store.idempotency {
		clone.idempotency[key] = struct{}{}
	}
	return clone
}

func (store *stubStore) restore(from *stubStore) {
	store.balances = from.balances
	store.rows = from.rows
	store.nextID = from.nextID
	store.idempotency = from.idempotency
}

func (store *stubStore) fail(operation string) error {
	if store.failOn == operation {
		return store.failErr
	}
	return nil
}

func (store *stubStore) WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error {
	store.withTxCalled++
	before := store.snapshot()
	if err := fn(ctx, store); err != nil {
		store.restore(before)
		return err
	}
	return nil
}

func (store *stubStore) LockUserCredit(ctx context.Context, userID UserID) (Credits, error) {
	if err := store.fail("lock"); err != nil {
		return 0, err
	}
	balance, ok := store.balances[userID]
	if !ok {
		store.balances[userID] = 0
	}
	return balance, nil
}

func (store *stubStore) SetUserCredit(ctx context.Context, userID UserID, balance Credits) error {
	if err := store.fail("set"); err != nil {
		return err
	}
	store.balances[userID] = balance
	return nil
}

func (store *stubStore) InsertTransaction(ctx context.Context, input TransactionInput) (TransactionID, error) {
	if err := store.fail("insert"); err != nil {
		return TransactionID{}, err
	}
	key := input.UserID().String() + "|" + input.IdempotencyKey().String()
	if _, exists := store.idempotency[key]; exists {
		return TransactionID{}, ErrDuplicateIdempotencyKey
	}
	store.idempotency[key] = struct{}{}
	store.nextID++
	transactionID := TransactionID{value: fmt.Sprintf("tx-%03d", store.nextID)}
	store.rows = append(store.rows, stubRow{
		transaction: input,
		id:          transactionID,
		remaining:   input.Remaining(),
	})
	return transactionID, nil
}

func (store *stubStore) HasIdempotencyKey(ctx context.Context, userID UserID, key IdempotencyKey) (bool, error) {
	if err := store.fail("lookup"); err != nil {
		return false, err
	}
	_, exists := store.idempotency[userID.String()+"|"+key.String()]
	return exists, nil
}

func (store *stubStore) ListSpendableGrants(ctx context.Context, userID UserID, atUnixUTC int64) ([]Grant, error) {
	if err := store.fail("spendable"); err != nil {
		return nil, err
	}
	grants := make([]Grant, 0)
	for _, row := range store.rows {
		if row.transaction.UserID() != userID || !row.transaction.Type().IsGrant() || row.remaining == 0 {
			continue
		}
		expiresAt := row.transaction.ExpiresAtUnixUTC()
		if expiresAt != 0 && expiresAt <= atUnixUTC {
			continue
		}
		grants = append(grants, Grant{
			transactionID:    row.id,
			remaining:        row.remaining,
			expiresAtUnixUTC: expiresAt,
			createdUnixUTC:   row.transaction.CreatedUnixUTC(),
		})
	}
	sort.SliceStable(grants, func(left, right int) bool {
		leftExpires, rightExpires := grants[left].ExpiresAtUnixUTC(), grants[right].ExpiresAtUnixUTC()
		if leftExpires != rightExpires {
			if leftExpires == 0 {
				return false
			}
			if rightExpires == 0 {
				return true
			}
			return leftExpires < rightExpires
		}
		return grants[left].CreatedUnixUTC() < grants[right].CreatedUnixUTC()
	})
	return grants, nil
}

func (store *stubStore) ListExpiredGrants(ctx context.Context, userID UserID, atUnixUTC int64) ([]Grant, error) {
	if err := store.fail("expired"); err != nil {
		return nil, err
	}
	grants := make([]Grant, 0)
	for _, row := range store.rows {
		if row.transaction.UserID() != userID || !row.transaction.Type().IsGrant() || row.processedAt != 0 {
			continue
		}
		expiresAt := row.transaction.ExpiresAtUnixUTC()
		if expiresAt == 0 || expiresAt > atUnixUTC {
			continue
		}
		grants = append(grants, Grant{
			transactionID:    row.id,
			remaining:        row.remaining,
			expiresAtUnixUTC: expiresAt,
			createdUnixUTC:   row.transaction.CreatedUnixUTC(),
		})
	}
	return grants, nil
}

func (store *stubStore) UpdateGrantRemaining(ctx context.Context, transactionID TransactionID, remaining Credits) error {
	if err := store.fail("update"); err != nil {
		return err
	}
	for index := range store.rows {
		if store.rows[index].id == transactionID {
			store.rows[index].remaining = remaining
			return nil
		}
	}
	return ErrUnknownTransaction
}

func (store *stubStore) MarkGrantExpired(ctx context.Context, transactionID TransactionID, processedAtUnixUTC int64) error {
	if err := store.fail("mark"); err != nil {
		return err
	}
	for index := range store.rows {
		if store.rows[index].id != transactionID {
			continue
		}
		if store.rows[index].processedAt != 0 {
			return ErrGrantAlreadyExpired
		}
		store.rows[index].remaining = 0
		store.rows[index].processedAt = processedAtUnixUTC
		return nil
	}
	return ErrUnknownTransaction
}

func (store *stubStore) ListTransactions(ctx context.Context, userID UserID, query TransactionQuery) (TransactionPage, error) {
	if err := store.fail("list"); err != nil {
		return TransactionPage{}, err
	}
	return store.listPage, nil
}

func (store *stubStore) ListUsersWithExpiredGrants(ctx context.Context, atUnixUTC int64, limit int) ([]UserID, error) {
	if err := store.fail("users_expired"); err != nil {
		return nil, err
	}
	seen := make(map[UserID]struct{})
	users := make([]UserID, 0)
	for _, row := range store.rows {
		expiresAt := row.transaction.ExpiresAtUnixUTC()
		if !row.transaction.Type().IsGrant() || row.processedAt != 0 || expiresAt == 0 || expiresAt > atUnixUTC {
			continue
		}
		if _, ok := seen[row.transaction.UserID()]; ok {
			continue
		}
		seen[row.transaction.UserID()] = struct{}{}
		users = append(users, row.transaction.UserID())
		if limit > 0 && len(users) == limit {
			break
		}
	}
	return users, nil
}

func (store *stubStore) ListUserIDs(ctx context.Context, afterUserID string, limit int) ([]UserID, error) {
	users := make([]UserID, 0, len(store.balances))
	for userID := range store.balances {
		if userID.String() > afterUserID {
			users = append(users, userID)
		}
	}
	sort.Slice(users, func(left, right int) bool { return users[left].String() < users[right].String() })
	if limit > 0 && len(users) > limit {
		users = users[:limit]
	}
	return users, nil
}

func (store *stubStore) remainingOf(test *testing.T, transactionID TransactionID) Credits {
	test.Helper()
	for _, row := range store.rows {
		if row.id == transactionID {
			return row.remaining
		}
	}
	test.Fatalf("transaction %s not found", transactionID.String())
	return 0
}

func (store *stubStore) rowsOfType(transactionType TransactionType) []stubRow {
	matched := make([]stubRow, 0)
	for _, row := range store.rows {
		if row.transaction.Type() == transactionType {
			matched = append(matched, row)
		}
	}
	return matched
}

// sumRemaining totals unexpired grant remainders, the value the cached balance mirrors.
func (store *stubStore) sumRemaining(userID UserID, atUnixUTC int64) Credits {
	var total Credits
	for _, row := range store.rows {
		if row.transaction.UserID() != userID || !row.transaction.Type().IsGrant() {
			continue
		}
		expiresAt := row.transaction.ExpiresAtUnixUTC()
		if expiresAt != 0 && expiresAt <= atUnixUTC {
			continue
		}
		total += row.remaining
	}
	return total
}

type testClock struct {
	now int64
}

func (clock *testClock) Now() int64 {
	return clock.now
}

func mustNewService(test *testing.T, store Store, clock *testClock) *Service {
	test.Helper()
	service, err := NewService(store, clock.Now)
	if err != nil {
		test.Fatalf("new service: %v", err)
	}
	return service
}

func mustUserID(test *testing.T, raw string) UserID {
	test.Helper()
	value, err := NewUserID(raw)
	if err != nil {
		test.Fatalf("user id: %v", err)
	}
	return value
}

func mustIdempotencyKey(test *testing.T, raw string) IdempotencyKey {
	test.Helper()
	value, err := NewIdempotencyKey(raw)
	if err != nil {
		test.Fatalf("idempotency key: %v", err)
	}
	return value
}

func mustPositiveCredits(test *testing.T, raw int64) PositiveCredits {
	test.Helper()
	value, err := NewPositiveCredits(raw)
	if err != nil {
		test.Fatalf("amount: %v", err)
	}
	return value
}

func mustTransactionID(test *testing.T, raw string) TransactionID {
	test.Helper()
	value, err := NewTransactionID(raw)
	if err != nil {
		test.Fatalf("transaction id: %v", err)
	}
	return value
}

func mustGrant(test *testing.T, service *Service, userID UserID, amount int64, key string, expiresAtUnixUTC int64) {
	test.Helper()
	err := service.Grant(context.Background(), GrantRequest{
		UserID:           userID,
		Type:             TransactionPurchasePackage,
		Amount:           mustPositiveCredits(test, amount),
		IdempotencyKey:   mustIdempotencyKey(test, key),
		Description:      "test grant",
		ExpiresAtUnixUTC: expiresAtUnixUTC,
	})
	if err != nil {
		test.Fatalf("grant %s: %v", key, err)
	}
}
