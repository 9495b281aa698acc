package credits

import (
	"context"
	"fmt"
	"strings"
)

// UserID identifies a credit holder.
type UserID struct {
	value string
}

// TransactionID identifies a credit transaction row.
type TransactionID struct {
	value string
}

// IdempotencyKey scopes duplicate detection per user.
type IdempotencyKey struct {
	value string
}

// Credits is a non-negative credit quantity.
type Credits int64

// PositiveCredits is a strictly positive credit quantity.
type PositiveCredits int64

// SignedCredits is the non-zero signed amount stored on a transaction row.
type SignedCredits int64

// NewUserID validates and normalizes a user id.
func NewUserID(raw string) (UserID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return UserID{}, fmt.Errorf("%w: empty value", ErrInvalidUserID)
	}
	return UserID{value: trimmed}, nil
}

// String returns the normalized identifier.
func (id UserID) String() string {
	return id.value
}

// NewTransactionID validates and normalizes a transaction id.
func NewTransactionID(raw string) (TransactionID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return TransactionID{}, fmt.Errorf("%w: empty value", ErrInvalidTransactionID)
	}
	return TransactionID{value: trimmed}, nil
}

// String returns the normalized identifier.
func (id TransactionID) String() string {
	return id.value
}

// NewIdempotencyKey validates and normalizes an idempotency key.
func NewIdempotencyKey(raw string) (IdempotencyKey, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return IdempotencyKey{}, fmt.Errorf("%w: empty value", ErrInvalidIdempotencyKey)
	}
	return IdempotencyKey{value: trimmed}, nil
}

// String returns the normalized key.
func (key IdempotencyKey) String() string {
	return key.value
}

// NewCredits validates a non-negative credit quantity.
func NewCredits(raw int64) (Credits, error) {
	if raw < 0 {
		return 0, fmt.Errorf("%w: must not be negative", ErrInvalidAmount)
	}
	return Credits(raw), nil
}

// Int64 exposes the raw value.
func (amount Credits) Int64() int64 {
	return int64(amount)
}

// NewPositiveCredits validates a strictly positive credit quantity.
func NewPositiveCredits(raw int64) (PositiveCredits, error) {
	if raw <= 0 {
		return 0, fmt.Errorf("%w: must be greater than zero", ErrInvalidAmount)
	}
	return PositiveCredits(raw), nil
}

// Int64 exposes the raw value.
func (amount PositiveCredits) Int64() int64 {
	return int64(amount)
}

// ToCredits widens the amount to a non-negative quantity.
func (amount PositiveCredits) ToCredits() Credits {
	return Credits(amount)
}

// ToSignedCredits converts the amount to a signed row amount.
func (amount PositiveCredits) ToSignedCredits() SignedCredits {
	return SignedCredits(amount)
}

// NewSignedCredits validates a non-zero signed row amount.
func NewSignedCredits(raw int64) (SignedCredits, error) {
	if raw == 0 {
		return 0, fmt.Errorf("%w: must not be zero", ErrInvalidAmount)
	}
	return SignedCredits(raw), nil
}

// Int64 exposes the raw value.
func (amount SignedCredits) Int64() int64 {
	return int64(amount)
}

// Negated flips the sign.
func (amount SignedCredits) Negated() SignedCredits {
	return -amount
}

// TransactionType enumerates credit transaction kinds.
type TransactionType string

const (
	TransactionMonthlyRefresh      TransactionType = "monthly_refresh"
	TransactionRegisterGift        TransactionType = "register_gift"
	TransactionPurchasePackage     TransactionType = "purchase_package"
	TransactionSubscriptionRenewal TransactionType = "subscription_renewal"
	TransactionLifetimeMonthly     TransactionType = "lifetime_monthly"
	TransactionUsage               TransactionType = "usage"
	TransactionExpire              TransactionType = "expire"
)

// ParseTransactionType validates a stored or requested transaction type.
func ParseTransactionType(raw string) (TransactionType, error) {
	switch TransactionType(strings.TrimSpace(raw)) {
	case TransactionMonthlyRefresh:
		return TransactionMonthlyRefresh, nil
	case TransactionRegisterGift:
		return TransactionRegisterGift, nil
	case TransactionPurchasePackage:
		return TransactionPurchasePackage, nil
	case TransactionSubscriptionRenewal:
		return TransactionSubscriptionRenewal, nil
	case TransactionLifetimeMonthly:
		return TransactionLifetimeMonthly, nil
	case TransactionUsage:
		return TransactionUsage, nil
	case TransactionExpire:
		return TransactionExpire, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidTransactionType, raw)
	}
}

// String returns the stored representation.
func (transactionType TransactionType) String() string {
	return string(transactionType)
}

// IsGrant reports whether rows of this type add spendable credit.
func (transactionType TransactionType) IsGrant() bool {
	switch transactionType {
	case TransactionUsage, TransactionExpire:
		return false
	default:
		return true
	}
}

// TransactionInput is a validated row ready to be appended to the ledger.
type TransactionInput struct {
	userID           UserID
	transactionType  TransactionType
	amount           SignedCredits
	remaining        Credits
	idempotencyKey   IdempotencyKey
	description      string
	expiresAtUnixUTC int64
	paymentID        string
	createdUnixUTC   int64
}

// NewTransactionInput validates a ledger row. Grants must be positive and carry
// their full amount as remaining; debits must be negative with nothing remaining.
func NewTransactionInput(userID UserID, transactionType TransactionType, amount SignedCredits, idempotencyKey IdempotencyKey, description string, expiresAtUnixUTC int64, paymentID string, createdUnixUTC int64) (TransactionInput, error) {
	if userID.String() == "" {
		return TransactionInput{}, fmt.Errorf("%w: missing user id", ErrInvalidTransaction)
	}
	if _, err := ParseTransactionType(transactionType.String()); err != nil {
		return TransactionInput{}, err
	}
	if idempotencyKey.String() == "" {
		return TransactionInput{}, fmt.Errorf("%w: missing idempotency key", ErrInvalidTransaction)
	}
	if expiresAtUnixUTC < 0 {
		return TransactionInput{}, fmt.Errorf("%w: negative expiration", ErrInvalidTransaction)
	}
	var remaining Credits
	if transactionType.IsGrant() {
		if amount <= 0 {
			return TransactionInput{}, fmt.Errorf("%w: grant amount must be positive", ErrInvalidAmount)
		}
		remaining = Credits(amount)
	} else {
		if amount >= 0 {
			return TransactionInput{}, fmt.Errorf("%w: debit amount must be negative", ErrInvalidAmount)
		}
		if expiresAtUnixUTC != 0 {
			return TransactionInput{}, fmt.Errorf("%w: debits do not expire", ErrInvalidTransaction)
		}
	}
	return TransactionInput{
		userID:           userID,
		transactionType:  transactionType,
		amount:           amount,
		remaining:        remaining,
		idempotencyKey:   idempotencyKey,
		description:      strings.TrimSpace(description),
		expiresAtUnixUTC: expiresAtUnixUTC,
		paymentID:        strings.TrimSpace(paymentID),
		createdUnixUTC:   createdUnixUTC,
	}, nil
}

func (input TransactionInput) UserID() UserID                   { return input.userID }
func (input TransactionInput) Type() TransactionType            { return input.transactionType }
func (input TransactionInput) Amount() SignedCredits            { return input.amount }
func (input TransactionInput) Remaining() Credits               { return input.remaining }
func (input TransactionInput) IdempotencyKey() IdempotencyKey   { return input.idempotencyKey }
func (input TransactionInput) Description() string              { return input.description }
func (input TransactionInput) ExpiresAtUnixUTC() int64          { return input.expiresAtUnixUTC }
func (input TransactionInput) PaymentID() string                { return input.paymentID }
func (input TransactionInput) CreatedUnixUTC() int64            { return input.createdUnixUTC }

// Transaction is a stored ledger row.
type Transaction struct {
	TransactionInput
	transactionID              TransactionID
	remaining                  Credits
	expirationProcessedUnixUTC int64
}

// NewTransaction rebuilds a stored row, validating it the same way as inputs.
func NewTransaction(transactionID TransactionID, input TransactionInput, remaining Credits, expirationProcessedUnixUTC int64) (Transaction, error) {
	if transactionID.String() == "" {
		return Transaction{}, fmt.Errorf("%w: missing transaction id", ErrInvalidTransaction)
	}
	if remaining < 0 || remaining.Int64() > input.amount.Int64() && input.transactionType.IsGrant() {
		return Transaction{}, fmt.Errorf("%w: remaining out of range", ErrInvalidTransaction)
	}
	if !input.transactionType.IsGrant() && remaining != 0 {
		return Transaction{}, fmt.Errorf("%w: debit rows carry no remaining", ErrInvalidTransaction)
	}
	return Transaction{
		TransactionInput:           input,
		transactionID:              transactionID,
		remaining:                  remaining,
		expirationProcessedUnixUTC: expirationProcessedUnixUTC,
	}, nil
}

// TransactionID returns the row identifier.
func (transaction Transaction) TransactionID() TransactionID {
	return transaction.transactionID
}

// Remaining returns the spendable remainder of a grant.
func (transaction Transaction) Remaining() Credits {
	return transaction.remaining
}

// ExpirationProcessedUnixUTC returns when the sweep zeroed this grant, or 0.
func (transaction Transaction) ExpirationProcessedUnixUTC() int64 {
	return transaction.expirationProcessedUnixUTC
}

// Grant is the spendable view of a grant row used by debits and the sweep.
type Grant struct {
	transactionID    TransactionID
	remaining        Credits
	expiresAtUnixUTC int64
	createdUnixUTC   int64
}

// NewGrant validates a grant view.
func NewGrant(transactionID TransactionID, remaining Credits, expiresAtUnixUTC int64, createdUnixUTC int64) (Grant, error) {
	if transactionID.String() == "" {
		return Grant{}, fmt.Errorf("%w: missing transaction id", ErrInvalidTransaction)
	}
	if remaining < 0 {
		return Grant{}, fmt.Errorf("%w: negative remaining", ErrInvalidTransaction)
	}
	return Grant{
		transactionID:    transactionID,
		remaining:        remaining,
		expiresAtUnixUTC: expiresAtUnixUTC,
		createdUnixUTC:   createdUnixUTC,
	}, nil
}

func (grant Grant) TransactionID() TransactionID { return grant.transactionID }
func (grant Grant) Remaining() Credits           { return grant.remaining }
func (grant Grant) ExpiresAtUnixUTC() int64      { return grant.expiresAtUnixUTC }
func (grant Grant) CreatedUnixUTC() int64        { return grant.createdUnixUTC }

// SortField names a sortable transaction column.
type SortField string

const (
	SortByCreatedAt      SortField = "created_at"
	SortByAmount         SortField = "amount"
	SortByType           SortField = "type"
	SortByExpirationDate SortField = "expiration_date"
)

// TransactionQuery selects a page of a user's transactions.
type TransactionQuery struct {
	page       int
	pageSize   int
	sortField  SortField
	descending bool
	search     string
}

// NewTransactionQuery normalizes paging input. Zero values fall back to page 1,
// the default page size and newest-first ordering.
func NewTransactionQuery(page int, pageSize int, sortField string, order string, search string) (TransactionQuery, error) {
	if page < 1 {
		page = 1
	}
	if page > maxPage {
		page = maxPage
	}
	if pageSize <= 0 {
		pageSize = defaultPageSize
	}
	if pageSize > maxPageSize {
		return TransactionQuery{}, fmt.Errorf("%w: page size exceeds maximum: %d > %d", ErrInvalidQuery, pageSize, maxPageSize)
	}
	field := SortField(strings.ToLower(strings.TrimSpace(sortField)))
	switch field {
	case "":
		field = SortByCreatedAt
	case SortByCreatedAt, SortByAmount, SortByType, SortByExpirationDate:
	default:
		return TransactionQuery{}, fmt.Errorf("%w: unknown sort field %q", ErrInvalidQuery, sortField)
	}
	descending := true
	switch strings.ToLower(strings.TrimSpace(order)) {
	case "", "desc":
	case "asc":
		descending = false
	default:
		return TransactionQuery{}, fmt.Errorf("%w: unknown sort order %q", ErrInvalidQuery, order)
	}
	return TransactionQuery{
		page:       page,
		pageSize:   pageSize,
		sortField:  field,
		descending: descending,
		search:     strings.TrimSpace(search),
	}, nil
}

func (query TransactionQuery) Page() int            { return query.page }
func (query TransactionQuery) PageSize() int        { return query.pageSize }
func (query TransactionQuery) SortField() SortField { return query.sortField }
func (query TransactionQuery) Descending() bool     { return query.descending }
func (query TransactionQuery) Search() string       { return query.search }

// Offset returns the number of rows to skip.
func (query TransactionQuery) Offset() int {
	return (query.page - 1) * query.pageSize
}

// TransactionPage is one page of transactions plus the unpaged total.
type TransactionPage struct {
	Items    []Transaction
	Total    int64
	Page     int
	PageSize int
}

// SweepReport summarizes a multi-user expiration sweep.
type SweepReport struct {
	ProcessedUsers int
	ErrorCount     int
	ExpiredCredits Credits
}

// ReconcileResult reports a cache recomputation.
type ReconcileResult struct {
	Before Credits
	After  Credits
}

// Store is the persistence contract used by Service.
type Store interface {
	WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error
	// LockUserCredit returns the cached balance, creating a zero row on first use,
	// and holds a row lock until the surrounding transaction ends.
	LockUserCredit(ctx context.Context, userID UserID) (Credits, error)
	SetUserCredit(ctx context.Context, userID UserID, balance Credits) error
	InsertTransaction(ctx context.Context, input TransactionInput) (TransactionID, error)
	// HasIdempotencyKey reports whether the user already recorded a transaction under key.
	HasIdempotencyKey(ctx context.Context, userID UserID, key IdempotencyKey) (bool, error)
	// ListSpendableGrants returns unexpired grants with remaining credit, earliest
	// expiration first (no expiration last), then oldest first.
	ListSpendableGrants(ctx context.Context, userID UserID, atUnixUTC int64) ([]Grant, error)
	// ListExpiredGrants returns grants whose expiration passed and were not yet swept.
	ListExpiredGrants(ctx context.Context, userID UserID, atUnixUTC int64) ([]Grant, error)
	UpdateGrantRemaining(ctx context.Context, transactionID TransactionID, remaining Credits) error
	MarkGrantExpired(ctx context.Context, transactionID TransactionID, processedAtUnixUTC int64) error
	ListTransactions(ctx context.Context, userID UserID, query TransactionQuery) (TransactionPage, error)
	ListUsersWithExpiredGrants(ctx context.Context, atUnixUTC int64, limit int) ([]UserID, error)
	// ListUserIDs pages through every user holding a balance row, ordered by id.
	ListUserIDs(ctx context.Context, afterUserID string, limit int) ([]UserID, error)
}
