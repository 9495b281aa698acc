package gormstore

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/MarkoPoloResearchLab/credits/pkg/credits"
	gosqlite "github.com/glebarez/go-sqlite"
	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	pgUniqueViolationCode   = "23505"
	sqliteConstraintCode    = 19
	errorOperationStore     = "store"
	errorSubjectBalance     = "balance"
	errorSubjectTransaction = "transaction"
	errorSubjectGrant       = "grant"
	errorSubjectUser        = "user"
	errorCodeDuplicate      = "duplicate"
	errorCodeInsert         = "insert"
	errorCodeInvalid        = "invalid"
	errorCodeList           = "list"
	errorCodeLock           = "lock"
	errorCodeCount          = "count"
	errorCodeUpdate         = "update"
	errorCodeExpire         = "expire"
)

var sortColumns = map[credits.SortField]string{
	credits.SortByCreatedAt:      "created_at",
	credits.SortByAmount:         "amount",
	credits.SortByType:           "type",
	credits.SortByExpirationDate: "expiration_date",
}

// likeEscaper makes search terms match literally under ESCAPE '!'.
var likeEscaper = strings.NewReplacer("!", "!!", "%", "!%", "_", "!_")

// Store implements credits.Store and billing.Store using GORM.
type Store struct {
	db *gorm.DB
}

// New returns a Store backed by gorm.DB.
func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

// WithTx executes fn within a transaction.
func (store *Store) WithTx(ctx context.Context, fn func(ctx context.Context, txStore credits.Store) error) error {
	return store.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		return fn(ctx, &Store{db: transaction})
	})
}

// LockUserCredit creates the balance row on first use and locks it for the
// rest of the surrounding transaction.
func (store *Store) LockUserCredit(ctx context.Context, userID credits.UserID) (credits.Credits, error) {
	seed := UserCredit{UserID: userID.String()}
	err := store.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "user_id"}}, DoNothing: true}).
		Create(&seed).Error
	if err != nil {
		return 0, wrapStoreError(errorSubjectBalance, errorCodeLock, err)
	}
	var row UserCredit
	err = store.db.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("user_id = ?", userID.String()).
		Take(&row).Error
	if err != nil {
		return 0, wrapStoreError(errorSubjectBalance, errorCodeLock, err)
	}
	balance, err := credits.NewCredits(row.CurrentCredits)
	if err != nil {
		return 0, wrapStoreError(errorSubjectBalance, errorCodeInvalid, err)
	}
	return balance, nil
}

func (store *Store) SetUserCredit(ctx context.Context, userID credits.UserID, balance credits.Credits) error {
	err := store.db.WithContext(ctx).
		Model(&UserCredit{}).
		Where("user_id = ?", userID.String()).
		Update("current_credits", balance.Int64()).Error
	if err != nil {
		return wrapStoreError(errorSubjectBalance, errorCodeUpdate, err)
	}
	return nil
}

func (store *Store) InsertTransaction(ctx context.Context, input credits.TransactionInput) (credits.TransactionID, error) {
	row := CreditTransaction{
		UserID:          input.UserID().String(),
		Type:            input.Type().String(),
		Amount:          input.Amount().Int64(),
		RemainingAmount: input.Remaining().Int64(),
		Description:     input.Description(),
		IdempotencyKey:  input.IdempotencyKey().String(),
		PaymentID:       stringOrNil(input.PaymentID()),
		ExpirationDate:  timeOrNil(input.ExpiresAtUnixUTC()),
		CreatedAt:       time.Unix(input.CreatedUnixUTC(), 0).UTC(),
	}
	if input.CreatedUnixUTC() == 0 {
		row.CreatedAt = time.Now().UTC()
	}
	err := store.db.WithContext(ctx).Create(&row).Error
	if isIdempotencyConflict(err) {
		return credits.TransactionID{}, wrapStoreError(errorSubjectTransaction, errorCodeDuplicate, credits.ErrDuplicateIdempotencyKey)
	}
	if err != nil {
		return credits.TransactionID{}, wrapStoreError(errorSubjectTransaction, errorCodeInsert, err)
	}
	transactionID, err := credits.NewTransactionID(row.ID)
	if err != nil {
		return credits.TransactionID{}, wrapStoreError(errorSubjectTransaction, errorCodeInvalid, err)
	}
	return transactionID, nil
}

func (store *Store) HasIdempotencyKey(ctx context.Context, userID credits.UserID, key credits.IdempotencyKey) (bool, error) {
	var count int64
	err := store.db.WithContext(ctx).
		Model(&CreditTransaction{}).
		Where("user_id = ? AND idempotency_key = ?", userID.String(), key.String()).
		Count(&count).Error
	if err != nil {
		return false, wrapStoreError(errorSubjectTransaction, errorCodeCount, err)
	}
	return count > 0, nil
}

// ListSpendableGrants returns open grants in debit order: soonest expiry
// first, never-expiring grants last, ties broken by creation.
func (store *Store) ListSpendableGrants(ctx context.Context, userID credits.UserID, atUnixUTC int64) ([]credits.Grant, error) {
	var rows []CreditTransaction
	err := store.db.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("user_id = ? AND amount > 0 AND remaining_amount > 0", userID.String()).
		Where("expiration_date_processed_at IS NULL").
		Where("(expiration_date IS NULL OR expiration_date > ?)", time.Unix(atUnixUTC, 0).UTC()).
		Order("CASE WHEN expiration_date IS NULL THEN 1 ELSE 0 END").
		Order("expiration_date ASC").
		Order("created_at ASC").
		Order("id ASC").
		Find(&rows).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectGrant, errorCodeList, err)
	}
	return mapGrants(rows)
}

func (store *Store) ListExpiredGrants(ctx context.Context, userID credits.UserID, atUnixUTC int64) ([]credits.Grant, error) {
	var rows []CreditTransaction
	err := store.db.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("user_id = ? AND amount > 0", userID.String()).
		Scopes(expiredUnprocessed(atUnixUTC)).
		Order("expiration_date ASC").
		Order("created_at ASC").
		Order("id ASC").
		Find(&rows).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectGrant, errorCodeList, err)
	}
	return mapGrants(rows)
}

func (store *Store) UpdateGrantRemaining(ctx context.Context, transactionID credits.TransactionID, remaining credits.Credits) error {
	result := store.db.WithContext(ctx).
		Model(&CreditTransaction{}).
		Where("id = ? AND amount > 0", transactionID.String()).
		Update("remaining_amount", remaining.Int64())
	if result.Error != nil {
		return wrapStoreError(errorSubjectGrant, errorCodeUpdate, result.Error)
	}
	if result.RowsAffected == 0 {
		return wrapStoreError(errorSubjectGrant, errorCodeUpdate, credits.ErrUnknownTransaction)
	}
	return nil
}

// MarkGrantExpired zeroes a grant and stamps it processed. A grant that was
// already stamped is reported with credits.ErrGrantAlreadyExpired.
func (store *Store) MarkGrantExpired(ctx context.Context, transactionID credits.TransactionID, processedAtUnixUTC int64) error {
	result := store.db.WithContext(ctx).
		Model(&CreditTransaction{}).
		Where("id = ? AND expiration_date_processed_at IS NULL", transactionID.String()).
		Updates(map[string]any{
			"remaining_amount":             0,
			"expiration_date_processed_at": time.Unix(processedAtUnixUTC, 0).UTC(),
		})
	if result.Error != nil {
		return wrapStoreError(errorSubjectGrant, errorCodeExpire, result.Error)
	}
	if result.RowsAffected > 0 {
		return nil
	}
	var count int64
	if err := store.db.WithContext(ctx).Model(&CreditTransaction{}).Where("id = ?", transactionID.String()).Count(&count).Error; err != nil {
		return wrapStoreError(errorSubjectGrant, errorCodeExpire, err)
	}
	if count == 0 {
		return wrapStoreError(errorSubjectGrant, errorCodeExpire, credits.ErrUnknownTransaction)
	}
	return wrapStoreError(errorSubjectGrant, errorCodeExpire, credits.ErrGrantAlreadyExpired)
}

func (store *Store) ListTransactions(ctx context.Context, userID credits.UserID, query credits.TransactionQuery) (credits.TransactionPage, error) {
	filter := func(db *gorm.DB) *gorm.DB {
		db = db.Where("user_id = ?", userID.String())
		if search := strings.ToLower(query.Search()); search != "" {
			pattern := "%" + likeEscaper.Replace(search) + "%"
			db = db.Where("(LOWER(type) LIKE ? ESCAPE '!' OR LOWER(description) LIKE ? ESCAPE '!')", pattern, pattern)
		}
		return db
	}

	var total int64
	if err := store.db.WithContext(ctx).Model(&CreditTransaction{}).Scopes(filter).Count(&total).Error; err != nil {
		return credits.TransactionPage{}, wrapStoreError(errorSubjectTransaction, errorCodeCount, err)
	}

	column, ok := sortColumns[query.SortField()]
	if !ok {
		return credits.TransactionPage{}, wrapStoreError(errorSubjectTransaction, errorCodeList, credits.ErrInvalidQuery)
	}
	var rows []CreditTransaction
	err := store.db.WithContext(ctx).
		Scopes(filter).
		Order(clause.OrderByColumn{Column: clause.Column{Name: column}, Desc: query.Descending()}).
		Order(clause.OrderByColumn{Column: clause.Column{Name: "id"}, Desc: query.Descending()}).
		Offset(query.Offset()).
		Limit(query.PageSize()).
		Find(&rows).Error
	if err != nil {
		return credits.TransactionPage{}, wrapStoreError(errorSubjectTransaction, errorCodeList, err)
	}

	items := make([]credits.Transaction, 0, len(rows))
	for _, row := range rows {
		transaction, err := mapTransaction(row)
		if err != nil {
			return credits.TransactionPage{}, wrapStoreError(errorSubjectTransaction, errorCodeInvalid, err)
		}
		items = append(items, transaction)
	}
	return credits.TransactionPage{
		Items:    items,
		Total:    total,
		Page:     query.Page(),
		PageSize: query.PageSize(),
	}, nil
}

func (store *Store) ListUsersWithExpiredGrants(ctx context.Context, atUnixUTC int64, limit int) ([]credits.UserID, error) {
	var userIDs []string
	db := store.db.WithContext(ctx).
		Model(&CreditTransaction{}).
		Distinct("user_id").
		Where("amount > 0").
		Scopes(expiredUnprocessed(atUnixUTC)).
		Order("user_id ASC")
	if limit > 0 {
		db = db.Limit(limit)
	}
	if err := db.Pluck("user_id", &userIDs).Error; err != nil {
		return nil, wrapStoreError(errorSubjectUser, errorCodeList, err)
	}
	return mapUserIDs(userIDs)
}

func (store *Store) ListUserIDs(ctx context.Context, afterUserID string, limit int) ([]credits.UserID, error) {
	var userIDs []string
	db := store.db.WithContext(ctx).
		Model(&UserCredit{}).
		Where("user_id > ?", afterUserID).
		Order("user_id ASC")
	if limit > 0 {
		db = db.Limit(limit)
	}
	if err := db.Pluck("user_id", &userIDs).Error; err != nil {
		return nil, wrapStoreError(errorSubjectUser, errorCodeList, err)
	}
	return mapUserIDs(userIDs)
}

func expiredUnprocessed(atUnixUTC int64) func(db *gorm.DB) *gorm.DB {
	return func(db *gorm.DB) *gorm.DB {
		return db.
			Where("expiration_date_processed_at IS NULL").
			Where("expiration_date IS NOT NULL AND expiration_date <= ?", time.Unix(atUnixUTC, 0).UTC())
	}
}

func wrapStoreError(subject string, code string, err error) error {
	return credits.WrapError(errorOperationStore, subject, code, err)
}

func mapGrants(rows []CreditTransaction) ([]credits.Grant, error) {
	grants := make([]credits.Grant, 0, len(rows))
	for _, row := range rows {
		transactionID, err := credits.NewTransactionID(row.ID)
		if err != nil {
			return nil, wrapStoreError(errorSubjectGrant, errorCodeInvalid, err)
		}
		remaining, err := credits.NewCredits(row.RemainingAmount)
		if err != nil {
			return nil, wrapStoreError(errorSubjectGrant, errorCodeInvalid, err)
		}
		grant, err := credits.NewGrant(transactionID, remaining, unixOrZero(row.ExpirationDate), row.CreatedAt.Unix())
		if err != nil {
			return nil, wrapStoreError(errorSubjectGrant, errorCodeInvalid, err)
		}
		grants = append(grants, grant)
	}
	return grants, nil
}

func mapUserIDs(values []string) ([]credits.UserID, error) {
	userIDs := make([]credits.UserID, 0, len(values))
	for _, value := range values {
		userID, err := credits.NewUserID(value)
		if err != nil {
			return nil, wrapStoreError(errorSubjectUser, errorCodeInvalid, err)
		}
		userIDs = append(userIDs, userID)
	}
	return userIDs, nil
}

func mapTransaction(row CreditTransaction) (credits.Transaction, error) {
	transactionID, err := credits.NewTransactionID(row.ID)
	if err != nil {
		return credits.Transaction{}, err
	}
	userID, err := credits.NewUserID(row.UserID)
	if err != nil {
		return credits.Transaction{}, err
	}
	transactionType, err := credits.ParseTransactionType(row.Type)
	if err != nil {
		return credits.Transaction{}, err
	}
	amount, err := credits.NewSignedCredits(row.Amount)
	if err != nil {
		return credits.Transaction{}, err
	}
	idempotencyKey, err := credits.NewIdempotencyKey(row.IdempotencyKey)
	if err != nil {
		return credits.Transaction{}, err
	}
	remaining, err := credits.NewCredits(row.RemainingAmount)
	if err != nil {
		return credits.Transaction{}, err
	}
	input, err := credits.NewTransactionInput(
		userID,
		transactionType,
		amount,
		idempotencyKey,
		row.Description,
		unixOrZero(row.ExpirationDate),
		derefString(row.PaymentID),
		row.CreatedAt.Unix(),
	)
	if err != nil {
		return credits.Transaction{}, err
	}
	return credits.NewTransaction(transactionID, input, remaining, unixOrZero(row.ExpirationDateProcessedAt))
}

func unixOrZero(value *time.Time) int64 {
	if value == nil {
		return 0
	}
	return value.Unix()
}

func timeOrNil(unixUTC int64) *time.Time {
	if unixUTC == 0 {
		return nil
	}
	value := time.Unix(unixUTC, 0).UTC()
	return &value
}

func stringOrNil(value string) *string {
	if value == "" {
		return nil
	}
	return &value
}

func isIdempotencyConflict(err error) bool {
	return isUniqueViolation(err)
}

// isUniqueViolation matches unique-key failures across drivers. Translated
// errors drop the constraint name, so any unique index counts.
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolationCode
	}
	var sqliteErr *gosqlite.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code()&0xFF == sqliteConstraintCode
	}
	return false
}
