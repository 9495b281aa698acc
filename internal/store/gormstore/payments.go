package gormstore

import (
	"context"
	"errors"
	"time"

	"github.com/MarkoPoloResearchLab/credits/internal/billing"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const (
	defaultMetadataJSON = "{}"
	errorSubjectPayment = "payment"
	errorCodeUpsert     = "upsert"
	errorCodeGet        = "get"
)

// UpsertPayment stores the payment mirror, matching an existing row on its
// subscription id when present and on the checkout session otherwise.
func (store *Store) UpsertPayment(ctx context.Context, payment billing.Payment) (billing.Payment, error) {
	if err := payment.Validate(); err != nil {
		return billing.Payment{}, wrapStoreError(errorSubjectPayment, errorCodeInvalid, err)
	}
	var saved Payment
	err := store.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		lookup := transaction.Where("session_id = ?", payment.SessionID)
		if payment.SubscriptionID != "" {
			lookup = transaction.Where("subscription_id = ?", payment.SubscriptionID)
		}
		err := lookup.Take(&saved).Error
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			saved = Payment{}
			applyPayment(&saved, payment)
			return transaction.Create(&saved).Error
		case err != nil:
			return err
		}
		applyPayment(&saved, payment)
		return transaction.Save(&saved).Error
	})
	if isUniqueViolation(err) {
		return billing.Payment{}, wrapStoreError(errorSubjectPayment, errorCodeDuplicate, err)
	}
	if err != nil {
		return billing.Payment{}, wrapStoreError(errorSubjectPayment, errorCodeUpsert, err)
	}
	return mapPayment(saved), nil
}

func (store *Store) FindPaymentBySubscriptionID(ctx context.Context, subscriptionID string) (billing.Payment, error) {
	var row Payment
	err := store.db.WithContext(ctx).Where("subscription_id = ?", subscriptionID).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return billing.Payment{}, wrapStoreError(errorSubjectPayment, errorCodeGet, billing.ErrPaymentNotFound)
	}
	if err != nil {
		return billing.Payment{}, wrapStoreError(errorSubjectPayment, errorCodeGet, err)
	}
	return mapPayment(row), nil
}

func (store *Store) ListPaymentsByUser(ctx context.Context, userID string) ([]billing.Payment, error) {
	var rows []Payment
	err := store.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at ASC").
		Find(&rows).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectPayment, errorCodeList, err)
	}
	payments := make([]billing.Payment, 0, len(rows))
	for _, row := range rows {
		payments = append(payments, mapPayment(row))
	}
	return payments, nil
}

// applyPayment copies provider state onto the row. Identifiers already on the
// row are kept when the incoming event omits them.
func applyPayment(row *Payment, payment billing.Payment) {
	row.UserID = payment.UserID
	row.PriceID = payment.PriceID
	row.Type = string(payment.Type)
	row.Status = string(payment.Status)
	row.CancelAtPeriodEnd = payment.CancelAtPeriodEnd
	if payment.CustomerID != "" {
		row.CustomerID = payment.CustomerID
	}
	if payment.SubscriptionID != "" {
		row.SubscriptionID = stringOrNil(payment.SubscriptionID)
	}
	if payment.SessionID != "" {
		row.SessionID = stringOrNil(payment.SessionID)
	}
	if payment.InvoiceID != "" {
		row.InvoiceID = stringOrNil(payment.InvoiceID)
	}
	if payment.PeriodStartUnixUTC != 0 {
		row.PeriodStart = timeOrNil(payment.PeriodStartUnixUTC)
	}
	if payment.PeriodEndUnixUTC != 0 {
		row.PeriodEnd = timeOrNil(payment.PeriodEndUnixUTC)
	}
	switch {
	case payment.MetadataJSON != "":
		row.Metadata = datatypes.JSON(payment.MetadataJSON)
	case len(row.Metadata) == 0:
		row.Metadata = datatypes.JSON(defaultMetadataJSON)
	}
	if row.CreatedAt.IsZero() {
		row.CreatedAt = time.Now().UTC()
	}
}

func mapPayment(row Payment) billing.Payment {
	return billing.Payment{
		ID:                 row.ID,
		UserID:             row.UserID,
		CustomerID:         row.CustomerID,
		PriceID:            row.PriceID,
		Type:               billing.PaymentType(row.Type),
		Status:             billing.PaymentStatus(row.Status),
		SubscriptionID:     derefString(row.SubscriptionID),
		SessionID:          derefString(row.SessionID),
		InvoiceID:          derefString(row.InvoiceID),
		PeriodStartUnixUTC: unixOrZero(row.PeriodStart),
		PeriodEndUnixUTC:   unixOrZero(row.PeriodEnd),
		CancelAtPeriodEnd:  row.CancelAtPeriodEnd,
		MetadataJSON:       string(row.Metadata),
	}
}

func derefString(value *string) string {
	if value == nil {
		return ""
	}
	return *value
}
