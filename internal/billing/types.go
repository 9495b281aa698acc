package billing

import (
	"context"
	"fmt"
	"strings"
)

// PaymentType distinguishes one-off charges from recurring subscriptions.
type PaymentType string

const (
	PaymentTypeOneTime      PaymentType = "one_time"
	PaymentTypeSubscription PaymentType = "subscription"
)

// PaymentStatus mirrors the provider's payment or subscription status.
type PaymentStatus string

const (
	PaymentStatusCompleted  PaymentStatus = "completed"
	PaymentStatusActive     PaymentStatus = "active"
	PaymentStatusTrialing   PaymentStatus = "trialing"
	PaymentStatusPastDue    PaymentStatus = "past_due"
	PaymentStatusIncomplete PaymentStatus = "incomplete"
	PaymentStatusUnpaid     PaymentStatus = "unpaid"
	PaymentStatusPaused     PaymentStatus = "paused"
	PaymentStatusCanceled   PaymentStatus = "canceled"
)

// ParsePaymentStatus maps a provider status string onto a known status.
func ParsePaymentStatus(raw string) (PaymentStatus, error) {
	normalized := PaymentStatus(strings.ToLower(strings.TrimSpace(raw)))
	switch normalized {
	case PaymentStatusCompleted, PaymentStatusActive, PaymentStatusTrialing, PaymentStatusPastDue,
		PaymentStatusIncomplete, PaymentStatusUnpaid, PaymentStatusPaused, PaymentStatusCanceled:
		return normalized, nil
	case "incomplete_expired":
		return PaymentStatusCanceled, nil
	default:
		return "", fmt.Errorf("%w: unknown status %q", ErrInvalidPayment, raw)
	}
}

// Payment is the local mirror of a provider payment or subscription.
type Payment struct {
	ID                 string
	UserID             string
	CustomerID         string
	PriceID            string
	Type               PaymentType
	Status             PaymentStatus
	SubscriptionID     string
	SessionID          string
	InvoiceID          string
	PeriodStartUnixUTC int64
	PeriodEndUnixUTC   int64
	CancelAtPeriodEnd  bool
	MetadataJSON       string
}

// Validate checks the fields every stored payment needs.
func (payment Payment) Validate() error {
	if strings.TrimSpace(payment.UserID) == "" {
		return fmt.Errorf("%w: missing user id", ErrInvalidPayment)
	}
	if strings.TrimSpace(payment.PriceID) == "" {
		return fmt.Errorf("%w: missing price id", ErrInvalidPayment)
	}
	switch payment.Type {
	case PaymentTypeOneTime:
		if payment.SessionID == "" {
			return fmt.Errorf("%w: one-time payment without session", ErrInvalidPayment)
		}
	case PaymentTypeSubscription:
		if payment.SubscriptionID == "" {
			return fmt.Errorf("%w: subscription payment without subscription id", ErrInvalidPayment)
		}
	default:
		return fmt.Errorf("%w: unknown type %q", ErrInvalidPayment, payment.Type)
	}
	if _, err := ParsePaymentStatus(string(payment.Status)); err != nil {
		return err
	}
	return nil
}

// IsLive reports whether a subscription grants access at the given instant.
func (payment Payment) IsLive(atUnixUTC int64) bool {
	if payment.Type != PaymentTypeSubscription {
		return false
	}
	if payment.Status != PaymentStatusActive && payment.Status != PaymentStatusTrialing {
		return false
	}
	return payment.PeriodEndUnixUTC == 0 || payment.PeriodEndUnixUTC > atUnixUTC
}

// Store persists payment mirrors.
type Store interface {
	// UpsertPayment inserts or updates a payment, matching on subscription id
	// when present and on checkout session id otherwise.
	UpsertPayment(ctx context.Context, payment Payment) (Payment, error)
	FindPaymentBySubscriptionID(ctx context.Context, subscriptionID string) (Payment, error)
	ListPaymentsByUser(ctx context.Context, userID string) ([]Payment, error)
}

// Receipt describes a completed credit purchase for the buyer.
type Receipt struct {
	Email       string
	Name        string
	PackageID   string
	Credits     int64
	AmountTotal int64
	Currency    string
}

// ReceiptNotifier delivers purchase receipts.
type ReceiptNotifier interface {
	SendPurchaseReceipt(ctx context.Context, receipt Receipt) error
}
