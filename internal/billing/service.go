package billing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/MarkoPoloResearchLab/credits/pkg/credits"
	"github.com/stripe/stripe-go/v82"
	"go.uber.org/zap"
)

const (
	metadataUserID      = "user_id"
	metadataType        = "type"
	metadataPackageID   = "package_id"
	metadataPriceID     = "price_id"
	purchaseTypeCredits = "credit_purchase"
	checkoutModePayment = "payment"
	checkoutModeSub     = "subscription"
	paymentStatusPaid   = "paid"
	paymentStatusNoCost = "no_payment_required"
	secondsPerDay       = int64(86_400)
)

// Service turns provider events into payment mirrors and credit grants.
type Service struct {
	store    Store
	ledger   *credits.Service
	catalog  Catalog
	notifier ReceiptNotifier
	logger   *zap.Logger
}

// Option configures optional Service collaborators.
type Option func(*Service)

// WithReceiptNotifier sends a receipt after each credit package purchase.
func WithReceiptNotifier(notifier ReceiptNotifier) Option {
	return func(service *Service) {
		service.notifier = notifier
	}
}

// NewService wires a billing Service.
func NewService(store Store, ledger *credits.Service, catalog Catalog, logger *zap.Logger, options ...Option) (*Service, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: store is nil", ErrInvalidDependency)
	}
	if ledger == nil {
		return nil, fmt.Errorf("%w: credits service is nil", ErrInvalidDependency)
	}
	if err := catalog.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	service := &Service{store: store, ledger: ledger, catalog: catalog, logger: logger}
	for _, option := range options {
		if option != nil {
			option(service)
		}
	}
	return service, nil
}

// Catalog returns the configured packages and plans.
func (service *Service) Catalog() Catalog {
	return service.catalog
}

// HandleEvent applies a verified provider event. Unhandled event types are
// acknowledged without effect.
func (service *Service) HandleEvent(ctx context.Context, event stripe.Event) error {
	if event.Data == nil || len(event.Data.Raw) == 0 {
		return fmt.Errorf("%w: event %s has no data", ErrInvalidPayload, event.ID)
	}
	logger := service.logger.With(zap.String("event_id", event.ID), zap.String("event_type", string(event.Type)))
	switch event.Type {
	case stripe.EventTypeCheckoutSessionCompleted, stripe.EventTypeCheckoutSessionAsyncPaymentSucceeded:
		var session checkoutSessionPayload
		if err := decodePayload(event, &session); err != nil {
			return err
		}
		return service.handleCheckoutCompleted(ctx, logger, session)
	case stripe.EventTypeInvoicePaid:
		var invoice invoicePayload
		if err := decodePayload(event, &invoice); err != nil {
			return err
		}
		return service.handleInvoicePaid(ctx, logger, invoice)
	case stripe.EventTypeCustomerSubscriptionCreated, stripe.EventTypeCustomerSubscriptionUpdated, stripe.EventTypeCustomerSubscriptionDeleted:
		var subscription subscriptionPayload
		if err := decodePayload(event, &subscription); err != nil {
			return err
		}
		return service.handleSubscriptionChange(ctx, logger, subscription, event.Type == stripe.EventTypeCustomerSubscriptionDeleted)
	default:
		logger.Debug("ignoring billing event")
		return nil
	}
}

func (service *Service) handleCheckoutCompleted(ctx context.Context, logger *zap.Logger, session checkoutSessionPayload) error {
	userID := firstNonEmpty(session.Metadata[metadataUserID], session.ClientReferenceID)
	if userID == "" {
		return fmt.Errorf("%w: checkout session %s", ErrMissingUser, session.ID)
	}
	if session.Mode == checkoutModePayment && session.PaymentStatus != paymentStatusPaid && session.PaymentStatus != paymentStatusNoCost {
		logger.Info("checkout not paid yet", zap.String("session_id", session.ID), zap.String("payment_status", session.PaymentStatus))
		return nil
	}
	switch {
	case session.Metadata[metadataType] == purchaseTypeCredits:
		return service.fulfillCreditPurchase(ctx, logger, userID, session)
	case session.Mode == checkoutModeSub:
		return service.recordSubscriptionCheckout(ctx, userID, session)
	default:
		return service.fulfillLifetimePurchase(ctx, logger, userID, session)
	}
}

func (service *Service) fulfillCreditPurchase(ctx context.Context, logger *zap.Logger, userID string, session checkoutSessionPayload) error {
	packageID := session.Metadata[metadataPackageID]
	creditPackage, ok := service.catalog.PackageByID(packageID)
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownPackage, packageID)
	}
	payment, err := service.store.UpsertPayment(ctx, Payment{
		UserID:       userID,
		CustomerID:   string(session.Customer),
		PriceID:      firstNonEmpty(creditPackage.PriceID, session.Metadata[metadataPriceID], creditPackage.ID),
		Type:         PaymentTypeOneTime,
		Status:       PaymentStatusCompleted,
		SessionID:    session.ID,
		InvoiceID:    string(session.Invoice),
		MetadataJSON: encodeMetadata(session.Metadata),
	})
	if err != nil {
		return err
	}
	granted, err := service.grant(ctx, grantSpec{
		userID:          userID,
		transactionType: credits.TransactionPurchasePackage,
		amount:          creditPackage.Credits,
		idempotencyKey:  credits.TransactionPurchasePackage.String() + ":" + session.ID,
		description:     "purchased credit package " + creditPackage.ID,
		expireDays:      creditPackage.ExpireDays,
		paymentID:       payment.ID,
	})
	if err != nil || !granted {
		return err
	}
	if service.notifier == nil || session.CustomerDetails == nil || session.CustomerDetails.Email == "" {
		return nil
	}
	receipt := Receipt{
		Email:       session.CustomerDetails.Email,
		Name:        session.CustomerDetails.Name,
		PackageID:   creditPackage.ID,
		Credits:     creditPackage.Credits,
		AmountTotal: session.AmountTotal,
		Currency:    strings.ToUpper(session.Currency),
	}
	if notifyErr := service.notifier.SendPurchaseReceipt(ctx, receipt); notifyErr != nil {
		logger.Warn("purchase receipt not sent", zap.String("user_id", userID), zap.Error(notifyErr))
	}
	return nil
}

func (service *Service) fulfillLifetimePurchase(ctx context.Context, logger *zap.Logger, userID string, session checkoutSessionPayload) error {
	priceID := session.Metadata[metadataPriceID]
	plan, ok := service.catalog.PlanByPriceID(priceID)
	if !ok || !plan.Lifetime {
		return fmt.Errorf("%w: price %q is not a lifetime plan", ErrUnknownPlan, priceID)
	}
	if _, err := service.store.UpsertPayment(ctx, Payment{
		UserID:       userID,
		CustomerID:   string(session.Customer),
		PriceID:      priceID,
		Type:         PaymentTypeOneTime,
		Status:       PaymentStatusCompleted,
		SessionID:    session.ID,
		InvoiceID:    string(session.Invoice),
		MetadataJSON: encodeMetadata(session.Metadata),
	}); err != nil {
		return err
	}
	granted, err := service.GrantMonthlyAllowance(ctx, userID, plan)
	if err != nil {
		return err
	}
	logger.Info("lifetime plan purchased", zap.String("user_id", userID), zap.String("plan_id", plan.ID), zap.Bool("allowance_granted", granted))
	return nil
}

func (service *Service) recordSubscriptionCheckout(ctx context.Context, userID string, session checkoutSessionPayload) error {
	subscriptionID := string(session.Subscription)
	if subscriptionID == "" {
		return fmt.Errorf("%w: subscription checkout %s without subscription", ErrInvalidPayload, session.ID)
	}
	payment := Payment{
		UserID:         userID,
		CustomerID:     string(session.Customer),
		PriceID:        session.Metadata[metadataPriceID],
		Type:           PaymentTypeSubscription,
		Status:         PaymentStatusActive,
		SubscriptionID: subscriptionID,
		SessionID:      session.ID,
		MetadataJSON:   encodeMetadata(session.Metadata),
	}
	existing, err := service.store.FindPaymentBySubscriptionID(ctx, subscriptionID)
	switch {
	case err == nil:
		payment.Status = existing.Status
		payment.PriceID = firstNonEmpty(payment.PriceID, existing.PriceID)
		payment.CancelAtPeriodEnd = existing.CancelAtPeriodEnd
	case !errors.Is(err, ErrPaymentNotFound):
		return err
	}
	_, err = service.store.UpsertPayment(ctx, payment)
	return err
}

func (service *Service) handleInvoicePaid(ctx context.Context, logger *zap.Logger, invoice invoicePayload) error {
	subscriptionID := invoice.subscriptionID()
	if subscriptionID == "" {
		logger.Debug("ignoring invoice without subscription", zap.String("invoice_id", invoice.ID))
		return nil
	}
	priceID, period := invoice.priceAndPeriod()
	payment, err := service.store.FindPaymentBySubscriptionID(ctx, subscriptionID)
	if errors.Is(err, ErrPaymentNotFound) {
		userID := invoice.metadata()[metadataUserID]
		if userID == "" {
			return err
		}
		payment = Payment{UserID: userID, Type: PaymentTypeSubscription, SubscriptionID: subscriptionID}
	} else if err != nil {
		return err
	}
	payment.CustomerID = firstNonEmpty(string(invoice.Customer), payment.CustomerID)
	payment.PriceID = firstNonEmpty(priceID, payment.PriceID)
	payment.Status = PaymentStatusActive
	payment.InvoiceID = invoice.ID
	if period.End != 0 {
		payment.PeriodStartUnixUTC = period.Start
		payment.PeriodEndUnixUTC = period.End
	}
	payment, err = service.store.UpsertPayment(ctx, payment)
	if err != nil {
		return err
	}

	plan, ok := service.catalog.PlanByPriceID(payment.PriceID)
	if !ok {
		return fmt.Errorf("%w: price %q", ErrUnknownPlan, payment.PriceID)
	}
	if plan.Interval == IntervalYear {
		_, err = service.GrantMonthlyAllowance(ctx, payment.UserID, plan)
		return err
	}
	if plan.MonthlyCredits <= 0 {
		return nil
	}
	_, err = service.grant(ctx, grantSpec{
		userID:          payment.UserID,
		transactionType: credits.TransactionSubscriptionRenewal,
		amount:          plan.MonthlyCredits,
		idempotencyKey:  credits.TransactionSubscriptionRenewal.String() + ":" + invoice.ID,
		description:     plan.ID + " subscription renewal",
		expireDays:      plan.ExpireDays,
		paymentID:       payment.ID,
	})
	return err
}

func (service *Service) handleSubscriptionChange(ctx context.Context, logger *zap.Logger, subscription subscriptionPayload, deleted bool) error {
	payment, err := service.store.FindPaymentBySubscriptionID(ctx, subscription.ID)
	if errors.Is(err, ErrPaymentNotFound) {
		userID := subscription.Metadata[metadataUserID]
		if userID == "" {
			logger.Info("subscription not linked to a user yet", zap.String("subscription_id", subscription.ID))
			return nil
		}
		payment = Payment{UserID: userID, Type: PaymentTypeSubscription, SubscriptionID: subscription.ID}
	} else if err != nil {
		return err
	}
	status := PaymentStatusCanceled
	if !deleted {
		status, err = ParsePaymentStatus(subscription.Status)
		if err != nil {
			return err
		}
	}
	periodStart, periodEnd := subscription.period()
	payment.Status = status
	payment.CancelAtPeriodEnd = subscription.CancelAtPeriodEnd
	payment.CustomerID = firstNonEmpty(string(subscription.Customer), payment.CustomerID)
	payment.PriceID = firstNonEmpty(subscription.priceID(), payment.PriceID)
	if periodEnd != 0 {
		payment.PeriodStartUnixUTC = periodStart
		payment.PeriodEndUnixUTC = periodEnd
	}
	_, err = service.store.UpsertPayment(ctx, payment)
	return err
}

type grantSpec struct {
	userID          string
	transactionType credits.TransactionType
	amount          int64
	idempotencyKey  string
	description     string
	expireDays      int
	paymentID       string
}

// grant reports false without error when the idempotency key was already used.
func (service *Service) grant(ctx context.Context, spec grantSpec) (bool, error) {
	userID, err := credits.NewUserID(spec.userID)
	if err != nil {
		return false, err
	}
	amount, err := credits.NewPositiveCredits(spec.amount)
	if err != nil {
		return false, err
	}
	idempotencyKey, err := credits.NewIdempotencyKey(spec.idempotencyKey)
	if err != nil {
		return false, err
	}
	var expiresAtUnixUTC int64
	if spec.expireDays > 0 {
		expiresAtUnixUTC = service.ledger.Now() + int64(spec.expireDays)*secondsPerDay
	}
	err = service.ledger.Grant(ctx, credits.GrantRequest{
		UserID:           userID,
		Type:             spec.transactionType,
		Amount:           amount,
		IdempotencyKey:   idempotencyKey,
		Description:      spec.description,
		ExpiresAtUnixUTC: expiresAtUnixUTC,
		PaymentID:        spec.paymentID,
	})
	if errors.Is(err, credits.ErrDuplicateIdempotencyKey) {
		service.logger.Debug("grant already applied", zap.String("user_id", spec.userID), zap.String("idempotency_key", spec.idempotencyKey))
		return false, nil
	}
	if err != nil {
		return false, err
	}
	service.logger.Info("credits granted",
		zap.String("user_id", spec.userID),
		zap.String("type", spec.transactionType.String()),
		zap.Int64("amount", spec.amount),
		zap.String("idempotency_key", spec.idempotencyKey),
	)
	return true, nil
}

func decodePayload(event stripe.Event, target any) error {
	if err := json.Unmarshal(event.Data.Raw, target); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrInvalidPayload, event.Type, err)
	}
	return nil
}

func encodeMetadata(metadata map[string]string) string {
	if len(metadata) == 0 {
		return ""
	}
	raw, err := json.Marshal(metadata)
	if err != nil {
		return ""
	}
	return string(raw)
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if trimmed := strings.TrimSpace(value); trimmed != "" {
			return trimmed
		}
	}
	return ""
}
