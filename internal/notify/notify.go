// Package notify sends purchase receipts over SMTP.
package notify

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/smtp"
	"strings"

	"github.com/MarkoPoloResearchLab/credits/internal/billing"
	"github.com/jordan-wright/email"
	"go.uber.org/zap"
)

var ErrInvalidConfig = errors.New("invalid smtp config")

// Config holds SMTP settings.
type Config struct {
	Host     string
	Port     string
	Username string
	Password string
	From     string
	AppName  string
}

func (cfg Config) Validate() error {
	if strings.TrimSpace(cfg.Host) == "" || strings.TrimSpace(cfg.Port) == "" {
		return fmt.Errorf("%w: host and port are required", ErrInvalidConfig)
	}
	if strings.TrimSpace(cfg.From) == "" {
		return fmt.Errorf("%w: sender address is required", ErrInvalidConfig)
	}
	return nil
}

type deliverFunc func(message *email.Email, addr string, auth smtp.Auth) error

// Sender implements billing.ReceiptNotifier.
type Sender struct {
	cfg     Config
	logger  *zap.Logger
	deliver deliverFunc
}

func NewSender(cfg Config, logger *zap.Logger) (*Sender, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.AppName == "" {
		cfg.AppName = "Credits"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Sender{cfg: cfg, logger: logger, deliver: (*email.Email).Send}, nil
}

func (sender *Sender) SendPurchaseReceipt(ctx context.Context, receipt billing.Receipt) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	message := email.NewEmail()
	message.From = sender.cfg.From
	message.To = []string{receipt.Email}
	message.Subject = fmt.Sprintf("%s: %d credits added", sender.cfg.AppName, receipt.Credits)
	message.Text = []byte(receiptBody(sender.cfg.AppName, receipt))

	var auth smtp.Auth
	if sender.cfg.Username != "" {
		auth = smtp.PlainAuth("", sender.cfg.Username, sender.cfg.Password, sender.cfg.Host)
	}
	addr := net.JoinHostPort(sender.cfg.Host, sender.cfg.Port)
	if err := sender.deliver(message, addr, auth); err != nil {
		return fmt.Errorf("send receipt: %w", err)
	}
	sender.logger.Info("receipt sent", zap.String("to", receipt.Email), zap.String("package_id", receipt.PackageID))
	return nil
}

func receiptBody(appName string, receipt billing.Receipt) string {
	var builder strings.Builder
	greeting := "Hello"
	if receipt.Name != "" {
		greeting += " " + receipt.Name
	}
	fmt.Fprintf(&builder, "%s,\n\n", greeting)
	fmt.Fprintf(&builder, "Thank you for your purchase. %d credits from the %q package were added to your account.\n", receipt.Credits, receipt.PackageID)
	if receipt.AmountTotal > 0 {
		fmt.Fprintf(&builder, "Amount charged: %d.%02d %s\n", receipt.AmountTotal/100, receipt.AmountTotal%100, receipt.Currency)
	}
	fmt.Fprintf(&builder, "\n%s\n", appName)
	return builder.String()
}
