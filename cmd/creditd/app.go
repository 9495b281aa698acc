package main

import (
	"context"
	"fmt"
	"time"

	"github.com/MarkoPoloResearchLab/credits/internal/aichat"
	"github.com/MarkoPoloResearchLab/credits/internal/billing"
	"github.com/MarkoPoloResearchLab/credits/internal/config"
	"github.com/MarkoPoloResearchLab/credits/internal/database"
	"github.com/MarkoPoloResearchLab/credits/internal/distribution"
	"github.com/MarkoPoloResearchLab/credits/internal/notify"
	"github.com/MarkoPoloResearchLab/credits/internal/oplog"
	"github.com/MarkoPoloResearchLab/credits/internal/store/gormstore"
	"github.com/MarkoPoloResearchLab/credits/pkg/credits"
	"go.uber.org/zap"
)

// application is the wired object graph shared by every command.
type application struct {
	cfg         config.Config
	logger      *zap.Logger
	store       *gormstore.Store
	ledger      *credits.Service
	billing     *billing.Service
	distributor *distribution.Distributor
	chat        *aichat.Service
	closeDB     func() error
}

func newApplication(ctx context.Context, cfg config.Config, logger *zap.Logger) (*application, error) {
	gormDB, cleanup, driver, err := database.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("database open: %w", err)
	}
	if err := database.Migrate(gormDB, driver, cfg.DatabaseURL); err != nil {
		_ = cleanup()
		return nil, err
	}

	store := gormstore.New(gormDB)
	clock := func() int64 { return time.Now().UTC().Unix() }
	ledger, err := credits.NewService(store, clock, credits.WithOperationLogger(oplog.New(logger)))
	if err != nil {
		_ = cleanup()
		return nil, fmt.Errorf("credits service init: %w", err)
	}

	var billingOptions []billing.Option
	if cfg.ReceiptsEnabled() {
		sender, err := notify.NewSender(notify.Config{
			Host:     cfg.SMTPHost,
			Port:     cfg.SMTPPort,
			Username: cfg.SMTPUsername,
			Password: cfg.SMTPPassword,
			From:     cfg.SMTPFrom,
		}, logger)
		if err != nil {
			_ = cleanup()
			return nil, err
		}
		billingOptions = append(billingOptions, billing.WithReceiptNotifier(sender))
	}
	billingService, err := billing.NewService(store, ledger, cfg.Catalog, logger, billingOptions...)
	if err != nil {
		_ = cleanup()
		return nil, fmt.Errorf("billing service init: %w", err)
	}

	distributor, err := distribution.New(store, ledger, billingService, logger,
		distribution.WithBatchSize(cfg.SweepBatchSize),
		distribution.WithConcurrency(cfg.SweepConcurrency),
	)
	if err != nil {
		_ = cleanup()
		return nil, err
	}

	var chat *aichat.Service
	if cfg.ChatEnabled() {
		completer, err := aichat.NewOpenAICompleter(aichat.CompleterConfig{
			APIKey:  cfg.ChatAPIKey,
			BaseURL: cfg.ChatBaseURL,
			Model:   cfg.ChatModel,
		})
		if err != nil {
			_ = cleanup()
			return nil, err
		}
		chat, err = aichat.NewService(completer, ledger, cfg.ChatCreditsPerMessage, logger)
		if err != nil {
			_ = cleanup()
			return nil, err
		}
	}

	return &application{
		cfg:         cfg,
		logger:      logger,
		store:       store,
		ledger:      ledger,
		billing:     billingService,
		distributor: distributor,
		chat:        chat,
		closeDB:     cleanup,
	}, nil
}

func (app *application) Close() {
	if err := app.closeDB(); err != nil {
		app.logger.Warn("database close failed", zap.Error(err))
	}
}

// reconcileAll recomputes every cached balance and returns how many drifted.
func (app *application) reconcileAll(ctx context.Context) (int, error) {
	const pageSize = 500
	drifted := 0
	afterUserID := ""
	for {
		users, err := app.store.ListUserIDs(ctx, afterUserID, pageSize)
		if err != nil {
			return drifted, err
		}
		for _, userID := range users {
			result, err := app.ledger.Reconcile(ctx, userID)
			if err != nil {
				return drifted, fmt.Errorf("reconcile %s: %w", userID.String(), err)
			}
			if result.Before != result.After {
				drifted++
				app.logger.Warn("balance cache corrected",
					zap.String("user_id", userID.String()),
					zap.Int64("before", result.Before.Int64()),
					zap.Int64("after", result.After.Int64()),
				)
			}
		}
		if len(users) < pageSize {
			return drifted, nil
		}
		afterUserID = users[len(users)-1].String()
	}
}
