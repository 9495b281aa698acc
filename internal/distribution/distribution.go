// Package distribution runs the monthly credit job: expire lapsed grants,
// then grant each user the allowance of their current plan.
package distribution

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/MarkoPoloResearchLab/credits/internal/billing"
	"github.com/MarkoPoloResearchLab/credits/pkg/credits"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	defaultBatchSize   = 200
	defaultConcurrency = 8
)

// ErrInvalidConfig reports a Distributor built with missing collaborators.
var ErrInvalidConfig = errors.New("invalid distribution config")

// UserLister pages through every known user ordered by id.
type UserLister interface {
	ListUserIDs(ctx context.Context, afterUserID string, limit int) ([]credits.UserID, error)
}

// Expirer expires a single user's lapsed grants.
type Expirer interface {
	ExpireCredits(ctx context.Context, userID credits.UserID) (credits.Credits, error)
}

// Allowances resolves plans and grants their monthly allowance.
type Allowances interface {
	PlanFor(ctx context.Context, userID string) (billing.Plan, bool, error)
	GrantMonthlyAllowance(ctx context.Context, userID string, plan billing.Plan) (bool, error)
}

// Report summarizes one run.
type Report struct {
	ProcessedUsers int
	ErrorCount     int
	GrantedUsers   int
	ExpiredCredits int64
}

// Option tunes a Distributor.
type Option func(*Distributor)

// WithBatchSize sets how many users are fetched per page.
func WithBatchSize(size int) Option {
	return func(distributor *Distributor) {
		if size > 0 {
			distributor.batchSize = size
		}
	}
}

// WithConcurrency bounds how many users are processed at once.
func WithConcurrency(limit int) Option {
	return func(distributor *Distributor) {
		if limit > 0 {
			distributor.concurrency = limit
		}
	}
}

// Distributor walks all users in batches.
type Distributor struct {
	users       UserLister
	expirer     Expirer
	allowances  Allowances
	logger      *zap.Logger
	batchSize   int
	concurrency int
}

func New(users UserLister, expirer Expirer, allowances Allowances, logger *zap.Logger, options ...Option) (*Distributor, error) {
	if users == nil || expirer == nil || allowances == nil {
		return nil, fmt.Errorf("%w: users, expirer and allowances are required", ErrInvalidConfig)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	distributor := &Distributor{
		users:       users,
		expirer:     expirer,
		allowances:  allowances,
		logger:      logger,
		batchSize:   defaultBatchSize,
		concurrency: defaultConcurrency,
	}
	for _, option := range options {
		if option != nil {
			option(distributor)
		}
	}
	return distributor, nil
}

// Run processes every user once. Per-user failures are counted in the report;
// only listing failures and cancellation abort the run.
func (distributor *Distributor) Run(ctx context.Context) (Report, error) {
	var (
		report Report
		mutex  sync.Mutex
	)
	afterUserID := ""
	for {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		batch, err := distributor.users.ListUserIDs(ctx, afterUserID, distributor.batchSize)
		if err != nil {
			return report, fmt.Errorf("list users: %w", err)
		}
		if len(batch) == 0 {
			break
		}

		var group errgroup.Group
		group.SetLimit(distributor.concurrency)
		for _, userID := range batch {
			userID := userID
			group.Go(func() error {
				expired, granted, processErr := distributor.processUser(ctx, userID)
				mutex.Lock()
				defer mutex.Unlock()
				if processErr != nil {
					report.ErrorCount++
					distributor.logger.Warn("distribution failed for user", zap.String("user_id", userID.String()), zap.Error(processErr))
					return nil
				}
				report.ProcessedUsers++
				report.ExpiredCredits += expired.Int64()
				if granted {
					report.GrantedUsers++
				}
				return nil
			})
		}
		_ = group.Wait()

		afterUserID = batch[len(batch)-1].String()
		if len(batch) < distributor.batchSize {
			break
		}
	}
	distributor.logger.Info("distribution finished",
		zap.Int("processed_users", report.ProcessedUsers),
		zap.Int("error_count", report.ErrorCount),
		zap.Int("granted_users", report.GrantedUsers),
		zap.Int64("expired_credits", report.ExpiredCredits),
	)
	return report, nil
}

func (distributor *Distributor) processUser(ctx context.Context, userID credits.UserID) (credits.Credits, bool, error) {
	if err := ctx.Err(); err != nil {
		return 0, false, err
	}
	expired, err := distributor.expirer.ExpireCredits(ctx, userID)
	if err != nil {
		return 0, false, fmt.Errorf("expire: %w", err)
	}
	plan, ok, err := distributor.allowances.PlanFor(ctx, userID.String())
	if err != nil {
		return expired, false, fmt.Errorf("resolve plan: %w", err)
	}
	if !ok {
		return expired, false, nil
	}
	granted, err := distributor.allowances.GrantMonthlyAllowance(ctx, userID.String(), plan)
	if err != nil {
		return expired, false, fmt.Errorf("grant allowance: %w", err)
	}
	return expired, granted, nil
}
