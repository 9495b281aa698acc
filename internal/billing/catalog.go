package billing

import (
	"fmt"
	"strings"
)

const (
	IntervalMonth = "month"
	IntervalYear  = "year"
)

// CreditPackage is a purchasable bundle of credits.
type CreditPackage struct {
	ID         string `mapstructure:"id"`
	PriceID    string `mapstructure:"price_id"`
	Credits    int64  `mapstructure:"credits"`
	ExpireDays int    `mapstructure:"expire_days"`
}

// Plan describes a pricing plan and the monthly credit allowance it carries.
type Plan struct {
	ID             string   `mapstructure:"id"`
	PriceIDs       []string `mapstructure:"price_ids"`
	Interval       string   `mapstructure:"interval"`
	MonthlyCredits int64    `mapstructure:"monthly_credits"`
	ExpireDays     int      `mapstructure:"expire_days"`
	Lifetime       bool     `mapstructure:"lifetime"`
	Free           bool     `mapstructure:"free"`
}

// Allowance is a fixed grant such as the registration gift.
type Allowance struct {
	Credits    int64 `mapstructure:"credits"`
	ExpireDays int   `mapstructure:"expire_days"`
}

// Catalog holds the configured packages and plans.
type Catalog struct {
	Packages     []CreditPackage `mapstructure:"packages"`
	Plans        []Plan          `mapstructure:"plans"`
	RegisterGift Allowance       `mapstructure:"register_gift"`
}

// Validate rejects catalogs with ambiguous or nonsensical entries.
func (catalog Catalog) Validate() error {
	packageIDs := make(map[string]struct{}, len(catalog.Packages))
	for _, creditPackage := range catalog.Packages {
		if strings.TrimSpace(creditPackage.ID) == "" {
			return fmt.Errorf("%w: package without id", ErrInvalidCatalog)
		}
		if _, duplicate := packageIDs[creditPackage.ID]; duplicate {
			return fmt.Errorf("%w: duplicate package %q", ErrInvalidCatalog, creditPackage.ID)
		}
		packageIDs[creditPackage.ID] = struct{}{}
		if creditPackage.Credits <= 0 {
			return fmt.Errorf("%w: package %q must grant credits", ErrInvalidCatalog, creditPackage.ID)
		}
		if creditPackage.ExpireDays < 0 {
			return fmt.Errorf("%w: package %q has negative expiry", ErrInvalidCatalog, creditPackage.ID)
		}
	}
	priceIDs := make(map[string]string)
	freePlans := 0
	for _, plan := range catalog.Plans {
		if strings.TrimSpace(plan.ID) == "" {
			return fmt.Errorf("%w: plan without id", ErrInvalidCatalog)
		}
		if plan.MonthlyCredits < 0 || plan.ExpireDays < 0 {
			return fmt.Errorf("%w: plan %q has negative allowance", ErrInvalidCatalog, plan.ID)
		}
		if plan.Free {
			freePlans++
			if len(plan.PriceIDs) > 0 {
				return fmt.Errorf("%w: free plan %q cannot carry prices", ErrInvalidCatalog, plan.ID)
			}
			continue
		}
		if !plan.Lifetime && plan.Interval != IntervalMonth && plan.Interval != IntervalYear {
			return fmt.Errorf("%w: plan %q needs interval month or year", ErrInvalidCatalog, plan.ID)
		}
		for _, priceID := range plan.PriceIDs {
			if owner, taken := priceIDs[priceID]; taken {
				return fmt.Errorf("%w: price %q used by %q and %q", ErrInvalidCatalog, priceID, owner, plan.ID)
			}
			priceIDs[priceID] = plan.ID
		}
	}
	if freePlans > 1 {
		return fmt.Errorf("%w: more than one free plan", ErrInvalidCatalog)
	}
	if catalog.RegisterGift.Credits < 0 || catalog.RegisterGift.ExpireDays < 0 {
		return fmt.Errorf("%w: negative register gift", ErrInvalidCatalog)
	}
	return nil
}

// PackageByID looks up a credit package.
func (catalog Catalog) PackageByID(packageID string) (CreditPackage, bool) {
	for _, creditPackage := range catalog.Packages {
		if creditPackage.ID == packageID {
			return creditPackage, true
		}
	}
	return CreditPackage{}, false
}

// PlanByPriceID finds the paid plan selling priceID.
func (catalog Catalog) PlanByPriceID(priceID string) (Plan, bool) {
	for _, plan := range catalog.Plans {
		for _, candidate := range plan.PriceIDs {
			if candidate == priceID {
				return plan, true
			}
		}
	}
	return Plan{}, false
}

// FreePlan returns the plan applied to users without a live payment.
func (catalog Catalog) FreePlan() (Plan, bool) {
	for _, plan := range catalog.Plans {
		if plan.Free {
			return plan, true
		}
	}
	return Plan{}, false
}
