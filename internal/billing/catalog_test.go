package billing

import (
	"errors"
	"testing"
)

func TestCatalogValidate(test *testing.T) {
	valid := Catalog{
		Packages: []CreditPackage{{ID: "basic", PriceID: "price_basic", Credits: 100}},
		Plans: []Plan{
			{ID: "free", Free: true, MonthlyCredits: 10},
			{ID: "pro", PriceIDs: []string{"price_pro"}, Interval: IntervalMonth, MonthlyCredits: 100},
			{ID: "lifetime", PriceIDs: []string{"price_life"}, Lifetime: true, MonthlyCredits: 500},
		},
	}
	testCases := []struct {
		name    string
		mutate  func(catalog *Catalog)
		wantErr bool
	}{
		{name: "valid", mutate: func(catalog *Catalog) {}},
		{name: "empty", mutate: func(catalog *Catalog) { *catalog = Catalog{} }},
		{name: "package without credits", mutate: func(catalog *Catalog) { catalog.Packages[0].Credits = 0 }, wantErr: true},
		{name: "package without id", mutate: func(catalog *Catalog) { catalog.Packages[0].ID = " " }, wantErr: true},
		{name: "negative package expiry", mutate: func(catalog *Catalog) { catalog.Packages[0].ExpireDays = -1 }, wantErr: true},
		{name: "shared price", mutate: func(catalog *Catalog) { catalog.Plans[2].PriceIDs = []string{"price_pro"} }, wantErr: true},
		{name: "missing interval", mutate: func(catalog *Catalog) { catalog.Plans[1].Interval = "" }, wantErr: true},
		{name: "priced free plan", mutate: func(catalog *Catalog) { catalog.Plans[0].PriceIDs = []string{"price_free"} }, wantErr: true},
		{name: "two free plans", mutate: func(catalog *Catalog) {
			catalog.Plans = append(catalog.Plans, Plan{ID: "free-2", Free: true})
		}, wantErr: true},
		{name: "negative gift", mutate: func(catalog *Catalog) { catalog.RegisterGift.Credits = -5 }, wantErr: true},
	}
	for _, testCase := range testCases {
		testCase := testCase
		test.Run(testCase.name, func(test *testing.T) {
			catalog := valid
			catalog.Packages = append([]CreditPackage(nil), valid.Packages...)
			catalog.Plans = append([]Plan(nil), valid.Plans...)
			testCase.mutate(&catalog)
			err := catalog.Validate()
			if testCase.wantErr && !errors.Is(err, ErrInvalidCatalog) {
				test.Fatalf("expected catalog error, got %v", err)
			}
			if !testCase.wantErr && err != nil {
				test.Fatalf("unexpected error: %v", err)
			}
		})
	}
}

func TestCatalogLookups(test *testing.T) {
	catalog := Catalog{
		Packages: []CreditPackage{{ID: "basic", Credits: 100}},
		Plans: []Plan{
			{ID: "free", Free: true},
			{ID: "pro", PriceIDs: []string{"price_month", "price_year"}, Interval: IntervalMonth},
		},
	}
	if _, ok := catalog.PackageByID("basic"); !ok {
		test.Fatalf("expected package lookup to succeed")
	}
	if _, ok := catalog.PackageByID("missing"); ok {
		test.Fatalf("expected missing package lookup to fail")
	}
	if plan, ok := catalog.PlanByPriceID("price_year"); !ok || plan.ID != "pro" {
		test.Fatalf("expected pro plan for price_year, got %+v", plan)
	}
	if plan, ok := catalog.FreePlan(); !ok || plan.ID != "free" {
		test.Fatalf("expected free plan, got %+v", plan)
	}
}

func TestAllowanceKeyUsesCalendarMonth(test *testing.T) {
	if got := AllowanceKey("lifetime_monthly", 1_700_000_000); got != "lifetime_monthly:2023-11" {
		test.Fatalf("unexpected key %q", got)
	}
}

func TestParsePaymentStatus(test *testing.T) {
	status, err := ParsePaymentStatus(" Incomplete_Expired ")
	if err != nil || status != PaymentStatusCanceled {
		test.Fatalf("expected canceled, got %q err=%v", status, err)
	}
	if _, err := ParsePaymentStatus("refunded"); !errors.Is(err, ErrInvalidPayment) {
		test.Fatalf("expected invalid payment, got %v", err)
	}
}
