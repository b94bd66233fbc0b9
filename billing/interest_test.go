package billing_test

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/society-ledger/billing"
	"github.com/warp/society-ledger/generic"
)

func date(y int, m time.Month, d int) generic.TimePoint { return generic.NewTimePoint(y, m, d) }

func money(s string) generic.Money { return generic.MustParseMoney(s) }

func TestComputeInterest_Simple_GraceBoundaryIsInclusive(t *testing.T) {
	// GIVEN: 1000 overdue at 18%, due Jan 10 with a 5 day grace period
	// WHEN: Interest is computed on the last grace day and the day after
	// THEN: Nothing accrues on Jan 15; one day (6.00) accrues on Jan 16

	due := date(2024, time.January, 10)
	rate := decimal.NewFromInt(18)

	onGraceEnd, err := billing.ComputeInterest(money("1000"), rate, due, 5,
		billing.InterestSimple, billing.CompoundMonthly, date(2024, time.January, 15))
	require.NoError(t, err)
	assert.True(t, onGraceEnd.IsZero(), "no interest inside grace, got %s", onGraceEnd)

	dayAfter, err := billing.ComputeInterest(money("1000"), rate, due, 5,
		billing.InterestSimple, billing.CompoundMonthly, date(2024, time.January, 16))
	require.NoError(t, err)
	assert.Equal(t, "6.00", dayAfter.String())
}

func TestComputeInterest_Simple_ThirtyDayConvention(t *testing.T) {
	// GIVEN: 5000 overdue at 18% with no grace
	// WHEN: 20 days have passed since the due date
	// THEN: Interest = 5000 * 0.18 * 20/30 = 600.00

	got, err := billing.ComputeInterest(money("5000"), decimal.NewFromInt(18), date(2024, time.March, 1), 0,
		billing.InterestSimple, "", date(2024, time.March, 21))
	require.NoError(t, err)
	assert.Equal(t, "600.00", got.String())
}

func TestComputeInterest_CompoundMonthly_TruncatesToWholeMonths(t *testing.T) {
	// GIVEN: 1000 at 12%, compounded monthly, no grace
	// WHEN: 65 days have passed (two whole 30-day months)
	// THEN: Interest = 1000 * (1.12^2 - 1) = 254.40

	due := date(2024, time.January, 1)
	got, err := billing.ComputeInterest(money("1000"), decimal.NewFromInt(12), due, 0,
		billing.InterestCompound, billing.CompoundMonthly, due.AddDays(65))
	require.NoError(t, err)
	assert.Equal(t, "254.40", got.String())

	// 29 days is not a whole month yet
	got, err = billing.ComputeInterest(money("1000"), decimal.NewFromInt(12), due, 0,
		billing.InterestCompound, billing.CompoundMonthly, due.AddDays(29))
	require.NoError(t, err)
	assert.True(t, got.IsZero())
}

func TestComputeInterest_CompoundDaily(t *testing.T) {
	// GIVEN: 1000 at 12%, compounded daily (n = 30)
	// WHEN: 10 days have passed
	// THEN: Interest = 1000 * (1.004^10 - 1) = 40.73

	due := date(2024, time.January, 1)
	got, err := billing.ComputeInterest(money("1000"), decimal.NewFromInt(12), due, 0,
		billing.InterestCompound, billing.CompoundDaily, due.AddDays(10))
	require.NoError(t, err)
	assert.Equal(t, "40.73", got.String())
}

func TestComputeInterest_ZeroCases(t *testing.T) {
	due := date(2024, time.January, 1)
	later := due.AddDays(100)

	tests := []struct {
		name      string
		principal generic.Money
		rate      decimal.Decimal
		asOf      generic.TimePoint
	}{
		{"zero principal", generic.Zero(), decimal.NewFromInt(18), later},
		{"negative principal", money("-100"), decimal.NewFromInt(18), later},
		{"zero rate", money("1000"), decimal.Zero, later},
		{"before due date", money("1000"), decimal.NewFromInt(18), due.AddDays(-3)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := billing.ComputeInterest(tt.principal, tt.rate, due, 0,
				billing.InterestSimple, billing.CompoundMonthly, tt.asOf)
			require.NoError(t, err)
			assert.True(t, got.IsZero(), "got %s", got)
		})
	}
}

func TestComputeInterest_InvalidPolicy(t *testing.T) {
	due := date(2024, time.January, 1)

	_, err := billing.ComputeInterest(money("1000"), decimal.NewFromInt(-1), due, 0,
		billing.InterestSimple, billing.CompoundMonthly, due.AddDays(40))
	assert.ErrorIs(t, err, generic.ErrInvalidPolicy)

	_, err = billing.ComputeInterest(money("1000"), decimal.NewFromInt(12), due, -2,
		billing.InterestSimple, billing.CompoundMonthly, due.AddDays(40))
	assert.ErrorIs(t, err, generic.ErrInvalidPolicy)

	_, err = billing.ComputeInterest(money("1000"), decimal.NewFromInt(12), due, 0,
		"FLAT", billing.CompoundMonthly, due.AddDays(40))
	assert.ErrorIs(t, err, generic.ErrInvalidPolicy)
}

func TestAccruedInterest_OnlyTheIncrement(t *testing.T) {
	// GIVEN: A simple-interest policy and interest already billed through Jan 21
	// WHEN: The next bill is dated Jan 31
	// THEN: Only the 10 extra days are charged

	cfg := billing.TenantConfig{
		InterestRatePercentPerAnnum: decimal.NewFromInt(18),
		InterestMethod:              billing.InterestSimple,
	}
	due := date(2024, time.January, 1)

	full, err := billing.AccruedInterest(cfg, money("1000"), due, generic.TimePoint{}, date(2024, time.January, 31))
	require.NoError(t, err)
	assert.Equal(t, "180.00", full.String())

	inc, err := billing.AccruedInterest(cfg, money("1000"), due, date(2024, time.January, 21), date(2024, time.January, 31))
	require.NoError(t, err)
	assert.Equal(t, "60.00", inc.String())

	none, err := billing.AccruedInterest(cfg, money("1000"), due, date(2024, time.February, 5), date(2024, time.January, 31))
	require.NoError(t, err)
	assert.True(t, none.IsZero())
}
