/*
interest.go - Interest on overdue balances

PURPOSE:
  Pure functions computing interest on an overdue principal. No I/O,
  no clock: callers pass the as-of date.

FORMULAS (rate in percent, days counted after the grace period):
  SIMPLE:    principal * rate/100 * days/30                (30-day month)
  COMPOUND:  principal * ((1 + rate/100/n)^(n*t) - 1)
             t = days/30, n = 30 (DAILY) or 1 (MONTHLY)
             DAILY:   exponent n*t is exactly the overdue days
             MONTHLY: t is truncated to whole elapsed months

GRACE PERIOD:
  Inclusive. No interest accrues up to and including dueDate + grace;
  the first interest-bearing day is the day after.

PRECISION:
  Everything is decimal. Powers use exponentiation by squaring with an
  18-place working precision, and the result is rounded half-up to
  2 places once, at the end.
*/
package billing

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/warp/society-ledger/generic"
)

const (
	daysPerMonth     = 30
	workingPrecision = 18
)

var (
	hundred = decimal.NewFromInt(100)
	thirty  = decimal.NewFromInt(daysPerMonth)
)

// ComputeInterest returns the interest accrued on principal as of asOf.
// Zero for non-positive principal or while within the grace period.
func ComputeInterest(
	principal generic.Money,
	annualRatePercent decimal.Decimal,
	dueDate generic.TimePoint,
	gracePeriodDays int,
	method InterestMethod,
	frequency CompoundingFrequency,
	asOf generic.TimePoint,
) (generic.Money, error) {
	if annualRatePercent.IsNegative() {
		return generic.Zero(), generic.NewValidationError("interest_rate_percent_per_annum", "must not be negative", generic.ErrInvalidPolicy)
	}
	if gracePeriodDays < 0 {
		return generic.Zero(), generic.NewValidationError("grace_period_days", "must not be negative", generic.ErrInvalidPolicy)
	}
	if method != InterestSimple && method != InterestCompound {
		return generic.Zero(), generic.NewValidationError("interest_method", fmt.Sprintf("unknown method %q", method), generic.ErrInvalidPolicy)
	}
	if method == InterestCompound && frequency != CompoundMonthly && frequency != CompoundDaily {
		return generic.Zero(), generic.NewValidationError("compounding_frequency", fmt.Sprintf("unknown frequency %q", frequency), generic.ErrInvalidPolicy)
	}

	if !principal.IsPositive() || annualRatePercent.IsZero() || dueDate.IsZero() {
		return generic.Zero(), nil
	}

	graceEnd := dueDate.AddDays(gracePeriodDays)
	if asOf.BeforeOrEqual(graceEnd) {
		return generic.Zero(), nil
	}
	days := generic.DaysBetween(graceEnd, asOf)

	rate := annualRatePercent.Div(hundred)
	var interest decimal.Decimal
	switch method {
	case InterestSimple:
		interest = principal.Value.Mul(rate).Mul(decimal.NewFromInt(int64(days))).Div(thirty)
	case InterestCompound:
		var factor decimal.Decimal
		if frequency == CompoundDaily {
			factor = pow(decimal.NewFromInt(1).Add(rate.DivRound(thirty, workingPrecision)), days)
		} else {
			factor = pow(decimal.NewFromInt(1).Add(rate), days/daysPerMonth)
		}
		interest = principal.Value.Mul(factor.Sub(decimal.NewFromInt(1)))
	}
	return generic.NewMoneyFromDecimal(interest).Round(), nil
}

// AccruedInterest returns the interest accrued between from (exclusive) and
// to on principal anchored at dueDate. A zero from means "since the start".
// Used so a bill only charges interest not already charged by an earlier one.
func AccruedInterest(cfg TenantConfig, principal generic.Money, dueDate, from, to generic.TimePoint) (generic.Money, error) {
	total, err := cfg.Interest(principal, dueDate, to)
	if err != nil {
		return generic.Zero(), err
	}
	if from.IsZero() {
		return total, nil
	}
	if !from.Before(to) {
		return generic.Zero(), nil
	}
	already, err := cfg.Interest(principal, dueDate, from)
	if err != nil {
		return generic.Zero(), err
	}
	inc := total.Sub(already)
	if inc.IsNegative() {
		return generic.Zero(), nil
	}
	return inc, nil
}

// pow raises base to a non-negative integer exponent by squaring.
func pow(base decimal.Decimal, exp int) decimal.Decimal {
	result := decimal.NewFromInt(1)
	for exp > 0 {
		if exp&1 == 1 {
			result = result.Mul(base).Round(workingPrecision)
		}
		base = base.Mul(base).Round(workingPrecision)
		exp >>= 1
	}
	return result
}
