/*
config.go - Per-tenant billing policy

PURPOSE:
  TenantConfig is everything the engine needs to bill one society:
  the ordered charge heads, interest policy, due day, grace period and
  service tax. It is supplied by a ConfigProvider (YAML file, SQLite
  table, or in-memory for tests) and validated before every cycle.

CHARGE HEADS:
  The maintenance / sinking fund / repair rates and fixed charges of a
  society are expressed as an ordered list of heads:

    charge_heads:
      - {name: Maintenance,  type: PerAreaUnit, rate: "3"}
      - {name: Sinking Fund, type: PerAreaUnit, rate: "1"}
      - {name: Parking,      type: Fixed,       rate: "500"}
      - {name: Repair Fund,  type: Percentage,  rate: "10"}

  Order matters: a Percentage head applies to the running subtotal of
  the heads declared before it.

VALIDATION:
  Struct tags checked with go-playground/validator. Decimal fields are
  exposed to the validator as float64 through a custom type func, so
  "gte=0" works on rates. Failures are ValidationError{ErrInvalidPolicy}.

SEE ALSO:
  - charges.go: How heads become bill lines
  - interest.go: How the interest policy is applied
  - config/provider.go: YAML file provider
*/
package billing

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"

	"github.com/warp/society-ledger/generic"
)

// =============================================================================
// ENUMS
// =============================================================================

type InterestMethod string

const (
	InterestSimple   InterestMethod = "SIMPLE"
	InterestCompound InterestMethod = "COMPOUND"
)

type CompoundingFrequency string

const (
	CompoundMonthly CompoundingFrequency = "MONTHLY"
	CompoundDaily   CompoundingFrequency = "DAILY"
)

type ChargeType string

const (
	ChargeFixed       ChargeType = "Fixed"
	ChargePerAreaUnit ChargeType = "PerAreaUnit"
	ChargePercentage  ChargeType = "Percentage"
)

// Defaults applied by WithDefaults before validation.
const (
	DefaultBillDueDay         = 10
	DefaultWorkers            = 8
	DefaultMemberTimeout      = 30 * time.Second
	DefaultFiscalYearStartMon = 4
)

// =============================================================================
// TENANT CONFIG
// =============================================================================

type ChargeHead struct {
	Name     string          `json:"name" yaml:"name" validate:"required"`
	Type     ChargeType      `json:"type" yaml:"type" validate:"required,oneof=Fixed PerAreaUnit Percentage"`
	Rate     decimal.Decimal `json:"rate" yaml:"rate" validate:"gte=0"`
	Disabled bool            `json:"disabled,omitempty" yaml:"disabled,omitempty"`
}

func (h ChargeHead) Active() bool { return !h.Disabled }

type TenantConfig struct {
	TenantID generic.TenantID `json:"tenant_id" yaml:"tenant_id" validate:"required"`
	Name     string           `json:"name,omitempty" yaml:"name,omitempty"`

	ChargeHeads []ChargeHead `json:"charge_heads" yaml:"charge_heads" validate:"dive"`

	InterestRatePercentPerAnnum decimal.Decimal      `json:"interest_rate_percent_per_annum" yaml:"interest_rate_percent_per_annum" validate:"gte=0"`
	GracePeriodDays             int                  `json:"grace_period_days" yaml:"grace_period_days" validate:"gte=0,lte=90"`
	BillDueDay                  int                  `json:"bill_due_day" yaml:"bill_due_day" validate:"gte=1,lte=31"`
	InterestMethod              InterestMethod       `json:"interest_method" yaml:"interest_method" validate:"oneof=SIMPLE COMPOUND"`
	CompoundingFrequency        CompoundingFrequency `json:"compounding_frequency" yaml:"compounding_frequency" validate:"oneof=MONTHLY DAILY"`
	ServiceTaxRatePercent       decimal.Decimal      `json:"service_tax_rate_percent" yaml:"service_tax_rate_percent" validate:"gte=0"`

	FinancialYearStartMonth int `json:"financial_year_start_month" yaml:"financial_year_start_month" validate:"gte=1,lte=12"`

	// GenerateOnDay is the day of month the scheduler runs the cycle.
	// Zero disables scheduled generation for the tenant.
	GenerateOnDay int `json:"generate_on_day,omitempty" yaml:"generate_on_day,omitempty" validate:"gte=0,lte=28"`

	Workers              int `json:"workers,omitempty" yaml:"workers,omitempty" validate:"gte=0,lte=64"`
	MemberTimeoutSeconds int `json:"member_timeout_seconds,omitempty" yaml:"member_timeout_seconds,omitempty" validate:"gte=0,lte=600"`
}

// WithDefaults fills zero values that have a sensible default.
func (c TenantConfig) WithDefaults() TenantConfig {
	if c.BillDueDay == 0 {
		c.BillDueDay = DefaultBillDueDay
	}
	if c.InterestMethod == "" {
		c.InterestMethod = InterestSimple
	}
	if c.CompoundingFrequency == "" {
		c.CompoundingFrequency = CompoundMonthly
	}
	if c.FinancialYearStartMonth == 0 {
		c.FinancialYearStartMonth = DefaultFiscalYearStartMon
	}
	return c
}

func (c TenantConfig) ActiveHeads() []ChargeHead {
	var heads []ChargeHead
	for _, h := range c.ChargeHeads {
		if h.Active() {
			heads = append(heads, h)
		}
	}
	return heads
}

func (c TenantConfig) FiscalYear() generic.PeriodConfig {
	return generic.PeriodConfig{FiscalYearStartMonth: time.Month(c.FinancialYearStartMonth)}
}

func (c TenantConfig) WorkerLimit() int {
	if c.Workers <= 0 {
		return DefaultWorkers
	}
	return c.Workers
}

func (c TenantConfig) MemberTimeout() time.Duration {
	if c.MemberTimeoutSeconds <= 0 {
		return DefaultMemberTimeout
	}
	return time.Duration(c.MemberTimeoutSeconds) * time.Second
}

// DueDate is the bill due day inside period, clamped to the month end.
func (c TenantConfig) DueDate(period generic.PeriodID) generic.TimePoint {
	return period.DayOf(c.BillDueDay)
}

// Interest applies the tenant's interest policy to principal.
func (c TenantConfig) Interest(principal generic.Money, dueDate, asOf generic.TimePoint) (generic.Money, error) {
	return ComputeInterest(principal, c.InterestRatePercentPerAnnum, dueDate, c.GracePeriodDays,
		c.InterestMethod, c.CompoundingFrequency, asOf)
}

// =============================================================================
// VALIDATION
// =============================================================================

var (
	validateOnce sync.Once
	validate     *validator.Validate
)

func configValidator() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New()
		validate.RegisterTagNameFunc(func(f reflect.StructField) string {
			name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
			if name == "-" {
				return ""
			}
			return name
		})
		validate.RegisterCustomTypeFunc(func(v reflect.Value) interface{} {
			d, ok := v.Interface().(decimal.Decimal)
			if !ok {
				return nil
			}
			f, _ := d.Float64()
			return f
		}, decimal.Decimal{})
	})
	return validate
}

// Validate applies defaults and checks the policy. The returned config is
// the one the engine should use.
func (c TenantConfig) Validate() (TenantConfig, error) {
	c = c.WithDefaults()
	if err := configValidator().Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			return c, generic.NewValidationError(fe.Namespace(),
				fmt.Sprintf("failed %q constraint (value %v)", fe.Tag(), fe.Value()), generic.ErrInvalidPolicy)
		}
		return c, generic.NewValidationError("", err.Error(), generic.ErrInvalidPolicy)
	}
	seen := make(map[string]bool, len(c.ChargeHeads))
	for _, h := range c.ChargeHeads {
		key := strings.ToLower(strings.TrimSpace(h.Name))
		if seen[key] {
			return c, generic.NewValidationError("charge_heads",
				fmt.Sprintf("duplicate head %q", h.Name), generic.ErrInvalidPolicy)
		}
		seen[key] = true
	}
	return c, nil
}

// =============================================================================
// CONFIG PROVIDER - External collaborator
// =============================================================================

type ConfigProvider interface {
	// GetConfig returns ErrTenantNotFound for unknown tenants.
	GetConfig(ctx context.Context, tenantID generic.TenantID) (TenantConfig, error)
}

// ConfigLister is implemented by providers that can enumerate tenants.
// The scheduler uses it to find tenants due for generation.
type ConfigLister interface {
	ConfigProvider
	ListConfigs(ctx context.Context) ([]TenantConfig, error)
}
