package billing

import (
	"fmt"
	"strings"

	"github.com/warp/society-ledger/generic"
)

// Charge is one named line of a bill breakdown.
type Charge struct {
	Name   string        `json:"name"`
	Amount generic.Money `json:"amount"`
}

// Breakdown is the result of ComputeCharges. Lines keep the declared head
// order followed by ad-hoc charges in caller order.
type Breakdown struct {
	Lines    []Charge      `json:"lines"`
	Subtotal generic.Money `json:"subtotal"`
	Tax      generic.Money `json:"tax"`
}

// ComputeCharges evaluates the tenant's active charge heads for member and
// appends adHoc lines. Each line is rounded to 2 places; subtotal is the sum
// of the rounded lines and tax is subtotal * ServiceTaxRatePercent / 100.
func ComputeCharges(member generic.Member, cfg TenantConfig, adHoc []Charge) (Breakdown, error) {
	heads := cfg.ActiveHeads()
	if len(heads) == 0 {
		return Breakdown{}, generic.ErrNoChargeHeads
	}
	if member.Area.IsNegative() {
		return Breakdown{}, generic.NewValidationError("area",
			fmt.Sprintf("unit %s has negative area %s", member.UnitID, member.Area), generic.ErrInvalidEntry)
	}

	lines := make([]Charge, 0, len(heads)+len(adHoc))
	running := generic.Zero()
	for _, head := range heads {
		var amount generic.Money
		switch head.Type {
		case ChargePerAreaUnit:
			amount = generic.NewMoneyFromDecimal(member.Area.Mul(head.Rate))
		case ChargeFixed:
			amount = generic.NewMoneyFromDecimal(head.Rate)
		case ChargePercentage:
			amount = running.Mul(head.Rate.Div(hundred))
		default:
			return Breakdown{}, generic.NewValidationError("charge_heads",
				fmt.Sprintf("head %q has unknown type %q", head.Name, head.Type), generic.ErrInvalidPolicy)
		}
		amount = amount.Round()
		lines = append(lines, Charge{Name: head.Name, Amount: amount})
		running = running.Add(amount)
	}

	for i, c := range adHoc {
		if strings.TrimSpace(c.Name) == "" {
			return Breakdown{}, generic.NewValidationError(fmt.Sprintf("ad_hoc[%d].name", i), "required", generic.ErrInvalidEntry)
		}
		if c.Amount.IsNegative() {
			return Breakdown{}, generic.NewValidationError(fmt.Sprintf("ad_hoc[%d].amount", i),
				fmt.Sprintf("%q must not be negative", c.Name), generic.ErrInvalidEntry)
		}
		amount := c.Amount.Round()
		lines = append(lines, Charge{Name: c.Name, Amount: amount})
		running = running.Add(amount)
	}

	tax := running.Mul(cfg.ServiceTaxRatePercent.Div(hundred)).Round()
	return Breakdown{Lines: lines, Subtotal: running, Tax: tax}, nil
}
