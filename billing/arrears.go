package billing

import (
	"context"
	"fmt"

	"github.com/warp/society-ledger/generic"
)

// Arrears is a member's outstanding position across open bills.
type Arrears struct {
	Total       generic.Money `json:"total"`
	UnpaidCount int           `json:"unpaid_count"`

	// OldestUnpaidDueDate anchors interest accrual. A bill that absorbed
	// earlier arrears contributes the due date of the oldest absorbed bill.
	OldestUnpaidDueDate generic.TimePoint `json:"oldest_unpaid_due_date"`

	// InterestThrough is the latest date interest was already billed to.
	InterestThrough generic.TimePoint `json:"interest_through"`

	Bills []Bill `json:"bills"`
}

// OpenBillLister is the read the resolver needs. BillRepository satisfies it.
type OpenBillLister interface {
	ListOpenBills(ctx context.Context, tenantID generic.TenantID, memberID generic.MemberID) ([]Bill, error)
}

// ResolveArrears totals the balance of every open bill of the member.
// Read-only.
func ResolveArrears(ctx context.Context, bills OpenBillLister, tenantID generic.TenantID, memberID generic.MemberID) (Arrears, error) {
	open, err := bills.ListOpenBills(ctx, tenantID, memberID)
	if err != nil {
		return Arrears{}, fmt.Errorf("list open bills for %s: %w", memberID, err)
	}

	a := Arrears{Total: generic.Zero(), Bills: open}
	for _, b := range open {
		if !b.BalanceAmount.IsPositive() {
			continue
		}
		a.Total = a.Total.Add(b.BalanceAmount)
		a.UnpaidCount++

		since := b.DueDate
		if !b.ArrearsSince.IsZero() && b.ArrearsSince.Before(since) {
			since = b.ArrearsSince
		}
		if a.OldestUnpaidDueDate.IsZero() || since.Before(a.OldestUnpaidDueDate) {
			a.OldestUnpaidDueDate = since
		}
		if b.InterestThrough.After(a.InterestThrough) {
			a.InterestThrough = b.InterestThrough
		}
	}
	return a, nil
}
