/*
bill.go - Bill model and repository contract

PURPOSE:
  A Bill is the per-member statement of one billing period. It is keyed
  by (tenant, member, period) and carries its own charge breakdown so it
  can be rendered without recomputing anything.

INVARIANTS:
  1. At most one non-deleted bill per (tenant, member, period)
  2. BalanceAmount = TotalAmount - AmountPaid, never negative
  3. A locked bill's charges never change. Settlement (AmountPaid,
     payment-driven status) and the overdue sweep still apply.
  4. Bills are soft-deleted; ledger entries that referenced a deleted
     bill are flagged reversed and compensated, never removed.

STATUS LIFECYCLE:
  Unpaid ──pay──> Partial ──pay──> Paid
    │                │
    └─due passes─> Overdue ──pay──> Partial/Paid
  Any open bill ──absorbed by next cycle──> Carried Forward

CARRY-FORWARD:
  When a new bill absorbs earlier open bills as PreviousArrears, those
  bills move to Carried Forward with CarriedForwardTo set. Arrears are
  therefore owned by exactly one open bill at any time.
*/
package billing

import (
	"context"
	"time"

	"github.com/warp/society-ledger/generic"
)

type BillStatus string

const (
	StatusUnpaid         BillStatus = "Unpaid"
	StatusPartial        BillStatus = "Partial"
	StatusPaid           BillStatus = "Paid"
	StatusOverdue        BillStatus = "Overdue"
	StatusCarriedForward BillStatus = "Carried Forward"
)

// Open reports whether the bill still contributes to arrears.
func (s BillStatus) Open() bool {
	return s == StatusUnpaid || s == StatusPartial || s == StatusOverdue
}

func (s BillStatus) Valid() bool {
	return s.Open() || s == StatusPaid || s == StatusCarriedForward
}

// =============================================================================
// BILL
// =============================================================================

type Bill struct {
	ID       string            `json:"id"`
	TenantID generic.TenantID  `json:"tenant_id"`
	MemberID generic.MemberID  `json:"member_id"`
	UnitID   string            `json:"unit_id"`
	PeriodID generic.PeriodID  `json:"period_id"`
	BillDate generic.TimePoint `json:"bill_date"`
	DueDate  generic.TimePoint `json:"due_date"`

	Charges  []Charge      `json:"charges"`
	Subtotal generic.Money `json:"subtotal"`
	Tax      generic.Money `json:"tax"`

	PreviousArrears generic.Money     `json:"previous_arrears"`
	ArrearsSince    generic.TimePoint `json:"arrears_since"`
	Interest        generic.Money     `json:"interest"`
	InterestThrough generic.TimePoint `json:"interest_through"`

	TotalAmount   generic.Money `json:"total_amount"`
	AmountPaid    generic.Money `json:"amount_paid"`
	BalanceAmount generic.Money `json:"balance_amount"`

	Status           BillStatus `json:"status"`
	IsLocked         bool       `json:"is_locked"`
	IsDeleted        bool       `json:"is_deleted"`
	CarriedForwardTo string     `json:"carried_forward_to,omitempty"`
	Notes            string     `json:"notes,omitempty"`

	CreatedBy string    `json:"created_by,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (b Bill) MemberKey() generic.MemberKey {
	return generic.MemberKey{TenantID: b.TenantID, MemberID: b.MemberID}
}

// NewCharges is what this bill adds to the member's ledger: its own charges
// plus tax, excluding carried arrears and interest.
func (b Bill) NewCharges() generic.Money { return b.Subtotal.Add(b.Tax) }

// SettlementStatus is the status implied by paying amountPaid in total.
func (b Bill) SettlementStatus(amountPaid generic.Money) BillStatus {
	switch {
	case amountPaid.GreaterThanOrEqual(b.TotalAmount):
		return StatusPaid
	case amountPaid.IsPositive():
		return StatusPartial
	case b.Status == StatusOverdue:
		return StatusOverdue
	default:
		return StatusUnpaid
	}
}

// BillPatch is a partial update. Nil fields are left unchanged.
type BillPatch struct {
	DueDate *generic.TimePoint `json:"due_date,omitempty"`
	Status  *BillStatus        `json:"status,omitempty"`
	Notes   *string            `json:"notes,omitempty"`
}

// =============================================================================
// REPOSITORY
// =============================================================================

type BillRepository interface {
	// CreateBill returns ErrDuplicatePeriod if a non-deleted bill exists for
	// the same (tenant, member, period).
	CreateBill(ctx context.Context, bill Bill) error

	// GetBill returns ErrBillNotFound for unknown or deleted bills.
	GetBill(ctx context.Context, tenantID generic.TenantID, billID string) (Bill, error)

	// UpdateBill returns ErrLocked for a locked bill, whatever the patch.
	UpdateBill(ctx context.Context, tenantID generic.TenantID, billID string, patch BillPatch) (Bill, error)

	// LockPeriod locks every unlocked bill of the period and returns how many
	// changed. Locking an already locked bill is a no-op.
	LockPeriod(ctx context.Context, tenantID generic.TenantID, period generic.PeriodID) (int, error)

	// DeleteBill soft-deletes the bill. Returns ErrLocked when locked and
	// ErrBillNotDeletable unless status is Unpaid or Overdue.
	DeleteBill(ctx context.Context, tenantID generic.TenantID, billID string) error

	// ListOpenBills returns Unpaid/Partial/Overdue bills of the member,
	// ordered by period ascending.
	ListOpenBills(ctx context.Context, tenantID generic.TenantID, memberID generic.MemberID) ([]Bill, error)

	// ListBills returns the non-deleted bills of a period ordered by unit.
	ListBills(ctx context.Context, tenantID generic.TenantID, period generic.PeriodID) ([]Bill, error)

	CountBills(ctx context.Context, tenantID generic.TenantID, period generic.PeriodID) (int, error)

	// SettleBill records the cumulative amount paid and the resulting status.
	// Allowed on locked bills.
	SettleBill(ctx context.Context, tenantID generic.TenantID, billID string, amountPaid generic.Money, status BillStatus) error

	// CarryForward marks bills as absorbed into the bill `into`.
	CarryForward(ctx context.Context, tenantID generic.TenantID, billIDs []string, into string) error

	// RestoreCarried reopens bills absorbed into `into`, returning them.
	// Paid-in-part bills come back Partial, the rest Unpaid.
	RestoreCarried(ctx context.Context, tenantID generic.TenantID, into string) ([]Bill, error)

	// MarkOverdue moves Unpaid bills due before asOf to Overdue.
	MarkOverdue(ctx context.Context, tenantID generic.TenantID, asOf generic.TimePoint) (int, error)
}

// Store is the atomic unit the engine writes through: ledger entries and
// bills commit or roll back together.
type Store interface {
	generic.Store
	BillRepository

	WithTx(ctx context.Context, fn func(Store) error) error
}
