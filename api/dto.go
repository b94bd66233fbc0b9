/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. Domain types (Bill,
  Entry, CycleResult, Outstanding) are already JSON-shaped and are
  returned as they are; this file only holds request bodies and the few
  responses that wrap domain values.

NAMING CONVENTION:
  - *Request: Request body types from clients
  - *Response: Response wrappers

VALIDATION:
  Request bodies carry go-playground/validator tags and are checked in
  decode() before a handler touches the engine.

SEE ALSO:
  - handlers.go: Uses these types
*/
package api

import (
	"github.com/shopspring/decimal"

	"github.com/warp/society-ledger/billing"
	"github.com/warp/society-ledger/generic"
)

// =============================================================================
// REQUEST TYPES
// =============================================================================

// ChargeLine is one ad-hoc charge in a cycle request.
type ChargeLine struct {
	Name   string        `json:"name" validate:"required"`
	Amount generic.Money `json:"amount"`
}

// RunCycleRequest is the body of POST /cycles/{periodID}. It may be empty.
type RunCycleRequest struct {
	AdHocCharges map[string][]ChargeLine `json:"ad_hoc_charges,omitempty" validate:"dive,dive"`
	CreatedBy    string                  `json:"created_by,omitempty"`
}

func (r RunCycleRequest) toDomain(tenantID generic.TenantID, periodID generic.PeriodID) billing.CycleRequest {
	req := billing.CycleRequest{
		TenantID:  tenantID,
		PeriodID:  periodID,
		CreatedBy: r.CreatedBy,
	}
	if len(r.AdHocCharges) > 0 {
		req.AdHocCharges = make(map[generic.MemberID][]billing.Charge, len(r.AdHocCharges))
		for memberID, lines := range r.AdHocCharges {
			charges := make([]billing.Charge, len(lines))
			for i, l := range lines {
				charges[i] = billing.Charge{Name: l.Name, Amount: l.Amount}
			}
			req.AdHocCharges[generic.MemberID(memberID)] = charges
		}
	}
	return req
}

// CreateMemberRequest registers a member in the directory.
type CreateMemberRequest struct {
	MemberID       string          `json:"member_id" validate:"required"`
	UnitID         string          `json:"unit_id" validate:"required"`
	Name           string          `json:"name,omitempty"`
	Area           decimal.Decimal `json:"area"`
	OpeningBalance generic.Money   `json:"opening_balance"`
	Active         *bool           `json:"active,omitempty"`
}

func (r CreateMemberRequest) toDomain(tenantID generic.TenantID) generic.Member {
	active := true
	if r.Active != nil {
		active = *r.Active
	}
	return generic.Member{
		TenantID:       tenantID,
		ID:             generic.MemberID(r.MemberID),
		UnitID:         r.UnitID,
		Name:           r.Name,
		Area:           r.Area,
		OpeningBalance: r.OpeningBalance,
		Active:         active,
	}
}

// RecordPaymentRequest is the body of POST /members/{memberID}/payments.
// A missing date means today.
type RecordPaymentRequest struct {
	Amount      generic.Money     `json:"amount"`
	Date        generic.TimePoint `json:"date"`
	PaymentMode string            `json:"payment_mode" validate:"required,max=30"`
	Reference   string            `json:"reference,omitempty" validate:"max=100"`
	Narration   string            `json:"narration,omitempty" validate:"max=500"`
	CreatedBy   string            `json:"created_by,omitempty"`
}

// UpdateBillRequest mirrors billing.BillPatch.
type UpdateBillRequest struct {
	DueDate *generic.TimePoint  `json:"due_date,omitempty"`
	Status  *billing.BillStatus `json:"status,omitempty"`
	Notes   *string             `json:"notes,omitempty" validate:"omitempty,max=1000"`
}

func (r UpdateBillRequest) toPatch() billing.BillPatch {
	return billing.BillPatch{DueDate: r.DueDate, Status: r.Status, Notes: r.Notes}
}

// =============================================================================
// RESPONSE TYPES
// =============================================================================

// BalanceResponse is the member's running balance.
type BalanceResponse struct {
	TenantID generic.TenantID  `json:"tenant_id"`
	MemberID generic.MemberID  `json:"member_id"`
	Balance  generic.Money     `json:"balance"`
	Label    string            `json:"label"`
	AsOf     generic.TimePoint `json:"as_of"`
}

// DeletePeriodResponse reports how many bills a period delete removed.
type DeletePeriodResponse struct {
	TenantID generic.TenantID `json:"tenant_id"`
	PeriodID generic.PeriodID `json:"period_id"`
	Deleted  int              `json:"deleted"`
}

// OverdueResponse reports a manual overdue sweep.
type OverdueResponse struct {
	TenantID generic.TenantID  `json:"tenant_id"`
	AsOf     generic.TimePoint `json:"as_of"`
	Marked   int               `json:"marked"`
}

// ErrorResponse is returned for all errors.
type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}
