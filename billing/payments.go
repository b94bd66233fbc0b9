package billing

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/warp/society-ledger/generic"
	"github.com/warp/society-ledger/metrics"
)

// =============================================================================
// PAYMENTS
// =============================================================================

type PaymentRequest struct {
	TenantID    generic.TenantID  `json:"tenant_id"`
	MemberID    generic.MemberID  `json:"member_id"`
	Amount      generic.Money     `json:"amount"`
	Date        generic.TimePoint `json:"date"`
	PaymentMode string            `json:"payment_mode"`
	Reference   string            `json:"reference,omitempty"`
	Narration   string            `json:"narration,omitempty"`
	CreatedBy   string            `json:"created_by,omitempty"`
}

// Settlement is the part of a payment applied to one bill.
type Settlement struct {
	BillID   string           `json:"bill_id"`
	PeriodID generic.PeriodID `json:"period_id"`
	Applied  generic.Money    `json:"applied"`
	Status   BillStatus       `json:"status"`
}

type PaymentResult struct {
	Entry       generic.Entry `json:"entry"`
	Settlements []Settlement  `json:"settlements"`

	// Advance is the unallocated remainder. It stays on the ledger as a
	// credit balance.
	Advance generic.Money `json:"advance"`
}

// RecordPayment credits the member's ledger and settles open bills oldest
// first, as one atomic unit under the member's ledger lock.
func (e *Engine) RecordPayment(ctx context.Context, req PaymentRequest) (PaymentResult, error) {
	result, err := e.recordPayment(ctx, req)
	if err != nil {
		metrics.ObservePayment(metrics.ResultError)
		return PaymentResult{}, err
	}
	metrics.ObservePayment(metrics.ResultSuccess)
	e.Logger.Info("payment recorded",
		zap.String("tenant", string(req.TenantID)),
		zap.String("member", string(req.MemberID)),
		zap.String("amount", result.Entry.Amount.String()),
		zap.Int("bills_settled", len(result.Settlements)),
		zap.String("advance", result.Advance.String()),
	)
	return result, nil
}

func (e *Engine) recordPayment(ctx context.Context, req PaymentRequest) (PaymentResult, error) {
	amount := req.Amount.Round()
	if !amount.IsPositive() {
		return PaymentResult{}, generic.NewValidationError("amount", "must be positive", generic.ErrInvalidEntry)
	}
	key := generic.MemberKey{TenantID: req.TenantID, MemberID: req.MemberID}

	var result PaymentResult
	err := e.Ledger.Serialize(ctx, key, func() error {
		result = PaymentResult{}
		return e.Store.WithTx(ctx, func(tx Store) error {
			open, err := tx.ListOpenBills(ctx, req.TenantID, req.MemberID)
			if err != nil {
				return fmt.Errorf("list open bills: %w", err)
			}

			entry := generic.Entry{
				TenantID:    req.TenantID,
				MemberID:    req.MemberID,
				Date:        req.Date,
				Type:        generic.Credit,
				Category:    generic.CategoryPayment,
				Amount:      amount,
				PaymentMode: req.PaymentMode,
				Reference:   req.Reference,
				Narration:   req.Narration,
				CreatedBy:   req.CreatedBy,
			}
			if len(open) > 0 {
				entry.BillID = open[0].ID
			}
			if entry.Narration == "" {
				entry.Narration = "Payment received"
			}
			stored, err := e.Ledger.AppendTo(ctx, tx, entry)
			if err != nil {
				return err
			}
			result.Entry = stored

			remaining := amount
			for _, b := range open {
				if !remaining.IsPositive() {
					break
				}
				applied := remaining.Min(b.BalanceAmount)
				if !applied.IsPositive() {
					continue
				}
				paid := b.AmountPaid.Add(applied)
				status := b.SettlementStatus(paid)
				if err := tx.SettleBill(ctx, req.TenantID, b.ID, paid, status); err != nil {
					return fmt.Errorf("settle bill %s: %w", b.ID, err)
				}
				result.Settlements = append(result.Settlements, Settlement{
					BillID:   b.ID,
					PeriodID: b.PeriodID,
					Applied:  applied,
					Status:   status,
				})
				remaining = remaining.Sub(applied)
			}
			result.Advance = remaining
			return nil
		})
	})
	return result, err
}

// =============================================================================
// CORRECTIONS
// =============================================================================

// UpdateBill applies patch to an unlocked bill. A locked bill fails with
// ErrLocked whatever the patch holds. Paid and Partial only ever come from
// settlement, so a status patch may only move an unpaid bill between
// Unpaid and Overdue.
func (e *Engine) UpdateBill(ctx context.Context, tenantID generic.TenantID, billID string, patch BillPatch) (Bill, error) {
	if patch.Status != nil && !patch.Status.Valid() {
		return Bill{}, generic.NewValidationError("status", fmt.Sprintf("unknown status %q", *patch.Status), generic.ErrInvalidEntry)
	}
	current, err := e.Store.GetBill(ctx, tenantID, billID)
	if err != nil {
		return Bill{}, err
	}

	var bill Bill
	err = e.Ledger.Serialize(ctx, current.MemberKey(), func() error {
		// Re-read under the member lock: a payment may have settled it.
		current, err := e.Store.GetBill(ctx, tenantID, billID)
		if err != nil {
			return err
		}
		if current.IsLocked {
			return &generic.ConflictError{Resource: "bill", Key: billID, Err: generic.ErrLocked}
		}
		if patch.Status != nil {
			if err := statusTransition(current, *patch.Status); err != nil {
				return err
			}
		}
		bill, err = e.Store.UpdateBill(ctx, tenantID, billID, patch)
		return err
	})
	if err != nil {
		var ce *generic.ConflictError
		if errors.Is(err, generic.ErrLocked) && !errors.As(err, &ce) {
			return Bill{}, &generic.ConflictError{Resource: "bill", Key: billID, Err: err}
		}
		return Bill{}, err
	}
	return bill, nil
}

// statusTransition allows Unpaid <-> Overdue on a bill with nothing paid.
func statusTransition(b Bill, to BillStatus) error {
	manual := func(s BillStatus) bool { return s == StatusUnpaid || s == StatusOverdue }
	if to == b.Status {
		return nil
	}
	if !manual(to) || !manual(b.Status) || b.AmountPaid.IsPositive() {
		return generic.NewValidationError("status",
			fmt.Sprintf("cannot move a %s bill to %s; paid and partial follow payments", b.Status, to),
			generic.ErrInvalidEntry)
	}
	return nil
}

type DeleteResult struct {
	BillID   string          `json:"bill_id"`
	Reversed []generic.Entry `json:"reversed"`
	Restored []string        `json:"restored"`
}

// DeleteBill soft-deletes an Unpaid/Overdue, unlocked bill with no payments
// against it. Its ledger entries are flagged reversed and compensated, and
// bills it had absorbed as arrears are reopened.
func (e *Engine) DeleteBill(ctx context.Context, tenantID generic.TenantID, billID, deletedBy string) (DeleteResult, error) {
	bill, err := e.Store.GetBill(ctx, tenantID, billID)
	if err != nil {
		return DeleteResult{}, err
	}

	var result DeleteResult
	err = e.Ledger.Serialize(ctx, bill.MemberKey(), func() error {
		result = DeleteResult{BillID: billID}
		return e.Store.WithTx(ctx, func(tx Store) error {
			current, err := tx.GetBill(ctx, tenantID, billID)
			if err != nil {
				return err
			}
			if err := deletable(current); err != nil {
				return err
			}

			entries, err := tx.EntriesByBill(ctx, tenantID, billID)
			if err != nil {
				return fmt.Errorf("entries of bill %s: %w", billID, err)
			}
			var originals []generic.Entry
			for _, en := range entries {
				if en.IsReversed || en.ReversalOf != "" {
					continue
				}
				if en.Category == generic.CategoryPayment {
					return &generic.ConflictError{Resource: "bill", Key: billID, Err: generic.ErrBillNotDeletable}
				}
				originals = append(originals, en)
			}

			if err := tx.DeleteBill(ctx, tenantID, billID); err != nil {
				return err
			}
			reversed, err := e.Ledger.Reverse(ctx, tx, originals,
				fmt.Sprintf("Reversal of bill %s", current.PeriodID), deletedBy)
			if err != nil {
				return err
			}
			result.Reversed = reversed

			restored, err := tx.RestoreCarried(ctx, tenantID, billID)
			if err != nil {
				return fmt.Errorf("restore carried bills: %w", err)
			}
			for _, b := range restored {
				result.Restored = append(result.Restored, b.ID)
			}
			return nil
		})
	})
	if err != nil {
		return DeleteResult{}, err
	}

	e.Logger.Info("bill deleted",
		zap.String("tenant", string(tenantID)),
		zap.String("bill", billID),
		zap.String("period", string(bill.PeriodID)),
		zap.Int("reversed_entries", len(result.Reversed)),
		zap.Int("restored_bills", len(result.Restored)),
	)
	return result, nil
}

func deletable(b Bill) error {
	if b.IsLocked {
		return &generic.ConflictError{Resource: "bill", Key: b.ID, Err: generic.ErrLocked}
	}
	if (b.Status != StatusUnpaid && b.Status != StatusOverdue) || b.AmountPaid.IsPositive() {
		return &generic.ConflictError{Resource: "bill", Key: b.ID,
			Err: fmt.Errorf("status %s: %w", b.Status, generic.ErrBillNotDeletable)}
	}
	return nil
}

// DeletePeriod deletes every bill of the period so the cycle can be run
// again. Stops at the first bill that cannot be deleted.
func (e *Engine) DeletePeriod(ctx context.Context, tenantID generic.TenantID, periodID generic.PeriodID, deletedBy string) (int, error) {
	bills, err := e.ListBills(ctx, tenantID, periodID)
	if err != nil {
		return 0, err
	}
	deleted := 0
	for _, b := range bills {
		if _, err := e.DeleteBill(ctx, tenantID, b.ID, deletedBy); err != nil {
			return deleted, fmt.Errorf("delete bill of unit %s: %w", b.UnitID, err)
		}
		deleted++
	}
	return deleted, nil
}

// MarkOverdue moves Unpaid bills past their due date to Overdue. A zero
// asOf means today.
func (e *Engine) MarkOverdue(ctx context.Context, tenantID generic.TenantID, asOf generic.TimePoint) (int, error) {
	if asOf.IsZero() {
		asOf = e.Today()
	}
	n, err := e.Store.MarkOverdue(ctx, tenantID, asOf)
	if err != nil {
		return 0, fmt.Errorf("mark overdue for %s: %w", tenantID, err)
	}
	if n > 0 {
		e.Logger.Info("bills marked overdue",
			zap.String("tenant", string(tenantID)),
			zap.String("as_of", asOf.String()),
			zap.Int("count", n),
		)
	}
	return n, nil
}
