package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/warp/society-ledger/billing"
	"github.com/warp/society-ledger/generic"
)

// =============================================================================
// BILL REPOSITORY (billing.BillRepository interface)
// =============================================================================

const billColumns = `id, tenant_id, member_id, unit_id, period_id, bill_date, due_date,
	charges_json, subtotal, tax, previous_arrears, arrears_since, interest, interest_through,
	total_amount, amount_paid, balance_amount, status, is_locked, is_deleted,
	carried_forward_to, notes, created_by, created_at, updated_at`

func (c conn) CreateBill(ctx context.Context, b billing.Bill) error {
	chargesJSON, err := json.Marshal(b.Charges)
	if err != nil {
		return fmt.Errorf("failed to encode charges: %w", err)
	}

	_, err = c.q.ExecContext(ctx, `
		INSERT INTO bills (`+billColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		b.ID, b.TenantID, b.MemberID, b.UnitID, b.PeriodID,
		b.BillDate.String(), b.DueDate.String(),
		string(chargesJSON),
		b.Subtotal.String(), b.Tax.String(), b.PreviousArrears.String(),
		nullString(b.ArrearsSince.String()),
		b.Interest.String(),
		nullString(b.InterestThrough.String()),
		b.TotalAmount.String(), b.AmountPaid.String(), b.BalanceAmount.String(),
		b.Status, b.IsLocked, b.IsDeleted,
		nullString(b.CarriedForwardTo), nullString(b.Notes), nullString(b.CreatedBy),
		formatTime(b.CreatedAt), formatTime(b.UpdatedAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%s/%s: %w", b.MemberID, b.PeriodID, generic.ErrDuplicatePeriod)
		}
		return fmt.Errorf("failed to insert bill: %w", err)
	}
	return nil
}

func (c conn) GetBill(ctx context.Context, tenantID generic.TenantID, billID string) (billing.Bill, error) {
	bills, err := c.queryBills(ctx, `
		SELECT `+billColumns+` FROM bills
		WHERE tenant_id = ? AND id = ? AND is_deleted = FALSE
	`, tenantID, billID)
	if err != nil {
		return billing.Bill{}, err
	}
	if len(bills) == 0 {
		return billing.Bill{}, fmt.Errorf("%s: %w", billID, generic.ErrBillNotFound)
	}
	return bills[0], nil
}

func (c conn) UpdateBill(ctx context.Context, tenantID generic.TenantID, billID string, patch billing.BillPatch) (billing.Bill, error) {
	b, err := c.GetBill(ctx, tenantID, billID)
	if err != nil {
		return billing.Bill{}, err
	}
	if b.IsLocked {
		return billing.Bill{}, fmt.Errorf("%s: %w", billID, generic.ErrLocked)
	}

	if patch.DueDate != nil {
		b.DueDate = *patch.DueDate
	}
	if patch.Status != nil {
		b.Status = *patch.Status
	}
	if patch.Notes != nil {
		b.Notes = *patch.Notes
	}
	b.UpdatedAt = time.Now().UTC()

	// is_locked in the WHERE clause closes the gap with a concurrent finalize.
	res, err := c.q.ExecContext(ctx, `
		UPDATE bills SET due_date = ?, status = ?, notes = ?, updated_at = ?
		WHERE tenant_id = ? AND id = ? AND is_locked = FALSE AND is_deleted = FALSE
	`, b.DueDate.String(), b.Status, nullString(b.Notes), formatTime(b.UpdatedAt), tenantID, billID)
	if err != nil {
		return billing.Bill{}, fmt.Errorf("failed to update bill: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return billing.Bill{}, fmt.Errorf("%s: %w", billID, generic.ErrLocked)
	}
	return b, nil
}

func (c conn) LockPeriod(ctx context.Context, tenantID generic.TenantID, period generic.PeriodID) (int, error) {
	res, err := c.q.ExecContext(ctx, `
		UPDATE bills SET is_locked = TRUE, updated_at = ?
		WHERE tenant_id = ? AND period_id = ? AND is_locked = FALSE AND is_deleted = FALSE
	`, formatTime(time.Now()), tenantID, period)
	if err != nil {
		return 0, fmt.Errorf("failed to lock period: %w", err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (c conn) DeleteBill(ctx context.Context, tenantID generic.TenantID, billID string) error {
	b, err := c.GetBill(ctx, tenantID, billID)
	if err != nil {
		return err
	}
	if b.IsLocked {
		return fmt.Errorf("%s: %w", billID, generic.ErrLocked)
	}
	if b.Status != billing.StatusUnpaid && b.Status != billing.StatusOverdue {
		return fmt.Errorf("%s is %s: %w", billID, b.Status, generic.ErrBillNotDeletable)
	}

	_, err = c.q.ExecContext(ctx, `
		UPDATE bills SET is_deleted = TRUE, updated_at = ?
		WHERE tenant_id = ? AND id = ?
	`, formatTime(time.Now()), tenantID, billID)
	if err != nil {
		return fmt.Errorf("failed to delete bill: %w", err)
	}
	return nil
}

func (c conn) ListOpenBills(ctx context.Context, tenantID generic.TenantID, memberID generic.MemberID) ([]billing.Bill, error) {
	return c.queryBills(ctx, `
		SELECT `+billColumns+` FROM bills
		WHERE tenant_id = ? AND member_id = ? AND is_deleted = FALSE
		  AND status IN (?, ?, ?)
		ORDER BY period_id ASC
	`, tenantID, memberID, billing.StatusUnpaid, billing.StatusPartial, billing.StatusOverdue)
}

func (c conn) ListBills(ctx context.Context, tenantID generic.TenantID, period generic.PeriodID) ([]billing.Bill, error) {
	return c.queryBills(ctx, `
		SELECT `+billColumns+` FROM bills
		WHERE tenant_id = ? AND period_id = ? AND is_deleted = FALSE
		ORDER BY unit_id ASC
	`, tenantID, period)
}

func (c conn) CountBills(ctx context.Context, tenantID generic.TenantID, period generic.PeriodID) (int, error) {
	var n int
	err := c.q.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM bills
		WHERE tenant_id = ? AND period_id = ? AND is_deleted = FALSE
	`, tenantID, period).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count bills: %w", err)
	}
	return n, nil
}

func (c conn) SettleBill(ctx context.Context, tenantID generic.TenantID, billID string, amountPaid generic.Money, status billing.BillStatus) error {
	b, err := c.GetBill(ctx, tenantID, billID)
	if err != nil {
		return err
	}
	if amountPaid.GreaterThan(b.TotalAmount) {
		return fmt.Errorf("%s: paid %s exceeds total %s: %w", billID, amountPaid, b.TotalAmount, generic.ErrInvalidEntry)
	}

	_, err = c.q.ExecContext(ctx, `
		UPDATE bills SET amount_paid = ?, balance_amount = ?, status = ?, updated_at = ?
		WHERE tenant_id = ? AND id = ?
	`, amountPaid.String(), b.TotalAmount.Sub(amountPaid).String(), status, formatTime(time.Now()), tenantID, billID)
	if err != nil {
		return fmt.Errorf("failed to settle bill: %w", err)
	}
	return nil
}

func (c conn) CarryForward(ctx context.Context, tenantID generic.TenantID, billIDs []string, into string) error {
	if len(billIDs) == 0 {
		return nil
	}
	args := []any{billing.StatusCarriedForward, into, formatTime(time.Now()), tenantID}
	for _, id := range billIDs {
		args = append(args, id)
	}
	res, err := c.q.ExecContext(ctx, `
		UPDATE bills SET status = ?, carried_forward_to = ?, updated_at = ?
		WHERE tenant_id = ? AND is_deleted = FALSE AND id IN (`+placeholders(len(billIDs))+`)
	`, args...)
	if err != nil {
		return fmt.Errorf("failed to carry bills forward: %w", err)
	}
	if n, _ := res.RowsAffected(); int(n) != len(billIDs) {
		return fmt.Errorf("carry forward: %d of %d bills found: %w", n, len(billIDs), generic.ErrBillNotFound)
	}
	return nil
}

func (c conn) RestoreCarried(ctx context.Context, tenantID generic.TenantID, into string) ([]billing.Bill, error) {
	bills, err := c.queryBills(ctx, `
		SELECT `+billColumns+` FROM bills
		WHERE tenant_id = ? AND carried_forward_to = ? AND is_deleted = FALSE
		ORDER BY period_id ASC
	`, tenantID, into)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	for i := range bills {
		status := billing.StatusUnpaid
		if bills[i].AmountPaid.IsPositive() {
			status = billing.StatusPartial
		}
		_, err := c.q.ExecContext(ctx, `
			UPDATE bills SET status = ?, carried_forward_to = NULL, updated_at = ?
			WHERE tenant_id = ? AND id = ?
		`, status, formatTime(now), tenantID, bills[i].ID)
		if err != nil {
			return nil, fmt.Errorf("failed to restore bill %s: %w", bills[i].ID, err)
		}
		bills[i].Status = status
		bills[i].CarriedForwardTo = ""
		bills[i].UpdatedAt = now
	}
	return bills, nil
}

func (c conn) MarkOverdue(ctx context.Context, tenantID generic.TenantID, asOf generic.TimePoint) (int, error) {
	res, err := c.q.ExecContext(ctx, `
		UPDATE bills SET status = ?, updated_at = ?
		WHERE tenant_id = ? AND status = ? AND is_deleted = FALSE AND due_date < ?
	`, billing.StatusOverdue, formatTime(time.Now()), tenantID, billing.StatusUnpaid, asOf.String())
	if err != nil {
		return 0, fmt.Errorf("failed to mark bills overdue: %w", err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (c conn) queryBills(ctx context.Context, query string, args ...any) ([]billing.Bill, error) {
	rows, err := c.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query bills: %w", err)
	}
	defer rows.Close()

	var bills []billing.Bill
	for rows.Next() {
		b, err := scanBill(rows)
		if err != nil {
			return nil, err
		}
		bills = append(bills, b)
	}
	return bills, rows.Err()
}

func scanBill(rows *sql.Rows) (billing.Bill, error) {
	var (
		b                billing.Bill
		billDate         string
		dueDate          string
		chargesJSON      string
		subtotal         string
		tax              string
		arrears          string
		arrearsSince     sql.NullString
		interest         string
		interestThrough  sql.NullString
		total            string
		paid             string
		balance          string
		carriedForwardTo sql.NullString
		notes            sql.NullString
		createdBy        sql.NullString
		createdAt        string
		updatedAt        string
	)
	err := rows.Scan(
		&b.ID, &b.TenantID, &b.MemberID, &b.UnitID, &b.PeriodID, &billDate, &dueDate,
		&chargesJSON, &subtotal, &tax, &arrears, &arrearsSince, &interest, &interestThrough,
		&total, &paid, &balance, &b.Status, &b.IsLocked, &b.IsDeleted,
		&carriedForwardTo, &notes, &createdBy, &createdAt, &updatedAt,
	)
	if err != nil {
		return b, fmt.Errorf("failed to scan bill: %w", err)
	}

	if err := json.Unmarshal([]byte(chargesJSON), &b.Charges); err != nil {
		return b, fmt.Errorf("failed to decode charges of %s: %w", b.ID, err)
	}

	var p parser
	b.BillDate = p.date(billDate)
	b.DueDate = p.date(dueDate)
	b.ArrearsSince = p.optionalDate(arrearsSince)
	b.InterestThrough = p.optionalDate(interestThrough)
	b.Subtotal = p.money(subtotal)
	b.Tax = p.money(tax)
	b.PreviousArrears = p.money(arrears)
	b.Interest = p.money(interest)
	b.TotalAmount = p.money(total)
	b.AmountPaid = p.money(paid)
	b.BalanceAmount = p.money(balance)
	if p.err != nil {
		return b, fmt.Errorf("bill %s: %w", b.ID, p.err)
	}

	b.CarriedForwardTo = carriedForwardTo.String
	b.Notes = notes.String
	b.CreatedBy = createdBy.String
	b.CreatedAt = parseTime(createdAt)
	b.UpdatedAt = parseTime(updatedAt)
	return b, nil
}

// parser collects the first conversion error so scans stay flat.
type parser struct {
	err error
}

func (p *parser) date(s string) generic.TimePoint {
	if p.err != nil {
		return generic.TimePoint{}
	}
	tp, err := generic.ParseDate(s)
	p.err = err
	return tp
}

func (p *parser) optionalDate(s sql.NullString) generic.TimePoint {
	if !s.Valid || strings.TrimSpace(s.String) == "" {
		return generic.TimePoint{}
	}
	return p.date(s.String)
}

func (p *parser) money(s string) generic.Money {
	if p.err != nil {
		return generic.Money{}
	}
	m, err := generic.ParseMoney(s)
	p.err = err
	return m
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, s)
	return t
}
