package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/warp/society-ledger/generic"
)

// =============================================================================
// LEDGER STORE (generic.Store interface)
// =============================================================================

const entryColumns = `id, tenant_id, member_id, unit_id, seq, entry_date, entry_type, category,
	amount, balance_after, bill_id, payment_mode, reference, narration,
	is_reversed, reversal_of, created_by, created_at`

// Tail returns the member's last position, or an empty Tail.
func (c conn) Tail(ctx context.Context, key generic.MemberKey) (generic.Tail, error) {
	var (
		tail    generic.Tail
		date    string
		balance string
	)
	err := c.q.QueryRowContext(ctx, `
		SELECT seq, entry_date, balance_after
		FROM ledger_entries
		WHERE tenant_id = ? AND member_id = ?
		ORDER BY seq DESC
		LIMIT 1
	`, key.TenantID, key.MemberID).Scan(&tail.Seq, &date, &balance)
	if err == sql.ErrNoRows {
		return generic.Tail{}, nil
	}
	if err != nil {
		return generic.Tail{}, fmt.Errorf("failed to read tail: %w", err)
	}

	if tail.Date, err = generic.ParseDate(date); err != nil {
		return generic.Tail{}, err
	}
	if tail.Balance, err = generic.ParseMoney(balance); err != nil {
		return generic.Tail{}, err
	}
	return tail, nil
}

// Insert appends an entry. A taken (tenant, member, seq) means another
// writer got there first.
func (c conn) Insert(ctx context.Context, e generic.Entry) error {
	_, err := c.q.ExecContext(ctx, `
		INSERT INTO ledger_entries (`+entryColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		e.ID,
		e.TenantID,
		e.MemberID,
		e.UnitID,
		e.Seq,
		e.Date.String(),
		e.Type,
		e.Category,
		e.Amount.String(),
		e.BalanceAfter.String(),
		nullString(e.BillID),
		nullString(e.PaymentMode),
		nullString(e.Reference),
		nullString(e.Narration),
		e.IsReversed,
		nullString(string(e.ReversalOf)),
		nullString(e.CreatedBy),
		formatTime(e.CreatedAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%s seq %d: %w", e.Key(), e.Seq, generic.ErrStaleBalance)
		}
		return fmt.Errorf("failed to insert ledger entry: %w", err)
	}
	return nil
}

// Entries returns the member's entries in Seq order.
func (c conn) Entries(ctx context.Context, key generic.MemberKey) ([]generic.Entry, error) {
	return c.queryEntries(ctx, `
		SELECT `+entryColumns+`
		FROM ledger_entries
		WHERE tenant_id = ? AND member_id = ?
		ORDER BY seq ASC
	`, key.TenantID, key.MemberID)
}

// Select pushes tenant, member and date bounds down to SQL.
func (c conn) Select(ctx context.Context, cr generic.Criteria) ([]generic.Entry, error) {
	var (
		where = []string{"tenant_id = ?"}
		args  = []any{cr.TenantID}
	)
	if len(cr.MemberIDs) > 0 {
		where = append(where, "member_id IN ("+placeholders(len(cr.MemberIDs))+")")
		for _, id := range cr.MemberIDs {
			args = append(args, id)
		}
	}
	if !cr.From.IsZero() {
		where = append(where, "entry_date >= ?")
		args = append(args, cr.From.String())
	}
	if !cr.To.IsZero() {
		where = append(where, "entry_date <= ?")
		args = append(args, cr.To.String())
	}

	return c.queryEntries(ctx, `
		SELECT `+entryColumns+`
		FROM ledger_entries
		WHERE `+strings.Join(where, " AND ")+`
		ORDER BY entry_date ASC, member_id ASC, seq ASC
	`, args...)
}

func (c conn) EntriesByBill(ctx context.Context, tenantID generic.TenantID, billID string) ([]generic.Entry, error) {
	return c.queryEntries(ctx, `
		SELECT `+entryColumns+`
		FROM ledger_entries
		WHERE tenant_id = ? AND bill_id = ?
		ORDER BY seq ASC
	`, tenantID, billID)
}

// MarkReversed is the only UPDATE ledger_entries allows.
func (c conn) MarkReversed(ctx context.Context, tenantID generic.TenantID, ids []generic.EntryID) error {
	if len(ids) == 0 {
		return nil
	}
	args := []any{tenantID}
	for _, id := range ids {
		args = append(args, id)
	}
	res, err := c.q.ExecContext(ctx, `
		UPDATE ledger_entries SET is_reversed = TRUE
		WHERE tenant_id = ? AND id IN (`+placeholders(len(ids))+`)
	`, args...)
	if err != nil {
		return fmt.Errorf("failed to mark entries reversed: %w", err)
	}
	if n, _ := res.RowsAffected(); int(n) != len(ids) {
		return fmt.Errorf("mark reversed: %d of %d entries found: %w", n, len(ids), generic.ErrInvalidEntry)
	}
	return nil
}

func (c conn) queryEntries(ctx context.Context, query string, args ...any) ([]generic.Entry, error) {
	rows, err := c.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query ledger entries: %w", err)
	}
	defer rows.Close()

	var entries []generic.Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func scanEntry(rows *sql.Rows) (generic.Entry, error) {
	var (
		e           generic.Entry
		date        string
		amount      string
		balance     string
		billID      sql.NullString
		paymentMode sql.NullString
		reference   sql.NullString
		narration   sql.NullString
		reversalOf  sql.NullString
		createdBy   sql.NullString
		createdAt   string
	)
	err := rows.Scan(
		&e.ID, &e.TenantID, &e.MemberID, &e.UnitID, &e.Seq, &date, &e.Type, &e.Category,
		&amount, &balance, &billID, &paymentMode, &reference, &narration,
		&e.IsReversed, &reversalOf, &createdBy, &createdAt,
	)
	if err != nil {
		return e, fmt.Errorf("failed to scan ledger entry: %w", err)
	}

	if e.Date, err = generic.ParseDate(date); err != nil {
		return e, err
	}
	if e.Amount, err = generic.ParseMoney(amount); err != nil {
		return e, err
	}
	if e.BalanceAfter, err = generic.ParseMoney(balance); err != nil {
		return e, err
	}
	e.BillID = billID.String
	e.PaymentMode = paymentMode.String
	e.Reference = reference.String
	e.Narration = narration.String
	e.ReversalOf = generic.EntryID(reversalOf.String)
	e.CreatedBy = createdBy.String
	e.CreatedAt = parseTime(createdAt)
	return e, nil
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}
