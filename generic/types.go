/*
Package generic provides the core ledger primitives of the billing engine.

PURPOSE:
  This package contains the types and algorithms every other package builds
  on: money arithmetic, calendar handling, billing periods, the member
  directory view, and the append-only per-member ledger with its running
  balance. Billing policy (charges, interest, bills) lives in package billing;
  nothing here knows how a bill is computed.

KEY CONCEPTS IN THIS FILE (types.go):
  - Money: A currency amount backed by decimal.Decimal (never float64)
  - Member: A billable account (unit) inside a tenant (housing society)
  - Entry: An immutable ledger line with the balance after it was applied
  - Tenant/Member/Entry IDs: Type-safe identifiers

DESIGN PRINCIPLES:
  1. Immutability: Entries are never modified, only reversed and compensated
  2. Precision: decimal.Decimal everywhere, rounded half-up to 2 places
  3. Type Safety: Strong typing for IDs prevents mixing tenant/member IDs
  4. Continuity: BalanceAfter[i] = BalanceAfter[i-1] +/- Amount[i]

USAGE:
  amount := generic.NewMoney(4080)
  entry := generic.Entry{
      TenantID: "green-acres",
      MemberID: "m-101",
      Type:     generic.Debit,
      Category: generic.CategoryMaintenance,
      Amount:   amount,
  }

SEE ALSO:
  - ledger.go: Append, LatestBalance, Query
  - store.go: Persistence interface
  - errors.go: Error taxonomy
*/
package generic

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// MONEY - Currency amount in fixed-point decimal
// =============================================================================

// CurrencyPlaces is the number of minor-unit digits kept on every stored amount.
const CurrencyPlaces = 2

type Money struct {
	Value decimal.Decimal
}

func NewMoney(value int64) Money { return Money{Value: decimal.NewFromInt(value)} }

func NewMoneyFromDecimal(d decimal.Decimal) Money { return Money{Value: d} }

// ParseMoney parses a decimal string such as "4080.50".
func ParseMoney(s string) (Money, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return Money{}, fmt.Errorf("parse money %q: %w", s, err)
	}
	return Money{Value: d}, nil
}

func MustParseMoney(s string) Money {
	m, err := ParseMoney(s)
	if err != nil {
		panic(err)
	}
	return m
}

func Zero() Money { return Money{Value: decimal.Zero} }

func (m Money) Add(o Money) Money              { return Money{Value: m.Value.Add(o.Value)} }
func (m Money) Sub(o Money) Money              { return Money{Value: m.Value.Sub(o.Value)} }
func (m Money) Mul(s decimal.Decimal) Money    { return Money{Value: m.Value.Mul(s)} }
func (m Money) Neg() Money                     { return Money{Value: m.Value.Neg()} }
func (m Money) Abs() Money                     { return Money{Value: m.Value.Abs()} }
func (m Money) IsZero() bool                   { return m.Value.IsZero() }
func (m Money) IsNegative() bool               { return m.Value.IsNegative() }
func (m Money) IsPositive() bool               { return m.Value.IsPositive() }
func (m Money) Equal(o Money) bool             { return m.Value.Equal(o.Value) }
func (m Money) GreaterThan(o Money) bool       { return m.Value.GreaterThan(o.Value) }
func (m Money) LessThan(o Money) bool          { return m.Value.LessThan(o.Value) }
func (m Money) GreaterThanOrEqual(o Money) bool { return m.Value.GreaterThanOrEqual(o.Value) }

func (m Money) Min(o Money) Money {
	if m.LessThan(o) {
		return m
	}
	return o
}

// Round rounds to currency places, half away from zero. For the non-negative
// amounts the engine produces this is round-half-up.
func (m Money) Round() Money { return Money{Value: m.Value.Round(CurrencyPlaces)} }

func (m Money) String() string { return m.Value.StringFixed(CurrencyPlaces) }

func (m Money) MarshalJSON() ([]byte, error) {
	return json.Marshal(m.String())
}

func (m *Money) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		// Accept bare numbers too: {"amount": 4080}
		var d decimal.Decimal
		if err2 := d.UnmarshalJSON(data); err2 != nil {
			return err
		}
		m.Value = d
		return nil
	}
	if s == "" {
		m.Value = decimal.Zero
		return nil
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return err
	}
	m.Value = d
	return nil
}

// Scan implements sql.Scanner. Amounts are persisted as decimal strings.
func (m *Money) Scan(src any) error { return m.Value.Scan(src) }

// =============================================================================
// IDENTIFIERS
// =============================================================================

type TenantID string
type MemberID string
type EntryID string

// MemberKey identifies one running balance.
type MemberKey struct {
	TenantID TenantID
	MemberID MemberID
}

func (k MemberKey) String() string { return string(k.TenantID) + "/" + string(k.MemberID) }

// =============================================================================
// MEMBER - Billable account supplied by the member directory
// =============================================================================

// Member is read-only to the engine; the directory owns it.
type Member struct {
	TenantID       TenantID        `json:"tenant_id"`
	ID             MemberID        `json:"member_id"`
	UnitID         string          `json:"unit_id"`
	Name           string          `json:"name,omitempty"`
	Area           decimal.Decimal `json:"area"`
	OpeningBalance Money           `json:"opening_balance"`
	Active         bool            `json:"active"`
}

func (m Member) Key() MemberKey { return MemberKey{TenantID: m.TenantID, MemberID: m.ID} }

// =============================================================================
// ENTRY - Immutable ledger line
// =============================================================================

type EntryType string

const (
	Debit  EntryType = "Debit"
	Credit EntryType = "Credit"
)

type Category string

const (
	CategoryMaintenance    Category = "Maintenance"
	CategoryPayment        Category = "Payment"
	CategoryInterest       Category = "Interest"
	CategoryAdjustment     Category = "Adjustment"
	CategoryRefund         Category = "Refund"
	CategoryFine           Category = "Fine"
	CategoryOpeningBalance Category = "Opening Balance"
)

// Categories lists every category in display order.
var Categories = []Category{
	CategoryMaintenance, CategoryPayment, CategoryInterest, CategoryAdjustment,
	CategoryRefund, CategoryFine, CategoryOpeningBalance,
}

func (c Category) Valid() bool {
	for _, known := range Categories {
		if c == known {
			return true
		}
	}
	return false
}

type Entry struct {
	ID       EntryID  `json:"id"`
	TenantID TenantID `json:"tenant_id"`
	MemberID MemberID `json:"member_id"`
	UnitID   string   `json:"unit_id"`

	// Seq is the per-member creation sequence, 1-based and gapless.
	Seq  int64     `json:"seq"`
	Date TimePoint `json:"date"`

	Type         EntryType `json:"type"`
	Category     Category  `json:"category"`
	Amount       Money     `json:"amount"`
	BalanceAfter Money     `json:"balance_after_transaction"`

	BillID      string `json:"bill_id,omitempty"`
	PaymentMode string `json:"payment_mode,omitempty"`
	Reference   string `json:"reference,omitempty"`
	Narration   string `json:"narration,omitempty"`

	IsReversed bool    `json:"is_reversed"`
	ReversalOf EntryID `json:"reversal_of,omitempty"`

	// Audit fields
	CreatedBy string    `json:"created_by,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

func (e Entry) Key() MemberKey { return MemberKey{TenantID: e.TenantID, MemberID: e.MemberID} }

// Signed returns the amount as it moves the running balance.
func (e Entry) Signed() Money {
	if e.Type == Credit {
		return e.Amount.Neg()
	}
	return e.Amount
}

// Tail is the last persisted position of a member's ledger.
type Tail struct {
	Seq     int64
	Balance Money
	Date    TimePoint
}

// Empty reports whether no entry has been written yet.
func (t Tail) Empty() bool { return t.Seq == 0 }
