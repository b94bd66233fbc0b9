package generic

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/samber/lo"
)

// =============================================================================
// FILTER - Multi-dimensional ledger query
// =============================================================================

type GroupBy string

const (
	GroupNone     GroupBy = ""
	GroupMember   GroupBy = "member"
	GroupCategory GroupBy = "category"
	GroupMonth    GroupBy = "month"
)

type SortField string

const (
	SortDate   SortField = "date"
	SortAmount SortField = "amount"
	SortMember SortField = "member"
)

const (
	DefaultPageSize = 50
	MaxPageSize     = 500
)

// Filter selects ledger entries. TenantID is required; every other zero
// value means "no constraint".
type Filter struct {
	TenantID   TenantID
	MemberIDs  []MemberID
	Categories []Category
	Type       EntryType

	From TimePoint
	To   TimePoint

	// Month/Year shortcut. Month without Year is rejected.
	Month time.Month
	Year  int

	// UnitPattern matches UnitID: exact "A-101", inclusive range
	// "A-101..A-120" or prefix wildcard "A-*".
	UnitPattern string

	MinAmount *Money
	MaxAmount *Money

	PaymentMode string

	// FinancialYear such as "2024-25", resolved with FiscalYear.
	FinancialYear string
	FiscalYear    PeriodConfig

	CreatedBy       string
	IncludeReversed bool

	GroupBy  GroupBy
	SortBy   SortField
	SortDesc bool
	Page     int
	PageSize int
}

// QueryResult is a page of entries plus totals over ALL matched entries.
type QueryResult struct {
	Entries  []Entry        `json:"entries"`
	Total    int            `json:"total"`
	Page     int            `json:"page"`
	PageSize int            `json:"page_size"`
	Summary  Summary        `json:"summary"`
	Groups   []GroupSummary `json:"groups,omitempty"`
}

type Summary struct {
	TotalDebit  Money  `json:"total_debit"`
	TotalCredit Money  `json:"total_credit"`
	Net         Money  `json:"net"`
	NetLabel    string `json:"net_label"`
}

type GroupSummary struct {
	Key    string `json:"key"`
	Count  int    `json:"count"`
	Debit  Money  `json:"debit"`
	Credit Money  `json:"credit"`
	Net    Money  `json:"net"`
	Label  string `json:"net_label"`
}

// Query runs filter over the ledger.
func (l *Ledger) Query(ctx context.Context, f Filter) (QueryResult, error) {
	plan, err := f.compile()
	if err != nil {
		return QueryResult{}, err
	}

	candidates, err := l.Store.Select(ctx, Criteria{
		TenantID:  f.TenantID,
		MemberIDs: f.MemberIDs,
		From:      plan.from,
		To:        plan.to,
	})
	if err != nil {
		return QueryResult{}, fmt.Errorf("select ledger entries: %w", err)
	}

	matched := lo.Filter(candidates, func(e Entry, _ int) bool { return plan.match(e) })
	sortForQuery(matched, f.SortBy, f.SortDesc)

	result := QueryResult{
		Total:    len(matched),
		Page:     plan.page,
		PageSize: plan.pageSize,
		Summary:  summarize(matched),
	}
	if f.GroupBy != GroupNone {
		result.Groups = group(matched, f.GroupBy)
	}

	start := (plan.page - 1) * plan.pageSize
	if start > len(matched) {
		start = len(matched)
	}
	end := start + plan.pageSize
	if end > len(matched) {
		end = len(matched)
	}
	result.Entries = append([]Entry{}, matched[start:end]...)
	return result, nil
}

// =============================================================================
// FILTER COMPILATION
// =============================================================================

type queryPlan struct {
	f        Filter
	from, to TimePoint
	unit     unitMatcher
	members  map[MemberID]bool
	cats     map[Category]bool
	page     int
	pageSize int
}

func (f Filter) compile() (*queryPlan, error) {
	if f.TenantID == "" {
		return nil, NewValidationError("tenant_id", "required", ErrInvalidEntry)
	}
	p := &queryPlan{f: f, from: f.From, to: f.To, page: f.Page, pageSize: f.PageSize}

	if f.Month != 0 || f.Year != 0 {
		if f.Year == 0 {
			return nil, NewValidationError("year", "month filter needs a year", ErrInvalidPeriod)
		}
		if f.Month == 0 {
			p.narrow(NewTimePoint(f.Year, time.January, 1), NewTimePoint(f.Year, time.December, 31))
		} else {
			if f.Month < time.January || f.Month > time.December {
				return nil, NewValidationError("month", "must be 1-12", ErrInvalidPeriod)
			}
			p.narrow(StartOfMonth(f.Year, f.Month), EndOfMonth(f.Year, f.Month))
		}
	}
	if f.FinancialYear != "" {
		fy, err := f.FiscalYear.ParseFinancialYear(f.FinancialYear)
		if err != nil {
			return nil, NewValidationError("financial_year", err.Error(), ErrInvalidPeriod)
		}
		p.narrow(fy.Start, fy.End)
	}
	if !p.from.IsZero() && !p.to.IsZero() && p.to.Before(p.from) {
		return nil, NewValidationError("to", "date range ends before it starts", ErrInvalidPeriod)
	}

	if f.MinAmount != nil && f.MaxAmount != nil && f.MaxAmount.LessThan(*f.MinAmount) {
		return nil, NewValidationError("max_amount", "below min_amount", ErrInvalidEntry)
	}

	unit, err := parseUnitPattern(f.UnitPattern)
	if err != nil {
		return nil, err
	}
	p.unit = unit

	if len(f.MemberIDs) > 0 {
		p.members = lo.SliceToMap(f.MemberIDs, func(id MemberID) (MemberID, bool) { return id, true })
	}
	if len(f.Categories) > 0 {
		p.cats = lo.SliceToMap(f.Categories, func(c Category) (Category, bool) { return c, true })
	}

	switch f.GroupBy {
	case GroupNone, GroupMember, GroupCategory, GroupMonth:
	default:
		return nil, NewValidationError("group_by", fmt.Sprintf("unknown grouping %q", f.GroupBy), ErrInvalidEntry)
	}
	switch f.SortBy {
	case "", SortDate, SortAmount, SortMember:
	default:
		return nil, NewValidationError("sort_by", fmt.Sprintf("unknown sort field %q", f.SortBy), ErrInvalidEntry)
	}

	if p.page < 1 {
		p.page = 1
	}
	if p.pageSize <= 0 {
		p.pageSize = DefaultPageSize
	}
	if p.pageSize > MaxPageSize {
		p.pageSize = MaxPageSize
	}
	return p, nil
}

// narrow intersects the plan's date window with [from, to].
func (p *queryPlan) narrow(from, to TimePoint) {
	if p.from.IsZero() || from.After(p.from) {
		p.from = from
	}
	if p.to.IsZero() || to.Before(p.to) {
		p.to = to
	}
}

func (p *queryPlan) match(e Entry) bool {
	f := p.f
	if e.TenantID != f.TenantID {
		return false
	}
	if e.IsReversed && !f.IncludeReversed {
		return false
	}
	if p.members != nil && !p.members[e.MemberID] {
		return false
	}
	if p.cats != nil && !p.cats[e.Category] {
		return false
	}
	if f.Type != "" && e.Type != f.Type {
		return false
	}
	if !p.from.IsZero() && e.Date.Before(p.from) {
		return false
	}
	if !p.to.IsZero() && e.Date.After(p.to) {
		return false
	}
	if f.MinAmount != nil && e.Amount.LessThan(*f.MinAmount) {
		return false
	}
	if f.MaxAmount != nil && e.Amount.GreaterThan(*f.MaxAmount) {
		return false
	}
	if f.PaymentMode != "" && !strings.EqualFold(e.PaymentMode, f.PaymentMode) {
		return false
	}
	if f.CreatedBy != "" && e.CreatedBy != f.CreatedBy {
		return false
	}
	if p.unit != nil && !p.unit(e.UnitID) {
		return false
	}
	return true
}

// =============================================================================
// UNIT PATTERNS
// =============================================================================

type unitMatcher func(unit string) bool

func parseUnitPattern(pattern string) (unitMatcher, error) {
	pattern = strings.TrimSpace(pattern)
	if pattern == "" {
		return nil, nil
	}
	if prefix, ok := strings.CutSuffix(pattern, "*"); ok {
		if strings.Contains(prefix, "*") {
			return nil, NewValidationError("unit", "only a trailing wildcard is supported", ErrInvalidEntry)
		}
		prefix = strings.ToUpper(prefix)
		return func(unit string) bool { return strings.HasPrefix(strings.ToUpper(unit), prefix) }, nil
	}
	if lo, hi, ok := strings.Cut(pattern, ".."); ok {
		lo, hi = strings.TrimSpace(lo), strings.TrimSpace(hi)
		if lo == "" || hi == "" {
			return nil, NewValidationError("unit", "range needs both ends", ErrInvalidEntry)
		}
		if compareUnits(lo, hi) > 0 {
			return nil, NewValidationError("unit", "range start after end", ErrInvalidEntry)
		}
		return func(unit string) bool {
			return compareUnits(unit, lo) >= 0 && compareUnits(unit, hi) <= 0
		}, nil
	}
	return func(unit string) bool { return strings.EqualFold(unit, pattern) }, nil
}

// compareUnits orders unit ids so that "A-9" < "A-10": the longest common
// non-numeric prefix is compared as text and a trailing number numerically.
func compareUnits(a, b string) int {
	pa, na, okA := splitUnit(strings.ToUpper(a))
	pb, nb, okB := splitUnit(strings.ToUpper(b))
	if okA && okB && pa == pb {
		switch {
		case na < nb:
			return -1
		case na > nb:
			return 1
		default:
			return 0
		}
	}
	return strings.Compare(strings.ToUpper(a), strings.ToUpper(b))
}

func splitUnit(s string) (string, int, bool) {
	i := len(s)
	for i > 0 && s[i-1] >= '0' && s[i-1] <= '9' {
		i--
	}
	if i == len(s) {
		return s, 0, false
	}
	n, err := strconv.Atoi(s[i:])
	if err != nil {
		return s, 0, false
	}
	return s[:i], n, true
}

// =============================================================================
// SORTING, SUMMARY, GROUPING
// =============================================================================

// SortEntries orders entries by (Date, Seq), the ledger's canonical order.
func SortEntries(entries []Entry) {
	sort.SliceStable(entries, func(i, j int) bool { return canonicalLess(entries[i], entries[j]) })
}

func canonicalLess(a, b Entry) bool {
	if !a.Date.Equal(b.Date) {
		return a.Date.Before(b.Date)
	}
	if a.MemberID != b.MemberID {
		return a.MemberID < b.MemberID
	}
	return a.Seq < b.Seq
}

func sortForQuery(entries []Entry, field SortField, desc bool) {
	less := func(a, b Entry) bool { return canonicalLess(a, b) }
	switch field {
	case SortAmount:
		less = func(a, b Entry) bool {
			if !a.Amount.Equal(b.Amount) {
				return a.Amount.LessThan(b.Amount)
			}
			return canonicalLess(a, b)
		}
	case SortMember:
		less = func(a, b Entry) bool {
			if a.UnitID != b.UnitID {
				return compareUnits(a.UnitID, b.UnitID) < 0
			}
			if a.MemberID != b.MemberID {
				return a.MemberID < b.MemberID
			}
			return canonicalLess(a, b)
		}
	}
	sort.SliceStable(entries, func(i, j int) bool {
		if desc {
			return less(entries[j], entries[i])
		}
		return less(entries[i], entries[j])
	})
}

func summarize(entries []Entry) Summary {
	debit, credit := Zero(), Zero()
	for _, e := range entries {
		if e.Type == Debit {
			debit = debit.Add(e.Amount)
		} else {
			credit = credit.Add(e.Amount)
		}
	}
	net := debit.Sub(credit)
	return Summary{TotalDebit: debit, TotalCredit: credit, Net: net, NetLabel: NetLabel(net)}
}

// NetLabel is "DR" when the member owes (net >= 0) and "CR" when in advance.
func NetLabel(net Money) string {
	if net.IsNegative() {
		return "CR"
	}
	return "DR"
}

func group(entries []Entry, by GroupBy) []GroupSummary {
	keyOf := func(e Entry) string {
		switch by {
		case GroupMember:
			return string(e.MemberID)
		case GroupCategory:
			return string(e.Category)
		default:
			return string(PeriodOf(e.Date))
		}
	}
	buckets := lo.GroupBy(entries, keyOf)
	keys := lo.Keys(buckets)
	sort.Strings(keys)

	groups := make([]GroupSummary, 0, len(keys))
	for _, k := range keys {
		s := summarize(buckets[k])
		groups = append(groups, GroupSummary{
			Key:    k,
			Count:  len(buckets[k]),
			Debit:  s.TotalDebit,
			Credit: s.TotalCredit,
			Net:    s.Net,
			Label:  s.NetLabel,
		})
	}
	return groups
}
