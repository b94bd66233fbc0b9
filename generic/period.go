package generic

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// =============================================================================
// PERIOD ID - Billing period "YYYY-MM"
// =============================================================================

// PeriodLayout is the external format of a billing period. Renderers and
// importers parse it with exactly this layout, so it never changes.
const PeriodLayout = "2006-01"

// PeriodID identifies a monthly billing period, e.g. "2025-03".
type PeriodID string

// ParsePeriodID validates s as a zero-padded YYYY-MM period.
func ParsePeriodID(s string) (PeriodID, error) {
	if len(s) != len(PeriodLayout) {
		return "", fmt.Errorf("%w: %q is not YYYY-MM", ErrInvalidPeriod, s)
	}
	if _, err := time.Parse(PeriodLayout, s); err != nil {
		return "", fmt.Errorf("%w: %q is not YYYY-MM", ErrInvalidPeriod, s)
	}
	return PeriodID(s), nil
}

func PeriodOf(tp TimePoint) PeriodID {
	return PeriodID(tp.normalize().Format(PeriodLayout))
}

func (p PeriodID) String() string { return string(p) }

// Start returns the first day of the period. Callers validate first.
func (p PeriodID) Start() TimePoint {
	t, err := time.Parse(PeriodLayout, string(p))
	if err != nil {
		return TimePoint{}
	}
	return NewTimePoint(t.Year(), t.Month(), 1)
}

func (p PeriodID) End() TimePoint {
	s := p.Start()
	return EndOfMonth(s.Year(), s.Month())
}

func (p PeriodID) Range() Period { return Period{Start: p.Start(), End: p.End()} }

func (p PeriodID) Next() PeriodID     { return PeriodOf(p.Start().AddMonths(1)) }
func (p PeriodID) Previous() PeriodID { return PeriodOf(p.Start().AddMonths(-1)) }

// DayOf returns the given day inside the period, clamped to the month end.
func (p PeriodID) DayOf(day int) TimePoint {
	end := p.End()
	if day < 1 {
		day = 1
	}
	if day > end.Day() {
		day = end.Day()
	}
	return NewTimePoint(end.Year(), end.Month(), day)
}

// =============================================================================
// PERIOD - Inclusive date range
// =============================================================================

type Period struct {
	Start TimePoint
	End   TimePoint
}

// Contains returns true if the time point is within the period [Start, End]
func (p Period) Contains(t TimePoint) bool {
	return t.AfterOrEqual(p.Start) && t.BeforeOrEqual(p.End)
}

func (p Period) String() string {
	return "[" + p.Start.String() + ", " + p.End.String() + "]"
}

// =============================================================================
// FINANCIAL YEAR - Tenant-configurable 12-month accounting window
// =============================================================================

// PeriodConfig defines how a tenant's financial year is laid out.
type PeriodConfig struct {
	// Which month starts the financial year (1-12). April is the common
	// choice for housing societies; January makes it the calendar year.
	FiscalYearStartMonth time.Month
}

func (pc PeriodConfig) startMonth() time.Month {
	if pc.FiscalYearStartMonth < time.January || pc.FiscalYearStartMonth > time.December {
		return time.April
	}
	return pc.FiscalYearStartMonth
}

// FinancialYearFor returns the financial year containing date.
func (pc PeriodConfig) FinancialYearFor(date TimePoint) Period {
	start := NewTimePoint(date.Year(), pc.startMonth(), 1)
	if date.Before(start) {
		start = NewTimePoint(date.Year()-1, pc.startMonth(), 1)
	}
	return Period{Start: start, End: start.AddMonths(12).AddDays(-1)}
}

// ParseFinancialYear accepts "2024-25", "2024-2025" or "2024" (the year the
// window starts in) and returns the window.
func (pc PeriodConfig) ParseFinancialYear(s string) (Period, error) {
	s = strings.TrimSpace(s)
	head, tail, hasTail := strings.Cut(s, "-")
	startYear, err := strconv.Atoi(head)
	if err != nil || len(head) != 4 {
		return Period{}, fmt.Errorf("%w: financial year %q", ErrInvalidPeriod, s)
	}
	if hasTail {
		endYear, err := strconv.Atoi(tail)
		if err != nil {
			return Period{}, fmt.Errorf("%w: financial year %q", ErrInvalidPeriod, s)
		}
		switch len(tail) {
		case 2:
			endYear += (startYear / 100) * 100
			if endYear < startYear {
				endYear += 100
			}
		case 4:
		default:
			return Period{}, fmt.Errorf("%w: financial year %q", ErrInvalidPeriod, s)
		}
		if endYear != startYear+1 && !(pc.startMonth() == time.January && endYear == startYear) {
			return Period{}, fmt.Errorf("%w: financial year %q spans more than one year", ErrInvalidPeriod, s)
		}
	}
	start := NewTimePoint(startYear, pc.startMonth(), 1)
	return Period{Start: start, End: start.AddMonths(12).AddDays(-1)}, nil
}

// Label formats the financial year containing date, e.g. "2024-25".
func (pc PeriodConfig) Label(date TimePoint) string {
	fy := pc.FinancialYearFor(date)
	if fy.Start.Year() == fy.End.Year() {
		return strconv.Itoa(fy.Start.Year())
	}
	return fmt.Sprintf("%d-%02d", fy.Start.Year(), fy.End.Year()%100)
}
