package generic

import (
	"encoding/json"
	"fmt"
	"time"
)

// =============================================================================
// TIME POINT - Calendar day in UTC (ledger dates, due dates, as-of dates)
// =============================================================================

// DateLayout is the wire and storage format of a TimePoint.
const DateLayout = "2006-01-02"

// TimePoint is a calendar day. All comparisons ignore the time of day so
// day arithmetic stays integral regardless of where the value came from.
type TimePoint struct {
	Time time.Time
}

// Constructors
func NewTimePoint(year int, month time.Month, day int) TimePoint {
	return TimePoint{Time: time.Date(year, month, day, 0, 0, 0, 0, time.UTC)}
}

func TimePointOf(t time.Time) TimePoint {
	t = t.UTC()
	return NewTimePoint(t.Year(), t.Month(), t.Day())
}

func Today() TimePoint { return TimePointOf(time.Now()) }

func ParseDate(s string) (TimePoint, error) {
	t, err := time.ParseInLocation(DateLayout, s, time.UTC)
	if err != nil {
		return TimePoint{}, fmt.Errorf("parse date %q: %w", s, err)
	}
	return TimePoint{Time: t}, nil
}

// Comparison
func (tp TimePoint) Before(other TimePoint) bool        { return tp.normalize().Before(other.normalize()) }
func (tp TimePoint) Equal(other TimePoint) bool         { return tp.normalize().Equal(other.normalize()) }
func (tp TimePoint) After(other TimePoint) bool         { return tp.normalize().After(other.normalize()) }
func (tp TimePoint) BeforeOrEqual(other TimePoint) bool { return tp.Before(other) || tp.Equal(other) }
func (tp TimePoint) AfterOrEqual(other TimePoint) bool  { return tp.After(other) || tp.Equal(other) }

func (tp TimePoint) normalize() time.Time {
	t := tp.Time.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// Arithmetic
func (tp TimePoint) AddDays(n int) TimePoint   { return TimePoint{Time: tp.normalize().AddDate(0, 0, n)} }
func (tp TimePoint) AddMonths(n int) TimePoint { return TimePoint{Time: tp.normalize().AddDate(0, n, 0)} }

// Properties
func (tp TimePoint) Year() int         { return tp.normalize().Year() }
func (tp TimePoint) Month() time.Month { return tp.normalize().Month() }
func (tp TimePoint) Day() int          { return tp.normalize().Day() }
func (tp TimePoint) IsZero() bool      { return tp.Time.IsZero() }

func (tp TimePoint) String() string {
	if tp.IsZero() {
		return ""
	}
	return tp.normalize().Format(DateLayout)
}

func (tp TimePoint) MarshalJSON() ([]byte, error) {
	if tp.IsZero() {
		return []byte("null"), nil
	}
	return json.Marshal(tp.String())
}

func (tp *TimePoint) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		*tp = TimePoint{}
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	if s == "" {
		*tp = TimePoint{}
		return nil
	}
	parsed, err := ParseDate(s)
	if err != nil {
		return err
	}
	*tp = parsed
	return nil
}

// =============================================================================
// TIME UTILITIES
// =============================================================================

// DaysBetween returns whole calendar days from -> to (negative if to is earlier).
func DaysBetween(from, to TimePoint) int {
	return int(to.normalize().Sub(from.normalize()).Hours() / 24)
}

func StartOfMonth(year int, month time.Month) TimePoint { return NewTimePoint(year, month, 1) }

func EndOfMonth(year int, month time.Month) TimePoint {
	return TimePoint{Time: time.Date(year, month+1, 1, 0, 0, 0, 0, time.UTC).AddDate(0, 0, -1)}
}

// Clock supplies "today". Engines take one so tests can pin the date.
type Clock interface {
	Today() TimePoint
}

type SystemClock struct{}

func (SystemClock) Today() TimePoint { return Today() }

// FixedClock always returns the same day.
type FixedClock struct {
	Day TimePoint
}

func (c FixedClock) Today() TimePoint { return c.Day }
