// Package date provides a calendar-day value type. Records are compared at
// day granularity; any time-of-day or zone information is dropped on entry.
package date

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Layout is the canonical ISO-8601 representation.
const Layout = "2006-01-02"

// readLayouts are tried in order by Parse.
var readLayouts = []string{
	"2006-1-2",
	"02-01-2006",
	"02/01/2006",
	"2-1-2006",
	"2/1/2006",
	time.RFC3339,
	time.RFC3339Nano,
}

const day = 24 * time.Hour

// Date is a day with no finer granularity. The zero value is "no date".
type Date struct {
	y int
	m time.Month
	d int
}

// New returns a normalized Date for the given year, month, and day.
func New(year int, month time.Month, day int) Date {
	d := Date{year, month, day}
	d.y, d.m, d.d = d.time().Date()
	return d
}

// FromTime truncates t to its calendar day in t's own location.
func FromTime(t time.Time) Date { return New(t.Date()) }

func (d Date) time() time.Time { return time.Date(d.y, d.m, d.d, 0, 0, 0, 0, time.UTC) }

// IsZero reports whether d is the zero Date.
func (d Date) IsZero() bool { return d == Date{} }

// Year returns the year.
func (d Date) Year() int { return d.y }

// Month returns the month.
func (d Date) Month() time.Month { return d.m }

// Day returns the day of the month.
func (d Date) Day() int { return d.d }

// Add returns d shifted by n days.
func (d Date) Add(n int) Date { return New(d.y, d.m, d.d+n) }

// Before reports whether d is before x.
func (d Date) Before(x Date) bool { return d.time().Before(x.time()) }

// After reports whether d is after x.
func (d Date) After(x Date) bool { return d.time().After(x.time()) }

// Ordinal returns the number of days since 1970-01-01; usable as a bucket key.
func (d Date) Ordinal() int { return int(d.time().Unix() / int64(day/time.Second)) }

// DaysBetween returns x minus d in days.
func (d Date) DaysBetween(x Date) int { return x.Ordinal() - d.Ordinal() }

// AbsDays returns the absolute day distance between d and x.
func (d Date) AbsDays(x Date) int {
	n := d.DaysBetween(x)
	if n < 0 {
		return -n
	}
	return n
}

// Time returns midnight UTC on d.
func (d Date) Time() time.Time { return d.time() }

// String formats the date as YYYY-MM-DD.
func (d Date) String() string { return d.time().Format(Layout) }

// Parse accepts YYYY-M-D, DD-MM-YYYY, DD/MM/YYYY and RFC 3339 timestamps.
func Parse(str string) (Date, error) {
	str = strings.TrimSpace(str)
	if str == "" {
		return Date{}, fmt.Errorf("empty date")
	}
	for _, layout := range readLayouts {
		if on, err := time.Parse(layout, str); err == nil {
			return FromTime(on), nil
		}
	}
	return Date{}, fmt.Errorf("invalid date %q", str)
}

// MustParse is like Parse but panics on error.
func MustParse(str string) Date {
	d, err := Parse(str)
	if err != nil {
		panic(err.Error())
	}
	return d
}

func (d *Date) UnmarshalJSON(b []byte) error {
	var str string
	if err := json.Unmarshal(b, &str); err != nil {
		return err
	}
	if str == "" {
		*d = Date{}
		return nil
	}
	parsed, err := Parse(str)
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}

func (d Date) MarshalJSON() ([]byte, error) {
	if d.IsZero() {
		return json.Marshal("")
	}
	return json.Marshal(d.String())
}

var _ json.Marshaler = Date{}
var _ json.Unmarshaler = (*Date)(nil)
