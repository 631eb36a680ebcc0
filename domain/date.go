package domain

import (
	"fmt"
	"time"

	"github.com/bytedance/sonic"
)

// DateLayout is the wire format for deadlines.
const DateLayout = "2006-01-02"

// Date is a deadline calendar day. Time-of-day and zone carry no meaning;
// comparisons look at the calendar day only.
type Date struct {
	time.Time
}

// NewDate builds the date for the given calendar day.
func NewDate(year int, month time.Month, day int) Date {
	return Date{time.Date(year, month, day, 0, 0, 0, 0, time.UTC)}
}

// DateOf truncates t to its calendar day.
func DateOf(t time.Time) Date {
	y, m, d := t.Date()
	return NewDate(y, m, d)
}

// AddDays returns the date n calendar days later.
func (d Date) AddDays(n int) Date {
	return Date{d.Time.AddDate(0, 0, n)}
}

// Equal reports whether both values name the same calendar day.
func (d Date) Equal(o Date) bool {
	y1, m1, day1 := d.Time.Date()
	y2, m2, day2 := o.Time.Date()
	return y1 == y2 && m1 == m2 && day1 == day2
}

func (d Date) String() string {
	return d.Time.Format(DateLayout)
}

// MarshalJSON writes the bare calendar day.
func (d Date) MarshalJSON() ([]byte, error) {
	return []byte(`"` + d.Time.Format(DateLayout) + `"`), nil
}

// UnmarshalJSON accepts bare calendar days and full RFC 3339 timestamps,
// keeping only the day.
func (d *Date) UnmarshalJSON(data []byte) error {
	var s string
	if err := sonic.Unmarshal(data, &s); err != nil {
		return err
	}
	t, err := time.Parse(DateLayout, s)
	if err != nil {
		if t, err = time.Parse(time.RFC3339, s); err != nil {
			return fmt.Errorf("invalid deadline %q", s)
		}
	}
	*d = DateOf(t)
	return nil
}
