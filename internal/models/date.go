package models

import (
	"fmt"
	"time"
)

const (
	// DateLayout is the user facing date format.
	DateLayout = "2006-01-02"
	// dottedDateLayout is the date format used in release tags and part names.
	dottedDateLayout = "2006.01.02"
)

// Date is a UTC calendar day.
type Date struct {
	t time.Time
}

// DateOf truncates t to its UTC calendar day.
func DateOf(t time.Time) Date {
	y, m, d := t.UTC().Date()
	return Date{t: time.Date(y, m, d, 0, 0, 0, 0, time.UTC)}
}

// ParseDate parses a YYYY-MM-DD string.
func ParseDate(s string) (Date, error) {
	t, err := time.Parse(DateLayout, s)
	if err != nil {
		return Date{}, fmt.Errorf("invalid date %q: expected YYYY-MM-DD", s)
	}
	return Date{t: t}, nil
}

// ParseDottedDate parses a YYYY.MM.DD string as found in release tags.
func ParseDottedDate(s string) (Date, error) {
	t, err := time.Parse(dottedDateLayout, s)
	if err != nil {
		return Date{}, fmt.Errorf("invalid dotted date %q: expected YYYY.MM.DD", s)
	}
	return Date{t: t}, nil
}

func (d Date) String() string { return d.t.Format(DateLayout) }

// Dotted returns the date as YYYY.MM.DD.
func (d Date) Dotted() string { return d.t.Format(dottedDateLayout) }

// Year returns the calendar year.
func (d Date) Year() int { return d.t.Year() }

// Time returns midnight UTC of the day.
func (d Date) Time() time.Time { return d.t }

func (d Date) IsZero() bool { return d.t.IsZero() }

func (d Date) Equal(o Date) bool { return d.t.Equal(o.t) }

func (d Date) Before(o Date) bool { return d.t.Before(o.t) }

// AddDays returns the date n days later.
func (d Date) AddDays(n int) Date {
	return Date{t: d.t.AddDate(0, 0, n)}
}

// DateRange is an inclusive range of days.
type DateRange struct {
	Start Date
	End   Date
}

// NewDateRange validates that start is not after end.
func NewDateRange(start, end Date) (DateRange, error) {
	if end.Before(start) {
		return DateRange{}, fmt.Errorf("start date %s is after end date %s", start, end)
	}
	return DateRange{Start: start, End: end}, nil
}

// Days returns every day of the range in ascending order.
func (r DateRange) Days() []Date {
	var days []Date
	for d := r.Start; !r.End.Before(d); d = d.AddDays(1) {
		days = append(days, d)
	}
	return days
}
