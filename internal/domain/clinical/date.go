package clinical

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"time"
)

// Precision records how much of a clinical date the source supplied.
type Precision int

const (
	PrecisionUnknown Precision = iota
	PrecisionYear
	PrecisionMonth
	PrecisionDay
	PrecisionInstant
)

func (p Precision) String() string {
	switch p {
	case PrecisionYear:
		return "year"
	case PrecisionMonth:
		return "month"
	case PrecisionDay:
		return "day"
	case PrecisionInstant:
		return "instant"
	}
	return "unknown"
}

// Date is a clinical date that may be partial. The zero value is
// UnknownDate.
type Date struct {
	Time      time.Time
	Precision Precision
}

// UnknownDate stands in for dates the source omitted.
var UnknownDate = Date{}

// IsUnknown reports whether no date was supplied.
func (d Date) IsUnknown() bool { return d.Precision == PrecisionUnknown }

// String formats the date at its own precision.
func (d Date) String() string {
	switch d.Precision {
	case PrecisionYear:
		return d.Time.Format("2006")
	case PrecisionMonth:
		return d.Time.Format("2006-01")
	case PrecisionDay:
		return d.Time.Format("2006-01-02")
	case PrecisionInstant:
		return d.Time.Format(time.RFC3339)
	}
	return "unknown"
}

// Before orders dates; unknown dates sort last.
func (d Date) Before(o Date) bool {
	switch {
	case d.IsUnknown():
		return false
	case o.IsUnknown():
		return true
	}
	return d.Time.Before(o.Time)
}

func (d Date) MarshalJSON() ([]byte, error) {
	if d.IsUnknown() {
		return []byte("null"), nil
	}
	return json.Marshal(map[string]string{
		"value":     d.String(),
		"precision": d.Precision.String(),
	})
}

var dateLayouts = []struct {
	layout    string
	precision Precision
}{
	{"2006", PrecisionYear},
	{"2006-01", PrecisionMonth},
	{"2006-01-02", PrecisionDay},
	{time.RFC3339Nano, PrecisionInstant},
	{"2006-01-02T15:04:05", PrecisionInstant},
	{"2006-01-02T15:04Z07:00", PrecisionInstant},
	{"2006-01-02T15:04", PrecisionInstant},
}

// ParseDate parses a FHIR date, dateTime or instant. An empty string is
// UnknownDate. Partial dates keep their precision. Anything else that does
// not fit the FHIR grammar is an error.
func ParseDate(s string) (Date, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return UnknownDate, nil
	}
	for _, l := range dateLayouts {
		t, err := time.Parse(l.layout, s)
		if err != nil {
			continue
		}
		return Date{Time: t, Precision: l.precision}, nil
	}
	return UnknownDate, fmt.Errorf("unrecognized date %q", s)
}

var yearPattern = regexp.MustCompile(`\b(1[89]\d\d|2\d\d\d)\b`)

// dateFromText extracts a year from free text such as "childhood, around
// 1998". Text without a year is UnknownDate, never an error.
func dateFromText(s string) Date {
	m := yearPattern.FindString(s)
	if m == "" {
		return UnknownDate
	}
	d, err := ParseDate(m)
	if err != nil {
		return UnknownDate
	}
	return d
}
