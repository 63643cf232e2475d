package clinical

import (
	"encoding/json"
	"testing"
	"time"
)

func TestParseDate(t *testing.T) {
	tests := []struct {
		in        string
		precision Precision
		want      string
		wantErr   bool
	}{
		{"", PrecisionUnknown, "unknown", false},
		{"   ", PrecisionUnknown, "unknown", false},
		{"2019", PrecisionYear, "2019", false},
		{"2019-04", PrecisionMonth, "2019-04", false},
		{"2019-04-12", PrecisionDay, "2019-04-12", false},
		{"2019-04-12T08:30:00Z", PrecisionInstant, "2019-04-12T08:30:00Z", false},
		{"2019-04-12T08:30:00.123+02:00", PrecisionInstant, "2019-04-12T08:30:00+02:00", false},
		{"2019-04-12T08:30:00", PrecisionInstant, "2019-04-12T08:30:00Z", false},
		{"2019-13-01", PrecisionUnknown, "", true},
		{"04/12/2019", PrecisionUnknown, "", true},
		{"yesterday", PrecisionUnknown, "", true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			d, err := ParseDate(tt.in)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("expected error, got %v", d)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if d.Precision != tt.precision {
				t.Errorf("precision = %v, want %v", d.Precision, tt.precision)
			}
			if d.String() != tt.want {
				t.Errorf("String() = %q, want %q", d.String(), tt.want)
			}
		})
	}
}

func TestDateFromText(t *testing.T) {
	if d := dateFromText("since childhood, around 1998"); d.Precision != PrecisionYear || d.Time.Year() != 1998 {
		t.Errorf("got %v", d)
	}
	if d := dateFromText("as a teenager"); !d.IsUnknown() {
		t.Errorf("expected UnknownDate, got %v", d)
	}
}

func TestDate_Before(t *testing.T) {
	a := Date{Time: time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC), Precision: PrecisionYear}
	b := Date{Time: time.Date(2021, 1, 1, 0, 0, 0, 0, time.UTC), Precision: PrecisionYear}
	if !a.Before(b) || b.Before(a) {
		t.Error("known dates out of order")
	}
	if !a.Before(UnknownDate) || UnknownDate.Before(a) {
		t.Error("unknown dates should sort last")
	}
}

func TestDate_MarshalJSON(t *testing.T) {
	out, err := json.Marshal(struct {
		A Date `json:"a"`
		B Date `json:"b"`
	}{A: UnknownDate, B: Date{Time: time.Date(2022, 6, 1, 0, 0, 0, 0, time.UTC), Precision: PrecisionMonth}})
	if err != nil {
		t.Fatal(err)
	}
	want := `{"a":null,"b":{"precision":"month","value":"2022-06"}}`
	if string(out) != want {
		t.Errorf("got %s, want %s", out, want)
	}
}
