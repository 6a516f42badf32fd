package derived

import (
	"testing"
	"time"
)

func date(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func TestAge(t *testing.T) {
	cases := []struct {
		name string
		dob  time.Time
		asOf time.Time
		want int
	}{
		{"birthday passed", date(1990, 3, 1), date(2023, 10, 15), 33},
		{"birthday today", date(1990, 10, 15), date(2023, 10, 15), 33},
		{"birthday tomorrow", date(1990, 10, 16), date(2023, 10, 15), 32},
		{"later month", date(1990, 12, 1), date(2023, 10, 15), 32},
		{"born today", date(2023, 10, 15), date(2023, 10, 15), 0},
		{"leap day before feb 29", date(2000, 2, 29), date(2023, 2, 28), 22},
		{"leap day on mar 1", date(2000, 2, 29), date(2023, 3, 1), 23},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := Age(tc.dob, tc.asOf)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tc.want {
				t.Fatalf("expected age %d, got %d", tc.want, got)
			}
		})
	}
}

func TestAgeIgnoresTimeOfDay(t *testing.T) {
	asOf := time.Date(2023, 10, 14, 23, 59, 0, 0, time.UTC)
	got, err := Age(date(1990, 10, 15), asOf)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != 32 {
		t.Fatalf("expected 32, got %d", got)
	}
}

func TestAgeRejectsFutureAndMissingDOB(t *testing.T) {
	if _, err := Age(date(2023, 10, 16), date(2023, 10, 15)); !IsInvalidDate(err) {
		t.Fatalf("expected InvalidDateError for future dob, got %v", err)
	}
	if _, err := Age(time.Time{}, date(2023, 10, 15)); !IsInvalidDate(err) {
		t.Fatalf("expected InvalidDateError for missing dob, got %v", err)
	}
}

func TestDaysSinceLastConsulted(t *testing.T) {
	asOf := date(2023, 10, 15)
	if got := DaysSinceLastConsulted(date(2023, 10, 15), asOf); got != 0 {
		t.Fatalf("expected 0, got %d", got)
	}
	if got := DaysSinceLastConsulted(date(2023, 9, 15), asOf); got != 30 {
		t.Fatalf("expected 30, got %d", got)
	}
	if got := DaysSinceLastConsulted(date(2022, 10, 15), asOf); got != 365 {
		t.Fatalf("expected 365, got %d", got)
	}
	if got := DaysSinceLastConsulted(date(2023, 10, 20), asOf); got != -5 {
		t.Fatalf("expected -5 for a future consultation, got %d", got)
	}
}

func TestDaysSinceLastConsultedAcrossCenturies(t *testing.T) {
	// 1723-10-15 to 2023-10-15 is 300 years with 73 leap days.
	want := 300*365 + 73
	if got := DaysSinceLastConsulted(date(1723, 10, 15), date(2023, 10, 15)); got != want {
		t.Fatalf("expected %d, got %d", want, got)
	}
	if got := DaysSinceLastConsulted(date(2023, 10, 15), date(1723, 10, 15)); got != -want {
		t.Fatalf("expected %d, got %d", -want, got)
	}
}

func TestParseDateKeepsEarliestValidDay(t *testing.T) {
	got, err := ParseDate("dob", "0001-01-02")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.IsZero() {
		t.Fatal("parsed date must not be the zero time")
	}
}

func TestParseDate(t *testing.T) {
	got, err := ParseDate("last_consulted_date", " 2023-10-15 ")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !got.Equal(date(2023, 10, 15)) {
		t.Fatalf("unexpected date %v", got)
	}

	for _, bad := range []string{"", "15/10/2023", "2023-13-01", "2023-02-30", "0001-01-01", "0000-06-01"} {
		if _, err := ParseDate("last_consulted_date", bad); !IsInvalidDate(err) {
			t.Fatalf("expected InvalidDateError for %q, got %v", bad, err)
		}
	}
}
