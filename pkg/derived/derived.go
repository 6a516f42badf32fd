// Package derived computes the partition-only fields Age and
// DaysSinceLastConsulted. All functions are pure given asOf.
package derived

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/synaptica-ai/patient-sync/pkg/common/models"
)

const secondsPerDay = 24 * 60 * 60

// InvalidDateError reports an unparsable or logically impossible date.
type InvalidDateError struct {
	Field  string
	Value  string
	Reason string
}

func (e *InvalidDateError) Error() string {
	if e.Value == "" {
		return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
	}
	return fmt.Sprintf("invalid %s %q: %s", e.Field, e.Value, e.Reason)
}

func IsInvalidDate(err error) bool {
	var de *InvalidDateError
	return errors.As(err, &de)
}

// ParseDate parses a YYYY-MM-DD value into UTC midnight.
func ParseDate(field, value string) (time.Time, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return time.Time{}, &InvalidDateError{Field: field, Reason: "required"}
	}
	t, err := time.ParseInLocation(models.DateLayout, trimmed, time.UTC)
	if err != nil {
		return time.Time{}, &InvalidDateError{Field: field, Value: value, Reason: "expected YYYY-MM-DD"}
	}
	// The zero time marks a missing date everywhere else.
	if !t.After(time.Time{}) {
		return time.Time{}, &InvalidDateError{Field: field, Value: value, Reason: "must be after 0001-01-01"}
	}
	return t, nil
}

// Day truncates t to its calendar date in UTC.
func Day(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// Age returns completed years between dob and asOf.
func Age(dob, asOf time.Time) (int, error) {
	if dob.IsZero() {
		return 0, &InvalidDateError{Field: "dob", Reason: "missing"}
	}
	dob, asOf = Day(dob), Day(asOf)
	if dob.After(asOf) {
		return 0, &InvalidDateError{
			Field:  "dob",
			Value:  dob.Format(models.DateLayout),
			Reason: "in the future relative to " + asOf.Format(models.DateLayout),
		}
	}

	age := asOf.Year() - dob.Year()
	if asOf.Month() < dob.Month() || (asOf.Month() == dob.Month() && asOf.Day() < dob.Day()) {
		age--
	}
	return age, nil
}

// DaysSinceLastConsulted is asOf minus lastConsulted in whole days. Negative
// results mean a consultation date in the future and are returned as-is.
func DaysSinceLastConsulted(lastConsulted, asOf time.Time) int {
	diff := Day(asOf).Unix() - Day(lastConsulted).Unix()
	return int(diff / secondsPerDay)
}
