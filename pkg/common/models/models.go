package models

import (
	"time"

	"github.com/google/uuid"
)

// DateLayout is the wire format of every patient date.
const DateLayout = "2006-01-02"

type ActiveStatus string

const (
	StatusActive   ActiveStatus = "Active"
	StatusInactive ActiveStatus = "Inactive"
)

func (s ActiveStatus) Valid() bool {
	return s == StatusActive || s == StatusInactive
}

// PatientRecord is one staging row. A patient has one row per country visited;
// (CustomerID, Country) identifies the row. Zero dates mean the value is missing.
type PatientRecord struct {
	CustomerName      string       `json:"customer_name"`
	CustomerID        string       `json:"customer_id"`
	OpenDate          time.Time    `json:"open_date"`
	LastConsultedDate time.Time    `json:"last_consulted_date"`
	VaccinationType   string       `json:"vaccination_type,omitempty"`
	DoctorConsulted   string       `json:"doctor_consulted,omitempty"`
	State             string       `json:"state,omitempty"`
	Country           string       `json:"country"`
	DOB               time.Time    `json:"dob"`
	IsActive          ActiveStatus `json:"is_active"`
}

// PartitionRecord is a staging row projected into its country partition.
type PartitionRecord struct {
	PatientRecord
	Age                    *int `json:"age"`
	DaysSinceLastConsulted *int `json:"days_since_last_consulted"`
}

// Partition is the handle returned by the schema registry.
type Partition struct {
	Country   string    `json:"country"`
	CreatedAt time.Time `json:"created_at"`
}

type MoveRequest struct {
	CustomerID        string `json:"customer_id"`
	Country           string `json:"country"`
	LastConsultedDate string `json:"last_consulted_date"`
}

type MoveResult struct {
	CustomerID             string    `json:"customer_id"`
	FromCountry            string    `json:"from_country,omitempty"`
	ToCountry              string    `json:"to_country"`
	LastConsultedDate      time.Time `json:"last_consulted_date"`
	Deactivated            []string  `json:"deactivated,omitempty"`
	CreatedStagingRow      bool      `json:"created_staging_row"`
	CreatedPartition       bool      `json:"created_partition"`
	Age                    int       `json:"age"`
	DaysSinceLastConsulted int       `json:"days_since_last_consulted"`
	Changed                bool      `json:"changed"`
	EventID                uuid.UUID `json:"event_id,omitempty"`
}

// MoveEvent is the audit entry written for every move that changed state.
type MoveEvent struct {
	ID                uuid.UUID `json:"id"`
	CustomerID        string    `json:"customer_id"`
	FromCountry       string    `json:"from_country,omitempty"`
	ToCountry         string    `json:"to_country"`
	LastConsultedDate time.Time `json:"last_consulted_date"`
	Deactivated       []string  `json:"deactivated,omitempty"`
	CreatedAt         time.Time `json:"created_at"`
}

type EnrollRequest struct {
	CustomerName      string `json:"customer_name"`
	CustomerID        string `json:"customer_id"`
	OpenDate          string `json:"open_date"`
	LastConsultedDate string `json:"last_consulted_date,omitempty"`
	VaccinationType   string `json:"vaccination_type,omitempty"`
	DoctorConsulted   string `json:"doctor_consulted,omitempty"`
	State             string `json:"state,omitempty"`
	Country           string `json:"country"`
	DOB               string `json:"dob"`
}

// Violation severities.
const (
	SeverityError   = "error"
	SeverityWarning = "warning"
	SeverityInfo    = "info"
)

type Violation struct {
	CustomerID string `json:"customer_id"`
	Country    string `json:"country,omitempty"`
	Detail     string `json:"detail,omitempty"`
}

type CheckResult struct {
	Name       string      `json:"name"`
	Severity   string      `json:"severity"`
	Violations []Violation `json:"violations"`
}

// ViolationReport holds one named list per integrity rule, in rule order.
type ViolationReport struct {
	Scope       string        `json:"scope"`
	CheckedAt   time.Time     `json:"checked_at"`
	RowsScanned int           `json:"rows_scanned"`
	Checks      []CheckResult `json:"checks"`
}

func (r *ViolationReport) Check(name string) []Violation {
	for _, c := range r.Checks {
		if c.Name == name {
			return c.Violations
		}
	}
	return nil
}

func (r *ViolationReport) Total() int {
	total := 0
	for _, c := range r.Checks {
		total += len(c.Violations)
	}
	return total
}

// HasErrors reports whether any error-severity rule found something.
func (r *ViolationReport) HasErrors() bool {
	for _, c := range r.Checks {
		if c.Severity == SeverityError && len(c.Violations) > 0 {
			return true
		}
	}
	return false
}

// Event Bus models
type Event struct {
	ID        string                 `json:"id"`
	Type      string                 `json:"type"` // patient.move, patient.moved, patient.move.failed
	Source    string                 `json:"source"`
	Data      map[string]interface{} `json:"data"`
	Timestamp time.Time              `json:"timestamp"`
	Metadata  map[string]string      `json:"metadata,omitempty"`
}
