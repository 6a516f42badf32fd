// Package validation audits the staging set and the country partitions. It
// only reads, always from a consistent snapshot, and reports rule violations
// instead of failing on them.
package validation

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/synaptica-ai/patient-sync/pkg/common/logger"
	"github.com/synaptica-ai/patient-sync/pkg/common/models"
	"github.com/synaptica-ai/patient-sync/pkg/derived"
	"github.com/synaptica-ai/patient-sync/pkg/observability/metrics"
	"github.com/synaptica-ai/patient-sync/pkg/registry"
	"github.com/synaptica-ai/patient-sync/pkg/store"
)

// Check names. Some are used by both scopes.
const (
	CheckDuplicateCustomerID      = "duplicate_customer_id"
	CheckMultipleActive           = "multiple_active"
	CheckMissingRequiredFields    = "missing_required_fields"
	CheckDuplicateCustomerCountry = "duplicate_customer_country"
	CheckFutureDOB                = "future_dob"
	CheckConsultedBeforeOpen      = "consulted_before_open"
	CheckInvalidActiveStatus      = "invalid_active_status"
	CheckAgeMismatch              = "age_mismatch"
	CheckStaleActivation          = "stale_activation"
	CheckStagingDrift             = "staging_drift"
)

const ScopeStaging = "staging"

// PartitionScope is the report scope of one country partition.
func PartitionScope(country string) string {
	return "partition:" + country
}

type Engine struct {
	store   store.Store
	metrics *metrics.Metrics
	now     func() time.Time
}

type Option func(*Engine)

func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithClock fixes the validation date used for age and DOB checks.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

func NewEngine(s store.Store, opts ...Option) *Engine {
	e := &Engine{store: s, now: time.Now}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// ValidateStaging runs every staging rule. The error is non-nil only when the
// store could not be read.
func (e *Engine) ValidateStaging(ctx context.Context) (*models.ViolationReport, error) {
	var rows []models.PatientRecord
	err := e.store.Snapshot(ctx, func(ctx context.Context, r store.Reader) error {
		var err error
		rows, err = r.ListStaging(ctx)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("reading staging rows: %w", err)
	}

	now := e.now()
	report := CheckStaging(rows, derived.Day(now))
	report.CheckedAt = now.UTC()
	e.finish(report)
	return report, nil
}

// ValidatePartition runs every partition rule against one country.
func (e *Engine) ValidatePartition(ctx context.Context, country string) (*models.ViolationReport, error) {
	code, err := registry.NormalizeCountry(country)
	if err != nil {
		return nil, err
	}

	var (
		rows    []models.PartitionRecord
		staging []models.PatientRecord
	)
	err = e.store.Snapshot(ctx, func(ctx context.Context, r store.Reader) error {
		if _, err := r.GetPartition(ctx, code); err != nil {
			return err
		}
		var err error
		if rows, err = r.ListPartitionRows(ctx, code); err != nil {
			return err
		}
		staging, err = r.ListStaging(ctx)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("reading partition %s: %w", code, err)
	}

	now := e.now()
	report := CheckPartition(code, rows, staging, derived.Day(now))
	report.CheckedAt = now.UTC()
	e.finish(report)
	return report, nil
}

// ValidateAll validates staging and every registered partition concurrently.
// Reports are ordered staging first, then partitions by country.
func (e *Engine) ValidateAll(ctx context.Context) ([]*models.ViolationReport, error) {
	var partitions []models.Partition
	err := e.store.Snapshot(ctx, func(ctx context.Context, r store.Reader) error {
		var err error
		partitions, err = r.ListPartitions(ctx)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("listing partitions: %w", err)
	}

	reports := make([]*models.ViolationReport, len(partitions)+1)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		report, err := e.ValidateStaging(gctx)
		reports[0] = report
		return err
	})
	for i, p := range partitions {
		i, country := i, p.Country
		g.Go(func() error {
			report, err := e.ValidatePartition(gctx, country)
			reports[i+1] = report
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	sort.SliceStable(reports[1:], func(i, j int) bool {
		return reports[1+i].Scope < reports[1+j].Scope
	})
	return reports, nil
}

func (e *Engine) finish(report *models.ViolationReport) {
	e.metrics.ObserveReport(report)

	entry := logger.WithFields(map[string]interface{}{
		"scope":      report.Scope,
		"rows":       report.RowsScanned,
		"violations": report.Total(),
	})
	if report.HasErrors() {
		entry.Warn("validation found errors")
		return
	}
	entry.Info("validation completed")
}

// CheckStaging evaluates the staging rules on rows as of the given date.
func CheckStaging(rows []models.PatientRecord, asOf time.Time) *models.ViolationReport {
	var (
		byCustomer    = make(map[string][]models.PatientRecord)
		byPair        = make(map[[2]string]int)
		missing       []models.Violation
		futureDOB     []models.Violation
		beforeOpen    []models.Violation
		invalidStatus []models.Violation
	)

	for _, row := range rows {
		if row.CustomerID != "" {
			byCustomer[row.CustomerID] = append(byCustomer[row.CustomerID], row)
			byPair[[2]string{row.CustomerID, row.Country}]++
		}

		if fields := missingFields(row, "open_date"); len(fields) > 0 {
			missing = append(missing, violation(row, "missing "+joinFields(fields)))
		}
		if !row.DOB.IsZero() && row.DOB.After(asOf) {
			futureDOB = append(futureDOB, violation(row, "dob "+row.DOB.Format(models.DateLayout)+" is in the future"))
		}
		if !row.OpenDate.IsZero() && !row.LastConsultedDate.IsZero() && row.LastConsultedDate.Before(row.OpenDate) {
			beforeOpen = append(beforeOpen, violation(row, fmt.Sprintf("last consulted %s before open date %s",
				row.LastConsultedDate.Format(models.DateLayout), row.OpenDate.Format(models.DateLayout))))
		}
		if !row.IsActive.Valid() {
			invalidStatus = append(invalidStatus, violation(row, fmt.Sprintf("is_active %q", row.IsActive)))
		}
	}

	var (
		duplicates     []models.Violation
		pairDuplicates []models.Violation
		multipleActive []models.Violation
	)
	for _, id := range sortedIDs(byCustomer) {
		group := byCustomer[id]
		if len(group) > 1 {
			duplicates = append(duplicates, models.Violation{
				CustomerID: id,
				Detail:     fmt.Sprintf("%d rows across countries %s", len(group), joinFields(countries(group))),
			})
		}
		seen := make(map[string]bool)
		for _, row := range group {
			if n := byPair[[2]string{id, row.Country}]; n > 1 && !seen[row.Country] {
				seen[row.Country] = true
				pairDuplicates = append(pairDuplicates, models.Violation{
					CustomerID: id,
					Country:    row.Country,
					Detail:     fmt.Sprintf("%d rows for the same country", n),
				})
			}
		}
		if active := activeCountries(group); len(active) > 1 {
			multipleActive = append(multipleActive, models.Violation{
				CustomerID: id,
				Detail:     "active in " + joinFields(active),
			})
		}
	}

	return &models.ViolationReport{
		Scope:       ScopeStaging,
		RowsScanned: len(rows),
		Checks: []models.CheckResult{
			result(CheckDuplicateCustomerID, models.SeverityInfo, duplicates),
			result(CheckDuplicateCustomerCountry, models.SeverityError, pairDuplicates),
			result(CheckMultipleActive, models.SeverityError, multipleActive),
			result(CheckMissingRequiredFields, models.SeverityError, missing),
			result(CheckFutureDOB, models.SeverityError, futureDOB),
			result(CheckConsultedBeforeOpen, models.SeverityError, beforeOpen),
			result(CheckInvalidActiveStatus, models.SeverityError, invalidStatus),
		},
	}
}

// CheckPartition evaluates the partition rules on the rows of one country.
// staging is used to detect rows whose status drifted from their source row.
func CheckPartition(country string, rows []models.PartitionRecord, staging []models.PatientRecord, asOf time.Time) *models.ViolationReport {
	var (
		byCustomer  = make(map[string][]models.PartitionRecord)
		ageMismatch []models.Violation
		missing     []models.Violation
		drift       []models.Violation
	)

	source := make(map[string]models.PatientRecord)
	for _, s := range staging {
		if s.Country == country {
			source[s.CustomerID] = s
		}
	}

	for _, row := range rows {
		if row.CustomerID != "" {
			byCustomer[row.CustomerID] = append(byCustomer[row.CustomerID], row)
		}

		if fields := missingFields(row.PatientRecord, "last_consulted_date"); len(fields) > 0 {
			missing = append(missing, violation(row.PatientRecord, "missing "+joinFields(fields)))
		}

		if detail := ageDrift(row, asOf); detail != "" {
			ageMismatch = append(ageMismatch, violation(row.PatientRecord, detail))
		}

		src, ok := source[row.CustomerID]
		switch {
		case row.CustomerID == "":
		case !ok:
			drift = append(drift, violation(row.PatientRecord, "no staging row"))
		case src.IsActive != row.IsActive:
			drift = append(drift, violation(row.PatientRecord,
				fmt.Sprintf("partition is %s, staging is %s", row.IsActive, src.IsActive)))
		}
	}

	var (
		duplicates     []models.Violation
		multipleActive []models.Violation
		stale          []models.Violation
	)
	for _, id := range sortedIDs(byCustomer) {
		group := byCustomer[id]
		if len(group) > 1 {
			duplicates = append(duplicates, models.Violation{
				CustomerID: id,
				Country:    country,
				Detail:     fmt.Sprintf("%d rows", len(group)),
			})
		}

		var (
			active int
			latest time.Time
		)
		for _, row := range group {
			if row.IsActive == models.StatusActive {
				active++
			}
			if row.LastConsultedDate.After(latest) {
				latest = row.LastConsultedDate
			}
		}
		if active > 1 {
			multipleActive = append(multipleActive, models.Violation{
				CustomerID: id,
				Country:    country,
				Detail:     fmt.Sprintf("%d active rows", active),
			})
		}
		for _, row := range group {
			if row.IsActive == models.StatusActive && row.LastConsultedDate.Before(latest) {
				stale = append(stale, violation(row.PatientRecord, fmt.Sprintf("active row last consulted %s, latest visit %s",
					row.LastConsultedDate.Format(models.DateLayout), latest.Format(models.DateLayout))))
			}
		}
	}

	return &models.ViolationReport{
		Scope:       PartitionScope(country),
		RowsScanned: len(rows),
		Checks: []models.CheckResult{
			result(CheckDuplicateCustomerID, models.SeverityError, duplicates),
			result(CheckAgeMismatch, models.SeverityError, ageMismatch),
			result(CheckMultipleActive, models.SeverityError, multipleActive),
			result(CheckStaleActivation, models.SeverityError, stale),
			result(CheckMissingRequiredFields, models.SeverityError, missing),
			result(CheckStagingDrift, models.SeverityWarning, drift),
		},
	}
}

// ageDrift describes why the stored age of row is wrong, or returns "".
func ageDrift(row models.PartitionRecord, asOf time.Time) string {
	want, err := derived.Age(row.DOB, asOf)
	switch {
	case err != nil && row.Age == nil:
		return "age and dob missing or invalid"
	case err != nil:
		return fmt.Sprintf("stored age %d but dob is missing or invalid", *row.Age)
	case row.Age == nil:
		return fmt.Sprintf("age missing, expected %d", want)
	case *row.Age != want:
		return fmt.Sprintf("stored age %d, expected %d", *row.Age, want)
	}
	return ""
}

// missingFields lists the empty required fields of row; dateField names the
// date that is required in this scope.
func missingFields(row models.PatientRecord, dateField string) []string {
	var fields []string
	if row.CustomerName == "" {
		fields = append(fields, "customer_name")
	}
	if row.CustomerID == "" {
		fields = append(fields, "customer_id")
	}
	switch dateField {
	case "open_date":
		if row.OpenDate.IsZero() {
			fields = append(fields, dateField)
		}
	case "last_consulted_date":
		if row.LastConsultedDate.IsZero() {
			fields = append(fields, dateField)
		}
	}
	return fields
}

func violation(row models.PatientRecord, detail string) models.Violation {
	return models.Violation{CustomerID: row.CustomerID, Country: row.Country, Detail: detail}
}

func result(name, severity string, violations []models.Violation) models.CheckResult {
	if violations == nil {
		violations = []models.Violation{}
	}
	return models.CheckResult{Name: name, Severity: severity, Violations: violations}
}

func activeCountries(rows []models.PatientRecord) []string {
	var out []string
	for _, row := range rows {
		if row.IsActive == models.StatusActive {
			out = append(out, row.Country)
		}
	}
	sort.Strings(out)
	return out
}

func countries(rows []models.PatientRecord) []string {
	out := make([]string, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.Country)
	}
	sort.Strings(out)
	return out
}

func sortedIDs[T any](groups map[string][]T) []string {
	ids := make([]string, 0, len(groups))
	for id := range groups {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func joinFields(fields []string) string {
	return strings.Join(fields, ", ")
}
