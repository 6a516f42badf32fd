// Package patientsync moves patients between countries. A move rewrites the
// staging rows of one CustomerID and their partition projections in a single
// transaction so that at most one row per CustomerID is ever Active.
package patientsync

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/synaptica-ai/patient-sync/pkg/common/logger"
	"github.com/synaptica-ai/patient-sync/pkg/common/models"
	"github.com/synaptica-ai/patient-sync/pkg/derived"
	"github.com/synaptica-ai/patient-sync/pkg/observability/metrics"
	"github.com/synaptica-ai/patient-sync/pkg/registry"
	"github.com/synaptica-ai/patient-sync/pkg/store"
)

const (
	EventTypeMove       = "patient.move"
	EventTypeMoved      = "patient.moved"
	EventTypeMoveFailed = "patient.move.failed"

	serviceName = "patient-sync-service"
)

// EventPublisher is satisfied by *kafka.Producer.
type EventPublisher interface {
	PublishEvent(ctx context.Context, eventType string, source string, data map[string]interface{}) error
}

type Service struct {
	store     store.Store
	registry  *registry.Registry
	publisher EventPublisher
	metrics   *metrics.Metrics
	now       func() time.Time
	newID     func() uuid.UUID
}

type Option func(*Service)

func WithPublisher(p EventPublisher) Option {
	return func(s *Service) { s.publisher = p }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

// WithClock fixes the date used for derived fields.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

func NewService(s store.Store, reg *registry.Registry, opts ...Option) *Service {
	svc := &Service{
		store:    s,
		registry: reg,
		now:      time.Now,
		newID:    uuid.New,
	}
	for _, opt := range opts {
		opt(svc)
	}
	return svc
}

// History is every staging row a patient has, plus the recorded moves.
type History struct {
	CustomerID string                 `json:"customer_id"`
	Records    []models.PatientRecord `json:"records"`
	Moves      []models.MoveEvent     `json:"moves"`
}

// MovePatient makes req.Country the patient's only active country.
func (s *Service) MovePatient(ctx context.Context, req models.MoveRequest) (*models.MoveResult, error) {
	fields := map[string]interface{}{
		"customer_id": req.CustomerID,
		"country":     req.Country,
	}

	result, err := s.movePatient(ctx, req)
	if err != nil {
		s.metrics.ObserveMove(metrics.OutcomeFailed)
		logger.WithFields(fields).WithError(err).Warn("patient move failed")
		return nil, err
	}

	if result.CreatedPartition {
		s.metrics.IncrementPartitionsCreated()
	}
	if !result.Changed {
		s.metrics.ObserveMove(metrics.OutcomeNoop)
		logger.WithFields(fields).Debug("patient move was a no-op")
		return result, nil
	}

	s.metrics.ObserveMove(metrics.OutcomeMoved)
	fields["from_country"] = result.FromCountry
	fields["deactivated"] = result.Deactivated
	logger.WithFields(fields).Info("patient moved")
	s.publishMoved(ctx, result)
	return result, nil
}

func (s *Service) movePatient(ctx context.Context, req models.MoveRequest) (*models.MoveResult, error) {
	customerID := strings.TrimSpace(req.CustomerID)
	if customerID == "" {
		return nil, &UnknownPatientError{}
	}
	country, err := registry.NormalizeCountry(req.Country)
	if err != nil {
		return nil, err
	}
	lastConsulted, err := derived.ParseDate("last_consulted_date", req.LastConsultedDate)
	if err != nil {
		return nil, err
	}
	asOf := derived.Day(s.now())

	var result *models.MoveResult
	err = s.store.WithinTx(ctx, func(ctx context.Context, w store.Writer) error {
		if err := w.LockCustomer(ctx, customerID); err != nil {
			return storageErr("lock customer", err)
		}
		rows, err := w.StagingByCustomer(ctx, customerID)
		if err != nil {
			return storageErr("load staging rows", err)
		}
		if len(rows) == 0 {
			return &UnknownPatientError{CustomerID: customerID}
		}

		prior, hasPrior := activeRow(rows)
		seed := prior
		if !hasPrior {
			seed = latestRow(rows)
		}

		if !seed.OpenDate.IsZero() && lastConsulted.Before(seed.OpenDate) {
			return &derived.InvalidDateError{
				Field:  "last_consulted_date",
				Value:  req.LastConsultedDate,
				Reason: "precedes open date " + seed.OpenDate.Format(models.DateLayout),
			}
		}
		age, err := derived.Age(seed.DOB, asOf)
		if err != nil {
			return err
		}
		days := derived.DaysSinceLastConsulted(lastConsulted, asOf)

		res := &models.MoveResult{
			CustomerID:             customerID,
			ToCountry:              country,
			LastConsultedDate:      lastConsulted,
			Age:                    age,
			DaysSinceLastConsulted: days,
		}
		if hasPrior {
			res.FromCountry = prior.Country
		}

		existing, hasExisting := rowFor(rows, country)
		changed := !hasExisting ||
			existing.IsActive != models.StatusActive ||
			!existing.LastConsultedDate.Equal(lastConsulted)

		// Deactivate before activating so no reader sees two Active rows.
		inactive := make(map[string]struct{})
		for _, row := range rows {
			if row.Country == country {
				continue
			}
			switch row.IsActive {
			case models.StatusActive:
				if err := w.SetStagingStatus(ctx, customerID, row.Country, models.StatusInactive); err != nil {
					return storageErr("deactivate staging row", err)
				}
				res.Deactivated = append(res.Deactivated, row.Country)
				inactive[row.Country] = struct{}{}
				changed = true
			case models.StatusInactive:
				inactive[row.Country] = struct{}{}
			}
		}

		if hasExisting {
			if err := w.UpdateStagingVisit(ctx, customerID, country, lastConsulted); err != nil {
				return storageErr("update staging row", err)
			}
		} else {
			rec := carryOver(seed, country, lastConsulted)
			if err := w.InsertStaging(ctx, rec); err != nil {
				return storageErr("insert staging row", err)
			}
			res.CreatedStagingRow = true
		}

		_, created, err := s.registry.Ensure(ctx, w, country)
		if err != nil {
			return storageErr("ensure partition", err)
		}
		res.CreatedPartition = created

		partitionRec := models.PartitionRecord{
			PatientRecord:          carryOver(seed, country, lastConsulted),
			Age:                    &age,
			DaysSinceLastConsulted: &days,
		}
		if err := w.UpsertPartitionRow(ctx, partitionRec); err != nil {
			return storageErr("upsert partition row", err)
		}

		for _, c := range sortedKeys(inactive) {
			if err := w.SetPartitionStatus(ctx, c, customerID, models.StatusInactive); err != nil {
				return storageErr("deactivate partition row", err)
			}
		}

		res.Changed = changed
		if changed {
			ev := models.MoveEvent{
				ID:                s.newID(),
				CustomerID:        customerID,
				FromCountry:       res.FromCountry,
				ToCountry:         country,
				LastConsultedDate: lastConsulted,
				Deactivated:       res.Deactivated,
				CreatedAt:         s.now().UTC(),
			}
			if err := w.AppendMoveEvent(ctx, ev); err != nil {
				return storageErr("record move event", err)
			}
			res.EventID = ev.ID
		}

		result = res
		return nil
	})
	if err != nil {
		return nil, classify("commit move", err)
	}
	return result, nil
}

// Enroll inserts the first staging row of a new patient and projects it into
// its partition.
func (s *Service) Enroll(ctx context.Context, req models.EnrollRequest) (*models.PatientRecord, error) {
	rec, err := s.enrollmentRecord(req)
	if err != nil {
		return nil, err
	}
	asOf := derived.Day(s.now())
	age, err := derived.Age(rec.DOB, asOf)
	if err != nil {
		return nil, err
	}
	days := derived.DaysSinceLastConsulted(rec.LastConsultedDate, asOf)

	var created bool
	err = s.store.WithinTx(ctx, func(ctx context.Context, w store.Writer) error {
		if err := w.LockCustomer(ctx, rec.CustomerID); err != nil {
			return storageErr("lock customer", err)
		}
		rows, err := w.StagingByCustomer(ctx, rec.CustomerID)
		if err != nil {
			return storageErr("load staging rows", err)
		}
		if len(rows) > 0 {
			return fmt.Errorf("patient %s already enrolled: %w", rec.CustomerID, store.ErrConflict)
		}
		if err := w.InsertStaging(ctx, rec); err != nil {
			if errors.Is(err, store.ErrConflict) {
				return err
			}
			return storageErr("insert staging row", err)
		}
		if _, created, err = s.registry.Ensure(ctx, w, rec.Country); err != nil {
			return storageErr("ensure partition", err)
		}
		partitionRec := models.PartitionRecord{
			PatientRecord:          rec,
			Age:                    &age,
			DaysSinceLastConsulted: &days,
		}
		if err := w.UpsertPartitionRow(ctx, partitionRec); err != nil {
			return storageErr("upsert partition row", err)
		}
		return nil
	})
	if err != nil {
		return nil, classify("commit enrollment", err)
	}
	if created {
		s.metrics.IncrementPartitionsCreated()
	}

	logger.WithFields(map[string]interface{}{
		"customer_id": rec.CustomerID,
		"country":     rec.Country,
	}).Info("patient enrolled")
	return &rec, nil
}

func (s *Service) enrollmentRecord(req models.EnrollRequest) (models.PatientRecord, error) {
	name := strings.TrimSpace(req.CustomerName)
	id := strings.TrimSpace(req.CustomerID)
	if name == "" || id == "" {
		return models.PatientRecord{}, fmt.Errorf("customer_name and customer_id are required: %w", ErrInvalidEnrollment)
	}
	country, err := registry.NormalizeCountry(req.Country)
	if err != nil {
		return models.PatientRecord{}, err
	}
	openDate, err := derived.ParseDate("open_date", req.OpenDate)
	if err != nil {
		return models.PatientRecord{}, err
	}
	dob, err := derived.ParseDate("dob", req.DOB)
	if err != nil {
		return models.PatientRecord{}, err
	}
	lastConsulted := openDate
	if strings.TrimSpace(req.LastConsultedDate) != "" {
		if lastConsulted, err = derived.ParseDate("last_consulted_date", req.LastConsultedDate); err != nil {
			return models.PatientRecord{}, err
		}
		if lastConsulted.Before(openDate) {
			return models.PatientRecord{}, &derived.InvalidDateError{
				Field:  "last_consulted_date",
				Value:  req.LastConsultedDate,
				Reason: "precedes open date " + req.OpenDate,
			}
		}
	}

	return models.PatientRecord{
		CustomerName:      name,
		CustomerID:        id,
		OpenDate:          openDate,
		LastConsultedDate: lastConsulted,
		VaccinationType:   strings.TrimSpace(req.VaccinationType),
		DoctorConsulted:   strings.TrimSpace(req.DoctorConsulted),
		State:             strings.TrimSpace(req.State),
		Country:           country,
		DOB:               dob,
		IsActive:          models.StatusActive,
	}, nil
}

// History returns the staging rows of customerID ordered by visit date.
func (s *Service) History(ctx context.Context, customerID string) (*History, error) {
	h := &History{CustomerID: strings.TrimSpace(customerID)}
	err := s.store.Snapshot(ctx, func(ctx context.Context, r store.Reader) error {
		var err error
		if h.Records, err = r.StagingByCustomer(ctx, h.CustomerID); err != nil {
			return err
		}
		h.Moves, err = r.MoveEvents(ctx, h.CustomerID)
		return err
	})
	if err != nil {
		return nil, storageErr("load history", err)
	}
	if len(h.Records) == 0 {
		return nil, &UnknownPatientError{CustomerID: h.CustomerID}
	}
	sort.SliceStable(h.Records, func(i, j int) bool {
		return h.Records[i].LastConsultedDate.Before(h.Records[j].LastConsultedDate)
	})
	return h, nil
}

func (s *Service) publishMoved(ctx context.Context, res *models.MoveResult) {
	if s.publisher == nil {
		return
	}
	payload := map[string]interface{}{
		"customer_id":               res.CustomerID,
		"from_country":              res.FromCountry,
		"to_country":                res.ToCountry,
		"last_consulted_date":       res.LastConsultedDate.Format(models.DateLayout),
		"deactivated":               res.Deactivated,
		"age":                       res.Age,
		"days_since_last_consulted": res.DaysSinceLastConsulted,
		"event_id":                  res.EventID.String(),
	}
	if err := s.publisher.PublishEvent(ctx, EventTypeMoved, serviceName, payload); err != nil {
		logger.Log.WithError(err).WithField("customer_id", res.CustomerID).Error("failed to publish move event")
	}
}

// activeRow picks the Active row; if the data already holds several, the one
// with the latest visit wins.
func activeRow(rows []models.PatientRecord) (models.PatientRecord, bool) {
	var (
		best  models.PatientRecord
		found bool
	)
	for _, row := range rows {
		if row.IsActive != models.StatusActive {
			continue
		}
		if !found || row.LastConsultedDate.After(best.LastConsultedDate) {
			best, found = row, true
		}
	}
	return best, found
}

func latestRow(rows []models.PatientRecord) models.PatientRecord {
	best := rows[0]
	for _, row := range rows[1:] {
		if row.LastConsultedDate.After(best.LastConsultedDate) {
			best = row
		}
	}
	return best
}

func rowFor(rows []models.PatientRecord, country string) (models.PatientRecord, bool) {
	for _, row := range rows {
		if row.Country == country {
			return row, true
		}
	}
	return models.PatientRecord{}, false
}

// carryOver copies the immutable enrollment fields of seed into a new Active
// row for country.
func carryOver(seed models.PatientRecord, country string, lastConsulted time.Time) models.PatientRecord {
	return models.PatientRecord{
		CustomerName:      seed.CustomerName,
		CustomerID:        seed.CustomerID,
		OpenDate:          seed.OpenDate,
		LastConsultedDate: lastConsulted,
		VaccinationType:   seed.VaccinationType,
		DoctorConsulted:   seed.DoctorConsulted,
		State:             seed.State,
		Country:           country,
		DOB:               seed.DOB,
		IsActive:          models.StatusActive,
	}
}

func sortedKeys(set map[string]struct{}) []string {
	keys := make([]string, 0, len(set))
	for k := range set {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
