package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/synaptica-ai/patient-sync/pkg/common/models"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// stagingRow mirrors the externally bootstrapped staging table. Only the
// patient columns are mapped; the table needs no surrogate key or audit
// columns. Every column is nullable there, so missing values survive the scan
// and reach validation.
type stagingRow struct {
	CustomerName      *string         `gorm:"column:customer_name"`
	CustomerID        *string         `gorm:"column:customer_id;uniqueIndex:idx_staging_customer_country,priority:1"`
	Country           *string         `gorm:"column:country;uniqueIndex:idx_staging_customer_country,priority:2"`
	OpenDate          *datatypes.Date `gorm:"column:open_date"`
	LastConsultedDate *datatypes.Date `gorm:"column:last_consulted_date"`
	VaccinationType   *string         `gorm:"column:vaccination_type"`
	DoctorConsulted   *string         `gorm:"column:doctor_consulted"`
	State             *string         `gorm:"column:state"`
	DOB               *datatypes.Date `gorm:"column:dob"`
	IsActive          *string         `gorm:"column:is_active;index"`
}

func (stagingRow) TableName() string { return "staging_patients" }

// partitionRow is one row of the single partitioned table that replaces the
// per-country tables; (country, customer_id) is the key.
type partitionRow struct {
	Country                string          `gorm:"primaryKey;column:country"`
	CustomerID             string          `gorm:"primaryKey;column:customer_id"`
	CustomerName           *string         `gorm:"column:customer_name"`
	OpenDate               *datatypes.Date `gorm:"column:open_date"`
	LastConsultedDate      *datatypes.Date `gorm:"column:last_consulted_date"`
	VaccinationType        *string         `gorm:"column:vaccination_type"`
	DoctorConsulted        *string         `gorm:"column:doctor_consulted"`
	State                  *string         `gorm:"column:state"`
	DOB                    *datatypes.Date `gorm:"column:dob"`
	IsActive               *string         `gorm:"column:is_active"`
	Age                    *int            `gorm:"column:age"`
	DaysSinceLastConsulted *int            `gorm:"column:days_since_last_consulted"`
	UpdatedAt              time.Time       `gorm:"column:updated_at"`
}

func (partitionRow) TableName() string { return "patient_partitions" }

type countryPartition struct {
	Country   string    `gorm:"primaryKey;column:country"`
	CreatedAt time.Time `gorm:"column:created_at"`
}

func (countryPartition) TableName() string { return "country_partitions" }

type moveEventRow struct {
	ID                uuid.UUID         `gorm:"type:uuid;primaryKey;column:id"`
	CustomerID        string            `gorm:"column:customer_id;index"`
	FromCountry       string            `gorm:"column:from_country"`
	ToCountry         string            `gorm:"column:to_country"`
	LastConsultedDate datatypes.Date    `gorm:"column:last_consulted_date"`
	Payload           datatypes.JSONMap `gorm:"column:payload;type:jsonb"`
	CreatedAt         time.Time         `gorm:"column:created_at"`
}

func (moveEventRow) TableName() string { return "patient_move_events" }

type PostgresStore struct {
	db *gorm.DB
}

func NewPostgres(db *gorm.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// AutoMigrate creates every table this service owns. The staging table is
// normally created by external setup with at least customer_name, customer_id,
// country, open_date, last_consulted_date, vaccination_type, doctor_consulted,
// state, dob and is_active; migrating it here is for local runs.
func (s *PostgresStore) AutoMigrate() error {
	return s.db.AutoMigrate(&stagingRow{}, &countryPartition{}, &partitionRow{}, &moveEventRow{})
}

func (s *PostgresStore) WithinTx(ctx context.Context, fn func(ctx context.Context, w Writer) error) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(ctx, &pgTx{db: tx})
	})
}

func (s *PostgresStore) Snapshot(ctx context.Context, fn func(ctx context.Context, r Reader) error) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(ctx, &pgTx{db: tx})
	}, &sql.TxOptions{Isolation: sql.LevelRepeatableRead, ReadOnly: true})
}

type pgTx struct {
	db *gorm.DB
}

func (t *pgTx) ListStaging(ctx context.Context) ([]models.PatientRecord, error) {
	var rows []stagingRow
	if err := t.db.WithContext(ctx).Order("customer_id, country").Find(&rows).Error; err != nil {
		return nil, err
	}
	return mapStagingRows(rows), nil
}

func (t *pgTx) StagingByCustomer(ctx context.Context, customerID string) ([]models.PatientRecord, error) {
	var rows []stagingRow
	err := t.db.WithContext(ctx).
		Where("customer_id = ?", customerID).
		Order("last_consulted_date, country").
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	return mapStagingRows(rows), nil
}

func (t *pgTx) ListPartitions(ctx context.Context) ([]models.Partition, error) {
	var rows []countryPartition
	if err := t.db.WithContext(ctx).Order("country").Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]models.Partition, 0, len(rows))
	for _, r := range rows {
		out = append(out, models.Partition{Country: r.Country, CreatedAt: r.CreatedAt})
	}
	return out, nil
}

func (t *pgTx) GetPartition(ctx context.Context, country string) (models.Partition, error) {
	var row countryPartition
	err := t.db.WithContext(ctx).Where("country = ?", country).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return models.Partition{}, fmt.Errorf("partition %s: %w", country, ErrNotFound)
	}
	if err != nil {
		return models.Partition{}, err
	}
	return models.Partition{Country: row.Country, CreatedAt: row.CreatedAt}, nil
}

func (t *pgTx) ListPartitionRows(ctx context.Context, country string) ([]models.PartitionRecord, error) {
	var rows []partitionRow
	err := t.db.WithContext(ctx).Where("country = ?", country).Order("customer_id").Find(&rows).Error
	if err != nil {
		return nil, err
	}
	out := make([]models.PartitionRecord, 0, len(rows))
	for _, r := range rows {
		out = append(out, mapPartitionRow(r))
	}
	return out, nil
}

func (t *pgTx) MoveEvents(ctx context.Context, customerID string) ([]models.MoveEvent, error) {
	var rows []moveEventRow
	err := t.db.WithContext(ctx).Where("customer_id = ?", customerID).Order("created_at").Find(&rows).Error
	if err != nil {
		return nil, err
	}
	out := make([]models.MoveEvent, 0, len(rows))
	for _, r := range rows {
		out = append(out, models.MoveEvent{
			ID:                r.ID,
			CustomerID:        r.CustomerID,
			FromCountry:       r.FromCountry,
			ToCountry:         r.ToCountry,
			LastConsultedDate: fromDate(&r.LastConsultedDate),
			Deactivated:       stringSlice(r.Payload["deactivated"]),
			CreatedAt:         r.CreatedAt,
		})
	}
	return out, nil
}

// LockCustomer takes a transaction-scoped advisory lock keyed by the CustomerID.
func (t *pgTx) LockCustomer(ctx context.Context, customerID string) error {
	return t.db.WithContext(ctx).Exec("SELECT pg_advisory_xact_lock(hashtext(?))", customerID).Error
}

func (t *pgTx) InsertStaging(ctx context.Context, rec models.PatientRecord) error {
	row := toStagingRow(rec)
	err := t.db.WithContext(ctx).Create(&row).Error
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return fmt.Errorf("staging %s/%s: %w", rec.CustomerID, rec.Country, ErrConflict)
	}
	return err
}

func (t *pgTx) UpdateStagingVisit(ctx context.Context, customerID, country string, lastConsulted time.Time) error {
	result := t.db.WithContext(ctx).Model(&stagingRow{}).
		Where("customer_id = ? AND country = ?", customerID, country).
		Updates(map[string]interface{}{
			"last_consulted_date": datatypes.Date(lastConsulted),
			"is_active":           string(models.StatusActive),
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("staging %s/%s: %w", customerID, country, ErrNotFound)
	}
	return nil
}

func (t *pgTx) SetStagingStatus(ctx context.Context, customerID, country string, status models.ActiveStatus) error {
	result := t.db.WithContext(ctx).Model(&stagingRow{}).
		Where("customer_id = ? AND country = ?", customerID, country).
		Updates(map[string]interface{}{
			"is_active": string(status),
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("staging %s/%s: %w", customerID, country, ErrNotFound)
	}
	return nil
}

func (t *pgTx) EnsurePartition(ctx context.Context, country string, now time.Time) (models.Partition, bool, error) {
	row := countryPartition{Country: country, CreatedAt: now}
	result := t.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&row)
	if result.Error != nil {
		return models.Partition{}, false, result.Error
	}
	if result.RowsAffected > 0 {
		return models.Partition{Country: country, CreatedAt: now}, true, nil
	}
	p, err := t.GetPartition(ctx, country)
	return p, false, err
}

func (t *pgTx) UpsertPartitionRow(ctx context.Context, rec models.PartitionRecord) error {
	row := toPartitionRow(rec)
	row.UpdatedAt = time.Now().UTC()
	return t.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "country"}, {Name: "customer_id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"last_consulted_date",
			"is_active",
			"age",
			"days_since_last_consulted",
			"updated_at",
		}),
	}).Create(&row).Error
}

func (t *pgTx) SetPartitionStatus(ctx context.Context, country, customerID string, status models.ActiveStatus) error {
	return t.db.WithContext(ctx).Model(&partitionRow{}).
		Where("country = ? AND customer_id = ?", country, customerID).
		Updates(map[string]interface{}{
			"is_active": string(status),
		}).Error
}

func (t *pgTx) AppendMoveEvent(ctx context.Context, ev models.MoveEvent) error {
	row := moveEventRow{
		ID:                ev.ID,
		CustomerID:        ev.CustomerID,
		FromCountry:       ev.FromCountry,
		ToCountry:         ev.ToCountry,
		LastConsultedDate: datatypes.Date(ev.LastConsultedDate),
		Payload: datatypes.JSONMap{
			"deactivated": ev.Deactivated,
		},
		CreatedAt: ev.CreatedAt,
	}
	return t.db.WithContext(ctx).Create(&row).Error
}

func mapStagingRows(rows []stagingRow) []models.PatientRecord {
	out := make([]models.PatientRecord, 0, len(rows))
	for _, r := range rows {
		out = append(out, models.PatientRecord{
			CustomerName:      deref(r.CustomerName),
			CustomerID:        deref(r.CustomerID),
			OpenDate:          fromDate(r.OpenDate),
			LastConsultedDate: fromDate(r.LastConsultedDate),
			VaccinationType:   deref(r.VaccinationType),
			DoctorConsulted:   deref(r.DoctorConsulted),
			State:             deref(r.State),
			Country:           deref(r.Country),
			DOB:               fromDate(r.DOB),
			IsActive:          models.ActiveStatus(deref(r.IsActive)),
		})
	}
	return out
}

func toStagingRow(rec models.PatientRecord) stagingRow {
	return stagingRow{
		CustomerName:      nullable(rec.CustomerName),
		CustomerID:        nullable(rec.CustomerID),
		Country:           nullable(rec.Country),
		OpenDate:          toDate(rec.OpenDate),
		LastConsultedDate: toDate(rec.LastConsultedDate),
		VaccinationType:   nullable(rec.VaccinationType),
		DoctorConsulted:   nullable(rec.DoctorConsulted),
		State:             nullable(rec.State),
		DOB:               toDate(rec.DOB),
		IsActive:          nullable(string(rec.IsActive)),
	}
}

func mapPartitionRow(r partitionRow) models.PartitionRecord {
	return models.PartitionRecord{
		PatientRecord: models.PatientRecord{
			CustomerName:      deref(r.CustomerName),
			CustomerID:        r.CustomerID,
			OpenDate:          fromDate(r.OpenDate),
			LastConsultedDate: fromDate(r.LastConsultedDate),
			VaccinationType:   deref(r.VaccinationType),
			DoctorConsulted:   deref(r.DoctorConsulted),
			State:             deref(r.State),
			Country:           r.Country,
			DOB:               fromDate(r.DOB),
			IsActive:          models.ActiveStatus(deref(r.IsActive)),
		},
		Age:                    r.Age,
		DaysSinceLastConsulted: r.DaysSinceLastConsulted,
	}
}

func toPartitionRow(rec models.PartitionRecord) partitionRow {
	return partitionRow{
		Country:                rec.Country,
		CustomerID:             rec.CustomerID,
		CustomerName:           nullable(rec.CustomerName),
		OpenDate:               toDate(rec.OpenDate),
		LastConsultedDate:      toDate(rec.LastConsultedDate),
		VaccinationType:        nullable(rec.VaccinationType),
		DoctorConsulted:        nullable(rec.DoctorConsulted),
		State:                  nullable(rec.State),
		DOB:                    toDate(rec.DOB),
		IsActive:               nullable(string(rec.IsActive)),
		Age:                    rec.Age,
		DaysSinceLastConsulted: rec.DaysSinceLastConsulted,
	}
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func toDate(t time.Time) *datatypes.Date {
	if t.IsZero() {
		return nil
	}
	d := datatypes.Date(t)
	return &d
}

func fromDate(d *datatypes.Date) time.Time {
	if d == nil {
		return time.Time{}
	}
	t := time.Time(*d)
	if t.IsZero() {
		return t
	}
	y, m, day := t.Date()
	return time.Date(y, m, day, 0, 0, 0, 0, time.UTC)
}

func stringSlice(v interface{}) []string {
	switch vals := v.(type) {
	case []string:
		return vals
	case []interface{}:
		out := make([]string, 0, len(vals))
		for _, item := range vals {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}
