package patientsync

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/synaptica-ai/patient-sync/pkg/common/models"
	"github.com/synaptica-ai/patient-sync/pkg/derived"
	"github.com/synaptica-ai/patient-sync/pkg/observability/metrics"
	"github.com/synaptica-ai/patient-sync/pkg/registry"
	"github.com/synaptica-ai/patient-sync/pkg/store"
)

var today = time.Date(2023, 10, 20, 14, 30, 0, 0, time.UTC)

func date(s string) time.Time {
	t, err := time.Parse(models.DateLayout, s)
	if err != nil {
		panic(err)
	}
	return t
}

func intPtr(v int) *int { return &v }

func alexUSA() models.PatientRecord {
	return models.PatientRecord{
		CustomerName:      "Alex",
		CustomerID:        "123457",
		OpenDate:          date("2010-10-12"),
		LastConsultedDate: date("2012-10-13"),
		VaccinationType:   "MVD",
		DoctorConsulted:   "Paul",
		State:             "SA",
		Country:           "USA",
		DOB:               date("1987-06-03"),
		IsActive:          models.StatusActive,
	}
}

type publishedEvent struct {
	Type string
	Data map[string]interface{}
}

type fakePublisher struct {
	mu     sync.Mutex
	events []publishedEvent
	err    error
}

func (f *fakePublisher) PublishEvent(ctx context.Context, eventType string, source string, data map[string]interface{}) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.events = append(f.events, publishedEvent{Type: eventType, Data: data})
	return nil
}

type fixture struct {
	store     *store.MemoryStore
	service   *Service
	metrics   *metrics.Metrics
	publisher *fakePublisher
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	clock := func() time.Time { return today }
	mem := store.NewMemory()
	usa := alexUSA()
	mem.Seed([]models.PatientRecord{usa}, []models.PartitionRecord{{
		PatientRecord:          usa,
		Age:                    intPtr(36),
		DaysSinceLastConsulted: intPtr(4024),
	}})

	m := metrics.New(prometheus.NewRegistry())
	pub := &fakePublisher{}
	reg := registry.New(mem, registry.WithClock(clock))
	svc := NewService(mem, reg, WithClock(clock), WithMetrics(m), WithPublisher(pub))
	return &fixture{store: mem, service: svc, metrics: m, publisher: pub}
}

func (f *fixture) staging(t *testing.T, customerID string) map[string]models.PatientRecord {
	t.Helper()
	out := make(map[string]models.PatientRecord)
	err := f.store.Snapshot(context.Background(), func(ctx context.Context, r store.Reader) error {
		rows, err := r.StagingByCustomer(ctx, customerID)
		for _, row := range rows {
			out[row.Country] = row
		}
		return err
	})
	require.NoError(t, err)
	return out
}

func (f *fixture) partitionRow(t *testing.T, country, customerID string) (models.PartitionRecord, bool) {
	t.Helper()
	var (
		found models.PartitionRecord
		ok    bool
	)
	err := f.store.Snapshot(context.Background(), func(ctx context.Context, r store.Reader) error {
		rows, err := r.ListPartitionRows(ctx, country)
		for _, row := range rows {
			if row.CustomerID == customerID {
				found, ok = row, true
			}
		}
		return err
	})
	require.NoError(t, err)
	return found, ok
}

func countActive(rows map[string]models.PatientRecord) int {
	n := 0
	for _, row := range rows {
		if row.IsActive == models.StatusActive {
			n++
		}
	}
	return n
}

func TestMovePatientUSAToIND(t *testing.T) {
	f := newFixture(t)

	res, err := f.service.MovePatient(context.Background(), models.MoveRequest{
		CustomerID:        "123457",
		Country:           "IND",
		LastConsultedDate: "2023-10-15",
	})
	require.NoError(t, err)

	assert.True(t, res.Changed)
	assert.Equal(t, "USA", res.FromCountry)
	assert.Equal(t, "IND", res.ToCountry)
	assert.Equal(t, []string{"USA"}, res.Deactivated)
	assert.True(t, res.CreatedStagingRow)
	assert.True(t, res.CreatedPartition)
	assert.Equal(t, 36, res.Age)
	assert.Equal(t, 5, res.DaysSinceLastConsulted)

	rows := f.staging(t, "123457")
	require.Len(t, rows, 2)
	assert.Equal(t, models.StatusInactive, rows["USA"].IsActive)
	assert.Equal(t, models.StatusActive, rows["IND"].IsActive)
	assert.Equal(t, date("2023-10-15"), rows["IND"].LastConsultedDate)
	assert.Equal(t, "Alex", rows["IND"].CustomerName)
	assert.Equal(t, date("2010-10-12"), rows["IND"].OpenDate)
	assert.Equal(t, date("1987-06-03"), rows["IND"].DOB)
	assert.Equal(t, "MVD", rows["IND"].VaccinationType)

	ind, ok := f.partitionRow(t, "IND", "123457")
	require.True(t, ok)
	assert.Equal(t, models.StatusActive, ind.IsActive)
	require.NotNil(t, ind.Age)
	assert.Equal(t, 36, *ind.Age)
	require.NotNil(t, ind.DaysSinceLastConsulted)
	assert.Equal(t, 5, *ind.DaysSinceLastConsulted)

	usa, ok := f.partitionRow(t, "USA", "123457")
	require.True(t, ok)
	assert.Equal(t, models.StatusInactive, usa.IsActive)

	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.Moves.WithLabelValues(metrics.OutcomeMoved)))
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.PartitionsCreated))

	require.Len(t, f.publisher.events, 1)
	assert.Equal(t, EventTypeMoved, f.publisher.events[0].Type)
	assert.Equal(t, "IND", f.publisher.events[0].Data["to_country"])
	assert.Equal(t, "123457", f.publisher.events[0].Data["customer_id"])
}

func TestMovePatientIsIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	req := models.MoveRequest{CustomerID: "123457", Country: "IND", LastConsultedDate: "2023-10-15"}

	_, err := f.service.MovePatient(ctx, req)
	require.NoError(t, err)
	stagingBefore := f.staging(t, "123457")
	partitionBefore, _ := f.partitionRow(t, "IND", "123457")

	res, err := f.service.MovePatient(ctx, req)
	require.NoError(t, err)
	assert.False(t, res.Changed)
	assert.Empty(t, res.Deactivated)
	assert.False(t, res.CreatedStagingRow)
	assert.False(t, res.CreatedPartition)

	assert.Equal(t, stagingBefore, f.staging(t, "123457"))
	partitionAfter, _ := f.partitionRow(t, "IND", "123457")
	assert.Equal(t, partitionBefore, partitionAfter)

	history, err := f.service.History(ctx, "123457")
	require.NoError(t, err)
	assert.Len(t, history.Moves, 1)
	assert.Len(t, f.publisher.events, 1)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.Moves.WithLabelValues(metrics.OutcomeNoop)))
}

func TestMovePatientKeepsOneActiveRow(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	moves := []models.MoveRequest{
		{CustomerID: "123457", Country: "IND", LastConsultedDate: "2023-01-10"},
		{CustomerID: "123457", Country: "AUS", LastConsultedDate: "2023-03-02"},
		{CustomerID: "123457", Country: "usa", LastConsultedDate: "2023-06-30"},
		{CustomerID: "123457", Country: "IND", LastConsultedDate: "2023-09-01"},
	}
	for _, req := range moves {
		_, err := f.service.MovePatient(ctx, req)
		require.NoError(t, err)

		rows := f.staging(t, "123457")
		assert.Equal(t, 1, countActive(rows), "after move to %s", req.Country)

		active := 0
		for _, country := range []string{"USA", "IND", "AUS"} {
			if row, ok := f.partitionRow(t, country, "123457"); ok && row.IsActive == models.StatusActive {
				active++
			}
		}
		assert.Equal(t, 1, active, "partitions after move to %s", req.Country)
	}

	rows := f.staging(t, "123457")
	assert.Len(t, rows, 3)
	assert.Equal(t, models.StatusActive, rows["IND"].IsActive)
	assert.Equal(t, date("2023-09-01"), rows["IND"].LastConsultedDate)
	assert.Equal(t, date("2023-06-30"), rows["USA"].LastConsultedDate)
}

func TestMovePatientUnknownPatient(t *testing.T) {
	f := newFixture(t)

	_, err := f.service.MovePatient(context.Background(), models.MoveRequest{
		CustomerID:        "999999",
		Country:           "IND",
		LastConsultedDate: "2023-10-15",
	})
	require.Error(t, err)
	assert.True(t, IsUnknownPatient(err))
	assert.True(t, IsPermanent(err))

	assert.Empty(t, f.staging(t, "999999"))
	partitions, err := registry.New(f.store).List(context.Background())
	require.NoError(t, err)
	assert.Len(t, partitions, 1)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.Moves.WithLabelValues(metrics.OutcomeFailed)))
}

func TestMovePatientRejectsInvalidDates(t *testing.T) {
	cases := map[string]string{
		"unparsable":       "15/10/2023",
		"empty":            "",
		"before open date": "2009-01-01",
	}
	for name, value := range cases {
		t.Run(name, func(t *testing.T) {
			f := newFixture(t)
			before := f.staging(t, "123457")

			_, err := f.service.MovePatient(context.Background(), models.MoveRequest{
				CustomerID:        "123457",
				Country:           "IND",
				LastConsultedDate: value,
			})
			require.Error(t, err)
			assert.True(t, derived.IsInvalidDate(err))
			assert.Equal(t, before, f.staging(t, "123457"))
			_, ok := f.partitionRow(t, "IND", "123457")
			assert.False(t, ok)
		})
	}
}

func TestMovePatientRejectsInvalidCountry(t *testing.T) {
	f := newFixture(t)
	_, err := f.service.MovePatient(context.Background(), models.MoveRequest{
		CustomerID:        "123457",
		Country:           "IND'); DROP TABLE x;--",
		LastConsultedDate: "2023-10-15",
	})
	assert.ErrorIs(t, err, registry.ErrInvalidCountry)
}

func TestMovePatientReactivatesExistingRow(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.service.MovePatient(ctx, models.MoveRequest{CustomerID: "123457", Country: "IND", LastConsultedDate: "2023-10-01"})
	require.NoError(t, err)
	res, err := f.service.MovePatient(ctx, models.MoveRequest{CustomerID: "123457", Country: "USA", LastConsultedDate: "2023-10-15"})
	require.NoError(t, err)

	assert.False(t, res.CreatedStagingRow)
	assert.False(t, res.CreatedPartition)
	assert.Equal(t, "IND", res.FromCountry)

	rows := f.staging(t, "123457")
	assert.Equal(t, models.StatusActive, rows["USA"].IsActive)
	assert.Equal(t, date("2023-10-15"), rows["USA"].LastConsultedDate)

	usa, ok := f.partitionRow(t, "USA", "123457")
	require.True(t, ok)
	assert.Equal(t, models.StatusActive, usa.IsActive)
	assert.Equal(t, 5, *usa.DaysSinceLastConsulted)
}

func TestMovePatientWithoutActiveRowSeedsFromLatest(t *testing.T) {
	mem := store.NewMemory()
	old := alexUSA()
	old.IsActive = models.StatusInactive
	mem.Seed([]models.PatientRecord{old}, nil)
	clock := func() time.Time { return today }
	svc := NewService(mem, registry.New(mem), WithClock(clock))

	res, err := svc.MovePatient(context.Background(), models.MoveRequest{CustomerID: "123457", Country: "IND", LastConsultedDate: "2023-10-15"})
	require.NoError(t, err)
	assert.Empty(t, res.FromCountry)
	assert.Empty(t, res.Deactivated)
	assert.True(t, res.Changed)
}

type failingStore struct {
	err error
}

func (s failingStore) WithinTx(ctx context.Context, fn func(ctx context.Context, w store.Writer) error) error {
	return s.err
}

func (s failingStore) Snapshot(ctx context.Context, fn func(ctx context.Context, r store.Reader) error) error {
	return s.err
}

func TestMovePatientWrapsStorageFailures(t *testing.T) {
	boom := errors.New("connection reset by peer")
	fs := failingStore{err: boom}
	svc := NewService(fs, registry.New(fs), WithClock(func() time.Time { return today }))

	_, err := svc.MovePatient(context.Background(), models.MoveRequest{CustomerID: "123457", Country: "IND", LastConsultedDate: "2023-10-15"})
	require.Error(t, err)
	assert.True(t, IsStorageError(err))
	assert.False(t, IsPermanent(err))
	assert.ErrorIs(t, err, boom)
}

func TestPublishFailureDoesNotFailMove(t *testing.T) {
	f := newFixture(t)
	f.publisher.err = errors.New("broker unavailable")

	res, err := f.service.MovePatient(context.Background(), models.MoveRequest{CustomerID: "123457", Country: "IND", LastConsultedDate: "2023-10-15"})
	require.NoError(t, err)
	assert.True(t, res.Changed)
	assert.Equal(t, models.StatusActive, f.staging(t, "123457")["IND"].IsActive)
}

func TestEnroll(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	rec, err := f.service.Enroll(ctx, models.EnrollRequest{
		CustomerName: "Priya",
		CustomerID:   "555001",
		OpenDate:     "2020-02-01",
		Country:      "aus",
		DOB:          "1990-11-30",
	})
	require.NoError(t, err)
	assert.Equal(t, "AUS", rec.Country)
	assert.Equal(t, models.StatusActive, rec.IsActive)
	assert.Equal(t, date("2020-02-01"), rec.LastConsultedDate)

	row, ok := f.partitionRow(t, "AUS", "555001")
	require.True(t, ok)
	assert.Equal(t, 32, *row.Age)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.PartitionsCreated))

	_, err = f.service.Enroll(ctx, models.EnrollRequest{
		CustomerName: "Priya",
		CustomerID:   "555001",
		OpenDate:     "2020-02-01",
		Country:      "AUS",
		DOB:          "1990-11-30",
	})
	assert.ErrorIs(t, err, store.ErrConflict)
}

// partitionFaultStore commits staging writes normally but fails every
// partition upsert.
type partitionFaultStore struct {
	*store.MemoryStore
	err error
}

type partitionFaultWriter struct {
	store.Writer
	err error
}

func (w partitionFaultWriter) UpsertPartitionRow(ctx context.Context, rec models.PartitionRecord) error {
	return w.err
}

func (s partitionFaultStore) WithinTx(ctx context.Context, fn func(ctx context.Context, w store.Writer) error) error {
	return s.MemoryStore.WithinTx(ctx, func(ctx context.Context, w store.Writer) error {
		return fn(ctx, partitionFaultWriter{Writer: w, err: s.err})
	})
}

func TestEnrollWrapsPartitionWriteFailures(t *testing.T) {
	boom := errors.New("relation \"patients_aus\" does not exist")
	mem := store.NewMemory()
	fs := partitionFaultStore{MemoryStore: mem, err: boom}
	clock := func() time.Time { return today }
	svc := NewService(fs, registry.New(fs, registry.WithClock(clock)), WithClock(clock))

	_, err := svc.Enroll(context.Background(), models.EnrollRequest{
		CustomerName: "Priya",
		CustomerID:   "555001",
		OpenDate:     "2020-02-01",
		Country:      "AUS",
		DOB:          "1990-11-30",
	})
	require.Error(t, err)
	var se *StorageError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, "upsert partition row", se.Op)
	assert.ErrorIs(t, err, boom)
	assert.False(t, IsPermanent(err))

	f := &fixture{store: mem}
	assert.Empty(t, f.staging(t, "555001"))
}

func TestEnrollValidatesInput(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	valid := models.EnrollRequest{
		CustomerName: "Priya",
		CustomerID:   "555001",
		OpenDate:     "2020-02-01",
		Country:      "AUS",
		DOB:          "1990-11-30",
	}

	missingName := valid
	missingName.CustomerName = " "
	_, err := f.service.Enroll(ctx, missingName)
	assert.ErrorIs(t, err, ErrInvalidEnrollment)

	futureDOB := valid
	futureDOB.DOB = "2023-10-21"
	_, err = f.service.Enroll(ctx, futureDOB)
	assert.True(t, derived.IsInvalidDate(err))

	early := valid
	early.LastConsultedDate = "2019-12-31"
	_, err = f.service.Enroll(ctx, early)
	assert.True(t, derived.IsInvalidDate(err))

	badCountry := valid
	badCountry.Country = "Australia"
	_, err = f.service.Enroll(ctx, badCountry)
	assert.ErrorIs(t, err, registry.ErrInvalidCountry)

	assert.Empty(t, f.staging(t, "555001"))
}

func TestHistory(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.service.MovePatient(ctx, models.MoveRequest{CustomerID: "123457", Country: "IND", LastConsultedDate: "2023-10-15"})
	require.NoError(t, err)

	history, err := f.service.History(ctx, "123457")
	require.NoError(t, err)
	require.Len(t, history.Records, 2)
	assert.Equal(t, "USA", history.Records[0].Country)
	assert.Equal(t, "IND", history.Records[1].Country)
	require.Len(t, history.Moves, 1)
	assert.Equal(t, "USA", history.Moves[0].FromCountry)
	assert.Equal(t, "IND", history.Moves[0].ToCountry)
	assert.Equal(t, []string{"USA"}, history.Moves[0].Deactivated)

	_, err = f.service.History(ctx, "nobody")
	assert.True(t, IsUnknownPatient(err))
}
