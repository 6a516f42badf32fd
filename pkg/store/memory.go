package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/synaptica-ai/patient-sync/pkg/common/models"
)

// MemoryStore keeps everything in process. Transactions work on a copy that is
// swapped in on success, so snapshots never see a partially applied move.
type MemoryStore struct {
	mu    sync.RWMutex
	state *memoryState
}

type memoryState struct {
	staging    []models.PatientRecord
	partitions map[string]models.Partition
	rows       map[string][]models.PartitionRecord
	events     []models.MoveEvent
}

func NewMemory() *MemoryStore {
	return &MemoryStore{state: &memoryState{
		partitions: make(map[string]models.Partition),
		rows:       make(map[string][]models.PartitionRecord),
	}}
}

func (m *MemoryStore) WithinTx(ctx context.Context, fn func(ctx context.Context, w Writer) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	working := m.state.clone()
	if err := fn(ctx, &memoryTx{state: working}); err != nil {
		return err
	}
	m.state = working
	return nil
}

func (m *MemoryStore) Snapshot(ctx context.Context, fn func(ctx context.Context, r Reader) error) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return fn(ctx, &memoryTx{state: m.state})
}

// Seed appends rows as-is, skipping every uniqueness rule. Countries of the
// partition rows are registered. Used to load fixtures, including broken ones.
func (m *MemoryStore) Seed(staging []models.PatientRecord, partitionRows []models.PartitionRecord) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.state.staging = append(m.state.staging, staging...)
	for _, row := range partitionRows {
		if _, ok := m.state.partitions[row.Country]; !ok {
			m.state.partitions[row.Country] = models.Partition{Country: row.Country, CreatedAt: time.Now().UTC()}
		}
		m.state.rows[row.Country] = append(m.state.rows[row.Country], clonePartitionRecord(row))
	}
}

func (s *memoryState) clone() *memoryState {
	out := &memoryState{
		staging:    append([]models.PatientRecord(nil), s.staging...),
		partitions: make(map[string]models.Partition, len(s.partitions)),
		rows:       make(map[string][]models.PartitionRecord, len(s.rows)),
		events:     append([]models.MoveEvent(nil), s.events...),
	}
	for k, v := range s.partitions {
		out.partitions[k] = v
	}
	for k, rows := range s.rows {
		copied := make([]models.PartitionRecord, len(rows))
		for i, r := range rows {
			copied[i] = clonePartitionRecord(r)
		}
		out.rows[k] = copied
	}
	return out
}

func clonePartitionRecord(r models.PartitionRecord) models.PartitionRecord {
	if r.Age != nil {
		v := *r.Age
		r.Age = &v
	}
	if r.DaysSinceLastConsulted != nil {
		v := *r.DaysSinceLastConsulted
		r.DaysSinceLastConsulted = &v
	}
	return r
}

type memoryTx struct {
	state *memoryState
}

func (t *memoryTx) ListStaging(ctx context.Context) ([]models.PatientRecord, error) {
	return append([]models.PatientRecord(nil), t.state.staging...), nil
}

func (t *memoryTx) StagingByCustomer(ctx context.Context, customerID string) ([]models.PatientRecord, error) {
	var out []models.PatientRecord
	for _, rec := range t.state.staging {
		if rec.CustomerID == customerID {
			out = append(out, rec)
		}
	}
	return out, nil
}

func (t *memoryTx) ListPartitions(ctx context.Context) ([]models.Partition, error) {
	out := make([]models.Partition, 0, len(t.state.partitions))
	for _, p := range t.state.partitions {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Country < out[j].Country })
	return out, nil
}

func (t *memoryTx) GetPartition(ctx context.Context, country string) (models.Partition, error) {
	p, ok := t.state.partitions[country]
	if !ok {
		return models.Partition{}, fmt.Errorf("partition %s: %w", country, ErrNotFound)
	}
	return p, nil
}

func (t *memoryTx) ListPartitionRows(ctx context.Context, country string) ([]models.PartitionRecord, error) {
	rows := t.state.rows[country]
	out := make([]models.PartitionRecord, len(rows))
	for i, r := range rows {
		out[i] = clonePartitionRecord(r)
	}
	return out, nil
}

func (t *memoryTx) MoveEvents(ctx context.Context, customerID string) ([]models.MoveEvent, error) {
	var out []models.MoveEvent
	for _, ev := range t.state.events {
		if ev.CustomerID == customerID {
			out = append(out, ev)
		}
	}
	return out, nil
}

// LockCustomer is a no-op: WithinTx already holds the store-wide write lock.
func (t *memoryTx) LockCustomer(ctx context.Context, customerID string) error {
	return nil
}

func (t *memoryTx) InsertStaging(ctx context.Context, rec models.PatientRecord) error {
	if t.stagingIndex(rec.CustomerID, rec.Country) >= 0 {
		return fmt.Errorf("staging %s/%s: %w", rec.CustomerID, rec.Country, ErrConflict)
	}
	t.state.staging = append(t.state.staging, rec)
	return nil
}

func (t *memoryTx) UpdateStagingVisit(ctx context.Context, customerID, country string, lastConsulted time.Time) error {
	found := false
	for i := range t.state.staging {
		rec := &t.state.staging[i]
		if rec.CustomerID == customerID && rec.Country == country {
			rec.LastConsultedDate = lastConsulted
			rec.IsActive = models.StatusActive
			found = true
		}
	}
	if !found {
		return fmt.Errorf("staging %s/%s: %w", customerID, country, ErrNotFound)
	}
	return nil
}

func (t *memoryTx) SetStagingStatus(ctx context.Context, customerID, country string, status models.ActiveStatus) error {
	found := false
	for i := range t.state.staging {
		rec := &t.state.staging[i]
		if rec.CustomerID == customerID && rec.Country == country {
			rec.IsActive = status
			found = true
		}
	}
	if !found {
		return fmt.Errorf("staging %s/%s: %w", customerID, country, ErrNotFound)
	}
	return nil
}

func (t *memoryTx) EnsurePartition(ctx context.Context, country string, now time.Time) (models.Partition, bool, error) {
	if p, ok := t.state.partitions[country]; ok {
		return p, false, nil
	}
	p := models.Partition{Country: country, CreatedAt: now}
	t.state.partitions[country] = p
	return p, true, nil
}

func (t *memoryTx) UpsertPartitionRow(ctx context.Context, rec models.PartitionRecord) error {
	if _, ok := t.state.partitions[rec.Country]; !ok {
		return fmt.Errorf("partition %s: %w", rec.Country, ErrNotFound)
	}
	rows := t.state.rows[rec.Country]
	for i := range rows {
		if rows[i].CustomerID != rec.CustomerID {
			continue
		}
		rows[i].LastConsultedDate = rec.LastConsultedDate
		rows[i].IsActive = rec.IsActive
		rows[i].Age = clonePartitionRecord(rec).Age
		rows[i].DaysSinceLastConsulted = clonePartitionRecord(rec).DaysSinceLastConsulted
		return nil
	}
	t.state.rows[rec.Country] = append(rows, clonePartitionRecord(rec))
	return nil
}

func (t *memoryTx) SetPartitionStatus(ctx context.Context, country, customerID string, status models.ActiveStatus) error {
	rows := t.state.rows[country]
	for i := range rows {
		if rows[i].CustomerID == customerID {
			rows[i].IsActive = status
		}
	}
	return nil
}

func (t *memoryTx) AppendMoveEvent(ctx context.Context, ev models.MoveEvent) error {
	ev.Deactivated = append([]string(nil), ev.Deactivated...)
	t.state.events = append(t.state.events, ev)
	return nil
}

func (t *memoryTx) stagingIndex(customerID, country string) int {
	for i, rec := range t.state.staging {
		if rec.CustomerID == customerID && rec.Country == country {
			return i
		}
	}
	return -1
}
