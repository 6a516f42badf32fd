// Package store is the explicit storage handle shared by the registry, the
// synchronization engine and the validation engine. Staging rows and country
// partitions live behind one Store so a move is applied as a single unit.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/synaptica-ai/patient-sync/pkg/common/models"
)

var (
	ErrNotFound = errors.New("record not found")
	ErrConflict = errors.New("record already exists")
)

// Reader is the read side available inside snapshots and transactions.
type Reader interface {
	ListStaging(ctx context.Context) ([]models.PatientRecord, error)
	StagingByCustomer(ctx context.Context, customerID string) ([]models.PatientRecord, error)
	ListPartitions(ctx context.Context) ([]models.Partition, error)
	GetPartition(ctx context.Context, country string) (models.Partition, error)
	ListPartitionRows(ctx context.Context, country string) ([]models.PartitionRecord, error)
	MoveEvents(ctx context.Context, customerID string) ([]models.MoveEvent, error)
}

// Writer is only handed out inside Store.WithinTx.
type Writer interface {
	Reader

	// LockCustomer serializes writers for one CustomerID until the transaction ends.
	LockCustomer(ctx context.Context, customerID string) error
	InsertStaging(ctx context.Context, rec models.PatientRecord) error
	UpdateStagingVisit(ctx context.Context, customerID, country string, lastConsulted time.Time) error
	SetStagingStatus(ctx context.Context, customerID, country string, status models.ActiveStatus) error
	// EnsurePartition registers country and reports whether this call created it.
	EnsurePartition(ctx context.Context, country string, now time.Time) (models.Partition, bool, error)
	// UpsertPartitionRow inserts the full row; on (country, customer_id) conflict it
	// updates LastConsultedDate, IsActive, Age and DaysSinceLastConsulted only.
	UpsertPartitionRow(ctx context.Context, rec models.PartitionRecord) error
	SetPartitionStatus(ctx context.Context, country, customerID string, status models.ActiveStatus) error
	AppendMoveEvent(ctx context.Context, ev models.MoveEvent) error
}

type Store interface {
	// WithinTx runs fn atomically. Nothing fn wrote is visible if it returns an error.
	WithinTx(ctx context.Context, fn func(ctx context.Context, w Writer) error) error
	// Snapshot runs fn against a consistent read-only view.
	Snapshot(ctx context.Context, fn func(ctx context.Context, r Reader) error) error
}
