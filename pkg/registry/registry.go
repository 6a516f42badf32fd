// Package registry keeps the catalog of country partitions. Partitions are
// rows keyed by country in one table, so creating one is a catalog insert and
// never DDL.
package registry

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/synaptica-ai/patient-sync/pkg/common/logger"
	"github.com/synaptica-ai/patient-sync/pkg/common/models"
	"github.com/synaptica-ai/patient-sync/pkg/observability/metrics"
	"github.com/synaptica-ai/patient-sync/pkg/store"
)

var ErrInvalidCountry = errors.New("invalid country code")

var countryPattern = regexp.MustCompile(`^[A-Z]{2,3}$`)

var stagingColumns = []string{
	"customer_name",
	"customer_id",
	"open_date",
	"last_consulted_date",
	"vaccination_type",
	"doctor_consulted",
	"state",
	"country",
	"dob",
	"is_active",
}

// Columns is the fixed partition layout: the staging columns plus the derived ones.
func Columns() []string {
	cols := append([]string(nil), stagingColumns...)
	return append(cols, "age", "days_since_last_consulted")
}

// NormalizeCountry trims and upper-cases a country code and rejects anything
// that is not two or three letters.
func NormalizeCountry(country string) (string, error) {
	code := strings.ToUpper(strings.TrimSpace(country))
	if !countryPattern.MatchString(code) {
		return "", fmt.Errorf("%q: %w", country, ErrInvalidCountry)
	}
	return code, nil
}

type Registry struct {
	store   store.Store
	metrics *metrics.Metrics
	now     func() time.Time
}

type Option func(*Registry)

func WithMetrics(m *metrics.Metrics) Option {
	return func(r *Registry) { r.metrics = m }
}

func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

func New(s store.Store, opts ...Option) *Registry {
	r := &Registry{store: s, now: time.Now}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// EnsurePartition registers country in its own transaction. Calling it again
// for the same country returns the existing partition.
func (r *Registry) EnsurePartition(ctx context.Context, country string) (models.Partition, error) {
	var (
		partition models.Partition
		created   bool
	)
	err := r.store.WithinTx(ctx, func(ctx context.Context, w store.Writer) error {
		var err error
		partition, created, err = r.Ensure(ctx, w, country)
		return err
	})
	if err != nil {
		return models.Partition{}, err
	}
	if created {
		r.metrics.IncrementPartitionsCreated()
	}
	return partition, nil
}

// Ensure registers country inside a caller-owned transaction. The caller is
// responsible for counting created partitions once the transaction commits.
func (r *Registry) Ensure(ctx context.Context, w store.Writer, country string) (models.Partition, bool, error) {
	code, err := NormalizeCountry(country)
	if err != nil {
		return models.Partition{}, false, err
	}
	partition, created, err := w.EnsurePartition(ctx, code, r.now().UTC())
	if err != nil {
		return models.Partition{}, false, fmt.Errorf("ensuring partition %s: %w", code, err)
	}
	if created {
		logger.WithField("country", code).Info("partition registered")
	}
	return partition, created, nil
}

func (r *Registry) List(ctx context.Context) ([]models.Partition, error) {
	var partitions []models.Partition
	err := r.store.Snapshot(ctx, func(ctx context.Context, rd store.Reader) error {
		var err error
		partitions, err = rd.ListPartitions(ctx)
		return err
	})
	return partitions, err
}

// EnsureAll registers every country, stopping at the first failure.
func (r *Registry) EnsureAll(ctx context.Context, countries []string) error {
	for _, country := range countries {
		if _, err := r.EnsurePartition(ctx, country); err != nil {
			return err
		}
	}
	return nil
}
