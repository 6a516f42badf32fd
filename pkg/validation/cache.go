package validation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/synaptica-ai/patient-sync/pkg/common/models"
)

// ErrNoReport is returned when no report is cached for a scope.
var ErrNoReport = errors.New("no cached validation report")

const reportKeyPrefix = "patient-sync:validation:"

// ReportCache keeps the latest report of each scope in Redis.
type ReportCache struct {
	client *redis.Client
	ttl    time.Duration
}

// NewReportCache returns a cache whose entries expire after ttl. A zero ttl
// keeps entries until they are overwritten.
func NewReportCache(client *redis.Client, ttl time.Duration) *ReportCache {
	return &ReportCache{client: client, ttl: ttl}
}

func (c *ReportCache) Store(ctx context.Context, report *models.ViolationReport) error {
	data, err := json.Marshal(report)
	if err != nil {
		return fmt.Errorf("encoding report: %w", err)
	}
	return c.client.Set(ctx, reportKeyPrefix+report.Scope, data, c.ttl).Err()
}

func (c *ReportCache) Latest(ctx context.Context, scope string) (*models.ViolationReport, error) {
	data, err := c.client.Get(ctx, reportKeyPrefix+scope).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNoReport
	}
	if err != nil {
		return nil, err
	}

	var report models.ViolationReport
	if err := json.Unmarshal(data, &report); err != nil {
		return nil, fmt.Errorf("decoding cached report %s: %w", scope, err)
	}
	return &report, nil
}
