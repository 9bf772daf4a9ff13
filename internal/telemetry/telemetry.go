// Package telemetry reads metric samples for rule evaluation.
package telemetry

import (
	"context"
	"fmt"
	"time"

	"fleetalert/internal/models"

	"gorm.io/gorm"
)

// Sample is one metric reading.
type Sample struct {
	Timestamp time.Time `json:"timestamp"`
	Value     float64   `json:"value"`
}

// Reader returns the samples of one device metric with timestamp >= since,
// oldest first. A reader that caps the result keeps the newest samples.
// Every call is independent.
type Reader interface {
	ReadSamples(ctx context.Context, tenantID, deviceID, metric string, since time.Time) ([]Sample, error)
}

// SQLReader reads from the telemetry_samples table.
type SQLReader struct {
	db    *gorm.DB
	limit int
}

func NewSQLReader(db *gorm.DB) *SQLReader {
	return &SQLReader{db: db, limit: 10000}
}

func (r *SQLReader) ReadSamples(ctx context.Context, tenantID, deviceID, metric string, since time.Time) ([]Sample, error) {
	var rows []models.TelemetrySample
	err := r.db.WithContext(ctx).
		Where("tenant_id = ? AND device_id = ? AND metric = ? AND timestamp >= ?", tenantID, deviceID, metric, since).
		Order("timestamp DESC").Limit(r.limit).
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("read samples: %w", err)
	}

	// rows are newest first
	out := make([]Sample, len(rows))
	for i, row := range rows {
		out[len(rows)-1-i] = Sample{Timestamp: row.Timestamp, Value: row.Value}
	}
	return out, nil
}

// Write stores samples for a device metric.
func (r *SQLReader) Write(ctx context.Context, tenantID, deviceID, metric string, samples ...Sample) error {
	if len(samples) == 0 {
		return nil
	}
	rows := make([]models.TelemetrySample, len(samples))
	for i, s := range samples {
		rows[i] = models.TelemetrySample{
			TenantID:  tenantID,
			DeviceID:  deviceID,
			Metric:    metric,
			Timestamp: s.Timestamp.UTC(),
			Value:     s.Value,
		}
	}
	if err := r.db.WithContext(ctx).CreateInBatches(rows, 500).Error; err != nil {
		return fmt.Errorf("write samples: %w", err)
	}
	return nil
}
