package maintenance

import (
	"context"
	"fmt"

	"fleetalert/internal/models"
)

// Create validates and stores a window.
func (f *Filter) Create(ctx context.Context, w *models.MaintenanceWindow) error {
	if err := Validate(w); err != nil {
		return err
	}
	if w.StartsAt != nil {
		t := w.StartsAt.UTC()
		w.StartsAt = &t
	}
	if w.EndsAt != nil {
		t := w.EndsAt.UTC()
		w.EndsAt = &t
	}
	if err := f.db.WithContext(ctx).Create(w).Error; err != nil {
		return fmt.Errorf("create maintenance window: %w", err)
	}
	return nil
}

// List returns the tenant's windows.
func (f *Filter) List(ctx context.Context, tenantID string) ([]models.MaintenanceWindow, error) {
	var out []models.MaintenanceWindow
	if err := f.db.WithContext(ctx).Where("tenant_id = ?", tenantID).Order("id").Find(&out).Error; err != nil {
		return nil, fmt.Errorf("list maintenance windows: %w", err)
	}
	return out, nil
}
