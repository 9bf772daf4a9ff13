// Package registry is the read side of the device and tenant registry.
package registry

import (
	"context"
	"errors"
	"fmt"

	"fleetalert/internal/models"

	"gorm.io/gorm"
)

// Scope selects devices by group, site and id prefix. Empty dimensions do
// not filter; a scope with every dimension empty covers the whole tenant.
type Scope struct {
	GroupIDs       []string
	SiteIDs        []string
	DevicePrefixes []string
}

// ScopeOf extracts the device scope of a rule.
func ScopeOf(r *models.AlertRule) Scope {
	return Scope{GroupIDs: r.GroupIDs, SiteIDs: r.SiteIDs, DevicePrefixes: r.DevicePrefixes}
}

// Registry reads devices and tenants from the shared database.
type Registry struct {
	db *gorm.DB
}

func New(db *gorm.DB) *Registry {
	return &Registry{db: db}
}

// ResolveScope returns the active devices of tenant in scope, ordered by
// device id.
func (r *Registry) ResolveScope(ctx context.Context, tenantID string, scope Scope) ([]models.Device, error) {
	q := r.db.WithContext(ctx).Where("tenant_id = ? AND active = ?", tenantID, true)
	if len(scope.GroupIDs) > 0 {
		q = q.Where("group_id IN ?", scope.GroupIDs)
	}
	if len(scope.SiteIDs) > 0 {
		q = q.Where("site_id IN ?", scope.SiteIDs)
	}

	var devices []models.Device
	if err := q.Order("device_id").Find(&devices).Error; err != nil {
		return nil, fmt.Errorf("resolve scope: %w", err)
	}
	if len(scope.DevicePrefixes) == 0 {
		return devices, nil
	}

	out := devices[:0]
	for _, d := range devices {
		if models.HasAnyPrefix(d.DeviceID, scope.DevicePrefixes) {
			out = append(out, d)
		}
	}
	return out, nil
}

// TenantExists reports whether tenantID is a known, active tenant.
func (r *Registry) TenantExists(ctx context.Context, tenantID string) (bool, error) {
	var n int64
	if err := r.db.WithContext(ctx).Model(&models.Tenant{}).
		Where("id = ? AND active = ?", tenantID, true).Count(&n).Error; err != nil {
		return false, fmt.Errorf("check tenant: %w", err)
	}
	return n > 0, nil
}

// ActiveTenants lists the ids of active tenants.
func (r *Registry) ActiveTenants(ctx context.Context) ([]string, error) {
	var ids []string
	if err := r.db.WithContext(ctx).Model(&models.Tenant{}).
		Where("active = ?", true).Order("id").Pluck("id", &ids).Error; err != nil {
		return nil, fmt.Errorf("list tenants: %w", err)
	}
	return ids, nil
}

// Device returns one device, or nil when it is unknown.
func (r *Registry) Device(ctx context.Context, tenantID, deviceID string) (*models.Device, error) {
	var d models.Device
	err := r.db.WithContext(ctx).Where("tenant_id = ? AND device_id = ?", tenantID, deviceID).First(&d).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get device: %w", err)
	}
	return &d, nil
}
