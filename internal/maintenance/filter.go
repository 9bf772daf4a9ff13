package maintenance

import (
	"context"
	"errors"
	"fmt"
	"time"

	"fleetalert/internal/logger"
	"fleetalert/internal/models"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

var ErrInvalidWindow = errors.New("invalid maintenance window")

// DeviceLookup resolves a device's registry record.
type DeviceLookup interface {
	Device(ctx context.Context, tenantID, deviceID string) (*models.Device, error)
}

// Filter decides whether alert creation is suppressed for a device.
// It is consulted before OPEN only; closing is never suppressed.
type Filter struct {
	db      *gorm.DB
	devices DeviceLookup
}

func NewFilter(db *gorm.DB, devices DeviceLookup) *Filter {
	return &Filter{db: db, devices: devices}
}

// IsSuppressed reports whether an enabled window of the tenant covers the
// device at now.
func (f *Filter) IsSuppressed(ctx context.Context, tenantID, deviceID, siteID string, now time.Time) (bool, error) {
	var windows []models.MaintenanceWindow
	if err := f.db.WithContext(ctx).
		Where("tenant_id = ? AND enabled = ?", tenantID, true).
		Find(&windows).Error; err != nil {
		return false, fmt.Errorf("load maintenance windows: %w", err)
	}

	deviceType := ""
	typeLoaded := false
	for i := range windows {
		w := &windows[i]
		if !Active(w, now) {
			continue
		}
		if len(w.SiteIDs) > 0 && !contains(w.SiteIDs, siteID) {
			continue
		}
		if len(w.DeviceTypes) > 0 {
			if !typeLoaded {
				deviceType = f.deviceType(ctx, tenantID, deviceID)
				typeLoaded = true
			}
			if !contains(w.DeviceTypes, deviceType) {
				continue
			}
		}
		return true, nil
	}
	return false, nil
}

func (f *Filter) deviceType(ctx context.Context, tenantID, deviceID string) string {
	if f.devices == nil {
		return ""
	}
	d, err := f.devices.Device(ctx, tenantID, deviceID)
	if err != nil || d == nil {
		if err != nil {
			logger.Debug("device lookup for maintenance scope failed",
				zap.String("tenant_id", tenantID), zap.String("device_id", deviceID), zap.Error(err))
		}
		return ""
	}
	return d.DeviceType
}

// Active reports whether w is in effect at now, ignoring its scope.
func Active(w *models.MaintenanceWindow, now time.Time) bool {
	if !w.Enabled {
		return false
	}
	if w.StartsAt != nil && now.Before(*w.StartsAt) {
		return false
	}
	if w.EndsAt != nil && !now.Before(*w.EndsAt) {
		return false
	}
	if !w.Recurring {
		return w.StartsAt != nil || w.EndsAt != nil
	}

	local := now.In(location(w.Timezone))
	day := int(local.Weekday())
	hour := local.Hour()

	switch {
	case w.StartHour == w.EndHour:
		return onDay(w, day)
	case w.StartHour < w.EndHour:
		return onDay(w, day) && hour >= w.StartHour && hour < w.EndHour
	default:
		// wraps past midnight: the tail belongs to the previous day's window
		if hour >= w.StartHour {
			return onDay(w, day)
		}
		return hour < w.EndHour && onDay(w, (day+6)%7)
	}
}

// Validate checks a window before it is stored.
func Validate(w *models.MaintenanceWindow) error {
	if w.Recurring {
		if w.StartHour < 0 || w.StartHour > 23 || w.EndHour < 0 || w.EndHour > 24 {
			return fmt.Errorf("%w: hours must be within 0-24", ErrInvalidWindow)
		}
		for _, d := range w.DaysOfWeek {
			if d < 0 || d > 6 {
				return fmt.Errorf("%w: day of week %d out of range", ErrInvalidWindow, d)
			}
		}
		if w.Timezone != "" {
			if _, err := time.LoadLocation(w.Timezone); err != nil {
				return fmt.Errorf("%w: unknown timezone %q", ErrInvalidWindow, w.Timezone)
			}
		}
	} else if w.StartsAt == nil || w.EndsAt == nil {
		return fmt.Errorf("%w: one-off windows need starts_at and ends_at", ErrInvalidWindow)
	}
	if w.StartsAt != nil && w.EndsAt != nil && !w.EndsAt.After(*w.StartsAt) {
		return fmt.Errorf("%w: ends_at must be after starts_at", ErrInvalidWindow)
	}
	return nil
}

func onDay(w *models.MaintenanceWindow, day int) bool {
	if len(w.DaysOfWeek) == 0 {
		return true
	}
	for _, d := range w.DaysOfWeek {
		if d == day {
			return true
		}
	}
	return false
}

func location(name string) *time.Location {
	if name == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return time.UTC
	}
	return loc
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
