package models

import (
	"time"

	"gorm.io/datatypes"
)

// MaintenanceWindow suppresses alert creation while active. Either StartsAt /
// EndsAt is set, or Recurring with DaysOfWeek (0=Sunday) and an hour range
// [StartHour, EndHour) evaluated in Timezone. A range with StartHour >
// EndHour wraps past midnight into the next day.
type MaintenanceWindow struct {
	ID          uint                        `gorm:"primaryKey" json:"id"`
	TenantID    string                      `gorm:"size:64;not null;index" json:"tenant_id"`
	Name        string                      `gorm:"size:255" json:"name"`
	Enabled     bool                        `gorm:"not null" json:"enabled"`
	StartsAt    *time.Time                  `json:"starts_at,omitempty"`
	EndsAt      *time.Time                  `json:"ends_at,omitempty"`
	Recurring   bool                        `gorm:"not null" json:"recurring"`
	DaysOfWeek  datatypes.JSONSlice[int]    `json:"days_of_week,omitempty"`
	StartHour   int                         `json:"start_hour"`
	EndHour     int                         `json:"end_hour"`
	Timezone    string                      `gorm:"size:64" json:"timezone,omitempty"`
	SiteIDs     datatypes.JSONSlice[string] `json:"site_ids,omitempty"`
	DeviceTypes datatypes.JSONSlice[string] `json:"device_types,omitempty"`
	CreatedAt   time.Time                   `json:"created_at"`
	UpdatedAt   time.Time                   `json:"updated_at"`
}

func (MaintenanceWindow) TableName() string {
	return "maintenance_windows"
}
