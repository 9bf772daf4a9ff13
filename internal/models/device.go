package models

import "time"

// Device is the registry read model used for scope resolution.
type Device struct {
	ID         uint      `gorm:"primaryKey" json:"id"`
	TenantID   string    `gorm:"size:64;not null;uniqueIndex:idx_devices_tenant_device" json:"tenant_id"`
	DeviceID   string    `gorm:"size:128;not null;uniqueIndex:idx_devices_tenant_device" json:"device_id"`
	SiteID     string    `gorm:"size:128;index" json:"site_id"`
	GroupID    string    `gorm:"size:128;index" json:"group_id"`
	DeviceType string    `gorm:"size:64" json:"device_type"`
	Active     bool      `gorm:"not null" json:"active"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

func (Device) TableName() string {
	return "devices"
}

// Tenant 租户
type Tenant struct {
	ID        string    `gorm:"primaryKey;size:64" json:"id"`
	Name      string    `gorm:"size:255" json:"name"`
	Active    bool      `gorm:"not null" json:"active"`
	CreatedAt time.Time `json:"created_at"`
}

func (Tenant) TableName() string {
	return "tenants"
}

// TelemetrySample is one metric reading in the SQL telemetry store.
type TelemetrySample struct {
	ID         uint      `gorm:"primaryKey" json:"id"`
	TenantID   string    `gorm:"size:64;not null;index:idx_samples_lookup,priority:1" json:"tenant_id"`
	DeviceID   string    `gorm:"size:128;not null;index:idx_samples_lookup,priority:2" json:"device_id"`
	Metric     string    `gorm:"size:128;not null;index:idx_samples_lookup,priority:3" json:"metric"`
	Timestamp  time.Time `gorm:"not null;index:idx_samples_lookup,priority:4" json:"timestamp"`
	Value      float64   `json:"value"`
}

func (TelemetrySample) TableName() string {
	return "telemetry_samples"
}

// ActionLog records rate limited tenant actions.
type ActionLog struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	TenantID  string    `gorm:"size:64;not null;index:idx_action_logs_window,priority:1" json:"tenant_id"`
	Action    string    `gorm:"size:64;not null;index:idx_action_logs_window,priority:2" json:"action"`
	CreatedAt time.Time `gorm:"index:idx_action_logs_window,priority:3" json:"created_at"`
}

func (ActionLog) TableName() string {
	return "action_logs"
}
