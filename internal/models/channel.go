package models

import (
	"strings"
	"time"

	"gorm.io/datatypes"
)

// ChannelType 通知渠道类型
type ChannelType string

const (
	ChannelWebhook ChannelType = "webhook"
	ChannelSNMP    ChannelType = "snmp"
	ChannelEmail   ChannelType = "email"
	ChannelMQTT    ChannelType = "mqtt"
)

func (t ChannelType) Valid() bool {
	switch t {
	case ChannelWebhook, ChannelSNMP, ChannelEmail, ChannelMQTT:
		return true
	}
	return false
}

// NotificationChannel 通知渠道模型
type NotificationChannel struct {
	ID        uint           `gorm:"primaryKey" json:"id"`
	TenantID  string         `gorm:"size:64;not null;index" json:"tenant_id"`
	Name      string         `gorm:"size:255;not null" json:"name"`
	Type      ChannelType    `gorm:"size:16;not null" json:"type"`
	Config    datatypes.JSON `gorm:"not null" json:"config"` // type specific, see notify package
	Enabled   bool           `gorm:"not null" json:"enabled"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
}

func (NotificationChannel) TableName() string {
	return "notification_channels"
}

// RoutingRule binds an alert predicate to one channel.
type RoutingRule struct {
	ID              uint                                `gorm:"primaryKey" json:"id"`
	TenantID        string                              `gorm:"size:64;not null;index" json:"tenant_id"`
	ChannelID       uint                                `gorm:"not null;index" json:"channel_id"`
	Name            string                              `gorm:"size:255" json:"name"`
	MinSeverity     int                                 `gorm:"not null;default:1" json:"min_severity"`
	AlertTypes      datatypes.JSONSlice[string]         `json:"alert_types,omitempty"` // empty matches every type
	SiteIDs         datatypes.JSONSlice[string]         `json:"site_ids,omitempty"`
	DevicePrefixes  datatypes.JSONSlice[string]         `json:"device_prefixes,omitempty"`
	DeliverOn       datatypes.JSONSlice[LifecycleEvent] `json:"deliver_on"`
	Priority        int                                 `gorm:"not null" json:"priority"` // lower first
	ThrottleSeconds int                                 `gorm:"default:0" json:"throttle_seconds"`
	Enabled         bool                                `gorm:"not null" json:"enabled"`
	CreatedAt       time.Time                           `json:"created_at"`
	UpdatedAt       time.Time                           `json:"updated_at"`
}

func (RoutingRule) TableName() string {
	return "routing_rules"
}

// Matches reports whether the rule's predicates accept the alert for event.
func (r *RoutingRule) Matches(a *FleetAlert, event LifecycleEvent) bool {
	if !r.Enabled {
		return false
	}
	if a.Severity < r.MinSeverity {
		return false
	}
	if len(r.AlertTypes) > 0 && !containsString(r.AlertTypes, a.AlertType) {
		return false
	}
	if len(r.SiteIDs) > 0 && !containsString(r.SiteIDs, a.SiteID) {
		return false
	}
	if len(r.DevicePrefixes) > 0 && !HasAnyPrefix(a.DeviceID, r.DevicePrefixes) {
		return false
	}
	for _, e := range r.DeliverOn {
		if e == event {
			return true
		}
	}
	return false
}

// Throttle returns the repeat-send suppression window.
func (r *RoutingRule) Throttle() time.Duration {
	return time.Duration(r.ThrottleSeconds) * time.Second
}

// HasAnyPrefix reports whether s starts with one of prefixes.
func HasAnyPrefix(s string, prefixes []string) bool {
	for _, p := range prefixes {
		if strings.HasPrefix(s, p) {
			return true
		}
	}
	return false
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
