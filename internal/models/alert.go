package models

import "time"

// AlertStatus 告警状态
type AlertStatus string

const (
	AlertOpen         AlertStatus = "OPEN"
	AlertAcknowledged AlertStatus = "ACKNOWLEDGED"
	AlertClosed       AlertStatus = "CLOSED"
)

// Live reports whether the status is non-terminal.
func (s AlertStatus) Live() bool {
	return s == AlertOpen || s == AlertAcknowledged
}

// LifecycleEvent is the alert transition a delivery is made for.
type LifecycleEvent string

const (
	EventOpen         LifecycleEvent = "OPEN"
	EventClosed       LifecycleEvent = "CLOSED"
	EventAcknowledged LifecycleEvent = "ACKNOWLEDGED"
	EventEscalated    LifecycleEvent = "ESCALATED"
)

func (e LifecycleEvent) Valid() bool {
	switch e {
	case EventOpen, EventClosed, EventAcknowledged, EventEscalated:
		return true
	}
	return false
}

// FleetAlert 告警实例
//
// LiveKey equals Fingerprint while the alert is OPEN or ACKNOWLEDGED and is
// NULL once CLOSED. Its unique index is what allows only one live alert per
// fingerprint; NULLs never collide so closed history rows are unrestricted.
type FleetAlert struct {
	ID          uint        `gorm:"primaryKey" json:"id"`
	TenantID    string      `gorm:"size:64;not null;index:idx_fleet_alerts_tenant_status" json:"tenant_id"`
	Fingerprint string      `gorm:"size:64;not null;index" json:"fingerprint"`
	LiveKey     *string     `gorm:"size:64;uniqueIndex:idx_fleet_alerts_live" json:"-"`
	RuleID      uint        `gorm:"not null;index" json:"rule_id"`
	DeviceID    string      `gorm:"size:128;not null" json:"device_id"`
	SiteID      string      `gorm:"size:128" json:"site_id,omitempty"`
	Metric      string      `gorm:"size:128;not null" json:"metric"`
	Status      AlertStatus `gorm:"size:16;not null;index:idx_fleet_alerts_tenant_status" json:"status"`
	Severity    int         `gorm:"not null" json:"severity"`
	AlertType   string      `gorm:"size:64" json:"alert_type"`
	Message     string      `gorm:"type:text" json:"message"`
	Value       float64     `json:"value"`     // observed value at the last trigger
	Magnitude   float64     `json:"magnitude"` // anomaly deviation, 0 for other kinds

	TriggerCount    int       `gorm:"not null;default:1" json:"trigger_count"`
	LastTriggeredAt time.Time `json:"last_triggered_at"`

	EscalationLevel  int        `gorm:"not null;default:0" json:"escalation_level"`
	NextEscalationAt *time.Time `gorm:"index" json:"next_escalation_at,omitempty"`
	EscalatedAt      *time.Time `json:"escalated_at,omitempty"`
	EscalationDone   bool       `gorm:"not null;default:false" json:"escalation_done"` // no further level exists

	SilencedUntil  *time.Time `json:"silenced_until,omitempty"`
	AcknowledgedBy string     `gorm:"size:128" json:"acknowledged_by,omitempty"`
	AcknowledgedAt *time.Time `json:"acknowledged_at,omitempty"`
	ClosedAt       *time.Time `json:"closed_at,omitempty"`
	ClosedBy       string     `gorm:"size:128" json:"closed_by,omitempty"` // empty when resolved by the evaluator

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (FleetAlert) TableName() string {
	return "fleet_alerts"
}

// PendingState tracks a debounce streak for a fingerprint that has no live
// alert yet. The row is removed when the streak breaks or the alert opens.
type PendingState struct {
	Fingerprint string    `gorm:"primaryKey;size:64" json:"fingerprint"`
	TenantID    string    `gorm:"size:64;not null" json:"tenant_id"`
	RuleID      uint      `gorm:"not null;index" json:"rule_id"`
	DeviceID    string    `gorm:"size:128;not null" json:"device_id"`
	Since       time.Time `json:"since"`
	LastSeenAt  time.Time `json:"last_seen_at"`
}

func (PendingState) TableName() string {
	return "alert_pending_states"
}
