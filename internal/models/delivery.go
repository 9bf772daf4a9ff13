package models

import (
	"time"

	"gorm.io/datatypes"
)

// JobStatus 投递任务状态
type JobStatus string

const (
	JobPending    JobStatus = "PENDING"
	JobProcessing JobStatus = "PROCESSING"
	JobCompleted  JobStatus = "COMPLETED"
	JobFailed     JobStatus = "FAILED"    // terminal, a dead_letters row holds the payload
	JobThrottled  JobStatus = "THROTTLED" // recorded routing outcome, never dispatched
)

// DeliveryJob is one queued notification for (tenant, alert, channel, event).
// EscalationLevel is 0 for routed jobs and the reached level for escalation
// jobs, so each level may notify the same channel once.
type DeliveryJob struct {
	ID              uint           `gorm:"primaryKey" json:"id"`
	TenantID        string         `gorm:"size:64;not null;uniqueIndex:idx_delivery_jobs_tuple,priority:1" json:"tenant_id"`
	AlertID         uint           `gorm:"not null;uniqueIndex:idx_delivery_jobs_tuple,priority:2" json:"alert_id"`
	ChannelID       uint           `gorm:"not null;uniqueIndex:idx_delivery_jobs_tuple,priority:3;index:idx_delivery_jobs_throttle,priority:1" json:"channel_id"`
	Event           LifecycleEvent `gorm:"size:16;not null;uniqueIndex:idx_delivery_jobs_tuple,priority:4" json:"event"`
	EscalationLevel int            `gorm:"not null;default:0;uniqueIndex:idx_delivery_jobs_tuple,priority:5" json:"escalation_level"`
	RoutingRuleID   uint           `json:"routing_rule_id"`
	Fingerprint     string         `gorm:"size:64;not null;index:idx_delivery_jobs_throttle,priority:2" json:"fingerprint"`

	Status        JobStatus      `gorm:"size:16;not null;index:idx_delivery_jobs_poll,priority:1" json:"status"`
	Attempts      int            `gorm:"not null;default:0" json:"attempts"`
	MaxAttempts   int            `gorm:"not null;default:5" json:"max_attempts"`
	NextRunAt     time.Time      `gorm:"not null;index:idx_delivery_jobs_poll,priority:2" json:"next_run_at"`
	LastAttemptAt *time.Time     `json:"last_attempt_at,omitempty"`
	LastError     string         `gorm:"type:text" json:"last_error,omitempty"`
	ClaimToken    string         `gorm:"size:64;index" json:"-"`
	ClaimedAt     *time.Time     `json:"claimed_at,omitempty"`
	Payload       datatypes.JSON `json:"payload"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (DeliveryJob) TableName() string {
	return "delivery_jobs"
}

// DeliveryAttempt is the append-only record of one dispatch try.
type DeliveryAttempt struct {
	ID         uint      `gorm:"primaryKey" json:"id"`
	JobID      uint      `gorm:"not null;index" json:"job_id"`
	TenantID   string    `gorm:"size:64;not null" json:"tenant_id"`
	Attempt    int       `gorm:"not null" json:"attempt"`
	Success    bool      `json:"success"`
	StatusCode int       `json:"status_code,omitempty"`
	LatencyMS  int64     `json:"latency_ms"`
	Error      string    `gorm:"type:text" json:"error,omitempty"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
}

func (DeliveryAttempt) TableName() string {
	return "delivery_attempts"
}

// DeadLetterStatus tracks manual handling of a dead letter.
type DeadLetterStatus string

const (
	DeadLetterOpen      DeadLetterStatus = "DEAD"
	DeadLetterReplayed  DeadLetterStatus = "REPLAYED"
	DeadLetterDiscarded DeadLetterStatus = "DISCARDED"
)

// DeadLetter keeps a failed job's payload and error history for replay.
type DeadLetter struct {
	ID          uint             `gorm:"primaryKey" json:"id"`
	JobID       uint             `gorm:"not null;index" json:"job_id"`
	TenantID    string           `gorm:"size:64;not null;index" json:"tenant_id"`
	AlertID     uint             `json:"alert_id"`
	ChannelID   uint             `json:"channel_id"`
	Event       LifecycleEvent   `gorm:"size:16" json:"event"`
	Reason      string           `gorm:"size:32" json:"reason"` // max_attempts or permanent_error
	Attempts    int              `json:"attempts"`
	LastError   string           `gorm:"type:text" json:"last_error"`
	Payload     datatypes.JSON   `json:"payload"`
	Status      DeadLetterStatus `gorm:"size:16;not null;index" json:"status"`
	FailedAt    time.Time        `json:"failed_at"`
	ResolvedAt  *time.Time       `json:"resolved_at,omitempty"`
	CreatedAt   time.Time        `json:"created_at"`
}

func (DeadLetter) TableName() string {
	return "dead_letters"
}
