package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"fleetalert/internal/models"

	"gorm.io/datatypes"
)

// Message is the payload snapshot stored with a delivery job. Senders only
// see this snapshot, never the live alert row.
type Message struct {
	Event           models.LifecycleEvent `json:"event"`
	EscalationLevel int                   `json:"escalation_level,omitempty"`
	AlertID         uint                  `json:"alert_id"`
	TenantID        string                `json:"tenant_id"`
	Fingerprint     string                `json:"fingerprint"`
	RuleID          uint                  `json:"rule_id"`
	DeviceID        string                `json:"device_id"`
	SiteID          string                `json:"site_id,omitempty"`
	Metric          string                `json:"metric"`
	Status          models.AlertStatus    `json:"status"`
	Severity        int                   `json:"severity"`
	AlertType       string                `json:"alert_type"`
	Message         string                `json:"message"`
	Value           float64               `json:"value"`
	Magnitude       float64               `json:"magnitude,omitempty"`
	TriggerCount    int                   `json:"trigger_count"`
	OpenedAt        time.Time             `json:"opened_at"`
	SentAt          time.Time             `json:"sent_at"`
	Test            bool                  `json:"test,omitempty"`
}

// NewMessage snapshots a for event.
func NewMessage(a *models.FleetAlert, event models.LifecycleEvent, level int, now time.Time) *Message {
	return &Message{
		Event:           event,
		EscalationLevel: level,
		AlertID:         a.ID,
		TenantID:        a.TenantID,
		Fingerprint:     a.Fingerprint,
		RuleID:          a.RuleID,
		DeviceID:        a.DeviceID,
		SiteID:          a.SiteID,
		Metric:          a.Metric,
		Status:          a.Status,
		Severity:        a.Severity,
		AlertType:       a.AlertType,
		Message:         a.Message,
		Value:           a.Value,
		Magnitude:       a.Magnitude,
		TriggerCount:    a.TriggerCount,
		OpenedAt:        a.CreatedAt,
		SentAt:          now,
	}
}

// TestMessage is what a channel test-send delivers.
func TestMessage(tenantID string, now time.Time) *Message {
	return &Message{
		Event:     models.EventOpen,
		TenantID:  tenantID,
		DeviceID:  "test-device",
		Metric:    "test",
		Status:    models.AlertOpen,
		Severity:  models.SeverityInfo,
		AlertType: "test",
		Message:   "test notification, the channel is configured correctly",
		OpenedAt:  now,
		SentAt:    now,
		Test:      true,
	}
}

// Title is a one-line summary used for email subjects and SNMP text.
func (m *Message) Title() string {
	if m.EscalationLevel > 0 {
		return fmt.Sprintf("[%s L%d] %s %s on %s", m.Event, m.EscalationLevel, severityName(m.Severity), m.Metric, m.DeviceID)
	}
	return fmt.Sprintf("[%s] %s %s on %s", m.Event, severityName(m.Severity), m.Metric, m.DeviceID)
}

// Text renders a plain text body.
func (m *Message) Text() string {
	var sb strings.Builder
	sb.WriteString(m.Title())
	sb.WriteString("\n\n")
	fmt.Fprintf(&sb, "Alert:     #%d (%s)\n", m.AlertID, m.Status)
	fmt.Fprintf(&sb, "Tenant:    %s\n", m.TenantID)
	fmt.Fprintf(&sb, "Device:    %s\n", m.DeviceID)
	if m.SiteID != "" {
		fmt.Fprintf(&sb, "Site:      %s\n", m.SiteID)
	}
	fmt.Fprintf(&sb, "Metric:    %s = %g\n", m.Metric, m.Value)
	if m.Magnitude != 0 {
		fmt.Fprintf(&sb, "Deviation: %.2f sigma\n", m.Magnitude)
	}
	fmt.Fprintf(&sb, "Triggered: %d time(s)\n", m.TriggerCount)
	fmt.Fprintf(&sb, "Opened:    %s\n", m.OpenedAt.UTC().Format(time.RFC3339))
	if m.Message != "" {
		sb.WriteString("\n")
		sb.WriteString(m.Message)
		sb.WriteString("\n")
	}
	return sb.String()
}

// Encode serializes m for the job payload column.
func Encode(m *Message) (datatypes.JSON, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}
	return datatypes.JSON(data), nil
}

// Decode parses a job payload.
func Decode(payload datatypes.JSON) (*Message, error) {
	var m Message
	if err := json.Unmarshal(payload, &m); err != nil {
		return nil, fmt.Errorf("decode payload: %w", err)
	}
	return &m, nil
}

func severityName(s int) string {
	switch s {
	case models.SeverityCritical:
		return "CRITICAL"
	case models.SeverityHigh:
		return "HIGH"
	case models.SeverityMedium:
		return "MEDIUM"
	case models.SeverityLow:
		return "LOW"
	default:
		return "INFO"
	}
}

// Result describes a completed send.
type Result struct {
	StatusCode int
	Latency    time.Duration
}

// Sender delivers a message through one channel type.
type Sender interface {
	Send(ctx context.Context, ch *models.NotificationChannel, msg *Message) (Result, error)
}

// SenderFunc adapts a function to Sender.
type SenderFunc func(ctx context.Context, ch *models.NotificationChannel, msg *Message) (Result, error)

func (f SenderFunc) Send(ctx context.Context, ch *models.NotificationChannel, msg *Message) (Result, error) {
	return f(ctx, ch, msg)
}

// Registry maps channel types to senders.
type Registry struct {
	senders map[models.ChannelType]Sender
}

func NewRegistry() *Registry {
	return &Registry{senders: make(map[models.ChannelType]Sender)}
}

func (r *Registry) Register(t models.ChannelType, s Sender) {
	r.senders[t] = s
}

// Send dispatches to the sender registered for ch.Type.
func (r *Registry) Send(ctx context.Context, ch *models.NotificationChannel, msg *Message) (Result, error) {
	s, ok := r.senders[ch.Type]
	if !ok {
		return Result{}, Permanent(fmt.Errorf("unsupported channel type: %s", ch.Type))
	}
	return s.Send(ctx, ch, msg)
}

// ValidateConfig checks a channel config blob without sending anything.
func ValidateConfig(ch *models.NotificationChannel) error {
	var err error
	switch ch.Type {
	case models.ChannelWebhook:
		_, err = parseWebhookConfig(ch.Config)
	case models.ChannelSNMP:
		_, err = parseSNMPConfig(ch.Config)
	case models.ChannelEmail:
		_, err = parseEmailConfig(ch.Config)
	case models.ChannelMQTT:
		_, err = parseMQTTConfig(ch.Config)
	default:
		err = fmt.Errorf("unsupported channel type: %s", ch.Type)
	}
	return err
}

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as non-retryable. The dispatcher dead-letters such
// failures on the first attempt.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was marked with Permanent.
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}

func decodeConfig(raw datatypes.JSON, v interface{}) error {
	if len(raw) == 0 {
		return Permanent(errors.New("channel config is empty"))
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return Permanent(fmt.Errorf("invalid channel config: %w", err))
	}
	return nil
}
