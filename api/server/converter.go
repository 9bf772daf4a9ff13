package server

import (
	"encoding/json"
	"time"

	"fleetalert/internal/models"

	"gorm.io/datatypes"
)

// IDRequest addresses one resource of the caller's tenant.
type IDRequest struct {
	ID uint `json:"id" binding:"required"`
}

// AddRuleRequest creates an alert rule. Window fields apply to WINDOW rules
// only and anomaly fields to ANOMALY rules only.
type AddRuleRequest struct {
	Name            string          `json:"name" binding:"required"`
	Metric          string          `json:"metric" binding:"required"`
	Kind            models.RuleKind `json:"kind" binding:"required,oneof=THRESHOLD WINDOW ANOMALY"`
	Operator        models.Operator `json:"operator" binding:"required"`
	Threshold       float64         `json:"threshold"`
	Severity        int             `json:"severity" binding:"required,min=1,max=5"`
	AlertType       string          `json:"alert_type"`
	Enabled         *bool           `json:"enabled"`
	DebounceSeconds int             `json:"debounce_seconds"`

	// WINDOW
	Aggregation   models.Aggregation `json:"aggregation"`
	WindowSeconds int                `json:"window_seconds"`

	// ANOMALY
	Sigma           float64 `json:"sigma"`
	BaselineSeconds int     `json:"baseline_seconds"`
	MinSamples      int     `json:"min_samples"`

	GroupIDs       []string `json:"group_ids"`
	SiteIDs        []string `json:"site_ids"`
	DevicePrefixes []string `json:"device_prefixes"`
	SensorID       string   `json:"sensor_id"`
	SensorType     string   `json:"sensor_type"`

	EscalationPolicyID *uint `json:"escalation_policy_id"`
	EscalationMinutes  int   `json:"escalation_minutes"`
}

// ConvertRuleRequest builds the rule model, encoding kind specific params.
func ConvertRuleRequest(tenantID string, req AddRuleRequest) *models.AlertRule {
	rule := &models.AlertRule{
		TenantID:           tenantID,
		Name:               req.Name,
		Metric:             req.Metric,
		Kind:               req.Kind,
		Operator:           req.Operator,
		Threshold:          req.Threshold,
		AlertType:          req.AlertType,
		Severity:           req.Severity,
		Enabled:            enabledOrDefault(req.Enabled),
		DebounceSeconds:    req.DebounceSeconds,
		GroupIDs:           req.GroupIDs,
		SiteIDs:            req.SiteIDs,
		DevicePrefixes:     req.DevicePrefixes,
		SensorID:           req.SensorID,
		SensorType:         req.SensorType,
		EscalationPolicyID: req.EscalationPolicyID,
		EscalationMinutes:  req.EscalationMinutes,
	}

	switch req.Kind {
	case models.RuleKindWindow:
		rule.Params = models.NewWindowParams(req.Aggregation, req.WindowSeconds)
	case models.RuleKindAnomaly:
		if req.Sigma != 0 || req.BaselineSeconds != 0 || req.MinSamples != 0 {
			rule.Params = models.NewAnomalyParams(models.AnomalyParams{
				Sigma:           req.Sigma,
				BaselineSeconds: req.BaselineSeconds,
				MinSamples:      req.MinSamples,
			})
		}
	}
	return rule
}

// AddChannelRequest creates a notification channel. Config is the type
// specific JSON object.
type AddChannelRequest struct {
	Name    string             `json:"name" binding:"required"`
	Type    models.ChannelType `json:"type" binding:"required,oneof=webhook snmp email mqtt"`
	Config  json.RawMessage    `json:"config" binding:"required"`
	Enabled *bool              `json:"enabled"`
}

func ConvertChannelRequest(tenantID string, req AddChannelRequest) *models.NotificationChannel {
	return &models.NotificationChannel{
		TenantID: tenantID,
		Name:     req.Name,
		Type:     req.Type,
		Config:   datatypes.JSON(req.Config),
		Enabled:  enabledOrDefault(req.Enabled),
	}
}

type AddRoutingRuleRequest struct {
	Name            string                  `json:"name"`
	ChannelID       uint                    `json:"channel_id" binding:"required"`
	MinSeverity     int                     `json:"min_severity"`
	AlertTypes      []string                `json:"alert_types"`
	SiteIDs         []string                `json:"site_ids"`
	DevicePrefixes  []string                `json:"device_prefixes"`
	DeliverOn       []models.LifecycleEvent `json:"deliver_on" binding:"required"`
	Priority        int                     `json:"priority"`
	ThrottleSeconds int                     `json:"throttle_seconds"`
	Enabled         *bool                   `json:"enabled"`
}

func ConvertRoutingRuleRequest(tenantID string, req AddRoutingRuleRequest) *models.RoutingRule {
	minSeverity := req.MinSeverity
	if minSeverity == 0 {
		minSeverity = models.SeverityInfo
	}
	return &models.RoutingRule{
		TenantID:        tenantID,
		ChannelID:       req.ChannelID,
		Name:            req.Name,
		MinSeverity:     minSeverity,
		AlertTypes:      req.AlertTypes,
		SiteIDs:         req.SiteIDs,
		DevicePrefixes:  req.DevicePrefixes,
		DeliverOn:       req.DeliverOn,
		Priority:        req.Priority,
		ThrottleSeconds: req.ThrottleSeconds,
		Enabled:         enabledOrDefault(req.Enabled),
	}
}

type AddMaintenanceRequest struct {
	Name        string     `json:"name"`
	StartsAt    *time.Time `json:"starts_at"`
	EndsAt      *time.Time `json:"ends_at"`
	Recurring   bool       `json:"recurring"`
	DaysOfWeek  []int      `json:"days_of_week"`
	StartHour   int        `json:"start_hour"`
	EndHour     int        `json:"end_hour"`
	Timezone    string     `json:"timezone"`
	SiteIDs     []string   `json:"site_ids"`
	DeviceTypes []string   `json:"device_types"`
	Enabled     *bool      `json:"enabled"`
}

func ConvertMaintenanceRequest(tenantID string, req AddMaintenanceRequest) *models.MaintenanceWindow {
	return &models.MaintenanceWindow{
		TenantID:    tenantID,
		Name:        req.Name,
		Enabled:     enabledOrDefault(req.Enabled),
		StartsAt:    utc(req.StartsAt),
		EndsAt:      utc(req.EndsAt),
		Recurring:   req.Recurring,
		DaysOfWeek:  req.DaysOfWeek,
		StartHour:   req.StartHour,
		EndHour:     req.EndHour,
		Timezone:    req.Timezone,
		SiteIDs:     req.SiteIDs,
		DeviceTypes: req.DeviceTypes,
	}
}

type EscalationLevelRequest struct {
	Level        int  `json:"level" binding:"required"`
	DelayMinutes int  `json:"delay_minutes"`
	ChannelID    uint `json:"channel_id" binding:"required"`
}

type AddEscalationPolicyRequest struct {
	Name   string                   `json:"name" binding:"required"`
	Levels []EscalationLevelRequest `json:"levels" binding:"required,dive"`
}

func ConvertEscalationPolicyRequest(tenantID string, req AddEscalationPolicyRequest) *models.EscalationPolicy {
	p := &models.EscalationPolicy{TenantID: tenantID, Name: req.Name}
	for _, l := range req.Levels {
		p.Levels = append(p.Levels, models.EscalationLevel{
			Level:        l.Level,
			DelayMinutes: l.DelayMinutes,
			ChannelID:    l.ChannelID,
		})
	}
	return p
}

func enabledOrDefault(v *bool) bool {
	if v == nil {
		return true
	}
	return *v
}

func utc(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}
