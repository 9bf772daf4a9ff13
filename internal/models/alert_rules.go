package models

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"gorm.io/datatypes"
)

// ErrInvalidRule is returned for rule definitions that cannot be evaluated.
var ErrInvalidRule = errors.New("invalid alert rule")

// RuleKind 规则类型
type RuleKind string

const (
	RuleKindThreshold RuleKind = "THRESHOLD"
	RuleKindWindow    RuleKind = "WINDOW"
	RuleKindAnomaly   RuleKind = "ANOMALY"
)

// Operator compares an observed value against a threshold.
type Operator string

const (
	OpGreater      Operator = ">"
	OpLess         Operator = "<"
	OpGreaterEqual Operator = ">="
	OpLessEqual    Operator = "<="
)

// Compare reports whether value <op> threshold holds.
func (o Operator) Compare(value, threshold float64) bool {
	switch o {
	case OpGreater:
		return value > threshold
	case OpLess:
		return value < threshold
	case OpGreaterEqual:
		return value >= threshold
	case OpLessEqual:
		return value <= threshold
	}
	return false
}

func (o Operator) Valid() bool {
	switch o {
	case OpGreater, OpLess, OpGreaterEqual, OpLessEqual:
		return true
	}
	return false
}

// Aggregation is the reducer applied to a WINDOW rule's samples.
type Aggregation string

const (
	AggAvg   Aggregation = "avg"
	AggMin   Aggregation = "min"
	AggMax   Aggregation = "max"
	AggCount Aggregation = "count"
	AggSum   Aggregation = "sum"
)

func (a Aggregation) Valid() bool {
	switch a {
	case AggAvg, AggMin, AggMax, AggCount, AggSum:
		return true
	}
	return false
}

const (
	MinWindowSeconds = 60
	MaxWindowSeconds = 3600

	SeverityInfo     = 1
	SeverityLow      = 2
	SeverityMedium   = 3
	SeverityHigh     = 4
	SeverityCritical = 5
)

// AlertRule 告警规则模型
//
// Kind selects the variant; kind specific fields live in Params so that
// THRESHOLD rows never carry window settings and vice versa.
type AlertRule struct {
	ID          uint     `gorm:"primaryKey" json:"id"`
	TenantID    string   `gorm:"size:64;not null;index" json:"tenant_id"`
	Name        string   `gorm:"size:255;not null" json:"name"`
	Metric      string   `gorm:"size:128;not null" json:"metric"`
	Kind        RuleKind `gorm:"size:16;not null" json:"kind"`
	Operator    Operator `gorm:"size:4;not null" json:"operator"`
	Threshold   float64  `json:"threshold"`
	Params      datatypes.JSON `json:"params,omitempty"` // WindowParams or AnomalyParams
	AlertType   string   `gorm:"size:64" json:"alert_type"` // defaults to lower-case kind
	Severity    int      `gorm:"not null;default:3" json:"severity"` // 1..5, 5=critical
	Enabled     bool     `gorm:"not null" json:"enabled"`

	DebounceSeconds int `gorm:"default:0" json:"debounce_seconds"` // condition must hold this long before OPEN

	// Target scope
	GroupIDs       datatypes.JSONSlice[string] `json:"group_ids,omitempty"`
	SiteIDs        datatypes.JSONSlice[string] `json:"site_ids,omitempty"`
	DevicePrefixes datatypes.JSONSlice[string] `json:"device_prefixes,omitempty"`
	SensorID       string                      `gorm:"size:128" json:"sensor_id,omitempty"`
	SensorType     string                      `gorm:"size:64" json:"sensor_type,omitempty"`

	EscalationPolicyID *uint `json:"escalation_policy_id,omitempty"`
	EscalationMinutes  int   `gorm:"default:0" json:"escalation_minutes"` // used when a live alert has no next_escalation_at

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (AlertRule) TableName() string {
	return "alert_rules"
}

// WindowParams are the WINDOW-only settings.
type WindowParams struct {
	Aggregation   Aggregation `json:"aggregation"`
	WindowSeconds int         `json:"window_seconds"`
}

// AnomalyParams are the ANOMALY-only settings.
type AnomalyParams struct {
	Sigma           float64 `json:"sigma"`            // deviation bound in standard deviations
	BaselineSeconds int     `json:"baseline_seconds"` // history used to learn the baseline
	MinSamples      int     `json:"min_samples"`
}

// Variant is the decoded, kind specific view of a rule.
type Variant interface {
	Kind() RuleKind
}

type ThresholdVariant struct{}

type WindowVariant struct{ WindowParams }

type AnomalyVariant struct{ AnomalyParams }

func (ThresholdVariant) Kind() RuleKind { return RuleKindThreshold }
func (WindowVariant) Kind() RuleKind    { return RuleKindWindow }
func (AnomalyVariant) Kind() RuleKind   { return RuleKindAnomaly }

// Window returns the aggregation window length.
func (w WindowVariant) Window() time.Duration {
	return time.Duration(w.WindowSeconds) * time.Second
}

// Baseline returns the anomaly baseline length.
func (a AnomalyVariant) Baseline() time.Duration {
	return time.Duration(a.BaselineSeconds) * time.Second
}

// Variant decodes Params according to Kind. Unknown params are rejected so a
// THRESHOLD or ANOMALY rule can never silently carry window settings.
func (r *AlertRule) Variant() (Variant, error) {
	switch r.Kind {
	case RuleKindThreshold:
		if !emptyParams(r.Params) {
			return nil, fmt.Errorf("%w: THRESHOLD rule must not carry params", ErrInvalidRule)
		}
		return ThresholdVariant{}, nil
	case RuleKindWindow:
		var p WindowParams
		if err := decodeStrict(r.Params, &p); err != nil {
			return nil, fmt.Errorf("%w: window params: %v", ErrInvalidRule, err)
		}
		if !p.Aggregation.Valid() {
			return nil, fmt.Errorf("%w: WINDOW rule requires an aggregation", ErrInvalidRule)
		}
		if p.WindowSeconds < MinWindowSeconds || p.WindowSeconds > MaxWindowSeconds {
			return nil, fmt.Errorf("%w: window must be %d-%ds, got %d",
				ErrInvalidRule, MinWindowSeconds, MaxWindowSeconds, p.WindowSeconds)
		}
		return WindowVariant{p}, nil
	case RuleKindAnomaly:
		var p AnomalyParams
		if !emptyParams(r.Params) {
			if err := decodeStrict(r.Params, &p); err != nil {
				return nil, fmt.Errorf("%w: anomaly params: %v", ErrInvalidRule, err)
			}
		}
		if p.Sigma < 0 || p.BaselineSeconds < 0 || p.MinSamples < 0 {
			return nil, fmt.Errorf("%w: anomaly params must not be negative", ErrInvalidRule)
		}
		return AnomalyVariant{p}, nil
	}
	return nil, fmt.Errorf("%w: unknown kind %q", ErrInvalidRule, r.Kind)
}

// Validate checks the shared base and the kind specific params.
func (r *AlertRule) Validate() error {
	if strings.TrimSpace(r.TenantID) == "" {
		return fmt.Errorf("%w: tenant_id is required", ErrInvalidRule)
	}
	if strings.TrimSpace(r.Metric) == "" {
		return fmt.Errorf("%w: metric is required", ErrInvalidRule)
	}
	if !r.Operator.Valid() {
		return fmt.Errorf("%w: unsupported operator %q", ErrInvalidRule, r.Operator)
	}
	if r.Severity < SeverityInfo || r.Severity > SeverityCritical {
		return fmt.Errorf("%w: severity must be 1-5, got %d", ErrInvalidRule, r.Severity)
	}
	if r.DebounceSeconds < 0 {
		return fmt.Errorf("%w: debounce must not be negative", ErrInvalidRule)
	}
	_, err := r.Variant()
	return err
}

// Type is the alert type reported on alerts raised by this rule.
func (r *AlertRule) Type() string {
	if r.AlertType != "" {
		return r.AlertType
	}
	return strings.ToLower(string(r.Kind))
}

// Debounce returns the duration gate.
func (r *AlertRule) Debounce() time.Duration {
	return time.Duration(r.DebounceSeconds) * time.Second
}

// NewWindowParams encodes WINDOW params for a rule.
func NewWindowParams(agg Aggregation, windowSeconds int) datatypes.JSON {
	b, _ := json.Marshal(WindowParams{Aggregation: agg, WindowSeconds: windowSeconds})
	return datatypes.JSON(b)
}

// NewAnomalyParams encodes ANOMALY params for a rule.
func NewAnomalyParams(p AnomalyParams) datatypes.JSON {
	b, _ := json.Marshal(p)
	return datatypes.JSON(b)
}

func emptyParams(raw datatypes.JSON) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) || bytes.Equal(trimmed, []byte("{}"))
}

func decodeStrict(raw datatypes.JSON, v interface{}) error {
	if len(bytes.TrimSpace(raw)) == 0 {
		return errors.New("params are required")
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}
