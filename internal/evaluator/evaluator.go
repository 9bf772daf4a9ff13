// Package evaluator turns telemetry into alert transitions.
package evaluator

import (
	"context"
	"fmt"
	"time"

	"fleetalert/internal/alert"
	"fleetalert/internal/clock"
	"fleetalert/internal/config"
	"fleetalert/internal/logger"
	"fleetalert/internal/metrics"
	"fleetalert/internal/models"
	"fleetalert/internal/registry"
	"fleetalert/internal/telemetry"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Outcome is what one device evaluation did.
type Outcome string

const (
	OutcomeNoData      Outcome = "no_data"
	OutcomeOK          Outcome = "ok"
	OutcomePending     Outcome = "pending"
	OutcomeSilenced    Outcome = "silenced"
	OutcomeSuppressed  Outcome = "suppressed"
	OutcomeOpened      Outcome = "opened"
	OutcomeRetriggered Outcome = "retriggered"
	OutcomeClosed      Outcome = "closed"
)

// ScopeResolver expands a rule scope to devices.
type ScopeResolver interface {
	ResolveScope(ctx context.Context, tenantID string, scope registry.Scope) ([]models.Device, error)
}

// Suppressor reports active maintenance for a device.
type Suppressor interface {
	IsSuppressed(ctx context.Context, tenantID, deviceID, siteID string, now time.Time) (bool, error)
}

// Evaluator runs every enabled rule against the devices in its scope.
type Evaluator struct {
	rules     *Rules
	devices   ScopeResolver
	reader    telemetry.Reader
	filter    Suppressor
	alerts    *alert.Service
	clock     clock.Clock
	cfg       config.EvaluatorConfig
	detectors DetectorFactory
}

func New(rules *Rules, devices ScopeResolver, reader telemetry.Reader, filter Suppressor,
	alerts *alert.Service, clk clock.Clock, cfg config.EvaluatorConfig) *Evaluator {
	if clk == nil {
		clk = clock.RealClock{}
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	if cfg.IntervalSeconds <= 0 {
		cfg.IntervalSeconds = 30
	}
	if cfg.LookbackSeconds <= 0 {
		cfg.LookbackSeconds = 300
	}
	return &Evaluator{
		rules:     rules,
		devices:   devices,
		reader:    reader,
		filter:    filter,
		alerts:    alerts,
		clock:     clk,
		cfg:       cfg,
		detectors: NewZScore,
	}
}

// SetDetectorFactory replaces the anomaly strategy.
func (e *Evaluator) SetDetectorFactory(f DetectorFactory) {
	e.detectors = f
}

// Run ticks until ctx is cancelled.
func (e *Evaluator) Run(ctx context.Context) {
	interval := e.cfg.Interval()
	logger.Info("Starting rule evaluator",
		zap.Duration("interval", interval),
		zap.Int("concurrency", e.cfg.Concurrency))

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if err := e.Tick(ctx); err != nil && ctx.Err() == nil {
			logger.Error("evaluation tick failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			logger.Info("Rule evaluator stopped")
			return
		case <-ticker.C:
		}
	}
}

// Tick evaluates all enabled rules once. Failures of single rules or
// devices are logged and do not fail the tick.
func (e *Evaluator) Tick(ctx context.Context) error {
	start := time.Now()
	defer func() { metrics.EvaluationDuration.Observe(time.Since(start).Seconds()) }()

	rules, err := e.rules.Enabled(ctx)
	if err != nil {
		metrics.EvaluationErrors.WithLabelValues("rules").Inc()
		return err
	}

	var g errgroup.Group
	g.SetLimit(e.cfg.Concurrency)
	for i := range rules {
		rule := &rules[i]
		g.Go(func() error {
			if err := e.EvaluateRule(ctx, rule); err != nil {
				logger.Warn("rule evaluation skipped",
					zap.Uint("rule_id", rule.ID),
					zap.String("tenant_id", rule.TenantID),
					zap.Error(err))
			}
			return nil
		})
	}
	return g.Wait()
}

// EvaluateRule evaluates rule for every device in its scope.
func (e *Evaluator) EvaluateRule(ctx context.Context, rule *models.AlertRule) error {
	variant, err := rule.Variant()
	if err != nil {
		metrics.EvaluationErrors.WithLabelValues("rule").Inc()
		return err
	}

	devices, err := e.devices.ResolveScope(ctx, rule.TenantID, registry.ScopeOf(rule))
	if err != nil {
		metrics.EvaluationErrors.WithLabelValues("scope").Inc()
		return err
	}

	for i := range devices {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if _, err := e.evaluateDevice(ctx, rule, variant, &devices[i]); err != nil {
			logger.Warn("device evaluation skipped",
				zap.Uint("rule_id", rule.ID),
				zap.String("device_id", devices[i].DeviceID),
				zap.Error(err))
		}
	}
	return nil
}

// EvaluateDevice runs one rule against one device.
func (e *Evaluator) EvaluateDevice(ctx context.Context, rule *models.AlertRule, device *models.Device) (Outcome, error) {
	variant, err := rule.Variant()
	if err != nil {
		return "", err
	}
	return e.evaluateDevice(ctx, rule, variant, device)
}

type observation struct {
	holds     bool
	value     float64
	magnitude float64
}

func (e *Evaluator) evaluateDevice(ctx context.Context, rule *models.AlertRule, variant models.Variant, device *models.Device) (Outcome, error) {
	now := e.clock.Now()
	obs, ok, err := e.observe(ctx, rule, variant, device.DeviceID, now)
	if err != nil {
		metrics.EvaluationErrors.WithLabelValues("telemetry").Inc()
		return "", err
	}
	if !ok {
		return OutcomeNoData, nil
	}

	store := e.alerts.Store()
	fp := alert.Fingerprint(rule.TenantID, device.DeviceID, rule.ID, rule.Metric)

	if !obs.holds {
		if err := store.ClearPending(ctx, fp); err != nil {
			return "", err
		}
		live, err := store.FindLive(ctx, fp)
		if err != nil || live == nil {
			return OutcomeOK, err
		}
		if _, closed, err := e.alerts.Close(ctx, live.ID, ""); err != nil || !closed {
			return OutcomeOK, err
		}
		return OutcomeClosed, nil
	}

	live, err := store.FindLive(ctx, fp)
	if err != nil {
		return "", err
	}
	if live != nil {
		if _, err := e.alerts.Retrigger(ctx, fp, obs.value, obs.magnitude); err != nil {
			return "", err
		}
		return OutcomeRetriggered, nil
	}

	if debounce := rule.Debounce(); debounce > 0 {
		since, err := store.MarkPending(ctx, models.PendingState{
			Fingerprint: fp,
			TenantID:    rule.TenantID,
			RuleID:      rule.ID,
			DeviceID:    device.DeviceID,
		}, now)
		if err != nil {
			return "", err
		}
		if now.Sub(since) < debounce {
			return OutcomePending, nil
		}
	}

	silenced, err := store.Silenced(ctx, fp, now)
	if err != nil {
		return "", err
	}
	if silenced {
		return OutcomeSilenced, nil
	}

	if e.filter != nil {
		suppressed, err := e.filter.IsSuppressed(ctx, rule.TenantID, device.DeviceID, device.SiteID, now)
		if err != nil {
			return "", err
		}
		if suppressed {
			logger.Debug("alert suppressed by maintenance window",
				zap.Uint("rule_id", rule.ID),
				zap.String("device_id", device.DeviceID))
			return OutcomeSuppressed, nil
		}
	}

	opened, _, err := e.alerts.Open(ctx, &models.FleetAlert{
		TenantID:    rule.TenantID,
		Fingerprint: fp,
		RuleID:      rule.ID,
		DeviceID:    device.DeviceID,
		SiteID:      device.SiteID,
		Metric:      rule.Metric,
		Severity:    rule.Severity,
		AlertType:   rule.Type(),
		Message:     describe(rule, obs),
		Value:       obs.value,
		Magnitude:   obs.magnitude,
	})
	if err != nil {
		return "", err
	}
	if err := store.ClearPending(ctx, fp); err != nil {
		logger.Warn("clear pending state failed", zap.String("fingerprint", fp), zap.Error(err))
	}
	if !opened {
		return OutcomeRetriggered, nil
	}
	return OutcomeOpened, nil
}

// observe reads the samples a rule needs and computes its condition. ok is
// false when there is not enough data to decide.
func (e *Evaluator) observe(ctx context.Context, rule *models.AlertRule, variant models.Variant, deviceID string, now time.Time) (observation, bool, error) {
	switch v := variant.(type) {
	case models.ThresholdVariant:
		samples, err := e.reader.ReadSamples(ctx, rule.TenantID, deviceID, rule.Metric, now.Add(-e.cfg.Lookback()))
		if err != nil || len(samples) == 0 {
			return observation{}, false, err
		}
		latest := samples[len(samples)-1].Value
		return observation{holds: rule.Operator.Compare(latest, rule.Threshold), value: latest}, true, nil

	case models.WindowVariant:
		samples, err := e.reader.ReadSamples(ctx, rule.TenantID, deviceID, rule.Metric, now.Add(-v.Window()))
		if err != nil {
			return observation{}, false, err
		}
		value, ok := Aggregate(v.Aggregation, samples)
		if !ok {
			return observation{}, false, nil
		}
		return observation{holds: rule.Operator.Compare(value, rule.Threshold), value: value}, true, nil

	case models.AnomalyVariant:
		params := e.anomalyDefaults(v.AnomalyParams)
		baseline := time.Duration(params.BaselineSeconds) * time.Second
		samples, err := e.reader.ReadSamples(ctx, rule.TenantID, deviceID, rule.Metric, now.Add(-baseline))
		if err != nil || len(samples) == 0 {
			return observation{}, false, err
		}
		anomalous, magnitude := e.detectors(rule, params).Evaluate(samples)
		return observation{
			holds:     anomalous,
			value:     samples[len(samples)-1].Value,
			magnitude: magnitude,
		}, true, nil
	}
	return observation{}, false, fmt.Errorf("%w: unsupported variant %T", models.ErrInvalidRule, variant)
}

func (e *Evaluator) anomalyDefaults(p models.AnomalyParams) models.AnomalyParams {
	if p.Sigma == 0 {
		p.Sigma = e.cfg.AnomalySigma
	}
	if p.BaselineSeconds == 0 {
		p.BaselineSeconds = e.cfg.AnomalyBaseline
	}
	if p.MinSamples == 0 {
		p.MinSamples = e.cfg.AnomalyMinimum
	}
	return p
}

func describe(rule *models.AlertRule, obs observation) string {
	var msg string
	if rule.Kind == models.RuleKindAnomaly {
		msg = fmt.Sprintf("%s: %s deviates %.2f sigma from baseline (value %g)", rule.Name, rule.Metric, obs.magnitude, obs.value)
	} else {
		msg = fmt.Sprintf("%s: %s %g %s %g", rule.Name, rule.Metric, obs.value, rule.Operator, rule.Threshold)
	}
	if rule.SensorID != "" || rule.SensorType != "" {
		msg += fmt.Sprintf(" [sensor %s %s]", rule.SensorType, rule.SensorID)
	}
	return msg
}
