package evaluator

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"fleetalert/internal/alert"
	"fleetalert/internal/clock"
	"fleetalert/internal/config"
	"fleetalert/internal/delivery"
	"fleetalert/internal/maintenance"
	"fleetalert/internal/models"
	"fleetalert/internal/notify"
	"fleetalert/internal/registry"
	"fleetalert/internal/router"
	"fleetalert/internal/telemetry"
	"fleetalert/internal/testutil"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

var t0 = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

type fixture struct {
	db      *gorm.DB
	clk     *clock.Fake
	samples *telemetry.SQLReader
	filter  *maintenance.Filter
	rules   *Rules
	alerts  *alert.Service
	eval    *Evaluator
	device  *models.Device
}

func newFixture(t *testing.T) *fixture {
	db := testutil.OpenDB(t)
	clk := clock.NewFake(t0)
	reg := registry.New(db)

	require.NoError(t, db.Create(&models.Tenant{ID: "t1", Name: "Acme", Active: true}).Error)
	device := &models.Device{TenantID: "t1", DeviceID: "pump-1", SiteID: "plant-a", DeviceType: "pump", Active: true}
	require.NoError(t, db.Create(device).Error)

	q := delivery.NewQueue(db, clk, delivery.Backoff{Base: time.Second, Max: time.Minute}, nil)
	svc := alert.NewService(alert.NewStore(db), router.New(db, q, clk, 5), nil, clk)
	samples := telemetry.NewSQLReader(db)
	filter := maintenance.NewFilter(db, reg)
	rules := NewRules(db, reg)

	cfg := config.EvaluatorConfig{
		IntervalSeconds: 30,
		LookbackSeconds: 300,
		Concurrency:     2,
		AnomalySigma:    3,
		AnomalyBaseline: 3600,
		AnomalyMinimum:  10,
	}
	return &fixture{
		db:      db,
		clk:     clk,
		samples: samples,
		filter:  filter,
		rules:   rules,
		alerts:  svc,
		eval:    New(rules, reg, samples, filter, svc, clk, cfg),
		device:  device,
	}
}

func (f *fixture) rule(t *testing.T, r models.AlertRule) *models.AlertRule {
	r.TenantID = "t1"
	r.Enabled = true
	if r.Name == "" {
		r.Name = "test rule"
	}
	if r.Severity == 0 {
		r.Severity = models.SeverityHigh
	}
	require.NoError(t, f.rules.Create(context.Background(), &r))
	return &r
}

func (f *fixture) sample(t *testing.T, metric string, ago time.Duration, value float64) {
	require.NoError(t, f.samples.Write(context.Background(), "t1", f.device.DeviceID, metric,
		telemetry.Sample{Timestamp: f.clk.Now().Add(-ago), Value: value}))
}

func (f *fixture) evaluate(t *testing.T, r *models.AlertRule) Outcome {
	out, err := f.eval.EvaluateDevice(context.Background(), r, f.device)
	require.NoError(t, err)
	return out
}

func (f *fixture) liveAlert(t *testing.T, r *models.AlertRule) *models.FleetAlert {
	a, err := f.alerts.Store().FindLive(context.Background(), alert.Fingerprint("t1", f.device.DeviceID, r.ID, r.Metric))
	require.NoError(t, err)
	return a
}

func (f *fixture) jobCount(t *testing.T) int64 {
	var n int64
	require.NoError(t, f.db.Model(&models.DeliveryJob{}).Count(&n).Error)
	return n
}

func (f *fixture) route(t *testing.T) {
	cfg, _ := json.Marshal(notify.WebhookConfig{URL: "http://hooks.example/ops"})
	ch := &models.NotificationChannel{TenantID: "t1", Name: "ops", Type: models.ChannelWebhook, Config: datatypes.JSON(cfg), Enabled: true}
	require.NoError(t, f.db.Create(ch).Error)
	require.NoError(t, f.db.Create(&models.RoutingRule{
		TenantID: "t1", ChannelID: ch.ID, MinSeverity: models.SeverityInfo, Enabled: true,
		DeliverOn: datatypes.JSONSlice[models.LifecycleEvent]{models.EventOpen},
	}).Error)
}

func TestWindowAverageThreshold(t *testing.T) {
	f := newFixture(t)
	window := models.NewWindowParams(models.AggAvg, 300)
	hot := f.rule(t, models.AlertRule{Metric: "temp", Kind: models.RuleKindWindow, Operator: models.OpGreater, Threshold: 80, Params: window})
	warm := f.rule(t, models.AlertRule{Metric: "temp2", Kind: models.RuleKindWindow, Operator: models.OpGreater, Threshold: 80, Params: window})

	for _, ago := range []time.Duration{240, 180, 120, 60, 0} {
		f.sample(t, "temp", ago*time.Second, 80.1)
		f.sample(t, "temp2", ago*time.Second, 79.9)
	}
	// outside the window
	f.sample(t, "temp2", 400*time.Second, 1000)

	assert.Equal(t, OutcomeOpened, f.evaluate(t, hot))
	assert.Equal(t, OutcomeOK, f.evaluate(t, warm))

	a := f.liveAlert(t, hot)
	require.NotNil(t, a)
	assert.InDelta(t, 80.1, a.Value, 1e-9)
	assert.Equal(t, "window", a.AlertType)
	assert.Nil(t, f.liveAlert(t, warm))
}

func TestDebounceRequiresContinuousCondition(t *testing.T) {
	f := newFixture(t)
	r := f.rule(t, models.AlertRule{Metric: "temp", Kind: models.RuleKindThreshold, Operator: models.OpGreater, Threshold: 50, DebounceSeconds: 120})

	f.sample(t, "temp", 0, 60)
	assert.Equal(t, OutcomePending, f.evaluate(t, r))

	f.clk.Advance(60 * time.Second)
	f.sample(t, "temp", 0, 61)
	assert.Equal(t, OutcomePending, f.evaluate(t, r))
	assert.Nil(t, f.liveAlert(t, r))

	f.clk.Advance(60 * time.Second)
	f.sample(t, "temp", 0, 62)
	assert.Equal(t, OutcomeOpened, f.evaluate(t, r))
	assert.NotNil(t, f.liveAlert(t, r))
}

func TestDebounceResetByFalseTick(t *testing.T) {
	f := newFixture(t)
	r := f.rule(t, models.AlertRule{Metric: "temp", Kind: models.RuleKindThreshold, Operator: models.OpGreater, Threshold: 50, DebounceSeconds: 120})

	f.sample(t, "temp", 0, 60)
	assert.Equal(t, OutcomePending, f.evaluate(t, r))

	f.clk.Advance(60 * time.Second)
	f.sample(t, "temp", 0, 40)
	assert.Equal(t, OutcomeOK, f.evaluate(t, r))

	f.clk.Advance(60 * time.Second)
	f.sample(t, "temp", 0, 60)
	assert.Equal(t, OutcomePending, f.evaluate(t, r))

	f.clk.Advance(60 * time.Second)
	f.sample(t, "temp", 0, 60)
	assert.Equal(t, OutcomePending, f.evaluate(t, r))

	f.clk.Advance(60 * time.Second)
	f.sample(t, "temp", 0, 60)
	assert.Equal(t, OutcomeOpened, f.evaluate(t, r))
}

func TestRetriggerDoesNotDeliverAgain(t *testing.T) {
	f := newFixture(t)
	f.route(t)
	r := f.rule(t, models.AlertRule{Metric: "temp", Kind: models.RuleKindThreshold, Operator: models.OpGreater, Threshold: 50})

	f.sample(t, "temp", 0, 60)
	assert.Equal(t, OutcomeOpened, f.evaluate(t, r))
	assert.EqualValues(t, 1, f.jobCount(t))

	f.clk.Advance(30 * time.Second)
	f.sample(t, "temp", 0, 70)
	assert.Equal(t, OutcomeRetriggered, f.evaluate(t, r))

	a := f.liveAlert(t, r)
	require.NotNil(t, a)
	assert.Equal(t, 2, a.TriggerCount)
	assert.Equal(t, 70.0, a.Value)
	assert.True(t, a.LastTriggeredAt.Equal(f.clk.Now()))
	assert.EqualValues(t, 1, f.jobCount(t))

	var rows int64
	require.NoError(t, f.db.Model(&models.FleetAlert{}).Count(&rows).Error)
	assert.EqualValues(t, 1, rows)
}

func TestConditionClearingClosesAlert(t *testing.T) {
	f := newFixture(t)
	r := f.rule(t, models.AlertRule{Metric: "temp", Kind: models.RuleKindThreshold, Operator: models.OpGreater, Threshold: 50})

	f.sample(t, "temp", 0, 60)
	require.Equal(t, OutcomeOpened, f.evaluate(t, r))
	a := f.liveAlert(t, r)

	f.clk.Advance(30 * time.Second)
	f.sample(t, "temp", 0, 10)
	assert.Equal(t, OutcomeClosed, f.evaluate(t, r))
	assert.Equal(t, OutcomeOK, f.evaluate(t, r))

	closed, err := f.alerts.Get(context.Background(), "t1", a.ID)
	require.NoError(t, err)
	assert.Equal(t, models.AlertClosed, closed.Status)
	assert.Empty(t, closed.ClosedBy)
}

func TestMaintenanceWindowBlocksOpenUntilItEnds(t *testing.T) {
	f := newFixture(t)
	r := f.rule(t, models.AlertRule{Metric: "temp", Kind: models.RuleKindThreshold, Operator: models.OpGreater, Threshold: 50})

	start, end := t0.Add(-time.Minute), t0.Add(5*time.Minute)
	require.NoError(t, f.filter.Create(context.Background(), &models.MaintenanceWindow{
		TenantID: "t1", Name: "service", Enabled: true, StartsAt: &start, EndsAt: &end,
		SiteIDs: []string{"plant-a"},
	}))

	f.sample(t, "temp", 0, 60)
	assert.Equal(t, OutcomeSuppressed, f.evaluate(t, r))
	assert.Nil(t, f.liveAlert(t, r))

	f.clk.Advance(10 * time.Minute)
	f.sample(t, "temp", 0, 60)
	assert.Equal(t, OutcomeOpened, f.evaluate(t, r))
}

func TestMaintenanceDoesNotBlockClose(t *testing.T) {
	f := newFixture(t)
	r := f.rule(t, models.AlertRule{Metric: "temp", Kind: models.RuleKindThreshold, Operator: models.OpGreater, Threshold: 50})

	f.sample(t, "temp", 0, 60)
	require.Equal(t, OutcomeOpened, f.evaluate(t, r))

	start, end := t0, t0.Add(time.Hour)
	require.NoError(t, f.filter.Create(context.Background(), &models.MaintenanceWindow{
		TenantID: "t1", Name: "service", Enabled: true, StartsAt: &start, EndsAt: &end,
	}))

	f.clk.Advance(time.Minute)
	f.sample(t, "temp", 0, 60)
	assert.Equal(t, OutcomeRetriggered, f.evaluate(t, r))

	f.clk.Advance(time.Minute)
	f.sample(t, "temp", 0, 10)
	assert.Equal(t, OutcomeClosed, f.evaluate(t, r))
}

func TestSilencedFingerprintDoesNotReopen(t *testing.T) {
	f := newFixture(t)
	r := f.rule(t, models.AlertRule{Metric: "temp", Kind: models.RuleKindThreshold, Operator: models.OpGreater, Threshold: 50})
	ctx := context.Background()

	f.sample(t, "temp", 0, 60)
	require.Equal(t, OutcomeOpened, f.evaluate(t, r))
	a := f.liveAlert(t, r)

	_, err := f.alerts.Silence(ctx, "t1", a.ID, t0.Add(time.Hour), "ops")
	require.NoError(t, err)
	_, err = f.alerts.Resolve(ctx, "t1", a.ID, "ops")
	require.NoError(t, err)

	f.clk.Advance(time.Minute)
	f.sample(t, "temp", 0, 60)
	assert.Equal(t, OutcomeSilenced, f.evaluate(t, r))

	f.clk.Advance(time.Hour)
	f.sample(t, "temp", 0, 60)
	assert.Equal(t, OutcomeOpened, f.evaluate(t, r))
}

func TestNoSamplesLeavesStateAlone(t *testing.T) {
	f := newFixture(t)
	r := f.rule(t, models.AlertRule{Metric: "temp", Kind: models.RuleKindThreshold, Operator: models.OpGreater, Threshold: 50})

	f.sample(t, "temp", 0, 60)
	require.Equal(t, OutcomeOpened, f.evaluate(t, r))

	// lookback is 300s
	f.clk.Advance(10 * time.Minute)
	assert.Equal(t, OutcomeNoData, f.evaluate(t, r))
	assert.NotNil(t, f.liveAlert(t, r))
}

type failingReader struct{}

func (failingReader) ReadSamples(context.Context, string, string, string, time.Time) ([]telemetry.Sample, error) {
	return nil, errors.New("telemetry unavailable")
}

func TestTelemetryErrorSkipsDevice(t *testing.T) {
	f := newFixture(t)
	r := f.rule(t, models.AlertRule{Metric: "temp", Kind: models.RuleKindThreshold, Operator: models.OpGreater, Threshold: 50})
	f.eval.reader = failingReader{}

	_, err := f.eval.EvaluateDevice(context.Background(), r, f.device)
	assert.Error(t, err)
	require.NoError(t, f.eval.Tick(context.Background()))
	assert.Nil(t, f.liveAlert(t, r))
}

func TestTickSkipsDisabledRules(t *testing.T) {
	f := newFixture(t)
	on := f.rule(t, models.AlertRule{Metric: "temp", Kind: models.RuleKindThreshold, Operator: models.OpGreater, Threshold: 50})
	off := f.rule(t, models.AlertRule{Metric: "temp", Kind: models.RuleKindThreshold, Operator: models.OpGreater, Threshold: 40})
	_, err := f.rules.SetEnabled(context.Background(), "t1", off.ID, false)
	require.NoError(t, err)

	f.sample(t, "temp", 0, 60)
	require.NoError(t, f.eval.Tick(context.Background()))
	require.NoError(t, f.eval.Tick(context.Background()))

	assert.NotNil(t, f.liveAlert(t, on))
	assert.Equal(t, 2, f.liveAlert(t, on).TriggerCount)
	assert.Nil(t, f.liveAlert(t, off))
}

func TestAnomalyRule(t *testing.T) {
	f := newFixture(t)
	r := f.rule(t, models.AlertRule{
		Metric: "vibration", Kind: models.RuleKindAnomaly, Operator: models.OpGreater,
		Params: models.NewAnomalyParams(models.AnomalyParams{Sigma: 3, BaselineSeconds: 3600, MinSamples: 10}),
	})

	for i := 20; i > 0; i-- {
		v := 10.0
		if i%2 == 0 {
			v = 12
		}
		f.sample(t, "vibration", time.Duration(i)*time.Minute, v)
	}
	f.sample(t, "vibration", 0, 11.5)
	assert.Equal(t, OutcomeOK, f.evaluate(t, r))

	f.clk.Advance(time.Second)
	f.sample(t, "vibration", 0, 40)
	assert.Equal(t, OutcomeOpened, f.evaluate(t, r))

	a := f.liveAlert(t, r)
	require.NotNil(t, a)
	assert.Greater(t, a.Magnitude, 3.0)
	assert.Equal(t, 40.0, a.Value)
}

func TestCreateRuleValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	err := f.rules.Create(ctx, &models.AlertRule{TenantID: "t1", Metric: "temp", Kind: models.RuleKindWindow, Operator: models.OpGreater, Severity: 3})
	assert.ErrorIs(t, err, models.ErrInvalidRule)

	err = f.rules.Create(ctx, &models.AlertRule{TenantID: "nobody", Metric: "temp", Kind: models.RuleKindThreshold, Operator: models.OpGreater, Severity: 3})
	assert.ErrorIs(t, err, ErrUnknownTenant)

	missing := uint(99)
	err = f.rules.Create(ctx, &models.AlertRule{TenantID: "t1", Metric: "temp", Kind: models.RuleKindThreshold, Operator: models.OpGreater, Severity: 3, EscalationPolicyID: &missing})
	assert.ErrorIs(t, err, models.ErrInvalidRule)

	_, err = f.rules.SetEnabled(ctx, "t2", 1, true)
	assert.ErrorIs(t, err, ErrRuleNotFound)
}
