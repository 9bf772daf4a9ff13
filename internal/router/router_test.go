package router

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"fleetalert/internal/clock"
	"fleetalert/internal/delivery"
	"fleetalert/internal/models"
	"fleetalert/internal/notify"
	"fleetalert/internal/testutil"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

var t0 = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

type fixture struct {
	db     *gorm.DB
	clk    *clock.Fake
	store  *Store
	router *Router
}

func newFixture(t *testing.T) *fixture {
	db := testutil.OpenDB(t)
	clk := clock.NewFake(t0)
	q := delivery.NewQueue(db, clk, delivery.Backoff{Base: time.Second, Max: time.Minute}, nil)
	return &fixture{db: db, clk: clk, store: NewStore(db), router: New(db, q, clk, 5)}
}

func (f *fixture) channel(t *testing.T, name string) *models.NotificationChannel {
	cfg, _ := json.Marshal(notify.WebhookConfig{URL: "http://hooks.example/" + name})
	ch := &models.NotificationChannel{TenantID: "t1", Name: name, Type: models.ChannelWebhook, Config: datatypes.JSON(cfg), Enabled: true}
	require.NoError(t, f.store.CreateChannel(context.Background(), ch))
	return ch
}

// rule inserts directly so tests can use values the API would reject.
func (f *fixture) rule(t *testing.T, r models.RoutingRule) *models.RoutingRule {
	r.TenantID = "t1"
	require.NoError(t, f.db.Create(&r).Error)
	return &r
}

func (f *fixture) alert(t *testing.T, severity int) *models.FleetAlert {
	fp := "fp-router"
	a := &models.FleetAlert{
		TenantID: "t1", Fingerprint: fp, LiveKey: &fp, RuleID: 1, DeviceID: "pump-7", SiteID: "plant-a",
		Metric: "temp", Status: models.AlertOpen, Severity: severity, AlertType: "threshold", TriggerCount: 1,
	}
	require.NoError(t, f.db.Create(a).Error)
	return a
}

func (f *fixture) jobs(t *testing.T, channelID uint) []models.DeliveryJob {
	var out []models.DeliveryJob
	require.NoError(t, f.db.Where("channel_id = ?", channelID).Order("id").Find(&out).Error)
	return out
}

func both() datatypes.JSONSlice[models.LifecycleEvent] {
	return datatypes.JSONSlice[models.LifecycleEvent]{models.EventOpen, models.EventClosed}
}

func TestCriticalAlertProducesOneJobPerEvent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	high := f.channel(t, "high")
	tooHigh := f.channel(t, "too-high")
	disabled := f.channel(t, "disabled")

	f.rule(t, models.RoutingRule{ChannelID: high.ID, MinSeverity: models.SeverityHigh, DeliverOn: both(), Enabled: true})
	f.rule(t, models.RoutingRule{ChannelID: tooHigh.ID, MinSeverity: models.SeverityCritical + 1, DeliverOn: both(), Enabled: true})
	f.rule(t, models.RoutingRule{ChannelID: disabled.ID, MinSeverity: models.SeverityInfo, DeliverOn: both(), Enabled: false})

	a := f.alert(t, models.SeverityCritical)

	res, err := f.router.Route(ctx, a, models.EventOpen)
	require.NoError(t, err)
	assert.Equal(t, Result{Matched: 1, Enqueued: 1}, res)

	res, err = f.router.Route(ctx, a, models.EventClosed)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Enqueued)

	jobs := f.jobs(t, high.ID)
	require.Len(t, jobs, 2)
	assert.Equal(t, models.EventOpen, jobs[0].Event)
	assert.Equal(t, models.EventClosed, jobs[1].Event)
	assert.Empty(t, f.jobs(t, tooHigh.ID))
	assert.Empty(t, f.jobs(t, disabled.ID))

	msg, err := notify.Decode(jobs[1].Payload)
	require.NoError(t, err)
	assert.Equal(t, models.EventClosed, msg.Event)
	assert.Equal(t, a.ID, msg.AlertID)
}

func TestRoutingTwiceDoesNotDuplicate(t *testing.T) {
	f := newFixture(t)
	ch := f.channel(t, "ops")
	f.rule(t, models.RoutingRule{ChannelID: ch.ID, MinSeverity: 1, DeliverOn: both(), Enabled: true})
	// second rule to the same channel collapses onto the same tuple
	f.rule(t, models.RoutingRule{ChannelID: ch.ID, MinSeverity: 1, DeliverOn: both(), Enabled: true, Priority: 5})
	a := f.alert(t, 3)

	res, err := f.router.Route(context.Background(), a, models.EventOpen)
	require.NoError(t, err)
	assert.Equal(t, Result{Matched: 2, Enqueued: 1, Duplicate: 1}, res)

	res, err = f.router.Route(context.Background(), a, models.EventOpen)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Duplicate)
	assert.Len(t, f.jobs(t, ch.ID), 1)
}

func TestRoutingHonorsPriorityOrder(t *testing.T) {
	f := newFixture(t)
	late := f.channel(t, "late")
	early := f.channel(t, "early")
	f.rule(t, models.RoutingRule{ChannelID: late.ID, MinSeverity: 1, DeliverOn: both(), Enabled: true, Priority: 50})
	f.rule(t, models.RoutingRule{ChannelID: early.ID, MinSeverity: 1, DeliverOn: both(), Enabled: true, Priority: 10})

	_, err := f.router.Route(context.Background(), f.alert(t, 3), models.EventOpen)
	require.NoError(t, err)

	var jobs []models.DeliveryJob
	require.NoError(t, f.db.Order("id").Find(&jobs).Error)
	require.Len(t, jobs, 2)
	assert.Equal(t, early.ID, jobs[0].ChannelID)
	assert.Equal(t, late.ID, jobs[1].ChannelID)
}

func TestRoutingPredicates(t *testing.T) {
	cases := []struct {
		name  string
		rule  models.RoutingRule
		event models.LifecycleEvent
		match bool
	}{
		{"type match", models.RoutingRule{AlertTypes: []string{"threshold"}}, models.EventOpen, true},
		{"type mismatch", models.RoutingRule{AlertTypes: []string{"anomaly"}}, models.EventOpen, false},
		{"site match", models.RoutingRule{SiteIDs: []string{"plant-a"}}, models.EventOpen, true},
		{"site mismatch", models.RoutingRule{SiteIDs: []string{"plant-b"}}, models.EventOpen, false},
		{"prefix match", models.RoutingRule{DevicePrefixes: []string{"pump-"}}, models.EventOpen, true},
		{"prefix mismatch", models.RoutingRule{DevicePrefixes: []string{"valve-"}}, models.EventOpen, false},
		{"event not delivered", models.RoutingRule{}, models.EventAcknowledged, false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t)
			ch := f.channel(t, "ops")
			tc.rule.ChannelID = ch.ID
			tc.rule.MinSeverity = 1
			tc.rule.DeliverOn = both()
			tc.rule.Enabled = true
			f.rule(t, tc.rule)

			res, err := f.router.Route(context.Background(), f.alert(t, 3), tc.event)
			require.NoError(t, err)
			if tc.match {
				assert.Equal(t, 1, res.Enqueued)
			} else {
				assert.Zero(t, res.Matched)
			}
		})
	}
}

func TestThrottleRecordsOutcomeInsteadOfEnqueue(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	ch := f.channel(t, "ops")
	f.rule(t, models.RoutingRule{ChannelID: ch.ID, MinSeverity: 1, DeliverOn: both(), Enabled: true, ThrottleSeconds: 300})

	first := f.alert(t, 3)
	_, err := f.router.Route(ctx, first, models.EventOpen)
	require.NoError(t, err)

	// the first alert was attempted one minute ago, then closed
	attempted := t0.Add(-time.Minute)
	require.NoError(t, f.db.Model(&models.DeliveryJob{}).Where("alert_id = ?", first.ID).
		Updates(map[string]interface{}{"status": models.JobCompleted, "last_attempt_at": attempted}).Error)
	require.NoError(t, f.db.Model(first).Updates(map[string]interface{}{"status": models.AlertClosed, "live_key": nil}).Error)

	second := f.alert(t, 3)
	res, err := f.router.Route(ctx, second, models.EventOpen)
	require.NoError(t, err)
	assert.Equal(t, Result{Matched: 1, Throttled: 1}, res)

	var throttled models.DeliveryJob
	require.NoError(t, f.db.Where("alert_id = ?", second.ID).First(&throttled).Error)
	assert.Equal(t, models.JobThrottled, throttled.Status)

	// the throttled row is never claimed
	jobs, err := delivery.NewQueue(f.db, f.clk, delivery.Backoff{}, nil).Claim(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, jobs)

	// outside the window a new flap is delivered
	require.NoError(t, f.db.Model(second).Updates(map[string]interface{}{"status": models.AlertClosed, "live_key": nil}).Error)
	f.clk.Advance(5 * time.Minute)
	third := f.alert(t, 3)
	res, err = f.router.Route(ctx, third, models.EventOpen)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Enqueued)
}

func TestCreateRoutingRuleValidation(t *testing.T) {
	f := newFixture(t)
	ch := f.channel(t, "ops")
	ctx := context.Background()

	err := f.store.CreateRoutingRule(ctx, &models.RoutingRule{TenantID: "t1", ChannelID: ch.ID, MinSeverity: 6, DeliverOn: both()})
	assert.ErrorIs(t, err, ErrInvalidConfig)

	err = f.store.CreateRoutingRule(ctx, &models.RoutingRule{TenantID: "t1", ChannelID: ch.ID, MinSeverity: 3})
	assert.ErrorIs(t, err, ErrInvalidConfig)

	err = f.store.CreateRoutingRule(ctx, &models.RoutingRule{TenantID: "t2", ChannelID: ch.ID, MinSeverity: 3, DeliverOn: both()})
	assert.ErrorIs(t, err, ErrInvalidConfig)

	rule := &models.RoutingRule{TenantID: "t1", ChannelID: ch.ID, MinSeverity: 3, DeliverOn: both(), Enabled: true}
	require.NoError(t, f.store.CreateRoutingRule(ctx, rule))
	assert.NotZero(t, rule.ID)

	rules, err := f.store.ListRoutingRules(ctx, "t1")
	require.NoError(t, err)
	assert.Len(t, rules, 1)
}

func TestCreateChannelRejectsBadConfig(t *testing.T) {
	f := newFixture(t)
	err := f.store.CreateChannel(context.Background(), &models.NotificationChannel{
		TenantID: "t1", Name: "broken", Type: models.ChannelWebhook, Config: datatypes.JSON(`{"url":"ftp://x"}`),
	})
	assert.ErrorIs(t, err, ErrInvalidConfig)
}
