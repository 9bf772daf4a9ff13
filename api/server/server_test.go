package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"fleetalert/api/middleware"
	"fleetalert/internal/alert"
	"fleetalert/internal/clock"
	"fleetalert/internal/config"
	"fleetalert/internal/delivery"
	"fleetalert/internal/escalation"
	"fleetalert/internal/evaluator"
	"fleetalert/internal/maintenance"
	"fleetalert/internal/models"
	"fleetalert/internal/notify"
	"fleetalert/internal/ratelimit"
	"fleetalert/internal/registry"
	"fleetalert/internal/router"
	"fleetalert/internal/testutil"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

var t0 = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

type fixture struct {
	db     *gorm.DB
	alerts *alert.Service
	server *Server
	sent   []*notify.Message
}

func newFixture(t *testing.T) *fixture {
	db := testutil.OpenDB(t)
	require.NoError(t, db.Create(&models.Tenant{ID: "t1", Name: "one", Active: true}).Error)

	clk := clock.NewFake(t0)
	reg := registry.New(db)
	q := delivery.NewQueue(db, clk, delivery.Backoff{Base: time.Second, Max: time.Minute}, nil)
	r := router.New(db, q, clk, 5)
	alerts := alert.NewService(alert.NewStore(db), r, nil, clk)

	f := &fixture{db: db, alerts: alerts}
	sender := notify.SenderFunc(func(_ context.Context, _ *models.NotificationChannel, msg *notify.Message) (notify.Result, error) {
		f.sent = append(f.sent, msg)
		return notify.Result{StatusCode: http.StatusOK}, nil
	})

	cfg := config.Load()
	cfg.RateLimit.APIRate = 1000
	cfg.RateLimit.APIBurst = 1000

	f.server = NewServer(Deps{
		DB:          db,
		Rules:       evaluator.NewRules(db, reg),
		Alerts:      alerts,
		Channels:    router.NewStore(db),
		Maintenance: maintenance.NewFilter(db, reg),
		Policies:    escalation.NewPolicies(db),
		Queue:       q,
		Sender:      sender,
		Limiter:     ratelimit.NewSQLLimiter(db, clk, time.Minute, 2),
		Clock:       clk,
	}, "", cfg)
	t.Cleanup(f.server.Close)
	return f
}

func (f *fixture) post(t *testing.T, path, tenant string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	raw, err := json.Marshal(body)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(raw))
	req.Header.Set("Content-Type", "application/json")
	if tenant != "" {
		req.Header.Set(middleware.TenantHeader, tenant)
	}
	w := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), v))
}

func (f *fixture) addChannel(t *testing.T) uint {
	w := f.post(t, "/api/v1/channel/add", "t1", map[string]interface{}{
		"name":   "ops",
		"type":   "webhook",
		"config": map[string]string{"url": "http://hooks.example/ops"},
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var ch models.NotificationChannel
	decode(t, w, &ch)
	assert.True(t, ch.Enabled)
	return ch.ID
}

func TestTenantHeaderRequired(t *testing.T) {
	f := newFixture(t)
	w := f.post(t, "/api/v1/rule/list", "", map[string]string{})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestRuleLifecycle(t *testing.T) {
	f := newFixture(t)

	w := f.post(t, "/api/v1/rule/add", "t1", map[string]interface{}{
		"name": "hot", "metric": "temp", "kind": "WINDOW", "operator": ">",
		"threshold": 80, "severity": 4, "aggregation": "avg", "window_seconds": 300,
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var rule models.AlertRule
	decode(t, w, &rule)
	assert.True(t, rule.Enabled)
	assert.Equal(t, "t1", rule.TenantID)

	w = f.post(t, "/api/v1/rule/disable", "t1", IDRequest{ID: rule.ID})
	require.Equal(t, http.StatusOK, w.Code)
	decode(t, w, &rule)
	assert.False(t, rule.Enabled)

	// other tenants cannot see the rule
	w = f.post(t, "/api/v1/rule/get", "t2", IDRequest{ID: rule.ID})
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestRuleValidationErrors(t *testing.T) {
	f := newFixture(t)

	w := f.post(t, "/api/v1/rule/add", "t1", map[string]interface{}{
		"name": "hot", "metric": "temp", "kind": "WINDOW", "operator": ">",
		"threshold": 80, "severity": 4, "aggregation": "median", "window_seconds": 300,
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = f.post(t, "/api/v1/rule/add", "nobody", map[string]interface{}{
		"name": "hot", "metric": "temp", "kind": "THRESHOLD", "operator": ">",
		"threshold": 80, "severity": 4,
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestAlertActions(t *testing.T) {
	f := newFixture(t)
	opened, a, err := f.alerts.Open(context.Background(), &models.FleetAlert{
		TenantID: "t1", Fingerprint: alert.Fingerprint("t1", "dev-1", 1, "temp"),
		RuleID: 1, DeviceID: "dev-1", Metric: "temp", Severity: models.SeverityHigh, AlertType: "temp",
	})
	require.NoError(t, err)
	require.True(t, opened)

	w := f.post(t, "/api/v1/alert/ack", "t1", AlertActionRequest{ID: a.ID, Actor: "ops@example.com"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var got models.FleetAlert
	decode(t, w, &got)
	assert.Equal(t, models.AlertAcknowledged, got.Status)

	w = f.post(t, "/api/v1/alert/resolve", "t1", AlertActionRequest{ID: a.ID, Actor: "ops@example.com"})
	require.Equal(t, http.StatusOK, w.Code)

	w = f.post(t, "/api/v1/alert/ack", "t1", AlertActionRequest{ID: a.ID, Actor: "ops@example.com"})
	assert.Equal(t, http.StatusConflict, w.Code)

	w = f.post(t, "/api/v1/alert/list", "t1", ListAlertsRequest{Status: models.AlertClosed})
	require.Equal(t, http.StatusOK, w.Code)
	var list struct {
		Alerts []models.FleetAlert `json:"alerts"`
	}
	decode(t, w, &list)
	assert.Len(t, list.Alerts, 1)
}

func TestSilenceRejectsPastTime(t *testing.T) {
	f := newFixture(t)
	w := f.post(t, "/api/v1/alert/silence", "t1", SilenceRequest{ID: 1, Actor: "ops", Until: t0.Add(-time.Minute)})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestChannelTestIsRateLimited(t *testing.T) {
	f := newFixture(t)
	id := f.addChannel(t)

	for i := 0; i < 2; i++ {
		w := f.post(t, "/api/v1/channel/test", "t1", IDRequest{ID: id})
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	}
	w := f.post(t, "/api/v1/channel/test", "t1", IDRequest{ID: id})
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Len(t, f.sent, 2)
	assert.True(t, f.sent[0].Test)
}

func TestRoutingAndEscalationPolicies(t *testing.T) {
	f := newFixture(t)
	id := f.addChannel(t)

	w := f.post(t, "/api/v1/routing/add", "t1", AddRoutingRuleRequest{
		ChannelID: id, DeliverOn: []models.LifecycleEvent{models.EventOpen},
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var rr models.RoutingRule
	decode(t, w, &rr)
	assert.Equal(t, models.SeverityInfo, rr.MinSeverity)

	w = f.post(t, "/api/v1/escalation/add", "t1", AddEscalationPolicyRequest{
		Name:   "night",
		Levels: []EscalationLevelRequest{{Level: 1, DelayMinutes: 10, ChannelID: id}},
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = f.post(t, "/api/v1/escalation/add", "t1", AddEscalationPolicyRequest{
		Name:   "gap",
		Levels: []EscalationLevelRequest{{Level: 2, ChannelID: id}},
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestMaintenanceWindowValidation(t *testing.T) {
	f := newFixture(t)
	start := t0.Add(time.Hour)
	end := t0

	w := f.post(t, "/api/v1/maintenance/add", "t1", AddMaintenanceRequest{Name: "bad", StartsAt: &start, EndsAt: &end})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	end = t0.Add(2 * time.Hour)
	w = f.post(t, "/api/v1/maintenance/add", "t1", AddMaintenanceRequest{Name: "ok", StartsAt: &start, EndsAt: &end})
	assert.Equal(t, http.StatusOK, w.Code, w.Body.String())
}

func TestDeadLetterNotFound(t *testing.T) {
	f := newFixture(t)
	w := f.post(t, "/api/v1/deadletter/replay", "t1", IDRequest{ID: 42})
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestHealth(t *testing.T) {
	f := newFixture(t)
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestWriteErrorStatus(t *testing.T) {
	cases := map[error]int{
		models.ErrInvalidRule:         http.StatusBadRequest,
		alert.ErrNotFound:             http.StatusNotFound,
		alert.ErrAlertNotLive:         http.StatusConflict,
		delivery.ErrNotReplayable:     http.StatusConflict,
		ratelimit.ErrRateLimited:      http.StatusTooManyRequests,
		errors.New("database is gone"): http.StatusInternalServerError,
	}
	for err, want := range cases {
		w := httptest.NewRecorder()
		c, _ := gin.CreateTestContext(w)
		c.Request = httptest.NewRequest(http.MethodPost, "/", nil)
		writeError(c, err)
		assert.Equal(t, want, w.Code, err.Error())
	}
}
