package alert

import (
	"context"
	"sync"
	"testing"
	"time"

	"fleetalert/internal/clock"
	"fleetalert/internal/logger"
	"fleetalert/internal/models"
	"fleetalert/internal/router"
	"fleetalert/internal/testutil"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

type routed struct {
	alertID uint
	event   models.LifecycleEvent
}

type fakeRouter struct {
	mu    sync.Mutex
	calls []routed
}

func (f *fakeRouter) Route(_ context.Context, a *models.FleetAlert, event models.LifecycleEvent) (router.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, routed{a.ID, event})
	return router.Result{Matched: 1, Enqueued: 1}, nil
}

func (f *fakeRouter) events() []models.LifecycleEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]models.LifecycleEvent, 0, len(f.calls))
	for _, c := range f.calls {
		out = append(out, c.event)
	}
	return out
}

type memAudit struct {
	mu      sync.Mutex
	entries []*logger.AlertLogEntry
}

func (m *memAudit) WriteAlertLog(_ context.Context, e *logger.AlertLogEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, e)
	return nil
}

func newAlert(fp string) *models.FleetAlert {
	return &models.FleetAlert{
		TenantID: "t1", Fingerprint: fp, RuleID: 1, DeviceID: "d1",
		Metric: "temp", Severity: 4, AlertType: "threshold", Value: 90,
	}
}

func newService(t *testing.T) (*Service, *fakeRouter, *memAudit, *clock.Fake) {
	db := testutil.OpenDB(t)
	clk := clock.NewFake(t0)
	r := &fakeRouter{}
	audit := &memAudit{}
	return NewService(NewStore(db), r, audit, clk), r, audit, clk
}

func TestFingerprintIsStable(t *testing.T) {
	a := Fingerprint("t1", "d1", 7, "temp")
	assert.Equal(t, a, Fingerprint("t1", "d1", 7, "temp"))
	assert.NotEqual(t, a, Fingerprint("t1", "d1", 8, "temp"))
	assert.NotEqual(t, a, Fingerprint("t2", "d1", 7, "temp"))
	assert.Len(t, a, 32)
}

func TestConcurrentOpensLeaveOneLiveAlert(t *testing.T) {
	svc, r, _, _ := newService(t)
	ctx := context.Background()
	const racers = 16

	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		opened int
	)
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, _, err := svc.Open(ctx, newAlert("fp-race"))
			if err != nil {
				t.Error(err)
				return
			}
			if ok {
				mu.Lock()
				opened++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, opened)
	n, err := svc.Store().CountLive(ctx, "fp-race")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	live, err := svc.Store().FindLive(ctx, "fp-race")
	require.NoError(t, err)
	require.NotNil(t, live)
	assert.Equal(t, racers, live.TriggerCount)
	assert.Equal(t, []models.LifecycleEvent{models.EventOpen}, r.events())
}

func TestRetriggerUpdatesWithoutNewRowOrRouting(t *testing.T) {
	svc, r, _, clk := newService(t)
	ctx := context.Background()

	opened, first, err := svc.Open(ctx, newAlert("fp"))
	require.NoError(t, err)
	require.True(t, opened)

	clk.Advance(time.Minute)
	live, err := svc.Retrigger(ctx, "fp", 95, 0)
	require.NoError(t, err)
	assert.Equal(t, first.ID, live.ID)
	assert.Equal(t, 2, live.TriggerCount)
	assert.Equal(t, 95.0, live.Value)
	assert.True(t, live.LastTriggeredAt.Equal(t0.Add(time.Minute)))

	alerts, err := svc.List(ctx, "t1", "", 0)
	require.NoError(t, err)
	assert.Len(t, alerts, 1)
	assert.Len(t, r.events(), 1)
}

func TestReopenAfterClose(t *testing.T) {
	svc, r, _, _ := newService(t)
	ctx := context.Background()

	_, first, err := svc.Open(ctx, newAlert("fp"))
	require.NoError(t, err)

	closed, ok, err := svc.Close(ctx, first.ID, "")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, models.AlertClosed, closed.Status)
	assert.Nil(t, closed.LiveKey)

	// closing twice is a no-op
	_, ok, err = svc.Close(ctx, first.ID, "")
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = svc.Retrigger(ctx, "fp", 1, 0)
	assert.ErrorIs(t, err, ErrAlertNotLive)

	opened, second, err := svc.Open(ctx, newAlert("fp"))
	require.NoError(t, err)
	assert.True(t, opened)
	assert.NotEqual(t, first.ID, second.ID)

	assert.Equal(t, []models.LifecycleEvent{models.EventOpen, models.EventClosed, models.EventOpen}, r.events())
}

func TestAcknowledgeHaltsAndRoutes(t *testing.T) {
	svc, r, audit, _ := newService(t)
	ctx := context.Background()

	_, a, err := svc.Open(ctx, newAlert("fp"))
	require.NoError(t, err)

	acked, err := svc.Acknowledge(ctx, "t1", a.ID, "alice")
	require.NoError(t, err)
	assert.Equal(t, models.AlertAcknowledged, acked.Status)
	assert.Equal(t, "alice", acked.AcknowledgedBy)
	assert.Nil(t, acked.NextEscalationAt)

	// still live: a new evaluation re-triggers instead of opening
	opened, live, err := svc.Open(ctx, newAlert("fp"))
	require.NoError(t, err)
	assert.False(t, opened)
	assert.Equal(t, a.ID, live.ID)

	again, err := svc.Acknowledge(ctx, "t1", a.ID, "bob")
	require.NoError(t, err)
	assert.Equal(t, "alice", again.AcknowledgedBy)

	_, err = svc.Acknowledge(ctx, "t2", a.ID, "mallory")
	assert.ErrorIs(t, err, ErrNotFound)

	resolved, err := svc.Resolve(ctx, "t1", a.ID, "alice")
	require.NoError(t, err)
	assert.Equal(t, models.AlertClosed, resolved.Status)
	assert.Equal(t, "alice", resolved.ClosedBy)

	_, err = svc.Acknowledge(ctx, "t1", a.ID, "alice")
	assert.ErrorIs(t, err, ErrAlertNotLive)

	assert.Equal(t, []models.LifecycleEvent{models.EventOpen, models.EventAcknowledged, models.EventClosed}, r.events())

	var transitions []string
	for _, e := range audit.entries {
		transitions = append(transitions, e.Transition)
	}
	assert.Equal(t, []string{TransitionOpened, TransitionAcknowledged, TransitionRetriggered, TransitionClosed}, transitions)
}

func TestSilenceCoversFingerprint(t *testing.T) {
	svc, _, _, clk := newService(t)
	ctx := context.Background()

	_, a, err := svc.Open(ctx, newAlert("fp"))
	require.NoError(t, err)

	_, err = svc.Silence(ctx, "t1", a.ID, t0.Add(-time.Minute), "ops")
	assert.Error(t, err)

	_, err = svc.Silence(ctx, "t1", a.ID, t0.Add(time.Hour), "ops")
	require.NoError(t, err)
	_, _, err = svc.Close(ctx, a.ID, "")
	require.NoError(t, err)

	silenced, err := svc.Store().Silenced(ctx, "fp", clk.Now())
	require.NoError(t, err)
	assert.True(t, silenced)

	silenced, err = svc.Store().Silenced(ctx, "fp", t0.Add(2*time.Hour))
	require.NoError(t, err)
	assert.False(t, silenced)
}

func TestPendingStreakKeepsFirstSeen(t *testing.T) {
	svc, _, _, _ := newService(t)
	ctx := context.Background()
	store := svc.Store()
	p := models.PendingState{Fingerprint: "fp", TenantID: "t1", RuleID: 1, DeviceID: "d1"}

	since, err := store.MarkPending(ctx, p, t0)
	require.NoError(t, err)
	assert.True(t, since.Equal(t0))

	since, err = store.MarkPending(ctx, p, t0.Add(time.Minute))
	require.NoError(t, err)
	assert.True(t, since.Equal(t0))

	require.NoError(t, store.ClearPending(ctx, "fp"))
	since, err = store.MarkPending(ctx, p, t0.Add(2*time.Minute))
	require.NoError(t, err)
	assert.True(t, since.Equal(t0.Add(2*time.Minute)))
}

func TestAdvanceEscalationIsConditional(t *testing.T) {
	svc, _, _, _ := newService(t)
	ctx := context.Background()
	store := svc.Store()

	_, a, err := svc.Open(ctx, newAlert("fp"))
	require.NoError(t, err)

	ok, err := store.AdvanceEscalation(ctx, a.ID, 0, t0, nil)
	require.NoError(t, err)
	assert.True(t, ok)

	// a second ticker working from the stale level loses
	ok, err = store.AdvanceEscalation(ctx, a.ID, 0, t0, nil)
	require.NoError(t, err)
	assert.False(t, ok)

	got, err := store.Get(ctx, "t1", a.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.EscalationLevel)
	require.NotNil(t, got.EscalatedAt)
}
