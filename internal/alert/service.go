package alert

import (
	"context"
	"fmt"
	"time"

	"fleetalert/internal/clock"
	"fleetalert/internal/logger"
	"fleetalert/internal/metrics"
	"fleetalert/internal/models"
	"fleetalert/internal/router"

	"go.uber.org/zap"
)

// Transition names used in metrics and the audit trail.
const (
	TransitionOpened       = "opened"
	TransitionRetriggered  = "retriggered"
	TransitionClosed       = "closed"
	TransitionAcknowledged = "acknowledged"
	TransitionEscalated    = "escalated"
	TransitionSilenced     = "silenced"
)

// Router enqueues deliveries for a lifecycle event.
type Router interface {
	Route(ctx context.Context, a *models.FleetAlert, event models.LifecycleEvent) (router.Result, error)
}

// AuditSink receives every alert transition.
type AuditSink interface {
	WriteAlertLog(ctx context.Context, entry *logger.AlertLogEntry) error
}

// Service applies alert transitions and their side effects: routing,
// audit and metrics. Routing and audit failures are logged; the state
// change itself has already been committed.
type Service struct {
	store  *Store
	router Router
	audit  AuditSink
	clock  clock.Clock
}

func NewService(store *Store, r Router, audit AuditSink, clk clock.Clock) *Service {
	if clk == nil {
		clk = clock.RealClock{}
	}
	return &Service{store: store, router: r, audit: audit, clock: clk}
}

func (s *Service) Store() *Store {
	return s.store
}

// Open creates a live alert or, when one already exists, re-triggers it.
func (s *Service) Open(ctx context.Context, a *models.FleetAlert) (opened bool, live *models.FleetAlert, err error) {
	now := s.clock.Now()
	opened, live, err = s.store.Open(ctx, a, now)
	if err != nil || live == nil {
		return opened, live, err
	}
	if opened {
		s.record(ctx, live, TransitionOpened, "")
		s.route(ctx, live, models.EventOpen)
	} else {
		s.record(ctx, live, TransitionRetriggered, "")
	}
	return opened, live, nil
}

// Retrigger bumps the live alert for fingerprint without routing.
func (s *Service) Retrigger(ctx context.Context, fingerprint string, value, magnitude float64) (*models.FleetAlert, error) {
	a, err := s.store.Retrigger(ctx, fingerprint, value, magnitude, s.clock.Now())
	if err != nil {
		return nil, err
	}
	s.record(ctx, a, TransitionRetriggered, "")
	return a, nil
}

// Close resolves a live alert. actor is empty for automatic resolution.
// Closing an already closed alert is a no-op.
func (s *Service) Close(ctx context.Context, id uint, actor string) (*models.FleetAlert, bool, error) {
	a, closed, err := s.store.Close(ctx, id, actor, s.clock.Now())
	if err != nil || !closed {
		return a, closed, err
	}
	s.record(ctx, a, TransitionClosed, actor)
	s.route(ctx, a, models.EventClosed)
	return a, true, nil
}

// Acknowledge marks the tenant's alert as seen, which halts escalation.
// Acknowledging twice returns the alert unchanged.
func (s *Service) Acknowledge(ctx context.Context, tenantID string, id uint, by string) (*models.FleetAlert, error) {
	a, err := s.store.Get(ctx, tenantID, id)
	if err != nil {
		return nil, err
	}
	switch a.Status {
	case models.AlertAcknowledged:
		return a, nil
	case models.AlertClosed:
		return nil, ErrAlertNotLive
	}

	a, acked, err := s.store.Acknowledge(ctx, id, by, s.clock.Now())
	if err != nil {
		return nil, err
	}
	if !acked {
		// closed or acknowledged concurrently
		if a.Status.Live() {
			return a, nil
		}
		return nil, ErrAlertNotLive
	}
	s.record(ctx, a, TransitionAcknowledged, by)
	s.route(ctx, a, models.EventAcknowledged)
	return a, nil
}

// Resolve closes the tenant's alert on behalf of by.
func (s *Service) Resolve(ctx context.Context, tenantID string, id uint, by string) (*models.FleetAlert, error) {
	a, err := s.store.Get(ctx, tenantID, id)
	if err != nil {
		return nil, err
	}
	if !a.Status.Live() {
		return a, nil
	}
	a, _, err = s.Close(ctx, id, by)
	return a, err
}

// Silence suppresses re-opening the alert's fingerprint until until.
func (s *Service) Silence(ctx context.Context, tenantID string, id uint, until time.Time, by string) (*models.FleetAlert, error) {
	if !until.After(s.clock.Now()) {
		return nil, fmt.Errorf("silence end %s is not in the future", until.Format(time.RFC3339))
	}
	a, err := s.store.Get(ctx, tenantID, id)
	if err != nil {
		return nil, err
	}
	if err := s.store.Silence(ctx, id, until.UTC()); err != nil {
		return nil, err
	}
	u := until.UTC()
	a.SilencedUntil = &u
	s.record(ctx, a, TransitionSilenced, by)
	return a, nil
}

// Escalated records an escalation that the ticker already persisted.
func (s *Service) Escalated(ctx context.Context, a *models.FleetAlert) {
	s.record(ctx, a, TransitionEscalated, "")
}

func (s *Service) Get(ctx context.Context, tenantID string, id uint) (*models.FleetAlert, error) {
	return s.store.Get(ctx, tenantID, id)
}

func (s *Service) List(ctx context.Context, tenantID string, status models.AlertStatus, limit int) ([]models.FleetAlert, error) {
	return s.store.List(ctx, tenantID, status, limit)
}

func (s *Service) route(ctx context.Context, a *models.FleetAlert, event models.LifecycleEvent) {
	if s.router == nil {
		return
	}
	res, err := s.router.Route(ctx, a, event)
	if err != nil {
		logger.Error("routing alert failed",
			zap.Uint("alert_id", a.ID),
			zap.String("tenant_id", a.TenantID),
			zap.String("event", string(event)),
			zap.Error(err))
		return
	}
	logger.Debug("alert routed",
		zap.Uint("alert_id", a.ID),
		zap.String("event", string(event)),
		zap.Int("enqueued", res.Enqueued),
		zap.Int("duplicate", res.Duplicate),
		zap.Int("throttled", res.Throttled))
}

func (s *Service) record(ctx context.Context, a *models.FleetAlert, transition, actor string) {
	metrics.AlertTransitions.WithLabelValues(transition).Inc()
	log := logger.Info
	if transition == TransitionRetriggered {
		log = logger.Debug
	}
	log("alert "+transition,
		zap.Uint("alert_id", a.ID),
		zap.String("tenant_id", a.TenantID),
		zap.String("device_id", a.DeviceID),
		zap.Uint("rule_id", a.RuleID),
		zap.Int("trigger_count", a.TriggerCount),
		zap.String("actor", actor))

	if s.audit == nil {
		return
	}
	entry := &logger.AlertLogEntry{
		Timestamp:       s.clock.Now(),
		TenantID:        a.TenantID,
		AlertID:         a.ID,
		Fingerprint:     a.Fingerprint,
		RuleID:          a.RuleID,
		DeviceID:        a.DeviceID,
		Metric:          a.Metric,
		Transition:      transition,
		Status:          string(a.Status),
		Severity:        a.Severity,
		Value:           a.Value,
		TriggerCount:    a.TriggerCount,
		EscalationLevel: a.EscalationLevel,
		Actor:           actor,
		Message:         a.Message,
	}
	if err := s.audit.WriteAlertLog(ctx, entry); err != nil {
		logger.Warn("write alert audit log failed", zap.Uint("alert_id", a.ID), zap.Error(err))
	}
}
