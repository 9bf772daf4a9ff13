// Package escalation advances unacknowledged alerts through their
// escalation levels.
package escalation

import (
	"context"
	"errors"
	"time"

	"fleetalert/internal/alert"
	"fleetalert/internal/clock"
	"fleetalert/internal/delivery"
	"fleetalert/internal/logger"
	"fleetalert/internal/metrics"
	"fleetalert/internal/models"
	"fleetalert/internal/notify"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Config tunes the ticker.
type Config struct {
	Interval    time.Duration
	BatchSize   int
	MaxAttempts int
}

// Ticker periodically escalates OPEN alerts whose next level is due.
//
// A rule with a policy notifies the policy level's channel. A rule without
// one falls back to escalation_minutes per level and routes an ESCALATED
// event through the routing rules instead.
type Ticker struct {
	db       *gorm.DB
	alerts   *alert.Service
	policies *Policies
	queue    *delivery.Queue
	router   alert.Router
	clock    clock.Clock
	cfg      Config
}

func NewTicker(db *gorm.DB, alerts *alert.Service, policies *Policies, queue *delivery.Queue,
	r alert.Router, clk clock.Clock, cfg Config) *Ticker {
	if clk == nil {
		clk = clock.RealClock{}
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	return &Ticker{db: db, alerts: alerts, policies: policies, queue: queue, router: r, clock: clk, cfg: cfg}
}

// Run ticks until ctx is cancelled.
func (t *Ticker) Run(ctx context.Context) {
	logger.Info("Starting escalation ticker", zap.Duration("interval", t.cfg.Interval))
	ticker := time.NewTicker(t.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info("Escalation ticker stopped")
			return
		case <-ticker.C:
			if n, err := t.Tick(ctx); err != nil && ctx.Err() == nil {
				logger.Error("escalation tick failed", zap.Error(err))
			} else if n > 0 {
				logger.Debug("escalation tick", zap.Int("escalated", n))
			}
		}
	}
}

// plan is the escalation schedule of one rule.
type plan struct {
	rule   *models.AlertRule
	policy *models.EscalationPolicy
}

func (p plan) maxLevel() int {
	if p.policy != nil {
		return p.policy.MaxLevel()
	}
	if p.rule.EscalationMinutes > 0 {
		return models.MaxEscalationLevels
	}
	return 0
}

// dueAt returns when level n is due for an alert created at created.
func (p plan) dueAt(created time.Time, n int) (time.Time, bool) {
	if p.policy != nil {
		return p.policy.DueAt(created, n)
	}
	if n < 1 || n > p.maxLevel() {
		return time.Time{}, false
	}
	return created.Add(time.Duration(n*p.rule.EscalationMinutes) * time.Minute), true
}

// Tick escalates every due alert by one level and returns how many moved.
func (t *Ticker) Tick(ctx context.Context) (int, error) {
	now := t.clock.Now()
	store := t.alerts.Store()
	plans := make(map[uint]*plan)

	escalated := 0
	var afterID uint
	for {
		batch, err := store.EscalationCandidates(ctx, now, afterID, t.cfg.BatchSize)
		if err != nil {
			return escalated, err
		}
		for i := range batch {
			a := &batch[i]
			afterID = a.ID

			p, err := t.plan(ctx, plans, a.RuleID)
			if err != nil {
				logger.Warn("load escalation plan failed", zap.Uint("alert_id", a.ID), zap.Error(err))
				continue
			}
			ok, err := t.escalate(ctx, a, p, now)
			if err != nil {
				logger.Error("escalate alert failed", zap.Uint("alert_id", a.ID), zap.Error(err))
				continue
			}
			if ok {
				escalated++
			}
		}
		if len(batch) < t.cfg.BatchSize {
			return escalated, nil
		}
	}
}

func (t *Ticker) plan(ctx context.Context, cache map[uint]*plan, ruleID uint) (*plan, error) {
	if p, ok := cache[ruleID]; ok {
		return p, nil
	}

	var rule models.AlertRule
	err := t.db.WithContext(ctx).First(&rule, ruleID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		cache[ruleID] = nil
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	p := &plan{rule: &rule}
	if rule.EscalationPolicyID != nil {
		policy, err := t.policies.Get(ctx, rule.TenantID, *rule.EscalationPolicyID)
		if err != nil && !errors.Is(err, ErrPolicyNotFound) {
			return nil, err
		}
		p.policy = policy
	}
	cache[ruleID] = p
	return p, nil
}

func (t *Ticker) escalate(ctx context.Context, a *models.FleetAlert, p *plan, now time.Time) (bool, error) {
	store := t.alerts.Store()
	if p == nil {
		return false, store.FinishEscalation(ctx, a.ID)
	}
	from := a.EscalationLevel
	to := from + 1
	due, ok := p.dueAt(a.CreatedAt, to)
	if !ok {
		return false, store.FinishEscalation(ctx, a.ID)
	}

	if now.Before(due) {
		if a.NextEscalationAt == nil || !a.NextEscalationAt.Equal(due) {
			return false, store.SetNextEscalation(ctx, a.ID, due)
		}
		return false, nil
	}

	var next *time.Time
	if at, ok := p.dueAt(a.CreatedAt, to+1); ok {
		next = &at
	}
	advanced, err := store.AdvanceEscalation(ctx, a.ID, from, now, next)
	if err != nil || !advanced {
		return false, err
	}

	a.EscalationLevel = to
	a.EscalatedAt = &now
	a.NextEscalationAt = next
	a.EscalationDone = next == nil

	if err := t.notify(ctx, a, p, to, now); err != nil {
		logger.Error("enqueue escalation delivery failed",
			zap.Uint("alert_id", a.ID), zap.Int("level", to), zap.Error(err))
	}
	t.alerts.Escalated(ctx, a)
	metrics.Escalations.Inc()
	return true, nil
}

func (t *Ticker) notify(ctx context.Context, a *models.FleetAlert, p *plan, level int, now time.Time) error {
	if p.policy == nil {
		if t.router == nil {
			return nil
		}
		_, err := t.router.Route(ctx, a, models.EventEscalated)
		return err
	}

	l, ok := p.policy.LevelAt(level)
	if !ok {
		return nil
	}
	payload, err := notify.Encode(notify.NewMessage(a, models.EventEscalated, level, now))
	if err != nil {
		return err
	}
	_, err = t.queue.Enqueue(ctx, &models.DeliveryJob{
		TenantID:        a.TenantID,
		AlertID:         a.ID,
		ChannelID:       l.ChannelID,
		Event:           models.EventEscalated,
		EscalationLevel: level,
		Fingerprint:     a.Fingerprint,
		MaxAttempts:     t.cfg.MaxAttempts,
		Payload:         payload,
	})
	return err
}
