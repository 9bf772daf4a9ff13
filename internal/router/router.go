package router

import (
	"context"
	"errors"
	"fmt"

	"fleetalert/internal/clock"
	"fleetalert/internal/delivery"
	"fleetalert/internal/logger"
	"fleetalert/internal/models"
	"fleetalert/internal/notify"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Result counts what one routing pass did.
type Result struct {
	Matched   int `json:"matched"`
	Enqueued  int `json:"enqueued"`
	Duplicate int `json:"duplicate"`
	Throttled int `json:"throttled"`
}

// Router turns alert transitions into delivery jobs.
type Router struct {
	db          *gorm.DB
	queue       *delivery.Queue
	clock       clock.Clock
	maxAttempts int
}

func New(db *gorm.DB, queue *delivery.Queue, clk clock.Clock, maxAttempts int) *Router {
	if clk == nil {
		clk = clock.RealClock{}
	}
	return &Router{db: db, queue: queue, clock: clk, maxAttempts: maxAttempts}
}

// Route enqueues one job per matching routing rule, in priority order.
// Every match is enqueued independently; a lower priority never hides a
// higher one. Enqueue is idempotent per (tenant, alert, channel, event),
// so routing the same transition twice is harmless. ESCALATED jobs also
// carry the alert's current escalation level in that key.
func (r *Router) Route(ctx context.Context, a *models.FleetAlert, event models.LifecycleEvent) (Result, error) {
	var res Result
	now := r.clock.Now()

	var rules []models.RoutingRule
	if err := r.db.WithContext(ctx).
		Where("tenant_id = ? AND enabled = ?", a.TenantID, true).
		Order("priority, id").Find(&rules).Error; err != nil {
		return res, fmt.Errorf("load routing rules: %w", err)
	}
	if len(rules) == 0 {
		return res, nil
	}

	channels, err := r.enabledChannels(ctx, a.TenantID)
	if err != nil {
		return res, err
	}

	level := 0
	if event == models.EventEscalated {
		level = a.EscalationLevel
	}
	payload, err := notify.Encode(notify.NewMessage(a, event, level, now))
	if err != nil {
		return res, err
	}

	var errs []error
	for i := range rules {
		rule := &rules[i]
		if !rule.Matches(a, event) {
			continue
		}
		if !channels[rule.ChannelID] {
			logger.Debug("routing rule targets a disabled channel",
				zap.Uint("routing_rule_id", rule.ID), zap.Uint("channel_id", rule.ChannelID))
			continue
		}
		res.Matched++

		job := &models.DeliveryJob{
			TenantID:        a.TenantID,
			AlertID:         a.ID,
			ChannelID:       rule.ChannelID,
			Event:           event,
			EscalationLevel: level,
			RoutingRuleID:   rule.ID,
			Fingerprint:     a.Fingerprint,
			MaxAttempts:     r.maxAttempts,
			Payload:         payload,
		}

		if throttle := rule.Throttle(); throttle > 0 {
			recent, err := r.queue.DeliveredWithin(ctx, rule.ChannelID, a.Fingerprint, event, now.Add(-throttle))
			if err != nil {
				errs = append(errs, err)
				continue
			}
			if recent {
				job.Status = models.JobThrottled
			}
		}

		inserted, err := r.queue.Enqueue(ctx, job)
		switch {
		case err != nil:
			errs = append(errs, fmt.Errorf("routing rule %d: %w", rule.ID, err))
		case !inserted:
			res.Duplicate++
		case job.Status == models.JobThrottled:
			res.Throttled++
		default:
			res.Enqueued++
		}
	}

	return res, errors.Join(errs...)
}

func (r *Router) enabledChannels(ctx context.Context, tenantID string) (map[uint]bool, error) {
	var ids []uint
	if err := r.db.WithContext(ctx).Model(&models.NotificationChannel{}).
		Where("tenant_id = ? AND enabled = ?", tenantID, true).
		Pluck("id", &ids).Error; err != nil {
		return nil, fmt.Errorf("load channels: %w", err)
	}
	out := make(map[uint]bool, len(ids))
	for _, id := range ids {
		out[id] = true
	}
	return out, nil
}
