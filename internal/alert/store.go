package alert

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"fleetalert/internal/models"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	// ErrNotFound is returned when an alert does not exist for the tenant.
	ErrNotFound = errors.New("alert not found")
	// ErrAlertNotLive is returned when a transition needs a live alert.
	ErrAlertNotLive = errors.New("alert is not live")
)

// Fingerprint is the stable identity used to deduplicate alerts.
func Fingerprint(tenantID, deviceID string, ruleID uint, metric string) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s|%s|%d|%s", tenantID, deviceID, ruleID, metric)))
	return hex.EncodeToString(sum[:16])
}

// Store persists FleetAlert rows. The live_key unique index is the only
// guard against concurrent double-opens; no application lock is held.
type Store struct {
	db *gorm.DB
}

func NewStore(db *gorm.DB) *Store {
	return &Store{db: db}
}

// FindLive returns the OPEN or ACKNOWLEDGED alert for fingerprint, or nil.
func (s *Store) FindLive(ctx context.Context, fingerprint string) (*models.FleetAlert, error) {
	var a models.FleetAlert
	err := s.db.WithContext(ctx).Where("live_key = ?", fingerprint).First(&a).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find live alert: %w", err)
	}
	return &a, nil
}

// Open inserts a new live alert. When another live alert already holds the
// fingerprint the insert is a no-op and the existing alert is re-triggered
// instead; opened reports which of the two happened.
func (s *Store) Open(ctx context.Context, a *models.FleetAlert, now time.Time) (opened bool, live *models.FleetAlert, err error) {
	key := a.Fingerprint
	a.LiveKey = &key
	a.Status = models.AlertOpen
	a.TriggerCount = 1
	a.LastTriggeredAt = now
	a.CreatedAt = now
	a.UpdatedAt = now

	res := s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(a)
	if res.Error != nil {
		return false, nil, fmt.Errorf("open alert: %w", res.Error)
	}
	if res.RowsAffected == 1 {
		return true, a, nil
	}

	live, err = s.Retrigger(ctx, a.Fingerprint, a.Value, a.Magnitude, now)
	if errors.Is(err, ErrAlertNotLive) {
		// the winner closed between our insert and update; next tick retries
		return false, nil, nil
	}
	return false, live, err
}

// Retrigger bumps trigger_count on the live alert for fingerprint.
func (s *Store) Retrigger(ctx context.Context, fingerprint string, value, magnitude float64, now time.Time) (*models.FleetAlert, error) {
	res := s.db.WithContext(ctx).Model(&models.FleetAlert{}).
		Where("live_key = ?", fingerprint).
		Updates(map[string]interface{}{
			"trigger_count":     gorm.Expr("trigger_count + 1"),
			"last_triggered_at": now,
			"value":             value,
			"magnitude":         magnitude,
			"updated_at":        now,
		})
	if res.Error != nil {
		return nil, fmt.Errorf("retrigger alert: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return nil, ErrAlertNotLive
	}
	return s.FindLive(ctx, fingerprint)
}

// Close resolves a live alert. closed is false when it was already CLOSED.
func (s *Store) Close(ctx context.Context, id uint, actor string, now time.Time) (a *models.FleetAlert, closed bool, err error) {
	res := s.db.WithContext(ctx).Model(&models.FleetAlert{}).
		Where("id = ? AND status IN ?", id, []models.AlertStatus{models.AlertOpen, models.AlertAcknowledged}).
		Updates(map[string]interface{}{
			"status":             models.AlertClosed,
			"live_key":           nil,
			"closed_at":          now,
			"closed_by":          actor,
			"next_escalation_at": nil,
			"updated_at":         now,
		})
	if res.Error != nil {
		return nil, false, fmt.Errorf("close alert: %w", res.Error)
	}
	a, err = s.get(ctx, id)
	return a, res.RowsAffected == 1, err
}

// Acknowledge moves an OPEN alert to ACKNOWLEDGED, which halts escalation.
func (s *Store) Acknowledge(ctx context.Context, id uint, by string, now time.Time) (a *models.FleetAlert, acked bool, err error) {
	res := s.db.WithContext(ctx).Model(&models.FleetAlert{}).
		Where("id = ? AND status = ?", id, models.AlertOpen).
		Updates(map[string]interface{}{
			"status":             models.AlertAcknowledged,
			"acknowledged_by":    by,
			"acknowledged_at":    now,
			"next_escalation_at": nil,
			"updated_at":         now,
		})
	if res.Error != nil {
		return nil, false, fmt.Errorf("acknowledge alert: %w", res.Error)
	}
	a, err = s.get(ctx, id)
	return a, res.RowsAffected == 1, err
}

// Silence sets silenced_until on an alert row.
func (s *Store) Silence(ctx context.Context, id uint, until time.Time) error {
	res := s.db.WithContext(ctx).Model(&models.FleetAlert{}).Where("id = ?", id).
		Updates(map[string]interface{}{"silenced_until": until})
	if res.Error != nil {
		return fmt.Errorf("silence alert: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// Silenced reports whether any alert for fingerprint is silenced past now.
func (s *Store) Silenced(ctx context.Context, fingerprint string, now time.Time) (bool, error) {
	var n int64
	err := s.db.WithContext(ctx).Model(&models.FleetAlert{}).
		Where("fingerprint = ? AND silenced_until > ?", fingerprint, now).
		Count(&n).Error
	if err != nil {
		return false, fmt.Errorf("check silence: %w", err)
	}
	return n > 0, nil
}

// Get loads an alert scoped to tenant.
func (s *Store) Get(ctx context.Context, tenantID string, id uint) (*models.FleetAlert, error) {
	var a models.FleetAlert
	err := s.db.WithContext(ctx).Where("id = ? AND tenant_id = ?", id, tenantID).First(&a).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get alert: %w", err)
	}
	return &a, nil
}

// List returns the tenant's alerts, newest first, optionally by status.
func (s *Store) List(ctx context.Context, tenantID string, status models.AlertStatus, limit int) ([]models.FleetAlert, error) {
	q := s.db.WithContext(ctx).Where("tenant_id = ?", tenantID)
	if status != "" {
		q = q.Where("status = ?", status)
	}
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	var out []models.FleetAlert
	if err := q.Order("id DESC").Limit(limit).Find(&out).Error; err != nil {
		return nil, fmt.Errorf("list alerts: %w", err)
	}
	return out, nil
}

// CountLive counts live alerts for fingerprint.
func (s *Store) CountLive(ctx context.Context, fingerprint string) (int64, error) {
	var n int64
	err := s.db.WithContext(ctx).Model(&models.FleetAlert{}).
		Where("fingerprint = ? AND status IN ?", fingerprint,
			[]models.AlertStatus{models.AlertOpen, models.AlertAcknowledged}).
		Count(&n).Error
	return n, err
}

// SetNextEscalation records when the next escalation level is due.
func (s *Store) SetNextEscalation(ctx context.Context, id uint, at time.Time) error {
	return s.db.WithContext(ctx).Model(&models.FleetAlert{}).
		Where("id = ? AND status = ?", id, models.AlertOpen).
		Update("next_escalation_at", at).Error
}

// FinishEscalation marks an alert as having no further escalation level so
// the ticker stops scanning it.
func (s *Store) FinishEscalation(ctx context.Context, id uint) error {
	return s.db.WithContext(ctx).Model(&models.FleetAlert{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{"escalation_done": true, "next_escalation_at": nil}).Error
}

// EscalationCandidates returns OPEN alerts with escalation left, ordered by
// id. Due-ness is decided by the caller because the fallback depends on the
// rule.
func (s *Store) EscalationCandidates(ctx context.Context, now time.Time, afterID uint, limit int) ([]models.FleetAlert, error) {
	var out []models.FleetAlert
	err := s.db.WithContext(ctx).
		Where("status = ? AND escalation_done = ? AND escalation_level < ? AND id > ?",
			models.AlertOpen, false, models.MaxEscalationLevels, afterID).
		Where("next_escalation_at IS NULL OR next_escalation_at <= ?", now).
		Order("id").Limit(limit).Find(&out).Error
	if err != nil {
		return nil, fmt.Errorf("load escalation candidates: %w", err)
	}
	return out, nil
}

// AdvanceEscalation moves an OPEN alert from level `from` to from+1. The
// conditional update makes concurrent tickers advance each level only once.
func (s *Store) AdvanceEscalation(ctx context.Context, id uint, from int, now time.Time, next *time.Time) (bool, error) {
	res := s.db.WithContext(ctx).Model(&models.FleetAlert{}).
		Where("id = ? AND status = ? AND escalation_level = ?", id, models.AlertOpen, from).
		Updates(map[string]interface{}{
			"escalation_level":   from + 1,
			"escalated_at":       now,
			"next_escalation_at": next,
			"escalation_done":    next == nil,
			"updated_at":         now,
		})
	if res.Error != nil {
		return false, fmt.Errorf("advance escalation: %w", res.Error)
	}
	return res.RowsAffected == 1, nil
}

// MarkPending starts or continues a debounce streak and returns its start.
func (s *Store) MarkPending(ctx context.Context, p models.PendingState, now time.Time) (time.Time, error) {
	p.Since = now
	p.LastSeenAt = now
	db := s.db.WithContext(ctx)
	if err := db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "fingerprint"}},
		DoUpdates: clause.Assignments(map[string]interface{}{"last_seen_at": now}),
	}).Create(&p).Error; err != nil {
		return time.Time{}, fmt.Errorf("mark pending: %w", err)
	}

	var cur models.PendingState
	if err := db.Where("fingerprint = ?", p.Fingerprint).First(&cur).Error; err != nil {
		return time.Time{}, fmt.Errorf("load pending: %w", err)
	}
	return cur.Since, nil
}

// ClearPending ends a debounce streak.
func (s *Store) ClearPending(ctx context.Context, fingerprint string) error {
	return s.db.WithContext(ctx).Where("fingerprint = ?", fingerprint).Delete(&models.PendingState{}).Error
}

func (s *Store) get(ctx context.Context, id uint) (*models.FleetAlert, error) {
	var a models.FleetAlert
	if err := s.db.WithContext(ctx).First(&a, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("load alert: %w", err)
	}
	return &a, nil
}
