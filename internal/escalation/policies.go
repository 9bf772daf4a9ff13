package escalation

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"fleetalert/internal/models"

	"gorm.io/gorm"
)

var (
	ErrPolicyNotFound = errors.New("escalation policy not found")
	ErrInvalidPolicy  = errors.New("invalid escalation policy")
)

// Policies stores escalation policies and their levels.
type Policies struct {
	db *gorm.DB
}

func NewPolicies(db *gorm.DB) *Policies {
	return &Policies{db: db}
}

// Validate requires levels numbered 1..n without gaps, n <= 5.
func Validate(p *models.EscalationPolicy) error {
	if p.TenantID == "" {
		return fmt.Errorf("%w: tenant_id is required", ErrInvalidPolicy)
	}
	if len(p.Levels) == 0 || len(p.Levels) > models.MaxEscalationLevels {
		return fmt.Errorf("%w: need 1-%d levels, got %d", ErrInvalidPolicy, models.MaxEscalationLevels, len(p.Levels))
	}
	sort.Slice(p.Levels, func(i, j int) bool { return p.Levels[i].Level < p.Levels[j].Level })
	for i, l := range p.Levels {
		if l.Level != i+1 {
			return fmt.Errorf("%w: levels must be numbered 1..%d", ErrInvalidPolicy, len(p.Levels))
		}
		if l.DelayMinutes < 0 {
			return fmt.Errorf("%w: level %d delay must not be negative", ErrInvalidPolicy, l.Level)
		}
		if l.ChannelID == 0 {
			return fmt.Errorf("%w: level %d needs a channel", ErrInvalidPolicy, l.Level)
		}
	}
	return nil
}

// Create stores a policy after checking that every level's channel belongs
// to the tenant.
func (s *Policies) Create(ctx context.Context, p *models.EscalationPolicy) error {
	if err := Validate(p); err != nil {
		return err
	}

	ids := make([]uint, 0, len(p.Levels))
	for _, l := range p.Levels {
		ids = append(ids, l.ChannelID)
	}
	var found []uint
	if err := s.db.WithContext(ctx).Model(&models.NotificationChannel{}).
		Where("tenant_id = ? AND id IN ?", p.TenantID, ids).Distinct().Pluck("id", &found).Error; err != nil {
		return fmt.Errorf("check channels: %w", err)
	}
	known := make(map[uint]bool, len(found))
	for _, id := range found {
		known[id] = true
	}
	for _, l := range p.Levels {
		if !known[l.ChannelID] {
			return fmt.Errorf("%w: channel %d not found", ErrInvalidPolicy, l.ChannelID)
		}
	}

	if err := s.db.WithContext(ctx).Create(p).Error; err != nil {
		return fmt.Errorf("create escalation policy: %w", err)
	}
	return nil
}

// Get loads a policy with its levels. An empty tenantID skips the tenant check.
func (s *Policies) Get(ctx context.Context, tenantID string, id uint) (*models.EscalationPolicy, error) {
	q := s.db.WithContext(ctx).Preload("Levels", func(db *gorm.DB) *gorm.DB { return db.Order("level") })
	if tenantID != "" {
		q = q.Where("tenant_id = ?", tenantID)
	}
	var p models.EscalationPolicy
	err := q.First(&p, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrPolicyNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get escalation policy: %w", err)
	}
	return &p, nil
}

func (s *Policies) List(ctx context.Context, tenantID string) ([]models.EscalationPolicy, error) {
	var out []models.EscalationPolicy
	err := s.db.WithContext(ctx).
		Preload("Levels", func(db *gorm.DB) *gorm.DB { return db.Order("level") }).
		Where("tenant_id = ?", tenantID).Order("id").Find(&out).Error
	if err != nil {
		return nil, fmt.Errorf("list escalation policies: %w", err)
	}
	return out, nil
}
