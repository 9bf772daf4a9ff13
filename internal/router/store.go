package router

import (
	"context"
	"errors"
	"fmt"

	"fleetalert/internal/models"
	"fleetalert/internal/notify"

	"gorm.io/gorm"
)

var (
	ErrNotFound      = errors.New("not found")
	ErrInvalidConfig = errors.New("invalid configuration")
)

// Store manages channels and routing rules.
type Store struct {
	db *gorm.DB
}

func NewStore(db *gorm.DB) *Store {
	return &Store{db: db}
}

// CreateChannel validates the type specific config and saves ch.
func (s *Store) CreateChannel(ctx context.Context, ch *models.NotificationChannel) error {
	if ch.Name == "" {
		return fmt.Errorf("%w: channel name is required", ErrInvalidConfig)
	}
	if !ch.Type.Valid() {
		return fmt.Errorf("%w: unsupported channel type %q", ErrInvalidConfig, ch.Type)
	}
	if err := notify.ValidateConfig(ch); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	if err := s.db.WithContext(ctx).Create(ch).Error; err != nil {
		return fmt.Errorf("create channel: %w", err)
	}
	return nil
}

func (s *Store) Channel(ctx context.Context, tenantID string, id uint) (*models.NotificationChannel, error) {
	var ch models.NotificationChannel
	err := s.db.WithContext(ctx).Where("id = ? AND tenant_id = ?", id, tenantID).First(&ch).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get channel: %w", err)
	}
	return &ch, nil
}

func (s *Store) ListChannels(ctx context.Context, tenantID string) ([]models.NotificationChannel, error) {
	var out []models.NotificationChannel
	if err := s.db.WithContext(ctx).Where("tenant_id = ?", tenantID).Order("id").Find(&out).Error; err != nil {
		return nil, fmt.Errorf("list channels: %w", err)
	}
	return out, nil
}

// SetChannelEnabled toggles a channel.
func (s *Store) SetChannelEnabled(ctx context.Context, tenantID string, id uint, enabled bool) error {
	res := s.db.WithContext(ctx).Model(&models.NotificationChannel{}).
		Where("id = ? AND tenant_id = ?", id, tenantID).
		Update("enabled", enabled)
	if res.Error != nil {
		return fmt.Errorf("update channel: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// CreateRoutingRule saves rule after checking it targets one of the
// tenant's channels.
func (s *Store) CreateRoutingRule(ctx context.Context, rule *models.RoutingRule) error {
	if rule.MinSeverity < models.SeverityInfo || rule.MinSeverity > models.SeverityCritical {
		return fmt.Errorf("%w: min_severity must be 1-5", ErrInvalidConfig)
	}
	if len(rule.DeliverOn) == 0 {
		return fmt.Errorf("%w: deliver_on must name at least one event", ErrInvalidConfig)
	}
	for _, e := range rule.DeliverOn {
		if !e.Valid() {
			return fmt.Errorf("%w: unknown lifecycle event %q", ErrInvalidConfig, e)
		}
	}
	if rule.ThrottleSeconds < 0 {
		return fmt.Errorf("%w: throttle_seconds must not be negative", ErrInvalidConfig)
	}
	if _, err := s.Channel(ctx, rule.TenantID, rule.ChannelID); err != nil {
		if errors.Is(err, ErrNotFound) {
			return fmt.Errorf("%w: channel %d does not exist", ErrInvalidConfig, rule.ChannelID)
		}
		return err
	}
	if err := s.db.WithContext(ctx).Create(rule).Error; err != nil {
		return fmt.Errorf("create routing rule: %w", err)
	}
	return nil
}

func (s *Store) ListRoutingRules(ctx context.Context, tenantID string) ([]models.RoutingRule, error) {
	var out []models.RoutingRule
	if err := s.db.WithContext(ctx).Where("tenant_id = ?", tenantID).Order("priority, id").Find(&out).Error; err != nil {
		return nil, fmt.Errorf("list routing rules: %w", err)
	}
	return out, nil
}
