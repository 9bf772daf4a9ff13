package evaluator

import (
	"context"
	"errors"
	"fmt"

	"fleetalert/internal/models"

	"gorm.io/gorm"
)

var (
	ErrRuleNotFound  = errors.New("alert rule not found")
	ErrUnknownTenant = errors.New("unknown tenant")
)

// TenantChecker reports whether a tenant may own rules.
type TenantChecker interface {
	TenantExists(ctx context.Context, tenantID string) (bool, error)
}

// Rules is the alert rule store.
type Rules struct {
	db      *gorm.DB
	tenants TenantChecker
}

func NewRules(db *gorm.DB, tenants TenantChecker) *Rules {
	return &Rules{db: db, tenants: tenants}
}

// Create validates and stores a rule.
func (r *Rules) Create(ctx context.Context, rule *models.AlertRule) error {
	if err := rule.Validate(); err != nil {
		return err
	}
	if rule.EscalationMinutes < 0 {
		return fmt.Errorf("%w: escalation_minutes must not be negative", models.ErrInvalidRule)
	}
	if r.tenants != nil {
		ok, err := r.tenants.TenantExists(ctx, rule.TenantID)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%w: %s", ErrUnknownTenant, rule.TenantID)
		}
	}
	if rule.EscalationPolicyID != nil {
		var n int64
		if err := r.db.WithContext(ctx).Model(&models.EscalationPolicy{}).
			Where("id = ? AND tenant_id = ?", *rule.EscalationPolicyID, rule.TenantID).Count(&n).Error; err != nil {
			return fmt.Errorf("check escalation policy: %w", err)
		}
		if n == 0 {
			return fmt.Errorf("%w: escalation policy %d not found", models.ErrInvalidRule, *rule.EscalationPolicyID)
		}
	}

	if err := r.db.WithContext(ctx).Create(rule).Error; err != nil {
		return fmt.Errorf("create rule: %w", err)
	}
	return nil
}

// Get returns the tenant's rule.
func (r *Rules) Get(ctx context.Context, tenantID string, id uint) (*models.AlertRule, error) {
	var rule models.AlertRule
	err := r.db.WithContext(ctx).Where("tenant_id = ?", tenantID).First(&rule, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrRuleNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get rule: %w", err)
	}
	return &rule, nil
}

// List returns the tenant's rules ordered by id.
func (r *Rules) List(ctx context.Context, tenantID string) ([]models.AlertRule, error) {
	var rules []models.AlertRule
	if err := r.db.WithContext(ctx).Where("tenant_id = ?", tenantID).Order("id").Find(&rules).Error; err != nil {
		return nil, fmt.Errorf("list rules: %w", err)
	}
	return rules, nil
}

// SetEnabled enables or disables a rule. Live alerts of a disabled rule
// stay live until resolved by hand.
func (r *Rules) SetEnabled(ctx context.Context, tenantID string, id uint, enabled bool) (*models.AlertRule, error) {
	rule, err := r.Get(ctx, tenantID, id)
	if err != nil {
		return nil, err
	}
	if err := r.db.WithContext(ctx).Model(rule).Update("enabled", enabled).Error; err != nil {
		return nil, fmt.Errorf("update rule: %w", err)
	}
	rule.Enabled = enabled
	return rule, nil
}

// Enabled returns every enabled rule across tenants.
func (r *Rules) Enabled(ctx context.Context) ([]models.AlertRule, error) {
	var rules []models.AlertRule
	if err := r.db.WithContext(ctx).Where("enabled = ?", true).Order("id").Find(&rules).Error; err != nil {
		return nil, fmt.Errorf("load enabled rules: %w", err)
	}
	return rules, nil
}
