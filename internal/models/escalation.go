package models

import "time"

const MaxEscalationLevels = 5

// EscalationPolicy is an ordered list of up to five levels.
type EscalationPolicy struct {
	ID        uint              `gorm:"primaryKey" json:"id"`
	TenantID  string            `gorm:"size:64;not null;index" json:"tenant_id"`
	Name      string            `gorm:"size:255;not null" json:"name"`
	Levels    []EscalationLevel `gorm:"foreignKey:PolicyID" json:"levels"`
	CreatedAt time.Time         `json:"created_at"`
	UpdatedAt time.Time         `json:"updated_at"`
}

func (EscalationPolicy) TableName() string {
	return "escalation_policies"
}

// EscalationLevel notifies ChannelID once DelayMinutes have passed since the
// previous level (or since the alert opened for level 1).
type EscalationLevel struct {
	ID           uint `gorm:"primaryKey" json:"id"`
	PolicyID     uint `gorm:"not null;uniqueIndex:idx_escalation_levels_policy_level" json:"policy_id"`
	Level        int  `gorm:"not null;uniqueIndex:idx_escalation_levels_policy_level" json:"level"` // 1..5
	DelayMinutes int  `gorm:"not null" json:"delay_minutes"`
	ChannelID    uint `gorm:"not null" json:"channel_id"`
}

func (EscalationLevel) TableName() string {
	return "escalation_levels"
}

// MaxLevel returns the highest configured level.
func (p *EscalationPolicy) MaxLevel() int {
	max := 0
	for _, l := range p.Levels {
		if l.Level > max {
			max = l.Level
		}
	}
	return max
}

// LevelAt returns the level definition for n.
func (p *EscalationPolicy) LevelAt(n int) (EscalationLevel, bool) {
	for _, l := range p.Levels {
		if l.Level == n {
			return l, true
		}
	}
	return EscalationLevel{}, false
}

// DueAt returns when level n becomes due for an alert created at created:
// the creation time plus the cumulative delay of levels 1..n.
func (p *EscalationPolicy) DueAt(created time.Time, n int) (time.Time, bool) {
	if n < 1 || n > p.MaxLevel() {
		return time.Time{}, false
	}
	total := 0
	for i := 1; i <= n; i++ {
		l, ok := p.LevelAt(i)
		if !ok {
			return time.Time{}, false
		}
		total += l.DelayMinutes
	}
	return created.Add(time.Duration(total) * time.Minute), true
}
