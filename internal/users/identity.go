package users

import (
	"strings"
	"time"
)

// Principal captures a sync principal the gateway has seen, keyed by the
// subject of its bearer token.
type Principal struct {
	ID          string    `gorm:"column:principal_id;primaryKey;size:190;not null"`
	Email       string    `gorm:"column:email;size:320"`
	DisplayName string    `gorm:"column:display_name;size:320"`
	LastSeenAt  time.Time `gorm:"column:last_seen_at"`
	CreatedAt   time.Time `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt   time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

// TableName exposes the table backing known principals.
func (Principal) TableName() string {
	return "principals"
}

// normalize value helper used across service implementation.
func normalize(value string) string {
	return strings.TrimSpace(value)
}
