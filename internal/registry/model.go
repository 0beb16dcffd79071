package registry

import (
	"time"
)

// Role classifies a connection as a site visitor or an administrator.
type Role string

const (
	// RoleGuest is the default role assigned at connect time.
	RoleGuest Role = "guest"
	// RoleAdmin is granted only after successful pool authentication.
	RoleAdmin Role = "admin"
)

// Connection is one live transport session. A row exists exactly as long as
// the underlying session is open; the registry is the source of truth for
// who is currently reachable.
type Connection struct {
	ConnectionID string    `gorm:"column:connection_id;primaryKey;size:128;not null"`
	Role         Role      `gorm:"column:role;size:16;not null;index"`
	FullName     string    `gorm:"column:full_name;size:320"`
	Email        string    `gorm:"column:email;size:320"`
	Phone        string    `gorm:"column:phone;size:64"`
	ConnectedAt  time.Time `gorm:"column:connected_at;autoCreateTime"`
	UpdatedAt    time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

// TableName exposes the table backing live connections.
func (Connection) TableName() string {
	return "chat_connections"
}

// IsAdmin reports whether the connection carries the admin role.
func (c Connection) IsAdmin() bool {
	return c.Role == RoleAdmin
}
