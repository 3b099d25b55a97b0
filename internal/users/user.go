package users

import (
	"strings"
	"time"

	"github.com/cybershield/portal/internal/auth"
)

const (
	// RoleUser is the default role for portal customers.
	RoleUser = auth.RoleUser
	// RoleAdmin may change order status.
	RoleAdmin = auth.RoleAdmin
)

// User is the slice of the portal account that phone verification touches.
type User struct {
	ID        int64     `gorm:"column:id;primaryKey;autoIncrement" json:"id"`
	Name      string    `gorm:"column:name;size:190;not null" json:"name"`
	Email     string    `gorm:"column:email;size:320;index" json:"email"`
	Phone     string    `gorm:"column:phone;size:32" json:"phone"`
	Verified  bool      `gorm:"column:verified;not null;default:false" json:"verified"`
	Role      string    `gorm:"column:role;size:16;not null;default:user" json:"role"`
	CreatedAt time.Time `gorm:"column:created_at;autoCreateTime" json:"createdAt"`
}

// TableName exposes the table backing portal users.
func (User) TableName() string {
	return "users"
}

// normalize value helper used across service implementation.
func normalize(value string) string {
	return strings.TrimSpace(value)
}
