// Package orders owns order records and announces status changes.
package orders

import (
	"strings"
	"time"
)

// Status is the lifecycle state of an order.
type Status string

const (
	StatusPending    Status = "Pending"
	StatusInProgress Status = "In Progress"
	StatusCompleted  Status = "Completed"
)

// ParseStatus accepts the canonical status names, ignoring surrounding whitespace.
func ParseStatus(value string) (Status, bool) {
	switch status := Status(strings.TrimSpace(value)); status {
	case StatusPending, StatusInProgress, StatusCompleted:
		return status, true
	default:
		return "", false
	}
}

// Order is a customer's request for a cybersecurity service.
type Order struct {
	ID          int64     `gorm:"column:id;primaryKey;autoIncrement" json:"id"`
	UserID      int64     `gorm:"column:user_id;not null;index" json:"userId"`
	ServiceName string    `gorm:"column:service_name;size:190;not null" json:"serviceName"`
	Description string    `gorm:"column:description;type:text" json:"description"`
	Status      Status    `gorm:"column:status;size:32;not null;default:Pending" json:"status"`
	CreatedAt   time.Time `gorm:"column:created_at" json:"createdAt"`
	UpdatedAt   time.Time `gorm:"column:updated_at" json:"updatedAt"`
}

// TableName provides the explicit table binding for GORM.
func (Order) TableName() string {
	return "orders"
}
