package otp

import (
	"crypto/rand"
	"fmt"
	"math/big"
	"time"
)

const (
	minCode  = 100000
	codeSpan = 900000
)

// Code is an issued verification code bound to a user and a phone number.
type Code struct {
	ID        int64     `gorm:"column:id;primaryKey;autoIncrement" json:"id"`
	UserID    int64     `gorm:"column:user_id;not null;index:idx_otp_codes_user_phone,priority:1" json:"user_id"`
	Phone     string    `gorm:"column:phone;size:32;not null;index:idx_otp_codes_user_phone,priority:2" json:"phone"`
	Code      string    `gorm:"column:code;size:6;not null" json:"code"`
	ExpiresAt time.Time `gorm:"column:expires_at;not null;index" json:"expires_at"`
	CreatedAt time.Time `gorm:"column:created_at;not null" json:"created_at"`
}

// TableName provides the explicit table binding for GORM.
func (Code) TableName() string {
	return "otp_codes"
}

// Expired reports whether the code is no longer usable at now.
func (c Code) Expired(now time.Time) bool {
	return !now.Before(c.ExpiresAt)
}

// Generator produces a fresh code string.
type Generator func() (string, error)

// GenerateCode returns a uniformly random code in [100000, 999999].
func GenerateCode() (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(codeSpan))
	if err != nil {
		return "", fmt.Errorf("otp: generate code: %w", err)
	}
	return fmt.Sprintf("%06d", n.Int64()+minCode), nil
}
