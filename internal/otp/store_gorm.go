package otp

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
)

var errMissingDatabase = errors.New("otp: database handle is required")

// GormStore persists codes in the otp_codes table.
type GormStore struct {
	db *gorm.DB
}

// NewGormStore wraps an open database. The otp_codes table is migrated by the database package.
func NewGormStore(db *gorm.DB) (*GormStore, error) {
	if db == nil {
		return nil, errMissingDatabase
	}
	return &GormStore{db: db}, nil
}

// Save inserts the code and returns it with its assigned id.
func (s *GormStore) Save(ctx context.Context, code Code) (Code, error) {
	code.ID = 0
	if err := s.db.WithContext(ctx).Create(&code).Error; err != nil {
		return Code{}, err
	}
	return code, nil
}

// Latest returns the newest unexpired code for the pair.
func (s *GormStore) Latest(ctx context.Context, userID int64, phone string, now time.Time) (Code, error) {
	var code Code
	err := s.db.WithContext(ctx).
		Where("user_id = ? AND phone = ? AND expires_at > ?", userID, phone, now.UTC()).
		Order("created_at DESC").
		Order("id DESC").
		Take(&code).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Code{}, ErrCodeNotFound
	}
	if err != nil {
		return Code{}, err
	}
	return code, nil
}

// Claim deletes code by id and, when that row was still present, every other code for the pair.
func (s *GormStore) Claim(ctx context.Context, code Code) (bool, error) {
	claimed := false
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		result := tx.Where("id = ?", code.ID).Delete(&Code{})
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return nil
		}
		claimed = true
		return tx.Where("user_id = ? AND phone = ?", code.UserID, code.Phone).Delete(&Code{}).Error
	})
	if err != nil {
		return false, err
	}
	return claimed, nil
}

// Prune deletes expired codes.
func (s *GormStore) Prune(ctx context.Context, now time.Time) (int, error) {
	result := s.db.WithContext(ctx).
		Where("expires_at <= ?", now.UTC()).
		Delete(&Code{})
	if result.Error != nil {
		return 0, result.Error
	}
	return int(result.RowsAffected), nil
}
