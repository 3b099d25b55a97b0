package users

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	// ErrUserNotFound indicates no user row matched.
	ErrUserNotFound = errors.New("users: user not found")

	errMissingDatabase = errors.New("users: database connection required")
	errInvalidUser     = errors.New("users: name is required")
	errUnknownRole     = errors.New("users: unknown role")
)

// ServiceError annotates failures with an operation.reason code.
type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

func (e *ServiceError) Code() string {
	return e.code
}

const (
	opServiceNew   = "users.service.new"
	opCreate       = "users.create"
	opGet          = "users.get"
	opMarkVerified = "users.mark_verified"
)

func newServiceError(operation, reason string, cause error) error {
	return &ServiceError{code: fmt.Sprintf("%s.%s", operation, reason), err: cause}
}

// ServiceConfig describes the dependencies of the user service.
type ServiceConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
	Logger   *zap.Logger
}

// Service reads users and owns the verified flag transition.
type Service struct {
	db     *gorm.DB
	now    func() time.Time
	logger *zap.Logger
}

// NewService constructs the user service. The users table is migrated by the database package.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opServiceNew, "missing_database", errMissingDatabase)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{db: cfg.Database, now: clock, logger: logger}, nil
}

// Create inserts a user. An empty role becomes RoleUser.
func (s *Service) Create(ctx context.Context, user User) (User, error) {
	user.ID = 0
	user.Name = normalize(user.Name)
	user.Email = normalize(user.Email)
	user.Phone = normalize(user.Phone)
	if user.Name == "" {
		return User{}, newServiceError(opCreate, "invalid_user", errInvalidUser)
	}
	switch user.Role {
	case "":
		user.Role = RoleUser
	case RoleUser, RoleAdmin:
	default:
		return User{}, newServiceError(opCreate, "unknown_role", errUnknownRole)
	}
	user.CreatedAt = s.now().UTC()
	if err := s.db.WithContext(ctx).Create(&user).Error; err != nil {
		s.logError(opCreate, "insert_failed", err)
		return User{}, newServiceError(opCreate, "insert_failed", err)
	}
	return user, nil
}

// Get loads a user by id.
func (s *Service) Get(ctx context.Context, userID int64) (User, error) {
	var user User
	err := s.db.WithContext(ctx).Where("id = ?", userID).Take(&user).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return User{}, ErrUserNotFound
	}
	if err != nil {
		s.logError(opGet, "select_failed", err, zap.Int64("user_id", userID))
		return User{}, newServiceError(opGet, "select_failed", err)
	}
	return user, nil
}

// MarkVerified sets the verified flag and records the verified phone number.
func (s *Service) MarkVerified(ctx context.Context, userID int64, phone string) error {
	result := s.db.WithContext(ctx).
		Model(&User{}).
		Where("id = ?", userID).
		Updates(map[string]interface{}{
			"verified": true,
			"phone":    normalize(phone),
		})
	if result.Error != nil {
		s.logError(opMarkVerified, "update_failed", result.Error, zap.Int64("user_id", userID))
		return newServiceError(opMarkVerified, "update_failed", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrUserNotFound
	}
	s.logger.Info("user phone verified", zap.Int64("user_id", userID))
	return nil
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.logger.Error("users service error", attrs...)
}
