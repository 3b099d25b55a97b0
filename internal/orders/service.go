package orders

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	// ErrOrderNotFound indicates no order row matched.
	ErrOrderNotFound = errors.New("orders: order not found")
	// ErrInvalidStatus rejects statuses outside the lifecycle.
	ErrInvalidStatus = errors.New("orders: invalid status")

	errMissingDatabase = errors.New("orders: database connection required")
	errInvalidOrder    = errors.New("orders: user id and service name are required")
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
	opServiceNew   = "orders.service.new"
	opCreate       = "orders.create"
	opUpdateStatus = "orders.update_status"
)

func newServiceError(operation, reason string, cause error) error {
	return &ServiceError{code: fmt.Sprintf("%s.%s", operation, reason), err: cause}
}

// StatusNotifier is told about every persisted status change.
type StatusNotifier interface {
	NotifyOrderStatusChanged(ctx context.Context, orderID, userID int64, status string)
}

// ServiceConfig describes the dependencies of the order service. Notifier may be nil.
type ServiceConfig struct {
	Database *gorm.DB
	Notifier StatusNotifier
	Clock    func() time.Time
	Logger   *zap.Logger
}

// Service persists orders and triggers status notifications.
type Service struct {
	db       *gorm.DB
	notifier StatusNotifier
	clock    func() time.Time
	logger   *zap.Logger
}

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
	return &Service{db: cfg.Database, notifier: cfg.Notifier, clock: clock, logger: logger}, nil
}

// Create inserts a pending order.
func (s *Service) Create(ctx context.Context, order Order) (Order, error) {
	order.ID = 0
	order.ServiceName = strings.TrimSpace(order.ServiceName)
	if order.UserID <= 0 || order.ServiceName == "" {
		return Order{}, newServiceError(opCreate, "invalid_order", errInvalidOrder)
	}
	now := s.clock().UTC()
	order.Status = StatusPending
	order.CreatedAt = now
	order.UpdatedAt = now
	if err := s.db.WithContext(ctx).Create(&order).Error; err != nil {
		s.logError(opCreate, "insert_failed", err)
		return Order{}, newServiceError(opCreate, "insert_failed", err)
	}
	return order, nil
}

// UpdateStatus persists the new status and then notifies the order's owner. Notification is
// best effort and never fails the update.
func (s *Service) UpdateStatus(ctx context.Context, orderID int64, status Status) (Order, error) {
	if _, ok := ParseStatus(string(status)); !ok {
		return Order{}, ErrInvalidStatus
	}

	var updated Order
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.Where("id = ?", orderID).Take(&updated).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrOrderNotFound
		}
		if err != nil {
			return newServiceError(opUpdateStatus, "select_failed", err)
		}
		updated.Status = status
		updated.UpdatedAt = s.clock().UTC()
		if err := tx.Model(&Order{}).
			Where("id = ?", orderID).
			Updates(map[string]interface{}{"status": updated.Status, "updated_at": updated.UpdatedAt}).
			Error; err != nil {
			return newServiceError(opUpdateStatus, "update_failed", err)
		}
		return nil
	})
	if txErr != nil {
		if !errors.Is(txErr, ErrOrderNotFound) {
			s.logError(opUpdateStatus, "transaction_failed", txErr, zap.Int64("order_id", orderID))
		}
		return Order{}, txErr
	}

	s.logger.Info("order status changed",
		zap.Int64("order_id", updated.ID),
		zap.Int64("user_id", updated.UserID),
		zap.String("status", string(updated.Status)))
	if s.notifier != nil {
		s.notifier.NotifyOrderStatusChanged(ctx, updated.ID, updated.UserID, string(updated.Status))
	}
	return updated, nil
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
	s.logger.Error("orders service error", attrs...)
}
