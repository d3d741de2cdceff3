// Package directory persists users, conferences, feeds, their memberships and the
// per-user ordered target lists that decide who may address whom.
package directory

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

var noOpLogger = zap.NewNop()

// ChangeNotifier is told which users' target lists may have changed.
type ChangeNotifier interface {
	TargetsChanged(userIDs []uint)
}

// ServiceConfig describes the dependencies of the directory service.
type ServiceConfig struct {
	Database   *gorm.DB
	Clock      func() time.Time
	Logger     *zap.Logger
	Notifier   ChangeNotifier
	BcryptCost int
}

// Service implements the identity store, the target graph and target ordering.
type Service struct {
	db         *gorm.DB
	clock      func() time.Time
	logger     *zap.Logger
	notifier   ChangeNotifier
	bcryptCost int
	userLocks  sync.Map
}

// NewService validates dependencies and constructs the directory service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opServiceNew, reasonMissingDatabase, errMissingDatabase)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Service{
		db:         cfg.Database,
		clock:      clock,
		logger:     logger,
		notifier:   cfg.Notifier,
		bcryptCost: normalizeBcryptCost(cfg.BcryptCost),
	}, nil
}

// lockUser serializes order writes for one user. Different users never contend.
func (s *Service) lockUser(userID uint) func() {
	value, _ := s.userLocks.LoadOrStore(userID, &sync.Mutex{})
	mutex := value.(*sync.Mutex)
	mutex.Lock()
	return mutex.Unlock
}

func (s *Service) database(ctx context.Context, operation string) (*gorm.DB, error) {
	if s == nil || s.db == nil {
		err := newServiceError(operation, reasonMissingDatabase, errMissingDatabase)
		s.logError(operation, reasonMissingDatabase, errMissingDatabase)
		return nil, err
	}
	return s.db.WithContext(ctx), nil
}

// fail classifies err, logs unexpected failures and wraps it in a ServiceError.
func (s *Service) fail(operation string, err error, fields ...zap.Field) error {
	reason, cause := classify(err)
	switch reason {
	case reasonWriteFailed, reasonQueryFailed:
		s.logError(operation, reason, err, fields...)
	default:
		s.loggerOrDefault().Debug("directory request rejected",
			append([]zap.Field{zap.String("operation", operation), zap.String("reason", reason)}, fields...)...)
	}
	return newServiceError(operation, reason, cause)
}

func (s *Service) notify(userIDs ...uint) {
	if s == nil || s.notifier == nil || len(userIDs) == 0 {
		return
	}
	s.notifier.TargetsChanged(userIDs)
}

func (s *Service) nowNanos() int64 {
	return s.clock().UTC().UnixNano()
}

func (s *Service) loggerOrDefault() *zap.Logger {
	if s == nil || s.logger == nil {
		return noOpLogger
	}
	return s.logger
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
	s.loggerOrDefault().Error("directory service error", attrs...)
}
