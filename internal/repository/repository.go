// Package repository implements the transactional store adapter over GORM.
// The matching engine performs no row-level locking; all write-path safety
// comes from the single worker and the all-or-nothing transaction scope here.
package repository

import (
	"context"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/matchbook-io/matchbook/internal/model"
	"github.com/matchbook-io/matchbook/pkg/errors"
)

// Store is the collaborator contract the engine depends on. Transaction
// hands the callback a Store scoped to the transaction; every write made
// through it commits or rolls back as one unit.
type Store interface {
	Transaction(ctx context.Context, fn func(tx Store) error) error

	CreateOrder(ctx context.Context, order *model.Order) error
	UpdateOrderQuantity(ctx context.Context, id uint64, quantity int64) error
	DeleteOrder(ctx context.Context, id uint64) error
	AppendExecution(ctx context.Context, exec *model.Execution) error

	// PendingOrders returns the resting set ordered for matching and
	// display: buys by descending price, sells by ascending price,
	// earliest submission first within a price.
	PendingOrders(ctx context.Context) ([]model.Order, error)
	// CompletedExecutions returns executions newest first.
	CompletedExecutions(ctx context.Context) ([]model.Execution, error)
}

// GormStore implements Store against sqlite or postgres.
type GormStore struct {
	db  *gorm.DB
	log *zap.Logger
}

var _ Store = (*GormStore)(nil)

// NewGormStore wraps an open gorm handle.
func NewGormStore(db *gorm.DB, log *zap.Logger) *GormStore {
	return &GormStore{db: db, log: log}
}

// Transaction runs fn inside one database transaction. Any error from fn
// rolls the whole unit back.
func (s *GormStore) Transaction(ctx context.Context, fn func(tx Store) error) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&GormStore{db: tx, log: s.log})
	})
	if err != nil {
		if errors.KindOf(err) != errors.KindInternal {
			return err
		}
		return errors.Wrap(errors.KindStore, err, "transaction failed")
	}
	return nil
}

func (s *GormStore) CreateOrder(ctx context.Context, order *model.Order) error {
	if err := s.db.WithContext(ctx).Create(order).Error; err != nil {
		s.log.Error("failed to insert pending order", zap.Error(err))
		return errors.Wrap(errors.KindStore, err, "insert pending order")
	}
	return nil
}

func (s *GormStore) UpdateOrderQuantity(ctx context.Context, id uint64, quantity int64) error {
	res := s.db.WithContext(ctx).Model(&model.Order{}).Where("id = ?", id).
		Update("quantity", quantity)
	if res.Error != nil {
		s.log.Error("failed to update pending order", zap.Uint64("order_id", id), zap.Error(res.Error))
		return errors.Wrap(errors.KindStore, res.Error, "update pending order quantity")
	}
	if res.RowsAffected == 0 {
		return errors.Newf(errors.KindStore, "pending order %d not found for update", id)
	}
	return nil
}

func (s *GormStore) DeleteOrder(ctx context.Context, id uint64) error {
	res := s.db.WithContext(ctx).Delete(&model.Order{}, id)
	if res.Error != nil {
		s.log.Error("failed to delete pending order", zap.Uint64("order_id", id), zap.Error(res.Error))
		return errors.Wrap(errors.KindStore, res.Error, "delete pending order")
	}
	if res.RowsAffected == 0 {
		return errors.Newf(errors.KindStore, "pending order %d not found for delete", id)
	}
	return nil
}

func (s *GormStore) AppendExecution(ctx context.Context, exec *model.Execution) error {
	if err := s.db.WithContext(ctx).Create(exec).Error; err != nil {
		s.log.Error("failed to append execution", zap.Error(err))
		return errors.Wrap(errors.KindStore, err, "append execution")
	}
	return nil
}

func (s *GormStore) PendingOrders(ctx context.Context) ([]model.Order, error) {
	var orders []model.Order
	// Buys before sells regardless of driver NULL ordering, then price
	// priority per side and time priority within a price.
	err := s.db.WithContext(ctx).
		Order("CASE WHEN order_type = 'buyer' THEN 0 ELSE 1 END ASC").
		Order("CASE WHEN order_type = 'buyer' THEN price END DESC").
		Order("CASE WHEN order_type = 'seller' THEN price END ASC").
		Order("created_at ASC").
		Order("id ASC").
		Find(&orders).Error
	if err != nil {
		return nil, errors.Wrap(errors.KindStore, err, "scan pending orders")
	}
	return orders, nil
}

func (s *GormStore) CompletedExecutions(ctx context.Context) ([]model.Execution, error) {
	var execs []model.Execution
	err := s.db.WithContext(ctx).
		Order("completed_at DESC").
		Order("id DESC").
		Find(&execs).Error
	if err != nil {
		return nil, errors.Wrap(errors.KindStore, err, "scan completed executions")
	}
	return execs, nil
}
