// Package model defines the persistent data model of the matching service:
// resting orders and the executions produced by matching them.
package model

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/matchbook-io/matchbook/pkg/errors"
)

// Side is the direction of an order. The wire values ("buyer"/"seller")
// are kept from the public API and double as the database representation.
type Side string

const (
	SideBuy  Side = "buyer"
	SideSell Side = "seller"
)

// ParseSide validates a wire-format side string.
func ParseSide(s string) (Side, error) {
	switch Side(s) {
	case SideBuy, SideSell:
		return Side(s), nil
	default:
		return "", errors.Newf(errors.KindValidation, "invalid order type %q: must be %q or %q", s, SideBuy, SideSell)
	}
}

// Valid reports whether the side is one of the two known directions.
func (s Side) Valid() bool {
	return s == SideBuy || s == SideSell
}

// Order is a resting limit order. Rows live in pending_orders only while
// unfilled: quantity is decremented as the order fills and the row is
// deleted on a full fill, never left at zero.
type Order struct {
	ID        uint64          `json:"id" gorm:"primaryKey;autoIncrement"`
	Side      Side            `json:"orderType" gorm:"column:order_type;type:text;not null;index:idx_pending_orders_type_price,priority:1"`
	Quantity  int64           `json:"quantity" gorm:"not null"`
	Price     decimal.Decimal `json:"price" gorm:"type:numeric;not null;index:idx_pending_orders_type_price,priority:2;index:idx_pending_orders_price"`
	CreatedAt time.Time       `json:"createdAt"`
	UpdatedAt time.Time       `json:"updatedAt"`
}

// TableName keeps the original schema name.
func (Order) TableName() string { return "pending_orders" }

// Validate rejects malformed submissions before any mutation happens.
func (o *Order) Validate() error {
	if !o.Side.Valid() {
		return errors.Newf(errors.KindValidation, "invalid order type %q: must be %q or %q", o.Side, SideBuy, SideSell)
	}
	if o.Quantity <= 0 {
		return errors.New(errors.KindValidation, "quantity must be a positive integer")
	}
	if o.Price.LessThanOrEqual(decimal.Zero) {
		return errors.New(errors.KindValidation, "price must be positive")
	}
	return nil
}

// Execution records one match between a buy and a sell order. Rows are
// append-only and immutable once written. The order references are
// nullable because resting orders are deleted when fully filled.
type Execution struct {
	ID          uint64          `json:"id" gorm:"primaryKey;autoIncrement"`
	Price       decimal.Decimal `json:"price" gorm:"type:numeric;not null;index:idx_completed_orders_price"`
	Quantity    int64           `json:"quantity" gorm:"not null"`
	BuyOrderID  *uint64         `json:"buyerOrderId" gorm:"column:buyer_order_id"`
	SellOrderID *uint64         `json:"sellerOrderId" gorm:"column:seller_order_id"`
	CompletedAt time.Time       `json:"completedAt" gorm:"index"`
}

// TableName keeps the original schema name.
func (Execution) TableName() string { return "completed_orders" }
