// Package book maintains the in-memory projection of the resting-order set:
// per-side price levels ordered by price, each level a FIFO of orders in
// submission order. The book is derived state only; the durable rows live in
// the store and the book is rebuilt from them on startup.
package book

import (
	"sort"
	"sync"

	"github.com/shopspring/decimal"
	"github.com/tidwall/btree"

	"github.com/matchbook-io/matchbook/internal/model"
)

// DepthLevel is the aggregate resting quantity at one price.
type DepthLevel struct {
	Buy  int64 `json:"buyer"`
	Sell int64 `json:"seller"`
}

// priceLevel holds the orders resting at a single price, oldest first.
type priceLevel struct {
	price  decimal.Decimal
	orders []model.Order
}

func levelLess(a, b *priceLevel) bool {
	return a.price.Cmp(b.price) < 0
}

// Book is the priority-ordered bid/ask view. A single writer (the engine
// worker) mutates it after each committed pass; readers take snapshots
// under the read lock.
type Book struct {
	mu   sync.RWMutex
	bids *btree.BTreeG[*priceLevel]
	asks *btree.BTreeG[*priceLevel]
}

// New returns an empty book.
func New() *Book {
	return &Book{
		bids: btree.NewBTreeG(levelLess),
		asks: btree.NewBTreeG(levelLess),
	}
}

// Load replaces the book contents with the given resting set. Used on
// cold start and recovery, when the durable store is the source of truth.
func (b *Book) Load(orders []model.Order) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.bids = btree.NewBTreeG(levelLess)
	b.asks = btree.NewBTreeG(levelLess)
	for _, o := range orders {
		b.insert(o)
	}

	// Store scans are not guaranteed to arrive in submission order within
	// a price level, so restore time priority per level.
	for _, tree := range []*btree.BTreeG[*priceLevel]{b.bids, b.asks} {
		tree.Scan(func(lvl *priceLevel) bool {
			sort.SliceStable(lvl.orders, func(i, j int) bool {
				if !lvl.orders[i].CreatedAt.Equal(lvl.orders[j].CreatedAt) {
					return lvl.orders[i].CreatedAt.Before(lvl.orders[j].CreatedAt)
				}
				return lvl.orders[i].ID < lvl.orders[j].ID
			})
			return true
		})
	}
}

// Add appends a newly committed resting order to its price level.
func (b *Book) Add(o model.Order) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.insert(o)
}

func (b *Book) insert(o model.Order) {
	tree := b.sideTree(o.Side)
	key := &priceLevel{price: o.Price}
	if lvl, ok := tree.Get(key); ok {
		lvl.orders = append(lvl.orders, o)
		return
	}
	key.orders = append(key.orders, o)
	tree.Set(key)
}

// SetQuantity updates the remaining quantity of a resting order in place,
// preserving its time priority.
func (b *Book) SetQuantity(side model.Side, price decimal.Decimal, id uint64, quantity int64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	tree := b.sideTree(side)
	lvl, ok := tree.Get(&priceLevel{price: price})
	if !ok {
		return
	}
	for i := range lvl.orders {
		if lvl.orders[i].ID == id {
			lvl.orders[i].Quantity = quantity
			return
		}
	}
}

// Remove deletes a fully filled order; empty price levels are dropped.
func (b *Book) Remove(side model.Side, price decimal.Decimal, id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	tree := b.sideTree(side)
	key := &priceLevel{price: price}
	lvl, ok := tree.Get(key)
	if !ok {
		return
	}
	for i := range lvl.orders {
		if lvl.orders[i].ID == id {
			lvl.orders = append(lvl.orders[:i], lvl.orders[i+1:]...)
			break
		}
	}
	if len(lvl.orders) == 0 {
		tree.Delete(key)
	}
}

// Snapshot returns the book in priority order: bids by descending price,
// asks by ascending price, submission order within each level.
func (b *Book) Snapshot() (bids, asks []model.Order) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	b.bids.Reverse(func(lvl *priceLevel) bool {
		bids = append(bids, lvl.orders...)
		return true
	})
	b.asks.Scan(func(lvl *priceLevel) bool {
		asks = append(asks, lvl.orders...)
		return true
	})
	return bids, asks
}

// Depth aggregates resting quantity per price and side.
func (b *Book) Depth() map[string]DepthLevel {
	b.mu.RLock()
	defer b.mu.RUnlock()

	depth := make(map[string]DepthLevel)
	b.bids.Scan(func(lvl *priceLevel) bool {
		d := depth[lvl.price.String()]
		for _, o := range lvl.orders {
			d.Buy += o.Quantity
		}
		depth[lvl.price.String()] = d
		return true
	})
	b.asks.Scan(func(lvl *priceLevel) bool {
		d := depth[lvl.price.String()]
		for _, o := range lvl.orders {
			d.Sell += o.Quantity
		}
		depth[lvl.price.String()] = d
		return true
	})
	return depth
}

// Len returns the number of resting orders per side.
func (b *Book) Len() (bids, asks int) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	b.bids.Scan(func(lvl *priceLevel) bool {
		bids += len(lvl.orders)
		return true
	})
	b.asks.Scan(func(lvl *priceLevel) bool {
		asks += len(lvl.orders)
		return true
	})
	return bids, asks
}

func (b *Book) sideTree(side model.Side) *btree.BTreeG[*priceLevel] {
	if side == model.SideBuy {
		return b.bids
	}
	return b.asks
}
