package engine

import (
	"sort"

	"github.com/shopspring/decimal"

	"github.com/matchbook-io/matchbook/internal/model"
)

// match pairs one buy leg and one sell leg. The remainders are the leg
// quantities immediately after this match; they drive the update-or-delete
// decision for each leg.
type match struct {
	BuyOrderID    uint64
	SellOrderID   uint64
	Price         decimal.Decimal
	Quantity      int64
	BuyRemaining  int64
	SellRemaining int64
}

// bidBefore orders bids by descending price, then ascending submission
// time. Equal timestamps fall back to the monotonic ID.
func bidBefore(a, b model.Order) bool {
	if c := a.Price.Cmp(b.Price); c != 0 {
		return c > 0
	}
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ID < b.ID
}

// askBefore orders asks by ascending price, then ascending submission time.
func askBefore(a, b model.Order) bool {
	if c := a.Price.Cmp(b.Price); c != 0 {
		return c < 0
	}
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ID < b.ID
}

// insertByPriority places o into an already priority-ordered list.
func insertByPriority(list []model.Order, o model.Order, before func(a, b model.Order) bool) []model.Order {
	i := sort.Search(len(list), func(i int) bool { return before(o, list[i]) })
	list = append(list, model.Order{})
	copy(list[i+1:], list[i:])
	list[i] = o
	return list
}

// runMatchingPass performs one full sweep over the resting set. Bids are
// iterated in priority order; for each bid the asks are scanned in
// ascending price order until the bid is filled or the first ask no longer
// crosses (asks ascend, so nothing past it can match). Every match executes
// min of the two remainders at the ask's price: price priority goes to the
// seller's quote.
//
// The slices are mutated in place: on return each entry's Quantity is the
// final remainder for this pass, which the caller uses to update the book.
func runMatchingPass(bids, asks []model.Order) []match {
	var matches []match
	for bi := range bids {
		if bids[bi].Quantity == 0 {
			continue
		}
		for ai := range asks {
			if asks[ai].Quantity == 0 {
				continue
			}
			if bids[bi].Price.LessThan(asks[ai].Price) {
				break
			}
			qty := min(bids[bi].Quantity, asks[ai].Quantity)
			bids[bi].Quantity -= qty
			asks[ai].Quantity -= qty
			matches = append(matches, match{
				BuyOrderID:    bids[bi].ID,
				SellOrderID:   asks[ai].ID,
				Price:         asks[ai].Price,
				Quantity:      qty,
				BuyRemaining:  bids[bi].Quantity,
				SellRemaining: asks[ai].Quantity,
			})
			if bids[bi].Quantity == 0 {
				break
			}
		}
	}
	return matches
}
