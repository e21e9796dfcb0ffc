package exchange

import (
	"fmt"

	"github.com/tidwall/btree"
	"github.com/xtrntr/clearinghouse/internal/models"
)

// Direction picks which end of the price range is best
type Direction int

const (
	Lowest  Direction = iota // asks
	Highest                  // bids
)

// level is the FIFO of orders resting at one price
type level struct {
	orders []models.Order
}

func (l *level) head() models.Order {
	return l.orders[0]
}

// PriceLevelIndex groups orders by price, each price holding a FIFO.
// A price is present iff its FIFO is non-empty. Not safe for concurrent use.
type PriceLevelIndex struct {
	levels *btree.Map[uint64, *level]
	count  int
}

func NewPriceLevelIndex() *PriceLevelIndex {
	return &PriceLevelIndex{levels: btree.NewMap[uint64, *level](32)}
}

// Add appends order to the back of its price level
func (idx *PriceLevelIndex) Add(order models.Order) {
	lvl, ok := idx.levels.Get(order.Price)
	if !ok {
		lvl = &level{}
		idx.levels.Set(order.Price, lvl)
	}
	lvl.orders = append(lvl.orders, order)
	idx.count++
}

// PeekBest returns the oldest order at the lowest or highest price
func (idx *PriceLevelIndex) PeekBest(dir Direction) (models.Order, bool) {
	var (
		lvl *level
		ok  bool
	)
	if dir == Highest {
		_, lvl, ok = idx.levels.Max()
	} else {
		_, lvl, ok = idx.levels.Min()
	}
	if !ok {
		return models.Order{}, false
	}
	return lvl.head(), true
}

// IsHead reports whether order is the oldest order at its price
func (idx *PriceLevelIndex) IsHead(order models.Order) bool {
	lvl, ok := idx.levels.Get(order.Price)
	return ok && lvl.head().ID == order.ID
}

// Remove pops order off its price level. Only the head may be removed.
func (idx *PriceLevelIndex) Remove(order models.Order) error {
	lvl, ok := idx.levels.Get(order.Price)
	if !ok {
		return fmt.Errorf("%w: no level at price %d for order %s", models.ErrOrdering, order.Price, order.ID)
	}
	if head := lvl.head(); head.ID != order.ID {
		return fmt.Errorf("%w: order %s is behind %s at price %d", models.ErrOrdering, order.ID, head.ID, order.Price)
	}

	lvl.orders[0] = models.Order{}
	lvl.orders = lvl.orders[1:]
	if len(lvl.orders) == 0 {
		idx.levels.Delete(order.Price)
	}
	idx.count--
	return nil
}

// Count returns the number of orders across all levels
func (idx *PriceLevelIndex) Count() int {
	return idx.count
}

// Snapshot copies every level, lowest price first
func (idx *PriceLevelIndex) Snapshot() []models.Level {
	out := make([]models.Level, 0, idx.levels.Len())
	idx.levels.Scan(func(price uint64, lvl *level) bool {
		orders := make([]models.Order, len(lvl.orders))
		copy(orders, lvl.orders)
		out = append(out, models.Level{Price: price, Orders: orders})
		return true
	})
	return out
}

// Clear drops every level
func (idx *PriceLevelIndex) Clear() {
	idx.levels = btree.NewMap[uint64, *level](32)
	idx.count = 0
}
