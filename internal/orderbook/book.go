package orderbook

import (
	"container/heap"
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/user/minivenue/internal/models"
)

// Book is the in-memory order book for a single symbol. It holds only open
// and partially filled orders. Best-price tracking uses price heaps; orders
// at one price level queue FIFO by acceptance time.
//
// The matching engine is the only writer. Reads (depth snapshots) can come
// from other goroutines, hence the RWMutex.
type Book struct {
	symbol string
	mu     sync.RWMutex

	bidHeap *maxPriceHeap
	askHeap *minPriceHeap

	// Price level queues, keyed by the canonical decimal string.
	bids map[string][]*models.Order
	asks map[string][]*models.Order

	// Order id -> location, so cancellation goes straight to the order's price
	// level. Removal then scans that level's queue, and the level heap when the
	// level empties, so it is linear in those sizes rather than O(log N).
	index map[uuid.UUID]location
}

type location struct {
	side models.Side
	key  string
	prc  decimal.Decimal
}

// Level is one aggregated price level of a depth snapshot.
type Level struct {
	Price    decimal.Decimal `json:"price"`
	Quantity decimal.Decimal `json:"quantity"`
}

// Depth is a point-in-time aggregated view of the book.
type Depth struct {
	Symbol string  `json:"symbol"`
	Bids   []Level `json:"bids"`
	Asks   []Level `json:"asks"`
}

// New creates an empty book for a symbol.
func New(symbol string) *Book {
	bidHeap := &maxPriceHeap{}
	askHeap := &minPriceHeap{}
	heap.Init(bidHeap)
	heap.Init(askHeap)

	return &Book{
		symbol:  symbol,
		bidHeap: bidHeap,
		askHeap: askHeap,
		bids:    make(map[string][]*models.Order),
		asks:    make(map[string][]*models.Order),
		index:   make(map[uuid.UUID]location),
	}
}

// Symbol returns the symbol this book serves.
func (b *Book) Symbol() string { return b.symbol }

// Len returns the number of resting orders.
func (b *Book) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.index)
}

// Insert adds a resting order at the back of its price level's FIFO queue.
// The caller inserts in acceptance order, which is what preserves time
// priority across restarts too (hydration replays orders sorted by
// created_at).
func (b *Book) Insert(o *models.Order) {
	b.mu.Lock()
	defer b.mu.Unlock()

	key := o.Price.String()
	if o.Side == models.SideBuy {
		if len(b.bids[key]) == 0 {
			heap.Push(b.bidHeap, o.Price)
		}
		b.bids[key] = append(b.bids[key], o)
	} else {
		if len(b.asks[key]) == 0 {
			heap.Push(b.askHeap, o.Price)
		}
		b.asks[key] = append(b.asks[key], o)
	}
	b.index[o.ID] = location{side: o.Side, key: key, prc: o.Price}
}

// Remove deletes an order from the book. Returns false when the order is not
// resting (already filled or never inserted).
func (b *Book) Remove(id uuid.UUID) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.remove(id)
}

func (b *Book) remove(id uuid.UUID) bool {
	loc, ok := b.index[id]
	if !ok {
		return false
	}

	levels := b.asks
	if loc.side == models.SideBuy {
		levels = b.bids
	}
	queue := levels[loc.key]
	for i, o := range queue {
		if o.ID == id {
			levels[loc.key] = append(queue[:i], queue[i+1:]...)
			if len(levels[loc.key]) == 0 {
				delete(levels, loc.key)
				b.removeHeapPrice(loc.side, loc.prc)
			}
			delete(b.index, id)
			return true
		}
	}
	// Index said it was here; the queue disagrees.
	delete(b.index, id)
	return false
}

// removeHeapPrice drops a now-empty price level from its heap.
// Linear scan, but levels empty far less often than orders arrive.
func (b *Book) removeHeapPrice(side models.Side, price decimal.Decimal) {
	if side == models.SideBuy {
		for i := 0; i < b.bidHeap.Len(); i++ {
			if (*b.bidHeap)[i].Equal(price) {
				heap.Remove(b.bidHeap, i)
				return
			}
		}
		return
	}
	for i := 0; i < b.askHeap.Len(); i++ {
		if (*b.askHeap)[i].Equal(price) {
			heap.Remove(b.askHeap, i)
			return
		}
	}
}

// BestBid returns the highest bid price, if any bid rests.
func (b *Book) BestBid() (decimal.Decimal, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.bidHeap.Peek()
}

// BestAsk returns the lowest ask price, if any ask rests.
func (b *Book) BestAsk() (decimal.Decimal, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.askHeap.Peek()
}

// PeekTop returns the order at the front of the best price level on a side:
// the strictly best priced, earliest accepted resting order.
func (b *Book) PeekTop(side models.Side) *models.Order {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var price decimal.Decimal
	var ok bool
	levels := b.asks
	if side == models.SideBuy {
		price, ok = b.bidHeap.Peek()
		levels = b.bids
	} else {
		price, ok = b.askHeap.Peek()
	}
	if !ok {
		return nil
	}
	queue := levels[price.String()]
	if len(queue) == 0 {
		return nil
	}
	return queue[0]
}

// SumRemainingWithin sums the remaining quantity resting on a side at prices
// acceptable to the given limit. A nil limit accepts every level (market).
// Used for the fill-or-kill liquidity precheck.
func (b *Book) SumRemainingWithin(side models.Side, limit *decimal.Decimal) decimal.Decimal {
	b.mu.RLock()
	defer b.mu.RUnlock()

	total := decimal.Zero
	levels := b.asks
	if side == models.SideBuy {
		levels = b.bids
	}
	for _, queue := range levels {
		if len(queue) == 0 {
			continue
		}
		price := queue[0].Price
		if limit != nil {
			if side == models.SideSell && price.GreaterThan(*limit) {
				continue // ask above the buyer's limit
			}
			if side == models.SideBuy && price.LessThan(*limit) {
				continue // bid below the seller's limit
			}
		}
		for _, o := range queue {
			total = total.Add(o.Remaining())
		}
	}
	return total
}

// Depth aggregates remaining quantity per price level, best levels first,
// capped at limit levels per side.
func (b *Book) Depth(limit int) *Depth {
	b.mu.RLock()
	defer b.mu.RUnlock()

	depth := &Depth{
		Symbol: b.symbol,
		Bids:   aggregate(b.bids, true, limit),
		Asks:   aggregate(b.asks, false, limit),
	}
	return depth
}

func aggregate(levels map[string][]*models.Order, descending bool, limit int) []Level {
	out := make([]Level, 0, len(levels))
	for _, queue := range levels {
		if len(queue) == 0 {
			continue
		}
		qty := decimal.Zero
		for _, o := range queue {
			qty = qty.Add(o.Remaining())
		}
		out = append(out, Level{Price: queue[0].Price, Quantity: qty})
	}

	// Sort by price: bids high to low, asks low to high.
	if descending {
		sort.Slice(out, func(i, j int) bool { return out[i].Price.GreaterThan(out[j].Price) })
	} else {
		sort.Slice(out, func(i, j int) bool { return out[i].Price.LessThan(out[j].Price) })
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}
