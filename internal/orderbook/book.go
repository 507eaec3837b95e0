// Package orderbook implements a price-time priority limit order book in integer ticks.
package orderbook

import (
	"container/heap"
	"errors"

	"github.com/rewired-gh/marketppo/internal/models"
)

var (
	ErrInvalidOrder = errors.New("invalid order")
	ErrDuplicateID  = errors.New("duplicate order id")
	ErrNotFound     = errors.New("order not found")
)

// -----------------------------------------------------------------------------
// Resting order node + price level FIFO
// -----------------------------------------------------------------------------

type node struct {
	order models.Order
	seq   uint64 // arrival sequence, breaks ties when uncrossing

	level *level
	prev  *node
	next  *node
}

type level struct {
	price       int64
	head, tail  *node
	totalVolume int64
}

// append node at tail (does NOT change totalVolume)
func (l *level) appendNode(n *node) {
	n.level = l
	n.prev = l.tail
	n.next = nil
	if l.tail != nil {
		l.tail.next = n
	} else {
		l.head = n
	}
	l.tail = n
}

// unlink node from list (does NOT change totalVolume)
func (l *level) unlink(n *node) {
	if n.prev != nil {
		n.prev.next = n.next
	} else {
		l.head = n.next
	}
	if n.next != nil {
		n.next.prev = n.prev
	} else {
		l.tail = n.prev
	}
	n.prev = nil
	n.next = nil
	n.level = nil
}

// -----------------------------------------------------------------------------
// Heap of price levels
// -----------------------------------------------------------------------------

type levelHeap struct {
	data  []*level
	index map[*level]int
	isBid bool // true => max-heap by price; false => min-heap by price
}

func newLevelHeap(isBid bool) *levelHeap {
	return &levelHeap{index: make(map[*level]int), isBid: isBid}
}

func (h *levelHeap) Len() int { return len(h.data) }

func (h *levelHeap) Less(i, j int) bool {
	if h.isBid {
		return h.data[i].price > h.data[j].price
	}
	return h.data[i].price < h.data[j].price
}

func (h *levelHeap) Swap(i, j int) {
	h.data[i], h.data[j] = h.data[j], h.data[i]
	h.index[h.data[i]] = i
	h.index[h.data[j]] = j
}

func (h *levelHeap) Push(x interface{}) {
	l := x.(*level)
	h.data = append(h.data, l)
	h.index[l] = len(h.data) - 1
}

func (h *levelHeap) Pop() interface{} {
	n := len(h.data)
	if n == 0 {
		return nil
	}
	l := h.data[n-1]
	h.data = h.data[:n-1]
	delete(h.index, l)
	return l
}

// -----------------------------------------------------------------------------
// One side of the book
// -----------------------------------------------------------------------------

type bookSide struct {
	isBid  bool
	levels map[int64]*level
	lheap  *levelHeap
}

func newBookSide(isBid bool) *bookSide {
	return &bookSide{
		isBid:  isBid,
		levels: make(map[int64]*level),
		lheap:  newLevelHeap(isBid),
	}
}

func (bs *bookSide) best() *level {
	if len(bs.lheap.data) == 0 {
		return nil
	}
	return bs.lheap.data[0]
}

func (bs *bookSide) getOrCreateLevel(price int64) *level {
	if l, ok := bs.levels[price]; ok {
		return l
	}
	l := &level{price: price}
	bs.levels[price] = l
	heap.Push(bs.lheap, l)
	return l
}

func (bs *bookSide) removeLevel(l *level) {
	delete(bs.levels, l.price)
	if i, ok := bs.lheap.index[l]; ok {
		heap.Remove(bs.lheap, i)
	}
}

func (bs *bookSide) add(n *node) {
	l := bs.getOrCreateLevel(n.order.Price)
	l.appendNode(n)
	l.totalVolume += n.order.Volume
}

func (bs *bookSide) remove(n *node) {
	l := n.level
	if l == nil {
		return
	}
	l.totalVolume -= n.order.Volume
	l.unlink(n)
	if l.totalVolume <= 0 || l.head == nil {
		bs.removeLevel(l)
	}
}

// crosses reports whether an incoming order at price p may trade against level l.
// limit == false means a market order, which crosses any price.
func (bs *bookSide) crosses(l *level, p int64, limit bool) bool {
	if !limit {
		return true
	}
	if bs.isBid {
		// resting bids; incoming sell
		return l.price >= p
	}
	return l.price <= p
}

// -----------------------------------------------------------------------------
// Book
// -----------------------------------------------------------------------------

// Book is a single-market order book. It is not safe for concurrent use; the
// simulation mutates it strictly sequentially within a step.
type Book struct {
	bids   *bookSide
	asks   *bookSide
	orders map[int64]*node
	seq    uint64
}

// Level is an aggregated price level.
type Level struct {
	Price  int64
	Volume int64
}

func New() *Book {
	return &Book{
		bids:   newBookSide(true),
		asks:   newBookSide(false),
		orders: make(map[int64]*node),
	}
}

func (b *Book) sideFor(s models.Side) *bookSide {
	if s == models.SideBuy {
		return b.bids
	}
	return b.asks
}

// Rest places a limit order on the book without matching. The book may be
// crossed afterwards until Uncross is called.
func (b *Book) Rest(o models.Order) error {
	if o.Kind != models.KindLimit || o.Volume <= 0 || o.Price <= 0 {
		return ErrInvalidOrder
	}
	if _, exists := b.orders[o.ID]; exists {
		return ErrDuplicateID
	}
	b.seq++
	n := &node{order: o, seq: b.seq}
	b.sideFor(o.Side).add(n)
	b.orders[o.ID] = n
	return nil
}

// Submit matches an incoming order against opposing liquidity with price-time
// priority. A limit order's residual rests; a market order's residual is
// returned as unfilled and never rests.
func (b *Book) Submit(o models.Order) ([]models.Fill, int64, error) {
	if o.Volume <= 0 {
		return nil, 0, ErrInvalidOrder
	}
	if o.Kind == models.KindLimit && o.Price <= 0 {
		return nil, 0, ErrInvalidOrder
	}
	if _, exists := b.orders[o.ID]; exists {
		return nil, 0, ErrDuplicateID
	}

	fills, remaining := b.match(o)
	if remaining > 0 && o.Kind == models.KindLimit {
		o.Volume = remaining
		if err := b.Rest(o); err != nil {
			return fills, remaining, err
		}
		return fills, 0, nil
	}
	return fills, remaining, nil
}

// match consumes opposing levels while they cross the taker.
func (b *Book) match(taker models.Order) ([]models.Fill, int64) {
	var fills []models.Fill
	remaining := taker.Volume
	opp := b.sideFor(taker.Side.Opposite())
	isLimit := taker.Kind == models.KindLimit
	budget := taker.Budget
	capped := !isLimit && taker.Side == models.SideBuy && budget > 0

	for remaining > 0 {
		best := opp.best()
		if best == nil || !opp.crosses(best, taker.Price, isLimit) {
			break
		}
		if capped && budget < best.price {
			break
		}
		for remaining > 0 && best.head != nil {
			maker := best.head
			traded := remaining
			if maker.order.Volume < traded {
				traded = maker.order.Volume
			}
			if capped {
				traded = min(traded, budget/best.price)
				if traded == 0 {
					break
				}
				budget -= traded * best.price
			}
			remaining -= traded
			maker.order.Volume -= traded
			best.totalVolume -= traded
			fills = append(fills, newFill(taker, maker.order, best.price, traded))

			if maker.order.Volume <= 0 {
				best.unlink(maker)
				delete(b.orders, maker.order.ID)
			}
		}
		if best.totalVolume <= 0 || best.head == nil {
			opp.removeLevel(best)
		}
	}
	return fills, remaining
}

// Uncross matches resting orders while the best bid is at or above the best
// ask. The older order of each pair is the maker and sets the price.
func (b *Book) Uncross(step int) []models.Fill {
	var fills []models.Fill
	for {
		bid, ask := b.bids.best(), b.asks.best()
		if bid == nil || ask == nil || bid.price < ask.price {
			return fills
		}
		bn, an := bid.head, ask.head
		traded := bn.order.Volume
		if an.order.Volume < traded {
			traded = an.order.Volume
		}

		var f models.Fill
		if bn.seq < an.seq {
			f = newFill(an.order, bn.order, bid.price, traded)
		} else {
			f = newFill(bn.order, an.order, ask.price, traded)
		}
		f.Step = step
		fills = append(fills, f)

		b.reduce(bn, traded)
		b.reduce(an, traded)
	}
}

func (b *Book) reduce(n *node, traded int64) {
	side := b.sideFor(n.order.Side)
	l := n.level
	n.order.Volume -= traded
	l.totalVolume -= traded
	if n.order.Volume <= 0 {
		l.unlink(n)
		delete(b.orders, n.order.ID)
	}
	if l.totalVolume <= 0 || l.head == nil {
		side.removeLevel(l)
	}
}

func newFill(taker, maker models.Order, price, volume int64) models.Fill {
	f := models.Fill{
		Market:    taker.Market,
		Price:     price,
		Volume:    volume,
		TakerSide: taker.Side,
		Step:      taker.Step,
	}
	if taker.Side == models.SideBuy {
		f.BuyAgent, f.BuyOrderID = taker.AgentID, taker.ID
		f.SellAgent, f.SellOrderID = maker.AgentID, maker.ID
	} else {
		f.SellAgent, f.SellOrderID = taker.AgentID, taker.ID
		f.BuyAgent, f.BuyOrderID = maker.AgentID, maker.ID
	}
	return f
}

// Cancel removes a resting order and returns what was left of it.
func (b *Book) Cancel(id int64) (models.Order, error) {
	n, ok := b.orders[id]
	if !ok {
		return models.Order{}, ErrNotFound
	}
	b.sideFor(n.order.Side).remove(n)
	delete(b.orders, id)
	return n.order, nil
}

// Expire cancels every resting order whose ttl has elapsed at step.
func (b *Book) Expire(step int) []models.Order {
	var expired []models.Order
	for id, n := range b.orders {
		if n.order.Expired(step) {
			expired = append(expired, n.order)
			b.sideFor(n.order.Side).remove(n)
			delete(b.orders, id)
		}
	}
	sortOrdersByID(expired)
	return expired
}

// Get returns a copy of a resting order.
func (b *Book) Get(id int64) (models.Order, bool) {
	n, ok := b.orders[id]
	if !ok {
		return models.Order{}, false
	}
	return n.order, true
}

// Len is the number of resting orders.
func (b *Book) Len() int { return len(b.orders) }

// BestBid returns (price, volume, ok).
func (b *Book) BestBid() (int64, int64, bool) {
	l := b.bids.best()
	if l == nil {
		return 0, 0, false
	}
	return l.price, l.totalVolume, true
}

// BestAsk returns (price, volume, ok).
func (b *Book) BestAsk() (int64, int64, bool) {
	l := b.asks.best()
	if l == nil {
		return 0, 0, false
	}
	return l.price, l.totalVolume, true
}

// Crossed reports whether best bid >= best ask.
func (b *Book) Crossed() bool {
	bid, _, okB := b.BestBid()
	ask, _, okA := b.BestAsk()
	return okB && okA && bid >= ask
}

// Depth returns the aggregated levels of one side, best first.
func (b *Book) Depth(side models.Side) []Level {
	bs := b.sideFor(side)
	out := make([]Level, 0, len(bs.levels))
	for _, l := range bs.levels {
		out = append(out, Level{Price: l.price, Volume: l.totalVolume})
	}
	sortLevels(out, side == models.SideBuy)
	return out
}

// VolumeBetween sums resting volume of one side with price in [lo, hi].
func (b *Book) VolumeBetween(side models.Side, lo, hi int64) int64 {
	var total int64
	for p, l := range b.sideFor(side).levels {
		if p >= lo && p <= hi {
			total += l.totalVolume
		}
	}
	return total
}

// AgentOrders returns the resting orders of one agent ordered by id.
func (b *Book) AgentOrders(agentID int) []models.Order {
	var out []models.Order
	for _, n := range b.orders {
		if n.order.AgentID == agentID {
			out = append(out, n.order)
		}
	}
	sortOrdersByID(out)
	return out
}
