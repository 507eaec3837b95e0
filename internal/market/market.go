// Package market owns the order books of a simulation and the price state
// derived from them. All mutation happens on the caller's goroutine, one step
// at a time.
package market

import (
	"errors"
	"fmt"
	"math"
	"math/rand"
	"sort"

	"github.com/shopspring/decimal"

	"github.com/rewired-gh/marketppo/internal/models"
	"github.com/rewired-gh/marketppo/internal/orderbook"
)

// RejectReason explains why a submission was refused. The zero value means accepted.
type RejectReason string

const (
	ReasonNone              RejectReason = ""
	ReasonInvalidOrder      RejectReason = "invalid_order"
	ReasonUnknownMarket     RejectReason = "unknown_market"
	ReasonVolumeExceedsMax  RejectReason = "volume_exceeds_max"
	ReasonOutOfBand         RejectReason = "out_of_limit_order_range"
	ReasonOutOfDepth        RejectReason = "out_of_depth_range"
	ReasonInsufficientCash  RejectReason = "insufficient_cash"
	ReasonInsufficientAsset RejectReason = "insufficient_asset"
)

var ErrUnknownMarket = errors.New("unknown market")

// Params are the run-wide trading rules from the launch parameters.
type Params struct {
	DepthRange          float64
	LimitOrderRange     float64
	MaxOrderVolume      int64
	ShortSellingPenalty float64
	ExecutionBonus      float64
}

// Settings configure one instrument.
type Settings struct {
	Name                  string
	TickSize              float64
	MarketPrice           float64
	FundamentalPrice      float64
	FundamentalDrift      float64
	FundamentalVolatility float64
	OutstandingShares     int64
	DividendPrice         float64
	AverageStockValue     float64
	ConsistentSignalRate  float64
}

// Funds is the submitting agent's current balance on the target instrument.
type Funds struct {
	Cash  decimal.Decimal
	Asset int64
}

// SubmitResult is returned for every submission; rejections never raise.
type SubmitResult struct {
	OrderID  int64
	Accepted bool
	Reason   RejectReason
}

// Instrument is one tradable asset with its book and price history.
type Instrument struct {
	settings Settings
	book     *orderbook.Book
	pending  []models.Order

	marketPrice      float64
	fundamentalPrice float64
	prices           []float64
	fundamentals     []float64

	dividendPrice float64
	buyFlow       int64
	sellFlow      int64
	lastOFI       float64
	executed      int64
}

func (in *Instrument) Name() string                  { return in.settings.Name }
func (in *Instrument) TickSize() float64             { return in.settings.TickSize }
func (in *Instrument) Settings() Settings            { return in.settings }
func (in *Instrument) Book() *orderbook.Book         { return in.book }
func (in *Instrument) MarketPrice() float64          { return in.marketPrice }
func (in *Instrument) FundamentalPrice() float64     { return in.fundamentalPrice }
func (in *Instrument) DividendPrice() float64        { return in.dividendPrice }
func (in *Instrument) ConsistentSignalRate() float64 { return in.settings.ConsistentSignalRate }
func (in *Instrument) OFI() float64                  { return in.lastOFI }
func (in *Instrument) ExecutedVolume() int64         { return in.executed }

// PriceAt returns the market price at the end of step t, clamped to the known history.
func (in *Instrument) PriceAt(t int) float64 {
	if t < 0 {
		t = 0
	}
	if t >= len(in.prices) {
		return in.marketPrice
	}
	return in.prices[t]
}

// Prices returns a copy of the market price history for steps [from, to].
func (in *Instrument) Prices(from, to int) []float64 {
	if from < 0 {
		from = 0
	}
	if to >= len(in.prices) {
		to = len(in.prices) - 1
	}
	if to < from {
		return nil
	}
	out := make([]float64, to-from+1)
	copy(out, in.prices[from:to+1])
	return out
}

// ToTicks rounds a price to the nearest tick (at least one tick).
func (in *Instrument) ToTicks(price float64) int64 {
	t := int64(math.Round(price / in.settings.TickSize))
	if t < 1 {
		t = 1
	}
	return t
}

// FromTicks converts ticks back to a price.
func (in *Instrument) FromTicks(ticks int64) float64 {
	return float64(ticks) * in.settings.TickSize
}

// BestBid returns the best bid price, or ok=false on an empty side.
func (in *Instrument) BestBid() (float64, bool) {
	p, _, ok := in.book.BestBid()
	return in.FromTicks(p), ok
}

// BestAsk returns the best ask price, or ok=false on an empty side.
func (in *Instrument) BestAsk() (float64, bool) {
	p, _, ok := in.book.BestAsk()
	return in.FromTicks(p), ok
}

// Market is the set of instruments of one simulation instance.
type Market struct {
	params      Params
	instruments map[string]*Instrument
	names       []string
	rng         *rand.Rand
	nextOrderID int64
	time        int
}

// New builds a market from instrument settings. rng drives fundamental-price noise.
func New(params Params, settings []Settings, rng *rand.Rand) (*Market, error) {
	if len(settings) == 0 {
		return nil, errors.New("market requires at least one instrument")
	}
	if params.MaxOrderVolume < 1 {
		return nil, errors.New("max order volume must be at least 1")
	}
	m := &Market{
		params:      params,
		instruments: make(map[string]*Instrument, len(settings)),
		rng:         rng,
	}
	for _, s := range settings {
		if s.Name == "" {
			return nil, errors.New("instrument name must not be empty")
		}
		if _, dup := m.instruments[s.Name]; dup {
			return nil, fmt.Errorf("duplicate instrument %q", s.Name)
		}
		if s.TickSize <= 0 {
			return nil, fmt.Errorf("instrument %s: tick size must be positive", s.Name)
		}
		if s.MarketPrice <= 0 {
			return nil, fmt.Errorf("instrument %s: market price must be positive", s.Name)
		}
		if s.FundamentalPrice <= 0 {
			s.FundamentalPrice = s.AverageStockValue
		}
		if s.FundamentalPrice <= 0 {
			s.FundamentalPrice = s.MarketPrice
		}
		m.instruments[s.Name] = &Instrument{
			settings:         s,
			book:             orderbook.New(),
			marketPrice:      s.MarketPrice,
			fundamentalPrice: s.FundamentalPrice,
			prices:           []float64{s.MarketPrice},
			fundamentals:     []float64{s.FundamentalPrice},
			dividendPrice:    s.DividendPrice,
		}
		m.names = append(m.names, s.Name)
	}
	sort.Strings(m.names)
	return m, nil
}

func (m *Market) Params() Params { return m.params }

// Time is the number of completed steps since the market was created.
func (m *Market) Time() int { return m.time }

// Names lists instrument names in deterministic order.
func (m *Market) Names() []string {
	out := make([]string, len(m.names))
	copy(out, m.names)
	return out
}

// Instrument looks up an instrument by name.
func (m *Market) Instrument(name string) (*Instrument, bool) {
	in, ok := m.instruments[name]
	return in, ok
}

// Submit validates an order and queues it for the next matching pass.
// Out-of-band prices are rejected, never clipped.
func (m *Market) Submit(o models.Order, funds Funds) SubmitResult {
	in, ok := m.instruments[o.Market]
	if !ok {
		return SubmitResult{Reason: ReasonUnknownMarket}
	}
	if err := o.Validate(); err != nil {
		return SubmitResult{Reason: ReasonInvalidOrder}
	}
	if o.Volume > m.params.MaxOrderVolume {
		return SubmitResult{Reason: ReasonVolumeExceedsMax}
	}
	if o.Kind == models.KindLimit {
		if reason := m.checkBand(in, o); reason != ReasonNone {
			return SubmitResult{Reason: reason}
		}
	}
	if reason := m.checkBalance(in, o, funds); reason != ReasonNone {
		return SubmitResult{Reason: reason}
	}

	if o.Kind == models.KindMarket && o.Side == models.SideBuy {
		o.Budget = m.marketBuyTicks(in, o.Volume)
	}
	m.nextOrderID++
	o.ID = m.nextOrderID
	o.Step = m.time
	in.pending = append(in.pending, o)
	return SubmitResult{OrderID: o.ID, Accepted: true}
}

// checkBand enforces limit_order_range on any limit price and depth_range on
// the passive side of the market price.
func (m *Market) checkBand(in *Instrument, o models.Order) RejectReason {
	price := in.FromTicks(o.Price)
	ref := in.marketPrice
	if math.Abs(price-ref)/ref > m.params.LimitOrderRange+1e-12 {
		return ReasonOutOfBand
	}
	switch o.Side {
	case models.SideBuy:
		if price < ref*(1-m.params.DepthRange)-1e-12 {
			return ReasonOutOfDepth
		}
	case models.SideSell:
		if price > ref*(1+m.params.DepthRange)+1e-12 {
			return ReasonOutOfDepth
		}
	}
	return ReasonNone
}

// checkBalance rejects buys the agent cannot pay for given what it already has
// committed, and sells that would push it short beyond max_order_volume.
func (m *Market) checkBalance(in *Instrument, o models.Order, funds Funds) RejectReason {
	committedCash, committedAsset := m.committed(o.AgentID)
	switch o.Side {
	case models.SideBuy:
		cost := m.estimateCost(in, o)
		if funds.Cash.Sub(committedCash).LessThan(cost) {
			return ReasonInsufficientCash
		}
	case models.SideSell:
		if funds.Asset-committedAsset[in.settings.Name]-o.Volume < -m.params.MaxOrderVolume {
			return ReasonInsufficientAsset
		}
	}
	return ReasonNone
}

// estimateCost prices a buy: limit orders at their limit, market orders by
// walking the current asks.
func (m *Market) estimateCost(in *Instrument, o models.Order) decimal.Decimal {
	tick := decimal.NewFromFloat(in.settings.TickSize)
	if o.Kind == models.KindLimit {
		return tick.Mul(decimal.NewFromInt(o.Price * o.Volume))
	}
	return tick.Mul(decimal.NewFromInt(m.marketBuyTicks(in, o.Volume)))
}

// marketBuyTicks walks the current asks for volume units and prices any
// shortfall at the market price. An accepted market buy keeps the result as
// its budget, so orders matched ahead of it cannot push its cost higher.
func (m *Market) marketBuyTicks(in *Instrument, volume int64) int64 {
	remaining := volume
	var ticks int64
	for _, l := range in.book.Depth(models.SideSell) {
		if remaining == 0 {
			break
		}
		v := l.Volume
		if v > remaining {
			v = remaining
		}
		ticks += v * l.Price
		remaining -= v
	}
	return ticks + remaining*in.ToTicks(in.marketPrice)
}

// committed sums the cash locked by an agent's resting and pending buys and
// the asset volume locked by its sells, per instrument.
func (m *Market) committed(agentID int) (decimal.Decimal, map[string]int64) {
	cash := decimal.Zero
	assets := make(map[string]int64)
	for _, name := range m.names {
		in := m.instruments[name]
		tick := decimal.NewFromFloat(in.settings.TickSize)
		add := func(o models.Order) {
			if o.AgentID != agentID {
				return
			}
			if o.Side == models.SideBuy {
				ticks := o.Price * o.Volume
				if o.Kind == models.KindMarket {
					ticks = o.Budget
				}
				cash = cash.Add(tick.Mul(decimal.NewFromInt(ticks)))
			} else {
				assets[name] += o.Volume
			}
		}
		for _, o := range in.book.AgentOrders(agentID) {
			add(o)
		}
		for _, o := range in.pending {
			add(o)
		}
	}
	return cash, assets
}

// Cancel removes a resting or pending order.
func (m *Market) Cancel(c models.Cancel) error {
	in, ok := m.instruments[c.Market]
	if !ok {
		return ErrUnknownMarket
	}
	for i, o := range in.pending {
		if o.ID == c.OrderID {
			if c.AgentID != 0 && o.AgentID != c.AgentID {
				return orderbook.ErrNotFound
			}
			in.pending = append(in.pending[:i], in.pending[i+1:]...)
			return nil
		}
	}
	if o, ok := in.book.Get(c.OrderID); ok && c.AgentID != 0 && o.AgentID != c.AgentID {
		return orderbook.ErrNotFound
	}
	_, err := in.book.Cancel(c.OrderID)
	return err
}

// MatchStep processes pending orders in arrival order against the books and
// then uncrosses any liquidity rested while execution was disabled. No book is
// crossed when it returns.
func (m *Market) MatchStep() []models.Fill {
	var fills []models.Fill
	for _, name := range m.names {
		in := m.instruments[name]
		for _, o := range in.pending {
			fs, _, err := in.book.Submit(o)
			if err != nil {
				continue
			}
			fills = append(fills, fs...)
		}
		in.pending = in.pending[:0]
		fills = append(fills, in.book.Uncross(m.time)...)
	}
	for i := range fills {
		fills[i].Step = m.time
	}
	return fills
}

// RestPending places pending limit orders on the books without matching and
// drops pending market orders, which cannot execute in a session without
// order execution. It returns the dropped orders.
func (m *Market) RestPending() []models.Order {
	var dropped []models.Order
	for _, name := range m.names {
		in := m.instruments[name]
		for _, o := range in.pending {
			if o.Kind == models.KindMarket {
				dropped = append(dropped, o)
				continue
			}
			if err := in.book.Rest(o); err != nil {
				dropped = append(dropped, o)
			}
		}
		in.pending = in.pending[:0]
	}
	return dropped
}

// AdvancePrice moves each instrument's market price to its last fill of the
// step and records the step's order-flow imbalance.
func (m *Market) AdvancePrice(fills []models.Fill) {
	for _, name := range m.names {
		in := m.instruments[name]
		in.buyFlow, in.sellFlow = 0, 0
	}
	for _, f := range fills {
		in, ok := m.instruments[f.Market]
		if !ok {
			continue
		}
		in.marketPrice = in.FromTicks(f.Price)
		in.executed += f.Volume
		if f.TakerSide == models.SideBuy {
			in.buyFlow += f.Volume
		} else {
			in.sellFlow += f.Volume
		}
	}
	for _, name := range m.names {
		in := m.instruments[name]
		total := in.buyFlow + in.sellFlow
		if total == 0 {
			in.lastOFI = 0
			continue
		}
		in.lastOFI = float64(in.buyFlow-in.sellFlow) / float64(total)
	}
}

// ApplyExternalSignal shifts an instrument's fundamental price by a relative change.
func (m *Market) ApplyExternalSignal(name string, relativeChange float64) error {
	in, ok := m.instruments[name]
	if !ok {
		return ErrUnknownMarket
	}
	in.fundamentalPrice *= 1 + relativeChange
	if in.fundamentalPrice <= 0 {
		in.fundamentalPrice = in.settings.TickSize
	}
	return nil
}

// SetDividendPrice overrides the per-unit dividend of an instrument.
func (m *Market) SetDividendPrice(name string, price float64) error {
	in, ok := m.instruments[name]
	if !ok {
		return ErrUnknownMarket
	}
	in.dividendPrice = price
	return nil
}

// EndStep closes the current step: the fundamental price takes one random-walk
// step, price histories are extended, and time advances.
func (m *Market) EndStep() {
	for _, name := range m.names {
		in := m.instruments[name]
		s := in.settings
		if s.FundamentalVolatility > 0 || s.FundamentalDrift != 0 {
			shock := s.FundamentalDrift - 0.5*s.FundamentalVolatility*s.FundamentalVolatility +
				s.FundamentalVolatility*m.rng.NormFloat64()
			in.fundamentalPrice *= math.Exp(shock)
		}
		in.prices = append(in.prices, in.marketPrice)
		in.fundamentals = append(in.fundamentals, in.fundamentalPrice)
	}
	m.time++
}

// ExpireOrders removes resting orders whose ttl has elapsed.
func (m *Market) ExpireOrders() []models.Order {
	var expired []models.Order
	for _, name := range m.names {
		expired = append(expired, m.instruments[name].book.Expire(m.time)...)
	}
	return expired
}

// Crossed reports whether any book is crossed.
func (m *Market) Crossed() bool {
	for _, name := range m.names {
		if m.instruments[name].book.Crossed() {
			return true
		}
	}
	return false
}

// PendingCount is the number of orders waiting for the next matching pass.
func (m *Market) PendingCount() int {
	n := 0
	for _, name := range m.names {
		n += len(m.instruments[name].pending)
	}
	return n
}
