// Package models defines the core domain entities: orders, fills, signals, and transitions.
package models

import (
	"errors"
	"fmt"
)

// Side is the direction of an order.
type Side uint8

const (
	SideBuy Side = iota
	SideSell
)

func (s Side) String() string {
	switch s {
	case SideBuy:
		return "BUY"
	case SideSell:
		return "SELL"
	default:
		return "UNKNOWN"
	}
}

// Opposite returns the other side of the book.
func (s Side) Opposite() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

// OrderKind distinguishes limit from market orders.
type OrderKind uint8

const (
	KindLimit OrderKind = iota
	KindMarket
)

func (k OrderKind) String() string {
	switch k {
	case KindLimit:
		return "LIMIT"
	case KindMarket:
		return "MARKET"
	default:
		return "UNKNOWN"
	}
}

// Order is a single instruction to trade on one market.
// Price is expressed in ticks and is ignored for market orders.
type Order struct {
	ID      int64
	AgentID int
	Market  string
	Side    Side
	Kind    OrderKind
	Price   int64
	Volume  int64
	Step    int
	TTL     int // steps the order may rest; 0 rests until filled or cancelled
	// Budget caps the ticks of cash a market buy may spend; 0 is unlimited.
	Budget int64
}

// Validate checks the structural invariants of an order. Market-level rules
// (bands, balance, max volume) are enforced by the market on submission.
func (o *Order) Validate() error {
	if o.Volume <= 0 {
		return errors.New("order volume must be positive")
	}
	if o.Market == "" {
		return errors.New("order market must not be empty")
	}
	if o.Side != SideBuy && o.Side != SideSell {
		return fmt.Errorf("unknown order side %d", o.Side)
	}
	switch o.Kind {
	case KindLimit:
		if o.Price <= 0 {
			return errors.New("limit order price must be positive")
		}
	case KindMarket:
	default:
		return fmt.Errorf("unknown order kind %d", o.Kind)
	}
	if o.TTL < 0 {
		return errors.New("order ttl must not be negative")
	}
	return nil
}

// Expired reports whether a resting order has outlived its ttl at the given step.
func (o *Order) Expired(step int) bool {
	return o.TTL > 0 && step-o.Step >= o.TTL
}

// Cancel requests removal of a resting order.
type Cancel struct {
	AgentID int
	Market  string
	OrderID int64
}

// Fill is one execution between a buyer and a seller.
type Fill struct {
	Market      string
	Price       int64
	Volume      int64
	BuyAgent    int
	SellAgent   int
	BuyOrderID  int64
	SellOrderID int64
	TakerSide   Side
	Step        int
}

// Notional returns price × volume in ticks.
func (f Fill) Notional() int64 {
	return f.Price * f.Volume
}
