package agent

import (
	"sort"

	"github.com/shopspring/decimal"

	"github.com/rewired-gh/marketppo/internal/market"
)

// Account is an agent's cash and per-instrument asset position. Cash is
// exact; asset volumes may go negative up to the market's short bound.
type Account struct {
	Cash   decimal.Decimal
	assets map[string]int64
}

// NewAccount copies assets so callers may reuse the map.
func NewAccount(cash decimal.Decimal, assets map[string]int64) *Account {
	a := &Account{Cash: cash, assets: make(map[string]int64, len(assets))}
	for k, v := range assets {
		a.assets[k] = v
	}
	return a
}

func (a *Account) Asset(name string) int64 { return a.assets[name] }

// Funds is the balance the market checks a submission against.
func (a *Account) Funds(name string) market.Funds {
	return market.Funds{Cash: a.Cash, Asset: a.assets[name]}
}

// Markets lists instruments with a recorded position.
func (a *Account) Markets() []string {
	out := make([]string, 0, len(a.assets))
	for k := range a.assets {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Trade moves volume at price; positive volume buys, negative sells.
func (a *Account) Trade(name string, price decimal.Decimal, volume int64) {
	a.Cash = a.Cash.Sub(price.Mul(decimal.NewFromInt(volume)))
	a.assets[name] += volume
}

// Wealth marks every position to price(name).
func (a *Account) Wealth(price func(name string) float64) float64 {
	w := a.Cash.InexactFloat64()
	for name, v := range a.assets {
		w += float64(v) * price(name)
	}
	return w
}

func (a *Account) Clone() *Account {
	return NewAccount(a.Cash, a.assets)
}
