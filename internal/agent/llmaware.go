package agent

import (
	"math"
	"math/rand"

	"github.com/rewired-gh/marketppo/internal/models"
	"github.com/rewired-gh/marketppo/internal/simconfig"
)

// LLMAwareTrader follows the signal feed: it crosses the spread in the
// signal's direction when the signal is strong enough, sized by agreement.
type LLMAwareTrader struct {
	orderVolume int64
	margin      float64
	threshold   float64
}

func newLLMAwareTrader(b simconfig.Block, rng *rand.Rand) (*LLMAwareTrader, error) {
	margin, err := b.Random("orderMargin", 0.01)
	if err != nil {
		return nil, err
	}
	t := &LLMAwareTrader{
		orderVolume: int64(b.Int("orderVolume", 1)),
		margin:      margin.Draw(rng),
		threshold:   b.Float("directionThreshold", 0.1),
	}
	if t.orderVolume < 1 {
		return nil, &simconfig.ConfigError{Path: b.Name() + ".orderVolume", Msg: "must be at least 1"}
	}
	return t, nil
}

func (t *LLMAwareTrader) Decide(v *View, a *Agent, rng *rand.Rand) (Decision, error) {
	d := Decision{Cancels: a.takeOpenOrders()}
	in, ok := v.Market.Instrument(a.primaryMarket())
	if !ok || v.Signals == nil {
		return d, nil
	}
	sig, ok := v.Signals.At(v.Session.Name, v.SessionStep)
	if !ok || math.Abs(sig.Direction) < t.threshold {
		return d, nil
	}
	// act with probability equal to agreement
	if rng.Float64() > sig.Agreement {
		return d, nil
	}

	mp := in.MarketPrice()
	o := models.Order{AgentID: a.ID, Market: in.Name(), Kind: models.KindLimit, Volume: t.orderVolume, TTL: 1}
	if sig.Direction > 0 {
		o.Side = models.SideBuy
		o.Price = in.ToTicks(mp * (1 + t.margin))
	} else {
		o.Side = models.SideSell
		o.Price = in.ToTicks(mp * (1 - t.margin))
	}
	d.Orders = append(d.Orders, o)
	return d, nil
}
