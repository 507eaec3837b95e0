package agent

import (
	"fmt"
	"math"
	"math/rand"

	"github.com/rewired-gh/marketppo/internal/market"
	"github.com/rewired-gh/marketppo/internal/models"
	"github.com/rewired-gh/marketppo/internal/policy"
)

// ActionDim is the size of a learning agent's action vector:
// [size and direction, price offset, order kind].
const ActionDim = 3

// Predictor is the part of the policy a learning agent needs while acting.
type Predictor interface {
	Predict(obs []float64, deterministic bool, rng *rand.Rand) (policy.Prediction, error)
}

// RLTrader acts through a shared policy and records a transition every step,
// whether or not its order is realised.
type RLTrader struct {
	policy   Predictor
	observer Observer
	orderTTL int
}

func (t *RLTrader) Decide(v *View, a *Agent, rng *rand.Rand) (Decision, error) {
	obs := t.observer.Observe(v, a)
	pred, err := t.policy.Predict(obs, v.Deterministic, rng)
	if err != nil {
		return Decision{}, fmt.Errorf("agent %d predict: %w", a.ID, err)
	}
	d := Decision{Transition: &models.Transition{
		Observation: obs,
		Action:      pred.Action,
		Value:       pred.Value,
		LogProb:     pred.LogProb,
	}}
	in, ok := v.Market.Instrument(a.primaryMarket())
	if !ok {
		return d, nil
	}
	if o, ok := DecodeAction(pred.Action, in, v.Market.Params(), a.Flags.OnlyMarketOrders); ok {
		o.AgentID = a.ID
		o.TTL = t.orderTTL
		d.Orders = append(d.Orders, o)
	}
	return d, nil
}

// Value is the policy's estimate of the agent's current state, used to
// bootstrap a trajectory cut mid-episode. Non-learning agents return 0.
func (a *Agent) Value(v *View) (float64, error) {
	t, ok := a.trader.(*RLTrader)
	if !ok {
		return 0, nil
	}
	pred, err := t.policy.Predict(t.observer.Observe(v, a), true, nil)
	if err != nil {
		return 0, fmt.Errorf("agent %d value: %w", a.ID, err)
	}
	return pred.Value, nil
}

// DecodeAction maps a raw policy action to an order. The first component's
// sign picks the side and its squashed magnitude the volume; the second is
// the price offset from the market price, positive meaning more aggressive,
// kept inside limit_order_range and depth_range; a positive third component
// (or onlyMarket) makes it a market order. ok is false when the volume
// rounds to zero.
func DecodeAction(action []float64, in *market.Instrument, p market.Params, onlyMarket bool) (models.Order, bool) {
	if len(action) < ActionDim {
		return models.Order{}, false
	}
	s := math.Tanh(action[0])
	volume := int64(math.Round(math.Abs(s) * float64(p.MaxOrderVolume)))
	if volume == 0 || !isFinite(s) {
		return models.Order{}, false
	}
	o := models.Order{Market: in.Name(), Volume: volume, Side: models.SideBuy}
	if s < 0 {
		o.Side = models.SideSell
	}
	if onlyMarket || action[2] > 0 {
		o.Kind = models.KindMarket
		return o, true
	}

	mp := in.MarketPrice()
	slack := in.TickSize() / mp
	aggressive := math.Max(0, p.LimitOrderRange-slack)
	passive := math.Max(0, math.Min(p.DepthRange, p.LimitOrderRange)-slack)
	off := clampFloat(math.Tanh(action[1])*p.LimitOrderRange, -passive, aggressive)

	o.Kind = models.KindLimit
	if o.Side == models.SideBuy {
		o.Price = in.ToTicks(mp * (1 + off))
	} else {
		o.Price = in.ToTicks(mp * (1 - off))
	}
	return o, true
}
