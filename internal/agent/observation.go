package agent

import (
	"math"

	"github.com/rewired-gh/marketppo/internal/models"
	"github.com/rewired-gh/marketppo/internal/simconfig"
)

// volatilityWindow is the number of past log returns the volatility feature spans.
const volatilityWindow = 20

// FeatureNames lists observation features in order for the given flags.
// Each name doubles as the key into the variable ranges document.
func FeatureNames(f Flags) []string {
	names := []string{"cash_ratio", "asset_ratio", "price_ratio", "log_return", "volatility", "book_imbalance"}
	if f.GetOFI {
		names = append(names, "ofi")
	}
	if f.GetLeaderBoard {
		names = append(names, "leader_rank", "leader_direction")
	}
	return append(names, "signal_direction", "signal_agreement", "trait_memory", "session_progress")
}

// ObservationDim is len(FeatureNames(f)).
func ObservationDim(f Flags) int { return len(FeatureNames(f)) }

// Observer builds normalised observation vectors for learning agents.
type Observer struct {
	Ranges     simconfig.VariableRanges
	DepthRange float64
}

// Observe reads the agent's view of its primary market.
func (o Observer) Observe(v *View, a *Agent) []float64 {
	names := FeatureNames(a.Flags)
	out := make([]float64, 0, len(names))
	in, ok := v.Market.Instrument(a.primaryMarket())
	if !ok {
		return make([]float64, len(names))
	}

	mp := in.MarketPrice()
	asset := float64(a.Account.Asset(in.Name()))
	cash := a.Account.Cash.InexactFloat64()
	wealth := cash + asset*mp
	var cashRatio, assetRatio float64
	if wealth > 0 {
		cashRatio = cash / wealth
		assetRatio = asset * mp / wealth
	}

	now := v.Market.Time()
	logReturn := math.Log(mp / in.PriceAt(now-1))

	raw := map[string]float64{
		"cash_ratio":       cashRatio,
		"asset_ratio":      assetRatio,
		"price_ratio":      mp / in.FundamentalPrice(),
		"log_return":       logReturn,
		"volatility":       realisedVolatility(in.Prices(now-volatilityWindow, now)),
		"book_imbalance":   o.bookImbalance(in.Book().VolumeBetween, in.ToTicks(mp*(1-o.DepthRange)), in.ToTicks(mp), in.ToTicks(mp*(1+o.DepthRange))),
		"ofi":              in.OFI(),
		"trait_memory":     a.TraitMemory,
		"session_progress": float64(v.SessionStep) / float64(max(v.Session.IterationSteps, 1)),
	}
	if v.Signals != nil {
		raw["signal_direction"] = v.Signals.Direction(v.Session.Name, v.SessionStep)
		raw["signal_agreement"] = v.Signals.Agreement(v.Session.Name, v.SessionStep)
	} else {
		raw["signal_agreement"] = 0.5
	}
	if a.Flags.GetLeaderBoard && v.Pool != nil {
		raw["leader_rank"], raw["leader_direction"] = v.Pool.leaderFeatures(a)
	}

	for _, name := range names {
		x := raw[name]
		if !isFinite(x) {
			x = 0
		}
		out = append(out, o.Ranges.Normalize(name, x))
	}
	return out
}

func (o Observer) bookImbalance(volume func(models.Side, int64, int64) int64, lo, mid, hi int64) float64 {
	bids := volume(models.SideBuy, lo, mid)
	asks := volume(models.SideSell, mid, hi)
	if bids+asks == 0 {
		return 0
	}
	return float64(bids-asks) / float64(bids+asks)
}

// realisedVolatility is the standard deviation of log returns of prices.
func realisedVolatility(prices []float64) float64 {
	if len(prices) < 3 {
		return 0
	}
	n := float64(len(prices) - 1)
	mean := math.Log(prices[len(prices)-1]/prices[0]) / n
	ss := 0.0
	for i := 1; i < len(prices); i++ {
		d := math.Log(prices[i]/prices[i-1]) - mean
		ss += d * d
	}
	return math.Sqrt(ss / n)
}
