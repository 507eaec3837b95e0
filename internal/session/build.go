package session

import (
	"math/rand"

	"github.com/rewired-gh/marketppo/internal/agent"
	"github.com/rewired-gh/marketppo/internal/market"
	"github.com/rewired-gh/marketppo/internal/signal"
	"github.com/rewired-gh/marketppo/internal/simconfig"
)

// Options carry everything a simulation instance needs beyond the document.
type Options struct {
	Params      market.Params
	TraitMemory float64
	Observer    agent.Observer
	Policies    map[string]agent.Predictor
	Signals     *signal.Feed
}

// MarketSettings reads the instrument blocks named by simulation.markets.
func MarketSettings(doc *simconfig.Document) ([]market.Settings, error) {
	out := make([]market.Settings, 0, len(doc.Markets))
	for _, name := range doc.Markets {
		b, ok := doc.Block(name)
		if !ok {
			return nil, &simconfig.ConfigError{Path: name, Msg: "missing market block"}
		}
		price := b.Float("marketPrice", 0)
		out = append(out, market.Settings{
			Name:                  name,
			TickSize:              b.Float("tickSize", 1),
			MarketPrice:           price,
			FundamentalPrice:      b.Float("fundamentalPrice", price),
			FundamentalDrift:      b.Float("fundamentalDrift", 0),
			FundamentalVolatility: b.Float("fundamentalVolatility", 0),
			OutstandingShares:     int64(b.Int("outstandingShares", 0)),
			DividendPrice:         b.Float("dividendPrice", 0),
			AverageStockValue:     b.Float("averageStockValue", price),
			ConsistentSignalRate:  b.Float("consistentSignalRate", 0),
		})
	}
	return out, nil
}

// New builds an isolated Market, Pool and Runner from doc. Every random draw
// of the instance, from agent parameters to fundamental noise, comes from rng,
// so instances sharing nothing but the document are independent.
func New(doc *simconfig.Document, opts Options, rng *rand.Rand) (*Runner, error) {
	settings, err := MarketSettings(doc)
	if err != nil {
		return nil, err
	}
	m, err := market.New(opts.Params, settings, rng)
	if err != nil {
		return nil, &simconfig.ConfigError{Path: "simulation.markets", Msg: err.Error()}
	}
	pool, err := agent.Build(doc, agent.BuildOptions{
		Params:      opts.Params,
		TraitMemory: opts.TraitMemory,
		Observer:    opts.Observer,
		Policies:    opts.Policies,
	}, rng)
	if err != nil {
		return nil, err
	}
	return NewRunner(doc, m, pool, opts.Signals, rng)
}
