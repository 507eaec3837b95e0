package session

import (
	"fmt"

	"github.com/rewired-gh/marketppo/internal/agent"
	"github.com/rewired-gh/marketppo/internal/market"
	"github.com/rewired-gh/marketppo/internal/models"
	"github.com/rewired-gh/marketppo/internal/signal"
	"github.com/rewired-gh/marketppo/internal/simconfig"
)

// StepContext is the shared state an event may read and mutate.
type StepContext struct {
	Market      *market.Market
	Pool        *agent.Pool
	Signals     *signal.Feed
	Session     simconfig.Session
	SessionStep int
	Fills       []models.Fill
}

// Event is one configured session hook. Events run after matching and
// before settlement, in the order the session declares them.
type Event interface {
	Name() string
	Apply(sc *StepContext) error
}

// phase orders the event classes whose relative position matters.
var phase = map[string]int{
	simconfig.ClassInitialization:     1,
	simconfig.ClassLeadersPrioritizer: 2,
	simconfig.ClassDividendProvider:   3,
}

// Resolve builds each session's event list once. A session that declares a
// DividendProvider before a LeadersPrioritizer (or either before an
// InitializationEvent) is rejected.
func Resolve(doc *simconfig.Document) ([][]Event, error) {
	out := make([][]Event, len(doc.Sessions))
	for i, s := range doc.Sessions {
		last := 0
		for _, name := range s.Events {
			b, ok := doc.Block(name)
			if !ok {
				return nil, &simconfig.ConfigError{Path: name, Msg: "missing event block"}
			}
			if p := phase[b.Class()]; p > 0 {
				if p < last {
					return nil, &simconfig.ConfigError{
						Path: fmt.Sprintf("simulation.sessions[%d].events", i),
						Msg:  fmt.Sprintf("%s must run before the events declared ahead of it", name),
					}
				}
				last = p
			}
			ev, err := newEvent(b, doc)
			if err != nil {
				return nil, err
			}
			out[i] = append(out[i], ev)
		}
	}
	return out, nil
}

func newEvent(b simconfig.Block, doc *simconfig.Document) (Event, error) {
	switch b.Class() {
	case simconfig.ClassInitialization:
		return &Initialization{name: b.Name()}, nil
	case simconfig.ClassLeadersPrioritizer:
		n := b.Int("numLeaders", 1)
		if n < 0 {
			return nil, &simconfig.ConfigError{Path: b.Name() + ".numLeaders", Msg: "must not be negative"}
		}
		return &LeadersPrioritizer{name: b.Name(), NumLeaders: n}, nil
	case simconfig.ClassDividendProvider:
		interval := b.Int("interval", 1)
		if interval < 1 {
			return nil, &simconfig.ConfigError{Path: b.Name() + ".interval", Msg: "must be at least 1"}
		}
		return &DividendProvider{
			name:           b.Name(),
			Interval:       interval,
			RequiresLeader: b.Bool("llmAwareRequiresLeader", false),
		}, nil
	case simconfig.ClassFundamentalPriceShock:
		target := b.String("target", "")
		if target != "" {
			found := false
			for _, m := range doc.Markets {
				found = found || m == target
			}
			if !found {
				return nil, &simconfig.ConfigError{Path: b.Name() + ".target", Msg: fmt.Sprintf("unknown market %q", target)}
			}
		}
		return &FundamentalPriceShock{
			name:       b.Name(),
			Target:     target,
			ShockTime:  b.Int("shockTime", 0),
			ChangeRate: b.Float("priceChangeRate", 0),
		}, nil
	default:
		return nil, &simconfig.ConfigError{Path: b.Name() + ".class", Msg: fmt.Sprintf("unknown event class %q", b.Class())}
	}
}

// Initialization restores every agent's configured account and each
// instrument's configured dividend on the first step of its session.
type Initialization struct {
	name string
}

func (e *Initialization) Name() string { return e.name }

func (e *Initialization) Apply(sc *StepContext) error {
	if sc.SessionStep != 0 {
		return nil
	}
	sc.Pool.Reset()
	for _, name := range sc.Market.Names() {
		in, _ := sc.Market.Instrument(name)
		if err := sc.Market.SetDividendPrice(name, in.Settings().DividendPrice); err != nil {
			return err
		}
	}
	return nil
}

// LeadersPrioritizer scores agents by this step's fill PnL and flags the top
// NumLeaders. It must see this step's fills, so it runs after matching.
type LeadersPrioritizer struct {
	name       string
	NumLeaders int
}

func (e *LeadersPrioritizer) Name() string { return e.name }

func (e *LeadersPrioritizer) Apply(sc *StepContext) error {
	for _, a := range sc.Pool.Agents() {
		a.LeaderScore = a.Step().FillPnL
	}
	sc.Pool.RankLeaders(e.NumLeaders)
	return nil
}

// DividendProvider pays holders dividendPrice per unit, scaled toward the
// feed's current agreement by consistentSignalRate. With RequiresLeader set,
// LLM-aware agents are only paid while they are leaders.
type DividendProvider struct {
	name           string
	Interval       int
	RequiresLeader bool
}

func (e *DividendProvider) Name() string { return e.name }

func (e *DividendProvider) Apply(sc *StepContext) error {
	if (sc.Market.Time()+1)%e.Interval != 0 {
		return nil
	}
	agreement := 0.5
	if sc.Signals != nil {
		agreement = sc.Signals.Agreement(sc.Session.Name, sc.SessionStep)
	}
	for _, name := range sc.Market.Names() {
		in, _ := sc.Market.Instrument(name)
		perUnit := DividendPerUnit(in.DividendPrice(), in.ConsistentSignalRate(), agreement)
		for _, a := range sc.Pool.Agents() {
			if e.RequiresLeader && a.LLMAware() && !a.IsLeader {
				continue
			}
			sc.Pool.PayDividend(a, name, perUnit)
		}
	}
	return nil
}

// DividendPerUnit blends a flat payout with one proportional to signal agreement.
func DividendPerUnit(dividendPrice, consistentSignalRate, agreement float64) float64 {
	return dividendPrice * (1 - consistentSignalRate + consistentSignalRate*agreement)
}

// FundamentalPriceShock moves the fundamental price of Target (every market
// when empty) by ChangeRate once, at market time ShockTime.
type FundamentalPriceShock struct {
	name       string
	Target     string
	ShockTime  int
	ChangeRate float64
}

func (e *FundamentalPriceShock) Name() string { return e.name }

func (e *FundamentalPriceShock) Apply(sc *StepContext) error {
	if sc.Market.Time() != e.ShockTime {
		return nil
	}
	targets := []string{e.Target}
	if e.Target == "" {
		targets = sc.Market.Names()
	}
	for _, name := range targets {
		if err := sc.Market.ApplyExternalSignal(name, e.ChangeRate); err != nil {
			return fmt.Errorf("event %s: %w", e.name, err)
		}
	}
	return nil
}
