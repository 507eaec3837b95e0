// Package agent holds the heterogeneous trading agents of a simulation: their
// accounts, trait state and per-class decision rules.
package agent

import (
	"math/rand"

	"github.com/rewired-gh/marketppo/internal/market"
	"github.com/rewired-gh/marketppo/internal/models"
	"github.com/rewired-gh/marketppo/internal/signal"
	"github.com/rewired-gh/marketppo/internal/simconfig"
)

// Flags are the per-group switches of the simulation config.
type Flags struct {
	GetOFI           bool
	GetLeaderBoard   bool
	OnlyMarketOrders bool
	LLMAware         bool
}

// View is what an agent may read while deciding.
type View struct {
	Market        *market.Market
	Signals       *signal.Feed
	Session       simconfig.Session
	SessionStep   int
	Pool          *Pool
	Deterministic bool
}

// Decision is an agent's output for one step. Transition is set only by
// learning agents and carries observation, action, value and log-prob.
type Decision struct {
	Orders     []models.Order
	Cancels    []models.Cancel
	Transition *models.Transition
}

// Trader is the per-class decision rule.
type Trader interface {
	Decide(v *View, a *Agent, rng *rand.Rand) (Decision, error)
}

// StepStats accumulates an agent's fills for the current step.
type StepStats struct {
	FillPnL      float64
	Volume       int64
	NetVolume    int64
	FilledOrders int
	Penalty      float64
	Bonus        float64
	Dividend     float64
	Rejections   int
}

// Agent is one simulated trader.
type Agent struct {
	ID      int
	Group   string
	Class   string
	Flags   Flags
	Markets []string
	Account *Account

	TraitMemory float64
	LeaderScore float64
	LeaderRank  int
	IsLeader    bool

	trader     Trader
	initial    *Account
	openOrders []models.Cancel
	step       StepStats
}

// Learns reports whether the agent records transitions for training.
func (a *Agent) Learns() bool {
	_, ok := a.trader.(*RLTrader)
	return ok
}

// LLMAware reports whether the agent reacts to the signal feed.
func (a *Agent) LLMAware() bool {
	return a.Flags.LLMAware || a.Class == simconfig.ClassLLMAwareAgent
}

// Decide asks the agent's trader for this step's orders.
func (a *Agent) Decide(v *View, rng *rand.Rand) (Decision, error) {
	return a.trader.Decide(v, a, rng)
}

// Step returns the current step's accumulated stats.
func (a *Agent) Step() StepStats { return a.step }

// Track remembers an accepted order so it can be cancelled later.
func (a *Agent) Track(market string, orderID int64) {
	a.openOrders = append(a.openOrders, models.Cancel{AgentID: a.ID, Market: market, OrderID: orderID})
}

// takeOpenOrders returns cancels for every tracked order and forgets them.
func (a *Agent) takeOpenOrders() []models.Cancel {
	out := a.openOrders
	a.openOrders = nil
	return out
}

// Reset restores the configured account and clears trait and leader state.
// Tracked orders still rest in the book and the current step's stats are
// settled after events run, so both are kept.
func (a *Agent) Reset() {
	a.Account = a.initial.Clone()
	a.TraitMemory = 0
	a.LeaderScore = 0
	a.LeaderRank = 0
	a.IsLeader = false
}

// primaryMarket is the instrument single-asset traders act on.
func (a *Agent) primaryMarket() string {
	if len(a.Markets) == 0 {
		return ""
	}
	return a.Markets[0]
}
