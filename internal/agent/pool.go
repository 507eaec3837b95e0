package agent

import (
	"fmt"
	"math/rand"
	"sort"

	"github.com/shopspring/decimal"

	"github.com/rewired-gh/marketppo/internal/market"
	"github.com/rewired-gh/marketppo/internal/models"
	"github.com/rewired-gh/marketppo/internal/simconfig"
)

// defaultRLOrderTTL bounds how long a learning agent's limit order rests.
const defaultRLOrderTTL = 10

// BuildOptions carry run-wide settings into the agent factory.
type BuildOptions struct {
	Params      market.Params
	TraitMemory float64
	Observer    Observer
	// Policies maps RLAgent group names to the policy they act through.
	Policies map[string]Predictor
}

// Pool holds every agent of one simulation instance, ordered by id.
type Pool struct {
	agents      []*Agent
	byID        map[int]*Agent
	params      market.Params
	traitMemory float64
}

// BlockFlags reads the observation and order flags of an agent block.
func BlockFlags(b simconfig.Block) Flags {
	return Flags{
		GetOFI:           b.Bool("getOFI", false),
		GetLeaderBoard:   b.Bool("getLeaderBoard", false),
		OnlyMarketOrders: b.Bool("onlyMarketOrders", false),
		LLMAware:         b.Bool("llmAware", false),
	}
}

// Build instantiates the agent groups of doc. Per-agent random parameters are
// drawn from rng in group then id order.
func Build(doc *simconfig.Document, opts BuildOptions, rng *rand.Rand) (*Pool, error) {
	p := &Pool{byID: make(map[int]*Agent), params: opts.Params, traitMemory: opts.TraitMemory}
	nextID := 1
	for _, group := range doc.Agents {
		b, ok := doc.Block(group)
		if !ok {
			return nil, &simconfig.ConfigError{Path: group, Msg: "missing agent block"}
		}
		markets := b.Strings("markets")
		if len(markets) == 0 {
			markets = doc.Markets
		}
		flags := BlockFlags(b)
		cash := decimal.NewFromFloat(b.Float("cashAmount", 0))
		assets := make(map[string]int64, len(markets))
		for _, m := range markets {
			assets[m] = int64(b.Int("assetVolume", 0))
		}

		for i := 0; i < b.Int("numAgents", 1); i++ {
			trader, err := newTrader(b, group, opts, rng)
			if err != nil {
				return nil, err
			}
			acct := NewAccount(cash, assets)
			a := &Agent{
				ID:      nextID,
				Group:   group,
				Class:   b.Class(),
				Flags:   flags,
				Markets: markets,
				Account: acct,
				trader:  trader,
				initial: acct.Clone(),
			}
			nextID++
			p.agents = append(p.agents, a)
			p.byID[a.ID] = a
		}
	}
	return p, nil
}

func newTrader(b simconfig.Block, group string, opts BuildOptions, rng *rand.Rand) (Trader, error) {
	switch b.Class() {
	case simconfig.ClassRLAgent:
		pol, ok := opts.Policies[group]
		if !ok || pol == nil {
			return nil, &simconfig.ConfigError{Path: group, Msg: "no policy is bound to this RLAgent group"}
		}
		return &RLTrader{policy: pol, observer: opts.Observer, orderTTL: b.Int("orderTTL", defaultRLOrderTTL)}, nil
	case simconfig.ClassFCNAgent:
		w, err := drawFCNWeights(b, rng)
		if err != nil {
			return nil, err
		}
		return &FCNTrader{w: w}, nil
	case simconfig.ClassAFCNAgent:
		return newAFCNTrader(b, rng)
	case simconfig.ClassLLMAwareAgent:
		return newLLMAwareTrader(b, rng)
	default:
		return nil, &simconfig.ConfigError{Path: group + ".class", Msg: fmt.Sprintf("unknown class %q", b.Class())}
	}
}

// NewPool assembles a pool from prebuilt agents; used by tests and tools.
func NewPool(params market.Params, traitMemory float64, agents ...*Agent) *Pool {
	p := &Pool{byID: make(map[int]*Agent), params: params, traitMemory: traitMemory}
	for _, a := range agents {
		if a.initial == nil {
			a.initial = a.Account.Clone()
		}
		p.agents = append(p.agents, a)
		p.byID[a.ID] = a
	}
	sort.Slice(p.agents, func(i, j int) bool { return p.agents[i].ID < p.agents[j].ID })
	return p
}

// NewAgent builds a standalone agent around a trader.
func NewAgent(id int, group, class string, flags Flags, markets []string, acct *Account, trader Trader) *Agent {
	return &Agent{ID: id, Group: group, Class: class, Flags: flags, Markets: markets, Account: acct, trader: trader, initial: acct.Clone()}
}

func (p *Pool) Agents() []*Agent { return p.agents }
func (p *Pool) Len() int         { return len(p.agents) }

func (p *Pool) Get(id int) (*Agent, bool) {
	a, ok := p.byID[id]
	return a, ok
}

// Learners returns the agents that record transitions, in id order.
func (p *Pool) Learners() []*Agent {
	var out []*Agent
	for _, a := range p.agents {
		if a.Learns() {
			out = append(out, a)
		}
	}
	return out
}

// Leaders returns the agents currently flagged as leaders, in rank order.
func (p *Pool) Leaders() []*Agent {
	var out []*Agent
	for _, a := range p.agents {
		if a.IsLeader {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LeaderRank < out[j].LeaderRank })
	return out
}

// Reset restores every agent to its configured state.
func (p *Pool) Reset() {
	for _, a := range p.agents {
		a.Reset()
	}
}

// RankLeaders orders agents by leaderScore, ties broken by lower id, and
// flags the first numLeaders as leaders.
func (p *Pool) RankLeaders(numLeaders int) {
	ranked := make([]*Agent, len(p.agents))
	copy(ranked, p.agents)
	sort.SliceStable(ranked, func(i, j int) bool {
		if ranked[i].LeaderScore != ranked[j].LeaderScore {
			return ranked[i].LeaderScore > ranked[j].LeaderScore
		}
		return ranked[i].ID < ranked[j].ID
	})
	for i, a := range ranked {
		a.LeaderRank = i + 1
		a.IsLeader = i < numLeaders
	}
}

// leaderFeatures returns the agent's rank scaled to [0, 1] (1 is the top,
// 0 when unranked) and the mean trait memory of the current leaders.
func (p *Pool) leaderFeatures(a *Agent) (float64, float64) {
	var rank float64
	if a.LeaderRank > 0 {
		rank = 1
		if n := len(p.agents); n > 1 {
			rank = 1 - float64(a.LeaderRank-1)/float64(n-1)
		}
	}
	leaders := p.Leaders()
	if len(leaders) == 0 {
		return rank, 0
	}
	dir := 0.0
	for _, l := range leaders {
		dir += l.TraitMemory
	}
	return rank, dir / float64(len(leaders))
}

// BeginStep clears per-step stats.
func (p *Pool) BeginStep() {
	for _, a := range p.agents {
		a.step = StepStats{}
	}
}

// RecordFills computes each agent's fill PnL, marked to the post-step market
// price, its traded volume and the execution bonus, without touching accounts.
func (p *Pool) RecordFills(fills []models.Fill, m *market.Market) {
	filled := make(map[int]map[int64]bool)
	mark := func(agentID int, orderID int64) {
		if filled[agentID] == nil {
			filled[agentID] = make(map[int64]bool)
		}
		filled[agentID][orderID] = true
	}
	for _, f := range fills {
		in, ok := m.Instrument(f.Market)
		if !ok {
			continue
		}
		price := in.FromTicks(f.Price)
		post := in.MarketPrice()
		vol := float64(f.Volume)
		if buyer, ok := p.byID[f.BuyAgent]; ok {
			buyer.step.FillPnL += (post - price) * vol
			buyer.step.Volume += f.Volume
			buyer.step.NetVolume += f.Volume
			mark(buyer.ID, f.BuyOrderID)
		}
		if seller, ok := p.byID[f.SellAgent]; ok {
			seller.step.FillPnL += (price - post) * vol
			seller.step.Volume += f.Volume
			seller.step.NetVolume -= f.Volume
			mark(seller.ID, f.SellOrderID)
		}
	}
	for id, orders := range filled {
		a := p.byID[id]
		a.step.FilledOrders = len(orders)
		a.step.Bonus = p.params.ExecutionBonus * float64(len(orders))
	}
}

// Settle moves cash and assets for each fill. Volume sold into a negative
// position costs short_selling_penalty per unit, deducted from cash.
func (p *Pool) Settle(fills []models.Fill, m *market.Market) {
	penaltyRate := decimal.NewFromFloat(p.params.ShortSellingPenalty)
	for _, f := range fills {
		in, ok := m.Instrument(f.Market)
		if !ok {
			continue
		}
		price := decimal.NewFromFloat(in.TickSize()).Mul(decimal.NewFromInt(f.Price))
		if buyer, ok := p.byID[f.BuyAgent]; ok {
			buyer.Account.Trade(f.Market, price, f.Volume)
		}
		if seller, ok := p.byID[f.SellAgent]; ok {
			before := seller.Account.Asset(f.Market)
			after := before - f.Volume
			shorted := max(0, -after) - max(0, -before)
			if shorted > 0 && p.params.ShortSellingPenalty > 0 {
				penalty := penaltyRate.Mul(decimal.NewFromInt(shorted))
				seller.Account.Cash = seller.Account.Cash.Sub(penalty)
				seller.step.Penalty += penalty.InexactFloat64()
			}
			seller.Account.Trade(f.Market, price, -f.Volume)
		}
	}
}

// UpdateTraits decays each agent's trait memory toward the sign of its net
// traded volume this step.
func (p *Pool) UpdateTraits() {
	m := p.traitMemory
	for _, a := range p.agents {
		var s float64
		switch {
		case a.step.NetVolume > 0:
			s = 1
		case a.step.NetVolume < 0:
			s = -1
		}
		a.TraitMemory = m*a.TraitMemory + (1-m)*s
	}
}

// PayDividend credits cash per unit held; short positions receive nothing.
func (p *Pool) PayDividend(a *Agent, market string, perUnit float64) {
	held := a.Account.Asset(market)
	if held <= 0 || perUnit == 0 {
		return
	}
	amount := decimal.NewFromFloat(perUnit).Mul(decimal.NewFromInt(held))
	a.Account.Cash = a.Account.Cash.Add(amount)
	a.step.Dividend += amount.InexactFloat64()
}

// RecordRejection counts a refused submission against the agent.
func (a *Agent) RecordRejection() { a.step.Rejections++ }

// Reward is the step's fill PnL plus execution bonus minus penalties.
func (a *Agent) Reward() float64 {
	return a.step.FillPnL + a.step.Bonus - a.step.Penalty
}
