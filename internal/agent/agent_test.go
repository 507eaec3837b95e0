package agent

import (
	"math"
	"math/rand"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/rewired-gh/marketppo/internal/market"
	"github.com/rewired-gh/marketppo/internal/models"
	"github.com/rewired-gh/marketppo/internal/policy"
	"github.com/rewired-gh/marketppo/internal/signal"
	"github.com/rewired-gh/marketppo/internal/simconfig"
)

func testParams() market.Params {
	return market.Params{DepthRange: 0.2, LimitOrderRange: 0.2, MaxOrderVolume: 10, ShortSellingPenalty: 0.5, ExecutionBonus: 0.1}
}

func newMarket(t *testing.T, price, fundamental float64) *market.Market {
	t.Helper()
	m, err := market.New(testParams(), []market.Settings{{Name: "Market", TickSize: 1, MarketPrice: price, FundamentalPrice: fundamental}}, rand.New(rand.NewSource(1)))
	require.NoError(t, err)
	return m
}

func account(cash int64, asset int64) *Account {
	return NewAccount(decimal.NewFromInt(cash), map[string]int64{"Market": asset})
}

type fixedPredictor struct {
	action []float64
	calls  int
}

func (f *fixedPredictor) Predict(obs []float64, deterministic bool, rng *rand.Rand) (policy.Prediction, error) {
	f.calls++
	return policy.Prediction{Action: f.action, Value: 0.5, LogProb: -1}, nil
}

const poolDoc = `{
	"simulation": {"markets": ["Market"], "agents": ["FCN", "AFCN", "LLM", "RL"], "sessions": [{"iterationSteps": 5}]},
	"Market": {"class": "Market", "tickSize": 1, "marketPrice": 100},
	"FCN": {"class": "FCNAgent", "numAgents": 3, "cashAmount": 1000, "assetVolume": 10,
		"fundamentalWeight": {"expon": [1.0]}, "chartWeight": [0, 1], "noiseWeight": 1, "timeWindowSize": [10, 20]},
	"AFCN": {"extends": "FCN", "class": "aFCNAgent", "numAgents": 2, "feedbackAsymmetry": 0.5, "riskAversionTerm": 0.1},
	"LLM": {"class": "LLMAwareAgent", "numAgents": 1, "cashAmount": 500, "orderVolume": 2},
	"RL": {"class": "RLAgent", "numAgents": 2, "cashAmount": 2000, "getOFI": true, "onlyMarketOrders": true}
}`

func TestBuild(t *testing.T) {
	doc, err := simconfig.Parse([]byte(poolDoc))
	require.NoError(t, err)
	pred := &fixedPredictor{action: []float64{0, 0, 0}}

	p, err := Build(doc, BuildOptions{Params: testParams(), TraitMemory: 0.9, Policies: map[string]Predictor{"RL": pred}}, rand.New(rand.NewSource(1)))
	require.NoError(t, err)
	require.Equal(t, 8, p.Len())
	for i, a := range p.Agents() {
		assert.Equal(t, i+1, a.ID)
	}

	learners := p.Learners()
	require.Len(t, learners, 2)
	assert.Equal(t, 7, learners[0].ID)
	assert.True(t, learners[0].Flags.GetOFI)
	assert.True(t, learners[0].Flags.OnlyMarketOrders)
	assert.True(t, decimal.NewFromInt(2000).Equal(learners[0].Account.Cash))

	afcn, _ := p.Get(4)
	assert.Equal(t, simconfig.ClassAFCNAgent, afcn.Class)
	assert.Equal(t, int64(10), afcn.Account.Asset("Market"), "inherited assetVolume")

	llm, _ := p.Get(6)
	assert.True(t, llm.LLMAware())

	_, err = Build(doc, BuildOptions{Params: testParams()}, rand.New(rand.NewSource(1)))
	var cfgErr *simconfig.ConfigError
	assert.ErrorAs(t, err, &cfgErr, "RL group without a policy")
}

func TestBuild_SeededDrawsReproducible(t *testing.T) {
	doc, err := simconfig.Parse([]byte(poolDoc))
	require.NoError(t, err)
	opts := BuildOptions{Params: testParams(), Policies: map[string]Predictor{"RL": &fixedPredictor{}}}
	a, err := Build(doc, opts, rand.New(rand.NewSource(9)))
	require.NoError(t, err)
	b, err := Build(doc, opts, rand.New(rand.NewSource(9)))
	require.NoError(t, err)
	for i := range a.Agents() {
		assert.Equal(t, a.Agents()[i].trader, b.Agents()[i].trader)
	}
}

func TestMarketBuySettlement(t *testing.T) {
	m := newMarket(t, 5, 5)
	buyer := NewAgent(1, "g", simconfig.ClassRLAgent, Flags{}, []string{"Market"}, account(100, 0), nil)
	seller := NewAgent(2, "g", simconfig.ClassFCNAgent, Flags{}, []string{"Market"}, account(0, 10), nil)
	p := NewPool(testParams(), 0.5, buyer, seller)

	require.True(t, m.Submit(models.Order{AgentID: 2, Market: "Market", Side: models.SideSell, Kind: models.KindLimit, Price: 5, Volume: 10}, seller.Account.Funds("Market")).Accepted)
	m.MatchStep()
	require.True(t, m.Submit(models.Order{AgentID: 1, Market: "Market", Side: models.SideBuy, Kind: models.KindMarket, Volume: 5}, buyer.Account.Funds("Market")).Accepted)

	p.BeginStep()
	fills := m.MatchStep()
	m.AdvancePrice(fills)
	p.RecordFills(fills, m)
	p.Settle(fills, m)

	assert.True(t, decimal.NewFromInt(75).Equal(buyer.Account.Cash), "buyer cash %s", buyer.Account.Cash)
	assert.Equal(t, int64(5), buyer.Account.Asset("Market"))
	assert.True(t, decimal.NewFromInt(25).Equal(seller.Account.Cash))
	assert.Equal(t, int64(5), seller.Account.Asset("Market"))

	assert.Equal(t, 1, buyer.Step().FilledOrders)
	assert.InDelta(t, 0.1, buyer.Reward(), 1e-12, "zero PnL at the fill price plus one bonus")
}

func TestSettle_ShortSellingPenalty(t *testing.T) {
	m := newMarket(t, 10, 10)
	buyer := NewAgent(1, "g", "", Flags{}, []string{"Market"}, account(1000, 0), nil)
	seller := NewAgent(2, "g", "", Flags{}, []string{"Market"}, account(0, 2), nil)
	p := NewPool(testParams(), 0.5, buyer, seller)

	fills := []models.Fill{{Market: "Market", Price: 10, Volume: 5, BuyAgent: 1, SellAgent: 2, BuyOrderID: 1, SellOrderID: 2}}
	p.BeginStep()
	p.RecordFills(fills, m)
	p.Settle(fills, m)

	assert.Equal(t, int64(-3), seller.Account.Asset("Market"))
	assert.InDelta(t, 1.5, seller.Step().Penalty, 1e-12, "three units sold short")
	assert.True(t, decimal.NewFromFloat(48.5).Equal(seller.Account.Cash))
	assert.InDelta(t, 0.1-1.5, seller.Reward(), 1e-12)
}

func TestProperty_SettlementConservesValue(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		params := testParams()
		params.ShortSellingPenalty = rapid.Float64Range(0, 2).Draw(t, "penalty")
		m, err := market.New(params, []market.Settings{{Name: "Market", TickSize: 0.5, MarketPrice: 100}}, rand.New(rand.NewSource(1)))
		if err != nil {
			t.Fatal(err)
		}
		n := rapid.IntRange(2, 6).Draw(t, "agents")
		agents := make([]*Agent, n)
		for i := range agents {
			agents[i] = NewAgent(i+1, "g", "", Flags{}, []string{"Market"}, account(rapid.Int64Range(0, 5000).Draw(t, "cash"), rapid.Int64Range(-5, 20).Draw(t, "asset")), nil)
		}
		p := NewPool(params, 0.9, agents...)

		var fills []models.Fill
		for i := rapid.IntRange(0, 20).Draw(t, "fills"); i > 0; i-- {
			fills = append(fills, models.Fill{
				Market:    "Market",
				Price:     rapid.Int64Range(150, 250).Draw(t, "price"),
				Volume:    rapid.Int64Range(1, 10).Draw(t, "volume"),
				BuyAgent:  rapid.IntRange(1, n).Draw(t, "buyer"),
				SellAgent: rapid.IntRange(1, n).Draw(t, "seller"),
			})
		}
		mark := rapid.Float64Range(50, 150).Draw(t, "mark")
		value := func() float64 {
			total := 0.0
			for _, a := range agents {
				total += a.Account.Wealth(func(string) float64 { return mark })
			}
			return total
		}

		before := value()
		p.BeginStep()
		p.Settle(fills, m)
		penalties := 0.0
		for _, a := range agents {
			penalties += a.Step().Penalty
		}
		if diff := before - value() - penalties; math.Abs(diff) > 1e-6 {
			t.Fatalf("value changed by %v beyond penalties %v", diff, penalties)
		}
	})
}

func TestRankLeaders(t *testing.T) {
	a := NewAgent(2, "g", "", Flags{}, nil, account(0, 0), nil)
	b := NewAgent(1, "g", "", Flags{}, nil, account(0, 0), nil)
	c := NewAgent(3, "g", "", Flags{}, nil, account(0, 0), nil)
	p := NewPool(testParams(), 0.5, a, b, c)

	a.LeaderScore, b.LeaderScore, c.LeaderScore = 10, 5, -1
	p.RankLeaders(1)
	assert.Equal(t, 1, a.LeaderRank, "strictly higher PnL ranks first")
	assert.Equal(t, 2, b.LeaderRank)
	assert.True(t, a.IsLeader)
	assert.False(t, b.IsLeader)

	a.LeaderScore, b.LeaderScore = 5, 5
	p.RankLeaders(1)
	assert.Equal(t, 1, b.LeaderRank, "tie goes to the lower id")
	assert.Equal(t, 2, a.LeaderRank)
	assert.Equal(t, []*Agent{b}, p.Leaders())

	b.TraitMemory = -0.4
	rank, dir := p.leaderFeatures(a)
	assert.InDelta(t, 0.5, rank, 1e-12)
	assert.InDelta(t, -0.4, dir, 1e-12)
}

func TestUpdateTraits(t *testing.T) {
	a := NewAgent(1, "g", "", Flags{}, nil, account(0, 0), nil)
	p := NewPool(testParams(), 0.75, a)

	a.step.NetVolume = 3
	p.UpdateTraits()
	assert.InDelta(t, 0.25, a.TraitMemory, 1e-12)
	a.step.NetVolume = -1
	p.UpdateTraits()
	assert.InDelta(t, 0.75*0.25-0.25, a.TraitMemory, 1e-12)
	a.step.NetVolume = 0
	p.UpdateTraits()
	assert.InDelta(t, 0.75*(0.75*0.25-0.25), a.TraitMemory, 1e-12)
}

func TestPayDividend(t *testing.T) {
	long := NewAgent(1, "g", "", Flags{}, nil, account(0, 4), nil)
	short := NewAgent(2, "g", "", Flags{}, nil, account(0, -4), nil)
	p := NewPool(testParams(), 0.5, long, short)
	p.PayDividend(long, "Market", 0.25)
	p.PayDividend(short, "Market", 0.25)
	assert.True(t, decimal.NewFromInt(1).Equal(long.Account.Cash))
	assert.True(t, short.Account.Cash.IsZero())
}

func TestPool_ResetKeepsTrackingAndStepStats(t *testing.T) {
	a := NewAgent(1, "g", simconfig.ClassRLAgent, Flags{}, []string{"Market"}, account(100, 3), nil)
	p := NewPool(testParams(), 0.5, a)

	p.BeginStep()
	a.Account.Trade("Market", decimal.NewFromInt(10), 2)
	a.Track("Market", 7)
	a.RecordRejection()
	a.TraitMemory = 0.4
	a.IsLeader = true

	p.Reset()
	assert.True(t, decimal.NewFromInt(100).Equal(a.Account.Cash))
	assert.Equal(t, int64(3), a.Account.Asset("Market"))
	assert.Zero(t, a.TraitMemory)
	assert.False(t, a.IsLeader)
	assert.Equal(t, 1, a.Step().Rejections, "settlement still sees this step's stats")
	assert.Equal(t, []models.Cancel{{AgentID: 1, Market: "Market", OrderID: 7}}, a.takeOpenOrders())
}

func TestDecodeAction(t *testing.T) {
	m := newMarket(t, 100, 100)
	in, _ := m.Instrument("Market")
	p := testParams()

	tests := []struct {
		name       string
		action     []float64
		onlyMarket bool
		ok         bool
		side       models.Side
		kind       models.OrderKind
	}{
		{"zero size", []float64{0, 0, 0}, false, false, 0, 0},
		{"buy limit", []float64{3, 0, -1}, false, true, models.SideBuy, models.KindLimit},
		{"sell market", []float64{-3, 0, 1}, false, true, models.SideSell, models.KindMarket},
		{"forced market", []float64{3, 0, -1}, true, true, models.SideBuy, models.KindMarket},
		{"short action", []float64{3}, false, false, 0, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			o, ok := DecodeAction(tt.action, in, p, tt.onlyMarket)
			require.Equal(t, tt.ok, ok)
			if !ok {
				return
			}
			assert.Equal(t, tt.side, o.Side)
			assert.Equal(t, tt.kind, o.Kind)
			assert.LessOrEqual(t, o.Volume, p.MaxOrderVolume)
		})
	}

	// extreme offsets stay inside both bands, so the market accepts them
	rich := market.Funds{Cash: decimal.NewFromInt(1_000_000), Asset: 100}
	for _, off := range []float64{-50, 50} {
		for _, side := range []float64{5, -5} {
			o, ok := DecodeAction([]float64{side, off, -1}, in, p, false)
			require.True(t, ok)
			o.AgentID = 1
			res := m.Submit(o, rich)
			assert.True(t, res.Accepted, "offset %v side %v: %s", off, side, res.Reason)
		}
	}
}

func TestRLTrader_RecordsTransition(t *testing.T) {
	m := newMarket(t, 100, 100)
	pred := &fixedPredictor{action: []float64{2, 0, 1}}
	flags := Flags{GetOFI: true, GetLeaderBoard: true}
	a := NewAgent(1, "RL", simconfig.ClassRLAgent, flags, []string{"Market"}, account(1000, 0), &RLTrader{policy: pred, orderTTL: 3})
	p := NewPool(testParams(), 0.5, a)

	v := &View{Market: m, Signals: signal.Empty(), Session: simconfig.Session{Name: "s", IterationSteps: 10}, Pool: p}
	d, err := a.Decide(v, rand.New(rand.NewSource(1)))
	require.NoError(t, err)
	require.NotNil(t, d.Transition)
	assert.Len(t, d.Transition.Observation, ObservationDim(flags))
	assert.Equal(t, 0.5, d.Transition.Value)
	require.Len(t, d.Orders, 1)
	assert.Equal(t, models.KindMarket, d.Orders[0].Kind)
	assert.Equal(t, 1, d.Orders[0].AgentID)
	assert.True(t, a.Learns())
}

func TestFCNTrader_BuysBelowFundamental(t *testing.T) {
	m := newMarket(t, 100, 110)
	for i := 0; i < 10; i++ {
		m.EndStep()
	}
	tr := &FCNTrader{w: fcnWeights{fundamental: 1, timeWindow: 5, meanReversion: 5, orderVolume: 1, chartFollowing: true}}
	a := NewAgent(1, "g", simconfig.ClassFCNAgent, Flags{}, []string{"Market"}, account(1000, 0), tr)

	d, err := a.Decide(&View{Market: m}, rand.New(rand.NewSource(1)))
	require.NoError(t, err)
	require.Len(t, d.Orders, 1)
	assert.Equal(t, models.SideBuy, d.Orders[0].Side)
	assert.Equal(t, int64(110), d.Orders[0].Price)
	assert.Equal(t, 5, d.Orders[0].TTL)
}

func TestAFCNTrader_CancelsThenPlacesLimit(t *testing.T) {
	m := newMarket(t, 100, 120)
	for i := 0; i < 30; i++ {
		m.EndStep()
	}
	tr := &AFCNTrader{
		w:            fcnWeights{fundamental: 1, noise: 0.1, noiseScale: 0.001, timeWindow: 20, meanReversion: 20, chartFollowing: true},
		riskAversion: 0.1,
	}
	a := NewAgent(1, "g", simconfig.ClassAFCNAgent, Flags{}, []string{"Market"}, account(100000, 10), tr)
	a.Track("Market", 42)

	d, err := a.Decide(&View{Market: m}, rand.New(rand.NewSource(3)))
	require.NoError(t, err)
	require.Len(t, d.Cancels, 1)
	assert.Equal(t, int64(42), d.Cancels[0].OrderID)
	for _, o := range d.Orders {
		assert.Equal(t, models.KindLimit, o.Kind)
		assert.Equal(t, 20, o.TTL)
		assert.True(t, o.Volume >= 1 && o.Volume <= testParams().MaxOrderVolume)
	}

	d, err = a.Decide(&View{Market: m}, rand.New(rand.NewSource(3)))
	require.NoError(t, err)
	assert.Empty(t, d.Cancels, "tracked orders are cancelled once")
}

func TestFindRoot(t *testing.T) {
	root := findRoot(func(x float64) float64 { return x*x - 2 }, 0, 2, -1)
	assert.InDelta(t, math.Sqrt2, root, 1e-9)
	assert.Equal(t, -1.0, findRoot(func(x float64) float64 { return x*x + 1 }, 0, 2, -1), "no sign change")
}

func TestLLMAwareTrader_FollowsSignal(t *testing.T) {
	m := newMarket(t, 100, 100)
	feed, err := signal.NewFeed([]models.Signal{{Session: "s", Step: 0, Agreement: 1, Direction: -0.8}})
	require.NoError(t, err)
	tr := &LLMAwareTrader{orderVolume: 2, margin: 0.01, threshold: 0.1}
	a := NewAgent(1, "g", simconfig.ClassLLMAwareAgent, Flags{}, []string{"Market"}, account(1000, 5), tr)

	d, err := a.Decide(&View{Market: m, Signals: feed, Session: simconfig.Session{Name: "s"}, SessionStep: 3}, rand.New(rand.NewSource(1)))
	require.NoError(t, err)
	require.Len(t, d.Orders, 1)
	assert.Equal(t, models.SideSell, d.Orders[0].Side)
	assert.Equal(t, int64(99), d.Orders[0].Price)

	d, err = a.Decide(&View{Market: m, Signals: feed, Session: simconfig.Session{Name: "other"}}, rand.New(rand.NewSource(1)))
	require.NoError(t, err)
	assert.Empty(t, d.Orders)
}

func TestObserver_NormalisesWithRanges(t *testing.T) {
	m := newMarket(t, 100, 100)
	a := NewAgent(1, "g", simconfig.ClassRLAgent, Flags{}, []string{"Market"}, account(500, 5), nil)
	obs := Observer{Ranges: simconfig.VariableRanges{"cash_ratio": {0, 1}}, DepthRange: 0.1}
	v := &View{Market: m, Session: simconfig.Session{Name: "s", IterationSteps: 4}, SessionStep: 2}

	x := obs.Observe(v, a)
	require.Len(t, x, ObservationDim(Flags{}))
	assert.InDelta(t, 0.0, x[0], 1e-12, "cash ratio 0.5 maps to the middle of [0, 1]")
	assert.InDelta(t, 0.5, x[len(x)-1], 1e-12, "session progress passes through")
}
