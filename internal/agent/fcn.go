package agent

import (
	"math"
	"math/rand"

	"github.com/rewired-gh/marketppo/internal/market"
	"github.com/rewired-gh/marketppo/internal/models"
	"github.com/rewired-gh/marketppo/internal/simconfig"
)

// fcnWeights are the per-agent draws shared by FCN and aFCN traders.
type fcnWeights struct {
	fundamental    float64
	chart          float64
	noise          float64
	noiseScale     float64
	timeWindow     int
	meanReversion  int
	margin         float64
	orderVolume    int64
	chartFollowing bool
}

func drawFCNWeights(b simconfig.Block, rng *rand.Rand) (fcnWeights, error) {
	var w fcnWeights
	draw := func(key string, def float64) (float64, error) {
		r, err := b.Random(key, def)
		if err != nil {
			return 0, err
		}
		return r.Draw(rng), nil
	}
	var err error
	if w.fundamental, err = draw("fundamentalWeight", 1); err != nil {
		return w, err
	}
	if w.chart, err = draw("chartWeight", 0); err != nil {
		return w, err
	}
	if w.noise, err = draw("noiseWeight", 1); err != nil {
		return w, err
	}
	if w.noiseScale, err = draw("noiseScale", 0.0001); err != nil {
		return w, err
	}
	tw, err := draw("timeWindowSize", 100)
	if err != nil {
		return w, err
	}
	w.timeWindow = int(tw)
	w.meanReversion = w.timeWindow
	if b.Has("meanReversionTime") {
		mr, err := draw("meanReversionTime", tw)
		if err != nil {
			return w, err
		}
		w.meanReversion = int(mr)
	}
	if w.margin, err = draw("orderMargin", 0); err != nil {
		return w, err
	}
	w.orderVolume = int64(b.Int("orderVolume", 1))
	if w.orderVolume < 1 {
		w.orderVolume = 1
	}
	w.chartFollowing = b.Bool("isChartFollowing", true)
	if w.fundamental < 0 || w.chart < 0 || w.noise < 0 {
		return w, &simconfig.ConfigError{Path: b.Name(), Msg: "FCN weights must not be negative"}
	}
	if w.timeWindow < 0 {
		w.timeWindow = 0
	}
	return w, nil
}

// signalNoise is the extra noise log-return an LLM-aware agent reads from
// the signal feed.
func signalNoise(v *View, a *Agent, scale float64) float64 {
	if !a.LLMAware() || v.Signals == nil {
		return 0
	}
	return scale * v.Signals.Direction(v.Session.Name, v.SessionStep) * v.Signals.Agreement(v.Session.Name, v.SessionStep)
}

// FCNTrader mixes fundamentalist, chartist and noise expectations and places
// a single limit order around the expected future price.
type FCNTrader struct {
	w fcnWeights
}

func (t *FCNTrader) Decide(v *View, a *Agent, rng *rand.Rand) (Decision, error) {
	in, ok := v.Market.Instrument(a.primaryMarket())
	if !ok {
		return Decision{}, nil
	}
	w := t.w
	total := w.fundamental + w.chart + w.noise
	if total <= 0 {
		return Decision{}, nil
	}

	now := v.Market.Time()
	window := min(now, w.timeWindow)
	mp := in.MarketPrice()

	fundamentalReturn := math.Log(in.FundamentalPrice()/mp) / float64(max(w.meanReversion, 1))
	chartReturn := math.Log(mp/in.PriceAt(now-window)) / float64(max(window, 1))
	if !w.chartFollowing {
		chartReturn = -chartReturn
	}
	noiseReturn := w.noiseScale*rng.NormFloat64() + signalNoise(v, a, w.noiseScale)

	expected := (w.fundamental*fundamentalReturn + w.chart*chartReturn + w.noise*noiseReturn) / total
	future := mp * math.Exp(expected*float64(window))
	if !isFinite(future) || future <= 0 {
		return Decision{}, nil
	}

	o := models.Order{
		AgentID: a.ID,
		Market:  in.Name(),
		Kind:    models.KindLimit,
		Volume:  w.orderVolume,
		TTL:     max(window, 1),
	}
	if future > mp {
		o.Side = models.SideBuy
		o.Price = in.ToTicks(future * (1 - w.margin))
	} else {
		o.Side = models.SideSell
		o.Price = in.ToTicks(future * (1 + w.margin))
	}
	return Decision{Orders: []models.Order{o}}, nil
}

// AFCNTrader is the asymmetric FCN trader: chart and noise weights grow
// when the observed return is negative, and order size follows a CARA
// demand curve. It only places limit orders and cancels its unexecuted
// orders before placing new ones.
type AFCNTrader struct {
	w                 fcnWeights
	feedbackAsymmetry float64
	noiseAsymmetry    float64
	riskAversion      float64
}

func newAFCNTrader(b simconfig.Block, rng *rand.Rand) (*AFCNTrader, error) {
	w, err := drawFCNWeights(b, rng)
	if err != nil {
		return nil, err
	}
	t := &AFCNTrader{w: w}
	for _, p := range []struct {
		key string
		dst *float64
		def float64
	}{
		{"feedbackAsymmetry", &t.feedbackAsymmetry, 0},
		{"noiseAsymmetry", &t.noiseAsymmetry, 0},
		{"riskAversionTerm", &t.riskAversion, 0.1},
	} {
		r, err := b.Random(p.key, p.def)
		if err != nil {
			return nil, err
		}
		*p.dst = r.Draw(rng)
	}
	if t.riskAversion <= 0 {
		return nil, &simconfig.ConfigError{Path: b.Name() + ".riskAversionTerm", Msg: "must be positive"}
	}
	return t, nil
}

func (t *AFCNTrader) Decide(v *View, a *Agent, rng *rand.Rand) (Decision, error) {
	d := Decision{Cancels: a.takeOpenOrders()}
	in, ok := v.Market.Instrument(a.primaryMarket())
	if !ok {
		return d, nil
	}

	now := v.Market.Time()
	window := min(now, t.w.timeWindow)
	mp := in.MarketPrice()

	// temporal weights
	chartLogReturn := 100 * math.Log(mp/in.PriceAt(now-window)) / float64(max(window, 1))
	chartWeight := math.Max(0, t.w.chart-math.Min(0, t.feedbackAsymmetry*chartLogReturn))
	noiseWeight := math.Max(0, t.w.noise-math.Min(0, t.noiseAsymmetry*chartLogReturn))
	fundamentalWeight := t.w.fundamental
	total := fundamentalWeight + chartWeight + noiseWeight
	if total <= 0 {
		return d, nil
	}

	window = min(now, int(float64(window)*(1+fundamentalWeight)/(1+chartWeight)))
	riskAversion := t.riskAversion * (1 + fundamentalWeight) / (1 + chartWeight)

	fundamentalReturn := math.Log(in.FundamentalPrice()/mp) / float64(max(t.w.meanReversion, 1))
	chartReturn := math.Log(mp/in.PriceAt(now-window)) / float64(max(window, 1))
	noiseReturn := t.w.noiseScale*rng.NormFloat64() + signalNoise(v, a, t.w.noiseScale)
	expected := (fundamentalWeight*fundamentalReturn + chartWeight*chartReturn + noiseWeight*noiseReturn) / total
	future := mp * math.Exp(expected*float64(t.w.timeWindow))
	if !isFinite(future) || future <= 0 {
		return d, nil
	}

	volatility := expectedVolatility(in, now, window)
	o, ok := t.order(in, a, v.Market.Params().MaxOrderVolume, future, volatility, riskAversion, rng)
	if ok {
		d.Orders = append(d.Orders, o)
	}
	return d, nil
}

// order draws a price between the minimum buy price and the expected future
// price and sizes the order from the demand curve.
func (t *AFCNTrader) order(in *market.Instrument, a *Agent, maxVolume int64, future, volatility, riskAversion float64, rng *rand.Rand) (models.Order, bool) {
	asset := float64(a.Account.Asset(in.Name()))
	cash := a.Account.Cash.InexactFloat64()
	demand := func(p float64) float64 {
		return math.Log(future/p) / (riskAversion * volatility * p)
	}

	const lower = 1e-10
	satisfaction := findRoot(func(p float64) float64 { return demand(p) - asset }, lower, future, future)
	minBuy := findRoot(func(p float64) float64 { return cash - p*(demand(p)-asset) }, lower, satisfaction, lower)
	maxSell := future

	price := minBuy + (maxSell-minBuy)*rng.Float64()
	o := models.Order{AgentID: a.ID, Market: in.Name(), Kind: models.KindLimit, TTL: max(t.w.timeWindow, 1)}
	var volume float64
	if price < satisfaction {
		o.Side = models.SideBuy
		best, ok := in.BestAsk()
		if !ok {
			best = in.MarketPrice()
		}
		if best < price {
			price = clampFloat(best, minBuy, maxSell)
		}
		volume = demand(price) - asset
	} else {
		o.Side = models.SideSell
		best, ok := in.BestBid()
		if !ok {
			best = in.MarketPrice()
		}
		if price < best {
			price = clampFloat(best, minBuy, maxSell)
		}
		volume = asset - demand(price)
	}
	if !isFinite(volume) || volume < 1 {
		return o, false
	}
	o.Volume = int64(math.Min(volume, float64(maxVolume)))
	o.Price = in.ToTicks(price)
	return o, true
}

// expectedVolatility is the variance of log returns over the window, floored
// so that a flat price history still yields a finite demand.
func expectedVolatility(in *market.Instrument, now, window int) float64 {
	prices := in.Prices(now-window, now)
	if len(prices) < 2 {
		return 1e-10
	}
	returns := make([]float64, len(prices)-1)
	sum := 0.0
	for i := 1; i < len(prices); i++ {
		returns[i-1] = math.Log(prices[i] / prices[i-1])
		sum += returns[i-1]
	}
	mean := sum / (float64(window) + 1e-10)
	variance := 0.0
	for _, r := range returns {
		variance += (r - mean) * (r - mean)
	}
	variance /= float64(window) + 1e-10
	return math.Max(1e-10, variance)
}

// findRoot bisects f on [lo, hi]. When f does not change sign it returns
// fallback.
func findRoot(f func(float64) float64, lo, hi, fallback float64) float64 {
	flo, fhi := f(lo), f(hi)
	if !isFinite(flo) || !isFinite(fhi) || flo*fhi > 0 || hi <= lo {
		return fallback
	}
	if flo == 0 {
		return lo
	}
	if fhi == 0 {
		return hi
	}
	for i := 0; i < 200 && hi-lo > 1e-12*math.Max(1, math.Abs(hi)); i++ {
		mid := 0.5 * (lo + hi)
		fm := f(mid)
		if fm == 0 {
			return mid
		}
		if (fm < 0) == (flo < 0) {
			lo, flo = mid, fm
		} else {
			hi = mid
		}
	}
	return 0.5 * (lo + hi)
}

func isFinite(x float64) bool {
	return !math.IsNaN(x) && !math.IsInf(x, 0)
}

func clampFloat(x, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, x))
}
