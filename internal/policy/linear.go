package policy

import (
	"errors"
	"fmt"
	"math"
	"math/rand"
	"sync"

	"github.com/bytedance/sonic"
)

const (
	minLogStd = -5.0
	maxLogStd = 2.0
)

var logSqrt2Pi = 0.5 * math.Log(2*math.Pi)

// ErrNonFinite is returned when gradients or parameters stop being finite.
var ErrNonFinite = errors.New("policy: non-finite values")

// LinearGaussianConfig configures a LinearGaussian policy.
type LinearGaussianConfig struct {
	ObservationDim int
	ActionDim      int
	InitLogStd     float64
	InitScale      float64
	EntropyCoef    float64
}

// DefaultLinearGaussianConfig returns sensible defaults for the given dimensions.
func DefaultLinearGaussianConfig(obsDim, actDim int) LinearGaussianConfig {
	return LinearGaussianConfig{
		ObservationDim: obsDim,
		ActionDim:      actDim,
		InitLogStd:     -0.5,
		InitScale:      0.01,
		EntropyCoef:    0.01,
	}
}

// LinearGaussian is a diagonal Gaussian actor whose mean is linear in the
// observation, with a state-independent learned log standard deviation, and a
// linear critic. Gradients are analytic and updates are plain SGD.
type LinearGaussian struct {
	mu          sync.RWMutex
	obsDim      int
	actDim      int
	entropyCoef float64

	w      [][]float64 // actDim x obsDim
	b      []float64
	logStd []float64
	v      []float64
	c      float64
}

// NewLinearGaussian builds a policy with weights drawn from rng.
func NewLinearGaussian(cfg LinearGaussianConfig, rng *rand.Rand) (*LinearGaussian, error) {
	if cfg.ObservationDim < 1 || cfg.ActionDim < 1 {
		return nil, fmt.Errorf("%w: observation and action dimensions must be positive", ErrShape)
	}
	p := &LinearGaussian{
		obsDim:      cfg.ObservationDim,
		actDim:      cfg.ActionDim,
		entropyCoef: cfg.EntropyCoef,
		w:           make([][]float64, cfg.ActionDim),
		b:           make([]float64, cfg.ActionDim),
		logStd:      make([]float64, cfg.ActionDim),
		v:           make([]float64, cfg.ObservationDim),
	}
	for j := range p.w {
		p.w[j] = make([]float64, cfg.ObservationDim)
		for k := range p.w[j] {
			if rng != nil {
				p.w[j][k] = cfg.InitScale * rng.NormFloat64()
			}
		}
		p.logStd[j] = clamp(cfg.InitLogStd, minLogStd, maxLogStd)
	}
	return p, nil
}

func (p *LinearGaussian) ObservationDim() int  { return p.obsDim }
func (p *LinearGaussian) ActionDim() int       { return p.actDim }
func (p *LinearGaussian) EntropyCoef() float64 { return p.entropyCoef }

func (p *LinearGaussian) mean(obs []float64) []float64 {
	out := make([]float64, p.actDim)
	for j := range out {
		s := p.b[j]
		for k, x := range obs {
			s += p.w[j][k] * x
		}
		out[j] = s
	}
	return out
}

func (p *LinearGaussian) value(obs []float64) float64 {
	s := p.c
	for k, x := range obs {
		s += p.v[k] * x
	}
	return s
}

func (p *LinearGaussian) logProb(mean, action []float64) float64 {
	lp := 0.0
	for j := range mean {
		sigma := math.Exp(p.logStd[j])
		z := (action[j] - mean[j]) / sigma
		lp += -0.5*z*z - p.logStd[j] - logSqrt2Pi
	}
	return lp
}

func (p *LinearGaussian) entropy() float64 {
	h := 0.0
	for _, ls := range p.logStd {
		h += ls + 0.5 + logSqrt2Pi
	}
	return h
}

func (p *LinearGaussian) Predict(obs []float64, deterministic bool, rng *rand.Rand) (Prediction, error) {
	if len(obs) != p.obsDim {
		return Prediction{}, fmt.Errorf("%w: observation has %d values, want %d", ErrShape, len(obs), p.obsDim)
	}
	if !deterministic && rng == nil {
		return Prediction{}, errors.New("policy: stochastic prediction requires an rng")
	}
	p.mu.RLock()
	defer p.mu.RUnlock()

	mean := p.mean(obs)
	action := make([]float64, p.actDim)
	for j := range action {
		action[j] = mean[j]
		if !deterministic {
			action[j] += math.Exp(p.logStd[j]) * rng.NormFloat64()
		}
	}
	return Prediction{
		Action:  action,
		Value:   p.value(obs),
		LogProb: p.logProb(mean, action),
	}, nil
}

func (p *LinearGaussian) Evaluate(obs, actions [][]float64) ([]Evaluation, error) {
	if err := p.checkBatch(obs, actions); err != nil {
		return nil, err
	}
	p.mu.RLock()
	defer p.mu.RUnlock()

	h := p.entropy()
	out := make([]Evaluation, len(obs))
	for i := range obs {
		out[i] = Evaluation{
			LogProb: p.logProb(p.mean(obs[i]), actions[i]),
			Value:   p.value(obs[i]),
			Entropy: h,
		}
	}
	return out, nil
}

// Gradients lays the actor vector out as W (row-major), b, logStd and the
// critic vector as v, c.
func (p *LinearGaussian) Gradients(req GradRequest) (Gradients, error) {
	if err := p.checkBatch(req.Observations, req.Actions); err != nil {
		return Gradients{}, err
	}
	n := len(req.Observations)
	if len(req.LogProbCoef) != n || len(req.ValueCoef) != n {
		return Gradients{}, fmt.Errorf("%w: coefficient count does not match batch", ErrShape)
	}
	p.mu.RLock()
	defer p.mu.RUnlock()

	actor := make([]float64, p.actDim*(p.obsDim+2))
	critic := make([]float64, p.obsDim+1)
	bOff := p.actDim * p.obsDim
	sOff := bOff + p.actDim

	for i, obs := range req.Observations {
		g := req.LogProbCoef[i]
		if g != 0 {
			mean := p.mean(obs)
			for j := 0; j < p.actDim; j++ {
				sigma := math.Exp(p.logStd[j])
				z := (req.Actions[i][j] - mean[j]) / sigma
				dMean := g * z / sigma
				row := actor[j*p.obsDim : (j+1)*p.obsDim]
				for k, x := range obs {
					row[k] += dMean * x
				}
				actor[bOff+j] += dMean
				actor[sOff+j] += g * (z*z - 1)
			}
		}
		h := req.ValueCoef[i]
		for k, x := range obs {
			critic[k] += h * x
		}
		critic[p.obsDim] += h
	}
	for j := 0; j < p.actDim; j++ {
		actor[sOff+j] += req.EntropyCoef
	}

	if !finite(actor) || !finite(critic) {
		return Gradients{}, ErrNonFinite
	}
	return Gradients{Actor: actor, Critic: critic}, nil
}

func (p *LinearGaussian) Apply(g Gradients, lrActor, lrCritic float64) error {
	if len(g.Actor) != p.actDim*(p.obsDim+2) || len(g.Critic) != p.obsDim+1 {
		return fmt.Errorf("%w: gradient size", ErrShape)
	}
	if !finite(g.Actor) || !finite(g.Critic) {
		return ErrNonFinite
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	bOff := p.actDim * p.obsDim
	sOff := bOff + p.actDim
	for j := 0; j < p.actDim; j++ {
		for k := 0; k < p.obsDim; k++ {
			p.w[j][k] -= lrActor * g.Actor[j*p.obsDim+k]
		}
		p.b[j] -= lrActor * g.Actor[bOff+j]
		p.logStd[j] = clamp(p.logStd[j]-lrActor*g.Actor[sOff+j], minLogStd, maxLogStd)
	}
	for k := 0; k < p.obsDim; k++ {
		p.v[k] -= lrCritic * g.Critic[k]
	}
	p.c -= lrCritic * g.Critic[p.obsDim]
	return nil
}

type linearSnapshot struct {
	ObservationDim int         `json:"observation_dim"`
	ActionDim      int         `json:"action_dim"`
	EntropyCoef    float64     `json:"entropy_coef"`
	W              [][]float64 `json:"w"`
	B              []float64   `json:"b"`
	LogStd         []float64   `json:"log_std"`
	V              []float64   `json:"v"`
	C              float64     `json:"c"`
}

func (p *LinearGaussian) Snapshot() ([]byte, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return sonic.Marshal(linearSnapshot{
		ObservationDim: p.obsDim,
		ActionDim:      p.actDim,
		EntropyCoef:    p.entropyCoef,
		W:              p.w,
		B:              p.b,
		LogStd:         p.logStd,
		V:              p.v,
		C:              p.c,
	})
}

func (p *LinearGaussian) Restore(data []byte) error {
	var s linearSnapshot
	if err := sonic.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("failed to decode policy snapshot: %w", err)
	}
	if s.ObservationDim != p.obsDim || s.ActionDim != p.actDim ||
		len(s.W) != p.actDim || len(s.B) != p.actDim || len(s.LogStd) != p.actDim || len(s.V) != p.obsDim {
		return fmt.Errorf("%w: snapshot is %dx%d, policy is %dx%d", ErrShape, s.ObservationDim, s.ActionDim, p.obsDim, p.actDim)
	}
	for _, row := range s.W {
		if len(row) != p.obsDim {
			return fmt.Errorf("%w: snapshot weight row", ErrShape)
		}
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.w, p.b, p.logStd, p.v, p.c = s.W, s.B, s.LogStd, s.V, s.C
	p.entropyCoef = s.EntropyCoef
	return nil
}

func (p *LinearGaussian) checkBatch(obs, actions [][]float64) error {
	if len(obs) != len(actions) {
		return fmt.Errorf("%w: %d observations, %d actions", ErrShape, len(obs), len(actions))
	}
	for i := range obs {
		if len(obs[i]) != p.obsDim || len(actions[i]) != p.actDim {
			return fmt.Errorf("%w: sample %d", ErrShape, i)
		}
	}
	return nil
}

func finite(xs []float64) bool {
	for _, x := range xs {
		if math.IsNaN(x) || math.IsInf(x, 0) {
			return false
		}
	}
	return true
}

func clamp(x, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, x))
}
