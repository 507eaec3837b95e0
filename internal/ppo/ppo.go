// Package ppo implements the clipped-surrogate proximal policy optimisation
// update on top of an opaque policy backend.
package ppo

import (
	"errors"
	"fmt"
	"math"
	"math/rand"

	"github.com/rewired-gh/marketppo/internal/logger"
	"github.com/rewired-gh/marketppo/internal/policy"
	"github.com/rewired-gh/marketppo/internal/rollout"
)

// ErrCollaboratorFailure means the policy backend failed twice on the same batch.
var ErrCollaboratorFailure = errors.New("policy collaborator failure")

// Config holds the update hyperparameters.
type Config struct {
	NumUpdates         int
	BatchSize          int
	ClipEps            float64
	MaxGradNorm        float64
	ValueCoef          float64
	LrActor            float64
	LrCritic           float64
	NormalizeAdvantage bool
}

// Stats are averaged over every mini-batch of an Update call.
type Stats struct {
	PolicyLoss   float64
	ValueLoss    float64
	Entropy      float64
	ApproxKL     float64
	ClipFraction float64
	GradNorm     float64
	Batches      int
	Retries      int
}

// Updater runs PPO passes over a fixed sample buffer.
type Updater struct {
	cfg    Config
	policy policy.Policy
	log    *logger.Logger
}

func NewUpdater(cfg Config, p policy.Policy) *Updater {
	return &Updater{cfg: cfg, policy: p, log: logger.With("component", "ppo")}
}

// ClipRatio clamps a probability ratio to [1-eps, 1+eps].
func ClipRatio(ratio, eps float64) float64 {
	return math.Max(1-eps, math.Min(1+eps, ratio))
}

// Update makes NumUpdates passes over samples. Each pass shuffles the
// samples with rng and walks them in BatchSize chunks, the last one possibly
// shorter. samples is never resampled between passes.
func (u *Updater) Update(samples []rollout.Sample, rng *rand.Rand) (Stats, error) {
	var st Stats
	if len(samples) == 0 {
		return st, nil
	}
	adv := make([]float64, len(samples))
	for i, s := range samples {
		adv[i] = s.Advantage
	}
	if u.cfg.NormalizeAdvantage {
		normalize(adv)
	}
	size := u.cfg.BatchSize
	if size < 1 || size > len(samples) {
		size = len(samples)
	}

	for pass := 0; pass < u.cfg.NumUpdates; pass++ {
		perm := rng.Perm(len(samples))
		for start := 0; start < len(perm); start += size {
			idx := perm[start:min(start+size, len(perm))]
			bs, err := u.batchWithRetry(samples, adv, idx, &st)
			if err != nil {
				return st, err
			}
			st.PolicyLoss += bs.PolicyLoss
			st.ValueLoss += bs.ValueLoss
			st.Entropy += bs.Entropy
			st.ApproxKL += bs.ApproxKL
			st.ClipFraction += bs.ClipFraction
			st.GradNorm += bs.GradNorm
			st.Batches++
		}
	}
	if n := float64(st.Batches); n > 0 {
		st.PolicyLoss /= n
		st.ValueLoss /= n
		st.Entropy /= n
		st.ApproxKL /= n
		st.ClipFraction /= n
		st.GradNorm /= n
	}
	return st, nil
}

func (u *Updater) batchWithRetry(samples []rollout.Sample, adv []float64, idx []int, st *Stats) (Stats, error) {
	bs, err := u.batch(samples, adv, idx)
	if err == nil {
		return bs, nil
	}
	u.log.Warn("policy update failed on a batch of %d, retrying once: %v", len(idx), err)
	st.Retries++
	bs, err = u.batch(samples, adv, idx)
	if err != nil {
		return Stats{}, fmt.Errorf("%w: %v", ErrCollaboratorFailure, err)
	}
	return bs, nil
}

func (u *Updater) batch(samples []rollout.Sample, adv []float64, idx []int) (Stats, error) {
	n := len(idx)
	obs := make([][]float64, n)
	actions := make([][]float64, n)
	for i, j := range idx {
		obs[i] = samples[j].Observation
		actions[i] = samples[j].Action
	}
	evals, err := u.policy.Evaluate(obs, actions)
	if err != nil {
		return Stats{}, err
	}
	if len(evals) != n {
		return Stats{}, fmt.Errorf("%w: %d evaluations for %d samples", policy.ErrShape, len(evals), n)
	}

	var st Stats
	bf := float64(n)
	req := policy.GradRequest{
		Observations: obs,
		Actions:      actions,
		LogProbCoef:  make([]float64, n),
		ValueCoef:    make([]float64, n),
		EntropyCoef:  -u.policy.EntropyCoef(),
	}
	clipped := 0
	for i, j := range idx {
		s, e := samples[j], evals[i]
		a := adv[j]
		ratio := math.Exp(e.LogProb - s.LogProb)
		unclipped := ratio * a
		surr := ClipRatio(ratio, u.cfg.ClipEps) * a
		if unclipped <= surr {
			st.PolicyLoss -= unclipped
			req.LogProbCoef[i] = -a * ratio / bf
		} else {
			st.PolicyLoss -= surr
		}
		if math.Abs(ratio-1) > u.cfg.ClipEps {
			clipped++
		}
		diff := e.Value - s.Return
		st.ValueLoss += diff * diff
		req.ValueCoef[i] = u.cfg.ValueCoef * 2 * diff / bf
		st.Entropy += e.Entropy
		st.ApproxKL += s.LogProb - e.LogProb
	}
	st.PolicyLoss /= bf
	st.ValueLoss /= bf
	st.Entropy /= bf
	st.ApproxKL /= bf
	st.ClipFraction = float64(clipped) / bf

	g, err := u.policy.Gradients(req)
	if err != nil {
		return Stats{}, err
	}
	st.GradNorm = ClipGradNorm(&g, u.cfg.MaxGradNorm)
	if err := u.policy.Apply(g, u.cfg.LrActor, u.cfg.LrCritic); err != nil {
		return Stats{}, err
	}
	return st, nil
}

// ClipGradNorm rescales g in place so its global L2 norm is at most maxNorm
// and returns the norm before clipping. maxNorm <= 0 disables clipping.
func ClipGradNorm(g *policy.Gradients, maxNorm float64) float64 {
	var sq float64
	for _, x := range g.Actor {
		sq += x * x
	}
	for _, x := range g.Critic {
		sq += x * x
	}
	norm := math.Sqrt(sq)
	if maxNorm <= 0 || norm <= maxNorm {
		return norm
	}
	scale := maxNorm / norm
	for i := range g.Actor {
		g.Actor[i] *= scale
	}
	for i := range g.Critic {
		g.Critic[i] *= scale
	}
	return norm
}

func normalize(xs []float64) {
	if len(xs) < 2 {
		return
	}
	var mean float64
	for _, x := range xs {
		mean += x
	}
	mean /= float64(len(xs))
	var variance float64
	for _, x := range xs {
		variance += (x - mean) * (x - mean)
	}
	std := math.Sqrt(variance/float64(len(xs))) + 1e-8
	for i := range xs {
		xs[i] = (xs[i] - mean) / std
	}
}
