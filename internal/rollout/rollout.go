// Package rollout drives simulation instances for a fixed number of steps and
// turns what the learning agents saw into training samples.
package rollout

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"

	"golang.org/x/sync/errgroup"

	"github.com/rewired-gh/marketppo/internal/logger"
	"github.com/rewired-gh/marketppo/internal/models"
	"github.com/rewired-gh/marketppo/internal/session"
)

// ErrDivergence marks a non-finite reward or value estimate.
var ErrDivergence = errors.New("evaluation divergence")

// Factory builds a fresh, isolated simulation instance.
type Factory func(rng *rand.Rand) (*session.Runner, error)

// Trajectory is one learning agent's transitions in step order. Bootstrap
// is the value estimate of the state after the last transition, zero when
// that transition ended an episode.
type Trajectory struct {
	AgentID     int
	Transitions []models.Transition
	Bootstrap   float64
}

// Rollout is the output of one Collect call.
type Rollout struct {
	Trajectories []Trajectory
	Steps        int
	Fills        int
	Rejections   int
	Episodes     int
}

// Transitions counts every transition across trajectories.
func (r *Rollout) Transitions() int {
	n := 0
	for _, t := range r.Trajectories {
		n += len(t.Transitions)
	}
	return n
}

// MeanReward averages reward over every transition.
func (r *Rollout) MeanReward() float64 {
	var sum float64
	n := 0
	for _, t := range r.Trajectories {
		for _, tr := range t.Transitions {
			sum += tr.Reward
			n++
		}
	}
	if n == 0 {
		return 0
	}
	return sum / float64(n)
}

// Merge concatenates rollouts collected on isolated instances.
func Merge(parts ...*Rollout) *Rollout {
	out := &Rollout{}
	for _, p := range parts {
		if p == nil {
			continue
		}
		out.Trajectories = append(out.Trajectories, p.Trajectories...)
		out.Steps += p.Steps
		out.Fills += p.Fills
		out.Rejections += p.Rejections
		out.Episodes += p.Episodes
	}
	return out
}

// Collector keeps one simulation instance alive across Collect calls so a
// rollout may continue where the previous one stopped, spanning sessions.
// When every session has run, the next step starts a fresh instance.
type Collector struct {
	factory Factory
	length  int
	rng     *rand.Rand
	runner  *session.Runner
	log     *logger.Logger
}

// NewCollector returns a collector that runs length steps per call.
func NewCollector(factory Factory, length int, rng *rand.Rand) *Collector {
	return &Collector{factory: factory, length: length, rng: rng, log: logger.With("component", "rollout")}
}

// Collect advances the instance exactly length steps.
func (c *Collector) Collect(ctx context.Context) (*Rollout, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	out := &Rollout{}
	index := make(map[int]int)
	var last session.StepResult
	for i := 0; i < c.length; i++ {
		if c.runner == nil {
			r, err := c.factory(c.rng)
			if err != nil {
				return nil, err
			}
			c.runner = r
			c.log.Debug("started a new episode")
		}
		res, err := c.runner.Step()
		if err != nil {
			c.runner = nil
			return nil, err
		}
		for _, at := range res.Transitions {
			tr := at.Transition
			if !finite(tr.Reward) || !finite(tr.Value) {
				c.runner = nil
				return nil, fmt.Errorf("%w: agent %d at time %d: reward %v value %v", ErrDivergence, at.AgentID, res.Time, tr.Reward, tr.Value)
			}
			j, ok := index[at.AgentID]
			if !ok {
				j = len(out.Trajectories)
				index[at.AgentID] = j
				out.Trajectories = append(out.Trajectories, Trajectory{AgentID: at.AgentID})
			}
			out.Trajectories[j].Transitions = append(out.Trajectories[j].Transitions, tr)
		}
		out.Steps++
		out.Fills += len(res.Fills)
		out.Rejections += res.Rejections
		last = res
		if res.Done {
			out.Episodes++
			c.runner = nil
		}
	}

	if c.runner == nil || last.SessionDone {
		return out, nil
	}
	values, err := c.runner.Values()
	if err != nil {
		return nil, err
	}
	for i := range out.Trajectories {
		v := values[out.Trajectories[i].AgentID]
		if !finite(v) {
			return nil, fmt.Errorf("%w: bootstrap value %v for agent %d", ErrDivergence, v, out.Trajectories[i].AgentID)
		}
		out.Trajectories[i].Bootstrap = v
	}
	return out, nil
}

// CollectAll runs every collector concurrently. Collectors never share an
// instance, so the merged result depends only on each collector's seed.
func CollectAll(ctx context.Context, collectors []*Collector) (*Rollout, error) {
	parts := make([]*Rollout, len(collectors))
	g, gctx := errgroup.WithContext(ctx)
	for i, c := range collectors {
		g.Go(func() error {
			r, err := c.Collect(gctx)
			if err != nil {
				return err
			}
			parts[i] = r
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return Merge(parts...), nil
}

// Episode runs a fresh instance through every session with exploration
// disabled and returns the learning agents' mean total reward.
func Episode(ctx context.Context, factory Factory, rng *rand.Rand) (float64, error) {
	r, err := factory(rng)
	if err != nil {
		return 0, err
	}
	r.SetDeterministic(true)
	totals := make(map[int]float64)
	var order []int
	for {
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		res, err := r.Step()
		if err != nil {
			return 0, err
		}
		for _, at := range res.Transitions {
			if !finite(at.Transition.Reward) || !finite(at.Transition.Value) {
				return 0, fmt.Errorf("%w: agent %d reward %v value %v during evaluation",
					ErrDivergence, at.AgentID, at.Transition.Reward, at.Transition.Value)
			}
			if _, ok := totals[at.AgentID]; !ok {
				order = append(order, at.AgentID)
			}
			totals[at.AgentID] += at.Transition.Reward
		}
		if res.Done {
			break
		}
	}
	if len(order) == 0 {
		return 0, nil
	}
	var sum float64
	for _, id := range order {
		sum += totals[id]
	}
	return sum / float64(len(order)), nil
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
