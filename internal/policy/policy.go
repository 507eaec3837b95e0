// Package policy defines the actor-critic collaborator the trainer drives.
// The simulation and PPO code only see the Policy interface; LinearGaussian is
// the built-in backend.
package policy

import (
	"errors"
	"math/rand"
)

// ErrShape is returned when an input does not match the policy dimensions.
var ErrShape = errors.New("policy: dimension mismatch")

// Prediction is one sampled (or mean) action with its critic value.
type Prediction struct {
	Action  []float64
	Value   float64
	LogProb float64
}

// Evaluation re-scores a stored action under the current parameters.
type Evaluation struct {
	LogProb float64
	Value   float64
	Entropy float64
}

// GradRequest carries the per-sample loss sensitivities the policy must
// backpropagate: LogProbCoef[i] is dL/dlogπ(a_i|s_i), ValueCoef[i] is
// dL/dV(s_i) and EntropyCoef is dL/d(mean entropy).
type GradRequest struct {
	Observations [][]float64
	Actions      [][]float64
	LogProbCoef  []float64
	ValueCoef    []float64
	EntropyCoef  float64
}

// Gradients of the loss with respect to actor and critic parameters.
type Gradients struct {
	Actor  []float64
	Critic []float64
}

// Policy is the opaque learning backend.
type Policy interface {
	ObservationDim() int
	ActionDim() int
	// Predict is safe for concurrent use. rng may be nil when deterministic.
	Predict(obs []float64, deterministic bool, rng *rand.Rand) (Prediction, error)
	Evaluate(obs, actions [][]float64) ([]Evaluation, error)
	Gradients(req GradRequest) (Gradients, error)
	Apply(g Gradients, lrActor, lrCritic float64) error
	EntropyCoef() float64
	Snapshot() ([]byte, error)
	Restore(data []byte) error
}
