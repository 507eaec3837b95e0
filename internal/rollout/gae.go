package rollout

// Advantages runs the generalised advantage estimation recursion backwards
// over one agent's transitions:
//
//	delta[t] = r[t] + gamma*V[t+1]*(1-done[t]) - V[t]
//	A[t]     = delta[t] + gamma*lambda*(1-done[t])*A[t+1]
//
// V past the last transition is bootstrap. Returns are A + V.
func Advantages(t Trajectory, gamma, lambda float64) (adv, ret []float64) {
	n := len(t.Transitions)
	adv = make([]float64, n)
	ret = make([]float64, n)
	next := t.Bootstrap
	var gae float64
	for i := n - 1; i >= 0; i-- {
		tr := t.Transitions[i]
		mask := 1.0
		if tr.Done {
			mask = 0
		}
		delta := tr.Reward + gamma*next*mask - tr.Value
		gae = delta + gamma*lambda*mask*gae
		adv[i] = gae
		ret[i] = gae + tr.Value
		next = tr.Value
	}
	return adv, ret
}

// Sample is one transition with its advantage and return attached.
type Sample struct {
	Observation []float64
	Action      []float64
	LogProb     float64
	Value       float64
	Advantage   float64
	Return      float64
}

// Samples flattens every trajectory of r into training samples, trajectory
// by trajectory, in step order.
func (r *Rollout) Samples(gamma, lambda float64) []Sample {
	out := make([]Sample, 0, r.Transitions())
	for _, t := range r.Trajectories {
		adv, ret := Advantages(t, gamma, lambda)
		for i, tr := range t.Transitions {
			out = append(out, Sample{
				Observation: tr.Observation,
				Action:      tr.Action,
				LogProb:     tr.LogProb,
				Value:       tr.Value,
				Advantage:   adv[i],
				Return:      ret[i],
			})
		}
	}
	return out
}
