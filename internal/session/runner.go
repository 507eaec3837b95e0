// Package session steps a market and its agents through the configured
// sessions, one atomic step at a time.
package session

import (
	"errors"
	"fmt"
	"math/rand"

	"github.com/rewired-gh/marketppo/internal/agent"
	"github.com/rewired-gh/marketppo/internal/logger"
	"github.com/rewired-gh/marketppo/internal/market"
	"github.com/rewired-gh/marketppo/internal/models"
	"github.com/rewired-gh/marketppo/internal/signal"
	"github.com/rewired-gh/marketppo/internal/simconfig"
)

// ErrCompleted is returned by Step once every session has run.
var ErrCompleted = errors.New("session: all sessions completed")

// State is the runner's position in the session state machine.
type State int

const (
	NotStarted State = iota
	Running
	Completed
)

func (s State) String() string {
	switch s {
	case NotStarted:
		return "not_started"
	case Running:
		return "running"
	default:
		return "completed"
	}
}

// AgentTransition ties a learning agent's transition to the agent.
type AgentTransition struct {
	AgentID    int
	Transition models.Transition
}

// StepResult is everything observable about one completed step.
type StepResult struct {
	Session     simconfig.Session
	SessionStep int
	Time        int
	Fills       []models.Fill
	Rejections  int
	Expired     int
	Transitions []AgentTransition
	SessionDone bool
	Done        bool
}

// Runner owns one simulation instance. It is not safe for concurrent use;
// isolated instances may run in parallel.
type Runner struct {
	doc     *simconfig.Document
	market  *market.Market
	pool    *agent.Pool
	signals *signal.Feed
	events  [][]Event
	rng     *rand.Rand
	log     *logger.Logger

	deterministic bool
	state         State
	session       int
	step          int
}

// NewRunner wires a runner. rng drives submit-rate draws and agent decisions.
func NewRunner(doc *simconfig.Document, m *market.Market, pool *agent.Pool, feed *signal.Feed, rng *rand.Rand) (*Runner, error) {
	events, err := Resolve(doc)
	if err != nil {
		return nil, err
	}
	if feed == nil {
		feed = signal.Empty()
	}
	return &Runner{
		doc:     doc,
		market:  m,
		pool:    pool,
		signals: feed,
		events:  events,
		rng:     rng,
		log:     logger.With("component", "session"),
	}, nil
}

func (r *Runner) Market() *market.Market { return r.market }
func (r *Runner) Pool() *agent.Pool      { return r.pool }
func (r *Runner) State() State           { return r.state }

// SetDeterministic disables exploration in learning agents.
func (r *Runner) SetDeterministic(d bool) { r.deterministic = d }

// Position returns the current session index and step within it.
func (r *Runner) Position() (int, int) { return r.session, r.step }

func (r *Runner) view() *agent.View {
	idx := min(r.session, len(r.doc.Sessions)-1)
	return &agent.View{
		Market:        r.market,
		Signals:       r.signals,
		Session:       r.doc.Sessions[idx],
		SessionStep:   r.step,
		Pool:          r.pool,
		Deterministic: r.deterministic,
	}
}

// Values returns each learning agent's state value at the current position.
func (r *Runner) Values() (map[int]float64, error) {
	v := r.view()
	out := make(map[int]float64)
	for _, a := range r.pool.Learners() {
		val, err := a.Value(v)
		if err != nil {
			return nil, err
		}
		out[a.ID] = val
	}
	return out, nil
}

// Step runs one step: expire, place, match (or rest), events, settle,
// rewards, then advance time. A step is never partially applied on success;
// an error leaves the instance unusable.
func (r *Runner) Step() (StepResult, error) {
	switch r.state {
	case Completed:
		return StepResult{}, ErrCompleted
	case NotStarted:
		r.state = Running
		r.session, r.step = 0, 0
		r.log.Debug("session %s started", r.doc.Sessions[0].Name)
	}
	sess := r.doc.Sessions[r.session]
	res := StepResult{Session: sess, SessionStep: r.step, Time: r.market.Time()}

	res.Expired = len(r.market.ExpireOrders())
	r.pool.BeginStep()

	v := r.view()
	pending := make(map[int]*models.Transition)
	for _, a := range r.pool.Agents() {
		if !sess.WithOrderPlacement && !a.Learns() {
			continue
		}
		d, err := a.Decide(v, r.rng)
		if err != nil {
			return StepResult{}, err
		}
		if d.Transition != nil {
			pending[a.ID] = d.Transition
		}
		if !sess.WithOrderPlacement {
			continue
		}
		for _, c := range d.Cancels {
			_ = r.market.Cancel(c)
		}
		if r.rng.Float64() >= sess.HighFrequencySubmitRate {
			continue
		}
		for _, o := range d.Orders {
			sub := r.market.Submit(o, a.Account.Funds(o.Market))
			if !sub.Accepted {
				a.RecordRejection()
				res.Rejections++
				r.log.Debug("agent %d order rejected: %s", a.ID, sub.Reason)
				continue
			}
			a.Track(o.Market, sub.OrderID)
		}
	}

	if sess.WithOrderExecution {
		res.Fills = r.market.MatchStep()
	} else if dropped := r.market.RestPending(); len(dropped) > 0 {
		r.log.Debug("%d market orders dropped in session %s without execution", len(dropped), sess.Name)
	}
	r.market.AdvancePrice(res.Fills)
	r.pool.RecordFills(res.Fills, r.market)

	sc := &StepContext{
		Market:      r.market,
		Pool:        r.pool,
		Signals:     r.signals,
		Session:     sess,
		SessionStep: r.step,
		Fills:       res.Fills,
	}
	for _, ev := range r.events[r.session] {
		if err := ev.Apply(sc); err != nil {
			return StepResult{}, fmt.Errorf("event %s: %w", ev.Name(), err)
		}
	}

	r.pool.Settle(res.Fills, r.market)
	r.pool.UpdateTraits()
	r.market.EndStep()

	r.step++
	res.SessionDone = r.step >= sess.IterationSteps
	for _, a := range r.pool.Learners() {
		tr, ok := pending[a.ID]
		if !ok {
			continue
		}
		tr.Reward = a.Reward()
		tr.Done = res.SessionDone
		res.Transitions = append(res.Transitions, AgentTransition{AgentID: a.ID, Transition: *tr})
	}

	if sess.WithPrint {
		in, _ := r.market.Instrument(r.market.Names()[0])
		r.log.Debug("session %s step %d: price %.4f fundamental %.4f fills %d rejected %d",
			sess.Name, res.SessionStep, in.MarketPrice(), in.FundamentalPrice(), len(res.Fills), res.Rejections)
	}

	if res.SessionDone {
		r.log.Debug("session %s completed after %d steps", sess.Name, sess.IterationSteps)
		r.session++
		r.step = 0
		if r.session >= len(r.doc.Sessions) {
			r.state = Completed
			res.Done = true
		}
	}
	return res, nil
}
