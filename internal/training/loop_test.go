package training

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rewired-gh/marketppo/internal/agent"
	"github.com/rewired-gh/marketppo/internal/config"
	"github.com/rewired-gh/marketppo/internal/market"
	"github.com/rewired-gh/marketppo/internal/models"
	"github.com/rewired-gh/marketppo/internal/monitor"
	"github.com/rewired-gh/marketppo/internal/policy"
	"github.com/rewired-gh/marketppo/internal/ppo"
	"github.com/rewired-gh/marketppo/internal/rollout"
	"github.com/rewired-gh/marketppo/internal/session"
	"github.com/rewired-gh/marketppo/internal/simconfig"
	"github.com/rewired-gh/marketppo/internal/storage"
)

const shortDoc = `{
	"simulation": {
		"markets": ["Market"],
		"agents": ["FCN", "PPOAgents"],
		"sessions": [
			{"sessionName": "warmup", "iterationSteps": 4, "withOrderExecution": false, "events": ["Init"]},
			{"sessionName": "main", "iterationSteps": 8}
		]
	},
	"Market": {"class": "Market", "tickSize": 1, "marketPrice": 100, "fundamentalVolatility": 0.001},
	"Init": {"class": "InitializationEvent"},
	"FCN": {"class": "FCNAgent", "numAgents": 4, "cashAmount": 10000, "assetVolume": 50,
		"fundamentalWeight": 1, "chartWeight": 0, "noiseWeight": 1},
	"PPOAgents": {"class": "RLAgent", "numAgents": 2, "cashAmount": 10000, "assetVolume": 50}
}`

// flakyPolicy reports a NaN value estimate for its first nanCalls predictions.
// With evalOnly set it counts only evaluation decisions, which are
// deterministic and carry the episode's rng, unlike bootstrap value queries.
type flakyPolicy struct {
	*policy.LinearGaussian
	nanCalls int64
	evalOnly bool
	calls    atomic.Int64
}

func (f *flakyPolicy) Predict(obs []float64, deterministic bool, rng *rand.Rand) (policy.Prediction, error) {
	p, err := f.LinearGaussian.Predict(obs, deterministic, rng)
	if f.evalOnly && (!deterministic || rng == nil) {
		return p, err
	}
	if f.calls.Add(1) <= f.nanCalls {
		p.Value = math.NaN()
	}
	return p, err
}

type recordingNotifier struct {
	mu        sync.Mutex
	best      []models.EvalResult
	anomalies int
	aborted   []error
	completed int
}

func (n *recordingNotifier) SendNewBest(e models.EvalResult, previous float64, path string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.best = append(n.best, e)
	return nil
}

func (n *recordingNotifier) SendAnomalies(a []models.Anomaly) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.anomalies += len(a)
	return nil
}

func (n *recordingNotifier) SendAborted(runID string, trainStep int, err error) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.aborted = append(n.aborted, err)
	return nil
}

func (n *recordingNotifier) SendCompleted(runID string, trainSteps int, bestReturn float64) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.completed++
	return nil
}

func newPolicy(t *testing.T, seed int64) *policy.LinearGaussian {
	t.Helper()
	p, err := policy.NewLinearGaussian(policy.DefaultLinearGaussianConfig(agent.ObservationDim(agent.Flags{}), agent.ActionDim), rand.New(rand.NewSource(seed)))
	require.NoError(t, err)
	return p
}

func newFactory(t *testing.T, pred agent.Predictor) rollout.Factory {
	t.Helper()
	doc, err := simconfig.Parse([]byte(shortDoc))
	require.NoError(t, err)
	return func(rng *rand.Rand) (*session.Runner, error) {
		return session.New(doc, session.Options{
			Params:      market.Params{DepthRange: 0.05, LimitOrderRange: 0.1, MaxOrderVolume: 10, ShortSellingPenalty: 0.5, ExecutionBonus: 0.1},
			TraitMemory: 0.9,
			Observer:    agent.Observer{DepthRange: 0.05},
			Policies:    map[string]agent.Predictor{"PPOAgents": pred},
		}, rng)
	}
}

func testConfig(dir string) Config {
	return Config{
		RolloutLength:   8,
		NumTrainSteps:   3,
		EvalInterval:    2,
		NumEvalEpisodes: 2,
		NumEnvs:         2,
		Gamma:           config.DefaultGamma,
		Lambda:          0.95,
		Seed:            7,
		AgentName:       "PPOAgents",
		PPO: ppo.Config{
			NumUpdates:         2,
			BatchSize:          8,
			ClipEps:            0.2,
			MaxGradNorm:        0.5,
			ValueCoef:          0.5,
			LrActor:            1e-4,
			LrCritic:           1e-4,
			NormalizeAdvantage: true,
		},
		SaveDir:  dir,
		BestName: "actor_best.json",
		LastName: "actor_last.json",
		Monitor:  monitor.DefaultConfig(),
		Params:   map[string]any{"seed": 7},
	}
}

func newStore(t *testing.T) *storage.Storage {
	t.Helper()
	s, err := storage.New(10, ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestLoop_RunCompletesAndRecords(t *testing.T) {
	dir := t.TempDir()
	store := newStore(t)
	notifier := &recordingNotifier{}
	p := newPolicy(t, 1)

	loop, err := New(testConfig(dir), p, newFactory(t, p), store, notifier)
	require.NoError(t, err)
	assert.Contains(t, loop.Status(), "step 0/3")

	res, err := loop.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, res.TrainSteps)
	assert.Zero(t, res.Divergences)

	require.Len(t, res.Evaluations, 2, "evaluations at steps 0 and 2")
	assert.Equal(t, 0, res.Evaluations[0].TrainStep)
	assert.Equal(t, 2, res.Evaluations[1].TrainStep)
	assert.True(t, res.Evaluations[0].Improved, "first evaluation always improves on nothing")
	assert.Equal(t, 2, res.Evaluations[0].Episodes)

	run, err := store.GetRun(loop.RunID())
	require.NoError(t, err)
	assert.Equal(t, models.RunCompleted, run.Status)
	assert.Equal(t, "PPOAgents", run.AgentName)

	rollouts, err := store.GetRollouts(loop.RunID())
	require.NoError(t, err)
	require.Len(t, rollouts, 3)
	for _, r := range rollouts {
		assert.Equal(t, 16, r.Steps, "two environments of eight steps")
		assert.Equal(t, 32, r.Transitions)
	}

	evals, err := store.GetEvaluations(loop.RunID())
	require.NoError(t, err)
	assert.Len(t, evals, 2)

	last, err := store.GetCheckpoints(loop.RunID(), models.CheckpointLast)
	require.NoError(t, err)
	assert.Len(t, last, 3, "one last checkpoint per rollout")
	best, err := store.GetCheckpoints(loop.RunID(), models.CheckpointBest)
	require.NoError(t, err)
	assert.Len(t, best, len(notifier.best), "one best checkpoint per improving evaluation")

	data, err := os.ReadFile(filepath.Join(dir, "actor_last.json"))
	require.NoError(t, err)
	restored := newPolicy(t, 99)
	require.NoError(t, restored.Restore(data))
	_, err = os.Stat(filepath.Join(dir, "actor_best.json"))
	assert.NoError(t, err)

	assert.Equal(t, 1, notifier.completed)
	assert.Empty(t, notifier.aborted)
	assert.Contains(t, loop.Status(), "best return")
}

func TestLoop_SeededRunsAreReproducible(t *testing.T) {
	run := func() ([]float64, []byte) {
		p := newPolicy(t, 3)
		cfg := testConfig("")
		cfg.NumTrainSteps = 2
		cfg.EvalInterval = 1
		loop, err := New(cfg, p, newFactory(t, p), nil, nil)
		require.NoError(t, err)
		res, err := loop.Run(context.Background())
		require.NoError(t, err)
		var returns []float64
		for _, e := range res.Evaluations {
			returns = append(returns, e.MeanReturn)
		}
		snap, err := p.Snapshot()
		require.NoError(t, err)
		return returns, snap
	}
	r1, s1 := run()
	r2, s2 := run()
	assert.Equal(t, r1, r2)
	assert.Equal(t, s1, s2)
}

func TestLoop_DivergenceAbortsByDefault(t *testing.T) {
	dir := t.TempDir()
	store := newStore(t)
	notifier := &recordingNotifier{}
	p := &flakyPolicy{LinearGaussian: newPolicy(t, 1), nanCalls: math.MaxInt64}
	initial, err := p.Snapshot()
	require.NoError(t, err)

	loop, err := New(testConfig(dir), p, newFactory(t, p), store, notifier)
	require.NoError(t, err)

	res, err := loop.Run(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrAborted))
	assert.True(t, errors.Is(err, ErrEvaluationDivergence))
	assert.Equal(t, 1, res.Divergences)
	assert.Zero(t, res.TrainSteps)

	data, err := os.ReadFile(filepath.Join(dir, "actor_last.json"))
	require.NoError(t, err)
	assert.Equal(t, initial, data, "last known good policy preserved")

	run, err := store.GetRun(loop.RunID())
	require.NoError(t, err)
	assert.Equal(t, models.RunAborted, run.Status)
	assert.NotEmpty(t, run.Error)
	require.Len(t, notifier.aborted, 1)
	assert.Zero(t, notifier.completed)
}

func TestLoop_DivergenceWithinTolerance(t *testing.T) {
	p := &flakyPolicy{LinearGaussian: newPolicy(t, 1), nanCalls: 1}
	cfg := testConfig("")
	cfg.NumEnvs = 1
	cfg.NumTrainSteps = 2
	cfg.EvalInterval = 1
	cfg.DivergenceTolerance = 1

	loop, err := New(cfg, p, newFactory(t, p), nil, nil)
	require.NoError(t, err)
	res, err := loop.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Divergences)
	assert.Equal(t, 2, res.TrainSteps)
	require.Len(t, res.Evaluations, 1, "the skipped step is not evaluated")
	assert.Equal(t, 1, res.Evaluations[0].TrainStep)
}

func TestLoop_EvaluationDivergenceDiscardsUpdate(t *testing.T) {
	dir := t.TempDir()
	p := &flakyPolicy{LinearGaussian: newPolicy(t, 1), nanCalls: 1, evalOnly: true}
	initial, err := p.Snapshot()
	require.NoError(t, err)
	cfg := testConfig(dir)
	cfg.NumEnvs = 1
	cfg.NumTrainSteps = 1
	cfg.EvalInterval = 1
	cfg.DivergenceTolerance = 1

	loop, err := New(cfg, p, newFactory(t, p), nil, nil)
	require.NoError(t, err)
	res, err := loop.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Divergences)
	assert.Zero(t, res.TrainSteps, "the discarded update does not count")
	assert.Empty(t, res.Evaluations)

	current, err := p.Snapshot()
	require.NoError(t, err)
	assert.Equal(t, initial, current, "policy restored to the state before the update")
	data, err := os.ReadFile(filepath.Join(dir, "actor_last.json"))
	require.NoError(t, err)
	assert.Equal(t, initial, data)
}

func TestLoop_EvaluationDivergenceAbortsKeepsPriorPolicy(t *testing.T) {
	dir := t.TempDir()
	p := &flakyPolicy{LinearGaussian: newPolicy(t, 1), nanCalls: math.MaxInt64, evalOnly: true}
	initial, err := p.Snapshot()
	require.NoError(t, err)
	cfg := testConfig(dir)
	cfg.NumEnvs = 1

	loop, err := New(cfg, p, newFactory(t, p), nil, nil)
	require.NoError(t, err)
	_, err = loop.Run(context.Background())
	require.ErrorIs(t, err, ErrAborted)
	assert.ErrorIs(t, err, ErrEvaluationDivergence)

	data, err := os.ReadFile(filepath.Join(dir, "actor_last.json"))
	require.NoError(t, err)
	assert.Equal(t, initial, data, "abort preserves the policy that passed before the update")
}

func TestLoop_CancelledBeforeFirstRollout(t *testing.T) {
	notifier := &recordingNotifier{}
	p := newPolicy(t, 1)
	loop, err := New(testConfig(""), p, newFactory(t, p), nil, notifier)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res, err := loop.Run(ctx)
	assert.True(t, errors.Is(err, context.Canceled))
	assert.True(t, errors.Is(err, ErrAborted))
	assert.Zero(t, res.TrainSteps)
	assert.Empty(t, notifier.aborted, "cancellation is not reported as a failure")
}

func TestNew_RejectsBadSchedule(t *testing.T) {
	p := newPolicy(t, 1)
	cfg := testConfig("")
	cfg.NumEnvs = 0
	_, err := New(cfg, p, newFactory(t, p), nil, nil)
	assert.Error(t, err)

	_, err = New(testConfig(""), nil, newFactory(t, p), nil, nil)
	assert.Error(t, err)
}

func TestWriteFileAtomic(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested")
	path := filepath.Join(dir, "actor.json")

	require.NoError(t, writeFileAtomic(path, []byte("one")))
	require.NoError(t, writeFileAtomic(path, []byte("two")))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "two", string(data))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 1, "no temporary files left behind")
}

func TestConfigFrom(t *testing.T) {
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	config.RegisterFlags(fs)
	require.NoError(t, fs.Parse([]string{"--config_path=sim.json", "--batch_size=32", "--lmd=0.9"}))
	c, err := config.Load("", fs)
	require.NoError(t, err)

	cfg := ConfigFrom(c)
	assert.Equal(t, 32, cfg.PPO.BatchSize)
	assert.Equal(t, 0.9, cfg.Lambda)
	assert.Equal(t, config.DefaultGamma, cfg.Gamma)
	assert.Equal(t, c.Train.NumUpdatesPerRollout, cfg.PPO.NumUpdates)
	assert.Equal(t, "actor_best.json", cfg.BestName)
	assert.Equal(t, c.Monitor.Threshold, cfg.Monitor.Threshold)
	assert.Equal(t, "sim.json", cfg.Params["config_path"])
}
