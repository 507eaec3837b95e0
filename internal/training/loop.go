// Package training drives the collect, estimate, update cycle and keeps the
// run ledger, anomaly monitor and checkpoints in step with it.
package training

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/rewired-gh/marketppo/internal/config"
	"github.com/rewired-gh/marketppo/internal/logger"
	"github.com/rewired-gh/marketppo/internal/models"
	"github.com/rewired-gh/marketppo/internal/monitor"
	"github.com/rewired-gh/marketppo/internal/policy"
	"github.com/rewired-gh/marketppo/internal/ppo"
	"github.com/rewired-gh/marketppo/internal/rollout"
	"github.com/rewired-gh/marketppo/internal/storage"
)

var (
	// ErrEvaluationDivergence is a non-finite reward, value or parameter.
	ErrEvaluationDivergence = rollout.ErrDivergence
	// ErrAborted wraps the error that stopped a run.
	ErrAborted = errors.New("training aborted")
)

// Notifier receives run milestones. Every method may be slow; errors are
// logged and never stop training.
type Notifier interface {
	SendNewBest(e models.EvalResult, previous float64, path string) error
	SendAnomalies(anomalies []models.Anomaly) error
	SendAborted(runID string, trainStep int, err error) error
	SendCompleted(runID string, trainSteps int, bestReturn float64) error
}

// Config is the schedule of one run.
type Config struct {
	RolloutLength       int
	NumTrainSteps       int
	EvalInterval        int
	NumEvalEpisodes     int
	NumEnvs             int
	DivergenceTolerance int
	Gamma               float64
	Lambda              float64
	Seed                int64
	AgentName           string
	PPO                 ppo.Config
	SaveDir             string
	BestName            string
	LastName            string
	Monitor             monitor.Config
	Params              map[string]any
}

// ConfigFrom maps the application config onto a run schedule.
func ConfigFrom(c *config.Config) Config {
	t := c.Train
	return Config{
		RolloutLength:       t.RolloutLength,
		NumTrainSteps:       t.NumTrainSteps,
		EvalInterval:        t.EvalInterval,
		NumEvalEpisodes:     t.NumEvalEpisodes,
		NumEnvs:             t.NumEnvs,
		DivergenceTolerance: t.DivergenceTolerance,
		Gamma:               t.Gamma,
		Lambda:              t.Lmd,
		Seed:                t.Seed,
		AgentName:           t.AgentName,
		PPO: ppo.Config{
			NumUpdates:         t.NumUpdatesPerRollout,
			BatchSize:          t.BatchSize,
			ClipEps:            t.ClipEps,
			MaxGradNorm:        t.MaxGradNorm,
			ValueCoef:          t.ValueCoef,
			LrActor:            t.LrActor,
			LrCritic:           t.LrCritic,
			NormalizeAdvantage: t.NormalizeAdvantage,
		},
		SaveDir:  c.Paths.ActorSavePath,
		BestName: c.Paths.ActorBestSaveName,
		LastName: c.Paths.ActorLastSaveName,
		Monitor: monitor.Config{
			WindowSize:         c.Monitor.WindowSize,
			Threshold:          c.Monitor.Threshold,
			Ceiling:            c.Monitor.Ceiling,
			WarmupCount:        c.Monitor.WarmupCount,
			CooldownRollouts:   c.Monitor.CooldownRollouts,
			CheckpointInterval: c.Monitor.CheckpointInterval,
		},
		Params: map[string]any{
			"rollout_length":          t.RolloutLength,
			"num_updates_per_rollout": t.NumUpdatesPerRollout,
			"batch_size":              t.BatchSize,
			"lr_actor":                t.LrActor,
			"lr_critic":               t.LrCritic,
			"clip_eps":                t.ClipEps,
			"lmd":                     t.Lmd,
			"gamma":                   t.Gamma,
			"max_grad_norm":           t.MaxGradNorm,
			"num_train_steps":         t.NumTrainSteps,
			"eval_interval":           t.EvalInterval,
			"num_eval_episodes":       t.NumEvalEpisodes,
			"num_envs":                t.NumEnvs,
			"device":                  t.Device,
			"depth_range":             c.Market.DepthRange,
			"limit_order_range":       c.Market.LimitOrderRange,
			"max_order_volume":        c.Market.MaxOrderVolume,
			"short_selling_penalty":   c.Market.ShortSellingPenalty,
			"execution_vonus":         c.Market.ExecutionBonus,
			"agent_trait_memory":      c.Market.AgentTraitMemory,
			"config_path":             c.Paths.ConfigPath,
		},
	}
}

// Result summarises a finished run.
type Result struct {
	RunID       string
	TrainSteps  int
	BestReturn  float64
	Evaluations []models.EvalResult
	Divergences int
}

// Loop owns one training run. It is not safe for concurrent Run calls;
// Status may be called from any goroutine.
type Loop struct {
	cfg      Config
	policy   policy.Policy
	factory  rollout.Factory
	store    *storage.Storage
	notifier Notifier
	updater  *ppo.Updater
	monitor  *monitor.Monitor
	log      *logger.Logger

	runID    string
	lastGood []byte

	mu          sync.Mutex
	currentStep int
	best        float64
	lastEval    float64
}

// New prepares a run. store and notifier may be nil.
func New(cfg Config, p policy.Policy, factory rollout.Factory, store *storage.Storage, notifier Notifier) (*Loop, error) {
	if p == nil || factory == nil {
		return nil, fmt.Errorf("training: policy and factory are required")
	}
	if cfg.RolloutLength < 1 || cfg.NumTrainSteps < 1 || cfg.EvalInterval < 1 || cfg.NumEvalEpisodes < 1 || cfg.NumEnvs < 1 {
		return nil, fmt.Errorf("training: schedule values must be at least 1")
	}
	runID := uuid.New().String()
	return &Loop{
		cfg:      cfg,
		policy:   p,
		factory:  factory,
		store:    store,
		notifier: notifier,
		updater:  ppo.NewUpdater(cfg.PPO, p),
		monitor:  monitor.New(store, runID, cfg.Monitor),
		log:      logger.With("run", runID),
		runID:    runID,
		best:     math.Inf(-1),
		lastEval: math.NaN(),
	}, nil
}

func (l *Loop) RunID() string { return l.runID }

// Status is a one-line progress report.
func (l *Loop) Status() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	s := fmt.Sprintf("Run %s: step %d/%d", l.runID, l.currentStep, l.cfg.NumTrainSteps)
	if !math.IsInf(l.best, -1) {
		s += fmt.Sprintf(", best return %.4f", l.best)
	}
	if !math.IsNaN(l.lastEval) {
		s += fmt.Sprintf(", last eval %.4f", l.lastEval)
	}
	return s
}

func (l *Loop) collectors() []*rollout.Collector {
	out := make([]*rollout.Collector, l.cfg.NumEnvs)
	for i := range out {
		rng := rand.New(rand.NewSource(l.cfg.Seed + 1 + int64(i)))
		out[i] = rollout.NewCollector(l.factory, l.cfg.RolloutLength, rng)
	}
	return out
}

// evalSeed keeps evaluation instances identical across train steps so
// returns are comparable.
func (l *Loop) evalSeed(episode int) int64 {
	return l.cfg.Seed + 1 + int64(l.cfg.NumEnvs) + int64(episode)
}

// Run executes the schedule. Cancelling ctx stops the run between rollouts.
func (l *Loop) Run(ctx context.Context) (*Result, error) {
	res := &Result{RunID: l.runID, BestReturn: math.Inf(-1)}
	if err := l.startRun(); err != nil {
		return res, err
	}
	snap, err := l.policy.Snapshot()
	if err != nil {
		return res, l.abort(res, 0, fmt.Errorf("initial snapshot: %w", err))
	}
	l.lastGood = snap

	l.log.Info("Starting training: %d train steps, %d envs x %d steps, agent group %s",
		l.cfg.NumTrainSteps, l.cfg.NumEnvs, l.cfg.RolloutLength, l.cfg.AgentName)

	collectors := l.collectors()
	shuffle := rand.New(rand.NewSource(l.cfg.Seed))

	for step := 0; step < l.cfg.NumTrainSteps; step++ {
		if err := ctx.Err(); err != nil {
			l.log.Info("Training cancelled before step %d", step)
			return res, l.abort(res, step, err)
		}
		l.setStep(step)

		prevGood := l.lastGood
		err := l.trainStep(ctx, step, collectors, shuffle)
		if errors.Is(err, ErrEvaluationDivergence) {
			res.Divergences++
			if rerr := l.policy.Restore(l.lastGood); rerr != nil {
				return res, l.abort(res, step, errors.Join(err, rerr))
			}
			if res.Divergences > l.cfg.DivergenceTolerance {
				return res, l.abort(res, step, err)
			}
			l.log.Warn("Skipping train step %d after divergence (%d/%d tolerated): %v",
				step, res.Divergences, l.cfg.DivergenceTolerance, err)
			continue
		}
		if err != nil {
			if rerr := l.policy.Restore(l.lastGood); rerr != nil {
				l.log.Error("Failed to restore last good policy: %v", rerr)
			}
			return res, l.abort(res, step, err)
		}
		trained := res.TrainSteps
		res.TrainSteps = step + 1

		if step%l.cfg.EvalInterval == 0 {
			e, err := l.evaluate(ctx, step)
			if err != nil {
				if errors.Is(err, context.Canceled) {
					return res, l.abort(res, step, err)
				}
				if errors.Is(err, ErrEvaluationDivergence) {
					// The update that produced the diverging policy is undone.
					res.Divergences++
					res.TrainSteps = trained
					if rerr := l.rollback(prevGood, step); rerr != nil {
						return res, l.abort(res, step, errors.Join(err, rerr))
					}
					if res.Divergences <= l.cfg.DivergenceTolerance {
						l.log.Warn("Evaluation at step %d diverged, update discarded (%d/%d tolerated): %v",
							step, res.Divergences, l.cfg.DivergenceTolerance, err)
						continue
					}
				}
				return res, l.abort(res, step, err)
			}
			res.Evaluations = append(res.Evaluations, e)
			if e.Improved {
				res.BestReturn = e.MeanReturn
			}
		}
	}

	l.setStep(l.cfg.NumTrainSteps)
	l.monitor.Shutdown()
	l.finishRun(models.RunCompleted, "", res.BestReturn)
	l.log.Info("Training completed after %d steps, best return %.4f", res.TrainSteps, res.BestReturn)
	if l.notifier != nil {
		if err := l.notifier.SendCompleted(l.runID, res.TrainSteps, res.BestReturn); err != nil {
			l.log.Warn("Failed to send completion notification: %v", err)
		}
	}
	return res, nil
}

// rollback restores the policy to snap and makes it the last known good
// state again, overwriting the last checkpoint written by the discarded update.
func (l *Loop) rollback(snap []byte, step int) error {
	if err := l.policy.Restore(snap); err != nil {
		return err
	}
	l.lastGood = snap
	if _, err := l.writeCheckpoint(snap, step, models.CheckpointLast, 0); err != nil {
		l.log.Warn("Failed to rewrite last checkpoint: %v", err)
	}
	return nil
}

func (l *Loop) setStep(step int) {
	l.mu.Lock()
	l.currentStep = step
	l.mu.Unlock()
}

// trainStep runs one collect, estimate, update cycle and writes the last
// checkpoint.
func (l *Loop) trainStep(ctx context.Context, step int, collectors []*rollout.Collector, shuffle *rand.Rand) error {
	start := time.Now()
	r, err := rollout.CollectAll(ctx, collectors)
	if err != nil {
		return fmt.Errorf("collect rollout: %w", err)
	}
	samples := r.Samples(l.cfg.Gamma, l.cfg.Lambda)

	st, err := l.updater.Update(samples, shuffle)
	if err != nil {
		return fmt.Errorf("update policy: %w", err)
	}
	for _, v := range []float64{st.PolicyLoss, st.ValueLoss, st.Entropy, st.ApproxKL} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("%w: update stats %+v", ErrEvaluationDivergence, st)
		}
	}

	snap, err := l.policy.Snapshot()
	if err != nil {
		return fmt.Errorf("snapshot policy: %w", err)
	}
	l.lastGood = snap

	stats := models.RolloutStats{
		RunID:        l.runID,
		TrainStep:    step,
		Steps:        r.Steps,
		Transitions:  r.Transitions(),
		MeanReward:   r.MeanReward(),
		PolicyLoss:   st.PolicyLoss,
		ValueLoss:    st.ValueLoss,
		Entropy:      st.Entropy,
		ApproxKL:     st.ApproxKL,
		ClipFraction: st.ClipFraction,
		Fills:        r.Fills,
		Rejections:   r.Rejections,
		CreatedAt:    time.Now(),
	}
	if l.store != nil {
		if err := l.store.AddRollout(&stats); err != nil {
			l.log.Warn("Failed to record rollout %d: %v", step, err)
		}
	}
	l.log.Info("Step %d: %d transitions, mean reward %.4f, policy loss %.4f, value loss %.4f, kl %.5f (%v)",
		step, stats.Transitions, stats.MeanReward, st.PolicyLoss, st.ValueLoss, st.ApproxKL, time.Since(start))
	if st.Retries > 0 {
		l.log.Warn("Step %d needed %d batch retries", step, st.Retries)
	}

	l.observe(step, stats, st)

	if _, err := l.writeCheckpoint(snap, step, models.CheckpointLast, 0); err != nil {
		l.log.Warn("Failed to write last checkpoint: %v", err)
	}
	return nil
}

func (l *Loop) observe(step int, stats models.RolloutStats, st ppo.Stats) {
	anomalies := l.monitor.Observe(step, map[string]float64{
		"mean_reward":   stats.MeanReward,
		"policy_loss":   st.PolicyLoss,
		"value_loss":    st.ValueLoss,
		"entropy":       st.Entropy,
		"approx_kl":     st.ApproxKL,
		"clip_fraction": st.ClipFraction,
		"grad_norm":     st.GradNorm,
	})
	if len(anomalies) == 0 {
		return
	}
	l.log.Info("Detected %d unusual training metrics at step %d", len(anomalies), step)
	fresh := l.monitor.FilterRecentlySent(anomalies)
	if len(fresh) == 0 || l.notifier == nil {
		return
	}
	if err := l.notifier.SendAnomalies(fresh); err != nil {
		l.log.Warn("Failed to send anomaly notification: %v", err)
		return
	}
	l.monitor.RecordNotified(fresh)
}

// evaluate runs NumEvalEpisodes deterministic episodes in parallel and writes
// the best checkpoint when the mean return improves.
func (l *Loop) evaluate(ctx context.Context, step int) (models.EvalResult, error) {
	returns := make([]float64, l.cfg.NumEvalEpisodes)
	g, gctx := errgroup.WithContext(ctx)
	for i := range returns {
		g.Go(func() error {
			rng := rand.New(rand.NewSource(l.evalSeed(i)))
			ret, err := rollout.Episode(gctx, l.factory, rng)
			if err != nil {
				return err
			}
			returns[i] = ret
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return models.EvalResult{}, fmt.Errorf("evaluate at step %d: %w", step, err)
	}

	mean, std := monitor.MeanStd(returns)
	e := models.EvalResult{
		RunID:      l.runID,
		TrainStep:  step,
		Episodes:   len(returns),
		MeanReturn: mean,
		StdReturn:  std,
		CreatedAt:  time.Now(),
	}

	l.mu.Lock()
	previous := l.best
	e.Improved = mean > previous
	if e.Improved {
		l.best = mean
	}
	l.lastEval = mean
	l.mu.Unlock()

	if l.store != nil {
		if err := l.store.AddEvaluation(&e); err != nil {
			l.log.Warn("Failed to record evaluation: %v", err)
		}
	}
	l.log.Info("Evaluation at step %d: return %.4f ± %.4f over %d episodes", step, mean, std, len(returns))
	if !e.Improved {
		return e, nil
	}

	path, err := l.writeCheckpoint(l.lastGood, step, models.CheckpointBest, mean)
	if err != nil {
		l.log.Warn("Failed to write best checkpoint: %v", err)
	}
	if l.notifier != nil {
		if err := l.notifier.SendNewBest(e, previous, path); err != nil {
			l.log.Warn("Failed to send new best notification: %v", err)
		}
	}
	return e, nil
}

func (l *Loop) checkpointPath(kind models.CheckpointKind) string {
	name := l.cfg.LastName
	if kind == models.CheckpointBest {
		name = l.cfg.BestName
	}
	return filepath.Join(l.cfg.SaveDir, name)
}

// writeCheckpoint replaces the kind's snapshot file atomically and records
// it in the ledger. Nothing is written when SaveDir is empty.
func (l *Loop) writeCheckpoint(data []byte, step int, kind models.CheckpointKind, evalReturn float64) (string, error) {
	if l.cfg.SaveDir == "" {
		return "", nil
	}
	path := l.checkpointPath(kind)
	if err := writeFileAtomic(path, data); err != nil {
		return "", err
	}
	if l.store != nil {
		rec := &models.CheckpointRecord{
			ID:         uuid.New().String(),
			RunID:      l.runID,
			TrainStep:  step,
			Kind:       kind,
			Path:       path,
			EvalReturn: evalReturn,
			Bytes:      len(data),
			CreatedAt:  time.Now(),
		}
		if err := l.store.AddCheckpoint(rec); err != nil {
			l.log.Warn("Failed to record %s checkpoint: %v", kind, err)
		}
	}
	l.log.Debug("Wrote %s checkpoint for step %d to %s", kind, step, path)
	return path, nil
}

func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create checkpoint directory: %w", err)
	}
	f, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create checkpoint file: %w", err)
	}
	tmp := f.Name()
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return fmt.Errorf("failed to write checkpoint: %w", err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("failed to close checkpoint: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("failed to replace checkpoint: %w", err)
	}
	return nil
}

func (l *Loop) startRun() error {
	if l.store == nil {
		return nil
	}
	run := &models.RunRecord{
		ID:        l.runID,
		Seed:      l.cfg.Seed,
		AgentName: l.cfg.AgentName,
		Params:    l.cfg.Params,
		Status:    models.RunRunning,
		StartedAt: time.Now(),
	}
	if err := l.store.CreateRun(run); err != nil {
		return fmt.Errorf("failed to record run: %w", err)
	}
	return nil
}

func (l *Loop) finishRun(status models.RunStatus, errStr string, best float64) {
	if l.store == nil {
		return
	}
	if math.IsInf(best, -1) {
		best = 0
	}
	if err := l.store.FinishRun(l.runID, status, errStr, best, time.Now()); err != nil {
		l.log.Warn("Failed to finish run record: %v", err)
	}
}

// abort preserves the last known good policy as the last checkpoint, closes
// the run record and returns err wrapped in ErrAborted.
func (l *Loop) abort(res *Result, step int, err error) error {
	l.log.Error("Training aborted at step %d: %v", step, err)
	if l.lastGood != nil {
		if _, werr := l.writeCheckpoint(l.lastGood, step, models.CheckpointLast, 0); werr != nil {
			l.log.Warn("Failed to preserve last good checkpoint: %v", werr)
		}
	}
	l.monitor.Shutdown()
	l.finishRun(models.RunAborted, err.Error(), res.BestReturn)
	if l.notifier != nil && !errors.Is(err, context.Canceled) {
		if nerr := l.notifier.SendAborted(l.runID, step, err); nerr != nil {
			l.log.Warn("Failed to send abort notification: %v", nerr)
		}
	}
	return fmt.Errorf("%w at step %d: %w", ErrAborted, step, err)
}
