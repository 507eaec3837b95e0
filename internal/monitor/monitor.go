// Package monitor watches per-rollout training metrics and flags values that
// jump far outside their running distribution.
package monitor

import (
	"math"
	"sort"
	"time"

	"github.com/rewired-gh/marketppo/internal/logger"
	"github.com/rewired-gh/marketppo/internal/models"
	"github.com/rewired-gh/marketppo/internal/storage"
)

type Config struct {
	WindowSize         int
	Threshold          float64
	Ceiling            float64
	WarmupCount        int
	CooldownRollouts   int
	CheckpointInterval int
}

func DefaultConfig() Config {
	return Config{
		WindowSize:         3,
		Threshold:          6.0,
		Ceiling:            20.0,
		WarmupCount:        5,
		CooldownRollouts:   10,
		CheckpointInterval: 10,
	}
}

type notifiedRecord struct {
	Direction string
	TrainStep int
}

type Monitor struct {
	storage  *storage.Storage
	runID    string
	states   map[string]*models.MonitorState
	notified map[string]notifiedRecord
	config   Config
	cycles   int
}

// New returns a monitor for runID. s may be nil, in which case state is
// kept in memory only.
func New(s *storage.Storage, runID string, config Config) *Monitor {
	m := &Monitor{
		storage:  s,
		runID:    runID,
		states:   make(map[string]*models.MonitorState),
		notified: make(map[string]notifiedRecord),
		config:   config,
	}
	if m.config.WindowSize < 1 {
		m.config.WindowSize = 1
	}
	if s == nil {
		return m
	}

	persisted, err := s.LoadAllStates(runID)
	if err != nil {
		logger.Warn("Failed to load persisted monitor states: %v", err)
	} else {
		m.states = persisted
		logger.Debug("Loaded %d persisted monitor states", len(persisted))
	}
	return m
}

func (m *Monitor) getOrCreateState(metric string) *models.MonitorState {
	if state, exists := m.states[metric]; exists {
		return state
	}
	state := &models.MonitorState{Metric: metric, LastSigma: Delta}
	m.states[metric] = state
	return state
}

// State returns the running statistics of metric, if any were observed.
func (m *Monitor) State(metric string) (models.MonitorState, bool) {
	s, ok := m.states[metric]
	if !ok {
		return models.MonitorState{}, false
	}
	return *s, true
}

func getDirection(oldValue, newValue float64) string {
	switch {
	case newValue > oldValue:
		return "increase"
	case newValue < oldValue:
		return "decrease"
	default:
		return "no_change"
	}
}

func (m *Monitor) processMetric(state *models.MonitorState, trainStep int, value float64) models.Anomaly {
	sigma := GetSigma(state)
	z := (value - state.WelfordMean) / sigma

	UpdateTCBuffer(state, z, m.config.WindowSize)
	var tc float64
	for _, v := range state.TCBuffer {
		tc += v
	}
	tc = math.Abs(tc) / float64(len(state.TCBuffer))

	score := math.Abs(z) * math.Sqrt(tc+Epsilon)
	if score < m.config.Ceiling {
		UpdateWelford(state, value)
	}

	return models.Anomaly{
		RunID:      m.runID,
		Metric:     state.Metric,
		TrainStep:  trainStep,
		Value:      value,
		Mean:       state.WelfordMean,
		Sigma:      sigma,
		Score:      score,
		Direction:  getDirection(state.LastValue, value),
		DetectedAt: time.Now(),
	}
}

// Observe folds one rollout's metrics into the running statistics and
// returns the metrics scoring above Threshold, highest score first. Metrics
// are processed in name order. Non-finite values are skipped.
func (m *Monitor) Observe(trainStep int, metrics map[string]float64) []models.Anomaly {
	names := make([]string, 0, len(metrics))
	for name := range metrics {
		names = append(names, name)
	}
	sort.Strings(names)

	var anomalies []models.Anomaly
	for _, name := range names {
		value := metrics[name]
		if math.IsNaN(value) || math.IsInf(value, 0) {
			continue
		}
		state := m.getOrCreateState(name)
		if state.WelfordCount < m.config.WarmupCount {
			UpdateWelford(state, value)
			state.LastValue = value
			state.LastSigma = GetSigma(state)
			state.UpdatedAt = time.Now()
			continue
		}

		a := m.processMetric(state, trainStep, value)
		if a.Score >= m.config.Threshold*0.5 {
			logger.Debug("High-score metric %s at step %d: score=%.3f value=%.4f mean=%.4f sigma=%.4f",
				name, trainStep, a.Score, value, a.Mean, a.Sigma)
		}
		state.LastValue = value
		state.LastSigma = GetSigma(state)
		state.UpdatedAt = time.Now()

		if a.Score > m.config.Threshold {
			anomalies = append(anomalies, a)
			if m.storage != nil {
				if err := m.storage.AddAnomaly(&a); err != nil {
					logger.Warn("Failed to record anomaly for %s: %v", name, err)
				}
			}
		}
	}
	sort.SliceStable(anomalies, func(i, j int) bool { return anomalies[i].Score > anomalies[j].Score })

	m.cycles++
	if m.config.CheckpointInterval > 0 && m.cycles%m.config.CheckpointInterval == 0 {
		m.checkpoint()
	}
	return anomalies
}

// FilterRecentlySent drops anomalies whose metric was already reported in
// the same direction within CooldownRollouts train steps.
func (m *Monitor) FilterRecentlySent(anomalies []models.Anomaly) []models.Anomaly {
	var out []models.Anomaly
	for _, a := range anomalies {
		rec, exists := m.notified[a.Metric]
		if exists && a.TrainStep-rec.TrainStep < m.config.CooldownRollouts && rec.Direction == a.Direction {
			continue
		}
		out = append(out, a)
	}
	return out
}

func (m *Monitor) RecordNotified(anomalies []models.Anomaly) {
	for _, a := range anomalies {
		m.notified[a.Metric] = notifiedRecord{Direction: a.Direction, TrainStep: a.TrainStep}
	}
}

func (m *Monitor) checkpoint() {
	if m.storage == nil {
		return
	}
	for metric, state := range m.states {
		if err := m.storage.SaveState(m.runID, state); err != nil {
			logger.Warn("Failed to checkpoint monitor state for %s: %v", metric, err)
		}
	}
}

func (m *Monitor) Shutdown() {
	logger.Debug("Checkpointing %d monitor states before shutdown", len(m.states))
	m.checkpoint()
}
