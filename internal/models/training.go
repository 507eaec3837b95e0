package models

import "time"

// Transition is one agent's record for one simulation step.
type Transition struct {
	Observation []float64
	Action      []float64
	Reward      float64
	Value       float64
	LogProb     float64
	Done        bool
}

// RolloutStats summarises one collect/update cycle.
type RolloutStats struct {
	RunID        string
	TrainStep    int
	Steps        int
	Transitions  int
	MeanReward   float64
	PolicyLoss   float64
	ValueLoss    float64
	Entropy      float64
	ApproxKL     float64
	ClipFraction float64
	Fills        int
	Rejections   int
	CreatedAt    time.Time
}

// EvalResult is the outcome of one evaluation round.
type EvalResult struct {
	RunID      string
	TrainStep  int
	Episodes   int
	MeanReturn float64
	StdReturn  float64
	Improved   bool
	CreatedAt  time.Time
}

// CheckpointKind separates best-so-far snapshots from the latest one.
type CheckpointKind string

const (
	CheckpointBest CheckpointKind = "best"
	CheckpointLast CheckpointKind = "last"
)

// CheckpointRecord describes a policy snapshot written to disk.
type CheckpointRecord struct {
	ID         string
	RunID      string
	TrainStep  int
	Kind       CheckpointKind
	Path       string
	EvalReturn float64
	Bytes      int
	CreatedAt  time.Time
}

// RunStatus is the lifecycle state of a training run.
type RunStatus string

const (
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunAborted   RunStatus = "aborted"
)

// RunRecord is one training run in the ledger. Params holds the launch
// parameters as JSON.
type RunRecord struct {
	ID         string
	Seed       int64
	AgentName  string
	Params     map[string]any
	Status     RunStatus
	Error      string
	BestReturn float64
	StartedAt  time.Time
	FinishedAt time.Time
}

// MonitorState is the running statistics of one training metric.
type MonitorState struct {
	Metric       string
	WelfordCount int
	WelfordMean  float64
	WelfordM2    float64
	TCBuffer     []float64
	TCIndex      int
	LastValue    float64
	LastSigma    float64
	UpdatedAt    time.Time
}

// Anomaly is a training metric that moved far outside its running range.
type Anomaly struct {
	RunID      string
	Metric     string
	TrainStep  int
	Value      float64
	Mean       float64
	Sigma      float64
	Score      float64
	Direction  string
	DetectedAt time.Time
}
