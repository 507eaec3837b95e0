// Package storage provides SQLite-backed persistence for training runs, their
// rollouts, evaluations, checkpoints and monitor state, plus signal feeds.
package storage

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/bytedance/sonic"
	_ "modernc.org/sqlite"

	"github.com/rewired-gh/marketppo/internal/models"
)

// Storage wraps a SQLite database for all persistence operations.
type Storage struct {
	db      *sql.DB
	maxRuns int
}

// New opens or creates the SQLite database at dbPath.
// An empty dbPath defaults to $TMPDIR/marketppo/data.db.
func New(maxRuns int, dbPath string) (*Storage, error) {
	if dbPath == "" {
		dbPath = filepath.Join(os.TempDir(), "marketppo", "data.db")
	}
	if dbPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create data directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1) // single writer; WAL allows concurrent readers
	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		return nil, fmt.Errorf("failed to set WAL mode: %w", err)
	}
	if _, err := db.Exec(`PRAGMA foreign_keys=ON`); err != nil {
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}
	s := &Storage{db: db, maxRuns: maxRuns}
	if err := s.createTables(); err != nil {
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}
	return s, nil
}

// Close closes the underlying database connection.
func (s *Storage) Close() error {
	return s.db.Close()
}

func (s *Storage) createTables() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS runs (
			id          TEXT PRIMARY KEY,
			seed        INTEGER NOT NULL,
			agent_name  TEXT NOT NULL,
			params      TEXT NOT NULL DEFAULT '{}',
			status      TEXT NOT NULL,
			error       TEXT,
			best_return REAL,
			started_at  INTEGER NOT NULL,
			finished_at INTEGER
		)`,
		`CREATE TABLE IF NOT EXISTS rollouts (
			run_id        TEXT NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
			train_step    INTEGER NOT NULL,
			steps         INTEGER NOT NULL,
			transitions   INTEGER NOT NULL,
			mean_reward   REAL NOT NULL,
			policy_loss   REAL NOT NULL,
			value_loss    REAL NOT NULL,
			entropy       REAL NOT NULL,
			approx_kl     REAL NOT NULL,
			clip_fraction REAL NOT NULL,
			fills         INTEGER NOT NULL,
			rejections    INTEGER NOT NULL,
			created_at    INTEGER NOT NULL,
			PRIMARY KEY (run_id, train_step)
		)`,
		`CREATE TABLE IF NOT EXISTS evaluations (
			run_id      TEXT NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
			train_step  INTEGER NOT NULL,
			episodes    INTEGER NOT NULL,
			mean_return REAL NOT NULL,
			std_return  REAL NOT NULL,
			improved    INTEGER NOT NULL DEFAULT 0,
			created_at  INTEGER NOT NULL,
			PRIMARY KEY (run_id, train_step)
		)`,
		`CREATE TABLE IF NOT EXISTS checkpoints (
			id          TEXT PRIMARY KEY,
			run_id      TEXT NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
			train_step  INTEGER NOT NULL,
			kind        TEXT NOT NULL,
			path        TEXT NOT NULL,
			eval_return REAL,
			bytes       INTEGER NOT NULL,
			created_at  INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS monitor_state (
			run_id        TEXT NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
			metric        TEXT NOT NULL,
			welford_count INTEGER NOT NULL DEFAULT 0,
			welford_mean  REAL NOT NULL DEFAULT 0,
			welford_m2    REAL NOT NULL DEFAULT 0,
			tc_buffer     TEXT NOT NULL DEFAULT '[]',
			tc_index      INTEGER NOT NULL DEFAULT 0,
			last_value    REAL NOT NULL DEFAULT 0,
			last_sigma    REAL NOT NULL DEFAULT 0,
			updated_at    INTEGER NOT NULL,
			PRIMARY KEY (run_id, metric)
		)`,
		`CREATE TABLE IF NOT EXISTS anomalies (
			run_id      TEXT NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
			metric      TEXT NOT NULL,
			train_step  INTEGER NOT NULL,
			value       REAL NOT NULL,
			mean        REAL NOT NULL,
			sigma       REAL NOT NULL,
			score       REAL NOT NULL,
			direction   TEXT NOT NULL,
			detected_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS signals (
			session   TEXT NOT NULL,
			step      INTEGER NOT NULL,
			document  TEXT,
			agreement REAL NOT NULL,
			direction REAL NOT NULL,
			PRIMARY KEY (session, step)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_started_at ON runs(started_at)`,
		`CREATE INDEX IF NOT EXISTS idx_checkpoints_run ON checkpoints(run_id, train_step)`,
		`CREATE INDEX IF NOT EXISTS idx_anomalies_score ON anomalies(run_id, score DESC)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// CreateRun records a new run and drops the oldest runs beyond maxRuns.
func (s *Storage) CreateRun(run *models.RunRecord) error {
	if run.ID == "" {
		return fmt.Errorf("invalid run: id must not be empty")
	}
	params, err := sonic.Marshal(run.Params)
	if err != nil {
		return fmt.Errorf("failed to marshal run params: %w", err)
	}
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	_, err = tx.Exec(`
		INSERT INTO runs (id, seed, agent_name, params, status, started_at)
		VALUES (?,?,?,?,?,?)`,
		run.ID, run.Seed, run.AgentName, string(params), string(run.Status), run.StartedAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert run: %w", err)
	}
	if s.maxRuns > 0 {
		if _, err = tx.Exec(`
			DELETE FROM runs WHERE id NOT IN (
				SELECT id FROM runs ORDER BY started_at DESC LIMIT ?
			)`, s.maxRuns); err != nil {
			return fmt.Errorf("failed to enforce run cap: %w", err)
		}
	}
	return tx.Commit()
}

// FinishRun stores the final status of a run.
func (s *Storage) FinishRun(id string, status models.RunStatus, runErr string, bestReturn float64, finishedAt time.Time) error {
	res, err := s.db.Exec(`
		UPDATE runs SET status=?, error=?, best_return=?, finished_at=? WHERE id=?`,
		string(status), runErr, bestReturn, finishedAt.UnixNano(), id,
	)
	if err != nil {
		return fmt.Errorf("failed to update run: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("run not found: %s", id)
	}
	return nil
}

const runCols = `id, seed, agent_name, params, status, error, best_return, started_at, finished_at`

func (s *Storage) GetRun(id string) (*models.RunRecord, error) {
	row := s.db.QueryRow(`SELECT `+runCols+` FROM runs WHERE id = ?`, id)
	r, err := scanRun(row.Scan)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("run not found: %s", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get run: %w", err)
	}
	return r, nil
}

// ListRuns returns every stored run, newest first.
func (s *Storage) ListRuns() ([]*models.RunRecord, error) {
	rows, err := s.db.Query(`SELECT ` + runCols + ` FROM runs ORDER BY started_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("failed to query runs: %w", err)
	}
	defer rows.Close()
	runs := []*models.RunRecord{}
	for rows.Next() {
		r, err := scanRun(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

func scanRun(scan func(...any) error) (*models.RunRecord, error) {
	var r models.RunRecord
	var params, status string
	var runErr sql.NullString
	var best sql.NullFloat64
	var startedNano int64
	var finishedNano sql.NullInt64
	if err := scan(&r.ID, &r.Seed, &r.AgentName, &params, &status, &runErr, &best, &startedNano, &finishedNano); err != nil {
		return nil, err
	}
	if err := sonic.Unmarshal([]byte(params), &r.Params); err != nil {
		return nil, fmt.Errorf("failed to unmarshal run params: %w", err)
	}
	r.Status = models.RunStatus(status)
	r.Error = runErr.String
	r.BestReturn = best.Float64
	r.StartedAt = time.Unix(0, startedNano)
	if finishedNano.Valid {
		r.FinishedAt = time.Unix(0, finishedNano.Int64)
	}
	return &r, nil
}

func (s *Storage) AddRollout(st *models.RolloutStats) error {
	_, err := s.db.Exec(`
		INSERT OR REPLACE INTO rollouts
			(run_id, train_step, steps, transitions, mean_reward, policy_loss, value_loss,
			 entropy, approx_kl, clip_fraction, fills, rejections, created_at)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		st.RunID, st.TrainStep, st.Steps, st.Transitions, st.MeanReward, st.PolicyLoss, st.ValueLoss,
		st.Entropy, st.ApproxKL, st.ClipFraction, st.Fills, st.Rejections, st.CreatedAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert rollout: %w", err)
	}
	return nil
}

func (s *Storage) GetRollouts(runID string) ([]models.RolloutStats, error) {
	rows, err := s.db.Query(`
		SELECT run_id, train_step, steps, transitions, mean_reward, policy_loss, value_loss,
		       entropy, approx_kl, clip_fraction, fills, rejections, created_at
		FROM rollouts WHERE run_id = ? ORDER BY train_step`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to query rollouts: %w", err)
	}
	defer rows.Close()

	var out []models.RolloutStats
	for rows.Next() {
		var st models.RolloutStats
		var createdNano int64
		err := rows.Scan(
			&st.RunID, &st.TrainStep, &st.Steps, &st.Transitions, &st.MeanReward, &st.PolicyLoss, &st.ValueLoss,
			&st.Entropy, &st.ApproxKL, &st.ClipFraction, &st.Fills, &st.Rejections, &createdNano,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan rollout: %w", err)
		}
		st.CreatedAt = time.Unix(0, createdNano)
		out = append(out, st)
	}
	return out, rows.Err()
}

func (s *Storage) AddEvaluation(e *models.EvalResult) error {
	_, err := s.db.Exec(`
		INSERT OR REPLACE INTO evaluations
			(run_id, train_step, episodes, mean_return, std_return, improved, created_at)
		VALUES (?,?,?,?,?,?,?)`,
		e.RunID, e.TrainStep, e.Episodes, e.MeanReturn, e.StdReturn, boolToInt(e.Improved), e.CreatedAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert evaluation: %w", err)
	}
	return nil
}

func (s *Storage) GetEvaluations(runID string) ([]models.EvalResult, error) {
	rows, err := s.db.Query(`
		SELECT run_id, train_step, episodes, mean_return, std_return, improved, created_at
		FROM evaluations WHERE run_id = ? ORDER BY train_step`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to query evaluations: %w", err)
	}
	defer rows.Close()

	var out []models.EvalResult
	for rows.Next() {
		var e models.EvalResult
		var improved int
		var createdNano int64
		if err := rows.Scan(&e.RunID, &e.TrainStep, &e.Episodes, &e.MeanReturn, &e.StdReturn, &improved, &createdNano); err != nil {
			return nil, fmt.Errorf("failed to scan evaluation: %w", err)
		}
		e.Improved = improved != 0
		e.CreatedAt = time.Unix(0, createdNano)
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *Storage) AddCheckpoint(c *models.CheckpointRecord) error {
	_, err := s.db.Exec(`
		INSERT INTO checkpoints (id, run_id, train_step, kind, path, eval_return, bytes, created_at)
		VALUES (?,?,?,?,?,?,?,?)`,
		c.ID, c.RunID, c.TrainStep, string(c.Kind), c.Path, c.EvalReturn, c.Bytes, c.CreatedAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert checkpoint: %w", err)
	}
	return nil
}

// GetCheckpoints lists a run's checkpoints of the given kind in write order.
// An empty kind lists every checkpoint.
func (s *Storage) GetCheckpoints(runID string, kind models.CheckpointKind) ([]models.CheckpointRecord, error) {
	rows, err := s.db.Query(`
		SELECT id, run_id, train_step, kind, path, eval_return, bytes, created_at
		FROM checkpoints WHERE run_id = ? AND (? = '' OR kind = ?)
		ORDER BY created_at, train_step`, runID, string(kind), string(kind))
	if err != nil {
		return nil, fmt.Errorf("failed to query checkpoints: %w", err)
	}
	defer rows.Close()

	var out []models.CheckpointRecord
	for rows.Next() {
		var c models.CheckpointRecord
		var k string
		var evalReturn sql.NullFloat64
		var createdNano int64
		if err := rows.Scan(&c.ID, &c.RunID, &c.TrainStep, &k, &c.Path, &evalReturn, &c.Bytes, &createdNano); err != nil {
			return nil, fmt.Errorf("failed to scan checkpoint: %w", err)
		}
		c.Kind = models.CheckpointKind(k)
		c.EvalReturn = evalReturn.Float64
		c.CreatedAt = time.Unix(0, createdNano)
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *Storage) SaveState(runID string, state *models.MonitorState) error {
	tcBufferJSON, err := sonic.Marshal(state.TCBuffer)
	if err != nil {
		return fmt.Errorf("failed to marshal TC buffer: %w", err)
	}

	_, err = s.db.Exec(`
		INSERT OR REPLACE INTO monitor_state
			(run_id, metric, welford_count, welford_mean, welford_m2,
			 tc_buffer, tc_index, last_value, last_sigma, updated_at)
		VALUES (?,?,?,?,?,?,?,?,?,?)`,
		runID, state.Metric, state.WelfordCount, state.WelfordMean, state.WelfordM2,
		string(tcBufferJSON), state.TCIndex, state.LastValue, state.LastSigma,
		state.UpdatedAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("failed to save state: %w", err)
	}
	return nil
}

func (s *Storage) LoadAllStates(runID string) (map[string]*models.MonitorState, error) {
	rows, err := s.db.Query(`
		SELECT metric, welford_count, welford_mean, welford_m2,
		       tc_buffer, tc_index, last_value, last_sigma, updated_at
		FROM monitor_state WHERE run_id = ?`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to query states: %w", err)
	}
	defer rows.Close()

	states := make(map[string]*models.MonitorState)
	for rows.Next() {
		var state models.MonitorState
		var tcBufferJSON string
		var updatedAtNano int64

		err := rows.Scan(
			&state.Metric, &state.WelfordCount, &state.WelfordMean, &state.WelfordM2,
			&tcBufferJSON, &state.TCIndex, &state.LastValue, &state.LastSigma, &updatedAtNano,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan state: %w", err)
		}

		if err := sonic.Unmarshal([]byte(tcBufferJSON), &state.TCBuffer); err != nil {
			return nil, fmt.Errorf("failed to unmarshal TC buffer: %w", err)
		}

		state.UpdatedAt = time.Unix(0, updatedAtNano)
		states[state.Metric] = &state
	}

	return states, rows.Err()
}

func (s *Storage) AddAnomaly(a *models.Anomaly) error {
	_, err := s.db.Exec(`
		INSERT INTO anomalies
			(run_id, metric, train_step, value, mean, sigma, score, direction, detected_at)
		VALUES (?,?,?,?,?,?,?,?,?)`,
		a.RunID, a.Metric, a.TrainStep, a.Value, a.Mean, a.Sigma, a.Score, a.Direction,
		a.DetectedAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert anomaly: %w", err)
	}
	return nil
}

func (s *Storage) GetTopAnomalies(runID string, k int) ([]models.Anomaly, error) {
	rows, err := s.db.Query(`
		SELECT run_id, metric, train_step, value, mean, sigma, score, direction, detected_at
		FROM anomalies WHERE run_id = ? ORDER BY score DESC LIMIT ?`, runID, k)
	if err != nil {
		return nil, fmt.Errorf("failed to query anomalies: %w", err)
	}
	defer rows.Close()

	var out []models.Anomaly
	for rows.Next() {
		var a models.Anomaly
		var detectedAtNano int64
		err := rows.Scan(&a.RunID, &a.Metric, &a.TrainStep, &a.Value, &a.Mean, &a.Sigma, &a.Score, &a.Direction, &detectedAtNano)
		if err != nil {
			return nil, fmt.Errorf("failed to scan anomaly: %w", err)
		}
		a.DetectedAt = time.Unix(0, detectedAtNano)
		out = append(out, a)
	}
	return out, rows.Err()
}

// SaveSignals upserts signals keyed by (session, step).
func (s *Storage) SaveSignals(signals []models.Signal) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	for i := range signals {
		sig := &signals[i]
		if err := sig.Validate(); err != nil {
			return fmt.Errorf("invalid signal %s/%d: %w", sig.Session, sig.Step, err)
		}
		if _, err := tx.Exec(`
			INSERT OR REPLACE INTO signals (session, step, document, agreement, direction)
			VALUES (?,?,?,?,?)`,
			sig.Session, sig.Step, sig.Document, sig.Agreement, sig.Direction,
		); err != nil {
			return fmt.Errorf("failed to insert signal: %w", err)
		}
	}
	return tx.Commit()
}

// LoadSignals returns every stored signal ordered by session then step.
func (s *Storage) LoadSignals() ([]models.Signal, error) {
	rows, err := s.db.Query(`SELECT session, step, document, agreement, direction FROM signals ORDER BY session, step`)
	if err != nil {
		return nil, fmt.Errorf("failed to query signals: %w", err)
	}
	defer rows.Close()

	out := []models.Signal{}
	for rows.Next() {
		var sig models.Signal
		var doc sql.NullString
		if err := rows.Scan(&sig.Session, &sig.Step, &doc, &sig.Agreement, &sig.Direction); err != nil {
			return nil, fmt.Errorf("failed to scan signal: %w", err)
		}
		sig.Document = doc.String
		out = append(out, sig)
	}
	return out, rows.Err()
}

// RotateRuns keeps at most maxRuns newest runs by start time. Cascading
// deletes remove everything recorded for the dropped runs.
func (s *Storage) RotateRuns() error {
	if s.maxRuns <= 0 {
		return nil
	}
	_, err := s.db.Exec(`
		DELETE FROM runs WHERE id NOT IN (
			SELECT id FROM runs ORDER BY started_at DESC LIMIT ?
		)`, s.maxRuns)
	if err != nil {
		return fmt.Errorf("failed to rotate runs: %w", err)
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
