package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/banshee-data/mapaccum/internal/lidar/pipeline"
)

// ErrNoActiveRun is returned by RecordCycle before StartRun.
var ErrNoActiveRun = errors.New("no active accumulation run")

// Run describes one execution of the accumulator.
type Run struct {
	RunID          string     `json:"run_id"`
	StartedAt      time.Time  `json:"started_at"`
	FinishedAt     *time.Time `json:"finished_at,omitempty"`
	ReferenceFrame string     `json:"reference_frame"`
	VoxelSize      float64    `json:"voxel_size"`
	Destination    string     `json:"destination"`
	FinalPoints    *int       `json:"final_points,omitempty"`
	Error          string     `json:"error,omitempty"`
}

// CycleRow is a stored pipeline.CycleResult.
type CycleRow struct {
	RunID       string        `json:"run_id"`
	Seq         uint64        `json:"seq"`
	Status      string        `json:"status"`
	FrameID     string        `json:"frame_id"`
	Timestamp   time.Time     `json:"timestamp"`
	Input       int           `json:"input"`
	Excluded    int           `json:"excluded"`
	Accumulated int           `json:"accumulated"`
	Duration    time.Duration `json:"duration_ns"`
	Error       string        `json:"error,omitempty"`
}

// CycleStore records accumulation runs and their cycles. It implements
// pipeline.CycleRecorder for the run opened by StartRun.
type CycleStore struct {
	db *sql.DB

	mu    sync.Mutex
	runID string
}

// NewCycleStore creates a CycleStore on db.
func NewCycleStore(db *sql.DB) *CycleStore {
	return &CycleStore{db: db}
}

// StartRun inserts a run and makes it the target of RecordCycle. An empty
// run.RunID is replaced with a new UUID.
func (s *CycleStore) StartRun(ctx context.Context, run *Run) error {
	if run.RunID == "" {
		run.RunID = uuid.New().String()
	}
	if run.StartedAt.IsZero() {
		run.StartedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO accumulation_runs (run_id, started_ns, reference_frame, voxel_size, destination)
		VALUES (?, ?, ?, ?, ?)`,
		run.RunID, run.StartedAt.UnixNano(), run.ReferenceFrame, run.VoxelSize, run.Destination)
	if err != nil {
		return fmt.Errorf("insert accumulation run: %w", err)
	}
	s.mu.Lock()
	s.runID = run.RunID
	s.mu.Unlock()
	return nil
}

// RunID returns the active run, or "" before StartRun.
func (s *CycleStore) RunID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.runID
}

// RecordCycle stores res under the active run.
func (s *CycleStore) RecordCycle(ctx context.Context, res pipeline.CycleResult) error {
	runID := s.RunID()
	if runID == "" {
		return ErrNoActiveRun
	}
	var errText string
	if res.Err != nil {
		errText = res.Err.Error()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO accumulation_cycles (
			run_id, seq, status, frame_id, stamp_ns, input, excluded, accumulated, duration_ns, error
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		runID, res.Seq, res.Status.String(), res.FrameID, res.Timestamp.UnixNano(),
		res.Input, res.Excluded, res.Accumulated, int64(res.Duration), nullString(errText))
	if err != nil {
		return fmt.Errorf("insert cycle %d: %w", res.Seq, err)
	}
	return nil
}

// FinishRun closes the active run with the final cloud size and the
// shutdown error, if any.
func (s *CycleStore) FinishRun(ctx context.Context, finalPoints int, runErr error) error {
	runID := s.RunID()
	if runID == "" {
		return ErrNoActiveRun
	}
	var errText string
	if runErr != nil {
		errText = runErr.Error()
	}
	_, err := s.db.ExecContext(ctx, `
		UPDATE accumulation_runs SET finished_ns = ?, final_points = ?, error = ?
		WHERE run_id = ?`,
		time.Now().UnixNano(), finalPoints, nullString(errText), runID)
	if err != nil {
		return fmt.Errorf("finish run %s: %w", runID, err)
	}
	return nil
}

// GetRun loads a run by ID. It returns sql.ErrNoRows when absent.
func (s *CycleStore) GetRun(ctx context.Context, runID string) (*Run, error) {
	var r Run
	var started int64
	var finished, finalPoints sql.NullInt64
	var errText sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT run_id, started_ns, finished_ns, reference_frame, voxel_size, destination, final_points, error
		FROM accumulation_runs WHERE run_id = ?`, runID).Scan(
		&r.RunID, &started, &finished, &r.ReferenceFrame, &r.VoxelSize, &r.Destination, &finalPoints, &errText)
	if err != nil {
		return nil, err
	}
	r.StartedAt = time.Unix(0, started)
	if finished.Valid {
		t := time.Unix(0, finished.Int64)
		r.FinishedAt = &t
	}
	if finalPoints.Valid {
		n := int(finalPoints.Int64)
		r.FinalPoints = &n
	}
	r.Error = errText.String
	return &r, nil
}

// RecentCycles returns the last limit cycles of the active run in
// ascending sequence order.
func (s *CycleStore) RecentCycles(ctx context.Context, limit int) ([]CycleRow, error) {
	runID := s.RunID()
	if runID == "" {
		return nil, nil
	}
	return s.ListCycles(ctx, runID, limit)
}

// ListCycles returns the last limit cycles of runID in ascending order.
func (s *CycleStore) ListCycles(ctx context.Context, runID string, limit int) ([]CycleRow, error) {
	if limit <= 0 {
		limit = 500
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT run_id, seq, status, frame_id, stamp_ns, input, excluded, accumulated, duration_ns, error
		FROM (
			SELECT * FROM accumulation_cycles WHERE run_id = ? ORDER BY seq DESC LIMIT ?
		) ORDER BY seq ASC`, runID, limit)
	if err != nil {
		return nil, fmt.Errorf("list cycles: %w", err)
	}
	defer rows.Close()

	var out []CycleRow
	for rows.Next() {
		var c CycleRow
		var stamp, dur int64
		var errText sql.NullString
		if err := rows.Scan(&c.RunID, &c.Seq, &c.Status, &c.FrameID, &stamp,
			&c.Input, &c.Excluded, &c.Accumulated, &dur, &errText); err != nil {
			return nil, fmt.Errorf("scan cycle: %w", err)
		}
		c.Timestamp = time.Unix(0, stamp)
		c.Duration = time.Duration(dur)
		c.Error = errText.String
		out = append(out, c)
	}
	return out, rows.Err()
}
