package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Status is the lifecycle state of a job. Transitions are one-way:
// pending -> running -> succeeded | failed. Terminal jobs are never re-claimed.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
)

// Terminal reports whether the status admits no further transitions.
func (s Status) Terminal() bool {
	return s == StatusSucceeded || s == StatusFailed
}

// Job is one unit of asynchronous reconstruction work tied to an artifact.
// The job references the artifact; it does not own it.
type Job struct {
	ID         int64          `json:"id"`
	ArtifactID string         `json:"artifact_id"`
	JobType    string         `json:"job_type"`
	Params     map[string]any `json:"params"`
	Status     Status         `json:"status"`
	Result     *string        `json:"result"`
	Progress   int            `json:"progress"`
	CreatedAt  time.Time      `json:"created_at"`
	UpdatedAt  time.Time      `json:"updated_at"`
}

// JobUpdate is a partial update; nil fields are left untouched.
type JobUpdate struct {
	Status   *Status
	Result   *string
	Progress *int
}

// EnqueueJob creates a pending job with zero progress and returns its id.
func (s *Store) EnqueueJob(artifactID, jobType string, params map[string]any) (int64, error) {
	if params == nil {
		params = map[string]any{}
	}
	paramsJSON, err := json.Marshal(params)
	if err != nil {
		return 0, fmt.Errorf("marshal params: %w", err)
	}
	now := formatTime(time.Now())
	res, err := s.db.Exec(
		`INSERT INTO jobs (artifact_id, job_type, params, status, result, progress, created_at, updated_at)
		 VALUES (?, ?, ?, ?, NULL, 0, ?, ?)`,
		artifactID, jobType, string(paramsJSON), string(StatusPending), now, now,
	)
	if err != nil {
		return 0, fmt.Errorf("enqueue job: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("job id: %w", err)
	}
	return id, nil
}

// ClaimPending returns up to limit non-terminal jobs, oldest first. It does
// not mark anything claimed; callers must win ClaimJob before executing.
func (s *Store) ClaimPending(limit int) ([]Job, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := s.db.Query(
		`SELECT id, artifact_id, job_type, params, status, result, progress, created_at, updated_at
		 FROM jobs WHERE status IN (?, ?) ORDER BY created_at ASC LIMIT ?`,
		string(StatusPending), string(StatusRunning), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("claim pending: %w", err)
	}
	defer rows.Close()

	out := []Job{}
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *job)
	}
	return out, rows.Err()
}

// ClaimJob atomically transitions the job from pending to running with
// progress 5. It reports whether this caller won the claim; a false result
// means another worker (possibly in another process) got there first, or the
// job is already terminal.
func (s *Store) ClaimJob(id int64) (bool, error) {
	res, err := s.db.Exec(
		`UPDATE jobs SET status = ?, progress = 5, updated_at = ? WHERE id = ? AND status = ?`,
		string(StatusRunning), formatTime(time.Now()), id, string(StatusPending),
	)
	if err != nil {
		return false, fmt.Errorf("claim job %d: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("claim job %d rows: %w", id, err)
	}
	return n > 0, nil
}

// UpdateJob applies the supplied fields plus updated_at. It reports false
// without touching the row when the update carries no fields.
func (s *Store) UpdateJob(id int64, upd JobUpdate) (bool, error) {
	parts := []string{}
	args := []any{}
	if upd.Status != nil {
		parts = append(parts, "status = ?")
		args = append(args, string(*upd.Status))
	}
	if upd.Result != nil {
		parts = append(parts, "result = ?")
		args = append(args, *upd.Result)
	}
	if upd.Progress != nil {
		parts = append(parts, "progress = ?")
		args = append(args, *upd.Progress)
	}
	if len(parts) == 0 {
		return false, nil
	}
	args = append(args, formatTime(time.Now()), id)
	sqlStr := `UPDATE jobs SET ` + strings.Join(parts, ", ") + `, updated_at = ? WHERE id = ?`
	if _, err := s.db.Exec(sqlStr, args...); err != nil {
		return false, fmt.Errorf("update job %d: %w", id, err)
	}
	return true, nil
}

// GetJob returns the job with the given id, or ErrNotFound.
func (s *Store) GetJob(id int64) (*Job, error) {
	row := s.db.QueryRow(
		`SELECT id, artifact_id, job_type, params, status, result, progress, created_at, updated_at
		 FROM jobs WHERE id = ?`, id)
	job, err := scanJob(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("job %d: %w", id, ErrNotFound)
		}
		return nil, err
	}
	return job, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*Job, error) {
	var job Job
	var params, result, status, created, updated sql.NullString
	if err := row.Scan(
		&job.ID, &job.ArtifactID, &job.JobType, &params,
		&status, &result, &job.Progress, &created, &updated,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan job: %w", err)
	}
	job.Params = map[string]any{}
	if params.Valid && params.String != "" {
		_ = json.Unmarshal([]byte(params.String), &job.Params)
	}
	if result.Valid {
		v := result.String
		job.Result = &v
	}
	job.Status = Status(status.String)
	if created.Valid {
		job.CreatedAt = parseTime(created.String)
	}
	if updated.Valid {
		job.UpdatedAt = parseTime(updated.String)
	}
	return &job, nil
}
