package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/beamline-tools/lauerun/internal/models"
)

// JobStore is the authoritative record of Job and SubJob rows. All writes are
// row-scoped and transactional; concurrent updates to the same row serialize
// on the storage engine.
type JobStore struct {
	db     *SQLiteDB
	logger arbor.ILogger
}

// NewJobStore creates a job store backed by the given database.
func NewJobStore(db *SQLiteDB, logger arbor.ILogger) *JobStore {
	return &JobStore{db: db, logger: logger}
}

// StatusUpdate describes a single-row status change. Timing fields are
// derived: start_time is set on entry to Running, finish_time on reaching a
// terminal state. Messages are append-only, newline separated.
type StatusUpdate struct {
	Status        models.Status
	AppendMessage string
	Command       string
	At            time.Time

	// Override skips the legal-transition guard. Used by coordinators, which
	// own the parent job's terminal status, and by administrative cancellation.
	Override bool
}

// CreateJob inserts a new job row and returns its id.
func (s *JobStore) CreateJob(ctx context.Context, job *models.Job) (int64, error) {
	res, err := s.db.DB().ExecContext(ctx, `
		INSERT INTO job (computer_name, status, priority, submit_time, messages, command)
		VALUES (?, ?, ?, ?, ?, ?)`,
		job.ComputerName, int(job.Status), job.Priority, nullUnix(job.SubmitTime), job.Messages, job.Command)
	if err != nil {
		return 0, fmt.Errorf("failed to insert job: %w", err)
	}
	return res.LastInsertId()
}

// CreateSubJob inserts a new subjob row and returns its id. The foreign key
// to the parent job is enforced by the schema.
func (s *JobStore) CreateSubJob(ctx context.Context, sub *models.SubJob) (int64, error) {
	res, err := s.db.DB().ExecContext(ctx, `
		INSERT INTO subjob (job_id, computer_name, status, priority, messages, command)
		VALUES (?, ?, ?, ?, ?, ?)`,
		sub.JobID, sub.ComputerName, int(sub.Status), sub.Priority, sub.Messages, sub.Command)
	if err != nil {
		return 0, fmt.Errorf("failed to insert subjob: %w", err)
	}
	return res.LastInsertId()
}

// ReadJob returns a single job row.
func (s *JobStore) ReadJob(ctx context.Context, jobID int64) (*models.Job, error) {
	row := s.db.DB().QueryRowContext(ctx, `
		SELECT job_id, computer_name, status, priority, submit_time, start_time, finish_time, messages, command
		FROM job WHERE job_id = ?`, jobID)
	return scanJob(row)
}

// ReadSubJob returns a single subjob row.
func (s *JobStore) ReadSubJob(ctx context.Context, subjobID int64) (*models.SubJob, error) {
	row := s.db.DB().QueryRowContext(ctx, `
		SELECT subjob_id, job_id, computer_name, status, priority, start_time, finish_time, messages, command
		FROM subjob WHERE subjob_id = ?`, subjobID)
	return scanSubJob(row)
}

// ListSubJobs returns all subjobs of a job, ordered by subjob_id.
func (s *JobStore) ListSubJobs(ctx context.Context, jobID int64) ([]models.SubJob, error) {
	rows, err := s.db.DB().QueryContext(ctx, `
		SELECT subjob_id, job_id, computer_name, status, priority, start_time, finish_time, messages, command
		FROM subjob WHERE job_id = ? ORDER BY subjob_id`, jobID)
	if err != nil {
		return nil, fmt.Errorf("failed to query subjobs: %w", err)
	}
	defer rows.Close()

	var subs []models.SubJob
	for rows.Next() {
		sub, err := scanSubJob(rows)
		if err != nil {
			return nil, err
		}
		subs = append(subs, *sub)
	}
	return subs, rows.Err()
}

// UpdateJobStatus applies a status update to a job row and returns the
// updated row. Returns ErrRowNotFound for an unknown id and
// ErrIllegalTransition when the row's current state does not permit the edge.
func (s *JobStore) UpdateJobStatus(ctx context.Context, jobID int64, upd StatusUpdate) (*models.Job, error) {
	if err := s.updateStatus(ctx, "job", "job_id", jobID, upd); err != nil {
		return nil, err
	}
	return s.ReadJob(ctx, jobID)
}

// UpdateSubJobStatus applies a status update to a subjob row and returns the
// updated row.
func (s *JobStore) UpdateSubJobStatus(ctx context.Context, subjobID int64, upd StatusUpdate) (*models.SubJob, error) {
	if err := s.updateStatus(ctx, "subjob", "subjob_id", subjobID, upd); err != nil {
		return nil, err
	}
	return s.ReadSubJob(ctx, subjobID)
}

// UpdateStatus dispatches on the work item target tag.
func (s *JobStore) UpdateStatus(ctx context.Context, target models.Target, id int64, upd StatusUpdate) error {
	var err error
	switch target {
	case models.TargetJob:
		_, err = s.UpdateJobStatus(ctx, id, upd)
	case models.TargetSubJob:
		_, err = s.UpdateSubJobStatus(ctx, id, upd)
	default:
		err = fmt.Errorf("unknown update target %q", target)
	}
	return err
}

func (s *JobStore) updateStatus(ctx context.Context, table, pk string, id int64, upd StatusUpdate) error {
	at := upd.At
	if at.IsZero() {
		at = time.Now()
	}

	sets := []string{"status = ?"}
	args := []any{int(upd.Status)}

	if upd.Status == models.StatusRunning {
		sets = append(sets, "start_time = COALESCE(start_time, ?)")
		args = append(args, at.Unix())
	}
	if upd.Status.IsTerminal() {
		sets = append(sets, "finish_time = ?")
		args = append(args, at.Unix())
	}
	if upd.AppendMessage != "" {
		sets = append(sets, "messages = CASE WHEN messages IS NULL OR messages = '' THEN ? ELSE messages || char(10) || ? END")
		args = append(args, upd.AppendMessage, upd.AppendMessage)
	}
	if upd.Command != "" {
		sets = append(sets, "command = ?")
		args = append(args, upd.Command)
	}

	query := fmt.Sprintf("UPDATE %s SET %s WHERE %s = ?", table, strings.Join(sets, ", "), pk)
	args = append(args, id)

	if !upd.Override {
		priors := models.LegalPriors(upd.Status)
		if len(priors) == 0 {
			return models.ErrIllegalTransition
		}
		placeholders := make([]string, len(priors))
		for i, p := range priors {
			placeholders[i] = "?"
			args = append(args, int(p))
		}
		query += fmt.Sprintf(" AND status IN (%s)", strings.Join(placeholders, ", "))
	}

	res, err := s.db.DB().ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update %s %d: %w", table, id, err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		// Distinguish a missing row from a guarded transition.
		var exists int
		checkErr := s.db.DB().QueryRowContext(ctx,
			fmt.Sprintf("SELECT COUNT(*) FROM %s WHERE %s = ?", table, pk), id).Scan(&exists)
		if checkErr != nil {
			return checkErr
		}
		if exists == 0 {
			return models.ErrRowNotFound
		}
		return models.ErrIllegalTransition
	}
	return nil
}

// ClaimTransition marks a subjob Running and, if its parent job is still
// Queued, promotes the parent to Running with the same start_time. Both
// updates happen in one transaction so there is no window where the job is
// Queued while one of its subjobs is already Running.
func (s *JobStore) ClaimTransition(ctx context.Context, subjobID int64, at time.Time) error {
	tx, err := s.db.BeginTx(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin claim transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		UPDATE subjob SET status = ?, start_time = COALESCE(start_time, ?)
		WHERE subjob_id = ? AND status = ?`,
		int(models.StatusRunning), at.Unix(), subjobID, int(models.StatusQueued))
	if err != nil {
		return fmt.Errorf("failed to mark subjob running: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		var exists int
		if err := tx.QueryRowContext(ctx, "SELECT COUNT(*) FROM subjob WHERE subjob_id = ?", subjobID).Scan(&exists); err != nil {
			return err
		}
		if exists == 0 {
			return models.ErrRowNotFound
		}
		return models.ErrIllegalTransition
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE job SET status = ?, start_time = COALESCE(start_time, ?)
		WHERE job_id = (SELECT job_id FROM subjob WHERE subjob_id = ?) AND status = ?`,
		int(models.StatusRunning), at.Unix(), subjobID, int(models.StatusQueued)); err != nil {
		return fmt.Errorf("failed to promote parent job: %w", err)
	}

	return tx.Commit()
}

// ListRunningSubJobs returns subjob ids currently marked Running. The
// reconciliation sweep uses this to detect rows orphaned by a dead worker.
func (s *JobStore) ListRunningSubJobs(ctx context.Context) ([]int64, error) {
	rows, err := s.db.DB().QueryContext(ctx,
		"SELECT subjob_id FROM subjob WHERE status = ?", int(models.StatusRunning))
	if err != nil {
		return nil, fmt.Errorf("failed to query running subjobs: %w", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// ListRunningJobs returns job ids currently marked Running.
func (s *JobStore) ListRunningJobs(ctx context.Context) ([]int64, error) {
	rows, err := s.db.DB().QueryContext(ctx,
		"SELECT job_id FROM job WHERE status = ?", int(models.StatusRunning))
	if err != nil {
		return nil, fmt.Errorf("failed to query running jobs: %w", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// scanner covers both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanJob(sc scanner) (*models.Job, error) {
	var (
		job      models.Job
		status   int
		submit   sql.NullInt64
		start    sql.NullInt64
		finish   sql.NullInt64
		messages sql.NullString
		command  sql.NullString
	)
	err := sc.Scan(&job.JobID, &job.ComputerName, &status, &job.Priority, &submit, &start, &finish, &messages, &command)
	if err == sql.ErrNoRows {
		return nil, models.ErrRowNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan job row: %w", err)
	}
	job.Status = models.Status(status)
	job.SubmitTime = unixPtr(submit)
	job.StartTime = unixPtr(start)
	job.FinishTime = unixPtr(finish)
	job.Messages = messages.String
	job.Command = command.String
	return &job, nil
}

func scanSubJob(sc scanner) (*models.SubJob, error) {
	var (
		sub      models.SubJob
		status   int
		start    sql.NullInt64
		finish   sql.NullInt64
		messages sql.NullString
		command  sql.NullString
	)
	err := sc.Scan(&sub.SubJobID, &sub.JobID, &sub.ComputerName, &status, &sub.Priority, &start, &finish, &messages, &command)
	if err == sql.ErrNoRows {
		return nil, models.ErrRowNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan subjob row: %w", err)
	}
	sub.Status = models.Status(status)
	sub.StartTime = unixPtr(start)
	sub.FinishTime = unixPtr(finish)
	sub.Messages = messages.String
	sub.Command = command.String
	return &sub, nil
}

func nullUnix(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.Unix()
}

func unixPtr(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.Unix(v.Int64, 0)
	return &t
}
