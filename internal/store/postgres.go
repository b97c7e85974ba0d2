package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"

	"document-intake/internal/apperr"
	"document-intake/internal/models"
)

// Store wraps pgxpool for Postgres persistence.
type Store struct {
	pool *pgxpool.Pool
}

// New creates a pooled connection to Postgres.
func New(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Store{pool: pool}, nil
}

func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// Ping checks connectivity for the health endpoint.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Stat exposes pool statistics for the metrics collector.
func (s *Store) Stat() *pgxpool.Stat {
	return s.pool.Stat()
}

// CreateJobParams collects inputs required to insert a job.
type CreateJobParams struct {
	JobID        string
	FileName     string
	BaseFilePath string
	UserGroup    string
	SubmittedBy  string
}

// CreateJob inserts a pending job at the queued step and records the first event.
// Resubmitting an id the upstream already handed out returns the existing row.
func (s *Store) CreateJob(ctx context.Context, p CreateJobParams) (models.Job, error) {
	if p.JobID == "" {
		return models.Job{}, apperr.Missing("job_id")
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.Job{}, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) // safe no-op on commit

	now := time.Now().UTC()
	tag, err := tx.Exec(ctx, `
		INSERT INTO processing_jobs (job_id, file_name, base_file_path, user_group, submitted_by, current_step, progress, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $9)
		ON CONFLICT (job_id) DO NOTHING
	`, p.JobID, p.FileName, p.BaseFilePath, p.UserGroup, emptyToNil(p.SubmittedBy),
		string(models.StepQueued), models.StepQueued.Progress(), models.StatusPending, now)
	if err != nil {
		return models.Job{}, fmt.Errorf("insert job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		if err := tx.Rollback(ctx); err != nil {
			return models.Job{}, fmt.Errorf("rollback after conflict: %w", err)
		}
		return s.GetJob(ctx, p.JobID)
	}

	if err := insertEvent(ctx, tx, p.JobID, models.StepQueued, models.StatusPending, models.StepQueued.Progress(), "queued "+p.FileName); err != nil {
		return models.Job{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return models.Job{}, fmt.Errorf("commit: %w", err)
	}

	return models.Job{
		JobID:        p.JobID,
		FileName:     p.FileName,
		BaseFilePath: p.BaseFilePath,
		UserGroup:    p.UserGroup,
		SubmittedBy:  emptyToNil(p.SubmittedBy),
		CurrentStep:  models.StepQueued,
		Progress:     models.StepQueued.Progress(),
		Status:       models.StatusPending,
		CreatedAt:    now,
		UpdatedAt:    now,
	}, nil
}

// GetJob fetches a job by id.
func (s *Store) GetJob(ctx context.Context, id string) (models.Job, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT job_id, file_name, base_file_path, user_group, submitted_by, current_step, progress, status, error_message, created_at, updated_at
		FROM processing_jobs WHERE job_id = $1
	`, id)

	var job models.Job
	var step string
	var submittedBy, errMsg pgtype.Text
	if err := row.Scan(&job.JobID, &job.FileName, &job.BaseFilePath, &job.UserGroup, &submittedBy, &step, &job.Progress, &job.Status, &errMsg, &job.CreatedAt, &job.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Job{}, &apperr.NotFoundError{Resource: "job " + id}
		}
		return models.Job{}, fmt.Errorf("scan job: %w", err)
	}
	job.CurrentStep = models.Step(step)
	job.SubmittedBy = textPtr(submittedBy)
	job.ErrorMessage = textPtr(errMsg)
	return job, nil
}

// Advance moves a job to step with the given status, recording an event when the row changed.
// The UPDATE only applies while the job is not terminal, progress does not go backwards
// and status does not return to pending once processing; otherwise it reports false.
func (s *Store) Advance(ctx context.Context, jobID string, step models.Step, status, detail string) (bool, error) {
	progress := step.Progress()

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return false, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `
		UPDATE processing_jobs
		SET current_step = $2, progress = $3, status = $4, error_message = NULL, updated_at = NOW()
		WHERE job_id = $1
		  AND status IN ('pending', 'processing')
		  AND progress <= $3
		  AND NOT (status = 'processing' AND $4 = 'pending')
	`, jobID, string(step), progress, status)
	if err != nil {
		return false, fmt.Errorf("advance job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return false, nil
	}
	if err := insertEvent(ctx, tx, jobID, step, status, progress, detail); err != nil {
		return false, err
	}
	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("commit: %w", err)
	}
	return true, nil
}

// MarkFailed flags a non-terminal job as failed, keeping its last step and progress.
func (s *Store) MarkFailed(ctx context.Context, jobID string, step models.Step, message string) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var progress int
	err = tx.QueryRow(ctx, `
		UPDATE processing_jobs
		SET status = $2, error_message = $3, updated_at = NOW()
		WHERE job_id = $1 AND status IN ('pending', 'processing')
		RETURNING progress
	`, jobID, models.StatusFailed, message).Scan(&progress)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("mark failed: %w", err)
	}
	if err := insertEvent(ctx, tx, jobID, step, models.StatusFailed, progress, message); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// ListEvents returns the transition log of a job, oldest first.
func (s *Store) ListEvents(ctx context.Context, jobID string) ([]models.JobEvent, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id::text, job_id, step, status, progress, detail, recorded_at
		FROM job_events WHERE job_id = $1
		ORDER BY recorded_at, id
	`, jobID)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	var out []models.JobEvent
	for rows.Next() {
		var ev models.JobEvent
		var step string
		if err := rows.Scan(&ev.ID, &ev.JobID, &step, &ev.Status, &ev.Progress, &ev.Detail, &ev.Recorded); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		ev.Step = models.Step(step)
		out = append(out, ev)
	}
	return out, rows.Err()
}

type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

func insertEvent(ctx context.Context, db execer, jobID string, step models.Step, status string, progress int, detail string) error {
	_, err := db.Exec(ctx, `
		INSERT INTO job_events (id, job_id, step, status, progress, detail, recorded_at)
		VALUES ($1, $2, $3, $4, $5, $6, clock_timestamp())
	`, uuid.New(), jobID, string(step), status, progress, detail)
	if err != nil {
		return fmt.Errorf("insert job event: %w", err)
	}
	return nil
}

// placeholderPredicate selects embedding rows not yet claimed by their owner.
const placeholderPredicate = `job_id = $1 AND user_group = $2 AND user_id IS NULL`

// CountPlaceholderEmbeddings counts unclaimed rows uploaded for a job.
func (s *Store) CountPlaceholderEmbeddings(ctx context.Context, jobID string) (int64, error) {
	var n int64
	if err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM document_embeddings WHERE `+placeholderPredicate,
		jobID, models.PlaceholderGroup,
	).Scan(&n); err != nil {
		return 0, fmt.Errorf("count placeholder embeddings: %w", err)
	}
	return n, nil
}

// ListPlaceholderEmbeddings returns the unclaimed rows uploaded for a job.
func (s *Store) ListPlaceholderEmbeddings(ctx context.Context, jobID string) ([]models.EmbeddingRecord, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, job_id, user_group, user_id, content, embedding, metadata
		FROM document_embeddings
		WHERE `+placeholderPredicate+`
		ORDER BY id
	`, jobID, models.PlaceholderGroup)
	if err != nil {
		return nil, fmt.Errorf("query placeholder embeddings: %w", err)
	}
	defer rows.Close()

	var out []models.EmbeddingRecord
	for rows.Next() {
		var rec models.EmbeddingRecord
		var userID pgtype.Text
		var vec pgvector.Vector
		var meta []byte
		if err := rows.Scan(&rec.ID, &rec.JobID, &rec.UserGroup, &userID, &rec.Content, &vec, &meta); err != nil {
			return nil, fmt.Errorf("scan embedding: %w", err)
		}
		rec.UserID = textPtr(userID)
		rec.Embedding = vec.Slice()
		if len(meta) > 0 {
			if err := json.Unmarshal(meta, &rec.Metadata); err != nil {
				return nil, fmt.Errorf("unmarshal embedding metadata: %w", err)
			}
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// ClaimPlaceholderEmbeddings assigns the real owner to a job's unclaimed rows in one UPDATE.
// Rows of other jobs, or rows already owned, never match.
func (s *Store) ClaimPlaceholderEmbeddings(ctx context.Context, jobID, userGroup, userID string) (int64, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE document_embeddings SET user_group = $3, user_id = $4 WHERE `+placeholderPredicate,
		jobID, models.PlaceholderGroup, userGroup, userID,
	)
	if err != nil {
		return 0, fmt.Errorf("claim placeholder embeddings: %w", err)
	}
	return tag.RowsAffected(), nil
}

// ListRecords returns the newest records of a group.
func (s *Store) ListRecords(ctx context.Context, userGroup string, limit int) ([]models.Record, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx, `
		SELECT nanoid, file_name, file_type, agency_id, user_group, object_upload_url, status, tags, entities, date_created
		FROM records
		WHERE user_group = $1
		ORDER BY date_created DESC
		LIMIT $2
	`, userGroup, limit)
	if err != nil {
		return nil, fmt.Errorf("query records: %w", err)
	}
	defer rows.Close()

	var out []models.Record
	for rows.Next() {
		var rec models.Record
		var fileType, agency pgtype.Text
		var entities []byte
		if err := rows.Scan(&rec.NanoID, &rec.FileName, &fileType, &agency, &rec.UserGroup, &rec.ObjectUploadURL, &rec.Status, &rec.Tags, &entities, &rec.DateCreated); err != nil {
			return nil, fmt.Errorf("scan record: %w", err)
		}
		rec.FileType = fileType.String
		rec.AgencyID = textPtr(agency)
		if len(entities) > 0 {
			rec.Entities = json.RawMessage(entities)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// CountJobsByStatus counts job rows per status. The worker publishes it as the intake_jobs gauge.
func (s *Store) CountJobsByStatus(ctx context.Context) (map[string]int64, error) {
	rows, err := s.pool.Query(ctx, `SELECT status, COUNT(*) FROM processing_jobs GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("count jobs: %w", err)
	}
	defer rows.Close()

	out := map[string]int64{}
	for rows.Next() {
		var status string
		var n int64
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan job count: %w", err)
		}
		out[status] = n
	}
	return out, rows.Err()
}

func textPtr(t pgtype.Text) *string {
	if t.Valid {
		return &t.String
	}
	return nil
}

func emptyToNil(v string) *string {
	if v == "" {
		return nil
	}
	return &v
}
