package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/lib/pq"
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgres(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	s := &PostgresStore{db: db}
	if err := s.migrate(context.Background()); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *PostgresStore) migrate(ctx context.Context) error {
	// Use advisory lock to prevent concurrent migrations from multiple services.
	// Note: In production, use dedicated migration tools (e.g., golang-migrate/migrate)
	// that run as a separate deployment step before app services start.
	const lockID = 874302611 // arbitrary number for this application's migration lock

	var acquired bool
	err := s.db.QueryRowContext(ctx, `SELECT pg_try_advisory_lock($1)`, lockID).Scan(&acquired)
	if err != nil {
		return fmt.Errorf("failed to acquire migration lock: %w", err)
	}
	if !acquired {
		// Another service is running migrations; wait briefly and skip
		time.Sleep(2 * time.Second)
		return nil
	}
	defer func() {
		_, _ = s.db.ExecContext(context.Background(), `SELECT pg_advisory_unlock($1)`, lockID)
	}()

	stmts := []string{
		`CREATE TABLE IF NOT EXISTS documents (
			id UUID PRIMARY KEY,
			project_id UUID NOT NULL,
			filename TEXT NOT NULL,
			storage_path TEXT NOT NULL DEFAULT '',
			size_bytes BIGINT NOT NULL DEFAULT 0,
			page_count INT NOT NULL DEFAULT 0,
			content_hash TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL,
			status_message TEXT NOT NULL DEFAULT '',
			progress_json JSONB NOT NULL DEFAULT '{}',
			indexed_chunk_count INT NOT NULL DEFAULT 0,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			deleted_at TIMESTAMPTZ
		);`,
		`CREATE INDEX IF NOT EXISTS documents_project_idx ON documents(project_id) WHERE deleted_at IS NULL;`,
		`CREATE TABLE IF NOT EXISTS processing_jobs (
			id UUID PRIMARY KEY,
			document_id UUID NOT NULL REFERENCES documents(id),
			project_id UUID NOT NULL,
			job_type TEXT NOT NULL,
			status TEXT NOT NULL,
			task_id TEXT NOT NULL DEFAULT '',
			attempt_count INT NOT NULL DEFAULT 0,
			dispatch_trigger TEXT NOT NULL DEFAULT '',
			dispatch_batch_id TEXT NOT NULL DEFAULT '',
			progress_json JSONB NOT NULL DEFAULT '{}',
			error_summary TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			dispatched_at TIMESTAMPTZ,
			started_at TIMESTAMPTZ,
			finished_at TIMESTAMPTZ
		);`,
		// The serialization point for "at most one active job per document".
		`CREATE UNIQUE INDEX IF NOT EXISTS processing_jobs_one_active_per_doc
			ON processing_jobs(document_id)
			WHERE status IN ('queued','dispatched','running');`,
		`CREATE INDEX IF NOT EXISTS processing_jobs_project_status_idx ON processing_jobs(project_id, status);`,
		`CREATE TABLE IF NOT EXISTS job_events (
			id BIGSERIAL PRIMARY KEY,
			job_id UUID NOT NULL REFERENCES processing_jobs(id),
			stage TEXT NOT NULL,
			level TEXT NOT NULL DEFAULT 'info',
			message TEXT NOT NULL,
			details_json JSONB,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);`,
		`CREATE INDEX IF NOT EXISTS job_events_job_idx ON job_events(job_id, created_at);`,
		`CREATE TABLE IF NOT EXISTS embedding_profiles (
			id UUID PRIMARY KEY,
			name TEXT NOT NULL,
			provider TEXT NOT NULL,
			model_id TEXT NOT NULL,
			dimensions INT NOT NULL,
			distance_metric TEXT NOT NULL DEFAULT 'cosine',
			normalize BOOLEAN NOT NULL DEFAULT true,
			input_prefix_mode TEXT NOT NULL DEFAULT 'none',
			collection_name TEXT NOT NULL DEFAULT '',
			alias_name TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);`,
		`CREATE UNIQUE INDEX IF NOT EXISTS embedding_profiles_one_active
			ON embedding_profiles(alias_name) WHERE status = 'active';`,
		`CREATE TABLE IF NOT EXISTS reindex_runs (
			id UUID PRIMARY KEY,
			source_profile_id UUID,
			target_profile_id UUID NOT NULL REFERENCES embedding_profiles(id),
			staging_collection TEXT NOT NULL,
			status TEXT NOT NULL,
			summary_json JSONB NOT NULL DEFAULT '{}',
			drift_detected_count INT NOT NULL DEFAULT 0,
			error_summary TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			started_at TIMESTAMPTZ,
			finished_at TIMESTAMPTZ,
			applied_at TIMESTAMPTZ
		);`,
		// Only one run may be live system-wide; concurrent runs are rejected.
		`CREATE UNIQUE INDEX IF NOT EXISTS reindex_runs_single_active
			ON reindex_runs((1))
			WHERE status IN ('queued','running','catchup_pending','catchup_running','apply_ready');`,
		`CREATE TABLE IF NOT EXISTS reindex_run_items (
			id UUID PRIMARY KEY,
			run_id UUID NOT NULL REFERENCES reindex_runs(id),
			document_id UUID NOT NULL,
			status TEXT NOT NULL,
			attempt_count INT NOT NULL DEFAULT 0,
			content_hash_snapshot TEXT NOT NULL DEFAULT '',
			last_seen_updated_at TIMESTAMPTZ,
			indexed_chunk_count INT NOT NULL DEFAULT 0,
			needs_catchup BOOLEAN NOT NULL DEFAULT false,
			error_summary TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			started_at TIMESTAMPTZ,
			finished_at TIMESTAMPTZ
		);`,
		`CREATE INDEX IF NOT EXISTS reindex_run_items_run_idx ON reindex_run_items(run_id, created_at);`,
		`CREATE TABLE IF NOT EXISTS scheduler_state (
			id INT PRIMARY KEY DEFAULT 1 CHECK (id = 1),
			value_json JSONB NOT NULL DEFAULT '{}',
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func marshalJSON(v any) []byte {
	b, err := json.Marshal(v)
	if err != nil {
		return []byte("{}")
	}
	return b
}

func statusStrings[T ~string](in []T) []string {
	out := make([]string, len(in))
	for i, v := range in {
		out[i] = string(v)
	}
	return out
}

// Documents

func (s *PostgresStore) CreateDocument(ctx context.Context, d Document) (Document, error) {
	if d.ID == uuid.Nil {
		d.ID = uuid.New()
	}
	if d.Status == "" {
		d.Status = DocUploaded
	}
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO documents(id, project_id, filename, storage_path, size_bytes, page_count, content_hash, status, status_message, progress_json)
		VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
		RETURNING created_at, updated_at`,
		d.ID, d.ProjectID, d.Filename, d.StoragePath, d.SizeBytes, d.PageCount, d.ContentHash,
		d.Status, d.StatusMessage, marshalJSON(d.Progress),
	).Scan(&d.CreatedAt, &d.UpdatedAt)
	if err != nil {
		return Document{}, err
	}
	return d, nil
}

const documentColumns = `id, project_id, filename, storage_path, size_bytes, page_count, content_hash,
	status, status_message, progress_json, indexed_chunk_count, created_at, updated_at, deleted_at`

func scanDocument(row interface{ Scan(...any) error }) (Document, error) {
	var d Document
	var progress []byte
	err := row.Scan(&d.ID, &d.ProjectID, &d.Filename, &d.StoragePath, &d.SizeBytes, &d.PageCount,
		&d.ContentHash, &d.Status, &d.StatusMessage, &progress, &d.IndexedChunkCount,
		&d.CreatedAt, &d.UpdatedAt, &d.DeletedAt)
	if err != nil {
		return Document{}, err
	}
	_ = json.Unmarshal(progress, &d.Progress)
	return d, nil
}

func (s *PostgresStore) GetDocument(ctx context.Context, id uuid.UUID) (Document, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+documentColumns+` FROM documents WHERE id=$1`, id)
	d, err := scanDocument(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Document{}, ErrNotFound
	}
	return d, err
}

func (s *PostgresStore) ListDocuments(ctx context.Context, projectID uuid.UUID) ([]Document, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+documentColumns+` FROM documents WHERE project_id=$1 AND deleted_at IS NULL ORDER BY created_at DESC`,
		projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Document
	for rows.Next() {
		d, err := scanDocument(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (s *PostgresStore) ListLiveDocuments(ctx context.Context) ([]Document, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+documentColumns+` FROM documents WHERE deleted_at IS NULL ORDER BY created_at ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Document
	for rows.Next() {
		d, err := scanDocument(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (s *PostgresStore) SetDocumentStatus(ctx context.Context, id uuid.UUID, status DocumentStatus, message string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE documents SET status=$1, status_message=$2, updated_at=now() WHERE id=$3`,
		status, message, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) SetDocumentProgress(ctx context.Context, id uuid.UUID, p Progress) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE documents SET progress_json=$1, updated_at=now() WHERE id=$2`, marshalJSON(p), id)
	return err
}

func (s *PostgresStore) SetDocumentPageCount(ctx context.Context, id uuid.UUID, pages int) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE documents SET page_count=$1, updated_at=now() WHERE id=$2`, pages, id)
	return err
}

func (s *PostgresStore) SetDocumentIndexed(ctx context.Context, id uuid.UUID, chunkCount int) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE documents SET indexed_chunk_count=$1, updated_at=now() WHERE id=$2`, chunkCount, id)
	return err
}

func (s *PostgresStore) UpdateDocumentContent(ctx context.Context, id uuid.UUID, storagePath, contentHash string, sizeBytes int64) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE documents SET storage_path=$1, content_hash=$2, size_bytes=$3, updated_at=now() WHERE id=$4`,
		storagePath, contentHash, sizeBytes, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) SoftDeleteDocument(ctx context.Context, id uuid.UUID) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE documents SET deleted_at=now(), updated_at=now() WHERE id=$1 AND deleted_at IS NULL`, id)
	return err
}

// Processing jobs

func (s *PostgresStore) CreateJob(ctx context.Context, j ProcessingJob) (ProcessingJob, error) {
	if j.ID == uuid.Nil {
		j.ID = uuid.New()
	}
	if j.Status == "" {
		j.Status = JobQueued
	}
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO processing_jobs(id, document_id, project_id, job_type, status, dispatch_trigger, progress_json)
		VALUES($1,$2,$3,$4,$5,$6,$7)
		RETURNING created_at, updated_at`,
		j.ID, j.DocumentID, j.ProjectID, j.JobType, j.Status, j.DispatchTrigger, marshalJSON(j.Progress),
	).Scan(&j.CreatedAt, &j.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return ProcessingJob{}, ErrJobAlreadyActive
		}
		return ProcessingJob{}, err
	}
	return j, nil
}

const jobColumns = `id, document_id, project_id, job_type, status, task_id, attempt_count,
	dispatch_trigger, dispatch_batch_id, progress_json, error_summary,
	created_at, updated_at, dispatched_at, started_at, finished_at`

func scanJob(row interface{ Scan(...any) error }) (ProcessingJob, error) {
	var j ProcessingJob
	var progress []byte
	err := row.Scan(&j.ID, &j.DocumentID, &j.ProjectID, &j.JobType, &j.Status, &j.TaskID,
		&j.AttemptCount, &j.DispatchTrigger, &j.DispatchBatchID, &progress, &j.ErrorSummary,
		&j.CreatedAt, &j.UpdatedAt, &j.DispatchedAt, &j.StartedAt, &j.FinishedAt)
	if err != nil {
		return ProcessingJob{}, err
	}
	_ = json.Unmarshal(progress, &j.Progress)
	return j, nil
}

func (s *PostgresStore) GetJob(ctx context.Context, id uuid.UUID) (ProcessingJob, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM processing_jobs WHERE id=$1`, id)
	j, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return ProcessingJob{}, ErrNotFound
	}
	return j, err
}

func (s *PostgresStore) ActiveJobForDocument(ctx context.Context, documentID uuid.UUID) (*ProcessingJob, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+jobColumns+` FROM processing_jobs WHERE document_id=$1 AND status = ANY($2) LIMIT 1`,
		documentID, pq.Array(statusStrings(ActiveJobStatuses)))
	j, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &j, nil
}

func (s *PostgresStore) ListJobs(ctx context.Context, f JobFilter) ([]ProcessingJob, error) {
	query := `SELECT ` + jobColumns + ` FROM processing_jobs WHERE 1=1`
	args := []any{}
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}
	if f.ProjectID != nil {
		query += ` AND project_id=` + arg(*f.ProjectID)
	}
	if f.DocumentID != nil {
		query += ` AND document_id=` + arg(*f.DocumentID)
	}
	if len(f.Statuses) > 0 {
		query += ` AND status = ANY(` + arg(pq.Array(statusStrings(f.Statuses))) + `)`
	}
	if len(f.JobTypes) > 0 {
		query += ` AND job_type = ANY(` + arg(pq.Array(statusStrings(f.JobTypes))) + `)`
	}
	if f.RecentTerminalWindow > 0 {
		query += ` AND (NOT status = ANY(` + arg(pq.Array(statusStrings(TerminalJobStatuses))) + `)` +
			` OR updated_at >= ` + arg(time.Now().Add(-f.RecentTerminalWindow)) + `)`
	}
	query += ` ORDER BY created_at DESC`
	if f.Limit > 0 {
		query += ` LIMIT ` + arg(f.Limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []ProcessingJob
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

func (s *PostgresStore) ActiveDocumentIDs(ctx context.Context, projectID *uuid.UUID) (map[uuid.UUID]bool, error) {
	query := `SELECT document_id FROM processing_jobs WHERE status IN ('dispatched','running')`
	args := []any{}
	if projectID != nil {
		query += ` AND project_id=$1`
		args = append(args, *projectID)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := map[uuid.UUID]bool{}
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out[id] = true
	}
	return out, rows.Err()
}

func (s *PostgresStore) CountQueuedJobs(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT count(*) FROM processing_jobs WHERE status='queued'`).Scan(&n)
	return n, err
}

// MarkJobDispatched performs the queued -> dispatched edge. The NOT EXISTS
// guard re-checks the per-document exclusion at dispatch time, closing the
// race between two concurrent dispatch calls.
func (s *PostgresStore) MarkJobDispatched(ctx context.Context, id uuid.UUID, info DispatchInfo) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE processing_jobs SET
			status='dispatched', dispatched_at=now(), dispatch_trigger=$2, dispatch_batch_id=$3,
			error_summary='', updated_at=now()
		WHERE id=$1 AND status='queued'
		AND NOT EXISTS (
			SELECT 1 FROM processing_jobs other
			WHERE other.document_id = processing_jobs.document_id
			AND other.id <> processing_jobs.id
			AND other.status IN ('dispatched','running')
		)`,
		id, info.Trigger, info.BatchID)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (s *PostgresStore) SetJobTaskID(ctx context.Context, id uuid.UUID, taskID string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE processing_jobs SET task_id=$1, updated_at=now() WHERE id=$2`, taskID, id)
	return err
}

func (s *PostgresStore) ReturnJobToQueue(ctx context.Context, id uuid.UUID, reason string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE processing_jobs SET
			status='queued', dispatched_at=NULL, dispatch_trigger='', dispatch_batch_id='',
			error_summary=$2, updated_at=now()
		WHERE id=$1 AND status='dispatched'`,
		id, reason)
	return err
}

func (s *PostgresStore) CancelJob(ctx context.Context, id uuid.UUID, reason string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE processing_jobs SET status='cancelled', error_summary=$2, finished_at=now(), updated_at=now()
		WHERE id=$1 AND status = ANY($3)`,
		id, reason, pq.Array(statusStrings(ActiveJobStatuses)))
	return err
}

func (s *PostgresStore) StartJob(ctx context.Context, id uuid.UUID) (ProcessingJob, error) {
	row := s.db.QueryRowContext(ctx, `
		UPDATE processing_jobs SET
			status='running', attempt_count=attempt_count+1,
			started_at=COALESCE(started_at, now()), updated_at=now()
		WHERE id=$1
		RETURNING `+jobColumns,
		id)
	j, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return ProcessingJob{}, ErrNotFound
	}
	return j, err
}

func (s *PostgresStore) SetJobProgress(ctx context.Context, id uuid.UUID, p Progress) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE processing_jobs SET progress_json=$1, updated_at=now() WHERE id=$2`, marshalJSON(p), id)
	return err
}

func (s *PostgresStore) FinishJob(ctx context.Context, id uuid.UUID, status JobStatus, errorSummary string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE processing_jobs SET status=$1, error_summary=$2, finished_at=now(), updated_at=now()
		WHERE id=$3`,
		status, errorSummary, id)
	return err
}

// Job events

func (s *PostgresStore) AppendJobEvent(ctx context.Context, e JobEvent) error {
	var details []byte
	if e.Details != nil {
		details = marshalJSON(e.Details)
	}
	if e.Level == "" {
		e.Level = "info"
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO job_events(job_id, stage, level, message, details_json)
		VALUES($1,$2,$3,$4,$5)`,
		e.JobID, e.Stage, e.Level, e.Message, details)
	return err
}

func scanJobEvent(row interface{ Scan(...any) error }) (JobEvent, error) {
	var e JobEvent
	var details []byte
	err := row.Scan(&e.ID, &e.JobID, &e.Stage, &e.Level, &e.Message, &details, &e.CreatedAt)
	if err != nil {
		return JobEvent{}, err
	}
	if len(details) > 0 {
		_ = json.Unmarshal(details, &e.Details)
	}
	return e, nil
}

func (s *PostgresStore) ListJobEvents(ctx context.Context, jobID uuid.UUID) ([]JobEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, job_id, stage, level, message, details_json, created_at
		FROM job_events WHERE job_id=$1 ORDER BY created_at ASC, id ASC`, jobID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []JobEvent
	for rows.Next() {
		e, err := scanJobEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *PostgresStore) LatestJobEvents(ctx context.Context, jobIDs []uuid.UUID) (map[uuid.UUID]JobEvent, error) {
	if len(jobIDs) == 0 {
		return map[uuid.UUID]JobEvent{}, nil
	}
	ids := make([]string, len(jobIDs))
	for i, id := range jobIDs {
		ids[i] = id.String()
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT DISTINCT ON (job_id) id, job_id, stage, level, message, details_json, created_at
		FROM job_events WHERE job_id = ANY($1::uuid[])
		ORDER BY job_id, created_at DESC, id DESC`, pq.Array(ids))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := map[uuid.UUID]JobEvent{}
	for rows.Next() {
		e, err := scanJobEvent(rows)
		if err != nil {
			return nil, err
		}
		out[e.JobID] = e
	}
	return out, rows.Err()
}

// Embedding profiles

const profileColumns = `id, name, provider, model_id, dimensions, distance_metric, normalize,
	input_prefix_mode, collection_name, alias_name, status, created_at, updated_at`

func scanProfile(row interface{ Scan(...any) error }) (EmbeddingProfile, error) {
	var p EmbeddingProfile
	err := row.Scan(&p.ID, &p.Name, &p.Provider, &p.ModelID, &p.Dimensions, &p.DistanceMetric,
		&p.Normalize, &p.InputPrefixMode, &p.CollectionName, &p.AliasName, &p.Status,
		&p.CreatedAt, &p.UpdatedAt)
	return p, err
}

func (s *PostgresStore) CreateProfile(ctx context.Context, p EmbeddingProfile) (EmbeddingProfile, error) {
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	if p.Status == "" {
		p.Status = ProfileDraft
	}
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO embedding_profiles(id, name, provider, model_id, dimensions, distance_metric,
			normalize, input_prefix_mode, collection_name, alias_name, status)
		VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
		RETURNING created_at, updated_at`,
		p.ID, p.Name, p.Provider, p.ModelID, p.Dimensions, p.DistanceMetric,
		p.Normalize, p.InputPrefixMode, p.CollectionName, p.AliasName, p.Status,
	).Scan(&p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return EmbeddingProfile{}, err
	}
	return p, nil
}

func (s *PostgresStore) GetProfile(ctx context.Context, id uuid.UUID) (EmbeddingProfile, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+profileColumns+` FROM embedding_profiles WHERE id=$1`, id)
	p, err := scanProfile(row)
	if errors.Is(err, sql.ErrNoRows) {
		return EmbeddingProfile{}, ErrNotFound
	}
	return p, err
}

func (s *PostgresStore) ActiveProfile(ctx context.Context) (EmbeddingProfile, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+profileColumns+` FROM embedding_profiles WHERE status='active' ORDER BY created_at DESC LIMIT 1`)
	p, err := scanProfile(row)
	if errors.Is(err, sql.ErrNoRows) {
		return EmbeddingProfile{}, ErrNotFound
	}
	return p, err
}

func (s *PostgresStore) LatestDraftProfile(ctx context.Context) (*EmbeddingProfile, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+profileColumns+` FROM embedding_profiles WHERE status='draft' ORDER BY updated_at DESC LIMIT 1`)
	p, err := scanProfile(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (s *PostgresStore) CountProfilesForModel(ctx context.Context, provider, modelID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT count(*) FROM embedding_profiles WHERE provider=$1 AND model_id=$2`,
		provider, modelID).Scan(&n)
	return n, err
}

func (s *PostgresStore) SetProfileCollection(ctx context.Context, id uuid.UUID, collection string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE embedding_profiles SET collection_name=$1, updated_at=now() WHERE id=$2`, collection, id)
	return err
}

func (s *PostgresStore) SetProfileStatus(ctx context.Context, id uuid.UUID, status ProfileStatus) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE embedding_profiles SET status=$1, updated_at=now() WHERE id=$2`, string(status), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ActivateProfile retires the previous active profile and promotes the given
// one in a single transaction; retrieval never observes zero or two actives.
func (s *PostgresStore) ActivateProfile(ctx context.Context, id uuid.UUID) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx,
		`UPDATE embedding_profiles SET status='retired', updated_at=now() WHERE status='active' AND id<>$1`, id); err != nil {
		return err
	}
	res, err := tx.ExecContext(ctx,
		`UPDATE embedding_profiles SET status='active', updated_at=now() WHERE id=$1`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return tx.Commit()
}

// Reindex runs

const runColumns = `id, source_profile_id, target_profile_id, staging_collection, status,
	summary_json, drift_detected_count, error_summary,
	created_at, updated_at, started_at, finished_at, applied_at`

func scanRun(row interface{ Scan(...any) error }) (ReindexRun, error) {
	var r ReindexRun
	var summary []byte
	err := row.Scan(&r.ID, &r.SourceProfileID, &r.TargetProfileID, &r.StagingCollection, &r.Status,
		&summary, &r.DriftDetected, &r.ErrorSummary,
		&r.CreatedAt, &r.UpdatedAt, &r.StartedAt, &r.FinishedAt, &r.AppliedAt)
	if err != nil {
		return ReindexRun{}, err
	}
	_ = json.Unmarshal(summary, &r.Summary)
	return r, nil
}

func (s *PostgresStore) CreateRun(ctx context.Context, r ReindexRun, items []ReindexRunItem) (ReindexRun, error) {
	if r.ID == uuid.Nil {
		r.ID = uuid.New()
	}
	if r.Status == "" {
		r.Status = RunQueued
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return ReindexRun{}, err
	}
	defer tx.Rollback()
	err = tx.QueryRowContext(ctx, `
		INSERT INTO reindex_runs(id, source_profile_id, target_profile_id, staging_collection, status, summary_json)
		VALUES($1,$2,$3,$4,$5,$6)
		RETURNING created_at, updated_at`,
		r.ID, r.SourceProfileID, r.TargetProfileID, r.StagingCollection, r.Status, marshalJSON(r.Summary),
	).Scan(&r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return ReindexRun{}, ErrReindexRunActive
		}
		return ReindexRun{}, err
	}
	for _, item := range items {
		if item.ID == uuid.Nil {
			item.ID = uuid.New()
		}
		if item.Status == "" {
			item.Status = ItemQueued
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO reindex_run_items(id, run_id, document_id, status, content_hash_snapshot, last_seen_updated_at)
			VALUES($1,$2,$3,$4,$5,$6)`,
			item.ID, r.ID, item.DocumentID, item.Status, item.ContentHashSnapshot, item.LastSeenUpdatedAt)
		if err != nil {
			return ReindexRun{}, err
		}
	}
	if err := tx.Commit(); err != nil {
		return ReindexRun{}, err
	}
	return r, nil
}

func (s *PostgresStore) GetRun(ctx context.Context, id uuid.UUID) (ReindexRun, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM reindex_runs WHERE id=$1`, id)
	r, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return ReindexRun{}, ErrNotFound
	}
	return r, err
}

func (s *PostgresStore) ListRuns(ctx context.Context) ([]ReindexRun, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+runColumns+` FROM reindex_runs ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []ReindexRun
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *PostgresStore) SetRunStatus(ctx context.Context, id uuid.UUID, status RunStatus, errorSummary string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE reindex_runs SET
			status=$1, error_summary=$2, updated_at=now(),
			started_at=CASE WHEN $1='running' THEN COALESCE(started_at, now()) ELSE started_at END,
			finished_at=CASE WHEN $1 IN ('applied','failed','cancelled') THEN COALESCE(finished_at, now()) ELSE finished_at END,
			applied_at=CASE WHEN $1='applied' THEN now() ELSE applied_at END
		WHERE id=$3`,
		status, errorSummary, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) SetRunSummary(ctx context.Context, id uuid.UUID, sum RunSummary, driftDetected int) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE reindex_runs SET summary_json=$1, drift_detected_count=$2, updated_at=now() WHERE id=$3`,
		marshalJSON(sum), driftDetected, id)
	return err
}

const itemColumns = `id, run_id, document_id, status, attempt_count, content_hash_snapshot,
	last_seen_updated_at, indexed_chunk_count, needs_catchup, error_summary,
	created_at, updated_at, started_at, finished_at`

func scanItem(row interface{ Scan(...any) error }) (ReindexRunItem, error) {
	var it ReindexRunItem
	err := row.Scan(&it.ID, &it.RunID, &it.DocumentID, &it.Status, &it.AttemptCount,
		&it.ContentHashSnapshot, &it.LastSeenUpdatedAt, &it.IndexedChunkCount, &it.NeedsCatchup,
		&it.ErrorSummary, &it.CreatedAt, &it.UpdatedAt, &it.StartedAt, &it.FinishedAt)
	return it, err
}

func (s *PostgresStore) ListRunItems(ctx context.Context, runID uuid.UUID) ([]ReindexRunItem, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+itemColumns+` FROM reindex_run_items WHERE run_id=$1 ORDER BY created_at ASC, id ASC`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []ReindexRunItem
	for rows.Next() {
		it, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, it)
	}
	return out, rows.Err()
}

func (s *PostgresStore) UpdateRunItem(ctx context.Context, item ReindexRunItem) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE reindex_run_items SET
			status=$1, attempt_count=$2, indexed_chunk_count=$3, needs_catchup=$4,
			error_summary=$5, content_hash_snapshot=$6, last_seen_updated_at=$7,
			started_at=$8, finished_at=$9, updated_at=now()
		WHERE id=$10`,
		item.Status, item.AttemptCount, item.IndexedChunkCount, item.NeedsCatchup,
		item.ErrorSummary, item.ContentHashSnapshot, item.LastSeenUpdatedAt, item.StartedAt, item.FinishedAt, item.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// Scheduler state

func (s *PostgresStore) SchedulerState(ctx context.Context) (SchedulerState, error) {
	var value []byte
	err := s.db.QueryRowContext(ctx, `SELECT value_json FROM scheduler_state WHERE id=1`).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return SchedulerState{}, nil
	}
	if err != nil {
		return SchedulerState{}, err
	}
	var st SchedulerState
	_ = json.Unmarshal(value, &st)
	return st, nil
}

func (s *PostgresStore) SaveSchedulerState(ctx context.Context, st SchedulerState) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO scheduler_state(id, value_json) VALUES(1, $1)
		ON CONFLICT (id) DO UPDATE SET value_json=excluded.value_json, updated_at=now()`,
		marshalJSON(st))
	return err
}

func (s *PostgresStore) Close() error {
	return s.db.Close()
}
