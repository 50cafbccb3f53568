package jobstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

const jobSchemaDDL = `
CREATE TABLE IF NOT EXISTS jobs (
	id                TEXT PRIMARY KEY,
	owner_id          TEXT NOT NULL,
	source_object_key TEXT NOT NULL,
	target_language   TEXT NOT NULL,
	tone              TEXT NOT NULL,
	total_chunks      INTEGER DEFAULT 0,
	translated_chunks INTEGER DEFAULT 0,
	state             TEXT NOT NULL,
	error_json        TEXT,
	input_tokens      INTEGER DEFAULT 0,
	output_tokens     INTEGER DEFAULT 0,
	created_at        TEXT NOT NULL,
	updated_at        TEXT NOT NULL,
	completed_at      TEXT
);
CREATE INDEX IF NOT EXISTS idx_jobs_owner ON jobs(owner_id);

CREATE TABLE IF NOT EXISTS chunk_descriptors (
	job_id            TEXT NOT NULL,
	chunk_index       INTEGER NOT NULL,
	input_tokens      INTEGER NOT NULL,
	byte_start        INTEGER NOT NULL,
	byte_end          INTEGER NOT NULL,
	previous_summary  TEXT,
	source_key        TEXT NOT NULL,
	translated_key    TEXT NOT NULL,
	PRIMARY KEY (job_id, chunk_index)
);

CREATE TABLE IF NOT EXISTS chunk_artifacts (
	job_id        TEXT NOT NULL,
	chunk_index   INTEGER NOT NULL,
	input_tokens  INTEGER NOT NULL,
	output_tokens INTEGER NOT NULL,
	model_id      TEXT NOT NULL,
	completed_at  TEXT NOT NULL,
	PRIMARY KEY (job_id, chunk_index)
);
`

// SQLiteStore is the default embedded job store backend.
type SQLiteStore struct {
	db *sql.DB
}

func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open job store: %w", err)
	}
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=10000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("exec %s: %w", pragma, err)
		}
	}
	if _, err := db.Exec(jobSchemaDDL); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply job store schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func nowISO() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}

func (s *SQLiteStore) CreateJob(ctx context.Context, job Job) error {
	now := nowISO()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO jobs (id, owner_id, source_object_key, target_language, tone,
			total_chunks, translated_chunks, state, error_json,
			input_tokens, output_tokens, created_at, updated_at, completed_at)
		VALUES (?, ?, ?, ?, ?, 0, 0, ?, NULL, 0, 0, ?, ?, NULL)`,
		job.ID, job.OwnerID, job.SourceObjectKey, job.TargetLanguage, job.Tone,
		job.State, now, now,
	)
	if err != nil {
		return fmt.Errorf("create job %s: %w", job.ID, err)
	}
	return nil
}

func scanJob(row interface{ Scan(...any) error }) (*Job, error) {
	var j Job
	var errJSON sql.NullString
	var completedAt sql.NullString
	err := row.Scan(&j.ID, &j.OwnerID, &j.SourceObjectKey, &j.TargetLanguage, &j.Tone,
		&j.TotalChunks, &j.TranslatedChunks, &j.State, &errJSON,
		&j.InputTokens, &j.OutputTokens, &j.CreatedAt, &j.UpdatedAt, &completedAt)
	if err != nil {
		return nil, err
	}
	if errJSON.Valid && errJSON.String != "" {
		var ed ErrorDescriptor
		if jsonErr := json.Unmarshal([]byte(errJSON.String), &ed); jsonErr == nil {
			j.Error = &ed
		}
	}
	if completedAt.Valid {
		v := completedAt.String
		j.CompletedAt = &v
	}
	return &j, nil
}

func (s *SQLiteStore) GetJob(ctx context.Context, id string) (*Job, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, owner_id, source_object_key, target_language, tone,
			total_chunks, translated_chunks, state, error_json,
			input_tokens, output_tokens, created_at, updated_at, completed_at
		FROM jobs WHERE id = ?`, id)
	j, err := scanJob(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job %s: %w", id, err)
	}
	return j, nil
}

func (s *SQLiteStore) ListJobsByOwner(ctx context.Context, ownerID string) ([]Job, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, owner_id, source_object_key, target_language, tone,
			total_chunks, translated_chunks, state, error_json,
			input_tokens, output_tokens, created_at, updated_at, completed_at
		FROM jobs WHERE owner_id = ? ORDER BY created_at DESC`, ownerID)
	if err != nil {
		return nil, fmt.Errorf("list jobs for owner %s: %w", ownerID, err)
	}
	defer rows.Close()

	var jobs []Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job row: %w", err)
		}
		jobs = append(jobs, *j)
	}
	return jobs, rows.Err()
}

func (s *SQLiteStore) ListJobsByState(ctx context.Context, state JobState) ([]Job, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, owner_id, source_object_key, target_language, tone,
			total_chunks, translated_chunks, state, error_json,
			input_tokens, output_tokens, created_at, updated_at, completed_at
		FROM jobs WHERE state = ? ORDER BY created_at`, state)
	if err != nil {
		return nil, fmt.Errorf("list jobs in state %s: %w", state, err)
	}
	defer rows.Close()

	var jobs []Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job row: %w", err)
		}
		jobs = append(jobs, *j)
	}
	return jobs, rows.Err()
}

func (s *SQLiteStore) TransitionState(ctx context.Context, id string, from, to JobState) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET state = ?, updated_at = ? WHERE id = ? AND state = ?`,
		to, nowISO(), id, from)
	if err != nil {
		return fmt.Errorf("transition job %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("transition job %s: %w", id, err)
	}
	if n == 0 {
		return ErrConflict
	}
	return nil
}

func (s *SQLiteStore) BeginTranslation(ctx context.Context, id string, targetLanguage, tone string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET state = ?, target_language = ?, tone = ?, updated_at = ? WHERE id = ? AND state = ?`,
		Chunking, targetLanguage, tone, nowISO(), id, Uploaded)
	if err != nil {
		return fmt.Errorf("begin translation for job %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("begin translation for job %s: %w", id, err)
	}
	if n == 0 {
		return ErrConflict
	}
	return nil
}

func (s *SQLiteStore) SetChunkingResult(ctx context.Context, id string, totalChunks int) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET state = ?, total_chunks = ?, translated_chunks = 0, updated_at = ?
		 WHERE id = ? AND state = ?`,
		Chunked, totalChunks, nowISO(), id, Chunking)
	if err != nil {
		return fmt.Errorf("set chunking result for job %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("set chunking result for job %s: %w", id, err)
	}
	if n == 0 {
		return ErrConflict
	}
	return nil
}

func (s *SQLiteStore) FailJob(ctx context.Context, id string, to JobState, errDesc ErrorDescriptor) error {
	payload, err := json.Marshal(errDesc)
	if err != nil {
		return fmt.Errorf("marshal error descriptor for job %s: %w", id, err)
	}
	_, err = s.db.ExecContext(ctx,
		`UPDATE jobs SET state = ?, error_json = ?, updated_at = ? WHERE id = ?`,
		to, string(payload), nowISO(), id)
	if err != nil {
		return fmt.Errorf("fail job %s: %w", id, err)
	}
	return nil
}

func (s *SQLiteStore) FinalizeCompleted(ctx context.Context, id string) error {
	now := nowISO()
	_, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET state = ?, translated_chunks = total_chunks, updated_at = ?, completed_at = ?
		 WHERE id = ?`,
		Completed, now, now, id)
	if err != nil {
		return fmt.Errorf("finalize job %s: %w", id, err)
	}
	return nil
}

func (s *SQLiteStore) CreditChunk(ctx context.Context, artifact TranslatedChunkArtifact) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin credit tx: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		INSERT OR IGNORE INTO chunk_artifacts
		(job_id, chunk_index, input_tokens, output_tokens, model_id, completed_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		artifact.JobID, artifact.Index, artifact.InputTokens, artifact.OutputTokens,
		artifact.ModelID, nowISO())
	if err != nil {
		return false, fmt.Errorf("insert chunk artifact: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("insert chunk artifact: %w", err)
	}
	if n == 0 {
		// Already credited by an earlier attempt; idempotent no-op.
		return false, tx.Commit()
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE jobs SET translated_chunks = translated_chunks + 1,
			input_tokens = input_tokens + ?, output_tokens = output_tokens + ?,
			updated_at = ?
		WHERE id = ?`,
		artifact.InputTokens, artifact.OutputTokens, nowISO(), artifact.JobID)
	if err != nil {
		return false, fmt.Errorf("credit job %s: %w", artifact.JobID, err)
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit credit tx: %w", err)
	}
	return true, nil
}

func (s *SQLiteStore) CreditedChunkIndices(ctx context.Context, jobID string) (map[int]bool, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT chunk_index FROM chunk_artifacts WHERE job_id = ?`, jobID)
	if err != nil {
		return nil, fmt.Errorf("list credited chunks for job %s: %w", jobID, err)
	}
	defer rows.Close()

	indices := make(map[int]bool)
	for rows.Next() {
		var idx int
		if err := rows.Scan(&idx); err != nil {
			return nil, fmt.Errorf("scan credited chunk index: %w", err)
		}
		indices[idx] = true
	}
	return indices, rows.Err()
}

func (s *SQLiteStore) PutChunkDescriptors(ctx context.Context, descriptors []ChunkDescriptor) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin descriptor tx: %w", err)
	}
	stmt, err := tx.PrepareContext(ctx, `
		INSERT OR REPLACE INTO chunk_descriptors
		(job_id, chunk_index, input_tokens, byte_start, byte_end,
		 previous_summary, source_key, translated_key)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("prepare descriptor insert: %w", err)
	}
	defer stmt.Close()

	for _, d := range descriptors {
		if _, err := stmt.ExecContext(ctx,
			d.JobID, d.Index, d.InputTokens, d.ByteStart, d.ByteEnd,
			d.PreviousSummary, d.SourceKey, d.TranslatedKey,
		); err != nil {
			tx.Rollback()
			return fmt.Errorf("insert chunk descriptor %d: %w", d.Index, err)
		}
	}
	return tx.Commit()
}

func (s *SQLiteStore) GetChunkDescriptor(ctx context.Context, jobID string, index int) (*ChunkDescriptor, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT job_id, chunk_index, input_tokens, byte_start, byte_end,
			previous_summary, source_key, translated_key
		FROM chunk_descriptors WHERE job_id = ? AND chunk_index = ?`, jobID, index)

	var d ChunkDescriptor
	err := row.Scan(&d.JobID, &d.Index, &d.InputTokens, &d.ByteStart, &d.ByteEnd,
		&d.PreviousSummary, &d.SourceKey, &d.TranslatedKey)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get chunk descriptor %s/%d: %w", jobID, index, err)
	}
	return &d, nil
}

func (s *SQLiteStore) ListChunkDescriptors(ctx context.Context, jobID string) ([]ChunkDescriptor, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT job_id, chunk_index, input_tokens, byte_start, byte_end,
			previous_summary, source_key, translated_key
		FROM chunk_descriptors WHERE job_id = ? ORDER BY chunk_index`, jobID)
	if err != nil {
		return nil, fmt.Errorf("list chunk descriptors for job %s: %w", jobID, err)
	}
	defer rows.Close()

	var descriptors []ChunkDescriptor
	for rows.Next() {
		var d ChunkDescriptor
		if err := rows.Scan(&d.JobID, &d.Index, &d.InputTokens, &d.ByteStart, &d.ByteEnd,
			&d.PreviousSummary, &d.SourceKey, &d.TranslatedKey); err != nil {
			return nil, fmt.Errorf("scan chunk descriptor row: %w", err)
		}
		descriptors = append(descriptors, d)
	}
	return descriptors, rows.Err()
}
