package jobstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const pgSchemaDDL = `
CREATE TABLE IF NOT EXISTS jobs (
	id                TEXT PRIMARY KEY,
	owner_id          TEXT NOT NULL,
	source_object_key TEXT NOT NULL,
	target_language   TEXT NOT NULL,
	tone              TEXT NOT NULL,
	total_chunks      INTEGER NOT NULL DEFAULT 0,
	translated_chunks INTEGER NOT NULL DEFAULT 0,
	state             TEXT NOT NULL,
	error_json        TEXT,
	input_tokens      BIGINT NOT NULL DEFAULT 0,
	output_tokens     BIGINT NOT NULL DEFAULT 0,
	created_at        TEXT NOT NULL,
	updated_at        TEXT NOT NULL,
	completed_at      TEXT
);
CREATE INDEX IF NOT EXISTS idx_jobs_owner ON jobs(owner_id);

CREATE TABLE IF NOT EXISTS chunk_descriptors (
	job_id            TEXT NOT NULL,
	chunk_index       INTEGER NOT NULL,
	input_tokens      INTEGER NOT NULL,
	byte_start        BIGINT NOT NULL,
	byte_end          BIGINT NOT NULL,
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

func pgNowISO() string {
	return nowISO()
}

// PGStore is the multi-instance job store backend, used in production
// deployments where more than one daemon process shares a job queue.
type PGStore struct {
	pool *pgxpool.Pool
}

func NewPGStore(ctx context.Context, dsn string) (*PGStore, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect to postgres: %w", err)
	}
	if _, err := pool.Exec(ctx, pgSchemaDDL); err != nil {
		pool.Close()
		return nil, fmt.Errorf("apply job store schema: %w", err)
	}
	return &PGStore{pool: pool}, nil
}

func (s *PGStore) Close() error {
	s.pool.Close()
	return nil
}

func (s *PGStore) CreateJob(ctx context.Context, job Job) error {
	now := pgNowISO()
	_, err := s.pool.Exec(ctx, `
		INSERT INTO jobs (id, owner_id, source_object_key, target_language, tone, state, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $7)`,
		job.ID, job.OwnerID, job.SourceObjectKey, job.TargetLanguage, job.Tone, job.State, now,
	)
	if err != nil {
		return fmt.Errorf("create job %s: %w", job.ID, err)
	}
	return nil
}

func scanPGJob(row pgx.Row) (*Job, error) {
	var j Job
	var errJSON *string
	err := row.Scan(&j.ID, &j.OwnerID, &j.SourceObjectKey, &j.TargetLanguage, &j.Tone,
		&j.TotalChunks, &j.TranslatedChunks, &j.State, &errJSON,
		&j.InputTokens, &j.OutputTokens, &j.CreatedAt, &j.UpdatedAt, &j.CompletedAt)
	if err != nil {
		return nil, err
	}
	if errJSON != nil && *errJSON != "" {
		var ed ErrorDescriptor
		if jsonErr := json.Unmarshal([]byte(*errJSON), &ed); jsonErr == nil {
			j.Error = &ed
		}
	}
	return &j, nil
}

const jobColumns = `id, owner_id, source_object_key, target_language, tone,
	total_chunks, translated_chunks, state, error_json,
	input_tokens, output_tokens, created_at, updated_at, completed_at`

func (s *PGStore) GetJob(ctx context.Context, id string) (*Job, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id)
	j, err := scanPGJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job %s: %w", id, err)
	}
	return j, nil
}

func (s *PGStore) ListJobsByOwner(ctx context.Context, ownerID string) ([]Job, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE owner_id = $1 ORDER BY created_at DESC`, ownerID)
	if err != nil {
		return nil, fmt.Errorf("list jobs for owner %s: %w", ownerID, err)
	}
	defer rows.Close()

	var jobs []Job
	for rows.Next() {
		j, err := scanPGJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job row: %w", err)
		}
		jobs = append(jobs, *j)
	}
	return jobs, rows.Err()
}

func (s *PGStore) ListJobsByState(ctx context.Context, state JobState) ([]Job, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE state = $1 ORDER BY created_at`, state)
	if err != nil {
		return nil, fmt.Errorf("list jobs in state %s: %w", state, err)
	}
	defer rows.Close()

	var jobs []Job
	for rows.Next() {
		j, err := scanPGJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job row: %w", err)
		}
		jobs = append(jobs, *j)
	}
	return jobs, rows.Err()
}

func (s *PGStore) TransitionState(ctx context.Context, id string, from, to JobState) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE jobs SET state = $1, updated_at = $4 WHERE id = $2 AND state = $3`,
		to, id, from, pgNowISO())
	if err != nil {
		return fmt.Errorf("transition job %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrConflict
	}
	return nil
}

func (s *PGStore) BeginTranslation(ctx context.Context, id string, targetLanguage, tone string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE jobs SET state = $1, target_language = $2, tone = $3, updated_at = $6
		 WHERE id = $4 AND state = $5`,
		Chunking, targetLanguage, tone, id, Uploaded, pgNowISO())
	if err != nil {
		return fmt.Errorf("begin translation for job %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrConflict
	}
	return nil
}

func (s *PGStore) SetChunkingResult(ctx context.Context, id string, totalChunks int) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE jobs SET state = $1, total_chunks = $2, translated_chunks = 0, updated_at = $5
		WHERE id = $3 AND state = $4`,
		Chunked, totalChunks, id, Chunking, pgNowISO())
	if err != nil {
		return fmt.Errorf("set chunking result for job %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrConflict
	}
	return nil
}

func (s *PGStore) FailJob(ctx context.Context, id string, to JobState, errDesc ErrorDescriptor) error {
	payload, err := json.Marshal(errDesc)
	if err != nil {
		return fmt.Errorf("marshal error descriptor for job %s: %w", id, err)
	}
	_, err = s.pool.Exec(ctx,
		`UPDATE jobs SET state = $1, error_json = $2, updated_at = $4 WHERE id = $3`,
		to, string(payload), id, pgNowISO())
	if err != nil {
		return fmt.Errorf("fail job %s: %w", id, err)
	}
	return nil
}

func (s *PGStore) FinalizeCompleted(ctx context.Context, id string) error {
	now := pgNowISO()
	_, err := s.pool.Exec(ctx, `
		UPDATE jobs SET state = $1, translated_chunks = total_chunks,
			updated_at = $3, completed_at = $3
		WHERE id = $2`,
		Completed, id, now)
	if err != nil {
		return fmt.Errorf("finalize job %s: %w", id, err)
	}
	return nil
}

func (s *PGStore) CreditChunk(ctx context.Context, artifact TranslatedChunkArtifact) (bool, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("begin credit tx: %w", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `
		INSERT INTO chunk_artifacts (job_id, chunk_index, input_tokens, output_tokens, model_id, completed_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (job_id, chunk_index) DO NOTHING`,
		artifact.JobID, artifact.Index, artifact.InputTokens, artifact.OutputTokens, artifact.ModelID, pgNowISO())
	if err != nil {
		return false, fmt.Errorf("insert chunk artifact: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return false, tx.Commit(ctx)
	}

	_, err = tx.Exec(ctx, `
		UPDATE jobs SET translated_chunks = translated_chunks + 1,
			input_tokens = input_tokens + $1, output_tokens = output_tokens + $2,
			updated_at = $4
		WHERE id = $3`,
		artifact.InputTokens, artifact.OutputTokens, artifact.JobID, pgNowISO())
	if err != nil {
		return false, fmt.Errorf("credit job %s: %w", artifact.JobID, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("commit credit tx: %w", err)
	}
	return true, nil
}

func (s *PGStore) CreditedChunkIndices(ctx context.Context, jobID string) (map[int]bool, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT chunk_index FROM chunk_artifacts WHERE job_id = $1`, jobID)
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

func (s *PGStore) PutChunkDescriptors(ctx context.Context, descriptors []ChunkDescriptor) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin descriptor tx: %w", err)
	}
	defer tx.Rollback(ctx)

	for _, d := range descriptors {
		_, err := tx.Exec(ctx, `
			INSERT INTO chunk_descriptors
			(job_id, chunk_index, input_tokens, byte_start, byte_end, previous_summary, source_key, translated_key)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			ON CONFLICT (job_id, chunk_index) DO UPDATE SET
				input_tokens = excluded.input_tokens, byte_start = excluded.byte_start,
				byte_end = excluded.byte_end, previous_summary = excluded.previous_summary,
				source_key = excluded.source_key, translated_key = excluded.translated_key`,
			d.JobID, d.Index, d.InputTokens, d.ByteStart, d.ByteEnd,
			d.PreviousSummary, d.SourceKey, d.TranslatedKey,
		)
		if err != nil {
			return fmt.Errorf("insert chunk descriptor %d: %w", d.Index, err)
		}
	}
	return tx.Commit(ctx)
}

func (s *PGStore) GetChunkDescriptor(ctx context.Context, jobID string, index int) (*ChunkDescriptor, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT job_id, chunk_index, input_tokens, byte_start, byte_end,
			previous_summary, source_key, translated_key
		FROM chunk_descriptors WHERE job_id = $1 AND chunk_index = $2`, jobID, index)

	var d ChunkDescriptor
	err := row.Scan(&d.JobID, &d.Index, &d.InputTokens, &d.ByteStart, &d.ByteEnd,
		&d.PreviousSummary, &d.SourceKey, &d.TranslatedKey)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get chunk descriptor %s/%d: %w", jobID, index, err)
	}
	return &d, nil
}

func (s *PGStore) ListChunkDescriptors(ctx context.Context, jobID string) ([]ChunkDescriptor, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT job_id, chunk_index, input_tokens, byte_start, byte_end,
			previous_summary, source_key, translated_key
		FROM chunk_descriptors WHERE job_id = $1 ORDER BY chunk_index`, jobID)
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
