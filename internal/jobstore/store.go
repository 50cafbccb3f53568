package jobstore

import (
	"context"
	"errors"
)

var (
	// ErrNotFound is returned when a job or chunk descriptor lookup misses.
	ErrNotFound = errors.New("jobstore: not found")
	// ErrConflict is returned by TransitionState when the job's current
	// state doesn't match the expected "from" state; the caller lost a
	// race with another writer and should re-read the job before retrying.
	ErrConflict = errors.New("jobstore: conditional update conflict")
)

// Store is implemented by every job store backend (embedded sqlite for
// single-instance deployments, Postgres for multi-instance ones).
type Store interface {
	CreateJob(ctx context.Context, job Job) error
	GetJob(ctx context.Context, id string) (*Job, error)
	ListJobsByOwner(ctx context.Context, ownerID string) ([]Job, error)

	// ListJobsByState lists every job currently in state. The orchestrator
	// calls this on startup to recompute CHUNKING/TRANSLATING work left
	// behind by a crash.
	ListJobsByState(ctx context.Context, state JobState) ([]Job, error)

	// TransitionState moves a job from one state to another, failing with
	// ErrConflict if the job isn't currently in the "from" state.
	TransitionState(ctx context.Context, id string, from, to JobState) error

	// BeginTranslation records the caller-supplied target language and tone
	// and moves the job UPLOADED -> CHUNKING, conditioned on it still being
	// UPLOADED. This is the entrypoint POST /jobs/{job_id}/translate drives
	// and the optimistic lock that keeps at most one orchestrator execution
	// active per job.
	BeginTranslation(ctx context.Context, id string, targetLanguage, tone string) error

	// SetChunkingResult records the chunk count produced by the chunker and
	// moves the job CHUNKING -> CHUNKED, conditioned on it still being in
	// CHUNKING.
	SetChunkingResult(ctx context.Context, id string, totalChunks int) error

	// FailJob moves a job straight to a terminal failure state with a
	// recorded reason. Failure always wins over a concurrent transition,
	// so this is unconditional.
	FailJob(ctx context.Context, id string, to JobState, errDesc ErrorDescriptor) error

	// FinalizeCompleted sets translated_chunks to total_chunks, stamps
	// completed_at and moves the job to COMPLETED. Called once, after every
	// chunk in the job has been credited.
	FinalizeCompleted(ctx context.Context, id string) error

	// CreditChunk records that a chunk finished translating. It is
	// idempotent: crediting the same (job, index) twice only charges
	// translated_chunks and token usage once; credited reports whether
	// this call was the one that actually counted.
	CreditChunk(ctx context.Context, artifact TranslatedChunkArtifact) (credited bool, err error)

	// CreditedChunkIndices lists the indices already credited for a job,
	// used to recompute the pending set after a restart.
	CreditedChunkIndices(ctx context.Context, jobID string) (map[int]bool, error)

	PutChunkDescriptors(ctx context.Context, descriptors []ChunkDescriptor) error
	GetChunkDescriptor(ctx context.Context, jobID string, index int) (*ChunkDescriptor, error)
	ListChunkDescriptors(ctx context.Context, jobID string) ([]ChunkDescriptor, error)

	Close() error
}
