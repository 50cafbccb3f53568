package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"time"

	"github.com/oho/lfmt-daemon/internal/config"
	"github.com/oho/lfmt-daemon/internal/jobstore"
	"github.com/oho/lfmt-daemon/internal/objectstore"
	"github.com/oho/lfmt-daemon/internal/translate"
	"github.com/oho/lfmt-daemon/internal/workerpool"
)

// Orchestrator drives a translation job through its state machine:
// CHUNKING invokes the chunker, TRANSLATING fans the chunk set out across a
// bounded worker pool, and every transition is written through
// jobstore.Store so a crash mid-job can resume from durable state rather
// than from scratch.
type Orchestrator struct {
	jobs    jobstore.Store
	objects objectstore.Store
	chunker *Chunker
	worker  *translate.Worker
	cfg     config.PipelineConfig
}

func NewOrchestrator(jobs jobstore.Store, objects objectstore.Store, chunker *Chunker, worker *translate.Worker, cfg config.PipelineConfig) *Orchestrator {
	return &Orchestrator{jobs: jobs, objects: objects, chunker: chunker, worker: worker, cfg: cfg}
}

func nowISO() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}

func addJitter(d time.Duration) time.Duration {
	if d <= 0 {
		return 0
	}
	return d + time.Duration(rand.Int63n(int64(d)/4+1))
}

// Start records the caller's target language and tone, claims a job for
// this orchestrator instance by conditionally transitioning it
// UPLOADED -> CHUNKING, then drives it to completion in the background. At
// most one execution runs per job: a duplicate trigger loses the CAS race
// and Start returns nil having done nothing.
func (o *Orchestrator) Start(jobID, targetLanguage, tone string) error {
	ctx := context.Background()
	if err := o.jobs.BeginTranslation(ctx, jobID, targetLanguage, tone); err != nil {
		if errors.Is(err, jobstore.ErrConflict) {
			return nil
		}
		return fmt.Errorf("claim job %s: %w", jobID, err)
	}
	go o.drive(context.Background(), jobID)
	return nil
}

// ResumeInFlight is called once at startup to pick back up work left behind
// by a crash: jobs still in CHUNKING are re-chunked from scratch (chunking
// has no partial durable state worth preserving), and jobs in TRANSLATING
// resume from whichever chunks are already credited.
func (o *Orchestrator) ResumeInFlight(ctx context.Context) {
	for _, state := range []jobstore.JobState{jobstore.Chunking, jobstore.Translating} {
		jobs, err := o.jobs.ListJobsByState(ctx, state)
		if err != nil {
			slog.Error("resume: list jobs", "state", state, "error", err)
			continue
		}
		for _, job := range jobs {
			slog.Info("resuming in-flight job", "job_id", job.ID, "state", job.State)
			go o.drive(context.Background(), job.ID)
		}
	}
}

func (o *Orchestrator) drive(ctx context.Context, jobID string) {
	jobCtx, cancel := context.WithTimeout(ctx, o.cfg.JobTotalTimeout)
	defer cancel()

	job, err := o.jobs.GetJob(jobCtx, jobID)
	if err != nil {
		slog.Error("drive: load job", "job_id", jobID, "error", err)
		return
	}

	if job.State == jobstore.Chunking {
		if err := o.runChunkPhase(jobCtx, *job); err != nil {
			slog.Error("chunk phase failed", "job_id", jobID, "error", err)
			return
		}
		job, err = o.jobs.GetJob(jobCtx, jobID)
		if err != nil {
			slog.Error("drive: reload job after chunking", "job_id", jobID, "error", err)
			return
		}
	}

	if job.State == jobstore.Chunked {
		if err := o.jobs.TransitionState(jobCtx, jobID, jobstore.Chunked, jobstore.Translating); err != nil {
			if !errors.Is(err, jobstore.ErrConflict) {
				slog.Error("drive: enter translating", "job_id", jobID, "error", err)
			}
			return
		}
		job, err = o.jobs.GetJob(jobCtx, jobID)
		if err != nil {
			slog.Error("drive: reload job after entering translating", "job_id", jobID, "error", err)
			return
		}
	}

	if job.State == jobstore.Translating {
		o.runTranslatePhase(jobCtx, *job)
	}
}

// runChunkPhase invokes C2 and, on success, persists the descriptors and
// only then moves the job CHUNKING -> CHUNKED, so total_chunks is never
// recorded before every descriptor is stored. Any failure — the
// chunker's own or a storage error while persisting its output — surfaces
// as CHUNKING_FAILED; no half-chunked job is left behind.
func (o *Orchestrator) runChunkPhase(ctx context.Context, job jobstore.Job) error {
	result, err := o.chunker.Chunk(ctx, job)
	if err != nil {
		o.failJob(ctx, job.ID, jobstore.ChunkingFailed, "chunking", err)
		return err
	}
	if err := o.jobs.PutChunkDescriptors(ctx, result.Descriptors); err != nil {
		o.failJob(ctx, job.ID, jobstore.ChunkingFailed, "chunking", err)
		return err
	}
	if err := o.jobs.SetChunkingResult(ctx, job.ID, result.TotalChunks); err != nil {
		if !errors.Is(err, jobstore.ErrConflict) {
			o.failJob(ctx, job.ID, jobstore.ChunkingFailed, "chunking", err)
		}
		return err
	}
	return nil
}

// runTranslatePhase materializes the chunk index set, fans it out across a
// worker pool bounded by max_concurrency, and aggregates the outcome: all
// chunks succeeding moves the job to COMPLETED, any permanent failure (or
// exhausted retry budget) moves it to FAILED with the first such error
// recorded. Already-credited indices are skipped so a resumed job doesn't
// re-translate work a prior execution already finished.
func (o *Orchestrator) runTranslatePhase(ctx context.Context, job jobstore.Job) {
	credited, err := o.jobs.CreditedChunkIndices(ctx, job.ID)
	if err != nil {
		slog.Error("translate phase: load credited indices", "job_id", job.ID, "error", err)
		o.failJob(ctx, job.ID, jobstore.Failed, "orchestrator", err)
		return
	}

	concurrency := o.cfg.MaxConcurrency
	if concurrency < 1 {
		concurrency = 1
	}

	results := workerpool.Run(ctx, concurrency, job.TotalChunks, func(itemCtx context.Context, index int) (translate.Result, error) {
		if credited[index] {
			return translate.Result{}, nil
		}
		return o.translateWithRetry(itemCtx, job, index)
	})

	for _, r := range results {
		if r.Err == nil {
			continue
		}
		idx := r.Index
		kind := "transient"
		if translate.IsPermanent(r.Err) {
			kind = "permanent"
		}
		desc := jobstore.ErrorDescriptor{Kind: kind, Message: r.Err.Error(), ChunkIndex: &idx, FailedAt: nowISO()}
		if err := o.jobs.FailJob(ctx, job.ID, jobstore.Failed, desc); err != nil {
			slog.Error("translate phase: record failure", "job_id", job.ID, "error", err)
		}
		return
	}

	if err := o.jobs.FinalizeCompleted(ctx, job.ID); err != nil {
		slog.Error("translate phase: finalize", "job_id", job.ID, "error", err)
	}
}

// translateWithRetry wraps a single C4 call with the orchestrator's own
// retry policy: up to chunk_max_attempts attempts with exponential backoff,
// skipping retries outright on a PermanentError. It re-checks job state
// before each attempt so a job that has already failed stops dispatching
// new LLM calls rather than preempting ones in flight.
func (o *Orchestrator) translateWithRetry(ctx context.Context, job jobstore.Job, index int) (translate.Result, error) {
	var lastErr error
	for attempt := 0; attempt < o.cfg.ChunkMaxAttempts; attempt++ {
		if current, err := o.jobs.GetJob(ctx, job.ID); err == nil && current.State.Terminal() {
			return translate.Result{}, translate.Transient(fmt.Errorf("job %s left TRANSLATING before chunk %d finished", job.ID, index))
		}

		res, err := o.worker.TranslateChunk(ctx, job, index)
		if err == nil {
			return res, nil
		}
		if translate.IsPermanent(err) {
			return translate.Result{}, err
		}
		lastErr = err

		if attempt == o.cfg.ChunkMaxAttempts-1 {
			break
		}
		backoff := time.Duration(math.Min(math.Pow(2, float64(attempt+1)), 32)) * time.Second
		select {
		case <-time.After(addJitter(backoff)):
		case <-ctx.Done():
			return translate.Result{}, translate.Transient(ctx.Err())
		}
	}
	return translate.Result{}, translate.Transient(fmt.Errorf("chunk %d exhausted orchestrator retry budget: %w", index, lastErr))
}

func (o *Orchestrator) failJob(ctx context.Context, jobID string, to jobstore.JobState, kind string, cause error) {
	desc := jobstore.ErrorDescriptor{Kind: kind, Message: cause.Error(), FailedAt: nowISO()}
	if err := o.jobs.FailJob(ctx, jobID, to, desc); err != nil {
		slog.Error("failJob: record failure", "job_id", jobID, "to", to, "error", err)
	}
}
