// Package translate implements the per-chunk translation call: rate
// limiting, the LLM request, retry with backoff, and crediting the job.
package translate

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"time"

	"github.com/oho/lfmt-daemon/internal/config"
	"github.com/oho/lfmt-daemon/internal/jobstore"
	"github.com/oho/lfmt-daemon/internal/llmclient"
	"github.com/oho/lfmt-daemon/internal/objectstore"
	"github.com/oho/lfmt-daemon/internal/ratelimit"
	"github.com/oho/lfmt-daemon/internal/tokencount"
)

// Result summarizes one successful chunk translation for logging.
type Result struct {
	OutputTokens int
	LatencyMS    int64
}

// Worker performs the full lifecycle of translating a single chunk: load
// its descriptor and source, acquire a rate limit slot, call the LLM with
// retries, write the artifact, and credit the job.
type Worker struct {
	jobs    jobstore.Store
	objects objectstore.Store
	limiter ratelimit.Limiter
	llm     llmclient.Client
	cfg     config.PipelineConfig
}

func NewWorker(jobs jobstore.Store, objects objectstore.Store, limiter ratelimit.Limiter, llm llmclient.Client, cfg config.PipelineConfig) *Worker {
	return &Worker{jobs: jobs, objects: objects, limiter: limiter, llm: llm, cfg: cfg}
}

func addJitter(d time.Duration) time.Duration {
	if d <= 0 {
		return 0
	}
	jitter := time.Duration(rand.Int63n(int64(d) / 4 + 1))
	return d + jitter
}

// TranslateChunk translates job's chunk at chunkIndex, writes the result to
// the object store, and credits the job. It is safe to call more than once
// for the same (job, index): the credit step is idempotent.
func (w *Worker) TranslateChunk(ctx context.Context, job jobstore.Job, chunkIndex int) (Result, error) {
	start := time.Now()

	desc, err := w.jobs.GetChunkDescriptor(ctx, job.ID, chunkIndex)
	if err != nil {
		return Result{}, Permanent(fmt.Errorf("load chunk descriptor %s/%d: %w", job.ID, chunkIndex, err))
	}

	sourceBytes, err := w.objects.Get(ctx, desc.SourceKey)
	if err != nil {
		return Result{}, Transient(fmt.Errorf("read chunk source %s: %w", desc.SourceKey, err))
	}

	systemInstruction := fmt.Sprintf(
		"Translate the following text into %s. Preserve a %s tone and the original paragraph structure. "+
			"Output only the translation, with no commentary.",
		job.TargetLanguage, job.Tone)

	estimatedInputTokens := tokencount.Count(systemInstruction) + tokencount.Count(desc.PreviousSummary) + tokencount.Count(string(sourceBytes))
	estimatedOutputTokens := int(float64(estimatedInputTokens) * w.cfg.OutputTokenRatio)

	callDeadline := start.Add(w.cfg.ChunkTotalTimeout)

	translated, err := w.callWithRetry(ctx, job, estimatedInputTokens, estimatedOutputTokens, callDeadline, llmclient.TranslateRequest{
		SystemInstruction: systemInstruction,
		PriorContext:      desc.PreviousSummary,
		SourceText:        string(sourceBytes),
	})
	if err != nil {
		return Result{}, err
	}

	if err := w.objects.Put(ctx, desc.TranslatedKey, []byte(translated.Text)); err != nil {
		return Result{}, Transient(fmt.Errorf("write translated chunk %s: %w", desc.TranslatedKey, err))
	}

	if _, err := w.jobs.CreditChunk(ctx, jobstore.TranslatedChunkArtifact{
		JobID:        job.ID,
		Index:        chunkIndex,
		InputTokens:  translated.InputTokens,
		OutputTokens: translated.OutputTokens,
		ModelID:      translated.ModelID,
	}); err != nil {
		return Result{}, Transient(fmt.Errorf("credit chunk %s/%d: %w", job.ID, chunkIndex, err))
	}

	return Result{OutputTokens: translated.OutputTokens, LatencyMS: time.Since(start).Milliseconds()}, nil
}

func (w *Worker) waitForRateLimit(ctx context.Context, account string, estimatedInputTokens, estimatedOutputTokens int, deadline time.Time) error {
	for attempt := 0; ; attempt++ {
		select {
		case <-ctx.Done():
			return Transient(ctx.Err())
		default:
		}

		res, err := w.limiter.Acquire(ctx, account, estimatedInputTokens, estimatedOutputTokens, deadline)
		if err != nil {
			return Transient(fmt.Errorf("rate limiter: %w", err))
		}

		switch res.Decision {
		case ratelimit.Granted:
			return nil
		case ratelimit.Denied:
			return Transient(fmt.Errorf("rate limit budget exhausted for account %s", account))
		case ratelimit.RetryAfter:
			if attempt >= w.cfg.RateLimitMaxRetries {
				return Transient(fmt.Errorf("rate limit retries exhausted for account %s", account))
			}
			select {
			case <-time.After(res.RetryAfter):
			case <-ctx.Done():
				return Transient(ctx.Err())
			}
		}
	}
}

func (w *Worker) callWithRetry(ctx context.Context, job jobstore.Job, estimatedInputTokens, estimatedOutputTokens int, deadline time.Time, req llmclient.TranslateRequest) (llmclient.TranslateResponse, error) {
	var lastErr error

	for attempt := 0; attempt < w.cfg.ChunkMaxAttempts; attempt++ {
		if current, err := w.jobs.GetJob(ctx, job.ID); err == nil && current.State.Terminal() {
			return llmclient.TranslateResponse{}, Transient(fmt.Errorf("job %s is %s; not calling the LLM", job.ID, current.State))
		}
		if err := w.waitForRateLimit(ctx, job.OwnerID, estimatedInputTokens, estimatedOutputTokens, deadline); err != nil {
			return llmclient.TranslateResponse{}, err
		}

		callCtx, cancel := context.WithTimeout(ctx, w.cfg.ChunkCallTimeout)
		resp, err := w.llm.Translate(callCtx, req)
		cancel()
		if err == nil {
			return resp, nil
		}

		var statusErr *llmclient.StatusError
		switch {
		case errors.As(err, &statusErr) && statusErr.StatusCode == 429:
			lastErr = err
		case errors.As(err, &statusErr) && statusErr.StatusCode >= 500:
			lastErr = err
		case errors.As(err, &statusErr):
			return llmclient.TranslateResponse{}, Permanent(fmt.Errorf("llm rejected chunk: %w", err))
		case errors.Is(err, context.DeadlineExceeded):
			lastErr = err
		default:
			lastErr = err
		}

		if attempt == w.cfg.ChunkMaxAttempts-1 {
			break
		}
		backoff := time.Duration(math.Min(math.Pow(2, float64(attempt)), 32)) * time.Second
		select {
		case <-time.After(addJitter(backoff)):
		case <-ctx.Done():
			return llmclient.TranslateResponse{}, Transient(ctx.Err())
		}
	}

	return llmclient.TranslateResponse{}, Transient(fmt.Errorf("exhausted retry budget: %w", lastErr))
}
