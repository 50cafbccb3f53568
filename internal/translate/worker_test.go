package translate

import (
	"context"
	"testing"
	"time"

	"github.com/oho/lfmt-daemon/internal/config"
	"github.com/oho/lfmt-daemon/internal/jobstore"
	"github.com/oho/lfmt-daemon/internal/llmclient"
	"github.com/oho/lfmt-daemon/internal/objectstore"
	"github.com/oho/lfmt-daemon/internal/ratelimit"
)

type fakeLLM struct {
	calls    int
	failN    int
	failErr  error
	response llmclient.TranslateResponse
}

func (f *fakeLLM) Translate(ctx context.Context, req llmclient.TranslateRequest) (llmclient.TranslateResponse, error) {
	f.calls++
	if f.calls <= f.failN {
		return llmclient.TranslateResponse{}, f.failErr
	}
	return f.response, nil
}

func (f *fakeLLM) HealthCheck(ctx context.Context) bool { return true }

type alwaysGrant struct{}

func (alwaysGrant) Acquire(ctx context.Context, account string, in, out int, deadline time.Time) (ratelimit.Result, error) {
	return ratelimit.Result{Decision: ratelimit.Granted}, nil
}

func testConfig() config.PipelineConfig {
	return config.PipelineConfig{
		ChunkMaxAttempts:    3,
		RateLimitMaxRetries: 3,
		OutputTokenRatio:    1.0,
		ChunkCallTimeout:    time.Second,
		ChunkTotalTimeout:   5 * time.Second,
	}
}

func setupJob(t *testing.T, js jobstore.Store, os objectstore.Store) jobstore.Job {
	t.Helper()
	ctx := context.Background()
	job := jobstore.Job{ID: "job-1", OwnerID: "acct-1", TargetLanguage: "es", Tone: "neutral", State: jobstore.Chunked, TotalChunks: 1}
	if err := js.CreateJob(ctx, job); err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	os.Put(ctx, "source/job-1/0", []byte("hello world"))
	js.PutChunkDescriptors(ctx, []jobstore.ChunkDescriptor{
		{JobID: "job-1", Index: 0, SourceKey: "source/job-1/0", TranslatedKey: "translated/job-1/0"},
	})
	return job
}

func TestTranslateChunkSuccess(t *testing.T) {
	js := jobstore.NewMemStore()
	os := objectstore.NewMemStore()
	job := setupJob(t, js, os)

	llm := &fakeLLM{response: llmclient.TranslateResponse{Text: "hola mundo", InputTokens: 5, OutputTokens: 4}}
	w := NewWorker(js, os, alwaysGrant{}, llm, testConfig())

	res, err := w.TranslateChunk(context.Background(), job, 0)
	if err != nil {
		t.Fatalf("TranslateChunk: %v", err)
	}
	if res.OutputTokens != 4 {
		t.Errorf("expected output tokens 4, got %d", res.OutputTokens)
	}

	data, err := os.Get(context.Background(), "translated/job-1/0")
	if err != nil || string(data) != "hola mundo" {
		t.Errorf("expected translated artifact written, got %q err=%v", data, err)
	}

	updated, _ := js.GetJob(context.Background(), "job-1")
	if updated.TranslatedChunks != 1 {
		t.Errorf("expected job credited, got translated_chunks=%d", updated.TranslatedChunks)
	}
}

func TestTranslateChunkRetriesTransientFailures(t *testing.T) {
	js := jobstore.NewMemStore()
	os := objectstore.NewMemStore()
	job := setupJob(t, js, os)

	llm := &fakeLLM{
		failN:    2,
		failErr:  &llmclient.StatusError{StatusCode: 429, Body: "rate limited"},
		response: llmclient.TranslateResponse{Text: "ok", InputTokens: 1, OutputTokens: 1},
	}
	cfg := testConfig()
	w := NewWorker(js, os, alwaysGrant{}, llm, cfg)

	_, err := w.TranslateChunk(context.Background(), job, 0)
	if err != nil {
		t.Fatalf("expected eventual success after retries, got %v", err)
	}
	if llm.calls != 3 {
		t.Errorf("expected 3 attempts, got %d", llm.calls)
	}
}

func TestTranslateChunkPermanentFailureDoesNotRetry(t *testing.T) {
	js := jobstore.NewMemStore()
	os := objectstore.NewMemStore()
	job := setupJob(t, js, os)

	llm := &fakeLLM{failN: 999, failErr: &llmclient.StatusError{StatusCode: 400, Body: "bad request"}}
	w := NewWorker(js, os, alwaysGrant{}, llm, testConfig())

	_, err := w.TranslateChunk(context.Background(), job, 0)
	if err == nil {
		t.Fatal("expected an error for a permanent rejection")
	}
	if !IsPermanent(err) {
		t.Errorf("expected a permanent error, got %v", err)
	}
	if llm.calls != 1 {
		t.Errorf("expected no retry for a permanent rejection, got %d calls", llm.calls)
	}
}

func TestTranslateChunkIsIdempotentOnRecredit(t *testing.T) {
	js := jobstore.NewMemStore()
	os := objectstore.NewMemStore()
	job := setupJob(t, js, os)

	llm := &fakeLLM{response: llmclient.TranslateResponse{Text: "hola", InputTokens: 2, OutputTokens: 2}}
	w := NewWorker(js, os, alwaysGrant{}, llm, testConfig())

	if _, err := w.TranslateChunk(context.Background(), job, 0); err != nil {
		t.Fatalf("first TranslateChunk: %v", err)
	}
	if _, err := w.TranslateChunk(context.Background(), job, 0); err != nil {
		t.Fatalf("second TranslateChunk: %v", err)
	}

	updated, _ := js.GetJob(context.Background(), "job-1")
	if updated.TranslatedChunks != 1 {
		t.Errorf("expected re-running the same chunk not to double count, got translated_chunks=%d", updated.TranslatedChunks)
	}
	if updated.InputTokens != 2 || updated.OutputTokens != 2 {
		t.Errorf("expected token totals charged once, got in=%d out=%d", updated.InputTokens, updated.OutputTokens)
	}
}
