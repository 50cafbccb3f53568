package jobstore

import (
	"context"
	"path/filepath"
	"testing"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "jobs.db")
	store, err := NewSQLiteStore(dbPath)
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestCreateAndGetJob(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	job := Job{ID: "job-1", OwnerID: "owner-1", SourceObjectKey: "source/job-1",
		TargetLanguage: "fr", Tone: "formal", State: PendingUpload}
	if err := store.CreateJob(ctx, job); err != nil {
		t.Fatalf("CreateJob: %v", err)
	}

	got, err := store.GetJob(ctx, "job-1")
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if got.State != PendingUpload || got.TargetLanguage != "fr" {
		t.Errorf("unexpected job: %+v", got)
	}
}

func TestGetJobMissing(t *testing.T) {
	store := newTestStore(t)
	if _, err := store.GetJob(context.Background(), "missing"); err != ErrNotFound {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestTransitionStateConflict(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	store.CreateJob(ctx, Job{ID: "job-2", OwnerID: "o", State: PendingUpload})

	if err := store.TransitionState(ctx, "job-2", PendingUpload, Uploaded); err != nil {
		t.Fatalf("TransitionState: %v", err)
	}
	if err := store.TransitionState(ctx, "job-2", PendingUpload, Uploaded); err != ErrConflict {
		t.Errorf("expected ErrConflict on stale transition, got %v", err)
	}
}

func TestBeginTranslationSetsLanguageToneAndClaimsJob(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	store.CreateJob(ctx, Job{ID: "job-2b", OwnerID: "o", State: Uploaded})

	if err := store.BeginTranslation(ctx, "job-2b", "ja", "formal"); err != nil {
		t.Fatalf("BeginTranslation: %v", err)
	}

	job, err := store.GetJob(ctx, "job-2b")
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if job.State != Chunking || job.TargetLanguage != "ja" || job.Tone != "formal" {
		t.Errorf("unexpected job after BeginTranslation: %+v", job)
	}

	if err := store.BeginTranslation(ctx, "job-2b", "de", "neutral"); err != ErrConflict {
		t.Errorf("expected ErrConflict on a job no longer UPLOADED, got %v", err)
	}
}

func TestSetChunkingResultAndCreditChunk(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	store.CreateJob(ctx, Job{ID: "job-3", OwnerID: "o", State: Uploaded})
	store.TransitionState(ctx, "job-3", Uploaded, Chunking)

	if err := store.SetChunkingResult(ctx, "job-3", 3); err != nil {
		t.Fatalf("SetChunkingResult: %v", err)
	}

	artifact := TranslatedChunkArtifact{JobID: "job-3", Index: 0, InputTokens: 100, OutputTokens: 90, ModelID: "m1"}
	credited, err := store.CreditChunk(ctx, artifact)
	if err != nil || !credited {
		t.Fatalf("CreditChunk: credited=%v err=%v", credited, err)
	}

	// Re-crediting the same chunk must be an idempotent no-op.
	credited, err = store.CreditChunk(ctx, artifact)
	if err != nil || credited {
		t.Fatalf("expected duplicate credit to no-op, got credited=%v err=%v", credited, err)
	}

	job, err := store.GetJob(ctx, "job-3")
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if job.TranslatedChunks != 1 {
		t.Errorf("expected translated_chunks=1 after duplicate credit, got %d", job.TranslatedChunks)
	}
	if job.InputTokens != 100 || job.OutputTokens != 90 {
		t.Errorf("expected token totals charged once, got in=%d out=%d", job.InputTokens, job.OutputTokens)
	}
}

func TestFinalizeCompleted(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	store.CreateJob(ctx, Job{ID: "job-4", OwnerID: "o", State: Translating, TotalChunks: 2})

	if err := store.FinalizeCompleted(ctx, "job-4"); err != nil {
		t.Fatalf("FinalizeCompleted: %v", err)
	}
	job, _ := store.GetJob(ctx, "job-4")
	if job.State != Completed || job.TranslatedChunks != job.TotalChunks {
		t.Errorf("expected completed job with translated_chunks == total_chunks, got %+v", job)
	}
	if job.CompletedAt == nil {
		t.Error("expected completed_at to be set")
	}
}

func TestFailJobRecordsErrorDescriptor(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	store.CreateJob(ctx, Job{ID: "job-5", OwnerID: "o", State: Chunking})

	err := store.FailJob(ctx, "job-5", ChunkingFailed, ErrorDescriptor{
		Kind: "chunking_error", Message: "document could not be split", FailedAt: "2026-07-30T00:00:00Z",
	})
	if err != nil {
		t.Fatalf("FailJob: %v", err)
	}

	job, _ := store.GetJob(ctx, "job-5")
	if job.State != ChunkingFailed {
		t.Errorf("expected state CHUNKING_FAILED, got %s", job.State)
	}
	if job.Error == nil || job.Error.Kind != "chunking_error" {
		t.Errorf("expected error descriptor recorded, got %+v", job.Error)
	}
}

func TestChunkDescriptorRoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	store.CreateJob(ctx, Job{ID: "job-6", OwnerID: "o", State: Chunked})

	descriptors := []ChunkDescriptor{
		{JobID: "job-6", Index: 0, InputTokens: 3400, ByteStart: 0, ByteEnd: 12000,
			SourceKey: "source/job-6/0", TranslatedKey: "translated/job-6/0"},
		{JobID: "job-6", Index: 1, InputTokens: 3500, ByteStart: 11000, ByteEnd: 23000,
			PreviousSummary: "prior chunk ended mid-paragraph",
			SourceKey: "source/job-6/1", TranslatedKey: "translated/job-6/1"},
	}
	if err := store.PutChunkDescriptors(ctx, descriptors); err != nil {
		t.Fatalf("PutChunkDescriptors: %v", err)
	}

	got, err := store.GetChunkDescriptor(ctx, "job-6", 1)
	if err != nil {
		t.Fatalf("GetChunkDescriptor: %v", err)
	}
	if got.PreviousSummary != "prior chunk ended mid-paragraph" {
		t.Errorf("unexpected previous summary: %q", got.PreviousSummary)
	}

	all, err := store.ListChunkDescriptors(ctx, "job-6")
	if err != nil {
		t.Fatalf("ListChunkDescriptors: %v", err)
	}
	if len(all) != 2 {
		t.Errorf("expected 2 descriptors, got %d", len(all))
	}
}
