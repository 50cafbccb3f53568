// Package jobstore persists translation job state, chunk descriptors and
// per-chunk completion records, and provides the conditional updates the
// orchestrator and worker pool rely on for crash-safe, idempotent progress.
package jobstore

// JobState is one node of the translation job state machine.
type JobState string

const (
	PendingUpload    JobState = "PENDING_UPLOAD"
	Uploaded         JobState = "UPLOADED"
	Chunking         JobState = "CHUNKING"
	Chunked          JobState = "CHUNKED"
	Translating      JobState = "TRANSLATING"
	Completed        JobState = "COMPLETED"
	Failed           JobState = "FAILED"
	ChunkingFailed   JobState = "CHUNKING_FAILED"
	ValidationFailed JobState = "VALIDATION_FAILED"
)

// Terminal reports whether a job in this state will never transition again.
func (s JobState) Terminal() bool {
	switch s {
	case Completed, Failed, ChunkingFailed, ValidationFailed:
		return true
	}
	return false
}

// ErrorDescriptor records why a job landed in a failed terminal state.
type ErrorDescriptor struct {
	Kind      string `json:"kind"`
	Message   string `json:"message"`
	ChunkIndex *int  `json:"chunk_index,omitempty"`
	FailedAt  string `json:"failed_at"`
}

// Job is the top-level unit of work: one uploaded document translated end
// to end into one target language.
type Job struct {
	ID               string
	OwnerID          string
	SourceObjectKey  string
	TargetLanguage   string
	Tone             string
	TotalChunks      int
	TranslatedChunks int
	State            JobState
	Error            *ErrorDescriptor
	InputTokens      int64
	OutputTokens     int64
	CreatedAt        string
	UpdatedAt        string
	CompletedAt      *string
}

// ProgressPercentage is translated_chunks / total_chunks * 100, or 0 before
// chunking has produced a total.
func (j Job) ProgressPercentage() float64 {
	if j.TotalChunks == 0 {
		return 0
	}
	return 100 * float64(j.TranslatedChunks) / float64(j.TotalChunks)
}

// ChunkDescriptor locates one chunk's source slice in the object store and
// carries the translation context handed down from the chunk before it.
type ChunkDescriptor struct {
	JobID           string
	Index           int
	InputTokens     int
	ByteStart       int64
	ByteEnd         int64
	PreviousSummary string
	SourceKey       string
	TranslatedKey   string
}

// TranslatedChunkArtifact is the completion record for one chunk: it both
// marks the chunk done and carries the token usage charged against the job.
type TranslatedChunkArtifact struct {
	JobID        string
	Index        int
	InputTokens  int
	OutputTokens int
	ModelID      string
	CompletedAt  string
}
