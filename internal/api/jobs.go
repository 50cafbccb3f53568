package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/oho/lfmt-daemon/internal/jobstore"
	"github.com/oho/lfmt-daemon/internal/objectstore"
	"github.com/oho/lfmt-daemon/internal/pipeline"
)

// maxUploadBytes bounds the raw upload accepted at PUT /jobs/{job_id}/upload,
// per the upload-completion validation rule (size <= 100MB).
const maxUploadBytes = 100 * 1024 * 1024

type uploadJobResponse struct {
	JobID     string `json:"job_id"`
	UploadURL string `json:"upload_url"`
	State     string `json:"state"`
}

type translateRequest struct {
	TargetLanguage   string `json:"targetLanguage"`
	Tone             string `json:"tone"`
	OriginalFileName string `json:"originalFileName"`
}

type translateResponse struct {
	JobID string `json:"job_id"`
	State string `json:"state"`
}

type statusResponse struct {
	State              string                    `json:"state"`
	TotalChunks        int                       `json:"totalChunks"`
	TranslatedChunks   int                       `json:"translatedChunks"`
	ProgressPercentage float64                   `json:"progressPercentage"`
	TokensUsed         int64                     `json:"tokensUsed"`
	EstimatedCost      float64                   `json:"estimatedCost"`
	Error              *jobstore.ErrorDescriptor `json:"error,omitempty"`
	UpdatedAt          string                    `json:"updatedAt"`
}

// ownerOf reads the caller's account id off a header. Authentication itself
// is an external collaborator; this router trusts whatever sits in front of
// it to have set the header.
func ownerOf(r *http.Request) string {
	if id := r.Header.Get("X-Account-Id"); id != "" {
		return id
	}
	return "anonymous"
}

// JobsRouter exposes the translation job lifecycle: request an upload slot,
// hand over the source document, kick off translation, and poll progress.
// costPerInputToken and costPerOutputToken price the estimatedCost field on
// the status response; they are not a billing system, just a rough dollar
// estimate derived from metered usage.
func JobsRouter(jobs jobstore.Store, objects objectstore.Store, orch *pipeline.Orchestrator, costPerInputToken, costPerOutputToken float64) chi.Router {
	r := chi.NewRouter()

	r.Post("/upload", func(w http.ResponseWriter, r *http.Request) {
		jobID := uuid.NewString()
		job := jobstore.Job{
			ID:              jobID,
			OwnerID:         ownerOf(r),
			SourceObjectKey: "documents/" + jobID,
			State:           jobstore.PendingUpload,
		}
		if err := jobs.CreateJob(r.Context(), job); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}

		writeJSON(w, http.StatusOK, uploadJobResponse{
			JobID:     jobID,
			UploadURL: fmt.Sprintf("/jobs/%s/upload", jobID),
			State:     string(jobstore.PendingUpload),
		})
	})

	// PUT /jobs/{job_id}/upload stands in for the presigned-URL hand-off
	// named in the external interface: this daemon terminates the upload
	// itself rather than delegating to an object-store-native presigned PUT,
	// then replays the upload-completion event inline (validate, copy
	// uploads/{job_id} -> documents/{job_id}, transition to UPLOADED).
	r.Put("/{job_id}/upload", func(w http.ResponseWriter, r *http.Request) {
		jobID := chi.URLParam(r, "job_id")
		job, err := jobs.GetJob(r.Context(), jobID)
		if errors.Is(err, jobstore.ErrNotFound) {
			// Missing job: drop the event.
			w.WriteHeader(http.StatusNoContent)
			return
		} else if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		if job.State != jobstore.PendingUpload {
			http.Error(w, "job is not awaiting an upload", http.StatusConflict)
			return
		}

		contentType := r.Header.Get("Content-Type")
		if contentType != "" && !strings.HasPrefix(contentType, "text/plain") {
			http.Error(w, "only text/plain uploads are accepted", http.StatusBadRequest)
			return
		}

		body, err := io.ReadAll(io.LimitReader(r.Body, maxUploadBytes+1))
		if err != nil {
			http.Error(w, "read upload body: "+err.Error(), http.StatusBadRequest)
			return
		}
		if len(body) > maxUploadBytes {
			http.Error(w, "upload exceeds the 100MB limit", http.StatusBadRequest)
			return
		}

		if err := objects.Put(r.Context(), "uploads/"+jobID, body); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		if err := objects.Put(r.Context(), job.SourceObjectKey, body); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}

		if err := jobs.TransitionState(r.Context(), jobID, jobstore.PendingUpload, jobstore.Uploaded); err != nil {
			if errors.Is(err, jobstore.ErrConflict) {
				// Another upload already completed this job; nothing to do.
				w.WriteHeader(http.StatusNoContent)
				return
			}
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}

		w.WriteHeader(http.StatusNoContent)
	})

	r.Post("/{job_id}/translate", func(w http.ResponseWriter, r *http.Request) {
		jobID := chi.URLParam(r, "job_id")

		var req translateRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil && err != io.EOF {
			http.Error(w, "invalid request body", http.StatusBadRequest)
			return
		}
		if req.TargetLanguage == "" {
			http.Error(w, "targetLanguage is required", http.StatusBadRequest)
			return
		}
		tone := req.Tone
		if tone == "" {
			tone = "neutral"
		}

		if _, err := jobs.GetJob(r.Context(), jobID); errors.Is(err, jobstore.ErrNotFound) {
			http.Error(w, "unknown job", http.StatusNotFound)
			return
		} else if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}

		if err := orch.Start(jobID, req.TargetLanguage, tone); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}

		job, err := jobs.GetJob(r.Context(), jobID)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}

		writeJSON(w, http.StatusAccepted, translateResponse{JobID: jobID, State: string(job.State)})
	})

	r.Get("/{job_id}/translation-status", func(w http.ResponseWriter, r *http.Request) {
		jobID := chi.URLParam(r, "job_id")
		job, err := jobs.GetJob(r.Context(), jobID)
		if errors.Is(err, jobstore.ErrNotFound) {
			http.Error(w, "unknown job", http.StatusNotFound)
			return
		} else if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}

		tokensUsed := job.InputTokens + job.OutputTokens
		estimatedCost := float64(job.InputTokens)*costPerInputToken + float64(job.OutputTokens)*costPerOutputToken

		writeJSON(w, http.StatusOK, statusResponse{
			State:              string(job.State),
			TotalChunks:        job.TotalChunks,
			TranslatedChunks:   job.TranslatedChunks,
			ProgressPercentage: job.ProgressPercentage(),
			TokensUsed:         tokensUsed,
			EstimatedCost:      estimatedCost,
			Error:              job.Error,
			UpdatedAt:          job.UpdatedAt,
		})
	})

	return r
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
