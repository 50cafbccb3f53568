package server

import (
	"encoding/json"
	"net/http"

	"github.com/oho/lfmt-daemon/internal/config"
	"github.com/oho/lfmt-daemon/internal/llmclient"
)

type HealthResponse struct {
	Status           string `json:"status"`
	LLM              string `json:"llm"`
	ObjectStore      string `json:"object_store"`
	JobStore         string `json:"job_store"`
	RateLimitBackend string `json:"rate_limit_backend"`
	DataDir          string `json:"data_dir"`
	Port             int    `json:"port"`
}

// HealthHandler returns a handler for GET /health. The LLM backend is
// probed live since it's the one dependency that silently degrades the
// pipeline (every chunk call starts failing) without the daemon itself
// crashing; the storage backends are reported from configuration since
// they are checked on every job-store/object-store call already.
func HealthHandler(cfg config.Config, llm llmclient.Client) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		llmOK := llm.HealthCheck(r.Context())
		llmStatus := "unavailable"
		if llmOK {
			llmStatus = "connected"
		}

		resp := HealthResponse{
			Status:           "ok",
			LLM:              llmStatus,
			ObjectStore:      cfg.ObjectStore.Backend,
			JobStore:         cfg.JobStore.Backend,
			RateLimitBackend: cfg.RateLimit.Backend,
			DataDir:          cfg.DataDir,
			Port:             cfg.Port,
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(resp)
	}
}
