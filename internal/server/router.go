package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// NewRouter builds the chi router every HTTP entrypoint mounts routes onto.
func NewRouter() chi.Router {
	r := chi.NewRouter()
	r.Use(CORSMiddleware)
	return r
}

// CORSMiddleware allows any origin to call the API: the daemon is driven by
// local tooling and browser-based upload clients, never a cross-origin
// attacker of interest. OPTIONS preflights are answered directly without
// reaching the wrapped handler.
func CORSMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "*")
		w.Header().Set("Access-Control-Allow-Headers", "*")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}
