package node

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
)

// StatusHandler returns the node's HTTP status surface:
//
//	GET /healthz  liveness
//	GET /stats    counters as JSON
func (n *Node) StatusHandler() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"status": "ok",
			"busy":   n.stats.busy.Load(),
		})
	})
	r.Get("/stats", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, n.Stats())
	})

	return r
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
