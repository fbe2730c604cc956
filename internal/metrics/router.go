package metrics

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
)

// Router serves the operational endpoints: /metrics for Prometheus and
// /healthz with a JSON status line. status may be nil.
func Router(status func() string) http.Handler {
	r := chi.NewRouter()
	r.Method(http.MethodGet, "/metrics", Handler())
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		resp := struct {
			Status     string `json:"status"`
			Connection string `json:"connection,omitempty"`
		}{Status: "ok"}
		if status != nil {
			resp.Connection = status()
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(resp)
	})
	return r
}
