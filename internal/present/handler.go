package present

import (
	"encoding/json"
	"net/http"

	"github.com/neuryx/voice-capture/internal/session"
)

// ViewHandler serves the current view as JSON
func ViewHandler(adapter *Adapter, snapshot func() session.Snapshot) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			w.Header().Set("Allow", http.MethodGet)
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(adapter.Render(snapshot()))
	}
}

// ActionHandler runs a controller action on POST. It answers 202 when the
// action was queued and 503 once the controller has stopped.
func ActionHandler(action func() bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.Header().Set("Allow", http.MethodPost)
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		if !action() {
			http.Error(w, "controller stopped", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusAccepted)
	}
}
