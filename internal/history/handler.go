package history

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
)

// Handler serves the archive as JSON: the newest sessions, or one session
// when an id query parameter is given.
func (s *Store) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			w.Header().Set("Allow", http.MethodGet)
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}

		if id := r.URL.Query().Get("id"); id != "" {
			e, err := s.Get(r.Context(), id)
			if errors.Is(err, ErrNotFound) {
				http.Error(w, err.Error(), http.StatusNotFound)
				return
			}
			if err != nil {
				s.logger.Error().Err(err).Str("session_id", id).Msg("Failed to read session")
				http.Error(w, "history unavailable", http.StatusInternalServerError)
				return
			}
			writeJSON(w, e)
			return
		}

		limit := 20
		if v := r.URL.Query().Get("limit"); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n <= 0 {
				http.Error(w, "invalid limit", http.StatusBadRequest)
				return
			}
			limit = n
		}
		entries, err := s.Recent(r.Context(), limit)
		if err != nil {
			s.logger.Error().Err(err).Msg("Failed to list sessions")
			http.Error(w, "history unavailable", http.StatusInternalServerError)
			return
		}
		if entries == nil {
			entries = []Entry{}
		}
		writeJSON(w, entries)
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(v)
}
