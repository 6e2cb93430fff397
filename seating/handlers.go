package seating

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
)

// RegisterRoutes mounts the lookup endpoints. Admission and trace
// middleware are applied by the caller so the same routes can be mounted
// with or without a gate in tests.
func (s *Service) RegisterRoutes(r chi.Router) {
	r.Get("/seating", s.handleLookup)
	r.Get("/seating-stream", s.handleStream)
	r.Get("/cache-status", s.handleCacheStatus)
	r.Get("/healthz", s.handleHealth)
}

func (s *Service) handleLookup(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	res, err := s.Lookup(r.Context(), q.Get("ra"), q.Get("date"))
	if err != nil {
		if errors.Is(err, ErrInvalidIdentifier) {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "missing or malformed identifier"})
			return
		}
		s.logger.Error("lookup failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Service) handleStream(w http.ResponseWriter, r *http.Request) {
	fl, ok := w.(http.Flusher)
	if !ok {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "streaming unsupported"})
		return
	}

	q := r.URL.Query()
	events, err := s.LookupStream(r.Context(), q.Get("ra"), q.Get("date"))
	if err != nil {
		if errors.Is(err, ErrInvalidIdentifier) {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "missing or malformed identifier"})
			return
		}
		s.logger.Error("stream setup failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	fl.Flush()

	for ev := range events {
		data, err := json.Marshal(ev)
		if err != nil {
			s.logger.Error("stream marshal", "error", err)
			fmt.Fprintf(w, "event: %s\ndata: {\"type\":%q,\"error\":\"internal error\"}\n\n", EventError, EventError)
			fl.Flush()
			return
		}
		// A write to a disconnected client fails here; the request context
		// is already cancelled, which stops the producer.
		if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, data); err != nil {
			return
		}
		fl.Flush()
	}
}

// handleCacheStatus reports cache population and age without mutating it.
func (s *Service) handleCacheStatus(w http.ResponseWriter, r *http.Request) {
	stats := s.results.Stats()
	entries := make([]map[string]any, 0, len(stats))
	for _, e := range stats {
		entries = append(entries, map[string]any{
			"key":              e.Key,
			"ageSeconds":       int(e.Age / time.Second),
			"expiresInSeconds": int(e.ExpiresIn / time.Second),
		})
	}
	payload := map[string]any{
		"entries":    len(stats),
		"ttlSeconds": int(s.config.CacheTTL / time.Second),
		"items":      entries,
	}
	if s.resolver != nil {
		payload["directoryEntries"] = s.resolver.Size()
	}
	writeJSON(w, http.StatusOK, payload)
}

func (s *Service) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"sources": len(s.config.Sources),
	})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}
