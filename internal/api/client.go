package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/klauspost/compress/gzip"

	"github.com/folderagg/folderagg/internal/events"
	"github.com/folderagg/folderagg/internal/logging"
	"github.com/folderagg/folderagg/internal/metrics"
	"github.com/folderagg/folderagg/pkg/protocol"
)

// Pool gzip writers for the listing endpoint.
var gzipPool = sync.Pool{
	New: func() any { return gzip.NewWriter(nil) },
}

// ClientHandler returns the handler for the client-facing listener.
func (s *Server) ClientHandler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(metrics.Middleware("client"))
	r.Use(logging.Middleware)

	r.Get("/health", s.handleHealth)
	r.Route("/api", func(r chi.Router) {
		r.Get("/list", s.handleList)
		r.Get("/sources", s.handleSources)
		r.Get("/events", s.handleEvents)
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		s.sendError(w, http.StatusMethodNotAllowed, "method not allowed")
	})
	r.NotFound(s.staticHandler().ServeHTTP)
	return r
}

// ─── Health ─────────────────────────────────────────────────────────────────

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	sources, items := s.store.Len()
	writeJSON(w, http.StatusOK, protocol.HealthResponse{
		Status:  "ok",
		Sources: sources,
		Items:   items,
	})
}

// ─── Listing ────────────────────────────────────────────────────────────────

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	resp := protocol.ListResponse{Files: s.store.List()}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Add("Vary", "Accept-Encoding")
	var err error
	if acceptsGzip(r) {
		w.Header().Set("Content-Encoding", "gzip")
		gw := gzipPool.Get().(*gzip.Writer)
		gw.Reset(w)
		err = json.NewEncoder(gw).Encode(resp)
		if cerr := gw.Close(); err == nil {
			err = cerr
		}
		gzipPool.Put(gw)
	} else {
		err = json.NewEncoder(w).Encode(resp)
	}
	if err != nil {
		logging.WithContext(r.Context()).Debug("listing write failed", logging.Err(err))
	}
}

func (s *Server) handleSources(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, protocol.SourcesResponse{Sources: s.store.Sources()})
}

// ─── SSE Events ─────────────────────────────────────────────────────────────

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if s.broadcaster == nil {
		s.sendError(w, http.StatusNotFound, "events not enabled")
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		s.sendError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ch := s.broadcaster.Subscribe()
	defer s.broadcaster.Unsubscribe(ch)

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-ch:
			if !ok {
				return
			}
			data, err := events.MarshalEvent(event)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event.Type, data)
			flusher.Flush()
		}
	}
}

// ─── Static files ───────────────────────────────────────────────────────────

func (s *Server) staticHandler() http.Handler {
	var files http.Handler = http.NotFoundHandler()
	if s.staticDir != "" {
		files = http.FileServer(http.Dir(s.staticDir))
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet && r.Method != http.MethodHead {
			w.Header().Set("Allow", "GET, HEAD")
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		files.ServeHTTP(w, r)
	})
}

// acceptsGzip reports whether the Accept-Encoding header allows gzip. An
// explicit gzip entry decides; otherwise the * wildcard does.
func acceptsGzip(r *http.Request) bool {
	wildcard := false
	for _, part := range strings.Split(r.Header.Get("Accept-Encoding"), ",") {
		coding, params, _ := strings.Cut(part, ";")
		switch strings.ToLower(strings.TrimSpace(coding)) {
		case "gzip":
			return qualityNonZero(params)
		case "*":
			wildcard = qualityNonZero(params)
		}
	}
	return wildcard
}

func qualityNonZero(params string) bool {
	for _, p := range strings.Split(params, ";") {
		key, value, ok := strings.Cut(p, "=")
		if !ok || !strings.EqualFold(strings.TrimSpace(key), "q") {
			continue
		}
		q, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
		return err == nil && q > 0
	}
	return true
}
