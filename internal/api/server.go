// Package api implements the master's two HTTP surfaces: the intake that
// watchers post reports to, and the client API serving the merged listing.
package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/xeipuuv/gojsonschema"

	"github.com/folderagg/folderagg/internal/events"
	"github.com/folderagg/folderagg/internal/ratelimit"
	"github.com/folderagg/folderagg/pkg/protocol"
)

// DefaultMaxBodyBytes bounds intake request bodies when Config leaves it
// unset.
const DefaultMaxBodyBytes = 8 << 20

// Store is the aggregator state the API reads and mutates.
type Store interface {
	Replace(id string, items []protocol.Item)
	Apply(id string, d protocol.Diff)
	List() []protocol.Row
	Sources() []protocol.SourceSummary
	Len() (sources, items int)
}

// Config holds the server's collaborators.
type Config struct {
	Store Store
	// Broadcaster receives change events. Optional.
	Broadcaster *events.Broadcaster
	// Limiter throttles reports per source. A nil limiter allows all.
	Limiter      *ratelimit.Limiter
	MaxBodyBytes int64
	// StaticDir is served for every path the client API does not route.
	// Empty means no static files.
	StaticDir string
}

// Server serves the intake and client APIs over one store.
type Server struct {
	store        Store
	broadcaster  *events.Broadcaster
	limiter      *ratelimit.Limiter
	maxBodyBytes int64
	staticDir    string
	schema       *gojsonschema.Schema
}

// NewServer creates a new server.
func NewServer(cfg Config) (*Server, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("api: store is required")
	}
	schema, err := gojsonschema.NewSchema(gojsonschema.NewBytesLoader(reportSchema))
	if err != nil {
		return nil, fmt.Errorf("load report schema: %w", err)
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = DefaultMaxBodyBytes
	}
	return &Server{
		store:        cfg.Store,
		broadcaster:  cfg.Broadcaster,
		limiter:      cfg.Limiter,
		maxBodyBytes: cfg.MaxBodyBytes,
		staticDir:    cfg.StaticDir,
		schema:       schema,
	}, nil
}

// publishEvent publishes an event to the broadcaster if available.
func (s *Server) publishEvent(ev events.Event) {
	if s.broadcaster == nil {
		return
	}
	if ev.Timestamp == 0 {
		ev.Timestamp = time.Now().UnixMilli()
	}
	s.broadcaster.Publish(ev)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func (s *Server) sendError(w http.ResponseWriter, code int, message string) {
	writeJSON(w, code, protocol.ErrorResponse{
		Error: message,
		Code:  code,
	})
}
