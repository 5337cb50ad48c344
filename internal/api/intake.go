package api

import (
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strconv"
	"strings"

	"github.com/xeipuuv/gojsonschema"

	"github.com/folderagg/folderagg/internal/events"
	"github.com/folderagg/folderagg/internal/logging"
	"github.com/folderagg/folderagg/internal/metrics"
	"github.com/folderagg/folderagg/internal/ratelimit"
	"github.com/folderagg/folderagg/pkg/diff"
	"github.com/folderagg/folderagg/pkg/protocol"
)

//go:embed report.schema.json
var reportSchema []byte

// IntakeHandler returns the handler for the watcher-facing listener. Every
// path accepts reports.
func (s *Server) IntakeHandler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleReport)
	return metrics.Middleware("intake")(logging.Middleware(mux))
}

func (s *Server) handleReport(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.reject(w, r, http.StatusMethodNotAllowed, "method", "Only POST requests allowed")
		return
	}

	mediaType, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if err != nil || mediaType != "application/json" {
		s.reject(w, r, http.StatusUnsupportedMediaType, "content_type", "Expected application/json Content-Type")
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.maxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			s.reject(w, r, http.StatusBadRequest, "too_large",
				fmt.Sprintf("Body exceeds %d bytes", tooLarge.Limit))
			return
		}
		s.reject(w, r, http.StatusBadRequest, "body", fmt.Sprintf("Unable to read body: %v", err))
		return
	}

	if err := s.validate(body); err != nil {
		s.reject(w, r, http.StatusBadRequest, "schema", fmt.Sprintf("Unable to decode body into valid diffs: %v", err))
		return
	}

	var report protocol.Report
	if err := json.Unmarshal(body, &report); err != nil {
		s.reject(w, r, http.StatusBadRequest, "decode", fmt.Sprintf("Unable to decode body into valid diffs: %v", err))
		return
	}

	if ok, wait := s.limiter.Allow(report.ID); !ok {
		metrics.RecordRateLimitHit()
		w.Header().Set("Retry-After", strconv.Itoa(ratelimit.RetryAfterSeconds(wait)))
		s.reject(w, r, http.StatusTooManyRequests, "rate_limited", "Too many reports")
		return
	}

	s.apply(report)

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

// validate checks body against the report schema. Malformed JSON is
// reported the same way as a schema violation.
func (s *Server) validate(body []byte) error {
	result, err := s.schema.Validate(gojsonschema.NewBytesLoader(body))
	if err != nil {
		return err
	}
	if result.Valid() {
		return nil
	}
	msgs := make([]string, 0, len(result.Errors()))
	for _, desc := range result.Errors() {
		msgs = append(msgs, desc.String())
	}
	return errors.New(strings.Join(msgs, "; "))
}

// apply mutates the store and publishes the matching event.
func (s *Server) apply(report protocol.Report) {
	d := report.Diff
	if report.First {
		s.store.Replace(report.ID, d.Added)
		metrics.RecordReportAccepted(true, len(d.Added), 0)
		s.publishEvent(events.Event{
			Type:   events.EventReplaced,
			Source: report.ID,
			Items:  len(diff.Dedupe(d.Added)),
		})
		logging.Debug("source replaced",
			logging.String("source", report.ID),
			logging.Int("items", len(d.Added)))
		return
	}

	s.store.Apply(report.ID, d)
	metrics.RecordReportAccepted(false, len(d.Added), len(d.Removed))
	if d.Empty() {
		return
	}
	s.publishEvent(events.Event{
		Type:    events.EventUpdated,
		Source:  report.ID,
		Added:   d.Added,
		Removed: d.Removed,
	})
}

func (s *Server) reject(w http.ResponseWriter, r *http.Request, code int, reason, message string) {
	metrics.RecordReportRejected(reason)
	logging.WithContext(r.Context()).Debug("report rejected",
		logging.String("reason", reason),
		logging.Int("status", code),
		logging.String("message", message))
	http.Error(w, message, code)
}
