// Package reporter posts watcher reports to the master intake endpoint.
package reporter

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/folderagg/folderagg/internal/logging"
	"github.com/folderagg/folderagg/pkg/protocol"
)

// maxErrorBody caps how much of a failed response is kept in StatusError.
const maxErrorBody = 512

// StatusError is returned when the master answers with a non-2xx status.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("master returned %d", e.StatusCode)
	}
	return fmt.Sprintf("master returned %d: %s", e.StatusCode, e.Body)
}

// Config holds reporter configuration.
type Config struct {
	MasterURL string
	Timeout   time.Duration
}

// Reporter sends reports over HTTP and tracks whether the master is
// reachable.
type Reporter struct {
	url        string
	httpClient *http.Client

	mu     sync.Mutex
	online bool
}

// New creates a reporter. A zero Timeout uses 2s.
func New(cfg Config) *Reporter {
	if cfg.Timeout == 0 {
		cfg.Timeout = 2 * time.Second
	}
	return &Reporter{
		url: cfg.MasterURL,
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
			Transport: &http.Transport{
				DialContext: (&net.Dialer{
					Timeout:   cfg.Timeout,
					KeepAlive: 30 * time.Second,
				}).DialContext,
				MaxIdleConns:    16,
				IdleConnTimeout: 90 * time.Second,
			},
		},
		online: true,
	}
}

// Report posts r as JSON. Any transport failure or non-2xx status is an
// error.
func (c *Reporter) Report(ctx context.Context, r protocol.Report) error {
	body, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("encode report: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.setOnline(false, err)
		return fmt.Errorf("post report: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		serr := &StatusError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(msg))}
		c.setOnline(false, serr)
		return serr
	}

	// Drain so the connection can be reused.
	_, _ = io.Copy(io.Discard, resp.Body)
	c.setOnline(true, nil)
	return nil
}

// IsOnline reports whether the last report succeeded.
func (c *Reporter) IsOnline() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.online
}

func (c *Reporter) setOnline(online bool, cause error) {
	c.mu.Lock()
	changed := c.online != online
	c.online = online
	c.mu.Unlock()

	switch {
	case changed && online:
		logging.Info("master is reachable again", logging.String("url", c.url))
	case changed:
		logging.Warn("master unreachable", logging.String("url", c.url), logging.Err(cause))
	case !online:
		logging.Debug("report failed", logging.Err(cause))
	}
}
