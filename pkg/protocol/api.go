// Package protocol defines the wire types shared by watchers, the master
// and its clients.
package protocol

import (
	"sort"
	"time"
)

// Kind classifies a directory entry.
type Kind string

const (
	KindFile      Kind = "file"
	KindDirectory Kind = "directory"
)

// Valid reports whether k is one of the known kinds.
func (k Kind) Valid() bool {
	return k == KindFile || k == KindDirectory
}

// Item is a single directory entry as seen by a watcher. Items are
// compared structurally, so the same name with a different kind is a
// different item.
type Item struct {
	Name string `json:"Name"`
	Type Kind   `json:"Type"`
}

// Diff describes the difference between two snapshots of one source.
type Diff struct {
	Added   []Item `json:"Added"`
	Removed []Item `json:"Removed"`
}

// Empty reports whether the diff carries no changes.
func (d Diff) Empty() bool {
	return len(d.Added) == 0 && len(d.Removed) == 0
}

// Report is sent from a watcher to the master intake endpoint.
// First means "discard prior state, Diff.Added is the complete list".
type Report struct {
	ID    string `json:"ID"`
	Diff  Diff   `json:"Diff"`
	First bool   `json:"First"`
}

// Row is one entry of the aggregated listing.
type Row struct {
	Name  string `json:"Name"`
	Type  Kind   `json:"Type"`
	From  string `json:"From"`
	Stale bool   `json:"Stale"`
}

// ListResponse is returned by GET /api/list
type ListResponse struct {
	Files []Row `json:"Files"`
}

// SourceSummary describes one reporting source.
type SourceSummary struct {
	ID          string    `json:"ID"`
	Items       int       `json:"Items"`
	LastUpdated time.Time `json:"LastUpdated"`
	AgeMillis   int64     `json:"AgeMillis"`
	Stale       bool      `json:"Stale"`
}

// SourcesResponse is returned by GET /api/sources
type SourcesResponse struct {
	Sources []SourceSummary `json:"Sources"`
}

// HealthResponse is returned by GET /health
type HealthResponse struct {
	Status  string `json:"status"`
	Sources int    `json:"sources"`
	Items   int    `json:"items"`
}

// ErrorResponse is returned on client API errors.
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    int    `json:"code"`
	Details string `json:"details,omitempty"`
}

// SortItems orders items by name, then kind. Only used where a stable
// order is needed for comparison.
func SortItems(items []Item) {
	sort.Slice(items, func(i, j int) bool {
		if items[i].Name != items[j].Name {
			return items[i].Name < items[j].Name
		}
		return items[i].Type < items[j].Type
	})
}
