package api

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/folderagg/folderagg/internal/events"
	"github.com/folderagg/folderagg/internal/ratelimit"
	"github.com/folderagg/folderagg/internal/store"
	"github.com/folderagg/folderagg/internal/timings"
	"github.com/folderagg/folderagg/pkg/protocol"
)

func newTestServer(t *testing.T, mutate func(*Config)) (*Server, *store.Store) {
	t.Helper()
	st := store.New(timings.Stale)
	cfg := Config{Store: st, Broadcaster: events.NewBroadcaster()}
	if mutate != nil {
		mutate(&cfg)
	}
	srv, err := NewServer(cfg)
	require.NoError(t, err)
	return srv, st
}

func post(h http.Handler, contentType, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(body))
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func rowsFor(st *store.Store, id string) []protocol.Item {
	var out []protocol.Item
	for _, row := range st.List() {
		if row.From == id {
			out = append(out, protocol.Item{Name: row.Name, Type: row.Type})
		}
	}
	protocol.SortItems(out)
	return out
}

func TestIntakeRejectsNonPost(t *testing.T) {
	srv, _ := newTestServer(t, nil)
	h := srv.IntakeHandler()

	for _, method := range []string{http.MethodGet, http.MethodPut, http.MethodDelete} {
		req := httptest.NewRequest(method, "/anything", nil)
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)

		assert.Equal(t, http.StatusMethodNotAllowed, rec.Code, method)
		assert.Equal(t, "Only POST requests allowed", strings.TrimSpace(rec.Body.String()))
	}
}

func TestIntakeContentType(t *testing.T) {
	srv, st := newTestServer(t, nil)
	h := srv.IntakeHandler()
	body := `{"ID":"w1","Diff":{"Added":[],"Removed":[]},"First":true}`

	assert.Equal(t, http.StatusUnsupportedMediaType, post(h, "", body).Code)
	assert.Equal(t, http.StatusUnsupportedMediaType, post(h, "text/plain", body).Code)
	assert.Equal(t, http.StatusOK, post(h, "application/json; charset=utf-8", body).Code)

	sources, _ := st.Len()
	assert.Equal(t, 1, sources)
}

func TestIntakeBadBodies(t *testing.T) {
	srv, st := newTestServer(t, nil)
	h := srv.IntakeHandler()

	tests := []struct {
		name string
		body string
	}{
		{"malformed json", `{"ID":`},
		{"not an object", `[1,2,3]`},
		{"missing id", `{"Diff":{"Added":[]},"First":true}`},
		{"empty id", `{"ID":"","Diff":{"Added":[]},"First":true}`},
		{"numeric id", `{"ID":7,"First":true}`},
		{"bad kind", `{"ID":"w1","Diff":{"Added":[{"Name":"a","Type":"symlink"}]},"First":true}`},
		{"missing name", `{"ID":"w1","Diff":{"Added":[{"Type":"file"}]},"First":true}`},
		{"added not array", `{"ID":"w1","Diff":{"Added":"a.txt"}}`},
		{"first not bool", `{"ID":"w1","First":"yes"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := post(h, "application/json", tt.body)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
			assert.NotEmpty(t, rec.Body.String())
		})
	}

	sources, _ := st.Len()
	assert.Zero(t, sources, "rejected reports never touch the store")
}

func TestIntakeBodyTooLarge(t *testing.T) {
	srv, st := newTestServer(t, func(c *Config) { c.MaxBodyBytes = 64 })
	h := srv.IntakeHandler()

	body := `{"ID":"w1","First":true,"Diff":{"Added":[{"Name":"` + strings.Repeat("x", 100) + `","Type":"file"}]}}`
	rec := post(h, "application/json", body)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	sources, _ := st.Len()
	assert.Zero(t, sources)
}

func TestIntakeFirstReplaces(t *testing.T) {
	srv, st := newTestServer(t, nil)
	h := srv.IntakeHandler()

	rec := post(h, "application/json", `{"ID":"w1","Diff":{"Added":[{"Name":"a.txt","Type":"file"}],"Removed":[]},"First":true}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", rec.Body.String())

	rec = post(h, "application/json", `{"ID":"w1","Diff":{"Added":[{"Name":"b","Type":"directory"}],"Removed":null},"First":true}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []protocol.Item{{Name: "b", Type: protocol.KindDirectory}}, rowsFor(st, "w1"))
}

func TestIntakeDiffApplies(t *testing.T) {
	srv, st := newTestServer(t, nil)
	h := srv.IntakeHandler()

	require.Equal(t, http.StatusOK, post(h, "application/json",
		`{"ID":"w1","Diff":{"Added":[{"Name":"a.txt","Type":"file"}]},"First":true}`).Code)
	require.Equal(t, http.StatusOK, post(h, "application/json",
		`{"ID":"w1","Diff":{"Added":[{"Name":"b","Type":"directory"}],"Removed":[{"Name":"a.txt","Type":"file"}]},"First":false}`).Code)

	assert.Equal(t, []protocol.Item{{Name: "b", Type: protocol.KindDirectory}}, rowsFor(st, "w1"))
}

func TestIntakeDiffForUnknownSource(t *testing.T) {
	srv, st := newTestServer(t, nil)
	h := srv.IntakeHandler()

	require.Equal(t, http.StatusOK, post(h, "application/json",
		`{"ID":"ghost","Diff":{"Added":[{"Name":"x","Type":"file"}],"Removed":[{"Name":"y","Type":"file"}]}}`).Code)
	assert.Equal(t, []protocol.Item{{Name: "x", Type: protocol.KindFile}}, rowsFor(st, "ghost"))
}

func TestIntakeRateLimited(t *testing.T) {
	limiter, err := ratelimit.New(0.5, 2, 16)
	require.NoError(t, err)
	srv, _ := newTestServer(t, func(c *Config) { c.Limiter = limiter })
	h := srv.IntakeHandler()

	body := `{"ID":"w1","Diff":{"Added":[],"Removed":[]}}`
	assert.Equal(t, http.StatusOK, post(h, "application/json", body).Code)
	assert.Equal(t, http.StatusOK, post(h, "application/json", body).Code)

	rec := post(h, "application/json", body)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "2", rec.Header().Get("Retry-After"))

	other := `{"ID":"w2","Diff":{"Added":[],"Removed":[]}}`
	assert.Equal(t, http.StatusOK, post(h, "application/json", other).Code)
}

func TestIntakePublishesEvents(t *testing.T) {
	srv, _ := newTestServer(t, nil)
	h := srv.IntakeHandler()
	ch := srv.broadcaster.Subscribe()
	defer srv.broadcaster.Unsubscribe(ch)

	post(h, "application/json", `{"ID":"w1","Diff":{"Added":[{"Name":"a","Type":"file"},{"Name":"a","Type":"file"}]},"First":true}`)
	post(h, "application/json", `{"ID":"w1","Diff":{"Added":[],"Removed":[]}}`)
	post(h, "application/json", `{"ID":"w1","Diff":{"Removed":[{"Name":"a","Type":"file"}]}}`)

	next := func() events.Event {
		select {
		case ev := <-ch:
			return ev
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for event")
			return events.Event{}
		}
	}

	ev := next()
	assert.Equal(t, events.EventReplaced, ev.Type)
	assert.Equal(t, "w1", ev.Source)
	assert.Equal(t, 1, ev.Items)

	ev = next()
	assert.Equal(t, events.EventUpdated, ev.Type, "empty diffs publish nothing")
	assert.Equal(t, []protocol.Item{{Name: "a", Type: protocol.KindFile}}, ev.Removed)

	select {
	case ev := <-ch:
		t.Fatalf("unexpected event %+v", ev)
	default:
	}
}
