package cleanup

import (
	"context"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/folderagg/folderagg/internal/store"
	"github.com/folderagg/folderagg/pkg/protocol"
)

type countingExpirer struct {
	mu         sync.Mutex
	calls      int
	thresholds []time.Duration
	result     []string
}

func (c *countingExpirer) Expire(threshold time.Duration) []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	c.thresholds = append(c.thresholds, threshold)
	return c.result
}

func (c *countingExpirer) Calls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

func TestRunFiresPeriodically(t *testing.T) {
	exp := &countingExpirer{}
	s := New(exp, 10*time.Millisecond, time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	deadline := time.Now().Add(2 * time.Second)
	for exp.Calls() < 3 {
		if time.Now().After(deadline) {
			t.Fatalf("expected at least 3 passes, got %d", exp.Calls())
		}
		time.Sleep(5 * time.Millisecond)
	}
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run returned %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}

	exp.mu.Lock()
	defer exp.mu.Unlock()
	for _, th := range exp.thresholds {
		if th != time.Second {
			t.Errorf("threshold = %v, want 1s", th)
		}
	}
}

func TestIntervalDefaultsToThreshold(t *testing.T) {
	s := New(&countingExpirer{}, 0, 5*time.Second)
	if s.interval != 5*time.Second {
		t.Errorf("interval = %v, want 5s", s.interval)
	}
}

func TestRunOnceCallsHook(t *testing.T) {
	exp := &countingExpirer{result: []string{"a", "b"}}
	var got []string
	s := New(exp, time.Second, time.Second, OnExpire(func(ids []string) { got = ids }))

	want := []string{"a", "b"}
	if ids := s.RunOnce(); !reflect.DeepEqual(ids, want) {
		t.Errorf("RunOnce = %v, want %v", ids, want)
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("hook got %v, want %v", got, want)
	}
}

func TestRunOnceSkipsHookWhenNothingExpired(t *testing.T) {
	called := false
	s := New(&countingExpirer{}, time.Second, time.Second, OnExpire(func([]string) { called = true }))

	if ids := s.RunOnce(); ids != nil {
		t.Errorf("RunOnce = %v, want nil", ids)
	}
	if called {
		t.Error("hook called with nothing expired")
	}
}

func TestExpiresRealStore(t *testing.T) {
	st := store.New(20 * time.Millisecond)
	st.Replace("w1", []protocol.Item{{Name: "a", Type: protocol.KindFile}})

	expired := make(chan []string, 1)
	s := New(st, 10*time.Millisecond, 50*time.Millisecond, OnExpire(func(ids []string) {
		select {
		case expired <- ids:
		default:
		}
	}))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)

	select {
	case ids := <-expired:
		if !reflect.DeepEqual(ids, []string{"w1"}) {
			t.Errorf("expired %v, want [w1]", ids)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("source was never expired")
	}
	if rows := st.List(); len(rows) != 0 {
		t.Errorf("expected empty listing, got %v", rows)
	}
}
