// Package watcher lists a folder on a fixed period and reports changes to
// the master.
//
// The first report after startup, and after any failure, carries the full
// listing with First set so the master can rebuild its copy from scratch.
// Every other report carries only the diff against the previous listing.
package watcher

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"os"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"golang.org/x/sync/semaphore"

	"github.com/folderagg/folderagg/internal/logging"
	"github.com/folderagg/folderagg/internal/metrics"
	"github.com/folderagg/folderagg/internal/timings"
	"github.com/folderagg/folderagg/pkg/diff"
	"github.com/folderagg/folderagg/pkg/protocol"
)

// Reporter delivers one report to the master.
type Reporter interface {
	Report(ctx context.Context, r protocol.Report) error
}

// Config holds watcher configuration.
type Config struct {
	Folder   string
	ID       string
	Interval time.Duration
	// MaxInFlight caps concurrent ticks. Ticks beyond the cap are dropped.
	// Zero lets ticks overlap without limit.
	MaxInFlight int
	// Notify triggers an extra tick on filesystem events.
	Notify bool
}

// Watcher watches one folder on behalf of one source id.
type Watcher struct {
	folder   string
	id       string
	interval time.Duration
	notify   bool
	reporter Reporter
	sem      *semaphore.Weighted

	mu       sync.Mutex
	previous []protocol.Item
	first    bool
	// generation counts resets. A send only clears first if no reset
	// happened since its diff was computed.
	generation uint64
}

// New creates a watcher. An empty ID gets a random one and a zero
// Interval uses the standard update interval.
func New(cfg Config, reporter Reporter) *Watcher {
	if cfg.Interval == 0 {
		cfg.Interval = timings.UpdateInterval
	}
	if cfg.ID == "" {
		cfg.ID = NewSourceID()
	}
	w := &Watcher{
		folder:   cfg.Folder,
		id:       cfg.ID,
		interval: cfg.Interval,
		notify:   cfg.Notify,
		reporter: reporter,
		first:    true,
	}
	if cfg.MaxInFlight > 0 {
		w.sem = semaphore.NewWeighted(int64(cfg.MaxInFlight))
	}
	return w
}

// ID returns the source id this watcher reports under.
func (w *Watcher) ID() string {
	return w.id
}

// Run ticks immediately and then every interval until ctx is done, then
// waits for in-flight ticks to finish.
func (w *Watcher) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	defer wg.Wait()

	nudge := make(chan struct{}, 1)
	if w.notify {
		stop, err := w.watchFolder(ctx, nudge)
		if err != nil {
			logging.Warn("filesystem notifications unavailable, polling only",
				logging.String("folder", w.folder), logging.Err(err))
		} else {
			defer stop()
		}
	}

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	w.dispatch(ctx, &wg)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			w.dispatch(ctx, &wg)
		case <-nudge:
			w.dispatch(ctx, &wg)
		}
	}
}

// dispatch starts one tick in its own goroutine unless the in-flight cap
// is reached.
func (w *Watcher) dispatch(ctx context.Context, wg *sync.WaitGroup) {
	if w.sem != nil && !w.sem.TryAcquire(1) {
		metrics.RecordTickSkipped()
		logging.Debug("tick skipped, report still in flight")
		return
	}
	metrics.RecordTick()
	wg.Add(1)
	go func() {
		defer wg.Done()
		if w.sem != nil {
			defer w.sem.Release(1)
		}
		_ = w.Tick(ctx)
	}()
}

// Tick lists the folder, sends one report and updates the resync state.
func (w *Watcher) Tick(ctx context.Context) error {
	start := time.Now()
	current, err := List(w.folder)
	if err != nil {
		log := logging.Debug
		if w.reset("listing") {
			log = logging.Warn
		}
		log("cannot list folder", logging.String("folder", w.folder), logging.Err(err))
		return err
	}
	metrics.RecordScan(len(current), time.Since(start))

	w.mu.Lock()
	d := diff.Compute(w.previous, current)
	first := w.first
	gen := w.generation
	w.previous = current
	w.mu.Unlock()

	report := protocol.Report{ID: w.id, Diff: d, First: first}
	sendStart := time.Now()
	err = w.reporter.Report(ctx, report)
	metrics.RecordReportSent(first, time.Since(sendStart), err == nil)
	if err != nil {
		w.reset("send")
		return fmt.Errorf("send report: %w", err)
	}

	w.mu.Lock()
	if w.generation == gen {
		w.first = false
	}
	w.mu.Unlock()

	if first || !d.Empty() {
		logging.Debug("report sent",
			logging.Bool("first", first),
			logging.Int("added", len(d.Added)),
			logging.Int("removed", len(d.Removed)))
	}
	return nil
}

// reset forgets the previous listing so the next tick sends everything.
// It reports whether the watcher was in sync before the call.
func (w *Watcher) reset(cause string) bool {
	w.mu.Lock()
	wasSynced := !w.first
	w.first = true
	w.previous = nil
	w.generation++
	w.mu.Unlock()
	metrics.RecordResync(cause)
	return wasSynced
}

// List returns the immediate entries of folder. Entries are classified
// from the directory entry alone, so symbolic links count as files.
func List(folder string) ([]protocol.Item, error) {
	entries, err := os.ReadDir(folder)
	if err != nil {
		return nil, err
	}
	items := make([]protocol.Item, 0, len(entries))
	for _, e := range entries {
		kind := protocol.KindFile
		if e.IsDir() {
			kind = protocol.KindDirectory
		}
		items = append(items, protocol.Item{Name: e.Name(), Type: kind})
	}
	return items, nil
}

// watchFolder forwards filesystem events on the folder into nudge. Bursts
// of events collapse into one pending nudge.
func (w *Watcher) watchFolder(ctx context.Context, nudge chan<- struct{}) (func(), error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fw.Add(w.folder); err != nil {
		fw.Close()
		return nil, err
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			select {
			case <-ctx.Done():
				return
			case _, ok := <-fw.Events:
				if !ok {
					return
				}
				select {
				case nudge <- struct{}{}:
				default:
				}
			case err, ok := <-fw.Errors:
				if !ok {
					return
				}
				if !errors.Is(err, fsnotify.ErrEventOverflow) {
					logging.Warn("filesystem watch error", logging.Err(err))
				}
			}
		}
	}()

	return func() {
		fw.Close()
		<-done
	}, nil
}

const idAlphabet = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

// NewSourceID returns a random 10 character alphanumeric id.
func NewSourceID() string {
	b := make([]byte, 10)
	for i := range b {
		b[i] = idAlphabet[rand.Intn(len(idAlphabet))]
	}
	return string(b)
}
