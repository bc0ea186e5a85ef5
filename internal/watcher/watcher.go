// Package watcher debounces filesystem change notifications for the watch
// command. Editors produce bursts of writes (temp file, rename, chmod); the
// watcher coalesces each path's burst into a single event once the file has
// gone quiet.
package watcher

import (
	"context"
	"os"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/weftlabs/weft/internal/debug"
)

// Timing defaults. A path's event fires after DefaultDebounce of silence,
// and only once two stats StabilityDelay apart agree the writer is done.
const (
	DefaultDebounce = 500 * time.Millisecond
	StabilityDelay  = 100 * time.Millisecond
)

// Event reports one settled change.
type Event struct {
	Path string
}

// Watcher wraps fsnotify with per-path debouncing.
type Watcher struct {
	fs       *fsnotify.Watcher
	debounce time.Duration
	match    func(path string) bool

	mu     sync.Mutex
	timers map[string]*time.Timer
	closed bool

	events chan Event
}

// New creates a watcher. match filters raw notifications by path; nil
// accepts everything. debounce <= 0 uses the default.
func New(debounce time.Duration, match func(path string) bool) (*Watcher, error) {
	fs, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	if match == nil {
		match = func(string) bool { return true }
	}
	return &Watcher{
		fs:       fs,
		debounce: debounce,
		match:    match,
		timers:   make(map[string]*time.Timer),
		events:   make(chan Event, 16),
	}, nil
}

// Add registers a file or directory to watch.
func (w *Watcher) Add(path string) error {
	return w.fs.Add(path)
}

// Events returns the settled-change channel. Closed when Run returns.
func (w *Watcher) Events() <-chan Event {
	return w.events
}

// Run pumps raw notifications until the context is canceled or the
// underlying watcher fails.
func (w *Watcher) Run(ctx context.Context) error {
	defer w.shutdown()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-w.fs.Events:
			if !ok {
				return nil
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			if !w.match(ev.Name) {
				continue
			}
			w.arm(ev.Name)
		case err, ok := <-w.fs.Errors:
			if !ok {
				return nil
			}
			debug.Logf("watcher error: %v", err)
		}
	}
}

// arm starts or resets the debounce timer for one path.
func (w *Watcher) arm(path string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return
	}
	if t, ok := w.timers[path]; ok {
		t.Stop()
	}
	w.timers[path] = time.AfterFunc(w.debounce, func() {
		w.settle(path)
	})
}

// settle re-arms if the file is still being written, otherwise emits.
func (w *Watcher) settle(path string) {
	if !stable(path) {
		w.arm(path)
		return
	}

	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return
	}
	delete(w.timers, path)
	w.mu.Unlock()

	select {
	case w.events <- Event{Path: path}:
	default:
		// Slow consumer; drop rather than block the timer goroutine. The
		// next write to the path produces a fresh event.
		debug.Logf("watcher: dropped event for %s", path)
	}
}

// stable reports whether two stats StabilityDelay apart agree. A deleted
// path counts as stable so removals propagate as events too.
func stable(path string) bool {
	before, err := os.Stat(path)
	if err != nil {
		return true
	}
	time.Sleep(StabilityDelay)
	after, err := os.Stat(path)
	if err != nil {
		return true
	}
	return before.Size() == after.Size() && before.ModTime().Equal(after.ModTime())
}

func (w *Watcher) shutdown() {
	w.mu.Lock()
	w.closed = true
	for _, t := range w.timers {
		t.Stop()
	}
	w.timers = map[string]*time.Timer{}
	w.mu.Unlock()

	_ = w.fs.Close()
	close(w.events)
}
