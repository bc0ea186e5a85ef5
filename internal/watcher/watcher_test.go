package watcher

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func startWatcher(t *testing.T, dir string, match func(string) bool) *Watcher {
	t.Helper()
	w, err := New(50*time.Millisecond, match)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := w.Add(dir); err != nil {
		t.Fatalf("Add: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go func() { _ = w.Run(ctx) }()
	return w
}

func waitEvent(t *testing.T, w *Watcher) Event {
	t.Helper()
	select {
	case ev := <-w.Events():
		return ev
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for event")
		return Event{}
	}
}

func TestDebouncedWrite(t *testing.T) {
	dir := t.TempDir()
	w := startWatcher(t, dir, nil)

	path := filepath.Join(dir, "todo-1.md")
	if err := os.WriteFile(path, []byte("one"), 0o644); err != nil {
		t.Fatal(err)
	}

	ev := waitEvent(t, w)
	if ev.Path != path {
		t.Errorf("Path = %q, want %q", ev.Path, path)
	}
}

func TestBurstCoalesced(t *testing.T) {
	dir := t.TempDir()
	w := startWatcher(t, dir, nil)

	path := filepath.Join(dir, "todo-2.md")
	for i := 0; i < 5; i++ {
		if err := os.WriteFile(path, []byte(strings.Repeat("x", i+1)), 0o644); err != nil {
			t.Fatal(err)
		}
		time.Sleep(5 * time.Millisecond)
	}

	waitEvent(t, w)

	// The burst must not produce a backlog of events.
	select {
	case ev := <-w.Events():
		t.Errorf("unexpected extra event: %+v", ev)
	case <-time.After(300 * time.Millisecond):
	}
}

func TestMatchFilters(t *testing.T) {
	dir := t.TempDir()
	w := startWatcher(t, dir, func(path string) bool {
		return strings.HasSuffix(path, ".md")
	})

	if err := os.WriteFile(filepath.Join(dir, "scratch.tmp"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	mdPath := filepath.Join(dir, "todo-3.md")
	if err := os.WriteFile(mdPath, []byte("y"), 0o644); err != nil {
		t.Fatal(err)
	}

	ev := waitEvent(t, w)
	if ev.Path != mdPath {
		t.Errorf("Path = %q, want %q (tmp file must be filtered)", ev.Path, mdPath)
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	w, err := New(50*time.Millisecond, nil)
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()
	cancel()

	select {
	case err := <-done:
		if err != context.Canceled {
			t.Errorf("Run = %v, want context.Canceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}

	if _, ok := <-w.Events(); ok {
		t.Error("events channel must be closed after Run returns")
	}
}
