package main

import (
	"context"
	"errors"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/weftlabs/weft/internal/debug"
	"github.com/weftlabs/weft/internal/syncer"
	"github.com/weftlabs/weft/internal/watcher"
)

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Watch .todo/*.md and push edits into the beads store",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(rootCtx)
		if err != nil {
			return err
		}
		defer a.close()
		return runWatch(rootCtx, a)
	},
}

func init() {
	rootCmd.AddCommand(watchCmd)
}

// runWatch primes the file-sync cache, then applies each settled file event
// until the context is cancelled.
func runWatch(ctx context.Context, a *app) error {
	fs := syncer.NewFileSync(a.engine.Beads)
	fs.Store = a.store
	if err := fs.Prime(ctx); err != nil {
		debug.Logf("watch: prime failed, starting with a cold cache: %v", err)
	}

	w, err := watcher.New(a.cfg.WatchDebounce, func(path string) bool {
		return strings.HasSuffix(path, ".md")
	})
	if err != nil {
		return err
	}

	todoDir := filepath.Join(a.cfg.Root, ".todo")
	if err := w.Add(todoDir); err != nil {
		return configError(err)
	}
	debug.PrintNormal("watching %s", todoDir)

	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	for {
		select {
		case ev, ok := <-w.Events():
			if !ok {
				err := <-done
				if errors.Is(err, context.Canceled) {
					return nil
				}
				return err
			}
			patch, err := fs.Apply(ctx, ev.Path)
			if err != nil {
				debug.Logf("watch: %s: %v", ev.Path, err)
				continue
			}
			if patch != nil {
				debug.PrintNormal("pushed %s", filepath.Base(ev.Path))
			}
		case <-ctx.Done():
			err := <-done
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		}
	}
}
