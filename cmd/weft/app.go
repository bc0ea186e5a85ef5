package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/gofrs/flock"

	"github.com/weftlabs/weft/internal/beads"
	"github.com/weftlabs/weft/internal/config"
	"github.com/weftlabs/weft/internal/coordinator"
	"github.com/weftlabs/weft/internal/debug"
	"github.com/weftlabs/weft/internal/github"
	"github.com/weftlabs/weft/internal/linear"
	"github.com/weftlabs/weft/internal/storage/sqlite"
	"github.com/weftlabs/weft/internal/syncer"
)

// app bundles the wired-up runtime for one repository: config, store, sync
// engine, and the coordinator that owns them.
type app struct {
	cfg    *config.Config
	store  *sqlite.Store
	engine *syncer.Engine
	coord  *coordinator.Coordinator
	lock   *flock.Flock
}

// openApp loads config and opens the store; upstream clients are attached
// only for the parts that are configured. Configuration problems map to
// exit code 2.
func openApp(ctx context.Context) (*app, error) {
	cfg, err := config.Load(rootDir)
	if err != nil {
		return nil, configError(err)
	}
	if cfg.LogFile != "" {
		debug.SetLogFile(cfg.LogFile)
	}

	dbPath := cfg.ResolveDB()
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, configError(fmt.Errorf("failed to create state directory: %w", err))
	}

	// One writing process per repo dir: the coordinator is a single-writer
	// actor, and two of them would race through the store.
	lock := flock.New(filepath.Join(cfg.Root, config.Dir, "weft.lock"))
	held, err := lock.TryLock()
	if err != nil {
		return nil, configError(fmt.Errorf("failed to acquire repo lock: %w", err))
	}
	if !held {
		return nil, configError(fmt.Errorf("another weft process holds %s", lock.Path()))
	}

	store, err := sqlite.New(ctx, dbPath)
	if err != nil {
		_ = lock.Unlock()
		return nil, configError(fmt.Errorf("failed to open store: %w", err))
	}

	engine := syncer.New(store, cfg.Policy())
	engine.Beads = beads.New(cfg.Root)

	if cfg.GitHub.Enabled() {
		tokens, err := githubTokens(cfg)
		if err != nil {
			_ = store.Close()
			_ = lock.Unlock()
			return nil, configError(err)
		}
		engine.GitHub = github.NewClient(tokens, cfg.GitHub.Owner, cfg.GitHub.Repo)
	}
	if cfg.Linear.Enabled() {
		engine.Linear = linear.NewClient(cfg.Linear.APIKey, cfg.Linear.TeamID)
	}

	coord, err := coordinator.New(cfg.RepoContext(), engine, filepath.Join(cfg.Root, config.Dir, "outbox"))
	if err != nil {
		_ = store.Close()
		_ = lock.Unlock()
		return nil, configError(err)
	}
	coord.UpstreamTimeout = cfg.UpstreamTimeout
	coord.DrainTimeout = cfg.DrainTimeout

	return &app{cfg: cfg, store: store, engine: engine, coord: coord, lock: lock}, nil
}

// githubTokens builds the token source: App installation auth when fully
// configured, otherwise the static token.
func githubTokens(cfg *config.Config) (github.TokenSource, error) {
	gh := cfg.GitHub
	if gh.UseApp() {
		pem, err := os.ReadFile(gh.PrivateKeyPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read github app key: %w", err)
		}
		key, err := github.ParsePrivateKey(pem)
		if err != nil {
			return nil, err
		}
		return github.InstallationTokens{
			Auth:           github.NewAppAuth(gh.AppID, key),
			InstallationID: gh.InstallationID,
		}, nil
	}
	if gh.Token == "" {
		return nil, fmt.Errorf("github upstream configured without token or app credentials")
	}
	return github.StaticToken(gh.Token), nil
}

func (a *app) close() {
	if err := a.store.Close(); err != nil {
		debug.Logf("store close: %v", err)
	}
	if a.lock != nil {
		_ = a.lock.Unlock()
	}
}
