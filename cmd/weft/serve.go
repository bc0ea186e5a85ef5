package main

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/weftlabs/weft/internal/debug"
	"github.com/weftlabs/weft/internal/httpapi"
	"github.com/weftlabs/weft/internal/telemetry"
	"github.com/weftlabs/weft/internal/webhook"
)

var serveAddr string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the webhook ingress and coordinator HTTP API",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(rootCtx)
		if err != nil {
			return err
		}
		defer a.close()
		return runServe(rootCtx, a)
	},
}

func init() {
	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "listen address (overrides config)")
	rootCmd.AddCommand(serveCmd)
}

func runServe(ctx context.Context, a *app) error {
	if err := telemetry.Init(ctx, "weft", Version); err != nil {
		debug.Logf("serve: telemetry init failed: %v", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		telemetry.Shutdown(shutdownCtx)
	}()

	if err := a.coord.Attach(ctx); err != nil {
		return err
	}
	defer a.coord.Drain()

	api := httpapi.NewServer(httpapi.ServerConfig{
		Coordinator: a.coord,
		APIKey:      a.cfg.APIKey,
	})
	ingress := webhook.NewServer(webhook.ServerConfig{
		Resolver: webhook.StaticResolver{
			C:    a.coord,
			Repo: a.coord.Repo.Key(),
		},
		GitHubSecret: []byte(a.cfg.GitHub.WebhookSecret),
		LinearSecret: []byte(a.cfg.Linear.WebhookSecret),
		Metrics:      a.engine.Metrics,
	})

	mux := http.NewServeMux()
	mux.Handle("/webhooks/", ingress.Handler())
	mux.Handle("/health", ingress.Handler())
	mux.Handle("/", api.Handler())

	addr := serveAddr
	if addr == "" {
		addr = a.cfg.ListenAddr
	}
	server := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() { errCh <- server.ListenAndServe() }()
	debug.PrintNormal("listening on %s (repo %s)", addr, a.coord.Repo.Key())

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.DrainTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			debug.Logf("serve: shutdown: %v", err)
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
