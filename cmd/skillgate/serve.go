package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/skillgate/skillgate/internal/api"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the skillgate HTTP API",
	Long: `Starts the HTTP API for license status, feature checks, metering and
Prometheus metrics.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringP("listen", "l", "", "Address to listen on (overrides server.listen)")
}

func runServe(cmd *cobra.Command, args []string) error {
	if listen, _ := cmd.Flags().GetString("listen"); listen != "" {
		cfg.Server.Listen = listen
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	if a.db != nil {
		go pruneUsage(ctx, a.db, cfg.Quota.Window())
	}

	server := &http.Server{
		Addr:              cfg.Server.Listen,
		Handler:           api.NewRouter(a.engine, cfg.Server),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		log.Info().Msg("Shutting down server...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("Graceful shutdown failed")
		}
	}()

	logStartup(a)
	if cfg.Server.AdminTokenHash == "" {
		log.Warn().Msg("server.admin_token_hash is not set; operator endpoints are unauthenticated")
	}

	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func logStartup(a *app) {
	event := log.Info().
		Str("version", Version).
		Str("listen", cfg.Server.Listen).
		Str("store", cfg.Quota.Store).
		Int("pid", os.Getpid())

	info, err := a.engine.LicenseInfo()
	if err != nil {
		event.Msg("skillgate starting")
		log.Warn().Err(err).Msg("License rejected; gated operations will be denied until it is fixed")
		return
	}
	event.
		Str("tier", info.Tier.String()).
		Str("customer_id", info.CustomerID).
		Msg("skillgate starting")
	if info.Warning != "" {
		log.Warn().Msg(info.Warning)
	}
}
