package cmd

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/dativo-io/steward/internal/server"
)

var (
	serveListen      string
	serveCORSOrigins []string
	serveRatePerSec  float64
	serveRateBurst   int
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the governance loops and the HTTP API",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().StringVar(&serveListen, "listen", "", "HTTP listen address (default: listen from config, 127.0.0.1:8787)")
	serveCmd.Flags().StringSliceVar(&serveCORSOrigins, "cors-origin", nil, "allowed CORS origins (repeatable)")
	serveCmd.Flags().Float64Var(&serveRatePerSec, "rate", 10, "requests per second allowed per operator")
	serveCmd.Flags().IntVar(&serveRateBurst, "burst", 20, "request burst allowed per operator")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	gov, cfg, err := openGovernor(ctx)
	if err != nil {
		return err
	}
	cfg.WarnIfDefaultKeys()
	gov.Start(ctx)
	defer func() {
		if err := gov.Close(context.WithoutCancel(ctx)); err != nil {
			log.Error().Err(err).Msg("governor_close_failed")
		}
	}()

	if len(cfg.APIKeys) == 0 {
		log.Warn().Msg("STEWARD_API_KEYS not set; every /v1 endpoint will return 401")
	}

	opts := []server.Option{
		server.WithRateLimiter(server.NewRateLimiter(serveRatePerSec, serveRateBurst)),
	}
	if len(serveCORSOrigins) > 0 {
		opts = append(opts, server.WithCORSOrigins(serveCORSOrigins))
	}
	srv := server.NewServer(gov, cfg.APIKeys, opts...)

	addr := cfg.Listen
	if serveListen != "" {
		addr = serveListen
	}
	httpServer := &http.Server{
		Addr:         addr,
		Handler:      srv.Routes(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Minute,
		IdleTimeout:  60 * time.Second,
	}

	log.Info().
		Str("addr", addr).
		Str("policy_version", gov.Policy().VersionTag).
		Int("workers", cfg.Workers).
		Int("api_keys", len(cfg.APIKeys)).
		Msg("steward_serve_started")

	errCh := make(chan error, 1)
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		log.Info().Msg("shutdown_signal_received")
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	log.Info().Msg("server_stopped")
	return nil
}
