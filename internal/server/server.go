package server

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/seatwise/licensed/internal/lemon"
	"github.com/seatwise/licensed/internal/licensing"
	"github.com/seatwise/licensed/internal/logging"
	"github.com/seatwise/licensed/internal/store"
)

// Run starts the license server with graceful shutdown.
func Run(ctx context.Context, version string) error {
	logging.Init(logging.Config{
		Format:    "auto",
		Level:     "info",
		Component: "licensed",
	})

	log.Info().Str("version", version).Msg("Starting license server")

	cfg, err := LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	st, err := store.Open(cfg.DataDir)
	if err != nil {
		return fmt.Errorf("open license store: %w", err)
	}
	defer st.Close()

	// Oracles are optional: without an API key, redemption trusts signed
	// webhooks alone and order events default to one seat.
	var keys licensing.KeyOracle
	var quantities licensing.QuantityOracle
	if cfg.APIKey != "" {
		client := lemon.NewClient(cfg.APIKey)
		keys = client
		quantities = client
		log.Info().Msg("Provider API oracles enabled")
	} else {
		log.Info().Msg("No provider API key configured; redemption runs in offline mode")
	}
	if cfg.SigningSecret == "" {
		log.Warn().Msg("LEMON_SIGNING_SECRET is not set; webhook deliveries will be rejected")
	}

	svc := licensing.NewService(st, keys, quantities)

	mux := http.NewServeMux()
	deps := &Deps{
		Config:  cfg,
		Store:   st,
		Service: svc,
		Version: version,
	}
	RegisterRoutes(mux, deps)

	addr := fmt.Sprintf("%s:%d", cfg.BindAddress, cfg.Port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           WithCORS(mux),
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		log.Info().Str("addr", addr).Msg("License server listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("Server failed")
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	select {
	case <-ctx.Done():
		log.Info().Msg("Context cancelled, shutting down...")
	case sig := <-sigChan:
		log.Info().Str("signal", sig.String()).Msg("Received signal, shutting down...")
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server shutdown error")
	}

	log.Info().Msg("License server stopped")
	return nil
}
