package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/danmuck/tlvrelay/internal/config"
	"github.com/danmuck/tlvrelay/internal/logging"
	"github.com/danmuck/tlvrelay/internal/monitor"
	"github.com/danmuck/tlvrelay/internal/observability"
	"github.com/danmuck/tlvrelay/internal/relay"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func main() {
	configPath := flag.String("config", "cmd/relayd/config.toml", "relay config path; missing file runs defaults")
	flag.Parse()

	log.Logger = observability.InitLogger("relayd")
	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "relayd: %v\n", err)
		os.Exit(1)
	}
	if err := run(cfg); err != nil {
		log.Error().Err(err).Msg("relayd stopped")
		os.Exit(1)
	}
}

func loadConfig(path string) (config.RelayConfig, error) {
	cfg, err := config.LoadRelayConfig(path)
	if errors.Is(err, os.ErrNotExist) {
		log.Warn().Str("path", path).Msg("config not found, serving defaults")
		return config.DefaultRelayConfig(), nil
	}
	if err != nil {
		return config.RelayConfig{}, err
	}
	log.Info().Str("path", path).Msg("loaded relay config")
	return cfg, nil
}

func run(cfg config.RelayConfig) error {
	if lvl, ok := logging.ParseLevel(cfg.LogLevel); ok {
		zerolog.SetGlobalLevel(lvl)
	}
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	r, err := relay.New(cfg.Relay)
	if err != nil {
		return err
	}
	if err := r.Start(ctx); err != nil {
		return err
	}
	log.Info().Str("id", cfg.ID).Int("domains", len(r.Domains())).Msg("relayd started")

	monitorErr := make(chan error, 1)
	if cfg.Monitor.Enabled {
		srv := monitor.New(cfg.ID, cfg.Monitor.Addr, r, cfg.Monitor.CorsOrigins)
		go func() {
			monitorErr <- srv.Serve(ctx)
		}()
	}

	select {
	case <-ctx.Done():
	case err := <-monitorErr:
		if err != nil {
			stop()
			r.Wait()
			return fmt.Errorf("monitor: %w", err)
		}
	}
	r.Wait()
	log.Info().Str("id", cfg.ID).Msg("relayd shut down")
	return nil
}
