package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/fgeck/pgreconcile/internal/config"
	"github.com/fgeck/pgreconcile/internal/models"
	"github.com/fgeck/pgreconcile/internal/services/admin"
	"github.com/rs/zerolog/log"
)

// loadConfig reads the environment and, if given, the config file.
func loadConfig() (*models.Config, error) {
	parser := config.NewParser()

	var (
		cfg *models.Config
		err error
	)
	if configFile != "" {
		cfg, err = parser.LoadFile(configFile)
	} else {
		cfg, err = parser.Load()
	}
	if err != nil {
		log.Error().Err(err).Str("file", configFile).Msg("failed to load config")
		return nil, err
	}

	if err := config.Validate(cfg); err != nil {
		log.Error().Err(err).Msg("invalid configuration")
		return nil, err
	}

	return cfg, nil
}

// signalContext returns a context cancelled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		select {
		case sig := <-sigChan:
			log.Warn().Str("signal", sig.String()).Msg("received signal, finishing current step")
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(sigChan)
	}()

	return ctx, cancel
}

// checkDataDir verifies the restore working directory exists.
func checkDataDir(dir string) error {
	info, err := os.Stat(dir)
	if err != nil {
		return fmt.Errorf("data directory %s: %w", dir, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("data directory %s is not a directory", dir)
	}
	return nil
}

// openAdmin connects the administrative session and checks its privileges.
func openAdmin(ctx context.Context, cfg *models.Config) (*admin.Impl, error) {
	adminSvc, err := admin.Open(ctx, log.Logger, cfg.Postgres)
	if err != nil {
		log.Error().Err(err).Str("host", cfg.Postgres.Host).Int("port", cfg.Postgres.Port).Msg("failed to connect to server")
		return nil, err
	}

	if err := adminSvc.CheckPrivileges(ctx); err != nil {
		_ = adminSvc.Close()
		log.Error().Err(err).Str("user", cfg.Postgres.Username).Msg("privilege check failed")
		return nil, err
	}

	return adminSvc, nil
}
