package main

import (
	"github.com/fgeck/pgreconcile/internal/services/blob"
	"github.com/fgeck/pgreconcile/internal/services/runner"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var backupCmd = &cobra.Command{
	Use:   "backup",
	Short: "Dump every database and upload the archives",
	Long: `Dump every non-template database on the server with pg_dump -Fc and
upload each archive to <base-url>/<name>.dump. Failures are not retried; the
next scheduled run covers them. Exit code 2 means at least one database did
not succeed.`,
	RunE: runBackup,
}

func runBackup(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	log.Info().
		Str("server", cfg.Postgres.Host).
		Str("blob_store", cfg.Blob.BaseURL).
		Msg("configuration loaded")

	ctx, cancel := signalContext()
	defer cancel()

	adminSvc, err := openAdmin(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() { _ = adminSvc.Close() }()

	store, err := blob.New(log.Logger, cfg.Blob)
	if err != nil {
		log.Error().Err(err).Msg("failed to create blob store client")
		return err
	}

	runnerSvc := runner.New(log.Logger, *cfg, adminSvc, store)
	batch, err := runnerSvc.BackupAll(ctx)
	if err != nil {
		log.Error().Err(err).Msg("backup failed")
		return err
	}

	if err := runner.BatchError(batch); err != nil {
		log.Error().Err(err).Msg("backup incomplete")
		return err
	}

	log.Info().Msg("backup completed successfully")
	return nil
}
