package main

import (
	"fmt"

	"github.com/fgeck/pgreconcile/internal/models"
	"github.com/fgeck/pgreconcile/internal/services/blob"
	"github.com/fgeck/pgreconcile/internal/services/runner"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var onlyDatabases []string

var restoreCmd = &cobra.Command{
	Use:   "restore",
	Short: "Restore every configured database from the blob store",
	Long: `Restore each database listed in DB_CONFIGS, one at a time:
1. Download <name>.dump from the blob store (retried)
2. Check the archive header
3. Terminate other sessions on the database
4. Drop and recreate the database with its owner
5. Run pg_restore from the data directory

A failure on one database does not stop the others. Exit code 2 means at least
one database did not succeed.`,
	RunE: runRestore,
}

func init() {
	restoreCmd.Flags().StringSliceVarP(&onlyDatabases, "database", "d", nil, "restore only the named database(s)")
}

func runRestore(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	descriptors, err := filterDescriptors(cfg.Databases, onlyDatabases)
	if err != nil {
		log.Error().Err(err).Msg("invalid database filter")
		return err
	}

	if err := checkDataDir(cfg.Postgres.DataDir); err != nil {
		log.Error().Err(err).Msg("data directory check failed")
		return err
	}

	log.Info().
		Str("server", cfg.Postgres.Host).
		Str("blob_store", cfg.Blob.BaseURL).
		Int("databases", len(descriptors)).
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
	batch := runnerSvc.RestoreAll(ctx, descriptors)

	if err := runner.BatchError(batch); err != nil {
		log.Error().Err(err).Msg("restore incomplete")
		return err
	}

	log.Info().Msg("restore completed successfully")
	return nil
}

// filterDescriptors keeps the descriptors named in only, in configured order.
// An empty filter keeps everything.
func filterDescriptors(all []models.DatabaseDescriptor, only []string) ([]models.DatabaseDescriptor, error) {
	if len(only) == 0 {
		return all, nil
	}

	wanted := make(map[string]bool, len(only))
	for _, name := range only {
		wanted[name] = true
	}

	var out []models.DatabaseDescriptor
	for _, d := range all {
		if wanted[d.Name] {
			out = append(out, d)
			delete(wanted, d.Name)
		}
	}

	for _, name := range only {
		if wanted[name] {
			return nil, fmt.Errorf("database %q is not configured", name)
		}
	}

	return out, nil
}
