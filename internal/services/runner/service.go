// Package runner orchestrates the restore and backup batches.
package runner

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"time"

	"github.com/fgeck/pgreconcile/internal/models"
	"github.com/fgeck/pgreconcile/internal/services/admin"
	"github.com/fgeck/pgreconcile/internal/services/blob"
	"github.com/fgeck/pgreconcile/internal/services/postgres"
	"github.com/fgeck/pgreconcile/internal/services/retriever"
	"github.com/fgeck/pgreconcile/internal/services/telegram"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// ErrIncompleteBatch is returned by BatchError when any database did not succeed.
var ErrIncompleteBatch = errors.New("one or more databases did not succeed")

// Service defines the interface for the batch runner.
type Service interface {
	RestoreAll(ctx context.Context, descriptors []models.DatabaseDescriptor) *models.BatchResult
	BackupAll(ctx context.Context) (*models.BatchResult, error)
}

// Impl implements the runner Service interface.
type Impl struct {
	cfg          models.Config
	retrieverSvc retriever.Service
	adminSvc     admin.Service
	postgresSvc  postgres.Service
	store        blob.Store
	telegramSvc  telegram.Service
	logger       zerolog.Logger
}

// New creates a new runner with the default retriever, PostgreSQL and
// Telegram services.
func New(logger zerolog.Logger, cfg models.Config, adminSvc admin.Service, store blob.Store) *Impl {
	return &Impl{
		cfg:          cfg,
		retrieverSvc: retriever.New(logger, store, cfg.Retriever, cfg.TempDir),
		adminSvc:     adminSvc,
		postgresSvc:  postgres.New(logger),
		store:        store,
		telegramSvc:  telegram.New(logger),
		logger:       logger,
	}
}

// NewWithServices creates a new runner with custom services (for testing).
func NewWithServices(
	logger zerolog.Logger,
	cfg models.Config,
	retrieverSvc retriever.Service,
	adminSvc admin.Service,
	postgresSvc postgres.Service,
	store blob.Store,
	telegramSvc telegram.Service,
) *Impl {
	return &Impl{
		cfg:          cfg,
		retrieverSvc: retrieverSvc,
		adminSvc:     adminSvc,
		postgresSvc:  postgresSvc,
		store:        store,
		telegramSvc:  telegramSvc,
		logger:       logger,
	}
}

// BatchError returns nil if every database in batch succeeded and an error
// wrapping ErrIncompleteBatch otherwise.
func BatchError(batch *models.BatchResult) error {
	if batch.Succeeded() {
		return nil
	}
	return fmt.Errorf("%w: %d of %d failed", ErrIncompleteBatch, batch.Failed(), len(batch.Results))
}

func newBatch(op models.Operation) *models.BatchResult {
	return &models.BatchResult{
		Operation: op,
		RunID:     uuid.NewString(),
		StartTime: time.Now(),
	}
}

// RestoreAll restores each descriptor in order. A failure on one database
// never stops the batch; cancellation of ctx does, and the remaining
// descriptors are recorded as interrupted.
func (s *Impl) RestoreAll(ctx context.Context, descriptors []models.DatabaseDescriptor) *models.BatchResult {
	batch := newBatch(models.OperationRestore)
	logger := s.logger.With().Str("run_id", batch.RunID).Str("operation", string(batch.Operation)).Logger()

	logger.Info().
		Int("databases", len(descriptors)).
		Str("blob_store", s.cfg.Blob.BaseURL).
		Str("server", s.serverAddr()).
		Msg("starting restore run")

	for i, d := range descriptors {
		if ctx.Err() != nil {
			logger.Warn().Err(ctx.Err()).Int("remaining", len(descriptors)-i).Msg("run interrupted")
			for _, rest := range descriptors[i:] {
				batch.Results = append(batch.Results, models.DatabaseResult{
					Database: rest.Name,
					Outcome:  models.OutcomeInterrupted,
					Error:    ctx.Err(),
				})
			}
			break
		}
		batch.Results = append(batch.Results, s.restoreOne(ctx, logger, d))
	}

	batch.Duration = time.Since(batch.StartTime)
	s.report(ctx, logger, batch)
	return batch
}

func (s *Impl) restoreOne(ctx context.Context, logger zerolog.Logger, d models.DatabaseDescriptor) models.DatabaseResult {
	start := time.Now()
	logger = logger.With().Str("database", d.Name).Logger()
	result := models.DatabaseResult{Database: d.Name}

	fail := func(outcome models.Outcome, step models.Step, err error) models.DatabaseResult {
		result.Outcome = outcome
		result.FailedStep = step
		result.Error = err
		result.Duration = time.Since(start)
		logger.Error().Err(err).Str("step", string(step)).Str("outcome", string(outcome)).Msg("restore step failed")
		return result
	}

	name, err := models.ParseDatabaseName(d.Name)
	if err != nil {
		return fail(models.OutcomeRecreateFailed, models.StepValidateName, err)
	}
	owner, err := models.ParseRoleName(d.Owner)
	if err != nil {
		return fail(models.OutcomeRecreateFailed, models.StepValidateName, err)
	}

	logger.Info().Str("owner", owner.String()).Msg("restoring database")

	archivePath, err := s.retrieverSvc.Fetch(ctx, name)
	if err != nil {
		if errors.Is(err, retriever.ErrValidationFailed) {
			return fail(models.OutcomeValidationFailed, models.StepDownload, err)
		}
		return fail(models.OutcomeDownloadFailed, models.StepDownload, err)
	}
	defer s.removeArchive(logger, archivePath)

	terminated, err := s.adminSvc.TerminateConnections(ctx, name)
	if err != nil {
		return fail(models.OutcomeConnectionTerminationFailed, models.StepTerminate, err)
	}
	logger.Debug().Int64("sessions", terminated).Msg("connections terminated")

	if err := s.adminSvc.Recreate(ctx, name, owner); err != nil {
		return fail(models.OutcomeRecreateFailed, models.StepRecreate, err)
	}

	restoreResult, err := s.postgresSvc.Restore(ctx, s.cfg.Postgres, name, archivePath)
	if err == nil && restoreResult.Error != nil {
		err = restoreResult.Error
	}
	if err != nil {
		return fail(models.OutcomeRestoreFailed, models.StepRestore, err)
	}

	result.Outcome = models.OutcomeSuccess
	result.Duration = time.Since(start)
	logger.Info().Dur("duration", result.Duration).Msg("database restored")
	return result
}

// BackupAll dumps every non-template database and uploads the archives.
// Failures are not retried; the next scheduled run covers them.
func (s *Impl) BackupAll(ctx context.Context) (*models.BatchResult, error) {
	names, err := s.adminSvc.ListDatabases(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing databases: %w", err)
	}

	batch := newBatch(models.OperationBackup)
	logger := s.logger.With().Str("run_id", batch.RunID).Str("operation", string(batch.Operation)).Logger()

	logger.Info().
		Int("databases", len(names)).
		Str("blob_store", s.cfg.Blob.BaseURL).
		Str("server", s.serverAddr()).
		Msg("starting backup run")

	for i, n := range names {
		if ctx.Err() != nil {
			logger.Warn().Err(ctx.Err()).Int("remaining", len(names)-i).Msg("run interrupted")
			for _, rest := range names[i:] {
				batch.Results = append(batch.Results, models.DatabaseResult{
					Database: rest,
					Outcome:  models.OutcomeInterrupted,
					Error:    ctx.Err(),
				})
			}
			break
		}
		batch.Results = append(batch.Results, s.backupOne(ctx, logger, n))
	}

	batch.Duration = time.Since(batch.StartTime)
	s.report(ctx, logger, batch)
	return batch, nil
}

func (s *Impl) backupOne(ctx context.Context, logger zerolog.Logger, raw string) models.DatabaseResult {
	start := time.Now()
	logger = logger.With().Str("database", raw).Logger()
	result := models.DatabaseResult{Database: raw}

	fail := func(outcome models.Outcome, step models.Step, err error) models.DatabaseResult {
		result.Outcome = outcome
		result.FailedStep = step
		result.Error = err
		result.Duration = time.Since(start)
		logger.Error().Err(err).Str("step", string(step)).Str("outcome", string(outcome)).Msg("backup step failed")
		return result
	}

	name, err := models.ParseDatabaseName(raw)
	if err != nil {
		return fail(models.OutcomeDumpFailed, models.StepValidateName, err)
	}

	f, err := os.CreateTemp(s.cfg.TempDir, name.String()+"-*"+blob.ArchiveExt)
	if err != nil {
		return fail(models.OutcomeDumpFailed, models.StepDump, fmt.Errorf("failed to create temporary file: %w", err))
	}
	archivePath := f.Name()
	_ = f.Close()
	defer s.removeArchive(logger, archivePath)

	dumpResult, err := s.postgresSvc.Dump(ctx, s.cfg.Postgres, name, archivePath)
	if err == nil && dumpResult.Error != nil {
		err = dumpResult.Error
	}
	if err != nil {
		return fail(models.OutcomeDumpFailed, models.StepDump, err)
	}
	if err := retriever.ValidateArchive(archivePath); err != nil {
		return fail(models.OutcomeDumpFailed, models.StepDump, err)
	}

	if err := s.upload(ctx, name, archivePath); err != nil {
		return fail(models.OutcomeUploadFailed, models.StepUpload, err)
	}

	result.Outcome = models.OutcomeSuccess
	result.Duration = time.Since(start)
	logger.Info().
		Str("key", blob.ArchiveKey(name)).
		Int64("size_bytes", dumpResult.SizeBytes).
		Dur("duration", result.Duration).
		Msg("database backed up")
	return result
}

func (s *Impl) upload(ctx context.Context, name models.DatabaseName, archivePath string) error {
	f, err := os.Open(archivePath) //nolint:gosec // path was created by this package
	if err != nil {
		return fmt.Errorf("failed to open archive: %w", err)
	}
	defer func() { _ = f.Close() }()

	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("failed to stat archive: %w", err)
	}

	return s.store.Put(ctx, blob.ArchiveKey(name), f, info.Size())
}

func (s *Impl) removeArchive(logger zerolog.Logger, path string) {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		logger.Warn().Err(err).Str("path", path).Msg("failed to remove temporary archive")
		return
	}
	logger.Debug().Str("path", path).Msg("temporary archive removed")
}

// report logs one summary line per database, the completion marker and,
// if configured, sends the Telegram summary.
func (s *Impl) report(ctx context.Context, logger zerolog.Logger, batch *models.BatchResult) {
	for _, r := range batch.Results {
		event := logger.Info()
		if r.Outcome != models.OutcomeSuccess {
			event = logger.Warn().Str("step", string(r.FailedStep)).AnErr("error", r.Error)
		}
		event.
			Str("database", r.Database).
			Str("outcome", string(r.Outcome)).
			Dur("duration", r.Duration).
			Msg("database summary")
	}

	logger.Info().
		Int("total", len(batch.Results)).
		Int("failed", batch.Failed()).
		Bool("success", batch.Succeeded()).
		Dur("duration", batch.Duration).
		Msg("all operations completed")

	if s.cfg.Telegram != nil {
		s.sendNotification(ctx, logger, batch)
	}
}

func (s *Impl) sendNotification(ctx context.Context, logger zerolog.Logger, batch *models.BatchResult) {
	msg := models.TelegramMessage{
		Success:   batch.Succeeded(),
		Operation: batch.Operation,
		Host:      s.serverAddr(),
		BlobStore: s.cfg.Blob.BaseURL,
		StartTime: batch.StartTime,
		Duration:  batch.Duration,
		Results:   batch.Results,
	}
	if s.cfg.Blob.Bucket != "" {
		msg.BlobStore = s.cfg.Blob.BaseURL + " (" + s.cfg.Blob.Bucket + ")"
	}

	// The run context may already be cancelled; the summary still goes out.
	notifyCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer cancel()

	result, err := s.telegramSvc.SendNotification(notifyCtx, *s.cfg.Telegram, msg)
	if err != nil {
		logger.Error().Err(err).Msg("failed to send Telegram notification")
		return
	}
	if result.Error != nil {
		logger.Error().Err(result.Error).Msg("failed to send Telegram notification")
		return
	}

	logger.Info().Msg("Telegram notification sent")
}

func (s *Impl) serverAddr() string {
	return net.JoinHostPort(s.cfg.Postgres.Host, strconv.Itoa(s.cfg.Postgres.Port))
}
