// Package postgres provides pg_dump and pg_restore operations.
package postgres

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/fgeck/pgreconcile/internal/models"
	"github.com/rs/zerolog"
)

// Default tool names, resolved through PATH when no path is configured.
const (
	DefaultDumpBin    = "pg_dump"
	DefaultRestoreBin = "pg_restore"
)

// Service defines the interface for PostgreSQL dump and restore operations.
type Service interface {
	Dump(ctx context.Context, cfg models.PostgresConfig, name models.DatabaseName, outputPath string) (*models.PostgresDumpResult, error)
	Restore(ctx context.Context, cfg models.PostgresConfig, name models.DatabaseName, archivePath string) (*models.PostgresRestoreResult, error)
}

// CommandExecutor allows mocking exec.Command in tests.
type CommandExecutor interface {
	ExecuteWithEnv(ctx context.Context, env []string, outputPath string, name string, args ...string) error
	ExecuteInDir(ctx context.Context, env []string, dir string, name string, args ...string) error
}

// DefaultExecutor is the default command executor using os/exec.
type DefaultExecutor struct{}

// ExecuteWithEnv runs a command and writes its stdout to the specified file.
func (e *DefaultExecutor) ExecuteWithEnv(ctx context.Context, env []string, outputPath string, name string, args ...string) error {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Env = append(os.Environ(), env...)

	output, err := os.Create(outputPath) //nolint:gosec // outputPath is controlled by caller
	if err != nil {
		return fmt.Errorf("failed to create output file: %w", err)
	}
	defer func() { _ = output.Close() }()

	var stderr bytes.Buffer
	cmd.Stdout = output
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return commandError(filepath.Base(name), err, stderr.String())
	}

	return nil
}

// ExecuteInDir runs a command with dir as its working directory.
func (e *DefaultExecutor) ExecuteInDir(ctx context.Context, env []string, dir string, name string, args ...string) error {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Env = append(os.Environ(), env...)
	cmd.Dir = dir

	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return commandError(filepath.Base(name), err, stderr.String())
	}

	return nil
}

func commandError(tool string, err error, stderr string) error {
	stderr = strings.TrimSpace(stderr)
	if stderr == "" {
		return fmt.Errorf("%s failed: %w", tool, err)
	}
	return fmt.Errorf("%s failed: %w: %s", tool, err, stderr)
}

// Impl implements the PostgreSQL Service interface.
type Impl struct {
	executor CommandExecutor
	logger   zerolog.Logger
}

// New creates a new PostgreSQL service.
func New(logger zerolog.Logger) *Impl {
	return &Impl{
		executor: &DefaultExecutor{},
		logger:   logger,
	}
}

// NewWithExecutor creates a new PostgreSQL service with a custom executor (for testing).
func NewWithExecutor(logger zerolog.Logger, executor CommandExecutor) *Impl {
	return &Impl{
		executor: executor,
		logger:   logger,
	}
}

// Dump writes a custom-format dump of database name to outputPath.
func (s *Impl) Dump(ctx context.Context, cfg models.PostgresConfig, name models.DatabaseName, outputPath string) (*models.PostgresDumpResult, error) {
	if name.IsZero() {
		return nil, fmt.Errorf("dump: %w", models.ErrUnsafeIdentifier)
	}

	s.logger.Info().
		Str("host", cfg.Host).
		Int("port", cfg.Port).
		Str("database", name.String()).
		Str("output", outputPath).
		Msg("starting PostgreSQL dump")

	start := time.Now()
	result := &models.PostgresDumpResult{
		OutputPath: outputPath,
	}

	// Ensure output directory exists
	dir := filepath.Dir(outputPath)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		result.Error = fmt.Errorf("failed to create output directory: %w", err)
		result.Duration = time.Since(start)
		return result, nil
	}

	args := append(connectionArgs(cfg, name), "-Fc")

	bin := cfg.DumpBin
	if bin == "" {
		bin = DefaultDumpBin
	}

	if execErr := s.executor.ExecuteWithEnv(ctx, passwordEnv(cfg), outputPath, bin, args...); execErr != nil {
		// Clean up partial file
		_ = os.Remove(outputPath)
		result.Error = execErr
		result.Duration = time.Since(start)
		return result, nil //nolint:nilerr // error is stored in result struct by design
	}

	// Get file size
	if info, err := os.Stat(outputPath); err == nil {
		result.SizeBytes = info.Size()
	}

	result.Duration = time.Since(start)

	s.logger.Info().
		Str("output", outputPath).
		Int64("size_bytes", result.SizeBytes).
		Dur("duration", result.Duration).
		Msg("PostgreSQL dump completed")

	return result, nil
}

// Restore loads archivePath into the existing, empty database name. The
// restore tool runs with cfg.DataDir as its working directory.
func (s *Impl) Restore(ctx context.Context, cfg models.PostgresConfig, name models.DatabaseName, archivePath string) (*models.PostgresRestoreResult, error) {
	if name.IsZero() {
		return nil, fmt.Errorf("restore: %w", models.ErrUnsafeIdentifier)
	}

	s.logger.Info().
		Str("host", cfg.Host).
		Int("port", cfg.Port).
		Str("database", name.String()).
		Str("archive", archivePath).
		Str("workdir", cfg.DataDir).
		Msg("starting PostgreSQL restore")

	start := time.Now()
	result := &models.PostgresRestoreResult{
		ArchivePath: archivePath,
	}

	if cfg.RestoreTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.RestoreTimeout)
		defer cancel()
	}

	args := append(connectionArgs(cfg, name), archivePath)

	bin := cfg.RestoreBin
	if bin == "" {
		bin = DefaultRestoreBin
	}

	if execErr := s.executor.ExecuteInDir(ctx, passwordEnv(cfg), cfg.DataDir, bin, args...); execErr != nil {
		if ctx.Err() == context.DeadlineExceeded {
			execErr = fmt.Errorf("restore timed out after %s: %w", cfg.RestoreTimeout, execErr)
		}
		result.Error = execErr
		result.Duration = time.Since(start)
		return result, nil //nolint:nilerr // error is stored in result struct by design
	}

	result.Duration = time.Since(start)

	s.logger.Info().
		Str("database", name.String()).
		Dur("duration", result.Duration).
		Msg("PostgreSQL restore completed")

	return result, nil
}

// connectionArgs keeps the name as the argument of -d: a valid name may start
// with '-' and must never stand alone in argv.
func connectionArgs(cfg models.PostgresConfig, name models.DatabaseName) []string {
	return []string{
		"-h", cfg.Host,
		"-p", strconv.Itoa(cfg.Port),
		"-U", cfg.Username,
		"-d", name.String(),
		"--no-password",
	}
}

// passwordEnv passes the password through the environment rather than argv.
func passwordEnv(cfg models.PostgresConfig) []string {
	env := []string{}
	if cfg.Password != "" {
		env = append(env, fmt.Sprintf("PGPASSWORD=%s", cfg.Password))
	}
	return env
}
