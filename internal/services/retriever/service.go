// Package retriever downloads and validates backup archives from the blob store.
package retriever

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/fgeck/pgreconcile/internal/models"
	"github.com/fgeck/pgreconcile/internal/services/blob"
	"github.com/rs/zerolog"
)

// ArchiveMagic is the header of a PostgreSQL custom-format dump.
var ArchiveMagic = []byte("PGDMP")

// backoffUnit is multiplied by the attempt number between retries.
const backoffUnit = 2 * time.Second

// Sentinel errors matched with errors.Is.
var (
	ErrDownloadFailed   = errors.New("download failed")
	ErrValidationFailed = errors.New("archive validation failed")
)

// DownloadError is returned when every download attempt failed.
type DownloadError struct {
	Database string
	Attempts int
	Err      error // last observed failure
}

func (e *DownloadError) Error() string {
	return fmt.Sprintf("download of %s failed after %d attempt(s): %v", e.Database, e.Attempts, e.Err)
}

func (e *DownloadError) Unwrap() []error { return []error{ErrDownloadFailed, e.Err} }

// ValidationError is returned when a downloaded file is not a custom-format archive.
type ValidationError struct {
	Database string
	Header   []byte
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("archive for %s has header %q, want %q", e.Database, e.Header, ArchiveMagic)
}

func (e *ValidationError) Unwrap() error { return ErrValidationFailed }

// Service defines the interface for archive retrieval.
type Service interface {
	Fetch(ctx context.Context, name models.DatabaseName) (string, error)
}

// SleepFunc waits for d or until ctx is done.
type SleepFunc func(ctx context.Context, d time.Duration) error

// Impl implements the retriever Service interface.
type Impl struct {
	store   blob.Store
	cfg     models.RetrieverConfig
	tempDir string
	sleep   SleepFunc
	logger  zerolog.Logger
}

// New creates a new retriever.
func New(logger zerolog.Logger, store blob.Store, cfg models.RetrieverConfig, tempDir string) *Impl {
	return NewWithSleep(logger, store, cfg, tempDir, contextSleep)
}

// NewWithSleep creates a new retriever with a custom sleep function (for testing).
func NewWithSleep(logger zerolog.Logger, store blob.Store, cfg models.RetrieverConfig, tempDir string, sleep SleepFunc) *Impl {
	return &Impl{
		store:   store,
		cfg:     cfg,
		tempDir: tempDir,
		sleep:   sleep,
		logger:  logger,
	}
}

// Fetch downloads the archive for name into a new temporary file and returns
// its path. The caller owns the file on success. On failure no file is left
// behind.
func (s *Impl) Fetch(ctx context.Context, name models.DatabaseName) (string, error) {
	if name.IsZero() {
		return "", fmt.Errorf("fetch: %w", models.ErrUnsafeIdentifier)
	}

	key := blob.ArchiveKey(name)
	attempts := s.cfg.Attempts()
	logger := s.logger.With().Str("database", name.String()).Str("key", key).Logger()

	var lastErr error
	made := 0
	for attempt := 1; attempt <= attempts; attempt++ {
		made = attempt
		logger.Info().
			Int("attempt", attempt).
			Int("max_attempts", attempts).
			Msg("downloading archive")

		path, err := s.download(ctx, name, key)
		if err == nil {
			if verr := s.validate(name, path); verr != nil {
				_ = os.Remove(path)
				logger.Error().Err(verr).Msg("downloaded archive is invalid")
				return "", verr
			}
			logger.Info().Str("path", path).Int("attempt", attempt).Msg("archive downloaded")
			return path, nil
		}

		lastErr = err
		logger.Warn().Err(err).Int("attempt", attempt).Msg("archive download attempt failed")

		if ctx.Err() != nil {
			break
		}
		if attempt < attempts {
			wait := time.Duration(attempt) * backoffUnit
			logger.Debug().Dur("wait", wait).Msg("retrying download")
			if err := s.sleep(ctx, wait); err != nil {
				lastErr = err
				break
			}
		}
	}

	return "", &DownloadError{Database: name.String(), Attempts: made, Err: lastErr}
}

func (s *Impl) download(ctx context.Context, name models.DatabaseName, key string) (string, error) {
	f, err := os.CreateTemp(s.tempDir, name.String()+"-*"+blob.ArchiveExt)
	if err != nil {
		return "", fmt.Errorf("failed to create temporary file: %w", err)
	}
	path := f.Name()

	attemptCtx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()

	getErr := s.store.Get(attemptCtx, key, f)
	closeErr := f.Close()
	if getErr != nil || closeErr != nil {
		_ = os.Remove(path)
		if getErr != nil {
			return "", getErr
		}
		return "", fmt.Errorf("failed to write temporary file: %w", closeErr)
	}

	return path, nil
}

func (s *Impl) validate(name models.DatabaseName, path string) error {
	f, err := os.Open(path) //nolint:gosec // path was created by this package
	if err != nil {
		return fmt.Errorf("%w: %v", ErrValidationFailed, err)
	}
	defer func() { _ = f.Close() }()

	header, ok := readMagic(f)
	if !ok {
		return &ValidationError{Database: name.String(), Header: header}
	}
	return nil
}

// HasArchiveMagic reports whether r starts with the custom-format header.
func HasArchiveMagic(r io.Reader) bool {
	_, ok := readMagic(r)
	return ok
}

// ValidateArchive checks that the file at path starts with the
// custom-format header.
func ValidateArchive(path string) error {
	f, err := os.Open(path) //nolint:gosec // path is controlled by caller
	if err != nil {
		return fmt.Errorf("%w: %v", ErrValidationFailed, err)
	}
	defer func() { _ = f.Close() }()

	if header, ok := readMagic(f); !ok {
		return fmt.Errorf("%w: header %q", ErrValidationFailed, header)
	}
	return nil
}

func readMagic(r io.Reader) ([]byte, bool) {
	buf := make([]byte, len(ArchiveMagic))
	n, _ := io.ReadFull(r, buf)
	return buf[:n], n == len(ArchiveMagic) && bytes.Equal(buf, ArchiveMagic)
}

func contextSleep(ctx context.Context, d time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}
