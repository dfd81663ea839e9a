// Package blob provides clients for the object store holding backup archives.
package blob

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/fgeck/pgreconcile/internal/models"
	"github.com/rs/zerolog"
)

// ArchiveExt is the file extension of a custom-format archive.
const ArchiveExt = ".dump"

// Store defines the interface for blob store operations.
type Store interface {
	Get(ctx context.Context, key string, w io.Writer) error
	Put(ctx context.Context, key string, body io.ReadSeeker, size int64) error
}

// HTTPClient allows mocking HTTP requests.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// StatusError is returned when the blob store answers with a non-2xx status.
type StatusError struct {
	Method     string
	URL        string
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s %s: HTTP %d %s", e.Method, e.URL, e.StatusCode, http.StatusText(e.StatusCode))
}

// ArchiveKey returns the object key of the archive for a database.
func ArchiveKey(name models.DatabaseName) string {
	return name.String() + ArchiveExt
}

// New creates the store selected by cfg.Driver.
func New(logger zerolog.Logger, cfg models.BlobConfig) (Store, error) {
	switch cfg.Driver {
	case "", "http":
		return NewHTTPStore(logger, cfg.BaseURL, cfg.UploadTimeout), nil
	case "s3":
		return NewS3Store(logger, cfg)
	default:
		return nil, fmt.Errorf("unknown blob driver %q", cfg.Driver)
	}
}

// HTTPStore talks plain HTTP GET/PUT to <base-url>/<key>.
type HTTPStore struct {
	httpClient    HTTPClient
	logger        zerolog.Logger
	baseURL       string
	uploadTimeout time.Duration
}

// NewHTTPStore creates an HTTP blob store. The client carries no overall
// timeout: callers bound Get through ctx, and Put is bounded by
// uploadTimeout when it is positive.
func NewHTTPStore(logger zerolog.Logger, baseURL string, uploadTimeout time.Duration) *HTTPStore {
	return &HTTPStore{
		httpClient:    &http.Client{},
		logger:        logger,
		baseURL:       baseURL,
		uploadTimeout: uploadTimeout,
	}
}

// NewHTTPStoreWithClient creates an HTTP blob store with a custom HTTP client (for testing).
func NewHTTPStoreWithClient(logger zerolog.Logger, httpClient HTTPClient, baseURL string) *HTTPStore {
	return &HTTPStore{
		httpClient: httpClient,
		logger:     logger,
		baseURL:    baseURL,
	}
}

// URL returns the object URL for key.
func (s *HTTPStore) URL(key string) string {
	return strings.TrimRight(s.baseURL, "/") + "/" + url.PathEscape(key)
}

// Get downloads key into w.
func (s *HTTPStore) Get(ctx context.Context, key string, w io.Writer) error {
	target := s.URL(key)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	s.logger.Debug().Str("url", target).Msg("downloading object")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, resp.Body)
		return &StatusError{Method: http.MethodGet, URL: target, StatusCode: resp.StatusCode}
	}

	n, err := io.Copy(w, resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response body: %w", err)
	}

	s.logger.Debug().Str("url", target).Int64("bytes", n).Msg("object downloaded")
	return nil
}

// Put uploads body to key.
func (s *HTTPStore) Put(ctx context.Context, key string, body io.ReadSeeker, size int64) error {
	target := s.URL(key)

	ctx, cancel := uploadContext(ctx, s.uploadTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, target, body)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.ContentLength = size
	req.Header.Set("Content-Type", "application/octet-stream")

	s.logger.Debug().Str("url", target).Int64("bytes", size).Msg("uploading object")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &StatusError{Method: http.MethodPut, URL: target, StatusCode: resp.StatusCode}
	}

	return nil
}

func uploadContext(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, timeout)
}
