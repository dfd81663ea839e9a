package blob

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/request"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/fgeck/pgreconcile/internal/models"
	"github.com/rs/zerolog"
)

// S3API is the subset of the S3 client used by S3Store.
type S3API interface {
	GetObjectWithContext(ctx aws.Context, input *s3.GetObjectInput, opts ...request.Option) (*s3.GetObjectOutput, error)
	PutObjectWithContext(ctx aws.Context, input *s3.PutObjectInput, opts ...request.Option) (*s3.PutObjectOutput, error)
}

// S3Store stores archives in an S3-compatible bucket such as MinIO.
type S3Store struct {
	client        S3API
	logger        zerolog.Logger
	bucket        string
	uploadTimeout time.Duration
}

// NewS3Store creates an S3 blob store using path-style addressing against
// cfg.BaseURL.
func NewS3Store(logger zerolog.Logger, cfg models.BlobConfig) (*S3Store, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("s3 bucket is required")
	}

	awsCfg := &aws.Config{
		Endpoint:         aws.String(cfg.BaseURL),
		Region:           aws.String(cfg.Region),
		S3ForcePathStyle: aws.Bool(true),
	}
	if cfg.AccessKey != "" || cfg.SecretKey != "" {
		awsCfg.Credentials = credentials.NewStaticCredentials(cfg.AccessKey, cfg.SecretKey, "")
	} else {
		awsCfg.Credentials = credentials.AnonymousCredentials
	}

	sess, err := session.NewSession(awsCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create AWS session: %w", err)
	}

	store := NewS3StoreWithClient(logger, s3.New(sess), cfg.Bucket)
	store.uploadTimeout = cfg.UploadTimeout
	return store, nil
}

// NewS3StoreWithClient creates an S3 blob store with a custom client (for testing).
func NewS3StoreWithClient(logger zerolog.Logger, client S3API, bucket string) *S3Store {
	return &S3Store{
		client: client,
		logger: logger,
		bucket: bucket,
	}
}

// Get downloads key into w.
func (s *S3Store) Get(ctx context.Context, key string, w io.Writer) error {
	s.logger.Debug().Str("bucket", s.bucket).Str("key", key).Msg("downloading object")

	out, err := s.client.GetObjectWithContext(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return s.wrapError(http.MethodGet, key, err)
	}
	defer func() { _ = out.Body.Close() }()

	if _, err := io.Copy(w, out.Body); err != nil {
		return fmt.Errorf("failed to read object body: %w", err)
	}
	return nil
}

// Put uploads body to key.
func (s *S3Store) Put(ctx context.Context, key string, body io.ReadSeeker, size int64) error {
	s.logger.Debug().Str("bucket", s.bucket).Str("key", key).Int64("bytes", size).Msg("uploading object")

	ctx, cancel := uploadContext(ctx, s.uploadTimeout)
	defer cancel()

	_, err := s.client.PutObjectWithContext(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(key),
		Body:          body,
		ContentLength: aws.Int64(size),
		ContentType:   aws.String("application/octet-stream"),
	})
	if err != nil {
		return s.wrapError(http.MethodPut, key, err)
	}
	return nil
}

// wrapError converts S3 request failures carrying an HTTP status into a
// StatusError so callers see the same error shape as with HTTPStore.
func (s *S3Store) wrapError(method, key string, err error) error {
	var reqErr awserr.RequestFailure
	if errors.As(err, &reqErr) {
		return fmt.Errorf("%w: %s", &StatusError{
			Method:     method,
			URL:        fmt.Sprintf("s3://%s/%s", s.bucket, key),
			StatusCode: reqErr.StatusCode(),
		}, reqErr.Code())
	}
	return fmt.Errorf("s3 %s %s/%s: %w", method, s.bucket, key, err)
}
