package blob

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/request"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/fgeck/pgreconcile/internal/models"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() zerolog.Logger {
	return zerolog.New(io.Discard)
}

func TestArchiveKey(t *testing.T) {
	assert.Equal(t, "alpha.dump", ArchiveKey(models.MustDatabaseName("alpha")))
}

func TestHTTPStore_URL(t *testing.T) {
	assert.Equal(t, "http://minio:9000/backups/alpha.dump",
		NewHTTPStore(testLogger(), "http://minio:9000/backups/", time.Second).URL("alpha.dump"))
	assert.Equal(t, "http://minio:9000/backups/a%20b.dump",
		NewHTTPStore(testLogger(), "http://minio:9000/backups", time.Second).URL("a b.dump"))
}

func TestHTTPStore_Get_Success(t *testing.T) {
	var gotPath string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		assert.Equal(t, http.MethodGet, r.Method)
		_, _ = w.Write([]byte("PGDMP payload"))
	}))
	defer server.Close()

	store := NewHTTPStore(testLogger(), server.URL+"/backups", 5*time.Second)

	var buf bytes.Buffer
	err := store.Get(context.Background(), "alpha.dump", &buf)

	require.NoError(t, err)
	assert.Equal(t, "/backups/alpha.dump", gotPath)
	assert.Equal(t, "PGDMP payload", buf.String())
}

func TestHTTPStore_Get_NotFound(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	defer server.Close()

	store := NewHTTPStore(testLogger(), server.URL, 5*time.Second)

	var buf bytes.Buffer
	err := store.Get(context.Background(), "beta.dump", &buf)

	require.Error(t, err)
	var statusErr *StatusError
	require.True(t, errors.As(err, &statusErr))
	assert.Equal(t, http.StatusNotFound, statusErr.StatusCode)
	assert.Equal(t, http.MethodGet, statusErr.Method)
	assert.Contains(t, err.Error(), "HTTP 404")
	assert.Zero(t, buf.Len())
}

func TestHTTPStore_Get_TransportError(t *testing.T) {
	client := &mockHTTPClient{
		doFunc: func(req *http.Request) (*http.Response, error) {
			return nil, errors.New("connection refused")
		},
	}
	store := NewHTTPStoreWithClient(testLogger(), client, "http://minio:9000")

	err := store.Get(context.Background(), "alpha.dump", io.Discard)

	require.Error(t, err)
	assert.Contains(t, err.Error(), "connection refused")
}

func TestHTTPStore_Put_Success(t *testing.T) {
	var gotBody []byte
	var gotLength int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPut, r.Method)
		assert.Equal(t, "/alpha.dump", r.URL.Path)
		gotLength = r.ContentLength
		gotBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusCreated)
	}))
	defer server.Close()

	store := NewHTTPStore(testLogger(), server.URL, 5*time.Second)
	payload := []byte("PGDMP archive")

	err := store.Put(context.Background(), "alpha.dump", bytes.NewReader(payload), int64(len(payload)))

	require.NoError(t, err)
	assert.Equal(t, payload, gotBody)
	assert.Equal(t, int64(len(payload)), gotLength)
}

func TestHTTPStore_Put_ServerError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	store := NewHTTPStore(testLogger(), server.URL, 5*time.Second)

	err := store.Put(context.Background(), "alpha.dump", strings.NewReader("x"), 1)

	var statusErr *StatusError
	require.True(t, errors.As(err, &statusErr))
	assert.Equal(t, http.StatusInternalServerError, statusErr.StatusCode)
	assert.Equal(t, http.MethodPut, statusErr.Method)
}

// slowServer answers every request after delay, or gives up when the client
// goes away.
func slowServer(t *testing.T, delay time.Duration) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.Copy(io.Discard, r.Body)
		select {
		case <-time.After(delay):
			_, _ = w.Write([]byte("PGDMP slow"))
		case <-r.Context().Done():
		}
	}))
	t.Cleanup(server.Close)
	return server
}

func TestHTTPStore_Put_NotBoundByDownloadTimeout(t *testing.T) {
	server := slowServer(t, 300*time.Millisecond)

	// The retriever's per-attempt timeout is far shorter than this upload.
	store, err := New(testLogger(), models.BlobConfig{Driver: "http", BaseURL: server.URL})
	require.NoError(t, err)

	err = store.Put(context.Background(), "alpha.dump", strings.NewReader("PGDMP"), 5)

	assert.NoError(t, err)
}

func TestHTTPStore_Get_BoundByContext(t *testing.T) {
	server := slowServer(t, 2*time.Second)
	store := NewHTTPStore(testLogger(), server.URL, 0)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	err := store.Get(ctx, "alpha.dump", io.Discard)

	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestHTTPStore_Put_UploadTimeout(t *testing.T) {
	server := slowServer(t, 2*time.Second)

	store, err := New(testLogger(), models.BlobConfig{
		Driver:        "http",
		BaseURL:       server.URL,
		UploadTimeout: 100 * time.Millisecond,
	})
	require.NoError(t, err)

	err = store.Put(context.Background(), "alpha.dump", strings.NewReader("PGDMP"), 5)

	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestNew_SelectsDriver(t *testing.T) {
	store, err := New(testLogger(), models.BlobConfig{Driver: "http", BaseURL: "http://minio:9000"})
	require.NoError(t, err)
	assert.IsType(t, &HTTPStore{}, store)

	store, err = New(testLogger(), models.BlobConfig{Driver: "s3", BaseURL: "http://minio:9000", Bucket: "pg", Region: "us-east-1"})
	require.NoError(t, err)
	assert.IsType(t, &S3Store{}, store)

	_, err = New(testLogger(), models.BlobConfig{Driver: "ftp"})
	assert.Error(t, err)

	_, err = New(testLogger(), models.BlobConfig{Driver: "s3", BaseURL: "http://minio:9000"})
	assert.Error(t, err)
}

type mockHTTPClient struct {
	doFunc func(req *http.Request) (*http.Response, error)
}

func (m *mockHTTPClient) Do(req *http.Request) (*http.Response, error) {
	return m.doFunc(req)
}

type mockS3 struct {
	getFunc func(input *s3.GetObjectInput) (*s3.GetObjectOutput, error)
	putFunc func(input *s3.PutObjectInput) (*s3.PutObjectOutput, error)

	putCtxFunc func(ctx aws.Context, input *s3.PutObjectInput) (*s3.PutObjectOutput, error)
}

func (m *mockS3) GetObjectWithContext(_ aws.Context, input *s3.GetObjectInput, _ ...request.Option) (*s3.GetObjectOutput, error) {
	return m.getFunc(input)
}

func (m *mockS3) PutObjectWithContext(ctx aws.Context, input *s3.PutObjectInput, _ ...request.Option) (*s3.PutObjectOutput, error) {
	if m.putCtxFunc != nil {
		return m.putCtxFunc(ctx, input)
	}
	return m.putFunc(input)
}

func TestS3Store_Get(t *testing.T) {
	client := &mockS3{
		getFunc: func(input *s3.GetObjectInput) (*s3.GetObjectOutput, error) {
			assert.Equal(t, "pg-backups", aws.StringValue(input.Bucket))
			assert.Equal(t, "alpha.dump", aws.StringValue(input.Key))
			return &s3.GetObjectOutput{Body: io.NopCloser(strings.NewReader("PGDMP data"))}, nil
		},
	}
	store := NewS3StoreWithClient(testLogger(), client, "pg-backups")

	var buf bytes.Buffer
	require.NoError(t, store.Get(context.Background(), "alpha.dump", &buf))
	assert.Equal(t, "PGDMP data", buf.String())
}

func TestS3Store_Get_NoSuchKey(t *testing.T) {
	client := &mockS3{
		getFunc: func(input *s3.GetObjectInput) (*s3.GetObjectOutput, error) {
			return nil, awserr.NewRequestFailure(awserr.New(s3.ErrCodeNoSuchKey, "not found", nil), http.StatusNotFound, "req-1")
		},
	}
	store := NewS3StoreWithClient(testLogger(), client, "pg-backups")

	err := store.Get(context.Background(), "beta.dump", io.Discard)

	var statusErr *StatusError
	require.True(t, errors.As(err, &statusErr))
	assert.Equal(t, http.StatusNotFound, statusErr.StatusCode)
	assert.Contains(t, err.Error(), "s3://pg-backups/beta.dump")
	assert.Contains(t, err.Error(), s3.ErrCodeNoSuchKey)
}

func TestS3Store_Put(t *testing.T) {
	var gotBody []byte
	client := &mockS3{
		putFunc: func(input *s3.PutObjectInput) (*s3.PutObjectOutput, error) {
			assert.Equal(t, "alpha.dump", aws.StringValue(input.Key))
			assert.Equal(t, int64(5), aws.Int64Value(input.ContentLength))
			gotBody, _ = io.ReadAll(input.Body)
			return &s3.PutObjectOutput{}, nil
		},
	}
	store := NewS3StoreWithClient(testLogger(), client, "pg-backups")

	require.NoError(t, store.Put(context.Background(), "alpha.dump", strings.NewReader("PGDMP"), 5))
	assert.Equal(t, "PGDMP", string(gotBody))
}

func TestS3Store_Put_TransportError(t *testing.T) {
	client := &mockS3{
		putFunc: func(input *s3.PutObjectInput) (*s3.PutObjectOutput, error) {
			return nil, errors.New("dial tcp: connection refused")
		},
	}
	store := NewS3StoreWithClient(testLogger(), client, "pg-backups")

	err := store.Put(context.Background(), "alpha.dump", strings.NewReader("PGDMP"), 5)

	require.Error(t, err)
	assert.Contains(t, err.Error(), "connection refused")
	var statusErr *StatusError
	assert.False(t, errors.As(err, &statusErr))
}

func TestS3Store_Put_Deadline(t *testing.T) {
	var hasDeadline bool
	client := &mockS3{
		putCtxFunc: func(ctx aws.Context, input *s3.PutObjectInput) (*s3.PutObjectOutput, error) {
			_, hasDeadline = ctx.Deadline()
			return &s3.PutObjectOutput{}, nil
		},
	}

	store := NewS3StoreWithClient(testLogger(), client, "pg-backups")
	require.NoError(t, store.Put(context.Background(), "alpha.dump", strings.NewReader("PGDMP"), 5))
	assert.False(t, hasDeadline, "upload should be unbounded by default")

	store.uploadTimeout = time.Minute
	require.NoError(t, store.Put(context.Background(), "alpha.dump", strings.NewReader("PGDMP"), 5))
	assert.True(t, hasDeadline)
}
