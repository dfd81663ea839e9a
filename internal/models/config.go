// Package models contains the data structures used throughout pgreconcile.
package models

import "time"

// Config holds the complete configuration for a reconcile run.
type Config struct {
	Postgres  PostgresConfig
	Blob      BlobConfig
	Retriever RetrieverConfig
	Databases []DatabaseDescriptor
	Telegram  *TelegramConfig // nil if not configured
	TempDir   string
}

// BlobConfig holds blob store configuration.
type BlobConfig struct {
	Driver    string // "http" (default) or "s3"
	BaseURL   string
	Bucket    string // s3 only
	Region    string // s3 only
	AccessKey string // s3 only, optional
	SecretKey string // s3 only, optional

	// UploadTimeout bounds a single Put. Zero means no bound; downloads are
	// bounded per attempt by RetrieverConfig.Timeout.
	UploadTimeout time.Duration
}

// RetrieverConfig controls archive download behavior.
type RetrieverConfig struct {
	MaxRetries int           // retries after the first attempt
	Timeout    time.Duration // per attempt
}

// Attempts returns the total number of download attempts.
func (c RetrieverConfig) Attempts() int {
	return c.MaxRetries + 1
}

// DatabaseDescriptor is a configured (database, owner) pair. The values are
// unvalidated; see ParseDatabaseName and ParseRoleName.
type DatabaseDescriptor struct {
	Name  string
	Owner string
}
