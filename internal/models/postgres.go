package models

import "time"

// PostgresConfig holds connection and tooling settings for the target server.
type PostgresConfig struct {
	Host             string
	Port             int
	Database         string // database the administrative session connects to
	Username         string
	Password         string
	SSLMode          string
	DataDir          string // working directory for pg_restore
	DumpBin          string
	RestoreBin       string
	StatementTimeout time.Duration // per administrative statement
	RestoreTimeout   time.Duration // per pg_restore invocation
}

// PostgresDumpResult holds the result of a pg_dump operation.
type PostgresDumpResult struct {
	OutputPath string
	SizeBytes  int64
	Duration   time.Duration
	Error      error
}

// PostgresRestoreResult holds the result of a pg_restore operation.
type PostgresRestoreResult struct {
	ArchivePath string
	Duration    time.Duration
	Error       error
}
