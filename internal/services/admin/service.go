// Package admin runs administrative SQL against the PostgreSQL server: catalog
// queries, session termination and database recreation.
package admin

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/fgeck/pgreconcile/internal/models"
	"github.com/jackc/pgx/v5"
	_ "github.com/jackc/pgx/v5/stdlib" // registers the "pgx" database/sql driver
	"github.com/rs/zerolog"
)

// ErrInsufficientPrivilege is returned when the session role is not a superuser.
var ErrInsufficientPrivilege = errors.New("administrative role is not a superuser")

const (
	queryIsSuperuser = `SELECT rolsuper FROM pg_roles WHERE rolname = current_user`
	queryDatabases   = `SELECT datname FROM pg_database WHERE datistemplate = false ORDER BY datname`
	queryTerminate   = `SELECT pg_terminate_backend(pid) FROM pg_stat_activity WHERE datname = $1 AND pid <> pg_backend_pid()`
)

// Service defines the interface for administrative database operations.
type Service interface {
	CheckPrivileges(ctx context.Context) error
	ListDatabases(ctx context.Context) ([]string, error)
	TerminateConnections(ctx context.Context, name models.DatabaseName) (int64, error)
	Recreate(ctx context.Context, name models.DatabaseName, owner models.RoleName) error
	Close() error
}

// Impl implements the admin Service interface over database/sql.
type Impl struct {
	db      *sql.DB
	timeout time.Duration
	logger  zerolog.Logger
}

// Open connects to the administrative database described by cfg.
func Open(ctx context.Context, logger zerolog.Logger, cfg models.PostgresConfig) (*Impl, error) {
	db, err := sql.Open("pgx", DSN(cfg))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// DROP and CREATE must share a session; one connection is all we need.
	db.SetMaxOpenConns(1)

	svc := NewWithDB(logger, db, cfg.StatementTimeout)

	pingCtx, cancel := svc.stepContext(ctx)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to connect to %s:%d: %w", cfg.Host, cfg.Port, err)
	}

	return svc, nil
}

// NewWithDB creates an admin service over an existing handle (for testing).
func NewWithDB(logger zerolog.Logger, db *sql.DB, timeout time.Duration) *Impl {
	return &Impl{
		db:      db,
		timeout: timeout,
		logger:  logger,
	}
}

// DSN builds a keyword/value connection string for cfg. As with pg_dump -h,
// the host may be a name, an address or a Unix socket directory.
func DSN(cfg models.PostgresConfig) string {
	parts := []string{
		"host=" + quoteDSNValue(cfg.Host),
		"port=" + strconv.Itoa(cfg.Port),
		"dbname=" + quoteDSNValue(cfg.Database),
		"user=" + quoteDSNValue(cfg.Username),
	}
	if cfg.Password != "" {
		parts = append(parts, "password="+quoteDSNValue(cfg.Password))
	}
	if cfg.SSLMode != "" {
		parts = append(parts, "sslmode="+quoteDSNValue(cfg.SSLMode))
	}
	return strings.Join(parts, " ")
}

func quoteDSNValue(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `'`, `\'`)
	return "'" + s + "'"
}

// QuoteIdentifier quotes s for use as an SQL identifier.
func QuoteIdentifier(s string) string {
	return pgx.Identifier{s}.Sanitize()
}

func (s *Impl) stepContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, s.timeout)
}

// CheckPrivileges verifies that the session role is a superuser.
func (s *Impl) CheckPrivileges(ctx context.Context) error {
	ctx, cancel := s.stepContext(ctx)
	defer cancel()

	var super bool
	if err := s.db.QueryRowContext(ctx, queryIsSuperuser).Scan(&super); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ErrInsufficientPrivilege
		}
		return fmt.Errorf("failed to check role privileges: %w", err)
	}
	if !super {
		return ErrInsufficientPrivilege
	}

	s.logger.Debug().Msg("administrative role is a superuser")
	return nil
}

// ListDatabases returns the names of all non-template databases.
func (s *Impl) ListDatabases(ctx context.Context) ([]string, error) {
	ctx, cancel := s.stepContext(ctx)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, queryDatabases)
	if err != nil {
		return nil, fmt.Errorf("failed to list databases: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("failed to scan database name: %w", err)
		}
		names = append(names, name)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list databases: %w", err)
	}

	return names, nil
}

// TerminateConnections disconnects every other session attached to name and
// returns the number of sessions signalled.
func (s *Impl) TerminateConnections(ctx context.Context, name models.DatabaseName) (int64, error) {
	if name.IsZero() {
		return 0, fmt.Errorf("terminate connections: %w", models.ErrUnsafeIdentifier)
	}

	ctx, cancel := s.stepContext(ctx)
	defer cancel()

	res, err := s.db.ExecContext(ctx, queryTerminate, name.String())
	if err != nil {
		return 0, fmt.Errorf("failed to terminate connections to %s: %w", name, err)
	}

	n, _ := res.RowsAffected()
	s.logger.Debug().Str("database", name.String()).Int64("sessions", n).Msg("terminated connections")
	return n, nil
}

// Recreate drops name if it exists and creates it empty, owned by owner.
// Both statements run on the same connection and outside a transaction.
func (s *Impl) Recreate(ctx context.Context, name models.DatabaseName, owner models.RoleName) error {
	if name.IsZero() || owner.IsZero() {
		return fmt.Errorf("recreate: %w", models.ErrUnsafeIdentifier)
	}

	ctx, cancel := s.stepContext(ctx)
	defer cancel()

	conn, err := s.db.Conn(ctx)
	if err != nil {
		return fmt.Errorf("failed to acquire connection: %w", err)
	}
	defer func() { _ = conn.Close() }()

	db := QuoteIdentifier(name.String())

	if _, err := conn.ExecContext(ctx, "DROP DATABASE IF EXISTS "+db); err != nil {
		return fmt.Errorf("failed to drop database %s: %w", name, err)
	}
	s.logger.Debug().Str("database", name.String()).Msg("database dropped")

	if _, err := conn.ExecContext(ctx, "CREATE DATABASE "+db+" WITH OWNER "+QuoteIdentifier(owner.String())); err != nil {
		return fmt.Errorf("failed to create database %s owned by %s: %w", name, owner, err)
	}
	s.logger.Debug().Str("database", name.String()).Str("owner", owner.String()).Msg("database created")

	return nil
}

// Close closes the underlying handle.
func (s *Impl) Close() error {
	return s.db.Close()
}
