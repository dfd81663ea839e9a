// Package config provides configuration parsing from the environment and an
// optional YAML file.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/fgeck/pgreconcile/internal/models"
	"github.com/spf13/viper"
)

// Blob store drivers.
const (
	DriverHTTP = "http"
	DriverS3   = "s3"
)

// envBindings maps configuration keys to the environment variables that
// override them.
var envBindings = map[string]string{
	"postgres.data_dir":          "POSTGRES_DATA_DIR",
	"postgres.restore_bin":       "PG_RESTORE_BIN",
	"postgres.dump_bin":          "PG_DUMP_BIN",
	"postgres.host":              "PGHOST",
	"postgres.port":              "PGPORT",
	"postgres.username":          "PGUSER",
	"postgres.database":          "PGDATABASE",
	"postgres.password":          "PGPASSWORD",
	"postgres.sslmode":           "PGSSLMODE",
	"postgres.statement_timeout": "PG_STATEMENT_TIMEOUT",
	"postgres.restore_timeout":   "PG_RESTORE_TIMEOUT",
	"blob.driver":                "BLOB_DRIVER",
	"blob.base_url":              "MINIO_BASE_URL",
	"blob.bucket":                "MINIO_BUCKET",
	"blob.region":                "MINIO_REGION",
	"blob.access_key":            "MINIO_ACCESS_KEY",
	"blob.secret_key":            "MINIO_SECRET_KEY",
	"blob.upload_timeout":        "BLOB_UPLOAD_TIMEOUT",
	"retriever.max_retries":      "MAX_RETRIES",
	"retriever.timeout":          "CURL_TIMEOUT",
	"databases":                  "DB_CONFIGS",
	"telegram.bot_token":         "TELEGRAM_BOT_TOKEN",
	"telegram.chat_id":           "TELEGRAM_CHAT_ID",
	"temp_dir":                   "PGRECONCILE_TMPDIR",
}

// Parser handles configuration parsing.
type Parser struct {
	v *viper.Viper
}

// NewParser creates a new configuration parser with defaults and
// environment bindings installed.
func NewParser() *Parser {
	v := viper.New()
	v.SetConfigType("yaml")

	v.SetDefault("postgres.data_dir", "/var/lib/pgsql/data")
	v.SetDefault("postgres.restore_bin", "/usr/bin/pg_restore")
	v.SetDefault("postgres.dump_bin", "/usr/bin/pg_dump")
	v.SetDefault("postgres.host", "localhost")
	v.SetDefault("postgres.port", "5432")
	v.SetDefault("postgres.username", "postgres")
	v.SetDefault("postgres.database", "postgres")
	v.SetDefault("postgres.sslmode", "prefer")
	v.SetDefault("postgres.statement_timeout", "5m")
	v.SetDefault("postgres.restore_timeout", "2h")
	v.SetDefault("blob.driver", DriverHTTP)
	v.SetDefault("blob.base_url", "http://localhost:9000/backups")
	v.SetDefault("blob.region", "us-east-1")
	v.SetDefault("blob.upload_timeout", "0")
	v.SetDefault("retriever.max_retries", "2")
	v.SetDefault("retriever.timeout", "30s")
	v.SetDefault("databases", "superset:superset")

	for key, env := range envBindings {
		_ = v.BindEnv(key, env)
	}

	return &Parser{v: v}
}

// Load builds the configuration from defaults and the environment only.
func (p *Parser) Load() (*models.Config, error) {
	return p.parse()
}

// LoadFile loads configuration from a file path, with environment overrides.
func (p *Parser) LoadFile(path string) (*models.Config, error) {
	p.v.SetConfigFile(path)

	if err := p.v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	return p.parse()
}

// LoadReader loads configuration from a reader (useful for testing).
func (p *Parser) LoadReader(content string) (*models.Config, error) {
	if err := p.v.ReadConfig(strings.NewReader(content)); err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}

	return p.parse()
}

func (p *Parser) parse() (*models.Config, error) {
	cfg := &models.Config{}

	port, err := p.getInt("postgres.port")
	if err != nil {
		return nil, err
	}
	statementTimeout, err := p.getDuration("postgres.statement_timeout")
	if err != nil {
		return nil, err
	}
	restoreTimeout, err := p.getDuration("postgres.restore_timeout")
	if err != nil {
		return nil, err
	}

	cfg.Postgres = models.PostgresConfig{
		Host:             p.v.GetString("postgres.host"),
		Port:             port,
		Database:         p.v.GetString("postgres.database"),
		Username:         p.v.GetString("postgres.username"),
		Password:         p.expandEnv(p.v.GetString("postgres.password")),
		SSLMode:          p.v.GetString("postgres.sslmode"),
		DataDir:          p.v.GetString("postgres.data_dir"),
		DumpBin:          p.v.GetString("postgres.dump_bin"),
		RestoreBin:       p.v.GetString("postgres.restore_bin"),
		StatementTimeout: statementTimeout,
		RestoreTimeout:   restoreTimeout,
	}

	uploadTimeout, err := p.getDuration("blob.upload_timeout")
	if err != nil {
		return nil, err
	}

	cfg.Blob = models.BlobConfig{
		Driver:    strings.ToLower(p.v.GetString("blob.driver")),
		BaseURL:   p.expandEnv(p.v.GetString("blob.base_url")),
		Bucket:    p.v.GetString("blob.bucket"),
		Region:    p.v.GetString("blob.region"),
		AccessKey: p.expandEnv(p.v.GetString("blob.access_key")),
		SecretKey: p.expandEnv(p.v.GetString("blob.secret_key")),

		UploadTimeout: uploadTimeout,
	}

	maxRetries, err := p.getInt("retriever.max_retries")
	if err != nil {
		return nil, err
	}
	timeout, err := p.getDuration("retriever.timeout")
	if err != nil {
		return nil, err
	}
	cfg.Retriever = models.RetrieverConfig{
		MaxRetries: maxRetries,
		Timeout:    timeout,
	}

	cfg.Databases, err = parseDatabases(p.v.Get("databases"))
	if err != nil {
		return nil, fmt.Errorf("databases: %w", err)
	}

	// Parse optional Telegram config.
	botToken := p.expandEnv(p.v.GetString("telegram.bot_token"))
	chatID := p.expandEnv(p.v.GetString("telegram.chat_id"))
	if botToken != "" || chatID != "" {
		if botToken == "" {
			return nil, fmt.Errorf("telegram.bot_token is required when telegram is configured")
		}
		if chatID == "" {
			return nil, fmt.Errorf("telegram.chat_id is required when telegram is configured")
		}
		cfg.Telegram = &models.TelegramConfig{BotToken: botToken, ChatID: chatID}
	}

	cfg.TempDir = p.v.GetString("temp_dir")
	if cfg.TempDir == "" {
		cfg.TempDir = os.TempDir()
	}

	return cfg, nil
}

// expandEnv expands environment variables in the format ${VAR} or $VAR.
func (p *Parser) expandEnv(s string) string {
	return os.ExpandEnv(s)
}

func (p *Parser) getInt(key string) (int, error) {
	s := strings.TrimSpace(p.v.GetString(key))
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid integer %q", key, s)
	}
	return n, nil
}

// getDuration accepts Go duration strings and bare integers, which are
// read as seconds.
func (p *Parser) getDuration(key string) (time.Duration, error) {
	s := strings.TrimSpace(p.v.GetString(key))
	d, err := ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return d, nil
}

// ParseDuration parses s as a Go duration, or as whole seconds when s is a
// bare integer.
func ParseDuration(s string) (time.Duration, error) {
	if n, err := strconv.Atoi(s); err == nil {
		return time.Duration(n) * time.Second, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q", s)
	}
	return d, nil
}

// ParseDescriptors parses a comma-separated list of name:owner pairs.
// Empty entries are ignored. Names are not checked for safety here.
func ParseDescriptors(s string) ([]models.DatabaseDescriptor, error) {
	var out []models.DatabaseDescriptor
	for _, entry := range strings.Split(s, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		d, err := parsePair(entry)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, nil
}

func parsePair(entry string) (models.DatabaseDescriptor, error) {
	name, owner, ok := strings.Cut(entry, ":")
	if !ok {
		return models.DatabaseDescriptor{}, fmt.Errorf("entry %q is not in name:owner form", entry)
	}
	return newDescriptor(name, owner)
}

func newDescriptor(name, owner string) (models.DatabaseDescriptor, error) {
	name = strings.TrimSpace(name)
	owner = strings.TrimSpace(owner)
	if name == "" {
		return models.DatabaseDescriptor{}, fmt.Errorf("entry with owner %q has an empty name", owner)
	}
	if owner == "" {
		return models.DatabaseDescriptor{}, fmt.Errorf("entry %q has an empty owner", name)
	}
	return models.DatabaseDescriptor{Name: name, Owner: owner}, nil
}

func parseDatabases(raw interface{}) ([]models.DatabaseDescriptor, error) {
	switch val := raw.(type) {
	case nil:
		return nil, nil
	case string:
		return ParseDescriptors(val)
	case []string:
		return ParseDescriptors(strings.Join(val, ","))
	case []interface{}:
		out := make([]models.DatabaseDescriptor, 0, len(val))
		for i, item := range val {
			var (
				d   models.DatabaseDescriptor
				err error
			)
			switch it := item.(type) {
			case string:
				d, err = parsePair(it)
			case map[string]interface{}:
				name, _ := it["name"].(string)
				owner, _ := it["owner"].(string)
				d, err = newDescriptor(name, owner)
			default:
				err = fmt.Errorf("entry %d: unsupported type %T", i, item)
			}
			if err != nil {
				return nil, err
			}
			out = append(out, d)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("unsupported type %T", raw)
	}
}

// Validate performs validation on the loaded configuration.
func Validate(cfg *models.Config) error {
	if cfg == nil {
		return fmt.Errorf("configuration is nil")
	}

	if cfg.Postgres.Host == "" {
		return fmt.Errorf("postgres.host is required")
	}
	if cfg.Postgres.Port <= 0 || cfg.Postgres.Port > 65535 {
		return fmt.Errorf("postgres.port must be between 1 and 65535")
	}
	if cfg.Postgres.Username == "" {
		return fmt.Errorf("postgres.username is required")
	}
	if cfg.Postgres.DataDir == "" {
		return fmt.Errorf("postgres.data_dir is required")
	}
	if cfg.Postgres.StatementTimeout <= 0 {
		return fmt.Errorf("postgres.statement_timeout must be positive")
	}
	if cfg.Postgres.RestoreTimeout <= 0 {
		return fmt.Errorf("postgres.restore_timeout must be positive")
	}

	switch cfg.Blob.Driver {
	case DriverHTTP:
	case DriverS3:
		if cfg.Blob.Bucket == "" {
			return fmt.Errorf("blob.bucket is required when blob.driver is s3")
		}
	default:
		return fmt.Errorf("blob.driver must be one of: http, s3")
	}
	if cfg.Blob.BaseURL == "" {
		return fmt.Errorf("blob.base_url is required")
	}
	if cfg.Blob.UploadTimeout < 0 {
		return fmt.Errorf("blob.upload_timeout must not be negative")
	}

	if cfg.Retriever.MaxRetries < 0 {
		return fmt.Errorf("retriever.max_retries must not be negative")
	}
	if cfg.Retriever.Timeout <= 0 {
		return fmt.Errorf("retriever.timeout must be positive")
	}

	if len(cfg.Databases) == 0 {
		return fmt.Errorf("databases must list at least one name:owner pair")
	}

	return nil
}
