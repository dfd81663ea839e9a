package models

import "time"

// TelegramConfig holds Telegram notification configuration.
type TelegramConfig struct {
	BotToken string
	ChatID   string
}

// TelegramMessage holds the data for a batch summary notification.
type TelegramMessage struct {
	Success   bool
	Operation Operation
	Host      string // PostgreSQL server
	BlobStore string
	StartTime time.Time
	Duration  time.Duration
	Results   []DatabaseResult
}

// TelegramResult holds the result of a Telegram notification.
type TelegramResult struct {
	MessageSent bool
	Error       error
}
