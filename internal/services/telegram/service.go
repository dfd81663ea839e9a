// Package telegram sends batch summaries to a Telegram chat.
package telegram

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/fgeck/pgreconcile/internal/models"
	"github.com/rs/zerolog"
)

// Service defines the interface for Telegram notification operations.
type Service interface {
	SendNotification(ctx context.Context, cfg models.TelegramConfig, msg models.TelegramMessage) (*models.TelegramResult, error)
}

// HTTPClient allows mocking HTTP requests.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// Impl implements the Telegram Service interface.
type Impl struct {
	httpClient HTTPClient
	logger     zerolog.Logger
	baseURL    string
}

// New creates a new Telegram service.
func New(logger zerolog.Logger) *Impl {
	return &Impl{
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		logger:  logger,
		baseURL: "https://api.telegram.org",
	}
}

// NewWithClient creates a new Telegram service with a custom HTTP client (for testing).
func NewWithClient(logger zerolog.Logger, httpClient HTTPClient, baseURL string) *Impl {
	return &Impl{
		httpClient: httpClient,
		logger:     logger,
		baseURL:    baseURL,
	}
}

// sendMessageRequest is the request body for Telegram sendMessage API.
type sendMessageRequest struct {
	ChatID    string `json:"chat_id"`
	Text      string `json:"text"`
	ParseMode string `json:"parse_mode"`
}

// SendNotification sends a batch summary via Telegram.
func (s *Impl) SendNotification(ctx context.Context, cfg models.TelegramConfig, msg models.TelegramMessage) (*models.TelegramResult, error) {
	result := &models.TelegramResult{}

	s.logger.Info().
		Str("chat_id", cfg.ChatID).
		Str("operation", string(msg.Operation)).
		Bool("success", msg.Success).
		Msg("sending Telegram notification")

	// Format message
	text := s.formatMessage(msg)

	// Build request
	reqBody := sendMessageRequest{
		ChatID:    cfg.ChatID,
		Text:      text,
		ParseMode: "HTML",
	}

	jsonBody, err := json.Marshal(reqBody)
	if err != nil {
		result.Error = fmt.Errorf("failed to marshal request: %w", err)
		return result, nil
	}

	url := fmt.Sprintf("%s/bot%s/sendMessage", s.baseURL, cfg.BotToken)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(jsonBody))
	if err != nil {
		result.Error = fmt.Errorf("failed to create request: %w", err)
		return result, nil
	}

	req.Header.Set("Content-Type", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		result.Error = fmt.Errorf("failed to send request: %w", err)
		return result, nil
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		result.Error = fmt.Errorf("telegram API returned status %d", resp.StatusCode)
		return result, nil
	}

	result.MessageSent = true
	s.logger.Info().Msg("Telegram notification sent successfully")

	return result, nil
}

func (s *Impl) formatMessage(msg models.TelegramMessage) string {
	var b bytes.Buffer

	title := operationTitle(msg.Operation)
	if msg.Success {
		b.WriteString(fmt.Sprintf("✅ <b>%s Successful</b>\n\n", title))
	} else {
		b.WriteString(fmt.Sprintf("❌ <b>%s Incomplete</b>\n\n", title))
	}

	// Basic info
	b.WriteString(fmt.Sprintf("🖥 <b>Server:</b> %s\n", escapeHTML(msg.Host)))
	b.WriteString(fmt.Sprintf("📦 <b>Blob store:</b> %s\n", escapeHTML(msg.BlobStore)))
	b.WriteString(fmt.Sprintf("⏰ <b>Started:</b> %s\n", msg.StartTime.Format("2006-01-02 15:04:05")))
	b.WriteString(fmt.Sprintf("⏱ <b>Duration:</b> %s\n", msg.Duration.Round(time.Second)))

	succeeded := 0
	for _, r := range msg.Results {
		if r.Outcome == models.OutcomeSuccess {
			succeeded++
		}
	}
	b.WriteString(fmt.Sprintf("\n<b>📊 Databases:</b> %d/%d succeeded\n", succeeded, len(msg.Results)))

	for _, r := range msg.Results {
		if r.Outcome == models.OutcomeSuccess {
			b.WriteString(fmt.Sprintf("  • %s: success\n", escapeHTML(r.Database)))
			continue
		}
		b.WriteString(fmt.Sprintf("  • %s: <b>%s</b>", escapeHTML(r.Database), escapeHTML(string(r.Outcome))))
		if r.FailedStep != "" {
			b.WriteString(fmt.Sprintf(" (step %s)", escapeHTML(string(r.FailedStep))))
		}
		b.WriteString("\n")
		if r.Error != nil {
			b.WriteString(fmt.Sprintf("    <code>%s</code>\n", escapeHTML(r.Error.Error())))
		}
	}

	return b.String()
}

func operationTitle(op models.Operation) string {
	switch op {
	case models.OperationBackup:
		return "Backup"
	case models.OperationRestore:
		return "Restore"
	default:
		return "Reconcile"
	}
}

// escapeHTML escapes HTML special characters.
func escapeHTML(s string) string {
	var b bytes.Buffer
	for _, r := range s {
		switch r {
		case '<':
			b.WriteString("&lt;")
		case '>':
			b.WriteString("&gt;")
		case '&':
			b.WriteString("&amp;")
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}
