// Package notify sends run-outcome notifications via Telegram.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/yatb/yatb/internal/models"
)

// Service defines the interface for notification operations.
type Service interface {
	SendRunNotification(ctx context.Context, cfg models.TelegramConfig, rec *models.RunRecord) (*models.TelegramResult, error)
}

// HTTPClient allows mocking HTTP requests.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// Impl implements the notify Service interface.
type Impl struct {
	httpClient HTTPClient
	logger     zerolog.Logger
	baseURL    string
}

// New creates a new notify service.
func New(logger zerolog.Logger) *Impl {
	return &Impl{
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		logger:  logger,
		baseURL: "https://api.telegram.org",
	}
}

// NewWithClient creates a new notify service with a custom HTTP client (for testing).
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

// SendRunNotification sends a summary of a finished run.
func (s *Impl) SendRunNotification(ctx context.Context, cfg models.TelegramConfig, rec *models.RunRecord) (*models.TelegramResult, error) {
	result := &models.TelegramResult{}

	s.logger.Info().
		Str("chat_id", cfg.ChatID).
		Str("profile", rec.ProfileID).
		Str("outcome", string(rec.Outcome)).
		Msg("sending Telegram notification")

	reqBody := sendMessageRequest{
		ChatID:    cfg.ChatID,
		Text:      s.formatMessage(rec),
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
		result.Error = fmt.Errorf("failed to send notification: %w", err)
		return result, nil
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		result.Error = fmt.Errorf("telegram API returned status %d", resp.StatusCode)
		return result, nil
	}

	result.MessageSent = true
	return result, nil
}

func (s *Impl) formatMessage(rec *models.RunRecord) string {
	var b strings.Builder

	switch rec.Outcome {
	case models.OutcomeSuccess:
		b.WriteString("✅ <b>Backup succeeded</b>\n")
	case models.OutcomeVerificationFailed:
		b.WriteString("⚠️ <b>Backup verification failed</b>\n")
	default:
		b.WriteString("❌ <b>Backup failed</b>\n")
	}

	fmt.Fprintf(&b, "Profile: <code>%s</code>\n", rec.ProfileID)
	fmt.Fprintf(&b, "Trigger: %s\n", rec.Reason)
	fmt.Fprintf(&b, "Duration: %s\n", rec.FinishedAt.Sub(rec.StartedAt).Round(time.Second))
	fmt.Fprintf(&b, "Transferred: %d bytes\n", rec.BytesTransferred)

	if rec.Outcome == models.OutcomeFailed && rec.Error != "" {
		fmt.Fprintf(&b, "Error (%s): %s\n", rec.ErrorKind, rec.Error)
	}
	if rec.Verification.Status == models.VerificationFailed {
		fmt.Fprintf(&b, "Mismatched artifacts: %d\n", len(rec.Verification.Mismatches))
	}
	if len(rec.PrunedPaths) > 0 {
		fmt.Fprintf(&b, "Pruned: %d old artifacts\n", len(rec.PrunedPaths))
	}

	return b.String()
}
