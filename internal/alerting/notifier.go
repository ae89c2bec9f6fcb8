package alerting

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"otsentry/internal/model"
)

// Notifier delivers a recorded alert to an external channel.
type Notifier interface {
	Notify(ctx context.Context, alert model.Alert) error
}

// TelegramOptions configure the Telegram notifier.
type TelegramOptions struct {
	BotToken    string
	ChatID      string
	BaseURL     string
	Timeout     time.Duration
	MinSeverity model.Severity
}

// TelegramNotifier pushes alerts through the Telegram Bot API.
type TelegramNotifier struct {
	botToken    string
	chatID      string
	baseURL     string
	minSeverity model.Severity
	client      *http.Client
	logger      zerolog.Logger
}

// NewTelegramNotifier constructs a Telegram notifier.
func NewTelegramNotifier(opts TelegramOptions, logger zerolog.Logger) *TelegramNotifier {
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	if opts.BaseURL == "" {
		opts.BaseURL = "https://api.telegram.org"
	}
	if opts.MinSeverity == "" {
		opts.MinSeverity = model.SeverityWarning
	}

	return &TelegramNotifier{
		botToken:    opts.BotToken,
		chatID:      opts.ChatID,
		baseURL:     strings.TrimRight(opts.BaseURL, "/"),
		minSeverity: opts.MinSeverity,
		client:      &http.Client{Timeout: opts.Timeout},
		logger:      logger.With().Str("component", "alert_telegram").Logger(),
	}
}

// Notify posts the rendered alert via sendMessage. Alerts below the minimum
// severity are skipped.
func (n *TelegramNotifier) Notify(ctx context.Context, alert model.Alert) error {
	if alert.Severity.Rank() < n.minSeverity.Rank() {
		n.logger.Debug().Int64("alert_id", alert.ID).Str("severity", string(alert.Severity)).Msg("below telegram min severity, skipped")
		return nil
	}

	payload := map[string]string{
		"chat_id": n.chatID,
		"text":    renderMessage(alert),
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal telegram payload: %w", err)
	}

	url := fmt.Sprintf("%s/bot%s/sendMessage", n.baseURL, n.botToken)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create telegram request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("send telegram request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("telegram unexpected status: %d", resp.StatusCode)
	}

	var result struct {
		OK bool `json:"ok"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err == nil {
		if !result.OK {
			return fmt.Errorf("telegram returned ok=false")
		}
	}

	n.logger.Info().Int64("alert_id", alert.ID).
		Str("severity", string(alert.Severity)).
		Msg("alert sent to telegram")
	return nil
}

func renderMessage(alert model.Alert) string {
	builder := strings.Builder{}
	builder.WriteString(fmt.Sprintf("[OT Alert] %s\n", strings.ToUpper(string(alert.Severity))))
	builder.WriteString(fmt.Sprintf("Title: %s\n", alert.Title))
	builder.WriteString(fmt.Sprintf("Time: %s UTC\n", alert.Timestamp.UTC().Format(time.RFC3339)))
	builder.WriteString(fmt.Sprintf("Source: %s\n", alert.Source))
	if alert.DeviceID != nil {
		builder.WriteString(fmt.Sprintf("Device: %d\n", *alert.DeviceID))
	}
	if alert.Description != "" {
		builder.WriteString(alert.Description)
	}
	return builder.String()
}

var _ Notifier = (*TelegramNotifier)(nil)
