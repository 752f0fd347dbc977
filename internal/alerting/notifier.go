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
)

// maxListedErrors caps the per-reading errors rendered into one message.
const maxListedErrors = 5

// Notification carries the context of a flush that recorded failures.
type Notification struct {
	FlushedAt time.Time
	Trigger   string
	Processed int
	Failed    int
	Total     int
	Requeued  int64
	Errors    []string
}

// Notifier delivers operator alerts.
type Notifier interface {
	Notify(ctx context.Context, notification Notification) error
}

// TelegramNotifier posts alerts through the Telegram Bot API.
type TelegramNotifier struct {
	botToken string
	chatID   string
	baseURL  string
	client   *http.Client
	logger   zerolog.Logger
}

// NewTelegramNotifier builds a notifier for one chat.
func NewTelegramNotifier(botToken, chatID, baseURL string, timeout time.Duration, logger zerolog.Logger) *TelegramNotifier {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if baseURL == "" {
		baseURL = "https://api.telegram.org"
	}

	return &TelegramNotifier{
		botToken: botToken,
		chatID:   chatID,
		baseURL:  strings.TrimRight(baseURL, "/"),
		client:   &http.Client{Timeout: timeout},
		logger:   logger.With().Str("component", "alert_telegram").Logger(),
	}
}

// Notify sends the rendered alert with sendMessage.
func (n *TelegramNotifier) Notify(ctx context.Context, note Notification) error {
	payload := map[string]string{
		"chat_id": n.chatID,
		"text":    renderMessage(note),
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
		OK          bool   `json:"ok"`
		Description string `json:"description"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err == nil && !result.OK {
		return fmt.Errorf("telegram returned ok=false: %s", result.Description)
	}

	n.logger.Info().
		Int("failed", note.Failed).
		Int("total", note.Total).
		Str("trigger", note.Trigger).
		Msg("flush failure alert sent")
	return nil
}

func renderMessage(note Notification) string {
	builder := strings.Builder{}
	builder.WriteString("[voltchain] ledger flush failures\n")
	builder.WriteString(fmt.Sprintf("At: %s UTC\n", note.FlushedAt.UTC().Format(time.RFC3339)))
	if note.Trigger != "" {
		builder.WriteString(fmt.Sprintf("Trigger: %s\n", note.Trigger))
	}
	builder.WriteString(fmt.Sprintf("Failed: %d of %d (sent %d)\n", note.Failed, note.Total, note.Processed))
	if note.Requeued > 0 {
		builder.WriteString(fmt.Sprintf("Requeued for retry: %d\n", note.Requeued))
	}
	for i, msg := range note.Errors {
		if i == maxListedErrors {
			builder.WriteString(fmt.Sprintf("... and %d more\n", len(note.Errors)-maxListedErrors))
			break
		}
		builder.WriteString("- " + msg + "\n")
	}
	return builder.String()
}

var _ Notifier = (*TelegramNotifier)(nil)
