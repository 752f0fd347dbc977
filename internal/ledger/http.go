package ledger

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

const recordsPath = "/records"

// HTTPOptions parameterise the REST ledger gateway client.
type HTTPOptions struct {
	BaseURL   string
	APIKey    string
	UserAgent string
	Timeout   time.Duration
}

// HTTP submits records to a REST ledger gateway.
type HTTP struct {
	opts    HTTPOptions
	logger  zerolog.Logger
	client  *http.Client
	baseURL string
}

// NewHTTP constructs a gateway client.
func NewHTTP(opts HTTPOptions, logger zerolog.Logger) *HTTP {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}

	return &HTTP{
		opts:    opts,
		logger:  logger.With().Str("component", "ledger_http").Logger(),
		client:  &http.Client{Timeout: timeout},
		baseURL: strings.TrimRight(opts.BaseURL, "/"),
	}
}

// Submit posts one record and returns the ledger reference.
func (h *HTTP) Submit(ctx context.Context, record Record) (Receipt, error) {
	if h.baseURL == "" {
		return Receipt{}, ErrNotConfigured
	}
	if record.AccountRef == "" {
		return Receipt{}, errors.New("account reference required")
	}

	body, err := json.Marshal(submitRequest{
		AccountRef: record.AccountRef,
		Quantity:   record.Quantity.String(),
		Timestamp:  record.EpochMillis(),
	})
	if err != nil {
		return Receipt{}, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.baseURL+recordsPath, bytes.NewReader(body))
	if err != nil {
		return Receipt{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if ua := strings.TrimSpace(h.opts.UserAgent); ua != "" {
		req.Header.Set("User-Agent", ua)
	} else {
		req.Header.Set("User-Agent", "voltchain/1.0")
	}
	if h.opts.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+h.opts.APIKey)
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return Receipt{}, err
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return Receipt{}, err
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return Receipt{}, parseHTTPError(resp.StatusCode, payload)
	}

	var res submitResponse
	if err := json.Unmarshal(payload, &res); err != nil {
		return Receipt{}, fmt.Errorf("decode ledger response: %w", err)
	}
	if !res.Success {
		reason := strings.TrimSpace(res.Error)
		if reason == "" {
			reason = "no reason given"
		}
		return Receipt{}, fmt.Errorf("%w: %s", ErrRejected, reason)
	}
	if res.Reference == "" {
		return Receipt{}, fmt.Errorf("%w: empty reference", ErrRejected)
	}

	h.logger.Debug().Str("account", record.AccountRef).Str("reference", res.Reference).Msg("record accepted")
	return Receipt{Reference: res.Reference}, nil
}

type submitRequest struct {
	AccountRef string `json:"account_ref"`
	Quantity   string `json:"quantity"`
	Timestamp  int64  `json:"timestamp"`
}

type submitResponse struct {
	Success   bool   `json:"success"`
	Reference string `json:"reference"`
	Error     string `json:"error"`
}

type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func parseHTTPError(status int, payload []byte) error {
	var apiErr errorResponse
	if err := json.Unmarshal(payload, &apiErr); err == nil {
		if apiErr.Error != "" {
			return fmt.Errorf("ledger api error (%d): %s", status, apiErr.Error)
		}
		if apiErr.Message != "" {
			return fmt.Errorf("ledger api error (%d): %s", status, apiErr.Message)
		}
	}
	if len(payload) > 0 {
		return fmt.Errorf("ledger api error (%d): %s", status, strings.TrimSpace(string(payload)))
	}
	return fmt.Errorf("ledger api error (%d)", status)
}

var _ Client = (*HTTP)(nil)
