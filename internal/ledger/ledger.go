package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"voltchain/internal/config"
)

var (
	// ErrNotConfigured is returned when no ledger integration is set up.
	ErrNotConfigured = errors.New("ledger: not configured")
	// ErrRejected wraps an explicit refusal from the ledger.
	ErrRejected = errors.New("ledger: submission rejected")
)

// Record is one energy entry submitted to the ledger.
type Record struct {
	AccountRef string
	Quantity   decimal.Decimal
	Timestamp  time.Time
}

// EpochMillis is the record timestamp as milliseconds since the Unix epoch.
func (r Record) EpochMillis() int64 {
	return r.Timestamp.UnixMilli()
}

// Receipt carries the ledger reference of an accepted record.
type Receipt struct {
	Reference string
}

// Client submits energy records. Rejections and transport failures are both
// returned as errors.
type Client interface {
	Submit(ctx context.Context, record Record) (Receipt, error)
}

// New builds the client selected by cfg.Driver.
func New(cfg config.LedgerConfig, logger zerolog.Logger) (Client, error) {
	if !cfg.Enabled {
		return nil, ErrNotConfigured
	}
	switch cfg.Driver {
	case config.LedgerDriverHTTP:
		return NewHTTP(HTTPOptions{
			BaseURL:   cfg.HTTP.BaseURL,
			APIKey:    cfg.HTTP.APIKey,
			UserAgent: cfg.HTTP.UserAgent,
			Timeout:   cfg.SubmitTimeout,
		}, logger), nil
	case config.LedgerDriverEVM:
		return NewEVM(EVMOptions{
			RPCURL:          cfg.EVM.RPCURL,
			ContractAddress: cfg.EVM.ContractAddress,
			PrivateKey:      cfg.EVM.PrivateKey,
			ChainID:         cfg.EVM.ChainID,
			GasLimit:        cfg.EVM.GasLimit,
		}, logger)
	default:
		return nil, fmt.Errorf("unsupported ledger driver %q", cfg.Driver)
	}
}
