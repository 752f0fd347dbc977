// Package httpapi exposes ingestion, flush, device and settlement operations
// over HTTP with gin.
package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"voltchain/internal/devices"
	"voltchain/internal/ingest"
	"voltchain/internal/reconcile"
	"voltchain/internal/settlement"
	"voltchain/internal/storage"
)

const defaultMaxBodyBytes = 1 << 20

// Ingestor accepts device and operator readings.
type Ingestor interface {
	Ingest(ctx context.Context, req ingest.Request) (ingest.Result, error)
	RecordManual(ctx context.Context, body []byte) (ingest.Result, error)
}

// Flusher runs one reconciliation batch.
type Flusher interface {
	Flush(ctx context.Context) (reconcile.Report, error)
}

// Devices provisions and lists devices.
type Devices interface {
	Create(ctx context.Context, req devices.CreateRequest) (devices.Provisioned, error)
	List(ctx context.Context) ([]devices.Summary, error)
	Readings(ctx context.Context, deviceRef string, limit int) ([]devices.ReadingView, error)
}

// Sales runs the sale lifecycle.
type Sales interface {
	RecordSale(ctx context.Context, kwhSold decimal.Decimal, revenueMinor int64, feeBps int) (storage.Sale, error)
	FinalizeSale(ctx context.Context, saleID int64) (storage.Sale, error)
	Burn(ctx context.Context, userID string, saleID int64, burned decimal.Decimal) (storage.UserClaim, error)
	Settle(ctx context.Context, saleID int64) (settlement.Report, error)
	MarkClaimed(ctx context.Context, userID string, saleID int64) error
}

// StatusCounter reports the reading backlog per ledger status.
type StatusCounter interface {
	CountReadingsByStatus(ctx context.Context) (map[storage.LedgerStatus]int64, error)
}

// Deps are the services behind the routes. Nil services leave their routes
// unregistered.
type Deps struct {
	Ingest   Ingestor
	Flush    Flusher
	Devices  Devices
	Sales    Sales
	Backlog  StatusCounter
	Auth     *Authenticator
	Settings Settings
}

// Settings tune request handling.
type Settings struct {
	MaxBodyBytes  int64
	CurrencyUnits int32
	ServiceName   string
}

type handler struct {
	deps   Deps
	logger zerolog.Logger
	now    func() time.Time
}

// NewRouter builds the gin engine with every configured route.
func NewRouter(deps Deps, logger zerolog.Logger) *gin.Engine {
	if deps.Settings.MaxBodyBytes <= 0 {
		deps.Settings.MaxBodyBytes = defaultMaxBodyBytes
	}
	if deps.Settings.CurrencyUnits <= 0 {
		deps.Settings.CurrencyUnits = 2
	}
	if deps.Settings.ServiceName == "" {
		deps.Settings.ServiceName = "voltchain"
	}
	if deps.Auth == nil {
		deps.Auth = NewAuthenticator("", "")
	}

	h := &handler{
		deps:   deps,
		logger: logger.With().Str("component", "http").Logger(),
		now:    time.Now,
	}

	r := gin.New()
	r.Use(h.recoverer(), h.requestLogger(), bodyLimit(deps.Settings.MaxBodyBytes))
	r.NoRoute(func(c *gin.Context) { abortError(c, http.StatusNotFound, "not found") })

	r.GET("/health", h.health)
	r.GET("/healthz", h.healthz)

	v1 := r.Group("/v1")
	if deps.Ingest != nil {
		v1.POST("/ingest", h.ingest)
		v1.POST("/readings", deps.Auth.optionalAdmin(), h.createReading)
	}
	if deps.Flush != nil {
		v1.POST("/onchain/flush", deps.Auth.requireAdmin(), h.flush)
	}
	if deps.Backlog != nil {
		v1.GET("/onchain/status", deps.Auth.requireAdmin(), h.backlog)
	}
	if deps.Devices != nil {
		open := v1.Group("/devices", deps.Auth.optionalAdmin())
		open.GET("", h.listDevices)
		open.POST("", h.createDevice)
		open.GET("/:id/readings", h.deviceReadings)
	}
	if deps.Sales != nil {
		sales := v1.Group("/sales", deps.Auth.requireAdmin())
		sales.POST("", h.recordSale)
		sales.POST("/:id/finalize", h.finalizeSale)
		sales.POST("/:id/burns", h.burn)
		sales.POST("/:id/claims/:user/claimed", h.markClaimed)
		sales.GET("/:id/settlement", h.settlement)
	}
	return r
}
