package ingest

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"voltchain/internal/errs"
	"voltchain/internal/events"
	"voltchain/internal/signature"
	"voltchain/internal/storage"
)

// AdminSignature marks readings entered by an operator instead of a device.
const AdminSignature = "admin"

const (
	defaultFreshnessWindow = 30 * time.Second
	defaultTouchTimeout    = 2 * time.Second
)

// DeviceStore is the device access the gateway needs.
type DeviceStore interface {
	GetDevice(ctx context.Context, id uuid.UUID) (storage.Device, error)
	GetActiveDevice(ctx context.Context, id uuid.UUID) (storage.Device, error)
	TouchDevice(ctx context.Context, id uuid.UUID, seenAt time.Time) error
}

// ReadingStore is the reading access the gateway needs.
type ReadingStore interface {
	ReadingExists(ctx context.Context, deviceID uuid.UUID, deviceTS time.Time) (bool, error)
	InsertReading(ctx context.Context, reading storage.Reading) (storage.Reading, error)
}

// Options configures a Gateway.
type Options struct {
	// LedgerEnabled is the platform-wide ledger switch.
	LedgerEnabled   bool
	FreshnessWindow time.Duration
	TouchTimeout    time.Duration
}

// Request is one signed device submission.
type Request struct {
	DeviceID  string
	Timestamp string
	Signature string
	Body      []byte
}

// Result is returned for a stored reading.
type Result struct {
	Stored    bool                 `json:"stored"`
	ReadingID string               `json:"reading_id"`
	Status    storage.LedgerStatus `json:"ledger_status"`
}

// Gateway validates and stores device readings. It never calls the ledger.
type Gateway struct {
	devices   DeviceStore
	readings  ReadingStore
	publisher events.Publisher
	opts      Options
	logger    zerolog.Logger
	now       func() time.Time
}

// NewGateway wires a gateway. A nil publisher disables events.
func NewGateway(devices DeviceStore, readings ReadingStore, publisher events.Publisher, opts Options, logger zerolog.Logger) *Gateway {
	if opts.FreshnessWindow <= 0 {
		opts.FreshnessWindow = defaultFreshnessWindow
	}
	if opts.TouchTimeout <= 0 {
		opts.TouchTimeout = defaultTouchTimeout
	}
	if publisher == nil {
		publisher = events.Nop{}
	}
	return &Gateway{
		devices:   devices,
		readings:  readings,
		publisher: publisher,
		opts:      opts,
		logger:    logger.With().Str("component", "ingest").Logger(),
		now:       time.Now,
	}
}

// Ingest runs a device submission through header, freshness, device,
// payload, signature and duplicate checks, then stores it.
func (g *Gateway) Ingest(ctx context.Context, req Request) (Result, error) {
	deviceRef := strings.TrimSpace(req.DeviceID)
	requestTS := strings.TrimSpace(req.Timestamp)
	code := strings.TrimSpace(req.Signature)
	if deviceRef == "" || requestTS == "" || code == "" {
		return Result{}, errs.New(errs.BadRequest, "missing required headers: x-device-id, x-timestamp, x-signature")
	}

	if !g.fresh(requestTS) {
		return Result{}, errs.New(errs.BadRequest, "request timestamp too old or too far in future")
	}

	device, err := g.activeDevice(ctx, deviceRef)
	if err != nil {
		return Result{}, err
	}

	payload, err := decodePayload(req.Body)
	if err != nil {
		return Result{}, err
	}
	r, err := payload.validate()
	if err != nil {
		return Result{}, err
	}

	message, err := signature.Message{
		DeviceID:         deviceRef,
		RequestTimestamp: requestTS,
		DeviceTimestamp:  r.rawTimestamp,
		Energy:           r.energy,
	}.Canonical()
	if err != nil {
		return Result{}, errs.Wrap(errs.BadRequest, "fields must not contain "+signature.Separator, err)
	}
	if !signature.Verify(device.Secret, message, code) {
		g.logger.Warn().Str("device_id", device.ID.String()).Msg("signature mismatch")
		return Result{}, errs.New(errs.Unauthorized, "invalid signature")
	}

	stored, err := g.store(ctx, device, r, code)
	if err != nil {
		return Result{}, err
	}

	g.touch(ctx, device.ID)
	g.publish(ctx, stored)

	return Result{Stored: true, ReadingID: stored.ID.String(), Status: stored.Status}, nil
}

// fresh reports whether the request timestamp, in epoch milliseconds, lies
// within the window of now. Unparsable values are stale.
func (g *Gateway) fresh(requestTS string) bool {
	ms, err := strconv.ParseInt(requestTS, 10, 64)
	if err != nil {
		return false
	}
	diff := g.now().UnixMilli() - ms
	if diff < 0 {
		diff = -diff
	}
	return diff <= g.opts.FreshnessWindow.Milliseconds()
}

func (g *Gateway) activeDevice(ctx context.Context, ref string) (storage.Device, error) {
	notFound := errs.New(errs.NotFound, "device not found or inactive")

	id, err := uuid.Parse(ref)
	if err != nil {
		return storage.Device{}, notFound
	}
	device, err := g.devices.GetActiveDevice(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		return storage.Device{}, notFound
	}
	if err != nil {
		return storage.Device{}, errs.Wrap(errs.Internal, "failed to load device", err)
	}
	return device, nil
}

// initialStatus is pending only when both the platform and the device take
// part in the ledger.
func (g *Gateway) initialStatus(device storage.Device) storage.LedgerStatus {
	if g.opts.LedgerEnabled && device.LedgerEnabled {
		return storage.StatusPending
	}
	return storage.StatusSent
}

func (g *Gateway) store(ctx context.Context, device storage.Device, r reading, sig string) (storage.Reading, error) {
	conflict := errs.New(errs.Conflict, "reading already exists for this timestamp")

	exists, err := g.readings.ReadingExists(ctx, device.ID, r.timestamp)
	if err != nil {
		return storage.Reading{}, errs.Wrap(errs.Internal, "failed to store reading", err)
	}
	if exists {
		return storage.Reading{}, conflict
	}

	stored, err := g.readings.InsertReading(ctx, storage.Reading{
		ID:              uuid.New(),
		DeviceID:        device.ID,
		DeviceTimestamp: r.timestamp,
		EnergyKWh:       r.energy,
		VoltageV:        r.voltage,
		CurrentA:        r.current,
		FrequencyHz:     r.frequency,
		RawPayload:      r.raw,
		Signature:       sig,
		Status:          g.initialStatus(device),
	})
	if errors.Is(err, storage.ErrDuplicate) {
		return storage.Reading{}, conflict
	}
	if err != nil {
		return storage.Reading{}, errs.Wrap(errs.Internal, "failed to store reading", err)
	}
	return stored, nil
}

func (g *Gateway) touch(ctx context.Context, id uuid.UUID) {
	touchCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), g.opts.TouchTimeout)
	defer cancel()
	if err := g.devices.TouchDevice(touchCtx, id, g.now().UTC()); err != nil {
		g.logger.Warn().Err(err).Str("device_id", id.String()).Msg("update last seen failed")
	}
}

func (g *Gateway) publish(ctx context.Context, r storage.Reading) {
	err := g.publisher.Publish(ctx, events.Event{
		Type:       events.ReadingIngested,
		ReadingID:  r.ID.String(),
		DeviceID:   r.DeviceID.String(),
		EnergyKWh:  r.EnergyKWh.String(),
		Status:     string(r.Status),
		OccurredAt: g.now().UTC(),
	})
	if err != nil {
		g.logger.Warn().Err(err).Str("reading_id", r.ID.String()).Msg("publish ingested event failed")
	}
}
