package devices

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"voltchain/internal/errs"
	"voltchain/internal/signature"
	"voltchain/internal/storage"
)

// Store is the persistence the device service needs.
type Store interface {
	CreateDevice(ctx context.Context, device storage.Device) (storage.Device, error)
	GetDevice(ctx context.Context, id uuid.UUID) (storage.Device, error)
	ListDevices(ctx context.Context) ([]storage.Device, error)
	ListDeviceReadings(ctx context.Context, deviceID uuid.UUID, limit int) ([]storage.Reading, error)
}

// CreateRequest describes a device to provision.
type CreateRequest struct {
	Name          string          `json:"name"`
	UserID        string          `json:"user_id,omitempty"`
	Location      json.RawMessage `json:"location,omitempty"`
	LedgerEnabled bool            `json:"ledger_enabled"`
}

// Provisioned is returned once per device and is the only place the secret
// is ever shown.
type Provisioned struct {
	DeviceID  string    `json:"device_id"`
	Secret    string    `json:"device_secret"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
}

// Summary is the public view of a device.
type Summary struct {
	ID            string          `json:"id"`
	Name          string          `json:"name"`
	UserID        *string         `json:"user_id,omitempty"`
	Active        bool            `json:"active"`
	LedgerEnabled bool            `json:"ledger_enabled"`
	Location      json.RawMessage `json:"location,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
	LastSeenAt    *time.Time      `json:"last_seen_at,omitempty"`
}

// ReadingView is the public view of a stored reading.
type ReadingView struct {
	ID              string          `json:"id"`
	DeviceTimestamp time.Time       `json:"ts_device"`
	EnergyKWh       string          `json:"energy_generated_kwh"`
	VoltageV        *string         `json:"voltage_v,omitempty"`
	CurrentA        *string         `json:"current_a,omitempty"`
	FrequencyHz     *string         `json:"frequency_hz,omitempty"`
	Status          string          `json:"ledger_status"`
	LedgerRef       *string         `json:"ledger_ref,omitempty"`
	Attempts        int             `json:"ledger_attempts"`
	RawPayload      json.RawMessage `json:"raw_payload,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
}

// Limits bound reading queries.
type Limits struct {
	Default int
	Max     int
}

// Service provisions devices and serves read-only device views.
type Service struct {
	store  Store
	limits Limits
	logger zerolog.Logger
}

// NewService builds a device service.
func NewService(store Store, limits Limits, logger zerolog.Logger) *Service {
	if limits.Max <= 0 {
		limits.Max = 1000
	}
	if limits.Default <= 0 || limits.Default > limits.Max {
		limits.Default = 100
	}
	return &Service{store: store, limits: limits, logger: logger.With().Str("component", "devices").Logger()}
}

// Create provisions an active device with a fresh shared secret.
func (s *Service) Create(ctx context.Context, req CreateRequest) (Provisioned, error) {
	name := strings.TrimSpace(req.Name)
	if name == "" {
		return Provisioned{}, errs.New(errs.BadRequest, "device name is required")
	}
	if len(req.Location) > 0 && !json.Valid(req.Location) {
		return Provisioned{}, errs.New(errs.BadRequest, "location must be valid JSON")
	}

	secret, err := signature.GenerateSecret()
	if err != nil {
		return Provisioned{}, errs.Wrap(errs.Internal, "failed to create device", err)
	}

	device := storage.Device{
		ID:            uuid.New(),
		Name:          name,
		Secret:        secret,
		Location:      req.Location,
		Active:        true,
		LedgerEnabled: req.LedgerEnabled,
	}
	if user := strings.TrimSpace(req.UserID); user != "" {
		device.UserID = &user
	}

	created, err := s.store.CreateDevice(ctx, device)
	if err != nil {
		return Provisioned{}, errs.Wrap(errs.Internal, "failed to create device", err)
	}

	s.logger.Info().Str("device_id", created.ID.String()).Str("name", created.Name).Msg("device provisioned")
	return Provisioned{
		DeviceID:  created.ID.String(),
		Secret:    created.Secret,
		Name:      created.Name,
		CreatedAt: created.CreatedAt,
	}, nil
}

// List returns every device without secrets, newest first.
func (s *Service) List(ctx context.Context) ([]Summary, error) {
	devices, err := s.store.ListDevices(ctx)
	if err != nil {
		return nil, errs.Wrap(errs.Internal, "failed to fetch devices", err)
	}
	out := make([]Summary, 0, len(devices))
	for _, d := range devices {
		out = append(out, summarize(d))
	}
	return out, nil
}

// Readings lists a device's readings, newest device timestamp first. A zero
// limit selects the default.
func (s *Service) Readings(ctx context.Context, deviceRef string, limit int) ([]ReadingView, error) {
	if limit < 0 {
		return nil, errs.New(errs.BadRequest, "limit must be positive")
	}
	if limit == 0 {
		limit = s.limits.Default
	}
	if limit > s.limits.Max {
		return nil, errs.New(errs.BadRequest, "limit cannot exceed "+strconv.Itoa(s.limits.Max))
	}

	id, err := uuid.Parse(strings.TrimSpace(deviceRef))
	if err != nil {
		return nil, errs.New(errs.NotFound, "device not found")
	}
	if _, err := s.store.GetDevice(ctx, id); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, errs.New(errs.NotFound, "device not found")
		}
		return nil, errs.Wrap(errs.Internal, "failed to fetch readings", err)
	}

	readings, err := s.store.ListDeviceReadings(ctx, id, limit)
	if err != nil {
		return nil, errs.Wrap(errs.Internal, "failed to fetch readings", err)
	}
	out := make([]ReadingView, 0, len(readings))
	for _, r := range readings {
		out = append(out, viewReading(r))
	}
	return out, nil
}

func summarize(d storage.Device) Summary {
	return Summary{
		ID:            d.ID.String(),
		Name:          d.Name,
		UserID:        d.UserID,
		Active:        d.Active,
		LedgerEnabled: d.LedgerEnabled,
		Location:      d.Location,
		CreatedAt:     d.CreatedAt,
		LastSeenAt:    d.LastSeenAt,
	}
}

func viewReading(r storage.Reading) ReadingView {
	return ReadingView{
		ID:              r.ID.String(),
		DeviceTimestamp: r.DeviceTimestamp,
		EnergyKWh:       r.EnergyKWh.String(),
		VoltageV:        decimalString(r.VoltageV),
		CurrentA:        decimalString(r.CurrentA),
		FrequencyHz:     decimalString(r.FrequencyHz),
		Status:          string(r.Status),
		LedgerRef:       r.LedgerRef,
		Attempts:        r.Attempts,
		RawPayload:      r.RawPayload,
		CreatedAt:       r.CreatedAt,
	}
}

func decimalString(d *decimal.Decimal) *string {
	if d == nil {
		return nil
	}
	s := d.String()
	return &s
}
