package app

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand/v2"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"voltchain/internal/signature"
	"voltchain/internal/version"
)

// SimulateOptions describe a stream of signed device readings.
type SimulateOptions struct {
	BaseURL   string
	DeviceID  string
	Secret    string
	Count     int
	Interval  time.Duration
	MinKWh    decimal.Decimal
	MaxKWh    decimal.Decimal
	Voltage   decimal.Decimal
	Timeout   time.Duration
	ClockSkew time.Duration
}

// SimulateStats summarise a simulation run.
type SimulateStats struct {
	Sent     int
	Accepted int
	Rejected int
	Energy   decimal.Decimal
}

type simulator struct {
	opts   SimulateOptions
	client *http.Client
	rng    *rand.Rand
	now    func() time.Time
	logger zerolog.Logger
}

// Simulate signs readings like a field device and posts them to a running
// gateway. Rejections are logged and counted, not returned.
func (a *App) Simulate(ctx context.Context, opts SimulateOptions) (SimulateStats, error) {
	sim, err := newSimulator(opts, a.Logger)
	if err != nil {
		return SimulateStats{}, err
	}
	stats, err := sim.run(ctx)
	a.Logger.Info().
		Int("sent", stats.Sent).
		Int("accepted", stats.Accepted).
		Int("rejected", stats.Rejected).
		Str("energy_kwh", stats.Energy.String()).
		Msg("simulation finished")
	return stats, err
}

func newSimulator(opts SimulateOptions, logger zerolog.Logger) (*simulator, error) {
	if opts.BaseURL == "" || opts.DeviceID == "" || opts.Secret == "" {
		return nil, errors.New("base url, device id and secret are required")
	}
	if opts.Count <= 0 {
		opts.Count = 1
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	if opts.MaxKWh.LessThan(opts.MinKWh) {
		return nil, errors.New("max kWh must not be below min kWh")
	}
	return &simulator{
		opts:   opts,
		client: &http.Client{Timeout: opts.Timeout},
		rng:    rand.New(rand.NewPCG(uint64(time.Now().UnixNano()), 0x766f6c74)),
		now:    time.Now,
		logger: logger.With().Str("component", "simulator").Str("device_id", opts.DeviceID).Logger(),
	}, nil
}

func (s *simulator) run(ctx context.Context) (SimulateStats, error) {
	stats := SimulateStats{Energy: decimal.Zero}
	for i := 0; i < s.opts.Count; i++ {
		if i > 0 && s.opts.Interval > 0 {
			timer := time.NewTimer(s.opts.Interval)
			select {
			case <-ctx.Done():
				timer.Stop()
				return stats, ctx.Err()
			case <-timer.C:
			}
		}
		if err := ctx.Err(); err != nil {
			return stats, err
		}

		energy := s.nextEnergy()
		stats.Sent++
		if err := s.send(ctx, energy); err != nil {
			stats.Rejected++
			s.logger.Warn().Err(err).Int("seq", i+1).Msg("reading rejected")
			continue
		}
		stats.Accepted++
		stats.Energy = stats.Energy.Add(energy)
		s.logger.Debug().Int("seq", i+1).Str("energy_kwh", energy.String()).Msg("reading accepted")
	}
	return stats, nil
}

// nextEnergy draws a reading in [min, max] with three decimals.
func (s *simulator) nextEnergy() decimal.Decimal {
	span := s.opts.MaxKWh.Sub(s.opts.MinKWh)
	if span.IsZero() {
		return s.opts.MinKWh
	}
	frac := decimal.NewFromFloat(s.rng.Float64())
	return s.opts.MinKWh.Add(span.Mul(frac)).Round(3)
}

type simulatedPayload struct {
	DeviceTimestamp string       `json:"ts_device"`
	Energy          json.Number  `json:"energy_generated_kwh"`
	Voltage         *json.Number `json:"voltage_v,omitempty"`
}

func (s *simulator) send(ctx context.Context, energy decimal.Decimal) error {
	now := s.now().UTC()
	requestTS := strconv.FormatInt(now.Add(s.opts.ClockSkew).UnixMilli(), 10)
	deviceTS := now.Format(time.RFC3339Nano)

	payload := simulatedPayload{
		DeviceTimestamp: deviceTS,
		Energy:          json.Number(signature.CanonicalEnergy(energy)),
	}
	if !s.opts.Voltage.IsZero() {
		v := json.Number(s.opts.Voltage.String())
		payload.Voltage = &v
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	msg, err := signature.Message{
		DeviceID:         s.opts.DeviceID,
		RequestTimestamp: requestTS,
		DeviceTimestamp:  deviceTS,
		Energy:           energy,
	}.Canonical()
	if err != nil {
		return err
	}

	url := strings.TrimRight(s.opts.BaseURL, "/") + "/v1/ingest"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", version.UserAgent())
	req.Header.Set("x-device-id", s.opts.DeviceID)
	req.Header.Set("x-timestamp", requestTS)
	req.Header.Set("x-signature", signature.Sign(s.opts.Secret, msg))

	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		var apiErr struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(data, &apiErr) == nil && apiErr.Error != "" {
			return fmt.Errorf("gateway returned %d: %s", resp.StatusCode, apiErr.Error)
		}
		return fmt.Errorf("gateway returned %d", resp.StatusCode)
	}
	return nil
}
