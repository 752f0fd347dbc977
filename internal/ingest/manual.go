package ingest

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"

	"github.com/google/uuid"

	"voltchain/internal/errs"
	"voltchain/internal/storage"
)

type manualBody struct {
	DeviceID string `json:"device_id"`
	Payload
}

// RecordManual stores an operator-entered reading. It skips the signature and
// freshness checks but keeps the duplicate rule and the ledger status rule.
func (g *Gateway) RecordManual(ctx context.Context, body []byte) (Result, error) {
	var in manualBody
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	if err := dec.Decode(&in); err != nil {
		return Result{}, errs.Wrap(errs.BadRequest, "request body must be a JSON object", err)
	}
	if strings.TrimSpace(in.DeviceID) == "" {
		return Result{}, errs.New(errs.BadRequest, "device_id, ts_device, energy_generated_kwh are required")
	}

	r, err := in.Payload.validate()
	if err != nil {
		return Result{}, err
	}

	notFound := errs.New(errs.NotFound, "device not found")
	id, err := uuid.Parse(strings.TrimSpace(in.DeviceID))
	if err != nil {
		return Result{}, notFound
	}
	device, err := g.devices.GetDevice(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		return Result{}, notFound
	}
	if err != nil {
		return Result{}, errs.Wrap(errs.Internal, "failed to load device", err)
	}

	stored, err := g.store(ctx, device, r, AdminSignature)
	if err != nil {
		return Result{}, err
	}
	g.publish(ctx, stored)

	g.logger.Info().
		Str("device_id", device.ID.String()).
		Str("reading_id", stored.ID.String()).
		Msg("manual reading recorded")
	return Result{Stored: true, ReadingID: stored.ID.String(), Status: stored.Status}, nil
}
