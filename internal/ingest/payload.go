package ingest

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"voltchain/internal/errs"
)

// Payload is the JSON body a device submits. Numbers are kept as written so
// the canonical energy string is exact.
type Payload struct {
	DeviceTimestamp string       `json:"ts_device"`
	Energy          *json.Number `json:"energy_generated_kwh"`
	VoltageV        *json.Number `json:"voltage_v,omitempty"`
	CurrentA        *json.Number `json:"current_a,omitempty"`
	FrequencyHz     *json.Number `json:"frequency_hz,omitempty"`
}

// reading is a validated payload.
type reading struct {
	rawTimestamp string
	timestamp    time.Time
	energy       decimal.Decimal
	voltage      *decimal.Decimal
	current      *decimal.Decimal
	frequency    *decimal.Decimal
	raw          json.RawMessage
}

func decodePayload(body []byte) (Payload, error) {
	var p Payload
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	if err := dec.Decode(&p); err != nil {
		return Payload{}, errs.Wrap(errs.BadRequest, "request body must be a JSON object", err)
	}
	return p, nil
}

func (p Payload) validate() (reading, error) {
	ts := strings.TrimSpace(p.DeviceTimestamp)
	if ts == "" || p.Energy == nil {
		return reading{}, errs.New(errs.BadRequest, "missing required fields: ts_device, energy_generated_kwh")
	}

	parsedTS, err := parseDeviceTimestamp(ts)
	if err != nil {
		return reading{}, errs.Wrap(errs.BadRequest, "ts_device must be an RFC 3339 timestamp", err)
	}
	// timestamptz keeps microseconds; finer values would collide on the
	// (device_id, ts_device) key.
	if parsedTS.Nanosecond()%int(time.Microsecond) != 0 {
		return reading{}, errs.New(errs.BadRequest, "ts_device supports at most microsecond precision")
	}

	energy, err := decimal.NewFromString(p.Energy.String())
	if err != nil {
		return reading{}, errs.Wrap(errs.BadRequest, "energy_generated_kwh must be a number", err)
	}

	r := reading{rawTimestamp: p.DeviceTimestamp, timestamp: parsedTS, energy: energy}
	if r.voltage, err = optionalNumber(p.VoltageV, "voltage_v"); err != nil {
		return reading{}, err
	}
	if r.current, err = optionalNumber(p.CurrentA, "current_a"); err != nil {
		return reading{}, err
	}
	if r.frequency, err = optionalNumber(p.FrequencyHz, "frequency_hz"); err != nil {
		return reading{}, err
	}

	raw, err := json.Marshal(p)
	if err != nil {
		return reading{}, errs.Wrap(errs.Internal, "encode payload", err)
	}
	r.raw = raw
	return r, nil
}

func parseDeviceTimestamp(v string) (time.Time, error) {
	ts, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		return time.Time{}, err
	}
	return ts.UTC(), nil
}

func optionalNumber(n *json.Number, field string) (*decimal.Decimal, error) {
	if n == nil {
		return nil, nil
	}
	d, err := decimal.NewFromString(n.String())
	if err != nil {
		return nil, errs.Wrap(errs.BadRequest, fmt.Sprintf("%s must be a number", field), err)
	}
	return &d, nil
}
