package devices

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"voltchain/internal/errs"
	"voltchain/internal/storage"
)

type memDevices struct {
	devices  []storage.Device
	readings []storage.Reading
	lastLim  int
	fail     error
}

func (m *memDevices) CreateDevice(_ context.Context, d storage.Device) (storage.Device, error) {
	if m.fail != nil {
		return storage.Device{}, m.fail
	}
	d.CreatedAt = time.Now()
	m.devices = append(m.devices, d)
	return d, nil
}

func (m *memDevices) GetDevice(_ context.Context, id uuid.UUID) (storage.Device, error) {
	for _, d := range m.devices {
		if d.ID == id {
			return d, nil
		}
	}
	return storage.Device{}, storage.ErrNotFound
}

func (m *memDevices) ListDevices(context.Context) ([]storage.Device, error) {
	return m.devices, m.fail
}

func (m *memDevices) ListDeviceReadings(_ context.Context, id uuid.UUID, limit int) ([]storage.Reading, error) {
	m.lastLim = limit
	var out []storage.Reading
	for _, r := range m.readings {
		if r.DeviceID == id && len(out) < limit {
			out = append(out, r)
		}
	}
	return out, nil
}

func requireKind(t *testing.T, err error, kind errs.Kind) {
	t.Helper()
	if err == nil || errs.KindOf(err) != kind {
		t.Fatalf("expected %s error, got %v", kind, err)
	}
}

func TestCreateProvisionsActiveDevice(t *testing.T) {
	store := &memDevices{}
	svc := NewService(store, Limits{}, zerolog.Nop())

	got, err := svc.Create(context.Background(), CreateRequest{
		Name:     "  roof-panel-1 ",
		UserID:   "alice",
		Location: json.RawMessage(`{"lat":1.5,"lng":2}`),
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if got.Name != "roof-panel-1" || got.Secret == "" {
		t.Fatalf("unexpected result %+v", got)
	}
	if _, err := uuid.Parse(got.DeviceID); err != nil {
		t.Fatalf("device id is not a uuid: %q", got.DeviceID)
	}

	stored := store.devices[0]
	if !stored.Active || stored.LedgerEnabled {
		t.Fatalf("new devices are active and off-ledger by default, got %+v", stored)
	}
	if stored.UserID == nil || *stored.UserID != "alice" {
		t.Fatalf("user id not stored: %v", stored.UserID)
	}
	if stored.Secret != got.Secret {
		t.Fatal("returned secret must match the stored one")
	}

	second, err := svc.Create(context.Background(), CreateRequest{Name: "other"})
	if err != nil {
		t.Fatal(err)
	}
	if second.Secret == got.Secret {
		t.Fatal("secrets must be unique per device")
	}
}

func TestCreateValidation(t *testing.T) {
	svc := NewService(&memDevices{}, Limits{}, zerolog.Nop())

	_, err := svc.Create(context.Background(), CreateRequest{Name: "   "})
	requireKind(t, err, errs.BadRequest)

	_, err = svc.Create(context.Background(), CreateRequest{Name: "x", Location: json.RawMessage(`{bad`)})
	requireKind(t, err, errs.BadRequest)

	failing := NewService(&memDevices{fail: errors.New("db down")}, Limits{}, zerolog.Nop())
	_, err = failing.Create(context.Background(), CreateRequest{Name: "x"})
	requireKind(t, err, errs.Internal)
	if strings.Contains(errs.PublicMessage(err), "db down") {
		t.Fatal("internal causes must not leak")
	}
}

func TestListOmitsSecrets(t *testing.T) {
	store := &memDevices{}
	svc := NewService(store, Limits{}, zerolog.Nop())
	if _, err := svc.Create(context.Background(), CreateRequest{Name: "a", LedgerEnabled: true}); err != nil {
		t.Fatal(err)
	}

	list, err := svc.List(context.Background())
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 1 || !list[0].LedgerEnabled {
		t.Fatalf("unexpected list %+v", list)
	}

	raw, err := json.Marshal(list)
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(string(raw), store.devices[0].Secret) || strings.Contains(string(raw), "secret") {
		t.Fatalf("secret leaked in listing: %s", raw)
	}
}

func TestReadingsLimits(t *testing.T) {
	store := &memDevices{}
	svc := NewService(store, Limits{Default: 100, Max: 1000}, zerolog.Nop())
	created, err := svc.Create(context.Background(), CreateRequest{Name: "a"})
	if err != nil {
		t.Fatal(err)
	}
	id := uuid.MustParse(created.DeviceID)
	v := decimal.RequireFromString("230.5")
	store.readings = []storage.Reading{{
		ID:        uuid.New(),
		DeviceID:  id,
		EnergyKWh: decimal.RequireFromString("1.25"),
		VoltageV:  &v,
		Status:    storage.StatusPending,
	}}

	readings, err := svc.Readings(context.Background(), created.DeviceID, 0)
	if err != nil {
		t.Fatalf("readings: %v", err)
	}
	if store.lastLim != 100 {
		t.Fatalf("default limit = %d, want 100", store.lastLim)
	}
	if len(readings) != 1 || readings[0].EnergyKWh != "1.25" || *readings[0].VoltageV != "230.5" || readings[0].CurrentA != nil {
		t.Fatalf("unexpected readings %+v", readings)
	}
	if readings[0].Status != "pending" {
		t.Fatalf("status = %q", readings[0].Status)
	}

	if _, err := svc.Readings(context.Background(), created.DeviceID, 1000); err != nil {
		t.Fatalf("limit at max must pass: %v", err)
	}
	_, err = svc.Readings(context.Background(), created.DeviceID, 1001)
	requireKind(t, err, errs.BadRequest)
	_, err = svc.Readings(context.Background(), created.DeviceID, -1)
	requireKind(t, err, errs.BadRequest)

	_, err = svc.Readings(context.Background(), uuid.NewString(), 10)
	requireKind(t, err, errs.NotFound)
	_, err = svc.Readings(context.Background(), "not-a-uuid", 10)
	requireKind(t, err, errs.NotFound)
}
