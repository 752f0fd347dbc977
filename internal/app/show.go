package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/shopspring/decimal"

	"voltchain/internal/devices"
	"voltchain/internal/storage"
)

// Show prints recent readings for one device, or the oldest readings in one
// ledger status when no device is given.
func (a *App) Show(ctx context.Context, out io.Writer, opts ShowOptions) error {
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	var readings []storage.Reading
	switch {
	case opts.DeviceID != "":
		views, err := a.deviceService(store).Readings(ctx, opts.DeviceID, opts.Limit)
		if err != nil {
			return err
		}
		return printReadingViews(out, views)
	case opts.Status != "":
		status := storage.LedgerStatus(strings.ToLower(opts.Status))
		if status != storage.StatusPending && status != storage.StatusSent && status != storage.StatusFailed {
			return fmt.Errorf("unknown status %q", opts.Status)
		}
		readings, err = store.ListReadingsByStatus(ctx, status, opts.Limit)
	default:
		return errors.New("one of --device or --status is required")
	}
	if err != nil {
		return err
	}
	if len(readings) == 0 {
		fmt.Fprintln(out, "no readings found")
		return nil
	}

	writer := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Device Time (UTC)\tDevice\tkWh\tStatus\tAttempts\tLedger Ref\tError")
	for _, r := range readings {
		fmt.Fprintf(writer, "%s\t%s\t%s\t%s\t%d\t%s\t%s\n",
			r.DeviceTimestamp.UTC().Format(time.RFC3339),
			r.DeviceID,
			formatDecimal(r.EnergyKWh, 3),
			r.Status,
			r.Attempts,
			deref(r.LedgerRef),
			sanitizeInline(deref(r.LedgerError)),
		)
	}
	return writer.Flush()
}

func printReadingViews(out io.Writer, views []devices.ReadingView) error {
	if len(views) == 0 {
		fmt.Fprintln(out, "no readings found")
		return nil
	}
	writer := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Device Time (UTC)\tkWh\tVoltage\tCurrent\tStatus\tLedger Ref")
	for _, v := range views {
		fmt.Fprintf(writer, "%s\t%s\t%s\t%s\t%s\t%s\n",
			v.DeviceTimestamp.UTC().Format(time.RFC3339),
			v.EnergyKWh,
			deref(v.VoltageV),
			deref(v.CurrentA),
			v.Status,
			deref(v.LedgerRef),
		)
	}
	return writer.Flush()
}

func (a *App) deviceService(store devices.Store) *devices.Service {
	return devices.NewService(store, devices.Limits{
		Default: a.Config.Ingest.ReadingsDefLimit,
		Max:     a.Config.Ingest.ReadingsMaxLimit,
	}, a.Logger)
}

// CreateDevice provisions a device and prints its one-time secret.
func (a *App) CreateDevice(ctx context.Context, out io.Writer, req devices.CreateRequest) error {
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	created, err := a.deviceService(store).Create(ctx, req)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "device_id: %s\ndevice_secret: %s\n", created.DeviceID, created.Secret)
	fmt.Fprintln(out, "store the secret now; it is not shown again")
	return nil
}

// ListDevices prints provisioned devices without secrets.
func (a *App) ListDevices(ctx context.Context, out io.Writer) error {
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	list, err := a.deviceService(store).List(ctx)
	if err != nil {
		return err
	}
	if len(list) == 0 {
		fmt.Fprintln(out, "no devices found")
		return nil
	}

	writer := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "ID\tName\tUser\tActive\tLedger\tLast Seen (UTC)")
	for _, d := range list {
		lastSeen := ""
		if d.LastSeenAt != nil {
			lastSeen = d.LastSeenAt.UTC().Format(time.RFC3339)
		}
		fmt.Fprintf(writer, "%s\t%s\t%s\t%t\t%t\t%s\n", d.ID, d.Name, deref(d.UserID), d.Active, d.LedgerEnabled, lastSeen)
	}
	return writer.Flush()
}

func formatDecimal(d decimal.Decimal, places int32) string {
	return d.StringFixed(places)
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func sanitizeInline(v string) string {
	cleaned := strings.ReplaceAll(v, "\n", " ")
	return strings.ReplaceAll(cleaned, "\r", " ")
}
