package app

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	chart "github.com/wcharczuk/go-chart/v2"

	"voltchain/internal/storage"
)

const defaultExportWindow = 7 * 24 * time.Hour

// Export renders device readings as CSV and/or a production chart PNG.
func (a *App) Export(ctx context.Context, opts ExportOptions) error {
	if opts.CSVPath == "" && opts.PNGPath == "" {
		return errors.New("at least one of --csv or --png must be provided")
	}
	opts.MaxPoints = a.Config.ResolveMaxPoints(opts.MaxPoints)

	var deviceID *uuid.UUID
	if ref := strings.TrimSpace(opts.DeviceID); ref != "" {
		id, err := uuid.Parse(ref)
		if err != nil {
			return fmt.Errorf("invalid --device value: %w", err)
		}
		deviceID = &id
	}

	to := time.Now().UTC()
	if opts.To != nil {
		to = opts.To.UTC()
	}
	from := to.Add(-defaultExportWindow)
	if opts.From != nil {
		from = opts.From.UTC()
	}
	if !from.Before(to) {
		return errors.New("from must be before to")
	}

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	readings, err := store.ListReadingsBetween(ctx, deviceID, from, to)
	if err != nil {
		return err
	}
	if len(readings) == 0 {
		a.Logger.Info().Time("from", from).Time("to", to).Msg("no readings found for export window")
		return nil
	}

	if opts.CSVPath != "" {
		if err := writeReadingsCSV(opts.CSVPath, readings); err != nil {
			return err
		}
	}

	if opts.PNGPath != "" {
		points := productionSeries(readings)
		downsampled := downsamplePoints(points, opts.MaxPoints)
		a.Logger.Info().Int("total", len(points)).Int("plotted", len(downsampled)).Msg("rendering production chart")
		if err := writeProductionPNG(opts.PNGPath, downsampled); err != nil {
			return err
		}
	}

	a.Logger.Info().Int("readings", len(readings)).Msg("export complete")
	return nil
}

type productionPoint struct {
	At         time.Time
	Energy     float64
	Cumulative float64
}

// productionSeries expects readings ordered by device timestamp.
func productionSeries(readings []storage.Reading) []productionPoint {
	points := make([]productionPoint, 0, len(readings))
	total := decimal.Zero
	for _, r := range readings {
		total = total.Add(r.EnergyKWh)
		points = append(points, productionPoint{
			At:         r.DeviceTimestamp,
			Energy:     r.EnergyKWh.InexactFloat64(),
			Cumulative: total.InexactFloat64(),
		})
	}
	return points
}

func downsamplePoints(points []productionPoint, max int) []productionPoint {
	if max <= 1 || len(points) <= max {
		return points
	}

	result := make([]productionPoint, 0, max)
	step := float64(len(points)-1) / float64(max-1)
	for i := 0; i < max; i++ {
		idx := int(math.Round(step * float64(i)))
		if idx >= len(points) {
			idx = len(points) - 1
		}
		result = append(result, points[idx])
	}
	return result
}

func writeReadingsCSV(path string, readings []storage.Reading) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	header := []string{"ts_device", "device_id", "energy_generated_kwh", "voltage_v", "current_a", "frequency_hz", "ledger_status", "ledger_ref"}
	if err := writer.Write(header); err != nil {
		return err
	}

	for _, r := range readings {
		record := []string{
			r.DeviceTimestamp.UTC().Format(time.RFC3339Nano),
			r.DeviceID.String(),
			r.EnergyKWh.String(),
			optionalString(r.VoltageV),
			optionalString(r.CurrentA),
			optionalString(r.FrequencyHz),
			string(r.Status),
			deref(r.LedgerRef),
		}
		if err := writer.Write(record); err != nil {
			return err
		}
	}

	writer.Flush()
	return writer.Error()
}

func writeProductionPNG(path string, points []productionPoint) error {
	if len(points) < 2 {
		return errors.New("at least two readings are needed to draw a chart")
	}
	if err := ensureDir(path); err != nil {
		return err
	}

	x := make([]time.Time, len(points))
	energy := make([]float64, len(points))
	cumulative := make([]float64, len(points))
	for i, p := range points {
		x[i] = p.At
		energy[i] = p.Energy
		cumulative[i] = p.Cumulative
	}

	kwhFormatter := func(v interface{}) string {
		return chart.FloatValueFormatterWithFormat(v, "%.2f")
	}
	graph := chart.Chart{
		Width:  1280,
		Height: 720,
		XAxis: chart.XAxis{
			ValueFormatter: chart.TimeValueFormatter,
		},
		YAxis: chart.YAxis{
			Name:           "Reading (kWh)",
			ValueFormatter: kwhFormatter,
		},
		YAxisSecondary: chart.YAxis{
			Name:           "Cumulative (kWh)",
			ValueFormatter: kwhFormatter,
		},
		Series: []chart.Series{
			chart.TimeSeries{
				Name:    "Per reading",
				XValues: x,
				YValues: energy,
			},
			chart.TimeSeries{
				Name:    "Cumulative",
				XValues: x,
				YValues: cumulative,
				YAxis:   chart.YAxisSecondary,
			},
		},
	}
	graph.Elements = []chart.Renderable{chart.Legend(&graph)}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	return graph.Render(chart.PNG, file)
}

func ensureDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "." || dir == "" {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}

func optionalString(d *decimal.Decimal) string {
	if d == nil {
		return ""
	}
	return d.String()
}
