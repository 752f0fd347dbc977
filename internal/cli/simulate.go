package cli

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"voltchain/internal/app"
)

var (
	simulateURL      string
	simulateDevice   string
	simulateSecret   string
	simulateCount    int
	simulateInterval time.Duration
	simulateMin      string
	simulateMax      string
	simulateVoltage  string
	simulateSkew     time.Duration
)

var simulateCmd = &cobra.Command{
	Use:   "simulate",
	Short: "Send signed device readings to a running gateway",
	RunE: func(cmd *cobra.Command, args []string) error {
		minKWh, err := decimal.NewFromString(simulateMin)
		if err != nil {
			return fmt.Errorf("invalid --min value: %w", err)
		}
		maxKWh, err := decimal.NewFromString(simulateMax)
		if err != nil {
			return fmt.Errorf("invalid --max value: %w", err)
		}
		voltage := decimal.Zero
		if simulateVoltage != "" {
			if voltage, err = decimal.NewFromString(simulateVoltage); err != nil {
				return fmt.Errorf("invalid --voltage value: %w", err)
			}
		}

		stats, err := getApp().Simulate(cmd.Context(), app.SimulateOptions{
			BaseURL:   simulateURL,
			DeviceID:  simulateDevice,
			Secret:    simulateSecret,
			Count:     simulateCount,
			Interval:  simulateInterval,
			MinKWh:    minKWh,
			MaxKWh:    maxKWh,
			Voltage:   voltage,
			ClockSkew: simulateSkew,
		})
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "sent %d, accepted %d, rejected %d, energy %s kWh\n",
			stats.Sent, stats.Accepted, stats.Rejected, stats.Energy)
		return nil
	},
}

func init() {
	simulateCmd.Flags().StringVar(&simulateURL, "url", "http://localhost:8080", "Gateway base URL")
	simulateCmd.Flags().StringVar(&simulateDevice, "device", "", "Device id")
	simulateCmd.Flags().StringVar(&simulateSecret, "secret", "", "Device secret")
	simulateCmd.Flags().IntVar(&simulateCount, "count", 10, "Number of readings to send")
	simulateCmd.Flags().DurationVar(&simulateInterval, "interval", 30*time.Second, "Delay between readings")
	simulateCmd.Flags().StringVar(&simulateMin, "min", "0.001", "Minimum kWh per reading")
	simulateCmd.Flags().StringVar(&simulateMax, "max", "0.005", "Maximum kWh per reading")
	simulateCmd.Flags().StringVar(&simulateVoltage, "voltage", "", "Voltage to report with each reading")
	simulateCmd.Flags().DurationVar(&simulateSkew, "skew", 0, "Offset applied to the request timestamp to mimic clock drift")
	_ = simulateCmd.MarkFlagRequired("device")
	_ = simulateCmd.MarkFlagRequired("secret")
}
