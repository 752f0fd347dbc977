package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"voltchain/internal/app"
)

var (
	showDevice string
	showStatus string
	showLimit  int
)

var readingsCmd = &cobra.Command{
	Use:   "readings",
	Short: "Inspect stored readings",
}

var readingsShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Display recent readings of a device or readings in a ledger status",
	RunE: func(cmd *cobra.Command, args []string) error {
		if showLimit <= 0 {
			return fmt.Errorf("--limit must be greater than zero")
		}
		return getApp().Show(cmd.Context(), cmd.OutOrStdout(), app.ShowOptions{
			DeviceID: showDevice,
			Status:   showStatus,
			Limit:    showLimit,
		})
	},
}

func init() {
	readingsShowCmd.Flags().StringVar(&showDevice, "device", "", "Device id")
	readingsShowCmd.Flags().StringVar(&showStatus, "status", "", "Ledger status: pending, sent or failed")
	readingsShowCmd.Flags().IntVar(&showLimit, "limit", 20, "Number of readings to display")
	readingsCmd.AddCommand(readingsShowCmd)
}
