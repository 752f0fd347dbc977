package cli

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"voltchain/internal/devices"
)

var (
	deviceName     string
	deviceUser     string
	deviceLocation string
	deviceLedger   bool
)

var deviceCmd = &cobra.Command{
	Use:   "device",
	Short: "Provision and list devices",
}

var deviceCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Provision a device and print its secret once",
	RunE: func(cmd *cobra.Command, args []string) error {
		req := devices.CreateRequest{
			Name:          deviceName,
			UserID:        deviceUser,
			LedgerEnabled: deviceLedger,
		}
		if deviceLocation != "" {
			if !json.Valid([]byte(deviceLocation)) {
				return fmt.Errorf("--location must be valid JSON")
			}
			req.Location = json.RawMessage(deviceLocation)
		}
		return getApp().CreateDevice(cmd.Context(), cmd.OutOrStdout(), req)
	},
}

var deviceListCmd = &cobra.Command{
	Use:   "list",
	Short: "List devices without their secrets",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().ListDevices(cmd.Context(), cmd.OutOrStdout())
	},
}

func init() {
	deviceCreateCmd.Flags().StringVar(&deviceName, "name", "", "Device name")
	deviceCreateCmd.Flags().StringVar(&deviceUser, "user", "", "Owning user id")
	deviceCreateCmd.Flags().StringVar(&deviceLocation, "location", "", `Location as JSON, e.g. {"lat":-23.5,"lng":-46.6}`)
	deviceCreateCmd.Flags().BoolVar(&deviceLedger, "ledger", false, "Submit this device's readings to the ledger")
	_ = deviceCreateCmd.MarkFlagRequired("name")

	deviceCmd.AddCommand(deviceCreateCmd)
	deviceCmd.AddCommand(deviceListCmd)
}
