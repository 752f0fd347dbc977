package cli

import (
	"fmt"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"voltchain/internal/app"
)

var (
	saleKWh     string
	saleRevenue int64
	saleFeeBps  int
	saleID      int64
	claimUser   string
	claimBurned string
	settleCSV   string
)

var saleCmd = &cobra.Command{
	Use:   "sale",
	Short: "Record and finalize energy sales",
}

var saleRecordCmd = &cobra.Command{
	Use:   "record",
	Short: "Open a sale for burns",
	RunE: func(cmd *cobra.Command, args []string) error {
		kwh, err := decimal.NewFromString(saleKWh)
		if err != nil {
			return fmt.Errorf("invalid --kwh value: %w", err)
		}
		return getApp().RecordSale(cmd.Context(), cmd.OutOrStdout(), kwh, saleRevenue, saleFeeBps)
	},
}

var saleFinalizeCmd = &cobra.Command{
	Use:   "finalize",
	Short: "Close a sale so it can be settled",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().FinalizeSale(cmd.Context(), cmd.OutOrStdout(), saleID)
	},
}

var claimCmd = &cobra.Command{
	Use:   "claim",
	Short: "Record burns and payouts against a sale",
}

var claimBurnCmd = &cobra.Command{
	Use:   "burn",
	Short: "Burn a user's energy against an open sale",
	RunE: func(cmd *cobra.Command, args []string) error {
		burned, err := decimal.NewFromString(claimBurned)
		if err != nil {
			return fmt.Errorf("invalid --kwh value: %w", err)
		}
		return getApp().Burn(cmd.Context(), cmd.OutOrStdout(), claimUser, saleID, burned)
	},
}

var claimMarkCmd = &cobra.Command{
	Use:   "mark",
	Short: "Mark a user's payout as made",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().MarkClaimed(cmd.Context(), cmd.OutOrStdout(), claimUser, saleID)
	},
}

var settleCmd = &cobra.Command{
	Use:   "settle",
	Short: "Compute payouts for a finalized sale",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Settle(cmd.Context(), cmd.OutOrStdout(), app.SettleOptions{
			SaleID:  saleID,
			CSVPath: settleCSV,
		})
	},
}

func init() {
	saleRecordCmd.Flags().StringVar(&saleKWh, "kwh", "", "Energy sold in kWh")
	saleRecordCmd.Flags().Int64Var(&saleRevenue, "revenue", 0, "Revenue in minor currency units")
	saleRecordCmd.Flags().IntVar(&saleFeeBps, "fee-bps", 0, "Platform fee in basis points")
	_ = saleRecordCmd.MarkFlagRequired("kwh")
	_ = saleRecordCmd.MarkFlagRequired("revenue")

	for _, c := range []*cobra.Command{saleFinalizeCmd, claimBurnCmd, claimMarkCmd, settleCmd} {
		c.Flags().Int64Var(&saleID, "sale", 0, "Sale id")
		_ = c.MarkFlagRequired("sale")
	}
	for _, c := range []*cobra.Command{claimBurnCmd, claimMarkCmd} {
		c.Flags().StringVar(&claimUser, "user", "", "User id")
		_ = c.MarkFlagRequired("user")
	}
	claimBurnCmd.Flags().StringVar(&claimBurned, "kwh", "", "Energy burned in kWh")
	_ = claimBurnCmd.MarkFlagRequired("kwh")
	settleCmd.Flags().StringVar(&settleCSV, "csv", "", "Also write the payout table to this CSV path")

	saleCmd.AddCommand(saleRecordCmd)
	saleCmd.AddCommand(saleFinalizeCmd)
	claimCmd.AddCommand(claimBurnCmd)
	claimCmd.AddCommand(claimMarkCmd)
}
