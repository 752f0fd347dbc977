package cli

import (
	"github.com/spf13/cobra"

	"voltchain/internal/app"
)

var (
	flushDrain     bool
	flushMaxRounds int
)

var flushCmd = &cobra.Command{
	Use:   "flush",
	Short: "Submit pending readings to the ledger",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Flush(cmd.Context(), cmd.OutOrStdout(), app.FlushOptions{
			Drain:     flushDrain,
			MaxRounds: flushMaxRounds,
		})
	},
}

func init() {
	flushCmd.Flags().BoolVar(&flushDrain, "drain", false, "Repeat flush rounds until no pending readings remain")
	flushCmd.Flags().IntVar(&flushMaxRounds, "max-rounds", 0, "Round limit for --drain (defaults to config)")
}
