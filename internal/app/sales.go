package app

import (
	"context"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/shopspring/decimal"

	"voltchain/internal/settlement"
)

// SettleOptions configure the settle command.
type SettleOptions struct {
	SaleID  int64
	CSVPath string
}

func (a *App) withSales(ctx context.Context, fn func(*settlement.Service) error) error {
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer closeStore()
	return fn(settlement.NewService(store, settlement.Allocation(a.Config.Settlement.Allocation), a.Logger))
}

// RecordSale opens a sale.
func (a *App) RecordSale(ctx context.Context, out io.Writer, kwhSold decimal.Decimal, revenueMinor int64, feeBps int) error {
	return a.withSales(ctx, func(svc *settlement.Service) error {
		sale, err := svc.RecordSale(ctx, kwhSold, revenueMinor, feeBps)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "sale %d recorded: %s kWh, revenue %s, fee %d bps\n",
			sale.ID, sale.KWhSold, settlement.MajorUnits(sale.RevenueMinor, a.Config.Settlement.CurrencyUnits), sale.FeeBps)
		return nil
	})
}

// FinalizeSale closes a sale for burns.
func (a *App) FinalizeSale(ctx context.Context, out io.Writer, saleID int64) error {
	return a.withSales(ctx, func(svc *settlement.Service) error {
		if _, err := svc.FinalizeSale(ctx, saleID); err != nil {
			return err
		}
		fmt.Fprintf(out, "sale %d finalized\n", saleID)
		return nil
	})
}

// Burn records a user's burn against an open sale.
func (a *App) Burn(ctx context.Context, out io.Writer, userID string, saleID int64, burned decimal.Decimal) error {
	return a.withSales(ctx, func(svc *settlement.Service) error {
		claim, err := svc.Burn(ctx, userID, saleID, burned)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "user %s burned %s kWh against sale %d\n", claim.UserID, claim.BurnedKWh, claim.SaleID)
		return nil
	})
}

// MarkClaimed records a payout.
func (a *App) MarkClaimed(ctx context.Context, out io.Writer, userID string, saleID int64) error {
	return a.withSales(ctx, func(svc *settlement.Service) error {
		if err := svc.MarkClaimed(ctx, userID, saleID); err != nil {
			return err
		}
		fmt.Fprintf(out, "claim of %s on sale %d marked as paid\n", userID, saleID)
		return nil
	})
}

// Settle prints the payout table of a finalized sale and optionally writes
// it as CSV.
func (a *App) Settle(ctx context.Context, out io.Writer, opts SettleOptions) error {
	return a.withSales(ctx, func(svc *settlement.Service) error {
		report, err := svc.Settle(ctx, opts.SaleID)
		if err != nil {
			return err
		}

		units := a.Config.Settlement.CurrencyUnits
		if opts.CSVPath != "" {
			if err := writeSettlementCSV(opts.CSVPath, report, units); err != nil {
				return err
			}
			a.Logger.Info().Str("path", opts.CSVPath).Int("users", len(report.Users)).Msg("settlement exported")
		}
		return printSettlement(out, report, units)
	})
}

func writeSettlementCSV(path string, report settlement.Report, units int32) error {
	if err := ensureDir(path); err != nil {
		return err
	}
	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()
	return settlement.WriteCSV(file, report, units)
}

func printSettlement(out io.Writer, r settlement.Report, units int32) error {
	fmt.Fprintf(out, "sale %d: %s kWh sold, revenue %s, fee %s (%d bps), net %s\n",
		r.SaleID, r.KWhSold,
		settlement.MajorUnits(r.RevenueMinor, units),
		settlement.MajorUnits(r.FeeMinor, units), r.FeeBps,
		settlement.MajorUnits(r.NetMinor, units))
	fmt.Fprintf(out, "total burned %s kWh, allocation %s, distributed %s, dust %s\n\n",
		r.TotalBurnedKWh, r.Allocation,
		settlement.MajorUnits(r.DistributedMinor, units),
		settlement.MajorUnits(r.DustMinor, units))

	writer := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "User\tBurned kWh\tShare %\tClaimable\tClaimed")
	hundred := decimal.NewFromInt(100)
	for _, u := range r.Users {
		fmt.Fprintf(writer, "%s\t%s\t%s\t%s\t%t\n",
			u.UserID, u.BurnedKWh, u.Share.Mul(hundred).StringFixed(2),
			settlement.MajorUnits(u.ClaimableMinor, units), u.Claimed)
	}
	return writer.Flush()
}
