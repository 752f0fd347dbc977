package settlement

import (
	"encoding/csv"
	"io"
	"strconv"

	"github.com/shopspring/decimal"
)

var csvHeader = []string{"sale_id", "user_id", "burned_kwh", "share_pct", "claimable_minor", "claimable_major"}

// WriteCSV writes one row per user. currencyUnits is the number of minor-unit
// digits, 2 for cents.
func WriteCSV(w io.Writer, report Report, currencyUnits int32) error {
	writer := csv.NewWriter(w)
	if err := writer.Write(csvHeader); err != nil {
		return err
	}

	saleID := strconv.FormatInt(report.SaleID, 10)
	hundred := decimal.NewFromInt(100)
	for _, u := range report.Users {
		record := []string{
			saleID,
			u.UserID,
			u.BurnedKWh.String(),
			u.Share.Mul(hundred).StringFixed(2),
			strconv.FormatInt(u.ClaimableMinor, 10),
			MajorUnits(u.ClaimableMinor, currencyUnits),
		}
		if err := writer.Write(record); err != nil {
			return err
		}
	}

	writer.Flush()
	return writer.Error()
}

// MajorUnits renders a minor-unit amount with currencyUnits decimals.
func MajorUnits(minor int64, currencyUnits int32) string {
	return decimal.New(minor, -currencyUnits).StringFixed(currencyUnits)
}
