package settlement

import (
	"bytes"
	"encoding/csv"
	"testing"

	"github.com/shopspring/decimal"

	"voltchain/internal/storage"
)

func claim(user string, burned string) storage.UserClaim {
	return storage.UserClaim{UserID: user, SaleID: 1, BurnedKWh: decimal.RequireFromString(burned)}
}

func referenceSale() storage.Sale {
	return storage.Sale{ID: 1, KWhSold: decimal.NewFromInt(1500), RevenueMinor: 50000, FeeBps: 1500, Finalized: true}
}

func TestCalculateFloorLeavesDust(t *testing.T) {
	report, err := Calculate(referenceSale(), []storage.UserClaim{claim("alice", "500"), claim("bob", "1000")}, AllocationFloor)
	if err != nil {
		t.Fatalf("calculate: %v", err)
	}
	if report.FeeMinor != 7500 || report.NetMinor != 42500 {
		t.Fatalf("fee/net = %d/%d, want 7500/42500", report.FeeMinor, report.NetMinor)
	}
	if !report.TotalBurnedKWh.Equal(decimal.NewFromInt(1500)) {
		t.Fatalf("total burned = %s", report.TotalBurnedKWh)
	}
	if report.Users[0].ClaimableMinor != 14166 || report.Users[1].ClaimableMinor != 28333 {
		t.Fatalf("claimables = %d, %d", report.Users[0].ClaimableMinor, report.Users[1].ClaimableMinor)
	}

	sum := report.Users[0].ClaimableMinor + report.Users[1].ClaimableMinor
	if sum != 42499 || report.NetMinor-sum != 1 {
		t.Fatalf("independent flooring should leave exactly one unit undistributed, got sum %d", sum)
	}
	if report.DistributedMinor != 42499 || report.DustMinor != 1 {
		t.Fatalf("distributed/dust = %d/%d", report.DistributedMinor, report.DustMinor)
	}
	if report.Users[0].Share.StringFixed(6) != "0.333333" || report.Users[1].Share.StringFixed(6) != "0.666667" {
		t.Fatalf("shares = %s, %s", report.Users[0].Share, report.Users[1].Share)
	}
}

func TestCalculateLargestRemainderConservesNet(t *testing.T) {
	report, err := Calculate(referenceSale(), []storage.UserClaim{claim("alice", "500"), claim("bob", "1000")}, AllocationLargestRemainder)
	if err != nil {
		t.Fatalf("calculate: %v", err)
	}
	if report.Users[0].ClaimableMinor != 14167 || report.Users[1].ClaimableMinor != 28333 {
		t.Fatalf("claimables = %d, %d", report.Users[0].ClaimableMinor, report.Users[1].ClaimableMinor)
	}
	if report.DustMinor != 0 || report.DistributedMinor != report.NetMinor {
		t.Fatalf("largest remainder must conserve net: %+v", report)
	}
}

func TestCalculateLargestRemainderManyUsers(t *testing.T) {
	sale := storage.Sale{ID: 2, RevenueMinor: 100, FeeBps: 0}
	claims := []storage.UserClaim{claim("a", "1"), claim("b", "1"), claim("c", "1"), claim("d", "0")}
	report, err := Calculate(sale, claims, AllocationLargestRemainder)
	if err != nil {
		t.Fatal(err)
	}
	var sum int64
	for _, u := range report.Users {
		sum += u.ClaimableMinor
	}
	if sum != 100 {
		t.Fatalf("sum = %d, want 100", sum)
	}
	if report.Users[3].ClaimableMinor != 0 {
		t.Fatal("a user who burned nothing gets nothing")
	}
	if report.Users[0].ClaimableMinor != 34 {
		t.Fatalf("ties go to the earliest claim, got %+v", report.Users)
	}
}

func TestCalculateZeroTotalBurned(t *testing.T) {
	report, err := Calculate(referenceSale(), []storage.UserClaim{claim("alice", "0"), claim("bob", "0")}, AllocationFloor)
	if err != nil {
		t.Fatalf("calculate: %v", err)
	}
	if len(report.Users) != 2 {
		t.Fatalf("users must still be listed, got %d", len(report.Users))
	}
	for _, u := range report.Users {
		if !u.Share.IsZero() || u.ClaimableMinor != 0 {
			t.Fatalf("zero total burned must yield zero share and claim, got %+v", u)
		}
	}
	if report.DustMinor != report.NetMinor {
		t.Fatalf("whole net is undistributed, got dust %d", report.DustMinor)
	}

	empty, err := Calculate(referenceSale(), nil, AllocationLargestRemainder)
	if err != nil || len(empty.Users) != 0 || empty.DustMinor != 42500 {
		t.Fatalf("no claims: %+v err=%v", empty, err)
	}
}

func TestFeeFloors(t *testing.T) {
	cases := []struct {
		revenue int64
		bps     int
		want    int64
	}{
		{50000, 1500, 7500},
		{999, 1, 0},
		{10001, 3333, 3333},
		{12345, 10000, 12345},
		{12345, 0, 0},
	}
	for _, tc := range cases {
		if got := Fee(tc.revenue, tc.bps); got != tc.want {
			t.Fatalf("Fee(%d, %d) = %d, want %d", tc.revenue, tc.bps, got, tc.want)
		}
	}
}

func TestCalculateRejectsInvalidInput(t *testing.T) {
	sale := referenceSale()
	sale.FeeBps = 10001
	if _, err := Calculate(sale, nil, AllocationFloor); err == nil {
		t.Fatal("fee above 100% must fail")
	}
	if _, err := Calculate(referenceSale(), []storage.UserClaim{claim("x", "-1")}, AllocationFloor); err == nil {
		t.Fatal("negative burn must fail")
	}
	if _, err := Calculate(referenceSale(), nil, Allocation("ceil")); err == nil {
		t.Fatal("unknown allocation must fail")
	}
}

func TestWriteCSV(t *testing.T) {
	report, err := Calculate(referenceSale(), []storage.UserClaim{claim("alice", "500"), claim("bob", "1000")}, AllocationFloor)
	if err != nil {
		t.Fatal(err)
	}
	var buf bytes.Buffer
	if err := WriteCSV(&buf, report, 2); err != nil {
		t.Fatalf("write csv: %v", err)
	}

	rows, err := csv.NewReader(&buf).ReadAll()
	if err != nil {
		t.Fatalf("read csv: %v", err)
	}
	if len(rows) != 3 {
		t.Fatalf("expected header + 2 rows, got %d", len(rows))
	}
	want := []string{"1", "alice", "500", "33.33", "14166", "141.66"}
	for i, v := range want {
		if rows[1][i] != v {
			t.Fatalf("row 1 col %d = %q, want %q (%v)", i, rows[1][i], v, rows[1])
		}
	}
	if rows[2][5] != "283.33" {
		t.Fatalf("bob major units = %q", rows[2][5])
	}
}
