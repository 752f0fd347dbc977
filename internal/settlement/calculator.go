// Package settlement turns a finalized sale and the energy users burned
// against it into per-user payouts, and manages the sale lifecycle around it.
package settlement

import (
	"errors"
	"fmt"
	"sort"

	"github.com/shopspring/decimal"

	"voltchain/internal/storage"
)

// Allocation selects how fractional minor units are resolved.
type Allocation string

const (
	// AllocationFloor floors each claim independently. The sum may fall short
	// of net revenue; the shortfall is reported as dust.
	AllocationFloor Allocation = "floor"
	// AllocationLargestRemainder floors each claim, then hands the leftover
	// units to the largest fractional remainders so claims sum to net.
	AllocationLargestRemainder Allocation = "largest_remainder"
)

const (
	bpsDenominator = 10000
	shareScale     = 18
)

var (
	errNegativeRevenue = errors.New("revenue must not be negative")
	errFeeOutOfRange   = errors.New("fee bps must be between 0 and 10000")
	errNegativeBurn    = errors.New("burned energy must not be negative")
)

// UserShare is one user's slice of a sale.
type UserShare struct {
	UserID         string          `json:"user_id"`
	BurnedKWh      decimal.Decimal `json:"burned_kwh"`
	Share          decimal.Decimal `json:"share"`
	ClaimableMinor int64           `json:"claimable_minor"`
	Claimed        bool            `json:"claimed"`
}

// Report is the full settlement of one sale.
type Report struct {
	SaleID           int64           `json:"sale_id"`
	KWhSold          decimal.Decimal `json:"kwh_sold"`
	RevenueMinor     int64           `json:"revenue_minor"`
	FeeBps           int             `json:"fee_bps"`
	FeeMinor         int64           `json:"fee_minor"`
	NetMinor         int64           `json:"net_minor"`
	TotalBurnedKWh   decimal.Decimal `json:"total_burned_kwh"`
	Allocation       Allocation      `json:"allocation"`
	DistributedMinor int64           `json:"distributed_minor"`
	DustMinor        int64           `json:"dust_minor"`
	Users            []UserShare     `json:"users"`
}

// Fee returns floor(revenue * feeBps / 10000).
func Fee(revenueMinor int64, feeBps int) int64 {
	q, _ := decimal.NewFromInt(revenueMinor).
		Mul(decimal.NewFromInt(int64(feeBps))).
		QuoRem(decimal.NewFromInt(bpsDenominator), 0)
	return q.IntPart()
}

// Calculate settles a sale. It performs no I/O; the caller is responsible for
// only settling finalized sales. Users keep the order of claims.
func Calculate(sale storage.Sale, claims []storage.UserClaim, allocation Allocation) (Report, error) {
	if sale.RevenueMinor < 0 {
		return Report{}, errNegativeRevenue
	}
	if sale.FeeBps < 0 || sale.FeeBps > bpsDenominator {
		return Report{}, errFeeOutOfRange
	}
	if allocation == "" {
		allocation = AllocationFloor
	}
	if allocation != AllocationFloor && allocation != AllocationLargestRemainder {
		return Report{}, fmt.Errorf("unknown allocation %q", allocation)
	}

	fee := Fee(sale.RevenueMinor, sale.FeeBps)
	report := Report{
		SaleID:         sale.ID,
		KWhSold:        sale.KWhSold,
		RevenueMinor:   sale.RevenueMinor,
		FeeBps:         sale.FeeBps,
		FeeMinor:       fee,
		NetMinor:       sale.RevenueMinor - fee,
		TotalBurnedKWh: decimal.Zero,
		Allocation:     allocation,
		Users:          make([]UserShare, 0, len(claims)),
	}

	for _, c := range claims {
		if c.BurnedKWh.IsNegative() {
			return Report{}, fmt.Errorf("user %s: %w", c.UserID, errNegativeBurn)
		}
		report.TotalBurnedKWh = report.TotalBurnedKWh.Add(c.BurnedKWh)
	}

	total := report.TotalBurnedKWh
	net := decimal.NewFromInt(report.NetMinor)
	remainders := make([]decimal.Decimal, len(claims))

	for i, c := range claims {
		user := UserShare{
			UserID:    c.UserID,
			BurnedKWh: c.BurnedKWh,
			Share:     decimal.Zero,
			Claimed:   c.Claimed,
		}
		if total.IsPositive() {
			user.Share = c.BurnedKWh.DivRound(total, shareScale)
			q, r := net.Mul(c.BurnedKWh).QuoRem(total, 0)
			user.ClaimableMinor = q.IntPart()
			remainders[i] = r
		}
		report.DistributedMinor += user.ClaimableMinor
		report.Users = append(report.Users, user)
	}

	if allocation == AllocationLargestRemainder && total.IsPositive() {
		distributeLeftover(&report, remainders)
	}

	report.DustMinor = report.NetMinor - report.DistributedMinor
	return report, nil
}

// distributeLeftover gives one unit each to the largest remainders. Ties go to
// the larger burn, then to the earlier claim.
func distributeLeftover(report *Report, remainders []decimal.Decimal) {
	leftover := report.NetMinor - report.DistributedMinor
	if leftover <= 0 || len(report.Users) == 0 {
		return
	}

	order := make([]int, len(report.Users))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool {
		ra, rb := remainders[order[a]], remainders[order[b]]
		if !ra.Equal(rb) {
			return ra.GreaterThan(rb)
		}
		return report.Users[order[a]].BurnedKWh.GreaterThan(report.Users[order[b]].BurnedKWh)
	})

	// leftover is below the number of users with a positive burn, so one pass suffices
	for _, idx := range order {
		if leftover == 0 {
			break
		}
		if report.Users[idx].BurnedKWh.IsZero() {
			continue
		}
		report.Users[idx].ClaimableMinor++
		report.DistributedMinor++
		leftover--
	}
}
