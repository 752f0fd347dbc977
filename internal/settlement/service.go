package settlement

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"voltchain/internal/errs"
	"voltchain/internal/storage"
)

var (
	// ErrSaleAlreadyFinalized is returned when finalizing twice.
	ErrSaleAlreadyFinalized = errors.New("sale already finalized")
	// ErrSaleNotFinalized is returned when settling or claiming an open sale.
	ErrSaleNotFinalized = errors.New("sale not finalized")
	// ErrSaleFinalized is returned when burning against a closed sale.
	ErrSaleFinalized = errors.New("sale is finalized; burns are closed")
	// ErrAlreadyClaimed is returned when a claim is paid out twice.
	ErrAlreadyClaimed = errors.New("claim already marked as claimed")
)

// Service runs the sale lifecycle against a SaleStore.
type Service struct {
	store      storage.SaleStore
	allocation Allocation
	logger     zerolog.Logger
	now        func() time.Time
}

// NewService builds a settlement service.
func NewService(store storage.SaleStore, allocation Allocation, logger zerolog.Logger) *Service {
	if allocation == "" {
		allocation = AllocationFloor
	}
	return &Service{
		store:      store,
		allocation: allocation,
		logger:     logger.With().Str("component", "settlement").Logger(),
		now:        time.Now,
	}
}

// RecordSale opens a sale for burns.
func (s *Service) RecordSale(ctx context.Context, kwhSold decimal.Decimal, revenueMinor int64, feeBps int) (storage.Sale, error) {
	if kwhSold.IsNegative() {
		return storage.Sale{}, errs.New(errs.BadRequest, "kwh sold must not be negative")
	}
	if revenueMinor < 0 {
		return storage.Sale{}, errs.Wrap(errs.BadRequest, "revenue must not be negative", errNegativeRevenue)
	}
	if feeBps < 0 || feeBps > bpsDenominator {
		return storage.Sale{}, errs.Wrap(errs.BadRequest, "fee bps must be between 0 and 10000", errFeeOutOfRange)
	}

	sale, err := s.store.CreateSale(ctx, storage.Sale{KWhSold: kwhSold, RevenueMinor: revenueMinor, FeeBps: feeBps})
	if err != nil {
		return storage.Sale{}, errs.Wrap(errs.Internal, "failed to record sale", err)
	}
	s.logger.Info().Int64("sale_id", sale.ID).Int64("revenue_minor", revenueMinor).Int("fee_bps", feeBps).Msg("sale recorded")
	return sale, nil
}

// FinalizeSale closes a sale. A second call fails with ErrSaleAlreadyFinalized.
func (s *Service) FinalizeSale(ctx context.Context, saleID int64) (storage.Sale, error) {
	sale, err := s.store.FinalizeSale(ctx, saleID, s.now().UTC())
	if err == nil {
		s.logger.Info().Int64("sale_id", saleID).Msg("sale finalized")
		return sale, nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return storage.Sale{}, errs.Wrap(errs.Internal, "failed to finalize sale", err)
	}

	existing, err := s.getSale(ctx, saleID)
	if err != nil {
		return storage.Sale{}, err
	}
	if existing.Finalized {
		return storage.Sale{}, errs.Wrap(errs.Conflict, ErrSaleAlreadyFinalized.Error(), ErrSaleAlreadyFinalized)
	}
	return storage.Sale{}, errs.New(errs.Internal, "failed to finalize sale")
}

// Burn records the energy a user surrenders against an open sale. Each user
// burns at most once per sale.
func (s *Service) Burn(ctx context.Context, userID string, saleID int64, burned decimal.Decimal) (storage.UserClaim, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return storage.UserClaim{}, errs.New(errs.BadRequest, "user id is required")
	}
	if burned.IsNegative() {
		return storage.UserClaim{}, errs.Wrap(errs.BadRequest, errNegativeBurn.Error(), errNegativeBurn)
	}

	claim, err := s.store.InsertClaim(ctx, storage.UserClaim{UserID: userID, SaleID: saleID, BurnedKWh: burned})
	switch {
	case err == nil:
		s.logger.Info().Str("user_id", userID).Int64("sale_id", saleID).Str("burned_kwh", burned.String()).Msg("energy burned")
		return claim, nil
	case errors.Is(err, storage.ErrDuplicate):
		return storage.UserClaim{}, errs.New(errs.Conflict, "user already burned against this sale")
	case errors.Is(err, storage.ErrNotFound):
		if _, getErr := s.getSale(ctx, saleID); getErr != nil {
			return storage.UserClaim{}, getErr
		}
		return storage.UserClaim{}, errs.Wrap(errs.Conflict, ErrSaleFinalized.Error(), ErrSaleFinalized)
	default:
		return storage.UserClaim{}, errs.Wrap(errs.Internal, "failed to record burn", err)
	}
}

// Settle computes the payout report for a finalized sale.
func (s *Service) Settle(ctx context.Context, saleID int64) (Report, error) {
	sale, err := s.getSale(ctx, saleID)
	if err != nil {
		return Report{}, err
	}
	if !sale.Finalized {
		return Report{}, errs.Wrap(errs.Conflict, ErrSaleNotFinalized.Error(), ErrSaleNotFinalized)
	}

	claims, err := s.store.ListClaims(ctx, saleID)
	if err != nil {
		return Report{}, errs.Wrap(errs.Internal, "failed to load claims", err)
	}

	report, err := Calculate(sale, claims, s.allocation)
	if err != nil {
		return Report{}, errs.Wrap(errs.Internal, "failed to settle sale", err)
	}
	return report, nil
}

// MarkClaimed records that a user's payout for a finalized sale was made.
func (s *Service) MarkClaimed(ctx context.Context, userID string, saleID int64) error {
	sale, err := s.getSale(ctx, saleID)
	if err != nil {
		return err
	}
	if !sale.Finalized {
		return errs.Wrap(errs.Conflict, ErrSaleNotFinalized.Error(), ErrSaleNotFinalized)
	}

	err = s.store.MarkClaimed(ctx, userID, saleID, s.now().UTC())
	if err == nil {
		s.logger.Info().Str("user_id", userID).Int64("sale_id", saleID).Msg("claim marked")
		return nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return errs.Wrap(errs.Internal, "failed to mark claim", err)
	}

	claim, getErr := s.store.GetClaim(ctx, userID, saleID)
	if errors.Is(getErr, storage.ErrNotFound) {
		return errs.New(errs.NotFound, "claim not found")
	}
	if getErr != nil {
		return errs.Wrap(errs.Internal, "failed to load claim", getErr)
	}
	if claim.Claimed {
		return errs.Wrap(errs.Conflict, ErrAlreadyClaimed.Error(), ErrAlreadyClaimed)
	}
	return errs.New(errs.Internal, "failed to mark claim")
}

func (s *Service) getSale(ctx context.Context, saleID int64) (storage.Sale, error) {
	sale, err := s.store.GetSale(ctx, saleID)
	if errors.Is(err, storage.ErrNotFound) {
		return storage.Sale{}, errs.New(errs.NotFound, "sale not found")
	}
	if err != nil {
		return storage.Sale{}, errs.Wrap(errs.Internal, "failed to load sale", err)
	}
	return sale, nil
}
