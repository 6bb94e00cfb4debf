// Package market holds farmer produce lots and the buyer bids placed on them.
package market

import (
	"context"
	"log/slog"
	"sort"
	"strings"

	"github.com/example/farm-market/internal/apperr"
	"github.com/example/farm-market/internal/arbiter"
	"github.com/example/farm-market/internal/broker"
	"github.com/example/farm-market/internal/dispatch"
	"github.com/example/farm-market/internal/escrow"
	"github.com/example/farm-market/internal/models"
	"github.com/example/farm-market/internal/storage"
)

type Service struct {
	store   storage.Store
	arbiter *arbiter.Arbiter
	ledger  *escrow.Ledger
	broker  *broker.Service
	bus     dispatch.Bus
	logger  *slog.Logger
}

func NewService(store storage.Store, arb *arbiter.Arbiter, ledger *escrow.Ledger, b *broker.Service, bus dispatch.Bus, logger *slog.Logger) *Service {
	if bus == nil {
		bus = dispatch.Nop{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{store: store, arbiter: arb, ledger: ledger, broker: b, bus: bus, logger: logger}
}

type LotSpec struct {
	ProduceType  string
	Description  string
	Quantity     float64
	Unit         string
	ReservePrice int64
	Pickup       models.Place
}

type BidSpec struct {
	Amount   int64
	Quantity float64
	Units    string
	Note     string
}

func (s *Service) CreateLot(ctx context.Context, farmer models.Principal, spec LotSpec) (*models.ProduceLot, error) {
	if err := farmer.Require(models.RoleFarmer); err != nil {
		return nil, err
	}
	if strings.TrimSpace(spec.ProduceType) == "" {
		return nil, apperr.Validation("produceType is required")
	}
	if spec.Quantity <= 0 {
		return nil, apperr.Validation("quantity must be positive")
	}
	if spec.ReservePrice < 0 {
		return nil, apperr.Validation("reservePrice must not be negative")
	}
	unit, ok := models.NormalizeUnit(spec.Unit)
	if !ok {
		return nil, apperr.Validation("unit must be one of %s", strings.Join(models.Units, ", "))
	}
	if spec.Pickup.IsZero() || !models.ValidCoord(spec.Pickup.Coord()) {
		return nil, apperr.Validation("pickup needs valid coordinates")
	}
	lot := &models.ProduceLot{
		ID:           models.NewID(),
		FarmerID:     farmer.ID,
		ProduceType:  strings.TrimSpace(spec.ProduceType),
		Description:  spec.Description,
		Quantity:     spec.Quantity,
		Unit:         unit,
		ReservePrice: spec.ReservePrice,
		Pickup:       spec.Pickup,
		Status:       models.LotOpen,
	}
	if err := s.store.WithTx(ctx, func(tx storage.Tx) error { return tx.InsertLot(ctx, lot) }); err != nil {
		return nil, err
	}
	s.logger.Info("lot listed", "lot_id", lot.ID, "farmer_id", farmer.ID, "produce", lot.ProduceType)
	s.bus.Emit("product:new", map[string]any{"lotId": lot.ID})
	return lot, nil
}

// OpenLots lists lots still taking bids, newest first.
func (s *Service) OpenLots(ctx context.Context) ([]models.ProduceLot, error) {
	rows, err := s.store.ListLots(ctx, models.LotOpen)
	if err != nil {
		return nil, err
	}
	for i, j := 0, len(rows)-1; i < j; i, j = i+1, j-1 {
		rows[i], rows[j] = rows[j], rows[i]
	}
	return rows, nil
}

func (s *Service) GetLot(ctx context.Context, id string) (*models.ProduceLot, error) {
	return s.store.GetLot(ctx, id)
}

func (s *Service) PlaceBid(ctx context.Context, buyer models.Principal, lotID string, spec BidSpec) (*models.ProductBid, error) {
	if err := buyer.Require(models.RoleBuyer); err != nil {
		return nil, err
	}
	if spec.Amount <= 0 {
		return nil, apperr.Validation("amount must be positive")
	}
	if spec.Quantity < 0 {
		return nil, apperr.Validation("quantity must not be negative")
	}
	var bid *models.ProductBid
	err := s.store.WithTx(ctx, func(tx storage.Tx) error {
		lot, err := tx.GetLot(ctx, lotID)
		if err != nil {
			return err
		}
		if lot.Status != models.LotOpen {
			return apperr.Conflict("lot is not open")
		}
		if spec.Amount < lot.ReservePrice {
			return apperr.Validation("amount is below the reserve price of %d", lot.ReservePrice)
		}
		if spec.Quantity > lot.Quantity {
			return apperr.Validation("quantity exceeds the %g %s on offer", lot.Quantity, lot.Unit)
		}
		held, err := tx.ListBids(ctx, storage.BidFilter{LotID: lotID, BuyerID: buyer.ID, Statuses: models.HeldOfferStatuses})
		if err != nil {
			return err
		}
		if len(held) > 0 {
			return apperr.Conflict("you already have an active bid on this lot")
		}
		bid = &models.ProductBid{
			ID:       models.NewID(),
			LotID:    lotID,
			BuyerID:  buyer.ID,
			Amount:   spec.Amount,
			Quantity: spec.Quantity,
			Units:    spec.Units,
			Note:     spec.Note,
			Status:   models.OfferPending,
		}
		if bid.Quantity == 0 {
			bid.Quantity = lot.Quantity
		}
		if bid.Units == "" {
			bid.Units = lot.Unit
		}
		return tx.InsertBid(ctx, bid)
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info("bid placed", "lot_id", lotID, "bid_id", bid.ID, "buyer_id", buyer.ID, "amount", bid.Amount)
	s.bus.Emit("product:bid", map[string]any{"lotId": lotID, "bidId": bid.ID})
	return bid, nil
}

// ListBids returns the live bids on a lot, best offer first.
func (s *Service) ListBids(ctx context.Context, farmer models.Principal, lotID string) ([]models.ProductBid, error) {
	lot, err := s.store.GetLot(ctx, lotID)
	if err != nil {
		return nil, err
	}
	if !farmer.Owns(lot.FarmerID) {
		return nil, apperr.Forbidden("lot %s belongs to another farmer", lotID)
	}
	bids, err := s.store.ListBids(ctx, storage.BidFilter{
		LotID:    lotID,
		Statuses: []models.OfferStatus{models.OfferPending, models.OfferAccepted},
	})
	if err != nil {
		return nil, err
	}
	sort.SliceStable(bids, func(i, j int) bool { return bids[i].Amount > bids[j].Amount })
	return bids, nil
}

// MyBids lists a buyer's bids newest first.
func (s *Service) MyBids(ctx context.Context, buyer models.Principal) ([]models.ProductBid, error) {
	if err := buyer.Require(models.RoleBuyer); err != nil {
		return nil, err
	}
	rows, err := s.store.ListBids(ctx, storage.BidFilter{BuyerID: buyer.ID})
	if err != nil {
		return nil, err
	}
	for i, j := 0, len(rows)-1; i < j; i, j = i+1, j-1 {
		rows[i], rows[j] = rows[j], rows[i]
	}
	return rows, nil
}

func (s *Service) WithdrawBid(ctx context.Context, buyer models.Principal, bidID string) (*models.ProductBid, error) {
	if err := buyer.Require(models.RoleBuyer); err != nil {
		return nil, err
	}
	var bid *models.ProductBid
	err := s.store.WithTx(ctx, func(tx storage.Tx) error {
		var err error
		if bid, err = tx.GetBid(ctx, bidID); err != nil {
			return err
		}
		if !buyer.Owns(bid.BuyerID) {
			return apperr.Forbidden("bid %s belongs to another buyer", bidID)
		}
		if bid.Status != models.OfferPending {
			return apperr.Conflict("only pending bids can be withdrawn")
		}
		bid.Status = models.OfferWithdrawn
		return tx.UpdateBid(ctx, bid, models.OfferPending)
	})
	if err != nil {
		return nil, err
	}
	return bid, nil
}

// AcceptBid sells the lot to one bid and returns the delivery request
// opened for it.
func (s *Service) AcceptBid(ctx context.Context, farmer models.Principal, lotID, bidID string) (string, error) {
	if err := farmer.Require(models.RoleFarmer); err != nil {
		return "", err
	}
	c := &bidContest{s: s, lotID: lotID, bidID: bidID}
	if err := s.arbiter.Accept(ctx, farmer, c); err != nil {
		return "", err
	}
	return c.req.ID, nil
}

func (s *Service) CancelLot(ctx context.Context, farmer models.Principal, lotID string) (*models.ProduceLot, error) {
	if err := farmer.Require(models.RoleFarmer); err != nil {
		return nil, err
	}
	var lot *models.ProduceLot
	err := s.store.WithTx(ctx, func(tx storage.Tx) error {
		var err error
		if lot, err = tx.GetLot(ctx, lotID); err != nil {
			return err
		}
		if !farmer.Owns(lot.FarmerID) {
			return apperr.Forbidden("lot %s belongs to another farmer", lotID)
		}
		if lot.Status != models.LotOpen {
			return apperr.Conflict("lot is %s", lot.Status)
		}
		lot.Status = models.LotCancelled
		if err := tx.UpdateLot(ctx, lot, models.LotOpen); err != nil {
			return err
		}
		_, err = rejectPending(ctx, tx, lotID, "")
		return err
	})
	if err != nil {
		return nil, err
	}
	s.bus.Emit("lot:cancelled", map[string]any{"lotId": lotID})
	return lot, nil
}

func rejectPending(ctx context.Context, tx storage.Tx, lotID, keep string) (int, error) {
	rows, err := tx.ListBids(ctx, storage.BidFilter{LotID: lotID, Statuses: []models.OfferStatus{models.OfferPending}})
	if err != nil {
		return 0, err
	}
	n := 0
	for i := range rows {
		if rows[i].ID == keep {
			continue
		}
		rows[i].Status = models.OfferRejected
		if err := tx.UpdateBid(ctx, &rows[i], models.OfferPending); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}
