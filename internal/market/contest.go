package market

import (
	"context"
	"fmt"

	"github.com/example/farm-market/internal/apperr"
	"github.com/example/farm-market/internal/escrow"
	"github.com/example/farm-market/internal/models"
	"github.com/example/farm-market/internal/storage"
)

// bidContest sells a lot to one bid. The spawned delivery request starts
// open with no dropoff; the buyer's product escrow is held against the lot.
type bidContest struct {
	s     *Service
	lotID string
	bidID string

	lot  *models.ProduceLot
	bid  *models.ProductBid
	req  *models.DeliveryRequest
	hold *models.PaymentIntent
}

func (c *bidContest) Kind() string { return "lot" }

func (c *bidContest) LoadTarget(ctx context.Context, tx storage.Tx) (string, bool, error) {
	lot, err := tx.GetLot(ctx, c.lotID)
	if err != nil {
		return "", false, err
	}
	c.lot = lot
	return lot.FarmerID, lot.Status == models.LotOpen, nil
}

func (c *bidContest) LoadOffer(ctx context.Context, tx storage.Tx) (bool, error) {
	bid, err := tx.GetBid(ctx, c.bidID)
	if err != nil {
		return false, err
	}
	if bid.LotID != c.lot.ID {
		return false, apperr.NotFound("bid %s on lot %s", c.bidID, c.lot.ID)
	}
	c.bid = bid
	return bid.Status == models.OfferPending, nil
}

func (c *bidContest) AcceptOffer(ctx context.Context, tx storage.Tx) error {
	c.bid.Status = models.OfferAccepted
	return tx.UpdateBid(ctx, c.bid, models.OfferPending)
}

func (c *bidContest) RejectSiblings(ctx context.Context, tx storage.Tx) (int, error) {
	return rejectPending(ctx, tx, c.lot.ID, c.bid.ID)
}

func (c *bidContest) AwardTarget(ctx context.Context, tx storage.Tx) error {
	c.lot.Status = models.LotAwarded
	c.lot.AwardedBidID = c.bid.ID
	return tx.UpdateLot(ctx, c.lot, models.LotOpen)
}

func (c *bidContest) Spawn(ctx context.Context, tx storage.Tx) error {
	req := &models.DeliveryRequest{
		BuyerID:      c.bid.BuyerID,
		FarmerID:     c.lot.FarmerID,
		ProduceType:  c.lot.ProduceType,
		Quantity:     c.bid.Quantity,
		Unit:         c.lot.Unit,
		Pickup:       c.lot.Pickup,
		Notes:        fmt.Sprintf("From lot %s", c.lot.ID),
		LotID:        c.lot.ID,
		ProductBidID: c.bid.ID,
	}
	if err := c.s.broker.Seed(ctx, tx, req); err != nil {
		return err
	}
	c.req = req
	var err error
	c.hold, err = c.s.ledger.Authorize(ctx, tx, escrow.Hold{
		TargetID: c.lot.ID,
		Type:     models.IntentProduct,
		BuyerID:  c.bid.BuyerID,
		Amount:   c.bid.Amount,
	})
	return err
}

func (c *bidContest) Abort(ctx context.Context) {
	if c.hold != nil {
		c.s.ledger.Void(ctx, c.hold)
	}
}

func (c *bidContest) Committed() {
	c.s.logger.Info("lot sold", "lot_id", c.lot.ID, "bid_id", c.bid.ID, "buyer_id", c.bid.BuyerID, "request_id", c.req.ID)
	c.s.bus.Emit("sale:accepted", map[string]any{"lotId": c.lot.ID, "buyerId": c.bid.BuyerID})
	c.s.broker.Announce(context.Background(), c.req)
}
