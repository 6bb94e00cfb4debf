package broker

import (
	"context"

	"github.com/example/farm-market/internal/apperr"
	"github.com/example/farm-market/internal/escrow"
	"github.com/example/farm-market/internal/jobs"
	"github.com/example/farm-market/internal/models"
	"github.com/example/farm-market/internal/storage"
)

// quoteContest accepts one quote on a request and spawns the driver job
// together with its transport escrow hold.
type quoteContest struct {
	s         *Service
	requestID string
	quoteID   string

	req   *models.DeliveryRequest
	quote *models.Quote
	job   *models.DriverJob
	hold  *models.PaymentIntent
}

func (c *quoteContest) Kind() string { return "request" }

func (c *quoteContest) LoadTarget(ctx context.Context, tx storage.Tx) (string, bool, error) {
	req, err := tx.GetRequest(ctx, c.requestID)
	if err != nil {
		return "", false, err
	}
	c.req = req
	return req.BuyerID, req.Status == models.RequestOpen, nil
}

func (c *quoteContest) LoadOffer(ctx context.Context, tx storage.Tx) (bool, error) {
	q, err := tx.GetQuote(ctx, c.quoteID)
	if err != nil {
		return false, err
	}
	if q.RequestID != c.req.ID {
		return false, apperr.NotFound("quote %s on request %s", c.quoteID, c.req.ID)
	}
	c.quote = q
	return q.Status == models.OfferPending, nil
}

func (c *quoteContest) AcceptOffer(ctx context.Context, tx storage.Tx) error {
	c.quote.Status = models.OfferAccepted
	return tx.UpdateQuote(ctx, c.quote, models.OfferPending)
}

func (c *quoteContest) RejectSiblings(ctx context.Context, tx storage.Tx) (int, error) {
	return rejectPending(ctx, tx, c.req.ID, c.quote.ID)
}

func (c *quoteContest) AwardTarget(ctx context.Context, tx storage.Tx) error {
	c.req.Status = models.RequestAwarded
	c.req.ChosenQuoteID = c.quote.ID
	return tx.UpdateRequest(ctx, c.req, models.RequestOpen)
}

func (c *quoteContest) Spawn(ctx context.Context, tx storage.Tx) error {
	job, err := jobs.NewJob(c.req, c.quote)
	if err != nil {
		return err
	}
	if err := tx.InsertJob(ctx, job); err != nil {
		return err
	}
	c.job = job
	c.hold, err = c.s.Ledger.Authorize(ctx, tx, escrow.Hold{
		TargetID: job.ID,
		Type:     models.IntentTransport,
		BuyerID:  c.req.BuyerID,
		DriverID: c.quote.DriverID,
		Amount:   c.quote.Amount,
	})
	if err != nil {
		return err
	}
	c.req.JobID = job.ID
	return tx.UpdateRequest(ctx, c.req, models.RequestAwarded)
}

func (c *quoteContest) Abort(ctx context.Context) {
	if c.hold != nil {
		c.s.Ledger.Void(ctx, c.hold)
	}
}

func (c *quoteContest) Committed() {
	c.s.unindex(context.Background(), c.req.ID)
	c.s.logger().Info("quote accepted", "request_id", c.req.ID, "quote_id", c.quote.ID, "job_id", c.job.ID, "reference", c.job.ReferenceNo)
	c.s.bus().Emit("quote:accepted", map[string]any{"requestId": c.req.ID, "driverId": c.quote.DriverID, "jobId": c.job.ID})
}
