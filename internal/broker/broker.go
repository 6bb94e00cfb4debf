// Package broker matches delivery requests with driver quotes.
package broker

import (
	"context"
	"log/slog"
	"errors"
	"sort"
	"strings"
	"sync/atomic"

	"github.com/example/farm-market/internal/apperr"
	"github.com/example/farm-market/internal/arbiter"
	"github.com/example/farm-market/internal/dispatch"
	"github.com/example/farm-market/internal/escrow"
	"github.com/example/farm-market/internal/eta"
	"github.com/example/farm-market/internal/geo"
	"github.com/example/farm-market/internal/models"
	"github.com/example/farm-market/internal/storage"
)

const DefaultRadiusKm = 50.0

type Service struct {
	Store           storage.Store
	Arbiter         *arbiter.Arbiter
	Ledger          *escrow.Ledger
	Index           geo.Index      // optional proximity prefilter
	ETA             *eta.Estimator // optional pickup ETA annotation
	Bus             dispatch.Bus
	Logger          *slog.Logger
	DefaultRadiusKm float64

	// set when an index write was lost; listings scan the store until the
	// next successful Reindex
	indexStale atomic.Bool
}

// RequestSpec is the buyer supplied part of a delivery request.
type RequestSpec struct {
	FarmerID    string
	ProduceType string
	Quantity    float64
	Unit        string
	Pickup      models.Place
	Dropoff     models.Place
	Notes       string
}

type QuoteSpec struct {
	Amount     int64
	ETAMinutes int
	Note       string
}

// RequestView is a request with the number of quotes still in play.
type RequestView struct {
	models.DeliveryRequest
	QuotesCount int `json:"quotesCount"`
}

// OpenQuery narrows OpenRequests. Near enables the radius filter.
type OpenQuery struct {
	Near          *models.Coord
	RadiusKm      float64
	IncludeQuoted bool
}

type OpenRequest struct {
	models.DeliveryRequest
	DistanceKm       *float64 `json:"distanceKm,omitempty"`
	PickupETAMinutes *int     `json:"pickupEtaMinutes,omitempty"`
}

func (s *Service) bus() dispatch.Bus {
	if s.Bus == nil {
		return dispatch.Nop{}
	}
	return s.Bus
}

func (s *Service) logger() *slog.Logger {
	if s.Logger == nil {
		return slog.Default()
	}
	return s.Logger
}

func (s *Service) CreateRequest(ctx context.Context, buyer models.Principal, spec RequestSpec) (*models.DeliveryRequest, error) {
	if err := buyer.Require(models.RoleBuyer); err != nil {
		return nil, err
	}
	if strings.TrimSpace(spec.ProduceType) == "" {
		return nil, apperr.Validation("produceType is required")
	}
	if spec.Quantity <= 0 {
		return nil, apperr.Validation("quantity must be positive")
	}
	unit, ok := models.NormalizeUnit(spec.Unit)
	if !ok {
		return nil, apperr.Validation("unit must be one of %s", strings.Join(models.Units, ", "))
	}
	if spec.Pickup.IsZero() || !models.ValidCoord(spec.Pickup.Coord()) || !models.ValidCoord(spec.Dropoff.Coord()) {
		return nil, apperr.Validation("pickup and dropoff need valid coordinates")
	}
	req := &models.DeliveryRequest{
		BuyerID:     buyer.ID,
		FarmerID:    spec.FarmerID,
		ProduceType: strings.TrimSpace(spec.ProduceType),
		Quantity:    spec.Quantity,
		Unit:        unit,
		Pickup:      spec.Pickup,
		Dropoff:     spec.Dropoff,
		Notes:       spec.Notes,
	}
	if err := s.Store.WithTx(ctx, func(tx storage.Tx) error { return s.Seed(ctx, tx, req) }); err != nil {
		return nil, err
	}
	s.Announce(ctx, req)
	return req, nil
}

// Seed inserts req as a new open request inside the caller's unit.
func (s *Service) Seed(ctx context.Context, tx storage.Tx, req *models.DeliveryRequest) error {
	if req.ID == "" {
		req.ID = models.NewID()
	}
	req.Status = models.RequestOpen
	return tx.InsertRequest(ctx, req)
}

// Announce indexes a committed open request and tells drivers about it.
func (s *Service) Announce(ctx context.Context, req *models.DeliveryRequest) {
	if s.Index != nil && !req.Pickup.IsZero() {
		if err := s.Index.Upsert(ctx, req.ID, req.Pickup.Coord()); err != nil {
			s.indexStale.Store(true)
			s.logger().Warn("geo index upsert failed, scanning until reindex", "request_id", req.ID, "error", err)
		}
	}
	s.logger().Info("delivery request opened", "request_id", req.ID, "buyer_id", req.BuyerID, "lot_id", req.LotID)
	s.bus().Emit("request:new", map[string]any{"requestId": req.ID})
}

func (s *Service) GetRequest(ctx context.Context, p models.Principal, id string) (*RequestView, error) {
	req, err := s.Store.GetRequest(ctx, id)
	if err != nil {
		return nil, err
	}
	if !canView(req, p) {
		return nil, apperr.Forbidden("request %s", id)
	}
	quotes, err := s.Store.ListQuotes(ctx, storage.QuoteFilter{RequestID: id, Statuses: models.HeldOfferStatuses})
	if err != nil {
		return nil, err
	}
	return &RequestView{DeliveryRequest: *req, QuotesCount: len(quotes)}, nil
}

// ListQuotes returns the request's live quotes, cheapest first.
func (s *Service) ListQuotes(ctx context.Context, buyer models.Principal, id string) ([]models.Quote, error) {
	req, err := s.Store.GetRequest(ctx, id)
	if err != nil {
		return nil, err
	}
	if !buyer.Owns(req.BuyerID) {
		return nil, apperr.Forbidden("request %s belongs to another buyer", id)
	}
	quotes, err := s.Store.ListQuotes(ctx, storage.QuoteFilter{RequestID: id, Statuses: models.HeldOfferStatuses})
	if err != nil {
		return nil, err
	}
	sort.SliceStable(quotes, func(i, j int) bool { return quotes[i].Amount < quotes[j].Amount })
	return quotes, nil
}

func (s *Service) SubmitQuote(ctx context.Context, driver models.Principal, requestID string, spec QuoteSpec) (*models.Quote, error) {
	if err := driver.Require(models.RoleDriver); err != nil {
		return nil, err
	}
	if spec.Amount <= 0 {
		return nil, apperr.Validation("amount must be positive")
	}
	if spec.ETAMinutes < 0 {
		return nil, apperr.Validation("etaMinutes must not be negative")
	}
	var q *models.Quote
	err := s.Store.WithTx(ctx, func(tx storage.Tx) error {
		req, err := tx.GetRequest(ctx, requestID)
		if err != nil {
			return err
		}
		if req.Status != models.RequestOpen {
			return apperr.Conflict("request is not open")
		}
		held, err := tx.ListQuotes(ctx, storage.QuoteFilter{RequestID: requestID, DriverID: driver.ID, Statuses: models.HeldOfferStatuses})
		if err != nil {
			return err
		}
		if len(held) > 0 {
			return apperr.Conflict("you already have an active quote on this request")
		}
		q = &models.Quote{
			ID:         models.NewID(),
			RequestID:  requestID,
			DriverID:   driver.ID,
			Amount:     spec.Amount,
			Currency:   s.currency(),
			ETAMinutes: spec.ETAMinutes,
			Note:       spec.Note,
			Status:     models.OfferPending,
		}
		return tx.InsertQuote(ctx, q)
	})
	if err != nil {
		return nil, err
	}
	s.logger().Info("quote submitted", "request_id", requestID, "quote_id", q.ID, "driver_id", driver.ID, "amount", q.Amount)
	s.bus().Emit("request:quote", map[string]any{"requestId": requestID, "quoteId": q.ID, "driverId": driver.ID})
	return q, nil
}

func (s *Service) currency() string {
	if s.Ledger == nil {
		return "UGX"
	}
	return s.Ledger.Currency()
}

// OpenRequests lists open requests for a driver, newest first.
func (s *Service) OpenRequests(ctx context.Context, driver models.Principal, q OpenQuery) ([]OpenRequest, error) {
	if err := driver.Require(models.RoleDriver); err != nil {
		return nil, err
	}
	radius := q.RadiusKm
	if radius <= 0 {
		radius = s.DefaultRadiusKm
	}
	if radius <= 0 {
		radius = DefaultRadiusKm
	}
	if q.Near != nil && !models.ValidCoord(*q.Near) {
		return nil, apperr.Validation("near coordinate out of range")
	}

	quoted := map[string]bool{}
	if !q.IncludeQuoted {
		mine, err := s.Store.ListQuotes(ctx, storage.QuoteFilter{DriverID: driver.ID, Statuses: models.HeldOfferStatuses})
		if err != nil {
			return nil, err
		}
		for _, mq := range mine {
			quoted[mq.RequestID] = true
		}
	}

	rows, err := s.openRows(ctx, q.Near, radius)
	if err != nil {
		return nil, err
	}
	out := make([]OpenRequest, 0, len(rows))
	for i := len(rows) - 1; i >= 0; i-- {
		req := rows[i]
		if quoted[req.ID] {
			continue
		}
		item := OpenRequest{DeliveryRequest: req}
		if q.Near != nil {
			if !geo.Within(*q.Near, req.Pickup.Coord(), radius) {
				continue
			}
			km := geo.DistanceMeters(*q.Near, req.Pickup.Coord()) / 1000
			item.DistanceKm = &km
			if s.ETA != nil {
				m := s.ETA.Minutes(ctx, *q.Near, req.Pickup.Coord())
				item.PickupETAMinutes = &m
			}
		}
		out = append(out, item)
	}
	return out, nil
}

// openRows returns open requests oldest first. With a center it reads the
// proximity index, padded so that an index measuring on a slightly larger
// earth never drops a pickup the haversine filter keeps. Every hit is
// reloaded from the store; the caller applies the exact radius check.
func (s *Service) openRows(ctx context.Context, near *models.Coord, radiusKm float64) ([]models.DeliveryRequest, error) {
	if near != nil && s.Index != nil && !s.indexStale.Load() {
		ids, err := s.Index.Nearby(ctx, *near, indexRadiusKm(radiusKm))
		if err == nil {
			return s.loadOpen(ctx, ids)
		}
		s.logger().Warn("geo index lookup failed, scanning", "error", err)
	}
	return s.Store.ListRequests(ctx, storage.RequestFilter{Statuses: []models.RequestStatus{models.RequestOpen}})
}

func indexRadiusKm(radiusKm float64) float64 {
	return radiusKm*1.001 + 0.05
}

func (s *Service) loadOpen(ctx context.Context, ids []string) ([]models.DeliveryRequest, error) {
	rows := make([]models.DeliveryRequest, 0, len(ids))
	for _, id := range ids {
		req, err := s.Store.GetRequest(ctx, id)
		if errors.Is(err, apperr.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if req.Status != models.RequestOpen {
			continue
		}
		rows = append(rows, *req)
	}
	sort.SliceStable(rows, func(i, j int) bool {
		if rows[i].CreatedAt.Equal(rows[j].CreatedAt) {
			return rows[i].ID < rows[j].ID
		}
		return rows[i].CreatedAt.Before(rows[j].CreatedAt)
	})
	return rows, nil
}

// MyQuote returns the driver's most recent quote on a request.
func (s *Service) MyQuote(ctx context.Context, driver models.Principal, requestID string) (*models.Quote, error) {
	if err := driver.Require(models.RoleDriver); err != nil {
		return nil, err
	}
	rows, err := s.Store.ListQuotes(ctx, storage.QuoteFilter{RequestID: requestID, DriverID: driver.ID})
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, apperr.NotFound("no quote on request %s", requestID)
	}
	q := rows[len(rows)-1]
	return &q, nil
}

// MyQuotes lists the driver's quotes newest first, optionally by status.
func (s *Service) MyQuotes(ctx context.Context, driver models.Principal, status string) ([]models.Quote, error) {
	if err := driver.Require(models.RoleDriver); err != nil {
		return nil, err
	}
	f := storage.QuoteFilter{DriverID: driver.ID}
	if status != "" {
		st := models.OfferStatus(strings.ToLower(status))
		switch st {
		case models.OfferPending, models.OfferAccepted, models.OfferRejected, models.OfferWithdrawn, models.OfferActive:
			f.Statuses = []models.OfferStatus{st}
		default:
			return nil, apperr.Validation("unknown quote status %q", status)
		}
	}
	rows, err := s.Store.ListQuotes(ctx, f)
	if err != nil {
		return nil, err
	}
	for i, j := 0, len(rows)-1; i < j; i, j = i+1, j-1 {
		rows[i], rows[j] = rows[j], rows[i]
	}
	return rows, nil
}

func (s *Service) WithdrawQuote(ctx context.Context, driver models.Principal, quoteID string) (*models.Quote, error) {
	if err := driver.Require(models.RoleDriver); err != nil {
		return nil, err
	}
	var q *models.Quote
	err := s.Store.WithTx(ctx, func(tx storage.Tx) error {
		var err error
		if q, err = tx.GetQuote(ctx, quoteID); err != nil {
			return err
		}
		if !driver.Owns(q.DriverID) {
			return apperr.Forbidden("quote %s belongs to another driver", quoteID)
		}
		if q.Status != models.OfferPending {
			return apperr.Conflict("only pending quotes can be withdrawn")
		}
		q.Status = models.OfferWithdrawn
		return tx.UpdateQuote(ctx, q, models.OfferPending)
	})
	if err != nil {
		return nil, err
	}
	return q, nil
}

// AcceptQuote awards the request to one quote and returns the new job id.
func (s *Service) AcceptQuote(ctx context.Context, buyer models.Principal, requestID, quoteID string) (string, error) {
	if err := buyer.Require(models.RoleBuyer); err != nil {
		return "", err
	}
	c := &quoteContest{s: s, requestID: requestID, quoteID: quoteID}
	if err := s.Arbiter.Accept(ctx, buyer, c); err != nil {
		return "", err
	}
	return c.job.ID, nil
}

// CancelRequest withdraws an open request and rejects its pending quotes.
func (s *Service) CancelRequest(ctx context.Context, buyer models.Principal, id string) (*models.DeliveryRequest, error) {
	if err := buyer.Require(models.RoleBuyer); err != nil {
		return nil, err
	}
	var req *models.DeliveryRequest
	err := s.Store.WithTx(ctx, func(tx storage.Tx) error {
		var err error
		if req, err = tx.GetRequest(ctx, id); err != nil {
			return err
		}
		if !buyer.Owns(req.BuyerID) {
			return apperr.Forbidden("request %s belongs to another buyer", id)
		}
		if req.Status != models.RequestOpen {
			return apperr.Conflict("request is %s", req.Status)
		}
		req.Status = models.RequestCancelled
		if err := tx.UpdateRequest(ctx, req, models.RequestOpen); err != nil {
			return err
		}
		_, err = rejectPending(ctx, tx, id, "")
		return err
	})
	if err != nil {
		return nil, err
	}
	s.unindex(ctx, id)
	s.bus().Emit("request:cancelled", map[string]any{"requestId": id})
	return req, nil
}

// Reindex loads every open request into the proximity index.
func (s *Service) Reindex(ctx context.Context) (int, error) {
	if s.Index == nil {
		return 0, nil
	}
	rows, err := s.Store.ListRequests(ctx, storage.RequestFilter{Statuses: []models.RequestStatus{models.RequestOpen}})
	if err != nil {
		return 0, err
	}
	n := 0
	for _, req := range rows {
		if req.Pickup.IsZero() {
			continue
		}
		if err := s.Index.Upsert(ctx, req.ID, req.Pickup.Coord()); err != nil {
			return n, err
		}
		n++
	}
	s.indexStale.Store(false)
	return n, nil
}

func (s *Service) unindex(ctx context.Context, id string) {
	if s.Index == nil {
		return
	}
	if err := s.Index.Remove(ctx, id); err != nil {
		s.logger().Warn("geo index remove failed", "request_id", id, "error", err)
	}
}

// rejectPending rejects every pending quote on a request except keep.
func rejectPending(ctx context.Context, tx storage.Tx, requestID, keep string) (int, error) {
	rows, err := tx.ListQuotes(ctx, storage.QuoteFilter{RequestID: requestID, Statuses: []models.OfferStatus{models.OfferPending}})
	if err != nil {
		return 0, err
	}
	n := 0
	for i := range rows {
		if rows[i].ID == keep {
			continue
		}
		rows[i].Status = models.OfferRejected
		if err := tx.UpdateQuote(ctx, &rows[i], models.OfferPending); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

func canView(req *models.DeliveryRequest, p models.Principal) bool {
	switch {
	case p.ID == "":
		return false
	case p.Role == models.RoleAdmin, p.Role == models.RoleDriver:
		return true
	case p.Role == models.RoleBuyer:
		return p.ID == req.BuyerID
	case p.Role == models.RoleFarmer:
		return p.ID == req.FarmerID
	}
	return false
}
