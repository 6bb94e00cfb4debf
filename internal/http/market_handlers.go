package httpapi

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/example/farm-market/internal/apperr"
	"github.com/example/farm-market/internal/broker"
	"github.com/example/farm-market/internal/market"
	"github.com/example/farm-market/internal/models"
)

type placeInput struct {
	Name    string   `json:"name" validate:"max=200"`
	Address string   `json:"address" validate:"max=500"`
	Lat     *float64 `json:"lat" validate:"required,gte=-90,lte=90"`
	Lng     *float64 `json:"lng" validate:"required,gte=-180,lte=180"`
}

func (p *placeInput) place() models.Place {
	if p == nil {
		return models.Place{}
	}
	return models.Place{Name: p.Name, Address: p.Address, Lat: *p.Lat, Lng: *p.Lng}
}

type createLotInput struct {
	ProduceType  string      `json:"produceType" validate:"required,max=100"`
	Description  string      `json:"description" validate:"max=1000"`
	Quantity     float64     `json:"quantity" validate:"gt=0"`
	Unit         string      `json:"unit" validate:"max=20"`
	ReservePrice int64       `json:"reservePrice" validate:"gte=0"`
	Pickup       *placeInput `json:"pickup" validate:"required"`
}

type placeBidInput struct {
	Amount   int64   `json:"amount" validate:"gt=0"`
	Quantity float64 `json:"quantity" validate:"gte=0"`
	Units    string  `json:"units" validate:"max=20"`
	Note     string  `json:"note" validate:"max=500"`
}

type createRequestInput struct {
	FarmerID    string      `json:"farmerId" validate:"max=100"`
	ProduceType string      `json:"produceType" validate:"required,max=100"`
	Quantity    float64     `json:"quantity" validate:"gt=0"`
	Unit        string      `json:"unit" validate:"max=20"`
	Pickup      *placeInput `json:"pickup" validate:"required"`
	Dropoff     *placeInput `json:"dropoff" validate:"required"`
	Notes       string      `json:"notes" validate:"max=1000"`
}

func (s *Server) handleCreateLot(w http.ResponseWriter, r *http.Request) {
	var in createLotInput
	if err := s.decode(r, &in); err != nil {
		s.writeError(w, r, err)
		return
	}
	lot, err := s.market.CreateLot(r.Context(), principalOf(r), market.LotSpec{
		ProduceType:  in.ProduceType,
		Description:  in.Description,
		Quantity:     in.Quantity,
		Unit:         in.Unit,
		ReservePrice: in.ReservePrice,
		Pickup:       in.Pickup.place(),
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"id": lot.ID, "status": lot.Status})
}

func (s *Server) handleOpenLots(w http.ResponseWriter, r *http.Request) {
	lots, err := s.market.OpenLots(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, lots)
}

func (s *Server) handleGetLot(w http.ResponseWriter, r *http.Request) {
	lot, err := s.market.GetLot(r.Context(), pathVar(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, lot)
}

func (s *Server) handleCancelLot(w http.ResponseWriter, r *http.Request) {
	lot, err := s.market.CancelLot(r.Context(), principalOf(r), pathVar(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, lot)
}

func (s *Server) handlePlaceBid(w http.ResponseWriter, r *http.Request) {
	var in placeBidInput
	if err := s.decode(r, &in); err != nil {
		s.writeError(w, r, err)
		return
	}
	bid, err := s.market.PlaceBid(r.Context(), principalOf(r), pathVar(r, "id"), market.BidSpec{
		Amount: in.Amount, Quantity: in.Quantity, Units: in.Units, Note: in.Note,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"bidId": bid.ID})
}

func (s *Server) handleListBids(w http.ResponseWriter, r *http.Request) {
	bids, err := s.market.ListBids(r.Context(), principalOf(r), pathVar(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, bids)
}

func (s *Server) handleAcceptBid(w http.ResponseWriter, r *http.Request) {
	requestID, err := s.market.AcceptBid(r.Context(), principalOf(r), pathVar(r, "id"), pathVar(r, "bidId"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"requestId": requestID})
}

func (s *Server) handleMyBids(w http.ResponseWriter, r *http.Request) {
	bids, err := s.market.MyBids(r.Context(), principalOf(r))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, bids)
}

func (s *Server) handleWithdrawBid(w http.ResponseWriter, r *http.Request) {
	bid, err := s.market.WithdrawBid(r.Context(), principalOf(r), pathVar(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, bid)
}

func (s *Server) handleCreateRequest(w http.ResponseWriter, r *http.Request) {
	var in createRequestInput
	if err := s.decode(r, &in); err != nil {
		s.writeError(w, r, err)
		return
	}
	req, err := s.broker.CreateRequest(r.Context(), principalOf(r), broker.RequestSpec{
		FarmerID:    in.FarmerID,
		ProduceType: in.ProduceType,
		Quantity:    in.Quantity,
		Unit:        in.Unit,
		Pickup:      in.Pickup.place(),
		Dropoff:     in.Dropoff.place(),
		Notes:       in.Notes,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"id": req.ID, "status": req.Status})
}

func (s *Server) handleGetRequest(w http.ResponseWriter, r *http.Request) {
	view, err := s.broker.GetRequest(r.Context(), principalOf(r), pathVar(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleListQuotes(w http.ResponseWriter, r *http.Request) {
	quotes, err := s.broker.ListQuotes(r.Context(), principalOf(r), pathVar(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, quotes)
}

func (s *Server) handleAcceptQuote(w http.ResponseWriter, r *http.Request) {
	jobID, err := s.broker.AcceptQuote(r.Context(), principalOf(r), pathVar(r, "id"), pathVar(r, "quoteId"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"jobId": jobID})
}

func (s *Server) handleCancelRequest(w http.ResponseWriter, r *http.Request) {
	req, err := s.broker.CancelRequest(r.Context(), principalOf(r), pathVar(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, req)
}

// parseOpenQuery reads nearLat, nearLng, within_km and includeQuoted.
func parseOpenQuery(r *http.Request) (broker.OpenQuery, error) {
	q := r.URL.Query()
	var out broker.OpenQuery
	latRaw, lngRaw := q.Get("nearLat"), q.Get("nearLng")
	if latRaw != "" || lngRaw != "" {
		lat, err := strconv.ParseFloat(latRaw, 64)
		if err != nil {
			return out, apperr.Validation("nearLat must be a number")
		}
		lng, err := strconv.ParseFloat(lngRaw, 64)
		if err != nil {
			return out, apperr.Validation("nearLng must be a number")
		}
		out.Near = &models.Coord{Lat: lat, Lng: lng}
	}
	if v := q.Get("within_km"); v != "" {
		km, err := strconv.ParseFloat(v, 64)
		if err != nil || km <= 0 {
			return out, apperr.Validation("within_km must be a positive number")
		}
		out.RadiusKm = km
	}
	switch strings.ToLower(q.Get("includeQuoted")) {
	case "1", "true", "yes":
		out.IncludeQuoted = true
	}
	return out, nil
}

func (s *Server) handleOpenRequests(w http.ResponseWriter, r *http.Request) {
	q, err := parseOpenQuery(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	rows, err := s.broker.OpenRequests(r.Context(), principalOf(r), q)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rows)
}
