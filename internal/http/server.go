package httpapi

import (
	"context"
	"log/slog"
	"net/http"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/example/farm-market/internal/broker"
	"github.com/example/farm-market/internal/dispatch"
	"github.com/example/farm-market/internal/jobs"
	"github.com/example/farm-market/internal/market"
	"github.com/example/farm-market/internal/models"
	"github.com/example/farm-market/internal/nfc"
	"github.com/example/farm-market/internal/storage"
)

// Deps are the services the API fronts. Ready, when set, backs /healthz.
type Deps struct {
	Market    *market.Service
	Broker    *broker.Service
	Jobs      *jobs.Service
	NFC       *nfc.Gate
	Store     storage.Reader
	WS        *dispatch.WSRegistry
	JWTSecret []byte
	Logger    *slog.Logger
	Ready     func(ctx context.Context) error
}

type Server struct {
	market   *market.Service
	broker   *broker.Service
	jobs     *jobs.Service
	nfc      *nfc.Gate
	store    storage.Reader
	ws       *dispatch.WSRegistry
	secret   []byte
	ready    func(ctx context.Context) error
	logger   *slog.Logger
	validate *validator.Validate
	mux      *mux.Router
}

func NewServer(d Deps) *Server {
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	s := &Server{
		market:   d.Market,
		broker:   d.Broker,
		jobs:     d.Jobs,
		nfc:      d.NFC,
		store:    d.Store,
		ws:       d.WS,
		secret:   d.JWTSecret,
		ready:    d.Ready,
		logger:   logger,
		validate: v,
		mux:      mux.NewRouter(),
	}
	s.registerMiddleware()
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("/healthz", s.handleHealth).Methods("GET")
	s.mux.Handle("/metrics", promhttp.Handler()).Methods("GET")

	api := s.mux.PathPrefix("/").Subrouter()
	api.Use(s.authMiddleware)

	api.HandleFunc("/lots", s.handleCreateLot).Methods("POST")
	api.HandleFunc("/lots/open", s.handleOpenLots).Methods("GET")
	api.HandleFunc("/lots/{id}", s.handleGetLot).Methods("GET")
	api.HandleFunc("/lots/{id}/cancel", s.handleCancelLot).Methods("POST")
	api.HandleFunc("/lots/{id}/bids", s.handlePlaceBid).Methods("POST")
	api.HandleFunc("/lots/{id}/bids", s.handleListBids).Methods("GET")
	api.HandleFunc("/lots/{id}/bids/{bidId}/accept", s.handleAcceptBid).Methods("POST")
	api.HandleFunc("/bids/mine", s.handleMyBids).Methods("GET")
	api.HandleFunc("/bids/{id}/withdraw", s.handleWithdrawBid).Methods("POST")

	api.HandleFunc("/requests", s.handleCreateRequest).Methods("POST")
	api.HandleFunc("/requests/{id}", s.handleGetRequest).Methods("GET")
	api.HandleFunc("/requests/{id}/quotes", s.handleListQuotes).Methods("GET")
	api.HandleFunc("/requests/{id}/quotes/{quoteId}/accept", s.handleAcceptQuote).Methods("POST")
	api.HandleFunc("/requests/{id}/cancel", s.handleCancelRequest).Methods("POST")

	api.HandleFunc("/driver/requests/open", s.handleOpenRequests).Methods("GET")
	api.HandleFunc("/driver/requests/{id}/quote", s.handleSubmitQuote).Methods("POST")
	api.HandleFunc("/driver/requests/{id}/quote", s.handleMyQuote).Methods("GET")
	api.HandleFunc("/driver/quotes", s.handleMyQuotes).Methods("GET")
	api.HandleFunc("/driver/quotes/{id}/withdraw", s.handleWithdrawQuote).Methods("POST")
	api.HandleFunc("/driver/quotes/{id}/confirm", s.handleConfirmQuote).Methods("POST")

	api.HandleFunc("/driver/jobs", s.handleListJobs).Methods("GET")
	api.HandleFunc("/driver/jobs/{id}", s.handleGetJob).Methods("GET")
	api.HandleFunc("/driver/jobs/{id}/accept", s.handleAcceptJob).Methods("POST")
	api.HandleFunc("/driver/jobs/{id}/confirm", s.handleConfirmJob).Methods("POST")
	api.HandleFunc("/driver/jobs/{id}/pickup-confirm", s.handlePickupConfirm).Methods("POST")
	api.HandleFunc("/driver/jobs/{id}/delivery-confirm", s.handleDeliveryConfirm).Methods("POST")
	api.HandleFunc("/driver/jobs/{id}/checkpoints", s.handleCheckpoint).Methods("POST")

	api.HandleFunc("/jobs/{id}", s.handleGetJob).Methods("GET")
	api.HandleFunc("/jobs/{id}/tracking", s.handleTracking).Methods("GET")
	api.HandleFunc("/jobs/{id}/cancel", s.handleCancelJob).Methods("POST")

	api.HandleFunc("/payments/jobs/{jobId}/release-nfc", s.handleReleaseNFC).Methods("POST")
	api.HandleFunc("/payments/targets/{id}/intents", s.handleIntents).Methods("GET")

	api.HandleFunc("/nfc/tags", s.handleListTags).Methods("GET")
	api.HandleFunc("/nfc/tags/register", s.handleRegisterTag).Methods("POST")
	api.HandleFunc("/nfc/tags/{id}", s.handleRemoveTag).Methods("DELETE")

	api.HandleFunc("/ws", s.handleWS).Methods("GET")
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.ready != nil {
		if err := s.ready(r.Context()); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, errorResponse{Message: err.Error()})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

var upgrader = websocket.Upgrader{}

// handleWS subscribes the caller to the event stream until the socket
// closes.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	if s.ws == nil {
		writeJSON(w, http.StatusServiceUnavailable, errorResponse{Message: "event stream disabled"})
		return
	}
	p := principalFrom(r.Context())
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	id := p.ID + ":" + requestIDFromContext(r.Context())
	s.ws.Add(id, conn)
	go func() {
		defer s.ws.Remove(id)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

func principalOf(r *http.Request) models.Principal { return principalFrom(r.Context()) }

func pathVar(r *http.Request, name string) string { return mux.Vars(r)[name] }
