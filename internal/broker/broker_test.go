package broker

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/farm-market/internal/apperr"
	"github.com/example/farm-market/internal/arbiter"
	"github.com/example/farm-market/internal/dispatch"
	"github.com/example/farm-market/internal/escrow"
	"github.com/example/farm-market/internal/eta"
	"github.com/example/farm-market/internal/geo"
	"github.com/example/farm-market/internal/models"
	"github.com/example/farm-market/internal/payments"
	"github.com/example/farm-market/internal/storage"
)

var (
	kampala = models.Place{Name: "Owino", Lat: 0.3136, Lng: 32.5811}
	wakiso  = models.Place{Name: "Wakiso farm", Lat: 0.4044, Lng: 32.4594}
	mbarara = models.Place{Name: "Mbarara", Lat: -0.6072, Lng: 30.6545}
)

type voidRecorder struct {
	payments.MockClient
	mu     sync.Mutex
	voided []string
}

func (v *voidRecorder) Void(_ context.Context, ref string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.voided = append(v.voided, ref)
	return nil
}

func newService(store storage.Store, provider payments.Provider) (*Service, *dispatch.Recorder) {
	bus := &dispatch.Recorder{}
	return &Service{
		Store:   store,
		Arbiter: arbiter.New(store, nil),
		Ledger:  escrow.NewLedger(provider, "UGX", time.Second, nil),
		Index:   geo.NewMemoryIndex(),
		ETA:     eta.NewEstimator(nil, nil, 10),
		Bus:     bus,
	}, bus
}

func mustRequest(t *testing.T, s *Service, buyer string, pickup models.Place) *models.DeliveryRequest {
	t.Helper()
	req, err := s.CreateRequest(context.Background(), models.Buyer(buyer), RequestSpec{
		ProduceType: "maize", Quantity: 500, Pickup: pickup, Dropoff: kampala,
	})
	require.NoError(t, err)
	return req
}

func mustQuote(t *testing.T, s *Service, driver, requestID string, amount int64) *models.Quote {
	t.Helper()
	q, err := s.SubmitQuote(context.Background(), models.Driver(driver), requestID, QuoteSpec{Amount: amount, ETAMinutes: 30})
	require.NoError(t, err)
	return q
}

func TestCreateRequestValidation(t *testing.T) {
	s, _ := newService(storage.NewMemoryStore(), payments.NewMockClient())
	ctx := context.Background()

	_, err := s.CreateRequest(ctx, models.Driver("d1"), RequestSpec{ProduceType: "maize", Quantity: 1, Pickup: wakiso})
	assert.ErrorIs(t, err, apperr.ErrForbidden)
	_, err = s.CreateRequest(ctx, models.Buyer("b1"), RequestSpec{ProduceType: "maize", Quantity: 0, Pickup: wakiso})
	assert.ErrorIs(t, err, apperr.ErrValidation)
	_, err = s.CreateRequest(ctx, models.Buyer("b1"), RequestSpec{ProduceType: "maize", Quantity: 1, Unit: "bushels", Pickup: wakiso})
	assert.ErrorIs(t, err, apperr.ErrValidation)
	_, err = s.CreateRequest(ctx, models.Buyer("b1"), RequestSpec{ProduceType: "maize", Quantity: 1})
	assert.ErrorIs(t, err, apperr.ErrValidation)

	req := mustRequest(t, s, "b1", wakiso)
	assert.Equal(t, models.RequestOpen, req.Status)
	assert.Equal(t, "Kg", req.Unit)
}

func TestSubmitQuoteRejectsDuplicateActiveQuote(t *testing.T) {
	s, bus := newService(storage.NewMemoryStore(), payments.NewMockClient())
	req := mustRequest(t, s, "b1", wakiso)
	q := mustQuote(t, s, "d1", req.ID, 15000)
	assert.Equal(t, "UGX", q.Currency)

	_, err := s.SubmitQuote(context.Background(), models.Driver("d1"), req.ID, QuoteSpec{Amount: 14000})
	require.ErrorIs(t, err, apperr.ErrConflict)

	// withdrawing frees the slot
	_, err = s.WithdrawQuote(context.Background(), models.Driver("d1"), q.ID)
	require.NoError(t, err)
	mustQuote(t, s, "d1", req.ID, 14000)

	assert.Equal(t, []string{"request:new", "request:quote", "request:quote"}, bus.Names())
}

func TestListQuotesSortedByAmount(t *testing.T) {
	s, _ := newService(storage.NewMemoryStore(), payments.NewMockClient())
	req := mustRequest(t, s, "b1", wakiso)
	q1 := mustQuote(t, s, "d1", req.ID, 20000)
	q2 := mustQuote(t, s, "d2", req.ID, 15000)
	q3 := mustQuote(t, s, "d3", req.ID, 20000)
	q4 := mustQuote(t, s, "d4", req.ID, 18000)
	_, err := s.WithdrawQuote(context.Background(), models.Driver("d4"), q4.ID)
	require.NoError(t, err)

	quotes, err := s.ListQuotes(context.Background(), models.Buyer("b1"), req.ID)
	require.NoError(t, err)
	var ids []string
	for _, q := range quotes {
		ids = append(ids, q.ID)
	}
	assert.Equal(t, []string{q2.ID, q1.ID, q3.ID}, ids)

	_, err = s.ListQuotes(context.Background(), models.Buyer("b2"), req.ID)
	assert.ErrorIs(t, err, apperr.ErrForbidden)

	view, err := s.GetRequest(context.Background(), models.Buyer("b1"), req.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, view.QuotesCount)
}

func TestOpenRequestsFilters(t *testing.T) {
	s, _ := newService(storage.NewMemoryStore(), payments.NewMockClient())
	ctx := context.Background()
	near := mustRequest(t, s, "b1", wakiso)
	far := mustRequest(t, s, "b1", mbarara)
	quoted := mustRequest(t, s, "b2", wakiso)
	mustQuote(t, s, "d1", quoted.ID, 9000)
	d1 := models.Driver("d1")

	all, err := s.OpenRequests(ctx, d1, OpenQuery{})
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, far.ID, all[0].ID, "newest first")
	assert.Equal(t, near.ID, all[1].ID)

	withQuoted, err := s.OpenRequests(ctx, d1, OpenQuery{IncludeQuoted: true})
	require.NoError(t, err)
	assert.Len(t, withQuoted, 3)

	here := kampala.Coord()
	nearby, err := s.OpenRequests(ctx, d1, OpenQuery{Near: &here})
	require.NoError(t, err)
	require.Len(t, nearby, 1)
	assert.Equal(t, near.ID, nearby[0].ID)
	require.NotNil(t, nearby[0].DistanceKm)
	assert.InDelta(t, 16.7, *nearby[0].DistanceKm, 1.5)
	require.NotNil(t, nearby[0].PickupETAMinutes)
	assert.Greater(t, *nearby[0].PickupETAMinutes, 0)

	wide, err := s.OpenRequests(ctx, d1, OpenQuery{Near: &here, RadiusKm: 500})
	require.NoError(t, err)
	assert.Len(t, wide, 2)

	tiny, err := s.OpenRequests(ctx, d1, OpenQuery{Near: &here, RadiusKm: 1})
	require.NoError(t, err)
	assert.Empty(t, tiny)
}

func TestOpenRequestsWithoutIndexMatchesIndexed(t *testing.T) {
	s, _ := newService(storage.NewMemoryStore(), payments.NewMockClient())
	mustRequest(t, s, "b1", wakiso)
	mustRequest(t, s, "b1", mbarara)
	here := kampala.Coord()

	indexed, err := s.OpenRequests(context.Background(), models.Driver("d9"), OpenQuery{Near: &here})
	require.NoError(t, err)
	s.Index = nil
	scanned, err := s.OpenRequests(context.Background(), models.Driver("d9"), OpenQuery{Near: &here})
	require.NoError(t, err)
	assert.Equal(t, len(indexed), len(scanned))
}

func TestAcceptQuoteSpawnsJob(t *testing.T) {
	store := storage.NewMemoryStore()
	s, bus := newService(store, payments.NewMockClient())
	ctx := context.Background()
	req := mustRequest(t, s, "b1", wakiso)
	q1 := mustQuote(t, s, "d1", req.ID, 15000)
	q2 := mustQuote(t, s, "d2", req.ID, 16000)

	_, err := s.AcceptQuote(ctx, models.Buyer("b2"), req.ID, q1.ID)
	require.ErrorIs(t, err, apperr.ErrForbidden)

	jobID, err := s.AcceptQuote(ctx, models.Buyer("b1"), req.ID, q1.ID)
	require.NoError(t, err)

	job, err := store.GetJob(ctx, jobID)
	require.NoError(t, err)
	assert.Equal(t, models.JobAwaitingDriverConfirm, job.Status)
	assert.Equal(t, "d1", job.AcceptedBy)
	assert.Equal(t, int64(15000), job.PaymentAmount)
	assert.NotEqual(t, job.FarmerCode, job.BuyerCode)
	assert.Len(t, job.FarmerCode, 4)

	got, err := store.GetRequest(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RequestAwarded, got.Status)
	assert.Equal(t, q1.ID, got.ChosenQuoteID)
	assert.Equal(t, jobID, got.JobID)

	loser, err := store.GetQuote(ctx, q2.ID)
	require.NoError(t, err)
	assert.Equal(t, models.OfferRejected, loser.Status)

	hold, err := escrow.Active(ctx, store, jobID, models.IntentTransport)
	require.NoError(t, err)
	require.NotNil(t, hold)
	assert.Equal(t, int64(15000), hold.Amount)
	assert.Equal(t, "d1", hold.DriverID)

	_, err = s.AcceptQuote(ctx, models.Buyer("b1"), req.ID, q2.ID)
	assert.ErrorIs(t, err, apperr.ErrConflict)

	evs := bus.Events()
	last := evs[len(evs)-1]
	assert.Equal(t, "quote:accepted", last.Name)
	assert.Equal(t, map[string]any{"requestId": req.ID, "driverId": "d1", "jobId": jobID}, last.Payload)

	ids, err := s.Index.Nearby(ctx, wakiso.Coord(), 1)
	require.NoError(t, err)
	assert.Empty(t, ids, "awarded requests leave the index")
}

func TestAcceptQuoteGuards(t *testing.T) {
	s, _ := newService(storage.NewMemoryStore(), payments.NewMockClient())
	ctx := context.Background()
	req := mustRequest(t, s, "b1", wakiso)
	other := mustRequest(t, s, "b1", wakiso)
	q := mustQuote(t, s, "d1", other.ID, 100)

	_, err := s.AcceptQuote(ctx, models.Buyer("b1"), "missing", q.ID)
	assert.ErrorIs(t, err, apperr.ErrNotFound)
	_, err = s.AcceptQuote(ctx, models.Buyer("b1"), req.ID, q.ID)
	assert.ErrorIs(t, err, apperr.ErrNotFound, "quote on another request")
	_, err = s.AcceptQuote(ctx, models.Driver("d1"), other.ID, q.ID)
	assert.ErrorIs(t, err, apperr.ErrForbidden)
}

func TestConcurrentAcceptHasOneWinner(t *testing.T) {
	store := storage.NewMemoryStore()
	s, _ := newService(store, payments.NewMockClient())
	ctx := context.Background()
	req := mustRequest(t, s, "b1", wakiso)
	var quotes []*models.Quote
	for _, d := range []string{"d1", "d2", "d3", "d4", "d5", "d6"} {
		quotes = append(quotes, mustQuote(t, s, d, req.ID, 10000))
	}

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		wins      int
		conflicts int
	)
	for _, q := range quotes {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			_, err := s.AcceptQuote(ctx, models.Buyer("b1"), req.ID, id)
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				wins++
			} else if errors.Is(err, apperr.ErrConflict) {
				conflicts++
			}
		}(q.ID)
	}
	wg.Wait()
	assert.Equal(t, 1, wins)
	assert.Equal(t, len(quotes)-1, conflicts)

	accepted, err := store.ListQuotes(ctx, storage.QuoteFilter{RequestID: req.ID, Statuses: []models.OfferStatus{models.OfferAccepted}})
	require.NoError(t, err)
	assert.Len(t, accepted, 1)
	pending, err := store.ListQuotes(ctx, storage.QuoteFilter{RequestID: req.ID, Statuses: []models.OfferStatus{models.OfferPending}})
	require.NoError(t, err)
	assert.Empty(t, pending)
	jobs, err := store.ListJobs(ctx, storage.JobFilter{})
	require.NoError(t, err)
	assert.Len(t, jobs, 1)
}

type failingStore struct{ *storage.MemoryStore }

func (f failingStore) WithTx(ctx context.Context, fn func(tx storage.Tx) error) error {
	return f.MemoryStore.WithTx(ctx, func(tx storage.Tx) error { return fn(failingTx{tx}) })
}

// failingTx refuses the final request write of a quote acceptance.
type failingTx struct{ storage.Tx }

func (t failingTx) UpdateRequest(ctx context.Context, req *models.DeliveryRequest, expect models.RequestStatus) error {
	if expect == models.RequestAwarded {
		return errors.New("disk full")
	}
	return t.Tx.UpdateRequest(ctx, req, expect)
}

func TestAcceptFailureAfterHoldVoidsIt(t *testing.T) {
	mem := storage.NewMemoryStore()
	provider := &voidRecorder{}
	s, _ := newService(failingStore{mem}, provider)
	s.Index = nil
	ctx := context.Background()
	req := mustRequest(t, s, "b1", wakiso)
	q := mustQuote(t, s, "d1", req.ID, 15000)

	_, err := s.AcceptQuote(ctx, models.Buyer("b1"), req.ID, q.ID)
	require.Error(t, err)
	assert.Len(t, provider.voided, 1)

	got, err := mem.GetRequest(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RequestOpen, got.Status)
	stored, err := mem.GetQuote(ctx, q.ID)
	require.NoError(t, err)
	assert.Equal(t, models.OfferPending, stored.Status)
	intents, err := mem.ListIntents(ctx, storage.IntentFilter{})
	require.NoError(t, err)
	assert.Empty(t, intents)
}

func TestCancelRequest(t *testing.T) {
	store := storage.NewMemoryStore()
	s, bus := newService(store, payments.NewMockClient())
	ctx := context.Background()
	req := mustRequest(t, s, "b1", wakiso)
	q := mustQuote(t, s, "d1", req.ID, 100)

	_, err := s.CancelRequest(ctx, models.Buyer("b2"), req.ID)
	require.ErrorIs(t, err, apperr.ErrForbidden)

	got, err := s.CancelRequest(ctx, models.Buyer("b1"), req.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RequestCancelled, got.Status)
	stored, err := store.GetQuote(ctx, q.ID)
	require.NoError(t, err)
	assert.Equal(t, models.OfferRejected, stored.Status)

	_, err = s.SubmitQuote(ctx, models.Driver("d2"), req.ID, QuoteSpec{Amount: 100})
	assert.ErrorIs(t, err, apperr.ErrConflict)
	assert.Contains(t, bus.Names(), "request:cancelled")
}

func TestMyQuotes(t *testing.T) {
	s, _ := newService(storage.NewMemoryStore(), payments.NewMockClient())
	ctx := context.Background()
	r1 := mustRequest(t, s, "b1", wakiso)
	r2 := mustRequest(t, s, "b1", wakiso)
	q1 := mustQuote(t, s, "d1", r1.ID, 100)
	q2 := mustQuote(t, s, "d1", r2.ID, 200)
	_, err := s.WithdrawQuote(ctx, models.Driver("d1"), q1.ID)
	require.NoError(t, err)

	mine, err := s.MyQuote(ctx, models.Driver("d1"), r2.ID)
	require.NoError(t, err)
	assert.Equal(t, q2.ID, mine.ID)
	_, err = s.MyQuote(ctx, models.Driver("d2"), r2.ID)
	assert.ErrorIs(t, err, apperr.ErrNotFound)

	all, err := s.MyQuotes(ctx, models.Driver("d1"), "")
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, q2.ID, all[0].ID)

	withdrawn, err := s.MyQuotes(ctx, models.Driver("d1"), "withdrawn")
	require.NoError(t, err)
	require.Len(t, withdrawn, 1)
	assert.Equal(t, q1.ID, withdrawn[0].ID)

	_, err = s.MyQuotes(ctx, models.Driver("d1"), "lost")
	assert.ErrorIs(t, err, apperr.ErrValidation)

	_, err = s.WithdrawQuote(ctx, models.Driver("d2"), q2.ID)
	assert.ErrorIs(t, err, apperr.ErrForbidden)
}

func TestReindex(t *testing.T) {
	store := storage.NewMemoryStore()
	s, _ := newService(store, payments.NewMockClient())
	mustRequest(t, s, "b1", wakiso)
	mustRequest(t, s, "b1", mbarara)

	s.Index = geo.NewMemoryIndex()
	n, err := s.Reindex(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	ids, err := s.Index.Nearby(context.Background(), wakiso.Coord(), 1)
	require.NoError(t, err)
	assert.Len(t, ids, 1)
}

// redisEarthIndex measures like Redis GEOSEARCH, on a slightly larger earth
// than geo.DistanceMeters.
type redisEarthIndex struct {
	*geo.MemoryIndex
	points map[string]models.Coord
	fail   bool
}

func newRedisEarthIndex() *redisEarthIndex {
	return &redisEarthIndex{MemoryIndex: geo.NewMemoryIndex(), points: map[string]models.Coord{}}
}

func (r *redisEarthIndex) Upsert(ctx context.Context, id string, c models.Coord) error {
	if r.fail {
		return errors.New("redis down")
	}
	r.points[id] = c
	return nil
}

func (r *redisEarthIndex) Nearby(_ context.Context, center models.Coord, radiusKm float64) ([]string, error) {
	var ids []string
	for id, c := range r.points {
		if geo.DistanceMeters(center, c)*6372797.560856/6371000 <= radiusKm*1000 {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

func TestOpenRequestsKeepsPickupJustInsideRadius(t *testing.T) {
	s, _ := newService(storage.NewMemoryStore(), payments.NewMockClient())
	idx := newRedisEarthIndex()
	s.Index = idx
	center := models.Coord{Lat: 0, Lng: 32.5}
	edge := models.Place{Name: "Edge farm", Lat: 49990.0 / 6371000 * 180 / math.Pi, Lng: 32.5}
	req := mustRequest(t, s, "b1", edge)

	rows, err := s.OpenRequests(context.Background(), models.Driver("d1"), OpenQuery{Near: &center, RadiusKm: 50})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, req.ID, rows[0].ID)
	assert.InDelta(t, 49.99, *rows[0].DistanceKm, 0.001)

	tight, err := s.OpenRequests(context.Background(), models.Driver("d1"), OpenQuery{Near: &center, RadiusKm: 49.9})
	require.NoError(t, err)
	assert.Empty(t, tight, "index hits are re-checked with the exact radius")
}

func TestOpenRequestsScansAfterLostIndexWrite(t *testing.T) {
	s, _ := newService(storage.NewMemoryStore(), payments.NewMockClient())
	idx := newRedisEarthIndex()
	s.Index = idx
	here := kampala.Coord()

	idx.fail = true
	req := mustRequest(t, s, "b1", wakiso)
	rows, err := s.OpenRequests(context.Background(), models.Driver("d1"), OpenQuery{Near: &here})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, req.ID, rows[0].ID)

	idx.fail = false
	n, err := s.Reindex(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Contains(t, idx.points, req.ID)
	rows, err = s.OpenRequests(context.Background(), models.Driver("d1"), OpenQuery{Near: &here})
	require.NoError(t, err)
	require.Len(t, rows, 1)
}
