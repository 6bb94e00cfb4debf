package jobs

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/farm-market/internal/apperr"
	"github.com/example/farm-market/internal/dispatch"
	"github.com/example/farm-market/internal/escrow"
	"github.com/example/farm-market/internal/ingest"
	"github.com/example/farm-market/internal/models"
	"github.com/example/farm-market/internal/nfc"
	"github.com/example/farm-market/internal/payments"
	"github.com/example/farm-market/internal/storage"
)

type switchProvider struct {
	payments.MockClient
	failCapture bool
	captures    atomic.Int32
}

func (p *switchProvider) Capture(ctx context.Context, ref string) error {
	p.captures.Add(1)
	if p.failCapture {
		return errors.New("declined")
	}
	return nil
}

type fixture struct {
	ctx      context.Context
	store    *storage.MemoryStore
	provider *switchProvider
	ledger   *escrow.Ledger
	bus      *dispatch.Recorder
	svc      *Service
	job      *models.DriverJob
	quote    *models.Quote
	product  *models.PaymentIntent
	freight  *models.PaymentIntent
}

// newFixture seeds an awarded request with an accepted quote, the job that
// resulted from it and both escrow holds.
func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{ctx: context.Background(), store: storage.NewMemoryStore(), provider: &switchProvider{}, bus: &dispatch.Recorder{}}
	f.ledger = escrow.NewLedger(f.provider, "UGX", time.Second, nil)
	f.svc = NewService(f.store, f.ledger, f.bus, nil)

	req := &models.DeliveryRequest{
		ID: "req-1", BuyerID: "b1", FarmerID: "f1", ProduceType: "maize", Quantity: 500, Unit: "Kg",
		Pickup:  models.Place{Name: "farm", Lat: 0.35, Lng: 32.58},
		Dropoff: models.Place{Name: "market", Lat: 0.31, Lng: 32.57},
		LotID:   "lot-1", Status: models.RequestAwarded,
	}
	f.quote = &models.Quote{ID: "q-1", RequestID: req.ID, DriverID: "d1", Amount: 15000, Currency: "UGX", ETAMinutes: 30, Status: models.OfferAccepted}
	job, err := NewJob(req, f.quote)
	require.NoError(t, err)
	f.job = job

	require.NoError(t, f.store.WithTx(f.ctx, func(tx storage.Tx) error {
		for _, fn := range []func() error{
			func() error { return tx.InsertRequest(f.ctx, req) },
			func() error { return tx.InsertQuote(f.ctx, f.quote) },
			func() error { return tx.InsertJob(f.ctx, job) },
		} {
			if err := fn(); err != nil {
				return err
			}
		}
		if f.product, err = f.ledger.Authorize(f.ctx, tx, escrow.Hold{TargetID: "lot-1", Type: models.IntentProduct, BuyerID: "b1", Amount: 200000}); err != nil {
			return err
		}
		f.freight, err = f.ledger.Authorize(f.ctx, tx, escrow.Hold{TargetID: job.ID, Type: models.IntentTransport, BuyerID: "b1", DriverID: "d1", Amount: 15000})
		return err
	}))
	return f
}

func (f *fixture) activate(t *testing.T) {
	t.Helper()
	_, err := f.svc.DriverConfirm(f.ctx, models.Driver("d1"), f.job.ID)
	require.NoError(t, err)
}

func (f *fixture) intentStatus(t *testing.T, pi *models.PaymentIntent) models.IntentStatus {
	t.Helper()
	got, err := f.store.GetIntent(f.ctx, pi.ID)
	require.NoError(t, err)
	return got.Status
}

func (f *fixture) stored(t *testing.T) *models.DriverJob {
	t.Helper()
	job, err := f.store.GetJob(f.ctx, f.job.ID)
	require.NoError(t, err)
	return job
}

func TestNewJobCodes(t *testing.T) {
	for i := 0; i < 200; i++ {
		farmer, buyer, err := NewCodes()
		require.NoError(t, err)
		assert.NotEqual(t, farmer, buyer)
		for _, c := range []string{farmer, buyer} {
			assert.Len(t, c, 4)
			n, err := strconv.Atoi(c)
			require.NoError(t, err)
			assert.GreaterOrEqual(t, n, 1000)
			assert.LessOrEqual(t, n, 9999)
		}
	}
}

func TestNewJobCopiesRequest(t *testing.T) {
	f := newFixture(t)
	assert.Equal(t, models.JobAwaitingDriverConfirm, f.job.Status)
	assert.Equal(t, "d1", f.job.AcceptedBy)
	assert.Equal(t, "q-1", f.job.AcceptedQuoteID)
	assert.Equal(t, "lot-1", f.job.ProductLotID)
	assert.Equal(t, int64(15000), f.job.PaymentAmount)
	assert.Equal(t, "maize", f.job.Commodity)
	assert.Regexp(t, `^FTJ-[0-9A-F]{8}$`, f.job.ReferenceNo)
}

func TestDriverConfirm(t *testing.T) {
	f := newFixture(t)

	_, err := f.svc.DriverConfirm(f.ctx, models.Driver("d2"), f.job.ID)
	require.ErrorIs(t, err, apperr.ErrForbidden)

	job, err := f.svc.DriverConfirm(f.ctx, models.Driver("d1"), f.job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobActive, job.Status)
	assert.NotNil(t, job.AcceptedAt)
	assert.Empty(t, job.FarmerCode, "drivers never see codes")

	q, err := f.store.GetQuote(f.ctx, "q-1")
	require.NoError(t, err)
	assert.Equal(t, models.OfferActive, q.Status)

	_, err = f.svc.DriverConfirm(f.ctx, models.Driver("d1"), f.job.ID)
	assert.ErrorIs(t, err, apperr.ErrConflict)
	assert.Equal(t, []string{"job:active"}, f.bus.Names())
}

func TestConfirmQuote(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.ConfirmQuote(f.ctx, models.Driver("d2"), "q-1")
	require.ErrorIs(t, err, apperr.ErrForbidden)

	job, err := f.svc.ConfirmQuote(f.ctx, models.Driver("d1"), "q-1")
	require.NoError(t, err)
	assert.Equal(t, f.job.ID, job.ID)
	assert.Equal(t, models.JobActive, job.Status)
}

func TestPickupConfirm(t *testing.T) {
	f := newFixture(t)
	d1 := models.Driver("d1")

	_, err := f.svc.PickupConfirm(f.ctx, d1, f.job.ID, f.job.FarmerCode)
	require.ErrorIs(t, err, apperr.ErrConflict, "pickup before confirmation")

	f.activate(t)
	_, err = f.svc.PickupConfirm(f.ctx, d1, f.job.ID, f.job.BuyerCode)
	require.ErrorIs(t, err, apperr.ErrValidation)
	assert.Nil(t, f.stored(t).PickedUpAt)
	assert.Equal(t, models.IntentAuthorized, f.intentStatus(t, f.product))

	_, err = f.svc.PickupConfirm(f.ctx, models.Driver("d2"), f.job.ID, f.job.FarmerCode)
	require.ErrorIs(t, err, apperr.ErrForbidden)

	job, err := f.svc.PickupConfirm(f.ctx, d1, f.job.ID, f.job.FarmerCode)
	require.NoError(t, err)
	assert.Equal(t, models.JobActive, job.Status)
	assert.NotNil(t, job.PickedUpAt)
	require.Len(t, job.Checkpoints, 1)
	assert.Equal(t, models.CheckpointPickup, job.Checkpoints[0].Kind)
	assert.Equal(t, models.IntentReleased, f.intentStatus(t, f.product))

	_, err = f.svc.PickupConfirm(f.ctx, d1, f.job.ID, f.job.FarmerCode)
	assert.ErrorIs(t, err, apperr.ErrConflict, "codes are single use")
	assert.Contains(t, f.bus.Names(), "pickup:confirmed")
}

func TestConcurrentPickupCapturesOnce(t *testing.T) {
	f := newFixture(t)
	f.activate(t)

	var (
		wg sync.WaitGroup
		ok atomic.Int32
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := f.svc.PickupConfirm(f.ctx, models.Driver("d1"), f.job.ID, f.job.FarmerCode); err == nil {
				ok.Add(1)
			} else {
				assert.ErrorIs(t, err, apperr.ErrConflict)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), ok.Load())
	assert.Equal(t, int32(1), f.provider.captures.Load())
	assert.Len(t, f.stored(t).Checkpoints, 1)
}

func TestPickupCaptureFailureIsRetryable(t *testing.T) {
	f := newFixture(t)
	f.activate(t)
	f.provider.failCapture = true

	_, err := f.svc.PickupConfirm(f.ctx, models.Driver("d1"), f.job.ID, f.job.FarmerCode)
	require.ErrorIs(t, err, apperr.ErrPaymentFailed)
	assert.Nil(t, f.stored(t).PickedUpAt)
	assert.Empty(t, f.stored(t).Checkpoints)
	assert.Equal(t, models.IntentAuthorized, f.intentStatus(t, f.product))

	f.provider.failCapture = false
	_, err = f.svc.PickupConfirm(f.ctx, models.Driver("d1"), f.job.ID, f.job.FarmerCode)
	require.NoError(t, err)
	assert.Equal(t, models.IntentReleased, f.intentStatus(t, f.product))
}

func TestDeliveryConfirmWrongCodeChangesNothing(t *testing.T) {
	f := newFixture(t)
	f.activate(t)

	_, err := f.svc.DeliveryConfirm(f.ctx, models.Driver("d1"), f.job.ID, "0000")
	require.ErrorIs(t, err, apperr.ErrValidation)
	assert.Equal(t, models.JobActive, f.stored(t).Status)
	assert.Equal(t, models.IntentAuthorized, f.intentStatus(t, f.freight))
}

func TestDeliveryConfirmCompletes(t *testing.T) {
	f := newFixture(t)
	f.activate(t)

	job, err := f.svc.DeliveryConfirm(f.ctx, models.Driver("d1"), f.job.ID, f.job.BuyerCode)
	require.NoError(t, err)
	assert.Equal(t, models.JobCompleted, job.Status)
	assert.NotNil(t, job.CompletedAt)
	assert.Equal(t, models.IntentReleased, f.intentStatus(t, f.freight))

	req, err := f.store.GetRequest(f.ctx, "req-1")
	require.NoError(t, err)
	assert.Equal(t, models.RequestFulfilled, req.Status)
	assert.Equal(t, "job:completed", f.bus.Names()[len(f.bus.Names())-1])

	_, err = f.svc.DeliveryConfirm(f.ctx, models.Driver("d1"), f.job.ID, f.job.BuyerCode)
	assert.ErrorIs(t, err, apperr.ErrConflict)
}

func TestDeliveryCaptureFailureLeavesJobActive(t *testing.T) {
	f := newFixture(t)
	f.activate(t)
	f.provider.failCapture = true

	_, err := f.svc.DeliveryConfirm(f.ctx, models.Driver("d1"), f.job.ID, f.job.BuyerCode)
	require.ErrorIs(t, err, apperr.ErrPaymentFailed)
	assert.Equal(t, models.JobActive, f.stored(t).Status)
	assert.Equal(t, models.IntentAuthorized, f.intentStatus(t, f.freight))
	req, err := f.store.GetRequest(f.ctx, "req-1")
	require.NoError(t, err)
	assert.Equal(t, models.RequestAwarded, req.Status)
}

func TestReleaseByNFC(t *testing.T) {
	f := newFixture(t)
	gate := nfc.NewGate(f.store, nil)
	_, err := gate.Bind(f.ctx, models.Driver("d1"), "", "fty:driver:abc")
	require.NoError(t, err)
	_, err = gate.Bind(f.ctx, models.Driver("d2"), "04:99", "")
	require.NoError(t, err)
	buyer := models.Buyer("b1")

	_, err = f.svc.ReleaseByNFC(f.ctx, buyer, f.job.ID, "", "fty:driver:abc")
	require.ErrorIs(t, err, apperr.ErrConflict, "job not active yet")

	f.activate(t)
	_, err = f.svc.ReleaseByNFC(f.ctx, buyer, f.job.ID, "04:99", "")
	require.ErrorIs(t, err, apperr.ErrForbidden)
	_, err = f.svc.ReleaseByNFC(f.ctx, buyer, f.job.ID, "04:00", "")
	require.ErrorIs(t, err, apperr.ErrNotFound)
	_, err = f.svc.ReleaseByNFC(f.ctx, buyer, f.job.ID, "", "garbage")
	require.ErrorIs(t, err, apperr.ErrValidation)
	_, err = f.svc.ReleaseByNFC(f.ctx, models.Buyer("b9"), f.job.ID, "", "fty:driver:abc")
	require.ErrorIs(t, err, apperr.ErrForbidden)
	assert.Equal(t, models.JobActive, f.stored(t).Status)
	assert.Equal(t, models.IntentAuthorized, f.intentStatus(t, f.freight))

	job, err := f.svc.ReleaseByNFC(f.ctx, buyer, f.job.ID, "", "fty:driver:abc")
	require.NoError(t, err)
	assert.Equal(t, models.JobCompleted, job.Status)
	assert.Equal(t, models.IntentReleased, f.intentStatus(t, f.freight))
}

func TestReleaseByNFCRequiresHold(t *testing.T) {
	f := newFixture(t)
	_, err := nfc.NewGate(f.store, nil).Bind(f.ctx, models.Driver("d1"), "04:01", "")
	require.NoError(t, err)
	f.activate(t)
	require.NoError(t, f.store.WithTx(f.ctx, func(tx storage.Tx) error {
		return f.ledger.Cancel(f.ctx, tx, f.freight)
	}))

	_, err = f.svc.ReleaseByNFC(f.ctx, models.Buyer("b1"), f.job.ID, "04:01", "")
	require.ErrorIs(t, err, apperr.ErrConflict)
	assert.Equal(t, models.JobActive, f.stored(t).Status)
}

func TestGetRedactsCodes(t *testing.T) {
	f := newFixture(t)

	asBuyer, err := f.svc.Get(f.ctx, models.Buyer("b1"), f.job.ID)
	require.NoError(t, err)
	assert.Equal(t, f.job.BuyerCode, asBuyer.BuyerCode)
	assert.Empty(t, asBuyer.FarmerCode)

	asFarmer, err := f.svc.Get(f.ctx, models.Farmer("f1"), f.job.ID)
	require.NoError(t, err)
	assert.Equal(t, f.job.FarmerCode, asFarmer.FarmerCode)
	assert.Empty(t, asFarmer.BuyerCode)

	asDriver, err := f.svc.Get(f.ctx, models.Driver("d1"), f.job.ID)
	require.NoError(t, err)
	assert.Empty(t, asDriver.FarmerCode)
	assert.Empty(t, asDriver.BuyerCode)

	_, err = f.svc.Get(f.ctx, models.Buyer("b2"), f.job.ID)
	assert.ErrorIs(t, err, apperr.ErrForbidden)
}

func TestListAndAcceptAvailable(t *testing.T) {
	f := newFixture(t)
	open := &models.DriverJob{ID: "job-open", ReferenceNo: "FTJ-OPEN0001", BuyerID: "b1", Status: models.JobAvailable, FarmerCode: "1234", BuyerCode: "5678"}
	require.NoError(t, f.store.WithTx(f.ctx, func(tx storage.Tx) error { return tx.InsertJob(f.ctx, open) }))
	d2 := models.Driver("d2")

	avail, err := f.svc.List(f.ctx, d2, "")
	require.NoError(t, err)
	require.Len(t, avail, 1)
	assert.Equal(t, "job-open", avail[0].ID)
	assert.Empty(t, avail[0].BuyerCode)

	mine, err := f.svc.List(f.ctx, models.Driver("d1"), "active")
	require.NoError(t, err)
	require.Len(t, mine, 1)
	assert.Equal(t, f.job.ID, mine[0].ID)

	_, err = f.svc.List(f.ctx, d2, "bogus")
	assert.ErrorIs(t, err, apperr.ErrValidation)

	job, err := f.svc.AcceptAvailable(f.ctx, d2, "job-open")
	require.NoError(t, err)
	assert.Equal(t, models.JobActive, job.Status)
	assert.Equal(t, "d2", job.AcceptedBy)

	_, err = f.svc.AcceptAvailable(f.ctx, models.Driver("d3"), "job-open")
	assert.ErrorIs(t, err, apperr.ErrConflict)

	evs := f.bus.Events()
	require.NotEmpty(t, evs)
	last := evs[len(evs)-1]
	assert.Equal(t, "job:awarded", last.Name)
	assert.Equal(t, "job-open", last.Payload["_id"])
}

type stubPublisher struct {
	err     error
	samples []ingest.Sample
}

func (p *stubPublisher) PublishCheckpoint(_ context.Context, s ingest.Sample) error {
	p.samples = append(p.samples, s)
	return p.err
}

func TestRecordCheckpoint(t *testing.T) {
	f := newFixture(t)
	d1 := models.Driver("d1")

	require.ErrorIs(t, f.svc.RecordCheckpoint(f.ctx, d1, f.job.ID, 0.3, 32.5), apperr.ErrConflict)
	f.activate(t)
	require.ErrorIs(t, f.svc.RecordCheckpoint(f.ctx, d1, f.job.ID, 91, 32.5), apperr.ErrValidation)
	require.ErrorIs(t, f.svc.RecordCheckpoint(f.ctx, models.Driver("d2"), f.job.ID, 0.3, 32.5), apperr.ErrForbidden)

	require.NoError(t, f.svc.RecordCheckpoint(f.ctx, d1, f.job.ID, 0.3, 32.5))
	assert.Len(t, f.stored(t).Checkpoints, 1)

	pub := &stubPublisher{}
	f.svc.WithPublisher(pub)
	require.NoError(t, f.svc.RecordCheckpoint(f.ctx, d1, f.job.ID, 0.31, 32.51))
	require.Len(t, pub.samples, 1)
	assert.Equal(t, f.job.ID, pub.samples[0].JobID)
	assert.Len(t, f.stored(t).Checkpoints, 1, "queued samples are stored by the consumer")

	pub.err = errors.New("broker down")
	require.NoError(t, f.svc.RecordCheckpoint(f.ctx, d1, f.job.ID, 0.32, 32.52))
	assert.Len(t, f.stored(t).Checkpoints, 2)

	tr, err := f.svc.Tracking(f.ctx, models.Buyer("b1"), f.job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobActive, tr.Status)
	assert.Len(t, tr.Checkpoints, 2)
}

func TestCancel(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.Cancel(f.ctx, models.Farmer("f1"), f.job.ID)
	require.ErrorIs(t, err, apperr.ErrForbidden)

	job, err := f.svc.Cancel(f.ctx, models.Buyer("b1"), f.job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobCancelled, job.Status)
	assert.Equal(t, models.IntentCancelled, f.intentStatus(t, f.freight))

	req, err := f.store.GetRequest(f.ctx, "req-1")
	require.NoError(t, err)
	assert.Equal(t, models.RequestCancelled, req.Status)

	_, err = f.svc.Cancel(f.ctx, models.Buyer("b1"), f.job.ID)
	assert.ErrorIs(t, err, apperr.ErrConflict)
	assert.Contains(t, f.bus.Names(), "job:cancelled")
}
