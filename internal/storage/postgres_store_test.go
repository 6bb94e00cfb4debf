package storage

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/farm-market/internal/apperr"
	"github.com/example/farm-market/internal/models"
)

// Runs against a disposable database: PG_DSN=postgres://... go test ./internal/storage
func pgStore(t *testing.T) *PostgresStore {
	t.Helper()
	dsn := os.Getenv("PG_DSN")
	if dsn == "" {
		t.Skip("PG_DSN not set")
	}
	s, err := NewPostgresStore(dsn)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	require.NoError(t, Migrate(s.DB()))
	return s
}

var gulu = models.Place{Name: "Gulu", Address: "Main st", Lat: 2.7724, Lng: 32.2881}

func pgRequest(t *testing.T, s *PostgresStore) *models.DeliveryRequest {
	t.Helper()
	req := &models.DeliveryRequest{
		ID: models.NewID(), BuyerID: "b1", ProduceType: "maize", Quantity: 100, Unit: "Kg",
		Pickup: gulu, Dropoff: models.Place{Name: "Lira", Lat: 2.2499, Lng: 32.8998}, Status: models.RequestOpen,
	}
	require.NoError(t, s.WithTx(context.Background(), func(tx Tx) error { return tx.InsertRequest(context.Background(), req) }))
	return req
}

func pgJob(t *testing.T, s *PostgresStore) *models.DriverJob {
	t.Helper()
	job := &models.DriverJob{
		ID: models.NewID(), ReferenceNo: "JOB-TEST", BuyerID: "b1", AcceptedBy: "d1",
		Commodity: "maize", Quantity: 100, Unit: "Kg", PaymentAmount: 50000,
		Pickup: gulu, Dropoff: gulu, FarmerCode: "1234", BuyerCode: "5678", Status: models.JobActive,
	}
	require.NoError(t, s.WithTx(context.Background(), func(tx Tx) error { return tx.InsertJob(context.Background(), job) }))
	return job
}

func TestPostgresConditionalUpdates(t *testing.T) {
	s := pgStore(t)
	ctx := context.Background()
	lot := &models.ProduceLot{ID: models.NewID(), FarmerID: "f1", ProduceType: "beans", Quantity: 20, Unit: "Kg", Pickup: gulu, Status: models.LotOpen}
	bid := &models.ProductBid{ID: models.NewID(), LotID: lot.ID, BuyerID: "b1", Amount: 90000, Quantity: 20, Status: models.OfferPending}
	require.NoError(t, s.WithTx(ctx, func(tx Tx) error {
		if err := tx.InsertLot(ctx, lot); err != nil {
			return err
		}
		return tx.InsertBid(ctx, bid)
	}))

	got, err := s.GetLot(ctx, lot.ID)
	require.NoError(t, err)
	assert.Equal(t, gulu, got.Pickup)

	bid.Status = models.OfferAccepted
	require.NoError(t, s.WithTx(ctx, func(tx Tx) error { return tx.UpdateBid(ctx, bid, models.OfferPending) }))

	bid.Status = models.OfferWithdrawn
	err = s.WithTx(ctx, func(tx Tx) error { return tx.UpdateBid(ctx, bid, models.OfferPending) })
	assert.ErrorIs(t, err, ErrStale)
	assert.ErrorIs(t, err, apperr.ErrConflict)

	stored, err := s.GetBid(ctx, bid.ID)
	require.NoError(t, err)
	assert.Equal(t, models.OfferAccepted, stored.Status)

	missing := &models.ProductBid{ID: models.NewID(), Status: models.OfferRejected}
	err = s.WithTx(ctx, func(tx Tx) error { return tx.UpdateBid(ctx, missing, models.OfferPending) })
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestPostgresOneHeldQuotePerDriver(t *testing.T) {
	s := pgStore(t)
	ctx := context.Background()
	req := pgRequest(t, s)
	insert := func(q *models.Quote) error {
		return s.WithTx(ctx, func(tx Tx) error { return tx.InsertQuote(ctx, q) })
	}

	first := &models.Quote{ID: models.NewID(), RequestID: req.ID, DriverID: "d1", Amount: 30000, Currency: "UGX", ETAMinutes: 40, Status: models.OfferPending}
	require.NoError(t, insert(first))

	second := &models.Quote{ID: models.NewID(), RequestID: req.ID, DriverID: "d1", Amount: 25000, Currency: "UGX", ETAMinutes: 30, Status: models.OfferPending}
	err := insert(second)
	assert.ErrorIs(t, err, apperr.ErrConflict)

	first.Status = models.OfferWithdrawn
	require.NoError(t, s.WithTx(ctx, func(tx Tx) error { return tx.UpdateQuote(ctx, first, models.OfferPending) }))
	require.NoError(t, insert(second))

	held, err := s.ListQuotes(ctx, QuoteFilter{RequestID: req.ID, Statuses: models.HeldOfferStatuses})
	require.NoError(t, err)
	require.Len(t, held, 1)
	assert.Equal(t, second.ID, held[0].ID)
}

func TestPostgresCheckpointsSurviveUpdateJob(t *testing.T) {
	s := pgStore(t)
	ctx := context.Background()
	job := pgJob(t, s)

	at := time.Now().UTC().Truncate(time.Millisecond)
	require.NoError(t, s.AppendCheckpoint(ctx, job.ID, models.Checkpoint{Kind: models.CheckpointLocation, Lat: 2.5, Lng: 32.5, At: at}))
	require.NoError(t, s.WithTx(ctx, func(tx Tx) error {
		return tx.AppendCheckpoint(ctx, job.ID, models.Checkpoint{Kind: models.CheckpointPickup, Lat: gulu.Lat, Lng: gulu.Lng, At: at})
	}))

	job.Checkpoints = nil
	job.PickedUpAt = &at
	require.NoError(t, s.WithTx(ctx, func(tx Tx) error { return tx.UpdateJob(ctx, job, models.JobActive) }))

	got, err := s.GetJob(ctx, job.ID)
	require.NoError(t, err)
	require.Len(t, got.Checkpoints, 2)
	assert.Equal(t, models.CheckpointLocation, got.Checkpoints[0].Kind)
	assert.Equal(t, models.CheckpointPickup, got.Checkpoints[1].Kind)
	require.NotNil(t, got.PickedUpAt)
	assert.WithinDuration(t, at, *got.PickedUpAt, time.Millisecond)
	assert.Equal(t, gulu, got.Dropoff)

	err = s.AppendCheckpoint(ctx, models.NewID(), models.Checkpoint{Kind: models.CheckpointLocation, At: at})
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestPostgresJobReadWaitsForOpenUnit(t *testing.T) {
	s := pgStore(t)
	ctx := context.Background()
	job := pgJob(t, s)

	locked := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- s.WithTx(ctx, func(tx Tx) error {
			j, err := tx.GetJob(ctx, job.ID)
			close(locked)
			if err != nil {
				return err
			}
			time.Sleep(200 * time.Millisecond)
			now := time.Now().UTC()
			j.PickedUpAt = &now
			return tx.UpdateJob(ctx, j, models.JobActive)
		})
	}()

	<-locked
	var seen *time.Time
	require.NoError(t, s.WithTx(ctx, func(tx Tx) error {
		j, err := tx.GetJob(ctx, job.ID)
		if err != nil {
			return err
		}
		seen = j.PickedUpAt
		return nil
	}))
	require.NoError(t, <-done)
	assert.NotNil(t, seen, "second unit reads the job after the first commits")
}
