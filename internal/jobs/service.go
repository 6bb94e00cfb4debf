// Package jobs drives a delivery job from award to completion. Pickup and
// delivery checkpoints are gated by single-use codes (or the driver's NFC
// tag) and release the escrow holds taken when the job was created.
package jobs

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/example/farm-market/internal/apperr"
	"github.com/example/farm-market/internal/dispatch"
	"github.com/example/farm-market/internal/escrow"
	"github.com/example/farm-market/internal/ingest"
	"github.com/example/farm-market/internal/models"
	"github.com/example/farm-market/internal/nfc"
	"github.com/example/farm-market/internal/observability"
	"github.com/example/farm-market/internal/storage"
)

// CheckpointPublisher queues location samples for asynchronous storage.
type CheckpointPublisher interface {
	PublishCheckpoint(ctx context.Context, s ingest.Sample) error
}

type Service struct {
	store     storage.Store
	ledger    *escrow.Ledger
	bus       dispatch.Bus
	publisher CheckpointPublisher
	logger    *slog.Logger
	now       func() time.Time
}

func NewService(store storage.Store, ledger *escrow.Ledger, bus dispatch.Bus, logger *slog.Logger) *Service {
	if bus == nil {
		bus = dispatch.Nop{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{store: store, ledger: ledger, bus: bus, logger: logger, now: func() time.Time { return time.Now().UTC() }}
}

// WithPublisher routes RecordCheckpoint through p instead of the store.
func (s *Service) WithPublisher(p CheckpointPublisher) *Service {
	s.publisher = p
	return s
}

// Tracking is the public progress view of a job.
type Tracking struct {
	JobID       string              `json:"jobId"`
	Status      models.JobStatus    `json:"status"`
	PickedUpAt  *time.Time          `json:"pickedUpAt,omitempty"`
	CompletedAt *time.Time          `json:"completedAt,omitempty"`
	Checkpoints []models.Checkpoint `json:"checkpoints"`
}

// List returns the driver's view of jobs, newest first. status is one of
// available (default), active or completed.
func (s *Service) List(ctx context.Context, driver models.Principal, status string) ([]models.DriverJob, error) {
	if err := driver.Require(models.RoleDriver); err != nil {
		return nil, err
	}
	var f storage.JobFilter
	switch strings.ToLower(status) {
	case "", "available":
		f.Statuses = []models.JobStatus{models.JobAvailable}
	case "active":
		f = storage.JobFilter{DriverID: driver.ID, Statuses: []models.JobStatus{models.JobAwaitingDriverConfirm, models.JobActive}}
	case "completed":
		f = storage.JobFilter{DriverID: driver.ID, Statuses: []models.JobStatus{models.JobCompleted}}
	default:
		return nil, apperr.Validation("unknown job status %q", status)
	}
	rows, err := s.store.ListJobs(ctx, f)
	if err != nil {
		return nil, err
	}
	out := make([]models.DriverJob, 0, len(rows))
	for i := len(rows) - 1; i >= 0; i-- {
		job := rows[i]
		redact(&job, driver)
		out = append(out, job)
	}
	return out, nil
}

func (s *Service) Get(ctx context.Context, p models.Principal, id string) (*models.DriverJob, error) {
	job, err := s.store.GetJob(ctx, id)
	if err != nil {
		return nil, err
	}
	if !canView(job, p) {
		return nil, apperr.Forbidden("job %s", id)
	}
	redact(job, p)
	return job, nil
}

func (s *Service) Tracking(ctx context.Context, p models.Principal, id string) (*Tracking, error) {
	job, err := s.store.GetJob(ctx, id)
	if err != nil {
		return nil, err
	}
	if !canView(job, p) {
		return nil, apperr.Forbidden("job %s", id)
	}
	cps := job.Checkpoints
	if cps == nil {
		cps = []models.Checkpoint{}
	}
	return &Tracking{JobID: job.ID, Status: job.Status, PickedUpAt: job.PickedUpAt, CompletedAt: job.CompletedAt, Checkpoints: cps}, nil
}

// AcceptAvailable assigns an unclaimed job to driver and starts it.
func (s *Service) AcceptAvailable(ctx context.Context, driver models.Principal, id string) (*models.DriverJob, error) {
	if err := driver.Require(models.RoleDriver); err != nil {
		return nil, err
	}
	var job *models.DriverJob
	err := s.store.WithTx(ctx, func(tx storage.Tx) error {
		var err error
		if job, err = tx.GetJob(ctx, id); err != nil {
			return err
		}
		if job.Status != models.JobAvailable {
			return apperr.Conflict("job not available")
		}
		now := s.now()
		job.Status = models.JobActive
		job.AcceptedBy = driver.ID
		job.AcceptedAt = &now
		return tx.UpdateJob(ctx, job, models.JobAvailable)
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info("job claimed", "job_id", job.ID, "driver_id", driver.ID)
	s.bus.Emit("job:awarded", map[string]any{"_id": job.ID, "status": string(job.Status)})
	redact(job, driver)
	return job, nil
}

// DriverConfirm moves a job the driver won from awaiting confirmation to
// active and marks the winning quote active.
func (s *Service) DriverConfirm(ctx context.Context, driver models.Principal, id string) (*models.DriverJob, error) {
	if err := driver.Require(models.RoleDriver); err != nil {
		return nil, err
	}
	var job *models.DriverJob
	err := s.store.WithTx(ctx, func(tx storage.Tx) error {
		var err error
		if job, err = tx.GetJob(ctx, id); err != nil {
			return err
		}
		if err := assigned(job, driver); err != nil {
			return err
		}
		if job.Status != models.JobAwaitingDriverConfirm {
			return apperr.Conflict("job is %s, not awaiting driver confirmation", job.Status)
		}
		now := s.now()
		job.Status = models.JobActive
		job.AcceptedAt = &now
		if err := tx.UpdateJob(ctx, job, models.JobAwaitingDriverConfirm); err != nil {
			return err
		}
		if job.AcceptedQuoteID == "" {
			return nil
		}
		q, err := tx.GetQuote(ctx, job.AcceptedQuoteID)
		if errors.Is(err, apperr.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		if q.Status != models.OfferAccepted {
			return nil
		}
		q.Status = models.OfferActive
		return tx.UpdateQuote(ctx, q, models.OfferAccepted)
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info("job confirmed by driver", "job_id", job.ID, "driver_id", driver.ID)
	s.bus.Emit("job:active", map[string]any{"jobId": job.ID})
	redact(job, driver)
	return job, nil
}

// ConfirmQuote is DriverConfirm addressed by the accepted quote's id.
func (s *Service) ConfirmQuote(ctx context.Context, driver models.Principal, quoteID string) (*models.DriverJob, error) {
	if err := driver.Require(models.RoleDriver); err != nil {
		return nil, err
	}
	q, err := s.store.GetQuote(ctx, quoteID)
	if err != nil {
		return nil, err
	}
	if !driver.Owns(q.DriverID) {
		return nil, apperr.Forbidden("quote %s belongs to another driver", quoteID)
	}
	if q.Status != models.OfferAccepted {
		return nil, apperr.Conflict("quote is %s, not accepted", q.Status)
	}
	rows, err := s.store.ListJobs(ctx, storage.JobFilter{QuoteID: quoteID})
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, apperr.NotFound("job for quote %s", quoteID)
	}
	return s.DriverConfirm(ctx, driver, rows[0].ID)
}

// PickupConfirm records the pickup once the driver presents the farmer's
// code and releases the product escrow of the job's lot. Any failure,
// including a refused capture, leaves the job untouched.
func (s *Service) PickupConfirm(ctx context.Context, driver models.Principal, id, code string) (*models.DriverJob, error) {
	if err := driver.Require(models.RoleDriver); err != nil {
		return nil, err
	}
	var job *models.DriverJob
	err := s.store.WithTx(ctx, func(tx storage.Tx) error {
		var err error
		if job, err = tx.GetJob(ctx, id); err != nil {
			return err
		}
		if err := assigned(job, driver); err != nil {
			return err
		}
		if job.Status != models.JobActive {
			return apperr.Conflict("job is %s, not active", job.Status)
		}
		if job.PickedUpAt != nil {
			return apperr.Conflict("pickup already confirmed")
		}
		if !codeMatches(job.FarmerCode, code) {
			return apperr.Validation("invalid farmer code")
		}
		pi, err := escrow.Active(ctx, tx, job.ProductLotID, models.IntentProduct)
		if err != nil {
			return err
		}
		now := s.now()
		job.PickedUpAt = &now
		if err := tx.UpdateJob(ctx, job, models.JobActive); err != nil {
			return err
		}
		if err := tx.AppendCheckpoint(ctx, job.ID, models.Checkpoint{Kind: models.CheckpointPickup, Lat: job.Pickup.Lat, Lng: job.Pickup.Lng, At: now}); err != nil {
			return err
		}
		if pi == nil {
			return nil
		}
		return s.ledger.Capture(ctx, tx, pi)
	})
	observability.CheckpointsTotal.WithLabelValues(string(models.CheckpointPickup), observability.Outcome(err)).Inc()
	if err != nil {
		return nil, err
	}
	s.logger.Info("pickup confirmed", "job_id", job.ID, "driver_id", driver.ID)
	s.bus.Emit("pickup:confirmed", map[string]any{"jobId": job.ID})
	return s.reload(ctx, driver, job.ID)
}

// DeliveryConfirm completes the job once the driver presents the buyer's
// code and releases the transport escrow.
func (s *Service) DeliveryConfirm(ctx context.Context, driver models.Principal, id, code string) (*models.DriverJob, error) {
	if err := driver.Require(models.RoleDriver); err != nil {
		return nil, err
	}
	var job *models.DriverJob
	err := s.store.WithTx(ctx, func(tx storage.Tx) error {
		var err error
		if job, err = tx.GetJob(ctx, id); err != nil {
			return err
		}
		if err := assigned(job, driver); err != nil {
			return err
		}
		if job.Status != models.JobActive {
			return apperr.Conflict("job is %s, not active", job.Status)
		}
		if !codeMatches(job.BuyerCode, code) {
			return apperr.Validation("invalid buyer code")
		}
		return s.complete(ctx, tx, job, false)
	})
	observability.CheckpointsTotal.WithLabelValues(string(models.CheckpointDelivery), observability.Outcome(err)).Inc()
	if err != nil {
		return nil, err
	}
	s.completed(job, "code")
	return s.reload(ctx, driver, job.ID)
}

// ReleaseByNFC is the tag-scan alternative to DeliveryConfirm. The scanned
// tag must be bound to the job's driver and the transport hold must exist.
func (s *Service) ReleaseByNFC(ctx context.Context, caller models.Principal, id, rawTag, ndefText string) (*models.DriverJob, error) {
	var job *models.DriverJob
	err := s.store.WithTx(ctx, func(tx storage.Tx) error {
		var err error
		if job, err = tx.GetJob(ctx, id); err != nil {
			return err
		}
		if !isParty(job, caller) {
			return apperr.Forbidden("job %s", id)
		}
		if job.Status != models.JobActive {
			return apperr.Conflict("job not active")
		}
		tagID, err := nfc.ResolveTag(rawTag, ndefText)
		if err != nil {
			return err
		}
		tag, err := nfc.LookupIn(ctx, tx, tagID)
		if err != nil {
			return err
		}
		if tag.DriverID != job.AcceptedBy {
			return apperr.Forbidden("tag does not match driver")
		}
		return s.complete(ctx, tx, job, true)
	})
	observability.CheckpointsTotal.WithLabelValues("nfc", observability.Outcome(err)).Inc()
	if err != nil {
		return nil, err
	}
	s.completed(job, "nfc")
	return s.reload(ctx, caller, job.ID)
}

// complete finishes an active job inside tx. The capture runs last so a
// refused capture rolls every other write back.
func (s *Service) complete(ctx context.Context, tx storage.Tx, job *models.DriverJob, requireHold bool) error {
	pi, err := escrow.Active(ctx, tx, job.ID, models.IntentTransport)
	if err != nil {
		return err
	}
	if pi == nil && requireHold {
		return apperr.Conflict("no authorized transport payment")
	}
	now := s.now()
	job.Status = models.JobCompleted
	job.CompletedAt = &now
	if err := tx.UpdateJob(ctx, job, models.JobActive); err != nil {
		return err
	}
	if err := tx.AppendCheckpoint(ctx, job.ID, models.Checkpoint{Kind: models.CheckpointDelivery, Lat: job.Dropoff.Lat, Lng: job.Dropoff.Lng, At: now}); err != nil {
		return err
	}
	if job.RequestID != "" {
		req, err := tx.GetRequest(ctx, job.RequestID)
		switch {
		case errors.Is(err, apperr.ErrNotFound):
		case err != nil:
			return err
		case req.Status == models.RequestAwarded:
			req.Status = models.RequestFulfilled
			if err := tx.UpdateRequest(ctx, req, models.RequestAwarded); err != nil {
				return err
			}
		}
	}
	if pi == nil {
		return nil
	}
	return s.ledger.Capture(ctx, tx, pi)
}

func (s *Service) completed(job *models.DriverJob, via string) {
	s.logger.Info("job completed", "job_id", job.ID, "driver_id", job.AcceptedBy, "via", via)
	s.bus.Emit("job:completed", map[string]any{"jobId": job.ID})
}

// RecordCheckpoint stores a location sample for an active job. Samples go
// through the publisher when one is configured and fall back to a direct
// append when publishing fails.
func (s *Service) RecordCheckpoint(ctx context.Context, driver models.Principal, id string, lat, lng float64) error {
	if err := driver.Require(models.RoleDriver); err != nil {
		return err
	}
	if lat < -90 || lat > 90 || lng < -180 || lng > 180 {
		return apperr.Validation("coordinates out of range")
	}
	job, err := s.store.GetJob(ctx, id)
	if err != nil {
		return err
	}
	if err := assigned(job, driver); err != nil {
		return err
	}
	if job.Status != models.JobActive {
		return apperr.Conflict("job is %s, not active", job.Status)
	}
	cp := models.Checkpoint{Kind: models.CheckpointLocation, Lat: lat, Lng: lng, At: s.now()}
	if s.publisher != nil {
		err := s.publisher.PublishCheckpoint(ctx, ingest.Sample{JobID: job.ID, DriverID: driver.ID, Checkpoint: cp})
		if err == nil {
			observability.CheckpointsTotal.WithLabelValues("location_queued", "ok").Inc()
			return nil
		}
		s.logger.Warn("checkpoint publish failed, storing directly", "job_id", job.ID, "error", err)
	}
	err = s.store.AppendCheckpoint(ctx, job.ID, cp)
	observability.CheckpointsTotal.WithLabelValues(string(models.CheckpointLocation), observability.Outcome(err)).Inc()
	return err
}

// Cancel stops a non-terminal job. Only the buyer or the assigned driver may
// cancel; the transport hold is cancelled and voided at the provider.
func (s *Service) Cancel(ctx context.Context, p models.Principal, id string) (*models.DriverJob, error) {
	var (
		job  *models.DriverJob
		hold *models.PaymentIntent
	)
	err := s.store.WithTx(ctx, func(tx storage.Tx) error {
		var err error
		if job, err = tx.GetJob(ctx, id); err != nil {
			return err
		}
		if !(p.Role == models.RoleAdmin || (p.ID != "" && (p.ID == job.BuyerID || p.ID == job.AcceptedBy))) {
			return apperr.Forbidden("job %s", id)
		}
		if job.Status.Terminal() {
			return apperr.Conflict("job is already %s", job.Status)
		}
		expect := job.Status
		job.Status = models.JobCancelled
		if err := tx.UpdateJob(ctx, job, expect); err != nil {
			return err
		}
		if job.RequestID != "" {
			req, err := tx.GetRequest(ctx, job.RequestID)
			if err == nil && req.Status == models.RequestAwarded {
				req.Status = models.RequestCancelled
				if err := tx.UpdateRequest(ctx, req, models.RequestAwarded); err != nil {
					return err
				}
			} else if err != nil && !errors.Is(err, apperr.ErrNotFound) {
				return err
			}
		}
		if hold, err = escrow.Active(ctx, tx, job.ID, models.IntentTransport); err != nil || hold == nil {
			return err
		}
		return s.ledger.Cancel(ctx, tx, hold)
	})
	if err != nil {
		return nil, err
	}
	if hold != nil {
		s.ledger.Void(ctx, hold)
	}
	s.logger.Info("job cancelled", "job_id", job.ID, "by", p.ID)
	s.bus.Emit("job:cancelled", map[string]any{"jobId": job.ID})
	redact(job, p)
	return job, nil
}

func (s *Service) reload(ctx context.Context, p models.Principal, id string) (*models.DriverJob, error) {
	job, err := s.store.GetJob(ctx, id)
	if err != nil {
		return nil, err
	}
	redact(job, p)
	return job, nil
}

func assigned(job *models.DriverJob, driver models.Principal) error {
	if job.AcceptedBy == "" || !driver.Owns(job.AcceptedBy) {
		return apperr.Forbidden("job %s is assigned to another driver", job.ID)
	}
	return nil
}

func isParty(job *models.DriverJob, p models.Principal) bool {
	if p.ID == "" {
		return false
	}
	return p.Role == models.RoleAdmin || p.ID == job.BuyerID || p.ID == job.FarmerID || p.ID == job.AcceptedBy
}

func canView(job *models.DriverJob, p models.Principal) bool {
	if isParty(job, p) {
		return true
	}
	return p.Role == models.RoleDriver && job.Status == models.JobAvailable
}

// redact hides checkpoint codes from everyone but the party that hands the
// code to the driver.
func redact(job *models.DriverJob, p models.Principal) {
	switch p.Role {
	case models.RoleAdmin:
	case models.RoleBuyer:
		job.FarmerCode = ""
	case models.RoleFarmer:
		job.BuyerCode = ""
	default:
		job.FarmerCode = ""
		job.BuyerCode = ""
	}
}
