// Package escrow records two-phase payment holds. It knows nothing about lots
// or jobs beyond the target id an intent is attached to; every transition is
// driven by the caller inside the caller's store transaction.
package escrow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/example/farm-market/internal/apperr"
	"github.com/example/farm-market/internal/models"
	"github.com/example/farm-market/internal/observability"
	"github.com/example/farm-market/internal/payments"
	"github.com/example/farm-market/internal/storage"
)

const DefaultTimeout = 5 * time.Second

// Hold is a request to escrow Amount from BuyerID against TargetID.
type Hold struct {
	TargetID string
	Type     models.IntentType
	BuyerID  string
	DriverID string
	Amount   int64
}

type Ledger struct {
	provider payments.Provider
	currency string
	timeout  time.Duration
	logger   *slog.Logger
}

func NewLedger(provider payments.Provider, currency string, timeout time.Duration, logger *slog.Logger) *Ledger {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if currency == "" {
		currency = "UGX"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Ledger{provider: provider, currency: currency, timeout: timeout, logger: logger}
}

func (l *Ledger) Currency() string { return l.currency }

// Authorize places a hold at the provider and records an authorized intent.
func (l *Ledger) Authorize(ctx context.Context, tx storage.Tx, h Hold) (*models.PaymentIntent, error) {
	if h.Amount <= 0 {
		return nil, apperr.Validation("escrow amount must be positive")
	}
	existing, err := tx.ListIntents(ctx, storage.IntentFilter{
		TargetID: h.TargetID,
		Type:     h.Type,
		Statuses: []models.IntentStatus{models.IntentAuthorized},
	})
	if err != nil {
		return nil, err
	}
	if len(existing) > 0 {
		return nil, apperr.Conflict("%s escrow already authorized for %s", h.Type, h.TargetID)
	}

	cctx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()
	auth, err := l.provider.Authorize(cctx, payments.AuthRequest{
		TargetID: h.TargetID,
		PayerRef: h.BuyerID,
		Amount:   h.Amount,
		Currency: l.currency,
	})
	observability.EscrowOpsTotal.WithLabelValues("authorize", string(h.Type), observability.Outcome(err)).Inc()
	if err != nil {
		l.logger.Warn("escrow authorize failed", "target_id", h.TargetID, "type", h.Type, "error", err)
		return nil, fmt.Errorf("%w: escrow authorize: %v", apperr.ErrUpstreamUnavailable, err)
	}

	pi := &models.PaymentIntent{
		ID:          models.NewID(),
		TargetID:    h.TargetID,
		BuyerID:     h.BuyerID,
		DriverID:    h.DriverID,
		Amount:      h.Amount,
		Currency:    l.currency,
		Type:        h.Type,
		Status:      models.IntentAuthorized,
		Provider:    auth.Provider,
		ProviderRef: auth.Ref,
	}
	if err := tx.InsertIntent(ctx, pi); err != nil {
		return nil, err
	}
	l.logger.Info("escrow authorized", "intent_id", pi.ID, "target_id", pi.TargetID, "type", pi.Type, "amount", pi.Amount)
	return pi, nil
}

// Capture releases an authorized intent. A provider error or timeout leaves
// the intent authorized and returns ErrPaymentFailed.
func (l *Ledger) Capture(ctx context.Context, tx storage.Tx, pi *models.PaymentIntent) error {
	if pi.Status != models.IntentAuthorized {
		return apperr.Conflict("payment intent %s is %s", pi.ID, pi.Status)
	}
	cctx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()
	err := l.provider.Capture(cctx, pi.ProviderRef)
	if err == nil {
		err = cctx.Err()
	}
	observability.EscrowOpsTotal.WithLabelValues("capture", string(pi.Type), observability.Outcome(err)).Inc()
	if err != nil {
		l.logger.Warn("escrow capture failed", "intent_id", pi.ID, "provider_ref", pi.ProviderRef, "error", err)
		return fmt.Errorf("%w: capture %s: %v", apperr.ErrPaymentFailed, pi.ID, err)
	}

	next := *pi
	next.Status = models.IntentReleased
	if err := tx.UpdateIntent(ctx, &next, models.IntentAuthorized); err != nil {
		return err
	}
	*pi = next
	l.logger.Info("escrow released", "intent_id", pi.ID, "target_id", pi.TargetID, "type", pi.Type)
	return nil
}

// Cancel marks an authorized intent cancelled. The caller voids the hold
// once its unit has committed.
func (l *Ledger) Cancel(ctx context.Context, tx storage.Tx, pi *models.PaymentIntent) error {
	next := *pi
	next.Status = models.IntentCancelled
	if err := tx.UpdateIntent(ctx, &next, models.IntentAuthorized); err != nil {
		return err
	}
	*pi = next
	return nil
}

// Void asks the provider to drop the hold behind pi. It only logs failures.
func (l *Ledger) Void(ctx context.Context, pi *models.PaymentIntent) {
	v, ok := l.provider.(payments.Voider)
	if !ok || pi == nil {
		return
	}
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), l.timeout)
	defer cancel()
	err := v.Void(cctx, pi.ProviderRef)
	observability.EscrowOpsTotal.WithLabelValues("void", string(pi.Type), observability.Outcome(err)).Inc()
	if err != nil {
		l.logger.Warn("escrow void failed", "intent_id", pi.ID, "provider_ref", pi.ProviderRef, "error", err)
	}
}

// Active returns the authorized intent of type typ for target, or nil.
func Active(ctx context.Context, r storage.Reader, target string, typ models.IntentType) (*models.PaymentIntent, error) {
	if target == "" {
		return nil, nil
	}
	rows, err := r.ListIntents(ctx, storage.IntentFilter{
		TargetID: target,
		Type:     typ,
		Statuses: []models.IntentStatus{models.IntentAuthorized},
	})
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return &rows[0], nil
}

// IsPaymentFailure reports whether err came from a failed capture.
func IsPaymentFailure(err error) bool { return errors.Is(err, apperr.ErrPaymentFailed) }

// ForTarget lists the intents held against target that p is a party to.
// Farmers see the product intents of their own lots.
func ForTarget(ctx context.Context, r storage.Reader, p models.Principal, target string) ([]models.PaymentIntent, error) {
	rows, err := r.ListIntents(ctx, storage.IntentFilter{TargetID: target})
	if err != nil {
		return nil, err
	}
	farmerOwns := false
	if p.Role == models.RoleFarmer {
		if lot, err := r.GetLot(ctx, target); err == nil {
			farmerOwns = p.Owns(lot.FarmerID)
		}
	}
	out := make([]models.PaymentIntent, 0, len(rows))
	for _, pi := range rows {
		if p.Owns(pi.BuyerID) || (pi.DriverID != "" && p.Owns(pi.DriverID)) || (farmerOwns && pi.Type == models.IntentProduct) {
			out = append(out, pi)
		}
	}
	if len(rows) > 0 && len(out) == 0 {
		return nil, apperr.Forbidden("intents for %s", target)
	}
	return out, nil
}
