// Package arbiter runs the accept-one, reject-the-rest protocol shared by
// lot bids and delivery quotes. The whole guard-then-commit sequence executes
// in one store transaction; every write is conditional on the status read
// at the start, so a concurrent winner makes the loser roll back.
package arbiter

import (
	"context"
	"log/slog"
	"time"

	"github.com/example/farm-market/internal/apperr"
	"github.com/example/farm-market/internal/models"
	"github.com/example/farm-market/internal/observability"
	"github.com/example/farm-market/internal/storage"
)

// Contest adapts one (target, offer) pair to the protocol. Implementations
// keep the records they load so later steps can write them back.
type Contest interface {
	Kind() string
	// LoadTarget returns the target's owner and whether it is still open.
	LoadTarget(ctx context.Context, tx storage.Tx) (owner string, open bool, err error)
	// LoadOffer returns whether the offer is pending. An offer that belongs
	// to another target is reported as not found.
	LoadOffer(ctx context.Context, tx storage.Tx) (pending bool, err error)
	AcceptOffer(ctx context.Context, tx storage.Tx) error
	RejectSiblings(ctx context.Context, tx storage.Tx) (int, error)
	AwardTarget(ctx context.Context, tx storage.Tx) error
	// Spawn creates the downstream record and its escrow hold.
	Spawn(ctx context.Context, tx storage.Tx) error
	// Abort undoes side effects outside the store after a failed unit.
	Abort(ctx context.Context)
	// Committed runs after the unit is durable.
	Committed()
}

type Arbiter struct {
	store  storage.Store
	logger *slog.Logger
}

func New(store storage.Store, logger *slog.Logger) *Arbiter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Arbiter{store: store, logger: logger}
}

func (a *Arbiter) Accept(ctx context.Context, caller models.Principal, c Contest) error {
	start := time.Now()
	rejected := 0
	err := a.store.WithTx(ctx, func(tx storage.Tx) error {
		owner, open, err := c.LoadTarget(ctx, tx)
		if err != nil {
			return err
		}
		if !caller.Owns(owner) {
			return apperr.Forbidden("%s belongs to another user", c.Kind())
		}
		if !open {
			return apperr.Conflict("%s is not open", c.Kind())
		}
		pending, err := c.LoadOffer(ctx, tx)
		if err != nil {
			return err
		}
		if !pending {
			return apperr.Conflict("offer is not pending")
		}
		if err := c.AcceptOffer(ctx, tx); err != nil {
			return err
		}
		if rejected, err = c.RejectSiblings(ctx, tx); err != nil {
			return err
		}
		if err := c.AwardTarget(ctx, tx); err != nil {
			return err
		}
		return c.Spawn(ctx, tx)
	})
	observability.AcceptLatency.WithLabelValues(c.Kind()).Observe(time.Since(start).Seconds())
	observability.AcceptancesTotal.WithLabelValues(c.Kind(), observability.Outcome(err)).Inc()
	if err != nil {
		c.Abort(ctx)
		a.logger.Info("acceptance refused", "kind", c.Kind(), "caller", caller.ID, "error", err)
		return err
	}
	a.logger.Info("offer accepted", "kind", c.Kind(), "caller", caller.ID, "rejected", rejected)
	c.Committed()
	return nil
}
