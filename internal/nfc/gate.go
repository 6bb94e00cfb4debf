// Package nfc binds physical NFC tags to drivers and resolves a scanned tag
// back to its driver.
package nfc

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/example/farm-market/internal/apperr"
	"github.com/example/farm-market/internal/models"
	"github.com/example/farm-market/internal/storage"
)

// SchemePrefix marks NDEF text records written by the driver app.
const SchemePrefix = "fty:driver:"

// ErrTagOwned is returned when a tag is already bound to another driver.
var ErrTagOwned = fmt.Errorf("%w: tag already belongs to another driver", apperr.ErrConflict)

// ResolveTag derives the canonical tag id from a raw hardware id or an NDEF
// text payload. The raw id wins when both are present.
func ResolveTag(rawID, ndefText string) (string, error) {
	if id := strings.TrimSpace(rawID); id != "" {
		return id, nil
	}
	if strings.HasPrefix(ndefText, SchemePrefix) {
		parts := strings.Split(ndefText, ":")
		if last := parts[len(parts)-1]; last != "" {
			return "NDEF:" + last, nil
		}
	}
	return "", apperr.Validation("tag id or valid NDEF text is required")
}

type Gate struct {
	store  storage.Store
	logger *slog.Logger
}

func NewGate(store storage.Store, logger *slog.Logger) *Gate {
	if logger == nil {
		logger = slog.Default()
	}
	return &Gate{store: store, logger: logger}
}

// Bind registers the tag for driver, or reactivates the driver's existing
// binding.
func (g *Gate) Bind(ctx context.Context, driver models.Principal, rawID, ndefText string) (*models.DriverTag, error) {
	if err := driver.Require(models.RoleDriver); err != nil {
		return nil, err
	}
	tagID, err := ResolveTag(rawID, ndefText)
	if err != nil {
		return nil, err
	}
	var out *models.DriverTag
	err = g.store.WithTx(ctx, func(tx storage.Tx) error {
		tag, err := tx.FindTag(ctx, tagID)
		switch {
		case errors.Is(err, apperr.ErrNotFound):
			out = &models.DriverTag{ID: models.NewID(), DriverID: driver.ID, TagID: tagID, NDEFText: ndefText, Active: true}
			return tx.InsertTag(ctx, out)
		case err != nil:
			return err
		case tag.DriverID != driver.ID:
			return ErrTagOwned
		}
		tag.Active = true
		if ndefText != "" {
			tag.NDEFText = ndefText
		}
		out = tag
		return tx.UpdateTag(ctx, tag)
	})
	if err != nil {
		return nil, err
	}
	g.logger.Info("nfc tag bound", "driver_id", driver.ID, "tag_id", out.TagID)
	return out, nil
}

// Lookup returns the active binding for tagID.
func (g *Gate) Lookup(ctx context.Context, tagID string) (*models.DriverTag, error) {
	return LookupIn(ctx, g.store, tagID)
}

// LookupIn is Lookup against an explicit reader, typically an open transaction.
func LookupIn(ctx context.Context, r storage.Reader, tagID string) (*models.DriverTag, error) {
	tag, err := r.FindTag(ctx, tagID)
	if err != nil {
		return nil, err
	}
	if !tag.Active {
		return nil, apperr.NotFound("tag %s not registered", tagID)
	}
	return tag, nil
}

// List returns the driver's active tags, newest first.
func (g *Gate) List(ctx context.Context, driver models.Principal) ([]models.DriverTag, error) {
	if err := driver.Require(models.RoleDriver); err != nil {
		return nil, err
	}
	tags, err := g.store.ListTags(ctx, driver.ID, true)
	if err != nil {
		return nil, err
	}
	for i, j := 0, len(tags)-1; i < j; i, j = i+1, j-1 {
		tags[i], tags[j] = tags[j], tags[i]
	}
	return tags, nil
}

// Remove deactivates one of the driver's tag records.
func (g *Gate) Remove(ctx context.Context, driver models.Principal, recordID string) error {
	if err := driver.Require(models.RoleDriver); err != nil {
		return err
	}
	return g.store.WithTx(ctx, func(tx storage.Tx) error {
		tag, err := tx.GetTag(ctx, recordID)
		if err != nil {
			return err
		}
		if tag.DriverID != driver.ID {
			return apperr.NotFound("tag %s", recordID)
		}
		tag.Active = false
		return tx.UpdateTag(ctx, tag)
	})
}
