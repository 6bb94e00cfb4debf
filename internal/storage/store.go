package storage

import (
	"context"
	"fmt"

	"github.com/example/farm-market/internal/apperr"
	"github.com/example/farm-market/internal/models"
)

// ErrStale is returned by conditional updates whose expected status no longer
// matches the stored record.
var ErrStale = fmt.Errorf("%w: record changed concurrently", apperr.ErrConflict)

type BidFilter struct {
	LotID    string
	BuyerID  string
	Statuses []models.OfferStatus
}

type RequestFilter struct {
	BuyerID  string
	Statuses []models.RequestStatus
}

type QuoteFilter struct {
	RequestID string
	DriverID  string
	Statuses  []models.OfferStatus
}

type JobFilter struct {
	DriverID string
	QuoteID  string
	Statuses []models.JobStatus
}

type IntentFilter struct {
	TargetID string
	Type     models.IntentType
	Statuses []models.IntentStatus
}

// Reader lists return records in creation order, oldest first.
type Reader interface {
	GetLot(ctx context.Context, id string) (*models.ProduceLot, error)
	ListLots(ctx context.Context, statuses ...models.LotStatus) ([]models.ProduceLot, error)
	GetBid(ctx context.Context, id string) (*models.ProductBid, error)
	ListBids(ctx context.Context, f BidFilter) ([]models.ProductBid, error)
	GetRequest(ctx context.Context, id string) (*models.DeliveryRequest, error)
	ListRequests(ctx context.Context, f RequestFilter) ([]models.DeliveryRequest, error)
	GetQuote(ctx context.Context, id string) (*models.Quote, error)
	ListQuotes(ctx context.Context, f QuoteFilter) ([]models.Quote, error)
	GetJob(ctx context.Context, id string) (*models.DriverJob, error)
	ListJobs(ctx context.Context, f JobFilter) ([]models.DriverJob, error)
	GetIntent(ctx context.Context, id string) (*models.PaymentIntent, error)
	ListIntents(ctx context.Context, f IntentFilter) ([]models.PaymentIntent, error)
	GetTag(ctx context.Context, id string) (*models.DriverTag, error)
	FindTag(ctx context.Context, tagID string) (*models.DriverTag, error)
	ListTags(ctx context.Context, driverID string, activeOnly bool) ([]models.DriverTag, error)
}

// Writer updates are conditional on the status the caller last read; a
// mismatch returns ErrStale and the caller's transaction must be abandoned.
type Writer interface {
	InsertLot(ctx context.Context, lot *models.ProduceLot) error
	UpdateLot(ctx context.Context, lot *models.ProduceLot, expect models.LotStatus) error
	InsertBid(ctx context.Context, bid *models.ProductBid) error
	UpdateBid(ctx context.Context, bid *models.ProductBid, expect models.OfferStatus) error
	InsertRequest(ctx context.Context, req *models.DeliveryRequest) error
	UpdateRequest(ctx context.Context, req *models.DeliveryRequest, expect models.RequestStatus) error
	InsertQuote(ctx context.Context, q *models.Quote) error
	UpdateQuote(ctx context.Context, q *models.Quote, expect models.OfferStatus) error
	InsertJob(ctx context.Context, job *models.DriverJob) error
	// UpdateJob never rewrites checkpoints; use AppendCheckpoint.
	UpdateJob(ctx context.Context, job *models.DriverJob, expect models.JobStatus) error
	AppendCheckpoint(ctx context.Context, jobID string, cp models.Checkpoint) error
	InsertIntent(ctx context.Context, pi *models.PaymentIntent) error
	UpdateIntent(ctx context.Context, pi *models.PaymentIntent, expect models.IntentStatus) error
	InsertTag(ctx context.Context, tag *models.DriverTag) error
	UpdateTag(ctx context.Context, tag *models.DriverTag) error
}

type Tx interface {
	Reader
	Writer
}

// Store is the persistence boundary for the marketplace. All writes go
// through WithTx; fn's writes become visible together or not at all.
type Store interface {
	Reader
	WithTx(ctx context.Context, fn func(tx Tx) error) error
	// AppendCheckpoint adds one sample outside any unit of work.
	AppendCheckpoint(ctx context.Context, jobID string, cp models.Checkpoint) error
	Close() error
}

func containsStatus[S comparable](set []S, s S) bool {
	if len(set) == 0 {
		return true
	}
	for _, v := range set {
		if v == s {
			return true
		}
	}
	return false
}
