package models

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

type Coord struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// Place is a named pickup or dropoff point.
type Place struct {
	Name    string  `json:"name,omitempty"`
	Address string  `json:"address,omitempty"`
	Lat     float64 `json:"lat"`
	Lng     float64 `json:"lng"`
}

func (p Place) Coord() Coord { return Coord{Lat: p.Lat, Lng: p.Lng} }

func (p Place) IsZero() bool { return p.Lat == 0 && p.Lng == 0 }

type LotStatus string

const (
	LotOpen      LotStatus = "open"
	LotAwarded   LotStatus = "awarded"
	LotClosed    LotStatus = "closed"
	LotCancelled LotStatus = "cancelled"
)

// OfferStatus is shared by bids and quotes.
type OfferStatus string

const (
	OfferPending   OfferStatus = "pending"
	OfferAccepted  OfferStatus = "accepted"
	OfferRejected  OfferStatus = "rejected"
	OfferWithdrawn OfferStatus = "withdrawn"
	// OfferActive marks a quote whose driver confirmed the resulting job.
	OfferActive OfferStatus = "active"
)

// Held reports whether the offer still counts against its owner's single
// active offer per target.
func (s OfferStatus) Held() bool {
	return s == OfferPending || s == OfferAccepted || s == OfferActive
}

// HeldOfferStatuses is the status set matched by Held.
var HeldOfferStatuses = []OfferStatus{OfferPending, OfferAccepted, OfferActive}

type RequestStatus string

const (
	RequestOpen      RequestStatus = "open"
	RequestAwarded   RequestStatus = "awarded"
	RequestCancelled RequestStatus = "cancelled"
	RequestFulfilled RequestStatus = "fulfilled"
)

type JobStatus string

const (
	JobAvailable             JobStatus = "available"
	JobAwaitingDriverConfirm JobStatus = "awaiting_driver_confirm"
	JobActive                JobStatus = "active"
	JobCompleted             JobStatus = "completed"
	JobCancelled             JobStatus = "cancelled"
)

func (s JobStatus) Terminal() bool { return s == JobCompleted || s == JobCancelled }

type IntentType string

const (
	IntentProduct   IntentType = "product"
	IntentTransport IntentType = "transport"
)

type IntentStatus string

const (
	IntentAuthorized IntentStatus = "authorized"
	IntentReleased   IntentStatus = "released"
	IntentFailed     IntentStatus = "failed"
	IntentCancelled  IntentStatus = "cancelled"
)

type ProduceLot struct {
	ID           string    `json:"id"`
	FarmerID     string    `json:"farmerId"`
	ProduceType  string    `json:"produceType"`
	Description  string    `json:"description,omitempty"`
	Quantity     float64   `json:"quantity"`
	Unit         string    `json:"unit"`
	ReservePrice int64     `json:"reservePrice"`
	Pickup       Place     `json:"pickup"`
	Status       LotStatus `json:"status"`
	AwardedBidID string    `json:"awardedBid,omitempty"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

type ProductBid struct {
	ID        string      `json:"id"`
	LotID     string      `json:"lotId"`
	BuyerID   string      `json:"buyerId"`
	Amount    int64       `json:"amount"`
	Quantity  float64     `json:"quantity"`
	Units     string      `json:"units,omitempty"`
	Note      string      `json:"note,omitempty"`
	Status    OfferStatus `json:"status"`
	CreatedAt time.Time   `json:"createdAt"`
	UpdatedAt time.Time   `json:"updatedAt"`
}

type DeliveryRequest struct {
	ID            string        `json:"id"`
	BuyerID       string        `json:"buyerId"`
	FarmerID      string        `json:"farmerId,omitempty"`
	ProduceType   string        `json:"produceType"`
	Quantity      float64       `json:"quantity"`
	Unit          string        `json:"unit"`
	Pickup        Place         `json:"pickup"`
	Dropoff       Place         `json:"dropoff"`
	Notes         string        `json:"notes,omitempty"`
	LotID         string        `json:"lotId,omitempty"`
	ProductBidID  string        `json:"productBidId,omitempty"`
	Status        RequestStatus `json:"status"`
	ChosenQuoteID string        `json:"chosenQuote,omitempty"`
	JobID         string        `json:"job,omitempty"`
	CreatedAt     time.Time     `json:"createdAt"`
	UpdatedAt     time.Time     `json:"updatedAt"`
}

type Quote struct {
	ID         string      `json:"id"`
	RequestID  string      `json:"requestId"`
	DriverID   string      `json:"driverId"`
	Amount     int64       `json:"amount"`
	Currency   string      `json:"currency"`
	ETAMinutes int         `json:"etaMinutes"`
	Note       string      `json:"note,omitempty"`
	Status     OfferStatus `json:"status"`
	CreatedAt  time.Time   `json:"createdAt"`
	UpdatedAt  time.Time   `json:"updatedAt"`
}

type CheckpointKind string

const (
	CheckpointLocation CheckpointKind = "location"
	CheckpointPickup   CheckpointKind = "pickup"
	CheckpointDelivery CheckpointKind = "delivery"
)

type Checkpoint struct {
	Kind CheckpointKind `json:"kind"`
	Lat  float64        `json:"lat"`
	Lng  float64        `json:"lng"`
	At   time.Time      `json:"at"`
}

type DriverJob struct {
	ID              string       `json:"id"`
	ReferenceNo     string       `json:"referenceNo"`
	BuyerID         string       `json:"buyerId,omitempty"`
	FarmerID        string       `json:"farmerId,omitempty"`
	ProductLotID    string       `json:"productLotId,omitempty"`
	RequestID       string       `json:"requestId,omitempty"`
	AcceptedQuoteID string       `json:"acceptedQuote,omitempty"`
	AcceptedBy      string       `json:"accepted_by,omitempty"`
	Commodity       string       `json:"commodity"`
	Quantity        float64      `json:"quantity"`
	Unit            string       `json:"unit"`
	PaymentAmount   int64        `json:"payment_amount"`
	Pickup          Place        `json:"pickup"`
	Dropoff         Place        `json:"dropoff"`
	Instructions    string       `json:"instructions,omitempty"`
	FarmerCode      string       `json:"farmerCode,omitempty"`
	BuyerCode       string       `json:"buyerCode,omitempty"`
	Status          JobStatus    `json:"status"`
	AcceptedAt      *time.Time   `json:"acceptedAt,omitempty"`
	PickedUpAt      *time.Time   `json:"pickedUpAt,omitempty"`
	CompletedAt     *time.Time   `json:"completedAt,omitempty"`
	Checkpoints     []Checkpoint `json:"checkpoints"`
	CreatedAt       time.Time    `json:"createdAt"`
	UpdatedAt       time.Time    `json:"updatedAt"`
}

// Clone copies the job including its checkpoint slice.
func (j DriverJob) Clone() DriverJob {
	out := j
	out.Checkpoints = append([]Checkpoint(nil), j.Checkpoints...)
	return out
}

type PaymentIntent struct {
	ID          string       `json:"id"`
	TargetID    string       `json:"jobId"` // DriverJob id for transport, ProduceLot id for product
	BuyerID     string       `json:"buyerId"`
	DriverID    string       `json:"driverId,omitempty"`
	Amount      int64        `json:"amount"`
	Currency    string       `json:"currency"`
	Type        IntentType   `json:"type"`
	Status      IntentStatus `json:"status"`
	Provider    string       `json:"provider"`
	ProviderRef string       `json:"providerRef"`
	CreatedAt   time.Time    `json:"createdAt"`
	UpdatedAt   time.Time    `json:"updatedAt"`
}

type DriverTag struct {
	ID        string    `json:"id"`
	DriverID  string    `json:"driverId"`
	TagID     string    `json:"tagId"`
	NDEFText  string    `json:"ndefText,omitempty"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

func NewID() string { return uuid.NewString() }

// NewReference returns a short human readable reference such as FTJ-1A2B3C4D.
func NewReference(prefix string) string {
	return prefix + "-" + strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", "")[:8])
}

// Units accepted for lot and request quantities.
var Units = []string{"Kg", "Bags", "Trays", "Crates", "Litres", "Tonnes"}

// NormalizeUnit maps u onto its canonical spelling. An empty unit means Kg.
func NormalizeUnit(u string) (string, bool) {
	if strings.TrimSpace(u) == "" {
		return "Kg", true
	}
	for _, known := range Units {
		if strings.EqualFold(known, strings.TrimSpace(u)) {
			return known, true
		}
	}
	return "", false
}

// ValidCoord reports whether c is a plausible latitude/longitude pair.
func ValidCoord(c Coord) bool {
	return c.Lat >= -90 && c.Lat <= 90 && c.Lng >= -180 && c.Lng <= 180
}
