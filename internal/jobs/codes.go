package jobs

import (
	"crypto/rand"
	"crypto/subtle"
	"fmt"
	"math/big"

	"github.com/example/farm-market/internal/models"
)

var codeSpan = big.NewInt(9000)

// newCode returns a uniformly random decimal code in [1000, 9999].
func newCode() (string, error) {
	n, err := rand.Int(rand.Reader, codeSpan)
	if err != nil {
		return "", fmt.Errorf("generate checkpoint code: %w", err)
	}
	return fmt.Sprintf("%d", n.Int64()+1000), nil
}

// NewCodes returns a farmer and buyer code that differ from each other.
func NewCodes() (farmer, buyer string, err error) {
	if farmer, err = newCode(); err != nil {
		return "", "", err
	}
	for {
		if buyer, err = newCode(); err != nil {
			return "", "", err
		}
		if buyer != farmer {
			return farmer, buyer, nil
		}
	}
}

func codeMatches(want, got string) bool {
	return want != "" && subtle.ConstantTimeCompare([]byte(want), []byte(got)) == 1
}

// NewJob builds the job that results from accepting quote q on req. The job
// waits for the winning driver to confirm.
func NewJob(req *models.DeliveryRequest, q *models.Quote) (*models.DriverJob, error) {
	farmerCode, buyerCode, err := NewCodes()
	if err != nil {
		return nil, err
	}
	return &models.DriverJob{
		ID:              models.NewID(),
		ReferenceNo:     models.NewReference("FTJ"),
		BuyerID:         req.BuyerID,
		FarmerID:        req.FarmerID,
		ProductLotID:    req.LotID,
		RequestID:       req.ID,
		AcceptedQuoteID: q.ID,
		AcceptedBy:      q.DriverID,
		Commodity:       req.ProduceType,
		Quantity:        req.Quantity,
		Unit:            req.Unit,
		PaymentAmount:   q.Amount,
		Pickup:          req.Pickup,
		Dropoff:         req.Dropoff,
		Instructions:    req.Notes,
		FarmerCode:      farmerCode,
		BuyerCode:       buyerCode,
		Status:          models.JobAwaitingDriverConfirm,
		Checkpoints:     []models.Checkpoint{},
	}, nil
}
