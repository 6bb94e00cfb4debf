package payments

import (
	"context"
	"strings"

	stripe "github.com/stripe/stripe-go/v74"
	"github.com/stripe/stripe-go/v74/paymentintent"
)

// StripeClient escrows funds as manual-capture PaymentIntents.
type StripeClient struct {
	currency string
}

// NewStripeClient initializes the stripe client with the given secret key.
func NewStripeClient(apiKey, currency string) *StripeClient {
	stripe.Key = apiKey
	return &StripeClient{currency: strings.ToLower(currency)}
}

// Authorize creates a PaymentIntent with capture_method=manual to hold funds.
func (s *StripeClient) Authorize(ctx context.Context, req AuthRequest) (Authorization, error) {
	currency := s.currency
	if req.Currency != "" {
		currency = strings.ToLower(req.Currency)
	}
	params := &stripe.PaymentIntentParams{
		Amount:   stripe.Int64(req.Amount),
		Currency: stripe.String(currency),
	}
	params.CaptureMethod = stripe.String(string(stripe.PaymentIntentCaptureMethodManual))
	params.Context = ctx
	params.AddMetadata("target_id", req.TargetID)
	params.AddMetadata("payer_ref", req.PayerRef)
	pi, err := paymentintent.New(params)
	if err != nil {
		return Authorization{}, err
	}
	return Authorization{Provider: "stripe", Ref: pi.ID}, nil
}

// Capture finalizes a previously-held PaymentIntent.
func (s *StripeClient) Capture(ctx context.Context, ref string) error {
	params := &stripe.PaymentIntentCaptureParams{}
	params.Context = ctx
	_, err := paymentintent.Capture(ref, params)
	return err
}

// Void releases the hold on a PaymentIntent.
func (s *StripeClient) Void(ctx context.Context, ref string) error {
	params := &stripe.PaymentIntentCancelParams{}
	params.Context = ctx
	_, err := paymentintent.Cancel(ref, params)
	return err
}
