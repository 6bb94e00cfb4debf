package payments

import (
	"context"
	"fmt"
)

// AuthRequest describes one escrow hold.
type AuthRequest struct {
	TargetID string
	PayerRef string
	Amount   int64
	Currency string
}

type Authorization struct {
	Provider string
	Ref      string
}

// Provider is the pluggable escrow capability. Capture returns nil when the
// funds were captured; any error means the capture did not happen.
type Provider interface {
	Authorize(ctx context.Context, req AuthRequest) (Authorization, error)
	Capture(ctx context.Context, ref string) error
}

// Voider is implemented by providers that can release an uncaptured hold.
type Voider interface {
	Void(ctx context.Context, ref string) error
}

// MockClient always succeeds.
type MockClient struct{}

func NewMockClient() *MockClient { return &MockClient{} }

func (MockClient) Authorize(ctx context.Context, req AuthRequest) (Authorization, error) {
	if err := ctx.Err(); err != nil {
		return Authorization{}, err
	}
	target := req.TargetID
	if target == "" {
		target = "x"
	}
	return Authorization{Provider: "mock", Ref: fmt.Sprintf("pi_%s", target)}, nil
}

func (MockClient) Capture(ctx context.Context, ref string) error { return ctx.Err() }

func (MockClient) Void(ctx context.Context, ref string) error { return ctx.Err() }
