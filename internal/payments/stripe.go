package payments

import (
	"context"

	stripe "github.com/stripe/stripe-go/v74"
	"github.com/stripe/stripe-go/v74/paymentintent"
)

// StripeClient places manual-capture PaymentIntents so the quoted fare
// is held when a driver accepts and settled (or released) when the
// ride reaches a terminal state.
type StripeClient struct{}

// NewStripeClient configures the stripe SDK with the given API key.
func NewStripeClient(apiKey string) *StripeClient {
	stripe.Key = apiKey
	return &StripeClient{}
}

// Hold authorizes amountMinor (smallest currency unit) against the
// passenger and returns the PaymentIntent id used to settle later.
func (s *StripeClient) Hold(ctx context.Context, amountMinor int64, currency, customerID string) (string, error) {
	params := &stripe.PaymentIntentParams{
		Amount:   stripe.Int64(amountMinor),
		Currency: stripe.String(currency),
	}
	if customerID != "" {
		params.Customer = stripe.String(customerID)
	}
	params.CaptureMethod = stripe.String(string(stripe.PaymentIntentCaptureMethodManual))
	pi, err := paymentintent.New(params)
	if err != nil {
		return "", err
	}
	return pi.ID, nil
}

// Capture settles a held fare after the ride completes.
func (s *StripeClient) Capture(ctx context.Context, holdID string) error {
	_, err := paymentintent.Capture(holdID, nil)
	return err
}

// Cancel releases a held fare when the ride is cancelled.
func (s *StripeClient) Cancel(ctx context.Context, holdID string) error {
	_, err := paymentintent.Cancel(holdID, nil)
	return err
}
