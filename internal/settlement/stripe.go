package settlement

import (
	"context"
	"fmt"

	stripe "github.com/stripe/stripe-go/v74"
	"github.com/stripe/stripe-go/v74/paymentintent"
)

// CardEscrow holds card fares as manual-capture PaymentIntents: hold at
// request, capture at completion, cancel when the ride falls through.
type CardEscrow interface {
	Hold(ctx context.Context, amountCents int64, rideID string) (ref string, err error)
	Capture(ctx context.Context, ref string) error
	Cancel(ctx context.Context, ref string) error
}

type StripeEscrow struct {
	currency string
}

func NewStripeEscrow(apiKey, currency string) *StripeEscrow {
	stripe.Key = apiKey
	if currency == "" {
		currency = "usd"
	}
	return &StripeEscrow{currency: currency}
}

func (s *StripeEscrow) Hold(_ context.Context, amountCents int64, rideID string) (string, error) {
	params := &stripe.PaymentIntentParams{
		Amount:        stripe.Int64(amountCents),
		Currency:      stripe.String(s.currency),
		CaptureMethod: stripe.String(string(stripe.PaymentIntentCaptureMethodManual)),
		PaymentMethodTypes: stripe.StringSlice([]string{"card"}),
	}
	params.AddMetadata("ride_id", rideID)

	pi, err := paymentintent.New(params)
	if err != nil {
		return "", fmt.Errorf("create payment intent: %w", err)
	}
	return pi.ID, nil
}

func (s *StripeEscrow) Capture(_ context.Context, ref string) error {
	if _, err := paymentintent.Capture(ref, &stripe.PaymentIntentCaptureParams{}); err != nil {
		return fmt.Errorf("capture payment intent %s: %w", ref, err)
	}
	return nil
}

func (s *StripeEscrow) Cancel(_ context.Context, ref string) error {
	if _, err := paymentintent.Cancel(ref, &stripe.PaymentIntentCancelParams{}); err != nil {
		return fmt.Errorf("cancel payment intent %s: %w", ref, err)
	}
	return nil
}
