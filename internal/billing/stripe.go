// Package billing is the boundary to the payment processor. The engine
// invokes it with the final fare when a trip completes and does not wait on
// payment success; failures are handled downstream.
package billing

import (
	"context"
	"math"

	stripe "github.com/stripe/stripe-go/v74"
	"github.com/stripe/stripe-go/v74/paymentintent"

	"github.com/example/dispatch-engine/internal/trip"
)

type Biller interface {
	ChargeTrip(ctx context.Context, t trip.Trip) error
}

// StripeBiller settles completed trips through Stripe PaymentIntents.
type StripeBiller struct {
	Currency string
}

// NewStripeBiller initializes the stripe client with the given API key.
func NewStripeBiller(apiKey, currency string) *StripeBiller {
	stripe.Key = apiKey
	if currency == "" {
		currency = "usd"
	}
	return &StripeBiller{Currency: currency}
}

func (s *StripeBiller) ChargeTrip(ctx context.Context, t trip.Trip) error {
	params := &stripe.PaymentIntentParams{
		Amount:   stripe.Int64(toCents(t.FinalFare)),
		Currency: stripe.String(s.Currency),
	}
	params.Params.Context = ctx
	params.AddMetadata("trip_id", t.ID)
	params.AddMetadata("rider_id", t.RiderID)
	params.AddMetadata("outcome", string(t.Outcome))
	pi, err := paymentintent.New(params)
	if err != nil {
		return err
	}
	_, err = paymentintent.Capture(pi.ID, nil)
	return err
}

func toCents(fare float64) int64 {
	return int64(math.Round(fare * 100))
}

// NopBiller is used when no payment processor is configured.
type NopBiller struct{}

func (NopBiller) ChargeTrip(context.Context, trip.Trip) error { return nil }
