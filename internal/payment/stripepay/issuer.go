// Package stripepay issues payment preferences as Stripe Checkout sessions.
// The package relies on the process-wide stripe.Key being set at startup.
package stripepay

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/checkout/session"

	"turnos/backend/internal/clock"
	"turnos/backend/internal/service/booking"
)

type Config struct {
	SuccessURL string
	CancelURL  string
	// Window is how long a checkout stays payable. Stripe enforces a
	// minimum of 30 minutes.
	Window time.Duration
}

type Issuer struct {
	cfg   Config
	clock clock.Clock
}

func NewIssuer(cfg Config, clk clock.Clock) *Issuer {
	if cfg.Window < 30*time.Minute {
		cfg.Window = 30 * time.Minute
	}
	if clk == nil {
		clk = clock.System{}
	}
	return &Issuer{cfg: cfg, clock: clk}
}

// CreatePreference opens a Stripe Checkout session for one appointment. The
// session id doubles as the external payment id and the session expiry as
// the appointment's payment deadline.
func (i *Issuer) CreatePreference(ctx context.Context, req booking.PreferenceRequest) (booking.Preference, error) {
	expiresAt := i.clock.Now().UTC().Add(i.cfg.Window)

	params := &stripe.CheckoutSessionParams{
		Mode: stripe.String(string(stripe.CheckoutSessionModePayment)),
		LineItems: []*stripe.CheckoutSessionLineItemParams{
			{
				PriceData: &stripe.CheckoutSessionLineItemPriceDataParams{
					Currency:   stripe.String(strings.ToLower(req.Currency)),
					UnitAmount: stripe.Int64(req.Amount),
					ProductData: &stripe.CheckoutSessionLineItemPriceDataProductDataParams{
						Name: stripe.String(fmt.Sprintf("Appointment %s", req.AppointmentID)),
					},
				},
				Quantity: stripe.Int64(1),
			},
		},
		SuccessURL: stripe.String(i.cfg.SuccessURL),
		CancelURL:  stripe.String(i.cfg.CancelURL),
		ExpiresAt:  stripe.Int64(expiresAt.Unix()),
	}
	params.Context = ctx
	params.AddMetadata("appointment_id", req.AppointmentID.String())
	params.AddMetadata("provider_id", req.ProviderID)
	params.AddMetadata("subject_id", req.SubjectID)
	if req.IdempotencyKey != "" {
		params.SetIdempotencyKey(req.IdempotencyKey)
	}

	sess, err := session.New(params)
	if err != nil {
		return booking.Preference{}, fmt.Errorf("create checkout session: %w", err)
	}

	pref := booking.Preference{
		PaymentID:   sess.ID,
		CheckoutURL: sess.URL,
		ExpiresAt:   expiresAt,
	}
	if sess.ExpiresAt > 0 {
		pref.ExpiresAt = time.Unix(sess.ExpiresAt, 0).UTC()
	}
	return pref, nil
}
