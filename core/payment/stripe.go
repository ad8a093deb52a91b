package payment

import (
	"context"
	"fmt"

	"github.com/irsalhamdi/e-commerce-entitlement/config"
	"github.com/stripe/stripe-go/v74"
	stripecl "github.com/stripe/stripe-go/v74/client"
)

type Stripe struct {
	api *stripecl.API
	cfg config.Stripe
}

// NewStripe builds the gateway. A non empty cfg.URL points the client at
// another backend, such as stripe-mock.
func NewStripe(cfg config.Stripe) *Stripe {
	var backends *stripe.Backends
	if cfg.URL != "" {
		backends = &stripe.Backends{
			API: stripe.GetBackendWithConfig(stripe.APIBackend, &stripe.BackendConfig{
				URL: stripe.String(cfg.URL),
			}),
		}
	}

	api := &stripecl.API{}
	api.Init(cfg.APISecret, backends)
	return &Stripe{api: api, cfg: cfg}
}

func (s *Stripe) CreateSession(ctx context.Context, req SessionRequest) (Session, error) {
	name := req.Description
	if req.Period != "" {
		name = fmt.Sprintf("%s (one %s)", name, req.Period)
	}

	// Memberships are one-off payments too. A renewal is a new checkout.
	price := &stripe.CheckoutSessionLineItemPriceDataParams{
		Currency:    stripe.String(s.cfg.Currency),
		TaxBehavior: stripe.String("inclusive"),
		UnitAmount:  stripe.Int64(req.Amount),
		ProductData: &stripe.CheckoutSessionLineItemPriceDataProductDataParams{
			Name: stripe.String(name),
		},
	}

	params := &stripe.CheckoutSessionParams{
		SuccessURL:        stripe.String(s.cfg.SuccessURL),
		CancelURL:         stripe.String(s.cfg.CancelURL),
		Mode:              stripe.String(string(stripe.CheckoutSessionModePayment)),
		ClientReferenceID: stripe.String(req.RefID),
		LineItems: []*stripe.CheckoutSessionLineItemParams{{
			Quantity:  stripe.Int64(1),
			PriceData: price,
		}},
	}
	if req.Email != "" {
		params.CustomerEmail = stripe.String(req.Email)
	}
	params.Context = ctx
	params.AddMetadata(MetaKind, string(req.Kind))
	params.AddMetadata(MetaRefID, req.RefID)
	params.AddMetadata(MetaUserID, req.UserID)

	cs, err := s.api.CheckoutSessions.New(params)
	if err != nil {
		return Session{}, gatewayErr("stripe", err)
	}
	return Session{ID: cs.ID, URL: cs.URL}, nil
}
