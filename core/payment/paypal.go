package payment

import (
	"context"
	"errors"

	"github.com/irsalhamdi/e-commerce-entitlement/config"
	"github.com/plutov/paypal/v4"
)

// CaptureCompleted is the capture status of a paid PayPal order.
const CaptureCompleted = "COMPLETED"

// Paypal charges through one CAPTURE order per session. Memberships are
// charged one billing period at a time.
type Paypal struct {
	client *paypal.Client
	cfg    config.Paypal
	urls   config.Stripe
}

// NewPaypal sends buyers back to the same storefront pages as Stripe.
func NewPaypal(client *paypal.Client, cfg config.Paypal, returnURLs config.Stripe) *Paypal {
	return &Paypal{client: client, cfg: cfg, urls: returnURLs}
}

func (p *Paypal) CreateSession(ctx context.Context, req SessionRequest) (Session, error) {
	items := make([]paypal.Item, 0, len(req.Lines))
	var itemTotal int64
	for _, l := range req.Lines {
		items = append(items, paypal.Item{
			Quantity: "1",
			Name:     l.Name,

			UnitAmount: &paypal.Money{
				Currency: p.cfg.Currency,
				Value:    FormatAmount(l.Amount),
			},
		})
		itemTotal += l.Amount
	}

	amount := &paypal.PurchaseUnitAmount{
		Currency: p.cfg.Currency,
		Value:    FormatAmount(req.Amount),
	}
	if itemTotal > 0 {
		amount.Breakdown = &paypal.PurchaseUnitAmountBreakdown{
			ItemTotal: &paypal.Money{Currency: p.cfg.Currency, Value: FormatAmount(itemTotal)},
			Discount:  &paypal.Money{Currency: p.cfg.Currency, Value: FormatAmount(itemTotal - req.Amount)},
		}
	}

	units := []paypal.PurchaseUnitRequest{{
		ReferenceID: req.RefID,
		CustomID:    string(req.Kind) + ":" + req.RefID,
		Description: req.Description,
		Items:       items,
		Amount:      amount,
	}}

	app := &paypal.ApplicationContext{
		ReturnURL: p.urls.SuccessURL,
		CancelURL: p.urls.CancelURL,
	}

	ord, err := p.client.CreateOrder(ctx, "CAPTURE", units, nil, app)
	if err != nil {
		return Session{}, gatewayErr("paypal", err)
	}

	s := Session{ID: ord.ID}
	for _, l := range ord.Links {
		if l.Rel == "approve" {
			s.URL = l.Href
		}
	}
	return s, nil
}

// Capture collects the payment of an approved PayPal order and returns the
// capture status.
func (p *Paypal) Capture(ctx context.Context, orderID string) (string, error) {
	resp, err := p.client.CaptureOrder(ctx, orderID, paypal.CaptureOrderRequest{})
	if err != nil {
		return "", gatewayErr("paypal", err)
	}
	if resp == nil {
		return "", gatewayErr("paypal", errors.New("empty capture response"))
	}
	return resp.Status, nil
}
