package email

import (
	"context"
	"io"
	"net/smtp"
	"strings"
	"testing"
	"time"

	"github.com/irsalhamdi/e-commerce-entitlement/config"
	"github.com/irsalhamdi/e-commerce-entitlement/core/cart"
	"github.com/irsalhamdi/e-commerce-entitlement/core/order"
	"github.com/irsalhamdi/e-commerce-entitlement/core/plan"
	"github.com/irsalhamdi/e-commerce-entitlement/core/productkey"
	"github.com/irsalhamdi/e-commerce-entitlement/core/subscription"
	"github.com/sirupsen/logrus"
)

type outbox struct {
	to, subject, body string
	n                 int
}

func (o *outbox) Send(ctx context.Context, to, subject, body string) error {
	o.to, o.subject, o.body = to, subject, body
	o.n++
	return nil
}

func discard() logrus.FieldLogger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log
}

func TestOrderConfirmation(t *testing.T) {
	var box outbox
	hook := OrderConfirmation(discard(), &box)

	c := order.Completion{
		Order: order.Order{
			ID:             "o-1",
			OrderNumber:    "CM-20261015-ABC123",
			TotalAmount:    1900,
			DiscountAmount: 190,
			FinalAmount:    1710,
			ContactEmail:   "buyer@example.com",
			Items: []order.Item{
				{ItemType: cart.Course, ItemName: "Go", UnitPrice: 1000, Quantity: 1},
				{ItemType: cart.DigitalProduct, ItemName: "Editor", UnitPrice: 900, Quantity: 1},
			},
		},
		Keys:        []productkey.Key{{Value: "AAAAA-BBBBB-CCCCC-DDDDD"}},
		Backordered: []string{},
	}

	if err := hook(context.Background(), c); err != nil {
		t.Fatal(err)
	}
	if box.to != "buyer@example.com" || box.subject != "Your order CM-20261015-ABC123" {
		t.Fatalf("unexpected envelope %q %q", box.to, box.subject)
	}
	for _, want := range []string{"- Go: 10.00", "Discount: -1.90", "Paid: 17.10", "AAAAA-BBBBB-CCCCC-DDDDD"} {
		if !strings.Contains(box.body, want) {
			t.Errorf("body misses %q:\n%s", want, box.body)
		}
	}
	if strings.Contains(box.body, "sold out") {
		t.Errorf("body mentions a backorder:\n%s", box.body)
	}

	c.Order.ContactEmail = ""
	if err := hook(context.Background(), c); err != nil {
		t.Fatal(err)
	}
	if box.n != 1 {
		t.Fatalf("mail sent without a contact address")
	}
}

func TestSubscriptionConfirmation(t *testing.T) {
	var box outbox
	hook := SubscriptionConfirmation(discard(), &box)

	end := time.Date(2026, time.November, 15, 0, 0, 0, 0, time.UTC)
	a := subscription.Activation{
		Subscription: subscription.Subscription{
			ID:           "s-1",
			BillingCycle: plan.Monthly,
			Price:        1500,
			EndsAt:       &end,
			ContactEmail: "member@example.com",
		},
	}

	if err := hook(context.Background(), a); err != nil {
		t.Fatal(err)
	}
	for _, want := range []string{"monthly, 15.00", "Access until: 2026-11-15"} {
		if !strings.Contains(box.body, want) {
			t.Errorf("body misses %q:\n%s", want, box.body)
		}
	}
}

func TestMailerSend(t *testing.T) {
	m := NewMailer(config.Email{Address: "shop@example.com", Host: "smtp.example.com", Port: 587})

	var (
		gotAddr string
		gotMsg  string
	)
	m.send = func(addr string, a smtp.Auth, from string, to []string, msg []byte) error {
		gotAddr, gotMsg = addr, string(msg)
		return nil
	}

	if err := m.Send(context.Background(), "buyer@example.com", "Hi", "line one\nline two"); err != nil {
		t.Fatal(err)
	}
	if gotAddr != "smtp.example.com:587" {
		t.Fatalf("dialed %q", gotAddr)
	}
	if !strings.Contains(gotMsg, "Subject: Hi\r\n") || !strings.HasSuffix(gotMsg, "line one\r\nline two") {
		t.Fatalf("unexpected message %q", gotMsg)
	}
}
