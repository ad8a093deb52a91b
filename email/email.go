// Package email sends purchase and membership confirmations over SMTP.
package email

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"net/smtp"
	"strconv"
	"strings"
	"text/template"

	"github.com/irsalhamdi/e-commerce-entitlement/config"
	"github.com/irsalhamdi/e-commerce-entitlement/core/order"
	"github.com/irsalhamdi/e-commerce-entitlement/core/payment"
	"github.com/irsalhamdi/e-commerce-entitlement/core/subscription"
	"github.com/sirupsen/logrus"
)

// Sender delivers a single plain text message.
type Sender interface {
	Send(ctx context.Context, to, subject, body string) error
}

type Mailer struct {
	cfg  config.Email
	send func(addr string, a smtp.Auth, from string, to []string, msg []byte) error
}

func NewMailer(cfg config.Email) *Mailer {
	return &Mailer{cfg: cfg, send: smtp.SendMail}
}

func (m *Mailer) Send(ctx context.Context, to, subject, body string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	var auth smtp.Auth
	if m.cfg.Password != "" {
		auth = smtp.PlainAuth("", m.cfg.Address, m.cfg.Password, m.cfg.Host)
	}

	var msg bytes.Buffer
	fmt.Fprintf(&msg, "From: %s\r\nTo: %s\r\nSubject: %s\r\n", m.cfg.Address, to, subject)
	msg.WriteString("MIME-Version: 1.0\r\nContent-Type: text/plain; charset=UTF-8\r\n\r\n")
	msg.WriteString(strings.ReplaceAll(body, "\n", "\r\n"))

	addr := net.JoinHostPort(m.cfg.Host, strconv.Itoa(m.cfg.Port))
	if err := m.send(addr, auth, m.cfg.Address, []string{to}, msg.Bytes()); err != nil {
		return fmt.Errorf("sending mail to %s: %w", to, err)
	}
	return nil
}

var (
	orderTmpl = template.Must(template.New("order").Funcs(funcs).Parse(`Thank you for your order {{.Order.OrderNumber}}.

{{range .Order.Items}}- {{.ItemName}}: {{amount .UnitPrice}}
{{end}}
Total: {{amount .Order.TotalAmount}}
{{- if .Order.DiscountAmount}}
Discount: -{{amount .Order.DiscountAmount}}{{end}}
Paid: {{amount .Order.FinalAmount}}
{{if .Keys}}
Your activation keys:
{{range .Keys}}  {{.Value}}
{{end}}{{end}}{{if .Backordered}}
Some keys are sold out right now. They will be available from your
library as soon as the product is restocked.
{{end}}`))

	subscriptionTmpl = template.Must(template.New("subscription").Funcs(funcs).Parse(`Your membership is active.

Billing: {{.Subscription.BillingCycle}}, {{amount .Subscription.Price}}
Access until: {{.Subscription.EndsAt.Format "2006-01-02"}}
{{- if .Keys}}

Your activation keys:
{{range .Keys}}  {{.Value}}
{{end}}{{end}}`))

	funcs = template.FuncMap{"amount": payment.FormatAmount}
)

// OrderConfirmation mails the buyer a receipt once an order completes.
// Orders without a contact address are skipped.
func OrderConfirmation(log logrus.FieldLogger, s Sender) order.Hook {
	return func(ctx context.Context, c order.Completion) error {
		if c.Order.ContactEmail == "" {
			return nil
		}

		var body bytes.Buffer
		if err := orderTmpl.Execute(&body, c); err != nil {
			return fmt.Errorf("rendering confirmation of order[%s]: %w", c.Order.ID, err)
		}

		subject := "Your order " + c.Order.OrderNumber
		if err := s.Send(ctx, c.Order.ContactEmail, subject, body.String()); err != nil {
			return fmt.Errorf("confirming order[%s]: %w", c.Order.ID, err)
		}

		log.WithField("order_id", c.Order.ID).Info("order confirmation sent")
		return nil
	}
}

func SubscriptionConfirmation(log logrus.FieldLogger, s Sender) subscription.Hook {
	return func(ctx context.Context, a subscription.Activation) error {
		if a.Subscription.ContactEmail == "" || a.Subscription.EndsAt == nil {
			return nil
		}

		var body bytes.Buffer
		if err := subscriptionTmpl.Execute(&body, a); err != nil {
			return fmt.Errorf("rendering confirmation of subscription[%s]: %w", a.Subscription.ID, err)
		}

		if err := s.Send(ctx, a.Subscription.ContactEmail, "Your membership is active", body.String()); err != nil {
			return fmt.Errorf("confirming subscription[%s]: %w", a.Subscription.ID, err)
		}

		log.WithField("subscription_id", a.Subscription.ID).Info("subscription confirmation sent")
		return nil
	}
}
