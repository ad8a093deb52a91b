package test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/irsalhamdi/e-commerce-entitlement/api/web"
	"github.com/irsalhamdi/e-commerce-entitlement/core/payment"
	"github.com/plutov/paypal/v4"
	"github.com/stripe/stripe-go/v74"
	"github.com/stripe/stripe-go/v74/webhook"
	mock "github.com/stripe/stripe-mock/param"
)

// stripeSession is what the mock remembers of a created checkout session.
type stripeSession struct {
	ID       string
	Mode     string
	Metadata map[string]string
	Amount   string
}

type mockStripe struct {
	mu       sync.Mutex
	n        int
	sessions []stripeSession
	down     bool
}

func (m *mockStripe) Last(t *testing.T) stripeSession {
	t.Helper()
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.sessions) == 0 {
		t.Fatal("no stripe session was created")
	}
	return m.sessions[len(m.sessions)-1]
}

func (m *mockStripe) SetDown(down bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.down = down
}

func (m *mockStripe) handle() http.Handler {
	checkout := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		m.mu.Lock()
		defer m.mu.Unlock()

		if m.down {
			web.Respond(context.Background(), w, map[string]any{
				"error": map[string]any{"type": "invalid_request_error", "message": "account unavailable"},
			}, http.StatusBadRequest)
			return
		}

		params, err := mock.ParseParams(r)
		if err != nil {
			web.Respond(context.Background(), w, nil, http.StatusBadRequest)
			return
		}

		s := stripeSession{Metadata: map[string]string{}}
		s.Mode, _ = params["mode"].(string)
		if md, ok := params["metadata"].(map[string]any); ok {
			for k, v := range md {
				s.Metadata[k], _ = v.(string)
			}
		}
		s.Amount = unitAmount(params["line_items"])

		m.n++
		s.ID = fmt.Sprintf("cs_test_%d", m.n)
		m.sessions = append(m.sessions, s)

		web.Respond(context.Background(), w, map[string]any{
			"id":     s.ID,
			"object": "checkout.session",
			"mode":   s.Mode,
			"url":    "https://checkout.stripe.test/" + s.ID,
		}, http.StatusOK)
	})

	r := mux.NewRouter()
	r.Handle("/v1/checkout/sessions", checkout).Methods(http.MethodPost)
	return r
}

// unitAmount digs the single line's amount out of the parsed form, which
// may come back indexed as a map or a slice.
func unitAmount(lines any) string {
	var first any
	switch ls := lines.(type) {
	case []any:
		if len(ls) > 0 {
			first = ls[0]
		}
	case map[string]any:
		first = ls["0"]
	}
	it, ok := first.(map[string]any)
	if !ok {
		return ""
	}
	pd, ok := it["price_data"].(map[string]any)
	if !ok {
		return ""
	}
	s, _ := pd["unit_amount"].(string)
	return s
}

type mockPaypal struct {
	mu       sync.Mutex
	n        int
	status   string
	captures int
	amounts  map[string]string
}

func (m *mockPaypal) Captures() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.captures
}

func (m *mockPaypal) handle() http.Handler {
	token := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		web.Respond(context.Background(), w, map[string]any{
			"access_token": "A21AA-test",
			"token_type":   "Bearer",
			"expires_in":   32400,
		}, http.StatusOK)
	})

	checkout := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var pu struct {
			Intent string                       `json:"intent"`
			Units  []paypal.PurchaseUnitRequest `json:"purchase_units"`
		}
		if err := json.NewDecoder(r.Body).Decode(&pu); err != nil || len(pu.Units) != 1 || pu.Units[0].Amount == nil {
			web.Respond(context.Background(), w, nil, http.StatusBadRequest)
			return
		}

		m.mu.Lock()
		m.n++
		id := fmt.Sprintf("PAYPAL-%d", m.n)
		if m.amounts == nil {
			m.amounts = map[string]string{}
		}
		m.amounts[id] = pu.Units[0].Amount.Value
		m.mu.Unlock()

		web.Respond(context.Background(), w, map[string]any{
			"id":     id,
			"status": "CREATED",
			"links": []map[string]string{
				{"href": "https://www.sandbox.paypal.test/checkoutnow?token=" + id, "rel": "approve", "method": "GET"},
			},
		}, http.StatusCreated)
	})

	capture := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		m.mu.Lock()
		m.captures++
		status := m.status
		m.mu.Unlock()

		web.Respond(context.Background(), w, map[string]any{
			"id":     mux.Vars(r)["id"],
			"status": status,
		}, http.StatusCreated)
	})

	r := mux.NewRouter()
	r.Handle("/v1/oauth2/token", token).Methods(http.MethodPost)
	r.Handle("/v2/checkout/orders", checkout).Methods(http.MethodPost)
	r.Handle("/v2/checkout/orders/{id}/capture", capture).Methods(http.MethodPost)
	return r
}

// SendStripeEvent signs and posts a checkout.session event for s.
func (env *TestEnv) SendStripeEvent(t *testing.T, id, typ string, s stripeSession, paymentStatus string) *http.Response {
	t.Helper()

	obj := map[string]any{
		"id":             s.ID,
		"object":         "checkout.session",
		"mode":           s.Mode,
		"payment_status": paymentStatus,
		"metadata":       s.Metadata,
	}
	if s.Mode == string(stripe.CheckoutSessionModePayment) {
		obj["payment_intent"] = "pi_" + s.ID
	}

	b, err := json.Marshal(map[string]any{
		"id":          id,
		"object":      "event",
		"api_version": stripe.APIVersion,
		"type":        typ,
		"data":        map[string]any{"object": obj},
	})
	if err != nil {
		t.Fatal(err)
	}

	signed := webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{
		Payload:   b,
		Secret:    env.WebhookSecret,
		Timestamp: time.Now(),
	})

	r, err := http.NewRequest(http.MethodPost, env.URL+"/payments/stripe/webhook", bytes.NewReader(b))
	if err != nil {
		t.Fatal(err)
	}
	r.Header.Set("Stripe-Signature", signed.Header)

	w, err := env.Client().Do(r)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { w.Body.Close() })
	return w
}

// sessionMeta is the metadata a paid session must carry back.
func sessionMeta(kind payment.Kind, ref, userID string) map[string]string {
	return map[string]string{
		payment.MetaKind:   string(kind),
		payment.MetaRefID:  ref,
		payment.MetaUserID: userID,
	}
}
