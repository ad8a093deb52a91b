package order

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/irsalhamdi/e-commerce-entitlement/api/web"
	"github.com/irsalhamdi/e-commerce-entitlement/api/weberr"
	"github.com/irsalhamdi/e-commerce-entitlement/core/cart"
	"github.com/irsalhamdi/e-commerce-entitlement/core/claims"
	"github.com/irsalhamdi/e-commerce-entitlement/core/coupon"
	"github.com/irsalhamdi/e-commerce-entitlement/core/course"
	"github.com/irsalhamdi/e-commerce-entitlement/core/payment"
	"github.com/irsalhamdi/e-commerce-entitlement/core/product"
	"github.com/irsalhamdi/e-commerce-entitlement/validate"
	"github.com/jmoiron/sqlx"
)

// Gateways maps a payment method to the processor serving it. Manual orders
// have no gateway; an admin verifies them.
type Gateways map[Method]payment.Gateway

type CheckoutNew struct {
	Items []cart.ItemRef `json:"items" validate:"required,min=1,dive"`
	Options
}

type DirectNew struct {
	ItemType cart.ItemType `json:"itemType" validate:"required,oneof=course digital_product"`
	ItemID   string        `json:"itemId" validate:"required,uuid"`
	Options
}

// Checkout is the answer to an order creation. Free orders come back
// completed; paid ones carry the session to redirect the buyer to.
type Checkout struct {
	Order      Order            `json:"order"`
	Session    *payment.Session `json:"session,omitempty"`
	Completion *Completion      `json:"completion,omitempty"`
}

func HandleCreate(db *sqlx.DB, core *Core, gws Gateways) web.Handler {
	return func(ctx context.Context, w http.ResponseWriter, r *http.Request) error {
		usr, err := claims.Get(ctx)
		if err != nil {
			return weberr.NotAuthorized(err)
		}

		var cn CheckoutNew
		if err := web.Decode(w, r, &cn); err != nil {
			return weberr.BadRequest(fmt.Errorf("unable to decode payload: %w", err))
		}
		if err := validate.Check(cn); err != nil {
			return weberr.Unprocessable(err)
		}
		if err := gws.check(cn.PaymentMethod); err != nil {
			return weberr.Unprocessable(err)
		}

		snap, err := cart.Price(ctx, db, cn.Items)
		if err != nil {
			return response(err)
		}

		ord, err := core.CreateOrder(ctx, usr, snap, cn.Options)
		if err != nil {
			return response(err)
		}

		co, err := checkout(ctx, core, gws, ord)
		if err != nil {
			return err
		}
		return web.Respond(ctx, w, co, http.StatusCreated)
	}
}

func HandleCreateDirect(core *Core, gws Gateways) web.Handler {
	return func(ctx context.Context, w http.ResponseWriter, r *http.Request) error {
		usr, err := claims.Get(ctx)
		if err != nil {
			return weberr.NotAuthorized(err)
		}

		var dn DirectNew
		if err := web.Decode(w, r, &dn); err != nil {
			return weberr.BadRequest(fmt.Errorf("unable to decode payload: %w", err))
		}
		if err := validate.Check(dn); err != nil {
			return weberr.Unprocessable(err)
		}
		if err := gws.check(dn.PaymentMethod); err != nil {
			return weberr.Unprocessable(err)
		}

		ord, err := core.CreateDirectPurchaseOrder(ctx, usr, dn.ItemType, dn.ItemID, dn.Options)
		if err != nil {
			return response(err)
		}

		co, err := checkout(ctx, core, gws, ord)
		if err != nil {
			return err
		}
		return web.Respond(ctx, w, co, http.StatusCreated)
	}
}

// HandleSession opens a new payable session for a pending order, replacing
// the previous one.
func HandleSession(db *sqlx.DB, core *Core, gws Gateways) web.Handler {
	return func(ctx context.Context, w http.ResponseWriter, r *http.Request) error {
		ord, err := owned(ctx, db, web.Param(r, "id"))
		if err != nil {
			return err
		}
		if ord.PaymentStatus != Pending {
			return weberr.Conflict(fmt.Errorf("order %s is %s", ord.OrderNumber, ord.PaymentStatus))
		}
		if ord.PaymentMethod == Manual || ord.FinalAmount == 0 {
			return weberr.Unprocessable(errors.New("this order does not pay through a processor"))
		}

		co, err := checkout(ctx, core, gws, ord)
		if err != nil {
			return err
		}
		return web.Respond(ctx, w, co, http.StatusOK)
	}
}

func HandleShow(db *sqlx.DB) web.Handler {
	return func(ctx context.Context, w http.ResponseWriter, r *http.Request) error {
		ord, err := owned(ctx, db, web.Param(r, "id"))
		if err != nil {
			return err
		}
		return web.Respond(ctx, w, ord, http.StatusOK)
	}
}

func HandleList(db *sqlx.DB) web.Handler {
	return func(ctx context.Context, w http.ResponseWriter, r *http.Request) error {
		usr, err := claims.Get(ctx)
		if err != nil {
			return weberr.NotAuthorized(err)
		}

		orders, err := ListByUser(ctx, db, usr.UserID)
		if err != nil {
			return fmt.Errorf("listing orders of user[%s]: %w", usr.UserID, err)
		}
		return web.Respond(ctx, w, orders, http.StatusOK)
	}
}

// HandleDelete cancels a pending order and gives its coupon use back.
func HandleDelete(db *sqlx.DB, core *Core) web.Handler {
	return func(ctx context.Context, w http.ResponseWriter, r *http.Request) error {
		ord, err := owned(ctx, db, web.Param(r, "id"))
		if err != nil {
			return err
		}
		if err := core.CancelPending(ctx, ord.ID); err != nil {
			return response(err)
		}
		return web.Respond(ctx, w, nil, http.StatusNoContent)
	}
}

func (g Gateways) check(m Method) error {
	if m == "" {
		m = Stripe
	}
	if m == Manual {
		return nil
	}
	if g[m] == nil {
		return fmt.Errorf("payment method %s is not available", m)
	}
	return nil
}

// checkout takes a freshly written or retried pending order to its next
// step. A failure at the processor leaves the order pending and names it,
// so the buyer can retry with HandleSession.
func checkout(ctx context.Context, core *Core, gws Gateways, ord Order) (Checkout, error) {
	if ord.FinalAmount == 0 {
		cmp, err := core.Complete(ctx, ord.ID, "")
		if err != nil {
			return Checkout{}, response(err)
		}
		return Checkout{Order: cmp.Order, Completion: &cmp}, nil
	}
	if ord.PaymentMethod == Manual {
		return Checkout{Order: ord}, nil
	}

	gw := gws[ord.PaymentMethod]
	if gw == nil {
		return Checkout{}, weberr.Unprocessable(fmt.Errorf("payment method %s is not available", ord.PaymentMethod))
	}

	lines := make([]payment.Line, 0, len(ord.Items))
	for _, it := range ord.Items {
		lines = append(lines, payment.Line{Name: it.ItemName, Amount: it.UnitPrice, Quantity: it.Quantity})
	}

	s, err := gw.CreateSession(ctx, payment.SessionRequest{
		Kind:        payment.KindOrder,
		RefID:       ord.ID,
		UserID:      ord.UserID,
		Email:       ord.ContactEmail,
		Description: "Order " + ord.OrderNumber,
		Amount:      ord.FinalAmount,
		Lines:       lines,
	})
	if err != nil {
		msg := fmt.Sprintf("the payment provider could not be reached, order %s is kept pending", ord.ID)
		return Checkout{}, weberr.NewError(err, msg, http.StatusBadGateway, weberr.WithFields(map[string]interface{}{
			"order_id": ord.ID,
		}))
	}

	if err := core.AttachSession(ctx, ord.ID, s.ID); err != nil {
		return Checkout{}, response(err)
	}
	return Checkout{Order: ord, Session: &s}, nil
}

// owned fetches an order visible to the caller. Other users' orders are
// reported as missing.
func owned(ctx context.Context, db sqlx.QueryerContext, id string) (Order, error) {
	if err := validate.CheckID(id); err != nil {
		return Order{}, weberr.BadRequest(err)
	}

	ord, err := Fetch(ctx, db, id)
	if err != nil {
		return Order{}, response(err)
	}
	if !claims.IsUser(ctx, ord.UserID) && !claims.IsAdmin(ctx) {
		return Order{}, weberr.NotFound(fmt.Errorf("order[%s] belongs to another user", id))
	}
	return ord, nil
}

// response maps lifecycle errors onto http answers. Anything unknown is
// returned as is and becomes a 500.
func response(err error) error {
	var verr *ValidationError
	switch {
	case errors.As(err, &verr):
		return weberr.Unprocessable(verr)
	case errors.Is(err, ErrEmptyCart), errors.Is(err, cart.ErrDuplicate):
		return weberr.Unprocessable(err)
	case errors.Is(err, ErrNotFound):
		return weberr.NotFound(err)
	case errors.Is(err, course.ErrNotFound), errors.Is(err, product.ErrNotFound):
		return weberr.NewError(err, err.Error(), http.StatusNotFound)
	case errors.Is(err, ErrAlreadyEntitled):
		return weberr.NewError(err, ErrAlreadyEntitled.Error(), http.StatusConflict)
	case errors.Is(err, ErrOutOfStock):
		return weberr.NewError(err, ErrOutOfStock.Error(), http.StatusConflict)
	case errors.Is(err, coupon.ErrExhausted):
		return weberr.NewError(err, "the coupon was used up while placing the order", http.StatusConflict)
	case errors.Is(err, ErrInvalidTransition):
		return weberr.NewError(err, ErrInvalidTransition.Error(), http.StatusConflict)
	}
	return err
}
