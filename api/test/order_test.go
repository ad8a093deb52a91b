package test

import (
	"net/http"
	"testing"

	"github.com/google/uuid"
	"github.com/irsalhamdi/e-commerce-entitlement/core/access"
	"github.com/irsalhamdi/e-commerce-entitlement/core/cart"
	"github.com/irsalhamdi/e-commerce-entitlement/core/claims"
	"github.com/irsalhamdi/e-commerce-entitlement/core/coupon"
	"github.com/irsalhamdi/e-commerce-entitlement/core/course"
	"github.com/irsalhamdi/e-commerce-entitlement/core/order"
	"github.com/irsalhamdi/e-commerce-entitlement/core/payment"
	"github.com/irsalhamdi/e-commerce-entitlement/core/product"
	"github.com/irsalhamdi/e-commerce-entitlement/core/productkey"
	"github.com/irsalhamdi/e-commerce-entitlement/core/reconcile"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v74"
)

func (env *TestEnv) createCourse(t *testing.T, price int64) course.Course {
	t.Helper()
	var c course.Course
	w := env.Do(t, http.MethodPost, "/admin/courses", env.Admin, course.CourseNew{Name: "Course " + uuid.NewString()[:8], Price: price})
	Expect(t, w, http.StatusCreated, &c)
	return c
}

func (env *TestEnv) createProduct(t *testing.T, price int64, keys int) product.Product {
	t.Helper()
	var p product.Product
	w := env.Do(t, http.MethodPost, "/admin/products", env.Admin, product.ProductNew{Name: "Product " + uuid.NewString()[:8], Price: price, Stocked: true})
	Expect(t, w, http.StatusCreated, &p)

	if keys > 0 {
		var res productkey.RestockResult
		w = env.Do(t, http.MethodPost, "/admin/products/"+p.ID+"/keys", env.Admin, productkey.Restock{Generate: keys})
		Expect(t, w, http.StatusOK, &res)
		require.Equal(t, keys, res.Available)
	}
	return p
}

func (env *TestEnv) courseAccess(t *testing.T, usr claims.Claims, courseID string) access.Decision {
	t.Helper()
	var d access.Decision
	Expect(t, env.Do(t, http.MethodGet, "/access/courses/"+courseID, usr, nil), http.StatusOK, &d)
	return d
}

func TestCartOrderThroughStripe(t *testing.T) {
	env := NewTestEnv(t)

	c := env.createCourse(t, 1000)
	p := env.createProduct(t, 2500, 2)

	var cp coupon.Coupon
	w := env.Do(t, http.MethodPost, "/admin/coupons", env.Admin, coupon.CouponNew{Code: "TENOFF", Kind: coupon.Percent, Value: 10})
	Expect(t, w, http.StatusCreated, &cp)

	assert.False(t, env.courseAccess(t, env.User, c.ID).Granted)

	var co order.Checkout
	w = env.Do(t, http.MethodPost, "/orders", env.User, order.CheckoutNew{
		Items: []cart.ItemRef{
			{ItemType: cart.Course, ItemID: c.ID},
			{ItemType: cart.DigitalProduct, ItemID: p.ID},
		},
		Options: order.Options{CouponCode: "TENOFF"},
	})
	Expect(t, w, http.StatusCreated, &co)

	assert.Equal(t, order.Pending, co.Order.PaymentStatus)
	assert.Equal(t, int64(3500), co.Order.TotalAmount)
	assert.Equal(t, int64(350), co.Order.DiscountAmount)
	assert.Equal(t, int64(3150), co.Order.FinalAmount)
	require.NotNil(t, co.Session)

	sess := env.Stripe.Last(t)
	assert.Equal(t, co.Session.ID, sess.ID)
	assert.Equal(t, "3150", sess.Amount)
	assert.Equal(t, co.Order.ID, sess.Metadata[payment.MetaRefID])
	assert.Equal(t, env.User.UserID, sess.Metadata[payment.MetaUserID])

	// Still pending: nothing granted yet.
	assert.False(t, env.courseAccess(t, env.User, c.ID).Granted)

	var out reconcile.Outcome
	Expect(t, env.SendStripeEvent(t, "evt_1", reconcile.SessionCompleted, sess, string(stripe.CheckoutSessionPaymentStatusPaid)), http.StatusOK, &out)
	assert.Equal(t, reconcile.Completed, out.Action)
	assert.False(t, out.Redundant)

	Expect(t, env.SendStripeEvent(t, "evt_1", reconcile.SessionCompleted, sess, string(stripe.CheckoutSessionPaymentStatusPaid)), http.StatusOK, &out)
	assert.True(t, out.Redundant)

	var ord order.Order
	Expect(t, env.Do(t, http.MethodGet, "/orders/"+co.Order.ID, env.User, nil), http.StatusOK, &ord)
	assert.Equal(t, order.Completed, ord.PaymentStatus)
	require.NotNil(t, ord.PaymentReference)
	assert.Equal(t, "pi_"+sess.ID, *ord.PaymentReference)

	assert.True(t, env.courseAccess(t, env.User, c.ID).Granted)

	var kd access.Delivery
	Expect(t, env.Do(t, http.MethodPost, "/products/"+p.ID+"/key", env.User, nil), http.StatusOK, &kd)
	assert.False(t, kd.NewlyIssued)
	assert.Equal(t, env.User.UserID, *kd.Key.UsedBy)

	var prd product.Product
	Expect(t, env.Do(t, http.MethodGet, "/products/"+p.ID, claims.Claims{}, nil), http.StatusOK, &prd)
	assert.Equal(t, 1, prd.InventoryCount)

	eventually(t, func() bool { return env.Mail.Count() == 1 })

	// Buying an owned course again is refused.
	w = env.Do(t, http.MethodPost, "/orders/direct", env.User, order.DirectNew{ItemType: cart.Course, ItemID: c.ID})
	Expect(t, w, http.StatusConflict, nil)
}

func TestDirectOrderThroughPaypal(t *testing.T) {
	env := NewTestEnv(t)

	c := env.createCourse(t, 4999)

	var co order.Checkout
	w := env.Do(t, http.MethodPost, "/orders/direct", env.User, order.DirectNew{
		ItemType: cart.Course,
		ItemID:   c.ID,
		Options:  order.Options{PaymentMethod: order.Paypal},
	})
	Expect(t, w, http.StatusCreated, &co)
	require.NotNil(t, co.Session)
	assert.Contains(t, co.Session.URL, co.Session.ID)

	// Someone else cannot capture the buyer's payment.
	stranger := claims.Claims{UserID: uuid.NewString(), Role: claims.RoleUser}
	Expect(t, env.Do(t, http.MethodPost, "/orders/paypal/"+co.Session.ID+"/capture", stranger, nil), http.StatusNotFound, nil)
	assert.Equal(t, 0, env.Paypal.Captures())

	var out reconcile.Outcome
	Expect(t, env.Do(t, http.MethodPost, "/orders/paypal/"+co.Session.ID+"/capture", env.User, nil), http.StatusOK, &out)
	assert.Equal(t, reconcile.Completed, out.Action)
	assert.Equal(t, co.Order.ID, out.RefID)

	// A repeated capture is answered from the record.
	Expect(t, env.Do(t, http.MethodPost, "/orders/paypal/"+co.Session.ID+"/capture", env.User, nil), http.StatusOK, &out)
	assert.True(t, out.Redundant)
	assert.Equal(t, 1, env.Paypal.Captures())

	assert.True(t, env.courseAccess(t, env.User, c.ID).Granted)
}

func TestFreeOrderCompletesAtOnce(t *testing.T) {
	env := NewTestEnv(t)

	c := env.createCourse(t, 0)

	var co order.Checkout
	w := env.Do(t, http.MethodPost, "/orders/direct", env.User, order.DirectNew{ItemType: cart.Course, ItemID: c.ID})
	Expect(t, w, http.StatusCreated, &co)

	assert.Nil(t, co.Session)
	require.NotNil(t, co.Completion)
	assert.Equal(t, order.Completed, co.Order.PaymentStatus)
	assert.False(t, co.Completion.AlreadyCompleted)
	assert.Empty(t, co.Completion.Keys)
	assert.True(t, env.courseAccess(t, env.User, c.ID).Granted)
}

func TestGatewayFailureKeepsOrderPending(t *testing.T) {
	env := NewTestEnv(t)

	c := env.createCourse(t, 1500)

	env.Stripe.SetDown(true)
	w := env.Do(t, http.MethodPost, "/orders/direct", env.User, order.DirectNew{ItemType: cart.Course, ItemID: c.ID})
	Expect(t, w, http.StatusBadGateway, nil)

	var orders []order.Order
	Expect(t, env.Do(t, http.MethodGet, "/orders", env.User, nil), http.StatusOK, &orders)
	require.Len(t, orders, 1)
	assert.Equal(t, order.Pending, orders[0].PaymentStatus)

	env.Stripe.SetDown(false)

	var co order.Checkout
	Expect(t, env.Do(t, http.MethodPost, "/orders/"+orders[0].ID+"/session", env.User, nil), http.StatusOK, &co)
	require.NotNil(t, co.Session)

	sess := env.Stripe.Last(t)
	var out reconcile.Outcome
	Expect(t, env.SendStripeEvent(t, "evt_retry", reconcile.SessionCompleted, sess, string(stripe.CheckoutSessionPaymentStatusPaid)), http.StatusOK, &out)
	assert.Equal(t, reconcile.Completed, out.Action)
}

func TestOrderVisibility(t *testing.T) {
	env := NewTestEnv(t)

	c := env.createCourse(t, 700)

	var co order.Checkout
	Expect(t, env.Do(t, http.MethodPost, "/orders/direct", env.User, order.DirectNew{ItemType: cart.Course, ItemID: c.ID}), http.StatusCreated, &co)

	stranger := claims.Claims{UserID: uuid.NewString(), Role: claims.RoleUser}
	Expect(t, env.Do(t, http.MethodGet, "/orders/"+co.Order.ID, stranger, nil), http.StatusNotFound, nil)
	Expect(t, env.Do(t, http.MethodGet, "/orders/"+co.Order.ID, claims.Claims{}, nil), http.StatusUnauthorized, nil)
	Expect(t, env.Do(t, http.MethodGet, "/orders/"+co.Order.ID, env.Admin, nil), http.StatusOK, nil)

	// A forged session naming the stranger is refused.
	sess := env.Stripe.Last(t)
	sess.Metadata = sessionMeta(payment.KindOrder, co.Order.ID, stranger.UserID)
	Expect(t, env.SendStripeEvent(t, "evt_forged", reconcile.SessionCompleted, sess, string(stripe.CheckoutSessionPaymentStatusPaid)), http.StatusUnprocessableEntity, nil)

	Expect(t, env.Do(t, http.MethodDelete, "/orders/"+co.Order.ID, stranger, nil), http.StatusNotFound, nil)
	Expect(t, env.Do(t, http.MethodDelete, "/orders/"+co.Order.ID, env.User, nil), http.StatusNoContent, nil)
	Expect(t, env.Do(t, http.MethodGet, "/orders/"+co.Order.ID, env.User, nil), http.StatusNotFound, nil)
}

func TestAdminManualOrder(t *testing.T) {
	env := NewTestEnv(t)

	c := env.createCourse(t, 12000)

	var co order.Checkout
	w := env.Do(t, http.MethodPost, "/orders/direct", env.User, order.DirectNew{
		ItemType: cart.Course,
		ItemID:   c.ID,
		Options:  order.Options{PaymentMethod: order.Manual},
	})
	Expect(t, w, http.StatusCreated, &co)
	assert.Nil(t, co.Session)

	Expect(t, env.Do(t, http.MethodPost, "/admin/orders/"+co.Order.ID+"/verify", env.User, reconcile.Verification{}), http.StatusForbidden, nil)

	var cmp order.Completion
	Expect(t, env.Do(t, http.MethodPost, "/admin/orders/"+co.Order.ID+"/verify", env.Admin, reconcile.Verification{Reference: "BANK-778"}), http.StatusOK, &cmp)
	assert.Equal(t, order.Completed, cmp.Order.PaymentStatus)
	assert.True(t, env.courseAccess(t, env.User, c.ID).Granted)

	var ord order.Order
	Expect(t, env.Do(t, http.MethodPost, "/admin/orders/"+co.Order.ID+"/refund", env.Admin, reconcile.RefundNew{Revoke: true}), http.StatusOK, &ord)
	assert.Equal(t, order.Refunded, ord.PaymentStatus)
	assert.False(t, env.courseAccess(t, env.User, c.ID).Granted)
}
