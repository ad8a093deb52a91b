package api

import (
	"context"
	"fmt"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/irsalhamdi/e-commerce-entitlement/api/middleware"
	"github.com/irsalhamdi/e-commerce-entitlement/api/web"
	"github.com/irsalhamdi/e-commerce-entitlement/config"
	"github.com/irsalhamdi/e-commerce-entitlement/core/access"
	"github.com/irsalhamdi/e-commerce-entitlement/core/coupon"
	"github.com/irsalhamdi/e-commerce-entitlement/core/course"
	"github.com/irsalhamdi/e-commerce-entitlement/core/entitlement"
	"github.com/irsalhamdi/e-commerce-entitlement/core/order"
	"github.com/irsalhamdi/e-commerce-entitlement/core/plan"
	"github.com/irsalhamdi/e-commerce-entitlement/core/product"
	"github.com/irsalhamdi/e-commerce-entitlement/core/productkey"
	"github.com/irsalhamdi/e-commerce-entitlement/core/reconcile"
	"github.com/irsalhamdi/e-commerce-entitlement/core/subscription"
	"github.com/irsalhamdi/e-commerce-entitlement/database"
	"github.com/irsalhamdi/e-commerce-entitlement/rate"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jmoiron/sqlx"
	"github.com/sirupsen/logrus"
)

type APIConfig struct {
	CorsOrigin           string
	Log                  logrus.FieldLogger
	DB                   *sqlx.DB
	Pool                 *pgxpool.Pool
	Orders               *order.Core
	Subscriptions        *subscription.Core
	Reconciler           *reconcile.Reconciler
	OrderGateways        order.Gateways
	SubscriptionGateways subscription.Gateways
	StripeCfg            config.Stripe
	KeyLimiter           *rate.Limiter
}

type api struct {
	*mux.Router
	mw  []web.Middleware
	log logrus.FieldLogger
}

func APIMux(cfg APIConfig) http.Handler {
	a := &api{
		Router: mux.NewRouter(),
		log:    cfg.Log,
	}

	a.mw = append(a.mw, middleware.RequestID())
	a.mw = append(a.mw, middleware.Logger(cfg.Log))
	a.mw = append(a.mw, middleware.Errors(cfg.Log))
	a.mw = append(a.mw, middleware.Panics())

	if cfg.CorsOrigin != "" {
		a.mw = append(a.mw, middleware.Cors(cfg.CorsOrigin))

		h := func(ctx context.Context, w http.ResponseWriter, r *http.Request) error {
			w.WriteHeader(http.StatusNoContent)
			return nil
		}

		a.Handle(http.MethodOptions, "/{path:.*}", h)
	}

	authen := middleware.Authenticate()
	admin := middleware.Admin()

	var limit web.Middleware
	if cfg.KeyLimiter != nil {
		limit = middleware.RateLimit(cfg.KeyLimiter)
	}

	a.Handle(http.MethodGet, "/health", handleHealth(cfg.DB))

	a.Handle(http.MethodGet, "/courses/{id}", course.HandleShow(cfg.DB))
	a.Handle(http.MethodGet, "/products/{id}", product.HandleShow(cfg.DB))
	a.Handle(http.MethodGet, "/plans/{id}", plan.HandleShow(cfg.DB))

	a.Handle(http.MethodPost, "/coupons/evaluate", coupon.HandleEvaluate(cfg.DB))

	a.Handle(http.MethodGet, "/orders", order.HandleList(cfg.DB), authen)
	a.Handle(http.MethodPost, "/orders", order.HandleCreate(cfg.DB, cfg.Orders, cfg.OrderGateways), authen)
	a.Handle(http.MethodPost, "/orders/direct", order.HandleCreateDirect(cfg.Orders, cfg.OrderGateways), authen)
	a.Handle(http.MethodGet, "/orders/{id}", order.HandleShow(cfg.DB), authen)
	a.Handle(http.MethodPost, "/orders/{id}/session", order.HandleSession(cfg.DB, cfg.Orders, cfg.OrderGateways), authen)
	a.Handle(http.MethodDelete, "/orders/{id}", order.HandleDelete(cfg.DB, cfg.Orders), authen)
	a.Handle(http.MethodPost, "/orders/paypal/{id}/capture", reconcile.HandlePaypalCapture(cfg.Reconciler), authen)

	a.Handle(http.MethodPost, "/payments/stripe/webhook", reconcile.HandleStripeWebhook(cfg.Reconciler, cfg.StripeCfg))

	a.Handle(http.MethodGet, "/subscriptions", subscription.HandleListLive(cfg.Subscriptions), authen)
	a.Handle(http.MethodPost, "/subscriptions", subscription.HandleCreate(cfg.DB, cfg.Subscriptions, cfg.SubscriptionGateways), authen)
	a.Handle(http.MethodGet, "/subscriptions/{id}", subscription.HandleShow(cfg.DB), authen)
	a.Handle(http.MethodPost, "/subscriptions/{id}/cancel", subscription.HandleCancel(cfg.DB, cfg.Subscriptions), authen)

	a.Handle(http.MethodGet, "/access/courses/{id}", access.HandleCourse(cfg.DB), authen)
	a.Handle(http.MethodGet, "/access/products/{id}", access.HandleProduct(cfg.DB), authen)
	a.Handle(http.MethodPost, "/products/{id}/key", access.HandleKey(cfg.DB), authen, limit)

	a.Handle(http.MethodGet, "/entitlements", entitlement.HandleList(cfg.DB), authen)

	a.Handle(http.MethodPost, "/admin/courses", course.HandleCreate(cfg.DB), authen, admin)
	a.Handle(http.MethodPost, "/admin/products", product.HandleCreate(cfg.DB), authen, admin)
	a.Handle(http.MethodPost, "/admin/products/{id}/keys", productkey.HandleImport(cfg.Pool), authen, admin)
	a.Handle(http.MethodPost, "/admin/plans", plan.HandleCreate(cfg.DB), authen, admin)
	a.Handle(http.MethodPost, "/admin/coupons", coupon.HandleCreate(cfg.DB), authen, admin)

	a.Handle(http.MethodPost, "/admin/orders/{id}/verify", reconcile.HandleVerifyOrder(cfg.Orders), authen, admin)
	a.Handle(http.MethodPost, "/admin/orders/{id}/reject", reconcile.HandleRejectOrder(cfg.Orders), authen, admin)
	a.Handle(http.MethodPost, "/admin/orders/{id}/refund", reconcile.HandleRefundOrder(cfg.Orders), authen, admin)
	a.Handle(http.MethodPost, "/admin/subscriptions/{id}/verify", reconcile.HandleVerifySubscription(cfg.Subscriptions), authen, admin)
	a.Handle(http.MethodPost, "/admin/subscriptions/{id}/expire", reconcile.HandleExpireSubscription(cfg.Subscriptions), authen, admin)

	return a.Router
}

func (a *api) Handle(method string, path string, handler web.Handler, mw ...web.Middleware) {

	handler = web.WrapMiddleware(mw, handler)

	handler = web.WrapMiddleware(a.mw, handler)

	h := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {

		ctx := r.Context()

		if err := handler(ctx, w, r); err != nil {

			a.log.WithFields(logrus.Fields{
				"req_id":  middleware.ContextRequestID(ctx),
				"message": err,
			}).Error("ERROR")
		}
	})

	a.Router.Handle(path, h).Methods(method)
}

func handleHealth(db *sqlx.DB) web.Handler {
	return func(ctx context.Context, w http.ResponseWriter, r *http.Request) error {
		if err := database.StatusCheck(ctx, db); err != nil {
			return fmt.Errorf("database not ready: %w", err)
		}
		return web.Respond(ctx, w, map[string]string{"status": "ok"}, http.StatusOK)
	}
}
