package middleware

import (
	"context"
	"errors"
	"net/http"

	"github.com/irsalhamdi/e-commerce-entitlement/api/web"
	"github.com/irsalhamdi/e-commerce-entitlement/api/weberr"
	"github.com/irsalhamdi/e-commerce-entitlement/core/claims"
	"github.com/irsalhamdi/e-commerce-entitlement/rate"
)

// RateLimit keys the limiter by the authenticated user, falling back to the
// remote address for anonymous callers.
func RateLimit(lim *rate.Limiter) web.Middleware {
	m := func(handler web.Handler) web.Handler {
		h := func(ctx context.Context, w http.ResponseWriter, r *http.Request) error {
			id := r.RemoteAddr
			if c, err := claims.Get(ctx); err == nil {
				id = c.UserID
			}

			if !lim.Check(id) {
				err := errors.New("too many requests, slow down")
				return weberr.NewError(err, err.Error(), http.StatusTooManyRequests)
			}
			return handler(ctx, w, r)
		}
		return h
	}
	return m
}
