package middleware

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/irsalhamdi/e-commerce-entitlement/api/web"
	"github.com/irsalhamdi/e-commerce-entitlement/api/weberr"
	"github.com/irsalhamdi/e-commerce-entitlement/core/claims"
	"github.com/irsalhamdi/e-commerce-entitlement/validate"
)

// Identity headers are set by the authenticating proxy in front of the
// service; requests reaching this process are trusted to carry them.
const (
	UserIDHeader    = "X-User-Id"
	UserRoleHeader  = "X-User-Role"
	UserEmailHeader = "X-User-Email"
)

func Authenticate() web.Middleware {
	m := func(handler web.Handler) web.Handler {
		h := func(ctx context.Context, w http.ResponseWriter, r *http.Request) error {
			id := r.Header.Get(UserIDHeader)
			if id == "" {
				return weberr.NotAuthorized(errors.New("missing user identity"))
			}
			if err := validate.CheckID(id); err != nil {
				return weberr.NotAuthorized(err)
			}

			role := strings.ToUpper(r.Header.Get(UserRoleHeader))
			if role != claims.RoleAdmin {
				role = claims.RoleUser
			}

			ctx = claims.Set(ctx, claims.Claims{
				UserID: id,
				Role:   role,
				Email:  r.Header.Get(UserEmailHeader),
			})
			return handler(ctx, w, r)
		}
		return h
	}
	return m
}

// Admin must run after Authenticate.
func Admin() web.Middleware {
	m := func(handler web.Handler) web.Handler {
		h := func(ctx context.Context, w http.ResponseWriter, r *http.Request) error {
			if !claims.IsAdmin(ctx) {
				return weberr.Forbidden(errors.New("admin role required"))
			}
			return handler(ctx, w, r)
		}
		return h
	}
	return m
}
