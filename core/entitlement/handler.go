package entitlement

import (
	"context"
	"fmt"
	"net/http"

	"github.com/irsalhamdi/e-commerce-entitlement/api/web"
	"github.com/irsalhamdi/e-commerce-entitlement/api/weberr"
	"github.com/irsalhamdi/e-commerce-entitlement/core/claims"
	"github.com/jmoiron/sqlx"
)

// HandleList shows the caller's stored grants. Access through a live plan
// is answered by the access endpoints, not by this ledger.
func HandleList(db *sqlx.DB) web.Handler {
	return func(ctx context.Context, w http.ResponseWriter, r *http.Request) error {
		usr, err := claims.Get(ctx)
		if err != nil {
			return weberr.NotAuthorized(err)
		}

		l, err := ListForUser(ctx, db, usr.UserID)
		if err != nil {
			return fmt.Errorf("listing entitlements of user[%s]: %w", usr.UserID, err)
		}
		return web.Respond(ctx, w, l, http.StatusOK)
	}
}
