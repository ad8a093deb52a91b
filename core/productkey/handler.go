package productkey

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/irsalhamdi/e-commerce-entitlement/api/web"
	"github.com/irsalhamdi/e-commerce-entitlement/api/weberr"
	"github.com/irsalhamdi/e-commerce-entitlement/validate"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Restock carries explicit key values, a number of keys to generate, or
// both.
type Restock struct {
	Keys     []string `json:"keys" validate:"max=10000"`
	Generate int      `json:"generate" validate:"gte=0,lte=10000"`
}

type RestockResult struct {
	ProductID string `json:"productId"`
	Available int    `json:"available"`
}

// HandleImport restocks a product. Waiting backorders are not filled here;
// buyers pick their key up on their next delivery request.
func HandleImport(pool *pgxpool.Pool) web.Handler {
	return func(ctx context.Context, w http.ResponseWriter, r *http.Request) error {
		id := web.Param(r, "id")
		if err := validate.CheckID(id); err != nil {
			return weberr.BadRequest(err)
		}

		var rs Restock
		if err := web.Decode(w, r, &rs); err != nil {
			return weberr.BadRequest(fmt.Errorf("unable to decode payload: %w", err))
		}
		if err := validate.Check(rs); err != nil {
			return weberr.Unprocessable(err)
		}

		values := rs.Keys
		if rs.Generate > 0 {
			gen, err := Generate(rs.Generate)
			if err != nil {
				return err
			}
			values = append(values, gen...)
		}
		if len(values) == 0 {
			return weberr.Unprocessable(errors.New("no keys to import"))
		}

		n, err := Import(ctx, pool, id, values, time.Now().UTC())
		if err != nil {
			var pgErr *pgconn.PgError
			switch {
			case errors.Is(err, ErrProductNotFound):
				return weberr.NotFound(err)
			case errors.As(err, &pgErr) && pgErr.Code == "23505":
				return weberr.Conflict(errors.New("a key in the batch already exists"))
			}
			return err
		}
		return web.Respond(ctx, w, RestockResult{ProductID: id, Available: n}, http.StatusOK)
	}
}
