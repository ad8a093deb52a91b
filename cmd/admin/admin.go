// Command admin runs maintenance tasks against the fulfillment database:
//
//	admin migrate
//	admin keys <product-id> <file|->
//	admin genkeys <product-id> <count>
package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"github.com/ardanlabs/conf/v3"
	"github.com/irsalhamdi/e-commerce-entitlement/config"
	"github.com/irsalhamdi/e-commerce-entitlement/core/productkey"
	"github.com/irsalhamdi/e-commerce-entitlement/database"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sirupsen/logrus"
)

func main() {
	log := logrus.New()
	log.SetOutput(os.Stdout)

	if err := run(log); err != nil {
		log.Error(err)
		os.Exit(1)
	}
}

func run(log *logrus.Logger) error {
	var cfg struct {
		conf.Args
		DB config.DB
	}

	const prefix = "GOVOD"
	if help, err := conf.Parse(prefix, &cfg); err != nil {
		if errors.Is(err, conf.ErrHelpWanted) {
			fmt.Println(help)
			return nil
		}
		return fmt.Errorf("parsing config: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	switch cfg.Args.Num(0) {
	case "migrate":
		db, err := database.Open(cfg.DB)
		if err != nil {
			return fmt.Errorf("failed to open db connection: %w", err)
		}
		defer db.Close()

		if err := database.Migrate(db); err != nil {
			return err
		}
		log.Info("migrations complete")
		return nil

	case "keys":
		values, err := readKeys(cfg.Args.Num(2))
		if err != nil {
			return err
		}
		return importKeys(ctx, log, cfg.DB, cfg.Args.Num(1), values)

	case "genkeys":
		n, err := strconv.Atoi(cfg.Args.Num(2))
		if err != nil || n <= 0 {
			return fmt.Errorf("invalid key count %q", cfg.Args.Num(2))
		}
		values, err := productkey.Generate(n)
		if err != nil {
			return err
		}
		return importKeys(ctx, log, cfg.DB, cfg.Args.Num(1), values)
	}

	return fmt.Errorf("unknown command %q, expected migrate, keys or genkeys", cfg.Args.Num(0))
}

func importKeys(ctx context.Context, log logrus.FieldLogger, cfg config.DB, productID string, values []string) error {
	pool, err := pgxpool.New(ctx, database.URL(cfg))
	if err != nil {
		return fmt.Errorf("failed to open pool: %w", err)
	}
	defer pool.Close()

	n, err := productkey.Import(ctx, pool, productID, values, time.Now().UTC())
	if err != nil {
		return err
	}

	log.WithFields(logrus.Fields{
		"product_id": productID,
		"submitted":  len(values),
		"available":  n,
	}).Info("keys imported")
	return nil
}

// readKeys reads one key per line from path, or stdin for "-".
func readKeys(path string) ([]string, error) {
	var r io.Reader = os.Stdin
	if path != "-" {
		if path == "" {
			return nil, errors.New("missing key file")
		}
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("opening key file: %w", err)
		}
		defer f.Close()
		r = f
	}

	var out []string
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		out = append(out, sc.Text())
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("reading keys: %w", err)
	}
	return out, nil
}
