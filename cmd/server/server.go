package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/ardanlabs/conf/v3"
	"github.com/irsalhamdi/e-commerce-entitlement/api"
	"github.com/irsalhamdi/e-commerce-entitlement/api/background"
	"github.com/irsalhamdi/e-commerce-entitlement/config"
	"github.com/irsalhamdi/e-commerce-entitlement/core/order"
	"github.com/irsalhamdi/e-commerce-entitlement/core/payment"
	"github.com/irsalhamdi/e-commerce-entitlement/core/reconcile"
	"github.com/irsalhamdi/e-commerce-entitlement/core/subscription"
	"github.com/irsalhamdi/e-commerce-entitlement/database"
	"github.com/irsalhamdi/e-commerce-entitlement/email"
	"github.com/irsalhamdi/e-commerce-entitlement/rate"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/plutov/paypal/v4"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

func main() {
	log := logrus.New()
	log.SetOutput(os.Stdout)

	if err := Run(log); err != nil {
		log.Error(err)
		os.Exit(1)
	}
}

func Run(logger *logrus.Logger) error {
	logger.Infof("starting server")
	defer logger.Info("shutdown complete")

	const prefix = "GOVOD"
	var cfg config.Config
	if help, err := conf.Parse(prefix, &cfg); err != nil {
		if errors.Is(err, conf.ErrHelpWanted) {
			fmt.Println(help)
			return nil
		}
		return fmt.Errorf("parsing config: %w", err)
	}

	lw := logger.Writer()
	defer lw.Close()
	errLog := log.New(lw, "", 0)

	db, err := database.Open(cfg.DB)
	if err != nil {
		return fmt.Errorf("failed to open db connection: %w", err)
	}
	defer db.Close()

	if cfg.DB.Migrate {
		if err := database.Migrate(db); err != nil {
			return fmt.Errorf("failed to migrate the database: %w", err)
		}
		logger.Info("database migrated")
	}

	pool, err := pgxpool.New(context.Background(), database.URL(cfg.DB))
	if err != nil {
		return fmt.Errorf("failed to open the key import pool: %w", err)
	}
	defer pool.Close()

	bg := background.New(logger)

	var mailer email.Sender = logSender{logger}
	if cfg.Email.Host != "" {
		mailer = email.NewMailer(cfg.Email)
	}

	orders := order.NewCore(order.Config{
		Log:        logger,
		DB:         db,
		Background: bg,
		Hooks:      []order.Hook{email.OrderConfirmation(logger, mailer)},
	})
	subs := subscription.NewCore(subscription.Config{
		Log:        logger,
		DB:         db,
		Background: bg,
		Hooks:      []subscription.Hook{email.SubscriptionConfirmation(logger, mailer)},
	})

	orderGws := order.Gateways{}
	subGws := subscription.Gateways{}

	if cfg.Stripe.APISecret != "" {
		strp := payment.NewStripe(cfg.Stripe)
		orderGws[order.Stripe] = strp
		subGws[string(order.Stripe)] = strp
	} else {
		logger.Warn("stripe is not configured")
	}

	var capturer reconcile.Capturer
	if cfg.Paypal.ClientID != "" {
		ppc, err := paypal.NewClient(cfg.Paypal.ClientID, cfg.Paypal.Secret, cfg.Paypal.URL)
		if err != nil {
			return fmt.Errorf("failed to build the paypal client: %w", err)
		}
		if _, err = ppc.GetAccessToken(context.TODO()); err != nil {
			return fmt.Errorf("failed to get the first paypal access token: %w", err)
		}

		pp := payment.NewPaypal(ppc, cfg.Paypal, cfg.Stripe)
		orderGws[order.Paypal] = pp
		subGws[string(order.Paypal)] = pp
		capturer = pp
	} else {
		logger.Warn("paypal is not configured")
	}

	var events reconcile.EventLog
	if cfg.Redis.Address != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Address,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer rdb.Close()

		if err := rdb.Ping(context.Background()).Err(); err != nil {
			logger.WithError(err).Warn("redis unreachable, webhook dedupe relies on record status")
		}
		events = reconcile.NewRedisEventLog(rdb, cfg.Redis.EventTTL)
	}

	rc := reconcile.New(reconcile.Config{
		Log:           logger,
		DB:            db,
		Orders:        orders,
		Subscriptions: subs,
		Events:        events,
		Paypal:        capturer,
	})

	lim := rate.NewLimiter(cfg.Rate.KeyBurst, cfg.Rate.Expiry, rate.Every(cfg.Rate.KeyInterval))
	defer lim.Stop()

	bg.Every("expire-lapsed-subscriptions", cfg.Sweep.Interval, func(ctx context.Context) error {
		n, err := subs.ExpireLapsed(ctx)
		if n > 0 {
			logger.WithField("expired", n).Info("lapsed subscriptions expired")
		}
		return err
	})

	mux := api.APIMux(api.APIConfig{
		CorsOrigin:           cfg.Cors.Origin,
		Log:                  logger,
		DB:                   db,
		Pool:                 pool,
		Orders:               orders,
		Subscriptions:        subs,
		Reconciler:           rc,
		OrderGateways:        orderGws,
		SubscriptionGateways: subGws,
		StripeCfg:            cfg.Stripe,
		KeyLimiter:           lim,
	})

	api := http.Server{
		Handler:      mux,
		Addr:         cfg.Web.Address,
		ReadTimeout:  cfg.Web.ReadTimeout,
		WriteTimeout: cfg.Web.WriteTimeout,
		IdleTimeout:  cfg.Web.IdleTimeout,
		ErrorLog:     errLog,
	}

	serverErrors := make(chan error, 1)

	go func() {
		logger.Infof("starting api router at %s", api.Addr)
		serverErrors <- api.ListenAndServe()
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		return fmt.Errorf("server error: %w", err)

	case sig := <-shutdown:
		logger.Infof("shutting down: signal %s", sig)

		ctx, cancel := context.WithTimeout(context.Background(), cfg.Web.ShutdownTimeout)
		defer cancel()

		if err := api.Shutdown(ctx); err != nil {
			api.Close()
			return fmt.Errorf("could not stop server gracefully: %w", err)
		}

		if err := bg.Shutdown(ctx); err != nil {
			return fmt.Errorf("could not complete all background tasks: %w", err)
		}
	}
	return nil
}

// logSender stands in for SMTP when no mail host is configured.
type logSender struct {
	log logrus.FieldLogger
}

func (s logSender) Send(ctx context.Context, to, subject, body string) error {
	s.log.WithFields(logrus.Fields{"to": to, "subject": subject}).Info("mail not sent, no smtp host configured")
	return nil
}
