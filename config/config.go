package config

import (
	"time"

	"github.com/ardanlabs/conf/v3"
)

type Config struct {
	conf.Version
	Web    Web
	DB     DB
	Stripe Stripe
	Paypal Paypal
	Redis  Redis
	Email  Email
	Sweep  Sweep
	Rate   Rate
	Cors   struct {
		Origin string `conf:"default:"`
	}
}

type Web struct {
	Address         string        `conf:"default:0.0.0.0:8000"`
	ReadTimeout     time.Duration `conf:"default:5s"`
	WriteTimeout    time.Duration `conf:"default:10s"`
	IdleTimeout     time.Duration `conf:"default:120s"`
	ShutdownTimeout time.Duration `conf:"default:20s"`
}

type DB struct {
	User         string `conf:"default:postgres"`
	Password     string `conf:"default:postgres,mask"`
	Host         string `conf:"default:localhost:5432"`
	Name         string `conf:"default:entitlement"`
	MaxIdleConns int    `conf:"default:2"`
	MaxOpenConns int    `conf:"default:0"`
	DisableTLS   bool   `conf:"default:true"`
	Migrate      bool   `conf:"default:false"`
}

type Stripe struct {
	APISecret     string `conf:"mask"`
	WebhookSecret string `conf:"mask"`
	SuccessURL    string `conf:"default:http://localhost:3000/payment/success"`
	CancelURL     string `conf:"default:http://localhost:3000/payment/cancel"`
	Currency      string `conf:"default:usd"`
	URL           string `conf:"default:"`
}

type Paypal struct {
	ClientID string `conf:"mask"`
	Secret   string `conf:"mask"`
	URL      string `conf:"default:https://api-m.sandbox.paypal.com"`
	Currency string `conf:"default:USD"`
}

// Redis backs the webhook event log. An empty address disables it.
type Redis struct {
	Address  string        `conf:"default:"`
	Password string        `conf:"mask"`
	DB       int           `conf:"default:0"`
	EventTTL time.Duration `conf:"default:72h"`
}

type Email struct {
	Address  string `conf:"default:"`
	Password string `conf:"mask"`
	Host     string `conf:"default:"`
	Port     int    `conf:"default:587"`
}

type Sweep struct {
	Interval time.Duration `conf:"default:15m"`
}

type Rate struct {
	KeyInterval time.Duration `conf:"default:2s"`
	KeyBurst    int           `conf:"default:3"`
	Expiry      int           `conf:"default:10"`
}
