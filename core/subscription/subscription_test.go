package subscription

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLive(t *testing.T) {
	start := time.Date(2026, time.March, 1, 0, 0, 0, 0, time.UTC)
	end := start.AddDate(0, 1, 0)
	expired := end

	tests := []struct {
		name string
		sub  Subscription
		at   time.Time
		want bool
	}{
		{"pending", Subscription{PaymentStatus: Pending}, start, false},
		{"active inside period", Subscription{PaymentStatus: Completed, StartsAt: &start, EndsAt: &end}, start.Add(time.Hour), true},
		{"active at end", Subscription{PaymentStatus: Completed, StartsAt: &start, EndsAt: &end}, end, false},
		{"canceled in grace", Subscription{PaymentStatus: Canceled, StartsAt: &start, EndsAt: &end}, end.Add(-time.Second), true},
		{"canceled before payment", Subscription{PaymentStatus: Canceled}, start, false},
		{"failed", Subscription{PaymentStatus: Failed, StartsAt: &start, EndsAt: &end}, start, false},
		{"expired early", Subscription{PaymentStatus: Completed, StartsAt: &start, EndsAt: &end, ExpiredAt: &expired}, start, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.sub.Live(tt.at))
		})
	}
}
