// Package background tracks goroutines started on behalf of requests so the
// server can wait for them on shutdown.
package background

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

type Background struct {
	log      logrus.FieldLogger
	wg       sync.WaitGroup
	quit     chan struct{}
	quitOnce sync.Once
}

func New(log logrus.FieldLogger) *Background {
	return &Background{
		log:  log,
		quit: make(chan struct{}),
	}
}

// Add runs fn in its own goroutine. Errors and panics are logged, never
// propagated: the caller has already answered its request.
func (b *Background) Add(fn func() error) {
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		defer func() {
			if rec := recover(); rec != nil {
				b.log.WithField("panic", rec).Error("background task panicked")
			}
		}()

		if err := fn(); err != nil {
			b.log.WithError(err).Error("background task failed")
		}
	}()
}

// Every runs fn each interval until Shutdown is called. A non-positive
// interval disables the job.
func (b *Background) Every(name string, interval time.Duration, fn func(ctx context.Context) error) {
	if interval <= 0 {
		b.log.WithField("job", name).Info("periodic job disabled")
		return
	}

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()

		t := time.NewTicker(interval)
		defer t.Stop()

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		go func() {
			<-b.quit
			cancel()
		}()

		for {
			select {
			case <-b.quit:
				return
			case <-t.C:
			}

			if err := b.run(ctx, fn); err != nil {
				b.log.WithError(err).WithField("job", name).Error("periodic job failed")
			}
		}
	}()
}

func (b *Background) run(ctx context.Context, fn func(ctx context.Context) error) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("panic: %v", rec)
		}
	}()
	return fn(ctx)
}

// Shutdown stops periodic jobs and waits for every task to return or for
// ctx to expire.
func (b *Background) Shutdown(ctx context.Context) error {
	b.quitOnce.Do(func() { close(b.quit) })

	done := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
