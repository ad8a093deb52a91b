package background

import (
	"context"
	"errors"
	"io"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func quietLogger() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log
}

func TestShutdownWaitsForTasks(t *testing.T) {
	bg := New(quietLogger())

	var done atomic.Bool
	bg.Add(func() error {
		time.Sleep(20 * time.Millisecond)
		done.Store(true)
		return nil
	})

	require.NoError(t, bg.Shutdown(context.Background()))
	assert.True(t, done.Load())
}

func TestFailingTasksDoNotEscape(t *testing.T) {
	bg := New(quietLogger())

	bg.Add(func() error { return errors.New("mail server down") })
	bg.Add(func() error { panic("boom") })

	require.NoError(t, bg.Shutdown(context.Background()))
}

func TestShutdownDeadline(t *testing.T) {
	bg := New(quietLogger())

	release := make(chan struct{})
	defer close(release)
	bg.Add(func() error {
		<-release
		return nil
	})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, bg.Shutdown(ctx), context.DeadlineExceeded)
}

func TestEveryStopsOnShutdown(t *testing.T) {
	bg := New(quietLogger())

	var runs atomic.Int32
	bg.Every("tick", 5*time.Millisecond, func(ctx context.Context) error {
		runs.Add(1)
		return nil
	})

	time.Sleep(40 * time.Millisecond)
	require.NoError(t, bg.Shutdown(context.Background()))

	seen := runs.Load()
	assert.Greater(t, seen, int32(0))

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, seen, runs.Load())
}

func TestEveryDisabled(t *testing.T) {
	bg := New(quietLogger())

	bg.Every("never", 0, func(ctx context.Context) error {
		t.Error("disabled job ran")
		return nil
	})
	require.NoError(t, bg.Shutdown(context.Background()))
}
