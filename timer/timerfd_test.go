//go:build linux
// +build linux

package timer_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/momentics/hioload-rpc/api"
	"github.com/momentics/hioload-rpc/reactor"
	"github.com/momentics/hioload-rpc/timer"
)

func setup(t *testing.T) (*reactor.Reactor, *timer.Table) {
	t.Helper()
	r, err := reactor.New()
	require.NoError(t, err)
	tt := timer.New(r)
	t.Cleanup(func() {
		_ = tt.Close()
		_ = r.Close()
	})
	return r, tt
}

func runIdle(t *testing.T, r *reactor.Reactor) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, r.RunUntilIdle(ctx))
}

func TestOneShotFiresOnceAndDisposes(t *testing.T) {
	r, tt := setup(t)
	fired := 0
	id, err := tt.Set(func() error { fired++; return nil }, 0, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, tt.Len())

	runIdle(t, r)
	assert.Equal(t, 1, fired)
	assert.Zero(t, tt.Len())
	assert.ErrorIs(t, tt.Clear(id), api.ErrNoSuchTimer)
}

func TestIntervalRepeatsUntilCleared(t *testing.T) {
	r, tt := setup(t)
	fired := 0
	var id int
	var err error
	id, err = tt.Set(func() error {
		fired++
		if fired == 3 {
			return tt.Clear(id)
		}
		return nil
	}, 0, 5*time.Millisecond)
	require.NoError(t, err)

	runIdle(t, r)
	assert.Equal(t, 3, fired)
	assert.Zero(t, tt.Len())
}

func TestGroupOnlyReachesItsOwnTimers(t *testing.T) {
	_, tt := setup(t)
	g := tt.Group()
	other, err := tt.Set(func() error { return nil }, time.Hour, 0)
	require.NoError(t, err)
	_, err = g.Set(func() error { return nil }, time.Hour, time.Hour)
	require.NoError(t, err)
	mine, err := g.Set(func() error { return nil }, time.Hour, 0)
	require.NoError(t, err)
	assert.Equal(t, 3, tt.Len())
	assert.Equal(t, 2, g.Len())

	assert.ErrorIs(t, g.Clear(other), api.ErrNoSuchTimer)
	require.NoError(t, g.Clear(mine))
	require.NoError(t, g.Close())
	assert.Zero(t, g.Len())
	assert.Equal(t, 1, tt.Len())
	require.NoError(t, tt.Clear(other))
}

func TestGroupForgetsDisposedTimers(t *testing.T) {
	r, tt := setup(t)
	g := tt.Group()
	id, err := g.Set(func() error { return nil }, 0, 0)
	require.NoError(t, err)
	runIdle(t, r)
	assert.Zero(t, g.Len())
	assert.ErrorIs(t, g.Clear(id), api.ErrNoSuchTimer)
}

func TestFailingCallbackStillDisposed(t *testing.T) {
	r, tt := setup(t)
	_, err := tt.Set(func() error { return errors.New("handler failed") }, time.Millisecond, 0)
	require.NoError(t, err)
	_, err = tt.Set(func() error { panic("boom") }, time.Millisecond, 0)
	require.NoError(t, err)

	runIdle(t, r)
	assert.Zero(t, tt.Len())
}

func TestAfterCancel(t *testing.T) {
	r, tt := setup(t)
	fired := false
	cancel, err := tt.After(10*time.Millisecond, func() { fired = true })
	require.NoError(t, err)
	cancel()
	cancel()

	runIdle(t, r)
	assert.False(t, fired)
	assert.Zero(t, tt.Len())
}

func TestAfterFires(t *testing.T) {
	r, tt := setup(t)
	at := time.Now()
	var elapsed time.Duration
	_, err := tt.After(15*time.Millisecond, func() { elapsed = time.Since(at) })
	require.NoError(t, err)

	runIdle(t, r)
	assert.GreaterOrEqual(t, elapsed, 15*time.Millisecond)
}

func TestNilCallbackRejected(t *testing.T) {
	_, tt := setup(t)
	_, err := tt.Set(nil, 0, 0)
	assert.ErrorIs(t, err, api.ErrInvalidArgument)
}
