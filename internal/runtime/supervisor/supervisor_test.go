package supervisor

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSpawnRunsCleanupOnceOnError(t *testing.T) {
	t.Parallel()
	s := New(context.Background())
	defer func() { _ = s.Stop(context.Background()) }()

	var cleanups atomic.Int32
	boom := errors.New("boom")
	task, err := s.Spawn("job-1", func(ctx context.Context) error { return boom }, func(err error) {
		cleanups.Add(1)
		assert.ErrorIs(t, err, boom)
	})
	require.NoError(t, err)
	require.ErrorIs(t, task.Err(), boom)
	assert.Equal(t, int32(1), cleanups.Load())
	_, live := s.Lookup("job-1")
	assert.False(t, live)
}

func TestSpawnRunsCleanupOnPanic(t *testing.T) {
	t.Parallel()
	s := New(context.Background())
	defer func() { _ = s.Stop(context.Background()) }()

	var got error
	task, err := s.Spawn("job-p", func(ctx context.Context) error { panic("kaboom") }, func(err error) { got = err })
	require.NoError(t, err)
	<-task.Done()
	require.Error(t, got)
	assert.Contains(t, got.Error(), "kaboom")
}

func TestSpawnRejectsDuplicateKey(t *testing.T) {
	t.Parallel()
	s := New(context.Background())
	defer func() { _ = s.Stop(context.Background()) }()

	release := make(chan struct{})
	first, err := s.Spawn("job-2", func(ctx context.Context) error {
		<-release
		return nil
	}, nil)
	require.NoError(t, err)

	_, err = s.Spawn("job-2", func(ctx context.Context) error { return nil }, nil)
	require.ErrorIs(t, err, ErrTaskRunning)
	assert.Equal(t, []string{"job-2"}, s.Running())

	close(release)
	<-first.Done()
	_, err = s.Spawn("job-2", func(ctx context.Context) error { return nil }, nil)
	require.NoError(t, err)
}

func TestCancelTaskStopsCooperatively(t *testing.T) {
	t.Parallel()
	s := New(context.Background())
	defer func() { _ = s.Stop(context.Background()) }()

	started := make(chan struct{})
	task, err := s.Spawn("job-3", func(ctx context.Context) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	}, nil)
	require.NoError(t, err)
	<-started
	require.True(t, s.CancelTask("job-3"))
	require.ErrorIs(t, task.Err(), context.Canceled)
	assert.False(t, s.CancelTask("job-3"))
}

func TestGoRestartRestartsAfterError(t *testing.T) {
	t.Parallel()
	s := New(context.Background())

	var runs atomic.Int32
	s.GoRestart("loop", func(ctx context.Context) error {
		if runs.Add(1) < 3 {
			return errors.New("transient")
		}
		return nil
	}, WithRestartBackoff(time.Millisecond, 2*time.Millisecond))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, s.Wait(ctx))
	assert.Equal(t, int32(3), runs.Load())
}
