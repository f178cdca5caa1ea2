package progress

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tgninja/pkg/clock"
)

var t0 = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func TestWriterCounts(t *testing.T) {
	t.Parallel()
	tr := NewTracker(time.Hour, clock.NewFake(t0))
	w, err := tr.Start(7, "job-1", "invite", 3)
	require.NoError(t, err)

	w.Current("@a")
	w.Succeeded()
	w.Current("@b")
	w.Satisfied()
	w.Current("@c")
	s, ok := tr.Get(7, "job-1")
	require.True(t, ok)
	assert.Equal(t, "@c", s.CurrentItem)
	assert.Equal(t, 2, s.Processed)
	w.Failed()
	w.Finish(Completed, "")
	w.Succeeded()

	s, ok = tr.Lookup("job-1")
	require.True(t, ok)
	assert.Equal(t, Snapshot{
		UserRef: 7, JobID: "job-1", Kind: "invite", Total: 3,
		Processed: 3, Succeeded: 1, Failed: 1, Satisfied: 1,
		StartedAt: t0, FinishedAt: t0, State: Completed,
	}, s)
}

func TestStartRejectsSecondWriter(t *testing.T) {
	t.Parallel()
	tr := NewTracker(time.Hour, clock.NewFake(t0))
	w, err := tr.Start(1, "j", "broadcast", 2)
	require.NoError(t, err)

	_, err = tr.Start(1, "j", "broadcast", 2)
	require.ErrorIs(t, err, ErrBusy)

	w.Finish(Completed, "")
	w2, err := tr.Start(1, "j", "broadcast", 2)
	require.NoError(t, err)
	assert.Equal(t, Running, w2.Snapshot().State)
	assert.Equal(t, 0, w2.Snapshot().Processed)
}

func TestSweepRemovesAfterTTL(t *testing.T) {
	t.Parallel()
	clk := clock.NewFake(t0)
	tr := NewTracker(time.Hour, clk)

	done, err := tr.Start(1, "done", "invite", 0)
	require.NoError(t, err)
	done.Finish(Failed, "stopped")
	_, err = tr.Start(1, "running", "invite", 5)
	require.NoError(t, err)

	clk.Advance(59 * time.Minute)
	assert.Equal(t, 0, tr.Sweep())
	clk.Advance(time.Minute)
	assert.Equal(t, 1, tr.Sweep())

	_, ok := tr.Lookup("done")
	assert.False(t, ok)
	_, ok = tr.Lookup("running")
	assert.True(t, ok)
}

func TestReadersSeeConsistentCopies(t *testing.T) {
	t.Parallel()
	tr := NewTracker(time.Hour, clock.NewFake(t0))
	w, err := tr.Start(1, "j", "invite", 1000)
	require.NoError(t, err)

	var wg sync.WaitGroup
	stop := make(chan struct{})
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				s, ok := tr.Lookup("j")
				if assert.True(t, ok) {
					assert.Equal(t, s.Processed, s.Succeeded+s.Failed+s.Satisfied)
				}
			}
		}()
	}
	for i := 0; i < 1000; i++ {
		switch i % 3 {
		case 0:
			w.Succeeded()
		case 1:
			w.Failed()
		default:
			w.Satisfied()
		}
	}
	close(stop)
	wg.Wait()
	assert.Equal(t, 1000, w.Snapshot().Processed)
}

func TestForUserNewestFirst(t *testing.T) {
	t.Parallel()
	clk := clock.NewFake(t0)
	tr := NewTracker(time.Hour, clk)
	_, _ = tr.Start(1, "old", "invite", 1)
	clk.Advance(time.Second)
	_, _ = tr.Start(1, "new", "parse", 1)
	_, _ = tr.Start(2, "other", "parse", 1)

	got := tr.ForUser(1)
	require.Len(t, got, 2)
	assert.Equal(t, "new", got[0].JobID)
	assert.Equal(t, "old", got[1].JobID)
}

func TestForgetOnlyDropsFinishedJobs(t *testing.T) {
	t.Parallel()
	tr := NewTracker(time.Hour, clock.NewFake(t0))
	w, err := tr.Start(7, "job-1", "parse", 1)
	require.NoError(t, err)

	assert.False(t, tr.Forget("job-1"))
	w.Finish(Completed, "")
	assert.True(t, tr.Forget("job-1"))
	_, ok := tr.Lookup("job-1")
	assert.False(t, ok)
	assert.Empty(t, tr.ForUser(7))
	assert.False(t, tr.Forget("job-1"))
}
