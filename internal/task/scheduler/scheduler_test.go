package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tgninja/internal/eventbus"
	"tgninja/internal/generate"
	"tgninja/internal/runtime/supervisor"
	"tgninja/internal/session"
	"tgninja/internal/session/sessiontest"
	"tgninja/internal/storage"
	"tgninja/internal/task/engine"
	"tgninja/internal/task/governor"
	"tgninja/internal/task/progress"
	"tgninja/pkg/clock"
	"tgninja/pkg/logx"
)

var t0 = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

type plainVault struct{}

func (plainVault) Decrypt(s string) (string, error) { return s, nil }

func TestTickSkipsJobStillRunning(t *testing.T) {
	ctx := context.Background()
	clk := clock.NewFake(t0)
	store := storage.NewMemory()
	fake := sessiontest.New()
	require.NoError(t, store.SaveAccount(ctx, storage.Account{Ref: "acc", UserRef: 7, Credential: "token"}))

	eng := engine.New(engine.Config{}, engine.Deps{
		Store:    store,
		Sessions: session.NewPool(store, plainVault{}, fake, logx.Nop()),
		Governor: governor.New(nil, governor.WithClock(clk)),
		Tracker:  progress.NewTracker(time.Hour, clk),
		Composer: generate.NewComposer(generate.Disabled{}, generate.ComposerConfig{}, logx.Nop()),
		Clock:    clk,
		Bus:      eventbus.New(),
	})
	require.NoError(t, eng.Start(ctx))
	t.Cleanup(func() { _ = eng.Stop(context.Background()) })

	release := make(chan struct{})
	entered := make(chan struct{}, 1)
	fake.OnCall = func(c sessiontest.Call) {
		if c.Op == "send" {
			entered <- struct{}{}
			<-release
		}
	}
	id, err := eng.SubmitRecurringJob(ctx, engine.RecurringRequest{
		Kind: storage.KindBroadcast, AccountRef: "acc", UserRef: 7,
		Items: []string{"@A"}, Cadence: time.Hour, Message: "hi",
	})
	require.NoError(t, err)

	s := New(Config{Enabled: true}, store, eng, clk, logx.Nop())
	rep, err := s.Tick(ctx, storage.KindBroadcast)
	require.NoError(t, err)
	assert.Equal(t, TickReport{Kind: storage.KindBroadcast, Due: 1, Dispatched: 1}, rep)
	<-entered

	// The run is still blocked when the job comes due again.
	clk.Advance(time.Hour)
	rep, err = s.Tick(ctx, storage.KindBroadcast)
	require.NoError(t, err)
	assert.Equal(t, TickReport{Kind: storage.KindBroadcast, Due: 1, Skipped: 1}, rep)

	close(release)
	require.Eventually(t, func() bool { return !eng.Running(id) }, 5*time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, fake.Count("send"))

	j, err := store.LoadJob(ctx, id)
	require.NoError(t, err)
	assert.EqualValues(t, 1, j.Succeeded)
	assert.WithinDuration(t, t0.Add(time.Hour), j.NextDue, 0)
}

type stubStore struct {
	jobs   []storage.Job
	err    error
	before time.Time
}

func (s *stubStore) FindDueJobs(context.Context, storage.Kind, time.Time) ([]storage.Job, error) {
	return s.jobs, s.err
}

func (s *stubStore) PruneActivity(_ context.Context, before time.Time) (int64, error) {
	s.before = before
	return 3, nil
}

type stubDispatcher struct {
	mu   sync.Mutex
	seen []string
}

func (d *stubDispatcher) Dispatch(_ context.Context, job storage.Job) (*supervisor.Task, error) {
	d.mu.Lock()
	d.seen = append(d.seen, job.ID)
	d.mu.Unlock()
	switch job.ID {
	case "broken":
		return nil, errors.New("store unavailable")
	case "panics":
		panic("boom")
	case "busy":
		return nil, errors.Wrap(engine.ErrAlreadyRunning, "job busy")
	}
	return nil, nil
}

func TestTickIsolatesDispatchFailures(t *testing.T) {
	store := &stubStore{jobs: []storage.Job{{ID: "ok"}, {ID: "broken"}, {ID: "panics"}, {ID: "busy"}, {ID: "ok2"}}}
	disp := &stubDispatcher{}
	s := New(Config{}, store, disp, clock.NewFake(t0), logx.Nop())

	rep, err := s.Tick(context.Background(), storage.KindComment)
	require.NoError(t, err)
	assert.Equal(t, TickReport{Kind: storage.KindComment, Due: 5, Dispatched: 2, Skipped: 1, Failed: 2}, rep)
	assert.ElementsMatch(t, []string{"ok", "broken", "panics", "busy", "ok2"}, disp.seen)
}

func TestTickReturnsLookupError(t *testing.T) {
	store := &stubStore{err: errors.New("disk gone")}
	s := New(Config{}, store, &stubDispatcher{}, clock.NewFake(t0), logx.Nop())
	_, err := s.Tick(context.Background(), storage.KindBroadcast)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk gone")
}

func TestCleanupPrunesActivityPastRetention(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemory()
	require.NoError(t, store.AppendActivity(ctx, storage.ActivityEntry{At: t0.Add(-40 * 24 * time.Hour), Action: "invite"}))
	require.NoError(t, store.AppendActivity(ctx, storage.ActivityEntry{At: t0.Add(-24 * time.Hour), Action: "broadcast"}))

	s := New(Config{}, store, &stubDispatcher{}, clock.NewFake(t0), logx.Nop())
	n, err := s.Cleanup(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)
	left := store.Activity()
	require.Len(t, left, 1)
	assert.Equal(t, "broadcast", left[0].Action)

	stub := &stubStore{}
	s = New(Config{ActivityRetention: time.Hour}, stub, &stubDispatcher{}, clock.NewFake(t0), logx.Nop())
	_, err = s.Cleanup(ctx)
	require.NoError(t, err)
	assert.Equal(t, t0.Add(-time.Hour), stub.before)
}

func TestStartRegistersEntries(t *testing.T) {
	s := New(Config{Enabled: true, Timezone: "UTC"}, &stubStore{}, &stubDispatcher{}, clock.Real{}, logx.Nop())
	require.NoError(t, s.Start(context.Background()))
	defer s.Stop(context.Background())

	snap := s.Snapshot()
	assert.True(t, snap.Enabled)
	assert.Equal(t, "UTC", snap.Timezone)
	require.Len(t, snap.Schedules, 3)
	assert.Equal(t, "tick.broadcast", snap.Schedules[0].Name)
	assert.Equal(t, "@every 1m0s", snap.Schedules[0].Spec)
	assert.Equal(t, "tick.comment", snap.Schedules[1].Name)
	assert.Equal(t, "activity.cleanup", snap.Schedules[2].Name)
	assert.Equal(t, "0 0 3 * * *", snap.Schedules[2].Spec)
	for _, e := range snap.Schedules {
		assert.False(t, e.Next.IsZero(), e.Name)
	}
}

func TestDisabledServiceStartsOnApply(t *testing.T) {
	s := New(Config{}, &stubStore{}, &stubDispatcher{}, clock.Real{}, logx.Nop())
	require.NoError(t, s.Start(context.Background()))
	defer s.Stop(context.Background())
	assert.Empty(t, s.Snapshot().Schedules)

	s.Apply(Config{Enabled: true, CommentTick: 10 * time.Minute})
	snap := s.Snapshot()
	require.Len(t, snap.Schedules, 3)
	assert.Equal(t, "@every 10m0s", snap.Schedules[1].Spec)

	s.Apply(Config{})
	assert.Empty(t, s.Snapshot().Schedules)
}

func TestStartRejectsBadCleanupSchedule(t *testing.T) {
	s := New(Config{Enabled: true, ActivityCleanup: "61 * * * *"}, &stubStore{}, &stubDispatcher{}, clock.Real{}, logx.Nop())
	err := s.Start(context.Background())
	require.Error(t, err)
	s.Stop(context.Background())
}

func TestParseSchedule(t *testing.T) {
	for _, tc := range []struct {
		in    string
		kind  SpecKind
		cron  string
		every time.Duration
	}{
		{in: "0 0 3 * * *", kind: SpecCron, cron: "0 0 3 * * *"},
		{in: "@daily", kind: SpecCron, cron: "@daily"},
		{in: "cron:@hourly", kind: SpecCron, cron: "@hourly"},
		{in: "55m", kind: SpecInterval, every: 55 * time.Minute},
		{in: "02:30", kind: SpecInterval, every: 2*time.Hour + 30*time.Minute},
		{in: "every:1h", kind: SpecInterval, every: time.Hour},
	} {
		ps, err := ParseSchedule(tc.in)
		require.NoError(t, err, tc.in)
		assert.Equal(t, tc.kind, ps.Kind, tc.in)
		assert.Equal(t, tc.cron, ps.Cron, tc.in)
		assert.Equal(t, tc.every, ps.Every, tc.in)
	}

	for _, bad := range []string{"", "soon", "00:00", "01:75", "every:-5m"} {
		_, err := ParseSchedule(bad)
		assert.Error(t, err, bad)
	}
}
