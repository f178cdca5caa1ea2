package governor

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tgninja/pkg/clock"
)

var t0 = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

type admissions struct {
	mu  sync.Mutex
	log map[string][]time.Time
}

func (r *admissions) observe(session string, a Action, at time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.log == nil {
		r.log = map[string][]time.Time{}
	}
	k := session + "/" + string(a)
	r.log[k] = append(r.log[k], at)
}

func (r *admissions) get(session string, a Action) []time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]time.Time(nil), r.log[session+"/"+string(a)]...)
}

func TestAdmitEnforcesSpacingUnderConcurrency(t *testing.T) {
	t.Parallel()
	clk := clock.NewFake(t0)
	rec := &admissions{}
	g := New(map[Action]Policy{
		Broadcast: {MinSpacing: 2 * time.Second, MaxSpacing: 5 * time.Second},
	}, WithClock(clk), WithObserver(rec.observe))

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, g.Admit(context.Background(), "s1", Broadcast))
		}()
	}
	wg.Wait()

	got := rec.get("s1", Broadcast)
	require.Len(t, got, 20)
	for i := 1; i < len(got); i++ {
		assert.GreaterOrEqual(t, got[i].Sub(got[i-1]), 2*time.Second, "admission %d", i)
	}
}

func TestAdmitUsesDrawnSpacing(t *testing.T) {
	t.Parallel()
	clk := clock.NewFake(t0)
	g := New(map[Action]Policy{
		Comment: {MinSpacing: 30 * time.Second, MaxSpacing: 60 * time.Second},
	}, WithClock(clk), WithJitter(func(lo, hi time.Duration) time.Duration { return hi }))

	ctx := context.Background()
	require.NoError(t, g.Admit(ctx, "s1", Comment))
	require.NoError(t, g.Admit(ctx, "s1", Comment))
	assert.Equal(t, []time.Duration{60 * time.Second}, clk.Sleeps())
}

func TestHourlyCapHoldsOverRollingWindow(t *testing.T) {
	t.Parallel()
	clk := clock.NewFake(t0)
	rec := &admissions{}
	g := New(map[Action]Policy{Invite: {HourlyCap: 50}}, WithClock(clk), WithObserver(rec.observe))

	var wg sync.WaitGroup
	for i := 0; i < 200; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, g.Admit(context.Background(), "s1", Invite))
		}()
	}
	wg.Wait()

	got := rec.get("s1", Invite)
	require.Len(t, got, 200)
	for i := 50; i < len(got); i++ {
		assert.GreaterOrEqual(t, got[i].Sub(got[i-50]), time.Hour, "admission %d", i)
	}
	assert.Equal(t, t0, got[49])
	assert.Equal(t, t0.Add(time.Hour), got[50])
}

func TestCapWaitIncludesSpacing(t *testing.T) {
	t.Parallel()
	clk := clock.NewFake(t0)
	rec := &admissions{}
	g := New(map[Action]Policy{
		Invite: {MinSpacing: 30 * time.Second, MaxSpacing: 30 * time.Second, HourlyCap: 3},
	}, WithClock(clk), WithObserver(rec.observe))

	ctx := context.Background()
	for i := 0; i < 4; i++ {
		require.NoError(t, g.Admit(ctx, "s1", Invite))
	}
	got := rec.get("s1", Invite)
	assert.Equal(t, []time.Time{t0, t0.Add(30 * time.Second), t0.Add(time.Minute), t0.Add(time.Hour)}, got)

	views := g.Budgets("s1")
	require.Len(t, views, 1)
	assert.Equal(t, t0.Add(time.Hour), views[0].LastActionAt)
	assert.Equal(t, 3, views[0].InWindow)
}

func TestBudgetsAreIndependent(t *testing.T) {
	t.Parallel()
	clk := clock.NewFake(t0)
	g := New(DefaultPolicies(), WithClock(clk))

	ctx := context.Background()
	require.NoError(t, g.Admit(ctx, "s1", Invite))
	require.NoError(t, g.Admit(ctx, "s2", Invite))
	require.NoError(t, g.Admit(ctx, "s1", Broadcast))
	assert.Empty(t, clk.Sleeps())
}

func TestAdmitHonoursCancellation(t *testing.T) {
	t.Parallel()
	clk := clock.NewFake(t0)
	g := New(map[Action]Policy{Invite: {MinSpacing: time.Minute, MaxSpacing: time.Minute}}, WithClock(clk))

	require.NoError(t, g.Admit(context.Background(), "s1", Invite))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := g.Admit(ctx, "s1", Invite)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)

	views := g.Budgets("s1")
	require.Len(t, views, 1)
	assert.Equal(t, t0, views[0].LastActionAt)
	assert.Equal(t, 1, views[0].InWindow)
}

func TestSetPoliciesAppliesToNextAdmission(t *testing.T) {
	t.Parallel()
	clk := clock.NewFake(t0)
	g := New(map[Action]Policy{Read: {MinSpacing: time.Second, MaxSpacing: time.Second}}, WithClock(clk))

	ctx := context.Background()
	require.NoError(t, g.Admit(ctx, "s1", Read))
	g.SetPolicies(map[Action]Policy{Read: {MinSpacing: 5 * time.Second, MaxSpacing: 5 * time.Second}})
	require.NoError(t, g.Admit(ctx, "s1", Read))
	require.NoError(t, g.Admit(ctx, "s1", Read))
	assert.Equal(t, []time.Duration{time.Second, 5 * time.Second}, clk.Sleeps())
}

func TestBudgetsViewDoesNotBlock(t *testing.T) {
	t.Parallel()
	clk := clock.NewFake(t0)
	g := New(DefaultPolicies(), WithClock(clk))

	ctx := context.Background()
	require.NoError(t, g.Admit(ctx, "s1", Invite))
	require.NoError(t, g.Admit(ctx, "s1", Broadcast))
	require.NoError(t, g.Admit(ctx, "s2", Invite))

	views := g.Budgets("s1")
	require.Len(t, views, 2)
	assert.Equal(t, Broadcast, views[0].Action)
	assert.Equal(t, BudgetView{
		Action: Invite, LastActionAt: t0, NextAllowed: t0.Add(30 * time.Second), InWindow: 1, HourlyCap: 50,
	}, views[1])

	held := g.budget("s1", Invite)
	held.lock <- struct{}{}
	views = g.Budgets("s1")
	<-held.lock
	assert.Equal(t, BudgetView{Action: Invite, HourlyCap: 50, Waiting: true}, views[1])
	assert.Empty(t, g.Budgets("nobody"))
}
