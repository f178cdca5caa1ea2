package storage

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tgninja/pkg/logx"
)

func drivers(t *testing.T) map[string]func(t *testing.T) Store {
	t.Helper()
	return map[string]func(t *testing.T) Store{
		"memory": func(t *testing.T) Store { return NewMemory() },
		"sqlite": func(t *testing.T) Store {
			st, err := Open(Config{Driver: "sqlite", Path: filepath.Join(t.TempDir(), "jobs.db")}, logx.Nop())
			require.NoError(t, err)
			t.Cleanup(func() { _ = st.Close() })
			return st
		},
	}
}

var t0 = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func broadcastJob(id string, next time.Time) Job {
	return Job{
		ID:         id,
		Kind:       KindBroadcast,
		UserRef:    7,
		AccountRef: "acc-1",
		Message:    "hello",
		Items:      []string{"@a", "@b"},
		Cadence:    time.Hour,
		Status:     StatusActive,
		NextDue:    next,
		CreatedAt:  t0,
	}
}

func TestStoreContract(t *testing.T) {
	for name, open := range drivers(t) {
		open := open
		t.Run(name, func(t *testing.T) {
			t.Run("create and load", func(t *testing.T) {
				st := open(t)
				ctx := context.Background()
				require.NoError(t, st.CreateJob(ctx, broadcastJob("b1", t0)))

				j, err := st.LoadJob(ctx, "b1")
				require.NoError(t, err)
				assert.Equal(t, KindBroadcast, j.Kind)
				assert.Equal(t, []string{"@a", "@b"}, j.Items)
				assert.Equal(t, time.Hour, j.Cadence)
				assert.True(t, j.NextDue.Equal(t0))

				_, err = st.LoadJob(ctx, "missing")
				assert.True(t, errors.Is(err, ErrNotFound))
				assert.False(t, IsRetryable(err))
			})

			t.Run("find due skips paused future and impaired", func(t *testing.T) {
				st := open(t)
				ctx := context.Background()
				require.NoError(t, st.SaveAccount(ctx, Account{Ref: "acc-1", Credential: "x"}))
				require.NoError(t, st.SaveAccount(ctx, Account{Ref: "acc-2", Credential: "y"}))

				require.NoError(t, st.CreateJob(ctx, broadcastJob("due", t0.Add(-time.Minute))))
				require.NoError(t, st.CreateJob(ctx, broadcastJob("future", t0.Add(time.Minute))))
				paused := broadcastJob("paused", t0.Add(-time.Minute))
				paused.Status = StatusPaused
				require.NoError(t, st.CreateJob(ctx, paused))
				impaired := broadcastJob("impaired", t0.Add(-time.Minute))
				impaired.AccountRef = "acc-2"
				require.NoError(t, st.CreateJob(ctx, impaired))
				require.NoError(t, st.MarkImpaired(ctx, "acc-2", "unauthorized", t0))

				due, err := st.FindDueJobs(ctx, KindBroadcast, t0)
				require.NoError(t, err)
				require.Len(t, due, 1)
				assert.Equal(t, "due", due[0].ID)

				a, err := st.LoadAccount(ctx, "acc-2")
				require.NoError(t, err)
				assert.True(t, a.Impaired)
				assert.Equal(t, "unauthorized", a.ImpairedReason)
			})

			t.Run("comment due uses daily spacing", func(t *testing.T) {
				st := open(t)
				ctx := context.Background()
				never := Job{ID: "c1", Kind: KindComment, AccountRef: "acc", Items: []string{"@ch"}, CommentsPerDay: 4, Status: StatusActive}
				recent := never
				recent.ID = "c2"
				recent.LastCommentAt = t0.Add(-5 * time.Hour)
				stale := never
				stale.ID = "c3"
				stale.LastCommentAt = t0.Add(-7 * time.Hour)
				for _, j := range []Job{never, recent, stale} {
					require.NoError(t, st.CreateJob(ctx, j))
				}
				due, err := st.FindDueJobs(ctx, KindComment, t0)
				require.NoError(t, err)
				ids := []string{}
				for _, j := range due {
					ids = append(ids, j.ID)
				}
				assert.ElementsMatch(t, []string{"c1", "c3"}, ids)
			})

			t.Run("claim due is compare and update", func(t *testing.T) {
				st := open(t)
				ctx := context.Background()
				require.NoError(t, st.CreateJob(ctx, broadcastJob("b1", t0)))

				ok, err := st.ClaimDue(ctx, "b1", t0, t0.Add(time.Hour), t0.Add(time.Second))
				require.NoError(t, err)
				assert.True(t, ok)
				ok, err = st.ClaimDue(ctx, "b1", t0, t0.Add(2*time.Hour), t0.Add(time.Second))
				require.NoError(t, err)
				assert.False(t, ok)

				j, err := st.LoadJob(ctx, "b1")
				require.NoError(t, err)
				assert.True(t, j.NextDue.Equal(t0.Add(time.Hour)))
			})

			t.Run("set status only from allowed states", func(t *testing.T) {
				st := open(t)
				ctx := context.Background()
				inv := Job{ID: "i1", Kind: KindInvite, AccountRef: "acc", Target: "@g", Items: []string{"a"}, Status: StatusPending}
				require.NoError(t, st.CreateJob(ctx, inv))

				ok, err := st.SetStatus(ctx, Transition{JobID: "i1", From: []Status{StatusPending}, To: StatusInProgress})
				require.NoError(t, err)
				assert.True(t, ok)
				ok, err = st.SetStatus(ctx, Transition{JobID: "i1", From: []Status{StatusPending}, To: StatusInProgress})
				require.NoError(t, err)
				assert.False(t, ok)

				_, err = st.SetStatus(ctx, Transition{JobID: "nope", From: []Status{StatusPending}, To: StatusFailed})
				assert.True(t, errors.Is(err, ErrNotFound))
			})

			t.Run("save outcome applies deltas atomically", func(t *testing.T) {
				st := open(t)
				ctx := context.Background()
				require.NoError(t, st.CreateJob(ctx, broadcastJob("b1", t0)))

				require.NoError(t, st.SaveOutcome(ctx, Outcome{JobID: "b1", SucceededDelta: 1}))
				require.NoError(t, st.SaveOutcome(ctx, Outcome{
					JobID: "b1", SucceededDelta: 1, FailedDelta: 2,
					NextDue: t0.Add(time.Hour), LastCommentAt: t0,
				}))
				j, err := st.LoadJob(ctx, "b1")
				require.NoError(t, err)
				assert.Equal(t, int64(2), j.Succeeded)
				assert.Equal(t, int64(2), j.Failed)
				assert.Equal(t, StatusActive, j.Status)
				assert.True(t, j.NextDue.Equal(t0.Add(time.Hour)))
				assert.True(t, j.LastCommentAt.Equal(t0))

				require.NoError(t, st.SaveOutcome(ctx, Outcome{JobID: "b1", Status: StatusPaused, Error: "stopped"}))
				j, err = st.LoadJob(ctx, "b1")
				require.NoError(t, err)
				assert.Equal(t, StatusActive, j.Status)
				assert.Empty(t, j.Error)

				err = st.SaveOutcome(ctx, Outcome{JobID: "b1", FailedDelta: -1})
				assert.True(t, errors.Is(err, ErrInvalid))
				err = st.SaveOutcome(ctx, Outcome{JobID: "gone", SucceededDelta: 1})
				assert.True(t, errors.Is(err, ErrNotFound))
			})

			t.Run("outcome status lands only on in-progress jobs", func(t *testing.T) {
				st := open(t)
				ctx := context.Background()
				for _, id := range []string{"run", "stopped"} {
					require.NoError(t, st.CreateJob(ctx, Job{
						ID: id, Kind: KindInvite, AccountRef: "acc-1", Target: "@g",
						Items: []string{"a", "b"}, Status: StatusInProgress,
					}))
				}
				ok, err := st.SetStatus(ctx, Transition{
					JobID: "stopped", From: []Status{StatusInProgress}, To: StatusFailed, Error: "stopped",
				})
				require.NoError(t, err)
				require.True(t, ok)

				for _, id := range []string{"run", "stopped"} {
					require.NoError(t, st.SaveOutcome(ctx, Outcome{JobID: id, Status: StatusCompleted, SucceededDelta: 1}))
				}
				j, err := st.LoadJob(ctx, "stopped")
				require.NoError(t, err)
				assert.Equal(t, StatusFailed, j.Status)
				assert.Equal(t, "stopped", j.Error)
				assert.EqualValues(t, 1, j.Succeeded)

				j, err = st.LoadJob(ctx, "run")
				require.NoError(t, err)
				assert.Equal(t, StatusCompleted, j.Status)
				assert.EqualValues(t, 1, j.Succeeded)
			})

			t.Run("claim stamps the given time", func(t *testing.T) {
				st := open(t)
				ctx := context.Background()
				require.NoError(t, st.CreateJob(ctx, broadcastJob("b1", t0)))
				at := t0.Add(90 * time.Second)
				ok, err := st.ClaimDue(ctx, "b1", t0, t0.Add(time.Hour), at)
				require.NoError(t, err)
				require.True(t, ok)
				j, err := st.LoadJob(ctx, "b1")
				require.NoError(t, err)
				assert.WithinDuration(t, at, j.LastRunAt, 0)
				assert.WithinDuration(t, at, j.UpdatedAt, 0)
				assert.Equal(t, time.UTC, j.NextDue.Location())
			})

			t.Run("delete job drops its members", func(t *testing.T) {
				st := open(t)
				ctx := context.Background()
				require.NoError(t, st.CreateJob(ctx, Job{ID: "p1", Kind: KindParse, AccountRef: "acc-1", Items: []string{"@g"}, Status: StatusCompleted}))
				require.NoError(t, st.CreateJob(ctx, Job{ID: "p2", Kind: KindParse, AccountRef: "acc-1", Items: []string{"@g"}, Status: StatusCompleted}))
				_, err := st.SaveMembers(ctx, "p1", "@g", []Member{{ID: 1}, {ID: 2}})
				require.NoError(t, err)
				_, err = st.SaveMembers(ctx, "p2", "@g", []Member{{ID: 1}})
				require.NoError(t, err)

				ok, err := st.DeleteJob(ctx, "p1")
				require.NoError(t, err)
				assert.True(t, ok)
				_, err = st.LoadJob(ctx, "p1")
				assert.True(t, errors.Is(err, ErrNotFound))
				n, err := st.CountMembers(ctx, "p1")
				require.NoError(t, err)
				assert.Zero(t, n)
				n, err = st.CountMembers(ctx, "p2")
				require.NoError(t, err)
				assert.Equal(t, 1, n)

				ok, err = st.DeleteJob(ctx, "p1")
				require.NoError(t, err)
				assert.False(t, ok)
			})

			t.Run("list members in saved order", func(t *testing.T) {
				st := open(t)
				ctx := context.Background()
				_, err := st.SaveMembers(ctx, "p1", "@g1", []Member{{ID: 9, FirstName: "Ann", LastName: "Lee"}, {Username: "bob"}})
				require.NoError(t, err)
				_, err = st.SaveMembers(ctx, "p1", "@g2", []Member{{ID: 9}, {ID: 3, Username: "cat"}})
				require.NoError(t, err)

				ms, err := st.ListMembers(ctx, "p1")
				require.NoError(t, err)
				assert.Equal(t, []Member{
					{ID: 9, FirstName: "Ann", LastName: "Lee", Group: "@g1"},
					{Username: "bob", Group: "@g1"},
					{ID: 3, Username: "cat", Group: "@g2"},
				}, ms)

				ms, err = st.ListMembers(ctx, "none")
				require.NoError(t, err)
				assert.Empty(t, ms)
			})

			t.Run("list activity newest first per user", func(t *testing.T) {
				st := open(t)
				ctx := context.Background()
				for i, action := range []string{"invite", "parse", "broadcast"} {
					require.NoError(t, st.AppendActivity(ctx, ActivityEntry{
						At: t0.Add(time.Duration(i) * time.Minute), UserRef: 7, Action: action, Status: "completed",
					}))
				}
				require.NoError(t, st.AppendActivity(ctx, ActivityEntry{At: t0, UserRef: 8, Action: "invite"}))

				es, err := st.ListActivity(ctx, 7, 2)
				require.NoError(t, err)
				require.Len(t, es, 2)
				assert.Equal(t, "broadcast", es[0].Action)
				assert.Equal(t, "parse", es[1].Action)
				assert.WithinDuration(t, t0.Add(2*time.Minute), es[0].At, 0)

				es, err = st.ListActivity(ctx, 7, 0)
				require.NoError(t, err)
				assert.Len(t, es, 3)
			})

			t.Run("members dedupe per job", func(t *testing.T) {
				st := open(t)
				ctx := context.Background()
				n, err := st.SaveMembers(ctx, "p1", "@g", []Member{{ID: 1, Username: "a"}, {ID: 2}, {Username: "c"}})
				require.NoError(t, err)
				assert.Equal(t, 3, n)
				n, err = st.SaveMembers(ctx, "p1", "@g2", []Member{{ID: 1}, {Username: "c"}, {ID: 4}})
				require.NoError(t, err)
				assert.Equal(t, 1, n)
				total, err := st.CountMembers(ctx, "p1")
				require.NoError(t, err)
				assert.Equal(t, 4, total)
			})

			t.Run("activity prune", func(t *testing.T) {
				st := open(t)
				ctx := context.Background()
				require.NoError(t, st.AppendActivity(ctx, ActivityEntry{At: t0.Add(-31 * 24 * time.Hour), Action: "invite"}))
				require.NoError(t, st.AppendActivity(ctx, ActivityEntry{At: t0, Action: "broadcast"}))
				n, err := st.PruneActivity(ctx, t0.Add(-30*24*time.Hour))
				require.NoError(t, err)
				assert.Equal(t, int64(1), n)
			})

			t.Run("list jobs newest first", func(t *testing.T) {
				st := open(t)
				ctx := context.Background()
				older := broadcastJob("old", t0)
				newer := broadcastJob("new", t0)
				newer.CreatedAt = t0.Add(time.Minute)
				require.NoError(t, st.CreateJob(ctx, older))
				require.NoError(t, st.CreateJob(ctx, newer))
				js, err := st.ListJobs(ctx, 7)
				require.NoError(t, err)
				require.Len(t, js, 2)
				assert.Equal(t, "new", js[0].ID)

				byStatus, err := st.ListByStatus(ctx, StatusActive)
				require.NoError(t, err)
				assert.Len(t, byStatus, 2)
			})
		})
	}
}

func TestMemoryInjectedFailuresAreRetryable(t *testing.T) {
	t.Parallel()
	m := NewMemory()
	require.NoError(t, m.CreateJob(context.Background(), broadcastJob("b1", t0)))
	m.FailWrites(1)
	err := m.SaveOutcome(context.Background(), Outcome{JobID: "b1", SucceededDelta: 1})
	require.Error(t, err)
	assert.True(t, IsRetryable(err))
	require.NoError(t, m.SaveOutcome(context.Background(), Outcome{JobID: "b1", SucceededDelta: 1}))
}

func TestOutcomeMerge(t *testing.T) {
	t.Parallel()
	a := Outcome{JobID: "x", SucceededDelta: 1}
	b := Outcome{FailedDelta: 2, Status: StatusCompleted, NextDue: t0}
	m := a.Merge(b)
	assert.Equal(t, int64(1), m.SucceededDelta)
	assert.Equal(t, int64(2), m.FailedDelta)
	assert.Equal(t, StatusCompleted, m.Status)
	assert.True(t, m.NextDue.Equal(t0))
	assert.True(t, Outcome{JobID: "x"}.Empty())
}
