package notifier

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tgninja/internal/eventbus"
	"tgninja/internal/task/engine"
	"tgninja/pkg/logx"
)

type sent struct {
	user int64
	text string
}

type fakeSender struct {
	mu    sync.Mutex
	out   []sent
	fails int
	calls int
}

func (f *fakeSender) Send(_ context.Context, user int64, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.fails > 0 {
		f.fails--
		return errors.New("telegram: bad gateway")
	}
	f.out = append(f.out, sent{user, text})
	return nil
}

func (f *fakeSender) sent() []sent {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sent(nil), f.out...)
}

func fastConfig() Config {
	return Config{Enabled: true, Workers: 1, RatePerSec: 1000, RetryMax: 2, RetryBase: time.Millisecond, RetryMaxDelay: 2 * time.Millisecond}
}

func TestFromEvent(t *testing.T) {
	n, ok := FromEvent(eventbus.Event{Type: engine.EventJobFinished, Data: engine.JobEvent{
		JobID: "j1", Kind: "invite", UserRef: 7, Status: "completed",
		Total: 10, Processed: 10, Succeeded: 8, Failed: 1, Satisfied: 1,
	}})
	require.True(t, ok)
	assert.EqualValues(t, 7, n.UserRef)
	assert.Equal(t, "✅ Invite job j1 completed\nProcessed 10/10: 8 succeeded, 1 failed, 1 already done", n.Text)

	n, ok = FromEvent(eventbus.Event{Data: engine.JobEvent{JobID: "j2", Kind: "parse", UserRef: 7, Status: "failed", Error: "stopped"}})
	require.True(t, ok)
	assert.Equal(t, "❌ Parse job j2 failed\nReason: stopped", n.Text)

	n, ok = FromEvent(eventbus.Event{Data: engine.JobEvent{JobID: "j6", Kind: "manual_broadcast", UserRef: 7, Status: "completed", Total: 2, Processed: 2, Succeeded: 2}})
	require.True(t, ok)
	assert.Equal(t, "✅ Manual broadcast job j6 completed\nProcessed 2/2: 2 succeeded, 0 failed", n.Text)

	_, ok = FromEvent(eventbus.Event{Data: engine.JobEvent{JobID: "j3", Kind: "broadcast", UserRef: 7, Status: "active", Recurring: true}})
	assert.False(t, ok)
	_, ok = FromEvent(eventbus.Event{Data: engine.JobEvent{JobID: "j4", Kind: "invite", UserRef: 7, Status: "in_progress"}})
	assert.False(t, ok)

	n, ok = FromEvent(eventbus.Event{Data: engine.ImpairedEvent{AccountRef: "acc", UserRef: 7, JobID: "j5", Reason: "auth_key_unregistered"}})
	require.True(t, ok)
	assert.Equal(t, "impaired:acc", n.Key)
	assert.Contains(t, n.Text, "acc was disabled: auth_key_unregistered")
}

func TestEventsAreDelivered(t *testing.T) {
	bus := eventbus.New()
	snd := &fakeSender{}
	s := New(fastConfig(), snd, bus, logx.Nop())
	s.Start(context.Background())
	defer s.Stop(context.Background())

	bus.Publish(eventbus.Event{Type: engine.EventJobFinished, Data: engine.JobEvent{JobID: "j1", Kind: "invite", UserRef: 7, Status: "completed"}})
	bus.Publish(eventbus.Event{Type: engine.EventJobFinished, Data: engine.JobEvent{JobID: "j2", Kind: "broadcast", UserRef: 7, Status: "active", Recurring: true}})
	bus.Publish(eventbus.Event{Type: engine.EventAccountImpaired, Data: engine.ImpairedEvent{AccountRef: "acc", UserRef: 9, Reason: "banned"}})

	require.Eventually(t, func() bool { return len(snd.sent()) == 2 }, 2*time.Second, 5*time.Millisecond)
	got := snd.sent()
	users := []int64{got[0].user, got[1].user}
	assert.ElementsMatch(t, []int64{7, 9}, users)
	assert.Len(t, s.History(), 2)
}

func TestSendIsRetried(t *testing.T) {
	snd := &fakeSender{fails: 2}
	s := New(fastConfig(), snd, nil, logx.Nop())
	s.Start(context.Background())
	require.NoError(t, s.Notify(context.Background(), Notification{UserRef: 1, Text: "hi"}))
	s.Stop(context.Background())

	assert.Equal(t, []sent{{1, "hi"}}, snd.sent())
	assert.Equal(t, 3, snd.calls)
}

func TestDedupSuppressesRepeats(t *testing.T) {
	cfg := fastConfig()
	cfg.DedupWindow = time.Hour
	snd := &fakeSender{}
	s := New(cfg, snd, nil, logx.Nop())
	s.Start(context.Background())
	n := Notification{UserRef: 1, Text: "account disabled", Key: "impaired:acc"}
	require.NoError(t, s.Notify(context.Background(), n))
	require.NoError(t, s.Notify(context.Background(), n))
	require.NoError(t, s.Notify(context.Background(), Notification{UserRef: 1, Text: "unkeyed"}))
	s.Stop(context.Background())

	assert.Len(t, snd.sent(), 2)
}

func TestNotifyStates(t *testing.T) {
	ctx := context.Background()
	off := New(Config{}, &fakeSender{}, nil, logx.Nop())
	assert.ErrorIs(t, off.Notify(ctx, Notification{UserRef: 1, Text: "x"}), ErrDisabled)

	s := New(fastConfig(), &fakeSender{}, nil, logx.Nop())
	assert.ErrorIs(t, s.Notify(ctx, Notification{UserRef: 1, Text: "x"}), ErrStopped)
	s.Start(ctx)
	assert.Error(t, s.Notify(ctx, Notification{Text: "x"}))
	s.Stop(ctx)
	assert.ErrorIs(t, s.Notify(ctx, Notification{UserRef: 1, Text: "x"}), ErrStopped)
}

func TestRetryDelayIsBounded(t *testing.T) {
	cfg := Config{RetryBase: 100 * time.Millisecond, RetryMaxDelay: time.Second}
	for attempt := 1; attempt <= 8; attempt++ {
		d := retryDelay(cfg, attempt)
		assert.Greater(t, d, time.Duration(0))
		assert.LessOrEqual(t, d, time.Second)
	}
}

func TestTruncRunes(t *testing.T) {
	assert.Equal(t, "héllo", truncRunes("héllo", 5))
	assert.Equal(t, "héll…", truncRunes("héllo wörld", 5))
	assert.Equal(t, "", truncRunes("abc", 0))

	n, ok := FromEvent(eventbus.Event{Type: engine.EventJobFinished, Data: engine.JobEvent{
		JobID: "j3", Kind: "comment", UserRef: 1, Status: "failed", Error: strings.Repeat("x", 2000),
	}})
	require.True(t, ok)
	assert.LessOrEqual(t, utf8.RuneCountInString(n.Text), maxMessageRunes)
	assert.True(t, strings.HasSuffix(n.Text, "…"))
}
