package session_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tgninja/internal/secret"
	"tgninja/internal/session"
	"tgninja/internal/session/sessiontest"
	"tgninja/internal/storage"
	"tgninja/pkg/logx"
)

func setup(t *testing.T) (*storage.Memory, *secret.Vault) {
	t.Helper()
	v, err := secret.New("k", secret.Options{Iterations: 1000})
	require.NoError(t, err)
	st := storage.NewMemory()
	ct, err := v.Encrypt("plain-session")
	require.NoError(t, err)
	require.NoError(t, st.SaveAccount(context.Background(), storage.Account{Ref: "acc", Credential: ct}))
	return st, v
}

func TestPoolDecryptsPerCall(t *testing.T) {
	t.Parallel()
	st, v := setup(t)
	var seen []string
	dialer := session.DialerFunc(func(ctx context.Context, ref, cred string) (session.Adapter, error) {
		seen = append(seen, cred)
		return sessiontest.New(), nil
	})
	p := session.NewPool(st, v, dialer, logx.Nop())

	res := p.Do(context.Background(), "acc", func(ctx context.Context, a session.Adapter) session.Result {
		return a.SendMessage(ctx, "@g", "hi")
	})
	require.True(t, res.OK())
	assert.Equal(t, []string{"plain-session"}, seen)
}

func TestPoolClassifiesUnusableAccounts(t *testing.T) {
	t.Parallel()
	st, v := setup(t)
	dialer := session.DialerFunc(func(ctx context.Context, ref, cred string) (session.Adapter, error) {
		return sessiontest.New(), nil
	})
	p := session.NewPool(st, v, dialer, logx.Nop())
	noop := func(ctx context.Context, a session.Adapter) session.Result { return session.OK() }

	assert.Equal(t, session.SessionFatal, p.Do(context.Background(), "missing", noop).Class)

	require.NoError(t, st.SaveAccount(context.Background(), storage.Account{Ref: "bad", Credential: "not-a-ciphertext"}))
	assert.Equal(t, session.SessionFatal, p.Do(context.Background(), "bad", noop).Class)

	require.NoError(t, st.MarkImpaired(context.Background(), "acc", "banned", time.Time{}))
	assert.Equal(t, session.SessionFatal, p.Do(context.Background(), "acc", noop).Class)
}

func TestPoolSerializesActionsPerSession(t *testing.T) {
	t.Parallel()
	st, v := setup(t)
	p := session.NewPool(st, v, session.DialerFunc(func(ctx context.Context, ref, cred string) (session.Adapter, error) {
		return sessiontest.New(), nil
	}), logx.Nop())

	var inFlight, peak atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p.Do(context.Background(), "acc", func(ctx context.Context, a session.Adapter) session.Result {
				n := inFlight.Add(1)
				for {
					old := peak.Load()
					if n <= old || peak.CompareAndSwap(old, n) {
						break
					}
				}
				time.Sleep(time.Millisecond)
				inFlight.Add(-1)
				return session.OK()
			})
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), peak.Load())
}

func TestResultErrTaxonomy(t *testing.T) {
	t.Parallel()
	assert.NoError(t, session.OK().Err())
	assert.NoError(t, session.Satisfied("already member").Err())
	assert.True(t, errors.Is(session.Failed("privacy restricted", nil).Err(), session.ErrItemFailed))
	assert.True(t, errors.Is(session.Fatal("unauthorized", assert.AnError).Err(), session.ErrImpaired))

	var te *session.ThrottledError
	require.ErrorAs(t, session.Blocked(30*time.Second, "flood wait").Err(), &te)
	assert.Equal(t, 30*time.Second, te.Wait)
}
