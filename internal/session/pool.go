package session

import (
	"context"
	"sync"

	"github.com/cockroachdb/errors"

	"tgninja/internal/secret"
	"tgninja/internal/storage"
	"tgninja/pkg/logx"
)

// Accounts loads session records.
type Accounts interface {
	LoadAccount(ctx context.Context, ref string) (storage.Account, error)
}

// Decrypter opens stored credentials.
type Decrypter interface {
	Decrypt(ciphertext string) (string, error)
}

// Pool hands out sessions one action at a time. A session is a mutually
// exclusive resource: Do holds the session lock for the whole call, and the
// decrypted credential lives only for that call.
type Pool struct {
	accounts Accounts
	vault    Decrypter
	dialer   Dialer
	log      logx.Logger

	mu    sync.Mutex
	locks map[string]chan struct{}
}

func NewPool(accounts Accounts, vault Decrypter, dialer Dialer, log logx.Logger) *Pool {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Pool{
		accounts: accounts,
		vault:    vault,
		dialer:   dialer,
		log:      log,
		locks:    map[string]chan struct{}{},
	}
}

func (p *Pool) lock(ref string) chan struct{} {
	p.mu.Lock()
	defer p.mu.Unlock()
	ch, ok := p.locks[ref]
	if !ok {
		ch = make(chan struct{}, 1)
		p.locks[ref] = ch
	}
	return ch
}

// Do runs fn against the session of accountRef. Failures to reach the
// session are classified like action results so callers handle one shape.
func (p *Pool) Do(ctx context.Context, accountRef string, fn func(ctx context.Context, a Adapter) Result) Result {
	l := p.lock(accountRef)
	select {
	case l <- struct{}{}:
	case <-ctx.Done():
		return Blocked(0, "cancelled while waiting for session")
	}
	defer func() { <-l }()

	a, res := p.open(ctx, accountRef)
	if a == nil {
		return res
	}
	defer func() {
		if err := a.Close(); err != nil {
			p.log.Debug("session close failed", logx.Account(accountRef), logx.Err(err))
		}
	}()
	return fn(ctx, a)
}

func (p *Pool) open(ctx context.Context, ref string) (Adapter, Result) {
	acc, err := p.accounts.LoadAccount(ctx, ref)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		return nil, Fatal("account not found", err)
	case err != nil:
		return nil, Blocked(0, "account store unavailable")
	case acc.Impaired:
		return nil, Fatal("account impaired: "+acc.ImpairedReason, nil)
	}

	cred, err := p.vault.Decrypt(acc.Credential)
	if err != nil {
		if errors.Is(err, secret.ErrDecryption) {
			return nil, Fatal("credential cannot be decrypted", err)
		}
		return nil, Blocked(0, "credential decrypt failed")
	}

	a, err := p.dialer.Dial(ctx, ref, cred)
	if err != nil {
		if errors.Is(err, ErrImpaired) {
			return nil, Fatal("session rejected", err)
		}
		var te *ThrottledError
		if errors.As(err, &te) {
			return nil, Blocked(te.Wait, te.Reason)
		}
		return nil, Blocked(0, "dial failed: "+err.Error())
	}
	return a, OK()
}
