// Package governor paces remote actions per session.
//
// Admission is preventive: the governor never lets a session act faster than
// its configured spacing or above its rolling hourly cap, and it waits instead
// of failing when a limit is reached. Error-driven backoff lives in the
// executor.
package governor

import (
	"context"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/cockroachdb/errors"

	"tgninja/pkg/clock"
	"tgninja/pkg/logx"
)

// Action is the kind of remote action being admitted. Each action kind has its
// own budget on each session.
type Action string

const (
	Invite    Action = "invite"
	Broadcast Action = "broadcast"
	Comment   Action = "comment"
	Read      Action = "read"
)

const window = time.Hour

// Policy limits one action kind. A spacing is drawn from [MinSpacing,
// MaxSpacing] after every admitted action. HourlyCap <= 0 disables the cap.
type Policy struct {
	MinSpacing time.Duration
	MaxSpacing time.Duration
	HourlyCap  int
}

// DefaultPolicies mirrors the pacing the platform tolerates for user sessions.
func DefaultPolicies() map[Action]Policy {
	return map[Action]Policy{
		Invite:    {MinSpacing: 30 * time.Second, MaxSpacing: 30 * time.Second, HourlyCap: 50},
		Broadcast: {MinSpacing: 2 * time.Second, MaxSpacing: 5 * time.Second},
		Comment:   {MinSpacing: 30 * time.Second, MaxSpacing: 60 * time.Second},
		Read:      {MinSpacing: time.Second, MaxSpacing: 2 * time.Second},
	}
}

type Option func(*Governor)

func WithClock(c clock.Clock) Option { return func(g *Governor) { g.clk = c } }

func WithLogger(log logx.Logger) Option { return func(g *Governor) { g.log = log } }

// WithObserver registers fn to run for every admission, in admission order.
func WithObserver(fn func(session string, a Action, at time.Time)) Option {
	return func(g *Governor) { g.observe = fn }
}

// WithJitter replaces the spacing draw. fn receives the policy bounds with
// lo <= hi and must return a value in that range.
func WithJitter(fn func(lo, hi time.Duration) time.Duration) Option {
	return func(g *Governor) { g.jitter = fn }
}

type budgetKey struct {
	session string
	action  Action
}

// budget is the RateBudget of one (session, action). lock is held for the
// whole admission, so callers on the same budget queue in order.
type budget struct {
	lock chan struct{}

	lastActionAt time.Time
	nextAllowed  time.Time

	// admitted holds admission instants inside the rolling window, oldest first.
	admitted []time.Time
}

type Governor struct {
	clk     clock.Clock
	log     logx.Logger
	jitter  func(lo, hi time.Duration) time.Duration
	observe func(session string, a Action, at time.Time)

	mu       sync.Mutex
	policies map[Action]Policy
	budgets  map[budgetKey]*budget
}

func New(policies map[Action]Policy, opts ...Option) *Governor {
	g := &Governor{
		clk:     clock.Real{},
		budgets: map[budgetKey]*budget{},
	}
	for _, o := range opts {
		o(g)
	}
	if g.log.IsZero() {
		g.log = logx.Nop()
	}
	if g.jitter == nil {
		var rmu sync.Mutex
		rng := rand.New(rand.NewSource(time.Now().UnixNano()))
		g.jitter = func(lo, hi time.Duration) time.Duration {
			rmu.Lock()
			defer rmu.Unlock()
			return lo + time.Duration(rng.Int63n(int64(hi-lo)+1))
		}
	}
	g.SetPolicies(policies)
	return g
}

// SetPolicies replaces the policies. Budgets keep their history, so a lowered
// cap applies to actions already inside the window.
func (g *Governor) SetPolicies(policies map[Action]Policy) {
	cp := make(map[Action]Policy, len(policies))
	for k, p := range policies {
		if p.MinSpacing < 0 {
			p.MinSpacing = 0
		}
		if p.MaxSpacing < p.MinSpacing {
			p.MaxSpacing = p.MinSpacing
		}
		cp[k] = p
	}
	g.mu.Lock()
	g.policies = cp
	g.mu.Unlock()
}

func (g *Governor) policy(a Action) Policy {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.policies[a]
}

func (g *Governor) budget(session string, a Action) *budget {
	k := budgetKey{session: session, action: a}
	g.mu.Lock()
	defer g.mu.Unlock()
	b, ok := g.budgets[k]
	if !ok {
		b = &budget{lock: make(chan struct{}, 1)}
		g.budgets[k] = b
	}
	return b
}

// Admit blocks until session may perform one action of kind a, then records
// the action. It returns only ctx errors.
func (g *Governor) Admit(ctx context.Context, session string, a Action) error {
	b := g.budget(session, a)
	select {
	case b.lock <- struct{}{}:
	case <-ctx.Done():
		return errors.Wrap(ctx.Err(), "admission")
	}
	defer func() { <-b.lock }()

	for {
		p := g.policy(a)
		now := g.clk.Now()
		b.prune(now)

		wait := b.nextAllowed.Sub(now)
		capped := false
		if p.HourlyCap > 0 && len(b.admitted) >= p.HourlyCap {
			// The oldest admissions beyond the cap must leave the window first.
			rollover := b.admitted[len(b.admitted)-p.HourlyCap].Add(window).Sub(now)
			if rollover > wait {
				wait = rollover
				capped = true
			}
		}
		if wait <= 0 {
			b.record(now, now.Add(g.spacing(p)))
			if g.observe != nil {
				g.observe(session, a, now)
			}
			return nil
		}
		if capped {
			g.log.Debug("hourly cap reached, waiting for window",
				logx.Account(session), logx.String("action", string(a)),
				logx.Int("cap", p.HourlyCap), logx.Duration("wait", wait))
		}
		if err := g.clk.Sleep(ctx, wait); err != nil {
			return errors.Wrap(err, "admission")
		}
	}
}

func (g *Governor) spacing(p Policy) time.Duration {
	if p.MaxSpacing <= p.MinSpacing {
		return p.MinSpacing
	}
	return g.jitter(p.MinSpacing, p.MaxSpacing)
}

// BudgetView is a point-in-time view of one budget of a session.
type BudgetView struct {
	Action       Action    `json:"action"`
	LastActionAt time.Time `json:"last_action_at"`
	NextAllowed  time.Time `json:"next_allowed"`
	InWindow     int       `json:"in_window"`
	HourlyCap    int       `json:"hourly_cap"`
	// Waiting is set while an admission holds the budget; the other fields
	// are then left zero.
	Waiting bool `json:"waiting"`
}

// Budgets reports every budget of session that has been used, ordered by
// action. It never blocks on an admission in flight.
func (g *Governor) Budgets(session string) []BudgetView {
	g.mu.Lock()
	var out []BudgetView
	held := map[Action]*budget{}
	for k, b := range g.budgets {
		if k.session == session {
			held[k.action] = b
			out = append(out, BudgetView{Action: k.action, HourlyCap: g.policies[k.action].HourlyCap})
		}
	}
	g.mu.Unlock()

	now := g.clk.Now()
	for i := range out {
		b := held[out[i].Action]
		select {
		case b.lock <- struct{}{}:
		default:
			out[i].Waiting = true
			continue
		}
		b.prune(now)
		out[i].LastActionAt = b.lastActionAt
		out[i].NextAllowed = b.nextAllowed
		out[i].InWindow = len(b.admitted)
		<-b.lock
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Action < out[j].Action })
	return out
}

func (b *budget) prune(now time.Time) {
	cut := now.Add(-window)
	i := 0
	for i < len(b.admitted) && !b.admitted[i].After(cut) {
		i++
	}
	if i > 0 {
		b.admitted = append(b.admitted[:0], b.admitted[i:]...)
	}
}

func (b *budget) record(now, next time.Time) {
	b.lastActionAt = now
	b.nextAllowed = next
	b.admitted = append(b.admitted, now)
}
