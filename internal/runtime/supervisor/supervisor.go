package supervisor

import (
	"context"
	"fmt"
	"runtime/debug"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"

	"tgninja/pkg/logx"
)

// ErrTaskRunning is returned by Spawn when a task with the same key is live.
var ErrTaskRunning = errors.New("supervisor: task already running")

// Supervisor manages goroutines tied to a shared context.
//
// Anonymous loops are started with Go/GoRestart. Keyed work (one job run,
// one sweep) is started with Spawn and can be cancelled individually.
type Supervisor struct {
	ctx    context.Context
	cancel context.CancelFunc

	log         logx.Logger
	cancelOnErr bool

	started uint64
	active  int64

	errOnce  sync.Once
	firstErr atomic.Value // error
	doneOnce sync.Once
	doneCh   chan struct{}
	wg       sync.WaitGroup

	mu    sync.Mutex
	tasks map[string]*Task
}

type Option func(*Supervisor)

func WithLogger(log logx.Logger) Option {
	return func(s *Supervisor) { s.log = log }
}

// WithCancelOnError cancels the supervisor context on the first error
// returned by a Go goroutine. Spawned tasks never cancel the supervisor.
func WithCancelOnError(enabled bool) Option {
	return func(s *Supervisor) { s.cancelOnErr = enabled }
}

func New(parent context.Context, opts ...Option) *Supervisor {
	ctx, cancel := context.WithCancel(parent)
	s := &Supervisor{
		ctx:    ctx,
		cancel: cancel,
		doneCh: make(chan struct{}),
		tasks:  map[string]*Task{},
	}
	for _, o := range opts {
		o(s)
	}
	if s.log.IsZero() {
		s.log = logx.Nop()
	}
	return s
}

func (s *Supervisor) Context() context.Context { return s.ctx }

// Cancel cancels the supervisor context without waiting.
func (s *Supervisor) Cancel() { s.cancel() }

func (s *Supervisor) Err() error {
	if err, ok := s.firstErr.Load().(error); ok {
		return err
	}
	return nil
}

// Counters is a best-effort operational view.
type Counters struct {
	Active  int64    `json:"active"`
	Started uint64   `json:"started"`
	Tasks   []string `json:"tasks,omitempty"`
}

func (s *Supervisor) Counters() Counters {
	return Counters{
		Active:  atomic.LoadInt64(&s.active),
		Started: atomic.LoadUint64(&s.started),
		Tasks:   s.Running(),
	}
}

func (s *Supervisor) Go(name string, fn func(ctx context.Context) error) {
	if fn == nil {
		return
	}
	s.launch(func() {
		defer func() {
			if r := recover(); r != nil {
				err := errors.Newf("panic in %s: %v", name, r)
				s.log.Error("goroutine panicked", logx.String("name", name), logx.Any("panic", r), logx.Stack(string(debug.Stack())))
				s.fail(err)
			}
		}()
		s.log.Debug("goroutine started", logx.String("name", name))
		if err := fn(s.ctx); err != nil && !errors.Is(err, context.Canceled) {
			s.fail(errors.Wrap(err, name))
		}
		s.log.Debug("goroutine stopped", logx.String("name", name))
	})
}

func (s *Supervisor) Go0(name string, fn func(ctx context.Context)) {
	if fn == nil {
		return
	}
	s.Go(name, func(ctx context.Context) error {
		fn(ctx)
		return nil
	})
}

func (s *Supervisor) launch(body func()) {
	atomic.AddUint64(&s.started, 1)
	atomic.AddInt64(&s.active, 1)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer atomic.AddInt64(&s.active, -1)
		body()
	}()
}

func (s *Supervisor) fail(err error) {
	s.setErr(err)
	if s.cancelOnErr {
		s.cancel()
	}
}

// RestartOption configures GoRestart.
type RestartOption func(*restartCfg)

type restartCfg struct {
	minBackoff  time.Duration
	maxBackoff  time.Duration
	maxRestarts int // <=0 means unlimited
}

func WithRestartBackoff(min, max time.Duration) RestartOption {
	return func(c *restartCfg) {
		if min > 0 {
			c.minBackoff = min
		}
		if max > 0 {
			c.maxBackoff = max
		}
	}
}

// WithMaxRestarts limits restarts after errors or panics. The initial run is not counted.
func WithMaxRestarts(n int) RestartOption { return func(c *restartCfg) { c.maxRestarts = n } }

// GoRestart runs fn and restarts it on error or panic with exponential backoff
// until the supervisor is cancelled. A clean return stops the loop.
func (s *Supervisor) GoRestart(name string, fn func(ctx context.Context) error, opts ...RestartOption) {
	if fn == nil {
		return
	}
	cfg := restartCfg{minBackoff: 250 * time.Millisecond, maxBackoff: 30 * time.Second}
	for _, o := range opts {
		o(&cfg)
	}
	if cfg.maxBackoff < cfg.minBackoff {
		cfg.maxBackoff = cfg.minBackoff
	}

	s.Go0(name+".restart", func(ctx context.Context) {
		backoff := cfg.minBackoff
		restarts := 0
		for ctx.Err() == nil {
			startedAt := time.Now()
			err := runGuarded(ctx, fn)
			if ctx.Err() != nil || err == nil || errors.Is(err, context.Canceled) {
				return
			}

			restarts++
			if time.Since(startedAt) >= 30*time.Second {
				backoff = cfg.minBackoff
			}
			if cfg.maxRestarts > 0 && restarts > cfg.maxRestarts {
				s.log.Error("goroutine gave up after restarts", logx.String("name", name), logx.Int("restarts", restarts), logx.Err(err))
				s.setErr(errors.Wrap(err, name))
				return
			}
			s.log.Warn("goroutine restarting", logx.String("name", name), logx.Duration("backoff", backoff), logx.Err(err))

			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > cfg.maxBackoff {
				backoff = cfg.maxBackoff
			}
		}
	})
}

func runGuarded(ctx context.Context, fn func(ctx context.Context) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.Newf("panic: %v\n%s", r, debug.Stack())
		}
	}()
	return fn(ctx)
}

// Task is one keyed unit of supervised work with its own cancellation token.
type Task struct {
	Key       string
	StartedAt time.Time

	cancel context.CancelFunc
	done   chan struct{}
	err    error
}

// Cancel requests cooperative cancellation. It does not wait.
func (t *Task) Cancel() { t.cancel() }

// Done is closed after the task body and its cleanup have both returned.
func (t *Task) Done() <-chan struct{} { return t.done }

// Err is valid after Done is closed.
func (t *Task) Err() error {
	<-t.done
	return t.err
}

// Spawn starts fn under key. cleanup, when non-nil, runs exactly once after fn
// returns, errors, or panics, and before the key is released. A second Spawn
// with a live key fails with ErrTaskRunning.
func (s *Supervisor) Spawn(key string, fn func(ctx context.Context) error, cleanup func(err error)) (*Task, error) {
	if fn == nil {
		return nil, errors.New("supervisor: nil task func")
	}
	ctx, cancel := context.WithCancel(s.ctx)
	t := &Task{Key: key, StartedAt: time.Now(), cancel: cancel, done: make(chan struct{})}

	s.mu.Lock()
	if _, ok := s.tasks[key]; ok {
		s.mu.Unlock()
		cancel()
		return nil, errors.Wrapf(ErrTaskRunning, "key %q", key)
	}
	s.tasks[key] = t
	s.mu.Unlock()

	s.launch(func() {
		var once sync.Once
		finish := func(err error) {
			once.Do(func() {
				t.err = err
				if cleanup != nil {
					func() {
						defer func() {
							if r := recover(); r != nil {
								s.log.Error("task cleanup panicked", logx.String("key", key), logx.Any("panic", r))
							}
						}()
						cleanup(err)
					}()
				}
				s.mu.Lock()
				delete(s.tasks, key)
				s.mu.Unlock()
				cancel()
				close(t.done)
			})
		}
		defer func() {
			if r := recover(); r != nil {
				s.log.Error("task panicked", logx.String("key", key), logx.Any("panic", r), logx.Stack(string(debug.Stack())))
				finish(errors.Newf("panic in task %s: %v", key, r))
			}
		}()
		finish(fn(ctx))
	})
	return t, nil
}

// Lookup returns the live task for key.
func (s *Supervisor) Lookup(key string) (*Task, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[key]
	return t, ok
}

// CancelTask cancels the live task for key and reports whether one existed.
func (s *Supervisor) CancelTask(key string) bool {
	t, ok := s.Lookup(key)
	if ok {
		t.Cancel()
	}
	return ok
}

// Running returns the keys of live tasks, sorted.
func (s *Supervisor) Running() []string {
	s.mu.Lock()
	keys := make([]string, 0, len(s.tasks))
	for k := range s.tasks {
		keys = append(keys, k)
	}
	s.mu.Unlock()
	sort.Strings(keys)
	return keys
}

func (s *Supervisor) Stop(ctx context.Context) error {
	s.cancel()
	return s.Wait(ctx)
}

func (s *Supervisor) Wait(ctx context.Context) error {
	s.doneOnce.Do(func() {
		go func() {
			s.wg.Wait()
			close(s.doneCh)
		}()
	})
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-s.doneCh:
		return s.Err()
	}
}

func (s *Supervisor) setErr(err error) {
	if err == nil {
		return
	}
	s.errOnce.Do(func() { s.firstErr.Store(err) })
}

func (c Counters) String() string {
	return fmt.Sprintf("active=%d started=%d tasks=%d", c.Active, c.Started, len(c.Tasks))
}
