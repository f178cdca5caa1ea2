// Package progress holds live, process-local progress of running jobs.
//
// Snapshots are advisory. Each snapshot has exactly one Writer, owned by the
// executor running the job; readers get copies without taking locks. Terminal
// snapshots are removed by Sweep once they are older than the TTL.
package progress

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"

	"tgninja/pkg/clock"
)

type State string

const (
	Running   State = "running"
	Completed State = "completed"
	Failed    State = "failed"
	Stopped   State = "stopped"
)

func (s State) Terminal() bool { return s != Running }

// Snapshot is a point-in-time copy of one job's progress.
type Snapshot struct {
	UserRef     int64
	JobID       string
	Kind        string
	Total       int
	Processed   int
	Succeeded   int
	Failed      int
	Satisfied   int
	CurrentItem string
	StartedAt   time.Time
	FinishedAt  time.Time
	State       State
	Reason      string
}

// ErrBusy is returned by Start while another writer owns the job.
var ErrBusy = errors.New("progress: job already has a running writer")

type key struct {
	user int64
	job  string
}

type entry struct {
	snap atomic.Pointer[Snapshot]
}

type Tracker struct {
	clk clock.Clock
	ttl time.Duration

	// Start is serialized so that the check for a running writer and the
	// replacement of a terminal snapshot are one step.
	startMu sync.Mutex
	entries sync.Map // key -> *entry
	byJob   sync.Map // job id -> key
}

func NewTracker(ttl time.Duration, clk clock.Clock) *Tracker {
	if ttl <= 0 {
		ttl = time.Hour
	}
	if clk == nil {
		clk = clock.Real{}
	}
	return &Tracker{clk: clk, ttl: ttl}
}

// Start creates the snapshot for (userRef, jobID) and returns its writer. A
// terminal snapshot under the same key is replaced.
func (t *Tracker) Start(userRef int64, jobID, kind string, total int) (*Writer, error) {
	k := key{user: userRef, job: jobID}
	t.startMu.Lock()
	defer t.startMu.Unlock()

	if v, ok := t.entries.Load(k); ok {
		if cur := v.(*entry).snap.Load(); cur != nil && !cur.State.Terminal() {
			return nil, errors.Wrapf(ErrBusy, "job %s", jobID)
		}
	}
	e := &entry{}
	e.snap.Store(&Snapshot{
		UserRef:   userRef,
		JobID:     jobID,
		Kind:      kind,
		Total:     total,
		StartedAt: t.clk.Now(),
		State:     Running,
	})
	t.entries.Store(k, e)
	t.byJob.Store(jobID, k)
	return &Writer{t: t, e: e}, nil
}

// Get returns the snapshot for (userRef, jobID).
func (t *Tracker) Get(userRef int64, jobID string) (Snapshot, bool) {
	v, ok := t.entries.Load(key{user: userRef, job: jobID})
	if !ok {
		return Snapshot{}, false
	}
	return *v.(*entry).snap.Load(), true
}

// Lookup returns the snapshot for jobID regardless of owner.
func (t *Tracker) Lookup(jobID string) (Snapshot, bool) {
	k, ok := t.byJob.Load(jobID)
	if !ok {
		return Snapshot{}, false
	}
	kk := k.(key)
	return t.Get(kk.user, kk.job)
}

// ForUser returns all snapshots of userRef, newest first.
func (t *Tracker) ForUser(userRef int64) []Snapshot {
	var out []Snapshot
	t.entries.Range(func(k, v any) bool {
		if k.(key).user == userRef {
			out = append(out, *v.(*entry).snap.Load())
		}
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	return out
}

// Forget drops the snapshot of jobID if it is terminal.
func (t *Tracker) Forget(jobID string) bool {
	k, ok := t.byJob.Load(jobID)
	if !ok {
		return false
	}
	v, ok := t.entries.Load(k)
	if !ok || !v.(*entry).snap.Load().State.Terminal() {
		return false
	}
	if !t.entries.CompareAndDelete(k, v) {
		return false
	}
	t.byJob.CompareAndDelete(jobID, k)
	return true
}

// Sweep removes terminal snapshots finished at least TTL ago and returns how
// many were removed.
func (t *Tracker) Sweep() int {
	now := t.clk.Now()
	n := 0
	t.entries.Range(func(k, v any) bool {
		s := v.(*entry).snap.Load()
		if s.State.Terminal() && !now.Before(s.FinishedAt.Add(t.ttl)) {
			if t.entries.CompareAndDelete(k, v) {
				t.byJob.CompareAndDelete(s.JobID, k)
				n++
			}
		}
		return true
	})
	return n
}

// Run sweeps every interval of wall time until ctx is done.
func (t *Tracker) Run(ctx context.Context, every time.Duration) error {
	if every <= 0 {
		every = time.Minute
	}
	tick := time.NewTicker(every)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-tick.C:
			t.Sweep()
		}
	}
}

// Writer is the single mutator of one snapshot. It is not safe for concurrent
// use; readers never block it.
type Writer struct {
	t    *Tracker
	e    *entry
	done bool
}

func (w *Writer) update(fn func(s *Snapshot)) {
	if w == nil || w.done {
		return
	}
	next := *w.e.snap.Load()
	fn(&next)
	w.e.snap.Store(&next)
}

// Current marks item as the one being processed.
func (w *Writer) Current(item string) {
	w.update(func(s *Snapshot) { s.CurrentItem = item })
}

// SetTotal updates the item count for jobs whose work list is derived at run time.
func (w *Writer) SetTotal(total int) {
	w.update(func(s *Snapshot) { s.Total = total })
}

func (w *Writer) Succeeded() {
	w.update(func(s *Snapshot) { s.Processed++; s.Succeeded++ })
}

func (w *Writer) Failed() {
	w.update(func(s *Snapshot) { s.Processed++; s.Failed++ })
}

// Satisfied records an item that needed no action.
func (w *Writer) Satisfied() {
	w.update(func(s *Snapshot) { s.Processed++; s.Satisfied++ })
}

// Finish moves the snapshot into a terminal state. Later calls are ignored.
func (w *Writer) Finish(state State, reason string) {
	if w == nil || w.done {
		return
	}
	if !state.Terminal() {
		state = Completed
	}
	now := w.t.clk.Now()
	w.update(func(s *Snapshot) {
		s.State = state
		s.Reason = reason
		s.CurrentItem = ""
		s.FinishedAt = now
	})
	w.done = true
}

// Snapshot returns the writer's current view.
func (w *Writer) Snapshot() Snapshot { return *w.e.snap.Load() }
