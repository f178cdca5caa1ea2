package engine

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"

	"tgninja/internal/eventbus"
	"tgninja/internal/runtime/supervisor"
	"tgninja/internal/storage"
	"tgninja/internal/task/progress"
	"tgninja/pkg/clock"
	"tgninja/pkg/logx"
)

// ErrStopped is returned by commands that need a running engine.
var ErrStopped = errors.New("engine: not running")

// Engine is the command surface of the automation engine. Every job run is a
// supervised task keyed by job id, so at most one executor per job exists in
// this process; the store's compare-and-update claims extend that across
// processes.
type Engine struct {
	store   storage.Store
	exec    *Executor
	tracker *progress.Tracker
	clk     clock.Clock
	bus     eventbus.Bus
	log     logx.Logger

	mu      sync.Mutex
	cfg     Config
	sup     *supervisor.Supervisor
	closing atomic.Bool

	newID func() string
}

func New(cfg Config, d Deps) *Engine {
	if d.Clock == nil {
		d.Clock = clock.Real{}
	}
	if d.Log.IsZero() {
		d.Log = logx.Nop()
	}
	if d.Tracker == nil {
		d.Tracker = progress.NewTracker(time.Hour, d.Clock)
	}
	e := &Engine{
		store:   d.Store,
		tracker: d.Tracker,
		clk:     d.Clock,
		bus:     d.Bus,
		log:     d.Log.With(logx.Component("engine")),
		cfg:     cfg.withDefaults(),
		newID:   uuid.NewString,
	}
	e.exec = NewExecutor(cfg, d)
	e.exec.interrupted = e.closing.Load
	return e
}

func (e *Engine) Apply(cfg Config) {
	e.mu.Lock()
	e.cfg = cfg.withDefaults()
	e.mu.Unlock()
	e.exec.Apply(cfg)
}

func (e *Engine) config() Config {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cfg
}

func (e *Engine) supervisor() *supervisor.Supervisor {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.sup
}

// Start recovers one-shot jobs left behind by a previous process and starts
// the progress sweeper. Start is idempotent.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.sup != nil {
		e.mu.Unlock()
		return nil
	}
	e.closing.Store(false)
	sup := supervisor.New(context.WithoutCancel(ctx),
		supervisor.WithLogger(e.log),
		// One job failing must never take the engine down.
		supervisor.WithCancelOnError(false),
	)
	e.sup = sup
	e.mu.Unlock()

	if _, err := e.RecoverInterrupted(ctx); err != nil {
		return errors.Wrap(err, "recover interrupted jobs")
	}
	pending, err := e.store.ListByStatus(ctx, storage.StatusPending)
	if err != nil {
		return errors.Wrap(err, "list pending jobs")
	}
	for _, j := range pending {
		if _, err := e.launch(j); err != nil {
			e.log.Warn("pending job not relaunched", logx.JobID(j.ID), logx.Err(err))
		}
	}
	sup.Go0("progress.sweep", func(ctx context.Context) {
		_ = e.tracker.Run(ctx, time.Minute)
	})
	e.log.Info("engine started", logx.Int("relaunched", len(pending)))
	return nil
}

// Stop cancels every running job and waits for them to persist their
// partial outcomes. Interrupted one-shot jobs fail with ReasonInterrupted.
func (e *Engine) Stop(ctx context.Context) error {
	e.mu.Lock()
	sup := e.sup
	e.sup = nil
	e.mu.Unlock()
	if sup == nil {
		return nil
	}
	e.closing.Store(true)
	running := len(sup.Running())
	err := sup.Stop(ctx)
	e.log.Info("engine stopped", logx.Int("cancelled_jobs", running))
	return err
}

func taskKey(jobID string) string { return "job:" + jobID }

// Running reports whether jobID has a live executor in this process.
func (e *Engine) Running(jobID string) bool {
	sup := e.supervisor()
	if sup == nil {
		return false
	}
	_, ok := sup.Lookup(taskKey(jobID))
	return ok
}

// spawn starts a supervised run of job. claim runs inside the task, after the
// key is held, so a rejected duplicate never touches the store.
func (e *Engine) spawn(job storage.Job, next time.Time, claim func(ctx context.Context) (bool, error)) (*supervisor.Task, error) {
	sup := e.supervisor()
	if sup == nil {
		return nil, ErrStopped
	}
	log := e.log.With(logx.JobID(job.ID))
	var claimed atomic.Bool
	t, err := sup.Spawn(taskKey(job.ID), func(ctx context.Context) error {
		ok, err := claim(ctx)
		if err != nil {
			return errors.Wrap(err, "claim")
		}
		if !ok {
			return ErrNotClaimed
		}
		claimed.Store(true)
		e.exec.Run(ctx, job, next)
		return nil
	}, func(err error) {
		switch {
		case err == nil:
		case errors.Is(err, ErrNotClaimed):
			log.Debug("job claimed elsewhere, run skipped")
		default:
			log.Error("job run failed", logx.Err(err))
			if claimed.Load() && !job.Kind.Recurring() {
				e.failCrashed(job, err)
			}
		}
	})
	if errors.Is(err, supervisor.ErrTaskRunning) {
		return nil, errors.Wrapf(ErrAlreadyRunning, "job %s", job.ID)
	}
	return t, err
}

// failCrashed moves a one-shot job whose run died to failed, so it does not
// sit in progress until the next restart.
func (e *Engine) failCrashed(job storage.Job, cause error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	to, _ := Next(job.Kind, storage.StatusInProgress, TriggerAbort)
	reason := "crashed: " + cause.Error()
	applied, err := e.store.SetStatus(ctx, storage.Transition{
		JobID: job.ID,
		From:  []storage.Status{storage.StatusInProgress},
		To:    to,
		Error: reason,
		At:    e.clk.Now(),
	})
	if err != nil {
		e.log.Error("crashed job left in progress", logx.JobID(job.ID), logx.Err(err))
		return
	}
	if applied {
		e.recordFailure(ctx, job, to, reason)
	}
}

// recordFailure logs and announces a one-shot job failed outside its executor.
func (e *Engine) recordFailure(ctx context.Context, j storage.Job, to storage.Status, reason string) {
	e.log.Warn("job failed", logx.JobID(j.ID), logx.Kind(string(j.Kind)), logx.String("reason", reason))
	_ = e.store.AppendActivity(ctx, storage.ActivityEntry{
		At: e.clk.Now(), UserRef: j.UserRef, AccountRef: j.AccountRef,
		Action: string(j.Kind), Target: j.Target, Status: string(to), Details: reason,
	})
	if e.bus != nil {
		e.bus.Publish(eventbus.Event{Type: EventJobFinished, Time: e.clk.Now(), Data: JobEvent{
			JobID: j.ID, Kind: string(j.Kind), UserRef: j.UserRef, AccountRef: j.AccountRef,
			Status: string(to), Total: len(j.Items), Error: reason,
		}})
	}
}

// launch claims a pending one-shot job and runs it.
func (e *Engine) launch(job storage.Job) (*supervisor.Task, error) {
	from := sources(job.Kind, TriggerDispatch)
	to, _ := Next(job.Kind, storage.StatusPending, TriggerDispatch)
	return e.spawn(job, time.Time{}, func(ctx context.Context) (bool, error) {
		ok, err := e.store.SetStatus(ctx, storage.Transition{JobID: job.ID, From: from, To: to, At: e.clk.Now()})
		if ok {
			job.Status = to
		}
		return ok, err
	})
}

// interval is the distance between dispatches of a recurring job.
func interval(job storage.Job) time.Duration {
	if job.Kind == storage.KindComment {
		return job.CommentInterval()
	}
	return job.Cadence
}

// Dispatch runs a due recurring job. The due time is moved to now+cadence
// before the run starts, so a slow run does not delay the next cycle. A job
// that is still running is skipped with ErrAlreadyRunning.
func (e *Engine) Dispatch(ctx context.Context, job storage.Job) (*supervisor.Task, error) {
	if !job.Kind.Recurring() {
		return nil, errors.Wrapf(ErrInvalidJob, "job %s is not recurring", job.ID)
	}
	if _, ok := Next(job.Kind, job.Status, TriggerDispatch); !ok {
		return nil, errors.Wrapf(ErrInvalidTransition, "job %s is %s", job.ID, job.Status)
	}
	now := e.clk.Now()
	next := now.Add(interval(job))
	expect := job.NextDue
	return e.spawn(job, next, func(ctx context.Context) (bool, error) {
		return e.store.ClaimDue(ctx, job.ID, expect, next, e.clk.Now())
	})
}

// OneShotRequest submits an invite, parse or manual broadcast job.
type OneShotRequest struct {
	Kind       storage.Kind
	AccountRef string
	UserRef    int64
	Items      []string
	// Target is the group invitees are added to.
	Target string
	// Message is the text of a manual broadcast.
	Message string
}

// RecurringRequest submits a broadcast or comment job.
type RecurringRequest struct {
	Kind       storage.Kind
	AccountRef string
	UserRef    int64
	Items      []string
	// Cadence is the broadcast interval.
	Cadence time.Duration
	// CommentsPerDay spreads comment passes over a day.
	CommentsPerDay int
	// Message is the broadcast text or the comment template.
	Message string
}

func cleanItems(items []string) []string {
	out := make([]string, 0, len(items))
	for _, it := range items {
		if it = strings.TrimSpace(it); it != "" {
			out = append(out, it)
		}
	}
	return out
}

func (e *Engine) checkAccount(ctx context.Context, ref string) error {
	if strings.TrimSpace(ref) == "" {
		return errors.Wrap(ErrInvalidJob, "account is required")
	}
	a, err := e.store.LoadAccount(ctx, ref)
	if errors.Is(err, storage.ErrNotFound) {
		return errors.Wrapf(ErrInvalidJob, "unknown account %s", ref)
	}
	if err != nil {
		return err
	}
	if a.Impaired {
		return errors.WithHint(errors.Wrapf(ErrSessionImpaired, "account %s", ref), a.ImpairedReason)
	}
	return nil
}

// SubmitOneShotJob persists a pending one-shot job and starts it at once.
func (e *Engine) SubmitOneShotJob(ctx context.Context, req OneShotRequest) (string, error) {
	switch req.Kind {
	case storage.KindInvite:
		if strings.TrimSpace(req.Target) == "" {
			return "", errors.Wrap(ErrInvalidJob, "invite job needs a target group")
		}
	case storage.KindManualBroadcast:
		if strings.TrimSpace(req.Message) == "" {
			return "", errors.Wrap(ErrInvalidJob, "broadcast needs a message")
		}
		if len(cleanItems(req.Items)) == 0 {
			return "", errors.Wrap(ErrInvalidJob, "broadcast needs at least one group")
		}
	case storage.KindParse:
	default:
		return "", errors.Wrapf(ErrInvalidJob, "kind %q is not a one-shot kind", req.Kind)
	}
	if e.supervisor() == nil {
		return "", ErrStopped
	}
	if err := e.checkAccount(ctx, req.AccountRef); err != nil {
		return "", err
	}
	now := e.clk.Now()
	job := storage.Job{
		ID:         e.newID(),
		Kind:       req.Kind,
		UserRef:    req.UserRef,
		AccountRef: req.AccountRef,
		Target:     strings.TrimSpace(req.Target),
		Message:    req.Message,
		Items:      cleanItems(req.Items),
		Status:     storage.StatusPending,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := e.store.CreateJob(ctx, job); err != nil {
		return "", errors.Wrap(err, "create job")
	}
	if _, err := e.launch(job); err != nil {
		return job.ID, errors.Wrap(err, "launch job")
	}
	e.log.Info("one-shot job submitted", logx.JobID(job.ID), logx.Kind(string(job.Kind)), logx.Int("items", len(job.Items)))
	return job.ID, nil
}

// SubmitRecurringJob persists an active broadcast or comment job. It becomes
// due at once and is picked up by the scheduler.
func (e *Engine) SubmitRecurringJob(ctx context.Context, req RecurringRequest) (string, error) {
	cfg := e.config()
	items := cleanItems(req.Items)
	if len(items) == 0 {
		return "", errors.Wrap(ErrInvalidJob, "recurring job needs at least one group or channel")
	}
	job := storage.Job{
		Kind:       req.Kind,
		UserRef:    req.UserRef,
		AccountRef: req.AccountRef,
		Items:      items,
		Message:    req.Message,
		Status:     storage.StatusActive,
	}
	switch req.Kind {
	case storage.KindBroadcast:
		if strings.TrimSpace(req.Message) == "" {
			return "", errors.Wrap(ErrInvalidJob, "broadcast needs a message")
		}
		if req.Cadence < cfg.MinCadence || req.Cadence > cfg.MaxCadence {
			return "", errors.WithHintf(errors.Wrapf(ErrInvalidJob, "cadence %s out of range", req.Cadence),
				"cadence must be between %s and %s", cfg.MinCadence, cfg.MaxCadence)
		}
		job.Cadence = req.Cadence
	case storage.KindComment:
		if req.CommentsPerDay <= 0 {
			return "", errors.Wrap(ErrInvalidJob, "comments per day must be positive")
		}
		job.CommentsPerDay = req.CommentsPerDay
		job.Cadence = job.CommentInterval()
	default:
		return "", errors.Wrapf(ErrInvalidJob, "kind %q is not a recurring kind", req.Kind)
	}
	if err := e.checkAccount(ctx, req.AccountRef); err != nil {
		return "", err
	}
	now := e.clk.Now()
	job.ID = e.newID()
	job.NextDue = now
	job.CreatedAt = now
	job.UpdatedAt = now
	if err := e.store.CreateJob(ctx, job); err != nil {
		return "", errors.Wrap(err, "create job")
	}
	e.log.Info("recurring job submitted", logx.JobID(job.ID), logx.Kind(string(job.Kind)), logx.Duration("cadence", job.Cadence))
	return job.ID, nil
}

func (e *Engine) load(ctx context.Context, id string) (storage.Job, error) {
	j, err := e.store.LoadJob(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		return j, errors.Wrapf(ErrJobNotFound, "job %s", id)
	}
	return j, err
}

// transition applies trigger with compare-and-update, reloading once per
// lost race. A job already where trigger leads is left untouched.
func (e *Engine) transition(ctx context.Context, id string, trigger Trigger, reason string, nextDue func(storage.Job) time.Time) (storage.Job, bool, error) {
	for attempt := 0; attempt < 3; attempt++ {
		j, err := e.load(ctx, id)
		if err != nil {
			return j, false, err
		}
		if settled(j.Kind, j.Status, trigger) {
			return j, false, nil
		}
		to, ok := Next(j.Kind, j.Status, trigger)
		if !ok {
			return j, false, errors.Wrapf(ErrInvalidTransition, "%s job %s is %s", trigger, id, j.Status)
		}
		t := storage.Transition{JobID: id, From: []storage.Status{j.Status}, To: to, Error: reason, At: e.clk.Now()}
		if nextDue != nil {
			t.NextDue = nextDue(j)
		}
		applied, err := e.store.SetStatus(ctx, t)
		if err != nil {
			return j, false, err
		}
		if applied {
			j.Status = to
			j.Error = reason
			return j, true, nil
		}
	}
	return storage.Job{}, false, errors.Wrapf(ErrInvalidTransition, "%s job %s: status keeps changing", trigger, id)
}

// PauseJob pauses a recurring job. Pausing a paused job is a no-op.
func (e *Engine) PauseJob(ctx context.Context, id string) error {
	j, changed, err := e.transition(ctx, id, TriggerPause, "", nil)
	if err != nil {
		return err
	}
	if changed {
		e.log.Info("job paused", logx.JobID(id), logx.Kind(string(j.Kind)))
	}
	return nil
}

// ResumeJob reactivates a paused recurring job; it is next due one cadence
// from now.
func (e *Engine) ResumeJob(ctx context.Context, id string) error {
	now := e.clk.Now()
	j, changed, err := e.transition(ctx, id, TriggerResume, "", func(j storage.Job) time.Time {
		return now.Add(interval(j))
	})
	if err != nil {
		return err
	}
	if changed {
		e.log.Info("job resumed", logx.JobID(id), logx.Kind(string(j.Kind)))
	}
	return nil
}

// StopJob stops a job. A running executor is cancelled cooperatively and
// finalizes its partial progress; a recurring job is also paused. Stopping a
// finished one-shot job is a no-op.
func (e *Engine) StopJob(ctx context.Context, id string) error {
	j, err := e.load(ctx, id)
	if err != nil {
		return err
	}
	cancelled := false
	if sup := e.supervisor(); sup != nil {
		cancelled = sup.CancelTask(taskKey(id))
	}
	if !j.Kind.Recurring() && j.Status == storage.StatusInProgress && cancelled {
		// The executor writes the terminal status itself.
		e.log.Info("job stop requested", logx.JobID(id))
		return nil
	}
	_, changed, err := e.transition(ctx, id, TriggerStop, ReasonStopped, nil)
	if err != nil {
		return err
	}
	if changed || cancelled {
		e.log.Info("job stopped", logx.JobID(id), logx.Bool("cancelled_run", cancelled))
	}
	return nil
}

// DeleteJob removes a job of userRef together with its parsed members. A
// running executor is cancelled and awaited first. A job owned by another
// user reads as missing.
func (e *Engine) DeleteJob(ctx context.Context, userRef int64, id string) error {
	j, err := e.load(ctx, id)
	if err != nil {
		return err
	}
	if j.UserRef != userRef {
		return errors.Wrapf(ErrJobNotFound, "job %s", id)
	}
	if sup := e.supervisor(); sup != nil {
		if t, ok := sup.Lookup(taskKey(id)); ok {
			t.Cancel()
			select {
			case <-t.Done():
			case <-ctx.Done():
				return errors.Wrapf(ctx.Err(), "wait for job %s to stop", id)
			}
		}
	}
	deleted, err := e.store.DeleteJob(ctx, id)
	if err != nil {
		return errors.Wrap(err, "delete job")
	}
	if !deleted {
		return errors.Wrapf(ErrJobNotFound, "job %s", id)
	}
	e.tracker.Forget(id)
	e.log.Info("job deleted", logx.JobID(id), logx.Kind(string(j.Kind)))
	return nil
}

// QueryProgress returns the live progress of jobID.
func (e *Engine) QueryProgress(jobID string) (progress.Snapshot, bool) {
	return e.tracker.Lookup(jobID)
}

// UserProgress returns the live progress of every tracked job of userRef.
func (e *Engine) UserProgress(userRef int64) []progress.Snapshot {
	return e.tracker.ForUser(userRef)
}

// ListJobs returns every job of userRef, newest first.
func (e *Engine) ListJobs(ctx context.Context, userRef int64) ([]storage.Job, error) {
	return e.store.ListJobs(ctx, userRef)
}

// ListActivity returns the latest activity entries of userRef, newest first.
func (e *Engine) ListActivity(ctx context.Context, userRef int64, limit int) ([]storage.ActivityEntry, error) {
	return e.store.ListActivity(ctx, userRef, limit)
}

// ListMembers returns the members collected by a parse job of userRef.
func (e *Engine) ListMembers(ctx context.Context, userRef int64, id string) ([]storage.Member, error) {
	j, err := e.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if j.UserRef != userRef {
		return nil, errors.Wrapf(ErrJobNotFound, "job %s", id)
	}
	if j.Kind != storage.KindParse {
		return nil, errors.Wrapf(ErrInvalidJob, "job %s is a %s job", id, j.Kind)
	}
	return e.store.ListMembers(ctx, id)
}

// KindStats counts the jobs of one kind.
type KindStats struct {
	Total     int   `json:"total"`
	Active    int   `json:"active"`
	Succeeded int64 `json:"succeeded"`
	Failed    int64 `json:"failed"`
}

// Stats summarizes the jobs of one user.
type Stats struct {
	UserRef int64                      `json:"user"`
	Jobs    int                        `json:"jobs"`
	ByKind  map[storage.Kind]KindStats `json:"by_kind"`
}

// Stats aggregates the jobs of userRef per kind. Active counts recurring jobs
// that are active and one-shot jobs that are pending or in progress.
func (e *Engine) Stats(ctx context.Context, userRef int64) (Stats, error) {
	jobs, err := e.store.ListJobs(ctx, userRef)
	if err != nil {
		return Stats{}, err
	}
	st := Stats{UserRef: userRef, Jobs: len(jobs), ByKind: map[storage.Kind]KindStats{}}
	for _, j := range jobs {
		k := st.ByKind[j.Kind]
		k.Total++
		switch j.Status {
		case storage.StatusActive, storage.StatusPending, storage.StatusInProgress:
			k.Active++
		}
		k.Succeeded += j.Succeeded
		k.Failed += j.Failed
		st.ByKind[j.Kind] = k
	}
	return st, nil
}

// RecoverInterrupted fails one-shot jobs left in progress by a previous
// process. Jobs running here are left alone.
func (e *Engine) RecoverInterrupted(ctx context.Context) (int, error) {
	jobs, err := e.store.ListByStatus(ctx, storage.StatusInProgress)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, j := range jobs {
		if e.Running(j.ID) {
			continue
		}
		to, ok := Next(j.Kind, j.Status, TriggerRecover)
		if !ok {
			continue
		}
		applied, err := e.store.SetStatus(ctx, storage.Transition{
			JobID: j.ID,
			From:  []storage.Status{storage.StatusInProgress},
			To:    to,
			Error: ReasonInterrupted,
			At:    e.clk.Now(),
		})
		if err != nil {
			return n, err
		}
		if !applied {
			continue
		}
		n++
		e.recordFailure(ctx, j, to, ReasonInterrupted)
	}
	return n, nil
}
