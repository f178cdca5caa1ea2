package engine

import (
	"context"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/cockroachdb/errors"

	"tgninja/internal/eventbus"
	"tgninja/internal/session"
	"tgninja/internal/storage"
	"tgninja/internal/task/governor"
	"tgninja/internal/task/progress"
	"tgninja/pkg/clock"
	"tgninja/pkg/logx"
)

// Sessions runs one action against an account's session. *session.Pool
// implements it.
type Sessions interface {
	Do(ctx context.Context, accountRef string, fn func(ctx context.Context, a session.Adapter) session.Result) session.Result
}

// Admitter paces actions. *governor.Governor implements it.
type Admitter interface {
	Admit(ctx context.Context, session string, a governor.Action) error
}

// Composer writes comment text and never fails. *generate.Composer implements it.
type Composer interface {
	Compose(ctx context.Context, post, channel, template string) (text string, generated bool)
}

// Deps are the collaborators of the executor and the engine.
type Deps struct {
	Store    storage.Store
	Sessions Sessions
	Governor Admitter
	Tracker  *progress.Tracker
	Composer Composer
	Clock    clock.Clock
	Bus      eventbus.Bus
	Log      logx.Logger
	// Rand drives comment post picking and retry jitter. Nil seeds from time.
	Rand *rand.Rand
}

// Executor runs one job to the end of its work items. Items are processed
// strictly in order; cancellation is observed between items only.
type Executor struct {
	store    storage.Store
	sessions Sessions
	gov      Admitter
	tracker  *progress.Tracker
	composer Composer
	clk      clock.Clock
	bus      eventbus.Bus
	log      logx.Logger

	mu  sync.Mutex
	cfg Config
	rng *rand.Rand

	// interrupted reports whether a cancellation comes from process shutdown
	// rather than from a stop command.
	interrupted func() bool
}

func NewExecutor(cfg Config, d Deps) *Executor {
	if d.Clock == nil {
		d.Clock = clock.Real{}
	}
	if d.Log.IsZero() {
		d.Log = logx.Nop()
	}
	if d.Tracker == nil {
		d.Tracker = progress.NewTracker(time.Hour, d.Clock)
	}
	if d.Rand == nil {
		d.Rand = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	return &Executor{
		store:       d.Store,
		sessions:    d.Sessions,
		gov:         d.Governor,
		tracker:     d.Tracker,
		composer:    d.Composer,
		clk:         d.Clock,
		bus:         d.Bus,
		log:         d.Log.With(logx.Component("executor")),
		cfg:         cfg.withDefaults(),
		rng:         d.Rand,
		interrupted: func() bool { return false },
	}
}

// Apply swaps the execution settings. Running jobs pick them up on their next item.
func (x *Executor) Apply(cfg Config) {
	x.mu.Lock()
	x.cfg = cfg.withDefaults()
	x.mu.Unlock()
}

func (x *Executor) config() Config {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.cfg
}

func (x *Executor) float() float64 {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.rng.Float64()
}

func (x *Executor) backoff(attempt int) time.Duration {
	p := x.config().StoreRetry
	x.mu.Lock()
	defer x.mu.Unlock()
	return backoffDelay(p, attempt, x.rng)
}

// retry runs a durable write until it succeeds, fails for a non-store
// reason, or exhausts the retry policy. Cancellation of ctx does not abort
// it: a computed outcome must not be dropped because the job was stopped.
func (x *Executor) retry(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	ctx = context.WithoutCancel(ctx)
	p := x.config().StoreRetry
	var err error
	for attempt := 1; attempt <= p.Attempts; attempt++ {
		if err = fn(ctx); err == nil {
			return nil
		}
		if !storage.IsRetryable(err) {
			return err
		}
		if attempt == p.Attempts {
			break
		}
		d := x.backoff(attempt)
		x.log.Warn("store write failed, retrying", logx.String("op", op), logx.Int("attempt", attempt), logx.Duration("delay", d), logx.Err(err))
		_ = x.clk.Sleep(ctx, d)
	}
	return errors.Wrapf(err, "%s: %d attempts", op, p.Attempts)
}

func (x *Executor) publish(typ string, data any) {
	if x.bus != nil {
		x.bus.Publish(eventbus.Event{Type: typ, Time: x.clk.Now(), Data: data})
	}
}

// Run executes job. nextDue is written with every outcome of a recurring
// job and ignored for one-shot jobs, whose final status is written instead.
func (x *Executor) Run(ctx context.Context, job storage.Job, nextDue time.Time) Summary {
	r := &run{
		x:       x,
		cfg:     x.config(),
		job:     job,
		nextDue: nextDue,
		log:     x.log.With(logx.JobID(job.ID), logx.Kind(string(job.Kind)), logx.Account(job.AccountRef)),
	}
	total := len(job.Items)
	if job.Kind == storage.KindComment {
		total = 0
	}
	r.sum.Total = total
	w, err := x.tracker.Start(job.UserRef, job.ID, string(job.Kind), total)
	if err != nil {
		r.log.Warn("progress not tracked", logx.Err(err))
	}
	r.w = w

	defer func() {
		if p := recover(); p != nil {
			r.w.Finish(progress.Failed, fmt.Sprintf("crashed: %v", p))
			panic(p)
		}
	}()

	r.log.Info("job run started", logx.Int("items", len(job.Items)))
	x.publish(EventJobStarted, r.event(job.Status))

	switch job.Kind {
	case storage.KindInvite:
		r.invite(ctx)
	case storage.KindBroadcast, storage.KindManualBroadcast:
		r.broadcast(ctx)
	case storage.KindComment:
		r.comment(ctx)
	case storage.KindParse:
		r.parse(ctx)
	default:
		r.sum.Reason = fmt.Sprintf("unknown job kind %q", job.Kind)
	}
	return r.finish(ctx)
}

type run struct {
	x       *Executor
	cfg     Config
	job     storage.Job
	nextDue time.Time
	w       *progress.Writer
	log     logx.Logger
	sum     Summary

	// pending is the outcome of one-shot jobs accumulated until the end.
	pending storage.Outcome
	// unsaved holds outcomes whose write failed; they are folded into the next write.
	unsaved       storage.Outcome
	lastCommentAt time.Time
}

// stopped checks for cancellation between items.
func (r *run) stopped(ctx context.Context) bool {
	if ctx.Err() == nil {
		return false
	}
	r.sum.Stopped = true
	return true
}

type actionFunc func(ctx context.Context, a session.Adapter) session.Result

// perform admits, acts and classifies one item, retrying once after a
// temporary block. acted is false when cancellation came before the item got
// a final result, in which case the item is not counted: a stop during the
// throttle wait leaves the item for a later run instead of failing it.
func (r *run) perform(ctx context.Context, item string, act governor.Action, fn actionFunc) (res session.Result, v verdict, acted bool) {
	retried := false
	for {
		if err := r.x.gov.Admit(ctx, r.job.AccountRef, act); err != nil {
			return res, verdictFailed, false
		}
		// A started action is never interrupted.
		res = r.x.sessions.Do(context.WithoutCancel(ctx), r.job.AccountRef, fn)
		st := decide(res, retried, r.cfg.PeerFloodCooldown)
		r.log.Debug("item outcome", logx.Item(item), logx.String("result", res.String()), logx.String("verdict", st.verdict.String()))
		if st.verdict != verdictRetry {
			return res, st.verdict, true
		}
		r.log.Warn("session throttled, retrying item once", logx.Item(item), logx.Duration("wait", st.wait), logx.String("reason", res.Reason))
		if err := r.x.clk.Sleep(ctx, st.wait); err != nil {
			return res, verdictFailed, false
		}
		retried = true
	}
}

// count records a processed item and returns its delta.
func (r *run) count(v verdict) storage.Outcome {
	r.sum.Processed++
	switch v {
	case verdictSucceeded:
		r.sum.Succeeded++
		r.w.Succeeded()
		return storage.Outcome{SucceededDelta: 1}
	case verdictSatisfied:
		r.sum.Satisfied++
		r.w.Satisfied()
		return storage.Outcome{}
	default:
		r.sum.Failed++
		r.w.Failed()
		return storage.Outcome{FailedDelta: 1}
	}
}

// impair marks the account durably and records why the job aborts.
func (r *run) impair(ctx context.Context, res session.Result) {
	r.sum.Impaired = true
	r.sum.Reason = "session impaired: " + res.Reason
	now := r.x.clk.Now()
	r.log.Warn("session impaired, aborting job", logx.String("reason", res.Reason), logx.Err(res.Err()))

	err := r.x.retry(ctx, "mark impaired", func(ctx context.Context) error {
		return r.x.store.MarkImpaired(ctx, r.job.AccountRef, res.Reason, now)
	})
	if err != nil {
		r.log.Error("could not mark account impaired", logx.Err(err))
	}
	r.activity(ctx, storage.ActivityEntry{
		Action:  "session_impaired",
		Target:  r.job.AccountRef,
		Status:  "impaired",
		Details: res.Reason,
	})
	r.x.publish(EventAccountImpaired, ImpairedEvent{
		AccountRef: r.job.AccountRef,
		UserRef:    r.job.UserRef,
		JobID:      r.job.ID,
		Reason:     res.Reason,
	})
}

// persist writes o together with anything left unsaved by earlier failures.
func (r *run) persist(ctx context.Context, o storage.Outcome) {
	if o.At.IsZero() {
		o.At = r.x.clk.Now()
	}
	out := r.unsaved.Merge(o)
	out.JobID = r.job.ID
	if out.Empty() {
		return
	}
	err := r.x.retry(ctx, "save outcome", func(ctx context.Context) error {
		return r.x.store.SaveOutcome(ctx, out)
	})
	if err != nil {
		r.unsaved = out
		r.sum.PersistErr = err
		r.log.Error("outcome not persisted, carrying it to the next write", logx.Err(err),
			logx.Int64("succeeded_delta", out.SucceededDelta), logx.Int64("failed_delta", out.FailedDelta))
		return
	}
	r.unsaved = storage.Outcome{}
	r.sum.PersistErr = nil
}

func (r *run) activity(ctx context.Context, e storage.ActivityEntry) {
	e.At = r.x.clk.Now()
	e.UserRef = r.job.UserRef
	e.AccountRef = r.job.AccountRef
	err := r.x.retry(ctx, "append activity", func(ctx context.Context) error {
		return r.x.store.AppendActivity(ctx, e)
	})
	if err != nil {
		r.log.Warn("activity entry dropped", logx.Err(err))
	}
}

func (r *run) finish(ctx context.Context) Summary {
	out := r.pending
	recurring := r.job.Kind.Recurring()
	state := progress.Completed
	status := r.job.Status

	if recurring {
		out.NextDue = r.nextDue
		out.LastCommentAt = r.lastCommentAt
		switch {
		case r.sum.Impaired:
			state = progress.Failed
		case r.sum.Stopped:
			state = progress.Stopped
			r.sum.Reason = ReasonStopped
		}
	} else {
		trigger := TriggerFinish
		switch {
		case r.sum.Impaired:
			trigger = TriggerAbort
			state = progress.Failed
		case r.sum.Stopped:
			trigger = TriggerStop
			state = progress.Stopped
			r.sum.Reason = ReasonStopped
			if r.x.interrupted() {
				r.sum.Reason = ReasonInterrupted
			}
		case r.sum.Reason != "":
			trigger = TriggerAbort
			state = progress.Failed
		}
		status, _ = Next(r.job.Kind, storage.StatusInProgress, trigger)
		out.Status = status
		out.Error = r.sum.Reason
	}
	r.persist(ctx, out)
	r.w.Finish(state, r.sum.Reason)

	lvl := r.log.Info
	if r.sum.Impaired || r.sum.PersistErr != nil {
		lvl = r.log.Warn
	}
	lvl("job run finished",
		logx.String("status", string(status)),
		logx.Int("processed", r.sum.Processed),
		logx.Int("succeeded", r.sum.Succeeded),
		logx.Int("failed", r.sum.Failed),
		logx.Int("satisfied", r.sum.Satisfied),
		logx.String("reason", r.sum.Reason))

	actStatus := string(status)
	if recurring {
		actStatus = "ok"
		if r.sum.Failed > 0 || r.sum.Impaired {
			actStatus = "partial"
		}
	}
	target := r.job.Target
	if target == "" {
		target = fmt.Sprintf("%d items", len(r.job.Items))
	}
	r.activity(ctx, storage.ActivityEntry{
		Action: string(r.job.Kind),
		Target: target,
		Status: actStatus,
		Details: fmt.Sprintf("processed=%d succeeded=%d failed=%d satisfied=%d %s",
			r.sum.Processed, r.sum.Succeeded, r.sum.Failed, r.sum.Satisfied, r.sum.Reason),
	})
	r.x.publish(EventJobFinished, r.event(status))
	return r.sum
}

func (r *run) event(status storage.Status) JobEvent {
	return JobEvent{
		JobID:      r.job.ID,
		Kind:       string(r.job.Kind),
		UserRef:    r.job.UserRef,
		AccountRef: r.job.AccountRef,
		Status:     string(status),
		Total:      r.sum.Total,
		Processed:  r.sum.Processed,
		Succeeded:  r.sum.Succeeded,
		Failed:     r.sum.Failed,
		Satisfied:  r.sum.Satisfied,
		Error:      r.sum.Reason,
		Recurring:  r.job.Kind.Recurring(),
	}
}

func (r *run) invite(ctx context.Context) {
	group := session.Group(r.job.Target)
	for _, item := range r.job.Items {
		if r.stopped(ctx) {
			return
		}
		r.w.Current(item)
		who := session.Identity(item)
		res, v, acted := r.perform(ctx, item, governor.Invite, func(ctx context.Context, a session.Adapter) session.Result {
			return a.InviteMember(ctx, group, who)
		})
		if !acted {
			r.sum.Stopped = true
			return
		}
		r.pending = r.pending.Merge(r.count(v))
		if v == verdictAbort {
			r.impair(ctx, res)
			return
		}
	}
}

// broadcast persists after every group; a broadcast has few items and each
// send is visible to others at once. A manual broadcast has no next due time.
func (r *run) broadcast(ctx context.Context) {
	for _, item := range r.job.Items {
		if r.stopped(ctx) {
			return
		}
		r.w.Current(item)
		group := session.Group(item)
		res, v, acted := r.perform(ctx, item, governor.Broadcast, func(ctx context.Context, a session.Adapter) session.Result {
			return a.SendMessage(ctx, group, r.job.Message)
		})
		if !acted {
			r.sum.Stopped = true
			return
		}
		d := r.count(v)
		d.NextDue = r.nextDue
		r.persist(ctx, d)
		if v == verdictAbort {
			r.impair(ctx, res)
			return
		}
	}
}

// parse pages through the members of every group. MaxMembers caps each
// group on its own.
func (r *run) parse(ctx context.Context) {
	limit := r.cfg.Parse.MaxMembers
	for _, item := range r.job.Items {
		if r.stopped(ctx) {
			return
		}
		r.w.Current(item)
		group := session.Group(item)
		cursor := session.Cursor(0)
		v := verdictSucceeded
		saved := 0
		for saved < limit {
			if r.stopped(ctx) {
				return
			}
			var page session.Page
			res, pv, acted := r.perform(ctx, item, governor.Read, func(ctx context.Context, a session.Adapter) session.Result {
				var res session.Result
				page, res = a.FetchMembers(ctx, group, cursor)
				return res
			})
			if !acted {
				r.sum.Stopped = true
				return
			}
			if pv == verdictAbort {
				r.pending = r.pending.Merge(r.count(pv))
				r.impair(ctx, res)
				return
			}
			if pv != verdictSucceeded {
				v = verdictFailed
				break
			}
			members := page.Members
			if len(members) > limit-saved {
				members = members[:limit-saved]
			}
			if len(members) > 0 {
				n, err := r.saveMembers(ctx, item, members)
				if err != nil {
					r.log.Error("members not persisted", logx.Item(item), logx.Err(err))
					v = verdictFailed
					break
				}
				saved += n
			}
			if page.Done || len(page.Members) == 0 {
				break
			}
			cursor = page.Next
		}
		r.pending = r.pending.Merge(r.count(v))
		r.log.Debug("group parsed", logx.Item(item), logx.Int("members_total", saved))
	}
}

func (r *run) saveMembers(ctx context.Context, group string, members []session.Member) (int, error) {
	rows := make([]storage.Member, 0, len(members))
	for _, m := range members {
		rows = append(rows, storage.Member{ID: m.ID, Username: m.Username, FirstName: m.FirstName, LastName: m.LastName})
	}
	var n int
	err := r.x.retry(ctx, "save members", func(ctx context.Context) error {
		var err error
		n, err = r.x.store.SaveMembers(ctx, r.job.ID, group, rows)
		return err
	})
	return n, err
}

type candidate struct {
	channel string
	post    session.Post
}

// comment runs one comment pass: read recent posts of every channel, pick
// qualifying posts, then comment on each pick.
func (r *run) comment(ctx context.Context) {
	cp := r.cfg.Comments
	var picks []candidate
	for _, ch := range r.job.Items {
		if len(picks) >= cp.MaxPerPass {
			break
		}
		if r.stopped(ctx) {
			return
		}
		r.w.Current(ch)
		channel := session.Group(ch)
		var posts []session.Post
		res, v, acted := r.perform(ctx, ch, governor.Read, func(ctx context.Context, a session.Adapter) session.Result {
			var res session.Result
			posts, res = a.RecentPosts(ctx, channel, cp.RecentPosts)
			return res
		})
		if !acted {
			r.sum.Stopped = true
			return
		}
		if v == verdictAbort {
			r.impair(ctx, res)
			return
		}
		if v != verdictSucceeded {
			r.log.Debug("channel skipped", logx.Item(ch), logx.String("result", res.String()))
			continue
		}
		now := r.x.clk.Now()
		for _, p := range posts {
			if len(picks) >= cp.MaxPerPass {
				break
			}
			if qualifies(cp, p, now) && r.x.float() < cp.PickProbability {
				picks = append(picks, candidate{channel: ch, post: p})
			}
		}
	}

	r.sum.Total = len(picks)
	r.w.SetTotal(len(picks))
	template := r.job.Message
	if strings.TrimSpace(template) == "" {
		template = cp.Template
	}
	for _, c := range picks {
		if r.stopped(ctx) {
			return
		}
		item := fmt.Sprintf("%s/%d", c.channel, c.post.ID)
		r.w.Current(item)
		text, generated := r.x.composer.Compose(ctx, c.post.Text, c.channel, template)
		channel := session.Group(c.channel)
		replyTo := c.post.ID
		res, v, acted := r.perform(ctx, item, governor.Comment, func(ctx context.Context, a session.Adapter) session.Result {
			return a.PostComment(ctx, channel, text, replyTo)
		})
		if !acted {
			r.sum.Stopped = true
			return
		}
		r.pending = r.pending.Merge(r.count(v))
		if v == verdictSucceeded {
			r.lastCommentAt = r.x.clk.Now()
			r.log.Debug("comment posted", logx.Item(item), logx.Bool("generated", generated))
		}
		if v == verdictAbort {
			r.impair(ctx, res)
			return
		}
	}
}

// qualifies is the post filter of a comment pass, without the random pick.
func qualifies(cp CommentPolicy, p session.Post, now time.Time) bool {
	if p.At.IsZero() || now.Sub(p.At) >= cp.MaxPostAge {
		return false
	}
	if utf8.RuneCountInString(p.Text) < cp.MinPostLen {
		return false
	}
	lower := strings.ToLower(p.Text)
	for _, w := range cp.SpamWords {
		if w != "" && strings.Contains(lower, strings.ToLower(w)) {
			return false
		}
	}
	return true
}
