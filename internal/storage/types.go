package storage

import (
	"time"

	"github.com/cockroachdb/errors"
)

var (
	// ErrNotFound is returned by loads of a missing job or account.
	ErrNotFound = errors.New("storage: not found")
	// ErrInvalid is returned for records that violate store invariants.
	ErrInvalid = errors.New("storage: invalid record")
)

// StoreError marks a failure of the persistence layer itself (I/O, locks,
// driver). Callers treat it as retryable.
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string { return "storage: " + e.Op + ": " + e.Err.Error() }
func (e *StoreError) Unwrap() error { return e.Err }

func wrapErr(op string, err error) error {
	if err == nil {
		return nil
	}
	return &StoreError{Op: op, Err: err}
}

// IsRetryable reports whether err came from the persistence layer rather
// than from the request.
func IsRetryable(err error) bool {
	var se *StoreError
	return errors.As(err, &se)
}

// Kind is the job kind.
type Kind string

const (
	KindInvite    Kind = "invite"
	KindBroadcast Kind = "broadcast"
	KindComment   Kind = "comment"
	KindParse     Kind = "parse"
	// KindManualBroadcast sends one message to each group once.
	KindManualBroadcast Kind = "manual_broadcast"
)

// Recurring reports whether jobs of this kind are driven by the scheduler.
func (k Kind) Recurring() bool { return k == KindBroadcast || k == KindComment }

func (k Kind) Valid() bool {
	switch k {
	case KindInvite, KindBroadcast, KindComment, KindParse, KindManualBroadcast:
		return true
	}
	return false
}

// Status is the persisted job state. One-shot jobs use pending, in-progress,
// completed and failed; recurring jobs use active and paused.
type Status string

const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusActive     Status = "active"
	StatusPaused     Status = "paused"
)

func (s Status) Terminal() bool { return s == StatusCompleted || s == StatusFailed }

// Job is one persisted unit of automation intent.
type Job struct {
	ID         string
	Kind       Kind
	UserRef    int64
	AccountRef string

	// Target is the destination group of an invite job.
	Target string
	// Message is the text of a broadcast job.
	Message string
	// Items are usernames (invite), groups (broadcasts, parse) or channels (comment).
	Items []string

	Cadence        time.Duration
	CommentsPerDay int

	Status    Status
	Succeeded int64
	Failed    int64
	Error     string

	NextDue       time.Time
	LastCommentAt time.Time
	LastRunAt     time.Time
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// CommentInterval spaces comment passes over a day.
func (j Job) CommentInterval() time.Duration {
	if j.CommentsPerDay <= 0 {
		return 24 * time.Hour
	}
	return 24 * time.Hour / time.Duration(j.CommentsPerDay)
}

// Due reports whether a recurring job may be dispatched at now.
func (j Job) Due(now time.Time) bool {
	if j.Status != StatusActive {
		return false
	}
	switch j.Kind {
	case KindBroadcast:
		return !j.NextDue.After(now)
	case KindComment:
		if j.LastCommentAt.IsZero() {
			return true
		}
		return now.Sub(j.LastCommentAt) >= j.CommentInterval()
	default:
		return false
	}
}

// Outcome is the fully computed result of an attempt, persisted in one write.
// Zero fields leave the stored value unchanged.
type Outcome struct {
	JobID          string
	SucceededDelta int64
	FailedDelta    int64
	Status         Status
	Error          string
	NextDue        time.Time
	LastCommentAt  time.Time
	At             time.Time
}

// Merge folds a later outcome into o. Deltas add; later status and times win.
func (o Outcome) Merge(later Outcome) Outcome {
	o.SucceededDelta += later.SucceededDelta
	o.FailedDelta += later.FailedDelta
	if later.Status != "" {
		o.Status = later.Status
		o.Error = later.Error
	}
	if !later.NextDue.IsZero() {
		o.NextDue = later.NextDue
	}
	if !later.LastCommentAt.IsZero() {
		o.LastCommentAt = later.LastCommentAt
	}
	if !later.At.IsZero() {
		o.At = later.At
	}
	return o
}

func (o Outcome) Empty() bool {
	return o.SucceededDelta == 0 && o.FailedDelta == 0 && o.Status == "" &&
		o.NextDue.IsZero() && o.LastCommentAt.IsZero()
}

// Transition is a compare-and-update of a job status. It applies only when
// the stored status is one of From.
type Transition struct {
	JobID   string
	From    []Status
	To      Status
	Error   string
	NextDue time.Time
	At      time.Time
}

// Account is one borrowed platform session.
type Account struct {
	Ref     string
	UserRef int64
	Label   string
	// Credential is the encrypted session token.
	Credential string

	Impaired       bool
	ImpairedReason string
	ImpairedAt     time.Time
	CreatedAt      time.Time
}

// Member is one scraped group member.
type Member struct {
	ID        int64
	Username  string
	FirstName string
	LastName  string
	// Group is filled on reads with the group the member was parsed from.
	Group string
}

func (m Member) key() string {
	if m.ID != 0 {
		return "id:" + itoa(m.ID)
	}
	return "u:" + m.Username
}

// ActivityEntry is one line of the per-user activity log.
type ActivityEntry struct {
	ID         int64
	At         time.Time
	UserRef    int64
	AccountRef string
	Action     string
	Target     string
	Status     string
	Details    string
}

// Config configures storage.
//
// Driver values:
//   - "sqlite": SQLite database file (default)
//   - "memory": process-local, lost on exit
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration
}
