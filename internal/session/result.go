package session

import (
	"fmt"
	"time"

	"github.com/cockroachdb/errors"
)

// Class is the executor-facing classification of one action.
type Class uint8

const (
	// Success: the action took effect.
	Success Class = iota
	// ItemPermanentFailure: this item can never succeed (privacy, not found, banned user).
	ItemPermanentFailure
	// ItemAlreadySatisfied: nothing to do (user already a member).
	ItemAlreadySatisfied
	// SessionTemporaryBlock: the platform asked the session to cool down.
	SessionTemporaryBlock
	// SessionFatal: the session is unauthorized or banned.
	SessionFatal
)

func (c Class) String() string {
	switch c {
	case Success:
		return "success"
	case ItemPermanentFailure:
		return "item_permanent_failure"
	case ItemAlreadySatisfied:
		return "item_already_satisfied"
	case SessionTemporaryBlock:
		return "session_temporary_block"
	case SessionFatal:
		return "session_fatal"
	default:
		return fmt.Sprintf("class(%d)", uint8(c))
	}
}

// Result is the outcome of one adapter call. Wait is set only for
// SessionTemporaryBlock; zero means the platform gave no duration.
type Result struct {
	Class  Class
	Wait   time.Duration
	Reason string
	Cause  error
}

func OK() Result { return Result{Class: Success} }

func Failed(reason string, cause error) Result {
	return Result{Class: ItemPermanentFailure, Reason: reason, Cause: cause}
}

func Satisfied(reason string) Result {
	return Result{Class: ItemAlreadySatisfied, Reason: reason}
}

func Blocked(wait time.Duration, reason string) Result {
	return Result{Class: SessionTemporaryBlock, Wait: wait, Reason: reason}
}

func Fatal(reason string, cause error) Result {
	return Result{Class: SessionFatal, Reason: reason, Cause: cause}
}

func (r Result) OK() bool { return r.Class == Success }

func (r Result) String() string {
	s := r.Class.String()
	if r.Reason != "" {
		s += ": " + r.Reason
	}
	if r.Wait > 0 {
		s += fmt.Sprintf(" (wait %s)", r.Wait)
	}
	return s
}

// Error taxonomy. Result.Err maps a Result onto these so that a job's final
// reason can be inspected with errors.Is / errors.As.
var (
	// ErrItemFailed marks an item-level failure; the job continues.
	ErrItemFailed = errors.New("session: item failed")
	// ErrImpaired marks a lost or banned session; the job aborts.
	ErrImpaired = errors.New("session: impaired")
)

// ThrottledError carries a platform-declared wait.
type ThrottledError struct {
	Wait   time.Duration
	Reason string
}

func (e *ThrottledError) Error() string {
	if e.Wait <= 0 {
		return "session: throttled: " + e.Reason
	}
	return fmt.Sprintf("session: throttled for %s: %s", e.Wait, e.Reason)
}

// Err returns nil for Success and ItemAlreadySatisfied.
func (r Result) Err() error {
	switch r.Class {
	case ItemPermanentFailure:
		return errors.Wrap(withCause(ErrItemFailed, r.Cause), r.Reason)
	case SessionTemporaryBlock:
		return &ThrottledError{Wait: r.Wait, Reason: r.Reason}
	case SessionFatal:
		return errors.Wrap(withCause(ErrImpaired, r.Cause), r.Reason)
	default:
		return nil
	}
}

func withCause(sentinel, cause error) error {
	if cause == nil {
		return sentinel
	}
	return errors.Mark(errors.Wrap(cause, sentinel.Error()), sentinel)
}
