package engine

import (
	"time"

	"tgninja/internal/session"
)

type verdict uint8

const (
	verdictSucceeded verdict = iota
	verdictFailed
	verdictSatisfied
	// verdictRetry: sleep wait, then repeat the same item.
	verdictRetry
	// verdictAbort: the session is gone; stop the job.
	verdictAbort
)

func (v verdict) String() string {
	switch v {
	case verdictSucceeded:
		return "succeeded"
	case verdictFailed:
		return "failed"
	case verdictSatisfied:
		return "satisfied"
	case verdictRetry:
		return "retry"
	case verdictAbort:
		return "abort"
	default:
		return "unknown"
	}
}

type step struct {
	verdict verdict
	wait    time.Duration
}

// decide maps one classified result to the executor's next step. A temporary
// block is retried exactly once per item; a second one fails the item.
// cooldown replaces a block that carries no wait.
func decide(res session.Result, retried bool, cooldown time.Duration) step {
	switch res.Class {
	case session.Success:
		return step{verdict: verdictSucceeded}
	case session.ItemAlreadySatisfied:
		return step{verdict: verdictSatisfied}
	case session.SessionTemporaryBlock:
		if retried {
			return step{verdict: verdictFailed}
		}
		wait := res.Wait
		if wait <= 0 {
			wait = cooldown
		}
		return step{verdict: verdictRetry, wait: wait}
	case session.SessionFatal:
		return step{verdict: verdictAbort}
	default:
		return step{verdict: verdictFailed}
	}
}
