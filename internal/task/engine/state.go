package engine

import (
	"tgninja/internal/storage"
)

// Trigger is an input to the job state machine.
type Trigger uint8

const (
	// TriggerDispatch starts a one-shot run, or a recurring run that is due.
	TriggerDispatch Trigger = iota
	// TriggerFinish ends a one-shot run after every item was processed.
	TriggerFinish
	// TriggerAbort ends a one-shot run on a session-fatal result.
	TriggerAbort
	TriggerStop
	TriggerPause
	TriggerResume
	// TriggerRecover fails a one-shot run orphaned by a previous process.
	TriggerRecover
)

func (t Trigger) String() string {
	switch t {
	case TriggerDispatch:
		return "dispatch"
	case TriggerFinish:
		return "finish"
	case TriggerAbort:
		return "abort"
	case TriggerStop:
		return "stop"
	case TriggerPause:
		return "pause"
	case TriggerResume:
		return "resume"
	case TriggerRecover:
		return "recover"
	default:
		return "unknown"
	}
}

// Next is the job state machine. ok is false when trigger is not accepted in
// from; callers treat that as a rejected command, or as a no-op when from is
// already where the trigger would lead.
func Next(kind storage.Kind, from storage.Status, trigger Trigger) (to storage.Status, ok bool) {
	if kind.Recurring() {
		switch from {
		case storage.StatusActive:
			switch trigger {
			case TriggerDispatch:
				return storage.StatusActive, true
			case TriggerPause, TriggerStop:
				return storage.StatusPaused, true
			}
		case storage.StatusPaused:
			switch trigger {
			case TriggerResume:
				return storage.StatusActive, true
			}
		}
		return from, false
	}

	switch from {
	case storage.StatusPending:
		switch trigger {
		case TriggerDispatch:
			return storage.StatusInProgress, true
		case TriggerStop:
			return storage.StatusFailed, true
		}
	case storage.StatusInProgress:
		switch trigger {
		case TriggerFinish:
			return storage.StatusCompleted, true
		case TriggerAbort, TriggerStop, TriggerRecover:
			return storage.StatusFailed, true
		}
	}
	return from, false
}

// sources returns every status from which trigger leads somewhere for kind.
// It feeds the From set of compare-and-update transitions.
func sources(kind storage.Kind, trigger Trigger) []storage.Status {
	all := []storage.Status{storage.StatusPending, storage.StatusInProgress, storage.StatusActive, storage.StatusPaused}
	var out []storage.Status
	for _, s := range all {
		if _, ok := Next(kind, s, trigger); ok {
			out = append(out, s)
		}
	}
	return out
}

// settled reports whether a job in status already is where trigger would lead,
// which makes repeating the command a no-op.
func settled(kind storage.Kind, status storage.Status, trigger Trigger) bool {
	switch trigger {
	case TriggerPause:
		return kind.Recurring() && status == storage.StatusPaused
	case TriggerResume:
		return kind.Recurring() && status == storage.StatusActive
	case TriggerStop:
		if kind.Recurring() {
			return status == storage.StatusPaused
		}
		return status.Terminal()
	}
	return false
}
