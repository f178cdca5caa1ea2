package engine

import (
	"github.com/cockroachdb/errors"
)

var (
	ErrJobNotFound = errors.New("engine: job not found")
	ErrInvalidJob  = errors.New("engine: invalid job")
	// ErrSessionImpaired is returned when a job is submitted for an account
	// that lost its session.
	ErrSessionImpaired = errors.New("engine: session impaired")
	// ErrInvalidTransition is returned for commands the job's state does not accept.
	ErrInvalidTransition = errors.New("engine: invalid transition")
	// ErrAlreadyRunning is returned by dispatch when the job has a live executor.
	ErrAlreadyRunning = errors.New("engine: job already running")
	// ErrNotClaimed is returned by dispatch when another dispatcher moved the
	// job's due time first.
	ErrNotClaimed = errors.New("engine: due time already claimed")
)

// Reasons stored on failed jobs.
const (
	ReasonStopped     = "stopped"
	ReasonInterrupted = "interrupted by restart"
)
