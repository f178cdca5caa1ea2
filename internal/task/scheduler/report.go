package scheduler

import (
	"time"

	"github.com/cockroachdb/errors"

	"tgninja/internal/task/engine"
	"tgninja/pkg/logx"
)

const dispatchWarnThrottle = 5 * time.Second

// skipped reports errors that happen during normal operation: the previous
// run is still going, or the engine is shutting down.
func skipped(err error) bool {
	return errors.Is(err, engine.ErrAlreadyRunning) || errors.Is(err, engine.ErrStopped)
}

func (s *Service) reportDispatchError(jobID string, err error) {
	if err == nil {
		return
	}
	if skipped(err) {
		s.log.Debug("due job skipped", logx.JobID(jobID), logx.Err(err))
		return
	}

	now := time.Now()
	s.repMu.Lock()
	last := s.lastWarn[jobID]
	if !last.IsZero() && now.Sub(last) < dispatchWarnThrottle {
		s.repMu.Unlock()
		return
	}
	s.lastWarn[jobID] = now
	s.repMu.Unlock()

	s.log.Warn("due job dispatch failed", logx.JobID(jobID), logx.Err(err))
}

// cronLogger routes cron's own messages into logx.
type cronLogger struct{ log logx.Logger }

func (l cronLogger) Info(msg string, kv ...interface{}) {
	l.log.Trace(msg, pairs(kv)...)
}

func (l cronLogger) Error(err error, msg string, kv ...interface{}) {
	l.log.Error(msg, append(pairs(kv), logx.Err(err))...)
}

func pairs(kv []interface{}) []logx.Field {
	out := make([]logx.Field, 0, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		k, ok := kv[i].(string)
		if !ok {
			continue
		}
		out = append(out, logx.Any(k, kv[i+1]))
	}
	return out
}
