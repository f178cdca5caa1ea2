// Package notifier tells job owners about outcomes they care about: a
// one-shot job reaching a terminal state, or one of their accounts being
// disabled after a session-fatal error.
//
// Engine events are turned into notifications, queued, and delivered by a
// small worker pool under a shared rate limit. Delivery is best-effort:
// a full queue drops, a failed send is retried a few times and then given up.
package notifier
