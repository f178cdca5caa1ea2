// Package scheduler drives recurring work. It ticks on cron entries, finds the
// broadcast and comment jobs that are due, and hands each one to the engine.
// Execution and the one-run-per-job gate belong to the engine; a tick only
// looks up due work and dispatches it.
package scheduler
