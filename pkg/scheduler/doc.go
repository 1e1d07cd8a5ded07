// Package scheduler runs a batch of independent tasks against a Runner
// while enforcing three limits at once:
//
//   - a concurrency gate (Config.MaxConcurrent permits, FIFO waiters);
//   - a token bucket pacing task starts (Config.RequestsPerMinute);
//   - a priority queue (highest priority first, FIFO within a priority).
//
// Failed attempts are retried with exponential backoff up to
// Config.MaxAttempts; each retry is re-queued with its priority lowered by
// Config.PriorityPenalty. Runners may return NoRetry or RetryAfter errors to
// steer that policy.
//
// A batch can be paused, resumed and cancelled from any goroutine. Pause
// and cancel are cooperative: they take effect at the next dequeue and
// never interrupt a runner call already in progress.
//
// Progress is reported through Observer callbacks, Status/Snapshot polling
// and, optionally, lifecycle events on an eventbus.Bus.
package scheduler
