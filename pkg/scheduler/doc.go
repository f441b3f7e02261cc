// Package scheduler fires schedule policies when their events come due.
//
// Each tick runs under the global "schedule" advisory lock with zero
// retries, so replicated processes never double-fire: whoever loses the
// lock simply skips the tick. The winner fetches batches of events with
// trigger at or before now and drains until the table is empty, executing
// each batch concurrently.
//
// Events are consumed at least once: a crash between execution and the
// consume write makes the event due again next tick, and the controller's
// cooldown stamps make the replay harmless. One-shot events are deleted
// after dispatch; cron events are rescheduled to their next occurrence
// after the current time, so missed ticks collapse into one firing.
//
// After draining events, the tick sweeps every group and converges any
// whose capacity sits outside its configured bounds, so a freshly created
// group reaches min_entities without waiting for a policy to fire.
package scheduler
