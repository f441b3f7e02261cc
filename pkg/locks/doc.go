/*
Package locks implements advisory locks stored in the Otter database.

A lock is a row (resource, owner, acquired_at) in the locks bucket. Acquire
inserts the row if absent, or claims it when the current holder's
acquired_at is older than the stale threshold; otherwise it retries with
jittered waits up to the configured retry budget and then fails with
BusyLockError. Release is conditional on ownership, so a lock that was
claimed by another writer after going stale is never deleted out from under
its new holder.

Two resources matter in practice: every ScalingGroup.ModifyState holds the
lock named by its group id, and the scheduler holds the "schedule" lock with
a zero retry budget so overlapping ticks skip instead of queueing.
*/
package locks
