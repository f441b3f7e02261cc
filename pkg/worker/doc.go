// Package worker executes the cloud-facing half of a capacity change.
//
// The launch pipeline creates a server from the prepared launch config,
// polls it to ACTIVE, attaches it to the configured load balancers with a
// compensating undo stack, and finally moves the job id from pending to
// active via ModifyState. The delete pipeline detaches nodes, issues a
// verified delete (poll until 404), and drops the server from active.
//
// Pipelines are crash-tolerant rather than transactional: every durable
// transition is a single ModifyState call, and an interrupted pipeline
// leaves either a pending job that is abandoned on failure or an active
// server that a later delete can reap.
package worker
