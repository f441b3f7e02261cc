// Package controller decides capacity changes for scaling groups.
//
// Its heart is MaybeExecutePolicy, a pure decision over (policy, config,
// state) packaged as a storage.Modifier: refuse while paused or cooling
// down, compute the clamped target capacity, and move entries between
// pending and active. The controller never talks to the cloud; it emits a
// Plan that the worker executes after the state write commits.
package controller
