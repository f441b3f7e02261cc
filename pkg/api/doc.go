// Package api serves the anonymous webhook execution endpoint.
//
// POST /v1.0/execute/{version}/{hash} resolves the capability hash through
// the webhook key index and answers 202 before the policy runs. The
// anonymous caller learns nothing about the group, the policy, or whether
// the execution was refused by a cooldown; an unknown hash or version is
// the only 404. Health, readiness and metrics endpoints ride on the same
// listener.
package api
