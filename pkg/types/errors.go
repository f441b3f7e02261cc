package types

import (
	"fmt"
)

// NoSuchScalingGroupError is raised when a group does not exist for a tenant.
type NoSuchScalingGroupError struct {
	TenantID string
	GroupID  string
}

func (e *NoSuchScalingGroupError) Error() string {
	return fmt.Sprintf("no scaling group %s for tenant %s", e.GroupID, e.TenantID)
}

// NoSuchPolicyError is raised when a policy does not exist in a group.
type NoSuchPolicyError struct {
	TenantID string
	GroupID  string
	PolicyID string
}

func (e *NoSuchPolicyError) Error() string {
	return fmt.Sprintf("no policy %s in group %s for tenant %s", e.PolicyID, e.GroupID, e.TenantID)
}

// NoSuchWebhookError is raised when a webhook does not exist under a policy.
type NoSuchWebhookError struct {
	TenantID  string
	GroupID   string
	PolicyID  string
	WebhookID string
}

func (e *NoSuchWebhookError) Error() string {
	return fmt.Sprintf("no webhook %s on policy %s in group %s for tenant %s",
		e.WebhookID, e.PolicyID, e.GroupID, e.TenantID)
}

// UnrecognizedCapabilityError is raised when a capability hash matches no
// webhook.
type UnrecognizedCapabilityError struct {
	Hash    string
	Version string
}

func (e *UnrecognizedCapabilityError) Error() string {
	return fmt.Sprintf("unrecognized capability hash %s (version %s)", e.Hash, e.Version)
}

// GroupNotEmptyError is raised when deleting a group that still has active
// or pending servers.
type GroupNotEmptyError struct {
	TenantID string
	GroupID  string
}

func (e *GroupNotEmptyError) Error() string {
	return fmt.Sprintf("group %s for tenant %s still has entities", e.GroupID, e.TenantID)
}

// Reasons a policy execution can be refused. These are expected outcomes,
// not faults; the scheduler swallows them and the API maps them to 403.
const (
	ReasonPaused         = "group is paused"
	ReasonGroupCooldown  = "group cooldown not expired"
	ReasonPolicyCooldown = "policy cooldown not expired"
	ReasonAtLimit        = "no change in servers, already at limit"
)

// CannotExecutePolicyError is raised when a policy execution would have no
// effect or is not currently allowed.
type CannotExecutePolicyError struct {
	TenantID string
	GroupID  string
	PolicyID string
	Reason   string
}

func (e *CannotExecutePolicyError) Error() string {
	return fmt.Sprintf("cannot execute policy %s in group %s for tenant %s: %s",
		e.PolicyID, e.GroupID, e.TenantID, e.Reason)
}

// BusyLockError is raised when an advisory lock could not be acquired within
// its retry budget.
type BusyLockError struct {
	Resource string
}

func (e *BusyLockError) Error() string {
	return fmt.Sprintf("lock on %s is busy", e.Resource)
}

// UnexpectedServerStatusError is raised when a building server transitions
// to a status other than BUILD or ACTIVE. It is terminal: polling stops and
// the launch is undone.
type UnexpectedServerStatusError struct {
	ServerID string
	Status   string
	Expected string
}

func (e *UnexpectedServerStatusError) Error() string {
	return fmt.Sprintf("expected server %s to have status %s, has %s",
		e.ServerID, e.Expected, e.Status)
}

// ValidationError is raised when user input fails validation, including
// attempts to change a policy's type.
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string {
	return e.Message
}
