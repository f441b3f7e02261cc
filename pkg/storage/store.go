package storage

import (
	"context"
	"time"

	"github.com/RackerWilliams/otter/pkg/types"
)

// Modifier is a pure function applied to a group's state under the group
// lock. It must return a new state for the same (tenant, group) pair; if it
// returns an error nothing is written and the error propagates.
type Modifier func(group ScalingGroup, state *types.GroupState) (*types.GroupState, error)

// ScalingGroup presents operations on a single group. Methods that mutate
// durable data read the row first; the backing store upserts, so a blind
// write to a missing key would create a phantom row.
type ScalingGroup interface {
	TenantID() string
	GroupID() string

	ViewManifest() (*types.Manifest, error)
	ViewConfig() (*types.GroupConfig, error)
	ViewLaunchConfig() (*types.LaunchConfig, error)
	ViewState() (*types.GroupState, error)

	UpdateConfig(config types.GroupConfig) error
	UpdateLaunchConfig(launch types.LaunchConfig) error

	// ModifyState is the only sanctioned way to change the mutable state
	// columns. It acquires the group's advisory lock, reads the state,
	// applies f, and writes the result in one operation.
	ModifyState(ctx context.Context, f Modifier) error

	ListPolicies(limit int, marker string) ([]types.Policy, error)
	GetPolicy(policyID string) (*types.Policy, error)
	CreatePolicies(policies []types.Policy) ([]types.Policy, error)
	UpdatePolicy(policyID string, data types.Policy) error
	DeletePolicy(policyID string) error

	ListWebhooks(policyID string, limit int, marker string) ([]types.Webhook, error)
	GetWebhook(policyID, webhookID string) (*types.Webhook, error)
	CreateWebhooks(policyID string, webhooks []types.Webhook) ([]types.Webhook, error)
	UpdateWebhook(policyID, webhookID string, data types.Webhook) error
	DeleteWebhook(policyID, webhookID string) error

	DeleteGroup(ctx context.Context) error
}

// GroupRef identifies one stored group.
type GroupRef struct {
	TenantID string
	GroupID  string
}

// Store is the collection-level interface over groups and schedule events.
type Store interface {
	CreateGroup(tenantID string, config types.GroupConfig, launch types.LaunchConfig, policies []types.Policy) (*types.Manifest, error)
	ListGroupStates(tenantID string, limit int, marker string) ([]*types.GroupState, error)
	GetGroup(tenantID, groupID string) ScalingGroup

	// ListAllGroupRefs enumerates every group across all tenants, for
	// sweeps that must visit the whole fleet.
	ListAllGroupRefs() ([]GroupRef, error)

	// WebhookInfoByHash resolves a capability hash to the policy it
	// executes via the webhook key index.
	WebhookInfoByHash(hash string) (tenantID, groupID, policyID string, err error)

	GetCounts(tenantID string) (*types.Counts, error)

	// FetchBatchOfEvents returns up to size events with trigger <= now,
	// oldest first.
	FetchBatchOfEvents(now time.Time, size int) ([]types.ScheduleEvent, error)

	// UpdateDeleteEvents removes the rows for all named policies and the
	// policies of the updated events, then inserts fresh rows for the
	// updates. Trigger is part of the event key, so an update is always a
	// delete plus an insert.
	UpdateDeleteEvents(deletePolicyIDs []string, update []types.ScheduleEvent) error

	Close() error
}
