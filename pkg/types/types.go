package types

import (
	"time"
)

// Validation limits for group configurations and policies.
const (
	MaxEntities = 25
	MaxCooldown = 86400 // 24 * 60 * 60 seconds
)

// GroupConfig holds the scaling group configuration: its name, how big the
// group may grow, and the group-wide cooldown between policy executions.
type GroupConfig struct {
	Name        string            `json:"name"`
	Cooldown    int               `json:"cooldown"`
	MinEntities int               `json:"minEntities"`
	MaxEntities int               `json:"maxEntities"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// ServerConfig is the compute template used when launching a server. The
// fields mirror the compute provider's create-server request body.
type ServerConfig struct {
	Name      string            `json:"name,omitempty"`
	ImageRef  string            `json:"imageRef"`
	FlavorRef string            `json:"flavorRef"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// LoadBalancerConfig describes one load balancer that newly launched servers
// are added to, on the given port.
type LoadBalancerConfig struct {
	LoadBalancerID int               `json:"loadBalancerId"`
	Port           int               `json:"port"`
	Metadata       map[string]string `json:"metadata,omitempty"`
}

// LaunchConfig is the recipe for creating one server and attaching it to
// zero or more load balancers.
type LaunchConfig struct {
	Server        ServerConfig         `json:"server"`
	LoadBalancers []LoadBalancerConfig `json:"loadBalancers,omitempty"`
}

// LBMembership records a node registration on a load balancer, kept so the
// node can be removed when the server is deleted.
type LBMembership struct {
	LoadBalancerID int `json:"loadBalancerId"`
	NodeID         int `json:"nodeId"`
}

// ActiveServer is one running member of a scaling group.
type ActiveServer struct {
	CreatedAt   time.Time      `json:"created"`
	IPAddress   string         `json:"ipAddress,omitempty"`
	Memberships []LBMembership `json:"lbMemberships,omitempty"`
}

// GroupState is the mutable per-group state: the observed running servers,
// the launch jobs in flight, cooldown bookkeeping, and the pause flag.
//
// All mutations of GroupState must go through ScalingGroup.ModifyState, which
// serializes them under the group's advisory lock.
type GroupState struct {
	TenantID      string                  `json:"-"`
	GroupID       string                  `json:"-"`
	GroupName     string                  `json:"-"`
	Active        map[string]ActiveServer `json:"active"`
	Pending       map[string]time.Time    `json:"pending"`
	GroupTouched  time.Time               `json:"groupTouched"`
	PolicyTouched map[string]time.Time    `json:"policyTouched"`
	Paused        bool                    `json:"paused"`
}

// NewGroupState returns an empty state for a freshly created group.
func NewGroupState(tenantID, groupID, name string) *GroupState {
	return &GroupState{
		TenantID:      tenantID,
		GroupID:       groupID,
		GroupName:     name,
		Active:        map[string]ActiveServer{},
		Pending:       map[string]time.Time{},
		PolicyTouched: map[string]time.Time{},
	}
}

// Desired returns the total capacity the group currently accounts for.
func (s *GroupState) Desired() int {
	return len(s.Active) + len(s.Pending)
}

// PolicyType distinguishes how a policy is triggered.
type PolicyType string

const (
	PolicyWebhook  PolicyType = "webhook"
	PolicySchedule PolicyType = "schedule"
)

// ScheduleArgs holds the trigger specification of a schedule policy: either
// a one-shot timestamp or a recurring cron expression, never both.
type ScheduleArgs struct {
	At   *time.Time `json:"at,omitempty"`
	Cron string     `json:"cron,omitempty"`
}

// Policy is a named capacity-change rule. Exactly one of Change,
// ChangePercent or DesiredCapacity is set. Type is immutable after creation.
type Policy struct {
	ID              string        `json:"id,omitempty"`
	Name            string        `json:"name"`
	Cooldown        int           `json:"cooldown"`
	Type            PolicyType    `json:"type"`
	Change          *int          `json:"change,omitempty"`
	ChangePercent   *float64      `json:"changePercent,omitempty"`
	DesiredCapacity *int          `json:"desiredCapacity,omitempty"`
	Args            *ScheduleArgs `json:"args,omitempty"`
}

// Capability is the anonymous-execution credential of a webhook. Version is
// stored so a future rotation can introduce v2 capabilities without
// invalidating v1 URLs.
type Capability struct {
	Version string `json:"version"`
	Hash    string `json:"hash"`
}

// Webhook executes its parent policy anonymously via a capability URL. The
// capability is stable across updates to Name and Metadata.
type Webhook struct {
	ID         string            `json:"id,omitempty"`
	Name       string            `json:"name"`
	Metadata   map[string]string `json:"metadata"`
	Capability Capability        `json:"capability,omitempty"`
}

// ScheduleEvent is one future firing of a schedule policy. Trigger is part
// of the primary key, so rescheduling replaces the row rather than updating
// it in place. Cron is empty for one-shot events.
type ScheduleEvent struct {
	TenantID string    `json:"tenantId"`
	GroupID  string    `json:"groupId"`
	PolicyID string    `json:"policyId"`
	Trigger  time.Time `json:"trigger"`
	Cron     string    `json:"cron,omitempty"`
}

// Manifest is the full view of a scaling group.
type Manifest struct {
	ID           string       `json:"id"`
	GroupConfig  GroupConfig  `json:"groupConfiguration"`
	LaunchConfig LaunchConfig `json:"launchConfiguration"`
	Policies     []Policy     `json:"scalingPolicies"`
	State        *GroupState  `json:"state"`
}

// Counts holds per-tenant entity totals.
type Counts struct {
	Groups   int `json:"groups"`
	Policies int `json:"policies"`
	Webhooks int `json:"webhooks"`
}
