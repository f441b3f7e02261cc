package controller

import (
	"math"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/RackerWilliams/otter/pkg/storage"
	"github.com/RackerWilliams/otter/pkg/types"
)

// Victim is an active server selected for deletion, carried with its
// load-balancer memberships so the delete pipeline can detach it.
type Victim struct {
	ServerID string
	Server   types.ActiveServer
}

// Plan collects the work one state change scheduled: launch job ids added
// to pending and active servers removed for deletion. The caller hands the
// plan to the worker only after the state write commits.
type Plan struct {
	LaunchJobIDs []string
	Victims      []Victim
}

// Controller decides whether and how a group's capacity changes. It only
// produces state modifiers; all writes go through ModifyState.
type Controller struct {
	clock types.Clock
	log   zerolog.Logger
}

func New(clock types.Clock, log zerolog.Logger) *Controller {
	if clock == nil {
		clock = types.RealClock{}
	}
	return &Controller{clock: clock, log: log.With().Str("component", "controller").Logger()}
}

// MaybeExecutePolicy returns the modifier for one policy execution. The
// modifier refuses with CannotExecutePolicyError when the group is paused,
// a cooldown has not expired, or the clamped target equals the current
// capacity. On success it moves pending and active entries, stamps the
// cooldown timestamps, and fills plan.
func (c *Controller) MaybeExecutePolicy(policyID string, plan *Plan) storage.Modifier {
	return func(group storage.ScalingGroup, state *types.GroupState) (*types.GroupState, error) {
		refuse := func(reason string) error {
			return &types.CannotExecutePolicyError{
				TenantID: state.TenantID,
				GroupID:  state.GroupID,
				PolicyID: policyID,
				Reason:   reason,
			}
		}

		policy, err := group.GetPolicy(policyID)
		if err != nil {
			return nil, err
		}
		config, err := group.ViewConfig()
		if err != nil {
			return nil, err
		}

		if state.Paused {
			return nil, refuse(types.ReasonPaused)
		}

		now := c.clock.Now()
		if touched, ok := state.PolicyTouched[policyID]; ok {
			if now.Sub(touched) < time.Duration(policy.Cooldown)*time.Second {
				return nil, refuse(types.ReasonPolicyCooldown)
			}
		}
		if !state.GroupTouched.IsZero() &&
			now.Sub(state.GroupTouched) < time.Duration(config.Cooldown)*time.Second {
			return nil, refuse(types.ReasonGroupCooldown)
		}

		current := state.Desired()
		target := clamp(targetCapacity(policy, current), config.MinEntities, config.MaxEntities)
		diff := target - current
		if diff == 0 {
			return nil, refuse(types.ReasonAtLimit)
		}

		c.apply(state, diff, now, plan)
		state.GroupTouched = now
		state.PolicyTouched[policyID] = now

		c.log.Info().
			Str("tenant_id", state.TenantID).
			Str("group_id", state.GroupID).
			Str("policy_id", policyID).
			Int("current", current).
			Int("target", target).
			Msg("Executing scaling policy")
		return state, nil
	}
}

// Converge returns a modifier that moves the group toward its configured
// bounds without executing any policy: capacity below min_entities launches
// the shortfall, capacity above max_entities deletes the excess. It is run
// after group creation and config updates. A group already inside its
// bounds is left untouched and the modifier reports no error.
func (c *Controller) Converge(plan *Plan) storage.Modifier {
	return func(group storage.ScalingGroup, state *types.GroupState) (*types.GroupState, error) {
		config, err := group.ViewConfig()
		if err != nil {
			return nil, err
		}
		current := state.Desired()
		diff := clamp(current, config.MinEntities, config.MaxEntities) - current
		if diff == 0 {
			return state, nil
		}
		now := c.clock.Now()
		c.apply(state, diff, now, plan)
		c.log.Info().
			Str("tenant_id", state.TenantID).
			Str("group_id", state.GroupID).
			Int("current", current).
			Int("diff", diff).
			Msg("Converging group to configured bounds")
		return state, nil
	}
}

// Pause returns a modifier that suspends policy execution for the group.
func (c *Controller) Pause() storage.Modifier {
	return func(_ storage.ScalingGroup, state *types.GroupState) (*types.GroupState, error) {
		state.Paused = true
		return state, nil
	}
}

// Resume returns a modifier that lifts a pause.
func (c *Controller) Resume() storage.Modifier {
	return func(_ storage.ScalingGroup, state *types.GroupState) (*types.GroupState, error) {
		state.Paused = false
		return state, nil
	}
}

// apply moves diff entries into pending (scale up) or out of active (scale
// down) and records the scheduled work in plan.
func (c *Controller) apply(state *types.GroupState, diff int, now time.Time, plan *Plan) {
	if diff > 0 {
		for i := 0; i < diff; i++ {
			jobID := uuid.New().String()
			state.Pending[jobID] = now
			if plan != nil {
				plan.LaunchJobIDs = append(plan.LaunchJobIDs, jobID)
			}
		}
		return
	}
	for _, v := range selectVictims(state.Active, -diff) {
		delete(state.Active, v.ServerID)
		if plan != nil {
			plan.Victims = append(plan.Victims, v)
		}
	}
}

// targetCapacity computes the unclamped target for a policy given the
// current capacity.
func targetCapacity(policy *types.Policy, current int) int {
	switch {
	case policy.Change != nil:
		return current + *policy.Change
	case policy.ChangePercent != nil:
		percent := *policy.ChangePercent
		return current + roundAwayFromZero(float64(current)*percent/100)
	case policy.DesiredCapacity != nil:
		return *policy.DesiredCapacity
	}
	return current
}

// roundAwayFromZero rounds any fractional server count to the next whole
// server in the direction of the change, so a -0.25 server shrink still
// removes one server and a +1.2 server grow launches two.
func roundAwayFromZero(v float64) int {
	if v > 0 {
		return int(math.Ceil(v))
	}
	return int(math.Floor(v))
}

func clamp(n, lo, hi int) int {
	if n < lo {
		return lo
	}
	if n > hi {
		return hi
	}
	return n
}

// selectVictims picks n servers for deletion, oldest first, breaking
// created-at ties by lexicographic server id.
func selectVictims(active map[string]types.ActiveServer, n int) []Victim {
	victims := make([]Victim, 0, len(active))
	for id, srv := range active {
		victims = append(victims, Victim{ServerID: id, Server: srv})
	}
	sort.Slice(victims, func(i, j int) bool {
		a, b := victims[i], victims[j]
		if !a.Server.CreatedAt.Equal(b.Server.CreatedAt) {
			return a.Server.CreatedAt.Before(b.Server.CreatedAt)
		}
		return a.ServerID < b.ServerID
	})
	if n > len(victims) {
		n = len(victims)
	}
	return victims[:n]
}
