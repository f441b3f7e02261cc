package controller

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	bolt "go.etcd.io/bbolt"

	"github.com/RackerWilliams/otter/pkg/locks"
	"github.com/RackerWilliams/otter/pkg/storage"
	"github.com/RackerWilliams/otter/pkg/types"
)

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time { return c.now }

func intPtr(n int) *int           { return &n }
func floatPtr(f float64) *float64 { return &f }

func newTestGroup(t *testing.T, clk *fakeClock, config types.GroupConfig, policies ...types.Policy) storage.ScalingGroup {
	t.Helper()
	db, err := bolt.Open(filepath.Join(t.TempDir(), "otter.db"), 0o600,
		&bolt.Options{Timeout: time.Second})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	svc, err := locks.NewService(db, 0)
	require.NoError(t, err)
	s, err := storage.New(db, svc, clk, zerolog.Nop())
	require.NoError(t, err)

	m, err := s.CreateGroup("t1", config, types.LaunchConfig{
		Server: types.ServerConfig{ImageRef: "image-1", FlavorRef: "flavor-2"},
	}, policies)
	require.NoError(t, err)
	return s.GetGroup("t1", m.ID)
}

func firstPolicyID(t *testing.T, group storage.ScalingGroup) string {
	t.Helper()
	policies, err := group.ListPolicies(0, "")
	require.NoError(t, err)
	require.NotEmpty(t, policies)
	return policies[0].ID
}

func seedActive(t *testing.T, group storage.ScalingGroup, servers map[string]types.ActiveServer) {
	t.Helper()
	err := group.ModifyState(context.Background(),
		func(_ storage.ScalingGroup, state *types.GroupState) (*types.GroupState, error) {
			for id, srv := range servers {
				state.Active[id] = srv
			}
			return state, nil
		})
	require.NoError(t, err)
}

func execute(t *testing.T, ctrl *Controller, group storage.ScalingGroup, policyID string) (*Plan, error) {
	t.Helper()
	plan := &Plan{}
	err := group.ModifyState(context.Background(), ctrl.MaybeExecutePolicy(policyID, plan))
	return plan, err
}

func TestTargetCapacity(t *testing.T) {
	tests := []struct {
		name    string
		policy  types.Policy
		current int
		want    int
	}{
		{"change up", types.Policy{Change: intPtr(2)}, 3, 5},
		{"change down", types.Policy{Change: intPtr(-1)}, 3, 2},
		{"percent half", types.Policy{ChangePercent: floatPtr(50)}, 4, 6},
		{"percent fraction rounds up", types.Policy{ChangePercent: floatPtr(10)}, 4, 5},
		{"percent fraction rounds down", types.Policy{ChangePercent: floatPtr(-10)}, 4, 3},
		{"percent on empty group", types.Policy{ChangePercent: floatPtr(50)}, 0, 0},
		{"desired capacity", types.Policy{DesiredCapacity: intPtr(7)}, 3, 7},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, targetCapacity(&tt.policy, tt.current))
		})
	}
}

func TestSelectVictimsOrdering(t *testing.T) {
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	active := map[string]types.ActiveServer{
		"srv-c": {CreatedAt: base},
		"srv-a": {CreatedAt: base.Add(time.Hour)},
		"srv-b": {CreatedAt: base},
	}

	victims := selectVictims(active, 2)
	require.Len(t, victims, 2)
	// Oldest first; the two oldest tie, so lexicographic id breaks it.
	assert.Equal(t, "srv-b", victims[0].ServerID)
	assert.Equal(t, "srv-c", victims[1].ServerID)
}

func TestExecuteScaleUp(t *testing.T) {
	clk := &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	group := newTestGroup(t, clk,
		types.GroupConfig{Name: "g", MaxEntities: 10},
		types.Policy{Name: "up", Type: types.PolicyWebhook, Change: intPtr(2)})
	ctrl := New(clk, zerolog.Nop())
	policyID := firstPolicyID(t, group)

	plan, err := execute(t, ctrl, group, policyID)
	require.NoError(t, err)
	assert.Len(t, plan.LaunchJobIDs, 2)
	assert.Empty(t, plan.Victims)

	state, err := group.ViewState()
	require.NoError(t, err)
	assert.Len(t, state.Pending, 2)
	for _, jobID := range plan.LaunchJobIDs {
		assert.Contains(t, state.Pending, jobID)
	}
	assert.True(t, clk.now.Equal(state.GroupTouched))
	assert.True(t, clk.now.Equal(state.PolicyTouched[policyID]))
}

func TestExecuteScaleDownPicksOldest(t *testing.T) {
	clk := &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	group := newTestGroup(t, clk,
		types.GroupConfig{Name: "g", MaxEntities: 10},
		types.Policy{Name: "down", Type: types.PolicyWebhook, Change: intPtr(-1)})
	ctrl := New(clk, zerolog.Nop())
	policyID := firstPolicyID(t, group)

	seedActive(t, group, map[string]types.ActiveServer{
		"srv-old": {CreatedAt: clk.now.Add(-2 * time.Hour)},
		"srv-new": {CreatedAt: clk.now.Add(-time.Hour)},
	})

	plan, err := execute(t, ctrl, group, policyID)
	require.NoError(t, err)
	require.Len(t, plan.Victims, 1)
	assert.Equal(t, "srv-old", plan.Victims[0].ServerID)

	state, err := group.ViewState()
	require.NoError(t, err)
	assert.NotContains(t, state.Active, "srv-old")
	assert.Contains(t, state.Active, "srv-new")
}

func TestExecutePausedGroup(t *testing.T) {
	clk := &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	group := newTestGroup(t, clk,
		types.GroupConfig{Name: "g", MaxEntities: 10},
		types.Policy{Name: "up", Type: types.PolicyWebhook, Change: intPtr(1)})
	ctrl := New(clk, zerolog.Nop())
	policyID := firstPolicyID(t, group)

	require.NoError(t, group.ModifyState(context.Background(), ctrl.Pause()))

	_, err := execute(t, ctrl, group, policyID)
	var cannot *types.CannotExecutePolicyError
	require.ErrorAs(t, err, &cannot)
	assert.Equal(t, types.ReasonPaused, cannot.Reason)

	require.NoError(t, group.ModifyState(context.Background(), ctrl.Resume()))
	_, err = execute(t, ctrl, group, policyID)
	require.NoError(t, err)
}

func TestExecuteCooldowns(t *testing.T) {
	clk := &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	group := newTestGroup(t, clk,
		types.GroupConfig{Name: "g", MaxEntities: 10, Cooldown: 60},
		types.Policy{Name: "up", Type: types.PolicyWebhook, Change: intPtr(1), Cooldown: 30})
	ctrl := New(clk, zerolog.Nop())
	policyID := firstPolicyID(t, group)

	_, err := execute(t, ctrl, group, policyID)
	require.NoError(t, err)

	var cannot *types.CannotExecutePolicyError

	// Within both cooldowns the policy check fires first.
	clk.now = clk.now.Add(10 * time.Second)
	_, err = execute(t, ctrl, group, policyID)
	require.ErrorAs(t, err, &cannot)
	assert.Equal(t, types.ReasonPolicyCooldown, cannot.Reason)

	// Past the policy cooldown but inside the group cooldown.
	clk.now = clk.now.Add(35 * time.Second)
	_, err = execute(t, ctrl, group, policyID)
	require.ErrorAs(t, err, &cannot)
	assert.Equal(t, types.ReasonGroupCooldown, cannot.Reason)

	// Past both.
	clk.now = clk.now.Add(time.Minute)
	_, err = execute(t, ctrl, group, policyID)
	require.NoError(t, err)
}

func TestExecuteAtLimit(t *testing.T) {
	clk := &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	group := newTestGroup(t, clk,
		types.GroupConfig{Name: "g", MaxEntities: 2},
		types.Policy{Name: "up", Type: types.PolicyWebhook, Change: intPtr(5)})
	ctrl := New(clk, zerolog.Nop())
	policyID := firstPolicyID(t, group)

	// First execution clamps 0+5 to max 2.
	plan, err := execute(t, ctrl, group, policyID)
	require.NoError(t, err)
	assert.Len(t, plan.LaunchJobIDs, 2)

	// Already at max; the clamped target equals current.
	clk.now = clk.now.Add(time.Hour)
	_, err = execute(t, ctrl, group, policyID)
	var cannot *types.CannotExecutePolicyError
	require.ErrorAs(t, err, &cannot)
	assert.Equal(t, types.ReasonAtLimit, cannot.Reason)

	state, err := group.ViewState()
	require.NoError(t, err)
	assert.Len(t, state.Pending, 2)
}

func TestExecuteMissingPolicy(t *testing.T) {
	clk := &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	group := newTestGroup(t, clk, types.GroupConfig{Name: "g", MaxEntities: 10})
	ctrl := New(clk, zerolog.Nop())

	_, err := execute(t, ctrl, group, "nope")
	var nf *types.NoSuchPolicyError
	require.ErrorAs(t, err, &nf)
}

func TestConvergeLaunchesShortfall(t *testing.T) {
	clk := &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	group := newTestGroup(t, clk, types.GroupConfig{Name: "g", MinEntities: 2, MaxEntities: 5})
	ctrl := New(clk, zerolog.Nop())

	plan := &Plan{}
	require.NoError(t, group.ModifyState(context.Background(), ctrl.Converge(plan)))
	assert.Len(t, plan.LaunchJobIDs, 2)

	state, err := group.ViewState()
	require.NoError(t, err)
	assert.Len(t, state.Pending, 2)
	// Convergence is not a policy execution; cooldown stamps stay untouched.
	assert.True(t, state.GroupTouched.IsZero())
}

func TestConvergeInsideBoundsIsNoop(t *testing.T) {
	clk := &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	group := newTestGroup(t, clk, types.GroupConfig{Name: "g", MaxEntities: 5})
	ctrl := New(clk, zerolog.Nop())

	plan := &Plan{}
	require.NoError(t, group.ModifyState(context.Background(), ctrl.Converge(plan)))
	assert.Empty(t, plan.LaunchJobIDs)
	assert.Empty(t, plan.Victims)
}
