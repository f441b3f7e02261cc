package worker

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	bolt "go.etcd.io/bbolt"

	"github.com/RackerWilliams/otter/pkg/cloud"
	"github.com/RackerWilliams/otter/pkg/locks"
	"github.com/RackerWilliams/otter/pkg/storage"
	"github.com/RackerWilliams/otter/pkg/types"
)

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time { return c.now }

// fakeCloud is a scriptable compute + load-balancer API for one test.
type fakeCloud struct {
	mu sync.Mutex

	serverStatuses []string // consumed per GET /servers/{id}
	serverGone     bool     // GET /servers/{id} returns 404
	failSecondLB   bool

	created      int
	addedNodes   []int
	removedNodes []int
	deleted      int
	lastServer   types.ServerConfig
}

func (f *fakeCloud) handler(t *testing.T) http.HandlerFunc {
	nextNode := 7
	return func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()

		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/servers":
			var body struct {
				Server types.ServerConfig `json:"server"`
			}
			require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
			f.lastServer = body.Server
			f.created++
			w.WriteHeader(http.StatusAccepted)
			json.NewEncoder(w).Encode(map[string]interface{}{
				"server": map[string]string{"id": "srv-1", "status": "BUILD"},
			})

		case r.Method == http.MethodGet && r.URL.Path == "/servers/srv-1":
			if f.serverGone {
				http.NotFound(w, r)
				return
			}
			status := "ACTIVE"
			if len(f.serverStatuses) > 0 {
				status = f.serverStatuses[0]
				f.serverStatuses = f.serverStatuses[1:]
			}
			json.NewEncoder(w).Encode(map[string]interface{}{
				"server": map[string]interface{}{
					"id":     "srv-1",
					"status": status,
					"addresses": map[string][]map[string]interface{}{
						"private": {{"version": 4, "addr": "10.0.0.5"}},
					},
				},
			})

		case r.Method == http.MethodDelete && r.URL.Path == "/servers/srv-1":
			f.deleted++
			f.serverGone = true
			w.WriteHeader(http.StatusNoContent)

		case r.Method == http.MethodPost && r.URL.Path == "/loadbalancers/42/nodes",
			r.Method == http.MethodPost && r.URL.Path == "/loadbalancers/43/nodes":
			if f.failSecondLB && r.URL.Path == "/loadbalancers/43/nodes" {
				http.Error(w, "lb out for lunch", http.StatusInternalServerError)
				return
			}
			id := nextNode
			nextNode++
			f.addedNodes = append(f.addedNodes, id)
			w.WriteHeader(http.StatusAccepted)
			json.NewEncoder(w).Encode(map[string]interface{}{
				"nodes": []map[string]int{{"id": id}},
			})

		case r.Method == http.MethodDelete && r.URL.Path == "/loadbalancers/42/nodes/7":
			f.removedNodes = append(f.removedNodes, 7)
			w.WriteHeader(http.StatusAccepted)

		case r.Method == http.MethodDelete && r.URL.Path == "/loadbalancers/42/nodes/9":
			// Node already gone.
			http.NotFound(w, r)

		default:
			t.Errorf("unexpected request: %s %s", r.Method, r.URL.Path)
			http.NotFound(w, r)
		}
	}
}

func newTestWorker(t *testing.T, fake *fakeCloud, lbCount int) (*Worker, storage.ScalingGroup, *fakeClock) {
	t.Helper()
	ts := httptest.NewServer(fake.handler(t))
	t.Cleanup(ts.Close)

	catalog := cloud.ServiceCatalog{
		{Name: DefaultComputeService, Endpoints: []cloud.Endpoint{{Region: "DFW", PublicURL: ts.URL}}},
		{Name: DefaultLBService, Endpoints: []cloud.Endpoint{{Region: "DFW", PublicURL: ts.URL}}},
	}

	db, err := bolt.Open(filepath.Join(t.TempDir(), "otter.db"), 0o600,
		&bolt.Options{Timeout: time.Second})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	svc, err := locks.NewService(db, 0)
	require.NoError(t, err)

	clk := &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	store, err := storage.New(db, svc, clk, zerolog.Nop())
	require.NoError(t, err)

	launch := types.LaunchConfig{
		Server: types.ServerConfig{Name: "worker", ImageRef: "image-1", FlavorRef: "flavor-2"},
	}
	for i := 0; i < lbCount; i++ {
		launch.LoadBalancers = append(launch.LoadBalancers,
			types.LoadBalancerConfig{LoadBalancerID: 42 + i, Port: 80})
	}
	m, err := store.CreateGroup("t1", types.GroupConfig{Name: "g", MaxEntities: 10}, launch, nil)
	require.NoError(t, err)
	group := store.GetGroup("t1", m.ID)

	w := New(cloud.NewClient(ts.Client(), "token-1", zerolog.Nop()), catalog, Config{
		Region:        "DFW",
		PollInterval:  time.Millisecond,
		ActiveTimeout: time.Second,
		DeleteTimeout: time.Second,
	}, clk, nil, zerolog.Nop())
	return w, group, clk
}

func seedPending(t *testing.T, group storage.ScalingGroup, jobID string) {
	t.Helper()
	require.NoError(t, group.ModifyState(context.Background(),
		func(_ storage.ScalingGroup, state *types.GroupState) (*types.GroupState, error) {
			state.Pending[jobID] = time.Now()
			return state, nil
		}))
}

func TestPrepareLaunchConfig(t *testing.T) {
	w := New(nil, nil, Config{}, nil, nil, zerolog.Nop())
	launch := types.LaunchConfig{
		Server: types.ServerConfig{Name: "web", ImageRef: "image-1", FlavorRef: "flavor-2"},
		LoadBalancers: []types.LoadBalancerConfig{
			{LoadBalancerID: 42, Port: 80},
		},
	}

	prepared := w.PrepareLaunchConfig("group-1", launch)

	assert.Equal(t, "group-1", prepared.Server.Metadata[metadataGroupID])
	assert.True(t, len(prepared.Server.Name) > len("web-"))
	assert.Contains(t, prepared.Server.Name, "web-")

	require.Len(t, prepared.LoadBalancers, 1)
	assert.Equal(t, "group-1", prepared.LoadBalancers[0].Metadata[metadataGroupID])
	assert.Equal(t, prepared.Server.Name, prepared.LoadBalancers[0].Metadata[metadataServerName])

	// The input config must not be mutated.
	assert.Equal(t, "web", launch.Server.Name)
	assert.Nil(t, launch.Server.Metadata)
	assert.Nil(t, launch.LoadBalancers[0].Metadata)

	// Each call mints a unique name.
	again := w.PrepareLaunchConfig("group-1", launch)
	assert.NotEqual(t, prepared.Server.Name, again.Server.Name)
}

func TestLaunchServerSuccess(t *testing.T) {
	fake := &fakeCloud{serverStatuses: []string{"BUILD", "BUILD", "ACTIVE"}}
	w, group, clk := newTestWorker(t, fake, 1)
	seedPending(t, group, "job-1")

	launch, err := group.ViewLaunchConfig()
	require.NoError(t, err)
	require.NoError(t, w.LaunchServer(context.Background(), group, "job-1", *launch))

	state, err := group.ViewState()
	require.NoError(t, err)
	assert.Empty(t, state.Pending)
	require.Contains(t, state.Active, "srv-1")
	active := state.Active["srv-1"]
	assert.Equal(t, "10.0.0.5", active.IPAddress)
	assert.True(t, clk.now.Equal(active.CreatedAt))
	require.Len(t, active.Memberships, 1)
	assert.Equal(t, 42, active.Memberships[0].LoadBalancerID)
	assert.Equal(t, 7, active.Memberships[0].NodeID)

	assert.Equal(t, 1, fake.created)
	assert.Equal(t, "t1", group.TenantID())
}

func TestLaunchServerUndoOnSecondAttachFailure(t *testing.T) {
	fake := &fakeCloud{failSecondLB: true}
	w, group, _ := newTestWorker(t, fake, 2)
	seedPending(t, group, "job-1")

	launch, err := group.ViewLaunchConfig()
	require.NoError(t, err)
	err = w.LaunchServer(context.Background(), group, "job-1", *launch)
	require.Error(t, err)

	// The node added to the first load balancer was removed by the undo
	// stack, the created server was deleted, and the job was abandoned.
	assert.Equal(t, []int{7}, fake.addedNodes)
	assert.Equal(t, []int{7}, fake.removedNodes)
	assert.Equal(t, 1, fake.created)
	assert.Equal(t, 1, fake.deleted)

	state, err := group.ViewState()
	require.NoError(t, err)
	assert.Empty(t, state.Pending)
	assert.Empty(t, state.Active)
}

func TestLaunchServerUnexpectedStatus(t *testing.T) {
	fake := &fakeCloud{serverStatuses: []string{"BUILD", "ERROR"}}
	w, group, _ := newTestWorker(t, fake, 0)
	seedPending(t, group, "job-1")

	launch, err := group.ViewLaunchConfig()
	require.NoError(t, err)
	err = w.LaunchServer(context.Background(), group, "job-1", *launch)

	var unexpected *types.UnexpectedServerStatusError
	require.ErrorAs(t, err, &unexpected)
	assert.Equal(t, "srv-1", unexpected.ServerID)
	assert.Equal(t, "ERROR", unexpected.Status)

	// The broken server does not linger at the provider.
	assert.Equal(t, 1, fake.deleted)

	state, err := group.ViewState()
	require.NoError(t, err)
	assert.Empty(t, state.Pending)
}

func TestDeleteServerVerified(t *testing.T) {
	fake := &fakeCloud{}
	w, group, clk := newTestWorker(t, fake, 0)

	require.NoError(t, group.ModifyState(context.Background(),
		func(_ storage.ScalingGroup, state *types.GroupState) (*types.GroupState, error) {
			state.Active["srv-1"] = types.ActiveServer{
				CreatedAt: clk.now,
				IPAddress: "10.0.0.5",
				Memberships: []types.LBMembership{
					{LoadBalancerID: 42, NodeID: 7},
					{LoadBalancerID: 42, NodeID: 9}, // already detached, 404s
				},
			}
			return state, nil
		}))

	err := w.DeleteServer(context.Background(), group, "srv-1",
		[]types.LBMembership{{LoadBalancerID: 42, NodeID: 7}, {LoadBalancerID: 42, NodeID: 9}})
	require.NoError(t, err)

	assert.Equal(t, 1, fake.deleted)
	assert.Equal(t, []int{7}, fake.removedNodes)

	state, err := group.ViewState()
	require.NoError(t, err)
	assert.Empty(t, state.Active)
}

func TestUndoStackRewindsInReverse(t *testing.T) {
	var order []int
	stack := &UndoStack{}
	for i := 1; i <= 3; i++ {
		i := i
		stack.Push(func(context.Context) error {
			order = append(order, i)
			return nil
		})
	}

	stack.Rewind(context.Background(), zerolog.Nop())
	assert.Equal(t, []int{3, 2, 1}, order)

	// Rewinding again is a no-op.
	stack.Rewind(context.Background(), zerolog.Nop())
	assert.Equal(t, []int{3, 2, 1}, order)
}
