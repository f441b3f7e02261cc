package api

import (
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	bolt "go.etcd.io/bbolt"

	"github.com/RackerWilliams/otter/pkg/controller"
	"github.com/RackerWilliams/otter/pkg/locks"
	"github.com/RackerWilliams/otter/pkg/storage"
	"github.com/RackerWilliams/otter/pkg/types"
)

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time { return c.now }

func intPtr(n int) *int { return &n }

func newTestServer(t *testing.T) (*Server, storage.ScalingGroup, types.Webhook) {
	t.Helper()
	db, err := bolt.Open(filepath.Join(t.TempDir(), "otter.db"), 0o600,
		&bolt.Options{Timeout: time.Second})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	svc, err := locks.NewService(db, 0)
	require.NoError(t, err)

	clk := &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	store, err := storage.New(db, svc, clk, zerolog.Nop())
	require.NoError(t, err)

	m, err := store.CreateGroup("t1", types.GroupConfig{Name: "g", MaxEntities: 10},
		types.LaunchConfig{Server: types.ServerConfig{ImageRef: "image-1", FlavorRef: "flavor-2"}},
		[]types.Policy{{Name: "up", Type: types.PolicyWebhook, Change: intPtr(1)}})
	require.NoError(t, err)
	group := store.GetGroup("t1", m.ID)

	hooks, err := group.CreateWebhooks(m.Policies[0].ID, []types.Webhook{{Name: "alarm"}})
	require.NoError(t, err)

	ctrl := controller.New(clk, zerolog.Nop())
	return New(":0", store, ctrl, nil, zerolog.Nop()), group, hooks[0]
}

func TestExecuteWebhook(t *testing.T) {
	server, group, hook := newTestServer(t)
	ts := httptest.NewServer(server.Routes())
	defer ts.Close()

	resp, err := http.Post(ts.URL+"/v1.0/execute/1/"+hook.Capability.Hash, "", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)

	// Execution is asynchronous behind the 202.
	assert.Eventually(t, func() bool {
		state, err := group.ViewState()
		return err == nil && len(state.Pending) == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestExecuteWebhookUnknownHash(t *testing.T) {
	server, _, _ := newTestServer(t)
	ts := httptest.NewServer(server.Routes())
	defer ts.Close()

	resp, err := http.Post(ts.URL+"/v1.0/execute/1/deadbeef", "", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestExecuteWebhookWrongVersion(t *testing.T) {
	server, _, hook := newTestServer(t)
	ts := httptest.NewServer(server.Routes())
	defer ts.Close()

	resp, err := http.Post(ts.URL+"/v1.0/execute/2/"+hook.Capability.Hash, "", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestHealthEndpoints(t *testing.T) {
	server, _, _ := newTestServer(t)
	ts := httptest.NewServer(server.Routes())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/live")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(ts.URL + "/metrics")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
