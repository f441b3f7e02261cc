package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "otter.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "./otter-data", cfg.DataDir)
	assert.Equal(t, "127.0.0.1:9000", cfg.APIAddr)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "DFW", cfg.Cloud.Region)
}

func TestLoadFile(t *testing.T) {
	path := writeConfig(t, `
data_dir: /var/lib/otter
api_addr: ":8080"
log:
  level: debug
  json: true
cloud:
  region: ORD
  poll_interval: 3s
  catalog:
    - name: cloudServersOpenStack
      type: compute
      endpoints:
        - region: ORD
          public_url: https://ord.servers.example.com/v2/t1
scheduler:
  interval: 5s
  batch_size: 50
metrics:
  tenants: [t1, t2]
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "/var/lib/otter", cfg.DataDir)
	assert.Equal(t, ":8080", cfg.APIAddr)
	assert.True(t, cfg.Log.JSON)
	assert.Equal(t, "ORD", cfg.Cloud.Region)
	assert.Equal(t, 3*time.Second, cfg.Cloud.PollInterval)
	assert.Equal(t, 5*time.Second, cfg.Scheduler.Interval)
	assert.Equal(t, 50, cfg.Scheduler.BatchSize)
	assert.Equal(t, []string{"t1", "t2"}, cfg.Metrics.Tenants)

	catalog := cfg.ServiceCatalog()
	url, err := catalog.PublicEndpointURL("cloudServersOpenStack", "ORD")
	require.NoError(t, err)
	assert.Equal(t, "https://ord.servers.example.com/v2/t1", url)
}

func TestLoadInvalid(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"empty data dir", "data_dir: \"\""},
		{"catalog entry without name", `
cloud:
  catalog:
    - type: compute
`},
		{"endpoint without url", `
cloud:
  catalog:
    - name: cloudServersOpenStack
      endpoints:
        - region: DFW
`},
		{"bad yaml", "data_dir: [unclosed"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.body))
			assert.Error(t, err)
		})
	}
}

func TestAuthTokenFromEnv(t *testing.T) {
	t.Setenv("OTTER_AUTH_TOKEN", "secret-token")
	path := writeConfig(t, `
cloud:
  auth_token: from-file
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "secret-token", cfg.Cloud.AuthToken)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}
