package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/RackerWilliams/otter/pkg/cloud"
)

// Config is the full process configuration, loaded from a YAML file.
type Config struct {
	// DataDir holds the bolt database file.
	DataDir string `yaml:"data_dir"`
	// APIAddr is the listen address for the execution API.
	APIAddr string `yaml:"api_addr"`

	Log       LogConfig       `yaml:"log"`
	Cloud     CloudConfig     `yaml:"cloud"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Metrics   MetricsConfig   `yaml:"metrics"`
}

// LogConfig controls log level and output format.
type LogConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

// CloudConfig describes the provider the worker launches servers into.
type CloudConfig struct {
	Region string `yaml:"region"`
	// AuthToken authenticates provider API calls. The OTTER_AUTH_TOKEN
	// environment variable overrides it so the token can stay out of the
	// config file.
	AuthToken      string        `yaml:"auth_token"`
	ComputeService string        `yaml:"compute_service"`
	LBService      string        `yaml:"lb_service"`
	PollInterval   time.Duration `yaml:"poll_interval"`
	ActiveTimeout  time.Duration `yaml:"active_timeout"`
	DeleteTimeout  time.Duration `yaml:"delete_timeout"`

	Catalog []CatalogService `yaml:"catalog"`
}

// CatalogService is one service catalog entry.
type CatalogService struct {
	Name      string            `yaml:"name"`
	Type      string            `yaml:"type"`
	Endpoints []CatalogEndpoint `yaml:"endpoints"`
}

// CatalogEndpoint is one regional endpoint of a catalog service.
type CatalogEndpoint struct {
	Region    string `yaml:"region"`
	PublicURL string `yaml:"public_url"`
}

// SchedulerConfig controls the event mining loop.
type SchedulerConfig struct {
	Interval  time.Duration `yaml:"interval"`
	BatchSize int           `yaml:"batch_size"`
}

// MetricsConfig controls the periodic gauge collector.
type MetricsConfig struct {
	// Tenants to report group, policy and webhook counts for.
	Tenants []string `yaml:"tenants"`
}

// Default returns a configuration with every field set to its default.
func Default() *Config {
	return &Config{
		DataDir: "./otter-data",
		APIAddr: "127.0.0.1:9000",
		Log: LogConfig{
			Level: "info",
		},
		Cloud: CloudConfig{
			Region: "DFW",
		},
	}
}

// Load reads a YAML config file and applies defaults for anything unset.
// An empty path returns the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}
	if token := os.Getenv("OTTER_AUTH_TOKEN"); token != "" {
		cfg.Cloud.AuthToken = token
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.DataDir == "" {
		return fmt.Errorf("data_dir is required")
	}
	if c.APIAddr == "" {
		return fmt.Errorf("api_addr is required")
	}
	for _, svc := range c.Cloud.Catalog {
		if svc.Name == "" {
			return fmt.Errorf("catalog entries require a name")
		}
		for _, ep := range svc.Endpoints {
			if ep.Region == "" || ep.PublicURL == "" {
				return fmt.Errorf("catalog endpoints for %q require region and public_url", svc.Name)
			}
		}
	}
	return nil
}

// ServiceCatalog converts the configured catalog into the form the cloud
// client resolves endpoints from.
func (c *Config) ServiceCatalog() cloud.ServiceCatalog {
	catalog := make(cloud.ServiceCatalog, 0, len(c.Cloud.Catalog))
	for _, svc := range c.Cloud.Catalog {
		entry := cloud.CatalogEntry{Name: svc.Name, Type: svc.Type}
		for _, ep := range svc.Endpoints {
			entry.Endpoints = append(entry.Endpoints, cloud.Endpoint{
				Region:    ep.Region,
				PublicURL: ep.PublicURL,
			})
		}
		catalog = append(catalog, entry)
	}
	return catalog
}
