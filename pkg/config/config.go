package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the control-plane settings.
type Config struct {
	// DataDir is where the BoltDB state and temp build directories live.
	DataDir string `yaml:"data_dir"`

	// DockerHost overrides the docker daemon endpoint (empty = environment).
	DockerHost string `yaml:"docker_host"`

	// ProxyAdminURL is the base URL of the reverse-proxy admin API.
	ProxyAdminURL string `yaml:"proxy_admin_url"`

	// LogSinkURL is the push endpoint of the external log store.
	LogSinkURL string `yaml:"log_sink_url"`

	// FluentdAddress is where container log drivers forward runtime logs.
	FluentdAddress string `yaml:"fluentd_address"`

	// RootDomain is the apex under which default service URLs are generated
	// ($slug-$env.$root_domain).
	RootDomain string `yaml:"root_domain"`

	// ReservedDomains cannot be claimed by user URL routes.
	ReservedDomains []string `yaml:"reserved_domains"`

	// FrontendAuthURL is the endpoint per-deployment preview routes call to
	// authenticate requests before forwarding.
	FrontendAuthURL string `yaml:"frontend_auth_url"`

	MetricsAddr string `yaml:"metrics_addr"`

	// GitHubToken / GitLabToken authenticate pull-request status comments on
	// preview environments. Empty disables the provider.
	GitHubToken string `yaml:"github_token"`
	GitLabToken string `yaml:"gitlab_token"`

	LogLevel string `yaml:"log_level"`
	LogJSON  bool   `yaml:"log_json"`

	// CancelQueuedOnDeploy cancels previously queued, not-yet-started
	// deployments of a service when a new one is queued. In-flight
	// deployments are never touched.
	CancelQueuedOnDeploy bool `yaml:"cancel_queued_on_deploy"`

	// Timeouts for orchestrator activities.
	Timeouts Timeouts `yaml:"timeouts"`
}

// Timeouts bounds the orchestrator's long-running activities.
type Timeouts struct {
	Metadata    time.Duration `yaml:"metadata"`
	ScaleDeploy time.Duration `yaml:"scale_deploy"`
	ImagePull   time.Duration `yaml:"image_pull"`
	ImageBuild  time.Duration `yaml:"image_build"`
	ProxyWrite  time.Duration `yaml:"proxy_write"`
}

// Default returns the default configuration.
func Default() *Config {
	return &Config{
		DataDir:              "/var/lib/zane",
		ProxyAdminURL:        "http://127.0.0.1:2019",
		LogSinkURL:           "http://127.0.0.1:3100",
		FluentdAddress:       "unix:///var/run/zane/fluentd.sock",
		RootDomain:           "zaneops.local",
		ReservedDomains:      []string{"zaneops.local", "*.zaneops.local"},
		FrontendAuthURL:      "http://zane.front:3000/api/auth/me/with-token",
		MetricsAddr:          ":9200",
		LogLevel:             "info",
		CancelQueuedOnDeploy: true,
		Timeouts: Timeouts{
			Metadata:    30 * time.Second,
			ScaleDeploy: 60 * time.Second,
			ImagePull:   60 * time.Second,
			ImageBuild:  20 * time.Minute,
			ProxyWrite:  5 * time.Second,
		},
	}
}

// Load reads a YAML config file and merges it over the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	return cfg, nil
}

// IsDomainReserved reports whether the domain is reserved for Zane itself.
func (c *Config) IsDomainReserved(domain string) bool {
	for _, reserved := range c.ReservedDomains {
		if domain == reserved {
			return true
		}
	}
	return false
}
