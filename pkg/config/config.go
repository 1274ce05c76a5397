// Package config loads the daemon's YAML configuration file, whose
// path is supplied via the QUORUMHV_CONFIG environment variable (spec
// §6 "Configuration"). Grounds on cmd/warren/apply.go's yaml.v3 usage
// and cmd/warren/main.go's env/flag defaulting idiom.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// EnvVar is the environment variable naming the config file path.
const EnvVar = "QUORUMHV_CONFIG"

// FenceAction is the successful_fence/failed_fence setting.
type FenceAction string

const (
	FenceMigrate FenceAction = "migrate"
	FenceNone    FenceAction = "none"
)

// Config is the full recognized key set from spec §6.
type Config struct {
	Coordinators []string `yaml:"coordinators"`

	ClusterDev   string `yaml:"cluster_dev"`
	ClusterDevIP string `yaml:"cluster_dev_ip"`
	ClusterMTU   int    `yaml:"cluster_mtu"`

	StorageDev   string `yaml:"storage_dev"`
	StorageDevIP string `yaml:"storage_dev_ip"`
	StorageMTU   int    `yaml:"storage_mtu"`

	UpstreamDev     string `yaml:"upstream_dev"`
	UpstreamDevIP   string `yaml:"upstream_dev_ip"`
	UpstreamMTU     int    `yaml:"upstream_mtu"`
	UpstreamGateway string `yaml:"upstream_gateway"`

	VNIDev string `yaml:"vni_dev"`

	KeepaliveInterval int         `yaml:"keepalive_interval"`
	FenceIntervals    int         `yaml:"fence_intervals"`
	SuicideIntervals  int         `yaml:"suicide_intervals"`
	SuccessfulFence   FenceAction `yaml:"successful_fence"`
	FailedFence       FenceAction `yaml:"failed_fence"`

	IPMIHostname string `yaml:"ipmi_hostname"`
	IPMIUsername string `yaml:"ipmi_username"`
	IPMIPassword string `yaml:"ipmi_password"`

	EnableHypervisor bool `yaml:"enable_hypervisor"`
	EnableStorage    bool `yaml:"enable_storage"`
	EnableNetworking bool `yaml:"enable_networking"`

	LogDates         bool `yaml:"log_dates"`
	LogColours       bool `yaml:"log_colours"`
	FileLogging      bool `yaml:"file_logging"`
	ZookeeperLogging bool `yaml:"zookeeper_logging"`

	NodeLogLines         int    `yaml:"node_log_lines"`
	ConsoleLogLines      int    `yaml:"console_log_lines"`
	ConsoleLogDirectory  string `yaml:"console_log_directory"`
}

// defaults mirrors the constants named throughout the spec text
// (T_k = 5s keepalive, F = 6 saving throws, etc).
func defaults() Config {
	return Config{
		KeepaliveInterval:   5,
		FenceIntervals:      6,
		SuicideIntervals:    6,
		SuccessfulFence:     FenceMigrate,
		FailedFence:         FenceMigrate,
		EnableHypervisor:    true,
		NodeLogLines:        200,
		ConsoleLogLines:     500,
		ConsoleLogDirectory: "/var/log/quorumhv/console",
	}
}

// Load reads and parses the file named by QUORUMHV_CONFIG. Returns an
// error suitable for a fatal, non-zero-exit startup failure (spec §6
// "Exit codes").
func Load() (*Config, error) {
	path := os.Getenv(EnvVar)
	if path == "" {
		return nil, fmt.Errorf("config: %s is not set", EnvVar)
	}
	return LoadFile(path)
}

// LoadFile reads and parses path directly, for callers (such as tests)
// that already hold an explicit file path.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	cfg := defaults()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: %s: %w", path, err)
	}
	return &cfg, nil
}

// Validate checks the invariants this config must carry regardless of
// which keys the operator bothered to set.
func (c *Config) Validate() error {
	if len(c.Coordinators) == 0 {
		return fmt.Errorf("coordinators must list at least one host:port")
	}
	if c.SuccessfulFence != FenceMigrate && c.SuccessfulFence != FenceNone {
		return fmt.Errorf("successful_fence must be %q or %q, got %q", FenceMigrate, FenceNone, c.SuccessfulFence)
	}
	if c.FailedFence != FenceMigrate && c.FailedFence != FenceNone {
		return fmt.Errorf("failed_fence must be %q or %q, got %q", FenceMigrate, FenceNone, c.FailedFence)
	}
	if c.KeepaliveInterval <= 0 {
		return fmt.Errorf("keepalive_interval must be positive")
	}
	return nil
}
