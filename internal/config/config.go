// Package config loads server configuration from config.toml under the
// server home directory, layered with NEXUS_-prefixed environment variables
// and (when invoked through cobra) command flags, following the layered
// config pattern used across the retrieval pack's job-queue services.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"
)

// Config holds every tunable the server needs at boot.
type Config struct {
	// HomeDir is the server home directory ($NEXUS_HOME), holding jobs.db,
	// the per-job working directories, api_token, and logs.
	HomeDir string `mapstructure:"home_dir"`

	// NodeName identifies this server instance in job records.
	NodeName string `mapstructure:"node_name"`

	// HTTPAddr is the listen address for the HTTP surface, e.g. ":54321".
	HTTPAddr string `mapstructure:"http_addr"`

	// RefreshRate is the scheduler tick interval, decoded as a Go duration
	// (e.g. "3s"); a bare integer is read as nanoseconds.
	RefreshRate time.Duration `mapstructure:"refresh_rate"`

	// ExternalCallTimeout bounds notifications, tracker probes, and
	// subprocess calls the scheduler makes per tick.
	ExternalCallTimeout time.Duration `mapstructure:"external_call_timeout"`

	// GPUProbeTTL is the cache lifetime for GPU Probe results.
	GPUProbeTTL time.Duration `mapstructure:"gpu_probe_ttl"`

	// MockGPUs, when >0, switches the GPU Probe to the deterministic
	// synthetic backend instead of shelling out to nvidia-smi.
	MockGPUs int `mapstructure:"mock_gpus"`

	// DiscordWebhookURL, when set, enables the discord notification sink.
	DiscordWebhookURL string `mapstructure:"discord_webhook_url"`

	// WandbSearchAgeCapSeconds is loaded but not passed to the scheduler;
	// the scheduler stops probing for a job's tracker URL after the fixed
	// wandb.MaxAge instead.
	WandbSearchAgeCapSeconds float64 `mapstructure:"wandb_search_age_cap_seconds"`
}

func Default() Config {
	home := defaultHome()
	return Config{
		HomeDir:                  home,
		NodeName:                 hostnameOrDefault(),
		HTTPAddr:                 ":54321",
		RefreshRate:              3 * time.Second,
		ExternalCallTimeout:      10 * time.Second,
		GPUProbeTTL:              1 * time.Second,
		MockGPUs:                 0,
		WandbSearchAgeCapSeconds: 720,
	}
}

func defaultHome() string {
	if h := os.Getenv("NEXUS_HOME"); h != "" {
		return h
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".nexus"
	}
	return filepath.Join(home, ".nexus")
}

func hostnameOrDefault() string {
	h, err := os.Hostname()
	if err != nil {
		return "nexus-node"
	}
	return h
}

// Load reads config.toml from home (if present), then applies NEXUS_-prefixed
// environment overrides on top of the defaults.
func Load(homeOverride string) (Config, error) {
	cfg := Default()
	if homeOverride != "" {
		cfg.HomeDir = homeOverride
	}

	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("toml")
	v.AddConfigPath(cfg.HomeDir)

	v.SetEnvPrefix("NEXUS")
	v.AutomaticEnv()

	v.SetDefault("home_dir", cfg.HomeDir)
	v.SetDefault("node_name", cfg.NodeName)
	v.SetDefault("http_addr", cfg.HTTPAddr)
	v.SetDefault("refresh_rate", cfg.RefreshRate)
	v.SetDefault("external_call_timeout", cfg.ExternalCallTimeout)
	v.SetDefault("gpu_probe_ttl", cfg.GPUProbeTTL)
	v.SetDefault("mock_gpus", cfg.MockGPUs)
	v.SetDefault("wandb_search_age_cap_seconds", cfg.WandbSearchAgeCapSeconds)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return Config{}, fmt.Errorf("reading config.toml: %w", err)
		}
	}

	// MOCK_GPUS is read unprefixed, not through the NEXUS_ namespace.
	if raw := os.Getenv("MOCK_GPUS"); raw != "" {
		v.Set("mock_gpus", raw)
	}

	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decoding config: %w", err)
	}
	if homeOverride != "" {
		cfg.HomeDir = homeOverride
	}
	return cfg, nil
}

func (c Config) DBPath() string          { return filepath.Join(c.HomeDir, "jobs.db") }
func (c Config) TokenPath() string       { return filepath.Join(c.HomeDir, "api_token") }
func (c Config) JobsDir() string         { return filepath.Join(c.HomeDir, "jobs") }
func (c Config) JobDir(id string) string { return filepath.Join(c.JobsDir(), id) }
