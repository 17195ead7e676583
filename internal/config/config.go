package config

import (
	"os"
	"path/filepath"
	"strconv"

	"github.com/BurntSushi/toml"
)

type Config struct {
	Host      HostConfig      `toml:"host"`
	Container ContainerConfig `toml:"container"`
	Queue     QueueConfig     `toml:"queue"`
	Database  DatabaseConfig  `toml:"database"`
	Steer     SteerConfig     `toml:"steer"`
	Observer  ObserverConfig  `toml:"observer"`
	Groups    []GroupConfig   `toml:"groups"`
}

type HostConfig struct {
	AssistantName string `toml:"assistant_name"`
	WorkspacePath string `toml:"workspace_path"`
	// ReloadInstructionsNonMain re-reads group instruction files on every
	// turn for non-main groups instead of only at startup.
	ReloadInstructionsNonMain bool `toml:"reload_instructions_non_main"`
}

type ContainerConfig struct {
	Image string `toml:"image"`
	// Timeouts in milliseconds, matching the env knobs.
	NoOutputTimeoutMS int64 `toml:"no_output_timeout_ms"`
	IdleTimeoutMS     int64 `toml:"idle_timeout_ms"`
	HardTimeoutMS     int64 `toml:"hard_timeout_ms"`
	MaxConcurrent     int   `toml:"max_concurrent"`
	PullImage         bool  `toml:"pull_image"`
}

type QueueConfig struct {
	MaxRetries int `toml:"max_retries"`
	BatchSize  int `toml:"batch_size"`
}

type DatabaseConfig struct {
	// Driver is "sqlite" or "postgres".
	Driver      string `toml:"driver"`
	Path        string `toml:"path"`         // sqlite file
	PostgresURL string `toml:"postgres_url"` // pgx pool DSN
}

type SteerConfig struct {
	// TTLSeconds before an unacked steer expires (0 disables expiry).
	TTLSeconds int64 `toml:"ttl_seconds"`
}

type ObserverConfig struct {
	Enabled  bool   `toml:"enabled"`
	Endpoint string `toml:"endpoint"`
}

type GroupConfig struct {
	Folder  string   `toml:"folder"`
	ChatJID string   `toml:"chat_jid"`
	Image   string   `toml:"image"` // overrides container.image
	Mounts  []string `toml:"mounts"`
	// SecretScope names the host env vars injected into this group's
	// containers.
	SecretScope []string `toml:"secret_scope"`
}

// Default returns a Config with all defaults applied.
func Default() Config {
	home, _ := os.UserHomeDir()
	if home == "" {
		home = "/tmp"
	}
	return Config{
		Host: HostConfig{
			AssistantName: "Andy",
			WorkspacePath: filepath.Join(home, "nanoclaw-workspace"),
		},
		Container: ContainerConfig{
			Image:             "nanoclaw-agent:latest",
			NoOutputTimeoutMS: 720_000,   // 12 min
			IdleTimeoutMS:     300_000,   // 5 min
			HardTimeoutMS:     1_800_000, // 30 min floor
			MaxConcurrent:     4,
		},
		Queue:    QueueConfig{MaxRetries: 3, BatchSize: 50},
		Database: DatabaseConfig{Driver: "sqlite", Path: "nanoclaw.db"},
		Steer:    SteerConfig{TTLSeconds: 3600},
	}
}

// Load reads config: defaults -> TOML file -> env vars (env wins).
func Load(path string) Config {
	cfg := Default()

	if path == "" {
		path = "nanoclaw.toml"
	}

	if data, err := os.ReadFile(path); err == nil {
		_ = toml.Unmarshal(data, &cfg)
	}

	// Env overrides
	if v, ok := envInt64("CONTAINER_NO_OUTPUT_TIMEOUT"); ok {
		cfg.Container.NoOutputTimeoutMS = v
	}
	if v, ok := envInt64("IDLE_TIMEOUT"); ok {
		cfg.Container.IdleTimeoutMS = v
	}
	if v, ok := envInt64("CONTAINER_TIMEOUT"); ok {
		cfg.Container.HardTimeoutMS = v
	}
	if v, ok := envInt64("MAX_RETRIES"); ok {
		cfg.Queue.MaxRetries = int(v)
	}
	if v, ok := envInt64("MAX_CONCURRENT_CONTAINERS"); ok {
		cfg.Container.MaxConcurrent = int(v)
	}
	if v := os.Getenv("WORKER_CONTAINER_IMAGE"); v != "" {
		cfg.Container.Image = v
	}
	if v := os.Getenv("NANOCLAW_DATABASE_URL"); v != "" {
		cfg.Database.Driver = "postgres"
		cfg.Database.PostgresURL = v
	}
	if v := os.Getenv("NANOCLAW_OBSERVER_ENDPOINT"); v != "" {
		cfg.Observer.Enabled = true
		cfg.Observer.Endpoint = v
	}

	// Floors: a hard timeout below 30 minutes defeats its purpose, and
	// zero container slots would deadlock every queue.
	if cfg.Container.HardTimeoutMS < 1_800_000 {
		cfg.Container.HardTimeoutMS = 1_800_000
	}
	if cfg.Container.MaxConcurrent < 1 {
		cfg.Container.MaxConcurrent = 1
	}
	if cfg.Queue.MaxRetries < 1 {
		cfg.Queue.MaxRetries = 1
	}

	return cfg
}

func envInt64(name string) (int64, bool) {
	v := os.Getenv(name)
	if v == "" {
		return 0, false
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}
