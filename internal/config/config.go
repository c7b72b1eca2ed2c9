// Package config loads the client agent configuration: an optional YAML file,
// then RELAYDRAFT_* environment overrides, then storage profile defaults for
// any DSN still empty.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const envPrefix = "RELAYDRAFT_"

var ErrInvalidConfig = errors.New("invalid config")

type Config struct {
	// Profile fills empty DSNs: memory, durable-local, or production.
	Profile       string `yaml:"profile"`
	DataDir       string `yaml:"data_dir"`
	ProductionDSN string `yaml:"production_dsn"`

	Endpoint     EndpointConfig     `yaml:"endpoint"`
	Storage      StorageConfig      `yaml:"storage"`
	Draft        DraftConfig        `yaml:"draft"`
	Queue        QueueConfig        `yaml:"queue"`
	Sync         SyncConfig         `yaml:"sync"`
	Connectivity ConnectivityConfig `yaml:"connectivity"`
}

type EndpointConfig struct {
	BaseURL string        `yaml:"base_url"`
	Token   string        `yaml:"token"`
	Timeout time.Duration `yaml:"timeout"`
}

type StorageConfig struct {
	PrimaryDSN string `yaml:"primary_dsn"`
	DurableDSN string `yaml:"durable_dsn"`
}

type DraftConfig struct {
	MaxAge time.Duration `yaml:"max_age"`
}

type QueueConfig struct {
	DSN           string        `yaml:"dsn"`
	Capacity      int           `yaml:"capacity"`
	MaxAttempts   int           `yaml:"max_attempts"`
	BaseDelay     time.Duration `yaml:"base_delay"`
	MaxDelay      time.Duration `yaml:"max_delay"`
	DrainInterval time.Duration `yaml:"drain_interval"`
	SchemaDir     string        `yaml:"schema_dir"`
}

type SyncConfig struct {
	TransportURL  string `yaml:"transport_url"`
	Token         string `yaml:"token"`
	ChannelPrefix string `yaml:"channel_prefix"`
	// Keys are joined for as long as the agent runs.
	Keys           []string `yaml:"keys"`
	MaxTrackedKeys int      `yaml:"max_tracked_keys"`
}

type ConnectivityConfig struct {
	HealthURL string        `yaml:"health_url"`
	Interval  time.Duration `yaml:"interval"`
	Jitter    float64       `yaml:"jitter"`
	Timeout   time.Duration `yaml:"timeout"`
}

func Default() Config {
	return Config{
		DataDir: ".relaydraft",
		Endpoint: EndpointConfig{
			BaseURL: "http://127.0.0.1:8080",
			Timeout: 15 * time.Second,
		},
		Draft: DraftConfig{MaxAge: 24 * time.Hour},
		Queue: QueueConfig{
			Capacity:      1000,
			MaxAttempts:   5,
			BaseDelay:     time.Second,
			MaxDelay:      5 * time.Minute,
			DrainInterval: 30 * time.Second,
		},
		Connectivity: ConnectivityConfig{
			Interval: 5 * time.Second,
			Jitter:   0.2,
			Timeout:  3 * time.Second,
		},
	}
}

// Load reads path when it is non-empty. A missing file at an explicit path is
// an error.
func Load(path string) (Config, error) {
	cfg := Default()
	path = strings.TrimSpace(path)
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config %s: %w", path, err)
		}
		if len(data) > 0 {
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return cfg, fmt.Errorf("parse config %s: %w", path, err)
			}
		}
	}
	if err := applyEnvOverrides(&cfg); err != nil {
		return cfg, err
	}
	if err := applyProfile(&cfg); err != nil {
		return cfg, err
	}
	normalize(&cfg)
	return cfg, nil
}

// applyProfile mirrors the storage profiles of the relay server: it only
// fills what the file and environment left empty.
func applyProfile(cfg *Config) error {
	profile := strings.ToLower(strings.TrimSpace(cfg.Profile))
	dataDir := strings.TrimSpace(cfg.DataDir)
	if dataDir == "" {
		dataDir = ".relaydraft"
	}
	var primary, durable, queue, transport string
	switch profile {
	case "", "custom":
		return nil
	case "memory", "inmemory":
		primary, durable, queue, transport = "memory://", "memory://", "memory://", "memory://"
	case "durable-local", "local-durable":
		primary = "dir://" + filepath.Join(dataDir, "primary")
		durable = "bolt://" + filepath.Join(dataDir, "drafts.db")
		queue = "file://" + filepath.Join(dataDir, "queue.json")
		transport = "spool://" + filepath.Join(dataDir, "spool")
	case "production", "prod":
		dsn := strings.TrimSpace(cfg.ProductionDSN)
		if dsn == "" {
			return fmt.Errorf("%w: production_dsn is required when profile=%s", ErrInvalidConfig, profile)
		}
		primary = "dir://" + filepath.Join(dataDir, "primary")
		durable, queue = dsn, dsn
	default:
		return fmt.Errorf("%w: unsupported profile %q", ErrInvalidConfig, cfg.Profile)
	}
	fill(&cfg.Storage.PrimaryDSN, primary)
	fill(&cfg.Storage.DurableDSN, durable)
	fill(&cfg.Queue.DSN, queue)
	fill(&cfg.Sync.TransportURL, transport)
	return nil
}

func fill(dst *string, value string) {
	if strings.TrimSpace(*dst) == "" {
		*dst = value
	}
}

func normalize(cfg *Config) {
	defaults := Default()
	cfg.Endpoint.BaseURL = strings.TrimRight(strings.TrimSpace(cfg.Endpoint.BaseURL), "/")
	if cfg.Endpoint.BaseURL == "" {
		cfg.Endpoint.BaseURL = defaults.Endpoint.BaseURL
	}
	if cfg.Endpoint.Timeout <= 0 {
		cfg.Endpoint.Timeout = defaults.Endpoint.Timeout
	}
	if cfg.Draft.MaxAge <= 0 {
		cfg.Draft.MaxAge = defaults.Draft.MaxAge
	}
	if cfg.Queue.Capacity <= 0 {
		cfg.Queue.Capacity = defaults.Queue.Capacity
	}
	if cfg.Queue.MaxAttempts <= 0 {
		cfg.Queue.MaxAttempts = defaults.Queue.MaxAttempts
	}
	if cfg.Queue.BaseDelay <= 0 {
		cfg.Queue.BaseDelay = defaults.Queue.BaseDelay
	}
	if cfg.Queue.MaxDelay < cfg.Queue.BaseDelay {
		cfg.Queue.MaxDelay = cfg.Queue.BaseDelay
	}
	if cfg.Queue.DrainInterval <= 0 {
		cfg.Queue.DrainInterval = defaults.Queue.DrainInterval
	}
	if cfg.Connectivity.Interval <= 0 {
		cfg.Connectivity.Interval = defaults.Connectivity.Interval
	}
	if cfg.Connectivity.Timeout <= 0 {
		cfg.Connectivity.Timeout = defaults.Connectivity.Timeout
	}
	if cfg.Connectivity.Jitter < 0 {
		cfg.Connectivity.Jitter = 0
	} else if cfg.Connectivity.Jitter > 1 {
		cfg.Connectivity.Jitter = 1
	}
	if strings.TrimSpace(cfg.Connectivity.HealthURL) == "" {
		cfg.Connectivity.HealthURL = cfg.Endpoint.BaseURL + "/health"
	}
	if strings.TrimSpace(cfg.Sync.Token) == "" {
		cfg.Sync.Token = cfg.Endpoint.Token
	}
	keys := cfg.Sync.Keys[:0]
	for _, key := range cfg.Sync.Keys {
		if key = strings.TrimSpace(key); key != "" && !slices.Contains(keys, key) {
			keys = append(keys, key)
		}
	}
	cfg.Sync.Keys = keys
}

func applyEnvOverrides(cfg *Config) error {
	var errs []error
	stringEnv("PROFILE", &cfg.Profile)
	stringEnv("DATA_DIR", &cfg.DataDir)
	stringEnv("PRODUCTION_DSN", &cfg.ProductionDSN)

	stringEnv("BASE_URL", &cfg.Endpoint.BaseURL)
	stringEnv("TOKEN", &cfg.Endpoint.Token)
	errs = append(errs, durationEnv("TIMEOUT", &cfg.Endpoint.Timeout))

	stringEnv("PRIMARY_DSN", &cfg.Storage.PrimaryDSN)
	stringEnv("DURABLE_DSN", &cfg.Storage.DurableDSN)
	errs = append(errs, durationEnv("DRAFT_MAX_AGE", &cfg.Draft.MaxAge))

	stringEnv("QUEUE_DSN", &cfg.Queue.DSN)
	errs = append(errs,
		intEnv("QUEUE_CAPACITY", &cfg.Queue.Capacity),
		intEnv("QUEUE_MAX_ATTEMPTS", &cfg.Queue.MaxAttempts),
		durationEnv("QUEUE_BASE_DELAY", &cfg.Queue.BaseDelay),
		durationEnv("QUEUE_MAX_DELAY", &cfg.Queue.MaxDelay),
		durationEnv("QUEUE_DRAIN_INTERVAL", &cfg.Queue.DrainInterval),
	)
	stringEnv("SCHEMA_DIR", &cfg.Queue.SchemaDir)

	stringEnv("TRANSPORT_URL", &cfg.Sync.TransportURL)
	stringEnv("TRANSPORT_TOKEN", &cfg.Sync.Token)
	stringEnv("CHANNEL_PREFIX", &cfg.Sync.ChannelPrefix)
	listEnv("SYNC_KEYS", &cfg.Sync.Keys)
	errs = append(errs, intEnv("MAX_TRACKED_KEYS", &cfg.Sync.MaxTrackedKeys))

	stringEnv("HEALTH_URL", &cfg.Connectivity.HealthURL)
	errs = append(errs,
		durationEnv("PROBE_INTERVAL", &cfg.Connectivity.Interval),
		floatEnv("PROBE_JITTER", &cfg.Connectivity.Jitter),
		durationEnv("PROBE_TIMEOUT", &cfg.Connectivity.Timeout),
	)
	return errors.Join(errs...)
}

func lookupEnv(name string) (string, bool) {
	raw := strings.TrimSpace(os.Getenv(envPrefix + name))
	return raw, raw != ""
}

func stringEnv(name string, dst *string) {
	if raw, ok := lookupEnv(name); ok {
		*dst = raw
	}
}

// listEnv reads a comma separated list.
func listEnv(name string, dst *[]string) {
	if raw, ok := lookupEnv(name); ok {
		*dst = strings.Split(raw, ",")
	}
}

func durationEnv(name string, dst *time.Duration) error {
	raw, ok := lookupEnv(name)
	if !ok {
		return nil
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("%w: %s%s=%q", ErrInvalidConfig, envPrefix, name, raw)
	}
	*dst = value
	return nil
}

func intEnv(name string, dst *int) error {
	raw, ok := lookupEnv(name)
	if !ok {
		return nil
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		return fmt.Errorf("%w: %s%s=%q", ErrInvalidConfig, envPrefix, name, raw)
	}
	*dst = value
	return nil
}

func floatEnv(name string, dst *float64) error {
	raw, ok := lookupEnv(name)
	if !ok {
		return nil
	}
	value, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return fmt.Errorf("%w: %s%s=%q", ErrInvalidConfig, envPrefix, name, raw)
	}
	*dst = value
	return nil
}
