package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix is prepended to environment overrides, e.g. OVERWATCH_DATA_DIR
const EnvPrefix = "OVERWATCH"

var (
	// DefaultHTTPPort serves /health, /ready, /metrics and /v1/*
	DefaultHTTPPort = 9190
	// DefaultGRPCPort serves the standard gRPC health service
	DefaultGRPCPort = 9191
	// DefaultRaftPort is the membership transport port
	DefaultRaftPort = 9192
)

type Runtime struct {
	// Backend is docker or containerd
	Backend   string `mapstructure:"backend" yaml:"backend"`
	Socket    string `mapstructure:"socket" yaml:"socket"`
	Namespace string `mapstructure:"namespace" yaml:"namespace"`
	Network   string `mapstructure:"network" yaml:"network"`
	// Prefetch pulls every image of the mode's list in parallel before the
	// ordered walk begins
	Prefetch bool `mapstructure:"prefetch" yaml:"prefetch"`
	// OperationTimeout bounds each pull, create and start call
	OperationTimeout time.Duration `mapstructure:"operation_timeout" yaml:"operation_timeout"`
}

type CA struct {
	// URL is the signing endpoint base, reached from the host
	URL              string        `mapstructure:"url" yaml:"url"`
	RenewalThreshold time.Duration `mapstructure:"renewal_threshold" yaml:"renewal_threshold"`
	LeafLifetime     time.Duration `mapstructure:"leaf_lifetime" yaml:"leaf_lifetime"`
	RetryInterval    time.Duration `mapstructure:"retry_interval" yaml:"retry_interval"`
	RetryTimeout     time.Duration `mapstructure:"retry_timeout" yaml:"retry_timeout"`
	// UID and GID own the CA's private storage; -1 leaves ownership alone
	UID int `mapstructure:"uid" yaml:"uid"`
	GID int `mapstructure:"gid" yaml:"gid"`
}

type Status struct {
	HTTPAddr string `mapstructure:"http_address" yaml:"http_address"`
	GRPCAddr string `mapstructure:"grpc_address" yaml:"grpc_address"`
	// RecentEvents is how many events /v1/events keeps
	RecentEvents int `mapstructure:"recent_events" yaml:"recent_events"`
}

type Schedule struct {
	// Reload re-runs the driver when the current snapshot changed
	Reload string `mapstructure:"reload" yaml:"reload"`
	// Renewal re-runs the driver when a certificate nears expiry
	Renewal string `mapstructure:"renewal" yaml:"renewal"`
}

type Readiness struct {
	Enabled  bool          `mapstructure:"enabled" yaml:"enabled"`
	Interval time.Duration `mapstructure:"interval" yaml:"interval"`
	Timeout  time.Duration `mapstructure:"timeout" yaml:"timeout"`
}

type Membership struct {
	BindAddr string `mapstructure:"bind_address" yaml:"bind_address"`
	// Hostname overrides os.Hostname when matching this node in the list
	Hostname string `mapstructure:"hostname" yaml:"hostname"`
}

type Log struct {
	Level string `mapstructure:"level" yaml:"level"`
	JSON  bool   `mapstructure:"json" yaml:"json"`
}

type Config struct {
	DataDir string `mapstructure:"data_dir" yaml:"data_dir"`
	// KeysPassphraseFile enables age encryption of snapshot key sidecars
	KeysPassphraseFile string            `mapstructure:"keys_passphrase_file" yaml:"keys_passphrase_file"`
	Images             map[string]string `mapstructure:"images" yaml:"images"`
	Runtime            Runtime           `mapstructure:"runtime" yaml:"runtime"`
	CA                 CA                `mapstructure:"ca" yaml:"ca"`
	Status             Status            `mapstructure:"status" yaml:"status"`
	Schedule           Schedule          `mapstructure:"schedule" yaml:"schedule"`
	Readiness          Readiness         `mapstructure:"readiness" yaml:"readiness"`
	Membership         Membership        `mapstructure:"membership" yaml:"membership"`
	Log                Log               `mapstructure:"log" yaml:"log"`
}

func Default() *Config {
	return &Config{
		DataDir: defaultDataDir(),
		Images:  map[string]string{},
		Runtime: Runtime{
			Backend:          "docker",
			Namespace:        "overwatch",
			Network:          "overwatch",
			OperationTimeout: 10 * time.Minute,
		},
		CA: CA{
			URL:              "https://127.0.0.1:9000",
			RenewalThreshold: 66 * 24 * time.Hour,
			LeafLifetime:     90 * 24 * time.Hour,
			RetryInterval:    3 * time.Second,
			RetryTimeout:     60 * time.Second,
			UID:              1000,
			GID:              1000,
		},
		Status: Status{
			HTTPAddr:     fmt.Sprintf("127.0.0.1:%d", DefaultHTTPPort),
			GRPCAddr:     fmt.Sprintf("127.0.0.1:%d", DefaultGRPCPort),
			RecentEvents: 100,
		},
		Schedule: Schedule{
			Reload:  "@every 30s",
			Renewal: "@every 12h",
		},
		Readiness: Readiness{
			Enabled:  true,
			Interval: 2 * time.Second,
			Timeout:  2 * time.Minute,
		},
		Membership: Membership{
			BindAddr: fmt.Sprintf("0.0.0.0:%d", DefaultRaftPort),
		},
		Log: Log{Level: "info"},
	}
}

func defaultDataDir() string {
	if st, err := os.Stat("/var/lib"); err == nil && st.IsDir() {
		return "/var/lib/overwatch"
	}
	home, _ := os.UserHomeDir()
	if home == "" {
		return "./data"
	}
	return filepath.Join(home, ".overwatch")
}

// Load reads the daemon configuration. An empty path searches overwatch.yaml
// in the working directory and /etc/overwatch/; a missing file is not an
// error, every value has a default. OVERWATCH_* environment variables
// override file values.
func Load(path string) (*Config, error) {
	v := viper.New()
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("overwatch")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/overwatch/")
	}
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	cfg := Default()
	bindDefaults(v, cfg)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// bindDefaults registers every key so AutomaticEnv can override values that
// are absent from the file
func bindDefaults(v *viper.Viper, cfg *Config) {
	v.SetDefault("data_dir", cfg.DataDir)
	v.SetDefault("keys_passphrase_file", cfg.KeysPassphraseFile)
	v.SetDefault("runtime.backend", cfg.Runtime.Backend)
	v.SetDefault("runtime.socket", cfg.Runtime.Socket)
	v.SetDefault("runtime.namespace", cfg.Runtime.Namespace)
	v.SetDefault("runtime.network", cfg.Runtime.Network)
	v.SetDefault("runtime.prefetch", cfg.Runtime.Prefetch)
	v.SetDefault("runtime.operation_timeout", cfg.Runtime.OperationTimeout)
	v.SetDefault("ca.url", cfg.CA.URL)
	v.SetDefault("ca.renewal_threshold", cfg.CA.RenewalThreshold)
	v.SetDefault("ca.leaf_lifetime", cfg.CA.LeafLifetime)
	v.SetDefault("ca.retry_interval", cfg.CA.RetryInterval)
	v.SetDefault("ca.retry_timeout", cfg.CA.RetryTimeout)
	v.SetDefault("ca.uid", cfg.CA.UID)
	v.SetDefault("ca.gid", cfg.CA.GID)
	v.SetDefault("status.http_address", cfg.Status.HTTPAddr)
	v.SetDefault("status.grpc_address", cfg.Status.GRPCAddr)
	v.SetDefault("status.recent_events", cfg.Status.RecentEvents)
	v.SetDefault("schedule.reload", cfg.Schedule.Reload)
	v.SetDefault("schedule.renewal", cfg.Schedule.Renewal)
	v.SetDefault("readiness.enabled", cfg.Readiness.Enabled)
	v.SetDefault("readiness.interval", cfg.Readiness.Interval)
	v.SetDefault("readiness.timeout", cfg.Readiness.Timeout)
	v.SetDefault("membership.bind_address", cfg.Membership.BindAddr)
	v.SetDefault("membership.hostname", cfg.Membership.Hostname)
	v.SetDefault("log.level", cfg.Log.Level)
	v.SetDefault("log.json", cfg.Log.JSON)
}

// Validate rejects values the daemon cannot run with
func (c *Config) Validate() error {
	if c.DataDir == "" {
		return fmt.Errorf("data_dir must not be empty")
	}
	switch c.Runtime.Backend {
	case "docker", "containerd":
	default:
		return fmt.Errorf("unsupported runtime backend: %q", c.Runtime.Backend)
	}
	if c.CA.RenewalThreshold <= 0 {
		return fmt.Errorf("ca.renewal_threshold must be positive")
	}
	if c.CA.LeafLifetime <= c.CA.RenewalThreshold {
		return fmt.Errorf("ca.leaf_lifetime (%s) must exceed ca.renewal_threshold (%s)",
			c.CA.LeafLifetime, c.CA.RenewalThreshold)
	}
	if c.CA.RetryInterval <= 0 || c.CA.RetryTimeout <= 0 {
		return fmt.Errorf("ca retry interval and timeout must be positive")
	}
	return nil
}

// Path helpers keep every on-disk location in one place.

func (c *Config) SnapshotDir() string { return filepath.Join(c.DataDir, "config") }
func (c *Config) KeysDir() string     { return filepath.Join(c.DataDir, "keys") }
func (c *Config) CADir() string       { return filepath.Join(c.DataDir, "ca") }
func (c *Config) SharedDir() string   { return filepath.Join(c.DataDir, "shared") }
func (c *Config) CertsDir() string    { return filepath.Join(c.DataDir, "certs") }
func (c *Config) VolumesDir() string  { return filepath.Join(c.DataDir, "volumes") }
func (c *Config) StateDB() string     { return filepath.Join(c.DataDir, "overwatch.db") }
func (c *Config) RaftDir() string     { return filepath.Join(c.DataDir, "raft") }

// Image returns the configured image override for a service, or def
func (c *Config) Image(service, def string) string {
	if img, ok := c.Images[service]; ok && img != "" {
		return img
	}
	return def
}

// KeysPassphrase reads the sidecar passphrase, or returns "" when none is
// configured
func (c *Config) KeysPassphrase() (string, error) {
	if c.KeysPassphraseFile == "" {
		return "", nil
	}
	data, err := os.ReadFile(c.KeysPassphraseFile)
	if err != nil {
		return "", fmt.Errorf("failed to read keys passphrase: %w", err)
	}
	return strings.TrimSpace(string(data)), nil
}
