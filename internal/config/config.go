package config

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// Config represents the main configuration for ckpt.
type Config struct {
	HostID     string           `toml:"host_id"`
	BaseDir    string           `toml:"base_dir"`
	LogDir     string           `toml:"log_dir"`
	LogLevel   string           `toml:"log_level"` // debug, info, warn, error
	Checkpoint CheckpointConfig `toml:"checkpoint"`
	Services   ServicesConfig   `toml:"services"`
	Capture    CaptureConfig    `toml:"capture"`
	Database   DatabaseConfig   `toml:"database"`
	Health     HealthConfig     `toml:"health"`
	Deployment DeploymentConfig `toml:"deployment"`
	Restore    RestoreConfig    `toml:"restore"`
	Mirrors    []MirrorConfig   `toml:"mirrors"`
}

// CheckpointConfig controls where checkpoints live and how they are stored.
type CheckpointConfig struct {
	Dir           string           `toml:"dir"`
	Compress      bool             `toml:"compress"`
	CompressLevel int              `toml:"compress_level"` // gzip level, 0 for the default
	RetentionDays int              `toml:"retention_days"`
	Scratch       ScratchConfig    `toml:"scratch"`
	Encryption    EncryptionConfig `toml:"encryption"`
}

// ScratchConfig bounds the temporary space used to extract archives.
type ScratchConfig struct {
	Dir     string `toml:"dir"`
	MaxSize int64  `toml:"max_size"` // bytes; 0 means limited only by free space
}

// EncryptionConfig holds paths to the age key pair used for archive encryption.
type EncryptionConfig struct {
	Enabled        bool   `toml:"enabled"`
	Type           string `toml:"type"` // "age" (default) or "test"
	PublicKeyPath  string `toml:"public_key_path"`
	PrivateKeyPath string `toml:"private_key_path"`
}

// ServicesConfig names the supervised services, in start order.
type ServicesConfig struct {
	Names                 []string `toml:"names"`
	SettleSeconds         int      `toml:"settle_seconds"`
	StabilizeSeconds      int      `toml:"stabilize_seconds"`
	CommandTimeoutSeconds int      `toml:"command_timeout_seconds"`
}

type CaptureConfig struct {
	Config  PathsConfig   `toml:"config"`
	Data    DataConfig    `toml:"data"`
	Docker  DockerConfig  `toml:"docker"`
	Network NetworkConfig `toml:"network"`
}

type PathsConfig struct {
	Enabled bool     `toml:"enabled"`
	Paths   []string `toml:"paths"`
}

// DataConfig lists data directories. Ignore patterns, inline or one per line
// in IgnoreFile, exclude files from data copies. Config paths are copied whole.
type DataConfig struct {
	Enabled    bool     `toml:"enabled"`
	Paths      []string `toml:"paths"`
	Ignore     []string `toml:"ignore"`
	IgnoreFile string   `toml:"ignore_file,omitempty"`
}

// DockerConfig selects the container runtime and which volumes to export.
// A volume is exported when its name is in Volumes or contains one of
// VolumeSubstrings.
type DockerConfig struct {
	Enabled          bool     `toml:"enabled"`
	Host             string   `toml:"host,omitempty"` // empty uses DOCKER_HOST
	Volumes          []string `toml:"volumes"`
	VolumeSubstrings []string `toml:"volume_substrings"`
	HelperImage      string   `toml:"helper_image"`
}

type NetworkConfig struct {
	Enabled         bool   `toml:"enabled"`
	FirewallBackend string `toml:"firewall_backend"` // "iptables", "nftables" or "none"
	RestoreFirewall bool   `toml:"restore_firewall"`
}

// DatabaseConfig represents configuration for the deployment history database.
// This uses a tagged union pattern - the Type field determines which other fields are relevant.
type DatabaseConfig struct {
	Type string `toml:"type"`           // "sqlite" or "memory"
	Path string `toml:"path,omitempty"` // only used for type=sqlite
}

type HealthConfig struct {
	StatusFile          string           `toml:"status_file"`
	IntervalSeconds     int              `toml:"interval_seconds"`
	MaxFailures         int              `toml:"max_failures"`
	HealthyThreshold    int              `toml:"healthy_threshold"`
	DegradedThreshold   int              `toml:"degraded_threshold"`
	ServiceWeight       int              `toml:"service_weight"`
	CheckTimeoutSeconds int              `toml:"check_timeout_seconds"`
	CheckRetries        int              `toml:"check_retries"`
	Endpoints           []EndpointConfig `toml:"endpoints"`
	Metrics             MetricsConfig    `toml:"metrics"`
}

// EndpointConfig is one liveness URL. Service binds it to a supervised
// service so restore verification checks it too.
type EndpointConfig struct {
	Name    string `toml:"name"`
	URL     string `toml:"url"`
	Service string `toml:"service,omitempty"`
	Weight  int    `toml:"weight"`
}

type MetricsConfig struct {
	Enabled bool   `toml:"enabled"`
	Addr    string `toml:"addr"`
}

type DeploymentConfig struct {
	AutoRollback  bool `toml:"auto_rollback"`
	RetentionDays int  `toml:"retention_days"`
}

type RestoreConfig struct {
	DegradedExitCode int `toml:"degraded_exit_code"`
}

// MirrorConfig represents configuration for an archive mirror.
// This uses a tagged union pattern - the Type field determines which other fields are relevant.
type MirrorConfig struct {
	Enabled bool   `toml:"enabled"`
	Type    string `toml:"type"` // "memory", "filesystem" or "s3"
	Name    string `toml:"name"`

	// filesystem
	Root string `toml:"root,omitempty"`

	// s3
	Bucket          string `toml:"bucket,omitempty"`
	Prefix          string `toml:"prefix,omitempty"`
	Region          string `toml:"region,omitempty"`
	Endpoint        string `toml:"endpoint,omitempty"`
	PathStyle       bool   `toml:"path_style,omitempty"`
	AccessKeyID     string `toml:"access_key_id,omitempty"`
	SecretAccessKey string `toml:"secret_access_key,omitempty"`
}

// NewConfig creates a Config for the default consul/nomad/vault/traefik
// stack with all paths under baseDir.
func NewConfig(hostID, baseDir string) *Config {
	return &Config{
		HostID:   hostID,
		BaseDir:  baseDir,
		LogDir:   filepath.Join(baseDir, "log"),
		LogLevel: "info",
		Checkpoint: CheckpointConfig{
			Dir:           filepath.Join(baseDir, "checkpoints"),
			RetentionDays: 30,
			Scratch:       ScratchConfig{Dir: filepath.Join(baseDir, "scratch")},
			Encryption: EncryptionConfig{
				Type:           "age",
				PublicKeyPath:  filepath.Join(baseDir, "keys", "ckpt.pub"),
				PrivateKeyPath: filepath.Join(baseDir, "keys", "ckpt.key"),
			},
		},
		Services: ServicesConfig{
			Names:                 []string{"consul", "vault", "nomad", "traefik"},
			SettleSeconds:         5,
			StabilizeSeconds:      10,
			CommandTimeoutSeconds: 30,
		},
		Capture: CaptureConfig{
			Config: PathsConfig{
				Enabled: true,
				Paths:   []string{"/etc/consul.d", "/etc/vault.d", "/etc/nomad.d", "/etc/traefik"},
			},
			Data: DataConfig{
				Enabled:    true,
				Paths:      []string{"/opt/consul/data", "/opt/vault/data", "/opt/nomad/data"},
				Ignore:     []string{"raft/snapshots/tmp-*/"},
				IgnoreFile: filepath.Join(baseDir, "ckptignore"),
			},
			Docker: DockerConfig{
				Enabled:          true,
				VolumeSubstrings: []string{"consul", "vault", "nomad", "traefik"},
				HelperImage:      "busybox:latest",
			},
			Network: NetworkConfig{
				Enabled:         true,
				FirewallBackend: "iptables",
			},
		},
		Database: DatabaseConfig{Type: "sqlite", Path: filepath.Join(baseDir, "db", "deployments.db")},
		Health: HealthConfig{
			StatusFile:          filepath.Join(baseDir, "health.json"),
			IntervalSeconds:     30,
			MaxFailures:         3,
			HealthyThreshold:    80,
			DegradedThreshold:   50,
			ServiceWeight:       1,
			CheckTimeoutSeconds: 5,
			CheckRetries:        2,
			Endpoints: []EndpointConfig{
				{Name: "consul", URL: "http://127.0.0.1:8500/v1/status/leader", Service: "consul", Weight: 2},
				{Name: "vault", URL: "http://127.0.0.1:8200/v1/sys/health?standbyok=true", Service: "vault", Weight: 2},
				{Name: "nomad", URL: "http://127.0.0.1:4646/v1/status/leader", Service: "nomad", Weight: 2},
				{Name: "traefik", URL: "http://127.0.0.1:8080/ping", Service: "traefik", Weight: 1},
			},
			Metrics: MetricsConfig{Addr: "127.0.0.1:9469"},
		},
		Deployment: DeploymentConfig{AutoRollback: true, RetentionDays: 90},
	}
}

// Seconds converts a config value in seconds, using def when n is not positive.
func Seconds(n int, def time.Duration) time.Duration {
	if n <= 0 {
		return def
	}
	return time.Duration(n) * time.Second
}

// Manager handles reading and writing configuration.
type Manager struct{}

// Read decodes a Config from the provided reader.
func (m *Manager) Read(r io.Reader) (*Config, error) {
	var cfg Config
	if _, err := toml.NewDecoder(r).Decode(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	return &cfg, nil
}

// Write encodes a Config to the provided writer.
func (m *Manager) Write(w io.Writer, cfg *Config) error {
	if err := toml.NewEncoder(w).Encode(cfg); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	return nil
}

// Render returns the TOML form of cfg.
func Render(cfg *Config) (string, error) {
	var buf bytes.Buffer
	if err := (&Manager{}).Write(&buf, cfg); err != nil {
		return "", err
	}
	return buf.String(), nil
}

// ReadFromFile reads a Config from the specified file path.
func ReadFromFile(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open config file: %w", err)
	}
	defer f.Close()

	m := &Manager{}
	cfg, err := m.Read(f)
	if err != nil {
		return nil, fmt.Errorf("reading config from %s: %w", path, err)
	}
	return cfg, nil
}

func writeToFile(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	// The file may hold mirror credentials.
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0600)
	if err != nil {
		return fmt.Errorf("failed to create config file: %w", err)
	}
	defer f.Close()

	m := &Manager{}
	if err := m.Write(f, cfg); err != nil {
		return fmt.Errorf("writing config to %s: %w", path, err)
	}
	return nil
}

// Init initializes a new config file at the specified path with the provided Config.
func Init(path string, cfg *Config) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("config file already exists at %s", path)
	}

	if err := writeToFile(path, cfg); err != nil {
		return fmt.Errorf("initializing config: %w", err)
	}
	return nil
}
