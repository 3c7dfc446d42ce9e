package config

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"overlay/pkg/auth"
)

type Config struct {
	Coop             CoopConfig             `json:"coop"`
	Fog              FogConfig              `json:"fog"`
	FederationServer FederationServerConfig `json:"federation_server"`
	Metrics          MetricsConfig          `json:"metrics"`
	Gossip           GossipConfig           `json:"gossip"`
	TLS              auth.TLSConfig         `json:"tls"`
}

type CoopConfig struct {
	Threshold         int           `json:"threshold"`
	TotalServers      int           `json:"total_servers"`
	PowDifficulty     int           `json:"pow_difficulty"`
	MaxPowAttempts    int64         `json:"max_pow_attempts"`
	HandleValidity    Duration      `json:"handle_validity"`
	RequestTimeout    Duration      `json:"request_timeout"`
	FederationServers []ServerEntry `json:"federation_servers"`
}

type ServerEntry struct {
	ServerID string `json:"server_id"`
	Endpoint string `json:"endpoint"`
}

type FogConfig struct {
	Enabled            bool   `json:"enabled"`
	TopicBucketMinutes int    `json:"topic_bucket_minutes"`
	KThreshold         int    `json:"k_threshold"`
	DecayHours         int    `json:"decay_hours"`
	ManifestSummary    string `json:"manifest_summary"`
}

type FederationServerConfig struct {
	ServerID      string `json:"server_id"`
	ListenAddress string `json:"listen_address"`
	// MasterSecret is hex encoded.
	MasterSecret string `json:"master_secret"`
	DataDir      string `json:"data_dir"`
}

type MetricsConfig struct {
	ListenAddress string `json:"listen_address"`
}

type GossipConfig struct {
	ListenAddress string   `json:"listen_address"`
	Peers         []string `json:"peers"`
	Fanout        int      `json:"fanout"`
	Period        Duration `json:"period"`
}

// DefaultConfig returns a configuration with the protocol defaults and no
// federation servers.
func DefaultConfig() *Config {
	return &Config{
		Coop: CoopConfig{
			Threshold:      3,
			TotalServers:   5,
			PowDifficulty:  18,
			MaxPowAttempts: 10_000_000,
			HandleValidity: Duration(7 * 24 * time.Hour),
			RequestTimeout: Duration(5 * time.Second),
		},
		Fog: FogConfig{
			Enabled:            true,
			TopicBucketMinutes: 30,
			KThreshold:         3,
			DecayHours:         72,
		},
		FederationServer: FederationServerConfig{
			ListenAddress: ":7400",
			DataDir:       filepath.Join(GetConfigDir(), "replay"),
		},
		Metrics: MetricsConfig{
			ListenAddress: ":9400",
		},
		Gossip: GossipConfig{
			ListenAddress: ":7401",
			Fanout:        3,
			Period:        Duration(30 * time.Second),
		},
		TLS: auth.DefaultTLSConfig(),
	}
}

// GetConfigDir returns the overlay configuration directory
func GetConfigDir() string {
	if dir := os.Getenv("OVERLAY_CONFIG_DIR"); dir != "" {
		return dir
	}

	if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
		return filepath.Join(xdgConfig, "overlay")
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return ".overlay"
	}
	return filepath.Join(home, ".overlay")
}

// GetConfigPath returns the path to the default config file
func GetConfigPath() string {
	return filepath.Join(GetConfigDir(), "config.json")
}

// LoadConfig reads path over the defaults. Fields missing from the file keep
// their default values.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	cfg.FederationServer.DataDir = expandPath(cfg.FederationServer.DataDir)

	return cfg, nil
}

// LoadFromEnv builds a configuration from OVERLAY_* variables on top of the
// defaults.
func LoadFromEnv() (*Config, error) {
	cfg := DefaultConfig()

	var errs []error
	intVar := func(key string, dst *int) {
		if v := os.Getenv(key); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = n
		}
	}
	durationVar := func(key string, dst *Duration) {
		if v := os.Getenv(key); v != "" {
			d, err := ParseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = d
		}
	}

	intVar("OVERLAY_COOP_POW_DIFFICULTY", &cfg.Coop.PowDifficulty)
	durationVar("OVERLAY_COOP_HANDLE_VALIDITY", &cfg.Coop.HandleValidity)
	if servers := os.Getenv("OVERLAY_FEDERATION_SERVERS"); servers != "" {
		// Comma separated id=endpoint pairs: fed-0=host:7400,fed-1=host:7410
		entries, err := parseServerList(servers)
		if err != nil {
			errs = append(errs, fmt.Errorf("OVERLAY_FEDERATION_SERVERS: %w", err))
		}
		cfg.Coop.FederationServers = entries
	}

	if v := os.Getenv("OVERLAY_FOG_ENABLED"); v != "" {
		enabled, err := strconv.ParseBool(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("OVERLAY_FOG_ENABLED: %w", err))
		}
		cfg.Fog.Enabled = enabled
	}
	intVar("OVERLAY_FOG_K_THRESHOLD", &cfg.Fog.KThreshold)
	intVar("OVERLAY_FOG_DECAY_HOURS", &cfg.Fog.DecayHours)
	cfg.Fog.ManifestSummary = getEnv("OVERLAY_FOG_MANIFEST", cfg.Fog.ManifestSummary)

	cfg.FederationServer.ServerID = getEnv("OVERLAY_SERVER_ID", cfg.FederationServer.ServerID)
	cfg.FederationServer.ListenAddress = getEnv("OVERLAY_SERVER_ADDRESS", cfg.FederationServer.ListenAddress)
	cfg.FederationServer.MasterSecret = getEnv("OVERLAY_MASTER_SECRET", cfg.FederationServer.MasterSecret)
	cfg.FederationServer.DataDir = expandPath(getEnv("OVERLAY_DATA_DIR", cfg.FederationServer.DataDir))

	cfg.Metrics.ListenAddress = getEnv("OVERLAY_METRICS_ADDRESS", cfg.Metrics.ListenAddress)

	cfg.Gossip.ListenAddress = getEnv("OVERLAY_GOSSIP_ADDRESS", cfg.Gossip.ListenAddress)
	if peers := os.Getenv("OVERLAY_GOSSIP_PEERS"); peers != "" {
		cfg.Gossip.Peers = splitList(peers)
	}
	intVar("OVERLAY_GOSSIP_FANOUT", &cfg.Gossip.Fanout)
	durationVar("OVERLAY_GOSSIP_PERIOD", &cfg.Gossip.Period)

	if v := os.Getenv("OVERLAY_TLS_ENABLED"); v != "" {
		enabled, err := strconv.ParseBool(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("OVERLAY_TLS_ENABLED: %w", err))
		}
		cfg.TLS.Enabled = enabled
	}
	cfg.TLS.CAPath = expandPath(getEnv("OVERLAY_TLS_CA", cfg.TLS.CAPath))
	cfg.TLS.CertPath = expandPath(getEnv("OVERLAY_TLS_CERT", cfg.TLS.CertPath))
	cfg.TLS.KeyPath = expandPath(getEnv("OVERLAY_TLS_KEY", cfg.TLS.KeyPath))

	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the values the protocol depends on.
func (c *Config) Validate() error {
	var errs []error

	if c.Coop.Threshold < 1 {
		errs = append(errs, fmt.Errorf("coop.threshold must be at least 1"))
	}
	if c.Coop.TotalServers < c.Coop.Threshold {
		errs = append(errs, fmt.Errorf("coop.total_servers (%d) is below threshold (%d)", c.Coop.TotalServers, c.Coop.Threshold))
	}
	if c.Coop.PowDifficulty < 0 || c.Coop.PowDifficulty > 256 {
		errs = append(errs, fmt.Errorf("coop.pow_difficulty must be within 0..256"))
	}
	if c.Coop.MaxPowAttempts <= 0 {
		errs = append(errs, fmt.Errorf("coop.max_pow_attempts must be positive"))
	}
	if c.Coop.HandleValidity <= 0 {
		errs = append(errs, fmt.Errorf("coop.handle_validity must be positive"))
	}

	seen := make(map[string]bool)
	for i, s := range c.Coop.FederationServers {
		if s.ServerID == "" || s.Endpoint == "" {
			errs = append(errs, fmt.Errorf("coop.federation_servers[%d] needs server_id and endpoint", i))
			continue
		}
		if seen[s.ServerID] {
			errs = append(errs, fmt.Errorf("duplicate federation server %q", s.ServerID))
		}
		seen[s.ServerID] = true
	}

	if c.Fog.TopicBucketMinutes <= 0 {
		errs = append(errs, fmt.Errorf("fog.topic_bucket_minutes must be positive"))
	}
	if c.Fog.KThreshold < 1 {
		errs = append(errs, fmt.Errorf("fog.k_threshold must be at least 1"))
	}
	if c.Fog.DecayHours <= 0 {
		errs = append(errs, fmt.Errorf("fog.decay_hours must be positive"))
	}

	if c.Gossip.Fanout < 1 {
		errs = append(errs, fmt.Errorf("gossip.fanout must be at least 1"))
	}

	if err := c.TLS.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("tls: %w", err))
	}

	return errors.Join(errs...)
}

// ValidateServer checks the federation_server section, which only the
// fed-server command needs.
func (c *Config) ValidateServer() error {
	if c.FederationServer.ServerID == "" {
		return fmt.Errorf("federation_server.server_id is required")
	}
	secret, err := c.FederationServer.Secret()
	if err != nil {
		return err
	}
	if len(secret) < 16 {
		return fmt.Errorf("federation_server.master_secret must be at least 16 bytes")
	}
	return nil
}

// Secret decodes the hex master secret.
func (f FederationServerConfig) Secret() ([]byte, error) {
	secret, err := hex.DecodeString(f.MasterSecret)
	if err != nil {
		return nil, fmt.Errorf("federation_server.master_secret: %w", err)
	}
	return secret, nil
}

// DecayWindow returns the fog decay window.
func (f FogConfig) DecayWindow() time.Duration {
	return time.Duration(f.DecayHours) * time.Hour
}

// Save writes the configuration as indented JSON.
func (c *Config) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

func parseServerList(s string) ([]ServerEntry, error) {
	var out []ServerEntry
	for _, item := range splitList(s) {
		id, endpoint, ok := strings.Cut(item, "=")
		if !ok || id == "" || endpoint == "" {
			return nil, fmt.Errorf("expected id=endpoint, got %q", item)
		}
		out = append(out, ServerEntry{ServerID: id, Endpoint: endpoint})
	}
	return out, nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// expandPath expands ~ to the home directory
func expandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, path[2:])
	}
	return path
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
