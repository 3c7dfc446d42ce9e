package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfigValid(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, 3, cfg.Coop.Threshold)
	assert.Equal(t, 5, cfg.Coop.TotalServers)
	assert.Equal(t, 18, cfg.Coop.PowDifficulty)
	assert.Equal(t, int64(10_000_000), cfg.Coop.MaxPowAttempts)
	assert.Equal(t, 168*time.Hour, cfg.Coop.HandleValidity.Std())
	assert.Equal(t, 72*time.Hour, cfg.Fog.DecayWindow())
}

func TestLoadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	data := `{
		"coop": {
			"handle_validity": "2d",
			"request_timeout": 3,
			"federation_servers": [
				{"server_id": "fed-0", "endpoint": "localhost:7400"},
				{"server_id": "fed-1", "endpoint": "localhost:7410"}
			]
		},
		"fog": {"k_threshold": 5, "manifest_summary": "wheat:4"},
		"gossip": {"peers": ["localhost:7411"], "period": "10s"}
	}`
	require.NoError(t, os.WriteFile(path, []byte(data), 0600))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, 48*time.Hour, cfg.Coop.HandleValidity.Std())
	assert.Equal(t, 3*time.Second, cfg.Coop.RequestTimeout.Std())
	assert.Len(t, cfg.Coop.FederationServers, 2)
	assert.Equal(t, 5, cfg.Fog.KThreshold)
	assert.Equal(t, "wheat:4", cfg.Fog.ManifestSummary)
	assert.Equal(t, 10*time.Second, cfg.Gossip.Period.Std())

	// Untouched fields keep defaults.
	assert.Equal(t, 18, cfg.Coop.PowDifficulty)
	assert.Equal(t, 30, cfg.Fog.TopicBucketMinutes)
	assert.True(t, cfg.Fog.Enabled)
}

func TestLoadConfigErrors(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "missing.json"))
	assert.Error(t, err)

	path := filepath.Join(t.TempDir(), "bad.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"coop": {"handle_validity": "soon"}}`), 0600))
	_, err = LoadConfig(path)
	assert.Error(t, err)
}

func TestSaveRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.json")
	cfg := DefaultConfig()
	cfg.Coop.FederationServers = []ServerEntry{{ServerID: "fed-0", Endpoint: "localhost:7400"}}
	require.NoError(t, cfg.Save(path))

	loaded, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, cfg, loaded)
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("OVERLAY_COOP_POW_DIFFICULTY", "12")
	t.Setenv("OVERLAY_FEDERATION_SERVERS", "fed-0=localhost:7400, fed-1=localhost:7410")
	t.Setenv("OVERLAY_FOG_ENABLED", "false")
	t.Setenv("OVERLAY_GOSSIP_PEERS", "a:1,b:2")
	t.Setenv("OVERLAY_GOSSIP_PERIOD", "1m")
	t.Setenv("OVERLAY_SERVER_ID", "fed-3")
	t.Setenv("OVERLAY_TLS_ENABLED", "true")
	t.Setenv("OVERLAY_TLS_CA", "/etc/overlay/ca.crt")

	cfg, err := LoadFromEnv()
	require.NoError(t, err)

	assert.Equal(t, 12, cfg.Coop.PowDifficulty)
	assert.Equal(t, []ServerEntry{
		{ServerID: "fed-0", Endpoint: "localhost:7400"},
		{ServerID: "fed-1", Endpoint: "localhost:7410"},
	}, cfg.Coop.FederationServers)
	assert.False(t, cfg.Fog.Enabled)
	assert.Equal(t, []string{"a:1", "b:2"}, cfg.Gossip.Peers)
	assert.Equal(t, time.Minute, cfg.Gossip.Period.Std())
	assert.Equal(t, "fed-3", cfg.FederationServer.ServerID)
	assert.True(t, cfg.TLS.Enabled)
	assert.Equal(t, "/etc/overlay/ca.crt", cfg.TLS.CAPath)
	assert.Error(t, cfg.Validate(), "tls enabled without a certificate")
}

func TestLoadFromEnvErrors(t *testing.T) {
	t.Setenv("OVERLAY_GOSSIP_FANOUT", "many")
	t.Setenv("OVERLAY_FEDERATION_SERVERS", "fed-0")

	_, err := LoadFromEnv()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "OVERLAY_GOSSIP_FANOUT")
	assert.Contains(t, err.Error(), "OVERLAY_FEDERATION_SERVERS")
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"threshold zero", func(c *Config) { c.Coop.Threshold = 0 }},
		{"total below threshold", func(c *Config) { c.Coop.TotalServers = 2 }},
		{"difficulty too high", func(c *Config) { c.Coop.PowDifficulty = 300 }},
		{"no attempts", func(c *Config) { c.Coop.MaxPowAttempts = 0 }},
		{"no validity", func(c *Config) { c.Coop.HandleValidity = 0 }},
		{"server without endpoint", func(c *Config) {
			c.Coop.FederationServers = []ServerEntry{{ServerID: "fed-0"}}
		}},
		{"duplicate server", func(c *Config) {
			c.Coop.FederationServers = []ServerEntry{
				{ServerID: "fed-0", Endpoint: "a"},
				{ServerID: "fed-0", Endpoint: "b"},
			}
		}},
		{"bucket zero", func(c *Config) { c.Fog.TopicBucketMinutes = 0 }},
		{"k zero", func(c *Config) { c.Fog.KThreshold = 0 }},
		{"decay zero", func(c *Config) { c.Fog.DecayHours = 0 }},
		{"fanout zero", func(c *Config) { c.Gossip.Fanout = 0 }},
		{"tls without certs", func(c *Config) { c.TLS.Enabled = true }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestValidateServer(t *testing.T) {
	cfg := DefaultConfig()
	assert.Error(t, cfg.ValidateServer())

	cfg.FederationServer.ServerID = "fed-0"
	cfg.FederationServer.MasterSecret = "not-hex"
	assert.Error(t, cfg.ValidateServer())

	cfg.FederationServer.MasterSecret = "00112233"
	assert.Error(t, cfg.ValidateServer())

	cfg.FederationServer.MasterSecret = "000102030405060708090a0b0c0d0e0f"
	require.NoError(t, cfg.ValidateServer())
	secret, err := cfg.FederationServer.Secret()
	require.NoError(t, err)
	assert.Len(t, secret, 16)
}

func TestDuration(t *testing.T) {
	tests := []struct {
		in   string
		want time.Duration
		ok   bool
	}{
		{`"168h"`, 168 * time.Hour, true},
		{`"7d"`, 7 * 24 * time.Hour, true},
		{`"1.5d"`, 36 * time.Hour, true},
		{`"30m"`, 30 * time.Minute, true},
		{`90`, 90 * time.Second, true},
		{`null`, 0, true},
		{`"7x"`, 0, false},
		{`"d"`, 0, false},
		{`true`, 0, false},
	}
	for _, tt := range tests {
		var d Duration
		err := json.Unmarshal([]byte(tt.in), &d)
		if !tt.ok {
			assert.Error(t, err, tt.in)
			continue
		}
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, d.Std(), tt.in)
	}

	data, err := json.Marshal(Duration(90 * time.Minute))
	require.NoError(t, err)
	assert.Equal(t, `"1h30m0s"`, string(data))
}

func TestGetConfigDir(t *testing.T) {
	t.Setenv("OVERLAY_CONFIG_DIR", "/tmp/overlay-test")
	assert.Equal(t, "/tmp/overlay-test", GetConfigDir())
	assert.Equal(t, "/tmp/overlay-test/config.json", GetConfigPath())

	t.Setenv("OVERLAY_CONFIG_DIR", "")
	t.Setenv("XDG_CONFIG_HOME", "/tmp/xdg")
	assert.Equal(t, "/tmp/xdg/overlay", GetConfigDir())
}
