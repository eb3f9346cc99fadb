package cfg

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := writeConfig(t, `
node_id = 3

[cluster]
nats_url = "nats://127.0.0.1:4222"
members = [1, 2, 3]
backups = 2

[transaction]
default_timeout_ms = 404

[logging]
verbose = true
format = "json"
`)

	orig := *Config
	t.Cleanup(func() { *Config = orig })

	require.NoError(t, Load(path))
	require.EqualValues(t, 3, Config.NodeID)
	require.Equal(t, "nats://127.0.0.1:4222", Config.Cluster.NatsURL)
	require.Equal(t, []uint64{1, 2, 3}, Config.Cluster.Members)
	require.Equal(t, 404, Config.Transaction.DefaultTimeoutMS)
	require.True(t, Config.Logging.Verbose)
}

func TestLoadMissingFileKeepsDefaults(t *testing.T) {
	orig := *Config
	t.Cleanup(func() { *Config = orig })

	Config.NodeID = 7 // Skip machine-id generation
	require.NoError(t, Load(filepath.Join(t.TempDir(), "nope.toml")))
	require.Equal(t, 2, Config.Cluster.Backups)
	require.Equal(t, 5000, Config.Transaction.DefaultTimeoutMS)
}

func TestValidateRejectsBadValues(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Configuration)
	}{
		{"bad admin port", func(c *Configuration) { c.Admin.Enabled = true; c.Admin.Port = -1 }},
		{"negative backups", func(c *Configuration) { c.Cluster.Backups = -1 }},
		{"zero virtual nodes", func(c *Configuration) { c.Cluster.VirtualNodes = 0 }},
		{"more members than replicas", func(c *Configuration) {
			c.Cluster.Members = []uint64{1, 2, 3, 4}
			c.Cluster.Backups = 2
		}},
		{"zero default timeout", func(c *Configuration) { c.Transaction.DefaultTimeoutMS = 0 }},
		{"unknown sink type", func(c *Configuration) {
			c.Publisher.Sinks = []SinkConfiguration{{Name: "x", Type: "pulsar"}}
		}},
		{"kafka sink without brokers", func(c *Configuration) {
			c.Publisher.Sinks = []SinkConfiguration{{Name: "x", Type: "kafka"}}
		}},
	}

	orig := *Config
	t.Cleanup(func() { *Config = orig })

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			*Config = orig
			tt.mutate(Config)
			require.Error(t, Validate())
		})
	}
}

func TestValidateAcceptsDefaults(t *testing.T) {
	orig := *Config
	t.Cleanup(func() { *Config = orig })

	*Config = orig
	require.NoError(t, Validate())
}
