// Package cfg holds the node configuration for Tessera.
package cfg

import (
	"flag"
	"fmt"
	"hash/fnv"
	"os"

	"github.com/BurntSushi/toml"
	"github.com/denisbrodbeck/machineid"
	"github.com/rs/zerolog/log"
)

// ClusterConfiguration controls membership and the messaging layer.
// Membership is static: topology discovery is out of scope.
type ClusterConfiguration struct {
	NatsURL string `toml:"nats_url"` // Empty = in-process transport (single binary, tests)
	// Members lists every node id expected in the cluster, including self.
	Members []uint64 `toml:"members"`
	// Backups is how many replicas hold each key besides the primary.
	Backups int `toml:"backups"`
	// VirtualNodes per member on the partition ring.
	VirtualNodes int `toml:"virtual_nodes"`
	// RequestTimeoutMS bounds a single unicast request over the transport.
	RequestTimeoutMS int `toml:"request_timeout_ms"`
}

// TransactionConfiguration controls the transaction subsystem.
type TransactionConfiguration struct {
	DefaultTimeoutMS       int `toml:"default_timeout_ms"`        // Used when Begin is called with timeout 0
	ReaperIntervalMS       int `toml:"reaper_interval_ms"`        // Deadline sweep interval
	DecisionCacheSize      int `toml:"decision_cache_size"`       // Completed-decision LRU per participant
	PreparedOrphanMS       int `toml:"prepared_orphan_ms"`        // Participant self-abort for decisionless prepared txns
	DeadlockDetection      bool `toml:"deadlock_detection"`       // Waits-for cycle check on lock waits
	MaxEnlistedKeysPerTxn  int `toml:"max_enlisted_keys_per_txn"` // 0 = unlimited
}

// EventsConfiguration controls the lifecycle event dispatcher.
type EventsConfiguration struct {
	// RemoteBufferSize is the per-node buffer for outbound cluster events.
	RemoteBufferSize int `toml:"remote_buffer_size"`
	// SubjectPrefix namespaces event subjects on the messaging layer.
	SubjectPrefix string `toml:"subject_prefix"`
}

// SinkConfiguration describes one external event sink.
type SinkConfiguration struct {
	Name            string   `toml:"name"`
	Type            string   `toml:"type"`   // "kafka", "nats" or "mock"
	Format          string   `toml:"format"` // "json"
	FilterCaches    []string `toml:"filter_caches"`
	FilterLabels    []string `toml:"filter_labels"`
	TopicPrefix     string   `toml:"topic_prefix"`
	Brokers         []string `toml:"brokers"`  // Kafka
	NatsURL         string   `toml:"nats_url"` // NATS
	BatchSize       int      `toml:"batch_size"`
	PollIntervalMS  int      `toml:"poll_interval_ms"`
	RetryInitialMS  int      `toml:"retry_initial_ms"`
	RetryMaxMS      int      `toml:"retry_max_ms"`
	RetryMultiplier float64  `toml:"retry_multiplier"`
}

// PublisherConfiguration controls external event publishing.
type PublisherConfiguration struct {
	Enabled bool                `toml:"enabled"`
	LogSize int                 `toml:"log_size"` // In-memory sequenced log capacity
	Sinks   []SinkConfiguration `toml:"sink"`
}

// AdminConfiguration controls the operational HTTP API.
type AdminConfiguration struct {
	Enabled     bool   `toml:"enabled"`
	BindAddress string `toml:"bind_address"`
	Port        int    `toml:"port"`
}

// LoggingConfiguration controls logging behavior.
type LoggingConfiguration struct {
	Verbose bool   `toml:"verbose"`
	Format  string `toml:"format"` // "console" or "json"
}

// PrometheusConfiguration for metrics.
type PrometheusConfiguration struct {
	Enabled bool `toml:"enabled"`
}

// Configuration is the main configuration structure.
type Configuration struct {
	NodeID uint64 `toml:"node_id"`

	Cluster     ClusterConfiguration     `toml:"cluster"`
	Transaction TransactionConfiguration `toml:"transaction"`
	Events      EventsConfiguration      `toml:"events"`
	Publisher   PublisherConfiguration   `toml:"publisher"`
	Admin       AdminConfiguration       `toml:"admin"`
	Logging     LoggingConfiguration     `toml:"logging"`
	Prometheus  PrometheusConfiguration  `toml:"prometheus"`
}

// Command line flags
var (
	ConfigPathFlag = flag.String("config", "config.toml", "Path to configuration file")
	NodeIDFlag     = flag.Uint64("node-id", 0, "Node ID (overrides config, 0=auto)")
	AdminPortFlag  = flag.Int("admin-port", 0, "Admin HTTP port (overrides config)")
)

// Config is the process-wide default configuration.
var Config = &Configuration{
	NodeID: 0, // Auto-generate

	Cluster: ClusterConfiguration{
		NatsURL:          "",
		Members:          []uint64{},
		Backups:          2,
		VirtualNodes:     150,
		RequestTimeoutMS: 2000,
	},

	Transaction: TransactionConfiguration{
		DefaultTimeoutMS:      5000,
		ReaperIntervalMS:      100,
		DecisionCacheSize:     4096,
		PreparedOrphanMS:      30000,
		DeadlockDetection:     true,
		MaxEnlistedKeysPerTxn: 0,
	},

	Events: EventsConfiguration{
		RemoteBufferSize: 1024,
		SubjectPrefix:    "tessera.events",
	},

	Publisher: PublisherConfiguration{
		Enabled: false,
		LogSize: 8192,
		Sinks:   []SinkConfiguration{},
	},

	Admin: AdminConfiguration{
		Enabled:     true,
		BindAddress: "0.0.0.0",
		Port:        8090,
	},

	Logging: LoggingConfiguration{
		Verbose: false,
		Format:  "console",
	},

	Prometheus: PrometheusConfiguration{
		Enabled: true,
	},
}

// Load loads configuration from file and applies CLI overrides.
func Load(configPath string) error {
	if configPath != "" {
		if _, err := os.Stat(configPath); err == nil {
			log.Info().Str("path", configPath).Msg("Loading configuration")
			if _, err := toml.DecodeFile(configPath, Config); err != nil {
				return fmt.Errorf("failed to decode config: %w", err)
			}
		} else {
			log.Warn().Str("path", configPath).Msg("Config file not found, using defaults")
		}
	}

	if *NodeIDFlag != 0 {
		Config.NodeID = *NodeIDFlag
	}
	if *AdminPortFlag != 0 {
		Config.Admin.Port = *AdminPortFlag
	}

	if Config.NodeID == 0 {
		var err error
		Config.NodeID, err = generateNodeID()
		if err != nil {
			return fmt.Errorf("failed to generate node ID: %w", err)
		}
		log.Info().Uint64("node_id", Config.NodeID).Msg("Auto-generated node ID")
	}

	return nil
}

// generateNodeID creates a unique node ID based on machine ID.
func generateNodeID() (uint64, error) {
	id, err := machineid.ProtectedID("tessera")
	if err != nil {
		return 0, err
	}

	h := fnv.New64a()
	h.Write([]byte(id))
	return h.Sum64(), nil
}

// Validate checks configuration for errors.
func Validate() error {
	if Config.Admin.Enabled && (Config.Admin.Port < 1 || Config.Admin.Port > 65535) {
		return fmt.Errorf("invalid admin port: %d", Config.Admin.Port)
	}

	if Config.Cluster.Backups < 0 {
		return fmt.Errorf("backups must be >= 0, got %d", Config.Cluster.Backups)
	}

	// Coordinators read and lock against their own replica, so every
	// member must hold a replica of every key.
	if n := len(Config.Cluster.Members); n > 0 && Config.Cluster.Backups+1 < n {
		return fmt.Errorf("backups+1 (%d) must cover all %d members", Config.Cluster.Backups+1, n)
	}

	if Config.Cluster.VirtualNodes < 1 {
		return fmt.Errorf("virtual_nodes must be >= 1, got %d", Config.Cluster.VirtualNodes)
	}

	if Config.Transaction.DefaultTimeoutMS < 1 {
		return fmt.Errorf("default_timeout_ms must be >= 1, got %d", Config.Transaction.DefaultTimeoutMS)
	}

	if Config.Transaction.ReaperIntervalMS < 1 {
		return fmt.Errorf("reaper_interval_ms must be >= 1, got %d", Config.Transaction.ReaperIntervalMS)
	}

	if Config.Transaction.DecisionCacheSize < 1 {
		return fmt.Errorf("decision_cache_size must be >= 1, got %d", Config.Transaction.DecisionCacheSize)
	}

	for i, sink := range Config.Publisher.Sinks {
		switch sink.Type {
		case "kafka", "nats", "mock":
		default:
			return fmt.Errorf("sink %d: unknown type %q", i, sink.Type)
		}
		if sink.Name == "" {
			return fmt.Errorf("sink %d: name is required", i)
		}
		if sink.Type == "kafka" && len(sink.Brokers) == 0 {
			return fmt.Errorf("sink %q: kafka sink requires brokers", sink.Name)
		}
		if sink.Type == "nats" && sink.NatsURL == "" {
			return fmt.Errorf("sink %q: nats sink requires nats_url", sink.Name)
		}
	}

	return nil
}
