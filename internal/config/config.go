// Package config holds the node-level configuration for cmd/logd: one
// struct per concern, with a Default() baseline that YAML files override.
package config

// Config holds all configuration for a logd node.
type Config struct {
	Node        NodeConfig
	Log         LogConfig
	Allocator   AllocatorConfig
	Replication ReplicationConfig
	Registry    RegistryConfig
	Admin       AdminConfig
	Logger      LoggerConfig
}

// NodeConfig describes this node's identity.
type NodeConfig struct {
	NodeID string
}

// LogConfig controls the segment manager's own construction parameters.
type LogConfig struct {
	LogID               uint64
	DiskExpansionFactor float64
	NumEmergencyHeads   uint32
}

// AllocatorConfig sizes the seglet allocator.
type AllocatorConfig struct {
	NumSegments       uint32
	SegletsPerSegment uint32
	SegletBytes       uint32
}

// ReplicationConfig configures the raft-backed replica manager.
type ReplicationConfig struct {
	NodeID         uint64
	Peers          []ReplicationPeer
	ListenAddress  string
	TickIntervalMS int
}

// ReplicationPeer names one other replica-log participant.
type ReplicationPeer struct {
	NodeID  uint64
	Address string
}

// RegistryConfig configures the ZooKeeper-backed memory registrar. Servers
// may be left empty to disable registration entirely.
type RegistryConfig struct {
	Servers  []string
	RootPath string
}

// AdminConfig controls the read-only introspection HTTP server.
type AdminConfig struct {
	ListenAddress string
}

// LoggerConfig controls the process-wide slog handler.
type LoggerConfig struct {
	JSON  bool
	Level string
}

// Default returns a baseline single-node development config: one local
// allocator, no replication peers, no ZooKeeper registration, admin HTTP on
// :8090.
func Default() Config {
	return Config{
		Node: NodeConfig{NodeID: "logd-1"},
		Log: LogConfig{
			LogID:               1,
			DiskExpansionFactor: 1.0,
			NumEmergencyHeads:   2,
		},
		Allocator: AllocatorConfig{
			NumSegments:       64,
			SegletsPerSegment: 8,
			SegletBytes:       1 << 20,
		},
		Replication: ReplicationConfig{
			NodeID:         1,
			ListenAddress:  ":8091",
			TickIntervalMS: 100,
		},
		Registry: RegistryConfig{
			RootPath: "/kvlog",
		},
		Admin: AdminConfig{
			ListenAddress: ":8090",
		},
		Logger: LoggerConfig{
			JSON:  false,
			Level: "info",
		},
	}
}
