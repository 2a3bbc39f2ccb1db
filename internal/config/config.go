// Package config provides configuration management for the clawline provider.
package config

// Config is the runtime configuration tree. Defaults match the documented
// values; the file and environment only override what they set.
type Config struct {
	Version string

	StatePath string
	MediaPath string

	Network       NetworkConfig
	Auth          AuthConfig
	Pairing       PairingConfig
	Media         MediaConfig
	Sessions      SessionsConfig
	Streams       StreamsConfig
	Adapter       AdapterConfig
	Logging       LoggingConfig
	Observability ObservabilityConfig
}

// NetworkConfig controls the shared listener for the WebSocket control plane
// and the HTTP media plane.
type NetworkConfig struct {
	Host                string
	Port                int
	AllowInsecurePublic bool
	MaxConnections      int
}

// AuthConfig controls token issuance and revocation checking.
type AuthConfig struct {
	TokenTTLSeconds     int64 // 0 issues tokens without an exp claim
	ReissueGraceSeconds int
	DenylistPollSeconds int
}

// PairingConfig controls the pending pair request lifecycle.
type PairingConfig struct {
	PendingTTLSeconds int
}

// MediaConfig controls the HTTP media plane and asset retention.
type MediaConfig struct {
	MaxUploadBytes               int64
	UnreferencedUploadTTLSeconds int
	SweepIntervalSeconds         int
}

// SessionsConfig controls the message plane budgets and queues.
type SessionsConfig struct {
	MaxMessageBytes         int
	MaxInlineBytes          int
	MaxReplayMessages       int
	MaxPromptMessages       int
	MaxQueuedMessages       int
	MaxWriteQueueDepth      int
	MaxMessagesPerSecond    int
	MaxTypingPerSecond      int
	TypingAutoExpireSeconds int
}

// StreamsConfig controls streaming coalescing and adapter execution bounds.
type StreamsConfig struct {
	StreamInactivitySeconds      int
	ChunkPersistIntervalMs       int
	ChunkBufferBytes             int
	AdapterExecuteTimeoutSeconds int
}

// AdapterConfig names the assistant adapter to load.
type AdapterConfig struct {
	Name string
}

// LoggingConfig controls the global logger.
type LoggingConfig struct {
	Level   string
	Service string
}

// ObservabilityConfig groups optional observability features.
type ObservabilityConfig struct {
	Tracing TracingConfig
}

// TracingConfig controls the OpenTelemetry tracer provider.
type TracingConfig struct {
	Enabled      bool
	Exporter     string // "grpc", "http", or "noop"
	Endpoint     string
	Environment  string
	SamplingRate float64
}

// MaxMessageBytesCeiling is the hard upper bound for Sessions.MaxMessageBytes.
// Configured values above it are clamped with a warning.
const MaxMessageBytesCeiling = 65536

// DefaultConfig returns the documented defaults.
func DefaultConfig() Config {
	return Config{
		StatePath: "data/state",
		MediaPath: "data/media",
		Network: NetworkConfig{
			Host:           "127.0.0.1",
			Port:           18792,
			MaxConnections: 1024,
		},
		Auth: AuthConfig{
			TokenTTLSeconds:     31536000,
			ReissueGraceSeconds: 600,
			DenylistPollSeconds: 5,
		},
		Pairing: PairingConfig{
			PendingTTLSeconds: 300,
		},
		Media: MediaConfig{
			MaxUploadBytes:               104857600,
			UnreferencedUploadTTLSeconds: 86400,
			SweepIntervalSeconds:         3600,
		},
		Sessions: SessionsConfig{
			MaxMessageBytes:         65536,
			MaxInlineBytes:          262144,
			MaxReplayMessages:       500,
			MaxPromptMessages:       200,
			MaxQueuedMessages:       20,
			MaxWriteQueueDepth:      1000,
			MaxMessagesPerSecond:    5,
			MaxTypingPerSecond:      2,
			TypingAutoExpireSeconds: 10,
		},
		Streams: StreamsConfig{
			StreamInactivitySeconds:      300,
			ChunkPersistIntervalMs:       100,
			ChunkBufferBytes:             1048576,
			AdapterExecuteTimeoutSeconds: 300,
		},
		Adapter: AdapterConfig{Name: "echo"},
		Logging: LoggingConfig{Level: "info", Service: "clawline"},
		Observability: ObservabilityConfig{
			Tracing: TracingConfig{Exporter: "noop", SamplingRate: 1.0},
		},
	}
}
