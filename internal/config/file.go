package config

// FileConfig mirrors Config for YAML parsing. Pointer fields distinguish an
// unset key from an explicit zero so the merge only overrides what the file
// actually sets.
type FileConfig struct {
	StatePath *string `yaml:"statePath"`
	MediaPath *string `yaml:"mediaPath"`

	Network       *NetworkFileConfig       `yaml:"network"`
	Auth          *AuthFileConfig          `yaml:"auth"`
	Pairing       *PairingFileConfig       `yaml:"pairing"`
	Media         *MediaFileConfig         `yaml:"media"`
	Sessions      *SessionsFileConfig      `yaml:"sessions"`
	Streams       *StreamsFileConfig       `yaml:"streams"`
	Adapter       *string                  `yaml:"adapter"`
	Logging       *LoggingFileConfig       `yaml:"logging"`
	Observability *ObservabilityFileConfig `yaml:"observability"`
}

// NetworkFileConfig mirrors NetworkConfig.
type NetworkFileConfig struct {
	Host                *string `yaml:"host"`
	Port                *int    `yaml:"port"`
	AllowInsecurePublic *bool   `yaml:"allowInsecurePublic"`
	MaxConnections      *int    `yaml:"maxConnections"`
}

// AuthFileConfig mirrors AuthConfig.
type AuthFileConfig struct {
	TokenTTLSeconds     *int64 `yaml:"tokenTtlSeconds"`
	ReissueGraceSeconds *int   `yaml:"reissueGraceSeconds"`
	DenylistPollSeconds *int   `yaml:"denylistPollSeconds"`
}

// PairingFileConfig mirrors PairingConfig.
type PairingFileConfig struct {
	PendingTTLSeconds *int `yaml:"pendingTtlSeconds"`
}

// MediaFileConfig mirrors MediaConfig.
type MediaFileConfig struct {
	MaxUploadBytes               *int64 `yaml:"maxUploadBytes"`
	UnreferencedUploadTTLSeconds *int   `yaml:"unreferencedUploadTtlSeconds"`
	SweepIntervalSeconds         *int   `yaml:"sweepIntervalSeconds"`
}

// SessionsFileConfig mirrors SessionsConfig.
type SessionsFileConfig struct {
	MaxMessageBytes         *int `yaml:"maxMessageBytes"`
	MaxInlineBytes          *int `yaml:"maxInlineBytes"`
	MaxReplayMessages       *int `yaml:"maxReplayMessages"`
	MaxPromptMessages       *int `yaml:"maxPromptMessages"`
	MaxQueuedMessages       *int `yaml:"maxQueuedMessages"`
	MaxWriteQueueDepth      *int `yaml:"maxWriteQueueDepth"`
	MaxMessagesPerSecond    *int `yaml:"maxMessagesPerSecond"`
	MaxTypingPerSecond      *int `yaml:"maxTypingPerSecond"`
	TypingAutoExpireSeconds *int `yaml:"typingAutoExpireSeconds"`
}

// StreamsFileConfig mirrors StreamsConfig.
type StreamsFileConfig struct {
	StreamInactivitySeconds      *int `yaml:"streamInactivitySeconds"`
	ChunkPersistIntervalMs       *int `yaml:"chunkPersistIntervalMs"`
	ChunkBufferBytes             *int `yaml:"chunkBufferBytes"`
	AdapterExecuteTimeoutSeconds *int `yaml:"adapterExecuteTimeoutSeconds"`
}

// LoggingFileConfig mirrors LoggingConfig.
type LoggingFileConfig struct {
	Level   *string `yaml:"level"`
	Service *string `yaml:"service"`
}

// ObservabilityFileConfig mirrors ObservabilityConfig.
type ObservabilityFileConfig struct {
	Tracing *TracingFileConfig `yaml:"tracing"`
}

// TracingFileConfig mirrors TracingConfig.
type TracingFileConfig struct {
	Enabled      *bool    `yaml:"enabled"`
	Exporter     *string  `yaml:"exporter"`
	Endpoint     *string  `yaml:"endpoint"`
	Environment  *string  `yaml:"environment"`
	SamplingRate *float64 `yaml:"samplingRate"`
}

func setString(dst *string, src *string) {
	if src != nil {
		*dst = *src
	}
}

func setInt(dst *int, src *int) {
	if src != nil {
		*dst = *src
	}
}

func setInt64(dst *int64, src *int64) {
	if src != nil {
		*dst = *src
	}
}

func setBool(dst *bool, src *bool) {
	if src != nil {
		*dst = *src
	}
}

func setFloat(dst *float64, src *float64) {
	if src != nil {
		*dst = *src
	}
}

// mergeFileConfig overlays file values onto cfg.
func mergeFileConfig(cfg *Config, file *FileConfig) {
	if file == nil {
		return
	}
	setString(&cfg.StatePath, file.StatePath)
	setString(&cfg.MediaPath, file.MediaPath)
	setString(&cfg.Adapter.Name, file.Adapter)

	if n := file.Network; n != nil {
		setString(&cfg.Network.Host, n.Host)
		setInt(&cfg.Network.Port, n.Port)
		setBool(&cfg.Network.AllowInsecurePublic, n.AllowInsecurePublic)
		setInt(&cfg.Network.MaxConnections, n.MaxConnections)
	}
	if a := file.Auth; a != nil {
		setInt64(&cfg.Auth.TokenTTLSeconds, a.TokenTTLSeconds)
		setInt(&cfg.Auth.ReissueGraceSeconds, a.ReissueGraceSeconds)
		setInt(&cfg.Auth.DenylistPollSeconds, a.DenylistPollSeconds)
	}
	if p := file.Pairing; p != nil {
		setInt(&cfg.Pairing.PendingTTLSeconds, p.PendingTTLSeconds)
	}
	if m := file.Media; m != nil {
		setInt64(&cfg.Media.MaxUploadBytes, m.MaxUploadBytes)
		setInt(&cfg.Media.UnreferencedUploadTTLSeconds, m.UnreferencedUploadTTLSeconds)
		setInt(&cfg.Media.SweepIntervalSeconds, m.SweepIntervalSeconds)
	}
	if s := file.Sessions; s != nil {
		setInt(&cfg.Sessions.MaxMessageBytes, s.MaxMessageBytes)
		setInt(&cfg.Sessions.MaxInlineBytes, s.MaxInlineBytes)
		setInt(&cfg.Sessions.MaxReplayMessages, s.MaxReplayMessages)
		setInt(&cfg.Sessions.MaxPromptMessages, s.MaxPromptMessages)
		setInt(&cfg.Sessions.MaxQueuedMessages, s.MaxQueuedMessages)
		setInt(&cfg.Sessions.MaxWriteQueueDepth, s.MaxWriteQueueDepth)
		setInt(&cfg.Sessions.MaxMessagesPerSecond, s.MaxMessagesPerSecond)
		setInt(&cfg.Sessions.MaxTypingPerSecond, s.MaxTypingPerSecond)
		setInt(&cfg.Sessions.TypingAutoExpireSeconds, s.TypingAutoExpireSeconds)
	}
	if s := file.Streams; s != nil {
		setInt(&cfg.Streams.StreamInactivitySeconds, s.StreamInactivitySeconds)
		setInt(&cfg.Streams.ChunkPersistIntervalMs, s.ChunkPersistIntervalMs)
		setInt(&cfg.Streams.ChunkBufferBytes, s.ChunkBufferBytes)
		setInt(&cfg.Streams.AdapterExecuteTimeoutSeconds, s.AdapterExecuteTimeoutSeconds)
	}
	if l := file.Logging; l != nil {
		setString(&cfg.Logging.Level, l.Level)
		setString(&cfg.Logging.Service, l.Service)
	}
	if o := file.Observability; o != nil && o.Tracing != nil {
		t := o.Tracing
		setBool(&cfg.Observability.Tracing.Enabled, t.Enabled)
		setString(&cfg.Observability.Tracing.Exporter, t.Exporter)
		setString(&cfg.Observability.Tracing.Endpoint, t.Endpoint)
		setString(&cfg.Observability.Tracing.Environment, t.Environment)
		setFloat(&cfg.Observability.Tracing.SamplingRate, t.SamplingRate)
	}
}
