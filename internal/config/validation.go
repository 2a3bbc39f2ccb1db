package config

import (
	"github.com/clawline/clawline/internal/validate"
)

// Validate validates a Config using the centralized validation package. All
// failures are collected so the operator sees the full list at once.
func Validate(cfg Config) error {
	v := validate.New()

	v.NotEmpty("statePath", cfg.StatePath)
	v.NotEmpty("mediaPath", cfg.MediaPath)

	v.NotEmpty("network.host", cfg.Network.Host)
	v.Port("network.port", cfg.Network.Port)
	v.NonNegative("network.maxConnections", cfg.Network.MaxConnections)

	if cfg.Auth.TokenTTLSeconds < 0 {
		v.AddError("auth.tokenTtlSeconds", "must be >= 0 (0 disables expiry)", cfg.Auth.TokenTTLSeconds)
	}
	v.NonNegative("auth.reissueGraceSeconds", cfg.Auth.ReissueGraceSeconds)
	v.Positive("auth.denylistPollSeconds", cfg.Auth.DenylistPollSeconds)

	v.Positive("pairing.pendingTtlSeconds", cfg.Pairing.PendingTTLSeconds)

	if cfg.Media.MaxUploadBytes <= 0 {
		v.AddError("media.maxUploadBytes", "must be positive", cfg.Media.MaxUploadBytes)
	}
	v.Positive("media.unreferencedUploadTtlSeconds", cfg.Media.UnreferencedUploadTTLSeconds)
	v.Positive("media.sweepIntervalSeconds", cfg.Media.SweepIntervalSeconds)

	v.Range("sessions.maxMessageBytes", cfg.Sessions.MaxMessageBytes, 1, MaxMessageBytesCeiling)
	v.Positive("sessions.maxInlineBytes", cfg.Sessions.MaxInlineBytes)
	v.Positive("sessions.maxReplayMessages", cfg.Sessions.MaxReplayMessages)
	v.Range("sessions.maxPromptMessages", cfg.Sessions.MaxPromptMessages, 2, 10000)
	v.Positive("sessions.maxQueuedMessages", cfg.Sessions.MaxQueuedMessages)
	v.Positive("sessions.maxWriteQueueDepth", cfg.Sessions.MaxWriteQueueDepth)
	v.Positive("sessions.maxMessagesPerSecond", cfg.Sessions.MaxMessagesPerSecond)
	v.Positive("sessions.maxTypingPerSecond", cfg.Sessions.MaxTypingPerSecond)
	v.Positive("sessions.typingAutoExpireSeconds", cfg.Sessions.TypingAutoExpireSeconds)

	v.Positive("streams.streamInactivitySeconds", cfg.Streams.StreamInactivitySeconds)
	v.Positive("streams.chunkPersistIntervalMs", cfg.Streams.ChunkPersistIntervalMs)
	v.Positive("streams.chunkBufferBytes", cfg.Streams.ChunkBufferBytes)
	v.Positive("streams.adapterExecuteTimeoutSeconds", cfg.Streams.AdapterExecuteTimeoutSeconds)

	v.NotEmpty("adapter", cfg.Adapter.Name)

	v.OneOf("logging.level", cfg.Logging.Level, []string{"trace", "debug", "info", "warn", "error"})

	t := cfg.Observability.Tracing
	v.OneOf("observability.tracing.exporter", t.Exporter, []string{"grpc", "http", "noop"})
	if t.SamplingRate < 0 || t.SamplingRate > 1 {
		v.AddError("observability.tracing.samplingRate", "must be between 0.0 and 1.0", t.SamplingRate)
	}
	if t.Enabled && t.Exporter != "noop" && t.Endpoint == "" {
		v.AddError("observability.tracing.endpoint", "required when tracing is enabled", t.Endpoint)
	}

	if !v.IsValid() {
		return v.Err()
	}
	return nil
}
