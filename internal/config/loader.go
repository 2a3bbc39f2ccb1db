package config

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/clawline/clawline/internal/log"
	"gopkg.in/yaml.v3"
)

// Loader handles configuration loading with precedence ENV > File > Defaults.
type Loader struct {
	configPath string
	version    string
}

// NewLoader creates a new configuration loader.
func NewLoader(configPath, version string) *Loader {
	return &Loader{configPath: configPath, version: version}
}

// Load loads configuration with precedence: ENV > File > Defaults. The file
// is parsed strictly so unknown keys fail fast instead of being silently
// ignored.
func (l *Loader) Load() (Config, error) {
	cfg := DefaultConfig()

	if l.configPath != "" {
		fileCfg, err := l.loadFile(l.configPath)
		if err != nil {
			return cfg, fmt.Errorf("load config file: %w", err)
		}
		mergeFileConfig(&cfg, fileCfg)
	}

	mergeEnvConfig(&cfg)

	if cfg.Sessions.MaxMessageBytes > MaxMessageBytesCeiling {
		logger := log.WithComponent("config")
		logger.Warn().
			Int("configured", cfg.Sessions.MaxMessageBytes).
			Int("ceiling", MaxMessageBytesCeiling).
			Msg("maxMessageBytes exceeds ceiling, clamping")
		cfg.Sessions.MaxMessageBytes = MaxMessageBytesCeiling
	}

	if abs, err := filepath.Abs(cfg.StatePath); err == nil {
		cfg.StatePath = abs
	}
	if abs, err := filepath.Abs(cfg.MediaPath); err == nil {
		cfg.MediaPath = abs
	}

	cfg.Version = l.version

	if err := Validate(cfg); err != nil {
		return cfg, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

// loadFile loads configuration from a YAML file with strict parsing: unknown
// fields, multiple documents, and trailing content are all fatal.
func (l *Loader) loadFile(path string) (*FileConfig, error) {
	path = filepath.Clean(path)

	ext := strings.ToLower(filepath.Ext(path))
	if ext != ".yaml" && ext != ".yml" {
		return nil, fmt.Errorf("unsupported config format: %s (only YAML supported)", ext)
	}

	// #nosec G304 -- configuration file paths are provided by the operator
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read file: %w", err)
	}

	var fileCfg FileConfig
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	if err := dec.Decode(&fileCfg); err != nil {
		if err == io.EOF {
			return &FileConfig{}, nil
		}
		return nil, fmt.Errorf("strict config parse error: %w", err)
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return nil, fmt.Errorf("config file contains multiple documents or trailing content")
	}
	return &fileCfg, nil
}

// mergeEnvConfig applies CLAWLINE_* environment overrides, the highest
// precedence layer. Only operationally relevant knobs have env equivalents;
// the file covers the full tree.
func mergeEnvConfig(cfg *Config) {
	cfg.StatePath = ParseString("CLAWLINE_STATE_PATH", cfg.StatePath)
	cfg.MediaPath = ParseString("CLAWLINE_MEDIA_PATH", cfg.MediaPath)
	cfg.Network.Host = ParseString("CLAWLINE_HOST", cfg.Network.Host)
	cfg.Network.Port = ParseInt("CLAWLINE_PORT", cfg.Network.Port)
	cfg.Network.AllowInsecurePublic = ParseBool("CLAWLINE_ALLOW_INSECURE_PUBLIC", cfg.Network.AllowInsecurePublic)
	cfg.Network.MaxConnections = ParseInt("CLAWLINE_MAX_CONNECTIONS", cfg.Network.MaxConnections)
	cfg.Auth.TokenTTLSeconds = ParseInt64("CLAWLINE_TOKEN_TTL_SECONDS", cfg.Auth.TokenTTLSeconds)
	cfg.Adapter.Name = ParseString("CLAWLINE_ADAPTER", cfg.Adapter.Name)
	cfg.Logging.Level = ParseString("CLAWLINE_LOG_LEVEL", cfg.Logging.Level)
	cfg.Observability.Tracing.Enabled = ParseBool("CLAWLINE_TRACING_ENABLED", cfg.Observability.Tracing.Enabled)
	cfg.Observability.Tracing.Exporter = ParseString("CLAWLINE_TRACING_EXPORTER", cfg.Observability.Tracing.Exporter)
	cfg.Observability.Tracing.Endpoint = ParseString("CLAWLINE_TRACING_ENDPOINT", cfg.Observability.Tracing.Endpoint)
}
