// Package config provides the configuration schema and loader for the
// Parley voice call client.
package config

import (
	"fmt"
	"log/slog"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration so YAML values like "10s" or "600ms" decode
// with time.ParseDuration semantics.
type Duration time.Duration

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// String implements fmt.Stringer.
func (d Duration) String() string { return time.Duration(d).String() }

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return fmt.Errorf("duration must be a string like \"10s\": %w", err)
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// LogLevel controls log verbosity.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Level converts l to the corresponding slog level. Unrecognised or empty
// values map to info.
func (l LogLevel) Level() slog.Level {
	switch l {
	case LogDebug:
		return slog.LevelDebug
	case LogWarn:
		return slog.LevelWarn
	case LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Config is the root configuration structure for Parley.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Call      CallConfig      `yaml:"call"`
	Assistant AssistantConfig `yaml:"assistant"`
	Stub      StubConfig      `yaml:"stub"`
}

// ServerConfig holds settings for the local status API and logging.
type ServerConfig struct {
	// ListenAddr is the TCP address the status API listens on
	// (e.g., ":8080"). Empty disables the status server.
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`
}

// CallConfig holds the voice service connection and audio settings.
type CallConfig struct {
	// URL is the WebSocket endpoint of the voice service
	// (e.g., "ws://localhost:8090/voice").
	URL string `yaml:"url"`

	// AuthToken, when set, is sent as a bearer token during the
	// WebSocket handshake.
	AuthToken string `yaml:"auth_token"`

	// SampleRate is the capture and playback rate in Hz. Default 16000.
	SampleRate int `yaml:"sample_rate"`

	// ChunkSamples is the number of samples per captured frame.
	// Default 512 (32 ms at 16 kHz).
	ChunkSamples int `yaml:"chunk_samples"`

	// ConnectTimeout bounds transport dial plus device acquisition.
	// Default 15s.
	ConnectTimeout Duration `yaml:"connect_timeout"`

	// TurnTimeout bounds a single conversational turn. Default 30s.
	TurnTimeout Duration `yaml:"turn_timeout"`
}

// AssistantConfig selects the LLM that answers finalized transcripts.
type AssistantConfig struct {
	// Provider is the LLM provider name (e.g., "openai", "anthropic",
	// "ollama"). Empty disables the built-in assistant.
	Provider string `yaml:"provider"`

	// Model selects a specific model (e.g., "gpt-4o-mini").
	Model string `yaml:"model"`

	// APIKey is the provider API key. When empty, the provider falls
	// back to its environment variable (OPENAI_API_KEY etc.).
	APIKey string `yaml:"api_key"`

	// BaseURL overrides the provider's default endpoint.
	BaseURL string `yaml:"base_url"`

	// SystemPrompt is prepended to every turn.
	SystemPrompt string `yaml:"system_prompt"`
}

// StubConfig configures the development voice service stub
// (cmd/parley-stub).
type StubConfig struct {
	// ListenAddr is the address the stub listens on. Default ":8090".
	ListenAddr string `yaml:"listen_addr"`

	// Transcript is the scripted text the stub finalizes after silence.
	Transcript string `yaml:"transcript"`

	// SilenceAfter is how long after the last inbound audio frame the
	// stub emits the final transcript. Default 600ms.
	SilenceAfter Duration `yaml:"silence_after"`
}

// Default returns a Config pre-filled with default values only, as if an
// empty file had been loaded.
func Default() *Config {
	return defaults()
}

// defaults returns a Config pre-filled with default values; the loader
// decodes user YAML on top of it.
func defaults() *Config {
	return &Config{
		Server: ServerConfig{
			LogLevel: LogInfo,
		},
		Call: CallConfig{
			SampleRate:     16000,
			ChunkSamples:   512,
			ConnectTimeout: Duration(15 * time.Second),
			TurnTimeout:    Duration(30 * time.Second),
		},
		Stub: StubConfig{
			ListenAddr:   ":8090",
			Transcript:   "hello there",
			SilenceAfter: Duration(600 * time.Millisecond),
		},
	}
}
