package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"slices"
	"strings"

	"gopkg.in/yaml.v3"
)

// ValidAssistantProviders lists the provider names the assistant accepts.
var ValidAssistantProviders = []string{
	"openai", "anthropic", "gemini", "ollama", "deepseek", "mistral", "groq", "llamacpp", "llamafile",
}

// Load reads the YAML configuration file at path and returns a validated
// [Config]. It is a convenience wrapper around [LoadFromReader].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies defaults, and
// validates the result. Useful in tests where configs are constructed from
// string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := defaults()
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}

	// Call
	if cfg.Call.URL == "" {
		errs = append(errs, errors.New("call.url is required"))
	} else if !strings.HasPrefix(cfg.Call.URL, "ws://") && !strings.HasPrefix(cfg.Call.URL, "wss://") {
		errs = append(errs, fmt.Errorf("call.url %q must use the ws:// or wss:// scheme", cfg.Call.URL))
	}
	if cfg.Call.SampleRate <= 0 {
		errs = append(errs, fmt.Errorf("call.sample_rate %d must be positive", cfg.Call.SampleRate))
	}
	if cfg.Call.ChunkSamples <= 0 {
		errs = append(errs, fmt.Errorf("call.chunk_samples %d must be positive", cfg.Call.ChunkSamples))
	}
	if cfg.Call.ConnectTimeout < 0 {
		errs = append(errs, errors.New("call.connect_timeout must not be negative"))
	}
	if cfg.Call.TurnTimeout < 0 {
		errs = append(errs, errors.New("call.turn_timeout must not be negative"))
	}

	// Assistant
	if p := cfg.Assistant.Provider; p != "" {
		if !slices.Contains(ValidAssistantProviders, strings.ToLower(p)) {
			errs = append(errs, fmt.Errorf("assistant.provider %q is unknown; valid values: %s",
				p, strings.Join(ValidAssistantProviders, ", ")))
		}
		if cfg.Assistant.Model == "" {
			errs = append(errs, errors.New("assistant.model is required when assistant.provider is set"))
		}
	}

	// Stub
	if cfg.Stub.SilenceAfter < 0 {
		errs = append(errs, errors.New("stub.silence_after must not be negative"))
	}

	return errors.Join(errs...)
}
