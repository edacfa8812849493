// Package llmturn resolves conversation turns with a hosted language
// model through github.com/mozilla-ai/any-llm-go, a unified multi-provider
// interface that supports OpenAI, Anthropic, Gemini, Ollama, DeepSeek,
// Mistral, Groq, and more.
//
// The responder streams a chat completion for each final transcript and
// collects the chunks into a single reply string, which makes it a drop-in
// turn.Handler for the orchestrator.
package llmturn

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	anyllmlib "github.com/mozilla-ai/any-llm-go"
	"github.com/mozilla-ai/any-llm-go/providers/anthropic"
	"github.com/mozilla-ai/any-llm-go/providers/deepseek"
	"github.com/mozilla-ai/any-llm-go/providers/gemini"
	"github.com/mozilla-ai/any-llm-go/providers/groq"
	"github.com/mozilla-ai/any-llm-go/providers/llamacpp"
	"github.com/mozilla-ai/any-llm-go/providers/llamafile"
	"github.com/mozilla-ai/any-llm-go/providers/mistral"
	"github.com/mozilla-ai/any-llm-go/providers/ollama"
	anyllmoai "github.com/mozilla-ai/any-llm-go/providers/openai"

	"github.com/parley-voice/parley/internal/config"
	"github.com/parley-voice/parley/internal/turn"
)

// Responder turns final transcripts into assistant replies using an
// any-llm-go chat completion backend.
type Responder struct {
	backend anyllmlib.Provider
	model   string
	system  string
	log     *slog.Logger
}

// New creates a Responder from assistant configuration.
//
// cfg.Provider is one of: "openai", "anthropic", "gemini", "ollama",
// "deepseek", "mistral", "groq", "llamacpp", "llamafile". If cfg.APIKey is
// empty, the backend falls back to the relevant environment variable
// (e.g., OPENAI_API_KEY, ANTHROPIC_API_KEY).
func New(cfg config.AssistantConfig, log *slog.Logger) (*Responder, error) {
	if cfg.Provider == "" {
		return nil, fmt.Errorf("llmturn: assistant provider must not be empty")
	}
	if cfg.Model == "" {
		return nil, fmt.Errorf("llmturn: assistant model must not be empty")
	}

	var opts []anyllmlib.Option
	if cfg.APIKey != "" {
		opts = append(opts, anyllmlib.WithAPIKey(cfg.APIKey))
	}
	if cfg.BaseURL != "" {
		opts = append(opts, anyllmlib.WithBaseURL(cfg.BaseURL))
	}

	backend, err := createBackend(cfg.Provider, opts...)
	if err != nil {
		return nil, fmt.Errorf("llmturn: create %q backend: %w", cfg.Provider, err)
	}

	if log == nil {
		log = slog.Default()
	}
	return &Responder{
		backend: backend,
		model:   cfg.Model,
		system:  cfg.SystemPrompt,
		log:     log,
	}, nil
}

// Handler adapts the responder to the orchestrator's handler signature.
func (r *Responder) Handler() turn.Handler {
	return r.Reply
}

// Reply streams a completion for the given transcript and returns the
// collected reply text. An empty reply (after trimming) means the model
// chose to say nothing; the orchestrator treats that as a skipped turn.
func (r *Responder) Reply(ctx context.Context, transcript string) (string, error) {
	params := r.buildParams(transcript)

	chunks, errs := r.backend.CompletionStream(ctx, params)

	var reply strings.Builder
	for chunk := range chunks {
		if len(chunk.Choices) == 0 {
			continue
		}
		reply.WriteString(chunk.Choices[0].Delta.Content)
	}

	// Check for backend errors after the chunk channel is drained.
	if err := <-errs; err != nil {
		return "", fmt.Errorf("llmturn: completion stream: %w", err)
	}

	text := strings.TrimSpace(reply.String())
	r.log.Debug("turn resolved by model", "model", r.model, "reply_len", len(text))
	return text, nil
}

// buildParams assembles the completion request for a single transcript.
func (r *Responder) buildParams(transcript string) anyllmlib.CompletionParams {
	messages := make([]anyllmlib.Message, 0, 2)
	if r.system != "" {
		messages = append(messages, anyllmlib.Message{
			Role:    anyllmlib.RoleSystem,
			Content: r.system,
		})
	}
	messages = append(messages, anyllmlib.Message{
		Role:    "user",
		Content: transcript,
	})

	return anyllmlib.CompletionParams{
		Model:    r.model,
		Messages: messages,
	}
}

// createBackend creates the underlying any-llm-go provider for the given
// provider name.
func createBackend(providerName string, opts ...anyllmlib.Option) (anyllmlib.Provider, error) {
	switch strings.ToLower(providerName) {
	case "openai":
		return anyllmoai.New(opts...)
	case "anthropic":
		return anthropic.New(opts...)
	case "gemini":
		return gemini.New(opts...)
	case "ollama":
		return ollama.New(opts...)
	case "deepseek":
		return deepseek.New(opts...)
	case "mistral":
		return mistral.New(opts...)
	case "groq":
		return groq.New(opts...)
	case "llamacpp":
		return llamacpp.New(opts...)
	case "llamafile":
		return llamafile.New(opts...)
	default:
		return nil, fmt.Errorf("unsupported provider %q; supported: openai, anthropic, gemini, ollama, deepseek, mistral, groq, llamacpp, llamafile", providerName)
	}
}
