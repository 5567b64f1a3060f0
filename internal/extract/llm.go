package extract

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/MrWong99/ideaflow/pkg/provider/llm"
)

const (
	// DefaultTemperature keeps the model close to literal extraction.
	DefaultTemperature = 0.1

	// DefaultMaxTokens bounds the reply; an idea list is short.
	DefaultMaxTokens = 200
)

// LLMExtractor extracts ideas by prompting a language model and parsing its
// "New Ideas:" reply.
type LLMExtractor struct {
	provider    llm.Provider
	item        string
	temperature float64
	maxTokens   int
}

var _ Extractor = (*LLMExtractor)(nil)

// LLMOption configures an [LLMExtractor].
type LLMOption func(*LLMExtractor)

// WithTaskItem sets the object whose uses are extracted. Default: "brick".
func WithTaskItem(item string) LLMOption {
	return func(e *LLMExtractor) {
		if item != "" {
			e.item = item
		}
	}
}

// WithTemperature overrides the sampling temperature.
func WithTemperature(t float64) LLMOption {
	return func(e *LLMExtractor) { e.temperature = t }
}

// WithMaxTokens overrides the reply token cap.
func WithMaxTokens(n int) LLMOption {
	return func(e *LLMExtractor) {
		if n > 0 {
			e.maxTokens = n
		}
	}
}

// NewLLMExtractor returns an extractor backed by p.
func NewLLMExtractor(p llm.Provider, opts ...LLMOption) *LLMExtractor {
	e := &LLMExtractor{
		provider:    p,
		item:        DefaultTaskItem,
		temperature: DefaultTemperature,
		maxTokens:   DefaultMaxTokens,
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// TaskItem returns the configured task item.
func (e *LLMExtractor) TaskItem() string { return e.item }

// Extract prompts the model with history and known and parses the reply.
// When the prompt would not fit the model's context window the oldest part
// of history is dropped first.
func (e *LLMExtractor) Extract(ctx context.Context, history string, known []string) (Result, error) {
	req := e.request(history, known)
	req = e.fit(req, history, known)

	resp, err := e.provider.Complete(ctx, req)
	if err != nil {
		return Result{}, fmt.Errorf("%w: %w", ErrExtraction, err)
	}
	slog.Debug("extraction reply",
		"reply", resp.Content,
		"prompt_tokens", resp.Usage.PromptTokens,
		"completion_tokens", resp.Usage.CompletionTokens,
	)
	return ParseResponse(strings.TrimSpace(resp.Content))
}

func (e *LLMExtractor) request(history string, known []string) llm.CompletionRequest {
	return llm.CompletionRequest{
		SystemPrompt: systemPrompt,
		Messages: []llm.Message{
			{Role: "user", Content: BuildPrompt(e.item, history, known)},
		},
		Temperature: e.temperature,
		MaxTokens:   e.maxTokens,
	}
}

// fit shrinks history until the request fits the model's context window. A
// provider that reports no window or cannot count tokens gets req unchanged.
func (e *LLMExtractor) fit(req llm.CompletionRequest, history string, known []string) llm.CompletionRequest {
	window := e.provider.Capabilities().ContextWindow
	if window <= 0 {
		return req
	}
	budget := window - e.maxTokens

	words := strings.Fields(history)
	for {
		n, err := e.provider.CountTokens(promptMessages(req))
		if err != nil || n <= budget || len(words) <= 1 {
			return req
		}
		words = words[len(words)/4+1:]
		slog.Warn("transcript exceeds model context window, dropping oldest speech",
			"tokens", n,
			"budget", budget,
			"words_kept", len(words),
		)
		req = e.request(strings.Join(words, " "), known)
	}
}

func promptMessages(req llm.CompletionRequest) []llm.Message {
	return append([]llm.Message{{Role: "system", Content: req.SystemPrompt}}, req.Messages...)
}
