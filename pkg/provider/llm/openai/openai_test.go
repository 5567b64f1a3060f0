package openai

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/MrWong99/ideaflow/pkg/provider/llm"
)

func TestConvertMessage(t *testing.T) {
	t.Parallel()

	tests := []struct {
		role    string
		wantErr bool
	}{
		{role: "system"},
		{role: "user"},
		{role: "assistant"},
		{role: "tool", wantErr: true},
		{role: "unknown", wantErr: true},
	}

	for _, tc := range tests {
		t.Run(tc.role, func(t *testing.T) {
			t.Parallel()
			p, err := convertMessage(llm.Message{Role: tc.role, Content: "x"})
			if tc.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			switch tc.role {
			case "system":
				if p.OfSystem == nil {
					t.Error("expected OfSystem to be set")
				}
			case "user":
				if p.OfUser == nil {
					t.Error("expected OfUser to be set")
				}
			case "assistant":
				if p.OfAssistant == nil {
					t.Error("expected OfAssistant to be set")
				}
			}
		})
	}
}

func TestModelCapabilities(t *testing.T) {
	t.Parallel()

	tests := []struct {
		model         string
		contextWindow int
	}{
		{"gpt-4o-mini", 128_000},
		{"gpt-4o", 128_000},
		{"gpt-4", 8_192},
		{"gpt-3.5-turbo", 16_385},
		{"o3-mini", 200_000},
		{"some-local-model", 128_000},
	}
	for _, tc := range tests {
		if got := modelCapabilities(tc.model).ContextWindow; got != tc.contextWindow {
			t.Errorf("%s: ContextWindow = %d, want %d", tc.model, got, tc.contextWindow)
		}
	}
	if modelCapabilities("gpt-4o-mini").MaxOutputTokens != 16_384 {
		t.Error("gpt-4o-mini: unexpected MaxOutputTokens")
	}
}

func TestNew_Validation(t *testing.T) {
	t.Parallel()
	if _, err := New("", "gpt-4o-mini"); err == nil {
		t.Error("expected error for empty api key")
	}
	if _, err := New("sk-test", ""); err == nil {
		t.Error("expected error for empty model")
	}
}

func TestComplete_AgainstCompatibleServer(t *testing.T) {
	t.Parallel()

	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/chat/completions") {
			http.NotFound(w, r)
			return
		}
		body, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(body, &got)
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{
			"id":"chatcmpl-1","object":"chat.completion","created":0,"model":"gpt-4o-mini",
			"choices":[{"index":0,"finish_reason":"stop","message":{"role":"assistant","content":"New Ideas: doorstop"}}],
			"usage":{"prompt_tokens":40,"completion_tokens":4,"total_tokens":44}}`)
	}))
	defer srv.Close()

	p, err := New("sk-test", "gpt-4o-mini", WithBaseURL(srv.URL+"/v1/"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	resp, err := p.Complete(t.Context(), llm.CompletionRequest{
		SystemPrompt: "extract",
		Messages:     []llm.Message{{Role: "user", Content: "I would use it as a doorstop"}},
		Temperature:  0.1,
		MaxTokens:    200,
	})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if resp.Content != "New Ideas: doorstop" {
		t.Errorf("Content = %q", resp.Content)
	}
	if resp.Usage.TotalTokens != 44 {
		t.Errorf("TotalTokens = %d, want 44", resp.Usage.TotalTokens)
	}

	if got["model"] != "gpt-4o-mini" {
		t.Errorf("model = %v", got["model"])
	}
	if got["temperature"] != 0.1 {
		t.Errorf("temperature = %v, want 0.1", got["temperature"])
	}
	if got["max_completion_tokens"] != float64(200) {
		t.Errorf("max_completion_tokens = %v, want 200", got["max_completion_tokens"])
	}
	msgs, _ := got["messages"].([]any)
	if len(msgs) != 2 {
		t.Fatalf("messages = %d, want system + user", len(msgs))
	}
}

func TestCountTokens(t *testing.T) {
	t.Parallel()
	p, _ := New("sk-test", "gpt-4o-mini")
	n, err := p.CountTokens([]llm.Message{{Role: "user", Content: "12345678"}})
	if err != nil {
		t.Fatalf("CountTokens: %v", err)
	}
	if n != 6 {
		t.Errorf("CountTokens = %d, want 6", n)
	}
}
