package resilience

import (
	"errors"
	"testing"

	"github.com/MrWong99/ideaflow/pkg/provider/llm"
	llmmock "github.com/MrWong99/ideaflow/pkg/provider/llm/mock"
)

func newLLMFallback(primary, secondary *llmmock.Provider) *LLMFallback {
	fb := NewLLMFallback(primary, "openai", FallbackConfig{
		CircuitBreaker: CircuitBreakerConfig{MaxFailures: 3},
	})
	fb.AddFallback("anthropic", secondary)
	return fb
}

func TestLLMFallback_Complete(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name        string
		primaryErr  error
		secondErr   error
		wantContent string
		wantErr     error
	}{
		{name: "primary answers", wantContent: "New Ideas: doorstop"},
		{name: "fails over", primaryErr: errors.New("rate limited"), wantContent: "New Ideas: bookend"},
		{name: "all fail", primaryErr: errors.New("down"), secondErr: errors.New("down too"), wantErr: ErrAllFailed},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			primary := &llmmock.Provider{
				CompleteResponse: &llm.CompletionResponse{Content: "New Ideas: doorstop"},
				CompleteErr:      tc.primaryErr,
			}
			secondary := &llmmock.Provider{
				CompleteResponse: &llm.CompletionResponse{Content: "New Ideas: bookend"},
				CompleteErr:      tc.secondErr,
			}
			if tc.primaryErr != nil {
				primary.CompleteResponse = nil
			}

			resp, err := newLLMFallback(primary, secondary).Complete(t.Context(), llm.CompletionRequest{})
			if !errors.Is(err, tc.wantErr) {
				t.Fatalf("err = %v, want %v", err, tc.wantErr)
			}
			if tc.wantErr != nil {
				return
			}
			if resp.Content != tc.wantContent {
				t.Errorf("content = %q, want %q", resp.Content, tc.wantContent)
			}
			if tc.primaryErr == nil && secondary.CompleteCallCount() != 0 {
				t.Error("secondary called although primary succeeded")
			}
		})
	}
}

func TestLLMFallback_CountTokens(t *testing.T) {
	t.Parallel()
	primary := &llmmock.Provider{CountTokensErr: errors.New("count failed")}
	secondary := &llmmock.Provider{TokenCount: 42}

	count, err := newLLMFallback(primary, secondary).CountTokens([]llm.Message{{Role: "user", Content: "a brick"}})
	if err != nil {
		t.Fatalf("CountTokens: %v", err)
	}
	if count != 42 {
		t.Errorf("count = %d, want 42", count)
	}
}

func TestLLMFallback_CapabilitiesTakeSmallestLimits(t *testing.T) {
	t.Parallel()
	primary := &llmmock.Provider{ModelCapabilities: llm.ModelCapabilities{ContextWindow: 128_000, MaxOutputTokens: 16_384}}
	secondary := &llmmock.Provider{ModelCapabilities: llm.ModelCapabilities{ContextWindow: 8_192}}

	caps := newLLMFallback(primary, secondary).Capabilities()
	if caps.ContextWindow != 8_192 {
		t.Errorf("ContextWindow = %d, want 8192", caps.ContextWindow)
	}
	if caps.MaxOutputTokens != 16_384 {
		t.Errorf("MaxOutputTokens = %d, want 16384", caps.MaxOutputTokens)
	}
}
