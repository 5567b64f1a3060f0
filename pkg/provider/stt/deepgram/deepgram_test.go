package deepgram

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/ideaflow/pkg/provider/stt"
)

// ---- URL / query-param tests ----

func TestBuildURL_Defaults(t *testing.T) {
	t.Parallel()

	p, err := New("test-key")
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	rawURL, err := p.buildURL(stt.StreamConfig{SampleRate: 16000, Channels: 1, Language: "en"})
	if err != nil {
		t.Fatalf("buildURL: %v", err)
	}

	u, err := url.Parse(rawURL)
	if err != nil {
		t.Fatalf("parse URL: %v", err)
	}
	q := u.Query()

	assertEqual(t, "model", "nova-3", q.Get("model"))
	assertEqual(t, "language", "en", q.Get("language"))
	assertEqual(t, "interim_results", "true", q.Get("interim_results"))
	assertEqual(t, "encoding", "linear16", q.Get("encoding"))
	assertEqual(t, "sample_rate", "16000", q.Get("sample_rate"))
	assertEqual(t, "channels", "1", q.Get("channels"))
}

func TestBuildURL_ProviderDefaultsAndOverrides(t *testing.T) {
	t.Parallel()

	p, err := New("key", WithModel("base"), WithLanguage("de-DE"), WithSampleRate(48000))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	rawURL, _ := p.buildURL(stt.StreamConfig{})
	q := mustQuery(t, rawURL)
	assertEqual(t, "model", "base", q.Get("model"))
	assertEqual(t, "language", "de-DE", q.Get("language"))
	assertEqual(t, "sample_rate", "48000", q.Get("sample_rate"))

	rawURL, _ = p.buildURL(stt.StreamConfig{Language: "fr-FR", SampleRate: 16000})
	q = mustQuery(t, rawURL)
	assertEqual(t, "language", "fr-FR", q.Get("language"))
	assertEqual(t, "sample_rate", "16000", q.Get("sample_rate"))
}

func TestBuildURL_Keywords(t *testing.T) {
	t.Parallel()

	p, _ := New("key")
	rawURL, err := p.buildURL(stt.StreamConfig{
		SampleRate: 16000,
		Keywords:   []stt.KeywordBoost{{Keyword: "doorstop", Boost: 5}, {Keyword: "paperweight", Boost: 3.5}},
	})
	if err != nil {
		t.Fatalf("buildURL: %v", err)
	}
	kws := mustQuery(t, rawURL)["keywords"]
	if len(kws) != 2 || kws[0] != "doorstop:5" || kws[1] != "paperweight:3.5" {
		t.Errorf("keywords = %v", kws)
	}

	rawURL, _ = p.buildURL(stt.StreamConfig{SampleRate: 16000})
	if _, ok := mustQuery(t, rawURL)["keywords"]; ok {
		t.Error("expected no 'keywords' param when none provided")
	}
}

// ---- JSON parsing tests ----

func TestParseDeepgramResponse(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		raw       string
		wantOK    bool
		wantFinal bool
		wantText  string
	}{
		{
			name: "final",
			raw: `{"type":"Results","is_final":true,"start":1.5,"duration":2.0,"channel":{"alternatives":[{
				"transcript":"use it as a doorstop","confidence":0.95,
				"words":[{"word":"use","start":1.5,"end":1.7,"confidence":0.97}]}]}}`,
			wantOK: true, wantFinal: true, wantText: "use it as a doorstop",
		},
		{
			name:   "partial",
			raw:    `{"type":"Results","is_final":false,"channel":{"alternatives":[{"transcript":"use it","confidence":0.7}]}}`,
			wantOK: true, wantText: "use it",
		},
		{name: "metadata", raw: `{"type":"Metadata","request_id":"abc"}`},
		{name: "empty alternatives", raw: `{"type":"Results","is_final":true,"channel":{"alternatives":[]}}`},
		{name: "invalid json", raw: `{invalid`},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			tr, ok := parseDeepgramResponse([]byte(tc.raw))
			if ok != tc.wantOK {
				t.Fatalf("ok = %v, want %v", ok, tc.wantOK)
			}
			if !ok {
				return
			}
			if tr.IsFinal != tc.wantFinal {
				t.Errorf("IsFinal = %v, want %v", tr.IsFinal, tc.wantFinal)
			}
			assertEqual(t, "text", tc.wantText, tr.Text)
		})
	}
}

func TestParseDeepgramResponse_Timing(t *testing.T) {
	t.Parallel()
	tr, ok := parseDeepgramResponse([]byte(`{"type":"Results","is_final":true,"start":1.5,"duration":2.0,
		"channel":{"alternatives":[{"transcript":"x","words":[{"word":"x","start":1.5,"end":1.75}]}]}}`))
	if !ok {
		t.Fatal("expected ok")
	}
	if tr.Timestamp != 1500*time.Millisecond || tr.Duration != 2*time.Second {
		t.Errorf("timing = %v/%v", tr.Timestamp, tr.Duration)
	}
	if len(tr.Words) != 1 || tr.Words[0].End != 1750*time.Millisecond {
		t.Errorf("words = %+v", tr.Words)
	}
}

func TestIsDurationLimit(t *testing.T) {
	t.Parallel()
	tests := map[string]bool{
		"Maximum stream duration exceeded":  true,
		"exceeded maximum allowed duration": true,
		"stream duration limit reached":     true,
		"session closed":                    false,
		"NET-0001: no audio received":       false,
		"":                                  false,
	}
	for reason, want := range tests {
		if got := isDurationLimit(reason); got != want {
			t.Errorf("isDurationLimit(%q) = %v, want %v", reason, got, want)
		}
	}
}

// ---- Constructor tests ----

func TestNew_EmptyAPIKey(t *testing.T) {
	t.Parallel()
	if _, err := New(""); err == nil {
		t.Error("expected error for empty API key")
	}
}

func TestNew_Defaults(t *testing.T) {
	t.Parallel()
	p, err := New("key")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	assertEqual(t, "model", defaultModel, p.model)
	assertEqual(t, "language", defaultLanguage, p.language)
	assertEqual(t, "endpoint", deepgramEndpoint, p.endpoint)
	if p.sampleRate != defaultSampleRate {
		t.Errorf("expected sampleRate %d, got %d", defaultSampleRate, p.sampleRate)
	}
	if p.maxSession != 0 {
		t.Errorf("expected client-side limit off, got %v", p.maxSession)
	}
}

// ---- session tests against a local WebSocket server ----

const finalResult = `{"type":"Results","is_final":true,"channel":{"alternatives":[{"transcript":"use it as a doorstop","confidence":0.9}]}}`

// fakeServer runs handle for every accepted WebSocket connection.
func fakeServer(t *testing.T, handle func(ctx context.Context, c *websocket.Conn)) string {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer c.CloseNow()
		handle(r.Context(), c)
	}))
	t.Cleanup(srv.Close)
	return srv.URL
}

func collectFinals(t *testing.T, h stt.SessionHandle) []stt.Transcript {
	t.Helper()
	var got []stt.Transcript
	timeout := time.After(5 * time.Second)
	for {
		select {
		case tr, ok := <-h.Finals():
			if !ok {
				return got
			}
			got = append(got, tr)
		case <-timeout:
			t.Fatal("finals channel was not closed in time")
			return nil
		}
	}
}

func TestSession_ServerDurationLimitIsExpiry(t *testing.T) {
	t.Parallel()

	endpoint := fakeServer(t, func(ctx context.Context, c *websocket.Conn) {
		if _, _, err := c.Read(ctx); err != nil {
			return
		}
		_ = c.Write(ctx, websocket.MessageText, []byte(finalResult))
		c.Close(websocket.StatusPolicyViolation, "Maximum stream duration exceeded")
	})

	p, _ := New("key", WithEndpoint(endpoint))
	h, err := p.StartStream(t.Context(), stt.StreamConfig{SampleRate: 16000, Channels: 1})
	if err != nil {
		t.Fatalf("StartStream: %v", err)
	}
	defer h.Close()

	if err := h.SendAudio(make([]byte, 3200)); err != nil {
		t.Fatalf("SendAudio: %v", err)
	}
	finals := collectFinals(t, h)
	if len(finals) != 1 || finals[0].Text != "use it as a doorstop" {
		t.Errorf("finals = %+v", finals)
	}
	if !stt.IsSessionExpired(h.Err()) {
		t.Errorf("Err = %v, want ErrSessionExpired", h.Err())
	}
}

func TestSession_ClientLimitIsExpiry(t *testing.T) {
	t.Parallel()

	endpoint := fakeServer(t, func(ctx context.Context, c *websocket.Conn) {
		for {
			if _, _, err := c.Read(ctx); err != nil {
				return
			}
		}
	})

	p, _ := New("key", WithEndpoint(endpoint), WithMaxSession(50*time.Millisecond))
	h, err := p.StartStream(t.Context(), stt.StreamConfig{SampleRate: 16000})
	if err != nil {
		t.Fatalf("StartStream: %v", err)
	}
	defer h.Close()

	collectFinals(t, h)
	if !errors.Is(h.Err(), stt.ErrSessionExpired) {
		t.Errorf("Err = %v, want ErrSessionExpired", h.Err())
	}
}

func TestSession_ServerErrorIsFailure(t *testing.T) {
	t.Parallel()

	endpoint := fakeServer(t, func(ctx context.Context, c *websocket.Conn) {
		c.Close(websocket.StatusInternalError, "NET-0001: no audio received")
	})

	p, _ := New("key", WithEndpoint(endpoint))
	h, err := p.StartStream(t.Context(), stt.StreamConfig{SampleRate: 16000})
	if err != nil {
		t.Fatalf("StartStream: %v", err)
	}
	defer h.Close()

	collectFinals(t, h)
	if h.Err() == nil || stt.IsSessionExpired(h.Err()) {
		t.Errorf("Err = %v, want a transport failure", h.Err())
	}
}

func TestSession_CloseSendFlushes(t *testing.T) {
	t.Parallel()

	endpoint := fakeServer(t, func(ctx context.Context, c *websocket.Conn) {
		for {
			typ, msg, err := c.Read(ctx)
			if err != nil {
				return
			}
			if typ == websocket.MessageText && string(msg) == `{"type":"CloseStream"}` {
				_ = c.Write(ctx, websocket.MessageText, []byte(finalResult))
				c.Close(websocket.StatusNormalClosure, "")
				return
			}
		}
	})

	p, _ := New("key", WithEndpoint(endpoint))
	h, err := p.StartStream(t.Context(), stt.StreamConfig{SampleRate: 16000})
	if err != nil {
		t.Fatalf("StartStream: %v", err)
	}
	defer h.Close()

	_ = h.SendAudio(make([]byte, 3200))
	sc, ok := h.(stt.SendCloser)
	if !ok {
		t.Fatal("session does not implement stt.SendCloser")
	}
	if err := sc.CloseSend(); err != nil {
		t.Fatalf("CloseSend: %v", err)
	}
	if err := h.SendAudio(make([]byte, 3200)); err == nil {
		t.Error("SendAudio after CloseSend: expected error")
	}

	finals := collectFinals(t, h)
	if len(finals) != 1 {
		t.Errorf("got %d finals, want 1", len(finals))
	}
	if h.Err() != nil {
		t.Errorf("Err = %v, want nil for a clean end", h.Err())
	}
}

func TestSession_CloseIdempotent(t *testing.T) {
	t.Parallel()

	endpoint := fakeServer(t, func(ctx context.Context, c *websocket.Conn) {
		for {
			if _, _, err := c.Read(ctx); err != nil {
				return
			}
		}
	})

	p, _ := New("key", WithEndpoint(endpoint))
	h, err := p.StartStream(t.Context(), stt.StreamConfig{SampleRate: 16000})
	if err != nil {
		t.Fatalf("StartStream: %v", err)
	}
	for i := range 3 {
		if err := h.Close(); err != nil {
			t.Fatalf("Close[%d]: %v", i, err)
		}
	}
	collectFinals(t, h)
	if h.Err() != nil {
		t.Errorf("Err after Close = %v, want nil", h.Err())
	}
	if err := h.SendAudio([]byte{0, 0}); err == nil {
		t.Error("SendAudio after Close: expected error")
	}
}

// ---- helpers ----

func mustQuery(t *testing.T, raw string) url.Values {
	t.Helper()
	u, err := url.Parse(raw)
	if err != nil {
		t.Fatalf("parse URL: %v", err)
	}
	return u.Query()
}

func assertEqual(t *testing.T, label, want, got string) {
	t.Helper()
	if want != got {
		t.Errorf("%s: want %q, got %q", label, want, got)
	}
}
