package app_test

import (
	"encoding/csv"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/MrWong99/ideaflow/internal/app"
	"github.com/MrWong99/ideaflow/internal/config"
	"github.com/MrWong99/ideaflow/internal/feed"
	"github.com/MrWong99/ideaflow/internal/persist"
	"github.com/MrWong99/ideaflow/internal/session"
	audiomock "github.com/MrWong99/ideaflow/pkg/audio/mock"
	"github.com/MrWong99/ideaflow/pkg/provider/llm"
	llmmock "github.com/MrWong99/ideaflow/pkg/provider/llm/mock"
	"github.com/MrWong99/ideaflow/pkg/provider/stt"
	sttmock "github.com/MrWong99/ideaflow/pkg/provider/stt/mock"
)

// testConfig returns a config writing into dir with the HTTP server off.
func testConfig(dir string) *config.Config {
	cfg := &config.Config{
		Providers: config.ProvidersConfig{
			LLM: config.ProviderEntry{Name: "openai"},
			STT: config.ProviderEntry{Name: "deepgram"},
		},
		Storage: config.StorageConfig{
			CSVPath:      filepath.Join(dir, "idea_pairs.csv"),
			RatingsPath:  filepath.Join(dir, "ratings.csv"),
			ResetOnStart: true,
		},
		Archive: config.ArchiveConfig{Enabled: true, Dir: filepath.Join(dir, "data")},
		MCP:     config.MCPConfig{Enabled: true},
	}
	config.ApplyDefaults(cfg)
	cfg.Server.ListenAddr = ""
	return cfg
}

// testProviders returns mocks for one short recognition session.
func testProviders(reply string, finals ...string) (*app.Providers, *sttmock.Session) {
	sess := sttmock.NewSession(len(finals) + 1)
	for _, f := range finals {
		sess.FinalsCh <- stt.Transcript{Text: f, IsFinal: true}
	}
	return &app.Providers{
		LLM:   &llmmock.Provider{CompleteResponse: &llm.CompletionResponse{Content: reply}},
		STT:   &sttmock.Provider{Sessions: []*sttmock.Session{sess}},
		Audio: &audiomock.Source{},
	}, sess
}

func TestNew_RequiresProviders(t *testing.T) {
	t.Parallel()
	_, err := app.New(t.Context(), testConfig(t.TempDir()), &app.Providers{LLM: &llmmock.Provider{}})
	if err == nil {
		t.Fatal("New() without stt and audio providers returned nil error")
	}
}

func TestRun_EndToEnd(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	cfg := testConfig(dir)
	cfg.Storage.SQLitePath = filepath.Join(dir, "ideas.db")
	cfg.Session.Keywords = []config.KeywordConfig{{Keyword: "doorstop", Boost: 3}}

	providers, sess := testProviders("New Ideas: paperweight, doorstop",
		"you could put it on a stack of paper", "or hold a door open")
	sess.Finish(nil)

	application, err := app.New(t.Context(), cfg, providers, app.WithSessionID("s-1"))
	if err != nil {
		t.Fatalf("New() returned error: %v", err)
	}
	t.Cleanup(func() { _ = application.Shutdown(t.Context()) })

	if _, err := os.Stat(cfg.Storage.RatingsPath); err != nil {
		t.Errorf("ratings file not reset: %v", err)
	}

	if err := application.Run(t.Context()); err != nil {
		t.Fatalf("Run() returned error: %v", err)
	}

	if got := application.Store().Ideas(); !slices.Equal(got, []string{"paperweight", "doorstop"}) {
		t.Errorf("ideas = %q", got)
	}
	if got := len(application.Store().History()); got != 2 {
		t.Errorf("history length = %d, want 2", got)
	}
	calls := providers.STT.(*sttmock.Provider).StartStreamCalls
	if len(calls) != 1 || !slices.Equal(calls[0].Cfg.Keywords, []stt.KeywordBoost{{Keyword: "doorstop", Boost: 3}}) {
		t.Errorf("stream keywords = %+v", calls)
	}
	if application.State() != session.Terminated {
		t.Errorf("state = %v, want terminated", application.State())
	}

	entries, err := os.ReadDir(cfg.Archive.Dir)
	if err != nil || len(entries) != 1 {
		t.Fatalf("archive dir entries = %v (err %v), want one session folder", entries, err)
	}
	f, err := os.Open(filepath.Join(cfg.Archive.Dir, entries[0].Name(), "idea_pairs.csv"))
	if err != nil {
		t.Fatalf("archived idea pairs: %v", err)
	}
	defer f.Close()
	rows, err := csv.NewReader(f).ReadAll()
	if err != nil {
		t.Fatal(err)
	}
	want := [][]string{{"item", "response"}, {"brick", "paperweight"}, {"brick", "doorstop"}}
	if !slices.EqualFunc(rows, want, slices.Equal[[]string]) {
		t.Errorf("archived rows = %q, want %q", rows, want)
	}
	if _, err := os.Stat(cfg.Storage.CSVPath); !os.IsNotExist(err) {
		t.Errorf("idea_pairs.csv not moved into the archive")
	}

	db, err := persist.OpenSQLite(t.Context(), cfg.Storage.SQLitePath, "s-1", "brick")
	if err != nil {
		t.Fatalf("reopen sqlite: %v", err)
	}
	defer db.Close()
	stored, err := db.Ideas(t.Context())
	if err != nil || !slices.Equal(stored, []string{"paperweight", "doorstop"}) {
		t.Errorf("sqlite ideas = %q (err %v)", stored, err)
	}
}

func TestRun_ListenFailureKeepsListening(t *testing.T) {
	t.Parallel()
	busy, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { busy.Close() })

	cfg := testConfig(t.TempDir())
	cfg.Server.ListenAddr = busy.Addr().String()
	providers, sess := testProviders("New Ideas: bookend", "keep my books upright")
	sess.Finish(nil)

	application, err := app.New(t.Context(), cfg, providers)
	if err != nil {
		t.Fatalf("New() returned error: %v", err)
	}
	t.Cleanup(func() { _ = application.Shutdown(t.Context()) })

	if err := application.Run(t.Context()); err != nil {
		t.Fatalf("Run() returned error: %v", err)
	}
	if got := application.Store().Ideas(); !slices.Equal(got, []string{"bookend"}) {
		t.Errorf("ideas = %q, want the session to run without its HTTP feed", got)
	}
	if application.State() != session.Terminated {
		t.Errorf("state = %v, want terminated", application.State())
	}
}

func TestHandler_Endpoints(t *testing.T) {
	t.Parallel()
	providers, _ := testProviders("New Ideas: none")
	application, err := app.New(t.Context(), testConfig(t.TempDir()), providers)
	if err != nil {
		t.Fatalf("New() returned error: %v", err)
	}
	ts := httptest.NewServer(application.Handler())
	t.Cleanup(ts.Close)

	tests := []struct {
		path string
		want int
	}{
		{"/healthz", http.StatusOK},
		{"/metrics", http.StatusOK},
		// The session has not started listening yet.
		{"/readyz", http.StatusServiceUnavailable},
	}
	for _, tt := range tests {
		resp, err := http.Get(ts.URL + tt.path)
		if err != nil {
			t.Fatalf("GET %s: %v", tt.path, err)
		}
		resp.Body.Close()
		if resp.StatusCode != tt.want {
			t.Errorf("GET %s = %d, want %d", tt.path, resp.StatusCode, tt.want)
		}
	}
}

func TestHandler_LiveFeed(t *testing.T) {
	t.Parallel()
	cfg := testConfig(t.TempDir())
	cfg.Live.Enabled = true
	providers, _ := testProviders("New Ideas: none")
	application, err := app.New(t.Context(), cfg, providers)
	if err != nil {
		t.Fatalf("New() returned error: %v", err)
	}
	ts := httptest.NewServer(application.Handler())
	t.Cleanup(ts.Close)

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + cfg.Live.Path
	conn, _, err := websocket.DefaultDialer.DialContext(t.Context(), url, nil)
	if err != nil {
		t.Fatalf("dial live feed through the middleware: %v", err)
	}
	defer conn.Close()

	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var msg feed.LiveMessage
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("read snapshot: %v", err)
	}
	if msg.Item != "brick" || msg.Total != 0 {
		t.Errorf("snapshot = %+v", msg)
	}

	if err := application.Shutdown(t.Context()); err != nil {
		t.Fatal(err)
	}
	if _, _, err := conn.ReadMessage(); !websocket.IsCloseError(err, websocket.CloseGoingAway) {
		t.Errorf("read after Shutdown = %v, want going-away close", err)
	}
}

func TestShutdown_Idempotent(t *testing.T) {
	t.Parallel()
	providers, _ := testProviders("New Ideas: none")
	application, err := app.New(t.Context(), testConfig(t.TempDir()), providers)
	if err != nil {
		t.Fatalf("New() returned error: %v", err)
	}
	if err := application.Shutdown(t.Context()); err != nil {
		t.Errorf("first Shutdown: %v", err)
	}
	if err := application.Shutdown(t.Context()); err != nil {
		t.Errorf("second Shutdown: %v", err)
	}
	if application.SessionID() == "" {
		t.Error("session ID not generated")
	}
}
