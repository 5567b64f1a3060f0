package config_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/MrWong99/ideaflow/internal/config"
	"github.com/MrWong99/ideaflow/pkg/audio"
	audiomock "github.com/MrWong99/ideaflow/pkg/audio/mock"
	"github.com/MrWong99/ideaflow/pkg/provider/llm"
	llmmock "github.com/MrWong99/ideaflow/pkg/provider/llm/mock"
	"github.com/MrWong99/ideaflow/pkg/provider/stt"
	sttmock "github.com/MrWong99/ideaflow/pkg/provider/stt/mock"
)

// ── helpers ──────────────────────────────────────────────────────────────────

const sampleYAML = `
server:
  listen_addr: ":9090"
  log_level: debug

providers:
  llm:
    name: openai
    api_key: sk-test
    model: gpt-4o-mini
  llm_fallbacks:
    - name: anthropic
      api_key: ant-test
      model: claude-haiku
  stt:
    name: deepgram
    api_key: dg-test
    model: nova-2
  audio:
    name: discord
    api_key: bot-token
    options:
      guild_id: "123"
      channel_id: "456"
      speaker_id: "789"

session:
  language: de-DE
  max_restarts: 12
  keywords:
    - {keyword: paperclip, boost: 5}
    - {keyword: carabiner}

extraction:
  task_item: paperclip
  similarity_threshold: 0.85
  max_concurrent: 2
  timeout: 10s
  temperature: 0
  history_window: 20

storage:
  csv_path: out/idea_pairs.csv
  sqlite_path: out/ideas.db
  reset_on_start: true

nats:
  url: nats://localhost:4222

archive:
  enabled: true

mcp:
  enabled: true
`

func mustLoad(t *testing.T, yaml string) *config.Config {
	t.Helper()
	cfg, err := config.LoadFromReader(strings.NewReader(yaml))
	if err != nil {
		t.Fatalf("LoadFromReader: %v", err)
	}
	return cfg
}

// ── Loading ──────────────────────────────────────────────────────────────────

func TestLoadFromReader_Sample(t *testing.T) {
	t.Parallel()
	cfg := mustLoad(t, sampleYAML)

	if cfg.Server.ListenAddr != ":9090" || cfg.Server.LogLevel != config.LogDebug {
		t.Errorf("server = %+v", cfg.Server)
	}
	if cfg.Providers.LLM.Model != "gpt-4o-mini" {
		t.Errorf("llm model = %q", cfg.Providers.LLM.Model)
	}
	if len(cfg.Providers.LLMFallbacks) != 1 || cfg.Providers.LLMFallbacks[0].Name != "anthropic" {
		t.Errorf("llm fallbacks = %+v", cfg.Providers.LLMFallbacks)
	}
	if got := cfg.Providers.Audio.OptString("speaker_id"); got != "789" {
		t.Errorf("speaker_id = %q", got)
	}
	if cfg.Session.Language != "de-DE" || cfg.Session.MaxRestarts != 12 {
		t.Errorf("session = %+v", cfg.Session)
	}
	wantKW := []config.KeywordConfig{{Keyword: "paperclip", Boost: 5}, {Keyword: "carabiner", Boost: config.DefaultKeywordBoost}}
	if !slices.Equal(cfg.Session.Keywords, wantKW) {
		t.Errorf("keywords = %+v, want %+v", cfg.Session.Keywords, wantKW)
	}
	if cfg.Session.SampleRate != config.DefaultSampleRate {
		t.Errorf("sample_rate = %d, want default", cfg.Session.SampleRate)
	}
	if cfg.Session.ChunkDuration() != 100*time.Millisecond {
		t.Errorf("chunk duration = %s", cfg.Session.ChunkDuration())
	}

	ex := cfg.Extraction
	if ex.TaskItem != "paperclip" || ex.SimilarityThreshold != 0.85 || ex.MaxConcurrent != 2 {
		t.Errorf("extraction = %+v", ex)
	}
	if ex.Timeout != 10*time.Second {
		t.Errorf("timeout = %s, want 10s", ex.Timeout)
	}
	if ex.Temperature == nil || *ex.Temperature != 0 {
		t.Errorf("explicit zero temperature not kept: %v", ex.Temperature)
	}
	if ex.MaxTokens != config.DefaultMaxTokens {
		t.Errorf("max_tokens = %d, want default", ex.MaxTokens)
	}

	if !cfg.Storage.ResetOnStart || cfg.Storage.RatingsPath != config.DefaultRatingsPath {
		t.Errorf("storage = %+v", cfg.Storage)
	}
	if cfg.NATS.SubjectPrefix != config.DefaultSubjectPrefix {
		t.Errorf("nats prefix = %q", cfg.NATS.SubjectPrefix)
	}
	if !cfg.Archive.Enabled || cfg.Archive.Dir != config.DefaultArchiveDir {
		t.Errorf("archive = %+v", cfg.Archive)
	}
	if !cfg.MCP.Enabled || cfg.MCP.Path != "/mcp" {
		t.Errorf("mcp = %+v", cfg.MCP)
	}
}

func TestLoadFromReader_Defaults(t *testing.T) {
	t.Parallel()
	cfg := mustLoad(t, `
providers:
  llm: {name: openai}
  stt: {name: deepgram}
`)
	if cfg.Providers.Audio.Name != "pipe" {
		t.Errorf("audio = %q, want pipe", cfg.Providers.Audio.Name)
	}
	if cfg.Extraction.TaskItem != "brick" {
		t.Errorf("task item = %q, want brick", cfg.Extraction.TaskItem)
	}
	if cfg.Extraction.SimilarityThreshold != 0.8 {
		t.Errorf("threshold = %v, want 0.8", cfg.Extraction.SimilarityThreshold)
	}
	if *cfg.Extraction.Temperature != 0.1 || cfg.Extraction.MaxTokens != 200 {
		t.Errorf("sampling = %v/%d, want 0.1/200", *cfg.Extraction.Temperature, cfg.Extraction.MaxTokens)
	}
	if cfg.Storage.CSVPath != "idea_pairs.csv" {
		t.Errorf("csv path = %q", cfg.Storage.CSVPath)
	}
	if cfg.Server.LogLevel != config.LogInfo {
		t.Errorf("log level = %q", cfg.Server.LogLevel)
	}
	if cfg.Live.Enabled || cfg.Live.Path != "/ws/ideas" {
		t.Errorf("live = %+v, want disabled on /ws/ideas", cfg.Live)
	}
	if cfg.Storage.RedisURL != "" || cfg.Storage.RedisPrefix != "ideaflow:" {
		t.Errorf("redis = %q/%q", cfg.Storage.RedisURL, cfg.Storage.RedisPrefix)
	}
}

func TestLoadFromReader_UnknownField(t *testing.T) {
	t.Parallel()
	_, err := config.LoadFromReader(strings.NewReader(`
providers:
  llm: {name: openai}
  stt: {name: deepgram}
extraction:
  similarity: 0.9
`))
	if err == nil {
		t.Fatal("expected error for unknown field, got nil")
	}
}

func TestLoad_MissingFile(t *testing.T) {
	t.Parallel()
	_, err := config.Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if !errors.Is(err, os.ErrNotExist) {
		t.Errorf("err = %v, want os.ErrNotExist", err)
	}
}

func TestLoad_File(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(sampleYAML), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Providers.STT.Name != "deepgram" {
		t.Errorf("stt = %q", cfg.Providers.STT.Name)
	}
}

// ── Validation ───────────────────────────────────────────────────────────────

func TestValidate(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		yaml string
		want []string
	}{
		{
			name: "missing providers",
			yaml: `server: {log_level: info}`,
			want: []string{"providers.llm.name", "providers.stt.name"},
		},
		{
			name: "bad log level",
			yaml: `
server: {log_level: verbose}
providers: {llm: {name: openai}, stt: {name: deepgram}}`,
			want: []string{"server.log_level"},
		},
		{
			name: "threshold out of range",
			yaml: `
providers: {llm: {name: openai}, stt: {name: deepgram}}
extraction: {similarity_threshold: 1.5}`,
			want: []string{"similarity_threshold"},
		},
		{
			name: "negative values",
			yaml: `
providers: {llm: {name: openai}, stt: {name: deepgram}}
session: {max_restarts: -1}
extraction: {max_concurrent: -2, history_window: -3}`,
			want: []string{"max_restarts", "max_concurrent", "history_window"},
		},
		{
			name: "blank keyword",
			yaml: `
providers: {llm: {name: openai}, stt: {name: deepgram}}
session: {keywords: [{keyword: doorstop}, {keyword: " ", boost: 3}]}`,
			want: []string{"session.keywords[1].keyword"},
		},
		{
			name: "discord without channel",
			yaml: `
providers:
  llm: {name: openai}
  stt: {name: deepgram}
  audio: {name: discord, options: {guild_id: "1"}}`,
			want: []string{"api_key", "channel_id"},
		},
		{
			name: "nameless fallback",
			yaml: `
providers:
  llm: {name: openai}
  llm_fallbacks: [{model: x}]
  stt: {name: deepgram}`,
			want: []string{"llm_fallbacks[0].name"},
		},
		{
			name: "whisper without server or model",
			yaml: `
providers:
  llm: {name: openai}
  stt: {name: whisper}
  stt_fallbacks: [{name: whisper-native}]`,
			want: []string{"providers.stt.base_url", "stt_fallbacks[0].options.model_path"},
		},
		{
			name: "relative mcp path",
			yaml: `
providers: {llm: {name: openai}, stt: {name: deepgram}}
mcp: {enabled: true, path: feed}`,
			want: []string{"mcp.path"},
		},
		{
			name: "live on the mcp path",
			yaml: `
providers: {llm: {name: openai}, stt: {name: deepgram}}
mcp: {enabled: true, path: /feed}
live: {enabled: true, path: /feed}`,
			want: []string{"must differ"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := config.LoadFromReader(strings.NewReader(tt.yaml))
			if err == nil {
				t.Fatal("expected validation error, got nil")
			}
			for _, w := range tt.want {
				if !strings.Contains(err.Error(), w) {
					t.Errorf("error should mention %q, got: %v", w, err)
				}
			}
		})
	}
}

func TestLogLevel_IsValid(t *testing.T) {
	t.Parallel()
	for _, l := range []config.LogLevel{config.LogDebug, config.LogInfo, config.LogWarn, config.LogError} {
		if !l.IsValid() {
			t.Errorf("%q should be valid", l)
		}
	}
	if config.LogLevel("trace").IsValid() {
		t.Error("trace should be invalid")
	}
}

// ── Registry ─────────────────────────────────────────────────────────────────

func TestRegistry(t *testing.T) {
	t.Parallel()
	reg := config.NewRegistry()

	var gotEntry config.ProviderEntry
	reg.RegisterLLM("openai", func(e config.ProviderEntry) (llm.Provider, error) {
		gotEntry = e
		return &llmmock.Provider{}, nil
	})
	reg.RegisterSTT("deepgram", func(config.ProviderEntry) (stt.Provider, error) {
		return &sttmock.Provider{}, nil
	})
	reg.RegisterAudio("pipe", func(config.ProviderEntry) (audio.Source, error) {
		return &audiomock.Source{}, nil
	})

	if _, err := reg.CreateLLM(config.ProviderEntry{Name: "openai", Model: "gpt-4o-mini"}); err != nil {
		t.Fatalf("CreateLLM: %v", err)
	}
	if gotEntry.Model != "gpt-4o-mini" {
		t.Errorf("factory got model %q", gotEntry.Model)
	}
	if _, err := reg.CreateSTT(config.ProviderEntry{Name: "deepgram"}); err != nil {
		t.Errorf("CreateSTT: %v", err)
	}
	src, err := reg.CreateAudio(config.ProviderEntry{Name: "pipe"})
	if err != nil {
		t.Fatalf("CreateAudio: %v", err)
	}
	if _, err := src.Open(context.Background()); err != nil {
		t.Errorf("Open: %v", err)
	}

	_, err = reg.CreateLLM(config.ProviderEntry{Name: "missing"})
	if !errors.Is(err, config.ErrProviderNotRegistered) {
		t.Errorf("CreateLLM(missing) err = %v, want ErrProviderNotRegistered", err)
	}
	_, err = reg.CreateAudio(config.ProviderEntry{Name: "alsa"})
	if !errors.Is(err, config.ErrProviderNotRegistered) {
		t.Errorf("CreateAudio(alsa) err = %v, want ErrProviderNotRegistered", err)
	}
}

func TestRegistry_FactoryError(t *testing.T) {
	t.Parallel()
	reg := config.NewRegistry()
	boom := errors.New("missing api key")
	reg.RegisterSTT("deepgram", func(config.ProviderEntry) (stt.Provider, error) { return nil, boom })

	if _, err := reg.CreateSTT(config.ProviderEntry{Name: "deepgram"}); !errors.Is(err, boom) {
		t.Errorf("err = %v, want %v", err, boom)
	}
}
