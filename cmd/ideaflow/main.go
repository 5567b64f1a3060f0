// Command ideaflow listens to live speech, extracts the alternative-use ideas
// a participant mentions and keeps a deduplicated, persisted idea list.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/google/uuid"
	anyllmlib "github.com/mozilla-ai/any-llm-go"

	"github.com/MrWong99/ideaflow/internal/app"
	"github.com/MrWong99/ideaflow/internal/config"
	"github.com/MrWong99/ideaflow/internal/observe"
	"github.com/MrWong99/ideaflow/internal/resilience"
	"github.com/MrWong99/ideaflow/pkg/audio"
	"github.com/MrWong99/ideaflow/pkg/audio/discord"
	"github.com/MrWong99/ideaflow/pkg/audio/pipe"
	"github.com/MrWong99/ideaflow/pkg/provider/llm"
	"github.com/MrWong99/ideaflow/pkg/provider/llm/anyllm"
	"github.com/MrWong99/ideaflow/pkg/provider/llm/openai"
	"github.com/MrWong99/ideaflow/pkg/provider/stt"
	"github.com/MrWong99/ideaflow/pkg/provider/stt/deepgram"
	"github.com/MrWong99/ideaflow/pkg/provider/stt/whisper"
)

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "ideaflow: config file %q not found\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "ideaflow: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	slog.SetDefault(newLogger(cfg.Server.LogLevel))
	slog.Info("ideaflow starting",
		"version", version,
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"item", cfg.Extraction.TaskItem,
	)

	// ── Telemetry ─────────────────────────────────────────────────────────────
	sessionID := uuid.NewString()
	otelShutdown, err := observe.InitProvider(context.Background(), observe.ProviderConfig{
		ServiceVersion: version,
		SessionID:      sessionID,
		TaskItem:       cfg.Extraction.TaskItem,
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := otelShutdown(ctx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	// ── Providers ─────────────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltinProviders(reg, cfg)

	providers, err := buildProviders(cfg, reg)
	if err != nil {
		slog.Error("failed to build providers", "err", err)
		return 1
	}

	printStartupSummary(cfg)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	application, err := app.New(ctx, cfg, providers, app.WithVersion(version), app.WithSessionID(sessionID))
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}

	slog.Info("listening, press Ctrl+C to end the session", "session_id", application.SessionID())
	runErr := application.Run(ctx)
	if runErr != nil {
		slog.Error("session ended with error", "err", runErr)
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		return 1
	}
	if runErr != nil {
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// ── Provider wiring ───────────────────────────────────────────────────────────

// registerBuiltinProviders wires all built-in provider factories into reg.
func registerBuiltinProviders(reg *config.Registry, cfg *config.Config) {
	// ── LLM ───────────────────────────────────────────────────────────────────
	reg.RegisterLLM("openai", func(entry config.ProviderEntry) (llm.Provider, error) {
		model := entry.Model
		if model == "" {
			model = "gpt-4o-mini"
		}
		var opts []openai.Option
		if entry.BaseURL != "" {
			opts = append(opts, openai.WithBaseURL(entry.BaseURL))
		}
		if org := entry.OptString("organization"); org != "" {
			opts = append(opts, openai.WithOrganization(org))
		}
		if cfg.Extraction.Timeout > 0 {
			opts = append(opts, openai.WithTimeout(cfg.Extraction.Timeout))
		}
		return openai.New(entry.APIKey, model, opts...)
	})

	// anthropic, gemini, deepseek, mistral, groq, llamacpp, llamafile and
	// ollama go through any-llm.
	for _, providerName := range []string{
		"anthropic", "gemini", "deepseek", "mistral", "groq", "llamacpp", "llamafile", "ollama",
	} {
		reg.RegisterLLM(providerName, func(entry config.ProviderEntry) (llm.Provider, error) {
			var opts []anyllmlib.Option
			if entry.APIKey != "" {
				opts = append(opts, anyllmlib.WithAPIKey(entry.APIKey))
			}
			if entry.BaseURL != "" {
				opts = append(opts, anyllmlib.WithBaseURL(entry.BaseURL))
			}
			return anyllm.New(providerName, entry.Model, opts...)
		})
	}

	// ── STT ───────────────────────────────────────────────────────────────────
	reg.RegisterSTT("deepgram", func(entry config.ProviderEntry) (stt.Provider, error) {
		opts := []deepgram.Option{
			deepgram.WithLanguage(cfg.Session.Language),
			deepgram.WithSampleRate(cfg.Session.SampleRate),
		}
		if entry.Model != "" {
			opts = append(opts, deepgram.WithModel(entry.Model))
		}
		if entry.BaseURL != "" {
			opts = append(opts, deepgram.WithEndpoint(entry.BaseURL))
		}
		if s := entry.OptString("max_session"); s != "" {
			d, err := time.ParseDuration(s)
			if err != nil {
				return nil, fmt.Errorf("deepgram: options.max_session: %w", err)
			}
			opts = append(opts, deepgram.WithMaxSession(d))
		}
		return deepgram.New(entry.APIKey, opts...)
	})

	whisperOpts := func(entry config.ProviderEntry) ([]whisper.Option, error) {
		opts := []whisper.Option{
			whisper.WithLanguage(cfg.Session.Language),
			whisper.WithSampleRate(cfg.Session.SampleRate),
			whisper.WithModel(entry.Model),
		}
		if s := entry.OptString("silence_threshold"); s != "" {
			d, err := time.ParseDuration(s)
			if err != nil {
				return nil, fmt.Errorf("whisper: options.silence_threshold: %w", err)
			}
			opts = append(opts, whisper.WithSilenceThreshold(d))
		}
		if s := entry.OptString("max_utterance"); s != "" {
			d, err := time.ParseDuration(s)
			if err != nil {
				return nil, fmt.Errorf("whisper: options.max_utterance: %w", err)
			}
			opts = append(opts, whisper.WithMaxUtterance(d))
		}
		return opts, nil
	}
	reg.RegisterSTT("whisper", func(entry config.ProviderEntry) (stt.Provider, error) {
		opts, err := whisperOpts(entry)
		if err != nil {
			return nil, err
		}
		return whisper.NewServer(entry.BaseURL, opts...)
	})
	reg.RegisterSTT("whisper-native", func(entry config.ProviderEntry) (stt.Provider, error) {
		opts, err := whisperOpts(entry)
		if err != nil {
			return nil, err
		}
		return whisper.NewNative(entry.OptString("model_path"), opts...)
	})

	// ── Audio ─────────────────────────────────────────────────────────────────
	target := audio.Format{SampleRate: cfg.Session.SampleRate, Channels: audio.DefaultChannels}

	reg.RegisterAudio("pipe", func(entry config.ProviderEntry) (audio.Source, error) {
		input := target
		if v, ok := entry.Options["input_rate"].(int); ok {
			input.SampleRate = v
		}
		if v, ok := entry.Options["input_channels"].(int); ok {
			input.Channels = v
		}
		realtime, _ := entry.Options["realtime"].(bool)
		return pipe.Open(entry.OptString("path"),
			pipe.WithInputFormat(input),
			pipe.WithTargetFormat(target),
			pipe.WithChunkDuration(cfg.Session.ChunkDuration()),
			pipe.WithRealtime(realtime),
		)
	})

	reg.RegisterAudio("discord", func(entry config.ProviderEntry) (audio.Source, error) {
		dg, err := discordgo.New("Bot " + entry.APIKey)
		if err != nil {
			return nil, fmt.Errorf("discord: create session: %w", err)
		}
		dg.Identify.Intents = discordgo.IntentsGuilds | discordgo.IntentsGuildVoiceStates
		if err := dg.Open(); err != nil {
			return nil, fmt.Errorf("discord: open gateway: %w", err)
		}
		var opts []discord.Option
		if speaker := entry.OptString("speaker_id"); speaker != "" {
			opts = append(opts, discord.WithSpeaker(speaker))
		}
		opts = append(opts, discord.WithChunkDuration(cfg.Session.ChunkDuration()))
		src := discord.New(dg, entry.OptString("guild_id"), entry.OptString("channel_id"), opts...)
		return &discordSource{Source: src, dg: dg}, nil
	})
}

// discordSource closes the gateway session together with the voice source.
type discordSource struct {
	*discord.Source
	dg *discordgo.Session
}

func (s *discordSource) Close() error {
	return errors.Join(s.Source.Close(), s.dg.Close())
}

// buildProviders instantiates all providers named in cfg using the registry.
// Fallback entries are wrapped behind the primary with per-provider circuit
// breakers.
func buildProviders(cfg *config.Config, reg *config.Registry) (*app.Providers, error) {
	ps := &app.Providers{}
	breaker := resilience.FallbackConfig{CircuitBreaker: resilience.CircuitBreakerConfig{
		MaxFailures:  3,
		ResetTimeout: 30 * time.Second,
	}}

	primaryLLM, err := reg.CreateLLM(cfg.Providers.LLM)
	if err != nil {
		return nil, fmt.Errorf("create llm provider %q: %w", cfg.Providers.LLM.Name, err)
	}
	ps.LLM = primaryLLM
	if len(cfg.Providers.LLMFallbacks) > 0 {
		group := resilience.NewLLMFallback(primaryLLM, cfg.Providers.LLM.Name, breaker)
		for _, entry := range cfg.Providers.LLMFallbacks {
			p, err := reg.CreateLLM(entry)
			if err != nil {
				return nil, fmt.Errorf("create llm fallback %q: %w", entry.Name, err)
			}
			group.AddFallback(entry.Name, p)
		}
		ps.LLM = group
	}
	slog.Info("provider created", "kind", "llm", "name", cfg.Providers.LLM.Name,
		"fallbacks", len(cfg.Providers.LLMFallbacks))

	primarySTT, err := reg.CreateSTT(cfg.Providers.STT)
	if err != nil {
		return nil, fmt.Errorf("create stt provider %q: %w", cfg.Providers.STT.Name, err)
	}
	ps.STT = primarySTT
	if len(cfg.Providers.STTFallbacks) > 0 {
		group := resilience.NewSTTFallback(primarySTT, cfg.Providers.STT.Name, breaker)
		for _, entry := range cfg.Providers.STTFallbacks {
			p, err := reg.CreateSTT(entry)
			if err != nil {
				return nil, fmt.Errorf("create stt fallback %q: %w", entry.Name, err)
			}
			group.AddFallback(entry.Name, p)
		}
		ps.STT = group
	}
	slog.Info("provider created", "kind", "stt", "name", cfg.Providers.STT.Name,
		"fallbacks", len(cfg.Providers.STTFallbacks))

	src, err := reg.CreateAudio(cfg.Providers.Audio)
	if err != nil {
		return nil, fmt.Errorf("create audio source %q: %w", cfg.Providers.Audio.Name, err)
	}
	ps.Audio = src
	slog.Info("provider created", "kind", "audio", "name", cfg.Providers.Audio.Name)

	return ps, nil
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config) {
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║        ideaflow - startup summary     ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	printProvider("LLM", cfg.Providers.LLM.Name, cfg.Providers.LLM.Model)
	printProvider("STT", cfg.Providers.STT.Name, cfg.Providers.STT.Model)
	printProvider("Audio", cfg.Providers.Audio.Name, "")
	printRow("Task item", cfg.Extraction.TaskItem)
	printRow("Similarity", fmt.Sprintf("%.2f", cfg.Extraction.SimilarityThreshold))
	printRow("Stores", strings.Join(storeNames(cfg), ","))
	if cfg.Archive.Enabled {
		printRow("Archive dir", cfg.Archive.Dir)
	}
	if cfg.Server.ListenAddr != "" {
		printRow("Listen addr", cfg.Server.ListenAddr)
	}
	fmt.Println("╚═══════════════════════════════════════╝")
}

func storeNames(cfg *config.Config) []string {
	var names []string
	st := cfg.Storage
	for _, s := range []struct {
		name string
		on   bool
	}{
		{"csv", st.CSVPath != ""},
		{"sqlite", st.SQLitePath != ""},
		{"postgres", st.PostgresDSN != ""},
		{"redis", st.RedisURL != ""},
		{"nats", cfg.NATS.URL != ""},
		{"live", cfg.Live.Enabled},
	} {
		if s.on {
			names = append(names, s.name)
		}
	}
	if len(names) == 0 {
		return []string{"(none)"}
	}
	return names
}

func printProvider(kind, name, model string) {
	value := name
	if value == "" {
		value = "(not configured)"
	} else if model != "" {
		value = name + " / " + model
	}
	printRow(kind, value)
}

func printRow(label, value string) {
	if len([]rune(value)) > 19 {
		value = string([]rune(value)[:16]) + "…"
	}
	fmt.Printf("║  %-12s    : %-19s ║\n", label, value)
}

// ── Logger ─────────────────────────────────────────────────────────────────────

func newLogger(level config.LogLevel) *slog.Logger {
	var lvl slog.Level
	switch level {
	case config.LogDebug:
		lvl = slog.LevelDebug
	case config.LogWarn:
		lvl = slog.LevelWarn
	case config.LogError:
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
