package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ValidProviderNames lists known provider names per provider kind.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"llm":   {"openai", "anthropic", "ollama", "gemini", "deepseek", "mistral", "groq", "llamacpp", "llamafile"},
	"stt":   {"deepgram", "whisper", "whisper-native"},
	"audio": {"pipe", "discord"},
}

// Defaults applied by [ApplyDefaults] for unset values.
const (
	DefaultListenAddr          = ":8080"
	DefaultSampleRate          = 16000
	DefaultLanguage            = "en-US"
	DefaultChunkMS             = 100
	DefaultKeywordBoost        = 2.0
	DefaultTaskItem            = "brick"
	DefaultSimilarityThreshold = 0.8
	DefaultMaxConcurrent       = 4
	DefaultTimeout             = 30 * time.Second
	DefaultTemperature         = 0.1
	DefaultMaxTokens           = 200
	DefaultCSVPath             = "idea_pairs.csv"
	DefaultRatingsPath         = "ratings.csv"
	DefaultArchiveDir          = "data"
	DefaultSubjectPrefix       = "ideaflow"
	DefaultMCPPath             = "/mcp"
	DefaultLivePath            = "/ws/ideas"
	DefaultRedisPrefix         = "ideaflow:"
)

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader].
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

// LoadFromReader decodes a YAML config from r, fills in defaults and
// validates the result. Unknown keys are rejected.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyDefaults fills every unset field that has a default.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.ListenAddr == "" {
		cfg.Server.ListenAddr = DefaultListenAddr
	}
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}
	if cfg.Providers.Audio.Name == "" {
		cfg.Providers.Audio.Name = "pipe"
	}
	if cfg.Session.SampleRate == 0 {
		cfg.Session.SampleRate = DefaultSampleRate
	}
	if cfg.Session.Language == "" {
		cfg.Session.Language = DefaultLanguage
	}
	if cfg.Session.ChunkMS == 0 {
		cfg.Session.ChunkMS = DefaultChunkMS
	}
	for i := range cfg.Session.Keywords {
		if cfg.Session.Keywords[i].Boost == 0 {
			cfg.Session.Keywords[i].Boost = DefaultKeywordBoost
		}
	}

	ex := &cfg.Extraction
	if ex.TaskItem == "" {
		ex.TaskItem = DefaultTaskItem
	}
	if ex.SimilarityThreshold == 0 {
		ex.SimilarityThreshold = DefaultSimilarityThreshold
	}
	if ex.MaxConcurrent == 0 {
		ex.MaxConcurrent = DefaultMaxConcurrent
	}
	if ex.Timeout == 0 {
		ex.Timeout = DefaultTimeout
	}
	if ex.Temperature == nil {
		t := DefaultTemperature
		ex.Temperature = &t
	}
	if ex.MaxTokens == 0 {
		ex.MaxTokens = DefaultMaxTokens
	}

	if cfg.Storage.CSVPath == "" {
		cfg.Storage.CSVPath = DefaultCSVPath
	}
	if cfg.Storage.RatingsPath == "" {
		cfg.Storage.RatingsPath = DefaultRatingsPath
	}
	if cfg.NATS.SubjectPrefix == "" {
		cfg.NATS.SubjectPrefix = DefaultSubjectPrefix
	}
	if cfg.Archive.Dir == "" {
		cfg.Archive.Dir = DefaultArchiveDir
	}
	if cfg.MCP.Path == "" {
		cfg.MCP.Path = DefaultMCPPath
	}
	if cfg.Live.Path == "" {
		cfg.Live.Path = DefaultLivePath
	}
	if cfg.Storage.RedisPrefix == "" {
		cfg.Storage.RedisPrefix = DefaultRedisPrefix
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}

	// Providers
	if cfg.Providers.LLM.Name == "" {
		errs = append(errs, errors.New("providers.llm.name is required"))
	}
	if cfg.Providers.STT.Name == "" {
		errs = append(errs, errors.New("providers.stt.name is required"))
	}
	validateProviderName("llm", cfg.Providers.LLM.Name)
	validateProviderName("stt", cfg.Providers.STT.Name)
	errs = append(errs, validateSTTEntry("providers.stt", cfg.Providers.STT)...)
	validateProviderName("audio", cfg.Providers.Audio.Name)
	for i, fb := range cfg.Providers.LLMFallbacks {
		if fb.Name == "" {
			errs = append(errs, fmt.Errorf("providers.llm_fallbacks[%d].name is required", i))
		}
		validateProviderName("llm", fb.Name)
	}
	for i, fb := range cfg.Providers.STTFallbacks {
		if fb.Name == "" {
			errs = append(errs, fmt.Errorf("providers.stt_fallbacks[%d].name is required", i))
		}
		validateProviderName("stt", fb.Name)
		errs = append(errs, validateSTTEntry(fmt.Sprintf("providers.stt_fallbacks[%d]", i), fb)...)
	}
	if cfg.Providers.Audio.Name == "discord" {
		if cfg.Providers.Audio.APIKey == "" {
			errs = append(errs, errors.New("providers.audio.api_key (bot token) is required for discord"))
		}
		for _, key := range []string{"guild_id", "channel_id"} {
			if optString(cfg.Providers.Audio.Options, key) == "" {
				errs = append(errs, fmt.Errorf("providers.audio.options.%s is required for discord", key))
			}
		}
	}

	// Session
	if cfg.Session.SampleRate < 0 {
		errs = append(errs, fmt.Errorf("session.sample_rate %d must be positive", cfg.Session.SampleRate))
	}
	if cfg.Session.ChunkMS < 0 {
		errs = append(errs, fmt.Errorf("session.chunk_ms %d must be positive", cfg.Session.ChunkMS))
	}
	if cfg.Session.MaxRestarts < 0 {
		errs = append(errs, fmt.Errorf("session.max_restarts %d must not be negative", cfg.Session.MaxRestarts))
	}
	for i, kw := range cfg.Session.Keywords {
		if strings.TrimSpace(kw.Keyword) == "" {
			errs = append(errs, fmt.Errorf("session.keywords[%d].keyword is required", i))
		}
	}

	// Extraction
	ex := cfg.Extraction
	if ex.SimilarityThreshold < 0 || ex.SimilarityThreshold > 1 {
		errs = append(errs, fmt.Errorf("extraction.similarity_threshold %.2f is out of range (0, 1]", ex.SimilarityThreshold))
	}
	if ex.MaxConcurrent < 0 {
		errs = append(errs, fmt.Errorf("extraction.max_concurrent %d must not be negative", ex.MaxConcurrent))
	}
	if ex.Timeout < 0 {
		errs = append(errs, fmt.Errorf("extraction.timeout %s must not be negative", ex.Timeout))
	}
	if ex.HistoryWindow < 0 {
		errs = append(errs, fmt.Errorf("extraction.history_window %d must not be negative", ex.HistoryWindow))
	}
	if ex.Temperature != nil && (*ex.Temperature < 0 || *ex.Temperature > 2) {
		errs = append(errs, fmt.Errorf("extraction.temperature %.2f is out of range [0, 2]", *ex.Temperature))
	}
	if ex.MaxTokens < 0 {
		errs = append(errs, fmt.Errorf("extraction.max_tokens %d must not be negative", ex.MaxTokens))
	}
	if ex.HistoryWindow > 0 {
		slog.Warn("extraction.history_window is set; older transcripts are not sent to the extractor",
			"window", ex.HistoryWindow)
	}

	// MCP
	if cfg.MCP.Enabled && !strings.HasPrefix(cfg.MCP.Path, "/") {
		errs = append(errs, fmt.Errorf("mcp.path %q must start with /", cfg.MCP.Path))
	}
	if cfg.MCP.Enabled && cfg.Server.ListenAddr == "" {
		slog.Warn("mcp.enabled is set but server.listen_addr is empty; the feed will not be reachable")
	}
	if cfg.Live.Enabled && !strings.HasPrefix(cfg.Live.Path, "/") {
		errs = append(errs, fmt.Errorf("live.path %q must start with /", cfg.Live.Path))
	}
	if cfg.Live.Enabled && cfg.Live.Path == cfg.MCP.Path && cfg.MCP.Enabled {
		errs = append(errs, fmt.Errorf("live.path and mcp.path must differ (both %q)", cfg.Live.Path))
	}

	return errors.Join(errs...)
}

// validateProviderName logs a warning if name is non-empty and not found in
// the [ValidProviderNames] list for the given kind.
func validateProviderName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidProviderNames[kind]
	if !ok {
		return
	}
	if slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown provider name, may be a typo or third-party provider",
		"kind", kind,
		"name", name,
		"known", known,
	)
}

// optString returns the string option key from opts, or "".
func optString(opts map[string]any, key string) string {
	if opts == nil {
		return ""
	}
	v, ok := opts[key]
	if !ok {
		return ""
	}
	s, _ := v.(string)
	return s
}

// OptString returns entry.Options[key] when it is a string.
func (e ProviderEntry) OptString(key string) string {
	return optString(e.Options, key)
}

// validateSTTEntry checks the settings the local whisper backends cannot run
// without.
func validateSTTEntry(field string, e ProviderEntry) []error {
	switch e.Name {
	case "whisper":
		if e.BaseURL == "" {
			return []error{fmt.Errorf("%s.base_url (whisper-server URL) is required for whisper", field)}
		}
	case "whisper-native":
		if optString(e.Options, "model_path") == "" {
			return []error{fmt.Errorf("%s.options.model_path is required for whisper-native", field)}
		}
	}
	return nil
}
