// Package app wires the ideaflow subsystems into a running application.
//
// The App struct owns the full lifecycle: New opens the configured stores and
// builds the listening pipeline, Run listens until the session ends and
// serves the HTTP endpoints meanwhile, and Shutdown closes everything in
// order.
//
// For testing, inject doubles via functional options (WithPersister,
// WithArchiver, ...). Providers always come from the caller.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/ideaflow/internal/archive"
	"github.com/MrWong99/ideaflow/internal/config"
	"github.com/MrWong99/ideaflow/internal/extract"
	"github.com/MrWong99/ideaflow/internal/feed"
	"github.com/MrWong99/ideaflow/internal/health"
	"github.com/MrWong99/ideaflow/internal/ideas"
	"github.com/MrWong99/ideaflow/internal/observe"
	"github.com/MrWong99/ideaflow/internal/persist"
	"github.com/MrWong99/ideaflow/internal/session"
	"github.com/MrWong99/ideaflow/pkg/audio"
	"github.com/MrWong99/ideaflow/pkg/provider/llm"
	"github.com/MrWong99/ideaflow/pkg/provider/stt"
)

// shutdownTimeout bounds the HTTP server's graceful shutdown.
const shutdownTimeout = 5 * time.Second

// Providers holds one interface value per provider slot. Populated by main.go
// via the config registry.
type Providers struct {
	LLM   llm.Provider
	STT   stt.Provider
	Audio audio.Source
}

// App owns all subsystem lifetimes.
type App struct {
	cfg       *config.Config
	providers *Providers
	sessionID string
	version   string
	metrics   *observe.Metrics

	store      *ideas.Store
	worker     *extract.Worker
	controller *session.Controller
	health     *health.Handler
	handler    http.Handler
	live       *feed.Live

	persisters []persist.Persister
	multi      *persist.Multi
	archivers  []archive.Archiver

	// closers are called in order during Shutdown.
	closers []func() error

	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithSessionID fixes the session ID instead of generating a UUID.
func WithSessionID(id string) Option {
	return func(a *App) { a.sessionID = id }
}

// WithVersion sets the version reported by the MCP feed.
func WithVersion(v string) Option {
	return func(a *App) { a.version = v }
}

// WithMetrics injects the metric instruments.
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithPersister adds a persister next to the ones built from config.
func WithPersister(p persist.Persister) Option {
	return func(a *App) { a.persisters = append(a.persisters, p) }
}

// WithArchiver adds an archiver next to the ones built from config.
func WithArchiver(ar archive.Archiver) Option {
	return func(a *App) { a.archivers = append(a.archivers, ar) }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring all subsystems together. providers.LLM,
// providers.STT and providers.Audio are required.
func New(ctx context.Context, cfg *config.Config, providers *Providers, opts ...Option) (*App, error) {
	if providers == nil || providers.LLM == nil || providers.STT == nil || providers.Audio == nil {
		return nil, errors.New("app: llm, stt and audio providers are required")
	}
	a := &App{
		cfg:       cfg,
		providers: providers,
		version:   "dev",
		health:    health.New(),
	}
	for _, o := range opts {
		o(a)
	}
	if a.sessionID == "" {
		a.sessionID = uuid.NewString()
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}
	for _, p := range []any{providers.Audio, providers.STT} {
		if c, ok := p.(io.Closer); ok {
			a.closers = append(a.closers, c.Close)
		}
	}

	a.store = ideas.NewStore(ideas.NewFilter(cfg.Extraction.SimilarityThreshold))

	// ── 1. Storage ───────────────────────────────────────────────────────
	if err := a.initStorage(ctx); err != nil {
		a.runClosers()
		return nil, fmt.Errorf("app: init storage: %w", err)
	}

	// ── 2. Extraction ────────────────────────────────────────────────────
	a.initExtraction()

	// ── 3. Session controller ────────────────────────────────────────────
	a.initSession()

	// ── 4. HTTP endpoints ────────────────────────────────────────────────
	a.initHTTP()

	slog.Info("session prepared",
		"session_id", a.sessionID,
		"item", cfg.Extraction.TaskItem,
		"persisters", len(a.persisters),
		"archivers", len(a.archivers),
	)
	return a, nil
}

// ─── Init helpers ────────────────────────────────────────────────────────────

// initStorage opens every configured store. Stores that can archive are also
// registered as archivers; stores that can ping join the readiness checks.
func (a *App) initStorage(ctx context.Context) error {
	st := a.cfg.Storage
	item := a.cfg.Extraction.TaskItem

	if st.ResetOnStart {
		if err := persist.ResetFiles(st.CSVPath, st.RatingsPath); err != nil {
			return err
		}
		slog.Info("output files reset", "ideas", st.CSVPath, "ratings", st.RatingsPath)
	}
	if st.CSVPath != "" {
		a.persisters = append(a.persisters, persist.NewCSVFile(st.CSVPath, item))
	}

	if st.SQLitePath != "" {
		db, err := persist.OpenSQLite(ctx, st.SQLitePath, a.sessionID, item)
		if err != nil {
			return err
		}
		a.addStore(db, db.Close)
		a.archivers = append(a.archivers, db)
	}

	if st.PostgresDSN != "" {
		pg, err := persist.OpenPostgres(ctx, st.PostgresDSN, a.sessionID, item)
		if err != nil {
			return err
		}
		a.addStore(pg, pg.Close)
		a.archivers = append(a.archivers, pg)
	}

	if st.RedisURL != "" {
		r, err := persist.OpenRedis(ctx, st.RedisURL, st.RedisPrefix, a.sessionID, item)
		if err != nil {
			return err
		}
		a.addStore(r, r.Close)
		a.archivers = append(a.archivers, r)
	}

	if a.cfg.NATS.URL != "" {
		n, err := persist.ConnectNATS(a.cfg.NATS.URL, a.cfg.NATS.SubjectPrefix, a.sessionID, item)
		if err != nil {
			return err
		}
		a.addStore(n, n.Close)
	}

	if a.cfg.Live.Enabled {
		a.live = feed.NewLive(item)
		a.persisters = append(a.persisters, a.live)
		a.closers = append(a.closers, a.live.Close)
	}

	if a.cfg.Archive.Enabled {
		var files []string
		for _, f := range []string{st.RatingsPath, st.CSVPath} {
			if f != "" {
				files = append(files, f)
			}
		}
		a.archivers = append(a.archivers, archive.NewDir(a.cfg.Archive.Dir,
			archive.WithFiles(files...),
			archive.WithTaskItem(item),
		))
	}
	return nil
}

// addStore registers a persister with its readiness check and closer.
func (a *App) addStore(p persist.Persister, closer func() error) {
	a.persisters = append(a.persisters, p)
	if pinger, ok := p.(health.Pinger); ok {
		name := "store"
		if n, ok := p.(persist.Named); ok {
			name = n.Name()
		}
		a.health.Add(health.PingCheck(name, pinger))
	}
	a.closers = append(a.closers, closer)
}

// initExtraction builds the LLM extractor and the bounded worker.
func (a *App) initExtraction() {
	ex := a.cfg.Extraction
	llmOpts := []extract.LLMOption{extract.WithTaskItem(ex.TaskItem), extract.WithMaxTokens(ex.MaxTokens)}
	if ex.Temperature != nil {
		llmOpts = append(llmOpts, extract.WithTemperature(*ex.Temperature))
	}
	extractor := extract.NewLLMExtractor(a.providers.LLM, llmOpts...)

	a.multi = persist.NewMulti(a.metrics, a.persisters...)
	a.worker = extract.NewWorker(extractor, a.store,
		extract.WithMaxConcurrent(ex.MaxConcurrent),
		extract.WithTimeout(ex.Timeout),
		extract.WithHistoryWindow(ex.HistoryWindow),
		extract.WithPersister(a.multi),
		extract.WithMetrics(a.metrics),
	)
}

// initSession builds the listening controller.
func (a *App) initSession() {
	var arch archive.Archiver
	if len(a.archivers) > 0 {
		arch = archive.All(a.archivers...)
	}
	a.controller = session.New(session.Config{
		Source: a.providers.Audio,
		STT:    a.providers.STT,
		Stream: stt.StreamConfig{
			SampleRate: a.cfg.Session.SampleRate,
			Channels:   audio.DefaultChannels,
			Language:   a.cfg.Session.Language,
			Keywords:   keywordBoosts(a.cfg.Session.Keywords),
		},
		Store:       a.store,
		Extraction:  a.worker,
		Recorder:    a.multi,
		Archiver:    arch,
		Metrics:     a.metrics,
		MaxRestarts: a.cfg.Session.MaxRestarts,
		OnStateChange: func(from, to session.State) {
			slog.Info("session state", "from", from, "to", to, "session_id", a.sessionID)
		},
	})
	a.health.Add(health.Checker{Name: "session", Check: func(context.Context) error {
		switch s := a.controller.State(); s {
		case session.Listening, session.Restarting:
			return nil
		default:
			return fmt.Errorf("session is %s", s)
		}
	}})
}

func keywordBoosts(kws []config.KeywordConfig) []stt.KeywordBoost {
	if len(kws) == 0 {
		return nil
	}
	out := make([]stt.KeywordBoost, len(kws))
	for i, kw := range kws {
		out[i] = stt.KeywordBoost{Keyword: kw.Keyword, Boost: kw.Boost}
	}
	return out
}

// initHTTP builds the HTTP handler serving health checks, metrics and the feed.
func (a *App) initHTTP() {
	mux := http.NewServeMux()
	a.health.Register(mux)
	mux.Handle("GET /metrics", promhttp.Handler())
	if a.cfg.MCP.Enabled {
		srv := feed.NewServer(a.store, a.cfg.Extraction.TaskItem, a.version)
		mux.Handle(a.cfg.MCP.Path, feed.Handler(srv))
		slog.Info("mcp feed enabled", "path", a.cfg.MCP.Path)
	}
	if a.live != nil {
		mux.Handle("GET "+a.cfg.Live.Path, a.live)
		slog.Info("live feed enabled", "path", a.cfg.Live.Path)
	}
	a.handler = observe.Middleware(a.metrics)(mux)
}

// ─── Accessors ───────────────────────────────────────────────────────────────

// SessionID returns the ID of the logical session.
func (a *App) SessionID() string { return a.sessionID }

// Store returns the idea store.
func (a *App) Store() *ideas.Store { return a.store }

// State returns the controller state.
func (a *App) State() session.State { return a.controller.State() }

// Handler returns the HTTP handler with health checks, metrics and the feed.
func (a *App) Handler() http.Handler { return a.handler }

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run listens until ctx is cancelled or the session ends and serves the HTTP
// endpoints meanwhile. It returns nil when the session ended cleanly.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(ctx)

	if addr := a.cfg.Server.ListenAddr; addr != "" {
		srv := &http.Server{
			Addr:              addr,
			Handler:           a.handler,
			ReadHeaderTimeout: 10 * time.Second,
		}
		g.Go(func() error {
			slog.Info("http server listening", "addr", addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				slog.Error("http server stopped, session keeps listening without health checks and feeds",
					"addr", addr, "err", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			sctx, scancel := context.WithTimeout(context.WithoutCancel(gctx), shutdownTimeout)
			defer scancel()
			return srv.Shutdown(sctx)
		})
	}

	g.Go(func() error {
		defer cancel()
		return a.controller.Run(gctx)
	})

	err := g.Wait()
	snap := a.store.Snapshot()
	slog.Info("session finished",
		"session_id", a.sessionID,
		"transcripts", len(snap.History),
		"ideas", len(snap.Ideas),
	)
	return err
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown closes all stores and the audio source. It respects the context
// deadline: if ctx expires before all closers finish, remaining closers are
// skipped and the context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "closers", len(a.closers))
		for i, closer := range a.closers {
			select {
			case <-ctx.Done():
				slog.Warn("shutdown deadline exceeded", "remaining", len(a.closers)-i)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := closer(); err != nil {
				slog.Warn("closer error", "index", i, "err", err)
			}
		}
		slog.Info("shutdown complete")
	})
	return shutdownErr
}

func (a *App) runClosers() {
	for _, closer := range a.closers {
		_ = closer()
	}
}
