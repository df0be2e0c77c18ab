package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite" // backlog database driver

	"github.com/nugget/backlog-assistant/internal/agent"
	"github.com/nugget/backlog-assistant/internal/backlog"
	"github.com/nugget/backlog-assistant/internal/config"
	"github.com/nugget/backlog-assistant/internal/events"
	"github.com/nugget/backlog-assistant/internal/llm"
	"github.com/nugget/backlog-assistant/internal/policy"
	"github.com/nugget/backlog-assistant/internal/profile"
	"github.com/nugget/backlog-assistant/internal/session"
	"github.com/nugget/backlog-assistant/internal/tools"
	"github.com/nugget/backlog-assistant/internal/usage"
)

// app holds the components shared by the commands that talk to the
// model.
type app struct {
	cfg      *config.Config
	logger   *slog.Logger
	backlog  *backlog.Store
	sessions session.Store
	usage    *usage.Store
	bus      *events.Bus
	engine   *agent.Engine

	closers []func() error
}

// loadConfig locates and parses the YAML configuration file. An
// explicit path must exist; otherwise the default locations are
// searched.
func loadConfig(explicit string) (*config.Config, string, error) {
	cfgPath, err := config.FindConfig(explicit)
	if err != nil {
		return nil, "", err
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, cfgPath, fmt.Errorf("load config %s: %w", cfgPath, err)
	}
	return cfg, cfgPath, nil
}

func newLogger(w io.Writer, cfg *config.Config) *slog.Logger {
	level, _ := config.ParseLogLevel(cfg.LogLevel) // validated by Load
	return config.NewLogger(w, level, cfg.LogFormat)
}

// openBacklog opens the backlog database, creating it if needed.
func openBacklog(path string) (*backlog.Store, *sql.DB, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, nil, fmt.Errorf("create backlog directory: %w", err)
	}
	db, err := sql.Open("sqlite", path+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, nil, fmt.Errorf("open backlog database: %w", err)
	}
	store, err := backlog.NewStore(db)
	if err != nil {
		db.Close()
		return nil, nil, fmt.Errorf("backlog store: %w", err)
	}
	return store, db, nil
}

// openSessions builds the session store selected by the config.
func openSessions(ctx context.Context, cfg *config.Config) (session.Store, error) {
	ttl := session.WithTTL(cfg.Chat.SessionTTL)
	switch cfg.Sessions.Driver {
	case "sqlite":
		if err := os.MkdirAll(filepath.Dir(cfg.Sessions.Path), 0o755); err != nil {
			return nil, fmt.Errorf("create session directory: %w", err)
		}
		return session.NewSQLiteStore(cfg.Sessions.Path, ttl)
	case "postgres":
		return session.NewPostgresStore(ctx, cfg.Sessions.DSN, ttl)
	default:
		return session.NewMemoryStore(ttl), nil
	}
}

// openUsage opens the usage ledger, or returns nil when it is disabled.
func openUsage(cfg *config.Config) (*usage.Store, error) {
	if cfg.Usage.Path == "" {
		return nil, nil
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Usage.Path), 0o755); err != nil {
		return nil, fmt.Errorf("create usage directory: %w", err)
	}
	return usage.NewStore(cfg.Usage.Path)
}

// newApp wires every component the engine needs. memorySessions forces
// an in-memory session store regardless of config.
func newApp(ctx context.Context, cfg *config.Config, logger *slog.Logger, memorySessions bool) (_ *app, err error) {
	if cfg.Anthropic.APIKey == "" {
		return nil, errors.New("anthropic.api_key is not set")
	}

	a := &app{cfg: cfg, logger: logger, bus: events.New()}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	store, db, err := openBacklog(cfg.Backlog.Path)
	if err != nil {
		return nil, err
	}
	a.backlog = store
	a.closers = append(a.closers, db.Close)

	if memorySessions {
		a.sessions = session.NewMemoryStore(session.WithTTL(cfg.Chat.SessionTTL))
	} else if a.sessions, err = openSessions(ctx, cfg); err != nil {
		return nil, fmt.Errorf("session store: %w", err)
	}
	a.closers = append(a.closers, a.sessions.Close)

	if a.usage, err = openUsage(cfg); err != nil {
		return nil, fmt.Errorf("usage store: %w", err)
	}
	if a.usage != nil {
		a.closers = append(a.closers, a.usage.Close)
	}

	pol, err := policy.NewEngineFromFile(ctx, cfg.Policy.File)
	if err != nil {
		return nil, fmt.Errorf("tool policy: %w", err)
	}
	registry, err := tools.NewBacklogRegistry(store, pol, logger)
	if err != nil {
		return nil, fmt.Errorf("tool registry: %w", err)
	}

	var fetcher profile.Fetcher
	if cfg.Steam.APIKey != "" {
		fetcher = profile.NewSteamClient(cfg.Steam.APIKey, "", logger)
	} else {
		logger.Info("steam.api_key not set, profile visibility is unknown for every user")
	}

	deps := agent.Deps{
		Client:   llm.NewAnthropicClient(cfg.Anthropic.APIKey, cfg.Anthropic.BaseURL, logger),
		Sessions: a.sessions,
		Tools:    registry,
		Profiles: profile.NewResolver(fetcher, cfg.Steam.CacheTTL, logger),
		Bus:      a.bus,
		Logger:   logger,
	}
	if a.usage != nil {
		deps.Usage = a.usage
	}

	a.engine = agent.New(agent.Config{
		Model:        cfg.Anthropic.Model,
		MaxTokens:    cfg.Anthropic.MaxTokens,
		MaxToolDepth: cfg.Chat.MaxToolDepth,
		ModelTimeout: cfg.Chat.ModelTimeout,
		ToolTimeout:  cfg.Chat.ToolTimeout,
		LeaseTTL:     cfg.Chat.LeaseTTL,
		Pricing:      cfg.Pricing,
	}, deps)

	logger.Info("engine ready",
		"model", cfg.Anthropic.Model,
		"sessions", cfg.Sessions.Driver,
		"tools", len(registry.Manifest()),
		"max_tool_depth", cfg.Chat.MaxToolDepth,
	)
	return a, nil
}

// Close releases stores in reverse order of opening.
func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.logger.Warn("close failed", "error", err)
		}
	}
	a.closers = nil
}
