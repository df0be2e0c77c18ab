package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/nugget/backlog-assistant/internal/agent"
	"github.com/nugget/backlog-assistant/internal/api"
	"github.com/nugget/backlog-assistant/internal/backlog"
	"github.com/nugget/backlog-assistant/internal/buildinfo"
	"github.com/nugget/backlog-assistant/internal/mqtt"
	"github.com/nugget/backlog-assistant/internal/usage"
)

const shutdownTimeout = 10 * time.Second

// runServe starts the API server and, when configured, the MQTT event
// forwarder. It returns when ctx is cancelled or a signal arrives.
func runServe(ctx context.Context, stdout io.Writer, configPath string) error {
	cfg, cfgPath, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	logger := newLogger(stdout, cfg)
	logger.Info("starting backlog assistant", "version", buildinfo.Version, "commit", buildinfo.GitCommit, "config", cfgPath, "listen", cfg.ListenAddr())

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg, logger, false)
	if err != nil {
		return err
	}
	defer a.Close()

	var forwarder *mqtt.Forwarder
	if cfg.MQTT.Broker != "" {
		instanceID, err := mqtt.LoadOrCreateInstanceID(cfg.DataDir)
		if err != nil {
			return fmt.Errorf("mqtt instance id: %w", err)
		}
		forwarder = mqtt.New(cfg.MQTT, instanceID, a.bus, logger)
		go func() {
			if err := forwarder.Start(ctx); err != nil {
				logger.Error("mqtt forwarder stopped", "error", err)
			}
		}()
	}

	server := api.NewServer(cfg.Listen.Address, cfg.Listen.Port, a.engine, a.sessions, a.bus, logger)
	serveErr := make(chan error, 1)
	go func() {
		serveErr <- server.Start(ctx)
	}()

	select {
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("api server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	if forwarder != nil {
		if err := forwarder.Stop(shutdownCtx); err != nil {
			logger.Warn("mqtt shutdown", "error", err)
		}
	}
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("api shutdown: %w", err)
	}
	return nil
}

// runAsk answers one question through the synchronous engine using an
// in-memory session, then exits.
func runAsk(ctx context.Context, stdout, stderr io.Writer, opts options, cmd askCommand) error {
	cfg, _, err := loadConfig(opts.Config)
	if err != nil {
		return err
	}
	logger := newLogger(stderr, cfg)

	a, err := newApp(ctx, cfg, logger, true)
	if err != nil {
		return err
	}
	defer a.Close()

	reply, err := a.engine.SubmitSync(ctx, agent.Request{
		UserID:     cmd.User,
		PlatformID: cmd.SteamID,
		Text:       strings.Join(cmd.Args.Question, " "),
	})
	if err != nil {
		return fmt.Errorf("ask: %w", err)
	}

	if opts.Output == "json" {
		return writeJSON(stdout, reply)
	}
	fmt.Fprintln(stdout, reply.Text)
	return nil
}

// runAddGame adds one entry to a user's backlog. The assistant's tools
// can change entries but not create them.
func runAddGame(ctx context.Context, stdout io.Writer, opts options, cmd addGameCommand) error {
	cfg, _, err := loadConfig(opts.Config)
	if err != nil {
		return err
	}
	store, db, err := openBacklog(cfg.Backlog.Path)
	if err != nil {
		return err
	}
	defer db.Close()

	entry, err := store.Add(ctx, backlog.Entry{
		UserID:      cmd.User,
		GameID:      cmd.GameID,
		Title:       strings.Join(cmd.Args.Title, " "),
		Status:      backlog.Status(cmd.Status),
		Priority:    cmd.Priority,
		HoursPlayed: cmd.Hours,
		Notes:       cmd.Notes,
	})
	if err != nil {
		return fmt.Errorf("add game: %w", err)
	}

	if opts.Output == "json" {
		return writeJSON(stdout, entry)
	}
	fmt.Fprintf(stdout, "added %q to %s's backlog as entry %d (%s)\n", entry.Title, cmd.User, entry.ID, entry.Status)
	return nil
}

// runMigrate opens every configured database, which creates or
// upgrades its schema.
func runMigrate(ctx context.Context, stdout io.Writer, configPath string) error {
	cfg, _, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	_, db, err := openBacklog(cfg.Backlog.Path)
	if err != nil {
		return err
	}
	db.Close()
	fmt.Fprintf(stdout, "backlog: %s\n", cfg.Backlog.Path)

	switch cfg.Sessions.Driver {
	case "sqlite", "postgres":
		sessions, err := openSessions(ctx, cfg)
		if err != nil {
			return fmt.Errorf("session store: %w", err)
		}
		sessions.Close()
		fmt.Fprintf(stdout, "sessions: %s\n", cfg.Sessions.Driver)
	default:
		fmt.Fprintln(stdout, "sessions: memory (nothing to migrate)")
	}

	u, err := openUsage(cfg)
	if err != nil {
		return fmt.Errorf("usage store: %w", err)
	}
	if u != nil {
		u.Close()
		fmt.Fprintf(stdout, "usage: %s\n", cfg.Usage.Path)
	}
	return nil
}

// runUsage prints totals from the usage ledger, either for one session
// or for the trailing window, optionally broken down by model or user.
func runUsage(ctx context.Context, stdout io.Writer, opts options, cmd usageCommand) error {
	cfg, _, err := loadConfig(opts.Config)
	if err != nil {
		return err
	}
	store, err := openUsage(cfg)
	if err != nil {
		return fmt.Errorf("usage store: %w", err)
	}
	if store == nil {
		return errors.New("usage.path is not set")
	}
	defer store.Close()

	if cmd.Session != "" {
		sum, err := store.SessionSummary(ctx, cmd.Session)
		if err != nil {
			return err
		}
		if opts.Output == "json" {
			return writeJSON(stdout, sum)
		}
		writeSummary(stdout, "session "+cmd.Session, sum)
		return nil
	}

	// Ledger timestamps have second precision; include the current second.
	end := time.Now().Add(time.Second)
	start := end.Add(-cmd.Since)

	var groups map[string]*usage.Summary
	switch cmd.By {
	case "model":
		groups, err = store.SummaryByModel(ctx, start, end)
	case "user":
		groups, err = store.SummaryByUser(ctx, start, end)
	default:
		sum, err := store.Summary(ctx, start, end)
		if err != nil {
			return err
		}
		if opts.Output == "json" {
			return writeJSON(stdout, sum)
		}
		writeSummary(stdout, "last "+cmd.Since.String(), sum)
		return nil
	}
	if err != nil {
		return err
	}

	if opts.Output == "json" {
		return writeJSON(stdout, groups)
	}
	keys := make([]string, 0, len(groups))
	for k := range groups {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		writeSummary(stdout, k, groups[k])
	}
	return nil
}

func writeSummary(w io.Writer, label string, sum *usage.Summary) {
	fmt.Fprintf(w, "%s: %d calls, %d input tokens, %d output tokens, $%.4f\n",
		label, sum.Calls, sum.TotalInputTokens, sum.TotalOutputTokens, sum.TotalCostUSD)
}

// runVersion prints build metadata in the requested output format.
func runVersion(w io.Writer, outputFmt string) error {
	info := buildinfo.Info()
	if outputFmt == "json" {
		return writeJSON(w, info)
	}
	fmt.Fprintln(w, buildinfo.String())
	for _, k := range []string{"version", "git_commit", "build_time", "go_version", "os", "arch"} {
		if v, ok := info[k]; ok {
			fmt.Fprintf(w, "  %-12s %s\n", k+":", v)
		}
	}
	return nil
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("write output: %w", err)
	}
	return nil
}
