// Backlog is a conversational assistant for a player's game backlog.
//
// It serves a chat API backed by the Anthropic Messages API, with tools
// that read and update the caller's backlog. Configuration is loaded
// from a single YAML file discovered automatically (see
// [config.DefaultSearchPaths]).
//
// Usage:
//
//	backlog serve                          Start the API server
//	backlog ask -u <user> <question>       Ask a single question
//	backlog add-game -u <user> <title>     Add a game to a user's backlog
//	backlog migrate                        Create or upgrade database schemas
//	backlog usage --since 24h --by model   Summarize token usage and cost
//	backlog version                        Print version and build information
//	backlog -o json version                Output version information as JSON
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/jessevdk/go-flags"
)

// main only sets up the OS environment and hands off to [run], so the
// whole lifecycle can be driven from tests.
func main() {
	ctx := context.Background()

	if err := run(ctx, os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

type options struct {
	Config string `short:"c" long:"config" description:"Path to config file (default: auto-discover)"`
	Output string `short:"o" long:"output" default:"text" choice:"text" choice:"json" description:"Output format"`

	Serve   serveCommand   `command:"serve" description:"Start the API server"`
	Ask     askCommand     `command:"ask" description:"Ask a single question (for testing)"`
	AddGame addGameCommand `command:"add-game" description:"Add a game to a user's backlog"`
	Migrate migrateCommand `command:"migrate" description:"Create or upgrade database schemas"`
	Usage   usageCommand   `command:"usage" description:"Summarize token usage and cost"`
	Version versionCommand `command:"version" description:"Show version information"`
}

type serveCommand struct{}

type askCommand struct {
	User    string `short:"u" long:"user" default:"cli" description:"User the question is asked as"`
	SteamID string `long:"steam-id" description:"Steam ID used for profile visibility"`
	Args    struct {
		Question []string `positional-arg-name:"question" required:"1"`
	} `positional-args:"yes"`
}

type addGameCommand struct {
	User     string  `short:"u" long:"user" required:"yes" description:"Backlog owner"`
	GameID   int64   `long:"game-id" description:"IGDB game ID"`
	Status   string  `long:"status" default:"backlog" description:"Initial status"`
	Priority int     `long:"priority" description:"Priority (1-5)"`
	Hours    float64 `long:"hours" description:"Hours played so far"`
	Notes    string  `long:"notes" description:"Free-form notes"`
	Args     struct {
		Title []string `positional-arg-name:"title" required:"1"`
	} `positional-args:"yes"`
}

type migrateCommand struct{}

type usageCommand struct {
	Since   time.Duration `long:"since" default:"24h" description:"Window to summarize, ending now"`
	By      string        `long:"by" choice:"model" choice:"user" description:"Break totals down by model or user"`
	Session string        `long:"session" description:"Total a single session instead of a time window"`
}

type versionCommand struct{}

// run is the real entry point. ctx bounds the process lifetime. Command
// output goes to stdout; usage on bad invocations and the ask command's
// diagnostics go to stderr. args excludes the program name.
func run(ctx context.Context, stdout io.Writer, stderr io.Writer, args []string) error {
	var opts options
	parser := flags.NewParser(&opts, flags.HelpFlag|flags.PassDoubleDash)
	parser.Name = "backlog"

	if len(args) == 0 {
		parser.WriteHelp(stdout)
		return nil
	}

	if _, err := parser.ParseArgs(args); err != nil {
		var ferr *flags.Error
		if errors.As(err, &ferr) && ferr.Type == flags.ErrHelp {
			fmt.Fprintln(stdout, ferr.Message)
			return nil
		}
		parser.WriteHelp(stderr)
		return err
	}

	switch parser.Active.Name {
	case "serve":
		return runServe(ctx, stdout, opts.Config)
	case "ask":
		return runAsk(ctx, stdout, stderr, opts, opts.Ask)
	case "add-game":
		return runAddGame(ctx, stdout, opts, opts.AddGame)
	case "migrate":
		return runMigrate(ctx, stdout, opts.Config)
	case "usage":
		return runUsage(ctx, stdout, opts, opts.Usage)
	case "version":
		return runVersion(stdout, opts.Output)
	default:
		return fmt.Errorf("unknown command: %s", parser.Active.Name)
	}
}
