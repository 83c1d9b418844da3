package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/robertmeta/paperboy/config"
	"github.com/robertmeta/paperboy/logging"
	"github.com/robertmeta/paperboy/store"
	"github.com/urfave/cli/v2"
)

const (
	ExitSuccess      = 0
	ExitGeneralError = 1
	ExitUsageError   = 2
	ExitDataError    = 3
)

func main() {
	// A missing .env is fine; real environment variables always win.
	godotenv.Load()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newApp().RunContext(ctx, os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(ExitGeneralError)
	}
}

func newApp() *cli.App {
	return &cli.App{
		Name:    "paperboy",
		Usage:   "Build a daily research digest from RSS/Atom feeds",
		Version: "0.1.0",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "Config file path (default: config.yaml if present)",
				EnvVars: []string{"PAPERBOY_CONFIG"},
			},
			&cli.BoolFlag{
				Name:  "debug",
				Usage: "Enable debug logging",
			},
		},
		Action: runDigest,
		Commands: []*cli.Command{
			{
				Name:  "run",
				Usage: "Fetch, analyze, summarize and deliver today's digest",
				Flags: []cli.Flag{
					&cli.IntFlag{
						Name:    "days",
						Aliases: []string{"d"},
						Usage:   "Only include entries from the last N days",
					},
					&cli.StringFlag{
						Name:    "mode",
						Aliases: []string{"m"},
						Usage:   "Delivery mode: markdown, email, or both",
					},
				},
				Action: runDigest,
			},
			{
				Name:   "sources",
				Usage:  "List configured sources",
				Action: listSources,
			},
			{
				Name:   "check",
				Usage:  "Fetch every source once and report its status",
				Action: checkSources,
			},
			{
				Name:  "export",
				Usage: "Export sources to an OPML file",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:    "output",
						Aliases: []string{"o"},
						Usage:   "Output file (default: stdout)",
					},
				},
				Action: exportOPML,
			},
			{
				Name:  "history",
				Usage: "Inspect or prune the delivery history",
				Subcommands: []*cli.Command{
					{
						Name:  "runs",
						Usage: "List recent runs",
						Flags: []cli.Flag{
							&cli.IntFlag{
								Name:    "limit",
								Aliases: []string{"l"},
								Value:   10,
								Usage:   "Maximum number of runs to return",
							},
						},
						Action: listRuns,
					},
					{
						Name:  "prune",
						Usage: "Forget delivered links older than the retention window",
						Flags: []cli.Flag{
							&cli.StringFlag{
								Name:  "older-than",
								Usage: "Override history.retention (e.g., 7d, 2w, 3m, 1y)",
							},
						},
						Action: pruneHistory,
					},
				},
			},
			{
				Name:   "config",
				Usage:  "Print the effective configuration with secrets masked",
				Action: showConfig,
			},
		},
	}
}

// loadConfig reads the configuration and applies run flag overrides. With
// validate set, fatal configuration problems exit with ExitUsageError.
func loadConfig(c *cli.Context, validate bool) (*config.Config, error) {
	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return nil, cli.Exit(fmt.Sprintf("Failed to load config: %v", err), ExitUsageError)
	}

	if c.IsSet("days") {
		cfg.Days = c.Int("days")
	}
	if c.IsSet("mode") {
		cfg.DeliveryMode = c.String("mode")
	}

	if validate {
		if err := cfg.Validate(); err != nil {
			return nil, cli.Exit(fmt.Sprintf("Invalid config: %v", err), ExitUsageError)
		}
	}
	return cfg, nil
}

func setupLogger(c *cli.Context, cfg *config.Config) *slog.Logger {
	level := cfg.LogLevel
	if c.Bool("debug") {
		level = "debug"
	}
	logger := logging.New(level, os.Stderr)
	slog.SetDefault(logger)
	return logger
}

func openStore(path string) (*store.Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create history directory: %w", err)
	}

	s, err := store.New(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open history: %w", err)
	}
	return s, nil
}

func outputJSON(v interface{}) error {
	encoder := json.NewEncoder(os.Stdout)
	encoder.SetIndent("", "  ")
	return encoder.Encode(v)
}
