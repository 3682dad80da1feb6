// Package main provides the scratchfox command. It starts Firefox against a
// throwaway profile, optionally with uBlock Origin installed, and deletes the
// profile when the browser exits.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/scratchfox/scratchfox/pkg/config"
	"github.com/scratchfox/scratchfox/pkg/extension"
	"github.com/scratchfox/scratchfox/pkg/launcher"
	"github.com/scratchfox/scratchfox/pkg/logging"
	"github.com/scratchfox/scratchfox/pkg/profile"
	"github.com/scratchfox/scratchfox/pkg/session"
)

const version = "0.1.0" // Version of scratchfox

// Process exit statuses.
const (
	exitOK      = 0
	exitConfig  = 1
	exitRuntime = 2
)

// cliFlags holds the command-line flags
type cliFlags struct {
	ConfigPath    string
	SkipExtension bool
	Detached      bool
	Prune         bool
	ShowVersion   bool

	skipSet bool
}

func main() {
	// Cancelled on SIGINT/SIGTERM so an attached browser is interrupted and
	// the profile is still removed.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Getenv, os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

// run executes one invocation and returns the process exit status.
func run(ctx context.Context, args []string, getenv func(string) string, stdout, stderr io.Writer) int {
	if launcher.IsHandoff(args) {
		return runHandoff(ctx, args, getenv)
	}

	flags, err := parseFlags(args, stderr)
	if errors.Is(err, pflag.ErrHelp) {
		return exitOK
	}
	if err != nil {
		fmt.Fprintf(stderr, "Configuration error: %v\n", err)
		return exitConfig
	}

	if flags.ShowVersion {
		fmt.Fprintf(stdout, "scratchfox v%s\n", version)
		return exitOK
	}

	cfg, err := loadConfig(flags.ConfigPath, getenv)
	if err != nil {
		fmt.Fprintf(stderr, "Configuration error: %v\n", err)
		return exitConfig
	}
	if flags.skipSet {
		cfg.SkipExtension = flags.SkipExtension
	}
	cfg.Detached = flags.Detached

	if flags.Prune {
		return runPrune(cfg, stdout, stderr)
	}

	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(stderr, "Configuration error: %v\n", err)
		return exitConfig
	}

	logger, err := logging.NewLogger(cfg.LogsDir, false, logging.WithConsole(stderr))
	if err != nil {
		fmt.Fprintf(stderr, "Configuration error: %v\n", err)
		return exitConfig
	}
	defer logger.Done()

	o := &session.Orchestrator{
		Workspace: newWorkspace(cfg, logger),
		Fetcher: extension.NewFetcher(
			extension.WithRegistryURL(cfg.RegistryURL),
			extension.WithFileName(cfg.ExtensionFile),
			extension.WithUserAgent("scratchfox/"+version),
			extension.WithLogger(logger),
		),
		Launcher: launcher.New(launcher.WithLogger(logger)),
		Logger:   logger,
	}

	res, err := o.Run(ctx, session.Options{
		BrowserPath:   cfg.BrowserPath,
		SkipExtension: cfg.SkipExtension,
		Detached:      cfg.Detached,
		ConfigPath:    flags.ConfigPath,
		SessionID:     logger.SessionID(),
	})
	if err != nil {
		logger.Errorf("scratchfox failed: %v", err)
		return session.ExitCode(err)
	}
	if res.Session.Mode == launcher.ModeDetached {
		logger.Infof("detached, log continues in the background process")
	}
	return exitOK
}

// runHandoff is the entry point of the background process started by
// --detached. It has no terminal, so everything goes to the log file.
func runHandoff(ctx context.Context, args []string, getenv func(string) string) int {
	h, parseErr := launcher.ParseHandoff(args)

	cfg, cfgErr := loadConfig(h.ConfigPath, getenv)
	if cfgErr != nil {
		// Fall back to defaults so the profile is still removed.
		cfg = &config.Config{}
		cfg.ApplyEnv(getenv)
	}

	logger, err := logging.NewLogger(cfg.LogsDir, true)
	if err != nil {
		return exitConfig
	}
	defer logger.Done()
	if parseErr != nil {
		logger.Errorf("handoff failed: %v", parseErr)
		return exitConfig
	}
	if cfgErr != nil {
		logger.Warnf("using default configuration: %v", cfgErr)
	}

	o := &session.Orchestrator{
		Workspace: newWorkspace(cfg, logger),
		Launcher:  launcher.New(launcher.WithLogger(logger)),
		Logger:    logger,
	}
	if _, err := o.RunHandoff(ctx, h); err != nil {
		logger.Errorf("handoff failed: %v", err)
		return session.ExitCode(err)
	}
	return exitOK
}

// runPrune removes profile directories leaked by processes that were killed
// before they could clean up.
func runPrune(cfg *config.Config, stdout, stderr io.Writer) int {
	logger, err := logging.NewLogger(cfg.LogsDir, false, logging.WithConsole(stderr))
	if err != nil {
		fmt.Fprintf(stderr, "Configuration error: %v\n", err)
		return exitConfig
	}
	defer logger.Done()

	removed, err := newWorkspace(cfg, logger).Prune()
	for _, dir := range removed {
		fmt.Fprintln(stdout, dir)
	}
	logger.Infof("pruned %d profile directories", len(removed))
	if err != nil {
		logger.Errorf("prune: %v", err)
		return exitRuntime
	}
	return exitOK
}

func newWorkspace(cfg *config.Config, logger *logging.Logger) *profile.Workspace {
	return profile.NewWorkspace(
		profile.WithPrefix(cfg.ProfilePrefix),
		profile.WithSeed(cfg.SeedFile),
		profile.WithLogger(logger),
	)
}

// loadConfig reads the config file and applies environment overrides.
func loadConfig(path string, getenv func(string) string) (*config.Config, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	cfg.ApplyEnv(getenv)
	return cfg, nil
}

// parseFlags parses command line flags
func parseFlags(args []string, stderr io.Writer) (*cliFlags, error) {
	flags := &cliFlags{}

	fs := pflag.NewFlagSet("scratchfox", pflag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.BoolVar(&flags.SkipExtension, "no-adblock", false, "Do not download and install uBlock Origin")
	fs.BoolVar(&flags.Detached, "detached", false, "Run Firefox from a background process and return immediately")
	fs.StringVar(&flags.ConfigPath, "config", "", "Path to the configuration file (YAML)")
	fs.BoolVar(&flags.Prune, "prune", false, "Remove profiles left behind by killed sessions and exit")
	fs.BoolVar(&flags.ShowVersion, "version", false, "Show version and exit")

	fs.Usage = func() {
		fmt.Fprintf(stderr, "scratchfox - Firefox with a throwaway profile\n\n")
		fmt.Fprintf(stderr, "Usage: scratchfox [options]\n\n")
		fmt.Fprintf(stderr, "Options:\n")
		fs.PrintDefaults()
		fmt.Fprintf(stderr, "\nEnvironment Variables:\n")
		fmt.Fprintf(stderr, "  %-24s Firefox executable (required)\n", config.EnvBrowserPath)
		fmt.Fprintf(stderr, "  %-24s Log directory (default ~/.scratchfox/logs)\n", config.EnvLogsDir)
		fmt.Fprintf(stderr, "  %-24s Extension versions endpoint\n", config.EnvRegistryURL)
		fmt.Fprintf(stderr, "\nExamples:\n")
		fmt.Fprintf(stderr, "  FIREFOX_PATH=/usr/bin/firefox scratchfox\n")
		fmt.Fprintf(stderr, "  scratchfox --no-adblock --detached\n")
		fmt.Fprintf(stderr, "  scratchfox --prune\n")
	}

	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if fs.NArg() > 0 {
		return nil, fmt.Errorf("unexpected arguments: %v", fs.Args())
	}
	flags.skipSet = fs.Changed("no-adblock")
	return flags, nil
}
