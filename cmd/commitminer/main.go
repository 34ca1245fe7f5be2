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

	"github.com/commitminer/commitminer/internal/config"
)

// flags holds command-line overrides. Zero values leave the file or default
// setting in place.
type flags struct {
	configPath string
	cloneURL   string
	user       string
	workdir    string
	backends   string
	device     int
	batch      uint64
	limit      uint64
	bits       int
	prefix     string
	socket     string
	progress   string
	rounds     int
	noPush     bool
	logLevel   string
}

func parseFlags(fs *flag.FlagSet, args []string) (flags, error) {
	var f flags
	fs.StringVar(&f.configPath, "config", "", "Path to TOML configuration file")
	fs.StringVar(&f.cloneURL, "clone", "", "Repository URL to clone when the workdir is empty")
	fs.StringVar(&f.user, "user", "", "Ledger user credited for mined commits")
	fs.StringVar(&f.workdir, "workdir", "", "Working copy (default: ~/.local/share/commitminer/repo)")
	fs.StringVar(&f.backends, "backend", "", "Comma-separated backend preference (opencl,cpu,reference)")
	fs.IntVar(&f.device, "device", -1, "Device index within the selected backend")
	fs.Uint64Var(&f.batch, "batch", 0, "Nonces per batch (0: backend maximum)")
	fs.Uint64Var(&f.limit, "limit", 0, "Exclusive end of the nonce space (0: 2^32)")
	fs.IntVar(&f.bits, "bits", -1, "Required leading zero bits")
	fs.StringVar(&f.prefix, "prefix", "", "Required hex prefix of the commit id")
	fs.StringVar(&f.socket, "socket", "", "Unix socket path for IPC (default: ~/.local/share/commitminer/miner.sock)")
	fs.StringVar(&f.progress, "progress", "", "Progress output: log or bar")
	fs.IntVar(&f.rounds, "rounds", -1, "Stop after this many mined commits (0: run until stopped)")
	fs.BoolVar(&f.noPush, "no-push", false, "Keep mined commits local")
	fs.StringVar(&f.logLevel, "log-level", "info", "Log level: debug, info, warn, error")
	err := fs.Parse(args)
	return f, err
}

func main() {
	f, err := parseFlags(flag.CommandLine, os.Args[1:])
	if err != nil {
		os.Exit(2)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: parseLevel(f.logLevel),
	}))
	slog.SetDefault(logger)

	cfg, err := buildConfig(f)
	if err != nil {
		logger.Error("failed to build configuration", "error", err)
		os.Exit(1)
	}

	paths := config.DefaultPaths()
	if err := paths.EnsureDirectories(); err != nil {
		logger.Error("failed to create directories", "error", err)
		os.Exit(1)
	}

	daemon, err := NewDaemon(cfg, nil, logger)
	if err != nil {
		logger.Error("failed to create daemon", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		logger.Info("received signal, shutting down", "signal", sig.String())
		cancel()
	}()

	logger.Info("starting commitminer",
		"user", cfg.Identity.User,
		"workdir", cfg.Repository.WorkDir,
		"branch", cfg.Repository.Branch,
		"backends", cfg.Search.Backends,
		"zero_bits", cfg.Search.ZeroBits,
		"prefix", cfg.Search.Prefix,
		"socket", cfg.IPC.Socket,
	)

	// Run releases the compute session before returning.
	if err := daemon.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("daemon error", "error", err)
		os.Exit(1)
	}

	logger.Info("daemon stopped gracefully")
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// buildConfig creates a MinerConfig from file and/or flags.
// Flags override file settings.
func buildConfig(f flags) (config.MinerConfig, error) {
	cfg := config.DefaultMinerConfig()

	if f.configPath != "" {
		fileCfg, err := config.LoadMinerConfig(f.configPath)
		if err != nil {
			return cfg, fmt.Errorf("failed to load config file: %w", err)
		}
		cfg = *fileCfg
	}

	if f.cloneURL != "" {
		cfg.Repository.CloneURL = f.cloneURL
	}
	if f.user != "" {
		cfg.Identity.User = f.user
	}
	if f.workdir != "" {
		cfg.Repository.WorkDir = config.ExpandPath(f.workdir)
	}
	if f.backends != "" {
		var names []string
		for _, name := range strings.Split(f.backends, ",") {
			if name = strings.TrimSpace(name); name != "" {
				names = append(names, name)
			}
		}
		cfg.Search.Backends = names
	}
	if f.device >= 0 {
		cfg.Search.Device = f.device
	}
	if f.batch != 0 {
		cfg.Search.BatchSize = f.batch
	}
	if f.limit != 0 {
		cfg.Search.Limit = f.limit
	}
	if f.bits >= 0 {
		cfg.Search.ZeroBits = f.bits
	}
	if f.prefix != "" {
		cfg.Search.Prefix = f.prefix
	}
	if f.socket != "" {
		cfg.IPC.Socket = config.ExpandPath(f.socket)
	}
	switch f.progress {
	case "":
	case "bar":
		cfg.Progress.Bar = true
	case "log":
		cfg.Progress.Bar = false
	default:
		return cfg, fmt.Errorf("invalid progress mode %q: want log or bar", f.progress)
	}
	if f.rounds >= 0 {
		cfg.Sync.Rounds = f.rounds
	}
	if f.noPush {
		cfg.Sync.Push = false
	}

	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}
