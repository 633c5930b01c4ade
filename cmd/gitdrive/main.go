package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/adrg/xdg"
	"github.com/jonboulle/clockwork"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/schaermu/gitdrive/internal/config"
	"github.com/schaermu/gitdrive/internal/daemon"
	"github.com/schaermu/gitdrive/internal/fswatch"
	"github.com/schaermu/gitdrive/internal/git"
	"github.com/schaermu/gitdrive/internal/notify"
	"github.com/schaermu/gitdrive/internal/shell"
	"github.com/schaermu/gitdrive/internal/sync"
	"github.com/schaermu/gitdrive/internal/systemduser"
	"github.com/schaermu/gitdrive/internal/webhook"
)

var (
	// Set by goreleaser
	version = "dev"
	commit  = "none"
	date    = "unknown"

	// Global flags
	cfgFile   string
	logLevel  string
	logFormat string

	// Replica flags, overriding the config file when set
	dirFlag      string
	remoteFlag   string
	branchFlag   string
	identityFlag string
	intervalFlag time.Duration
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(exitCode(err))
	}
}

var rootCmd = &cobra.Command{
	Use:   "gitdrive",
	Short: "Keep a git working directory in sync with its remote",
	Long: `gitdrive keeps a local git working directory converged with a remote
replica. Every cycle commits local edits, fetches and rebases onto remote
edits, resolving every conflict in favor of the local side, and pushes.

It can run a single cycle (sync) or keep running as a daemon (watch) that
syncs periodically, on file changes and on GitHub push webhooks.`,
	SilenceUsage: true,
}

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Run a single sync cycle",
	Long: `Sync commits modified tracked files, checks that the remote is reachable,
rebases onto remote changes and pushes local commits.

An unreachable remote is not an error: local edits are committed and
published by a later cycle.`,
	RunE: runSync,
}

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Keep syncing until interrupted",
	Long: `Watch runs a sync cycle at startup and then on every interval, on
file changes (sync.watch_files) and on GitHub push webhooks (serve.enabled).

A failed cycle stops the daemon unless sync.keep_going is set.`,
	RunE: runWatch,
}

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Validate configuration and replica without syncing",
	RunE:  runCheck,
}

var serviceCmd = &cobra.Command{
	Use:   "service",
	Short: "Manage the systemd user service",
}

var serviceInstallCmd = &cobra.Command{
	Use:   "install",
	Short: "Install and start gitdrive as a systemd user service",
	RunE:  runServiceInstall,
}

var serviceUninstallCmd = &cobra.Command{
	Use:   "uninstall",
	Short: "Stop and remove the systemd user service",
	RunE:  runServiceUninstall,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		out := cmd.OutOrStdout()
		_, _ = fmt.Fprintf(out, "gitdrive %s\n", version)
		_, _ = fmt.Fprintf(out, "  commit: %s\n", commit)
		_, _ = fmt.Fprintf(out, "  built:  %s\n", date)
	},
}

func init() {
	// Global flags
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $XDG_CONFIG_HOME/gitdrive/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "text", "log format (text, json)")

	rootCmd.PersistentFlags().StringVar(&dirFlag, "dir", "", "replica working directory")
	rootCmd.PersistentFlags().StringVar(&remoteFlag, "remote", "", "remote to sync with (default origin)")
	rootCmd.PersistentFlags().StringVar(&branchFlag, "branch", "", "branch to sync (default master)")
	rootCmd.PersistentFlags().StringVar(&identityFlag, "identity", "", "label tagging commits (default hostname)")
	rootCmd.PersistentFlags().DurationVar(&intervalFlag, "interval", 0, "time between cycles in watch mode (default 1m)")

	serviceCmd.AddCommand(serviceInstallCmd)
	serviceCmd.AddCommand(serviceUninstallCmd)

	rootCmd.AddCommand(syncCmd)
	rootCmd.AddCommand(watchCmd)
	rootCmd.AddCommand(checkCmd)
	rootCmd.AddCommand(serviceCmd)
	rootCmd.AddCommand(versionCmd)
}

func runSync(cmd *cobra.Command, args []string) error {
	ctx, cancel := setupSignalHandler()
	defer cancel()

	logger := setupLogger()

	cfg, err := loadConfig(cmd, logger)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	engine, err := newEngine(ctx, cfg, logger)
	if err != nil {
		return err
	}

	res, err := engine.Sync(ctx)
	if err != nil {
		logger.Error("sync failed", "error", err)
		return err
	}
	logResult(logger, res)
	return nil
}

func runWatch(cmd *cobra.Command, args []string) error {
	ctx, cancel := setupSignalHandler()
	defer cancel()

	logger := setupLogger()

	cfg, err := loadConfig(cmd, logger)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	engine, err := newEngine(ctx, cfg, logger)
	if err != nil {
		return err
	}

	clock := clockwork.NewRealClock()
	opts := []daemon.Option{
		daemon.WithLogger(logger),
		daemon.WithClock(clock),
		daemon.WithNotifier(newNotifier(cfg, clock, logger)),
	}

	if cfg.Sync.WatchFiles {
		changes, err := fswatch.Watch(ctx, cfg.Replica.Dir, logger)
		if err != nil {
			return fmt.Errorf("failed to watch %s: %w", cfg.Replica.Dir, err)
		}
		opts = append(opts, daemon.WithChanges(changes))
	}

	var d *daemon.Daemon
	if cfg.Serve.Enabled {
		srv, err := webhook.NewServer(webhook.Config{
			ListenAddr:        cfg.Serve.ListenAddr,
			SecretFile:        cfg.Serve.GitHubWebhookSecretFile,
			AllowedEventTypes: cfg.Serve.AllowedEventTypes,
			BranchRef:         cfg.BranchRef(),
		}, func(reason string) { d.Trigger(reason) }, logger)
		if err != nil {
			return err
		}
		opts = append(opts, daemon.WithService(srv.Run))
	}

	d = daemon.New(engine, daemon.Config{
		Interval:  cfg.Sync.Interval,
		Debounce:  cfg.Sync.Debounce,
		KeepGoing: cfg.Sync.KeepGoing,
	}, opts...)

	logger.Info("watching replica",
		"dir", cfg.Replica.Dir,
		"interval", cfg.Sync.Interval,
		"watch_files", cfg.Sync.WatchFiles,
		"webhook", cfg.Serve.Enabled)
	return d.Run(ctx)
}

func runCheck(cmd *cobra.Command, args []string) error {
	ctx, cancel := setupSignalHandler()
	defer cancel()

	logger := setupLogger()

	cfg, err := loadConfig(cmd, logger)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if _, err := newEngine(ctx, cfg, logger); err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	_, _ = fmt.Fprintf(out, "replica:  %s\n", cfg.Replica.Dir)
	_, _ = fmt.Fprintf(out, "upstream: %s/%s\n", cfg.Replica.Remote, cfg.Replica.Branch)
	_, _ = fmt.Fprintf(out, "identity: %s\n", cfg.Replica.Identity)
	_, _ = fmt.Fprintf(out, "auth:     %s\n", cfg.AuthMethod())
	_, _ = fmt.Fprintln(out, "ok")
	return nil
}

func runServiceInstall(cmd *cobra.Command, args []string) error {
	ctx, cancel := setupSignalHandler()
	defer cancel()

	logger := setupLogger()

	// The service reads the same configuration, so it has to be valid now.
	cfg, err := loadConfig(cmd, logger)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	logger.Info("installing service", "replica", cfg.Replica.Dir)

	binary, err := os.Executable()
	if err != nil {
		return fmt.Errorf("failed to locate executable: %w", err)
	}
	cfgPath, err := filepath.Abs(configPath())
	if err != nil {
		return fmt.Errorf("failed to resolve config path: %w", err)
	}

	installer, err := newInstaller(ctx, logger)
	if err != nil {
		return err
	}
	return installer.Install(ctx, systemduser.Unit{Binary: binary, ConfigPath: cfgPath})
}

func runServiceUninstall(cmd *cobra.Command, args []string) error {
	ctx, cancel := setupSignalHandler()
	defer cancel()

	installer, err := newInstaller(ctx, setupLogger())
	if err != nil {
		return err
	}
	return installer.Uninstall(ctx)
}

func newInstaller(ctx context.Context, logger *slog.Logger) (*systemduser.Installer, error) {
	client := systemduser.NewClient(shell.New(xdg.Home, shell.WithLogger(logger)))
	if ok, err := client.IsAvailable(ctx); !ok {
		return nil, err
	}
	return systemduser.NewInstaller(client, afero.NewOsFs(), systemduser.UnitDir(), logger), nil
}

// newEngine validates the replica, prepares the git environment and checks
// the toolchain.
func newEngine(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*sync.Engine, error) {
	env, err := git.AuthEnv(cfg.Auth.SSHKeyFile, cfg.Auth.HTTPSTokenFile)
	if err != nil {
		return nil, err
	}
	sh := shell.New(cfg.Replica.Dir, shell.WithEnv(env...), shell.WithLogger(logger))

	engine, err := sync.New(sync.ReplicaConfig{
		Dir:      cfg.Replica.Dir,
		Remote:   cfg.Replica.Remote,
		Branch:   cfg.Replica.Branch,
		Identity: cfg.Replica.Identity,
	}, sh,
		sync.WithLogger(logger),
		sync.WithMaxRounds(cfg.Rounds()))
	if err != nil {
		return nil, err
	}

	v, err := git.CheckVersion(ctx, sh, git.RequiredVersion(cfg.Auth.HTTPSTokenFile != ""))
	if err != nil {
		return nil, err
	}
	logger.Debug("git available", "version", v.String())
	return engine, nil
}

func newNotifier(cfg *config.Config, clock clockwork.Clock, logger *slog.Logger) notify.Notifier {
	if !cfg.Notify.LibNotify {
		return notify.NoOp{}
	}
	sh := shell.New(cfg.Replica.Dir, shell.WithLogger(logger))
	return notify.NewDedup(notify.NewLibNotify(sh), cfg.Notify.DedupInterval, clock, logger)
}

func logResult(logger *slog.Logger, res *sync.Result) {
	if !res.Reachable {
		logger.Info("remote unreachable, will retry on the next cycle", "committed", res.Committed)
		return
	}
	logger.Info("sync finished",
		"cycle_id", res.ID,
		"duration", res.Duration().Round(time.Millisecond),
		"committed", res.Committed,
		"pulled", res.Incoming,
		"pushed", res.Outgoing,
		"resolved", res.Resolved)
}

func setupLogger() *slog.Logger {
	var level slog.Level
	switch logLevel {
	case "debug":
		level = slog.LevelDebug
	case "trace":
		level = slog.LevelDebug - 4
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: level}

	if logFormat == "json" {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}

	return slog.New(handler)
}

func configPath() string {
	if cfgFile != "" {
		return cfgFile
	}
	return config.DefaultPath()
}

// loadConfig reads the config file, applies flag overrides and validates
// the result. Only an explicitly requested config file must exist.
func loadConfig(cmd *cobra.Command, logger *slog.Logger) (*config.Config, error) {
	path := configPath()
	logger.Debug("loading configuration", "path", path)

	cfg, err := config.Load(path, cfgFile == "")
	if err != nil {
		return nil, err
	}

	flags := cmd.Flags()
	if flags.Changed("dir") {
		cfg.Replica.Dir = dirFlag
	}
	if flags.Changed("remote") {
		cfg.Replica.Remote = remoteFlag
	}
	if flags.Changed("branch") {
		cfg.Replica.Branch = branchFlag
	}
	if flags.Changed("identity") {
		cfg.Replica.Identity = identityFlag
	}
	if flags.Changed("interval") {
		cfg.Sync.Interval = intervalFlag
	}
	if cfg.Replica.Identity == "" {
		host, err := os.Hostname()
		if err != nil {
			return nil, fmt.Errorf("failed to determine hostname for replica.identity: %w", err)
		}
		cfg.Replica.Identity = host
	}

	if err := cfg.Finalize(); err != nil {
		return nil, err
	}

	logger.Debug("configuration loaded",
		"dir", cfg.Replica.Dir,
		"remote", cfg.Replica.Remote,
		"branch", cfg.Replica.Branch,
		"identity", cfg.Replica.Identity,
		"auth", cfg.AuthMethod())

	return cfg, nil
}

func setupSignalHandler() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	go func() {
		select {
		case <-sigCh:
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(sigCh)
	}()

	return ctx, cancel
}

// exitCode maps precondition failures to a distinct status for scripts.
func exitCode(err error) int {
	var precondErr *sync.PreconditionError
	if errors.As(err, &precondErr) {
		return 2
	}
	return 1
}
