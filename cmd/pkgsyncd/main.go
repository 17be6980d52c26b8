package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/schaermu/pkgsyncd/internal/config"
	"github.com/schaermu/pkgsyncd/internal/control"
	"github.com/schaermu/pkgsyncd/internal/desktop"
	"github.com/schaermu/pkgsyncd/internal/events"
	"github.com/schaermu/pkgsyncd/internal/fetch"
	"github.com/schaermu/pkgsyncd/internal/manifest"
	"github.com/schaermu/pkgsyncd/internal/reconcile"
	"github.com/schaermu/pkgsyncd/internal/server"
	"github.com/schaermu/pkgsyncd/internal/sync"
	"github.com/spf13/cobra"
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
	dryRun    bool

	// Package flags shared by sync, plan and status
	pkgOpts packageOptions

	// Control command flags
	serverURL string
)

// packageOptions describes the package a command operates on
type packageOptions struct {
	installPath     string
	packageID       uint64
	userID          uint64
	title           string
	version         string
	binarySize      uint64
	remoteManifest  string
	files           []string
	desktopShortcut bool
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "pkgsyncd",
	Short: "Synchronize versioned software packages into local install directories",
	Long: `pkgsyncd reconciles a local installation directory with the remote manifest
of a package version: it removes obsolete files, downloads only what is
missing or changed, verifies every file against its SHA-256 hash and keeps a
local manifest so interrupted syncs resume where they stopped.

It can run one-shot from the command line or as a long-running local service
driven over HTTP.`,
	SilenceUsage: true,
}

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Sync a package version into its install directory",
	Long: `Sync loads the remote manifest (from --remote-manifest or from the configured
source), removes obsolete files, fetches every missing or changed file and
records the result in the local manifest.

Interrupting the command cancels the sync after the current chunk; files
already committed are kept and the next run resumes from there.`,
	RunE: runSync,
}

var planCmd = &cobra.Command{
	Use:   "plan",
	Short: "Print what a sync would delete and fetch",
	RunE:  runPlan,
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Report an install directory against a package version",
	RunE:  runStatus,
}

var missingCmd = &cobra.Command{
	Use:   "missing",
	Short: "List recorded files whose content is missing from disk",
	RunE:  runMissing,
}

var uninstallCmd = &cobra.Command{
	Use:   "uninstall",
	Short: "Remove an install directory",
	RunE:  runUninstall,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the local HTTP service",
	Long: `Serve starts a long-running HTTP service that accepts sync, cancel, pause and
resume commands and streams progress events to subscribers.

The listener is taken from systemd socket activation when available and
falls back to serve.listen_addr otherwise.`,
	RunE: runServe,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("pkgsyncd %s\n", version)
		fmt.Printf("  commit: %s\n", commit)
		fmt.Printf("  built:  %s\n", date)
	},
}

func newControlCmd(action, short string) *cobra.Command {
	return &cobra.Command{
		Use:   action + " <package-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runControl(cmd, action, args[0])
		},
	}
}

func init() {
	// Global flags
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $XDG_CONFIG_HOME/pkgsyncd/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "text", "log format (text, json)")

	for _, cmd := range []*cobra.Command{syncCmd, planCmd, statusCmd} {
		addPackageFlags(cmd)
	}
	syncCmd.Flags().BoolVar(&dryRun, "dry-run", false, "show what would be done without making changes")
	syncCmd.Flags().StringSliceVar(&pkgOpts.files, "file", nil, "only fetch these remote files (repeatable)")
	syncCmd.Flags().BoolVar(&pkgOpts.desktopShortcut, "desktop-shortcut", false, "create a desktop shortcut after a successful sync")

	for _, cmd := range []*cobra.Command{missingCmd, uninstallCmd} {
		cmd.Flags().StringVar(&pkgOpts.installPath, "install-path", "", "install directory")
		_ = cmd.MarkFlagRequired("install-path")
	}

	controlCmds := []*cobra.Command{
		newControlCmd("cancel", "Cancel a running sync"),
		newControlCmd("pause", "Pause a running sync"),
		newControlCmd("resume", "Clear the pause request of a package"),
	}
	for _, cmd := range controlCmds {
		cmd.Flags().StringVar(&serverURL, "server", "", "service URL (default is http://<serve.listen_addr>)")
		rootCmd.AddCommand(cmd)
	}

	rootCmd.AddCommand(syncCmd)
	rootCmd.AddCommand(planCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(missingCmd)
	rootCmd.AddCommand(uninstallCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(versionCmd)
}

func addPackageFlags(cmd *cobra.Command) {
	cmd.Flags().StringVar(&pkgOpts.installPath, "install-path", "", "install directory (default is <paths.install_root>/<title or id>)")
	cmd.Flags().Uint64Var(&pkgOpts.packageID, "id", 0, "package id")
	cmd.Flags().Uint64Var(&pkgOpts.userID, "user-id", 0, "user id reported in events")
	cmd.Flags().StringVar(&pkgOpts.title, "title", "", "package title")
	cmd.Flags().StringVar(&pkgOpts.version, "version", "", "package version (default is the remote manifest version)")
	cmd.Flags().Uint64Var(&pkgOpts.binarySize, "binary-size", 0, "installed size reported in events")
	cmd.Flags().StringVar(&pkgOpts.remoteManifest, "remote-manifest", "", "remote manifest file, or - for stdin")
}

func runSync(cmd *cobra.Command, args []string) error {
	ctx, cancel := setupSignalHandler()
	defer cancel()

	logger := setupLogger()

	cfg, err := loadConfig(logger)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	fetcher, err := newFetcher(ctx, cfg)
	if err != nil {
		return err
	}

	req, err := buildRequest(ctx, cfg, fetcher, pkgOpts)
	if err != nil {
		return err
	}

	integrator := desktop.NewHookClient(cfg.Desktop.ShortcutCommand, logger)
	engine := sync.NewEngine(cfg, fetcher, control.NewRegistry(), events.NewLogPublisher(logger), integrator, logger, dryRun)

	logger.Info("starting sync operation")
	if err := engine.Run(ctx, req); err != nil {
		logger.Error("sync failed", "error", err)
		return err
	}

	return nil
}

func runPlan(cmd *cobra.Command, args []string) error {
	ctx, cancel := setupSignalHandler()
	defer cancel()

	logger := setupLogger()

	cfg, err := loadConfig(logger)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	fetcher, err := newFetcher(ctx, cfg)
	if err != nil {
		return err
	}

	req, err := buildRequest(ctx, cfg, fetcher, pkgOpts)
	if err != nil {
		return err
	}

	engine := sync.NewEngine(cfg, fetcher, nil, nil, nil, logger, true)
	plan, err := engine.Plan(req)
	if err != nil {
		return err
	}
	return printJSON(cmd.OutOrStdout(), plan)
}

func runStatus(cmd *cobra.Command, args []string) error {
	ctx, cancel := setupSignalHandler()
	defer cancel()

	logger := setupLogger()

	cfg, err := loadConfig(logger)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	installPath, err := resolveInstallPath(cfg, pkgOpts)
	if err != nil {
		return err
	}

	// the target is optional for status
	var target *manifest.Remote
	if pkgOpts.remoteManifest != "" || pkgOpts.version != "" {
		fetcher, err := newFetcher(ctx, cfg)
		if err != nil {
			return err
		}
		req, err := buildRequest(ctx, cfg, fetcher, pkgOpts)
		if err != nil {
			return err
		}
		target = req.RemoteManifest
	}

	status, err := sync.Inspect(installPath, target)
	if err != nil {
		return err
	}
	return printJSON(cmd.OutOrStdout(), status)
}

func runMissing(cmd *cobra.Command, args []string) error {
	local, err := manifest.Load(pkgOpts.installPath)
	if err != nil {
		return err
	}
	return printJSON(cmd.OutOrStdout(), reconcile.FindMissing(pkgOpts.installPath, local))
}

func runUninstall(cmd *cobra.Command, args []string) error {
	logger := setupLogger()
	return sync.Uninstall(pkgOpts.installPath, logger)
}

func runControl(cmd *cobra.Command, action, rawID string) error {
	ctx, cancel := setupSignalHandler()
	defer cancel()

	logger := setupLogger()

	id, err := strconv.ParseUint(rawID, 10, 64)
	if err != nil || id == 0 {
		return fmt.Errorf("invalid package id %q", rawID)
	}

	cfg, err := loadConfig(logger)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	secret, err := cfg.ReadSecret()
	if err != nil {
		return err
	}

	base := serverURL
	if base == "" {
		base = "http://" + cfg.Serve.ListenAddr
	}
	if err := postControl(ctx, http.DefaultClient, base, action, id, secret); err != nil {
		return err
	}
	logger.Info("control request sent", "action", action, "package_id", id)
	return nil
}

// postControl sends a control signal for package id to a running service
func postControl(ctx context.Context, client *http.Client, base, action string, id uint64, secret []byte) error {
	url := fmt.Sprintf("%s/v1/packages/%d/%s", strings.TrimSuffix(base, "/"), id, action)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if len(secret) > 0 {
		req.Header.Set(server.SignatureHeader, server.Sign(secret, nil))
	}

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to reach pkgsyncd service: %w", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode != http.StatusNoContent {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("%s request failed with status %d: %s", action, resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return nil
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, cancel := setupSignalHandler()
	defer cancel()

	logger := setupLogger()

	cfg, err := loadConfig(logger)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	secret, err := cfg.ReadSecret()
	if err != nil {
		return err
	}
	if secret == nil {
		logger.Warn("serve.secret_file not set, requests are not authenticated")
	}

	fetcher, err := newFetcher(ctx, cfg)
	if err != nil {
		return err
	}

	registry := control.NewRegistry()
	bus := events.NewBus(64, logger)
	integrator := desktop.NewHookClient(cfg.Desktop.ShortcutCommand, logger)
	var publisher events.Publisher = bus
	if logLevel == "debug" {
		publisher = events.Multi{bus, events.NewLogPublisher(logger)}
	}
	engine := sync.NewEngine(cfg, fetcher, registry, publisher, integrator, logger, false)

	l, activated, err := server.Listen(cfg.Serve.ListenAddr)
	if err != nil {
		return err
	}
	if activated {
		logger.Info("using socket-activated listener")
	}

	srv := server.New(cfg, engine, registry, bus, server.Options{Secret: secret, Fetcher: fetcher}, logger)
	return srv.Serve(ctx, l)
}

// buildRequest assembles a sync request from command flags, loading the
// remote manifest from a file or from the configured source
func buildRequest(ctx context.Context, cfg *config.Config, fetcher fetch.Fetcher, opts packageOptions) (*sync.Request, error) {
	installPath, err := resolveInstallPath(cfg, opts)
	if err != nil {
		return nil, err
	}

	req := &sync.Request{
		InstallPath:     installPath,
		PackageID:       opts.packageID,
		UserID:          opts.userID,
		Title:           opts.title,
		Version:         opts.version,
		BinarySize:      opts.binarySize,
		DesktopShortcut: opts.desktopShortcut,
	}
	req.ApplyDefaults(cfg)

	switch {
	case opts.remoteManifest != "":
		remote, err := manifest.LoadRemote(opts.remoteManifest)
		if err != nil {
			return nil, err
		}
		req.RemoteManifest = remote
	case req.Version != "":
		remote, err := fetch.RemoteManifest(ctx, fetcher, req.Source())
		if err != nil {
			return nil, err
		}
		req.RemoteManifest = remote
	default:
		return nil, fmt.Errorf("either --remote-manifest or --version is required")
	}
	if req.Version == "" {
		req.Version = req.RemoteManifest.Version
	}

	if len(opts.files) > 0 {
		files, err := selectFiles(req.RemoteManifest, opts.files)
		if err != nil {
			return nil, err
		}
		req.FilesToDownload = files
	}
	return req, nil
}

func resolveInstallPath(cfg *config.Config, opts packageOptions) (string, error) {
	if opts.installPath != "" {
		return opts.installPath, nil
	}
	switch {
	case opts.title != "":
		return cfg.InstallPath(opts.title), nil
	case opts.packageID != 0:
		return cfg.InstallPath(strconv.FormatUint(opts.packageID, 10)), nil
	default:
		return "", fmt.Errorf("--install-path, --title or --id is required")
	}
}

// selectFiles returns the remote entries called names, in the given order
func selectFiles(remote *manifest.Remote, names []string) ([]manifest.FileEntry, error) {
	byName := make(map[string]manifest.FileEntry, len(remote.Files))
	for _, f := range remote.Files {
		byName[f.Name] = f
	}

	files := make([]manifest.FileEntry, 0, len(names))
	for _, name := range names {
		f, ok := byName[name]
		if !ok {
			return nil, fmt.Errorf("file %s is not in the remote manifest", name)
		}
		files = append(files, f)
	}
	return files, nil
}

func newFetcher(ctx context.Context, cfg *config.Config) (fetch.Fetcher, error) {
	switch cfg.Source.Kind {
	case config.SourceS3:
		f, err := fetch.NewS3Fetcher(ctx, fetch.S3Options{
			Region:       cfg.Source.S3.Region,
			Endpoint:     cfg.Source.S3.Endpoint,
			UsePathStyle: cfg.Source.S3.UsePathStyle,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create s3 fetcher: %w", err)
		}
		return f, nil
	default:
		return fetch.NewHTTPFetcher(nil, cfg.Sync.UserAgent), nil
	}
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func setupLogger() *slog.Logger {
	// Parse log level
	var level slog.Level
	switch logLevel {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	// stdout is reserved for command output
	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: level}

	if logFormat == "json" {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}

	return slog.New(handler)
}

func loadConfig(logger *slog.Logger) (*config.Config, error) {
	configPath := cfgFile
	explicit := configPath != ""
	if !explicit {
		configPath = config.DefaultPath()
	}

	logger.Debug("loading configuration", "path", configPath)

	cfg, err := config.LoadOrDefault(configPath, explicit)
	if err != nil {
		return nil, err
	}

	logger.Debug("configuration loaded",
		"source", cfg.Source.Kind,
		"api_url", cfg.Source.APIURL,
		"bucket", cfg.Source.Bucket,
		"install_root", cfg.Paths.InstallRoot)

	return cfg, nil
}

func setupSignalHandler() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sigCh
		cancel()
	}()

	return ctx, cancel
}
