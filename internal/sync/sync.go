package sync

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/schaermu/pkgsyncd/internal/archive"
	"github.com/schaermu/pkgsyncd/internal/atomicfile"
	"github.com/schaermu/pkgsyncd/internal/config"
	"github.com/schaermu/pkgsyncd/internal/control"
	"github.com/schaermu/pkgsyncd/internal/desktop"
	"github.com/schaermu/pkgsyncd/internal/events"
	"github.com/schaermu/pkgsyncd/internal/fetch"
	"github.com/schaermu/pkgsyncd/internal/manifest"
	"github.com/schaermu/pkgsyncd/internal/reconcile"
	"github.com/schaermu/pkgsyncd/internal/syncerr"
)

const (
	chunkSize   = 32 * 1024
	maxPrealloc = 64 << 20
)

// Engine orchestrates the sync process
type Engine struct {
	cfg       *config.Config
	fetcher   fetch.Fetcher
	registry  *control.Registry
	publisher events.Publisher
	desktop   desktop.Integrator
	logger    *slog.Logger
	dryRun    bool
}

// NewEngine creates a new sync engine
func NewEngine(cfg *config.Config, fetcher fetch.Fetcher, registry *control.Registry, publisher events.Publisher, integrator desktop.Integrator, logger *slog.Logger, dryRun bool) *Engine {
	if publisher == nil {
		publisher = events.Discard{}
	}
	if registry == nil {
		registry = control.NewRegistry()
	}
	return &Engine{
		cfg:       cfg,
		fetcher:   fetcher,
		registry:  registry,
		publisher: publisher,
		desktop:   integrator,
		logger:    logger,
		dryRun:    dryRun,
	}
}

// run is the state of one Run invocation
type run struct {
	req      *Request
	src      fetch.Source
	local    *manifest.Local
	flags    *control.Flags
	meter    *events.Meter
	total    uint64
	baseline uint64
	logger   *slog.Logger
}

// Run executes the complete sync process for req
func (e *Engine) Run(ctx context.Context, req *Request) error {
	req.ApplyDefaults(e.cfg)
	if err := req.Validate(); err != nil {
		return err
	}

	logger := e.logger.With("package_id", req.PackageID)
	logger.Info("starting sync",
		"title", req.Title,
		"version", req.Version,
		"install_path", req.InstallPath,
		"dry_run", e.dryRun)

	// check for dry-run mode
	if e.dryRun {
		plan, err := e.Plan(req)
		if err != nil {
			return err
		}
		e.logPlanDetails(logger, plan)
		logger.Info("dry-run complete, no changes applied")
		return nil
	}

	flags := req.Flags
	if flags == nil {
		flags = e.registry.Reset(req.PackageID)
	}

	if err := os.MkdirAll(req.InstallPath, 0755); err != nil {
		return syncerr.IO("create install directory", req.InstallPath, err)
	}

	local, err := manifest.LoadOrCreate(req.InstallPath, req.PackageID, req.Title, req.BinarySize, req.Version)
	if err != nil {
		return fmt.Errorf("failed to load local manifest: %w", err)
	}

	logger.Info("version check", "installed", local.Version, "target", req.Version,
		"change", CompareVersions(local.Version, req.Version))

	removed := reconcile.RemoveObsolete(req.InstallPath, local, req.RemoteManifest, logger)
	if len(removed) > 0 {
		logger.Info("removed obsolete files", "count", len(removed))
	}
	manifest.Dedup(local)
	local.InstallPath = req.InstallPath
	local.PackageID = req.PackageID
	local.Title = req.Title
	local.Version = req.Version
	local.BinarySize = req.BinarySize
	if err := manifest.Save(req.InstallPath, local); err != nil {
		return fmt.Errorf("failed to save local manifest: %w", err)
	}

	files := req.FilesToDownload
	if files == nil {
		files = reconcile.PlanFetch(req.InstallPath, local, req.RemoteManifest)
	}

	r := &run{
		req:      req,
		src:      req.Source(),
		local:    local,
		flags:    flags,
		meter:    events.NewMeter(e.cfg.Sync.ProgressInterval),
		total:    reconcile.TotalSize(files),
		baseline: reconcile.SumPresentSize(req.InstallPath, local),
		logger:   logger,
	}
	logger.Info("sync plan", "fetch", len(files), "fetch_bytes", r.total, "present_bytes", r.baseline)
	e.emitProgress(r)

	for _, file := range files {
		if err := r.checkpoint(ctx); err != nil {
			return e.stopped(r, file, err)
		}
		if err := e.syncFile(ctx, r, file); err != nil {
			if isStop(err) {
				return e.stopped(r, file, err)
			}
			return fmt.Errorf("failed to sync %s: %w", file.Name, err)
		}
	}

	manifest.Dedup(local)
	if err := manifest.Save(req.InstallPath, local); err != nil {
		return fmt.Errorf("failed to save local manifest: %w", err)
	}

	keep := reconcile.NewKeepList(req.InstallPath, e.cfg.Sync.Keep, logger)
	swept, err := reconcile.SweepExtraneous(req.InstallPath, local, keep, logger)
	if err != nil {
		return fmt.Errorf("failed to clean up install directory: %w", err)
	}
	if len(swept) > 0 {
		logger.Info("removed untracked paths", "count", len(swept))
	}

	if req.DesktopShortcut {
		if err := e.createShortcut(ctx, req); err != nil {
			return err
		}
	}

	e.publisher.Publish(events.NewComplete(events.Complete{
		Title:       req.Title,
		PackageID:   req.PackageID,
		UserID:      req.UserID,
		InstallPath: req.InstallPath,
		Version:     req.Version,
		BinarySize:  req.BinarySize,
	}))

	logger.Info("sync completed successfully", "files", len(files))
	return nil
}

// syncFile fetches one file and commits it, or expands it when the remote
// declares an archive
func (e *Engine) syncFile(ctx context.Context, r *run, file manifest.FileEntry) error {
	dst, err := manifest.Resolve(r.req.InstallPath, file.Name)
	if err != nil {
		return err
	}

	r.logger.Debug("fetching file", "file", file.Name, "size", file.Size)
	resp, err := e.fetcher.Fetch(ctx, r.src, file.Name)
	if err != nil {
		if ctx.Err() != nil {
			return syncerr.New(syncerr.KindCancelled, "fetch", file.Name, ctx.Err())
		}
		return err
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	data, err := e.receive(ctx, r, file, resp)
	if err != nil {
		return err
	}

	if resp.ContentType == fetch.ZipContentType {
		return e.commitArchive(r, file, data)
	}
	return e.commitFile(r, file, dst, data)
}

// receive buffers the response body, checking for stop requests after
// every chunk and emitting paced progress events
func (e *Engine) receive(ctx context.Context, r *run, file manifest.FileEntry, resp *fetch.Response) ([]byte, error) {
	// the declared length is only a hint
	var data bytes.Buffer
	if hint := min(resp.Size, int64(min(file.Size, maxPrealloc))); hint > 0 {
		data.Grow(int(hint))
	}

	chunk := make([]byte, chunkSize)
	for {
		n, readErr := resp.Body.Read(chunk)
		if n > 0 {
			if err := r.checkpoint(ctx); err != nil {
				return nil, err
			}
			data.Write(chunk[:n])
			r.meter.Add(n)
			if r.meter.Due() {
				e.emitProgress(r)
			}
		}
		if readErr == io.EOF {
			return data.Bytes(), nil
		}
		if readErr != nil {
			if ctx.Err() != nil {
				return nil, syncerr.New(syncerr.KindCancelled, "receive", file.Name, ctx.Err())
			}
			return nil, syncerr.New(syncerr.KindTransfer, "receive", file.Name, readErr)
		}
	}
}

// commitFile writes data atomically to dst after checking its hash
func (e *Engine) commitFile(r *run, file manifest.FileEntry, dst string, data []byte) error {
	_, err := atomicfile.Write(dst, bytes.NewReader(data), 0644, func(tmpPath string) error {
		actual, err := manifest.HashFile(tmpPath)
		if err != nil {
			return err
		}
		if actual != file.Hash {
			return &syncerr.HashMismatchError{Name: file.Name, Expected: file.Hash, Actual: actual}
		}
		return nil
	})
	if err != nil {
		return err
	}

	r.logger.Debug("file committed", "file", file.Name)
	r.forget(file.Name)
	return r.record(file)
}

// commitArchive checks the payload hash, expands it and records every member
func (e *Engine) commitArchive(r *run, file manifest.FileEntry, data []byte) error {
	if actual := manifest.HashBytes(data); actual != file.Hash {
		return &syncerr.HashMismatchError{Name: file.Name, Expected: file.Hash, Actual: actual}
	}

	r.logger.Debug("expanding archive", "file", file.Name, "size", len(data))
	r.forget(file.Name)

	err := archive.Expand(data, r.req.InstallPath, func(entry archive.Entry) error {
		if entry.Name == file.Name {
			return nil
		}
		return r.record(manifest.FileEntry{
			Name:    entry.Name,
			Hash:    entry.Hash,
			Size:    entry.Size,
			Archive: file.Name,
		})
	})
	if err != nil {
		return fmt.Errorf("failed to expand archive: %w", err)
	}

	return r.record(file)
}

// record appends entry to the manifest and persists it
func (r *run) record(entry manifest.FileEntry) error {
	r.local.Files = append(r.local.Files, entry)
	manifest.Dedup(r.local)
	if err := manifest.Save(r.req.InstallPath, r.local); err != nil {
		return fmt.Errorf("failed to save local manifest: %w", err)
	}
	return nil
}

// forget drops the entry called name and its archive members, so a refetched
// file replaces its previous record
func (r *run) forget(name string) {
	kept := r.local.Files[:0]
	for _, f := range r.local.Files {
		if (f.Name == name && f.Archive == "") || f.Archive == name {
			continue
		}
		kept = append(kept, f)
	}
	r.local.Files = kept
}

// checkpoint returns a stop error when a cancel or pause was requested or ctx is done
func (r *run) checkpoint(ctx context.Context) error {
	if err := r.flags.Check(); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return syncerr.New(syncerr.KindCancelled, "sync", r.req.InstallPath, err)
	}
	return nil
}

func isStop(err error) bool {
	return errors.Is(err, syncerr.ErrCancelled) || errors.Is(err, syncerr.ErrPaused)
}

func (e *Engine) stopped(r *run, file manifest.FileEntry, err error) error {
	if errors.Is(err, syncerr.ErrPaused) {
		r.logger.Info("sync paused", "next_file", file.Name)
	} else {
		r.logger.Info("sync cancelled", "next_file", file.Name)
	}
	return fmt.Errorf("sync of package %d stopped at %s: %w", r.req.PackageID, file.Name, err)
}

func (e *Engine) emitProgress(r *run) {
	e.publisher.Publish(events.NewProgress(events.Progress{
		UserID:              r.req.UserID,
		InstallPath:         r.req.InstallPath,
		PackageID:           r.req.PackageID,
		Title:               r.req.Title,
		Version:             r.req.Version,
		Speed:               r.meter.Speed(),
		TotalDownloaded:     r.baseline + r.meter.Received(),
		TotalSizeToDownload: r.total,
		BinarySize:          r.req.BinarySize,
	}))
}

func (e *Engine) createShortcut(ctx context.Context, req *Request) error {
	if e.desktop == nil {
		e.logger.Warn("desktop shortcut requested but no desktop integration available")
		return nil
	}
	if err := e.desktop.CreateShortcut(ctx, desktop.Shortcut{InstallPath: req.InstallPath, Title: req.Title}); err != nil {
		return fmt.Errorf("failed to create shortcut: %w", err)
	}
	return nil
}

// Plan computes what a sync of req would do without touching the disk
func (e *Engine) Plan(req *Request) (*Plan, error) {
	req.ApplyDefaults(e.cfg)
	if err := req.Validate(); err != nil {
		return nil, err
	}

	local, err := manifest.LoadOrCreate(req.InstallPath, req.PackageID, req.Title, req.BinarySize, req.Version)
	if err != nil {
		return nil, fmt.Errorf("failed to load local manifest: %w", err)
	}
	installed := local.Version
	if len(local.Files) == 0 {
		installed = ""
	}

	kept, obsolete := reconcile.Partition(local, req.RemoteManifest)
	retained := *local
	retained.Files = kept

	files := req.FilesToDownload
	if files == nil {
		files = reconcile.PlanFetch(req.InstallPath, &retained, req.RemoteManifest)
	}

	return &Plan{
		Obsolete:  obsolete,
		Fetch:     files,
		FetchSize: reconcile.TotalSize(files),
		Baseline:  reconcile.SumPresentSize(req.InstallPath, &retained),
		Change:    CompareVersions(installed, req.Version),
	}, nil
}

// logPlanDetails logs detailed plan information for dry-run
func (e *Engine) logPlanDetails(logger *slog.Logger, plan *Plan) {
	logger.Info("sync plan",
		"change", plan.Change,
		"delete", len(plan.Obsolete),
		"fetch", len(plan.Fetch),
		"fetch_bytes", plan.FetchSize,
		"present_bytes", plan.Baseline)
	for _, f := range plan.Obsolete {
		logger.Info("[dry-run] would delete", "file", f.Name)
	}
	for _, f := range plan.Fetch {
		logger.Info("[dry-run] would fetch", "file", f.Name, "size", f.Size)
	}
}

// Inspect reports the install at installPath against target. A nil target
// only reports what is installed.
func Inspect(installPath string, target *manifest.Remote) (*Status, error) {
	status := &Status{InstallPath: installPath, Change: ChangeNotInstalled, Missing: []manifest.FileEntry{}}

	local, err := manifest.Load(installPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			if target != nil {
				status.Target = target.Version
			}
			return status, nil
		}
		return nil, fmt.Errorf("failed to load local manifest: %w", err)
	}

	status.Installed = true
	status.Version = local.Version
	status.Files = len(local.Files)
	status.PresentSize = reconcile.SumPresentSize(installPath, local)
	status.Missing = reconcile.FindMissing(installPath, local)
	if target != nil {
		status.Target = target.Version
		status.Change = CompareVersions(local.Version, target.Version)
	} else {
		status.Change = ChangeUpToDate
	}
	return status, nil
}

// Uninstall recursively deletes an install directory. The path must exist
// and be a directory.
func Uninstall(path string, logger *slog.Logger) error {
	clean := filepath.Clean(path)
	if !filepath.IsAbs(clean) || filepath.Dir(clean) == clean {
		return syncerr.Invalid("uninstall", "refusing to remove %q", path)
	}

	info, err := os.Stat(clean)
	if err != nil {
		return syncerr.IO("stat install directory", clean, err)
	}
	if !info.IsDir() {
		return syncerr.Invalid("uninstall", "%s is not a directory", clean)
	}

	logger.Info("uninstalling package", "path", clean)
	if err := os.RemoveAll(clean); err != nil {
		return syncerr.IO("remove install directory", clean, err)
	}
	return nil
}
