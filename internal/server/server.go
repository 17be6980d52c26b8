// Package server exposes sync commands and events over HTTP so a local
// presentation layer can drive pkgsyncd.
package server

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"net"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/schaermu/pkgsyncd/internal/config"
	"github.com/schaermu/pkgsyncd/internal/control"
	"github.com/schaermu/pkgsyncd/internal/events"
	"github.com/schaermu/pkgsyncd/internal/fetch"
	"github.com/schaermu/pkgsyncd/internal/manifest"
	"github.com/schaermu/pkgsyncd/internal/reconcile"
	pkgsync "github.com/schaermu/pkgsyncd/internal/sync"
	"github.com/schaermu/pkgsyncd/internal/syncerr"
)

const (
	// SignatureHeader carries the HMAC-SHA256 of the request body as sha256=<hex>
	SignatureHeader = "X-Signature-256"

	maxBodySize = 16 << 20
)

// Runner executes one sync request
type Runner interface {
	Run(ctx context.Context, req *pkgsync.Request) error
}

// Options configures optional server behavior
type Options struct {
	// Secret enables request signing when non-empty
	Secret []byte

	// Fetcher resolves the remote manifest of sync requests that omit it
	Fetcher fetch.Fetcher
}

// Server implements the HTTP command surface
type Server struct {
	cfg      *config.Config
	runner   Runner
	registry *control.Registry
	bus      *events.Bus
	fetcher  fetch.Fetcher
	secret   []byte
	logger   *slog.Logger

	mu      sync.Mutex // guards running
	running map[uint64]bool
	wg      sync.WaitGroup

	// ctx is the parent of background syncs; stop cancels it on shutdown
	ctx  context.Context
	stop context.CancelFunc
}

// New creates a new server
func New(cfg *config.Config, runner Runner, registry *control.Registry, bus *events.Bus, opts Options, logger *slog.Logger) *Server {
	ctx, stop := context.WithCancel(context.Background())
	return &Server{
		cfg:      cfg,
		runner:   runner,
		registry: registry,
		bus:      bus,
		fetcher:  opts.Fetcher,
		secret:   opts.Secret,
		logger:   logger,
		running:  make(map[uint64]bool),
		ctx:      ctx,
		stop:     stop,
	}
}

// Handler returns the routing handler of the server
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/packages/{id}/sync", s.handleSync)
	mux.HandleFunc("POST /v1/packages/{id}/cancel", s.handleSignal(s.registry.RequestCancel, "cancel"))
	mux.HandleFunc("POST /v1/packages/{id}/pause", s.handleSignal(s.registry.RequestPause, "pause"))
	mux.HandleFunc("POST /v1/packages/{id}/resume", s.handleSignal(s.registry.Resume, "resume"))
	mux.HandleFunc("POST /v1/missing", s.handleMissing)
	mux.HandleFunc("POST /v1/uninstall", s.handleUninstall)
	mux.HandleFunc("GET /v1/events", s.handleEvents)
	mux.HandleFunc("GET /healthz", s.handleHealth)
	return mux
}

// Serve serves requests on l until ctx is cancelled, then cancels running
// syncs and waits for them to stop.
func (s *Server) Serve(ctx context.Context, l net.Listener) error {
	server := &http.Server{
		Handler:           s.Handler(),
		ReadTimeout:       30 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
		MaxHeaderBytes:    1 << 20, // 1 MB
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("server starting", "addr", l.Addr().String())
		if err := server.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("shutting down server")
	case err := <-errCh:
		s.Shutdown()
		return err
	}

	// stopping first ends event streams and syncs so Shutdown can drain
	s.stop()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := server.Shutdown(shutdownCtx)
	s.wg.Wait()
	return err
}

// Shutdown cancels every running sync and waits for them to return
func (s *Server) Shutdown() {
	s.stop()
	s.wg.Wait()
}

// Wait blocks until all background syncs have returned
func (s *Server) Wait() {
	s.wg.Wait()
}

// handleSync validates a sync request and starts it in the background
func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	id, ok := s.packageID(w, r)
	if !ok {
		return
	}
	body, ok := s.readBody(w, r)
	if !ok {
		return
	}

	var req pkgsync.Request
	if err := json.Unmarshal(body, &req); err != nil {
		s.writeError(w, syncerr.Invalid("decode sync request", "%v", err))
		return
	}
	if req.PackageID != 0 && req.PackageID != id {
		s.writeError(w, syncerr.Invalid("decode sync request", "packageId %d does not match path id %d", req.PackageID, id))
		return
	}
	req.PackageID = id
	req.ApplyDefaults(s.cfg)

	if req.RemoteManifest == nil && s.fetcher != nil && req.Version != "" {
		remote, err := fetch.RemoteManifest(r.Context(), s.fetcher, req.Source())
		if err != nil {
			s.logger.Warn("failed to resolve remote manifest", "package_id", id, "error", err)
			s.writeError(w, err)
			return
		}
		req.RemoteManifest = remote
	}
	if err := req.Validate(); err != nil {
		s.writeError(w, err)
		return
	}

	if !s.acquire(id) {
		s.logger.Info("sync already in progress, rejecting request", "package_id", id)
		writeJSON(w, http.StatusConflict, errorBody{Error: fmt.Sprintf("sync already running for package %d", id)})
		return
	}

	// signals sent after the reply must reach this run
	req.Flags = s.registry.Reset(id)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.release(id)
		s.performSync(&req)
	}()

	writeJSON(w, http.StatusAccepted, map[string]any{"status": "accepted", "packageId": id})
}

// performSync runs req, logs its outcome and publishes a failure event when
// the run did not complete
func (s *Server) performSync(req *pkgsync.Request) {
	logger := s.logger.With("package_id", req.PackageID)
	logger.Info("performing sync operation", "install_path", req.InstallPath)

	err := s.runner.Run(s.ctx, req)
	if err == nil {
		logger.Info("sync completed successfully")
		return
	}

	kind := syncerr.KindOf(err)
	if kind == syncerr.KindCancelled || kind == syncerr.KindPaused {
		logger.Info("sync stopped", "reason", kind)
	} else {
		logger.Error("sync failed", "kind", kind, "error", err)
	}
	s.bus.Publish(events.NewFailed(events.Failed{
		UserID:      req.UserID,
		InstallPath: req.InstallPath,
		PackageID:   req.PackageID,
		Title:       req.Title,
		Version:     req.Version,
		Kind:        string(kind),
		Error:       err.Error(),
	}))
}

func (s *Server) acquire(id uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running[id] {
		return false
	}
	s.running[id] = true
	return true
}

func (s *Server) release(id uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.running, id)
}

// Running returns the number of syncs in progress
func (s *Server) Running() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.running)
}

// handleSignal raises a control signal for the package in the path
func (s *Server) handleSignal(raise func(uint64), name string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := s.packageID(w, r)
		if !ok {
			return
		}
		if _, ok := s.readBody(w, r); !ok {
			return
		}
		raise(id)
		s.logger.Info("control signal received", "signal", name, "package_id", id)
		w.WriteHeader(http.StatusNoContent)
	}
}

type pathRequest struct {
	InstallPath   string          `json:"installPath"`
	LocalManifest *manifest.Local `json:"localManifest,omitempty"`
}

func (s *Server) decodePath(w http.ResponseWriter, r *http.Request) (*pathRequest, bool) {
	body, ok := s.readBody(w, r)
	if !ok {
		return nil, false
	}
	var req pathRequest
	if err := json.Unmarshal(body, &req); err != nil {
		s.writeError(w, syncerr.Invalid("decode request", "%v", err))
		return nil, false
	}
	if req.InstallPath == "" || !filepath.IsAbs(req.InstallPath) {
		s.writeError(w, syncerr.Invalid("decode request", "installPath must be an absolute path"))
		return nil, false
	}
	return &req, true
}

// handleMissing reports recorded files whose content is gone. A manifest in
// the request body takes precedence over the persisted one.
func (s *Server) handleMissing(w http.ResponseWriter, r *http.Request) {
	req, ok := s.decodePath(w, r)
	if !ok {
		return
	}

	local := req.LocalManifest
	if local == nil {
		var err error
		if local, err = manifest.Load(req.InstallPath); err != nil {
			s.writeError(w, err)
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"missing": reconcile.FindMissing(req.InstallPath, local)})
}

// handleUninstall removes an install directory
func (s *Server) handleUninstall(w http.ResponseWriter, r *http.Request) {
	req, ok := s.decodePath(w, r)
	if !ok {
		return
	}
	if err := pkgsync.Uninstall(req.InstallPath, s.logger); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleEvents streams bus events as server-sent events
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	rc := http.NewResponseController(w)
	// the stream outlives the server write timeout
	_ = rc.SetWriteDeadline(time.Time{})

	ch, unsubscribe := s.bus.Subscribe()
	defer unsubscribe()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	if err := rc.Flush(); err != nil {
		s.logger.Warn("event stream not supported", "error", err)
		return
	}

	s.logger.Debug("event subscriber connected", "remote", r.RemoteAddr)
	for {
		select {
		case <-r.Context().Done():
			s.logger.Debug("event subscriber disconnected", "remote", r.RemoteAddr)
			return
		case <-s.ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			data, err := ev.Data()
			if err != nil {
				s.logger.Error("failed to encode event", "event", ev.Name, "error", err)
				continue
			}
			if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Name, data); err != nil {
				return
			}
			if err := rc.Flush(); err != nil {
				return
			}
		}
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "running": s.Running()})
}

// packageID parses the {id} path segment
func (s *Server) packageID(w http.ResponseWriter, r *http.Request) (uint64, bool) {
	raw := r.PathValue("id")
	id, err := strconv.ParseUint(raw, 10, 64)
	if err != nil || id == 0 {
		s.writeError(w, syncerr.Invalid("parse package id", "invalid package id %q", raw))
		return 0, false
	}
	return id, true
}

// readBody reads the request body and checks its signature when a secret
// is configured
func (s *Server) readBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	defer func() {
		_ = r.Body.Close()
	}()

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize))
	if err != nil {
		s.logger.Error("failed to read request body", "error", err)
		http.Error(w, "Failed to read body", http.StatusInternalServerError)
		return nil, false
	}

	if len(s.secret) > 0 && !s.verifySignature(body, r.Header.Get(SignatureHeader)) {
		s.logger.Warn("rejecting request with invalid signature", "path", r.URL.Path)
		writeJSON(w, http.StatusForbidden, errorBody{Error: "invalid signature"})
		return nil, false
	}
	return body, true
}

// verifySignature checks a sha256=<hex> HMAC of body
func (s *Server) verifySignature(body []byte, signature string) bool {
	if signature == "" {
		return false
	}
	if !strings.HasPrefix(signature, "sha256=") {
		return false
	}
	signature = strings.TrimPrefix(signature, "sha256=")

	mac := hmac.New(sha256.New, s.secret)
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))

	return hmac.Equal([]byte(signature), []byte(expected))
}

// Sign returns the signature header value of body for secret
func Sign(secret, body []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

type errorBody struct {
	Error string       `json:"error"`
	Kind  syncerr.Kind `json:"kind,omitempty"`
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := StatusFor(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed", "error", err)
	}
	writeJSON(w, status, errorBody{Error: err.Error(), Kind: syncerr.KindOf(err)})
}

// StatusFor maps an error to the HTTP status reported to clients
func StatusFor(err error) int {
	switch syncerr.KindOf(err) {
	case syncerr.KindInvalidInput:
		return http.StatusBadRequest
	case syncerr.KindFormat, syncerr.KindArchive:
		return http.StatusUnprocessableEntity
	case syncerr.KindTransfer, syncerr.KindHashMismatch:
		return http.StatusBadGateway
	case syncerr.KindCancelled, syncerr.KindPaused:
		return http.StatusConflict
	case syncerr.KindIO:
		if errors.Is(err, fs.ErrNotExist) {
			return http.StatusNotFound
		}
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
