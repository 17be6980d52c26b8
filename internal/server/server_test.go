package server

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/schaermu/pkgsyncd/internal/config"
	"github.com/schaermu/pkgsyncd/internal/control"
	"github.com/schaermu/pkgsyncd/internal/events"
	"github.com/schaermu/pkgsyncd/internal/fetch"
	"github.com/schaermu/pkgsyncd/internal/manifest"
	pkgsync "github.com/schaermu/pkgsyncd/internal/sync"
	"github.com/schaermu/pkgsyncd/internal/syncerr"
	"github.com/schaermu/pkgsyncd/internal/testutil"
)

// mockRunner implements Runner for testing
type mockRunner struct {
	mu      sync.Mutex
	calls   []*pkgsync.Request
	started chan uint64
	block   chan struct{}
	err     error
}

func (m *mockRunner) Run(ctx context.Context, req *pkgsync.Request) error {
	m.mu.Lock()
	m.calls = append(m.calls, req)
	m.mu.Unlock()

	if m.started != nil {
		m.started <- req.PackageID
	}
	if m.block != nil {
		select {
		case <-m.block:
		case <-ctx.Done():
			return syncerr.New(syncerr.KindCancelled, "sync", req.InstallPath, ctx.Err())
		}
	}
	return m.err
}

func (m *mockRunner) requests() []*pkgsync.Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*pkgsync.Request(nil), m.calls...)
}

// mockFetcher serves a fixed remote manifest
type mockFetcher struct {
	manifest string
	err      error
	src      fetch.Source
}

func (m *mockFetcher) Fetch(_ context.Context, src fetch.Source, name string) (*fetch.Response, error) {
	m.src = src
	if m.err != nil {
		return nil, m.err
	}
	return &fetch.Response{
		ContentType: "application/json",
		Size:        int64(len(m.manifest)),
		Body:        io.NopCloser(strings.NewReader(m.manifest)),
	}, nil
}

type testServer struct {
	*Server
	runner   *mockRunner
	registry *control.Registry
	bus      *events.Bus
}

func newTestServer(t *testing.T, opts Options) *testServer {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	runner := &mockRunner{started: make(chan uint64, 8)}
	registry := control.NewRegistry()
	bus := events.NewBus(16, logger)
	cfg := &config.Config{Source: config.SourceConfig{Bucket: "packages", Architecture: "x64"}}

	s := New(cfg, runner, registry, bus, opts, logger)
	t.Cleanup(s.Shutdown)
	return &testServer{Server: s, runner: runner, registry: registry, bus: bus}
}

func (ts *testServer) do(method, path string, body []byte, header http.Header) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	for k, v := range header {
		req.Header[k] = v
	}
	rec := httptest.NewRecorder()
	ts.Handler().ServeHTTP(rec, req)
	return rec
}

func syncBody(t *testing.T, installPath string) []byte {
	t.Helper()
	remote := manifest.Remote{
		Version: "1.0.0",
		Files:   []manifest.FileEntry{{Name: "a.bin", Hash: testutil.Digest("a"), Size: 1}},
	}
	body, err := json.Marshal(map[string]any{
		"installPath":    installPath,
		"title":          "Test Game",
		"userId":         42,
		"remoteManifest": remote,
	})
	if err != nil {
		t.Fatalf("failed to encode body: %v", err)
	}
	return body
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) errorBody {
	t.Helper()
	var body errorBody
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("failed to decode error body %q: %v", rec.Body.String(), err)
	}
	return body
}

func waitStarted(t *testing.T, runner *mockRunner) uint64 {
	t.Helper()
	select {
	case id := <-runner.started:
		return id
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for sync to start")
		return 0
	}
}

func TestSync_Accepted(t *testing.T) {
	ts := newTestServer(t, Options{})
	installPath := filepath.Join(t.TempDir(), "game")

	rec := ts.do(http.MethodPost, "/v1/packages/7/sync", syncBody(t, installPath), nil)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected status 202, got %d: %s", rec.Code, rec.Body.String())
	}
	ts.Wait()

	calls := ts.runner.requests()
	if len(calls) != 1 {
		t.Fatalf("expected 1 run, got %d", len(calls))
	}
	req := calls[0]
	if req.PackageID != 7 {
		t.Errorf("expected package id 7, got %d", req.PackageID)
	}
	if req.InstallPath != installPath {
		t.Errorf("expected install path %s, got %s", installPath, req.InstallPath)
	}
	if req.Version != "1.0.0" {
		t.Errorf("expected version from remote manifest, got %q", req.Version)
	}
	if req.Bucket != "packages" || req.Architecture != "x64" {
		t.Errorf("expected source defaults from config, got bucket=%q arch=%q", req.Bucket, req.Architecture)
	}
	if ts.Running() != 0 {
		t.Errorf("expected no running syncs after completion, got %d", ts.Running())
	}
}

func TestSync_ConflictWhileRunning(t *testing.T) {
	ts := newTestServer(t, Options{})
	ts.runner.block = make(chan struct{})
	body := syncBody(t, filepath.Join(t.TempDir(), "game"))

	if rec := ts.do(http.MethodPost, "/v1/packages/7/sync", body, nil); rec.Code != http.StatusAccepted {
		t.Fatalf("expected status 202, got %d", rec.Code)
	}
	waitStarted(t, ts.runner)

	rec := ts.do(http.MethodPost, "/v1/packages/7/sync", body, nil)
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected status 409 for concurrent sync, got %d", rec.Code)
	}

	// other packages are independent
	other := syncBody(t, filepath.Join(t.TempDir(), "other"))
	if rec := ts.do(http.MethodPost, "/v1/packages/8/sync", other, nil); rec.Code != http.StatusAccepted {
		t.Fatalf("expected status 202 for other package, got %d", rec.Code)
	}
	waitStarted(t, ts.runner)

	close(ts.runner.block)
	ts.Wait()

	if rec := ts.do(http.MethodPost, "/v1/packages/7/sync", body, nil); rec.Code != http.StatusAccepted {
		t.Fatalf("expected status 202 after previous sync finished, got %d", rec.Code)
	}
	ts.Wait()
}

func TestSync_FailurePublished(t *testing.T) {
	ts := newTestServer(t, Options{})
	ts.runner.err = &syncerr.HashMismatchError{Name: "a.bin", Expected: testutil.Digest("a"), Actual: testutil.Digest("b")}
	ch, unsubscribe := ts.bus.Subscribe()
	defer unsubscribe()

	installPath := filepath.Join(t.TempDir(), "game")
	if rec := ts.do(http.MethodPost, "/v1/packages/7/sync", syncBody(t, installPath), nil); rec.Code != http.StatusAccepted {
		t.Fatalf("expected status 202, got %d", rec.Code)
	}

	select {
	case ev := <-ch:
		if ev.Name != events.NameFailed {
			t.Fatalf("expected %s event, got %s", events.NameFailed, ev.Name)
		}
		failed, ok := ev.Payload.(events.Failed)
		if !ok {
			t.Fatalf("unexpected payload %T", ev.Payload)
		}
		if failed.PackageID != 7 || failed.UserID != 42 || failed.InstallPath != installPath {
			t.Errorf("unexpected failure identity %+v", failed)
		}
		if failed.Kind != string(syncerr.KindHashMismatch) {
			t.Errorf("expected kind %s, got %s", syncerr.KindHashMismatch, failed.Kind)
		}
		if !strings.Contains(failed.Error, "a.bin") {
			t.Errorf("expected error to name the file, got %q", failed.Error)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for failure event")
	}
}

func TestSync_NoEventOnSuccess(t *testing.T) {
	ts := newTestServer(t, Options{})
	ch, unsubscribe := ts.bus.Subscribe()
	defer unsubscribe()

	if rec := ts.do(http.MethodPost, "/v1/packages/7/sync", syncBody(t, filepath.Join(t.TempDir(), "game")), nil); rec.Code != http.StatusAccepted {
		t.Fatalf("expected status 202, got %d", rec.Code)
	}
	ts.Wait()

	select {
	case ev := <-ch:
		t.Errorf("expected no event from the server for a successful run, got %s", ev.Name)
	default:
	}
}

func TestSync_SignalAfterAcceptReachesRun(t *testing.T) {
	ts := newTestServer(t, Options{})
	ts.runner.block = make(chan struct{})

	// a stale pause from before the request is cleared
	ts.registry.RequestPause(7)

	if rec := ts.do(http.MethodPost, "/v1/packages/7/sync", syncBody(t, filepath.Join(t.TempDir(), "game")), nil); rec.Code != http.StatusAccepted {
		t.Fatalf("expected status 202, got %d", rec.Code)
	}
	if rec := ts.do(http.MethodPost, "/v1/packages/7/cancel", nil, nil); rec.Code != http.StatusNoContent {
		t.Fatalf("expected status 204, got %d", rec.Code)
	}
	waitStarted(t, ts.runner)

	req := ts.runner.requests()[0]
	if req.Flags == nil {
		t.Fatal("expected the run to receive the reset flags")
	}
	if req.Flags != ts.registry.Get(7) {
		t.Error("expected the registry flags of the package")
	}
	if req.Flags.Paused() {
		t.Error("expected the stale pause to be cleared")
	}
	if !req.Flags.Cancelled() {
		t.Error("expected the cancel sent after the reply to be visible to the run")
	}

	close(ts.runner.block)
	ts.Wait()
}

func TestSync_InvalidRequests(t *testing.T) {
	ts := newTestServer(t, Options{})
	valid := syncBody(t, filepath.Join(t.TempDir(), "game"))

	tests := []struct {
		name string
		path string
		body []byte
	}{
		{"non-numeric id", "/v1/packages/abc/sync", valid},
		{"zero id", "/v1/packages/0/sync", valid},
		{"malformed json", "/v1/packages/7/sync", []byte("{not json")},
		{"relative install path", "/v1/packages/7/sync", syncBody(t, "games/test")},
		{"mismatched package id", "/v1/packages/7/sync", []byte(`{"packageId":8,"installPath":"/tmp/x"}`)},
		{"missing remote manifest", "/v1/packages/7/sync", []byte(`{"installPath":"/tmp/x","version":"1.0.0"}`)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := ts.do(http.MethodPost, tt.path, tt.body, nil)
			if rec.Code != http.StatusBadRequest {
				t.Fatalf("expected status 400, got %d: %s", rec.Code, rec.Body.String())
			}
			if body := decodeError(t, rec); body.Kind != syncerr.KindInvalidInput {
				t.Errorf("expected kind %s, got %q", syncerr.KindInvalidInput, body.Kind)
			}
		})
	}

	if calls := ts.runner.requests(); len(calls) != 0 {
		t.Errorf("expected no runs for invalid requests, got %d", len(calls))
	}
}

func TestSync_ResolvesRemoteManifest(t *testing.T) {
	fetcher := &mockFetcher{manifest: fmt.Sprintf(`{"files":[{"name":"a.bin","hash":%q,"size":1}]}`, testutil.Digest("a"))}
	ts := newTestServer(t, Options{Fetcher: fetcher})

	body := []byte(fmt.Sprintf(`{"installPath":%q,"version":"2.0.0"}`, filepath.Join(t.TempDir(), "game")))
	rec := ts.do(http.MethodPost, "/v1/packages/7/sync", body, nil)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected status 202, got %d: %s", rec.Code, rec.Body.String())
	}
	ts.Wait()

	if fetcher.src.Version != "2.0.0" || fetcher.src.Bucket != "packages" {
		t.Errorf("unexpected manifest source %+v", fetcher.src)
	}
	calls := ts.runner.requests()
	if len(calls) != 1 || calls[0].RemoteManifest == nil {
		t.Fatal("expected run with resolved remote manifest")
	}
	if calls[0].RemoteManifest.Version != "2.0.0" {
		t.Errorf("expected manifest version 2.0.0, got %q", calls[0].RemoteManifest.Version)
	}
	if len(calls[0].RemoteManifest.Files) != 1 {
		t.Errorf("expected 1 remote file, got %d", len(calls[0].RemoteManifest.Files))
	}
}

func TestSync_RemoteManifestUnavailable(t *testing.T) {
	fetcher := &mockFetcher{err: &syncerr.StatusError{Name: fetch.ManifestName, StatusCode: http.StatusNotFound}}
	ts := newTestServer(t, Options{Fetcher: fetcher})

	body := []byte(`{"installPath":"/tmp/game","version":"2.0.0"}`)
	rec := ts.do(http.MethodPost, "/v1/packages/7/sync", body, nil)
	if rec.Code != http.StatusBadGateway {
		t.Fatalf("expected status 502, got %d", rec.Code)
	}
	if body := decodeError(t, rec); body.Kind != syncerr.KindTransfer {
		t.Errorf("expected kind %s, got %q", syncerr.KindTransfer, body.Kind)
	}
}

func TestSync_ShutdownCancelsRunning(t *testing.T) {
	ts := newTestServer(t, Options{})
	ts.runner.block = make(chan struct{})

	rec := ts.do(http.MethodPost, "/v1/packages/7/sync", syncBody(t, filepath.Join(t.TempDir(), "game")), nil)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected status 202, got %d", rec.Code)
	}
	waitStarted(t, ts.runner)

	done := make(chan struct{})
	go func() {
		ts.Shutdown()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("shutdown did not stop the running sync")
	}
}

func TestControlSignals(t *testing.T) {
	ts := newTestServer(t, Options{})

	if rec := ts.do(http.MethodPost, "/v1/packages/7/pause", nil, nil); rec.Code != http.StatusNoContent {
		t.Fatalf("expected status 204 for pause, got %d", rec.Code)
	}
	if !ts.registry.Get(7).Paused() {
		t.Error("expected package 7 to be paused")
	}

	if rec := ts.do(http.MethodPost, "/v1/packages/7/resume", nil, nil); rec.Code != http.StatusNoContent {
		t.Fatalf("expected status 204 for resume, got %d", rec.Code)
	}
	if ts.registry.Get(7).Paused() {
		t.Error("expected pause to be cleared")
	}

	if rec := ts.do(http.MethodPost, "/v1/packages/7/cancel", nil, nil); rec.Code != http.StatusNoContent {
		t.Fatalf("expected status 204 for cancel, got %d", rec.Code)
	}
	if !ts.registry.Get(7).Cancelled() {
		t.Error("expected package 7 to be cancelled")
	}
	if ts.registry.Get(8).Cancelled() {
		t.Error("expected package 8 to be unaffected")
	}

	if rec := ts.do(http.MethodGet, "/v1/packages/7/cancel", nil, nil); rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("expected status 405 for GET, got %d", rec.Code)
	}
}

func TestSignatureRequired(t *testing.T) {
	secret := []byte("test-secret-key")
	ts := newTestServer(t, Options{Secret: secret})

	tests := []struct {
		name      string
		signature string
		want      int
	}{
		{"missing signature", "", http.StatusForbidden},
		{"wrong prefix", "sha1=abc", http.StatusForbidden},
		{"invalid signature", "sha256=invalid", http.StatusForbidden},
		{"wrong secret", Sign([]byte("other"), nil), http.StatusForbidden},
		{"valid signature", Sign(secret, nil), http.StatusNoContent},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			header := http.Header{}
			if tt.signature != "" {
				header.Set(SignatureHeader, tt.signature)
			}
			rec := ts.do(http.MethodPost, "/v1/packages/7/cancel", nil, header)
			if rec.Code != tt.want {
				t.Errorf("expected status %d, got %d", tt.want, rec.Code)
			}
		})
	}

	// reads are not signed
	if rec := ts.do(http.MethodGet, "/healthz", nil, nil); rec.Code != http.StatusOK {
		t.Errorf("expected status 200 for health check, got %d", rec.Code)
	}
}

func TestSignedSync(t *testing.T) {
	secret := []byte("test-secret-key")
	ts := newTestServer(t, Options{Secret: secret})
	body := syncBody(t, filepath.Join(t.TempDir(), "game"))

	header := http.Header{}
	header.Set(SignatureHeader, Sign(secret, body))
	rec := ts.do(http.MethodPost, "/v1/packages/7/sync", body, header)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected status 202, got %d: %s", rec.Code, rec.Body.String())
	}
	ts.Wait()
}

func TestMissing(t *testing.T) {
	ts := newTestServer(t, Options{})
	dir := t.TempDir()
	testutil.WriteTree(t, dir, map[string]string{"a.bin": "a"})
	present := manifest.FileEntry{Name: "a.bin", Hash: testutil.Digest("a"), Size: 1}
	gone := manifest.FileEntry{Name: "b.bin", Hash: testutil.Digest("b"), Size: 1}
	if err := manifest.Save(dir, &manifest.Local{Version: "1.0.0", Files: []manifest.FileEntry{present, gone}}); err != nil {
		t.Fatalf("failed to save manifest: %v", err)
	}

	rec := ts.do(http.MethodPost, "/v1/missing", []byte(fmt.Sprintf(`{"installPath":%q}`, dir)), nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", rec.Code, rec.Body.String())
	}

	var resp struct {
		Missing []manifest.FileEntry `json:"missing"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if len(resp.Missing) != 1 || resp.Missing[0] != gone {
		t.Errorf("expected only %s missing, got %+v", gone.Name, resp.Missing)
	}
}

func TestMissing_InlineManifest(t *testing.T) {
	ts := newTestServer(t, Options{})
	dir := t.TempDir()
	testutil.WriteTree(t, dir, map[string]string{"a.bin": "a"})
	gone := manifest.FileEntry{Name: "b.bin", Hash: testutil.Digest("b"), Size: 1}
	local := &manifest.Local{Files: []manifest.FileEntry{
		{Name: "a.bin", Hash: testutil.Digest("a"), Size: 1},
		gone,
	}}

	body, err := json.Marshal(map[string]any{"installPath": dir, "localManifest": local})
	if err != nil {
		t.Fatalf("failed to encode request: %v", err)
	}
	rec := ts.do(http.MethodPost, "/v1/missing", body, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200 without persisted manifest, got %d: %s", rec.Code, rec.Body.String())
	}

	var resp struct {
		Missing []manifest.FileEntry `json:"missing"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if len(resp.Missing) != 1 || resp.Missing[0] != gone {
		t.Errorf("expected only %s missing, got %+v", gone.Name, resp.Missing)
	}
}

func TestMissing_Errors(t *testing.T) {
	ts := newTestServer(t, Options{})

	rec := ts.do(http.MethodPost, "/v1/missing", []byte(fmt.Sprintf(`{"installPath":%q}`, t.TempDir())), nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("expected status 404 without manifest, got %d", rec.Code)
	}
	if body := decodeError(t, rec); body.Kind != syncerr.KindIO {
		t.Errorf("expected kind %s, got %q", syncerr.KindIO, body.Kind)
	}

	dir := t.TempDir()
	testutil.WriteTree(t, dir, map[string]string{manifest.FileName: "{broken"})
	rec = ts.do(http.MethodPost, "/v1/missing", []byte(fmt.Sprintf(`{"installPath":%q}`, dir)), nil)
	if rec.Code != http.StatusUnprocessableEntity {
		t.Errorf("expected status 422 for corrupt manifest, got %d", rec.Code)
	}

	rec = ts.do(http.MethodPost, "/v1/missing", []byte(`{"installPath":"relative"}`), nil)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected status 400 for relative path, got %d", rec.Code)
	}
}

func TestUninstall(t *testing.T) {
	ts := newTestServer(t, Options{})
	dir := filepath.Join(t.TempDir(), "game")
	testutil.WriteTree(t, dir, map[string]string{"a.bin": "a", "sub/b.bin": "b"})
	body := []byte(fmt.Sprintf(`{"installPath":%q}`, dir))

	if rec := ts.do(http.MethodPost, "/v1/uninstall", body, nil); rec.Code != http.StatusNoContent {
		t.Fatalf("expected status 204, got %d: %s", rec.Code, rec.Body.String())
	}
	if _, err := os.Stat(dir); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("expected install directory to be removed, stat error: %v", err)
	}

	if rec := ts.do(http.MethodPost, "/v1/uninstall", body, nil); rec.Code != http.StatusNotFound {
		t.Errorf("expected status 404 for missing directory, got %d", rec.Code)
	}
}

func TestEventsStream(t *testing.T) {
	ts := newTestServer(t, Options{})
	srv := httptest.NewServer(ts.Handler())
	defer srv.Close()
	defer ts.Shutdown()

	resp, err := http.Get(srv.URL + "/v1/events")
	if err != nil {
		t.Fatalf("failed to connect: %v", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("expected event stream content type, got %q", ct)
	}

	deadline := time.Now().Add(5 * time.Second)
	for ts.bus.Subscribers() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("timed out waiting for subscriber")
		}
		time.Sleep(10 * time.Millisecond)
	}

	ts.bus.Publish(events.NewProgress(events.Progress{PackageID: 7, TotalDownloaded: 10, TotalSizeToDownload: 20}))
	ts.bus.Publish(events.NewComplete(events.Complete{PackageID: 7, Title: "Test Game"}))

	reader := bufio.NewReader(resp.Body)
	var lines []string
	for len(lines) < 4 {
		line, err := reader.ReadString('\n')
		if err != nil {
			t.Fatalf("failed to read stream: %v", err)
		}
		line = strings.TrimRight(line, "\n")
		if line != "" {
			lines = append(lines, line)
		}
	}

	if lines[0] != "event: "+events.NameProgress {
		t.Errorf("expected progress event, got %q", lines[0])
	}
	if !strings.Contains(lines[1], `"gameId":7`) || !strings.Contains(lines[1], `"totalDownloaded":10`) {
		t.Errorf("unexpected progress data %q", lines[1])
	}
	if lines[2] != "event: "+events.NameComplete {
		t.Errorf("expected completion event, got %q", lines[2])
	}
	if !strings.Contains(lines[3], `"gameTitle":"Test Game"`) {
		t.Errorf("unexpected completion data %q", lines[3])
	}
}

func TestHealth(t *testing.T) {
	ts := newTestServer(t, Options{})
	rec := ts.do(http.MethodGet, "/healthz", nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `"status":"ok"`) {
		t.Errorf("unexpected body %q", rec.Body.String())
	}
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"invalid input", syncerr.Invalid("op", "bad"), http.StatusBadRequest},
		{"format", syncerr.Format("op", "p", errors.New("x")), http.StatusUnprocessableEntity},
		{"archive", syncerr.New(syncerr.KindArchive, "op", "p", errors.New("x")), http.StatusUnprocessableEntity},
		{"status error", &syncerr.StatusError{Name: "a", StatusCode: 500}, http.StatusBadGateway},
		{"hash mismatch", &syncerr.HashMismatchError{Name: "a"}, http.StatusBadGateway},
		{"cancelled", fmt.Errorf("stopped: %w", syncerr.ErrCancelled), http.StatusConflict},
		{"paused", syncerr.ErrPaused, http.StatusConflict},
		{"not found", syncerr.IO("read", "p", os.ErrNotExist), http.StatusNotFound},
		{"io", syncerr.IO("write", "p", os.ErrPermission), http.StatusInternalServerError},
		{"unclassified", errors.New("boom"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := StatusFor(tt.err); got != tt.want {
				t.Errorf("StatusFor() = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestServe_ShutsDownOnCancel(t *testing.T) {
	ts := newTestServer(t, Options{})
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to listen: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		errCh <- ts.Serve(ctx, l)
	}()

	resp, err := http.Get("http://" + l.Addr().String() + "/healthz")
	if err != nil {
		t.Fatalf("health check failed: %v", err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("expected status 200, got %d", resp.StatusCode)
	}

	cancel()
	select {
	case err := <-errCh:
		if err != nil {
			t.Errorf("Serve() returned error: %v", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("Serve() did not return after cancel")
	}
}

func TestListen_NoActivation(t *testing.T) {
	t.Setenv("LISTEN_PID", "")
	t.Setenv("LISTEN_FDS", "")

	l, activated, err := Listen("127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen() unexpected error: %v", err)
	}
	defer func() {
		_ = l.Close()
	}()
	if activated {
		t.Error("expected plain listener without socket activation")
	}
}

func TestListen_OtherProcess(t *testing.T) {
	t.Setenv("LISTEN_PID", strconv.Itoa(os.Getpid()+1))
	t.Setenv("LISTEN_FDS", "1")

	listeners, err := activatedListeners()
	if err != nil {
		t.Fatalf("activatedListeners() unexpected error: %v", err)
	}
	if listeners != nil {
		t.Errorf("expected no listeners for another process, got %v", listeners)
	}
}

func TestListen_InvalidEnvironment(t *testing.T) {
	t.Setenv("LISTEN_PID", "not-a-number")
	t.Setenv("LISTEN_FDS", "1")
	if _, _, err := Listen("127.0.0.1:0"); err == nil {
		t.Error("expected error for invalid LISTEN_PID")
	}

	t.Setenv("LISTEN_PID", strconv.Itoa(os.Getpid()))
	t.Setenv("LISTEN_FDS", "many")
	if _, err := activatedListeners(); err == nil {
		t.Error("expected error for invalid LISTEN_FDS")
	}
}

func TestListen_ZeroFDs(t *testing.T) {
	t.Setenv("LISTEN_PID", strconv.Itoa(os.Getpid()))
	t.Setenv("LISTEN_FDS", "0")

	listeners, err := activatedListeners()
	if err != nil {
		t.Fatalf("activatedListeners() unexpected error: %v", err)
	}
	if listeners != nil {
		t.Errorf("expected no listeners, got %v", listeners)
	}
}
