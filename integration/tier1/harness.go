//go:build integration

package tier1

import (
	"bufio"
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/schaermu/pkgsyncd/internal/config"
	"github.com/schaermu/pkgsyncd/internal/control"
	"github.com/schaermu/pkgsyncd/internal/events"
	"github.com/schaermu/pkgsyncd/internal/fetch"
	"github.com/schaermu/pkgsyncd/internal/manifest"
	"github.com/schaermu/pkgsyncd/internal/server"
	pkgsync "github.com/schaermu/pkgsyncd/internal/sync"
)

const (
	testBucket     = "game-builds"
	testArch       = "x64"
	defaultTimeout = 30 * time.Second
)

// Harness runs a fake download API and a real pkgsyncd service in process
type Harness struct {
	t           *testing.T
	cfg         *config.Config
	installRoot string

	api     *httptest.Server
	service *httptest.Server
	srv     *server.Server

	mu        sync.Mutex
	objects   map[string][]byte // pathFilename -> content
	types     map[string]string // pathFilename -> content type
	downloads map[string]int    // pathFilename -> request count
	gates     map[string]*gate  // pathFilename -> held transfer
}

// gate holds a transfer after its first half was sent
type gate struct {
	started chan struct{}
	release chan struct{}
}

// NewHarness starts the download API and the service
func NewHarness(t *testing.T) *Harness {
	t.Helper()

	h := &Harness{
		t:           t,
		installRoot: t.TempDir(),
		objects:     make(map[string][]byte),
		types:       make(map[string]string),
		downloads:   make(map[string]int),
		gates:       make(map[string]*gate),
	}

	h.api = httptest.NewServer(http.HandlerFunc(h.serveDownload))
	t.Cleanup(h.api.Close)

	cfg, err := config.Parse([]byte(fmt.Sprintf(`source:
  kind: api
  api_url: %q
  bucket: %q
  architecture: %q
paths:
  install_root: %q
sync:
  progress_interval: 1ms
  keep:
    - "saves/"
`, h.api.URL+"/api/download", testBucket, testArch, h.installRoot)))
	if err != nil {
		t.Fatalf("parse config: %v", err)
	}
	h.cfg = cfg

	logger := slog.New(slog.NewTextHandler(&testWriter{t: t, prefix: "[pkgsyncd] "}, &slog.HandlerOptions{Level: slog.LevelDebug}))
	fetcher := fetch.NewHTTPFetcher(h.api.Client(), cfg.Sync.UserAgent)
	registry := control.NewRegistry()
	bus := events.NewBus(256, logger)
	engine := pkgsync.NewEngine(cfg, fetcher, registry, bus, nil, logger, false)

	h.srv = server.New(cfg, engine, registry, bus, server.Options{Fetcher: fetcher}, logger)
	h.service = httptest.NewServer(h.srv.Handler())
	t.Cleanup(func() {
		h.srv.Shutdown()
		h.service.Close()
	})

	return h
}

// InstallPath returns the install directory of a package title
func (h *Harness) InstallPath(title string) string {
	return h.cfg.InstallPath(title)
}

func objectKey(version, name string) string {
	return version + "/" + testArch + "/" + name
}

// Publish stores files and their manifest as a package version
func (h *Harness) Publish(version string, files map[string]string) *manifest.Remote {
	h.t.Helper()

	names := make([]string, 0, len(files))
	for name := range files {
		names = append(names, name)
	}
	sort.Strings(names)

	remote := &manifest.Remote{Version: version}
	h.mu.Lock()
	for _, name := range names {
		content := []byte(files[name])
		sum := sha256.Sum256(content)
		remote.Files = append(remote.Files, manifest.FileEntry{
			Name: name,
			Hash: hex.EncodeToString(sum[:]),
			Size: uint64(len(content)),
		})
		h.objects[objectKey(version, name)] = content
	}
	h.mu.Unlock()

	data, err := json.Marshal(remote)
	if err != nil {
		h.t.Fatalf("encode manifest: %v", err)
	}
	h.mu.Lock()
	h.objects[objectKey(version, fetch.ManifestName)] = data
	h.types[objectKey(version, fetch.ManifestName)] = "application/json"
	h.mu.Unlock()

	return remote
}

// Tamper replaces the served content of name without touching the
// published manifest
func (h *Harness) Tamper(version, name, content string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.objects[objectKey(version, name)] = []byte(content)
}

// Hold makes the next download of name stop after half of its content
// until the returned release function is called
func (h *Harness) Hold(version, name string) (started <-chan struct{}, release func()) {
	g := &gate{started: make(chan struct{}), release: make(chan struct{})}
	h.mu.Lock()
	h.gates[objectKey(version, name)] = g
	h.mu.Unlock()

	var once sync.Once
	return g.started, func() { once.Do(func() { close(g.release) }) }
}

// Downloads returns how often name was requested for version
func (h *Harness) Downloads(version, name string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.downloads[objectKey(version, name)]
}

func (h *Harness) serveDownload(w http.ResponseWriter, r *http.Request) {
	if r.URL.Query().Get("bucketName") != testBucket {
		http.Error(w, "unknown bucket", http.StatusNotFound)
		return
	}
	key := r.URL.Query().Get("pathFilename")

	h.mu.Lock()
	content, ok := h.objects[key]
	contentType := h.types[key]
	g := h.gates[key]
	delete(h.gates, key)
	h.downloads[key]++
	h.mu.Unlock()

	if !ok {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Length", fmt.Sprint(len(content)))
	w.WriteHeader(http.StatusOK)

	if g == nil {
		_, _ = w.Write(content)
		return
	}

	half := len(content) / 2
	_, _ = w.Write(content[:half])
	_ = http.NewResponseController(w).Flush()
	close(g.started)
	select {
	case <-g.release:
	case <-r.Context().Done():
		return
	}
	_, _ = w.Write(content[half:])
}

// Post sends a JSON command to the service and returns the status code
func (h *Harness) Post(ctx context.Context, path string, body any) (int, string) {
	h.t.Helper()

	var payload []byte
	if body != nil {
		var err error
		if payload, err = json.Marshal(body); err != nil {
			h.t.Fatalf("encode body: %v", err)
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.service.URL+path, bytes.NewReader(payload))
	if err != nil {
		h.t.Fatalf("create request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := h.service.Client().Do(req)
	if err != nil {
		h.t.Fatalf("POST %s: %v", path, err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	data, _ := io.ReadAll(resp.Body)
	return resp.StatusCode, string(data)
}

// StreamEvent is one server-sent event
type StreamEvent struct {
	Name string
	Data map[string]any
}

// Subscribe opens the event stream; events arrive on the returned channel
// until ctx is done
func (h *Harness) Subscribe(ctx context.Context) <-chan StreamEvent {
	h.t.Helper()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.service.URL+"/v1/events", nil)
	if err != nil {
		h.t.Fatalf("create request: %v", err)
	}
	resp, err := h.service.Client().Do(req)
	if err != nil {
		h.t.Fatalf("subscribe: %v", err)
	}

	ch := make(chan StreamEvent, 1024)
	go func() {
		defer close(ch)
		defer func() {
			_ = resp.Body.Close()
		}()

		scanner := bufio.NewScanner(resp.Body)
		var ev StreamEvent
		for scanner.Scan() {
			line := scanner.Text()
			switch {
			case strings.HasPrefix(line, "event: "):
				ev = StreamEvent{Name: strings.TrimPrefix(line, "event: ")}
			case strings.HasPrefix(line, "data: "):
				_ = json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &ev.Data)
			case line == "" && ev.Name != "":
				ch <- ev
				ev = StreamEvent{}
			}
		}
	}()
	return ch
}

// WaitForEvent returns the first event called name, collecting the events
// seen before it
func (h *Harness) WaitForEvent(ctx context.Context, ch <-chan StreamEvent, name string) (StreamEvent, []StreamEvent) {
	h.t.Helper()
	var seen []StreamEvent
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				h.t.Fatalf("event stream closed before %s", name)
			}
			if ev.Name == name {
				return ev, seen
			}
			seen = append(seen, ev)
		case <-ctx.Done():
			h.t.Fatalf("timed out waiting for %s", name)
		}
	}
}

// WaitIdle blocks until no sync is running
func (h *Harness) WaitIdle(ctx context.Context) {
	h.t.Helper()
	for h.srv.Running() > 0 {
		select {
		case <-ctx.Done():
			h.t.Fatal("timed out waiting for running syncs")
		case <-time.After(10 * time.Millisecond):
		}
	}
}

// ListInstall returns the sorted relative paths of the regular files of an
// install directory
func (h *Harness) ListInstall(installPath string) []string {
	h.t.Helper()
	var files []string
	err := filepath.WalkDir(installPath, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.Type().IsRegular() {
			rel, err := filepath.Rel(installPath, path)
			if err != nil {
				return err
			}
			files = append(files, filepath.ToSlash(rel))
		}
		return nil
	})
	if err != nil {
		h.t.Fatalf("walk %s: %v", installPath, err)
	}
	sort.Strings(files)
	return files
}

// ReadFile returns the content of a file inside an install directory
func (h *Harness) ReadFile(installPath, name string) string {
	h.t.Helper()
	data, err := os.ReadFile(filepath.Join(installPath, filepath.FromSlash(name)))
	if err != nil {
		h.t.Fatalf("read %s: %v", name, err)
	}
	return string(data)
}

// WriteFile creates a file inside an install directory
func (h *Harness) WriteFile(installPath, name, content string) {
	h.t.Helper()
	path := filepath.Join(installPath, filepath.FromSlash(name))
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		h.t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		h.t.Fatalf("write %s: %v", name, err)
	}
}

// testWriter adapts t.Log to io.Writer
type testWriter struct {
	t      *testing.T
	prefix string
}

func (w *testWriter) Write(p []byte) (n int, err error) {
	lines := strings.Split(strings.TrimRight(string(p), "\n"), "\n")
	for _, line := range lines {
		w.t.Log(w.prefix + line)
	}
	return len(p), nil
}
