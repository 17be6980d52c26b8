// Package events carries outbound sync notifications to the presentation
// layer. Publishing never blocks the transfer loop.
package events

import (
	"encoding/json"
	"log/slog"
	"sync"
)

// Event names as seen by consumers.
const (
	NameProgress = "download-game-progress"
	NameComplete = "game-installation-complete"
	NameFailed   = "download-game-failed"
)

// Progress is the payload of a progress event.
type Progress struct {
	UserID              uint64  `json:"userId"`
	InstallPath         string  `json:"pathInstallLocation"`
	PackageID           uint64  `json:"gameId"`
	Title               string  `json:"gameTitle"`
	Version             string  `json:"gameVersion"`
	Speed               float64 `json:"speed"` // bytes per second, averaged over the run
	TotalDownloaded     uint64  `json:"totalDownloaded"`
	TotalSizeToDownload uint64  `json:"totalSizeToDownload"`
	BinarySize          uint64  `json:"gameBinarySize"`
}

// Complete is the payload of the completion event.
type Complete struct {
	Title       string `json:"gameTitle"`
	PackageID   uint64 `json:"gameId"`
	UserID      uint64 `json:"user_id"`
	InstallPath string `json:"fileLocationDownload"`
	Version     string `json:"gameVersion"`
	BinarySize  uint64 `json:"gameBinarySize"`
}

// Failed is the payload of the event ending a run that did not complete,
// including cancelled and paused runs.
type Failed struct {
	UserID      uint64 `json:"userId"`
	InstallPath string `json:"pathInstallLocation"`
	PackageID   uint64 `json:"gameId"`
	Title       string `json:"gameTitle"`
	Version     string `json:"gameVersion"`
	Kind        string `json:"kind"`
	Error       string `json:"error"`
}

// Event is a named notification.
type Event struct {
	Name    string
	Payload any
}

// NewProgress wraps p as a progress event.
func NewProgress(p Progress) Event {
	return Event{Name: NameProgress, Payload: p}
}

// NewComplete wraps c as a completion event.
func NewComplete(c Complete) Event {
	return Event{Name: NameComplete, Payload: c}
}

// NewFailed wraps f as a failure event.
func NewFailed(f Failed) Event {
	return Event{Name: NameFailed, Payload: f}
}

// Data returns the JSON encoding of the payload.
func (e Event) Data() ([]byte, error) {
	return json.Marshal(e.Payload)
}

// Publisher delivers events fire-and-forget.
type Publisher interface {
	Publish(Event)
}

// Discard drops every event.
type Discard struct{}

// Publish implements Publisher.
func (Discard) Publish(Event) {}

// Bus fans events out to subscribers. A subscriber that falls behind loses
// events rather than slowing the publisher down.
type Bus struct {
	mu     sync.Mutex
	subs   map[int]chan Event
	nextID int
	buffer int
	logger *slog.Logger
}

// NewBus creates a bus whose subscriptions buffer up to buffer events.
func NewBus(buffer int, logger *slog.Logger) *Bus {
	if buffer < 1 {
		buffer = 1
	}
	return &Bus{
		subs:   make(map[int]chan Event),
		buffer: buffer,
		logger: logger,
	}
}

// Subscribe registers a new subscriber. The returned function unsubscribes
// and closes the channel; it is safe to call more than once.
func (b *Bus) Subscribe() (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.nextID
	b.nextID++
	ch := make(chan Event, b.buffer)
	b.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			delete(b.subs, id)
			close(ch)
		})
	}
}

// Publish implements Publisher.
func (b *Bus) Publish(ev Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for id, ch := range b.subs {
		select {
		case ch <- ev:
		default:
			b.logger.Debug("dropping event for slow subscriber", "event", ev.Name, "subscriber", id)
		}
	}
}

// Subscribers returns the number of active subscriptions.
func (b *Bus) Subscribers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// LogPublisher writes events to a logger, for runs without a listener.
type LogPublisher struct {
	logger *slog.Logger
}

// NewLogPublisher creates a LogPublisher.
func NewLogPublisher(logger *slog.Logger) *LogPublisher {
	return &LogPublisher{logger: logger}
}

// Publish implements Publisher.
func (p *LogPublisher) Publish(ev Event) {
	switch payload := ev.Payload.(type) {
	case Progress:
		p.logger.Info("download progress",
			"package_id", payload.PackageID,
			"downloaded", payload.TotalDownloaded,
			"to_download", payload.TotalSizeToDownload,
			"speed_bps", int64(payload.Speed))
	case Complete:
		p.logger.Info("installation complete",
			"package_id", payload.PackageID,
			"title", payload.Title,
			"version", payload.Version,
			"path", payload.InstallPath)
	case Failed:
		p.logger.Info("download failed",
			"package_id", payload.PackageID,
			"kind", payload.Kind,
			"error", payload.Error)
	default:
		p.logger.Info("event", "name", ev.Name)
	}
}

// Multi publishes to every non-nil publisher in order.
type Multi []Publisher

// Publish implements Publisher.
func (m Multi) Publish(ev Event) {
	for _, p := range m {
		if p != nil {
			p.Publish(ev)
		}
	}
}
