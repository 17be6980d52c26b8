// Package control holds the per-package cancel and pause signals consulted
// cooperatively by running syncs.
package control

import (
	"sync"
	"sync/atomic"

	"github.com/schaermu/pkgsyncd/internal/syncerr"
)

// Flags is the shared signal pair of one package. The zero value is ready
// to use.
type Flags struct {
	cancel atomic.Bool
	pause  atomic.Bool
}

// Cancelled reports whether cancellation was requested.
func (f *Flags) Cancelled() bool { return f.cancel.Load() }

// Paused reports whether a pause was requested.
func (f *Flags) Paused() bool { return f.pause.Load() }

// Check returns syncerr.ErrCancelled or syncerr.ErrPaused when the
// respective signal is raised, cancellation first, and nil otherwise.
func (f *Flags) Check() error {
	if f.cancel.Load() {
		return syncerr.ErrCancelled
	}
	if f.pause.Load() {
		return syncerr.ErrPaused
	}
	return nil
}

func (f *Flags) reset() {
	f.cancel.Store(false)
	f.pause.Store(false)
}

// Registry maps package ids to their Flags. Entries are created lazily and
// live as long as the registry.
type Registry struct {
	mu    sync.Mutex
	flags map[uint64]*Flags
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{flags: make(map[uint64]*Flags)}
}

// Get returns the flags for packageID, creating them on first use.
func (r *Registry) Get(packageID uint64) *Flags {
	r.mu.Lock()
	defer r.mu.Unlock()

	f, ok := r.flags[packageID]
	if !ok {
		f = &Flags{}
		r.flags[packageID] = f
	}
	return f
}

// RequestCancel raises the cancel signal for packageID.
func (r *Registry) RequestCancel(packageID uint64) {
	r.Get(packageID).cancel.Store(true)
}

// RequestPause raises the pause signal for packageID.
func (r *Registry) RequestPause(packageID uint64) {
	r.Get(packageID).pause.Store(true)
}

// Resume clears both signals for packageID. It does not restart anything;
// a new sync has to be started by the caller.
func (r *Registry) Resume(packageID uint64) {
	r.Get(packageID).reset()
}

// Reset clears both signals at the start of a sync and returns the flags
// the sync must consult.
func (r *Registry) Reset(packageID uint64) *Flags {
	f := r.Get(packageID)
	f.reset()
	return f
}
