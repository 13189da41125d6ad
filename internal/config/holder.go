package config

import (
	"sync"
	"sync/atomic"

	xglog "github.com/lockergw/gateway/internal/log"
)

// Version is a snapshot of one row in the config_version table.
type Version struct {
	Version     int
	ContentJSON string
	ContentHash string
	DeployedAt  int64
	DeployedBy  string
	Status      string
}

// Holder gives the rest of the process a thread-safe, always-current view
// of the active config version without hitting the database on every read.
// Store keeps it in sync on every Apply/Rollback.
type Holder struct {
	epoch    atomic.Uint64
	active   atomic.Pointer[Version]
	mu       sync.RWMutex
	watchers []chan<- Version
}

// NewHolder returns an empty holder; Current returns the zero Version
// until the first Swap.
func NewHolder() *Holder {
	return &Holder{}
}

// Current returns the active version, or the zero value if none has been
// applied yet.
func (h *Holder) Current() Version {
	v := h.active.Load()
	if v == nil {
		return Version{}
	}
	return *v
}

// Swap atomically replaces the active version and notifies watchers
// (non-blocking: a full channel is skipped, not awaited).
func (h *Holder) Swap(next Version) {
	h.epoch.Add(1)
	h.active.Store(&next)

	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, ch := range h.watchers {
		select {
		case ch <- next:
		default:
			xglog.WithComponent("config").Warn().
				Int("version", next.Version).
				Msg("skipped notifying config watcher (channel full)")
		}
	}
}

// Watch registers a channel to receive every future Swap. The caller owns
// the channel and is responsible for closing it.
func (h *Holder) Watch(ch chan<- Version) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.watchers = append(h.watchers, ch)
}

// Epoch reports how many times Swap has run, for tests asserting "exactly
// one apply happened".
func (h *Holder) Epoch() uint64 {
	return h.epoch.Load()
}
