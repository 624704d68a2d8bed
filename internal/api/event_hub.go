package api

import (
	"sync"
	"time"

	"github.com/metaci/metaci/internal/store"
)

// Event is one build status change broadcast to watchers.
type Event struct {
	BuildID string            `json:"build_id"`
	Status  store.BuildStatus `json:"status"`
	Commit  string            `json:"commit"`
	Branch  string            `json:"branch"`
	At      int64             `json:"at"`
}

type eventHub struct {
	mu   sync.RWMutex
	subs map[chan Event]struct{}
}

func newEventHub() *eventHub {
	return &eventHub{subs: make(map[chan Event]struct{})}
}

func (h *Handler) getEventHub() *eventHub {
	h.hubOnce.Do(func() {
		h.hub = newEventHub()
	})
	return h.hub
}

// BuildChanged publishes a build transition; the scheduler calls this
// through the Notifier interface.
func (h *Handler) BuildChanged(b store.Build) {
	h.getEventHub().publish(Event{
		BuildID: b.ID,
		Status:  b.Status,
		Commit:  b.Commit,
		Branch:  b.Branch,
		At:      time.Now().Unix(),
	})
}

func (h *eventHub) subscribe() (chan Event, func()) {
	ch := make(chan Event, 256)
	h.mu.Lock()
	h.subs[ch] = struct{}{}
	h.mu.Unlock()
	return ch, func() {
		h.mu.Lock()
		delete(h.subs, ch)
		h.mu.Unlock()
		close(ch)
	}
}

func (h *eventHub) publish(evt Event) {
	h.mu.RLock()
	for ch := range h.subs {
		select {
		case ch <- evt:
		default:
		}
	}
	h.mu.RUnlock()
}
