package syncbridge

import "sync"

const logSubscriberBuffer = 64

// LogHub fans freshly appended sync log entries out to live subscribers.
// Slow subscribers lose entries rather than block the writer.
type LogHub struct {
	mu     sync.Mutex
	nextID int
	subs   map[int]logSubscriber
}

type logSubscriber struct {
	connectionID string
	ch           chan SyncLogEntry
}

func NewLogHub() *LogHub {
	return &LogHub{subs: map[int]logSubscriber{}}
}

// Subscribe returns entries for connectionID, or for every connection when it
// is empty. cancel closes the channel.
func (h *LogHub) Subscribe(connectionID string) (<-chan SyncLogEntry, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()
	id := h.nextID
	h.nextID++
	ch := make(chan SyncLogEntry, logSubscriberBuffer)
	h.subs[id] = logSubscriber{connectionID: connectionID, ch: ch}
	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs, id)
			h.mu.Unlock()
			close(ch)
		})
	}
}

func (h *LogHub) Publish(entry SyncLogEntry) {
	if h == nil {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, sub := range h.subs {
		if sub.connectionID != "" && sub.connectionID != entry.ConnectionID {
			continue
		}
		select {
		case sub.ch <- entry:
		default:
		}
	}
}

func (h *LogHub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}
