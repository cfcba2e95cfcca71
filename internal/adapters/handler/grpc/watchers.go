package grpc

import (
	"sync"
	"time"

	"google.golang.org/protobuf/types/known/structpb"
)

const watcherBuffer = 64

// WatcherInfo stores in-memory information about a WatchOutcomes stream.
type WatcherInfo struct {
	ID          string
	Peer        string
	ConnectedAt time.Time
	LastSent    time.Time
	Sent        int
	Dropped     int

	ch chan *structpb.Struct
}

// WatcherManager tracks open WatchOutcomes streams and fans outcomes out to
// them. A watcher whose buffer is full misses the message rather than
// stalling the run.
type WatcherManager struct {
	mu       sync.RWMutex
	watchers map[string]*WatcherInfo
}

func NewWatcherManager() *WatcherManager {
	return &WatcherManager{
		watchers: make(map[string]*WatcherInfo),
	}
}

// Register adds a watcher and returns the channel it receives on.
func (wm *WatcherManager) Register(id, peer string) <-chan *structpb.Struct {
	wm.mu.Lock()
	defer wm.mu.Unlock()

	info := &WatcherInfo{
		ID:          id,
		Peer:        peer,
		ConnectedAt: time.Now(),
		ch:          make(chan *structpb.Struct, watcherBuffer),
	}
	wm.watchers[id] = info
	return info.ch
}

// Unregister removes a watcher and closes its channel.
func (wm *WatcherManager) Unregister(id string) {
	wm.mu.Lock()
	defer wm.mu.Unlock()

	if info, ok := wm.watchers[id]; ok {
		close(info.ch)
		delete(wm.watchers, id)
	}
}

// Broadcast offers msg to every watcher and returns how many took it.
func (wm *WatcherManager) Broadcast(msg *structpb.Struct) int {
	wm.mu.Lock()
	defer wm.mu.Unlock()

	delivered := 0
	now := time.Now()
	for _, info := range wm.watchers {
		select {
		case info.ch <- msg:
			info.Sent++
			info.LastSent = now
			delivered++
		default:
			info.Dropped++
		}
	}
	return delivered
}

// Get returns a copy of a watcher's counters.
func (wm *WatcherManager) Get(id string) (WatcherInfo, bool) {
	wm.mu.RLock()
	defer wm.mu.RUnlock()

	info, ok := wm.watchers[id]
	if !ok {
		return WatcherInfo{}, false
	}
	out := *info
	out.ch = nil
	return out, true
}

func (wm *WatcherManager) Count() int {
	wm.mu.RLock()
	defer wm.mu.RUnlock()

	return len(wm.watchers)
}
