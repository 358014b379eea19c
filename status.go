package trailhead

import "sync"

// SyncStatus is the observable state of the sync engine, recomputed after
// every queue mutation and every network attempt. Data is never lost
// silently: a non-zero PendingCount plus LastError tells the status
// indicator that unsent items are waiting for the next flush.
type SyncStatus struct {
	LastSyncTimestamp string `json:"lastSyncTimestamp"`
	PendingCount      int    `json:"pendingCount"`
	LastError         string `json:"lastError,omitempty"`
	IsOnline          bool   `json:"isOnline"`
	IsFlushing        bool   `json:"isFlushing"`
}

// statusNotifier broadcasts status updates to subscribers. Sends are
// non-blocking: a subscriber that falls behind drops intermediate updates
// and only ever misses stale state, never the latest (each channel is
// drained before the newest value is sent).
type statusNotifier struct {
	mu     sync.Mutex
	nextID int
	subs   map[int]chan SyncStatus
	last   SyncStatus
}

func newStatusNotifier() *statusNotifier {
	return &statusNotifier{subs: make(map[int]chan SyncStatus)}
}

// Subscribe registers a status listener. The current status is delivered
// immediately. Cancel releases the subscription.
func (n *statusNotifier) Subscribe() (updates <-chan SyncStatus, cancel func()) {
	n.mu.Lock()
	defer n.mu.Unlock()

	id := n.nextID
	n.nextID++
	ch := make(chan SyncStatus, 1)
	ch <- n.last
	n.subs[id] = ch

	return ch, func() {
		n.mu.Lock()
		defer n.mu.Unlock()
		if ch, ok := n.subs[id]; ok {
			delete(n.subs, id)
			close(ch)
		}
	}
}

// Publish records the new status and fans it out.
func (n *statusNotifier) Publish(status SyncStatus) {
	n.mu.Lock()
	defer n.mu.Unlock()

	n.last = status
	for _, ch := range n.subs {
		select {
		case <-ch:
		default:
		}
		ch <- status
	}
}

// Last returns the most recently published status.
func (n *statusNotifier) Last() SyncStatus {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.last
}
