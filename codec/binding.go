package codec

import (
	"sync"
	"time"
)

// BindingTable the short-lived request id → profile id map that keeps a
// streaming response on the codec its request came in on
type BindingTable struct {
	mu      sync.Mutex
	entries map[string]*bindingEntry
}

type bindingEntry struct {
	profileID string
	createdAt time.Time
}

// NewBindingTable creates an empty binding table
func NewBindingTable() *BindingTable {
	return &BindingTable{entries: map[string]*bindingEntry{}}
}

// Put records the profile bound to a request id
func (b *BindingTable) Put(requestID, profileID string) {
	if requestID == "" {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.entries[requestID] = &bindingEntry{profileID: profileID, createdAt: time.Now()}
}

// Take returns and removes the binding for a request id. The get and the
// delete are one atomic step so a binding is consumed exactly once.
func (b *BindingTable) Take(requestID string) (string, bool) {
	if requestID == "" {
		return "", false
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	entry, has := b.entries[requestID]
	if !has {
		return "", false
	}
	delete(b.entries, requestID)
	return entry.profileID, true
}

// Len reports the number of live bindings
func (b *BindingTable) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.entries)
}

// Reap removes bindings older than maxAge, covering requests that timed out
// before their response ever reached the outgoing conversion. Returns the
// number of bindings removed.
func (b *BindingTable) Reap(maxAge time.Duration) int {
	cutoff := time.Now().Add(-maxAge)
	b.mu.Lock()
	defer b.mu.Unlock()
	removed := 0
	for id, entry := range b.entries {
		if entry.createdAt.Before(cutoff) {
			delete(b.entries, id)
			removed++
		}
	}
	return removed
}
