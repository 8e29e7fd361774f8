package datagram

import (
	"sync"
	"time"

	"github.com/nmerryman/antt-go/frame"
)

// idAllocator hands out MessageIDs from a monotonically incrementing
// counter, skipping ids currently in use and ids still held by a
// non-expired tombstone. Tombstones expire after a configurable TTL
// so wrap-around does not stall forever on a long-delivered message.
type idAllocator struct {
	mu        sync.Mutex
	next      uint64
	maxID     uint64
	inUse     map[frame.MessageID]struct{}
	tombstone map[frame.MessageID]time.Time
	ttl       time.Duration
	now       func() time.Time
}

func newIDAllocator(h frame.Header, ttl time.Duration) *idAllocator {
	return &idAllocator{
		maxID:     h.MaxID(),
		inUse:     make(map[frame.MessageID]struct{}),
		tombstone: make(map[frame.MessageID]time.Time),
		ttl:       ttl,
		now:       time.Now,
	}
}

func (a *idAllocator) allocate() (frame.MessageID, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.expireLocked()

	start := a.next
	for {
		candidate := frame.MessageID(a.next)
		a.next++
		if a.next > a.maxID {
			a.next = 0
		}
		if _, busy := a.inUse[candidate]; !busy {
			if _, tomb := a.tombstone[candidate]; !tomb {
				a.inUse[candidate] = struct{}{}
				return candidate, true
			}
		}
		if uint64(a.next) == start {
			return 0, false
		}
	}
}

func (a *idAllocator) release(id frame.MessageID) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.inUse, id)
	a.tombstone[id] = a.now()
}

func (a *idAllocator) expireLocked() {
	cutoff := a.now().Add(-a.ttl)
	for id, at := range a.tombstone {
		if at.Before(cutoff) {
			delete(a.tombstone, id)
		}
	}
}
