package gossip

import (
	"sync"
	"time"

	"github.com/zeebo/blake3"
)

const (
	// DefaultDedupTTL is how long a seen announcement stays remembered.
	DefaultDedupTTL = 10 * time.Minute

	dedupCleanupInterval = time.Minute
)

// Dedup tracks recently seen messages to prevent duplicate processing.
// Entries expire after a TTL.
type Dedup struct {
	seen map[[32]byte]int64 // message hash -> unix nano first seen
	mu   sync.RWMutex
	ttl  int64
	now  func() time.Time
	stop chan struct{}
	wg   sync.WaitGroup
}

// NewDedup creates a tracker and starts its cleanup goroutine.
func NewDedup(ttl time.Duration) *Dedup {
	if ttl <= 0 {
		ttl = DefaultDedupTTL
	}
	d := &Dedup{
		seen: make(map[[32]byte]int64),
		ttl:  int64(ttl),
		now:  time.Now,
		stop: make(chan struct{}),
	}

	d.wg.Add(1)
	go d.cleanupLoop()

	return d
}

// Check returns true if data was not seen within the TTL and records it.
func (d *Dedup) Check(data []byte) bool {
	hash := blake3.Sum256(data)
	now := d.now().UnixNano()

	d.mu.RLock()
	ts, exists := d.seen[hash]
	d.mu.RUnlock()

	if exists && now-ts < d.ttl {
		return false
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	// Double-check after acquiring write lock
	ts, exists = d.seen[hash]
	if exists && now-ts < d.ttl {
		return false
	}
	d.seen[hash] = now
	return true
}

// Seen reports whether data was recorded within the TTL without recording it.
func (d *Dedup) Seen(data []byte) bool {
	hash := blake3.Sum256(data)
	now := d.now().UnixNano()

	d.mu.RLock()
	defer d.mu.RUnlock()
	ts, exists := d.seen[hash]
	return exists && now-ts < d.ttl
}

// Len returns the number of remembered hashes.
func (d *Dedup) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.seen)
}

// Close stops the cleanup goroutine.
func (d *Dedup) Close() {
	close(d.stop)
	d.wg.Wait()
}

func (d *Dedup) cleanupLoop() {
	defer d.wg.Done()

	ticker := time.NewTicker(dedupCleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			d.cleanup()
		case <-d.stop:
			return
		}
	}
}

func (d *Dedup) cleanup() {
	now := d.now().UnixNano()

	d.mu.Lock()
	defer d.mu.Unlock()

	for hash, ts := range d.seen {
		if now-ts >= d.ttl {
			delete(d.seen, hash)
		}
	}
}
