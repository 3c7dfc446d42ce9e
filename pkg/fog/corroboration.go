package fog

import (
	"sync"
	"time"

	"overlay/pkg/types"
)

type tracker struct {
	sources     map[types.PeerID]struct{}
	lastUpdated time.Time
}

// corroborations records which distinct sources vouched for each
// peer|capabilities claim.
type corroborations struct {
	mu       sync.Mutex
	trackers map[string]*tracker
}

func newCorroborations() *corroborations {
	return &corroborations{trackers: make(map[string]*tracker)}
}

func corroborationKey(peer types.PeerID, capabilitiesHash string) string {
	return string(peer) + "|" + capabilitiesHash
}

// add records source for key and returns the resulting distinct-source
// count. Adding and counting happen under one lock.
func (c *corroborations) add(key string, source types.PeerID, now time.Time) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	t, ok := c.trackers[key]
	if !ok {
		t = &tracker{sources: make(map[types.PeerID]struct{})}
		c.trackers[key] = t
	}
	t.sources[source] = struct{}{}
	t.lastUpdated = now
	return len(t.sources)
}

func (c *corroborations) count(key string) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	if t, ok := c.trackers[key]; ok {
		return len(t.sources)
	}
	return 0
}

// expire drops trackers not updated since cutoff.
func (c *corroborations) expire(cutoff time.Time) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for key, t := range c.trackers {
		if t.lastUpdated.Before(cutoff) {
			delete(c.trackers, key)
			removed++
		}
	}
	return removed
}

func (c *corroborations) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.trackers)
}

func (c *corroborations) reset() {
	c.mu.Lock()
	c.trackers = make(map[string]*tracker)
	c.mu.Unlock()
}
