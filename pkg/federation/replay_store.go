package federation

import (
	"encoding/binary"
	"fmt"
	"sync"
	"time"

	"github.com/cockroachdb/pebble"
)

// ReplayGuard remembers which proof-of-work submissions were already
// evaluated.
type ReplayGuard interface {
	// MarkUsed records (epoch, blinded, nonce) and reports whether it was
	// new.
	MarkUsed(epochBucket int64, blindedValue []byte, nonce int64) (bool, error)
	// Prune forgets every submission from epochs before epochBucket.
	Prune(epochBucket int64) error
	Close() error
}

const replayKeyPrefix = 'r'

// ReplayStore is a ReplayGuard persisted in Pebble, so a restarted server
// still rejects replays from the current epoch.
type ReplayStore struct {
	mu sync.Mutex
	db *pebble.DB
}

// OpenReplayStore opens or creates the store at path.
func OpenReplayStore(path string) (*ReplayStore, error) {
	opts := &pebble.Options{
		Cache:        pebble.NewCache(8 << 20),
		MemTableSize: 4 << 20,
	}
	db, err := pebble.Open(path, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open replay store: %w", err)
	}
	return &ReplayStore{db: db}, nil
}

// Keys sort by epoch first so Prune is a single range delete.
func replayKey(epochBucket int64, blindedValue []byte, nonce int64) []byte {
	key := make([]byte, 0, 1+8+len(blindedValue)+8)
	key = append(key, replayKeyPrefix)
	key = binary.BigEndian.AppendUint64(key, uint64(epochBucket))
	key = append(key, blindedValue...)
	key = binary.BigEndian.AppendUint64(key, uint64(nonce))
	return key
}

func epochPrefix(epochBucket int64) []byte {
	return binary.BigEndian.AppendUint64([]byte{replayKeyPrefix}, uint64(epochBucket))
}

func (s *ReplayStore) MarkUsed(epochBucket int64, blindedValue []byte, nonce int64) (bool, error) {
	key := replayKey(epochBucket, blindedValue, nonce)

	s.mu.Lock()
	defer s.mu.Unlock()

	_, closer, err := s.db.Get(key)
	if err == nil {
		closer.Close()
		return false, nil
	}
	if err != pebble.ErrNotFound {
		return false, fmt.Errorf("failed to read replay store: %w", err)
	}

	stamp := binary.BigEndian.AppendUint64(nil, uint64(time.Now().Unix()))
	if err := s.db.Set(key, stamp, pebble.Sync); err != nil {
		return false, fmt.Errorf("failed to write replay store: %w", err)
	}
	return true, nil
}

func (s *ReplayStore) Prune(epochBucket int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.db.DeleteRange(epochPrefix(0), epochPrefix(epochBucket), pebble.NoSync); err != nil {
		return fmt.Errorf("failed to prune replay store: %w", err)
	}
	return nil
}

func (s *ReplayStore) Close() error {
	return s.db.Close()
}

// MemoryReplayGuard is an in-memory ReplayGuard for servers run without a
// data directory.
type MemoryReplayGuard struct {
	mu   sync.Mutex
	seen map[string]int64
}

func NewMemoryReplayGuard() *MemoryReplayGuard {
	return &MemoryReplayGuard{seen: make(map[string]int64)}
}

func (g *MemoryReplayGuard) MarkUsed(epochBucket int64, blindedValue []byte, nonce int64) (bool, error) {
	key := string(replayKey(epochBucket, blindedValue, nonce))

	g.mu.Lock()
	defer g.mu.Unlock()

	if _, ok := g.seen[key]; ok {
		return false, nil
	}
	g.seen[key] = epochBucket
	return true, nil
}

func (g *MemoryReplayGuard) Prune(epochBucket int64) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	for key, epoch := range g.seen {
		if epoch < epochBucket {
			delete(g.seen, key)
		}
	}
	return nil
}

func (g *MemoryReplayGuard) Close() error { return nil }
