package network

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/zeebo/blake3"
)

const (
	// DefaultDedupTTL is how long a datagram hash is remembered. It stays well
	// below the round interval so that an unchanged claim of the next round
	// is not mistaken for an echo.
	DefaultDedupTTL = 2 * time.Second

	// cleanupInterval is the interval between cleanup runs.
	cleanupInterval = 1 * time.Second
)

// Dedup remembers recently seen datagrams. Multicast loopback and several
// faces reaching the same peer both deliver copies that the hub would
// otherwise process twice.
type Dedup struct {
	seen  map[[32]byte]int64 // seen maps datagram hash to timestamp (unix nano)
	mu    sync.RWMutex       // mu protects the seen map
	ttl   int64              // ttl in nanoseconds
	clock clockwork.Clock
	stop  chan struct{} // stop signals the cleanup goroutine to stop
	wg    sync.WaitGroup
}

// NewDedup creates a duplicate filter. A zero ttl selects DefaultDedupTTL and
// a nil clock the real clock.
func NewDedup(ttl time.Duration, clock clockwork.Clock) *Dedup {
	if ttl <= 0 {
		ttl = DefaultDedupTTL
	}

	if clock == nil {
		clock = clockwork.NewRealClock()
	}

	d := &Dedup{
		seen:  make(map[[32]byte]int64),
		ttl:   int64(ttl),
		clock: clock,
		stop:  make(chan struct{}),
	}

	d.startCleanup()

	return d
}

// Check returns true if the datagram is new and records it.
func (d *Dedup) Check(data []byte) bool {
	hash := blake3.Sum256(data)
	now := d.clock.Now().UnixNano()

	d.mu.RLock()
	ts, exists := d.seen[hash]
	d.mu.RUnlock()

	if exists && now-ts < d.ttl {
		return false
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	// another goroutine may have recorded it in between
	ts, exists = d.seen[hash]
	if exists && now-ts < d.ttl {
		return false
	}

	d.seen[hash] = now

	return true
}

// Mark records an outbound datagram so its echo is filtered.
func (d *Dedup) Mark(data []byte) {
	hash := blake3.Sum256(data)
	now := d.clock.Now().UnixNano()

	d.mu.Lock()
	d.seen[hash] = now
	d.mu.Unlock()
}

// Len returns the number of remembered hashes, expired or not.
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

// startCleanup starts the background cleanup goroutine.
func (d *Dedup) startCleanup() {
	d.wg.Add(1)

	go func() {
		defer d.wg.Done()

		ticker := d.clock.NewTicker(cleanupInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.Chan():
				d.cleanup()
			case <-d.stop:
				return
			}
		}
	}()
}

// cleanup removes expired entries from the seen map.
func (d *Dedup) cleanup() {
	now := d.clock.Now().UnixNano()

	d.mu.Lock()
	defer d.mu.Unlock()

	for hash, ts := range d.seen {
		if now-ts >= d.ttl {
			delete(d.seen, hash)
		}
	}
}
