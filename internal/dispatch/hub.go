// Package dispatch routes inbound datagrams to the handler that expects them.
//
// The hub keeps two tables. The DMX table maps the 7-byte key that leads every
// packet to a handler; the chunk table maps the content hash of a 120-byte
// side-chain chunk to a handler. Every inbound datagram is checked against both.
// Registrations persist until they are replaced or removed by their owner.
package dispatch

import (
	"sync"

	"github.com/jannickheisch/tinyISP/internal/metrics"
	"github.com/jannickheisch/tinyISP/internal/wire"
)

// Handler consumes a datagram whose leading DMX matched a registration.
type Handler func(pkt []byte, aux any)

// ChunkHandler consumes a 120-byte datagram whose content hash matched a registration.
type ChunkHandler func(chunk []byte, aux any)

type registration struct {
	fn  Handler
	aux any
}

type chunkRegistration struct {
	fn  ChunkHandler
	aux any
}

// Hub holds both lookup tables behind a single lock.
type Hub struct {
	mu     sync.RWMutex
	dmx    map[wire.DMX]registration
	chunks map[wire.Hash]chunkRegistration

	metrics *metrics.Metrics
}

// New creates an empty hub. m may be nil.
func New(m *metrics.Metrics) *Hub {
	return &Hub{
		dmx:     make(map[wire.DMX]registration),
		chunks:  make(map[wire.Hash]chunkRegistration),
		metrics: m,
	}
}

// Arm installs fn for packets led by d, replacing any previous registration.
// A nil fn removes the registration.
func (h *Hub) Arm(d wire.DMX, fn Handler, aux any) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if fn == nil {
		delete(h.dmx, d)
		return
	}

	h.dmx[d] = registration{fn: fn, aux: aux}
}

// ArmChunk installs fn for chunks hashing to hash. A nil fn removes the registration.
func (h *Hub) ArmChunk(hash wire.Hash, fn ChunkHandler, aux any) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if fn == nil {
		delete(h.chunks, hash)
		return
	}

	h.chunks[hash] = chunkRegistration{fn: fn, aux: aux}
}

// OnReceive routes one inbound datagram. The DMX lookup and, for 120-byte
// datagrams, the content-hash lookup are both attempted; matching handlers
// run on the caller's goroutine after the lock is released.
// A handler can therefore still run for a key that another goroutine
// disarmed in between. Handlers must recheck their key under their own lock;
// the feed log does so by re-deriving the expected DMX and chunk hash under
// the feed mutex before it mutates anything.
// It reports whether any handler was invoked.
func (h *Hub) OnReceive(pkt []byte) bool {
	if len(pkt) < wire.DMXLen {
		h.count(metrics.RouteNone)
		return false
	}

	var (
		hash     wire.Hash
		isPacket = len(pkt) == wire.PacketLen
	)

	if isPacket {
		hash = wire.ChunkHash(pkt)
	}

	h.mu.RLock()
	reg, hasDMX := h.dmx[wire.PacketDMX(pkt)]
	creg, hasChunk := h.chunks[hash]
	h.mu.RUnlock()

	hasChunk = hasChunk && isPacket

	switch {
	case hasDMX && hasChunk:
		h.count(metrics.RouteBoth)
	case hasDMX:
		h.count(metrics.RouteDMX)
	case hasChunk:
		h.count(metrics.RouteChunk)
	default:
		h.count(metrics.RouteNone)
		return false
	}

	if hasDMX {
		reg.fn(pkt, reg.aux)
	}

	if hasChunk {
		creg.fn(pkt, creg.aux)
	}

	return true
}

// Armed reports whether a handler is registered for d.
func (h *Hub) Armed(d wire.DMX) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()

	_, ok := h.dmx[d]

	return ok
}

// ChunkArmed reports whether a handler is registered for hash.
func (h *Hub) ChunkArmed(hash wire.Hash) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()

	_, ok := h.chunks[hash]

	return ok
}

// Size returns the number of DMX and chunk registrations.
func (h *Hub) Size() (dmx, chunks int) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	return len(h.dmx), len(h.chunks)
}

func (h *Hub) count(route string) {
	if h.metrics != nil {
		h.metrics.PacketsReceived.WithLabelValues(route).Inc()
	}
}
