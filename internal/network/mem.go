package network

import (
	"context"
	"sync"
)

// MemFace is an in-memory face. Faces created by the same MemHub hear each
// other's datagrams but never their own.
type MemFace struct {
	name string
	hub  *MemHub
	in   chan []byte

	once sync.Once
	done chan struct{}
}

// MemHub connects MemFaces like a shared broadcast medium.
type MemHub struct {
	mu    sync.RWMutex
	faces []*MemFace
	drop  func(pkt []byte) bool
}

// NewMemHub creates an empty medium.
func NewMemHub() *MemHub {
	return &MemHub{}
}

// SetDrop installs a loss function: datagrams for which drop returns true are
// discarded.
func (h *MemHub) SetDrop(drop func(pkt []byte) bool) {
	h.mu.Lock()
	h.drop = drop
	h.mu.Unlock()
}

// Face attaches a new face to the medium.
func (h *MemHub) Face(name string) *MemFace {
	f := &MemFace{
		name: name,
		hub:  h,
		in:   make(chan []byte, 4096),
		done: make(chan struct{}),
	}

	h.mu.Lock()
	h.faces = append(h.faces, f)
	h.mu.Unlock()

	return f
}

func (h *MemHub) deliver(from *MemFace, pkt []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if h.drop != nil && h.drop(pkt) {
		return
	}

	for _, f := range h.faces {
		if f == from {
			continue
		}

		select {
		case <-f.done:
		case f.in <- append([]byte(nil), pkt...):
		default:
			// full queue behaves like a lost datagram
		}
	}
}

// Name returns the face name.
func (f *MemFace) Name() string {
	return f.name
}

// Send broadcasts pkt to the other faces of the medium.
func (f *MemFace) Send(pkt []byte) error {
	select {
	case <-f.done:
		return ErrFaceClosed
	default:
	}

	f.hub.deliver(f, pkt)

	return nil
}

// Run delivers queued datagrams until ctx is done or the face is closed.
func (f *MemFace) Run(ctx context.Context, rx func(pkt []byte)) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-f.done:
			return nil
		case pkt := <-f.in:
			rx(pkt)
		}
	}
}

// Close detaches the face.
func (f *MemFace) Close() error {
	f.once.Do(func() { close(f.done) })
	return nil
}
