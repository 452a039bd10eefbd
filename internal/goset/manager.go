package goset

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/jannickheisch/tinyISP/internal/dispatch"
	"github.com/jannickheisch/tinyISP/internal/logger"
	"github.com/jannickheisch/tinyISP/internal/wire"
)

// Manager owns the root domain and any number of application domains and
// runs their rounds.
type Manager struct {
	store FeedStore
	hub   *dispatch.Hub
	send  SendFunc
	opts  []Option // opts are applied to every domain before per-domain options

	clock    clockwork.Clock
	interval time.Duration

	mu    sync.RWMutex
	root  *GOset
	order []*GOset // order lists domains by creation, root first
}

// NewManager creates the root domain and subscribes to feed removals so that
// removed feeds leave every domain.
func NewManager(store FeedStore, hub *dispatch.Hub, send SendFunc, opts ...Option) *Manager {
	o := buildOptions(opts)

	m := &Manager{
		store:    store,
		hub:      hub,
		send:     send,
		opts:     opts,
		clock:    o.clock,
		interval: o.interval,
	}

	m.root = New(RootDomain, store, hub, send, opts...)
	m.order = []*GOset{m.root}

	store.OnRemove(m.forget)

	return m
}

// Root returns the root domain.
func (m *Manager) Root() *GOset {
	return m.root
}

// Add creates an application domain. onAdd, if not nil, is called for every
// key the domain learns.
func (m *Manager) Add(name string, epoch uint64, onAdd func(wire.FeedID)) (*GOset, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, g := range m.order {
		if g.Name() == name {
			return nil, fmt.Errorf("domain %q already exists", name)
		}
	}

	opts := append(append([]Option(nil), m.opts...), WithEpoch(epoch), WithOnAdd(onAdd))
	g := New(name, m.store, m.hub, m.send, opts...)
	m.order = append(m.order, g)

	logger.Info("goset domain added", "domain", name, "epoch", epoch)

	return g, nil
}

// Get returns the domain called name.
func (m *Manager) Get(name string) (*GOset, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, g := range m.order {
		if g.Name() == name {
			return g, true
		}
	}

	return nil, false
}

// Remove closes and forgets an application domain. The root domain stays.
func (m *Manager) Remove(name string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	for i, g := range m.order {
		if i == 0 || g.Name() != name {
			continue
		}

		g.Close()
		m.order = append(m.order[:i:i], m.order[i+1:]...)

		logger.Info("goset domain removed", "domain", name)

		return true
	}

	return false
}

// Domains returns all domains, root first.
func (m *Manager) Domains() []*GOset {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return append([]*GOset(nil), m.order...)
}

// Tick runs one round and one pull for every domain.
func (m *Manager) Tick() {
	for _, g := range m.Domains() {
		g.Round()
		g.Pull()
	}
}

// Run ticks every interval until ctx is done.
func (m *Manager) Run(ctx context.Context) error {
	ticker := m.clock.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.Chan():
			m.Tick()
		}
	}
}

// forget drops a removed feed from every domain.
func (m *Manager) forget(fid wire.FeedID) {
	for _, g := range m.Domains() {
		g.Remove(fid)
	}
}
