// Package node assembles a replicating tinySSB node: the dispatch hub, the
// feed log, the GOset domains, the signing keys and the transport faces.
package node

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"time"

	"github.com/gofrs/flock"
	"github.com/jonboulle/clockwork"
	"github.com/spf13/afero"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"github.com/jannickheisch/tinyISP/internal/dispatch"
	"github.com/jannickheisch/tinyISP/internal/feedlog"
	"github.com/jannickheisch/tinyISP/internal/goset"
	"github.com/jannickheisch/tinyISP/internal/keystore"
	"github.com/jannickheisch/tinyISP/internal/logger"
	"github.com/jannickheisch/tinyISP/internal/metrics"
	"github.com/jannickheisch/tinyISP/internal/network"
	"github.com/jannickheisch/tinyISP/internal/wire"
)

const (
	// lockFile guards the data directory against a second process.
	lockFile = "node.lock"

	// keysDir holds the Pebble keystore.
	keysDir = "keys"

	// defaultName labels the root key created on first start.
	defaultName = "me"
)

// ErrLocked is returned by New when another process uses the data directory.
var ErrLocked = errors.New("data directory in use")

// Config holds the configuration for a Node.
type Config struct {
	DataDir string             // DataDir holds the lock, the keystore and the feeds
	Name    string             // Name labels the root key created on first start
	RootKey ed25519.PrivateKey // RootKey is imported on first start instead of generating one

	Multicast bool   // Multicast enables the UDP multicast face
	Group     string // Group is the multicast address
	Interface string // Interface selects the multicast interface

	QUICAddr string   // QUICAddr enables the QUIC face when not empty
	Peers    []string // Peers are QUIC addresses to keep connected

	Faces []network.Face // Faces are added to the configured ones

	RoundInterval time.Duration   // RoundInterval is the GOset round period
	MaxKeys       int             // MaxKeys caps the members of each domain
	DedupTTL      time.Duration   // DedupTTL is the duplicate filter window
	Clock         clockwork.Clock // Clock drives rounds and the duplicate filter
	Metrics       *metrics.Metrics
}

// Subscription identifies a callback registered with Subscribe.
type Subscription uint64

type subscriber struct {
	fid wire.FeedID
	fn  func(feedlog.Entry)
}

// Node is a running replication node.
type Node struct {
	root wire.FeedID // root is the node's own feed

	lock    *flock.Flock
	keys    *keystore.Keystore
	hub     *dispatch.Hub
	store   *feedlog.Store
	mux     *network.Mux
	domains *goset.Manager
	metrics *metrics.Metrics
	quic    *network.QUICFace

	mu        sync.RWMutex
	subs      map[Subscription]subscriber
	nextSub   Subscription
	listeners []func(feedlog.Entry)

	closeOnce sync.Once
	closeErr  error
}

// New opens the data directory and assembles the node. The root key is
// generated on first start; every stored root feed rejoins the root domain.
func New(cfg Config) (_ *Node, err error) {
	if cfg.DataDir == "" {
		return nil, fmt.Errorf("data directory is required")
	}

	if cfg.Name == "" {
		cfg.Name = defaultName
	}

	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}

	if cfg.Metrics == nil {
		cfg.Metrics = metrics.New()
	}

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir:\n%w", err)
	}

	n := &Node{
		metrics: cfg.Metrics,
		subs:    make(map[Subscription]subscriber),
	}

	// release whatever was opened if a later step fails
	defer func() {
		if err != nil {
			n.Close()
		}
	}()

	if err := n.initLock(cfg.DataDir); err != nil {
		return nil, err
	}

	if err := n.initKeys(cfg); err != nil {
		return nil, err
	}

	if err := n.initStorage(cfg); err != nil {
		return nil, err
	}

	if err := n.initNetwork(cfg); err != nil {
		return nil, err
	}

	n.initDomains(cfg)

	logger.Info("node ready",
		logger.Hex("root", n.root[:]),
		"feeds", len(n.store.Feeds()),
		"faces", n.mux.Faces(),
	)

	return n, nil
}

// initLock takes the data directory lock.
func (n *Node) initLock(dir string) error {
	fl := flock.New(filepath.Join(dir, lockFile))

	locked, err := fl.TryLock()
	if err != nil {
		return fmt.Errorf("flock %s:\n%w", fl.Path(), err)
	}

	if !locked {
		return fmt.Errorf("%w: %s", ErrLocked, fl.Path())
	}

	n.lock = fl

	return nil
}

// initKeys opens the keystore and makes sure a root key exists.
func (n *Node) initKeys(cfg Config) error {
	ks, err := keystore.Open(filepath.Join(cfg.DataDir, keysDir))
	if err != nil {
		return err
	}

	n.keys = ks

	root, err := ks.Root()
	if errors.Is(err, keystore.ErrNoRoot) {
		root, err = createRoot(ks, cfg)
	}

	if err != nil {
		return fmt.Errorf("load root key:\n%w", err)
	}

	if cfg.RootKey != nil && !bytes.Equal(cfg.RootKey.Public().(ed25519.PublicKey), root[:]) {
		logger.Warn("ignoring configured key, data dir has another root", logger.Hex("root", root[:]))
	}

	n.root = root

	return nil
}

// createRoot stores the configured key, or a fresh one, as root key.
func createRoot(ks *keystore.Keystore, cfg Config) (wire.FeedID, error) {
	var (
		root wire.FeedID
		err  error
	)

	if cfg.RootKey != nil {
		root, err = ks.Add(cfg.RootKey, cfg.Name)
	} else {
		root, err = ks.Generate(cfg.Name)
	}

	if err != nil {
		return wire.FeedID{}, err
	}

	if err := ks.SetRoot(root); err != nil {
		return wire.FeedID{}, err
	}

	logger.Info("created root key", logger.Hex("root", root[:]), "name", cfg.Name, "imported", cfg.RootKey != nil)

	return root, nil
}

// initStorage opens the feed log and restores its feeds.
func (n *Node) initStorage(cfg Config) error {
	n.hub = dispatch.New(n.metrics)

	store, err := feedlog.New(afero.NewOsFs(), cfg.DataDir, n.keys, n.hub, feedlog.WithMetrics(n.metrics))
	if err != nil {
		return err
	}

	loaded, err := store.Load()
	if err != nil {
		return fmt.Errorf("load feeds:\n%w", err)
	}

	logger.Info("feeds loaded", "count", loaded)

	store.OnEntry(n.deliver)
	n.store = store

	return nil
}

// initNetwork creates the configured faces and the mux over them.
func (n *Node) initNetwork(cfg Config) error {
	faces := append([]network.Face(nil), cfg.Faces...)

	if cfg.Multicast {
		udp, err := network.NewUDPFace(network.UDPConfig{Group: cfg.Group, Interface: cfg.Interface})
		if err != nil {
			return err
		}

		faces = append(faces, udp)
	}

	if cfg.QUICAddr != "" {
		priv, err := n.keys.PrivateKey(n.root)
		if err != nil {
			return err
		}

		q, err := network.NewQUICFace(network.QUICConfig{
			PrivateKey: priv,
			ListenAddr: cfg.QUICAddr,
			Peers:      cfg.Peers,
			Clock:      cfg.Clock,
		})
		if err != nil {
			for _, f := range faces {
				f.Close()
			}

			return err
		}

		n.quic = q
		faces = append(faces, q)
	}

	dedup := network.NewDedup(cfg.DedupTTL, cfg.Clock)
	n.mux = network.NewMux(n.hub, dedup, n.metrics, faces...)

	return nil
}

// initDomains creates the root domain and seeds it with the own feed and
// every stored root feed.
func (n *Node) initDomains(cfg Config) {
	opts := []goset.Option{goset.WithClock(cfg.Clock), goset.WithMetrics(n.metrics)}

	if cfg.RoundInterval > 0 {
		opts = append(opts, goset.WithInterval(cfg.RoundInterval))
	}

	if cfg.MaxKeys > 0 {
		opts = append(opts, goset.WithMaxKeys(cfg.MaxKeys))
	}

	n.domains = goset.NewManager(n.store, n.hub, n.mux.Send, opts...)

	root := n.domains.Root()
	root.Add(n.root)

	for _, fid := range n.store.Feeds() {
		if st, ok := n.store.State(fid); ok && st.Kind == feedlog.KindRoot {
			root.Add(fid)
		}
	}
}

// Root returns the node's own feed id.
func (n *Node) Root() wire.FeedID {
	return n.root
}

// Metrics returns the node's collectors.
func (n *Node) Metrics() *metrics.Metrics {
	return n.metrics
}

// Domains returns the GOset manager.
func (n *Node) Domains() *goset.Manager {
	return n.domains
}

// Run runs the transport and the round loop until ctx is done or one of
// them fails.
func (n *Node) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error { return n.mux.Run(ctx) })
	g.Go(func() error { return n.domains.Run(ctx) })

	return g.Wait()
}

// Tick runs one round and one pull of every domain without waiting for the
// round timer.
func (n *Node) Tick() {
	n.domains.Tick()
}

// Publish appends content to the own feed.
func (n *Node) Publish(content []byte) (*feedlog.Entry, error) {
	e, err := n.store.Publish(n.root, content, n.keys.Signer(n.root))
	if err != nil {
		return nil, err
	}

	logger.Debug("published", "seq", e.Seq, "bytes", len(content))

	return e, nil
}

// Follow makes fid a member of the root domain so that it replicates.
func (n *Node) Follow(fid wire.FeedID) bool {
	return n.domains.Root().Add(fid)
}

// Unfollow deletes a followed feed and its stored entries. The own feed
// cannot be removed.
func (n *Node) Unfollow(fid wire.FeedID) error {
	if fid == n.root {
		return fmt.Errorf("cannot remove the own feed")
	}

	return n.store.Remove(fid)
}

// JoinDomain creates an application domain. onAdd, if not nil, is called
// with every member the domain learns, local or announced by a peer.
func (n *Node) JoinDomain(name string, epoch uint64, onAdd func(wire.FeedID)) (*goset.GOset, error) {
	return n.domains.Add(name, epoch, onAdd)
}

// LeaveDomain closes an application domain. Its feeds stay stored.
func (n *Node) LeaveDomain(name string) bool {
	return n.domains.Remove(name)
}

// OnEntry registers fn for every entry that becomes complete, local or
// replicated.
func (n *Node) OnEntry(fn func(feedlog.Entry)) {
	n.mu.Lock()
	n.listeners = append(n.listeners, fn)
	n.mu.Unlock()
}

// Subscribe follows fid and calls fn for each of its entries that completes
// from now on.
func (n *Node) Subscribe(fid wire.FeedID, fn func(feedlog.Entry)) Subscription {
	n.mu.Lock()
	n.nextSub++
	id := n.nextSub
	n.subs[id] = subscriber{fid: fid, fn: fn}
	n.mu.Unlock()

	n.Follow(fid)

	return id
}

// Unsubscribe removes a subscription. The feed stays followed.
func (n *Node) Unsubscribe(id Subscription) bool {
	n.mu.Lock()
	defer n.mu.Unlock()

	if _, ok := n.subs[id]; !ok {
		return false
	}

	delete(n.subs, id)

	return true
}

// Entry returns the entry at seq of fid.
func (n *Node) Entry(fid wire.FeedID, seq uint32) (feedlog.Entry, error) {
	mid, err := n.store.ReadMID(fid, seq)
	if err != nil {
		return feedlog.Entry{}, err
	}

	body, err := n.store.ReadContent(fid, seq)
	if err != nil {
		return feedlog.Entry{}, err
	}

	return feedlog.Entry{FID: fid, Seq: seq, MID: mid, Body: body}, nil
}

// Entries returns the complete entries of fid in log order. Entries whose
// side chain is still incomplete are left out.
func (n *Node) Entries(fid wire.FeedID) ([]feedlog.Entry, error) {
	if !n.store.Exists(fid) {
		return nil, fmt.Errorf("%w: %s", feedlog.ErrUnknownFeed, fid.Short())
	}

	count := n.store.Len(fid)
	out := make([]feedlog.Entry, 0, count)

	for seq := uint32(1); seq <= uint32(count); seq++ {
		e, err := n.Entry(fid, seq)
		if errors.Is(err, feedlog.ErrNoChunk) {
			continue
		}

		if err != nil {
			return nil, err
		}

		out = append(out, e)
	}

	return out, nil
}

// Close stops the transport and releases the data directory.
func (n *Node) Close() error {
	n.closeOnce.Do(func() {
		var errs error

		if n.mux != nil {
			errs = multierr.Append(errs, n.mux.Close())
		}

		if n.domains != nil {
			for _, g := range n.domains.Domains() {
				g.Close()
			}
		}

		if n.keys != nil {
			errs = multierr.Append(errs, n.keys.Close())
		}

		if n.lock != nil {
			errs = multierr.Append(errs, n.lock.Unlock())
		}

		n.closeErr = errs
	})

	return n.closeErr
}

// deliver fans a completed entry out to listeners and subscribers.
func (n *Node) deliver(e feedlog.Entry) {
	n.mu.RLock()
	fns := slices.Clone(n.listeners)
	for _, s := range n.subs {
		if s.fid == e.FID {
			fns = append(fns, s.fn)
		}
	}
	n.mu.RUnlock()

	for _, fn := range fns {
		fn(e)
	}
}
