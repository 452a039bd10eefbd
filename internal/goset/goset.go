// Package goset keeps the membership of reconciliation domains in sync with
// peers and drives the pull of missing log entries.
//
// A GOset is a sorted set of feed ids. Once per round it broadcasts a claim
// (range, XOR, count) over its whole set and answers the claims peers sent
// since the last round by narrowing or splitting the disagreeing range until
// single keys can be announced. The XOR of the whole set also keys the want
// and chunk request channels, so peers only exchange log data once their
// memberships agree.
package goset

import (
	"crypto/sha256"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/jannickheisch/tinyISP/internal/dispatch"
	"github.com/jannickheisch/tinyISP/internal/feedlog"
	"github.com/jannickheisch/tinyISP/internal/logger"
	"github.com/jannickheisch/tinyISP/internal/metrics"
	"github.com/jannickheisch/tinyISP/internal/wire"
)

const (
	// RootDomain names the domain holding every known root feed.
	RootDomain = "tinySSB-0.1 GOset 1"

	// MaxKeys is the default capacity of a domain.
	MaxKeys = 100

	// RoundInterval is the default time between rounds.
	RoundInterval = 10 * time.Second

	// MaxPending bounds the queues of peer claims and novelties.
	MaxPending = 20

	// NoveltyPerRound is the novelty credit restored every round.
	NoveltyPerRound = 1

	// AskPerRound is the ask credit of one round.
	AskPerRound = 1

	// HelpPerRound is the help credit of one round.
	HelpPerRound = 2

	// WantCredit is the number of packets a want or chunk request is answered with.
	WantCredit = 3

	// WantBudget is the approximate encoded size of one request vector.
	WantBudget = 100
)

// ErrEpochDecrease is returned by SetEpoch for an epoch below the current one.
var ErrEpochDecrease = errors.New("epoch can not decrease")

// FeedStore is the part of the feed log a domain works against.
type FeedStore interface {
	Exists(fid wire.FeedID) bool
	Create(fid wire.FeedID, kind feedlog.Kind) error
	ArmNext(fid wire.FeedID) (feedlog.State, error)
	PendingChains(fid wire.FeedID) []feedlog.PendingChain
	ReadPacket(fid wire.FeedID, seq uint32) ([]byte, error)
	ReadChunk(fid wire.FeedID, seq uint32, cnr int) ([]byte, error)
	OnRemove(fn func(wire.FeedID))
}

// SendFunc broadcasts one datagram.
type SendFunc func(pkt []byte)

type options struct {
	maxKeys  int
	epoch    uint64
	onAdd    func(wire.FeedID)
	metrics  *metrics.Metrics
	clock    clockwork.Clock
	interval time.Duration
}

// Option configures a GOset or a Manager.
type Option func(*options)

// WithMaxKeys sets the capacity of a domain.
func WithMaxKeys(n int) Option {
	return func(o *options) { o.maxKeys = n }
}

// WithEpoch sets the initial epoch of a domain.
func WithEpoch(e uint64) Option {
	return func(o *options) { o.epoch = e }
}

// WithOnAdd registers a callback for every key added to a domain.
func WithOnAdd(fn func(wire.FeedID)) Option {
	return func(o *options) { o.onAdd = fn }
}

// WithMetrics reports frames and set sizes to m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(o *options) { o.metrics = m }
}

// WithClock sets the clock driving Manager.Run.
func WithClock(c clockwork.Clock) Option {
	return func(o *options) { o.clock = c }
}

// WithInterval sets the round interval of Manager.Run.
func WithInterval(d time.Duration) Option {
	return func(o *options) { o.interval = d }
}

func buildOptions(opts []Option) options {
	o := options{
		maxKeys:  MaxKeys,
		clock:    clockwork.NewRealClock(),
		interval: RoundInterval,
	}

	for _, opt := range opts {
		opt(&o)
	}

	return o
}

// frame is an outbound datagram with its metrics label.
type frame struct {
	kind string
	pkt  []byte
}

// GOset is one reconciliation domain.
type GOset struct {
	name    string
	root    bool
	store   FeedStore
	hub     *dispatch.Hub
	send    SendFunc
	maxKeys int
	onAdd   func(wire.FeedID)
	metrics *metrics.Metrics

	mu            sync.Mutex
	epoch         uint64
	dmx           wire.DMX      // dmx carries claims and novelties
	keys          []wire.FeedID // keys is sorted ascending
	state         wire.FeedID   // state is the XOR of keys as of the last round
	wantDMX       wire.DMX      // wantDMX carries want requests, derived from state
	chunkDMX      wire.DMX      // chunkDMX carries chunk requests, derived from state
	pending       []wire.Claim  // pending holds peer claims awaiting reconciliation
	novelty       []wire.FeedID // novelty holds keys waiting for novelty credit
	noveltyCredit int
	largestSpan   int // largestSpan is the largest count seen in a peer claim
	offset        int // offset rotates the start of the want vector
	closed        bool
}

// New creates a domain and arms its claim, want and chunk channels.
func New(name string, store FeedStore, hub *dispatch.Hub, send SendFunc, opts ...Option) *GOset {
	o := buildOptions(opts)

	g := &GOset{
		name:          name,
		root:          name == RootDomain,
		store:         store,
		hub:           hub,
		send:          send,
		maxKeys:       o.maxKeys,
		onAdd:         o.onAdd,
		metrics:       o.metrics,
		epoch:         o.epoch,
		noveltyCredit: NoveltyPerRound,
	}

	g.mu.Lock()
	g.dmx = DomainDMX(name, g.epoch)
	g.hub.Arm(g.dmx, g.handleFrame, nil)
	g.rearmRequests()
	g.mu.Unlock()

	return g
}

// DomainDMX derives the claim channel of a domain. The epoch is appended in
// decimal for application domains; the root domain ignores it.
func DomainDMX(name string, epoch uint64) wire.DMX {
	buf := []byte(name)
	if name != RootDomain && epoch != 0 {
		buf = strconv.AppendUint(buf, epoch, 10)
	}

	sum := sha256.Sum256(buf)

	var d wire.DMX
	copy(d[:], sum[:])

	return d
}

// WantDMX derives the want request channel for a set fingerprint.
func WantDMX(state wire.FeedID) wire.DMX {
	return wire.ComputeDMX(append([]byte("want"), state[:]...))
}

// ChunkDMX derives the chunk request channel for a set fingerprint.
func ChunkDMX(state wire.FeedID) wire.DMX {
	return wire.ComputeDMX(append([]byte("blob"), state[:]...))
}

// Name returns the domain string.
func (g *GOset) Name() string {
	return g.name
}

// Keys returns a copy of the sorted member list.
func (g *GOset) Keys() []wire.FeedID {
	g.mu.Lock()
	defer g.mu.Unlock()

	return slices.Clone(g.keys)
}

// Len returns the number of members.
func (g *GOset) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()

	return len(g.keys)
}

// Has reports whether key is a member.
func (g *GOset) Has(key wire.FeedID) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	_, ok := indexOf(g.keys, key)

	return ok
}

// State returns the set fingerprint computed by the last round.
func (g *GOset) State() wire.FeedID {
	g.mu.Lock()
	defer g.mu.Unlock()

	return g.state
}

// Epoch returns the current epoch.
func (g *GOset) Epoch() uint64 {
	g.mu.Lock()
	defer g.mu.Unlock()

	return g.epoch
}

// DMX returns the claim channel.
func (g *GOset) DMX() wire.DMX {
	g.mu.Lock()
	defer g.mu.Unlock()

	return g.dmx
}

// PendingClaims returns the number of peer claims awaiting reconciliation.
func (g *GOset) PendingClaims() int {
	g.mu.Lock()
	defer g.mu.Unlock()

	return len(g.pending)
}

// Add includes key in the domain, creating its feed if needed. It reports
// whether the key was added.
func (g *GOset) Add(key wire.FeedID) bool {
	var out []frame

	g.mu.Lock()
	added := !g.closed && g.addKey(key, &out)
	g.mu.Unlock()

	g.flush(out)

	if added {
		g.added(key)
	}

	return added
}

// Remove drops key from the domain. The fingerprint follows at the next round.
func (g *GOset) Remove(key wire.FeedID) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	i, ok := indexOf(g.keys, key)
	if !ok {
		return false
	}

	g.keys = slices.Delete(g.keys, i, i+1)
	g.novelty = slices.DeleteFunc(g.novelty, func(k wire.FeedID) bool { return k == key })
	g.reportSize()

	logger.Debug("goset key removed", "domain", g.label(), "key", key.Short(), "keys", len(g.keys))

	return true
}

// SetEpoch moves the domain to a new claim channel. Epochs never decrease.
func (g *GOset) SetEpoch(epoch uint64) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if epoch < g.epoch {
		return fmt.Errorf("%w: %d < %d", ErrEpochDecrease, epoch, g.epoch)
	}

	g.hub.Arm(g.dmx, nil, nil)
	g.epoch = epoch
	g.dmx = DomainDMX(g.name, epoch)

	if !g.closed {
		g.hub.Arm(g.dmx, g.handleFrame, nil)
	}

	return nil
}

// Close disarms every channel of the domain.
func (g *GOset) Close() {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.closed = true
	g.hub.Arm(g.dmx, nil, nil)
	g.hub.Arm(g.wantDMX, nil, nil)
	g.hub.Arm(g.chunkDMX, nil, nil)
}

// Rx handles a claim or novelty received under the domain's DMX.
// Malformed frames are dropped.
func (g *GOset) Rx(pkt []byte) {
	if len(pkt) <= wire.DMXLen {
		return
	}

	f, err := wire.ParseFrame(pkt[wire.DMXLen:])
	if err != nil {
		logger.Debug("goset frame dropped", "domain", g.label(), "error", err)
		return
	}

	var (
		out   []frame
		added []wire.FeedID
	)

	g.mu.Lock()

	if g.closed || wire.PacketDMX(pkt) != g.dmx {
		g.mu.Unlock()
		return
	}

	switch f := f.(type) {
	case wire.Novelty:
		if g.addKey(f.Key, &out) {
			added = append(added, f.Key)
		}
	case wire.Claim:
		g.largestSpan = max(g.largestSpan, f.Count)

		if f.Count == len(g.keys) && f.XOR == g.state {
			break
		}

		for _, k := range []wire.FeedID{f.Lo, f.Hi} {
			if g.addKey(k, &out) {
				added = append(added, k)
			}
		}

		g.addPending(f)
	}

	g.mu.Unlock()

	g.flush(out)

	for _, k := range added {
		g.added(k)
	}
}

// Round runs one reconciliation round: queued novelties, fingerprint update,
// the full-range claim and the answers to pending peer claims.
func (g *GOset) Round() {
	var out []frame

	g.mu.Lock()

	if g.closed || len(g.keys) == 0 {
		g.mu.Unlock()
		return
	}

	for g.noveltyCredit > 0 && len(g.novelty) > 0 {
		g.noveltyCredit--
		out = append(out, g.noveltyFrame(g.novelty[0]))
		g.novelty = g.novelty[1:]
	}

	g.noveltyCredit = NoveltyPerRound

	full := ClaimRange(g.keys, 0, len(g.keys)-1)
	if full.XOR != g.state {
		g.state = full.XOR
		g.rearmRequests()

		logger.Debug("goset state changed", "domain", g.label(), "keys", len(g.keys), "state", g.state.Short())
	}

	out = append(out, g.claimFrame(full))

	slices.SortStableFunc(g.pending, func(a, b wire.Claim) int { return a.Count - b.Count })

	budget := Budget{Ask: AskPerRound, Help: HelpPerRound}

	var retain []wire.Claim

	for _, c := range g.pending {
		for _, act := range Reconcile(g.keys, c, &budget) {
			switch a := act.(type) {
			case Ask:
				out = append(out, g.claimFrame(a.Claim))
			case Narrow:
				out = append(out, g.claimFrame(a.Claim))
			case Split:
				out = append(out, g.claimFrame(a.Lo), g.claimFrame(a.Hi))
			case Announce:
				out = append(out, g.noveltyFrame(a.Key))
			case Retain:
				retain = append(retain, c)
			}
		}
	}

	for len(retain) >= MaxPending-5 {
		retain = retain[:len(retain)-1]
	}

	g.pending = retain

	g.mu.Unlock()

	g.flush(out)
}

// addKey includes key and queues or sends its novelty. g.mu must be held.
func (g *GOset) addKey(key wire.FeedID, out *[]frame) bool {
	if key.IsZero() || len(g.keys) >= g.maxKeys {
		return false
	}

	i, found := indexOf(g.keys, key)
	if found {
		return false
	}

	if !g.store.Exists(key) {
		kind := feedlog.KindVirtual
		if g.root {
			kind = feedlog.KindRoot
		}

		if err := g.store.Create(key, kind); err != nil {
			logger.Error("create feed for member", "domain", g.label(), "key", key.Short(), "error", err)
			return false
		}
	}

	g.keys = slices.Insert(g.keys, i, key)
	g.reportSize()

	if len(g.keys) >= g.largestSpan {
		switch {
		case g.noveltyCredit > 0:
			g.noveltyCredit--
			*out = append(*out, g.noveltyFrame(key))
		case len(g.novelty) < MaxPending:
			g.novelty = append(g.novelty, key)
		}
	}

	logger.Debug("goset key added", "domain", g.label(), "key", key.Short(), "keys", len(g.keys))

	return true
}

// addPending queues a claim unless one with the same count and XOR is queued.
func (g *GOset) addPending(c wire.Claim) {
	for _, p := range g.pending {
		if p.Count == c.Count && p.XOR == c.XOR {
			return
		}
	}

	g.pending = append(g.pending, c)
}

// rearmRequests moves the want and chunk responders to the channels of the
// current fingerprint. g.mu must be held.
func (g *GOset) rearmRequests() {
	g.hub.Arm(g.wantDMX, nil, nil)
	g.hub.Arm(g.chunkDMX, nil, nil)

	g.wantDMX = WantDMX(g.state)
	g.chunkDMX = ChunkDMX(g.state)

	g.hub.Arm(g.wantDMX, g.handleWant, nil)
	g.hub.Arm(g.chunkDMX, g.handleChunkRequest, nil)
}

func (g *GOset) handleFrame(pkt []byte, _ any) {
	g.Rx(pkt)
}

func (g *GOset) claimFrame(c wire.Claim) frame {
	return frame{kind: "claim", pkt: wire.WithDMX(g.dmx, c.Bytes())}
}

func (g *GOset) noveltyFrame(key wire.FeedID) frame {
	return frame{kind: "novelty", pkt: wire.WithDMX(g.dmx, wire.Novelty{Key: key}.Bytes())}
}

// flush broadcasts frames collected under the lock.
func (g *GOset) flush(out []frame) {
	for _, f := range out {
		if g.metrics != nil {
			g.metrics.FramesSent.WithLabelValues(f.kind).Inc()
		}

		g.send(f.pkt)
	}
}

func (g *GOset) added(key wire.FeedID) {
	if g.onAdd != nil {
		g.onAdd(key)
	}
}

func (g *GOset) reportSize() {
	if g.metrics != nil {
		g.metrics.GOsetKeys.WithLabelValues(g.label()).Set(float64(len(g.keys)))
	}
}

// label is the short domain name used in logs and metrics.
func (g *GOset) label() string {
	if g.root {
		return "root"
	}

	return g.name
}
