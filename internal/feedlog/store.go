// Package feedlog is the append-only store of every known feed.
//
// Each feed lives in its own directory under <dir>/feeds/<hex fid>/:
//
//	log        concatenated 120-byte packets
//	mid        concatenated 20-byte message hashes, one per packet
//	<kind>     empty marker naming the feed kind
//	!<seq>     chunks of a side chain still being received
//	-<seq>     chunks of a complete side chain
//
// The store arms the dispatch hub for the next packet of every feed and for
// the next chunk of every incomplete side chain, so inbound packets reach
// Append and AppendChunk without further routing.
package feedlog

import (
	"crypto/ed25519"
	"errors"
	"fmt"
	"path/filepath"
	"slices"
	"sync"

	"github.com/spf13/afero"

	"github.com/jannickheisch/tinyISP/internal/dispatch"
	"github.com/jannickheisch/tinyISP/internal/logger"
	"github.com/jannickheisch/tinyISP/internal/metrics"
	"github.com/jannickheisch/tinyISP/internal/wire"
)

var (
	// ErrUnknownFeed is returned for operations on a feed that was never created.
	ErrUnknownFeed = errors.New("unknown feed")

	// ErrDMXMismatch is returned when a packet does not belong to the next log position.
	ErrDMXMismatch = errors.New("dmx mismatch")

	// ErrSignatureInvalid is returned when a packet's signature does not verify.
	ErrSignatureInvalid = errors.New("signature invalid")

	// ErrStorageIO wraps filesystem failures.
	ErrStorageIO = errors.New("storage io")

	// ErrNoPendingChain is returned for chunks of a sequence without an open side chain.
	ErrNoPendingChain = errors.New("no pending side chain")

	// ErrUnexpectedChunk is returned for a chunk that is not the next one of its chain.
	ErrUnexpectedChunk = errors.New("unexpected chunk")

	// ErrInvalidSeq is returned for sequence numbers outside the stored log.
	ErrInvalidSeq = errors.New("invalid sequence number")

	// ErrNoChunk is returned when side-chain content is not (yet) available.
	ErrNoChunk = errors.New("chunk not available")
)

// Kind tags a feed with the layer that manages it. The value doubles as the
// name of the marker file in the feed directory.
type Kind string

const (
	// KindRoot marks feeds of the root membership domain.
	KindRoot Kind = "root_feed"

	// KindVirtual marks feeds managed by an application domain.
	KindVirtual Kind = "isp_virtual_feed"
)

// Entry is a logical log entry: the full content of one appended packet.
type Entry struct {
	FID  wire.FeedID // FID is the author
	Seq  uint32      // Seq is the 1-based log position
	MID  wire.Hash   // MID is the message hash, the chain anchor of Seq+1
	Body []byte      // Body is the reassembled content
}

// State is the replication state of a feed.
type State struct {
	Kind    Kind
	NextSeq uint32    // NextSeq is the position the next packet must fill
	Prev    wire.Hash // Prev is the chain anchor the next packet must carry
}

// PendingChain describes a side chain still being received.
type PendingChain struct {
	Seq       uint32    // Seq is the log position of the head packet
	NextChunk int       // NextChunk is the 0-based index of the next chunk
	Hash      wire.Hash // Hash is the content hash of the next chunk
}

// Verifier checks a signature made by the owner of a feed.
type Verifier interface {
	Verify(fid wire.FeedID, sig, msg []byte) bool
}

// VerifierFunc adapts a function to the Verifier interface.
type VerifierFunc func(fid wire.FeedID, sig, msg []byte) bool

// Verify calls f.
func (f VerifierFunc) Verify(fid wire.FeedID, sig, msg []byte) bool {
	return f(fid, sig, msg)
}

// Ed25519 verifies with the feed id as Ed25519 public key.
var Ed25519 Verifier = VerifierFunc(func(fid wire.FeedID, sig, msg []byte) bool {
	return ed25519.Verify(fid[:], msg, sig)
})

// feed holds the in-memory state of one feed. mu serialises every mutation.
type feed struct {
	mu      sync.Mutex
	fid     wire.FeedID
	kind    Kind
	nextSeq uint32
	prev    wire.Hash
	pending map[uint32]*chain // pending maps head sequence numbers to open side chains
	removed bool
}

// chain tracks the reception of one side chain.
type chain struct {
	next     wire.Hash // next is the content hash of the expected chunk
	received int       // received counts stored chunks
	total    int       // total is the chunk count declared by the head packet
}

type chunkRef struct {
	fid wire.FeedID
	seq uint32
}

// Option configures a Store.
type Option func(*Store)

// WithMetrics reports appends and entries to m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Store) { s.metrics = m }
}

// Store manages all feeds below one directory.
type Store struct {
	fs       afero.Fs      // fs holds the feed directories
	dir      string        // dir is the feeds root, <data>/feeds
	verifier Verifier      // verifier checks packet signatures
	hub      *dispatch.Hub // hub is armed for expected packets and chunks
	metrics  *metrics.Metrics

	mu    sync.RWMutex
	feeds map[wire.FeedID]*feed

	lmu       sync.RWMutex
	onEntry   []func(Entry)
	onRemoved []func(wire.FeedID)
}

// New creates a store rooted at <dir>/feeds on fs. Call Load to pick up feeds
// persisted by an earlier run.
func New(fs afero.Fs, dir string, v Verifier, hub *dispatch.Hub, opts ...Option) (*Store, error) {
	s := &Store{
		fs:       fs,
		dir:      filepath.Join(dir, "feeds"),
		verifier: v,
		hub:      hub,
		feeds:    make(map[wire.FeedID]*feed),
	}

	for _, opt := range opts {
		opt(s)
	}

	if err := fs.MkdirAll(s.dir, 0o755); err != nil {
		return nil, fmt.Errorf("%w: create feeds dir: %w", ErrStorageIO, err)
	}

	return s, nil
}

// OnEntry registers fn to receive every logical entry once it is complete.
func (s *Store) OnEntry(fn func(Entry)) {
	s.lmu.Lock()
	defer s.lmu.Unlock()

	s.onEntry = append(s.onEntry, fn)
}

// OnRemove registers fn to be told about removed feeds.
func (s *Store) OnRemove(fn func(wire.FeedID)) {
	s.lmu.Lock()
	defer s.lmu.Unlock()

	s.onRemoved = append(s.onRemoved, fn)
}

// Exists reports whether fid is known to the store.
func (s *Store) Exists(fid wire.FeedID) bool {
	_, ok := s.lookup(fid)
	return ok
}

// Create registers a new empty feed and arms the DMX of its first packet.
// Creating a known feed is a no-op.
func (s *Store) Create(fid wire.FeedID, kind Kind) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.feeds[fid]; ok {
		return nil
	}

	dir := s.feedDir(fid)
	if err := s.fs.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("%w: create feed dir: %w", ErrStorageIO, err)
	}

	for _, name := range []string{string(kind), logFile, midFile} {
		if err := touch(s.fs, filepath.Join(dir, name)); err != nil {
			return fmt.Errorf("%w: %w", ErrStorageIO, err)
		}
	}

	f := &feed{
		fid:     fid,
		kind:    kind,
		nextSeq: 1,
		prev:    fid.Anchor(),
		pending: make(map[uint32]*chain),
	}
	s.feeds[fid] = f

	s.armNext(f)

	logger.Debug("feed created", "fid", fid.Short(), "kind", kind)

	return nil
}

// Remove forgets a feed, disarms its handlers and deletes its directory.
// Removal listeners run after the directory is gone.
func (s *Store) Remove(fid wire.FeedID) error {
	s.mu.Lock()
	f, ok := s.feeds[fid]
	delete(s.feeds, fid)
	s.mu.Unlock()

	if !ok {
		return ErrUnknownFeed
	}

	f.mu.Lock()
	f.removed = true
	s.hub.Arm(wire.FeedDMX(fid, f.nextSeq, f.prev), nil, nil)

	for _, c := range f.pending {
		s.hub.ArmChunk(c.next, nil, nil)
	}

	err := s.fs.RemoveAll(s.feedDir(fid))
	f.mu.Unlock()

	if err != nil {
		return fmt.Errorf("%w: remove feed dir: %w", ErrStorageIO, err)
	}

	s.lmu.RLock()
	listeners := slices.Clone(s.onRemoved)
	s.lmu.RUnlock()

	for _, fn := range listeners {
		fn(fid)
	}

	logger.Info("feed removed", "fid", fid.Short())

	return nil
}

// Feeds returns the ids of all known feeds in ascending order.
func (s *Store) Feeds() []wire.FeedID {
	s.mu.RLock()
	ids := make([]wire.FeedID, 0, len(s.feeds))

	for fid := range s.feeds {
		ids = append(ids, fid)
	}
	s.mu.RUnlock()

	slices.SortFunc(ids, wire.FeedID.Compare)

	return ids
}

// State returns the replication state of fid.
func (s *Store) State(fid wire.FeedID) (State, bool) {
	f, ok := s.lookup(fid)
	if !ok {
		return State{}, false
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	return State{Kind: f.kind, NextSeq: f.nextSeq, Prev: f.prev}, true
}

// Len returns the number of packets stored for fid, zero for unknown feeds.
func (s *Store) Len(fid wire.FeedID) int {
	st, ok := s.State(fid)
	if !ok {
		return 0
	}

	return int(st.NextSeq - 1)
}

// ArmNext (re)arms the DMX of the next expected packet of fid and returns the
// feed state the DMX was derived from.
func (s *Store) ArmNext(fid wire.FeedID) (State, error) {
	f, ok := s.lookup(fid)
	if !ok {
		return State{}, ErrUnknownFeed
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if f.removed {
		return State{}, ErrUnknownFeed
	}

	s.armNext(f)

	return State{Kind: f.kind, NextSeq: f.nextSeq, Prev: f.prev}, nil
}

// PendingChains (re)arms the next chunk hash of every incomplete side chain
// of fid and returns them ordered by sequence number.
func (s *Store) PendingChains(fid wire.FeedID) []PendingChain {
	f, ok := s.lookup(fid)
	if !ok {
		return nil
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	out := make([]PendingChain, 0, len(f.pending))

	for seq, c := range f.pending {
		s.armChunk(fid, seq, c.next)
		out = append(out, PendingChain{Seq: seq, NextChunk: c.received, Hash: c.next})
	}

	slices.SortFunc(out, func(a, b PendingChain) int { return int(a.Seq) - int(b.Seq) })

	return out
}

func (s *Store) lookup(fid wire.FeedID) (*feed, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	f, ok := s.feeds[fid]

	return f, ok
}

func (s *Store) feedDir(fid wire.FeedID) string {
	return filepath.Join(s.dir, fid.String())
}

// armNext installs the append handler for the next packet of f. f.mu must be held.
func (s *Store) armNext(f *feed) {
	s.hub.Arm(wire.FeedDMX(f.fid, f.nextSeq, f.prev), s.handlePacket, f.fid)
}

func (s *Store) armChunk(fid wire.FeedID, seq uint32, hash wire.Hash) {
	s.hub.ArmChunk(hash, s.handleChunk, chunkRef{fid: fid, seq: seq})
}

// handlePacket is the hub callback for expected log packets.
func (s *Store) handlePacket(pkt []byte, aux any) {
	fid, ok := aux.(wire.FeedID)
	if !ok {
		return
	}

	if _, err := s.Append(fid, pkt); err != nil {
		logAppendError("packet dropped", fid, err)
	}
}

// handleChunk is the hub callback for expected side-chain chunks.
func (s *Store) handleChunk(chunk []byte, aux any) {
	ref, ok := aux.(chunkRef)
	if !ok {
		return
	}

	if _, err := s.AppendChunk(ref.fid, ref.seq, chunk); err != nil {
		logAppendError("chunk dropped", ref.fid, err)
	}
}

func logAppendError(msg string, fid wire.FeedID, err error) {
	switch {
	case errors.Is(err, ErrSignatureInvalid):
		logger.Warn(msg, "fid", fid.Short(), "error", err)
	case errors.Is(err, ErrStorageIO):
		logger.Error(msg, "fid", fid.Short(), "error", err)
	default:
		logger.Debug(msg, "fid", fid.Short(), "error", err)
	}
}

func (s *Store) emit(e *Entry) {
	if e == nil {
		return
	}

	if s.metrics != nil {
		s.metrics.Entries.Inc()
	}

	s.lmu.RLock()
	listeners := slices.Clone(s.onEntry)
	s.lmu.RUnlock()

	for _, fn := range listeners {
		fn(*e)
	}
}

func (s *Store) countAppend(kind string, err error) {
	if s.metrics == nil {
		return
	}

	result := "ok"

	switch {
	case err == nil:
	case errors.Is(err, ErrDMXMismatch):
		result = "dmx_mismatch"
	case errors.Is(err, ErrSignatureInvalid):
		result = "bad_signature"
	case errors.Is(err, ErrStorageIO):
		result = "io_error"
	default:
		result = "rejected"
	}

	s.metrics.Appends.WithLabelValues(kind, result).Inc()
}
