package feedlog

import (
	"fmt"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/spf13/afero"

	"github.com/jannickheisch/tinyISP/internal/logger"
	"github.com/jannickheisch/tinyISP/internal/wire"
)

// ReadPacket returns the stored packet at seq.
func (s *Store) ReadPacket(fid wire.FeedID, seq uint32) ([]byte, error) {
	f, err := s.lockStored(fid, seq)
	if err != nil {
		return nil, err
	}
	defer f.mu.Unlock()

	return s.readPacket(fid, seq)
}

// ReadMID returns the message hash of the packet at seq.
func (s *Store) ReadMID(fid wire.FeedID, seq uint32) (wire.Hash, error) {
	f, err := s.lockStored(fid, seq)
	if err != nil {
		return wire.Hash{}, err
	}
	defer f.mu.Unlock()

	return s.readMID(fid, seq)
}

// ReadChunk returns chunk cnr (0-based) of the complete side chain of seq.
func (s *Store) ReadChunk(fid wire.FeedID, seq uint32, cnr int) ([]byte, error) {
	f, err := s.lockStored(fid, seq)
	if err != nil {
		return nil, err
	}
	defer f.mu.Unlock()

	if cnr < 0 {
		return nil, ErrNoChunk
	}

	chunk, err := readAt(s.fs, s.chainPath(fid, seq, true), int64(cnr)*wire.PacketLen, wire.PacketLen)
	if err != nil {
		return nil, fmt.Errorf("%w: %s.%d chunk %d", ErrNoChunk, fid.Short(), seq, cnr)
	}

	return chunk, nil
}

// ReadContent returns the full content of the entry at seq. Entries whose
// side chain is incomplete yield ErrNoChunk.
func (s *Store) ReadContent(fid wire.FeedID, seq uint32) ([]byte, error) {
	f, err := s.lockStored(fid, seq)
	if err != nil {
		return nil, err
	}
	defer f.mu.Unlock()

	pkt, err := s.readPacket(fid, seq)
	if err != nil {
		return nil, err
	}

	p, err := wire.ParsePacket(pkt)
	if err != nil {
		return nil, err
	}

	return s.readContent(fid, p, seq)
}

// lockStored returns the locked feed if seq lies inside its stored log.
func (s *Store) lockStored(fid wire.FeedID, seq uint32) (*feed, error) {
	f, ok := s.lookup(fid)
	if !ok {
		return nil, ErrUnknownFeed
	}

	f.mu.Lock()

	if f.removed {
		f.mu.Unlock()
		return nil, ErrUnknownFeed
	}

	if seq < 1 || seq >= f.nextSeq {
		f.mu.Unlock()
		return nil, fmt.Errorf("%w: %d not in 1..%d", ErrInvalidSeq, seq, f.nextSeq-1)
	}

	return f, nil
}

func (s *Store) readPacket(fid wire.FeedID, seq uint32) ([]byte, error) {
	pkt, err := readAt(s.fs, filepath.Join(s.feedDir(fid), logFile), int64(seq-1)*wire.PacketLen, wire.PacketLen)
	if err != nil {
		return nil, fmt.Errorf("%w: read packet %s.%d: %w", ErrStorageIO, fid.Short(), seq, err)
	}

	return pkt, nil
}

func (s *Store) readMID(fid wire.FeedID, seq uint32) (wire.Hash, error) {
	b, err := readAt(s.fs, filepath.Join(s.feedDir(fid), midFile), int64(seq-1)*wire.HashLen, wire.HashLen)
	if err != nil {
		return wire.Hash{}, fmt.Errorf("%w: read mid %s.%d: %w", ErrStorageIO, fid.Short(), seq, err)
	}

	var mid wire.Hash
	copy(mid[:], b)

	return mid, nil
}

// readContent joins the inline part of p with its complete side chain.
func (s *Store) readContent(fid wire.FeedID, p wire.Packet, seq uint32) ([]byte, error) {
	if !p.Chained() {
		return append([]byte(nil), p.Inline...), nil
	}

	raw, err := afero.ReadFile(s.fs, s.chainPath(fid, seq, true))
	if err != nil {
		return nil, fmt.Errorf("%w: %s.%d side chain: %w", ErrNoChunk, fid.Short(), seq, err)
	}

	chunks := make([][]byte, 0, len(raw)/wire.PacketLen)
	for off := 0; off+wire.PacketLen <= len(raw); off += wire.PacketLen {
		chunks = append(chunks, raw[off:off+wire.PacketLen])
	}

	body, err := wire.Reassemble(p, chunks)
	if err != nil {
		return nil, fmt.Errorf("%w: %s.%d: %w", ErrNoChunk, fid.Short(), seq, err)
	}

	return body, nil
}

// Load rebuilds the in-memory state of every feed directory on disk, arms the
// DMX of each next packet and the next chunk of each incomplete side chain.
// It returns the number of feeds loaded.
func (s *Store) Load() (int, error) {
	infos, err := afero.ReadDir(s.fs, s.dir)
	if err != nil {
		return 0, fmt.Errorf("%w: list feeds: %w", ErrStorageIO, err)
	}

	loaded := 0

	for _, info := range infos {
		if !info.IsDir() || len(info.Name()) != 2*wire.FIDLen {
			continue
		}

		fid, err := wire.ParseFeedID(info.Name())
		if err != nil {
			continue
		}

		if err := s.loadFeed(fid); err != nil {
			return loaded, err
		}

		loaded++
	}

	return loaded, nil
}

func (s *Store) loadFeed(fid wire.FeedID) error {
	dir := s.feedDir(fid)

	kind := KindRoot
	if exists(s.fs, filepath.Join(dir, string(KindVirtual))) {
		kind = KindVirtual
	}

	logSize, err := fileSize(s.fs, filepath.Join(dir, logFile))
	if err != nil {
		return fmt.Errorf("%w: %w", ErrStorageIO, err)
	}

	midSize, err := fileSize(s.fs, filepath.Join(dir, midFile))
	if err != nil {
		return fmt.Errorf("%w: %w", ErrStorageIO, err)
	}

	n := min(logSize/wire.PacketLen, midSize/wire.HashLen)

	f := &feed{
		fid:     fid,
		kind:    kind,
		nextSeq: uint32(n) + 1,
		prev:    fid.Anchor(),
		pending: make(map[uint32]*chain),
	}

	if n > 0 {
		if f.prev, err = s.readMID(fid, uint32(n)); err != nil {
			return err
		}
	}

	s.mu.Lock()
	if _, ok := s.feeds[fid]; ok {
		s.mu.Unlock()
		return nil
	}
	s.feeds[fid] = f
	s.mu.Unlock()

	f.mu.Lock()
	defer f.mu.Unlock()

	s.armNext(f)

	infos, err := afero.ReadDir(s.fs, dir)
	if err != nil {
		return fmt.Errorf("%w: list %s: %w", ErrStorageIO, fid.Short(), err)
	}

	for _, info := range infos {
		name, ok := strings.CutPrefix(info.Name(), pendingPrefix)
		if !ok {
			continue
		}

		seq, err := strconv.ParseUint(name, 10, 32)
		if err != nil || seq < 1 || uint32(seq) >= f.nextSeq {
			continue
		}

		c, err := s.resumeChain(fid, uint32(seq), info.Size())
		if err != nil {
			logger.Warn("side chain not resumed", "fid", fid.Short(), "seq", seq, "error", err)
			continue
		}

		f.pending[uint32(seq)] = c
		s.armChunk(fid, uint32(seq), c.next)
	}

	logger.Debug("feed loaded", "fid", fid.Short(), "kind", kind, "len", n, "pending", len(f.pending))

	return nil
}

// resumeChain derives the expected next chunk of a partially received side
// chain: the head pointer for an empty file, the last chunk's pointer otherwise.
func (s *Store) resumeChain(fid wire.FeedID, seq uint32, size int64) (*chain, error) {
	head, err := s.readPacket(fid, seq)
	if err != nil {
		return nil, err
	}

	p, err := wire.ParsePacket(head)
	if err != nil {
		return nil, err
	}

	if !p.Chained() {
		return nil, fmt.Errorf("%w: entry has no side chain", ErrNoPendingChain)
	}

	received := int(size / wire.PacketLen)
	c := &chain{next: p.Pointer, received: received, total: p.ChunkCount()}

	if received > 0 {
		last, err := readAt(s.fs, s.chainPath(fid, seq, false), int64(received-1)*wire.PacketLen, wire.PacketLen)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrStorageIO, err)
		}

		c.next = wire.ChunkPointer(last)
	}

	if c.next.IsZero() || received >= c.total {
		return nil, fmt.Errorf("%w: chain already terminated", ErrUnexpectedChunk)
	}

	return c, nil
}
