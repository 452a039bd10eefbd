package feedlog

import (
	"bytes"
	"fmt"
	"path/filepath"

	"github.com/jannickheisch/tinyISP/internal/logger"
	"github.com/jannickheisch/tinyISP/internal/wire"
)

// Append verifies pkt as the next packet of fid and persists it.
//
// The packet must carry the DMX derived from the feed's next position and a
// valid signature; a rejected packet leaves the feed untouched. It returns the
// logical entry when the content is complete, or nil while a side chain is
// outstanding.
func (s *Store) Append(fid wire.FeedID, pkt []byte) (*Entry, error) {
	f, ok := s.lookup(fid)
	if !ok {
		s.countAppend("packet", ErrUnknownFeed)
		return nil, ErrUnknownFeed
	}

	f.mu.Lock()
	e, err := s.appendLocked(f, pkt)
	f.mu.Unlock()

	s.countAppend("packet", err)

	if err != nil {
		return nil, err
	}

	s.emit(e)

	return e, nil
}

// Publish signs content as the next entry of the local feed fid and appends it.
// Side-chain chunks are stored before the head packet so that the entry is
// complete as soon as it is appended.
func (s *Store) Publish(fid wire.FeedID, content []byte, sign wire.SignFunc) (*Entry, error) {
	f, ok := s.lookup(fid)
	if !ok {
		return nil, ErrUnknownFeed
	}

	f.mu.Lock()
	e, err := s.publishLocked(f, content, sign)
	f.mu.Unlock()

	s.countAppend("publish", err)

	if err != nil {
		return nil, err
	}

	s.emit(e)

	return e, nil
}

func (s *Store) publishLocked(f *feed, content []byte, sign wire.SignFunc) (*Entry, error) {
	if f.removed {
		return nil, ErrUnknownFeed
	}

	seq := f.nextSeq

	head, chunks, err := wire.BuildChained(f.fid, seq, f.prev, content, sign)
	if err != nil {
		return nil, fmt.Errorf("build entry: %w", err)
	}

	done := s.chainPath(f.fid, seq, true)

	if len(chunks) > 0 {
		if err := writeFile(s.fs, done, bytes.Join(chunks, nil)); err != nil {
			return nil, fmt.Errorf("%w: write side chain: %w", ErrStorageIO, err)
		}
	}

	e, err := s.appendLocked(f, head)
	if err != nil {
		if len(chunks) > 0 {
			_ = s.fs.Remove(done)
		}

		return nil, err
	}

	return e, nil
}

// appendLocked runs the append checks and state transition. f.mu must be held.
func (s *Store) appendLocked(f *feed, pkt []byte) (*Entry, error) {
	if f.removed {
		return nil, ErrUnknownFeed
	}

	if len(pkt) != wire.PacketLen {
		return nil, fmt.Errorf("%w: length %d", wire.ErrMalformedPacket, len(pkt))
	}

	seq := f.nextSeq
	name := wire.Name(f.fid, seq, f.prev)
	expected := wire.ComputeDMX(name)

	if wire.PacketDMX(pkt) != expected {
		return nil, fmt.Errorf("%w: %s.%d", ErrDMXMismatch, f.fid.Short(), seq)
	}

	if !s.verifier.Verify(f.fid, wire.Signature(pkt), wire.SignedBytes(name, pkt)) {
		return nil, fmt.Errorf("%w: %s.%d", ErrSignatureInvalid, f.fid.Short(), seq)
	}

	p, err := wire.ParsePacket(pkt)
	if err != nil {
		return nil, err
	}

	mid := wire.MessageHash(name, pkt)
	dir := s.feedDir(f.fid)

	if err := appendRecord(s.fs, filepath.Join(dir, logFile), filepath.Join(dir, midFile), pkt, mid[:]); err != nil {
		return nil, fmt.Errorf("%w: append %s.%d: %w", ErrStorageIO, f.fid.Short(), seq, err)
	}

	f.nextSeq++
	f.prev = mid

	s.hub.Arm(expected, nil, nil)
	s.armNext(f)

	if !p.Chained() {
		return &Entry{FID: f.fid, Seq: seq, MID: mid, Body: bytes.Clone(p.Inline)}, nil
	}

	// a complete side chain is already on disk when the entry was published locally
	if done := s.chainPath(f.fid, seq, true); exists(s.fs, done) {
		body, err := s.readContent(f.fid, p, seq)
		if err != nil {
			return nil, err
		}

		return &Entry{FID: f.fid, Seq: seq, MID: mid, Body: body}, nil
	}

	if err := writeFile(s.fs, s.chainPath(f.fid, seq, false), nil); err != nil {
		return nil, fmt.Errorf("%w: open side chain: %w", ErrStorageIO, err)
	}

	f.pending[seq] = &chain{next: p.Pointer, total: p.ChunkCount()}
	s.armChunk(f.fid, seq, p.Pointer)

	logger.Debug("waiting for side chain", "fid", f.fid.Short(), "seq", seq, "chunks", p.ChunkCount())

	return nil, nil
}

// AppendChunk stores chunk as the next piece of the side chain of fid.seq.
// Only the chunk whose hash the chain currently expects is accepted. When the
// terminal chunk arrives the content is reassembled and returned.
func (s *Store) AppendChunk(fid wire.FeedID, seq uint32, chunk []byte) (*Entry, error) {
	f, ok := s.lookup(fid)
	if !ok {
		s.countAppend("chunk", ErrUnknownFeed)
		return nil, ErrUnknownFeed
	}

	f.mu.Lock()
	e, err := s.appendChunkLocked(f, seq, chunk)
	f.mu.Unlock()

	s.countAppend("chunk", err)

	if err != nil {
		return nil, err
	}

	s.emit(e)

	return e, nil
}

func (s *Store) appendChunkLocked(f *feed, seq uint32, chunk []byte) (*Entry, error) {
	if f.removed {
		return nil, ErrUnknownFeed
	}

	c, ok := f.pending[seq]
	if !ok {
		return nil, fmt.Errorf("%w: %s.%d", ErrNoPendingChain, f.fid.Short(), seq)
	}

	if len(chunk) != wire.PacketLen {
		return nil, fmt.Errorf("%w: chunk length %d", wire.ErrMalformedPacket, len(chunk))
	}

	if wire.ChunkHash(chunk) != c.next {
		return nil, fmt.Errorf("%w: %s.%d chunk %d", ErrUnexpectedChunk, f.fid.Short(), seq, c.received)
	}

	partial := s.chainPath(f.fid, seq, false)
	if err := appendFile(s.fs, partial, chunk); err != nil {
		return nil, fmt.Errorf("%w: append chunk: %w", ErrStorageIO, err)
	}

	s.hub.ArmChunk(c.next, nil, nil)
	c.received++

	ptr := wire.ChunkPointer(chunk)
	if !ptr.IsZero() && c.received < c.total {
		c.next = ptr
		s.armChunk(f.fid, seq, ptr)

		return nil, nil
	}

	delete(f.pending, seq)

	if err := s.fs.Rename(partial, s.chainPath(f.fid, seq, true)); err != nil {
		return nil, fmt.Errorf("%w: close side chain: %w", ErrStorageIO, err)
	}

	head, err := s.readPacket(f.fid, seq)
	if err != nil {
		return nil, err
	}

	p, err := wire.ParsePacket(head)
	if err != nil {
		return nil, err
	}

	body, err := s.readContent(f.fid, p, seq)
	if err != nil {
		return nil, err
	}

	mid, err := s.readMID(f.fid, seq)
	if err != nil {
		return nil, err
	}

	logger.Debug("side chain complete", "fid", f.fid.Short(), "seq", seq, "bytes", len(body))

	return &Entry{FID: f.fid, Seq: seq, MID: mid, Body: body}, nil
}
