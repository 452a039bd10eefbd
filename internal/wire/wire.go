// Package wire defines the tinySSB packet layout: fixed 120-byte log packets,
// side-chain chunks, the demultiplex (DMX) key derivation and the frames the
// membership protocol exchanges. Everything here is a pure transform.
package wire

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"errors"
)

const (
	// PacketLen is the size of every log packet and side-chain chunk.
	PacketLen = 120

	// DMXLen is the size of the demultiplex key leading every packet.
	DMXLen = 7

	// FIDLen is the size of a feed id (an Ed25519 public key).
	FIDLen = 32

	// HashLen is the size of message hashes and chunk pointers.
	HashLen = 20

	// SigLen is the size of an Ed25519 signature.
	SigLen = 64

	// PlainLen is the payload size of a plain48 packet.
	PlainLen = 48

	// IntroLen is the inline part of a chain20 packet (size varint + content prefix).
	IntroLen = 28

	// ChunkPayloadLen is the content carried by one side-chain chunk.
	ChunkPayloadLen = PacketLen - HashLen

	// TypePlain48 marks a packet carrying 48 bytes of padded content.
	TypePlain48 byte = 0

	// TypeChain20 marks a packet carrying a size-prefixed intro and a chunk pointer.
	TypeChain20 byte = 1

	// signedLen is the part of a packet covered by the signature.
	signedLen = PacketLen - SigLen

	// nameLen is the size of the (fid, seq, prev) name tuple.
	nameLen = FIDLen + 4 + HashLen
)

// Prefix is the domain separator mixed into every DMX and signature.
var Prefix = []byte("tinyssb-v0")

var (
	// ErrContentTooLong is returned when content exceeds what the encoding can carry.
	ErrContentTooLong = errors.New("content too long")

	// ErrMalformedPacket is returned for packets with a bad length, type or size field.
	ErrMalformedPacket = errors.New("malformed packet")

	// ErrMalformedFrame is returned for claim, novelty, want or chunk frames failing length or tag checks.
	ErrMalformedFrame = errors.New("malformed frame")

	// ErrSign is returned when the signing function fails or returns a bad signature.
	ErrSign = errors.New("sign packet")
)

// FeedID identifies a feed by its Ed25519 public key.
type FeedID [FIDLen]byte

// Hash is a truncated SHA-256 used for message ids and chunk pointers.
type Hash [HashLen]byte

// DMX is a demultiplex key.
type DMX [DMXLen]byte

// SignFunc signs msg with the author's key and returns a 64-byte signature.
type SignFunc func(msg []byte) ([]byte, error)

// FeedIDFromBytes copies b into a FeedID. It reports false if b has the wrong length.
func FeedIDFromBytes(b []byte) (FeedID, bool) {
	var fid FeedID
	if len(b) != FIDLen {
		return fid, false
	}

	copy(fid[:], b)

	return fid, true
}

// ParseFeedID decodes a hex encoded feed id.
func ParseFeedID(s string) (FeedID, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return FeedID{}, err
	}

	fid, ok := FeedIDFromBytes(b)
	if !ok {
		return FeedID{}, errors.New("feed id must be 32 bytes")
	}

	return fid, nil
}

// String returns the hex encoding of the feed id.
func (f FeedID) String() string {
	return hex.EncodeToString(f[:])
}

// Short returns the first 8 hex digits, for logs.
func (f FeedID) Short() string {
	return hex.EncodeToString(f[:4])
}

// IsZero reports whether all bytes are zero.
func (f FeedID) IsZero() bool {
	return f == FeedID{}
}

// Compare orders feed ids by unsigned byte comparison.
func (f FeedID) Compare(o FeedID) int {
	return bytes.Compare(f[:], o[:])
}

// Anchor returns the initial chain anchor of a feed: its first 20 bytes.
func (f FeedID) Anchor() Hash {
	var h Hash
	copy(h[:], f[:HashLen])

	return h
}

// String returns the hex encoding of the hash.
func (h Hash) String() string {
	return hex.EncodeToString(h[:])
}

// IsZero reports whether all bytes are zero.
func (h Hash) IsZero() bool {
	return h == Hash{}
}

// String returns the hex encoding of the DMX.
func (d DMX) String() string {
	return hex.EncodeToString(d[:])
}

// ComputeDMX derives a DMX key from buf: SHA-256(Prefix || buf) truncated.
func ComputeDMX(buf []byte) DMX {
	h := sha256.New()
	h.Write(Prefix)
	h.Write(buf)

	var d DMX
	copy(d[:], h.Sum(nil))

	return d
}

// Name builds the name tuple fid || seq (big endian) || prev.
func Name(fid FeedID, seq uint32, prev Hash) []byte {
	name := make([]byte, 0, nameLen)
	name = append(name, fid[:]...)
	name = binary.BigEndian.AppendUint32(name, seq)
	name = append(name, prev[:]...)

	return name
}

// FeedDMX returns the DMX of the packet expected at position seq of a feed.
func FeedDMX(fid FeedID, seq uint32, prev Hash) DMX {
	return ComputeDMX(Name(fid, seq, prev))
}

// PacketDMX returns the leading DMX of a packet. pkt must hold at least DMXLen bytes.
func PacketDMX(pkt []byte) DMX {
	var d DMX
	copy(d[:], pkt[:DMXLen])

	return d
}

// SignedBytes returns the bytes covered by a packet's signature.
func SignedBytes(name, pkt []byte) []byte {
	buf := make([]byte, 0, len(Prefix)+len(name)+signedLen)
	buf = append(buf, Prefix...)
	buf = append(buf, name...)
	buf = append(buf, pkt[:signedLen]...)

	return buf
}

// Signature returns the trailing signature of a packet.
func Signature(pkt []byte) []byte {
	return pkt[signedLen:PacketLen]
}

// MessageHash returns the message id of an appended packet. It becomes the
// chain anchor of the following packet.
func MessageHash(name, pkt []byte) Hash {
	h := sha256.New()
	h.Write(Prefix)
	h.Write(name)
	h.Write(pkt)

	var mid Hash
	copy(mid[:], h.Sum(nil))

	return mid
}

// ChunkHash returns the content hash a chunk is addressed by.
func ChunkHash(chunk []byte) Hash {
	sum := sha256.Sum256(chunk)

	var h Hash
	copy(h[:], sum[:HashLen])

	return h
}

// ChunkPointer returns the pointer to the following chunk, zero for the last one.
func ChunkPointer(chunk []byte) Hash {
	var h Hash
	copy(h[:], chunk[ChunkPayloadLen:PacketLen])

	return h
}
