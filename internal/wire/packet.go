package wire

import (
	"fmt"
	"slices"

	"github.com/multiformats/go-varint"
)

const (
	// maxSizeLen is the longest size varint a chain20 intro may carry.
	maxSizeLen = 3

	// MaxContentLen is the largest content a chained entry can describe.
	MaxContentLen = 1<<(7*maxSizeLen) - 1
)

// Packet is a decoded log packet.
type Packet struct {
	DMX     DMX
	Type    byte
	Size    int    // Size is the declared content length
	SizeLen int    // SizeLen is the length of the size varint (chain20 only)
	Inline  []byte // Inline is the content carried inside the packet
	Pointer Hash   // Pointer is the hash of the first side-chain chunk, zero if none
}

// Chained reports whether the content continues in a side chain.
func (p Packet) Chained() bool {
	return p.Type == TypeChain20 && p.Size > IntroLen-p.SizeLen
}

// ChunkCount returns the number of side-chain chunks the content needs.
func (p Packet) ChunkCount() int {
	if !p.Chained() {
		return 0
	}

	rest := p.Size - (IntroLen - p.SizeLen)

	return (rest + ChunkPayloadLen - 1) / ChunkPayloadLen
}

// fitsInline reports whether n content bytes fit into the intro next to their size varint.
func fitsInline(n int) bool {
	return varint.UvarintSize(uint64(n))+n <= IntroLen
}

// BuildDirect encodes content as a single packet without side chain.
// Content short enough for the chain20 intro keeps its exact length;
// longer content up to 48 bytes uses the zero-padded plain48 layout.
func BuildDirect(fid FeedID, seq uint32, prev Hash, content []byte, sign SignFunc) ([]byte, error) {
	if len(content) > PlainLen {
		return nil, fmt.Errorf("%w: %d > %d bytes", ErrContentTooLong, len(content), PlainLen)
	}

	if fitsInline(len(content)) {
		head, _, err := BuildChained(fid, seq, prev, content, sign)
		return head, err
	}

	payload := make([]byte, PlainLen)
	copy(payload, content)

	return seal(fid, seq, prev, TypePlain48, payload, sign)
}

// BuildChained encodes content as a chain20 head packet plus the ordered side
// chain. Content fitting the intro yields no chunks and a zero pointer.
func BuildChained(fid FeedID, seq uint32, prev Hash, content []byte, sign SignFunc) ([]byte, [][]byte, error) {
	if len(content) > MaxContentLen {
		return nil, nil, fmt.Errorf("%w: %d > %d bytes", ErrContentTooLong, len(content), MaxContentLen)
	}

	size := varint.ToUvarint(uint64(len(content)))

	payload := make([]byte, PlainLen)
	copy(payload, size)

	var chunks [][]byte

	if fitsInline(len(content)) {
		copy(payload[len(size):], content)
	} else {
		n := IntroLen - len(size)
		copy(payload[len(size):], content[:n])

		chunks = buildChunks(content[n:])
		ptr := ChunkHash(chunks[0])
		copy(payload[IntroLen:], ptr[:])
	}

	head, err := seal(fid, seq, prev, TypeChain20, payload, sign)
	if err != nil {
		return nil, nil, err
	}

	return head, chunks, nil
}

// buildChunks splits rest into chunks from the tail backwards so that every
// chunk can carry the hash of its successor. The last chunk holds the remainder.
func buildChunks(rest []byte) [][]byte {
	var (
		chunks [][]byte
		ptr    Hash
	)

	for len(rest) > 0 {
		n := len(rest) % ChunkPayloadLen
		if n == 0 {
			n = ChunkPayloadLen
		}

		chunk := make([]byte, PacketLen)
		copy(chunk, rest[len(rest)-n:])
		copy(chunk[ChunkPayloadLen:], ptr[:])

		chunks = append(chunks, chunk)
		ptr = ChunkHash(chunk)
		rest = rest[:len(rest)-n]
	}

	slices.Reverse(chunks)

	return chunks
}

// seal assembles dmx || type || payload and appends the author's signature.
func seal(fid FeedID, seq uint32, prev Hash, typ byte, payload []byte, sign SignFunc) ([]byte, error) {
	if seq == 0 {
		return nil, fmt.Errorf("%w: sequence numbers start at 1", ErrMalformedPacket)
	}

	name := Name(fid, seq, prev)
	dmx := ComputeDMX(name)

	pkt := make([]byte, 0, PacketLen)
	pkt = append(pkt, dmx[:]...)
	pkt = append(pkt, typ)
	pkt = append(pkt, payload...)

	sig, err := sign(SignedBytes(name, pkt))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSign, err)
	}

	if len(sig) != SigLen {
		return nil, fmt.Errorf("%w: signature has %d bytes", ErrSign, len(sig))
	}

	return append(pkt, sig...), nil
}

// ParsePacket decodes the header fields of a 120-byte log packet.
// It does not verify the signature.
func ParsePacket(pkt []byte) (Packet, error) {
	if len(pkt) != PacketLen {
		return Packet{}, fmt.Errorf("%w: length %d", ErrMalformedPacket, len(pkt))
	}

	p := Packet{
		DMX:  PacketDMX(pkt),
		Type: pkt[DMXLen],
	}

	body := pkt[DMXLen+1 : DMXLen+1+PlainLen]

	switch p.Type {
	case TypePlain48:
		p.Size = PlainLen
		p.Inline = body
	case TypeChain20:
		size, n, err := varint.FromUvarint(body[:maxSizeLen])
		if err != nil {
			return Packet{}, fmt.Errorf("%w: size varint: %w", ErrMalformedPacket, err)
		}

		p.Size = int(size)
		p.SizeLen = n

		inline := min(p.Size, IntroLen-n)
		p.Inline = body[n : n+inline]
		copy(p.Pointer[:], body[IntroLen:])

		if p.Chained() && p.Pointer.IsZero() {
			return Packet{}, fmt.Errorf("%w: chained content without pointer", ErrMalformedPacket)
		}
	default:
		return Packet{}, fmt.Errorf("%w: unknown type %d", ErrMalformedPacket, p.Type)
	}

	return p, nil
}

// Reassemble joins the inline content with the side-chain chunks in chain
// order and truncates the result to the declared size.
func Reassemble(p Packet, chunks [][]byte) ([]byte, error) {
	content := make([]byte, 0, len(p.Inline)+len(chunks)*ChunkPayloadLen)
	content = append(content, p.Inline...)

	for _, c := range chunks {
		if len(c) != PacketLen {
			return nil, fmt.Errorf("%w: chunk length %d", ErrMalformedPacket, len(c))
		}

		content = append(content, c[:ChunkPayloadLen]...)
	}

	if len(content) < p.Size {
		return nil, fmt.Errorf("%w: content has %d of %d bytes", ErrMalformedPacket, len(content), p.Size)
	}

	return content[:p.Size], nil
}
