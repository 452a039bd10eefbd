package wire

import (
	"fmt"
)

const (
	// NoveltyLen is the size of a novelty frame without its DMX.
	NoveltyLen = 1 + FIDLen

	// ClaimLen is the size of a claim frame without its DMX.
	ClaimLen = 1 + 3*FIDLen + 1

	tagNovelty = 'n'
	tagClaim   = 'c'
)

// Frame is a membership frame carried under a GOset DMX: a Claim or a Novelty.
type Frame interface {
	Bytes() []byte
	frame()
}

// Claim asserts that the inclusive index range [Lo, Hi] of the sender's sorted
// set holds Count keys whose XOR is XOR.
type Claim struct {
	Lo    FeedID
	Hi    FeedID
	XOR   FeedID
	Count int
}

// Novelty announces a single member key.
type Novelty struct {
	Key FeedID
}

func (Claim) frame()   {}
func (Novelty) frame() {}

// Bytes encodes the claim. Count is carried in a single byte.
func (c Claim) Bytes() []byte {
	b := make([]byte, 0, ClaimLen)
	b = append(b, tagClaim)
	b = append(b, c.Lo[:]...)
	b = append(b, c.Hi[:]...)
	b = append(b, c.XOR[:]...)
	b = append(b, byte(c.Count))

	return b
}

// Bytes encodes the novelty.
func (n Novelty) Bytes() []byte {
	b := make([]byte, 0, NoveltyLen)
	b = append(b, tagNovelty)
	b = append(b, n.Key[:]...)

	return b
}

// ParseFrame decodes a membership frame (without DMX).
func ParseFrame(b []byte) (Frame, error) {
	switch {
	case len(b) == NoveltyLen && b[0] == tagNovelty:
		var n Novelty
		copy(n.Key[:], b[1:])

		return n, nil
	case len(b) == ClaimLen && b[0] == tagClaim:
		var c Claim
		copy(c.Lo[:], b[1:1+FIDLen])
		copy(c.Hi[:], b[1+FIDLen:1+2*FIDLen])
		copy(c.XOR[:], b[1+2*FIDLen:1+3*FIDLen])
		c.Count = int(b[ClaimLen-1])

		return c, nil
	case len(b) == 0:
		return nil, fmt.Errorf("%w: empty", ErrMalformedFrame)
	default:
		return nil, fmt.Errorf("%w: tag %q with %d bytes", ErrMalformedFrame, b[0], len(b))
	}
}

// WithDMX prefixes a frame with the DMX it is broadcast under.
func WithDMX(d DMX, payload []byte) []byte {
	pkt := make([]byte, 0, DMXLen+len(payload))
	pkt = append(pkt, d[:]...)

	return append(pkt, payload...)
}
