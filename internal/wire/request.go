package wire

import (
	"encoding/binary"
	"fmt"

	"github.com/multiformats/go-varint"
)

// Want and chunk requests travel as BIPF lists of integers, the encoding the
// rest of the tinySSB ecosystem uses for these frames.
const (
	bipfInt  = 2
	bipfList = 4

	bipfTypeBits = 3
	bipfTypeMask = 1<<bipfTypeBits - 1

	// IntEncodedLen is the encoded size of one BIPF integer.
	IntEncodedLen = 5
)

// WantRequest asks for log entries. Seqs[i] is the next sequence number the
// sender expects for key index (Offset+i) mod |set| of the sender's GOset.
type WantRequest struct {
	Offset int
	Seqs   []int
}

// ChunkWant names the next missing chunk of one side chain.
type ChunkWant struct {
	FeedIndex int
	Seq       int
	Chunk     int
}

// ChunkRequest asks for side-chain chunks.
type ChunkRequest struct {
	Items []ChunkWant
}

// Encode returns the BIPF list [offset, seq...].
func (w WantRequest) Encode() []byte {
	var body []byte

	body = appendBipfInt(body, w.Offset)
	for _, s := range w.Seqs {
		body = appendBipfInt(body, s)
	}

	return appendBipfHeader(nil, bipfList, len(body), body)
}

// Encode returns the BIPF list [[feedIndex, seq, chunk]...].
func (c ChunkRequest) Encode() []byte {
	var body []byte

	for _, it := range c.Items {
		var inner []byte
		inner = appendBipfInt(inner, it.FeedIndex)
		inner = appendBipfInt(inner, it.Seq)
		inner = appendBipfInt(inner, it.Chunk)

		body = appendBipfHeader(body, bipfList, len(inner), inner)
	}

	return appendBipfHeader(nil, bipfList, len(body), body)
}

// DecodeWantRequest parses a want request frame body (without DMX).
func DecodeWantRequest(b []byte) (WantRequest, error) {
	items, err := decodeBipfList(b)
	if err != nil {
		return WantRequest{}, err
	}

	if len(items) == 0 {
		return WantRequest{}, fmt.Errorf("%w: want request without offset", ErrMalformedFrame)
	}

	ints := make([]int, len(items))
	for i, it := range items {
		v, err := it.int()
		if err != nil {
			return WantRequest{}, err
		}

		ints[i] = v
	}

	return WantRequest{Offset: ints[0], Seqs: ints[1:]}, nil
}

// DecodeChunkRequest parses a chunk request frame body (without DMX).
// Entries that are not a list of three integers are skipped.
func DecodeChunkRequest(b []byte) (ChunkRequest, error) {
	items, err := decodeBipfList(b)
	if err != nil {
		return ChunkRequest{}, err
	}

	var req ChunkRequest

	for _, it := range items {
		if it.typ != bipfList {
			continue
		}

		inner, err := decodeBipfList(it.raw)
		if err != nil || len(inner) < 3 {
			continue
		}

		var v [3]int
		ok := true

		for i := range v {
			if v[i], err = inner[i].int(); err != nil {
				ok = false
				break
			}
		}

		if ok {
			req.Items = append(req.Items, ChunkWant{FeedIndex: v[0], Seq: v[1], Chunk: v[2]})
		}
	}

	return req, nil
}

// bipfValue is one decoded BIPF element; raw is the complete encoding.
type bipfValue struct {
	typ  int
	body []byte
	raw  []byte
}

func (v bipfValue) int() (int, error) {
	if v.typ != bipfInt || len(v.body) != 4 {
		return 0, fmt.Errorf("%w: expected int, got type %d", ErrMalformedFrame, v.typ)
	}

	return int(int32(binary.LittleEndian.Uint32(v.body))), nil
}

func appendBipfHeader(b []byte, typ, n int, body []byte) []byte {
	b = append(b, varint.ToUvarint(uint64(n)<<bipfTypeBits|uint64(typ))...)

	return append(b, body...)
}

// appendBipfInt encodes v as a 32-bit little endian BIPF int; larger values are truncated.
func appendBipfInt(b []byte, v int) []byte {
	var body [4]byte
	binary.LittleEndian.PutUint32(body[:], uint32(int32(v)))

	return appendBipfHeader(b, bipfInt, len(body), body[:])
}

// readBipf decodes one element from b and returns the remainder.
func readBipf(b []byte) (bipfValue, []byte, error) {
	tag, n, err := varint.FromUvarint(b)
	if err != nil {
		return bipfValue{}, nil, fmt.Errorf("%w: bipf tag: %w", ErrMalformedFrame, err)
	}

	size := tag >> bipfTypeBits
	if size > uint64(len(b)-n) {
		return bipfValue{}, nil, fmt.Errorf("%w: bipf length %d exceeds %d", ErrMalformedFrame, size, len(b)-n)
	}

	end := n + int(size)
	v := bipfValue{
		typ:  int(tag & bipfTypeMask),
		body: b[n:end],
		raw:  b[:end],
	}

	return v, b[end:], nil
}

// decodeBipfList decodes a complete BIPF list and returns its elements.
func decodeBipfList(b []byte) ([]bipfValue, error) {
	v, rest, err := readBipf(b)
	if err != nil {
		return nil, err
	}

	if v.typ != bipfList || len(rest) != 0 {
		return nil, fmt.Errorf("%w: expected a single list", ErrMalformedFrame)
	}

	var items []bipfValue

	for body := v.body; len(body) > 0; {
		var it bipfValue

		it, body, err = readBipf(body)
		if err != nil {
			return nil, err
		}

		items = append(items, it)
	}

	return items, nil
}
