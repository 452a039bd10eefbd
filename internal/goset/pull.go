package goset

import (
	"github.com/jannickheisch/tinyISP/internal/logger"
	"github.com/jannickheisch/tinyISP/internal/wire"
)

// Pull broadcasts the want vector and the chunk request vector of the domain.
//
// The want vector lists the next expected sequence number of consecutive
// members, starting one past the previous start, until the encoded vector
// exceeds WantBudget. Every listed position is armed on the hub so a reply
// lands directly in the feed log. The chunk vector lists the next chunk of
// every incomplete side chain of a member.
func (g *GOset) Pull() {
	var out []frame

	g.mu.Lock()

	if g.closed || len(g.keys) == 0 {
		g.mu.Unlock()
		return
	}

	n := len(g.keys)
	g.offset = (g.offset + 1) % n

	want := wire.WantRequest{Offset: g.offset}

	i := 0
	for i < n {
		key := g.keys[(g.offset+i)%n]

		st, err := g.store.ArmNext(key)
		if err != nil {
			logger.Debug("want vector cut short", "domain", g.label(), "key", key.Short(), "error", err)
			break
		}

		want.Seqs = append(want.Seqs, int(st.NextSeq))
		i++

		if len(want.Seqs)*wire.IntEncodedLen > WantBudget {
			break
		}
	}

	g.offset = (g.offset + i) % n

	if len(want.Seqs) > 0 {
		out = append(out, frame{kind: "want", pkt: wire.WithDMX(g.wantDMX, want.Encode())})
	}

	var chunks wire.ChunkRequest

	size := 0

collect:
	for ndx, key := range g.keys {
		for _, pc := range g.store.PendingChains(key) {
			if size > WantBudget {
				break collect
			}

			chunks.Items = append(chunks.Items, wire.ChunkWant{FeedIndex: ndx, Seq: int(pc.Seq), Chunk: pc.NextChunk})
			size += 1 + 3*wire.IntEncodedLen
		}
	}

	if len(chunks.Items) > 0 {
		out = append(out, frame{kind: "chunk_request", pkt: wire.WithDMX(g.chunkDMX, chunks.Encode())})
	}

	g.mu.Unlock()

	g.flush(out)
}

// handleWant answers a want request with up to WantCredit stored packets.
func (g *GOset) handleWant(pkt []byte, _ any) {
	req, err := wire.DecodeWantRequest(pkt[wire.DMXLen:])
	if err != nil || req.Offset < 0 {
		logger.Debug("want request dropped", "domain", g.label(), "error", err)
		return
	}

	keys := g.Keys()
	if len(keys) == 0 {
		return
	}

	var out []frame

	credit := WantCredit

	for j, seq := range req.Seqs {
		if credit == 0 {
			break
		}

		fid := keys[(req.Offset+j)%len(keys)]

		for ; credit > 0 && seq > 0; seq++ {
			p, err := g.store.ReadPacket(fid, uint32(seq))
			if err != nil {
				break
			}

			out = append(out, frame{kind: "packet", pkt: p})
			credit--
		}
	}

	g.flush(out)
}

// handleChunkRequest answers a chunk request with up to WantCredit chunks of
// complete side chains.
func (g *GOset) handleChunkRequest(pkt []byte, _ any) {
	req, err := wire.DecodeChunkRequest(pkt[wire.DMXLen:])
	if err != nil {
		logger.Debug("chunk request dropped", "domain", g.label(), "error", err)
		return
	}

	keys := g.Keys()

	var out []frame

	credit := WantCredit

	for _, item := range req.Items {
		if credit == 0 {
			break
		}

		if item.FeedIndex < 0 || item.FeedIndex >= len(keys) || item.Seq < 1 || item.Chunk < 0 {
			continue
		}

		fid := keys[item.FeedIndex]

		head, err := g.store.ReadPacket(fid, uint32(item.Seq))
		if err != nil {
			continue
		}

		p, err := wire.ParsePacket(head)
		if err != nil || !p.Chained() {
			continue
		}

		for cnr := item.Chunk; cnr < p.ChunkCount() && credit > 0; cnr++ {
			chunk, err := g.store.ReadChunk(fid, uint32(item.Seq), cnr)
			if err != nil {
				break
			}

			out = append(out, frame{kind: "chunk", pkt: chunk})
			credit--
		}
	}

	g.flush(out)
}
