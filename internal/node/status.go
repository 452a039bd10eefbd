package node

import (
	"encoding/hex"

	"github.com/jannickheisch/tinyISP/internal/feedlog"
)

// Status is a snapshot of the node for monitoring.
type Status struct {
	Root    string         `json:"root"`
	Feeds   int            `json:"feeds"`
	Faces   []string       `json:"faces"`
	Peers   []string       `json:"peers"`
	Domains []DomainStatus `json:"domains"`
	Armed   int            `json:"armed"`  // Armed counts DMX registrations
	Chunks  int            `json:"chunks"` // Chunks counts awaited side-chain chunks
}

// DomainStatus describes one GOset domain.
type DomainStatus struct {
	Name    string `json:"name"`
	Epoch   uint64 `json:"epoch"`
	Keys    int    `json:"keys"`
	State   string `json:"state"`
	DMX     string `json:"dmx"`
	Pending int    `json:"pending"`
}

// FeedInfo describes one stored feed.
type FeedInfo struct {
	ID   string       `json:"id"`
	Kind feedlog.Kind `json:"kind"`
	Len  int          `json:"len"`
	Own  bool         `json:"own"`
}

// Status returns a snapshot of the node.
func (n *Node) Status() Status {
	st := Status{
		Root:  n.root.String(),
		Feeds: len(n.store.Feeds()),
		Faces: n.mux.Faces(),
		Peers: []string{},
	}

	if n.quic != nil {
		st.Peers = n.quic.Peers()
	}

	for _, g := range n.domains.Domains() {
		d := g.DMX()

		st.Domains = append(st.Domains, DomainStatus{
			Name:    g.Name(),
			Epoch:   g.Epoch(),
			Keys:    g.Len(),
			State:   g.State().String(),
			DMX:     hex.EncodeToString(d[:]),
			Pending: g.PendingClaims(),
		})
	}

	st.Armed, st.Chunks = n.hub.Size()

	return st
}

// Feeds lists the stored feeds in key order.
func (n *Node) Feeds() []FeedInfo {
	fids := n.store.Feeds()
	out := make([]FeedInfo, 0, len(fids))

	for _, fid := range fids {
		st, ok := n.store.State(fid)
		if !ok {
			continue
		}

		out = append(out, FeedInfo{
			ID:   fid.String(),
			Kind: st.Kind,
			Len:  int(st.NextSeq) - 1,
			Own:  fid == n.root,
		})
	}

	return out
}
