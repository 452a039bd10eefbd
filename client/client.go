// Package client talks to the HTTP API of a tinySSB node.
package client

import (
	"encoding/hex"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/jannickheisch/tinyISP/internal/node"
	"github.com/jannickheisch/tinyISP/internal/wire"
)

// Client connects to a node via HTTP.
type Client struct {
	base string       // base is the API root URL, without trailing slash
	http *http.Client // http performs the requests
}

// Entry is a feed entry as served by the API.
type Entry struct {
	FID  wire.FeedID // FID is the author
	Seq  uint32      // Seq is the position in the feed
	MID  wire.Hash   // MID is the message hash
	Body []byte      // Body is the content
}

type entryJSON struct {
	FID  string `json:"fid"`
	Seq  uint32 `json:"seq"`
	MID  string `json:"mid"`
	Body []byte `json:"body"`
}

// New creates a client for the node at addr, either "host:port" or a URL.
func New(addr string) *Client {
	base := strings.TrimRight(addr, "/")
	if !strings.Contains(base, "://") {
		base = "http://" + base
	}

	return &Client{
		base: base,
		http: &http.Client{Timeout: 10 * time.Second},
	}
}

// Health reports whether the node answers.
func (c *Client) Health() error {
	var resp map[string]string
	if err := c.httpGet("/health", &resp); err != nil {
		return err
	}

	if resp["status"] != "ok" {
		return fmt.Errorf("unhealthy: %q", resp["status"])
	}

	return nil
}

// Status fetches the node status.
func (c *Client) Status() (node.Status, error) {
	var st node.Status
	err := c.httpGet("/status", &st)

	return st, err
}

// Root returns the node's own feed id.
func (c *Client) Root() (wire.FeedID, error) {
	st, err := c.Status()
	if err != nil {
		return wire.FeedID{}, err
	}

	return wire.ParseFeedID(st.Root)
}

// Feeds lists the stored feeds.
func (c *Client) Feeds() ([]node.FeedInfo, error) {
	var feeds []node.FeedInfo
	err := c.httpGet("/feeds", &feeds)

	return feeds, err
}

// Entries fetches the complete entries of fid.
func (c *Client) Entries(fid wire.FeedID) ([]Entry, error) {
	var raw []entryJSON
	if err := c.httpGet("/feeds/"+fid.String(), &raw); err != nil {
		return nil, err
	}

	out := make([]Entry, len(raw))

	for i, r := range raw {
		e, err := r.decode()
		if err != nil {
			return nil, err
		}

		out[i] = e
	}

	return out, nil
}

// Entry fetches one entry.
func (c *Client) Entry(fid wire.FeedID, seq uint32) (Entry, error) {
	var raw entryJSON
	if err := c.httpGet(fmt.Sprintf("/feeds/%s/%d", fid, seq), &raw); err != nil {
		return Entry{}, err
	}

	return raw.decode()
}

// Publish appends content to the node's own feed.
func (c *Client) Publish(content []byte) (Entry, error) {
	var raw entryJSON
	if err := c.httpPost("/publish", content, &raw); err != nil {
		return Entry{}, err
	}

	return raw.decode()
}

// Follow asks the node to replicate fid. It reports whether fid was new.
func (c *Client) Follow(fid wire.FeedID) (bool, error) {
	var resp map[string]bool
	if err := c.httpPost("/feeds/"+fid.String()+"/follow", nil, &resp); err != nil {
		return false, err
	}

	return resp["added"], nil
}

func (r entryJSON) decode() (Entry, error) {
	fid, err := wire.ParseFeedID(r.FID)
	if err != nil {
		return Entry{}, fmt.Errorf("entry fid: %w", err)
	}

	mid, err := hex.DecodeString(r.MID)
	if err != nil || len(mid) != wire.HashLen {
		return Entry{}, fmt.Errorf("entry mid %q malformed", r.MID)
	}

	e := Entry{FID: fid, Seq: r.Seq, Body: r.Body}
	copy(e.MID[:], mid)

	return e, nil
}
