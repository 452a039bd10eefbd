package client

import (
	"bytes"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/jannickheisch/tinyISP/internal/api"
	"github.com/jannickheisch/tinyISP/internal/network"
	"github.com/jannickheisch/tinyISP/internal/node"
	"github.com/jannickheisch/tinyISP/internal/wire"
)

// newTestClient serves a real node behind the API.
func newTestClient(t *testing.T) (*Client, *node.Node) {
	t.Helper()

	n, err := node.New(node.Config{
		DataDir: t.TempDir(),
		Faces:   []network.Face{network.NewMemHub().Face("mem")},
	})
	if err != nil {
		t.Fatalf("node.New: %v", err)
	}
	t.Cleanup(func() { n.Close() })

	srv := httptest.NewServer(api.New("", n, n.Metrics().Handler()).Handler())
	t.Cleanup(srv.Close)

	return New(srv.URL), n
}

func TestClientPublishAndRead(t *testing.T) {
	c, n := newTestClient(t)

	if err := c.Health(); err != nil {
		t.Fatalf("Health: %v", err)
	}

	root, err := c.Root()
	if err != nil || root != n.Root() {
		t.Fatalf("Root = %s, %v", root.Short(), err)
	}

	long := bytes.Repeat([]byte("side chain "), 25)

	for _, content := range [][]byte{[]byte("short"), long} {
		if _, err := c.Publish(content); err != nil {
			t.Fatalf("Publish: %v", err)
		}
	}

	e, err := c.Entry(root, 2)
	if err != nil {
		t.Fatalf("Entry: %v", err)
	}

	want, _ := n.Entry(root, 2)
	if !bytes.Equal(e.Body, long) || e.MID != want.MID || e.FID != root {
		t.Errorf("entry 2 = seq %d, body match %v", e.Seq, bytes.Equal(e.Body, long))
	}

	entries, err := c.Entries(root)
	if err != nil || len(entries) != 2 {
		t.Fatalf("Entries = %d, %v", len(entries), err)
	}

	feeds, err := c.Feeds()
	if err != nil || len(feeds) != 1 || feeds[0].Len != 2 {
		t.Errorf("Feeds = %+v, %v", feeds, err)
	}
}

func TestClientFollow(t *testing.T) {
	c, n := newTestClient(t)
	other := wire.FeedID{0x42}

	added, err := c.Follow(other)
	if err != nil || !added {
		t.Fatalf("Follow = %v, %v", added, err)
	}

	if added, _ := c.Follow(other); added {
		t.Error("second Follow reported a new feed")
	}

	if !n.Domains().Root().Has(other) {
		t.Error("followed feed not in the root domain")
	}

	st, err := c.Status()
	if err != nil || st.Feeds != 2 {
		t.Errorf("Status = %+v, %v", st, err)
	}
}

func TestClientErrors(t *testing.T) {
	c, n := newTestClient(t)

	_, err := c.Entry(n.Root(), 1)

	var se *StatusError
	if !errors.As(err, &se) || se.Code != http.StatusNotFound || se.Message == "" {
		t.Errorf("missing entry err = %v", err)
	}

	if err := New("127.0.0.1:1").Health(); err == nil {
		t.Error("unreachable node reported healthy")
	}
}
