package goset

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"slices"
	"sync"
	"testing"

	"github.com/spf13/afero"

	"github.com/jannickheisch/tinyISP/internal/dispatch"
	"github.com/jannickheisch/tinyISP/internal/feedlog"
	"github.com/jannickheisch/tinyISP/internal/wire"
)

// peer is one participant: a hub, a feed store and a domain whose outbound
// datagrams are queued until the test delivers them.
type peer struct {
	hub   *dispatch.Hub
	store *feedlog.Store
	g     *GOset

	mu     sync.Mutex
	outbox [][]byte
}

func newPeer(t *testing.T, opts ...Option) *peer {
	t.Helper()

	p := &peer{hub: dispatch.New(nil)}

	store, err := feedlog.New(afero.NewMemMapFs(), "/data", feedlog.Ed25519, p.hub)
	if err != nil {
		t.Fatalf("feedlog.New: %v", err)
	}

	p.store = store
	p.g = New(RootDomain, store, p.hub, p.queue, opts...)

	return p
}

func (p *peer) queue(pkt []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.outbox = append(p.outbox, pkt)
}

func (p *peer) take() [][]byte {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := p.outbox
	p.outbox = nil

	return out
}

// pump delivers queued datagrams between a and b until both outboxes are empty.
func pump(a, b *peer) {
	for {
		fromA, fromB := a.take(), b.take()
		if len(fromA) == 0 && len(fromB) == 0 {
			return
		}

		for _, pkt := range fromA {
			b.hub.OnReceive(pkt)
		}

		for _, pkt := range fromB {
			a.hub.OnReceive(pkt)
		}
	}
}

func randomKey(t *testing.T) wire.FeedID {
	t.Helper()

	var k wire.FeedID
	if _, err := rand.Read(k[:]); err != nil {
		t.Fatalf("rand: %v", err)
	}

	return k
}

func TestAddRejects(t *testing.T) {
	p := newPeer(t, WithMaxKeys(3))

	k1, k2, k3 := randomKey(t), randomKey(t), randomKey(t)

	if p.g.Add(wire.FeedID{}) {
		t.Error("zero key accepted")
	}

	for _, k := range []wire.FeedID{k1, k2, k3} {
		if !p.g.Add(k) {
			t.Fatalf("Add(%s) rejected", k.Short())
		}
	}

	if p.g.Add(k2) {
		t.Error("duplicate key accepted")
	}

	before := p.g.Keys()

	if p.g.Add(randomKey(t)) {
		t.Error("key beyond capacity accepted")
	}

	if !slices.Equal(p.g.Keys(), before) {
		t.Error("rejected add mutated the set")
	}

	if !slices.IsSortedFunc(before, wire.FeedID.Compare) {
		t.Error("keys not sorted")
	}

	for _, k := range before {
		st, ok := p.store.State(k)
		if !ok || st.Kind != feedlog.KindRoot {
			t.Errorf("member %s has no root feed", k.Short())
		}
	}
}

func TestAddSendsOrQueuesNovelty(t *testing.T) {
	p := newPeer(t)

	var added []wire.FeedID
	p.g.onAdd = func(k wire.FeedID) { added = append(added, k) }

	k1, k2 := randomKey(t), randomKey(t)
	p.g.Add(k1)
	p.g.Add(k2)

	out := p.take()
	if len(out) != 1 || !bytes.Equal(out[0], wire.WithDMX(p.g.DMX(), wire.Novelty{Key: k1}.Bytes())) {
		t.Fatalf("sent %d frames, want the novelty of the first key", len(out))
	}

	if len(added) != 2 {
		t.Errorf("callback saw %d keys, want 2", len(added))
	}

	// the first round finds the credit spent by the add and only claims
	p.g.Round()

	if out = p.take(); len(out) != 1 {
		t.Fatalf("first round sent %d frames, want the claim only", len(out))
	}

	// the queued novelty goes out with the next round, ahead of the claim
	p.g.Round()

	out = p.take()
	if len(out) != 2 {
		t.Fatalf("second round sent %d frames, want novelty and claim", len(out))
	}

	f, _ := wire.ParseFrame(out[0][wire.DMXLen:])
	if n, ok := f.(wire.Novelty); !ok || n.Key != k2 {
		t.Errorf("first frame = %#v, want novelty of second key", f)
	}

	f, _ = wire.ParseFrame(out[1][wire.DMXLen:])
	if c, ok := f.(wire.Claim); !ok || c.Count != 2 || c.XOR != p.g.State() {
		t.Errorf("second frame = %#v, want full claim", f)
	}
}

func TestRoundRearmsRequestChannels(t *testing.T) {
	p := newPeer(t)
	p.g.Add(randomKey(t))

	oldWant := WantDMX(wire.FeedID{})
	if !p.hub.Armed(oldWant) {
		t.Fatal("want channel of the empty set not armed")
	}

	p.g.Round()

	state := p.g.State()
	if p.hub.Armed(oldWant) || !p.hub.Armed(WantDMX(state)) || !p.hub.Armed(ChunkDMX(state)) {
		t.Error("request channels not moved to the new fingerprint")
	}
}

func TestRxIgnoresMalformedFrames(t *testing.T) {
	p := newPeer(t)
	d := p.g.DMX()

	for _, pkt := range [][]byte{
		d[:],
		wire.WithDMX(d, []byte{'n', 1, 2}),
		wire.WithDMX(d, append([]byte{'x'}, make([]byte, wire.ClaimLen-1)...)),
	} {
		p.hub.OnReceive(pkt)
	}

	if p.g.Len() != 0 || p.g.PendingClaims() != 0 {
		t.Error("malformed frame changed the domain")
	}
}

func TestRxClaimAddsBoundaries(t *testing.T) {
	p := newPeer(t)
	keys := sortedKeys(4)

	c := ClaimRange(keys, 0, 3)
	p.hub.OnReceive(wire.WithDMX(p.g.DMX(), c.Bytes()))

	got := p.g.Keys()
	if len(got) != 2 || got[0] != keys[0] || got[1] != keys[3] {
		t.Errorf("keys after claim = %d", len(got))
	}

	if p.g.PendingClaims() != 1 {
		t.Errorf("pending claims = %d, want 1", p.g.PendingClaims())
	}

	// the same claim again is not queued twice
	p.hub.OnReceive(wire.WithDMX(p.g.DMX(), c.Bytes()))

	if p.g.PendingClaims() != 1 {
		t.Errorf("pending claims = %d after duplicate, want 1", p.g.PendingClaims())
	}
}

func TestSetEpoch(t *testing.T) {
	p := newPeer(t)

	g := New("isp contract 7", p.store, p.hub, p.queue, WithEpoch(2))
	old := g.DMX()

	if err := g.SetEpoch(1); !errors.Is(err, ErrEpochDecrease) {
		t.Fatalf("SetEpoch(1) err = %v, want ErrEpochDecrease", err)
	}

	if err := g.SetEpoch(3); err != nil {
		t.Fatalf("SetEpoch(3): %v", err)
	}

	if g.DMX() == old || g.DMX() != DomainDMX("isp contract 7", 3) {
		t.Error("claim channel did not follow the epoch")
	}

	if p.hub.Armed(old) || !p.hub.Armed(g.DMX()) {
		t.Error("hub not re-armed for the new epoch")
	}

	if DomainDMX(RootDomain, 5) != DomainDMX(RootDomain, 0) {
		t.Error("root domain channel depends on the epoch")
	}

	g.Add(randomKey(t))

	st, _ := p.store.State(g.Keys()[0])
	if st.Kind != feedlog.KindVirtual {
		t.Errorf("application domain created a %q feed", st.Kind)
	}
}

func TestConvergence(t *testing.T) {
	a, b := newPeer(t), newPeer(t)

	for i := 0; i < 9; i++ {
		a.g.Add(randomKey(t))
	}

	for i := 0; i < 6; i++ {
		b.g.Add(randomKey(t))
	}

	pump(a, b)

	converged := false

	for round := 0; round < 200 && !converged; round++ {
		a.g.Round()
		b.g.Round()
		pump(a, b)

		converged = slices.Equal(a.g.Keys(), b.g.Keys())
	}

	if !converged {
		t.Fatalf("no convergence: %d and %d keys", a.g.Len(), b.g.Len())
	}

	if a.g.Len() != 15 {
		t.Errorf("converged set has %d keys, want 15", a.g.Len())
	}

	a.g.Round()
	b.g.Round()

	if a.g.State() != b.g.State() {
		t.Error("fingerprints differ after convergence")
	}
}

func TestPullReplicatesEntries(t *testing.T) {
	src, dst := newPeer(t), newPeer(t)

	pub, priv, _ := ed25519.GenerateKey(rand.Reader)
	author, _ := wire.FeedIDFromBytes(pub)
	sign := func(msg []byte) ([]byte, error) { return ed25519.Sign(priv, msg), nil }

	src.g.Add(author)
	dst.g.Add(author)

	contents := [][]byte{
		[]byte("first"),
		bytes.Repeat([]byte("side chain "), 40),
		[]byte("third"),
		[]byte("fourth"),
		bytes.Repeat([]byte{0x42}, 250),
	}

	for _, c := range contents {
		if _, err := src.store.Publish(author, c, sign); err != nil {
			t.Fatalf("Publish: %v", err)
		}
	}

	var got []feedlog.Entry
	dst.store.OnEntry(func(e feedlog.Entry) { got = append(got, e) })

	src.g.Round()
	dst.g.Round()
	pump(src, dst)

	for i := 0; i < 20 && len(got) < len(contents); i++ {
		dst.g.Pull()
		pump(src, dst)
	}

	if len(got) != len(contents) {
		t.Fatalf("replicated %d entries, want %d", len(got), len(contents))
	}

	// side-chained entries complete after the packets that follow them
	slices.SortFunc(got, func(a, b feedlog.Entry) int { return int(a.Seq) - int(b.Seq) })

	for i, e := range got {
		if e.Seq != uint32(i+1) || !bytes.Equal(e.Body, contents[i]) {
			t.Errorf("entry %d: seq %d, body match %v", i, e.Seq, bytes.Equal(e.Body, contents[i]))
		}
	}
}

func TestPullIsSilentWithoutMembers(t *testing.T) {
	p := newPeer(t)

	p.g.Round()
	p.g.Pull()

	if out := p.take(); len(out) != 0 {
		t.Errorf("empty domain sent %d frames", len(out))
	}
}

func TestWantRequestRespectsCredit(t *testing.T) {
	p := newPeer(t)

	pub, priv, _ := ed25519.GenerateKey(rand.Reader)
	author, _ := wire.FeedIDFromBytes(pub)
	sign := func(msg []byte) ([]byte, error) { return ed25519.Sign(priv, msg), nil }

	p.g.Add(author)

	for i := 0; i < 6; i++ {
		p.store.Publish(author, []byte{byte(i)}, sign)
	}

	p.g.Round()
	p.take()

	req := wire.WantRequest{Offset: 0, Seqs: []int{2}}
	p.hub.OnReceive(wire.WithDMX(WantDMX(p.g.State()), req.Encode()))

	out := p.take()
	if len(out) != WantCredit {
		t.Fatalf("answered with %d packets, want %d", len(out), WantCredit)
	}

	for i, pkt := range out {
		want, _ := p.store.ReadPacket(author, uint32(2+i))
		if !bytes.Equal(pkt, want) {
			t.Errorf("packet %d is not seq %d", i, 2+i)
		}
	}
}
