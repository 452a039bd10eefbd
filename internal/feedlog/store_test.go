package feedlog

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"path/filepath"
	"sync"
	"testing"

	"github.com/spf13/afero"

	"github.com/jannickheisch/tinyISP/internal/dispatch"
	"github.com/jannickheisch/tinyISP/internal/wire"
)

type author struct {
	fid  wire.FeedID
	sign wire.SignFunc
}

func newAuthor(t *testing.T) author {
	t.Helper()

	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}

	fid, _ := wire.FeedIDFromBytes(pub)

	return author{
		fid:  fid,
		sign: func(msg []byte) ([]byte, error) { return ed25519.Sign(priv, msg), nil },
	}
}

type fixture struct {
	fs      afero.Fs
	hub     *dispatch.Hub
	store   *Store
	entries []Entry
}

func newFixture(t *testing.T, fs afero.Fs) *fixture {
	t.Helper()

	fx := &fixture{fs: fs, hub: dispatch.New(nil)}

	s, err := New(fs, "/data", Ed25519, fx.hub)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	s.OnEntry(func(e Entry) { fx.entries = append(fx.entries, e) })
	fx.store = s

	return fx
}

func TestHelloScenario(t *testing.T) {
	fx := newFixture(t, afero.NewMemMapFs())
	a := newAuthor(t)

	if err := fx.store.Create(a.fid, KindRoot); err != nil {
		t.Fatalf("Create: %v", err)
	}

	pkt1, err := wire.BuildDirect(a.fid, 1, a.fid.Anchor(), []byte("hello"), a.sign)
	if err != nil {
		t.Fatalf("BuildDirect: %v", err)
	}

	e1, err := fx.store.Append(a.fid, pkt1)
	if err != nil {
		t.Fatalf("Append seq 1: %v", err)
	}

	want := wire.MessageHash(wire.Name(a.fid, 1, a.fid.Anchor()), pkt1)
	if e1 == nil || e1.Seq != 1 || e1.MID != want || string(e1.Body) != "hello" {
		t.Fatalf("entry = %+v", e1)
	}

	pkt2, err := wire.BuildDirect(a.fid, 2, e1.MID, []byte("again"), a.sign)
	if err != nil {
		t.Fatalf("BuildDirect: %v", err)
	}

	if _, err := fx.store.Append(a.fid, pkt2); err != nil {
		t.Fatalf("Append seq 2: %v", err)
	}

	// a packet still chained to hash1 no longer fits the log position
	if _, err := fx.store.Append(a.fid, pkt2); !errors.Is(err, ErrDMXMismatch) {
		t.Errorf("replay err = %v, want ErrDMXMismatch", err)
	}

	pkt3, err := wire.BuildDirect(a.fid, 3, e1.MID, []byte("stale"), a.sign)
	if err != nil {
		t.Fatalf("BuildDirect: %v", err)
	}

	if _, err := fx.store.Append(a.fid, pkt3); !errors.Is(err, ErrDMXMismatch) {
		t.Errorf("stale anchor err = %v, want ErrDMXMismatch", err)
	}

	if n := fx.store.Len(a.fid); n != 2 {
		t.Errorf("Len = %d, want 2", n)
	}

	if len(fx.entries) != 2 {
		t.Errorf("emitted %d entries, want 2", len(fx.entries))
	}
}

func TestDirectContentLengths(t *testing.T) {
	tests := []struct {
		name string
		n    int
	}{
		{"empty", 0},
		{"short", 5},
		{"inline boundary", 27},
		{"first plain48", 28},
		{"full plain48", 48},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fx := newFixture(t, afero.NewMemMapFs())
			a := newAuthor(t)
			fx.store.Create(a.fid, KindRoot)

			content := bytes.Repeat([]byte{0x5a}, tt.n)

			pkt, err := wire.BuildDirect(a.fid, 1, a.fid.Anchor(), content, a.sign)
			if err != nil {
				t.Fatalf("BuildDirect: %v", err)
			}

			e, err := fx.store.Append(a.fid, pkt)
			if err != nil || e == nil {
				t.Fatalf("Append = %v, %v", e, err)
			}

			if !bytes.HasPrefix(e.Body, content) {
				t.Fatalf("body %x does not start with content", e.Body)
			}

			// inline bodies are exact; plain48 bodies carry the zero-padded payload
			wantLen := tt.n
			if tt.n > 27 {
				wantLen = wire.PlainLen
			}

			if len(e.Body) != wantLen {
				t.Errorf("body length = %d, want %d", len(e.Body), wantLen)
			}

			if rest := e.Body[tt.n:]; !bytes.Equal(rest, make([]byte, len(rest))) {
				t.Errorf("padding %x is not zero", rest)
			}

			if len(fx.entries) != 1 {
				t.Errorf("emitted %d entries, want 1", len(fx.entries))
			}
		})
	}
}

func TestChainedEntryThroughHub(t *testing.T) {
	fx := newFixture(t, afero.NewMemMapFs())
	a := newAuthor(t)
	fx.store.Create(a.fid, KindRoot)

	content := make([]byte, 1000)
	rand.Read(content)

	head, chunks, err := wire.BuildChained(a.fid, 1, a.fid.Anchor(), content, a.sign)
	if err != nil {
		t.Fatalf("BuildChained: %v", err)
	}

	if !fx.hub.OnReceive(head) {
		t.Fatal("head packet not routed")
	}

	if len(fx.entries) != 0 {
		t.Fatal("entry emitted before the side chain arrived")
	}

	pending := fx.store.PendingChains(a.fid)
	if len(pending) != 1 || pending[0].Seq != 1 || pending[0].Hash != wire.ChunkHash(chunks[0]) {
		t.Fatalf("pending chains = %+v", pending)
	}

	// a later chunk arriving first is refused and changes nothing
	if _, err := fx.store.AppendChunk(a.fid, 1, chunks[2]); !errors.Is(err, ErrUnexpectedChunk) {
		t.Fatalf("out of order err = %v, want ErrUnexpectedChunk", err)
	}

	if fx.hub.OnReceive(chunks[3]) {
		t.Error("unexpected chunk routed by the hub")
	}

	if p := fx.store.PendingChains(a.fid); p[0].NextChunk != 0 {
		t.Fatalf("next chunk = %d after refused chunk", p[0].NextChunk)
	}

	for i, c := range chunks {
		if !fx.hub.OnReceive(c) {
			t.Fatalf("chunk %d not routed", i)
		}
	}

	if len(fx.entries) != 1 || !bytes.Equal(fx.entries[0].Body, content) {
		t.Fatalf("entries = %d, body match = %v", len(fx.entries), len(fx.entries) == 1 && bytes.Equal(fx.entries[0].Body, content))
	}

	dir := fx.store.feedDir(a.fid)
	if exists(fx.fs, filepath.Join(dir, "!1")) || !exists(fx.fs, filepath.Join(dir, "-1")) {
		t.Error("side-chain file not renamed to its complete form")
	}

	if len(fx.store.PendingChains(a.fid)) != 0 {
		t.Error("chain still pending")
	}

	got, err := fx.store.ReadContent(a.fid, 1)
	if err != nil || !bytes.Equal(got, content) {
		t.Errorf("ReadContent = %v", err)
	}

	chunk, err := fx.store.ReadChunk(a.fid, 1, 4)
	if err != nil || !bytes.Equal(chunk, chunks[4]) {
		t.Errorf("ReadChunk = %v", err)
	}

	if _, dmxChunks := fx.hub.Size(); dmxChunks != 0 {
		t.Errorf("%d chunk registrations left", dmxChunks)
	}
}

func TestTamperedPacketIsRejected(t *testing.T) {
	a := newAuthor(t)

	pkt, err := wire.BuildDirect(a.fid, 1, a.fid.Anchor(), []byte("payload"), a.sign)
	if err != nil {
		t.Fatalf("BuildDirect: %v", err)
	}

	for _, pos := range []int{wire.DMXLen, 10, 40, 60, 119} {
		fx := newFixture(t, afero.NewMemMapFs())
		fx.store.Create(a.fid, KindRoot)

		bad := bytes.Clone(pkt)
		bad[pos] ^= 0x01

		if _, err := fx.store.Append(a.fid, bad); !errors.Is(err, ErrSignatureInvalid) {
			t.Errorf("flip at %d: err = %v, want ErrSignatureInvalid", pos, err)
		}

		st, _ := fx.store.State(a.fid)
		if st.NextSeq != 1 || st.Prev != a.fid.Anchor() {
			t.Errorf("flip at %d: state mutated to %+v", pos, st)
		}

		if size, _ := fileSize(fx.fs, filepath.Join(fx.store.feedDir(a.fid), logFile)); size != 0 {
			t.Errorf("flip at %d: log has %d bytes", pos, size)
		}
	}
}

func TestUnknownFeed(t *testing.T) {
	fx := newFixture(t, afero.NewMemMapFs())
	a := newAuthor(t)

	pkt, _ := wire.BuildDirect(a.fid, 1, a.fid.Anchor(), []byte("x"), a.sign)

	if _, err := fx.store.Append(a.fid, pkt); !errors.Is(err, ErrUnknownFeed) {
		t.Errorf("Append err = %v, want ErrUnknownFeed", err)
	}

	if _, err := fx.store.Publish(a.fid, []byte("x"), a.sign); !errors.Is(err, ErrUnknownFeed) {
		t.Errorf("Publish err = %v, want ErrUnknownFeed", err)
	}

	if err := fx.store.Remove(a.fid); !errors.Is(err, ErrUnknownFeed) {
		t.Errorf("Remove err = %v, want ErrUnknownFeed", err)
	}
}

func TestCreateIsIdempotent(t *testing.T) {
	fx := newFixture(t, afero.NewMemMapFs())
	a := newAuthor(t)

	fx.store.Create(a.fid, KindVirtual)
	fx.store.Publish(a.fid, []byte("one"), a.sign)

	if err := fx.store.Create(a.fid, KindRoot); err != nil {
		t.Fatalf("second Create: %v", err)
	}

	st, _ := fx.store.State(a.fid)
	if st.Kind != KindVirtual || st.NextSeq != 2 {
		t.Errorf("state = %+v", st)
	}

	if !fx.hub.Armed(wire.FeedDMX(a.fid, 2, st.Prev)) {
		t.Error("next packet not armed")
	}
}

func TestPublishAndReplicate(t *testing.T) {
	src := newFixture(t, afero.NewMemMapFs())
	dst := newFixture(t, afero.NewMemMapFs())
	a := newAuthor(t)

	src.store.Create(a.fid, KindRoot)
	dst.store.Create(a.fid, KindRoot)

	contents := [][]byte{
		[]byte("short"),
		bytes.Repeat([]byte("m"), 40),
		bytes.Repeat([]byte("long entry "), 60),
	}

	for _, c := range contents {
		e, err := src.store.Publish(a.fid, c, a.sign)
		if err != nil || e == nil || !bytes.Equal(e.Body, c) {
			t.Fatalf("Publish(%d bytes) = %v, %v", len(c), e, err)
		}
	}

	// ship every packet and chunk in log order through the replica's hub
	for seq := uint32(1); seq <= uint32(len(contents)); seq++ {
		pkt, err := src.store.ReadPacket(a.fid, seq)
		if err != nil {
			t.Fatalf("ReadPacket(%d): %v", seq, err)
		}

		dst.hub.OnReceive(pkt)

		for cnr := 0; ; cnr++ {
			chunk, err := src.store.ReadChunk(a.fid, seq, cnr)
			if err != nil {
				break
			}

			dst.hub.OnReceive(chunk)
		}
	}

	if len(dst.entries) != len(contents) {
		t.Fatalf("replica emitted %d entries, want %d", len(dst.entries), len(contents))
	}

	for i, e := range dst.entries {
		if !bytes.Equal(e.Body, contents[i]) || e.MID != src.entries[i].MID {
			t.Errorf("entry %d differs", i+1)
		}
	}
}

func TestLoadRestoresState(t *testing.T) {
	fs := afero.NewMemMapFs()
	first := newFixture(t, fs)
	a := newAuthor(t)
	b := newAuthor(t)

	first.store.Create(a.fid, KindRoot)
	first.store.Create(b.fid, KindVirtual)
	first.store.Publish(a.fid, []byte("one"), a.sign)
	first.store.Publish(a.fid, []byte("two"), a.sign)

	// b's entry arrives with only the first chunk of its side chain
	content := bytes.Repeat([]byte{7}, 300)
	head, chunks, _ := wire.BuildChained(b.fid, 1, b.fid.Anchor(), content, b.sign)
	first.hub.OnReceive(head)
	first.hub.OnReceive(chunks[0])

	second := newFixture(t, fs)

	n, err := second.store.Load()
	if err != nil || n != 2 {
		t.Fatalf("Load = %d, %v", n, err)
	}

	stA, _ := second.store.State(a.fid)
	wantA, _ := first.store.State(a.fid)
	if stA != wantA {
		t.Errorf("state of a = %+v, want %+v", stA, wantA)
	}

	if !second.hub.Armed(wire.FeedDMX(a.fid, stA.NextSeq, stA.Prev)) {
		t.Error("next packet of a not armed after Load")
	}

	stB, _ := second.store.State(b.fid)
	if stB.Kind != KindVirtual {
		t.Errorf("kind of b = %q", stB.Kind)
	}

	pending := second.store.PendingChains(b.fid)
	if len(pending) != 1 || pending[0].NextChunk != 1 || pending[0].Hash != wire.ChunkHash(chunks[1]) {
		t.Fatalf("pending = %+v", pending)
	}

	for _, c := range chunks[1:] {
		second.hub.OnReceive(c)
	}

	if len(second.entries) != 1 || !bytes.Equal(second.entries[0].Body, content) {
		t.Error("resumed side chain did not complete")
	}
}

func TestRemove(t *testing.T) {
	fx := newFixture(t, afero.NewMemMapFs())
	a := newAuthor(t)
	fx.store.Create(a.fid, KindRoot)

	var removed []wire.FeedID
	fx.store.OnRemove(func(fid wire.FeedID) { removed = append(removed, fid) })

	if err := fx.store.Remove(a.fid); err != nil {
		t.Fatalf("Remove: %v", err)
	}

	if exists(fx.fs, fx.store.feedDir(a.fid)) {
		t.Error("feed directory still present")
	}

	if len(removed) != 1 || removed[0] != a.fid {
		t.Errorf("removal listeners got %v", removed)
	}

	if n, _ := fx.hub.Size(); n != 0 {
		t.Errorf("%d dmx registrations left", n)
	}

	if fx.store.Exists(a.fid) || len(fx.store.Feeds()) != 0 {
		t.Error("feed still listed")
	}
}

func TestReadBounds(t *testing.T) {
	fx := newFixture(t, afero.NewMemMapFs())
	a := newAuthor(t)
	fx.store.Create(a.fid, KindRoot)
	fx.store.Publish(a.fid, []byte("only"), a.sign)

	for _, seq := range []uint32{0, 2} {
		if _, err := fx.store.ReadPacket(a.fid, seq); !errors.Is(err, ErrInvalidSeq) {
			t.Errorf("ReadPacket(%d) err = %v, want ErrInvalidSeq", seq, err)
		}
	}

	if _, err := fx.store.ReadChunk(a.fid, 1, 0); !errors.Is(err, ErrNoChunk) {
		t.Errorf("ReadChunk of inline entry err = %v, want ErrNoChunk", err)
	}

	mid, err := fx.store.ReadMID(a.fid, 1)
	if err != nil || mid != fx.entries[0].MID {
		t.Errorf("ReadMID = %v, %v", mid, err)
	}
}

func TestConcurrentAppendsHaveOneWinner(t *testing.T) {
	fs := afero.NewMemMapFs()

	s, err := New(fs, "/data", Ed25519, dispatch.New(nil))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	a := newAuthor(t)
	if err := s.Create(a.fid, KindRoot); err != nil {
		t.Fatalf("Create: %v", err)
	}

	const (
		rounds  = 5
		writers = 8
	)

	prev := a.fid.Anchor()

	for seq := uint32(1); seq <= rounds; seq++ {
		// competing packets for the same position, all valid on their own
		pkts := make([][]byte, writers)
		for i := range pkts {
			pkt, err := wire.BuildDirect(a.fid, seq, prev, []byte{byte(seq), byte(i)}, a.sign)
			if err != nil {
				t.Fatalf("BuildDirect: %v", err)
			}

			pkts[i] = pkt
		}

		var (
			wg      sync.WaitGroup
			mu      sync.Mutex
			winners []*Entry
			errs    []error
		)

		for _, pkt := range pkts {
			wg.Add(1)

			go func() {
				defer wg.Done()

				e, err := s.Append(a.fid, pkt)

				mu.Lock()
				defer mu.Unlock()

				if err != nil {
					errs = append(errs, err)
				} else {
					winners = append(winners, e)
				}
			}()
		}

		wg.Wait()

		if len(winners) != 1 {
			t.Fatalf("seq %d: %d appends won, want 1", seq, len(winners))
		}

		for _, err := range errs {
			if !errors.Is(err, ErrDMXMismatch) {
				t.Errorf("seq %d: losing append err = %v, want ErrDMXMismatch", seq, err)
			}
		}

		prev = winners[0].MID
	}

	if n := s.Len(a.fid); n != rounds {
		t.Errorf("Len = %d, want %d", n, rounds)
	}

	dir := s.feedDir(a.fid)

	logSize, _ := fileSize(fs, filepath.Join(dir, logFile))
	midSize, _ := fileSize(fs, filepath.Join(dir, midFile))

	if logSize != rounds*wire.PacketLen || midSize != rounds*wire.HashLen {
		t.Errorf("log holds %d bytes, mid %d bytes; want %d records each", logSize, midSize, rounds)
	}
}

func TestConcurrentPublish(t *testing.T) {
	s, err := New(afero.NewMemMapFs(), "/data", Ed25519, dispatch.New(nil))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	a := newAuthor(t)
	s.Create(a.fid, KindRoot)

	const writers = 10

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		seqs = make(map[uint32]bool)
	)

	for i := 0; i < writers; i++ {
		wg.Add(1)

		go func() {
			defer wg.Done()

			// every other post needs a side chain
			content := bytes.Repeat([]byte{byte(i)}, 10+i%2*200)

			e, err := s.Publish(a.fid, content, a.sign)
			if err != nil {
				t.Errorf("Publish: %v", err)
				return
			}

			mu.Lock()
			seqs[e.Seq] = true
			mu.Unlock()
		}()
	}

	wg.Wait()

	if len(seqs) != writers || s.Len(a.fid) != writers {
		t.Fatalf("%d distinct seqs, Len %d, want %d", len(seqs), s.Len(a.fid), writers)
	}

	for seq := uint32(1); seq <= writers; seq++ {
		if _, err := s.ReadContent(a.fid, seq); err != nil {
			t.Errorf("ReadContent(%d): %v", seq, err)
		}
	}
}

func TestLateHandlerCallsAreRejected(t *testing.T) {
	fx := newFixture(t, afero.NewMemMapFs())
	a := newAuthor(t)
	fx.store.Create(a.fid, KindRoot)

	head, chunks, err := wire.BuildChained(a.fid, 1, a.fid.Anchor(), bytes.Repeat([]byte("late "), 30), a.sign)
	if err != nil {
		t.Fatalf("BuildChained: %v", err)
	}

	// a handler that was looked up before the hub was re-armed
	fx.store.handlePacket(head, a.fid)
	fx.store.handlePacket(head, a.fid)

	if n := fx.store.Len(a.fid); n != 1 {
		t.Fatalf("Len = %d after a repeated head, want 1", n)
	}

	for _, c := range chunks {
		fx.store.handleChunk(c, chunkRef{fid: a.fid, seq: 1})
	}

	fx.store.handleChunk(chunks[0], chunkRef{fid: a.fid, seq: 1})

	if len(fx.entries) != 1 {
		t.Fatalf("emitted %d entries, want 1", len(fx.entries))
	}

	if len(fx.store.PendingChains(a.fid)) != 0 {
		t.Error("side chain still pending after completion")
	}
}
