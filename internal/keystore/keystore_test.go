package keystore

import (
	"errors"
	"path/filepath"
	"testing"

	"github.com/jannickheisch/tinyISP/internal/wire"
)

// newTestKeystore opens a keystore in a temporary directory.
func newTestKeystore(t *testing.T, dir string) *Keystore {
	t.Helper()

	ks, err := Open(filepath.Join(dir, "keys"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	return ks
}

func TestSignAndVerify(t *testing.T) {
	ks := newTestKeystore(t, t.TempDir())
	defer ks.Close()

	fid, err := ks.Generate("me")
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}

	msg := []byte("signed bytes")

	sig, err := ks.Sign(fid, msg)
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}

	if !ks.Verify(fid, sig, msg) {
		t.Error("valid signature rejected")
	}

	sig[0] ^= 1
	if ks.Verify(fid, sig, msg) {
		t.Error("tampered signature accepted")
	}

	if ks.Verify(fid, sig[:10], msg) {
		t.Error("short signature accepted")
	}
}

func TestSignerBuildsValidPackets(t *testing.T) {
	ks := newTestKeystore(t, t.TempDir())
	defer ks.Close()

	fid, _ := ks.Generate("me")

	pkt, err := wire.BuildDirect(fid, 1, fid.Anchor(), []byte("hi"), ks.Signer(fid))
	if err != nil {
		t.Fatalf("BuildDirect: %v", err)
	}

	name := wire.Name(fid, 1, fid.Anchor())
	if !ks.Verify(fid, wire.Signature(pkt), wire.SignedBytes(name, pkt)) {
		t.Error("packet signature does not verify")
	}
}

func TestUnknownKey(t *testing.T) {
	ks := newTestKeystore(t, t.TempDir())
	defer ks.Close()

	if _, err := ks.Sign(wire.FeedID{1}, []byte("x")); !errors.Is(err, ErrUnknownKey) {
		t.Errorf("Sign err = %v, want ErrUnknownKey", err)
	}

	if err := ks.Remove(wire.FeedID{1}); !errors.Is(err, ErrUnknownKey) {
		t.Errorf("Remove err = %v, want ErrUnknownKey", err)
	}

	if err := ks.SetRoot(wire.FeedID{1}); !errors.Is(err, ErrUnknownKey) {
		t.Errorf("SetRoot err = %v, want ErrUnknownKey", err)
	}

	if _, err := ks.PrivateKey(wire.FeedID{1}); !errors.Is(err, ErrUnknownKey) {
		t.Errorf("PrivateKey err = %v, want ErrUnknownKey", err)
	}

	if _, err := ks.Root(); !errors.Is(err, ErrNoRoot) {
		t.Errorf("Root err = %v, want ErrNoRoot", err)
	}
}

func TestPersistence(t *testing.T) {
	dir := t.TempDir()

	ks := newTestKeystore(t, dir)
	a, _ := ks.Generate("alice")
	b, _ := ks.Generate("bob")

	if err := ks.SetRoot(a); err != nil {
		t.Fatalf("SetRoot: %v", err)
	}

	if err := ks.Remove(b); err != nil {
		t.Fatalf("Remove: %v", err)
	}

	if err := ks.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	ks = newTestKeystore(t, dir)
	defer ks.Close()

	keys := ks.List()
	if len(keys) != 1 || keys[0].FID != a || keys[0].Name != "alice" {
		t.Fatalf("List = %+v", keys)
	}

	root, err := ks.Root()
	if err != nil || root != a {
		t.Errorf("Root = %v, %v", root, err)
	}

	if ks.Has(b) {
		t.Error("removed key reloaded")
	}

	msg := []byte("after reopen")
	sig, err := ks.Sign(a, msg)
	if err != nil || !ks.Verify(a, sig, msg) {
		t.Errorf("reloaded key cannot sign: %v", err)
	}
}

func TestPrefixUpperBound(t *testing.T) {
	tests := []struct {
		prefix []byte
		want   []byte
	}{
		{[]byte("k/"), []byte("k0")},
		{[]byte{0x01, 0xff}, []byte{0x02, 0x00}},
		{[]byte{0xff, 0xff}, nil},
	}

	for _, tt := range tests {
		got := prefixUpperBound(tt.prefix)
		if string(got) != string(tt.want) {
			t.Errorf("prefixUpperBound(%x) = %x, want %x", tt.prefix, got, tt.want)
		}
	}
}
