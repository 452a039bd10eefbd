// Package keystore keeps the Ed25519 keys of locally authored feeds in Pebble
// and signs on their behalf.
package keystore

import (
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/cockroachdb/pebble"

	"github.com/jannickheisch/tinyISP/internal/wire"
)

var (
	// ErrUnknownKey is returned when no private key is held for a feed.
	ErrUnknownKey = errors.New("unknown key")

	// ErrNoRoot is returned by Root before a root key was set.
	ErrNoRoot = errors.New("no root key")
)

var (
	keyPrefix = []byte("k/")
	rootKey   = []byte("root")
)

// Key describes a stored key pair.
type Key struct {
	FID  wire.FeedID // FID is the public key
	Name string      // Name is a local label
}

type entry struct {
	priv ed25519.PrivateKey
	name string
}

// Keystore holds private keys by feed id. Records are written with
// pebble.Sync since a lost key cannot be recovered.
type Keystore struct {
	db *pebble.DB // db is the underlying Pebble database

	mu   sync.RWMutex
	keys map[wire.FeedID]entry // keys caches every stored key
}

// Open opens (or creates) the keystore at path and loads all keys.
func Open(path string) (*Keystore, error) {
	opts := &pebble.Options{
		Cache:        pebble.NewCache(1 << 20),
		MemTableSize: 1 << 20,
	}
	defer opts.Cache.Unref()

	db, err := pebble.Open(path, opts)
	if err != nil {
		return nil, fmt.Errorf("open keystore:\n%w", err)
	}

	ks := &Keystore{db: db, keys: make(map[wire.FeedID]entry)}

	err = ks.iteratePrefix(keyPrefix, func(key, value []byte) error {
		fid, ok := wire.FeedIDFromBytes(key[len(keyPrefix):])
		if !ok || len(value) < ed25519.SeedSize {
			return fmt.Errorf("corrupt key record %x", key)
		}

		ks.keys[fid] = entry{
			priv: ed25519.NewKeyFromSeed(value[:ed25519.SeedSize]),
			name: string(value[ed25519.SeedSize:]),
		}

		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("load keys:\n%w", err)
	}

	return ks, nil
}

// Generate creates and stores a fresh key pair.
func (ks *Keystore) Generate(name string) (wire.FeedID, error) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return wire.FeedID{}, fmt.Errorf("generate key:\n%w", err)
	}

	return ks.Add(priv, name)
}

// Add stores an existing private key under name and returns its feed id.
func (ks *Keystore) Add(priv ed25519.PrivateKey, name string) (wire.FeedID, error) {
	if len(priv) != ed25519.PrivateKeySize {
		return wire.FeedID{}, fmt.Errorf("invalid key size: got %d, want %d", len(priv), ed25519.PrivateKeySize)
	}

	fid, _ := wire.FeedIDFromBytes(priv.Public().(ed25519.PublicKey))

	value := append(slices.Clone(priv.Seed()), name...)
	if err := ks.db.Set(recordKey(fid), value, pebble.Sync); err != nil {
		return wire.FeedID{}, fmt.Errorf("store key:\n%w", err)
	}

	ks.mu.Lock()
	ks.keys[fid] = entry{priv: priv, name: name}
	ks.mu.Unlock()

	return fid, nil
}

// Remove deletes the key of fid.
func (ks *Keystore) Remove(fid wire.FeedID) error {
	ks.mu.Lock()
	defer ks.mu.Unlock()

	if _, ok := ks.keys[fid]; !ok {
		return ErrUnknownKey
	}

	if err := ks.db.Delete(recordKey(fid), pebble.Sync); err != nil {
		return fmt.Errorf("delete key:\n%w", err)
	}

	delete(ks.keys, fid)

	return nil
}

// Has reports whether the private key of fid is held.
func (ks *Keystore) Has(fid wire.FeedID) bool {
	ks.mu.RLock()
	defer ks.mu.RUnlock()

	_, ok := ks.keys[fid]

	return ok
}

// List returns all stored keys ordered by feed id.
func (ks *Keystore) List() []Key {
	ks.mu.RLock()
	out := make([]Key, 0, len(ks.keys))

	for fid, e := range ks.keys {
		out = append(out, Key{FID: fid, Name: e.name})
	}
	ks.mu.RUnlock()

	slices.SortFunc(out, func(a, b Key) int { return a.FID.Compare(b.FID) })

	return out
}

// Sign signs msg with the key of fid.
func (ks *Keystore) Sign(fid wire.FeedID, msg []byte) ([]byte, error) {
	ks.mu.RLock()
	e, ok := ks.keys[fid]
	ks.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownKey, fid.Short())
	}

	return ed25519.Sign(e.priv, msg), nil
}

// PrivateKey returns the private key of fid. The transport uses the root key
// as its TLS identity.
func (ks *Keystore) PrivateKey(fid wire.FeedID) (ed25519.PrivateKey, error) {
	ks.mu.RLock()
	e, ok := ks.keys[fid]
	ks.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownKey, fid.Short())
	}

	return e.priv, nil
}

// Verify checks sig over msg against the public key fid. It needs no stored key.
func (ks *Keystore) Verify(fid wire.FeedID, sig, msg []byte) bool {
	return len(sig) == ed25519.SignatureSize && ed25519.Verify(fid[:], msg, sig)
}

// Signer binds Sign to fid.
func (ks *Keystore) Signer(fid wire.FeedID) wire.SignFunc {
	return func(msg []byte) ([]byte, error) {
		return ks.Sign(fid, msg)
	}
}

// SetRoot marks fid as the node's own root feed.
func (ks *Keystore) SetRoot(fid wire.FeedID) error {
	if !ks.Has(fid) {
		return ErrUnknownKey
	}

	if err := ks.db.Set(rootKey, fid[:], pebble.Sync); err != nil {
		return fmt.Errorf("store root:\n%w", err)
	}

	return nil
}

// Root returns the node's own root feed.
func (ks *Keystore) Root() (wire.FeedID, error) {
	value, closer, err := ks.db.Get(rootKey)
	if errors.Is(err, pebble.ErrNotFound) {
		return wire.FeedID{}, ErrNoRoot
	}

	if err != nil {
		return wire.FeedID{}, err
	}
	defer closer.Close()

	fid, ok := wire.FeedIDFromBytes(value)
	if !ok {
		return wire.FeedID{}, fmt.Errorf("corrupt root record")
	}

	return fid, nil
}

// Close closes the database.
func (ks *Keystore) Close() error {
	return ks.db.Close()
}

func recordKey(fid wire.FeedID) []byte {
	return append(slices.Clone(keyPrefix), fid[:]...)
}

// iteratePrefix calls fn for each key-value pair with the given prefix.
func (ks *Keystore) iteratePrefix(prefix []byte, fn func(key, value []byte) error) error {
	iter, err := ks.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: prefixUpperBound(prefix),
	})
	if err != nil {
		return err
	}
	defer iter.Close()

	for iter.First(); iter.Valid(); iter.Next() {
		value, err := iter.ValueAndErr()
		if err != nil {
			return err
		}

		if err := fn(iter.Key(), value); err != nil {
			return err
		}
	}

	return iter.Error()
}

// prefixUpperBound computes the exclusive upper bound for a prefix scan.
// Returns nil if prefix is all 0xFF (full range).
func prefixUpperBound(prefix []byte) []byte {
	upper := slices.Clone(prefix)

	for i := len(upper) - 1; i >= 0; i-- {
		upper[i]++
		if upper[i] != 0 {
			return upper
		}
	}

	return nil
}
