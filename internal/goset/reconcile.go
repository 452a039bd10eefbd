package goset

import (
	"slices"

	"github.com/jannickheisch/tinyISP/internal/wire"
)

// Budget holds the per-round credits reconciliation may spend.
type Budget struct {
	Ask  int // Ask limits answers with the local view of a claimed range
	Help int // Help limits narrowing and splitting of a claimed range
}

// Action is one decision Reconcile takes for a pending claim.
type Action interface {
	action()
}

type (
	// Resolved means both sides agree on the claimed range.
	Resolved struct{}

	// Discarded means the claim cannot be mapped onto the local set.
	Discarded struct{}

	// Ask answers with the local claim over the same range.
	Ask struct{ Claim wire.Claim }

	// Announce sends the single key left inside the range.
	Announce struct{ Key wire.FeedID }

	// Narrow sends one claim over the range without its boundary keys.
	Narrow struct{ Claim wire.Claim }

	// Split sends two claims covering the two halves of the inner range.
	Split struct{ Lo, Hi wire.Claim }

	// Retain keeps the claim for a later round.
	Retain struct{}
)

func (Resolved) action()  {}
func (Discarded) action() {}
func (Ask) action()       {}
func (Announce) action()  {}
func (Narrow) action()    {}
func (Split) action()     {}
func (Retain) action()    {}

// Reconcile decides how to answer a peer claim against the sorted local key
// list. It spends credits from b and never touches anything else, so the
// round driver only has to execute the returned actions in order.
//
// An empty result means the claim was handled by an inner range that holds no
// keys: both boundaries are already known and nothing needs to be sent.
func Reconcile(keys []wire.FeedID, c wire.Claim, b *Budget) []Action {
	if c.Count == 0 {
		return []Action{Discarded{}}
	}

	lo, okLo := indexOf(keys, c.Lo)
	hi, okHi := indexOf(keys, c.Hi)

	if !okLo || !okHi || lo > hi {
		return []Action{Discarded{}}
	}

	local := ClaimRange(keys, lo, hi)
	if local.XOR == c.XOR {
		return []Action{Resolved{}}
	}

	var acts []Action

	if local.Count <= c.Count {
		if b.Ask > 0 {
			b.Ask--
			acts = append(acts, Ask{Claim: local})
		}

		// the peer knows more keys in this range than we do; wait for them
		if local.Count < c.Count {
			return append(acts, Retain{})
		}
	}

	if b.Help <= 0 {
		return append(acts, Retain{})
	}

	b.Help--
	lo++
	hi--

	switch {
	case hi < lo:
	case hi == lo:
		acts = append(acts, Announce{Key: keys[lo]})
	case hi-lo <= 2:
		acts = append(acts, Narrow{Claim: ClaimRange(keys, lo, hi)})
	default:
		sz := (hi + 1 - lo) / 2
		acts = append(acts, Split{
			Lo: ClaimRange(keys, lo, lo+sz-1),
			Hi: ClaimRange(keys, lo+sz, hi),
		})
	}

	return acts
}

// XOR folds the keys at indices lo..hi (inclusive).
func XOR(keys []wire.FeedID, lo, hi int) wire.FeedID {
	var x wire.FeedID

	for _, k := range keys[lo : hi+1] {
		for i := range x {
			x[i] ^= k[i]
		}
	}

	return x
}

// ClaimRange builds the claim over indices lo..hi (inclusive) of keys.
func ClaimRange(keys []wire.FeedID, lo, hi int) wire.Claim {
	return wire.Claim{
		Lo:    keys[lo],
		Hi:    keys[hi],
		XOR:   XOR(keys, lo, hi),
		Count: hi - lo + 1,
	}
}

// indexOf finds key in the sorted list.
func indexOf(keys []wire.FeedID, key wire.FeedID) (int, bool) {
	return slices.BinarySearchFunc(keys, key, wire.FeedID.Compare)
}
