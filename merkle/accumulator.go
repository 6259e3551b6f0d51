// Package merkle implements the per-block online Merkle tree accumulator
// (spec.md §4.3). It folds leaves into a logarithmic "roots" array using
// the same binary-counter backfill shape as a Merkle Mountain Range
// (compare mmr.AddHashedLeaf in the teacher package), with two additions
// the spec requires: every leaf is blinded by a per-block mask before it
// enters the tree, and each fold is committed to an explicit level byte
// rather than a bare position.
package merkle

import (
	"github.com/dmolik/ksilog/imprint"
)

// MaxRoots bounds the roots array. 64 slots cover any block whose size is
// expressible in a uint64 leaf count, far beyond any realistic
// configured block size limit.
const MaxRoots = 64

// Accumulator is the per-block online tree described by spec.md §3/§4.3.
// It is not safe for concurrent use; callers (the Block Controller) own
// serialization.
type Accumulator struct {
	hasher *imprint.Hasher

	iv       []byte
	lastLeaf imprint.Imprint

	roots    [MaxRoots]imprint.Imprint
	nRoots   int
	nRecords uint64

	active bool
}

// NewAccumulator constructs an Accumulator bound to hasher. Init must be
// called before AddLeaf.
func NewAccumulator(hasher *imprint.Hasher) *Accumulator {
	return &Accumulator{hasher: hasher}
}

// Init starts a new block: seeds IV and the chained lastLeaf, and clears
// roots/nRoots/nRecords (spec.md §4.4). Calling Init while a block is
// already active discards any in-flight state — the caller must Finish
// first (spec.md §5 Idempotence: "init without finish loses in-flight
// state (invariant violation — callers must not do this)").
func (a *Accumulator) Init(iv []byte, lastLeaf imprint.Imprint) {
	a.iv = iv
	a.lastLeaf = lastLeaf
	a.roots = [MaxRoots]imprint.Imprint{}
	a.nRoots = 0
	a.nRecords = 0
	a.active = true
}

// Active reports whether a block is currently open.
func (a *Accumulator) Active() bool { return a.active }

// IV returns the current block's seed IV. Only meaningful while Active.
func (a *Accumulator) IV() []byte { return a.iv }

// NRecords returns the number of leaves (including metadata leaves) added
// to the current block.
func (a *Accumulator) NRecords() uint64 { return a.nRecords }

// LastLeaf returns the imprint of the most recently computed leaf node,
// captured before any carry folding touches it (lib_ksils12.c
// sigblkAddLeaf: treeNode is saved to lastLeaf before the carry loop
// runs, and the carry never updates it again). Before the first leaf of
// a fresh chain this is whatever Init was seeded with (the prior block's
// last node, or a zero imprint for a new chain).
func (a *Accumulator) LastLeaf() imprint.Imprint { return a.lastLeaf }

// mask computes H(lastLeaf || IV), the per-leaf blinding value (spec.md
// §3 Glossary, invariant I1).
func (a *Accumulator) mask() imprint.Imprint {
	a.hasher.Reset()
	a.hasher.AddImprint(a.lastLeaf)
	a.hasher.AddBytes(a.iv)
	return a.hasher.Close()
}

// hashFold computes H(left || right || level), used both for the initial
// leaf/mask combination (level == 1) and for every subsequent carry/bag
// fold (invariant I1, I2).
func (a *Accumulator) hashFold(left, right imprint.Imprint, level int) imprint.Imprint {
	a.hasher.Reset()
	a.hasher.AddImprint(left)
	a.hasher.AddImprint(right)
	a.hasher.AddBytes([]byte{byte(level)})
	return a.hasher.Close()
}

// AddLeaf hashes data, blinds it with the current mask, folds it into the
// roots array, and returns leafDigest = H(data), the raw record digest
// written as the 0x0902 record-hash TLV (lib_ksils12.c sigblkCreateHash),
// plus, in order, the imprint of every new interim node the carry
// produced (spec.md §4.3).
//
// Precondition: a block must be active (Init called, Finish not yet
// called since).
func (a *Accumulator) AddLeaf(data []byte, isMetadata bool) (leafDigest imprint.Imprint, interims []imprint.Imprint, err error) {
	if !a.active {
		return nil, nil, ErrBlockNotActive
	}

	mask := a.mask()

	a.hasher.Reset()
	a.hasher.AddBytes(data)
	leafDigest = a.hasher.Close()

	// Mask is always the left child for normal leaves, right child for
	// metadata leaves (spec.md §4.3 tie-break).
	var node imprint.Imprint
	if isMetadata {
		node = a.hashFold(leafDigest, mask, 1)
	} else {
		node = a.hashFold(mask, leafDigest, 1)
	}

	// lastLeaf is captured here, before the carry, and never touched by
	// it (lib_ksils12.c: treeNode -> lastLeaf precedes the carry loop).
	a.lastLeaf = node
	a.nRecords++

	treeNode := node
	for j := 0; treeNode != nil; j++ {
		if j >= len(a.roots) {
			return nil, nil, ErrTooManyRoots
		}
		if a.roots[j] == nil {
			a.roots[j] = treeNode
			if j+1 > a.nRoots {
				a.nRoots = j + 1
			}
			treeNode = nil
			continue
		}
		folded := a.hashFold(a.roots[j], treeNode, j+2)
		a.roots[j] = nil
		interims = append(interims, folded)
		treeNode = folded
	}

	return leafDigest, interims, nil
}

// Finish folds any remaining occupied roots, low to high, into a single
// root using H(lower || higher || level) at strictly increasing levels,
// and returns that root plus, in order, each interim the bagging fold
// produced (spec.md §4.3).
//
// Called on an empty block (no leaves added since Init), Finish is a
// no-op and returns a nil root (spec.md §5 Idempotence); the caller is
// expected not to write a signature TLV in that case.
func (a *Accumulator) Finish() (root imprint.Imprint, interims []imprint.Imprint, err error) {
	if a.nRecords == 0 {
		return nil, nil, nil
	}

	var started bool
	level := 0
	for j := 0; j < a.nRoots; j++ {
		if a.roots[j] == nil {
			continue
		}
		if !started {
			root = a.roots[j]
			level = j + 2
			started = true
			continue
		}
		folded := a.hashFold(root, a.roots[j], level)
		interims = append(interims, folded)
		root = folded
		level++
	}

	a.roots = [MaxRoots]imprint.Imprint{}
	a.nRoots = 0
	a.iv = nil
	a.active = false

	return root, interims, nil
}
