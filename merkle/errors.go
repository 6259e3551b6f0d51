package merkle

import "errors"

var (
	// ErrBlockNotActive is returned by AddLeaf when no block has been
	// initialized, or the previous one was finished and not re-inited.
	ErrBlockNotActive = errors.New("merkle: no active block")
	// ErrTooManyRoots indicates the roots array was exhausted, which
	// should never happen given a correctly configured block size limit
	// (spec.md §4.3: "nRoots < MAX_ROOTS is an enforced invariant").
	ErrTooManyRoots = errors.New("merkle: roots array exhausted")
)
