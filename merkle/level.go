package merkle

// CalcLevel returns the smallest non-negative integer l such that
// 2^l >= n (i.e. ceil(log2(n))), with CalcLevel(0) == 0.
//
// The signer calls CalcLevel(2*nRecords) to derive the tree level claimed
// to the aggregator (spec.md §4.3). Doubling nRecords accounts for the
// blinding masks mixed into every leaf; for certain small nRecords this
// produces a level one greater than the tree's actual height. That is a
// deliberate, preserved-verbatim quirk (spec.md §9 Open Questions) — it
// matches what the aggregator already expects from this wire format.
func CalcLevel(n uint64) int {
	if n == 0 {
		return 0
	}
	level := 0
	for uint64(1)<<uint(level) < n {
		level++
	}
	return level
}
