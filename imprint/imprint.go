// Package imprint defines the self-describing hash values ("imprints")
// used throughout the signing core, and the Hasher Facade that produces
// them.
//
// An imprint is alg_id(1) || digest(HashLen(alg_id)) — the algorithm id
// byte makes the digest length, and therefore the imprint length,
// self-describing (spec.md §3).
package imprint

import "fmt"

// Algorithm identifies a digest algorithm. The numbering follows the KSI
// hash algorithm identifier space so imprints interoperate with the
// aggregation service's own notion of algorithm ids.
type Algorithm uint8

const (
	SHA1      Algorithm = 0x00
	SHA2_256  Algorithm = 0x01
	RIPEMD160 Algorithm = 0x02
	SHA2_384  Algorithm = 0x04
	SHA2_512  Algorithm = 0x05
	SHA3_256  Algorithm = 0x07
)

// Default is the algorithm every unsupported or untrusted selection falls
// back to (spec.md §4.2).
const Default = SHA2_256

var hashLens = map[Algorithm]int{
	SHA1:      20,
	SHA2_256:  32,
	RIPEMD160: 20,
	SHA2_384:  48,
	SHA2_512:  64,
	SHA3_256:  32,
}

// untrusted algorithms are supported for decoding legacy material but must
// never be selected for new imprints.
var untrusted = map[Algorithm]bool{
	SHA1:      true,
	RIPEMD160: true,
}

// HashLen returns the digest length in bytes for alg, or 0 if alg is not
// recognized at all.
func HashLen(alg Algorithm) int {
	return hashLens[alg]
}

// IsSupported reports whether alg has a known digest length, i.e. whether
// this build can construct a Hasher for it.
func IsSupported(alg Algorithm) bool {
	_, ok := hashLens[alg]
	return ok
}

// IsTrusted reports whether alg is fit for producing new imprints. Known
// but broken algorithms (SHA1, RIPEMD160) are supported for reading legacy
// data but are never trusted for new signing work.
func IsTrusted(alg Algorithm) bool {
	return IsSupported(alg) && !untrusted[alg]
}

// Imprint is an algorithm-prefixed digest: alg_id(1) || digest.
type Imprint []byte

// New builds an Imprint from an algorithm id and a digest. The digest
// length is not validated against HashLen(alg); callers that need that
// guarantee should route construction through a Hasher.
func New(alg Algorithm, digest []byte) Imprint {
	im := make(Imprint, 1+len(digest))
	im[0] = byte(alg)
	copy(im[1:], digest)
	return im
}

// Zero returns an all-zero imprint for alg, used to seed the chain when no
// prior lastLeaf is available (spec.md §3: "lastLeaf ... or zero-filled if
// absent").
func Zero(alg Algorithm) Imprint {
	return New(alg, make([]byte, HashLen(alg)))
}

// Algorithm returns the algorithm id byte of the imprint.
func (im Imprint) Algorithm() Algorithm {
	if len(im) == 0 {
		return 0
	}
	return Algorithm(im[0])
}

// Digest returns the digest bytes, excluding the algorithm id byte.
func (im Imprint) Digest() []byte {
	if len(im) == 0 {
		return nil
	}
	return im[1:]
}

// Valid reports whether the imprint's length matches HashLen for its
// algorithm byte.
func (im Imprint) Valid() bool {
	if len(im) == 0 {
		return false
	}
	l, ok := hashLens[im.Algorithm()]
	return ok && len(im)-1 == l
}

func (im Imprint) String() string {
	return fmt.Sprintf("%02x:%x", byte(im.Algorithm()), im.Digest())
}

// Clone returns an independent copy of the imprint's backing bytes.
func (im Imprint) Clone() Imprint {
	if im == nil {
		return nil
	}
	out := make(Imprint, len(im))
	copy(out, im)
	return out
}
