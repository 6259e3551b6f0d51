package imprint

import (
	"crypto/hmac"
	"crypto/sha1"
	"crypto/sha512"
	"hash"

	"github.com/dmolik/ksilog/internal/logging"
	sha256simd "github.com/minio/sha256-simd"
	"golang.org/x/crypto/ripemd160" //nolint:staticcheck // legacy algorithm, read-path only
	"golang.org/x/crypto/sha3"
)

func newDigest(alg Algorithm) hash.Hash {
	switch alg {
	case SHA1:
		return sha1.New()
	case SHA2_256:
		return sha256simd.New()
	case RIPEMD160:
		return ripemd160.New()
	case SHA2_384:
		return sha512.New384()
	case SHA2_512:
		return sha512.New()
	case SHA3_256:
		return sha3.New256()
	default:
		return sha256simd.New()
	}
}

// Hasher is the Hasher Facade (spec.md §4.2): it wraps an underlying
// hash.Hash and produces Imprints rather than raw digests.
type Hasher struct {
	alg Algorithm
	h   hash.Hash
}

// NewHasher constructs a Hasher for alg. If alg is unsupported or
// untrusted it silently falls back to Default and logs the substitution,
// per spec.md §4.2.
func NewHasher(alg Algorithm) *Hasher {
	effective := alg
	if !IsSupported(alg) {
		logging.Sugar().Warnw("unsupported hash algorithm, falling back to default",
			"requested", alg, "fallback", Default)
		effective = Default
	} else if !IsTrusted(alg) {
		logging.Sugar().Warnw("untrusted hash algorithm, falling back to default",
			"requested", alg, "fallback", Default)
		effective = Default
	}
	return &Hasher{alg: effective, h: newDigest(effective)}
}

// NewHMAC constructs a Hasher whose digest is an HMAC over the given key.
// The Context has no HMAC configuration, and no component of the core
// calls NewHMAC.
func NewHMAC(alg Algorithm, key []byte) *Hasher {
	effective := alg
	if !IsTrusted(alg) {
		effective = Default
	}
	var mac hash.Hash
	switch effective {
	case SHA2_256:
		mac = hmac.New(sha256simd.New, key)
	case SHA2_384:
		mac = hmac.New(sha512.New384, key)
	case SHA2_512:
		mac = hmac.New(sha512.New, key)
	case SHA3_256:
		mac = hmac.New(func() hash.Hash { return sha3.New256() }, key)
	default:
		mac = hmac.New(sha256simd.New, key)
	}
	return &Hasher{alg: effective, h: mac}
}

// Algorithm returns the algorithm this Hasher actually commits to (after
// any fallback substitution performed at construction time).
func (hh *Hasher) Algorithm() Algorithm { return hh.alg }

// Reset discards any bytes accumulated so far.
func (hh *Hasher) Reset() { hh.h.Reset() }

// AddBytes feeds b into the digest.
func (hh *Hasher) AddBytes(b []byte) { hh.h.Write(b) }

// AddImprint feeds an imprint's raw bytes into the digest, equivalent to
// AddBytes(imprint) per spec.md §4.2.
func (hh *Hasher) AddImprint(im Imprint) { hh.h.Write(im) }

// Close finalizes the digest and returns the resulting Imprint. The
// Hasher may be reused afterwards via Reset.
func (hh *Hasher) Close() Imprint {
	return New(hh.alg, hh.h.Sum(nil))
}
