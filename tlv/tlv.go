// Package tlv implements the bit-exact TLV (tag/length/value) container
// format used for every record written to the block-data and signature
// files (spec.md §4.1, §6). The state file uses its own fixed layout.
//
// Only writers are provided; the signing core never needs to parse a TLV
// record it wrote, and a parser is explicitly out of scope (spec.md §1).
package tlv

import (
	"bytes"
	"encoding/binary"
)

// Header flag bits, packed into the first byte of every TLV record.
const (
	FlagTLV16        byte = 0x80 // selects the 4-byte header form
	FlagNonCritical  byte = 0x40 // forwarded unmodified, not interpreted by this package
	FlagForward      byte = 0x20 // forwarded unmodified, not interpreted by this package
	tagMask5               = 0x1f
	maxTag5          uint16 = 0x1f
	maxLen8                 = 0xff
	maxTag13         uint16 = 0x1fff
	maxLen16                = 0xffff
)

// Flags carries the two reserved flag bits through Builder.Write calls
// without this package attaching any meaning to them.
type Flags struct {
	NonCritical bool
	Forward     bool
}

func (f Flags) bits() byte {
	var b byte
	if f.NonCritical {
		b |= FlagNonCritical
	}
	if f.Forward {
		b |= FlagForward
	}
	return b
}

// HeaderLen returns the number of header bytes (2 or 4) that would be used
// to encode tag/len, without writing anything.
func HeaderLen(tag uint16, length int) int {
	if tag <= maxTag5 && length <= maxLen8 {
		return 2
	}
	return 4
}

// Builder accumulates TLV-encoded bytes. The zero value is ready to use.
type Builder struct {
	buf bytes.Buffer
}

// NewBuilder returns an empty Builder.
func NewBuilder() *Builder { return &Builder{} }

// Bytes returns the accumulated encoded bytes.
func (b *Builder) Bytes() []byte { return b.buf.Bytes() }

// Len returns the number of bytes accumulated so far.
func (b *Builder) Len() int { return b.buf.Len() }

// Reset discards any accumulated bytes.
func (b *Builder) Reset() { b.buf.Reset() }

// WriteHeader writes just the tag/length header (2 or 4 bytes, selected by
// whether tag and length fit the short form) without any value bytes.
// Exposed so callers can stream a value after a header without building it
// in memory first.
func (b *Builder) WriteHeader(tag uint16, length int, flags Flags) error {
	if tag > maxTag13 {
		return ErrTagTooLarge
	}
	if length > maxLen16 || length < 0 {
		return ErrLengthTooLarge
	}
	if tag <= maxTag5 && length <= maxLen8 {
		b.buf.WriteByte(flags.bits() | byte(tag))
		b.buf.WriteByte(byte(length))
		return nil
	}
	hdr := [4]byte{}
	hdr[0] = FlagTLV16 | flags.bits() | byte((tag>>8)&tagMask5)
	hdr[1] = byte(tag & 0xff)
	binary.BigEndian.PutUint16(hdr[2:4], uint16(length))
	b.buf.Write(hdr[:])
	return nil
}

// Write appends a complete TLV record: header followed by value.
func (b *Builder) Write(tag uint16, value []byte, flags Flags) error {
	if err := b.WriteHeader(tag, len(value), flags); err != nil {
		return err
	}
	b.buf.Write(value)
	return nil
}

// WriteTLV appends a complete TLV record using the default (no reserved
// flags set) flags, the common case for every record this core emits.
func (b *Builder) WriteTLV(tag uint16, value []byte) error {
	return b.Write(tag, value, Flags{})
}

// WriteNested appends tag/length/value where value is itself the
// already-encoded bytes of one or more nested TLV records (spec.md §6:
// block header, signature, and metadata TLVs all nest sub-records).
func (b *Builder) WriteNested(tag uint16, nested *Builder) error {
	return b.WriteTLV(tag, nested.Bytes())
}

// WriteUint appends an integer TLV whose value is the minimum number of
// big-endian bytes needed to represent v; zero is encoded as a
// zero-length value (spec.md §4.1).
func (b *Builder) WriteUint(tag uint16, v uint64) error {
	return b.WriteTLV(tag, EncodeUint(v))
}

// WriteString appends a string TLV. If nulTerminate is set, a trailing NUL
// byte is included in the value payload, as required for the metadata
// key/value TLVs (spec.md §6).
func (b *Builder) WriteString(tag uint16, s string, nulTerminate bool) error {
	return b.WriteTLV(tag, EncodeString(s, nulTerminate))
}

// EncodeUint returns the minimum-length big-endian encoding of v; zero
// occupies zero bytes (spec.md §4.1).
func EncodeUint(v uint64) []byte {
	if v == 0 {
		return nil
	}
	var full [8]byte
	binary.BigEndian.PutUint64(full[:], v)
	i := 0
	for i < 7 && full[i] == 0 {
		i++
	}
	return append([]byte(nil), full[i:]...)
}

// DecodeUint is the inverse of EncodeUint, used only by tests to assert
// round-trip behavior (spec.md §8); the production core never decodes.
func DecodeUint(b []byte) uint64 {
	var full [8]byte
	copy(full[8-len(b):], b)
	return binary.BigEndian.Uint64(full[:])
}

// EncodeString returns the UTF-8 bytes of s, optionally with a trailing
// NUL included in the returned slice.
func EncodeString(s string, nulTerminate bool) []byte {
	if !nulTerminate {
		return []byte(s)
	}
	out := make([]byte, len(s)+1)
	copy(out, s)
	return out
}
