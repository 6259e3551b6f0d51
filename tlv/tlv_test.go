package tlv

import (
	"testing"

	"github.com/stretchr/testify/require"
)

// decodeHeader is the minimal decoder needed to assert round-trip
// behavior in tests; the production writers never need to parse.
func decodeHeader(b []byte) (tag uint16, length int, headerLen int) {
	if b[0]&FlagTLV16 == 0 {
		return uint16(b[0] & 0x1f), int(b[1]), 2
	}
	tag = (uint16(b[0]&0x1f) << 8) | uint16(b[1])
	length = int(b[2])<<8 | int(b[3])
	return tag, length, 4
}

func TestRoundTripShortForm(t *testing.T) {
	cases := []struct {
		tag uint16
		val []byte
	}{
		{0x01, []byte{}},
		{0x1f, []byte{1, 2, 3}},
		{0x00, make([]byte, 255)},
	}
	for _, c := range cases {
		b := NewBuilder()
		require.NoError(t, b.WriteTLV(c.tag, c.val))
		out := b.Bytes()
		tag, length, hlen := decodeHeader(out)
		require.Equal(t, c.tag, tag)
		require.Equal(t, len(c.val), length)
		require.Equal(t, 2, hlen)
		require.Equal(t, c.val, out[hlen:hlen+length])
	}
}

func TestRoundTrip16BitForm(t *testing.T) {
	cases := []struct {
		tag uint16
		val []byte
	}{
		{0x20, []byte{1}},       // tag too big for 5 bits
		{0x0901, make([]byte, 300)},
		{0x1fff, []byte{}},
	}
	for _, c := range cases {
		b := NewBuilder()
		require.NoError(t, b.WriteTLV(c.tag, c.val))
		out := b.Bytes()
		tag, length, hlen := decodeHeader(out)
		require.Equal(t, c.tag, tag)
		require.Equal(t, len(c.val), length)
		require.Equal(t, 4, hlen)
		require.Equal(t, c.val, out[hlen:hlen+length])
	}
}

func TestWriteTLVChoosesShortestHeader(t *testing.T) {
	b := NewBuilder()
	require.NoError(t, b.WriteTLV(0x01, []byte{1, 2, 3}))
	require.Equal(t, 2, HeaderLen(0x01, 3))
	require.Len(t, b.Bytes(), 2+3)
}

func TestEncodeUintMinimalBytes(t *testing.T) {
	require.Equal(t, []byte(nil), EncodeUint(0))
	require.Equal(t, []byte{0x01}, EncodeUint(1))
	require.Equal(t, []byte{0x01, 0x00}, EncodeUint(256))
	require.Equal(t, uint64(0), DecodeUint(EncodeUint(0)))
	require.Equal(t, uint64(1), DecodeUint(EncodeUint(1)))
	require.Equal(t, uint64(1<<40), DecodeUint(EncodeUint(1<<40)))
}

func TestEncodeStringTrailingNUL(t *testing.T) {
	v := EncodeString("abc", true)
	require.Equal(t, []byte("abc\x00"), v)
	v = EncodeString("abc", false)
	require.Equal(t, []byte("abc"), v)
}

func TestWriteNested(t *testing.T) {
	inner := NewBuilder()
	require.NoError(t, inner.WriteTLV(TagMetadataKey, EncodeString("k", true)))
	require.NoError(t, inner.WriteTLV(TagMetadataValue, EncodeString("v", true)))

	outer := NewBuilder()
	require.NoError(t, outer.WriteNested(TagMetadataKV, inner))

	tag, length, hlen := decodeHeader(outer.Bytes())
	require.Equal(t, TagMetadataKV, tag)
	require.Equal(t, inner.Len(), length)
	require.Equal(t, inner.Bytes(), outer.Bytes()[hlen:hlen+length])
}

func TestOversizeTagRejected(t *testing.T) {
	b := NewBuilder()
	err := b.WriteTLV(0x2000, nil)
	require.ErrorIs(t, err, ErrTagTooLarge)
}
