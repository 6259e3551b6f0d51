package block

import (
	"github.com/dmolik/ksilog/imprint"
	"github.com/dmolik/ksilog/tlv"
)

// EncodeSignatureTLV builds the tag-0x0904 signature record carrying a
// DER-serialized signature (spec.md §6). Exported so the signer worker can
// build the same record when it writes a resolved async signature into the
// separate signature file.
func EncodeSignatureTLV(nRecords uint64, der []byte) ([]byte, error) {
	inner := tlv.NewBuilder()
	if err := inner.WriteUint(tlv.TagSignatureRecordCount, nRecords); err != nil {
		return nil, err
	}
	if err := inner.WriteTLV(tlv.TagDERSignature, der); err != nil {
		return nil, err
	}
	b := tlv.NewBuilder()
	if err := b.WriteNested(tlv.TagSignature, inner); err != nil {
		return nil, err
	}
	return b.Bytes(), nil
}

// EncodeNoSignatureTLV builds the tag-0x0904 no-signature record (spec.md
// §6), used both for a sync-mode aggregator failure and for a worker-side
// async failure written to the signature file. An empty errText omits the
// optional error sub-TLV (the async interim placeholder form).
func EncodeNoSignatureTLV(nRecords uint64, root imprint.Imprint, errText string) ([]byte, error) {
	inner, err := writeNoSignatureInner(nRecords, root, errText)
	if err != nil {
		return nil, err
	}
	b := tlv.NewBuilder()
	if err := b.WriteNested(tlv.TagSignature, inner); err != nil {
		return nil, err
	}
	return b.Bytes(), nil
}

// writeNoSignatureInner builds the { 0x01=nRecords, 0x02:{0x01=root,
// 0x02=errText+NUL} } payload shared by every no-signature record.
func writeNoSignatureInner(nRecords uint64, root imprint.Imprint, errText string) (*tlv.Builder, error) {
	noSig := tlv.NewBuilder()
	if err := noSig.WriteTLV(tlv.TagNoSignatureRoot, root); err != nil {
		return nil, err
	}
	if errText != "" {
		if err := noSig.WriteString(tlv.TagNoSignatureError, errText, true); err != nil {
			return nil, err
		}
	}

	inner := tlv.NewBuilder()
	if err := inner.WriteUint(tlv.TagSignatureRecordCount, nRecords); err != nil {
		return nil, err
	}
	if err := inner.WriteNested(tlv.TagNoSignature, noSig); err != nil {
		return nil, err
	}
	return inner, nil
}
