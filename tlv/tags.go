package tlv

// Tag values fixed by spec.md §6. These are wire-format constants shared
// by every writer in the core; they live here rather than in the
// components that use them so the byte layout is documented in one place.
const (
	TagBlockHeader       uint16 = 0x0901
	TagRecordHash        uint16 = 0x0902
	TagTreeHash          uint16 = 0x0903
	TagSignature         uint16 = 0x0904
	TagDERSignature      uint16 = 0x0905
	TagMetadata          uint16 = 0x0911

	// Block header sub-TLVs.
	TagBlockHashAlgorithm uint16 = 0x01
	TagBlockIV            uint16 = 0x02
	TagBlockLastLeaf      uint16 = 0x03

	// Signature TLV sub-fields.
	TagSignatureRecordCount uint16 = 0x01
	TagNoSignature          uint16 = 0x02

	// No-signature sub-fields (nested under TagNoSignature).
	TagNoSignatureRoot  uint16 = 0x01
	TagNoSignatureError uint16 = 0x02

	// Metadata TLV sub-fields.
	TagMetadataIndex uint16 = 0x01
	TagMetadataKV    uint16 = 0x02
	TagMetadataKey   uint16 = 0x01
	TagMetadataValue uint16 = 0x02
)
