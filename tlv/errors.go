package tlv

import "errors"

var (
	// ErrTagTooLarge is returned when a tag does not fit the 13-bit tag
	// space available even in the 4-byte header form.
	ErrTagTooLarge = errors.New("tlv: tag exceeds 13-bit tag space")
	// ErrLengthTooLarge is returned when a value's length does not fit
	// the 16-bit length space available even in the 4-byte header form.
	ErrLengthTooLarge = errors.New("tlv: value length exceeds 16-bit length space")
)
