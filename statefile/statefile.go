// Package statefile persists the chaining lastLeaf imprint across process
// restarts, using the fixed layout from spec.md §6:
//
//	{ "KSISTAT10" (9 bytes), hashID (1), lenHash (1), digest (lenHash) }
package statefile

import (
	"errors"
	"io"

	"github.com/dmolik/ksilog/imprint"
	"github.com/dmolik/ksilog/internal/logging"
	"github.com/spf13/afero"
)

// Magic is the fixed 9-byte header identifying a state file.
const Magic = "KSISTAT10"

var (
	// ErrBadMagic indicates the file does not start with Magic.
	ErrBadMagic = errors.New("statefile: bad magic header")
	// ErrTruncated indicates the file is shorter than its declared digest length.
	ErrTruncated = errors.New("statefile: truncated")
)

// Read loads the lastLeaf imprint from path. Any read or format error is
// treated as "no prior chain" per spec.md §7 ("State-file read errors
// degrade gracefully: start a new hash chain"): it is logged and a zero
// imprint for alg is returned rather than propagated to the caller.
func Read(fs afero.Fs, path string, alg imprint.Algorithm) imprint.Imprint {
	im, err := tryRead(fs, path)
	if err != nil {
		logging.Sugar().Infow("state file unreadable or invalid, starting new chain", "path", path, "error", err)
		return imprint.Zero(alg)
	}
	return im
}

func tryRead(fs afero.Fs, path string) (imprint.Imprint, error) {
	f, err := fs.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	buf, err := io.ReadAll(f)
	if err != nil {
		return nil, err
	}
	return Decode(buf)
}

// Decode parses the fixed state-file layout from buf.
func Decode(buf []byte) (imprint.Imprint, error) {
	if len(buf) < len(Magic)+2 {
		return nil, ErrTruncated
	}
	if string(buf[:len(Magic)]) != Magic {
		return nil, ErrBadMagic
	}
	alg := imprint.Algorithm(buf[len(Magic)])
	digestLen := int(buf[len(Magic)+1])
	rest := buf[len(Magic)+2:]
	if len(rest) < digestLen {
		return nil, ErrTruncated
	}
	return imprint.New(alg, rest[:digestLen]), nil
}

// Encode renders im in the fixed state-file layout.
func Encode(im imprint.Imprint) []byte {
	digest := im.Digest()
	out := make([]byte, 0, len(Magic)+2+len(digest))
	out = append(out, Magic...)
	out = append(out, byte(im.Algorithm()), byte(len(digest)))
	out = append(out, digest...)
	return out
}

// Write persists im to path, creating or truncating the file.
func Write(fs afero.Fs, path string, im imprint.Imprint) error {
	return afero.WriteFile(fs, path, Encode(im), 0o600)
}
