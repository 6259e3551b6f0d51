package block

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"

	"github.com/dmolik/ksilog/internal/logging"
	"github.com/gofrs/flock"
	"github.com/spf13/afero"
)

// Magic headers fixed by spec.md §6.
const (
	MagicSyncSingleFile = "LOGSIG12"
	MagicAsyncBlocks    = "LOG12BLK"
	MagicAsyncSignature = "LOG12SIG"
)

// bufferSize is the fully-buffered I/O size mandated by spec.md §4.6.
const bufferSize = 4096

// FileManager creates and opens the block-data, signature, and state
// files with the correct header magic, directory/file mode, and
// ownership (spec.md §4.6).
type FileManager struct {
	fs       afero.Fs
	dirMode  os.FileMode
	fileMode os.FileMode
	uid, gid int // -1 means "leave as created"
}

// NewFileManager constructs a FileManager. uid/gid of -1 mean "don't
// chown" (the common case when the process already runs as the target
// user).
func NewFileManager(fs afero.Fs, dirMode, fileMode os.FileMode, uid, gid int) *FileManager {
	return &FileManager{fs: fs, dirMode: dirMode, fileMode: fileMode, uid: uid, gid: gid}
}

// EnsureDir creates path and any missing parents with the configured
// directory mode. It is idempotent: an already-existing directory is not
// an error.
func (fm *FileManager) EnsureDir(path string) error {
	if err := fm.fs.MkdirAll(path, fm.dirMode); err != nil {
		return fmt.Errorf("block: create directory %s: %w", path, err)
	}
	fm.chown(path)
	return nil
}

// BufferedFile is an append-only, fully-buffered handle to one of the
// core's output files.
type BufferedFile struct {
	file   afero.File
	bw     *bufio.Writer
	unlock func() error
}

// Write satisfies io.Writer, buffering up to bufferSize bytes before
// touching the underlying file.
func (f *BufferedFile) Write(p []byte) (int, error) {
	return f.bw.Write(p)
}

// Flush pushes any buffered bytes to the underlying file.
func (f *BufferedFile) Flush() error {
	return f.bw.Flush()
}

// Close flushes, releases the advisory lock (if any), and closes the
// underlying file.
func (f *BufferedFile) Close() error {
	flushErr := f.bw.Flush()
	var unlockErr error
	if f.unlock != nil {
		unlockErr = f.unlock()
	}
	closeErr := f.file.Close()
	if flushErr != nil {
		return flushErr
	}
	if unlockErr != nil {
		return unlockErr
	}
	return closeErr
}

// OpenAppend opens path for read-write append, creating it with the
// configured mode/ownership if absent, taking an advisory write lock, and
// writing magic as the file's header if it was newly created (spec.md
// §4.6).
func (fm *FileManager) OpenAppend(path string, magic string) (*BufferedFile, error) {
	if err := fm.EnsureDir(filepath.Dir(path)); err != nil {
		return nil, err
	}

	existed, err := afero.Exists(fm.fs, path)
	if err != nil {
		return nil, fmt.Errorf("block: stat %s: %w", path, err)
	}

	file, err := fm.fs.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_APPEND, fm.fileMode)
	if err != nil {
		return nil, fmt.Errorf("block: open %s: %w", path, err)
	}

	unlock := fm.lock(path)

	bf := &BufferedFile{
		file:   file,
		bw:     bufio.NewWriterSize(file, bufferSize),
		unlock: unlock,
	}

	if !existed {
		if _, err := bf.bw.WriteString(magic); err != nil {
			_ = bf.Close()
			return nil, fmt.Errorf("block: write magic header for %s: %w", path, err)
		}
		if err := bf.Flush(); err != nil {
			_ = bf.Close()
			return nil, err
		}
		fm.chown(path)
	}

	return bf, nil
}

// lock takes an advisory write lock on path, best-effort. Real OS
// filesystems get a real flock; anything else (e.g. afero.MemMapFs in
// tests) gets a harmless no-op, since flock has no meaning without real
// file descriptors.
func (fm *FileManager) lock(path string) func() error {
	if _, ok := fm.fs.(*afero.OsFs); !ok {
		return nil
	}
	fl := flock.New(path + ".lock")
	if err := fl.Lock(); err != nil {
		logging.Sugar().Warnw("failed to take advisory lock, proceeding unlocked", "path", path, "error", err)
		return nil
	}
	return fl.Unlock
}

// chown applies the configured uid/gid, best-effort; unsupported on
// non-OS filesystems and on platforms without POSIX ownership.
func (fm *FileManager) chown(path string) {
	if fm.uid < 0 && fm.gid < 0 {
		return
	}
	osFs, ok := fm.fs.(*afero.OsFs)
	if !ok {
		return
	}
	uid, gid := fm.uid, fm.gid
	if uid < 0 {
		uid = os.Getuid()
	}
	if gid < 0 {
		gid = os.Getgid()
	}
	if err := osFs.Chown(path, uid, gid); err != nil {
		logging.Sugar().Warnw("failed to chown", "path", path, "error", err)
	}
}
