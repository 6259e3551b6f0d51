package ksilog

import (
	"context"
	"fmt"
	"time"

	"github.com/dmolik/ksilog/block"
	"github.com/dmolik/ksilog/queue"
	"github.com/dmolik/ksilog/statefile"
)

// File is the File Handle of spec.md §3: the open state for one log. It
// owns the block-data file (and, in async mode, hands its signature file
// off to the shared signer worker) plus the state file that persists
// chaining continuity across restarts.
type File struct {
	ctx *Context

	logPath   string
	statePath string

	blockData *block.BufferedFile
	sigFile   *block.BufferedFile // nil in sync mode

	controller *block.Controller

	closed bool
}

// Open starts signing logPath: it loads (or starts fresh) the chaining
// state, opens the block-data file (and, in async mode, a signature file
// handed off to the signer worker via a NEW_FILE queue item), and
// initializes the first block (spec.md §3 File Handle, §4.4).
func (c *Context) Open(ctx context.Context, logPath string) (*File, error) {
	if c.Disabled() {
		return nil, ErrDisabled
	}

	fm := block.NewFileManager(c.fs, c.dirMode, c.fileMode, c.uid, c.gid)

	statePath := logPath + ".logsig.state"
	lastLeaf := statefile.Read(c.fs, statePath, c.hashAlgorithm)

	cfg := c.blockConfig()

	f := &File{ctx: c, logPath: logPath, statePath: statePath}

	var (
		dataPath string
		sigPath  string
	)
	if cfg.Mode == block.Async {
		dataPath = logPath + ".logsig.parts/blocks.dat"
		sigPath = logPath + ".logsig.parts/block-signatures.dat"
	} else {
		dataPath = logPath + ".logsig"
	}

	blockData, err := fm.OpenAppend(dataPath, magicFor(cfg.Mode, false))
	if err != nil {
		return nil, fmt.Errorf("ksilog: open block-data file: %w", err)
	}
	f.blockData = blockData

	if cfg.Mode == block.Async {
		sigFile, err := fm.OpenAppend(sigPath, magicFor(cfg.Mode, true))
		if err != nil {
			_ = blockData.Close()
			return nil, fmt.Errorf("ksilog: open signature file: %w", err)
		}
		f.sigFile = sigFile

		c.ensureWorkerStarted()
		c.q.Push(&queue.Item{Type: queue.NewFile, Arg: sigFile, RequestTime: time.Now()})
	}

	f.controller = block.New(cfg, f.blockData, c.randSource, c.syncAggregator, c.q)
	if err := f.controller.Init(lastLeaf); err != nil {
		_ = f.closeFiles()
		return nil, fmt.Errorf("ksilog: init first block: %w", err)
	}

	return f, nil
}

func magicFor(mode block.Mode, signatureFile bool) string {
	if mode == block.Sync {
		return block.MagicSyncSingleFile
	}
	if signatureFile {
		return block.MagicAsyncSignature
	}
	return block.MagicAsyncBlocks
}

// AddRecord hashes and folds one record into the current block (spec.md
// §4.3 addLeaf). The context lock serializes this against every other
// public entry point and against the signer worker's hash-free critical
// section (spec.md §5).
func (f *File) AddRecord(ctx context.Context, data []byte) error {
	if f.closed {
		return ErrClosed
	}
	if f.ctx.Disabled() {
		return ErrDisabled
	}
	f.ctx.mu.Lock()
	defer f.ctx.mu.Unlock()
	return f.controller.AddRecord(ctx, data)
}

// AddMetadata folds a key/value metadata leaf into the current block
// (spec.md §4.3 addMetadata).
func (f *File) AddMetadata(ctx context.Context, key, value string) error {
	if f.closed {
		return ErrClosed
	}
	if f.ctx.Disabled() {
		return ErrDisabled
	}
	f.ctx.mu.Lock()
	defer f.ctx.mu.Unlock()
	return f.controller.AddMetadata(ctx, key, value)
}

// CheckTimeout force-closes the current block if its wall-clock time
// limit has elapsed (spec.md §4.4). The signer worker does not call it
// (NewContext builds the worker without a timeout check), so the block
// time limit is enforced only when this method is called.
func (f *File) CheckTimeout(ctx context.Context, now time.Time) error {
	if f.closed {
		return ErrClosed
	}
	f.ctx.mu.Lock()
	defer f.ctx.mu.Unlock()
	return f.controller.CheckTimeout(ctx, now)
}

// Close finishes any open block with a file-closure metadata leaf,
// persists the chain's lastLeaf to the state file, and closes the
// block-data (and, in async mode, requests the signature file be closed)
// files (spec.md §7 rsksifileDestruct).
func (f *File) Close(ctx context.Context) error {
	if f.closed {
		return nil
	}
	f.closed = true

	f.ctx.mu.Lock()
	closeErr := f.controller.CloseForFileClose(ctx)
	f.ctx.mu.Unlock()

	lastLeaf := f.controller.LastLeaf()
	if err := statefile.Write(f.ctx.fs, f.statePath, lastLeaf); err != nil {
		closeErr = firstErr(closeErr, fmt.Errorf("ksilog: persist state file: %w", err))
	}

	if f.ctx.q != nil {
		f.ctx.q.Push(&queue.Item{Type: queue.CloseFile, RequestTime: time.Now()})
	}

	if err := f.closeFiles(); err != nil {
		closeErr = firstErr(closeErr, err)
	}

	return closeErr
}

func (f *File) closeFiles() error {
	var err error
	if f.blockData != nil {
		err = firstErr(err, f.blockData.Close())
	}
	// f.sigFile is owned by the signer worker once handed off via
	// NEW_FILE/CLOSE_FILE; the File handle itself never closes it
	// directly.
	return err
}

func firstErr(a, b error) error {
	if a != nil {
		return a
	}
	return b
}
