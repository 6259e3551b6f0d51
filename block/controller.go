// Package block implements the Block Controller and File Manager
// (spec.md §4.4, §4.6): the lifecycle of a single block (init, add
// records, finish), its size/time limits, block header emission, and the
// synchronous/asynchronous signing dispatch.
package block

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/dmolik/ksilog/imprint"
	"github.com/dmolik/ksilog/internal/logging"
	"github.com/dmolik/ksilog/merkle"
	"github.com/dmolik/ksilog/queue"
	"github.com/dmolik/ksilog/tlv"
)

// Mode selects the block-data/signature file layout (spec.md §6).
type Mode int

const (
	// Sync writes the signature TLV inline in the single `.logsig` file.
	Sync Mode = iota
	// Async writes an interim no-signature placeholder into the
	// block-data file and defers the real signature to the signer
	// worker, which writes it to a separate signature file.
	Async
)

// BlockCloseReason metadata key, fixed by spec.md §4.4/§8.
const BlockCloseReasonKey = "com.guardtime.blockCloseReason"

// SyncAggregator is the synchronous aggregation capability consumed in
// Sync mode (spec.md §6: "Synchronous: sign(hash, level) -> (der,
// status)").
type SyncAggregator interface {
	Sign(ctx context.Context, root imprint.Imprint, level int) ([]byte, error)
}

// Config holds the per-block tunables, all sourced from the Context
// (spec.md §3). A Controller keeps the Config it was built with until
// Reconfigure is called; Init does not refresh it.
type Config struct {
	HashAlgorithm    imprint.Algorithm
	EffectiveLevel   int // L_eff: blockSizeLimit = 2^(L_eff-1)
	TimeLimit        time.Duration
	KeepRecordHashes bool
	KeepTreeHashes   bool
	Mode             Mode
}

// BlockSizeLimit returns 2^(L_eff-1), the number of leaves (including
// metadata leaves) a block may hold before it is automatically finished.
func (c Config) BlockSizeLimit() uint64 {
	if c.EffectiveLevel <= 0 {
		return 0
	}
	return uint64(1) << uint(c.EffectiveLevel-1)
}

// Controller owns the lifecycle of one block for one open log (spec.md
// §4.4). It is not safe for concurrent use; the Context lock (owned by
// the caller) serializes access to it.
type Controller struct {
	cfg Config

	hasher *imprint.Hasher
	acc    *merkle.Accumulator

	randSource io.Reader
	data       io.Writer

	aggregator SyncAggregator
	q          *queue.Queue

	blockStarted  time.Time
	headerWritten bool
}

// New constructs a Controller. data is the block-data file writer; either
// aggregator (Sync mode) or q (Async mode) must be non-nil depending on
// cfg.Mode. randSource seeds the per-block IV (spec.md §4.4); it is
// typically an open /dev/urandom.
func New(cfg Config, data io.Writer, randSource io.Reader, aggregator SyncAggregator, q *queue.Queue) *Controller {
	hasher := imprint.NewHasher(cfg.HashAlgorithm)
	return &Controller{
		cfg:        cfg,
		hasher:     hasher,
		acc:        merkle.NewAccumulator(hasher),
		randSource: randSource,
		data:       data,
		aggregator: aggregator,
		q:          q,
	}
}

// Reconfigure pushes down a new effective configuration. It takes effect
// immediately: the size-limit and time-limit checks of the block already
// in flight use the new values. The hasher is not rebuilt, so a changed
// HashAlgorithm does not change the digest algorithm.
func (c *Controller) Reconfigure(cfg Config) {
	c.cfg = cfg
}

// Active reports whether a block is currently open.
func (c *Controller) Active() bool { return c.acc.Active() }

// LastLeaf returns the chaining imprint to seed the next log's first
// block with, or to persist to the state file on close.
func (c *Controller) LastLeaf() imprint.Imprint { return c.acc.LastLeaf() }

// Init seeds IV from the random source (tolerating a short/failed read,
// see SPEC_FULL.md §5) and starts a fresh block (spec.md §4.4).
func (c *Controller) Init(lastLeaf imprint.Imprint) error {
	iv := make([]byte, imprint.HashLen(c.cfg.HashAlgorithm))
	if c.randSource != nil {
		if _, err := io.ReadFull(c.randSource, iv); err != nil {
			logging.Sugar().Warnw("failed to fully seed block IV from random source, proceeding with partial/zero IV", "error", err)
		}
	}
	c.acc.Init(iv, lastLeaf)
	c.blockStarted = time.Now()
	c.headerWritten = false
	return nil
}

// AddRecord hashes and folds a single record into the current block,
// emitting the block header (on the first call of the block) and any
// configured record-hash/tree-hash TLVs, then automatically finishes and
// re-inits the block if it has reached its size limit (spec.md §4.3/§4.4).
func (c *Controller) AddRecord(ctx context.Context, data []byte) error {
	return c.addLeaf(ctx, data, false)
}

// AddMetadata encodes a metadata TLV for key/value and folds it into the
// tree as a metadata leaf (spec.md §4.3, §6).
func (c *Controller) AddMetadata(ctx context.Context, key, value string) error {
	if !c.acc.Active() {
		return ErrNoBlock
	}
	b := tlv.NewBuilder()
	if err := b.WriteUint(tlv.TagMetadataIndex, c.acc.NRecords()); err != nil {
		return err
	}
	kv := tlv.NewBuilder()
	if err := kv.WriteString(tlv.TagMetadataKey, key, true); err != nil {
		return err
	}
	if err := kv.WriteString(tlv.TagMetadataValue, value, true); err != nil {
		return err
	}
	if err := b.WriteNested(tlv.TagMetadataKV, kv); err != nil {
		return err
	}

	metadataBytes := tlv.NewBuilder()
	if err := metadataBytes.WriteNested(tlv.TagMetadata, b); err != nil {
		return err
	}

	return c.addLeafWithVerbatim(ctx, metadataBytes.Bytes(), true)
}

func (c *Controller) addLeaf(ctx context.Context, data []byte, isMetadata bool) error {
	return c.addLeafWithVerbatim(ctx, data, isMetadata)
}

// addLeafWithVerbatim folds data into the tree. For metadata leaves, data
// is also the verbatim encoded metadata TLV bytes that must precede the
// record-hash TLV in the block-data file (spec.md §6).
func (c *Controller) addLeafWithVerbatim(ctx context.Context, data []byte, isMetadata bool) error {
	if !c.acc.Active() {
		return ErrNoBlock
	}

	if !c.headerWritten {
		if err := c.writeBlockHeader(); err != nil {
			return err
		}
		c.headerWritten = true
	}

	leafDigest, interims, err := c.acc.AddLeaf(data, isMetadata)
	if err != nil {
		return fmt.Errorf("block: add leaf: %w", err)
	}

	if isMetadata {
		if _, err := c.data.Write(data); err != nil {
			return fmt.Errorf("block: write metadata bytes: %w", err)
		}
	}

	if c.cfg.KeepRecordHashes {
		if err := c.writeTLV(tlv.TagRecordHash, leafDigest); err != nil {
			return err
		}
	}
	if c.cfg.KeepTreeHashes {
		for _, im := range interims {
			if err := c.writeTLV(tlv.TagTreeHash, im); err != nil {
				return err
			}
		}
	}

	if c.acc.NRecords() >= c.cfg.BlockSizeLimit() {
		if err := c.Finish(ctx); err != nil {
			return err
		}
		return c.Init(c.acc.LastLeaf())
	}
	return nil
}

func (c *Controller) writeBlockHeader() error {
	b := tlv.NewBuilder()
	if err := b.WriteTLV(tlv.TagBlockHashAlgorithm, []byte{byte(c.cfg.HashAlgorithm)}); err != nil {
		return err
	}
	iv := make([]byte, imprint.HashLen(c.cfg.HashAlgorithm))
	// The accumulator owns the live IV; Controller doesn't keep its own
	// copy, so Init is required to have run immediately prior to this.
	copy(iv, c.currentIV())
	if err := b.WriteTLV(tlv.TagBlockIV, iv); err != nil {
		return err
	}
	if err := b.WriteTLV(tlv.TagBlockLastLeaf, c.acc.LastLeaf()); err != nil {
		return err
	}
	return c.writeNested(tlv.TagBlockHeader, b)
}

func (c *Controller) writeTLV(tag uint16, value []byte) error {
	b := tlv.NewBuilder()
	if err := b.WriteTLV(tag, value); err != nil {
		return err
	}
	_, err := c.data.Write(b.Bytes())
	return err
}

func (c *Controller) writeNested(tag uint16, nested *tlv.Builder) error {
	b := tlv.NewBuilder()
	if err := b.WriteNested(tag, nested); err != nil {
		return err
	}
	_, err := c.data.Write(b.Bytes())
	return err
}

// currentIV exposes the accumulator's live IV for header writing. This
// stays inside the package; nothing outside block needs it.
func (c *Controller) currentIV() []byte {
	return c.acc.IV()
}

// CheckTimeout closes the current block with a close-reason metadata leaf
// if its wall-clock time limit has elapsed (spec.md §4.4). It is a no-op
// if no block is open or the limit has not elapsed.
func (c *Controller) CheckTimeout(ctx context.Context, now time.Time) error {
	if !c.acc.Active() || c.cfg.TimeLimit <= 0 {
		return nil
	}
	if now.Before(c.blockStarted.Add(c.cfg.TimeLimit)) {
		return nil
	}
	if err := c.AddMetadata(ctx, BlockCloseReasonKey,
		fmt.Sprintf("Block closed due to reaching time limit (%s).", c.cfg.TimeLimit)); err != nil {
		return err
	}
	if err := c.Finish(ctx); err != nil {
		return err
	}
	return c.Init(c.acc.LastLeaf())
}

// CloseForFileClose closes the current block with the fixed close reason
// used when the host closes the log file (spec.md §4.4, §8 scenario 4).
func (c *Controller) CloseForFileClose(ctx context.Context) error {
	if !c.acc.Active() {
		return nil
	}
	if err := c.AddMetadata(ctx, BlockCloseReasonKey, "Block closed due to file closure."); err != nil {
		return err
	}
	return c.Finish(ctx)
}

// Finish folds the remaining roots, emits any configured final tree-hash
// TLVs, and dispatches the signature (spec.md §4.3 finishBlock, §4.5).
// Finishing an empty block is a no-op (spec.md §5 Idempotence).
func (c *Controller) Finish(ctx context.Context) error {
	root, interims, err := c.acc.Finish()
	if err != nil {
		return err
	}
	if root == nil {
		// Empty block: nothing was ever opened with a header, nothing to sign.
		return nil
	}

	if c.cfg.KeepTreeHashes {
		for _, im := range interims {
			if err := c.writeTLV(tlv.TagTreeHash, im); err != nil {
				return err
			}
		}
	}

	nRecords := c.acc.NRecords()
	level := merkle.CalcLevel(2 * nRecords)

	switch c.cfg.Mode {
	case Sync:
		return c.dispatchSync(ctx, root, nRecords, level)
	case Async:
		return c.dispatchAsync(root, nRecords, level)
	default:
		return fmt.Errorf("block: unknown mode %d", c.cfg.Mode)
	}
}
