package block

import (
	"context"
	"time"

	"github.com/dmolik/ksilog/imprint"
	"github.com/dmolik/ksilog/queue"
	"github.com/google/uuid"
)

// dispatchSync signs root synchronously and writes the resulting
// signature (or no-signature placeholder on aggregator failure) inline
// into the block-data file (spec.md §4.5, single-file sync layout).
func (c *Controller) dispatchSync(ctx context.Context, root imprint.Imprint, nRecords uint64, level int) error {
	if c.aggregator == nil {
		return ErrAggregatorRequired
	}
	der, err := c.aggregator.Sign(ctx, root, level)
	if err != nil {
		return c.writeNoSignature(nRecords, root, err.Error())
	}
	return c.writeSignature(nRecords, der)
}

// dispatchAsync writes a self-describing interim no-signature placeholder
// into the block-data file, then enqueues a Sign request the signer
// worker will later resolve into a real signature (or a final
// no-signature) written to the separate signature file (spec.md §4.5).
func (c *Controller) dispatchAsync(root imprint.Imprint, nRecords uint64, level int) error {
	if c.q == nil {
		return ErrQueueRequired
	}
	if err := c.writeInterimNoSignature(nRecords, root); err != nil {
		return err
	}
	c.q.Push(&queue.Item{
		Type:        queue.Sign,
		Status:      queue.Waiting,
		RequestID:   uuid.NewString(),
		Arg:         root,
		IntArg1:     nRecords,
		IntArg2:     level,
		RequestTime: time.Now(),
	})
	return nil
}

// writeSignature writes tag 0x0904 { 0x01=nRecords, 0x0905=der } (spec.md §6).
func (c *Controller) writeSignature(nRecords uint64, der []byte) error {
	bytes, err := EncodeSignatureTLV(nRecords, der)
	if err != nil {
		return err
	}
	_, err = c.data.Write(bytes)
	return err
}

// writeNoSignature writes tag 0x0904 { 0x01=nRecords, 0x02:{0x01=root,
// 0x02=errText+NUL} } (spec.md §6, used for aggregator failure in sync
// mode).
func (c *Controller) writeNoSignature(nRecords uint64, root imprint.Imprint, errText string) error {
	bytes, err := EncodeNoSignatureTLV(nRecords, root, errText)
	if err != nil {
		return err
	}
	_, err = c.data.Write(bytes)
	return err
}

// writeInterimNoSignature is the async-mode placeholder (spec.md §6
// "In async mode only: a final no-signature placeholder ... containing
// 0x01=nRecords int, 0x02=(imprint sub-TLV 0x01, no error text)"). It
// keeps the block-data file self-describing even while the real
// signature is still in flight on the signer queue.
func (c *Controller) writeInterimNoSignature(nRecords uint64, root imprint.Imprint) error {
	bytes, err := EncodeNoSignatureTLV(nRecords, root, "")
	if err != nil {
		return err
	}
	_, err = c.data.Write(bytes)
	return err
}
