package block

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/dmolik/ksilog/imprint"
	"github.com/dmolik/ksilog/queue"
	"github.com/stretchr/testify/require"
)

type fakeAggregator struct {
	der []byte
	err error

	calls int
	level int
}

func (f *fakeAggregator) Sign(_ context.Context, _ imprint.Imprint, level int) ([]byte, error) {
	f.calls++
	f.level = level
	if f.err != nil {
		return nil, f.err
	}
	return f.der, nil
}

func newSyncController(t *testing.T, agg SyncAggregator, data *bytes.Buffer, level int) *Controller {
	t.Helper()
	cfg := Config{
		HashAlgorithm:  imprint.SHA2_256,
		EffectiveLevel: level,
		Mode:           Sync,
	}
	randSource := bytes.NewReader(make([]byte, 4096))
	c := New(cfg, data, randSource, agg, nil)
	require.NoError(t, c.Init(imprint.Zero(imprint.SHA2_256)))
	return c
}

func TestSyncModeSingleRecordWritesHeaderAndSignature(t *testing.T) {
	var data bytes.Buffer
	agg := &fakeAggregator{der: []byte("der-bytes")}
	c := newSyncController(t, agg, &data, 1)

	require.NoError(t, c.AddRecord(context.Background(), []byte("record-1")))
	require.Equal(t, 1, agg.calls)
	require.True(t, data.Len() > 0)
}

func TestAutoFinishAtBlockSizeLimit(t *testing.T) {
	var data bytes.Buffer
	agg := &fakeAggregator{der: []byte("der-bytes")}
	// EffectiveLevel 2 -> BlockSizeLimit = 2^(2-1) = 2 leaves per block.
	c := newSyncController(t, agg, &data, 2)

	require.NoError(t, c.AddRecord(context.Background(), []byte("r1")))
	require.True(t, c.Active(), "block should remain open after first record")
	require.NoError(t, c.AddRecord(context.Background(), []byte("r2")))
	require.Equal(t, 1, agg.calls, "second record should have hit the size limit and auto-finished")
	require.True(t, c.Active(), "controller re-inits a fresh block automatically")
}

func TestSyncAggregatorErrorWritesNoSignature(t *testing.T) {
	var data bytes.Buffer
	agg := &fakeAggregator{err: errors.New("aggregator unreachable")}
	c := newSyncController(t, agg, &data, 1)

	require.NoError(t, c.AddRecord(context.Background(), []byte("record-1")))
	require.Equal(t, 1, agg.calls)
	require.True(t, data.Len() > 0)
}

func TestFinishEmptyBlockIsNoOp(t *testing.T) {
	var data bytes.Buffer
	agg := &fakeAggregator{der: []byte("der-bytes")}
	c := newSyncController(t, agg, &data, 10)

	require.NoError(t, c.Finish(context.Background()))
	require.Equal(t, 0, agg.calls)
	require.Equal(t, 0, data.Len(), "an empty block must not write a header or signature")
}

func TestAsyncModeWritesInterimPlaceholderAndEnqueues(t *testing.T) {
	var data bytes.Buffer
	q := queue.New()
	cfg := Config{HashAlgorithm: imprint.SHA2_256, EffectiveLevel: 1, Mode: Async}
	randSource := bytes.NewReader(make([]byte, 4096))
	c := New(cfg, &data, randSource, nil, q)
	require.NoError(t, c.Init(imprint.Zero(imprint.SHA2_256)))

	require.NoError(t, c.AddRecord(context.Background(), []byte("record-1")))

	require.Equal(t, 1, q.Count())
	item := q.PeekFront()
	require.Equal(t, queue.Sign, item.Type)
	require.Equal(t, queue.Waiting, item.Status)
	require.NotEmpty(t, item.RequestID)
	require.True(t, data.Len() > 0, "interim no-signature placeholder must be written inline")
}

func TestCheckTimeoutClosesBlockWithReason(t *testing.T) {
	var data bytes.Buffer
	agg := &fakeAggregator{der: []byte("der-bytes")}
	cfg := Config{
		HashAlgorithm:  imprint.SHA2_256,
		EffectiveLevel: 10,
		TimeLimit:      time.Millisecond,
		Mode:           Sync,
	}
	randSource := bytes.NewReader(make([]byte, 4096))
	c := New(cfg, &data, randSource, agg, nil)
	require.NoError(t, c.Init(imprint.Zero(imprint.SHA2_256)))
	require.NoError(t, c.AddRecord(context.Background(), []byte("record-1")))

	require.NoError(t, c.CheckTimeout(context.Background(), time.Now().Add(time.Hour)))
	require.Equal(t, 1, agg.calls, "timeout should have closed the block with a metadata leaf and signed it")
	require.True(t, c.Active(), "a fresh block is opened immediately after the timeout close")
}

func TestCheckTimeoutNoopBeforeLimit(t *testing.T) {
	var data bytes.Buffer
	agg := &fakeAggregator{der: []byte("der-bytes")}
	cfg := Config{
		HashAlgorithm:  imprint.SHA2_256,
		EffectiveLevel: 10,
		TimeLimit:      time.Hour,
		Mode:           Sync,
	}
	randSource := bytes.NewReader(make([]byte, 4096))
	c := New(cfg, &data, randSource, agg, nil)
	require.NoError(t, c.Init(imprint.Zero(imprint.SHA2_256)))
	require.NoError(t, c.AddRecord(context.Background(), []byte("record-1")))

	require.NoError(t, c.CheckTimeout(context.Background(), time.Now()))
	require.Equal(t, 0, agg.calls)
}

func TestAddRecordWithoutInitReturnsErrNoBlock(t *testing.T) {
	var data bytes.Buffer
	agg := &fakeAggregator{der: []byte("der-bytes")}
	cfg := Config{HashAlgorithm: imprint.SHA2_256, EffectiveLevel: 1, Mode: Sync}
	c := New(cfg, &data, bytes.NewReader(make([]byte, 64)), agg, nil)

	err := c.AddRecord(context.Background(), []byte("record-1"))
	require.ErrorIs(t, err, ErrNoBlock)
}

// chunkWriter records each Write call as a separate chunk, letting tests
// assert the relative order in which the controller writes distinct
// records without decoding the TLV stream.
type chunkWriter struct {
	chunks [][]byte
}

func (w *chunkWriter) Write(p []byte) (int, error) {
	cp := append([]byte(nil), p...)
	w.chunks = append(w.chunks, cp)
	return len(p), nil
}

func TestMetadataOrderingWritesVerbatimBytesImmediatelyBeforeRecordHash(t *testing.T) {
	cw := &chunkWriter{}
	agg := &fakeAggregator{der: []byte("der-bytes")}
	cfg := Config{
		HashAlgorithm:    imprint.SHA2_256,
		EffectiveLevel:   3, // blockSizeLimit = 2^(3-1) = 4
		KeepRecordHashes: true,
		Mode:             Sync,
	}
	c := New(cfg, cw, bytes.NewReader(make([]byte, 4096)), agg, nil)
	require.NoError(t, c.Init(imprint.Zero(imprint.SHA2_256)))

	require.NoError(t, c.AddRecord(context.Background(), []byte("R1")))
	require.NoError(t, c.AddRecord(context.Background(), []byte("R2")))
	require.NoError(t, c.AddMetadata(context.Background(), "com.guardtime.blockCloseReason", "manual"))
	require.NoError(t, c.AddRecord(context.Background(), []byte("R3")))

	// Each leaf with KeepRecordHashes writes exactly one chunk for its
	// record-hash TLV; a metadata leaf additionally writes its verbatim
	// metadata bytes as the immediately preceding chunk.
	// Both tags 0x0902 (record hash) and 0x0911 (metadata) exceed the
	// 5-bit short-form tag range, so each is written with a 4-byte header
	// whose second byte is tag&0xff: 0x02 for record hash, 0x11 for
	// metadata.
	metadataChunk := -1
	for i, c := range cw.chunks {
		if len(c) > 1 && c[1] == 0x11 {
			metadataChunk = i
		}
	}
	require.NotEqual(t, -1, metadataChunk, "expected a metadata TLV chunk to be written")
	recordHashChunk := metadataChunk + 1
	require.Less(t, recordHashChunk, len(cw.chunks))
	require.Equal(t, byte(0x02), cw.chunks[recordHashChunk][1], "the chunk right after metadata must be M's record-hash TLV")
}

func TestChainContinuityAcrossControllerReinit(t *testing.T) {
	var data bytes.Buffer
	agg := &fakeAggregator{der: []byte("der-bytes")}
	c := newSyncController(t, agg, &data, 1)

	require.NoError(t, c.AddRecord(context.Background(), []byte("r1")))
	seededLastLeaf := c.LastLeaf()
	require.NotEmpty(t, seededLastLeaf)

	require.NoError(t, c.Init(c.LastLeaf()))
	require.Equal(t, seededLastLeaf.String(), c.LastLeaf().String())
}
