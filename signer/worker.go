package signer

import (
	"context"
	"io"
	"sync"
	"time"

	"github.com/dmolik/ksilog/block"
	"github.com/dmolik/ksilog/imprint"
	"github.com/dmolik/ksilog/internal/logging"
	"github.com/dmolik/ksilog/queue"
)

// SignatureFile is the subset of *block.BufferedFile the worker needs: a
// buffered writer it can optionally flush after each write.
type SignatureFile interface {
	io.Writer
	Flush() error
}

// ReconfigureFunc is invoked with a server-pushed configuration so the
// caller can record it (ksilog.Context stores L_eff and R). The worker
// applies the max request count and cache size (5·R) to the aggregation
// service itself (spec.md §4.8).
type ReconfigureFunc func(ServerConfig)

// cacheSizeMultiplier is the "cache size = 5·R" rule from spec.md §4.8,
// where R is the server-reported max request count.
const cacheSizeMultiplier = 5

// Worker is the Signer Worker (spec.md §4.8): a single long-lived task,
// started lazily on first use, that owns the async aggregation service,
// drains the shared queue, and writes resolved signatures to the signature
// file in strict enqueue order.
type Worker struct {
	q   *queue.Queue
	agg AsyncAggregator

	// contextLock is the Context lock shared with the caller thread(s)
	// (spec.md §5): held only for the brief "free the hash imprint and
	// the async handle" critical section.
	contextLock *sync.Mutex

	// checkTimeout drives the current log handle's block time-limit
	// check once per iteration (spec.md §4.8 step 2). When nil (as
	// ksilog.NewContext constructs the worker), the check is skipped.
	checkTimeout func(context.Context, time.Time) error

	onConfig ReconfigureFunc

	sigFile SignatureFile

	// pending maps an in-flight RequestID to the queue item awaiting its
	// resolution, so StateResponseReceived/StateError handles can be
	// correlated back without carrying a pointer across the async
	// service's own goroutine boundary (spec.md §9).
	pending map[string]*queue.Item

	disabled bool
}

// NewWorker constructs a Worker. q and agg must be non-nil; sigFile may be
// nil until the first NewFile queue item arrives (the worker tolerates an
// as-yet-unopened file by simply not flushing any signatures).
func NewWorker(q *queue.Queue, agg AsyncAggregator, contextLock *sync.Mutex, checkTimeout func(context.Context, time.Time) error, onConfig ReconfigureFunc) *Worker {
	return &Worker{
		q:            q,
		agg:          agg,
		contextLock:  contextLock,
		checkTimeout: checkTimeout,
		onConfig:     onConfig,
		pending:      make(map[string]*queue.Item),
	}
}

// Disabled reports whether the worker has permanently stopped after a
// fatal async-service failure (spec.md §4.8 step 4).
func (w *Worker) Disabled() bool { return w.disabled }

// Run executes the worker's state machine until ctx is cancelled or a QUIT
// item is processed (spec.md §4.8). It is meant to be the body of the
// single long-lived goroutine started lazily on first use.
func (w *Worker) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			w.closeSignatureFile()
			return
		default:
		}

		w.q.WaitForItem(time.Second)

		if w.checkTimeout != nil {
			if err := w.checkTimeout(ctx, time.Now()); err != nil {
				logging.Sugar().Warnw("signer worker: block timeout check failed", "error", err)
			}
		}

		if w.q.Count() == 0 {
			if err := w.processRequestsAsync(); err != nil {
				w.fail(err)
				return
			}
			continue
		}

		if w.sigFile != nil {
			if err := w.processRequestsAsync(); err != nil {
				w.fail(err)
				return
			}
		}

		front := w.q.PeekFront()
		if front == nil {
			continue
		}
		if front.Type == queue.Sign {
			// Signatures ahead of any file-lifecycle marker must be
			// written before that marker is acted on.
			continue
		}

		item := w.q.PopFront()
		switch item.Type {
		case queue.CloseFile:
			w.closeSignatureFile()
		case queue.NewFile:
			w.adoptNewFile(item)
		case queue.Quit:
			w.closeSignatureFile()
			return
		}
	}
}

func (w *Worker) fail(err error) {
	logging.Sugar().Errorw("signer worker: fatal async service failure, disabling", "error", err)
	w.disabled = true
	w.closeSignatureFile()
}

func (w *Worker) closeSignatureFile() {
	if w.sigFile == nil {
		return
	}
	if err := w.sigFile.Flush(); err != nil {
		logging.Sugar().Warnw("signer worker: failed to flush signature file on close", "error", err)
	}
	if closer, ok := w.sigFile.(io.Closer); ok {
		if err := closer.Close(); err != nil {
			logging.Sugar().Warnw("signer worker: failed to close signature file", "error", err)
		}
	}
	w.sigFile = nil
}

// adoptNewFile switches the worker's active signature file handle and asks
// for a fresh server config on the next response drain, since the new
// output file may belong to a log whose server-side limits differ from
// the one just closed (spec.md §4.8 step 6 "requests a fresh async
// config").
func (w *Worker) adoptNewFile(item *queue.Item) {
	f, ok := item.Arg.(SignatureFile)
	if !ok {
		logging.Sugar().Errorw("signer worker: NEW_FILE item carried no signature file handle")
		return
	}
	w.closeSignatureFile()
	w.sigFile = f
	w.agg.SetOption(OptRequestCacheSize, 0) // forces the service to re-push its config
}

// processRequestsAsync runs the three phases described in spec.md §4.8:
// drain responses, dispatch pending requests, flush the completed head of
// the queue.
func (w *Worker) processRequestsAsync() error {
	if err := w.drainResponses(); err != nil {
		return err
	}
	w.dispatchPending()
	w.flushHead()
	return nil
}

// drainResponses repeatedly polls the async service for completed handles
// until none remain ready.
func (w *Worker) drainResponses() error {
	for {
		handle, err := w.agg.Run()
		if err != nil {
			return err
		}
		if handle == nil {
			return nil
		}

		switch handle.State {
		case StatePushConfigReceived:
			w.applyServerConfig(handle.Config)
		case StateResponseReceived:
			w.resolve(handle.RequestID, handle.Signature, nil)
		case StateError:
			w.resolve(handle.RequestID, nil, handle.Err)
		}
	}
}

func (w *Worker) applyServerConfig(cfg *ServerConfig) {
	if cfg == nil {
		return
	}
	w.agg.SetOption(OptMaxRequestCount, cfg.MaxRequests)
	w.agg.SetOption(OptRequestCacheSize, cacheSizeMultiplier*cfg.MaxRequests)
	if w.onConfig != nil {
		w.onConfig(*cfg)
	}
}

func (w *Worker) resolve(requestID string, signature []byte, err error) {
	item, ok := w.pending[requestID]
	if !ok {
		logging.Sugar().Warnw("signer worker: response for unknown request, dropping", "requestID", requestID)
		return
	}
	delete(w.pending, requestID)
	item.Response = signature
	item.Err = err
	item.Status = queue.Done
}

// dispatchPending scans the queue from the front, submitting every
// WAITING SIGN item it finds. It stops at the first refusal so FIFO order
// is never violated by a later item racing ahead of an earlier one.
func (w *Worker) dispatchPending() {
	for i := 0; ; i++ {
		item := w.q.GetAt(i)
		if item == nil {
			return
		}
		if item.Type != queue.Sign || item.Status != queue.Waiting {
			continue
		}

		root, _ := item.Arg.(imprint.Imprint)
		req := Request{Hash: root, Level: item.IntArg2, RequestID: item.RequestID}
		if err := w.agg.AddRequest(req); err != nil {
			item.Err = err
			item.Status = queue.Done
			return
		}

		item.Status = queue.Sent
		w.pending[item.RequestID] = item
	}
}

// flushHead pops and writes every SIGN item at the front of the queue that
// has reached DONE, preserving strict enqueue order (invariant I6).
func (w *Worker) flushHead() {
	for {
		front := w.q.PeekFront()
		if front == nil || front.Type != queue.Sign || front.Status != queue.Done {
			return
		}
		item := w.q.PopFront()
		w.writeResolved(item)

		w.contextLock.Lock()
		item.Arg = nil
		item.Response = nil
		w.contextLock.Unlock()
	}
}

func (w *Worker) writeResolved(item *queue.Item) {
	if w.sigFile == nil {
		logging.Sugar().Errorw("signer worker: no signature file open, dropping resolved signature", "requestID", item.RequestID)
		return
	}

	root, _ := item.Arg.(imprint.Imprint)
	var (
		payload []byte
		err     error
	)
	if item.Err != nil {
		payload, err = block.EncodeNoSignatureTLV(item.IntArg1, root, item.Err.Error())
	} else {
		payload, err = block.EncodeSignatureTLV(item.IntArg1, item.Response)
	}
	if err != nil {
		logging.Sugar().Errorw("signer worker: failed to encode signature record", "requestID", item.RequestID, "error", err)
		return
	}

	if _, err := w.sigFile.Write(payload); err != nil {
		logging.Sugar().Errorw("signer worker: failed to write signature record", "requestID", item.RequestID, "error", err)
		return
	}
	if err := w.sigFile.Flush(); err != nil {
		logging.Sugar().Warnw("signer worker: failed to flush signature file", "error", err)
	}
}
