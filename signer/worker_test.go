package signer

import (
	"bytes"
	"context"
	"sync"
	"testing"
	"time"

	"github.com/dmolik/ksilog/imprint"
	"github.com/dmolik/ksilog/queue"
	"github.com/stretchr/testify/require"
)

// fakeSigFile is a minimal SignatureFile for tests: no real buffering, just
// an in-memory sink.
type fakeSigFile struct {
	buf bytes.Buffer
}

func (f *fakeSigFile) Write(p []byte) (int, error) { return f.buf.Write(p) }
func (f *fakeSigFile) Flush() error                { return nil }

// fakeAsyncAggregator is a controllable stand-in for a real KSI async
// aggregation client: AddRequest succeeds (or is throttled) deterministically,
// and Run drains a caller-populated queue of ready handles.
type fakeAsyncAggregator struct {
	mu          sync.Mutex
	ready       []*Handle
	throttle    map[string]bool // requestID -> throttle AddRequest once
	addRequests []Request
}

func newFakeAsyncAggregator() *fakeAsyncAggregator {
	return &fakeAsyncAggregator{throttle: make(map[string]bool)}
}

func (f *fakeAsyncAggregator) AddEndpoint(string, string, string) error { return nil }
func (f *fakeAsyncAggregator) SetOption(Option, int)                   {}

func (f *fakeAsyncAggregator) AddRequest(req Request) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.addRequests = append(f.addRequests, req)
	if f.throttle[req.RequestID] {
		return ErrThrottled
	}
	return nil
}

func (f *fakeAsyncAggregator) Run() (*Handle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.ready) == 0 {
		return nil, nil
	}
	h := f.ready[0]
	f.ready = f.ready[1:]
	return h, nil
}

func (f *fakeAsyncAggregator) pushResponse(requestID string, sig []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ready = append(f.ready, &Handle{State: StateResponseReceived, RequestID: requestID, Signature: sig})
}

func (f *fakeAsyncAggregator) pushError(requestID string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ready = append(f.ready, &Handle{State: StateError, RequestID: requestID, Err: err})
}

func newTestWorker(agg AsyncAggregator) (*Worker, *fakeSigFile) {
	sigFile := &fakeSigFile{}
	var mu sync.Mutex
	w := NewWorker(queue.New(), agg, &mu, nil, nil)
	w.sigFile = sigFile
	return w, sigFile
}

func signItem(requestID string, nRecords uint64, level int) *queue.Item {
	return &queue.Item{
		Type:        queue.Sign,
		Status:      queue.Waiting,
		RequestID:   requestID,
		Arg:         imprint.Zero(imprint.SHA2_256),
		IntArg1:     nRecords,
		IntArg2:     level,
		RequestTime: time.Now(),
	}
}

func TestDispatchPendingSubmitsWaitingItemsInOrder(t *testing.T) {
	agg := newFakeAsyncAggregator()
	w, _ := newTestWorker(agg)

	w.q.Push(signItem("r1", 1, 1))
	w.q.Push(signItem("r2", 2, 1))

	w.dispatchPending()

	require.Len(t, agg.addRequests, 2)
	require.Equal(t, "r1", agg.addRequests[0].RequestID)
	require.Equal(t, "r2", agg.addRequests[1].RequestID)
	require.Equal(t, queue.Sent, w.q.GetAt(0).Status)
	require.Equal(t, queue.Sent, w.q.GetAt(1).Status)
}

func TestDispatchPendingStopsAtThrottle(t *testing.T) {
	agg := newFakeAsyncAggregator()
	agg.throttle["r1"] = true
	w, _ := newTestWorker(agg)

	w.q.Push(signItem("r1", 1, 1))
	w.q.Push(signItem("r2", 2, 1))

	w.dispatchPending()

	require.Len(t, agg.addRequests, 1, "scanning must stop at the first refusal")
	require.Equal(t, queue.Done, w.q.GetAt(0).Status)
	require.Error(t, w.q.GetAt(0).Err)
	require.Equal(t, queue.Waiting, w.q.GetAt(1).Status, "items behind a throttled one stay WAITING for a later tick")
}

func TestFlushHeadWritesInEnqueueOrderDespiteOutOfOrderResponses(t *testing.T) {
	agg := newFakeAsyncAggregator()
	w, sigFile := newTestWorker(agg)

	const n = 8
	for i := 0; i < n; i++ {
		w.q.Push(signItem(requestIDFor(i), uint64(i+1), 1))
	}
	w.dispatchPending()
	require.Len(t, agg.addRequests, n)

	// Resolve responses in a scrambled order: last first, then alternating.
	order := []int{7, 0, 6, 1, 5, 2, 4, 3}
	for _, i := range order {
		agg.pushResponse(requestIDFor(i), []byte("sig-"+requestIDFor(i)))
	}
	require.NoError(t, w.drainResponses())

	// Every item should have resolved to DONE regardless of response order...
	for i := 0; i < n; i++ {
		require.Equal(t, queue.Done, w.q.GetAt(i).Status, "item %d", i)
	}

	// ...but flushHead must still write them to the signature file in
	// strict enqueue (FIFO) order.
	w.flushHead()
	require.Equal(t, 0, w.q.Count(), "all items should have been popped and written")

	written := sigFile.buf.String()
	var lastIdx = -1
	for i := 0; i < n; i++ {
		marker := "sig-" + requestIDFor(i)
		idx := indexOf(written, marker)
		require.GreaterOrEqual(t, idx, 0, "signature for item %d must appear in the output", i)
		require.Greater(t, idx, lastIdx, "signature for item %d must appear after item %d (enqueue order)", i, i-1)
		lastIdx = idx
	}
}

func TestFlushHeadStopsAtFirstNonDoneItem(t *testing.T) {
	agg := newFakeAsyncAggregator()
	w, sigFile := newTestWorker(agg)

	w.q.Push(signItem("r1", 1, 1))
	w.q.Push(signItem("r2", 2, 1))
	w.dispatchPending()

	// Only resolve the second item; the first (front of queue) stays WAITING/SENT.
	agg.pushResponse("r2", []byte("sig-r2"))
	require.NoError(t, w.drainResponses())

	w.flushHead()

	require.Equal(t, 2, w.q.Count(), "nothing may be flushed while the front item is not DONE")
	require.Empty(t, sigFile.buf.Bytes())
}

func TestDrainResponsesAppliesPushedServerConfig(t *testing.T) {
	agg := newFakeAsyncAggregator()
	var applied *ServerConfig
	w := NewWorker(queue.New(), agg, &sync.Mutex{}, nil, func(cfg ServerConfig) {
		c := cfg
		applied = &c
	})
	w.sigFile = &fakeSigFile{}

	agg.ready = append(agg.ready, &Handle{State: StatePushConfigReceived, Config: &ServerConfig{MaxRequests: 7, MaxLevel: 3}})

	require.NoError(t, w.drainResponses())
	require.NotNil(t, applied)
	require.Equal(t, 7, applied.MaxRequests)
	require.Equal(t, 3, applied.MaxLevel)
}

func TestRunProcessesQuitAndExits(t *testing.T) {
	agg := newFakeAsyncAggregator()
	w, _ := newTestWorker(agg)
	w.q.Push(&queue.Item{Type: queue.Quit, RequestTime: time.Now()})

	done := make(chan struct{})
	go func() {
		w.Run(context.Background())
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("worker did not exit after QUIT")
	}
}

func requestIDFor(i int) string {
	return "req-" + string(rune('a'+i))
}

func indexOf(haystack, needle string) int {
	return bytes.Index([]byte(haystack), []byte(needle))
}
