package block

import "errors"

var (
	// ErrNoBlock is returned by operations that require an active block
	// when none has been initialized.
	ErrNoBlock = errors.New("block: no active block")
	// ErrAggregatorRequired is returned by Finish in synchronous mode
	// when no SyncAggregator was configured.
	ErrAggregatorRequired = errors.New("block: synchronous mode requires an aggregator")
	// ErrQueueRequired is returned by Finish in asynchronous mode when
	// no queue was configured.
	ErrQueueRequired = errors.New("block: asynchronous mode requires a queue")
)
