// Package ksilog is the public entry point of the log-integrity signing
// core: a Context holds the process-wide signing state (spec.md §3) and
// opens File handles, each driving one append-only log through the block
// controller, the shared signer queue, and (in async mode) the signer
// worker.
package ksilog

import (
	"context"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/dmolik/ksilog/block"
	"github.com/dmolik/ksilog/imprint"
	"github.com/dmolik/ksilog/internal/logging"
	"github.com/dmolik/ksilog/queue"
	"github.com/dmolik/ksilog/signer"
	"github.com/spf13/afero"
)

// MaxHASubservices bounds the number of aggregator endpoints a Context may
// register (spec.md §6: "up to MAX_HA_SUBSERVICES are registered").
const MaxHASubservices = 3

// Endpoint is one registered aggregator endpoint (spec.md §6 "addEndpoint(uri, id, key)").
type Endpoint struct {
	URI string
	ID  string
	Key string
}

// Context is the process-wide signing state shared by every open log
// handle (spec.md §3). It is created once, destroyed at process teardown,
// and serializes its own mutation behind a single lock while the signer
// worker reads it concurrently.
type Context struct {
	mu sync.Mutex

	fs afero.Fs

	hashAlgorithm imprint.Algorithm
	endpoints     []Endpoint

	disabled bool

	lCfg           int // configured block-level limit
	lEff           int // effective block-level limit, <= lCfg, pushed down by the server
	maxRequests    int
	blockTimeLimit time.Duration

	keepRecordHashes bool
	keepTreeHashes   bool

	dirMode, fileMode os.FileMode
	uid, gid          int

	randSource io.Reader

	mode            block.Mode
	syncAggregator  block.SyncAggregator
	asyncAggregator signer.AsyncAggregator

	q           *queue.Queue
	worker      *signer.Worker
	startWorker sync.Once
	workerWG    sync.WaitGroup
}

// NewContext builds a Context from the given options (spec.md §3). At
// least one of WithSyncAggregator or WithAsyncAggregator must be supplied,
// matching the configured Mode.
func NewContext(opts ...Option) (*Context, error) {
	c := &Context{
		fs:               afero.NewOsFs(),
		hashAlgorithm:    imprint.Default,
		lCfg:             10,
		lEff:             10,
		maxRequests:      100,
		blockTimeLimit:   0,
		keepRecordHashes: true,
		keepTreeHashes:   false,
		dirMode:          0o750,
		fileMode:         0o640,
		uid:              -1,
		gid:              -1,
		mode:             block.Sync,
		randSource:       defaultRandSource(),
	}
	for _, opt := range opts {
		if err := opt(c); err != nil {
			return nil, fmt.Errorf("ksilog: apply option: %w", err)
		}
	}

	if c.lEff < 2 {
		return nil, ErrLevelTooLow
	}
	if c.mode == block.Sync && c.syncAggregator == nil {
		return nil, ErrAggregatorRequired
	}
	if c.mode == block.Async {
		if c.asyncAggregator == nil {
			return nil, ErrAggregatorRequired
		}
		for _, ep := range c.endpoints {
			if err := c.asyncAggregator.AddEndpoint(ep.URI, ep.ID, ep.Key); err != nil {
				return nil, fmt.Errorf("ksilog: register endpoint %s: %w", ep.URI, err)
			}
		}
		c.q = queue.New()
		c.worker = signer.NewWorker(c.q, c.asyncAggregator, &c.mu, nil, c.applyServerConfig)
	}

	return c, nil
}

// defaultRandSource opens the default IV source (spec.md §6 "random source
// path (default /dev/urandom)"). If it can't be opened, Controller.Init
// tolerates a nil source by falling back to a zero-padded IV, so this logs
// a warning rather than failing construction.
func defaultRandSource() io.Reader {
	f, err := os.Open("/dev/urandom")
	if err != nil {
		logging.Sugar().Warnw("failed to open default random source, new blocks will seed a zero IV unless WithRandomSource is supplied", "error", err)
		return nil
	}
	return f
}

// applyServerConfig pushes a server-reported config down into the
// context, honoring invariant I7 (L_eff only decreases) and disabling the
// context outright if the server reports an unworkable level (spec.md §7:
// "Config errors that reduce L_eff below 2 disable the context"). The new
// L_eff is read by Open; Files already open keep the block size limit
// they were opened with.
func (c *Context) applyServerConfig(cfg signer.ServerConfig) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if cfg.MaxLevel > 0 && cfg.MaxLevel < c.lEff {
		c.lEff = cfg.MaxLevel
	}
	if cfg.MaxRequests > 0 {
		c.maxRequests = cfg.MaxRequests
	}
	if c.lEff < 2 {
		logging.Sugar().Errorw("server pushed an unworkable effective level, disabling context", "maxLevel", cfg.MaxLevel)
		c.disabled = true
	}
}

// blockConfig snapshots the fields block.Controller needs, under the
// context lock.
func (c *Context) blockConfig() block.Config {
	c.mu.Lock()
	defer c.mu.Unlock()
	return block.Config{
		HashAlgorithm:    c.hashAlgorithm,
		EffectiveLevel:   c.lEff,
		TimeLimit:        c.blockTimeLimit,
		KeepRecordHashes: c.keepRecordHashes,
		KeepTreeHashes:   c.keepTreeHashes,
		Mode:             c.mode,
	}
}

// Disabled reports whether the context has permanently stopped ingesting
// (spec.md §7: queue allocation failure or an unworkable server-pushed
// level disable the context for its remaining lifetime).
func (c *Context) Disabled() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.disabled
}

func (c *Context) disable() {
	c.mu.Lock()
	c.disabled = true
	c.mu.Unlock()
}

// ensureWorkerStarted lazily starts the single signer worker goroutine on
// first use, so a host process that daemonizes after construction still
// ends up with the worker running in the post-fork process (spec.md §4.8).
func (c *Context) ensureWorkerStarted() {
	if c.worker == nil {
		return
	}
	c.startWorker.Do(func() {
		c.workerWG.Add(1)
		go func() {
			defer c.workerWG.Done()
			c.worker.Run(context.Background())
		}()
	})
}

// Shutdown enqueues QUIT, waits for the signer worker to exit, and tears
// down the context (spec.md §7: "rsksiCtxDel enqueues QUIT, joins the
// worker"). Safe to call on a context with no worker (sync mode).
func (c *Context) Shutdown() {
	if c.q != nil {
		c.q.Push(&queue.Item{Type: queue.Quit, RequestTime: time.Now()})
	}
	c.workerWG.Wait()
}
