package ksilog

import (
	"io"
	"os"
	"time"

	"github.com/dmolik/ksilog/block"
	"github.com/dmolik/ksilog/imprint"
	"github.com/dmolik/ksilog/signer"
	"github.com/spf13/afero"
)

// Option configures a Context at construction time (functional options
// pattern).
type Option func(*Context) error

// WithFilesystem overrides the afero.Fs a Context uses for all block-data,
// signature, and state file I/O. Defaults to the real OS filesystem.
func WithFilesystem(fs afero.Fs) Option {
	return func(c *Context) error {
		c.fs = fs
		return nil
	}
}

// WithHashAlgorithm selects the digest algorithm used for every imprint
// this context produces (spec.md §4.2). An unsupported or untrusted
// algorithm is not rejected here; imprint.NewHasher falls back to
// imprint.Default and logs the substitution at first use.
func WithHashAlgorithm(alg imprint.Algorithm) Option {
	return func(c *Context) error {
		c.hashAlgorithm = alg
		return nil
	}
}

// WithConfiguredLevel sets L_cfg, the configured block-level limit;
// blockSizeLimit = 2^(L_cfg-1) leaves per block until the server pushes a
// lower effective level (spec.md §3, invariant I7).
func WithConfiguredLevel(level int) Option {
	return func(c *Context) error {
		c.lCfg = level
		c.lEff = level
		return nil
	}
}

// WithBlockTimeLimit sets T, the per-block wall-clock limit after which
// File.CheckTimeout force-closes an open block (spec.md §4.4).
func WithBlockTimeLimit(d time.Duration) Option {
	return func(c *Context) error {
		c.blockTimeLimit = d
		return nil
	}
}

// WithKeepRecordHashes toggles whether record-hash TLVs are written to the
// block-data file (spec.md §3).
func WithKeepRecordHashes(keep bool) Option {
	return func(c *Context) error {
		c.keepRecordHashes = keep
		return nil
	}
}

// WithKeepTreeHashes toggles whether tree-hash TLVs are written to the
// block-data file (spec.md §3).
func WithKeepTreeHashes(keep bool) Option {
	return func(c *Context) error {
		c.keepTreeHashes = keep
		return nil
	}
}

// WithSyncAggregator selects synchronous signing mode and supplies the
// aggregator client invoked inline at block finish (spec.md §4.5).
func WithSyncAggregator(agg block.SyncAggregator) Option {
	return func(c *Context) error {
		c.mode = block.Sync
		c.syncAggregator = agg
		return nil
	}
}

// WithAsyncAggregator selects asynchronous signing mode and supplies the
// async aggregation service driven by the signer worker (spec.md §4.5,
// §4.8).
func WithAsyncAggregator(agg signer.AsyncAggregator) Option {
	return func(c *Context) error {
		c.mode = block.Async
		c.asyncAggregator = agg
		return nil
	}
}

// WithEndpoint registers one aggregator endpoint (spec.md §6). Up to
// MaxHASubservices may be registered; further calls beyond that are
// rejected.
func WithEndpoint(uri, id, key string) Option {
	return func(c *Context) error {
		if len(c.endpoints) >= MaxHASubservices {
			return ErrTooManyEndpoints
		}
		c.endpoints = append(c.endpoints, Endpoint{URI: uri, ID: id, Key: key})
		return nil
	}
}

// WithMaxRequests sets R, the maximum number of outstanding async
// requests, until the server pushes its own value down (spec.md §3).
func WithMaxRequests(n int) Option {
	return func(c *Context) error {
		c.maxRequests = n
		return nil
	}
}

// WithFileOwnership sets the mode/uid/gid new block-data, signature, and
// directory paths are created with (spec.md §4.6). uid/gid of -1 mean
// "leave as created".
func WithFileOwnership(dirMode, fileMode os.FileMode, uid, gid int) Option {
	return func(c *Context) error {
		c.dirMode = dirMode
		c.fileMode = fileMode
		c.uid = uid
		c.gid = gid
		return nil
	}
}

// WithRandomSource overrides the source of per-block IV bytes, normally an
// open /dev/urandom (spec.md §6 "random source path (default
// /dev/urandom)").
func WithRandomSource(r io.Reader) Option {
	return func(c *Context) error {
		c.randSource = r
		return nil
	}
}
