// Package signer implements the Signer Worker (spec.md §4.8): the single
// long-lived background task that drains the shared queue, drives the
// asynchronous aggregation service, and serializes resolved signatures
// into the signature file in strict enqueue order.
package signer

import (
	"github.com/dmolik/ksilog/imprint"
)

// Option selects a tunable on the asynchronous aggregation service (spec.md
// §6: "setOption(REQUEST_CACHE_SIZE|MAX_REQUEST_COUNT)").
type Option int

const (
	OptRequestCacheSize Option = iota
	OptMaxRequestCount
)

// HandleState mirrors the async service's handle introspection states
// (spec.md §6: "getState ∈ {PUSH_CONFIG_RECEIVED, RESPONSE_RECEIVED,
// ERROR, ...}").
type HandleState int

const (
	StatePushConfigReceived HandleState = iota
	StateResponseReceived
	StateError
)

// ServerConfig carries the fields the aggregation server can push down
// mid-stream (spec.md §6: "Config fields consumed: maxRequests, maxLevel").
type ServerConfig struct {
	MaxRequests int
	MaxLevel    int
}

// Request is one aggregation request submitted to the async service. Per
// spec.md §9, requests are correlated back to their originating queue item
// by RequestID (a UUID), never by carrying a pointer across the goroutine
// boundary.
type Request struct {
	Hash      imprint.Imprint
	Level     int
	RequestID string
}

// Handle is one completed (or pushed-config, or errored) unit of work
// surfaced by Run. A nil Handle from Run means nothing is ready yet.
type Handle struct {
	State HandleState

	// Signature holds the DER-serialized signature when State ==
	// StateResponseReceived.
	Signature []byte
	// Config holds the server's pushed configuration when State ==
	// StatePushConfigReceived.
	Config *ServerConfig
	// Err holds the KSI status/error when State == StateError.
	Err error

	// RequestID correlates StateResponseReceived/StateError handles back
	// to the Request that produced them.
	RequestID string
}

// AsyncAggregator is the asynchronous aggregation capability consumed by
// the Signer Worker (spec.md §6). Implementations talk to one or more KSI
// aggregator endpoints over the network; AddRequest and Run are both
// non-blocking so the worker's state machine never stalls on I/O.
type AsyncAggregator interface {
	// AddEndpoint registers an aggregation endpoint (spec.md §6:
	// "addEndpoint(uri, id, key)"). Up to MAX_HA_SUBSERVICES may be
	// registered; implementations are free to load-balance across them.
	AddEndpoint(uri, id, key string) error

	// SetOption applies a service-wide tunable.
	SetOption(opt Option, value int)

	// AddRequest submits req for asynchronous signing. It returns
	// ErrThrottled when the service's request cache is saturated; the
	// caller must stop dispatching further requests this tick but may
	// retry req on a later tick.
	AddRequest(req Request) error

	// Run polls for one completed handle (a response, an error, or a
	// pushed server config) without blocking. It returns (nil, nil) when
	// nothing is ready.
	Run() (*Handle, error)
}
