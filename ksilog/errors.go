package ksilog

import "errors"

var (
	// ErrLevelTooLow is returned by NewContext (or surfaces later via
	// Disabled) when the effective block level drops below 2 (spec.md §7,
	// invariant I7).
	ErrLevelTooLow = errors.New("ksilog: effective block level below 2")
	// ErrAggregatorRequired is returned by NewContext when the configured
	// Mode has no matching aggregator supplied.
	ErrAggregatorRequired = errors.New("ksilog: aggregator required for configured mode")
	// ErrTooManyEndpoints is returned by WithEndpoint once
	// MaxHASubservices endpoints are already registered.
	ErrTooManyEndpoints = errors.New("ksilog: too many aggregator endpoints")
	// ErrDisabled is returned by File operations once the owning context
	// has been permanently disabled.
	ErrDisabled = errors.New("ksilog: context disabled")
	// ErrClosed is returned by operations on a File that has already been
	// closed.
	ErrClosed = errors.New("ksilog: file already closed")
)
