package signer

import "errors"

// ErrThrottled is returned by AsyncAggregator.AddRequest when the service's
// request cache or max-request-count limit is currently saturated (spec.md
// §4.8: "If the service refuses (throttling, saturated cache), stop
// scanning").
var ErrThrottled = errors.New("signer: aggregation service is throttling requests")
