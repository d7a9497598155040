package offline0

import "errors"

// ErrNetwork wraps every failure to get a response from the network: transport
// errors, timeouts and an open circuit breaker. HTTP error statuses are not
// network failures.
var ErrNetwork = errors.New("network unavailable")

// ErrInstall is returned when a manifest asset cannot be fetched at install.
var ErrInstall = errors.New("install failed")

// ErrUnknownTag is returned when a sync is requested for a tag that is not configured.
var ErrUnknownTag = errors.New("unknown sync tag")

// ErrBodyTooLarge is returned when a write that may need queuing carries a
// body over the buffering limit.
var ErrBodyTooLarge = errors.New("request body too large")
