package proxy

import "errors"

// Sentinel errors for the proxy domain.
var (
	ErrUnknownProvider = errors.New("unknown provider")
	ErrUpstreamFault   = errors.New("upstream transport fault")
	ErrCircuitOpen     = errors.New("upstream circuit open")
	ErrBadRequest      = errors.New("bad request")
	ErrModerationFault = errors.New("moderation backend fault")
)
