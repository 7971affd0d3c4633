package domain

import "errors"

var (
	ErrInvalidRequest     = errors.New("invalid request")
	ErrPayloadTooLarge    = errors.New("request body too large")
	ErrRequestExpired     = errors.New("request timestamp outside accepted window")
	ErrReplayedRequest    = errors.New("request nonce already used")
	ErrUntrustedOrigin    = errors.New("untrusted origin")
	ErrRateLimitExceeded  = errors.New("rate limit exceeded")
	ErrConcurrencyLimit   = errors.New("too many concurrent streams")
	ErrBudgetExceeded     = errors.New("daily budget exhausted")
	ErrQuotaUnavailable   = errors.New("quota store unavailable")
	ErrUpstreamTimeout    = errors.New("upstream timed out")
	ErrUpstreamNoResponse = errors.New("upstream unreachable")
	ErrCircuitOpen        = errors.New("upstream circuit open")
)
