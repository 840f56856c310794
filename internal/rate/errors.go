package rate

import "errors"

// ErrRateLimited is returned when a bucket has insufficient tokens.
var ErrRateLimited = errors.New("rate limited")

// ErrRedisUnavailable wraps Redis transport or scripting failures. Callers
// must surface it as an infrastructure error, never as a denial.
var ErrRedisUnavailable = errors.New("redis unavailable")
