// Package rate implements the token-bucket limiter guarding login and OTP
// endpoints. Bucket state lives in Redis so every service instance draws from
// the same budget; take-and-decrement is one Lua EVALSHA, never
// read-then-write.
package rate
