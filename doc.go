// Package authcore is the credential-and-session authority for the service
// fleet. It authenticates users against a pluggable credential store, enforces
// a TOTP second factor, issues and rotates JWT access/refresh token pairs,
// throttles abusive traffic with Redis-backed token buckets, and announces
// security-relevant events on a message bus.
//
// The package is designed for concurrent server workloads: [Engine] methods
// are safe to call from multiple goroutines after construction through [New].
// Multiple service instances may share the same Redis and Postgres backends;
// every cross-instance mutation (bucket take, refresh rotation, failure
// counting) is a single atomic round-trip, so instances observe rotations and
// lockouts consistently.
//
// # Architecture boundaries
//
// authcore is the decision core only. HTTP routing lives in cmd/authd, the
// gateway verifies bearer tokens through [Engine.VerifyAccess] (exposed as
// HTTP middleware in the middleware package), and the credential store is
// reached exclusively through the [IdentityProvider] interface (pgstore ships
// a Postgres implementation). Access tokens are stateless and verified
// without any store round-trip; refresh tokens are the only tokens tracked
// server-side, keyed by their family.
package authcore
