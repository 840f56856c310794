// Package jwt mints and verifies the signed tokens of the authority: access
// tokens (stateless, verified by signature and expiry alone so the gateway
// never needs a store round-trip) and refresh tokens (carrying the family id
// and token id the session store tracks). Signing is Ed25519 by default with
// an HS256 option for single-key deployments.
package jwt
