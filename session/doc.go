// Package session tracks refresh-token families in a shared Redis store.
//
// One key per family holds the latest active token id; rotation is a Lua
// compare-and-swap, so when two service instances race on the same token
// exactly one wins and the loser surfaces as a mismatch, the signal the
// engine escalates to theft detection. Revoked families leave a tombstone for
// the residual refresh lifetime so a revoked lineage cannot be resurrected by
// key expiry.
package session
