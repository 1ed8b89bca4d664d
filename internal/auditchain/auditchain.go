// Package auditchain keeps a hash-chained, append-only log of anchoring
// lifecycle events (submitted, confirmed, reorged, ...).
//
// The chain starts at a genesis entry whose Hash is GenesisHash (64 hex
// zeros). Each later entry commits to its predecessor's hash, so editing or
// removing any row is detected by Verify.
//
// Implementations:
//   - MemoryLog: in-process, for tests and single-node development.
//   - PostgresLog: durable, appends serialised by an advisory lock.
package auditchain
