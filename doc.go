// Package trailhead implements the client-side synchronization engine for
// the Trailhead portfolio tracking dashboard.
//
// The engine keeps a durable local cache of initiatives and tasks
// consistent with a remote store of record under intermittent
// connectivity, concurrent multi-client edits, and a backend with no
// transactional guarantees. Mutations are queued, deduplicated by id,
// optimistically applied to the cache, and flushed to the remote API in
// debounced batches with retry, backoff and requeue-on-failure. On load a
// reconciler merges pulled remote state with the local cache using
// last-write-wins timestamps, preserving entities that only exist locally.
// A retention-bounded version store captures point-in-time snapshots for
// restore and archival, and an independent telemetry queue delivers
// best-effort audit events without ever blocking domain sync.
//
// The target consistency model is last-write-wins with best-effort offline
// durability, not linearizability.
package trailhead
