// Package store holds the gateway's variable table: one Record per variable
// name, guarded by a single mutex. Every component (bus ingest, freshness
// monitor, peer session, HTTP views) shares one *Store and goes through its
// methods, so each read-modify-write is one critical section.
//
// Update(fn) gives exclusive access to the whole map and is how the batch
// selector evicts and marks records sent in a single window. SnapshotCopy
// copies the map out under the lock so callers can persist it without
// holding the lock during I/O.
package store
