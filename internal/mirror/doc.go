// Package mirror maintains the document tree that mirrors a storage bucket.
//
// Each object is an item document; each key prefix with at least one live
// descendant is a prefix document. Deleted paths are shadowed by tombstones
// in sibling collections so late notifications cannot resurrect them.
//
// ORDERING:
//
// There is no sequencer. Every mutation carries the object's logical time and
// is applied in its own optimistic transaction:
// 1. Read the live document and its tombstone, reject the mutation if either
//    is at least as new (deletions win ties)
// 2. Write the live document or the tombstone, clearing the other
// 3. Walk ancestors deepest first: create missing prefixes for writes, repoint
//    or tombstone prefixes that lost their witness child for deletions
// 4. Commit; contention retries the whole cycle up to the attempt limit
//
// Mutations on sibling paths race only on shared prefix documents, and the
// store's version check serializes them.
//
// INVARIANTS:
//
// - A document and its tombstone are never both present
// - A prefix document exists iff it has a live descendant
// - lastEvent never decreases on any path, prefixes included
// - A live prefix's witnessChild names a live child once writers settle
package mirror
