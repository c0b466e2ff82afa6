// Package lock provides a keyed, in-process lock manager. Keys must be
// registered before they can be acquired; acquisition is a non-blocking
// try-lock that returns a Handle bound to that acquisition. Locks may carry a
// TTL after which they are reclaimed by a single background sweeper driven
// by a deadline heap, so a holder that never releases cannot wedge a key.
//
// The manager is process local. It is not a distributed lock even when keys
// are named after external resources.
package lock
