// Package bufpool provides the fixed-size transfer buffers used by the relay
// and a bounded pool that recycles them.
//
// Pooled entries are held through weak pointers, so an idle buffer sitting in
// a pool can be reclaimed by the garbage collector before the pool reaches its
// size limit. Borrow and Return never block on I/O; the only synchronization
// is a short mutex-protected push or pop.
package bufpool
