// Package worker drives queued tasks through a handler.
//
// A Worker takes one task at a time from a taskqueue.Queue and hands it to a
// Handler. A Pool runs a fixed number of workers concurrently; because the
// queue is bounded, producers block once every worker is busy and the queue
// is full.
//
// Handler errors are logged and do not stop the pool. A task whose handler
// failed is not retried by the pool: the engine redrives outstanding work
// from the durable log on recovery.
//
// Most applications do not use this package directly; the engine's Run
// method builds a Pool over its own queue.
package worker
