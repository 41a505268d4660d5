// Package pbd implements a Persistent Binary Deque: a durable, crash-
// tolerant double-ended queue of opaque byte records, backed by fixed-size
// segment files on local disk. It is intended as an overflow/spill buffer
// for data a producer cannot hold in memory and a consumer may not be ready
// for yet — export queues, WAL-adjacent spill files, and similar.
package pbd
