package pbd

import "os"

// segment is the contract shared by the two interchangeable backends:
// regular positioned-file I/O (fileSegment) and memory-mapped
// (mmapSegment). Both must produce byte-identical files.
//
// A segment is created and mutated only by its owning Deque, which holds
// the deque-wide lock across every method call below. BufferHandle.Discard
// reaches a segment only through Deque.unpin, which takes that same lock
// before reclaiming or closing it.
type segment interface {
	// open creates (forWrite) or opens-for-read an existing file.
	open(forWrite bool) error
	// close flushes outstanding writes, updates the on-disk header if
	// dirty, compacts away any consumed prefix, and releases the file
	// handle. Must not be called while the segment is pinned.
	close() error
	// sync forces buffered writes to stable storage. No-op if nothing
	// has been written.
	sync() error
	// offer appends one record, returning false if it doesn't fit.
	offer(buf Buffer, allowCompress bool) (bool, error)
	// offerDeferred appends one record whose payload is produced by fill
	// writing into a segment-provided slice. Returns the number of bytes
	// written, or a negative number if the record won't fit.
	offerDeferred(fill func([]byte) (int, error)) (int32, error)
	// poll reads the record at readIndex, decompressing through alloc if
	// needed, and advances readIndex.
	poll(alloc Allocator) (payload Buffer, uncompressedLen int32, err error)
	hasMoreEntries() bool
	isEmpty() bool
	// rewind undoes any poll() advances made during this open session,
	// resetting readIndex back to the start of the segment's current
	// on-disk content. Used by Deque.ParseAndTruncate, which must inspect
	// every record without permanently consuming it unless a truncation
	// point is found.
	rewind()
	// closeAndDelete closes without the usual header flush/compaction
	// (the file is about to be removed) and unlinks the file.
	closeAndDelete() error
	file() *os.File
	segmentID() int64
	numEntries() int32
	readIndex() int32
	uncompressedBytesToRead() int32
	freeBytes() int32
	isOpen() bool

	// recordOffset returns the byte offset of the frame-start of the
	// index'th record (0-based, from the start of the segment's current
	// on-disk contents), for parseAndTruncate.
	recordOffset(index int32) (int64, error)
	// truncateFull rewrites the header to (keptEntries, keptBytes) and cuts
	// the file at byteOffset: fileSegment ftruncates immediately, while
	// mmapSegment moves its end position and shrinks the file on close. The
	// header rewrite and the cut are separate steps, so this is not
	// crash-atomic.
	truncateFull(keptEntries, keptBytes int32, byteOffset int64) error
	// truncatePartial rewinds to byteOffset, writes a replacement record
	// there, rewrites the header, and cuts the file just past it (with the
	// same per-backend timing as truncateFull).
	truncatePartial(keptEntries, keptBytes int32, byteOffset int64, replacement []byte) error
}

// segmentPath builds the filesystem path for segment id in dir.
func segmentPath(dir, nonce string, id int64) string {
	return dir + string(os.PathSeparator) + segmentFileName(nonce, id)
}
