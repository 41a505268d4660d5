package pbd

import (
	"os"
	"sort"
	"sync"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
)

// segSlot pairs a segment with the id used to name it on disk. Segments
// further from the front of the deque are kept closed between operations —
// reopened lazily, on demand, by Poll or ParseAndTruncate — to bound the
// number of live file descriptors/mappings to roughly the number of
// segments actually being touched at once.
type segSlot struct {
	id  int64
	seg segment
}

// Deque is a Persistent Binary Deque: a durable, crash-tolerant double-ended
// queue of opaque byte records backed by fixed-size segment files on local
// disk. A single mutex serializes nearly every method; the one operation
// that may run from any goroutine at any time, including after Close, is
// BufferHandle.Discard releasing a segment pin.
type Deque struct {
	mu     sync.Mutex
	dir    string
	nonce  string
	logger log.Logger

	chunkSize         int32
	useMmap           bool
	compressByDefault bool
	deleteEmptyOnOpen bool
	allocator         Allocator

	segments                []segSlot
	pinCount                map[int64]int
	closed                  bool
	initializedFromExisting bool
}

// NewDeque opens (or creates) a deque rooted at dir, identified by nonce.
// dir must already exist and be writable. Any segment files
// left behind by a prior process are adopted: existing ids must be
// contiguous and sorted, all are reopened read-only, and a brand-new tail
// segment is started for future writes. deleteEmptyOnOpen controls whether
// construction removes existing segment files that turn out to hold zero
// entries; WithDeleteEmptySegmentsOnOpen can override it per call.
func NewDeque(nonce, dir string, logger log.Logger, deleteEmptyOnOpen bool, opts ...Option) (*Deque, error) {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	if err := checkDirUsable(dir); err != nil {
		return nil, err
	}

	d := &Deque{
		dir:               dir,
		nonce:             nonce,
		logger:            logger,
		chunkSize:         CHUNK_SIZE,
		allocator:         HeapAllocator{},
		deleteEmptyOnOpen: deleteEmptyOnOpen,
		pinCount:          make(map[int64]int),
	}
	for _, opt := range opts {
		opt(d)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, ioErrorf(err, "list directory %q", dir)
	}
	var ids []int64
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		n, id, ok := parseSegmentFileName(e.Name())
		if !ok || n != nonce {
			continue
		}
		// A segment file left behind mid-creation, before its full header was
		// ever written, is abandoned rather than usable; it is removed rather
		// than treated as a real (and prematurely EOF-ing) segment.
		info, err := e.Info()
		if err != nil {
			return nil, ioErrorf(err, "stat %q", e.Name())
		}
		if info.Size() == 4 {
			if err := os.Remove(segmentPath(dir, nonce, id)); err != nil {
				return nil, ioErrorf(err, "remove abandoned segment %d", id)
			}
			continue
		}
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	for i := 1; i < len(ids); i++ {
		if ids[i] != ids[i-1]+1 {
			return nil, ioErrorf(nil, "segment ids for deque %q are not contiguous: gap between %d and %d", nonce, ids[i-1], ids[i])
		}
	}
	d.initializedFromExisting = len(ids) > 0

	for _, id := range ids {
		seg := d.newSegment(id)
		if err := seg.open(false); err != nil {
			return nil, err
		}
		if d.deleteEmptyOnOpen && seg.numEntries() == 0 {
			if err := seg.closeAndDelete(); err != nil {
				return nil, err
			}
			continue
		}
		if err := seg.close(); err != nil {
			return nil, err
		}
		d.segments = append(d.segments, segSlot{id: id, seg: seg})
	}

	var tailID int64
	if len(d.segments) > 0 {
		tailID = d.segments[len(d.segments)-1].id + 1
	}
	tail := d.newSegment(tailID)
	if err := tail.open(true); err != nil {
		return nil, err
	}
	d.segments = append(d.segments, segSlot{id: tailID, seg: tail})

	return d, nil
}

func (d *Deque) newSegment(id int64) segment {
	return d.newSegmentWithNonce(d.nonce, id, d.chunkSize)
}

func (d *Deque) newSegmentWithNonce(nonce string, id int64, chunkSize int32) segment {
	if d.useMmap {
		return newMmapSegment(d.dir, nonce, id, chunkSize)
	}
	return newFileSegment(d.dir, nonce, id, chunkSize)
}

func bufferKindFor(b Buffer) bufferKind {
	switch b.(type) {
	case mappedBuffer:
		return kindMapped
	default:
		return kindHeap
	}
}

// Nonce returns the identifier this deque's segment files are named with.
func (d *Deque) Nonce() string { return d.nonce }

// Dir returns the directory this deque's segment files live in.
func (d *Deque) Dir() string { return d.dir }

// NumSegments returns the number of segment files currently tracked,
// including the open tail. Useful for observing rotation behavior without
// taking the deque's lock for anything more than a single word read.
func (d *Deque) NumSegments() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.segments)
}

// InitializedFromExistingFiles reports whether construction found segment
// files left behind by a prior process, as opposed to starting a brand-new
// empty deque.
func (d *Deque) InitializedFromExistingFiles() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.initializedFromExisting
}

// Offer appends one record to the tail, using this Deque's default
// compression setting. It returns false only when the record is
// individually too large to ever fit in one segment; transient "doesn't
// fit in the current segment" cases are handled internally by rotating to
// a fresh tail.
func (d *Deque) Offer(buf Buffer) (bool, error) {
	return d.offer(buf, d.compressByDefault)
}

// OfferWithCompression appends one record to the tail, overriding the
// Deque's default compression setting for this call only.
func (d *Deque) OfferWithCompression(buf Buffer, allowCompress bool) (bool, error) {
	return d.offer(buf, allowCompress)
}

func (d *Deque) offer(buf Buffer, allowCompress bool) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	defer d.checkInvariants()
	if d.closed {
		return false, ErrClosed
	}
	raw := buf.Bytes()
	maxRec := MaxRecordBytes(d.chunkSize)
	if int32(len(raw)) > maxRec {
		return false, ioErrorf(nil, "record of %d bytes exceeds maximum record size %d", len(raw), maxRec)
	}

	tail := d.segments[len(d.segments)-1].seg
	ok, err := tail.offer(buf, allowCompress)
	if err != nil {
		return false, err
	}
	if ok {
		return true, nil
	}
	if err := d.rotateTail(); err != nil {
		return false, err
	}
	tail = d.segments[len(d.segments)-1].seg
	return tail.offer(buf, allowCompress)
}

// OfferDeferred appends one record whose payload is produced in place by
// fill, writing directly into a segment-owned buffer instead of requiring
// the caller to first assemble a []byte. It returns the number of bytes
// written.
func (d *Deque) OfferDeferred(fill func(out []byte) (int, error)) (int32, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	defer d.checkInvariants()
	if d.closed {
		return 0, ErrClosed
	}
	tail := d.segments[len(d.segments)-1].seg
	n, err := tail.offerDeferred(fill)
	if err != nil {
		return 0, err
	}
	if n >= 0 {
		return n, nil
	}
	if err := d.rotateTail(); err != nil {
		return 0, err
	}
	tail = d.segments[len(d.segments)-1].seg
	n, err = tail.offerDeferred(fill)
	if err != nil {
		return 0, err
	}
	if n < 0 {
		return 0, ioErrorf(nil, "record produced by fill does not fit in an empty segment")
	}
	return n, nil
}

// rotateTail closes the current tail segment and opens a fresh one with the
// next id: the tail segment is always the open write segment. An old tail
// still pinned by a polled BufferHandle is left open rather than closed.
func (d *Deque) rotateTail() error {
	cur := d.segments[len(d.segments)-1]
	if d.pinCount[cur.id] == 0 {
		if err := cur.seg.close(); err != nil {
			return err
		}
	}
	newID := cur.id + 1
	seg := d.newSegment(newID)
	if err := seg.open(true); err != nil {
		return err
	}
	d.segments = append(d.segments, segSlot{id: newID, seg: seg})
	return nil
}

// Push prepends a batch of records to the head of the deque, as one
// logically atomic operation. Records are packed greedily into as few new
// leading segments as needed, preserving the order given:
// records[0] becomes the very next thing Poll returns. A record too large
// to ever fit in a segment is rejected before anything is written.
func (d *Deque) Push(records []Buffer, allowCompress bool) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	defer d.checkInvariants()
	if d.closed {
		return ErrClosed
	}
	if len(records) == 0 {
		return nil
	}

	maxRec := MaxRecordBytes(d.chunkSize)
	for _, r := range records {
		if int32(len(r.Bytes())) > maxRec {
			return ioErrorf(nil, "record of %d bytes exceeds maximum record size %d", len(r.Bytes()), maxRec)
		}
	}

	// Staged under a throwaway nonce so a crash mid-Push leaves behind
	// files parseSegmentFileName will never attribute to this deque.
	stagingNonce := d.nonce + ".pushstaging"
	var staged []segSlot
	abort := func() {
		for _, s := range staged {
			s.seg.closeAndDelete()
		}
	}

	openStage := func(seq int64) (segSlot, error) {
		seg := d.newSegmentWithNonce(stagingNonce, seq, d.chunkSize)
		if err := seg.open(true); err != nil {
			return segSlot{}, err
		}
		return segSlot{id: seq, seg: seg}, nil
	}

	var seq int64
	cur, err := openStage(seq)
	if err != nil {
		abort()
		return err
	}
	seq++

	for _, r := range records {
		ok, err := cur.seg.offer(r, allowCompress)
		if err != nil {
			staged = append(staged, cur)
			abort()
			return err
		}
		if ok {
			continue
		}
		if err := cur.seg.close(); err != nil {
			staged = append(staged, cur)
			abort()
			return err
		}
		staged = append(staged, cur)
		cur, err = openStage(seq)
		if err != nil {
			abort()
			return err
		}
		seq++
		ok, err = cur.seg.offer(r, allowCompress)
		if err != nil {
			staged = append(staged, cur)
			abort()
			return err
		}
		if !ok {
			staged = append(staged, cur)
			abort()
			return ioErrorf(nil, "record unexpectedly does not fit in a freshly opened segment")
		}
	}
	if err := cur.seg.close(); err != nil {
		staged = append(staged, cur)
		abort()
		return err
	}
	staged = append(staged, cur)

	k := int64(len(staged))
	oldFrontID := d.segments[0].id
	newSlots := make([]segSlot, 0, k)
	for i, s := range staged {
		finalID := oldFrontID - k + int64(i)
		oldPath := segmentPath(d.dir, stagingNonce, s.id)
		newPath := segmentPath(d.dir, d.nonce, finalID)
		if err := os.Rename(oldPath, newPath); err != nil {
			return ioErrorf(err, "stage pushed segment into place as %d", finalID)
		}
		seg := d.newSegment(finalID)
		// Loaded and closed immediately purely to populate the in-memory
		// entry counters used by GetNumObjects/IsEmpty without holding
		// the file open; it is reopened lazily like any other closed
		// segment on the next Poll/ParseAndTruncate pass.
		if err := seg.open(false); err != nil {
			return err
		}
		if err := seg.close(); err != nil {
			return err
		}
		newSlots = append(newSlots, segSlot{id: finalID, seg: seg})
	}
	d.segments = append(newSlots, d.segments...)
	return nil
}

// Poll removes and returns the oldest unread record as a pinned
// BufferHandle, or ErrEmpty if no segment has anything left to read (spec
// §4.3 Poll). The returned handle must be discarded exactly once; discarding
// it may allow a now-fully-drained front segment to be deleted.
func (d *Deque) Poll() (*BufferHandle, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	defer d.checkInvariants()
	if d.closed {
		return nil, ErrClosed
	}
	d.reclaimFront()

	for _, slot := range d.segments {
		if !slot.seg.isOpen() {
			if err := slot.seg.open(false); err != nil {
				return nil, err
			}
		}
		if !slot.seg.hasMoreEntries() {
			continue
		}
		buf, _, err := slot.seg.poll(d.allocator)
		if err != nil {
			return nil, err
		}
		id := slot.seg.segmentID()
		d.pinCount[id]++
		pin := &segmentPin{dq: d, segID: id}
		handle := newBufferHandle(buf.Bytes(), bufferKindFor(buf), nil, pin, d.logger)
		return handle, nil
	}
	return nil, ErrEmpty
}

// unpin is called by BufferHandle.Discard (via segmentPin.release) once the
// caller is done with a polled record's storage. It may run on any
// goroutine, at any time, including after Close.
func (d *Deque) unpin(segID int64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	defer d.checkInvariants()
	if d.pinCount[segID] > 0 {
		d.pinCount[segID]--
	}
	d.reclaimFront()
	if !d.closed || d.pinCount[segID] > 0 {
		return
	}
	// Close left this segment open because it was pinned; finish closing it
	// now that its last pin is gone.
	for _, slot := range d.segments {
		if slot.id == segID && slot.seg.isOpen() {
			if err := slot.seg.close(); err != nil {
				level.Error(d.logger).Log("msg", "failed to close segment after its last pin", "segment", segID, "err", err)
			}
		}
	}
}

// reclaimFront deletes drained, unpinned segments from the front of the
// deque (spec invariant: "delete-when-drained"). The tail is never
// reclaimed here even if empty, since it is the live write segment. Must be
// called with d.mu held.
func (d *Deque) reclaimFront() {
	for len(d.segments) > 1 {
		front := d.segments[0]
		if front.seg.numEntries() != front.seg.readIndex() {
			break
		}
		if d.pinCount[front.id] > 0 {
			break
		}
		if err := front.seg.closeAndDelete(); err != nil {
			level.Error(d.logger).Log("msg", "failed to delete drained segment", "segment", front.id, "err", err)
			break
		}
		delete(d.pinCount, front.id)
		d.segments = d.segments[1:]
	}
}

// IsEmpty reports whether every segment has been fully read.
func (d *Deque) IsEmpty() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.numObjectsLocked() == 0
}

// GetNumObjects returns the number of records not yet delivered by Poll.
func (d *Deque) GetNumObjects() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.numObjectsLocked()
}

func (d *Deque) numObjectsLocked() int64 {
	var n int64
	for _, slot := range d.segments {
		n += int64(slot.seg.numEntries() - slot.seg.readIndex())
	}
	return n
}

// SizeInBytes returns the total on-disk size of all segment files.
func (d *Deque) SizeInBytes() (int64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	var total int64
	for _, slot := range d.segments {
		info, err := os.Stat(segmentPath(d.dir, d.nonce, slot.id))
		if err != nil {
			return 0, ioErrorf(err, "stat segment %d", slot.id)
		}
		total += info.Size()
	}
	return total, nil
}

// Sync forces the tail segment's buffered writes to stable storage.
func (d *Deque) Sync() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return ErrClosed
	}
	return d.segments[len(d.segments)-1].seg.sync()
}

// Close flushes and closes every segment that currently has no outstanding
// BufferHandle pins, and marks the deque closed to further Offer/Poll/Push
// calls. Segments still pinned are left open so existing handles remain
// valid (spec invariant: "handle validity across deque close"); each is
// deleted if drained, or else closed, once its last pin is released.
func (d *Deque) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	defer d.checkInvariants()
	if d.closed {
		return nil
	}
	var firstErr error
	for _, slot := range d.segments {
		if !slot.seg.isOpen() {
			continue
		}
		if d.pinCount[slot.id] > 0 {
			continue
		}
		if err := slot.seg.close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	d.closed = true
	return firstErr
}

// CloseAndDelete closes every segment and deletes its backing file,
// regardless of pins. Callers must ensure no BufferHandle from this deque is
// still in use.
func (d *Deque) CloseAndDelete() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	defer d.checkInvariants()
	if d.closed {
		return nil
	}
	var firstErr error
	for _, slot := range d.segments {
		if err := slot.seg.closeAndDelete(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	d.segments = nil
	d.closed = true
	return firstErr
}

// ParseAndTruncate implements the crash-recovery truncator protocol: every
// unread record, across every segment front to back, is handed to t in
// order. As long as t returns nil ("keep"), the scan is purely read-only —
// it never permanently consumes a record a real caller hasn't polled yet.
// The first non-nil response ends the scan: FullTruncate drops that record
// and everything after it; PartialTruncate additionally writes a
// replacement into that record's slot. Either way, every later segment is
// deleted, the truncated segment is closed in its new, shorter form (left
// open if a polled handle still pins it), and a brand-new empty segment is
// opened as the write tail.
func (d *Deque) ParseAndTruncate(t Truncator) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	defer d.checkInvariants()
	if d.closed {
		return ErrClosed
	}

	for i := range d.segments {
		slot := d.segments[i]
		wasOpen := slot.seg.isOpen()
		if !wasOpen {
			if err := slot.seg.open(false); err != nil {
				return err
			}
		}

		var keptBytes int32
		truncated := false
		for slot.seg.hasMoreEntries() {
			idx := slot.seg.readIndex()
			buf, uncompLen, err := slot.seg.poll(d.allocator)
			if err != nil {
				return err
			}
			resp, err := t.Parse(buf.Bytes())
			if err != nil {
				return err
			}
			if resp == nil {
				keptBytes += uncompLen
				continue
			}

			offset, err := slot.seg.recordOffset(idx)
			if err != nil {
				return err
			}
			switch resp.Kind {
			case FullTruncate:
				if err := slot.seg.truncateFull(idx, keptBytes, offset); err != nil {
					return err
				}
			case PartialTruncate:
				free := int(d.chunkSize) - int(offset) - OBJECT_HEADER_BYTES
				if free < 0 {
					free = 0
				}
				replacement := make([]byte, free)
				n, err := resp.Write(replacement)
				if err != nil {
					return err
				}
				if err := slot.seg.truncatePartial(idx+1, keptBytes+int32(n), offset, replacement[:n]); err != nil {
					return err
				}
			}
			truncated = true
			break
		}

		if !truncated {
			slot.seg.rewind()
			if !wasOpen {
				if err := slot.seg.close(); err != nil {
					return err
				}
			}
			continue
		}

		for _, later := range d.segments[i+1:] {
			if err := later.seg.closeAndDelete(); err != nil {
				return err
			}
			delete(d.pinCount, later.id)
		}
		if d.pinCount[slot.id] == 0 {
			if err := slot.seg.close(); err != nil {
				return err
			}
		}
		d.segments = d.segments[:i+1]

		newTailID := slot.id + 1
		newTail := d.newSegment(newTailID)
		if err := newTail.open(true); err != nil {
			return err
		}
		d.segments = append(d.segments, segSlot{id: newTailID, seg: newTail})
		return nil
	}
	return nil
}
