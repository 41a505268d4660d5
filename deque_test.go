package pbd

import (
	"os"
	"testing"

	"github.com/stvp/assert"
)

func mustNewDeque(t *testing.T, dir string, opts ...Option) *Deque {
	t.Helper()
	d, err := NewDeque("q", dir, nil, true, opts...)
	if err != nil {
		t.Fatalf("NewDeque failed: %s", err)
	}
	return d
}

func TestDeque_OfferPollRoundTrip(t *testing.T) {
	dir := t.TempDir()
	d := mustNewDeque(t, dir)

	ok, err := d.Offer(HeapBuffer("one"))
	assert.Equal(t, nil, err, "offer should not error")
	assert.Equal(t, true, ok, "offer should succeed")

	ok, err = d.Offer(HeapBuffer("two"))
	assert.Equal(t, nil, err, "offer should not error")
	assert.Equal(t, true, ok, "offer should succeed")

	assert.Equal(t, int64(2), d.GetNumObjects(), "expected two objects")
	assert.Equal(t, false, d.IsEmpty(), "deque should not be empty")

	h, err := d.Poll()
	assert.Equal(t, nil, err, "poll should not error")
	assert.Equal(t, "one", string(h.Bytes()), "expected FIFO order")
	assert.Equal(t, nil, h.Discard(), "discard should not error")

	h, err = d.Poll()
	assert.Equal(t, nil, err, "poll should not error")
	assert.Equal(t, "two", string(h.Bytes()), "expected second record")
	assert.Equal(t, nil, h.Discard(), "discard should not error")

	assert.Equal(t, true, d.IsEmpty(), "deque should be empty after draining")

	_, err = d.Poll()
	assert.Equal(t, ErrEmpty, err, "poll on an empty deque should return ErrEmpty")

	assert.Equal(t, nil, d.Close(), "close should not error")
	_, err = d.Offer(HeapBuffer("late"))
	assert.Equal(t, ErrClosed, err, "offer after close should return ErrClosed")
}

func TestDeque_OversizedRecordRejected(t *testing.T) {
	dir := t.TempDir()
	d := mustNewDeque(t, dir, WithChunkSize(64))
	big := make([]byte, 1000)
	_, err := d.Offer(HeapBuffer(big))
	if err == nil {
		t.Fatal("expected an error for an oversized record")
	}
}

func TestDeque_SegmentRotationAndReclaim(t *testing.T) {
	dir := t.TempDir()
	recordSize := int32(OBJECT_HEADER_BYTES + 4)
	chunkSize := segmentHeaderBytes + recordSize // room for exactly one record per segment
	d := mustNewDeque(t, dir, WithChunkSize(int32(chunkSize)))

	for i := 0; i < 3; i++ {
		ok, err := d.Offer(HeapBuffer("abcd"))
		assert.Equal(t, nil, err, "offer should not error")
		assert.Equal(t, true, ok, "offer should succeed")
	}
	assert.Equal(t, int64(3), d.GetNumObjects(), "expected three objects across rotated segments")

	for i := 0; i < 3; i++ {
		h, err := d.Poll()
		assert.Equal(t, nil, err, "poll should not error")
		assert.Equal(t, "abcd", string(h.Bytes()), "expected record back")
		assert.Equal(t, nil, h.Discard(), "discard should not error")
	}
	assert.Equal(t, true, d.IsEmpty(), "deque should be empty")
	// Drained non-tail segments should have been deleted; only the live
	// (empty) tail remains.
	assert.Equal(t, 1, len(d.segments), "only the tail segment should remain")
}

func TestDeque_PinPreventsReclaimUntilDiscard(t *testing.T) {
	dir := t.TempDir()
	recordSize := int32(OBJECT_HEADER_BYTES + 4)
	chunkSize := segmentHeaderBytes + recordSize
	d := mustNewDeque(t, dir, WithChunkSize(int32(chunkSize)))

	d.Offer(HeapBuffer("abcd"))
	d.Offer(HeapBuffer("efgh"))

	h, err := d.Poll()
	assert.Equal(t, nil, err, "poll should not error")
	// two segments exist (one drained-but-pinned, one tail); reclaim must
	// not have deleted the pinned one yet.
	assert.Equal(t, 2, len(d.segments), "pinned segment must not be reclaimed yet")

	assert.Equal(t, nil, h.Discard(), "discard should not error")
	assert.Equal(t, 1, len(d.segments), "segment should be reclaimed once unpinned")
}

func TestDeque_Push_PrependsInOrder(t *testing.T) {
	dir := t.TempDir()
	d := mustNewDeque(t, dir)
	d.Offer(HeapBuffer("original-front"))

	err := d.Push([]Buffer{HeapBuffer("A"), HeapBuffer("B")}, false)
	assert.Equal(t, nil, err, "push should not error")

	h, _ := d.Poll()
	assert.Equal(t, "A", string(h.Bytes()), "A should be polled first")
	h.Discard()

	h, _ = d.Poll()
	assert.Equal(t, "B", string(h.Bytes()), "B should be polled second")
	h.Discard()

	h, _ = d.Poll()
	assert.Equal(t, "original-front", string(h.Bytes()), "original front should be polled last")
	h.Discard()
}

func TestDeque_ReopenResumesRemainingRecords(t *testing.T) {
	dir := t.TempDir()
	d := mustNewDeque(t, dir)
	d.Offer(HeapBuffer("one"))
	d.Offer(HeapBuffer("two"))
	d.Offer(HeapBuffer("three"))

	h, _ := d.Poll()
	assert.Equal(t, "one", string(h.Bytes()), "expected first record")
	assert.Equal(t, nil, h.Discard(), "discard should not error")
	assert.Equal(t, nil, d.Close(), "close should not error")

	d2 := mustNewDeque(t, dir)
	assert.Equal(t, true, d2.InitializedFromExistingFiles(), "reopened deque should report existing files")
	assert.Equal(t, int64(2), d2.GetNumObjects(), "two records should remain")

	h, err := d2.Poll()
	assert.Equal(t, nil, err, "poll should not error")
	assert.Equal(t, "two", string(h.Bytes()), "reopen must resume at the second record")
	h.Discard()
}

func TestDeque_GapDetectionRejectsConstruction(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(segmentPath(dir, "q", 0), make([]byte, segmentHeaderBytes), 0644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(segmentPath(dir, "q", 2), make([]byte, segmentHeaderBytes), 0644); err != nil {
		t.Fatal(err)
	}
	_, err := NewDeque("q", dir, nil, true)
	if err == nil {
		t.Fatal("expected a gap-detection error for non-contiguous segment ids")
	}
}

func TestDeque_ParseAndTruncate_FullTruncate(t *testing.T) {
	dir := t.TempDir()
	d := mustNewDeque(t, dir)
	d.Offer(HeapBuffer("keep-1"))
	d.Offer(HeapBuffer("keep-2"))
	d.Offer(HeapBuffer("bad"))
	d.Offer(HeapBuffer("never-seen"))

	err := d.ParseAndTruncate(TruncatorFunc(func(record []byte) (*TruncateResponse, error) {
		if string(record) == "bad" {
			return FullTruncateResponse(), nil
		}
		return nil, nil
	}))
	assert.Equal(t, nil, err, "ParseAndTruncate should not error")
	assert.Equal(t, int64(2), d.GetNumObjects(), "only the two kept records should remain")

	h, _ := d.Poll()
	assert.Equal(t, "keep-1", string(h.Bytes()), "expected first kept record")
	h.Discard()
	h, _ = d.Poll()
	assert.Equal(t, "keep-2", string(h.Bytes()), "expected second kept record")
	h.Discard()

	_, err = d.Poll()
	assert.Equal(t, ErrEmpty, err, "truncated and later records must be gone")

	ok, err := d.Offer(HeapBuffer("resumed"))
	assert.Equal(t, nil, err, "offer after truncation should not error")
	assert.Equal(t, true, ok, "offer after truncation should succeed")
}

func TestDeque_ParseAndTruncate_PartialTruncate(t *testing.T) {
	dir := t.TempDir()
	d := mustNewDeque(t, dir)
	d.Offer(HeapBuffer("keep-1"))
	d.Offer(HeapBuffer("corrupt"))

	err := d.ParseAndTruncate(TruncatorFunc(func(record []byte) (*TruncateResponse, error) {
		if string(record) == "corrupt" {
			return PartialTruncateResponse(func(out []byte) (int, error) {
				return copy(out, "fixed"), nil
			}), nil
		}
		return nil, nil
	}))
	assert.Equal(t, nil, err, "ParseAndTruncate should not error")

	h, _ := d.Poll()
	assert.Equal(t, "keep-1", string(h.Bytes()), "expected first kept record")
	h.Discard()

	h, err = d.Poll()
	assert.Equal(t, nil, err, "poll should not error")
	assert.Equal(t, "fixed", string(h.Bytes()), "expected the replacement record")
	h.Discard()
}

func TestDeque_ParseAndTruncate_NoTruncationLeavesRecordsPollable(t *testing.T) {
	dir := t.TempDir()
	d := mustNewDeque(t, dir)
	d.Offer(HeapBuffer("a"))
	d.Offer(HeapBuffer("b"))
	assert.Equal(t, nil, d.Close(), "close should not error")

	d2 := mustNewDeque(t, dir)
	err := d2.ParseAndTruncate(TruncatorFunc(func(record []byte) (*TruncateResponse, error) {
		return nil, nil // keep everything
	}))
	assert.Equal(t, nil, err, "ParseAndTruncate should not error")
	assert.Equal(t, int64(2), d2.GetNumObjects(), "a scan that keeps everything must not consume any records")

	h, _ := d2.Poll()
	assert.Equal(t, "a", string(h.Bytes()), "first record must still be pollable")
	h.Discard()
}

func TestDeque_CloseAndDelete(t *testing.T) {
	dir := t.TempDir()
	d := mustNewDeque(t, dir)
	d.Offer(HeapBuffer("gone"))
	assert.Equal(t, nil, d.CloseAndDelete(), "CloseAndDelete should not error")

	entries, err := os.ReadDir(dir)
	assert.Equal(t, nil, err, "reading dir should not error")
	assert.Equal(t, 0, len(entries), "all segment files should have been deleted")
}
