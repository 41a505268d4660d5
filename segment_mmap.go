package pbd

import (
	"os"

	mmap "github.com/edsrzf/mmap-go"
	"github.com/golang/snappy"
)

// mmapSegment is the memory-mapped segment backend. The backing file is
// preallocated to chunkSize on creation so the mapping never needs to grow
// mid-write; writes simply advance writePos within the already-mapped
// region. On close, the file is shrunk back to its real used size, so both
// backends produce byte-identical files — a caller can switch which
// backend it reads with, without reformatting existing data.
type mmapSegment struct {
	dir       string
	nonce     string
	id        int64
	chunkSize int32

	f   *os.File
	m   mmap.MMap
	pos int64 // writePos, end of logical content

	numEnt      int32
	uncompBytes int32
	readIdx     int32
	readPos     int64

	openFlag bool
}

func newMmapSegment(dir, nonce string, id int64, chunkSize int32) *mmapSegment {
	return &mmapSegment{dir: dir, nonce: nonce, id: id, chunkSize: chunkSize}
}

func (s *mmapSegment) path() string { return segmentPath(s.dir, s.nonce, s.id) }

func (s *mmapSegment) open(forWrite bool) error {
	if forWrite {
		f, err := os.OpenFile(s.path(), os.O_RDWR|os.O_CREATE|os.O_EXCL, 0644)
		if err != nil {
			return ioErrorf(err, "create segment %d", s.id)
		}
		if err := f.Truncate(int64(s.chunkSize)); err != nil {
			f.Close()
			return ioErrorf(err, "preallocate segment %d", s.id)
		}
		m, err := mmap.Map(f, mmap.RDWR, 0)
		if err != nil {
			f.Close()
			return ioErrorf(err, "map segment %d", s.id)
		}
		putSegmentHeader(m, 0, 0)
		s.f = f
		s.m = m
		s.pos = segmentHeaderBytes
		s.numEnt = 0
		s.uncompBytes = 0
		s.openFlag = true
		return nil
	}

	f, err := os.OpenFile(s.path(), os.O_RDWR, 0644)
	if err != nil {
		return ioErrorf(err, "open segment %d", s.id)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return ioErrorf(err, "stat segment %d", s.id)
	}
	if info.Size() < segmentHeaderBytes {
		f.Close()
		return ioErrorf(nil, "segment %d is smaller than its header", s.id)
	}
	m, err := mmap.Map(f, mmap.RDWR, 0)
	if err != nil {
		f.Close()
		return ioErrorf(err, "map segment %d", s.id)
	}
	numEnt, uncompBytes := getSegmentHeader(m)
	s.f = f
	s.m = m
	s.pos = info.Size()
	s.numEnt = numEnt
	s.uncompBytes = uncompBytes
	s.readIdx = 0
	s.readPos = segmentHeaderBytes
	s.openFlag = true
	return nil
}

func (s *mmapSegment) isOpen() bool { return s.openFlag }

func (s *mmapSegment) unmapAndShrink(finalSize int64) error {
	if err := s.m.Flush(); err != nil {
		s.m.Unmap()
		s.f.Close()
		return ioErrorf(err, "flush mapping for segment %d", s.id)
	}
	if err := s.m.Unmap(); err != nil {
		s.f.Close()
		return ioErrorf(err, "unmap segment %d", s.id)
	}
	if err := s.f.Truncate(finalSize); err != nil {
		s.f.Close()
		return ioErrorf(err, "shrink segment %d", s.id)
	}
	return s.f.Close()
}

func (s *mmapSegment) close() error {
	if !s.openFlag {
		return nil
	}
	if s.readIdx > 0 {
		remaining := s.numEnt - s.readIdx
		readPos := s.readPos
		uncompBytes := s.uncompBytes
		if err := s.m.Flush(); err != nil {
			s.m.Unmap()
			s.f.Close()
			return ioErrorf(err, "flush mapping for segment %d", s.id)
		}
		if err := s.m.Unmap(); err != nil {
			s.f.Close()
			return ioErrorf(err, "unmap segment %d", s.id)
		}
		if err := s.f.Truncate(s.pos); err != nil {
			s.f.Close()
			return ioErrorf(err, "shrink segment %d", s.id)
		}
		if err := compactConsumedPrefixOnDisk(s.f, s.path(), readPos, remaining, uncompBytes, s.id); err != nil {
			return err
		}
		s.numEnt = remaining
		s.readIdx = 0
		s.openFlag = false
		return nil
	}
	putSegmentHeader(s.m, s.numEnt, s.uncompBytes)
	if err := s.unmapAndShrink(s.pos); err != nil {
		return err
	}
	s.openFlag = false
	return nil
}

func (s *mmapSegment) sync() error {
	if !s.openFlag {
		return nil
	}
	putSegmentHeader(s.m, s.numEnt, s.uncompBytes)
	if err := s.m.Flush(); err != nil {
		return ioErrorf(err, "fsync segment %d", s.id)
	}
	return nil
}

func (s *mmapSegment) freeBytes() int32 {
	return s.chunkSize - int32(s.pos)
}

func (s *mmapSegment) offer(buf Buffer, allowCompress bool) (bool, error) {
	raw := buf.Bytes()
	uncompressedLen := int32(len(raw))
	payload := raw
	flags := int32(0)
	if allowCompress && isDirect(buf) && len(raw) > 0 {
		compressed := snappy.Encode(nil, raw)
		if len(compressed) < len(raw) {
			payload = compressed
			flags = flagCompressed
		}
	}
	need := int64(OBJECT_HEADER_BYTES + len(payload))
	if s.pos+need > int64(s.chunkSize) {
		return false, nil
	}
	putFrameHeader(s.m[s.pos:], int32(len(payload)), flags)
	copy(s.m[s.pos+OBJECT_HEADER_BYTES:], payload)
	s.pos += need
	s.numEnt++
	s.uncompBytes += uncompressedLen
	return true, nil
}

func (s *mmapSegment) offerDeferred(fill func([]byte) (int, error)) (int32, error) {
	free := int64(s.chunkSize) - s.pos - OBJECT_HEADER_BYTES
	if free <= 0 {
		return -1, nil
	}
	n, err := fill(s.m[s.pos+OBJECT_HEADER_BYTES : int64(s.pos)+OBJECT_HEADER_BYTES+free])
	if err != nil {
		return 0, err
	}
	if n <= 0 {
		return -1, nil
	}
	putFrameHeader(s.m[s.pos:], int32(n), 0)
	s.pos += int64(OBJECT_HEADER_BYTES) + int64(n)
	s.numEnt++
	s.uncompBytes += int32(n)
	return int32(n), nil
}

func (s *mmapSegment) poll(alloc Allocator) (Buffer, int32, error) {
	if s.readIdx >= s.numEnt {
		return nil, 0, nil
	}
	length, flags := getFrameHeader(s.m[s.readPos:])
	payloadStart := s.readPos + OBJECT_HEADER_BYTES
	payload := s.m[payloadStart : payloadStart+int64(length)]
	s.readPos = payloadStart + int64(length)
	s.readIdx++

	var out Buffer
	var uncompLen int32
	if flags&flagCompressed != 0 {
		n, err := snappy.DecodedLen(payload)
		if err != nil {
			return nil, 0, ioErrorf(err, "decode length for segment %d", s.id)
		}
		if alloc == nil {
			alloc = HeapAllocator{}
		}
		dst, err := alloc.Allocate(n)
		if err != nil {
			return nil, 0, err
		}
		decoded, err := snappy.Decode(dst.Bytes(), payload)
		if err != nil {
			return nil, 0, ioErrorf(err, "decompress frame for segment %d", s.id)
		}
		out = HeapBuffer(decoded)
		uncompLen = int32(len(decoded))
	} else {
		// Zero-copy: this slice aliases the mapping directly. The handle's
		// pin on the segment (set up by the Deque) keeps the mapping alive
		// until discarded.
		out = mappedBuffer(payload)
		uncompLen = length
	}
	s.uncompBytes -= uncompLen
	return out, uncompLen, nil
}

// mappedBuffer is a Buffer backed directly by a slice of a live mmap
// mapping. It is never itself treated as DirectBuffer for compression
// purposes (data already on disk is never re-offered).
type mappedBuffer []byte

func (b mappedBuffer) Bytes() []byte { return []byte(b) }

func (s *mmapSegment) hasMoreEntries() bool { return s.readIdx < s.numEnt }
func (s *mmapSegment) isEmpty() bool        { return s.readIdx == s.numEnt }

func (s *mmapSegment) rewind() {
	s.readIdx = 0
	s.readPos = segmentHeaderBytes
}

func (s *mmapSegment) closeAndDelete() error {
	if s.openFlag {
		s.m.Unmap()
		s.f.Close()
		s.openFlag = false
	}
	if err := os.Remove(s.path()); err != nil && !os.IsNotExist(err) {
		return ioErrorf(err, "delete segment %d", s.id)
	}
	return nil
}

func (s *mmapSegment) file() *os.File                { return s.f }
func (s *mmapSegment) segmentID() int64              { return s.id }
func (s *mmapSegment) numEntries() int32             { return s.numEnt }
func (s *mmapSegment) readIndex() int32              { return s.readIdx }
func (s *mmapSegment) uncompressedBytesToRead() int32 { return s.uncompBytes }

func (s *mmapSegment) recordOffset(index int32) (int64, error) {
	if index < 0 || index > s.numEnt {
		return 0, ioErrorf(nil, "record index %d out of range for segment %d", index, s.id)
	}
	off := int64(segmentHeaderBytes)
	for i := int32(0); i < index; i++ {
		length, _ := getFrameHeader(s.m[off:])
		off += int64(OBJECT_HEADER_BYTES) + int64(length)
	}
	return off, nil
}

func (s *mmapSegment) truncateFull(keptEntries, keptBytes int32, byteOffset int64) error {
	putSegmentHeader(s.m, keptEntries, keptBytes)
	s.numEnt = keptEntries
	s.uncompBytes = keptBytes
	s.pos = byteOffset
	// As with fileSegment, the scan that found this truncation point was
	// ParseAndTruncate inspecting records, not a real consumer, so the read
	// cursor resets to the start rather than tracking keptEntries.
	s.readIdx = 0
	s.readPos = segmentHeaderBytes
	return nil // actual ftruncate happens when the segment is closed via unmapAndShrink
}

func (s *mmapSegment) truncatePartial(keptEntries, keptBytes int32, byteOffset int64, replacement []byte) error {
	putFrameHeader(s.m[byteOffset:], int32(len(replacement)), 0)
	copy(s.m[byteOffset+OBJECT_HEADER_BYTES:], replacement)
	putSegmentHeader(s.m, keptEntries, keptBytes)
	s.numEnt = keptEntries
	s.uncompBytes = keptBytes
	s.pos = byteOffset + OBJECT_HEADER_BYTES + int64(len(replacement))
	s.readIdx = 0
	s.readPos = segmentHeaderBytes
	return nil
}
