package pbd

import (
	"bufio"
	"io"
	"os"

	"github.com/golang/snappy"
)

// fileSegment is the regular-I/O segment backend: sequential read/write
// via a positioned file handle over a fixed-size append-only file.
type fileSegment struct {
	dir       string
	nonce     string
	id        int64
	chunkSize int32

	f        *os.File
	writer   *bufio.Writer
	writePos int64

	numEnt      int32
	uncompBytes int32 // remaining (unread) uncompressed bytes
	readIdx     int32
	readPos     int64

	headerDirty bool
	openFlag    bool
}

func newFileSegment(dir, nonce string, id int64, chunkSize int32) *fileSegment {
	return &fileSegment{dir: dir, nonce: nonce, id: id, chunkSize: chunkSize}
}

func (s *fileSegment) path() string { return segmentPath(s.dir, s.nonce, s.id) }

func (s *fileSegment) open(forWrite bool) error {
	if forWrite {
		f, err := os.OpenFile(s.path(), os.O_RDWR|os.O_CREATE|os.O_EXCL, 0644)
		if err != nil {
			return ioErrorf(err, "create segment %d", s.id)
		}
		hdr := make([]byte, segmentHeaderBytes)
		if _, err := f.Write(hdr); err != nil {
			f.Close()
			return ioErrorf(err, "write header for segment %d", s.id)
		}
		s.f = f
		s.writePos = segmentHeaderBytes
		s.numEnt = 0
		s.uncompBytes = 0
		s.writer = bufio.NewWriter(f)
		s.openFlag = true
		return nil
	}

	f, err := os.OpenFile(s.path(), os.O_RDWR, 0644)
	if err != nil {
		return ioErrorf(err, "open segment %d", s.id)
	}
	hdr := make([]byte, segmentHeaderBytes)
	if _, err := io.ReadFull(f, hdr); err != nil {
		f.Close()
		return ioErrorf(err, "read header for segment %d", s.id)
	}
	numEnt, uncompBytes := getSegmentHeader(hdr)
	s.f = f
	s.numEnt = numEnt
	s.uncompBytes = uncompBytes
	s.readIdx = 0
	s.readPos = segmentHeaderBytes
	s.openFlag = true
	return nil
}

func (s *fileSegment) isOpen() bool { return s.openFlag }

func (s *fileSegment) flushHeader() error {
	hdr := make([]byte, segmentHeaderBytes)
	putSegmentHeader(hdr, s.numEnt, s.uncompBytes)
	if _, err := s.f.WriteAt(hdr, 0); err != nil {
		return ioErrorf(err, "flush header for segment %d", s.id)
	}
	s.headerDirty = false
	return nil
}

// close flushes writes, and — if any records were consumed from the front
// (readIdx > 0) — compacts the file so that a later open(false) resumes
// exactly where this process left off instead of redelivering already-read
// records.
func (s *fileSegment) close() error {
	if !s.openFlag {
		return nil
	}
	if s.writer != nil {
		if err := s.writer.Flush(); err != nil {
			return ioErrorf(err, "flush segment %d", s.id)
		}
	}
	if s.readIdx > 0 {
		if err := s.compactConsumedPrefix(); err != nil {
			return err
		}
		s.openFlag = false
		return nil
	}
	if s.headerDirty {
		if err := s.flushHeader(); err != nil {
			return err
		}
	}
	if err := s.f.Close(); err != nil {
		return ioErrorf(err, "close segment %d", s.id)
	}
	s.openFlag = false
	return nil
}

func (s *fileSegment) compactConsumedPrefix() error {
	remaining := s.numEnt - s.readIdx
	if err := compactConsumedPrefixOnDisk(s.f, s.path(), s.readPos, remaining, s.uncompBytes, s.id); err != nil {
		return err
	}
	s.numEnt = remaining
	s.readIdx = 0
	return nil
}

// compactConsumedPrefixOnDisk physically drops the already-consumed leading
// records of an on-disk segment by copying the unread suffix into a temp
// file (with a header reflecting only what's left) and renaming it over
// the original. Shared by both segment backends. f is closed as a side
// effect once the temp file has been synced and closed, whether or not the
// close of f or the rename then succeeds; an earlier failure leaves f open.
func compactConsumedPrefixOnDisk(f *os.File, path string, readPos int64, remainingEntries, remainingBytes int32, id int64) error {
	tmpPath := path + ".compact"
	tmp, err := os.OpenFile(tmpPath, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return ioErrorf(err, "create compaction temp file for segment %d", id)
	}
	hdr := make([]byte, segmentHeaderBytes)
	putSegmentHeader(hdr, remainingEntries, remainingBytes)
	if _, err := tmp.Write(hdr); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return ioErrorf(err, "write compacted header for segment %d", id)
	}
	if _, err := f.Seek(readPos, io.SeekStart); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return ioErrorf(err, "seek segment %d", id)
	}
	if _, err := io.Copy(tmp, f); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return ioErrorf(err, "copy remaining records for segment %d", id)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return ioErrorf(err, "sync compacted segment %d", id)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return ioErrorf(err, "close compacted segment %d", id)
	}
	if err := f.Close(); err != nil {
		return ioErrorf(err, "close original segment %d", id)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return ioErrorf(err, "rename compacted segment %d", id)
	}
	return nil
}

func (s *fileSegment) sync() error {
	if !s.openFlag {
		return nil
	}
	if s.writer != nil {
		if err := s.writer.Flush(); err != nil {
			return ioErrorf(err, "flush segment %d", s.id)
		}
	}
	if s.headerDirty {
		if err := s.flushHeader(); err != nil {
			return err
		}
	}
	if err := s.f.Sync(); err != nil {
		return ioErrorf(err, "fsync segment %d", s.id)
	}
	return nil
}

func (s *fileSegment) freeBytes() int32 {
	return s.chunkSize - int32(s.writePos)
}

func (s *fileSegment) offer(buf Buffer, allowCompress bool) (bool, error) {
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
	if s.writePos+need > int64(s.chunkSize) {
		return false, nil
	}
	frameHdr := make([]byte, OBJECT_HEADER_BYTES)
	putFrameHeader(frameHdr, int32(len(payload)), flags)
	if _, err := s.writer.Write(frameHdr); err != nil {
		return false, ioErrorf(err, "write frame header for segment %d", s.id)
	}
	if _, err := s.writer.Write(payload); err != nil {
		return false, ioErrorf(err, "write frame payload for segment %d", s.id)
	}
	s.writePos += need
	s.numEnt++
	s.uncompBytes += uncompressedLen
	s.headerDirty = true
	return true, nil
}

func (s *fileSegment) offerDeferred(fill func([]byte) (int, error)) (int32, error) {
	free := int64(s.chunkSize) - s.writePos - OBJECT_HEADER_BYTES
	if free <= 0 {
		return -1, nil
	}
	scratch := make([]byte, free)
	n, err := fill(scratch)
	if err != nil {
		return 0, err
	}
	if n <= 0 {
		return -1, nil
	}
	need := int64(OBJECT_HEADER_BYTES + int64(n))
	if s.writePos+need > int64(s.chunkSize) {
		return -1, nil
	}
	frameHdr := make([]byte, OBJECT_HEADER_BYTES)
	putFrameHeader(frameHdr, int32(n), 0)
	if _, err := s.writer.Write(frameHdr); err != nil {
		return 0, ioErrorf(err, "write frame header for segment %d", s.id)
	}
	if _, err := s.writer.Write(scratch[:n]); err != nil {
		return 0, ioErrorf(err, "write frame payload for segment %d", s.id)
	}
	s.writePos += need
	s.numEnt++
	s.uncompBytes += int32(n)
	s.headerDirty = true
	return int32(n), nil
}

// flushPendingWrites makes every byte offered so far in this session visible
// to the positional reads poll/recordOffset use, even if nothing has been
// synced to disk yet: the two go through different handles onto the same
// fd (a buffered io.Writer vs. ReadAt), so a record offered and polled back
// within the same open session would otherwise appear truncated.
func (s *fileSegment) flushPendingWrites() error {
	if s.writer == nil {
		return nil
	}
	if err := s.writer.Flush(); err != nil {
		return ioErrorf(err, "flush segment %d", s.id)
	}
	return nil
}

func (s *fileSegment) poll(alloc Allocator) (Buffer, int32, error) {
	if s.readIdx >= s.numEnt {
		return nil, 0, nil
	}
	if err := s.flushPendingWrites(); err != nil {
		return nil, 0, err
	}
	frameHdr := make([]byte, OBJECT_HEADER_BYTES)
	if _, err := s.f.ReadAt(frameHdr, s.readPos); err != nil {
		return nil, 0, ioErrorf(err, "read frame header for segment %d", s.id)
	}
	length, flags := getFrameHeader(frameHdr)
	payload := make([]byte, length)
	if length > 0 {
		if _, err := s.f.ReadAt(payload, s.readPos+OBJECT_HEADER_BYTES); err != nil {
			return nil, 0, ioErrorf(err, "read frame payload for segment %d", s.id)
		}
	}
	s.readPos += int64(OBJECT_HEADER_BYTES) + int64(length)
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
		out = HeapBuffer(payload)
		uncompLen = length
	}
	s.uncompBytes -= uncompLen
	s.headerDirty = true
	return out, uncompLen, nil
}

func (s *fileSegment) hasMoreEntries() bool { return s.readIdx < s.numEnt }
func (s *fileSegment) isEmpty() bool        { return s.readIdx == s.numEnt }

func (s *fileSegment) rewind() {
	s.readIdx = 0
	s.readPos = segmentHeaderBytes
}

func (s *fileSegment) closeAndDelete() error {
	if s.openFlag {
		if s.writer != nil {
			s.writer.Flush()
		}
		s.f.Close()
		s.openFlag = false
	}
	if err := os.Remove(s.path()); err != nil && !os.IsNotExist(err) {
		return ioErrorf(err, "delete segment %d", s.id)
	}
	return nil
}

func (s *fileSegment) file() *os.File               { return s.f }
func (s *fileSegment) segmentID() int64              { return s.id }
func (s *fileSegment) numEntries() int32             { return s.numEnt }
func (s *fileSegment) readIndex() int32              { return s.readIdx }
func (s *fileSegment) uncompressedBytesToRead() int32 { return s.uncompBytes }

func (s *fileSegment) recordOffset(index int32) (int64, error) {
	if index < 0 || index > s.numEnt {
		return 0, ioErrorf(nil, "record index %d out of range for segment %d", index, s.id)
	}
	if err := s.flushPendingWrites(); err != nil {
		return 0, err
	}
	off := int64(segmentHeaderBytes)
	frameHdr := make([]byte, OBJECT_HEADER_BYTES)
	for i := int32(0); i < index; i++ {
		if _, err := s.f.ReadAt(frameHdr, off); err != nil {
			return 0, ioErrorf(err, "scan frame header for segment %d", s.id)
		}
		length, _ := getFrameHeader(frameHdr)
		off += int64(OBJECT_HEADER_BYTES) + int64(length)
	}
	return off, nil
}

// reopenWriterAt positions the file's write cursor at byteOffset and gives
// the segment a fresh buffered writer, so it can resume serving offer()
// after a truncation even though it may have been opened read-only.
func (s *fileSegment) reopenWriterAt(byteOffset int64) error {
	if _, err := s.f.Seek(byteOffset, io.SeekStart); err != nil {
		return ioErrorf(err, "seek segment %d to resume writing", s.id)
	}
	s.writer = bufio.NewWriter(s.f)
	s.writePos = byteOffset
	return nil
}

func (s *fileSegment) truncateFull(keptEntries, keptBytes int32, byteOffset int64) error {
	hdr := make([]byte, segmentHeaderBytes)
	putSegmentHeader(hdr, keptEntries, keptBytes)
	if _, err := s.f.WriteAt(hdr, 0); err != nil {
		return ioErrorf(err, "rewrite header for segment %d", s.id)
	}
	if err := s.f.Truncate(byteOffset); err != nil {
		return ioErrorf(err, "truncate segment %d", s.id)
	}
	s.numEnt = keptEntries
	s.uncompBytes = keptBytes
	// The records up to byteOffset were inspected by ParseAndTruncate's scan,
	// not by a real consumer, so this segment's read cursor goes back to the
	// start: it now behaves like a fresh tail with keptEntries already on
	// disk, none of them yet delivered to a caller.
	s.readIdx = 0
	s.readPos = segmentHeaderBytes
	s.headerDirty = false
	return s.reopenWriterAt(byteOffset)
}

func (s *fileSegment) truncatePartial(keptEntries, keptBytes int32, byteOffset int64, replacement []byte) error {
	frameHdr := make([]byte, OBJECT_HEADER_BYTES)
	putFrameHeader(frameHdr, int32(len(replacement)), 0)
	if _, err := s.f.WriteAt(frameHdr, byteOffset); err != nil {
		return ioErrorf(err, "rewrite replacement frame header for segment %d", s.id)
	}
	if _, err := s.f.WriteAt(replacement, byteOffset+OBJECT_HEADER_BYTES); err != nil {
		return ioErrorf(err, "rewrite replacement frame payload for segment %d", s.id)
	}
	newEnd := byteOffset + OBJECT_HEADER_BYTES + int64(len(replacement))
	hdr := make([]byte, segmentHeaderBytes)
	putSegmentHeader(hdr, keptEntries, keptBytes)
	if _, err := s.f.WriteAt(hdr, 0); err != nil {
		return ioErrorf(err, "rewrite header for segment %d", s.id)
	}
	if err := s.f.Truncate(newEnd); err != nil {
		return ioErrorf(err, "truncate segment %d", s.id)
	}
	s.numEnt = keptEntries
	s.uncompBytes = keptBytes
	s.readIdx = 0
	s.readPos = segmentHeaderBytes
	s.headerDirty = false
	return s.reopenWriterAt(newEnd)
}
