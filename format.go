package pbd

import "encoding/binary"

// Segment file layout:
//
//	offset  size  field
//	0       4     num_entries         (int32)
//	4       4     uncompressed_bytes  (int32)
//	8       …     records
//
// Each record frame:
//
//	0   4   stored_length  (int32)
//	4   4   flags          (int32)
//	8   N   payload        (stored_length bytes)
const (
	// CHUNK_SIZE is the maximum size, in bytes, of a single segment file.
	CHUNK_SIZE = 64 * 1024 * 1024

	// OBJECT_HEADER_BYTES is the size of a record frame's length+flags header.
	OBJECT_HEADER_BYTES = 8

	// COUNT_OFFSET and SIZE_OFFSET are byte offsets of the two segment
	// header fields.
	COUNT_OFFSET = 0
	SIZE_OFFSET  = 4

	// segmentHeaderBytes is the size of the segment header (num_entries +
	// uncompressed_bytes).
	segmentHeaderBytes = 8

	// flagCompressed marks a record's payload as snappy-compressed.
	flagCompressed = 1 << 0
)

// MaxRecordBytes returns the largest payload a single record may carry in a
// segment whose CHUNK_SIZE is chunkSize.
func MaxRecordBytes(chunkSize int32) int32 {
	return chunkSize - 4 - OBJECT_HEADER_BYTES
}

func putSegmentHeader(buf []byte, numEntries, uncompressedBytes int32) {
	binary.LittleEndian.PutUint32(buf[COUNT_OFFSET:], uint32(numEntries))
	binary.LittleEndian.PutUint32(buf[SIZE_OFFSET:], uint32(uncompressedBytes))
}

func getSegmentHeader(buf []byte) (numEntries, uncompressedBytes int32) {
	numEntries = int32(binary.LittleEndian.Uint32(buf[COUNT_OFFSET:]))
	uncompressedBytes = int32(binary.LittleEndian.Uint32(buf[SIZE_OFFSET:]))
	return
}

func putFrameHeader(buf []byte, length, flags int32) {
	binary.LittleEndian.PutUint32(buf[0:], uint32(length))
	binary.LittleEndian.PutUint32(buf[4:], uint32(flags))
}

func getFrameHeader(buf []byte) (length, flags int32) {
	length = int32(binary.LittleEndian.Uint32(buf[0:]))
	flags = int32(binary.LittleEndian.Uint32(buf[4:]))
	return
}
