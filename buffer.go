package pbd

import (
	"sync"
	"unsafe"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
)

// Buffer is anything a caller may hand to Offer or receive from an
// Allocator. It is a thin interface rather than a bare []byte so that
// DirectBuffer and HeapBuffer remain distinguishable at the offer boundary:
// the compressor is only ever invoked against the former.
type Buffer interface {
	Bytes() []byte
}

// HeapBuffer is an ordinary garbage-collected byte slice. Segments never
// attempt to compress a HeapBuffer's contents.
type HeapBuffer []byte

// Bytes implements Buffer.
func (b HeapBuffer) Bytes() []byte { return []byte(b) }

// DirectBuffer marks a byte slice as addressable by the block-compression
// codec. Go has no off-heap allocator without cgo; DirectBuffer exists to
// preserve the API-level distinction between "may be compressed" and
// "never compressed" content, so the on-disk compressed flag still
// faithfully records how the caller asked the codec to be invoked.
type DirectBuffer []byte

// Bytes implements Buffer.
func (b DirectBuffer) Bytes() []byte { return []byte(b) }

func isDirect(b Buffer) bool {
	_, ok := b.(DirectBuffer)
	return ok
}

type bufferKind int

const (
	kindHeap bufferKind = iota
	kindDirect
	kindMapped
)

func (k bufferKind) String() string {
	switch k {
	case kindDirect:
		return "direct"
	case kindMapped:
		return "mapped"
	default:
		return "heap"
	}
}

// segmentPin is the back-reference a polled BufferHandle holds against its
// owning segment. Releasing it lets the Deque re-check whether the segment
// is now fully drained and eligible for deletion.
type segmentPin struct {
	dq    *Deque
	segID int64
}

func (p *segmentPin) release() {
	if p == nil {
		return
	}
	p.dq.unpin(p.segID)
}

// BufferHandle is a reference-counted, single-discard wrapper around a
// contiguous byte region. Discard releases the underlying storage exactly
// once; a second call is a caller bug, logged at error level rather than
// returned.
type BufferHandle struct {
	mu        sync.Mutex
	region    []byte
	kind      bufferKind
	discarded bool
	release   func() error
	pin       *segmentPin
	logger    log.Logger
}

func newBufferHandle(region []byte, kind bufferKind, release func() error, pin *segmentPin, logger log.Logger) *BufferHandle {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	return &BufferHandle{region: region, kind: kind, release: release, pin: pin, logger: logger}
}

// NewHeapHandle wraps a plain heap buffer with a no-op release, for
// caller-owned byte slices that never touched a segment.
func NewHeapHandle(region []byte) *BufferHandle {
	return newBufferHandle(region, kindHeap, nil, nil, nil)
}

// Bytes returns the region owned by this handle. The slice must not be
// retained past Discard.
func (h *BufferHandle) Bytes() []byte {
	return h.region
}

// Len returns the length of the owned region.
func (h *BufferHandle) Len() int { return len(h.region) }

// Addr exposes the region's native address, for zero-copy codec calls that
// need a pointer rather than a slice header.
func (h *BufferHandle) Addr() uintptr {
	if len(h.region) == 0 {
		return 0
	}
	return uintptr(unsafe.Pointer(&h.region[0]))
}

// Discard releases the handle's storage. It is idempotent in observation:
// calling it more than once never returns an error or panics, but it is
// logged at error level since it indicates a caller bug.
func (h *BufferHandle) Discard() error {
	h.mu.Lock()
	if h.discarded {
		h.mu.Unlock()
		level.Error(h.logger).Log("msg", "buffer handle discarded more than once", "kind", h.kind.String())
		return nil
	}
	h.discarded = true
	h.mu.Unlock()

	var err error
	if h.release != nil {
		err = h.release()
	}
	h.pin.release()
	return err
}
