package pbd

// Option configures a Deque at construction time, covering the
// construction-time knobs beyond the four positional parameters (nonce,
// directory, logger, delete-empty-on-open).
type Option func(*Deque)

// WithMemoryMappedSegments selects the memory-mapped segment backend
// instead of the default regular-I/O backend. Both backends produce
// byte-identical files, so this may be changed freely between process
// restarts of the same directory.
func WithMemoryMappedSegments(enabled bool) Option {
	return func(d *Deque) { d.useMmap = enabled }
}

// WithCompression sets the default value of allowCompression used by the
// single-argument Offer. It has no effect on OfferWithCompression, which
// takes its own flag explicitly.
func WithCompression(enabled bool) Option {
	return func(d *Deque) { d.compressByDefault = enabled }
}

// WithChunkSize overrides CHUNK_SIZE for this Deque instance. Intended for
// tests that need segment rotation, gap detection, or truncation to trigger
// without multi-megabyte fixtures.
func WithChunkSize(chunkSize int32) Option {
	return func(d *Deque) { d.chunkSize = chunkSize }
}

// WithDeleteEmptySegmentsOnOpen controls whether construction deletes
// existing segment files that turn out to hold zero entries, overriding
// NewDeque's deleteEmptyOnOpen argument. Since construction always rotates
// to a brand-new tail id (rather than resuming the previous tail in place),
// a lightly used deque with this disabled accumulates one empty segment
// file per restart.
func WithDeleteEmptySegmentsOnOpen(enabled bool) Option {
	return func(d *Deque) { d.deleteEmptyOnOpen = enabled }
}

// WithAllocator sets the Allocator that Poll decompresses compressed
// records into. A nil Allocator keeps the default HeapAllocator.
func WithAllocator(a Allocator) Option {
	return func(d *Deque) {
		if a != nil {
			d.allocator = a
		}
	}
}
