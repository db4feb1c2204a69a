// Package region implements the flat shared byte buffer that every agent in a
// computation addresses by the same offsets.
//
// A Region is a contiguous byte array; all coordination state (cells, locks,
// barriers, queues, allocator metadata) lives at known offsets within it.
// Primitives describe their footprint with a [Layout], and are constructed by
// naming a base offset; instances in different agents addressing the same
// offsets view the same bytes.
//
// All 32-bit accesses through [Word32] / [View32] are sequentially consistent
// atomics. Construction is checked once; thereafter access is unchecked and
// has no failure modes.
package region

import (
	"errors"
	"fmt"
	"sync/atomic"
	"unsafe"
)

var (
	// ErrBadLayout is returned when an offset violates the alignment or size
	// constraints of the requested layout.
	ErrBadLayout = errors.New(`region: bad layout`)

	// ErrOutOfBounds is returned when the region is too small for a requested
	// cell.
	ErrOutOfBounds = errors.New(`region: out of bounds`)
)

type (
	// Layout describes the footprint of a primitive within a region, as a
	// (size, alignment) pair in bytes.
	Layout struct {
		Bytes uint32
		Align uint32
	}

	// Region is a contiguous byte buffer shared between agents.
	//
	// Within one process all agents hold *Region values backed by the same
	// array; across processes the backing array may be a shared mapping, see
	// NewShared. The zero value is not usable, use [New] or [FromBytes].
	Region struct {
		_ [0]func() // prevent comparison / copy-by-value misuse

		mem []byte

		// unmap releases an underlying mapping, if any (see region_unix.go)
		unmap func() error
	}
)

// New allocates a process-local region of the given size. The backing array
// is 8-byte aligned.
//
// Agents in the same process share the region by sharing the *Region (or any
// [FromBytes] view of the same backing array).
func New(size int) (*Region, error) {
	if size <= 0 {
		return nil, fmt.Errorf(`%w: non-positive size %d`, ErrBadLayout, size)
	}
	// allocating via uint64 guarantees 8-byte alignment of the base
	words := make([]uint64, (size+7)/8)
	b := unsafe.Slice((*byte)(unsafe.Pointer(unsafe.SliceData(words))), size)
	return &Region{mem: b}, nil
}

// FromBytes wraps an externally provided buffer, e.g. a shared mapping
// established by other means. The buffer base must be 8-byte aligned.
func FromBytes(b []byte) (*Region, error) {
	if len(b) == 0 {
		return nil, fmt.Errorf(`%w: empty buffer`, ErrBadLayout)
	}
	if uintptr(unsafe.Pointer(unsafe.SliceData(b)))&7 != 0 {
		return nil, fmt.Errorf(`%w: buffer base not 8-byte aligned`, ErrBadLayout)
	}
	return &Region{mem: b}, nil
}

// Size returns the region size in bytes.
func (x *Region) Size() int { return len(x.mem) }

// Close releases any underlying mapping. Regions allocated by [New] or
// wrapped by [FromBytes] have no mapping to release; for them Close only
// drops the region's reference to its buffer, after which Size reports zero.
//
// All primitives constructed on the region are invalidated.
func (x *Region) Close() error {
	if x.unmap != nil {
		unmap := x.unmap
		x.unmap = nil
		x.mem = nil
		return unmap()
	}
	x.mem = nil
	return nil
}

// Check validates that a cell with the given layout fits at off.
func (x *Region) Check(off uint32, l Layout) error {
	if l.Align != 0 && off%l.Align != 0 {
		return fmt.Errorf(`%w: offset %d not aligned to %d`, ErrBadLayout, off, l.Align)
	}
	if uint64(off)+uint64(l.Bytes) > uint64(len(x.mem)) {
		return fmt.Errorf(`%w: cell [%d,%d) exceeds region size %d`, ErrOutOfBounds, off, uint64(off)+uint64(l.Bytes), len(x.mem))
	}
	return nil
}

// Word32 returns a pointer to the 32-bit word at off, validating alignment
// and bounds. The pointer is valid for atomic access for the lifetime of the
// region.
func (x *Region) Word32(off uint32) (*uint32, error) {
	if err := x.Check(off, Layout{Bytes: 4, Align: 4}); err != nil {
		return nil, err
	}
	return (*uint32)(unsafe.Pointer(&x.mem[off])), nil
}

// Bytes returns the [off, off+n) subslice of the region. Non-atomic; callers
// coordinate access through the synchronization primitives.
func (x *Region) Bytes(off, n uint32) ([]byte, error) {
	if uint64(off)+uint64(n) > uint64(len(x.mem)) {
		return nil, fmt.Errorf(`%w: range [%d,%d) exceeds region size %d`, ErrOutOfBounds, off, uint64(off)+uint64(n), len(x.mem))
	}
	return x.mem[off : off+n : off+n], nil
}

// View32 returns a checked atomic view of the 32-bit word at off.
func (x *Region) View32(off uint32) (View32, error) {
	p, err := x.Word32(off)
	if err != nil {
		return View32{}, err
	}
	return View32{p: p}, nil
}

// View32 is an atomic view of one 32-bit word within a region. The zero
// value is invalid.
//
// All operations are sequentially consistent. Sub and Xor are composed from
// Add and CompareAndSwap respectively, preserving atomicity.
type View32 struct {
	p *uint32
}

// Addr returns the underlying word pointer, for handoff to the park/unpark
// layer.
func (x View32) Addr() *uint32 { return x.p }

// Load atomically loads the word.
func (x View32) Load() uint32 { return atomic.LoadUint32(x.p) }

// Store atomically stores v.
func (x View32) Store(v uint32) { atomic.StoreUint32(x.p, v) }

// Swap atomically stores v and returns the old value.
func (x View32) Swap(v uint32) uint32 { return atomic.SwapUint32(x.p, v) }

// CompareAndSwap performs a CAS, reporting whether the swap happened.
func (x View32) CompareAndSwap(old, new uint32) bool {
	return atomic.CompareAndSwapUint32(x.p, old, new)
}

// Add atomically adds delta (which may be a two's-complement negative) and
// returns the new value.
func (x View32) Add(delta uint32) uint32 { return atomic.AddUint32(x.p, delta) }

// Sub atomically subtracts delta and returns the new value.
func (x View32) Sub(delta uint32) uint32 { return atomic.AddUint32(x.p, ^(delta - 1)) }

// And atomically performs a bitwise AND with mask, returning the old value.
func (x View32) And(mask uint32) uint32 { return atomic.AndUint32(x.p, mask) }

// Or atomically performs a bitwise OR with mask, returning the old value.
func (x View32) Or(mask uint32) uint32 { return atomic.OrUint32(x.p, mask) }

// Xor atomically performs a bitwise XOR with mask, returning the old value.
func (x View32) Xor(mask uint32) uint32 {
	for {
		old := atomic.LoadUint32(x.p)
		if atomic.CompareAndSwapUint32(x.p, old, old^mask) {
			return old
		}
	}
}
