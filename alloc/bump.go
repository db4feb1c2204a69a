// Package alloc implements concurrent allocators carving objects out of the
// shared region: a lock-free bump allocator with mark/release, and a
// two-tier segregated-freelist allocator with a spinlock-protected global
// block pool and per-agent object caches.
//
// Allocators return region byte offsets; the zero offset is the
// out-of-memory sentinel and is never a valid allocation.
package alloc

import (
	"errors"

	"github.com/joeycumines/go-shmsync/region"
)

var (
	// ErrInvalidPointer is returned on free of a value that was not handed
	// out (bad offset, clobbered header, or double free).
	ErrInvalidPointer = errors.New(`alloc: invalid pointer`)
)

// BumpLayout is the footprint of the bump allocator's metadata: top and
// limit words plus two reserved words.
var BumpLayout = region.Layout{Bytes: 16, Align: 4}

// Bump is a lock-free shared linear allocator. Allocation advances a top
// word under CAS; Mark and Release implement stack-style bulk reclamation.
//
// Offsets grow upward from the end of the metadata, so the zero offset is
// structurally never returned.
type Bump struct {
	top   region.View32
	limit region.View32
	base  uint32 // first allocatable offset
}

// InitBump constructs the allocator at off, managing the data area
// [off+16, off+size). Exactly one agent initializes a given allocator.
func InitBump(r *region.Region, off, size uint32) (*Bump, error) {
	x, err := AtBump(r, off)
	if err != nil {
		return nil, err
	}
	if size < BumpLayout.Bytes+8 {
		return nil, region.ErrBadLayout
	}
	if err := r.Check(off, region.Layout{Bytes: size, Align: 4}); err != nil {
		return nil, err
	}
	x.top.Store(x.base)
	x.limit.Store(off + size)
	return x, nil
}

// AtBump attaches to a bump allocator previously initialized at off.
func AtBump(r *region.Region, off uint32) (*Bump, error) {
	if err := r.Check(off, BumpLayout); err != nil {
		return nil, err
	}
	x := &Bump{base: off + BumpLayout.Bytes}
	x.top, _ = r.View32(off)
	x.limit, _ = r.View32(off + 4)
	return x, nil
}

// Alloc returns the offset of n bytes (rounded up to 8), or zero when the
// area is exhausted.
func (x *Bump) Alloc(n uint32) uint32 {
	if n == 0 {
		n = 8
	}
	n = (n + 7) &^ 7
	limit := x.limit.Load()
	for {
		top := x.top.Load()
		next := top + n
		if next < top || next > limit {
			return 0
		}
		if x.top.CompareAndSwap(top, next) {
			return top
		}
	}
}

// Mark returns the current top, for a later Release.
func (x *Bump) Mark() uint32 { return x.top.Load() }

// Release resets the top downward to p, freeing everything allocated since
// the corresponding Mark. It reports false (without side effects) if p is
// above the current top or below the data area.
func (x *Bump) Release(p uint32) bool {
	if p < x.base {
		return false
	}
	for {
		top := x.top.Load()
		if p > top {
			return false
		}
		if x.top.CompareAndSwap(top, p) {
			return true
		}
	}
}
