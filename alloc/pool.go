package alloc

import (
	"fmt"
	"math/bits"

	"github.com/joeycumines/go-shmsync/lock"
	"github.com/joeycumines/go-shmsync/region"
	"github.com/joeycumines/logiface"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

const (
	// BlockSize is the granule of the global pool.
	BlockSize = 4096

	// NumGlobalLists is the number of size-bucketed global block
	// freelists.
	NumGlobalLists = 8

	// NumLocalLists is the number of size-segregated per-agent object
	// freelists: 16..128 in 8-byte steps, then 256..1024 in 128-byte
	// steps.
	NumLocalLists = 22

	// MinObject is the smallest object the local allocator hands out,
	// header included.
	MinObject = 16

	// MaxSmall is the largest object served from the local lists, header
	// included; anything larger goes to the block pool directly.
	MaxSmall = 1024

	// headerBytes is the object header: size and poison words.
	headerBytes = 8

	poisonAlloc = 0xDEADBEEF
	poisonFree  = 0xFEEDFACE

	// largeBit marks a header size as a direct block allocation.
	largeBit = 1 << 31
)

// PoolMetaBytes is the size of the global pool's metadata: the spinlock,
// the freelist heads, and one reserved word, rounded to 8.
const PoolMetaBytes = (NumGlobalLists + 1 + 1) * 4 // 40

type (
	// PoolConfig models configuration for the pool constructors.
	PoolConfig struct {
		// Region, Base, and Size place the pool; blocks are carved from
		// the 4096-aligned portion of [Base+PoolMetaBytes, Base+Size).
		Region *region.Region
		Base   uint32
		Size   uint32

		// Logger receives structured allocator logs. Nil disables
		// logging.
		Logger *logiface.Logger[logiface.Event]
	}

	// Pool is the global tier: a spinlock-protected set of size-bucketed,
	// address-ordered block freelists. Every agent attaches its own
	// handle; the spinlock serializes all list surgery.
	Pool struct {
		r      *region.Region
		spin   *lock.Spinlock
		lists  [NumGlobalLists]region.View32
		origin uint32 // first block offset, BlockSize-aligned
		blocks uint32 // total block count
		log    *logiface.Logger[logiface.Event]
	}
)

// free-block header fields, stored in the block itself while free
const (
	blockSize = 0 // size in blocks
	blockNext = 4 // offset of the next block in the same bucket, 0 = nil
)

// bucket maps a block count to its freelist index.
func bucket(blocks uint32) int {
	b := bits.Len32(blocks - 1) // ceil(log2(blocks))
	if b >= NumGlobalLists {
		b = NumGlobalLists - 1
	}
	return b
}

// InitPool constructs the pool at config.Base and donates the whole block
// area to the freelists. Exactly one agent initializes a given pool.
func InitPool(config *PoolConfig) (*Pool, error) {
	x, err := newPool(config)
	if err != nil {
		return nil, err
	}
	x.spin, err = lock.InitSpinlock(config.Region, config.Base)
	if err != nil {
		return nil, err
	}
	for i := range x.lists {
		x.lists[i].Store(0)
	}
	if x.blocks > 0 {
		x.setBlockHeader(x.origin, x.blocks, 0)
		x.lists[bucket(x.blocks)].Store(x.origin)
	}
	return x, nil
}

// AtPool attaches to a pool previously initialized at config.Base.
func AtPool(config *PoolConfig) (*Pool, error) {
	x, err := newPool(config)
	if err != nil {
		return nil, err
	}
	x.spin, err = lock.AtSpinlock(config.Region, config.Base)
	if err != nil {
		return nil, err
	}
	return x, nil
}

func newPool(config *PoolConfig) (*Pool, error) {
	if config == nil || config.Region == nil {
		return nil, fmt.Errorf(`%w: nil region`, region.ErrBadLayout)
	}
	r, base, size := config.Region, config.Base, config.Size
	if err := r.Check(base, region.Layout{Bytes: size, Align: 4}); err != nil {
		return nil, err
	}
	origin := (base + PoolMetaBytes + BlockSize - 1) &^ (BlockSize - 1)
	end := base + size
	if origin >= end {
		return nil, fmt.Errorf(`%w: no room for blocks`, region.ErrBadLayout)
	}
	x := &Pool{r: r, origin: origin, blocks: (end - origin) / BlockSize, log: config.Logger}
	for i := range x.lists {
		x.lists[i], _ = r.View32(base + 4 + uint32(i)*4)
	}
	return x, nil
}

// Origin returns the offset of the first block; blocks lie at
// Origin + k*BlockSize.
func (x *Pool) Origin() uint32 { return x.origin }

func (x *Pool) word(off uint32) region.View32 {
	v, _ := x.r.View32(off)
	return v
}

func (x *Pool) setBlockHeader(off, blocks, next uint32) {
	x.word(off + blockSize).Store(blocks)
	x.word(off + blockNext).Store(next)
}

// AllocBlocks detaches a run of blocks blocks, splitting the rump back into
// its bucket. It returns the run's base offset, or zero when no run is
// large enough.
func (x *Pool) AllocBlocks(blocks uint32) uint32 {
	if blocks == 0 || blocks > x.blocks {
		return 0
	}
	x.spin.Acquire()
	defer x.spin.Release()
	for b := bucket(blocks); b < NumGlobalLists; b++ {
		prev := region.View32{}
		for off := x.lists[b].Load(); off != 0; {
			size := x.word(off + blockSize).Load()
			next := x.word(off + blockNext).Load()
			if size >= blocks {
				// detach; address order within the bucket is preserved
				if prev == (region.View32{}) {
					x.lists[b].Store(next)
				} else {
					prev.Store(next)
				}
				if size > blocks {
					x.insertLocked(off+blocks*BlockSize, size-blocks)
				}
				return off
			}
			prev = x.word(off + blockNext)
			off = next
		}
	}
	x.log.Debug().Uint64(`blocks`, uint64(blocks)).Log(`block pool exhausted`)
	return 0
}

// FreeBlocks returns a run of blocks to the pool, merging with adjacent
// free runs until no neighbor merges.
func (x *Pool) FreeBlocks(off, blocks uint32) {
	x.spin.Acquire()
	defer x.spin.Release()
	for {
		merged := false
		end := off + blocks*BlockSize
		for b := 0; b < NumGlobalLists && !merged; b++ {
			prev := region.View32{}
			for o := x.lists[b].Load(); o != 0; {
				size := x.word(o + blockSize).Load()
				next := x.word(o + blockNext).Load()
				if o+size*BlockSize == off || o == end {
					// detach the neighbor and widen the run
					if prev == (region.View32{}) {
						x.lists[b].Store(next)
					} else {
						prev.Store(next)
					}
					if o < off {
						off = o
					}
					blocks += size
					merged = true
					break
				}
				prev = x.word(o + blockNext)
				o = next
			}
		}
		if !merged {
			break
		}
	}
	x.insertLocked(off, blocks)
}

// insertLocked links a free run into its bucket in address order. The
// caller holds the spinlock.
func (x *Pool) insertLocked(off, blocks uint32) {
	b := bucket(blocks)
	prev := region.View32{}
	o := x.lists[b].Load()
	for o != 0 && o < off {
		prev = x.word(o + blockNext)
		o = prev.Load()
	}
	x.setBlockHeader(off, blocks, o)
	if prev == (region.View32{}) {
		x.lists[b].Store(off)
	} else {
		prev.Store(off)
	}
}

// freeBlockCount reports the total free blocks, for tests and logging.
func (x *Pool) freeBlockCount() uint32 {
	x.spin.Acquire()
	defer x.spin.Release()
	var n uint32
	for b := 0; b < NumGlobalLists; b++ {
		for o := x.lists[b].Load(); o != 0; o = x.word(o + blockNext).Load() {
			n += x.word(o + blockSize).Load()
		}
	}
	return n
}

type (
	// LocalConfig models configuration for NewLocal.
	LocalConfig struct {
		// Pool is the global tier backing this agent. Required.
		Pool *Pool

		// BlockBudget is the number of blocks the agent may pull from the
		// pool between coalesces. **Defaults to 8, if 0.**
		BlockBudget int

		// CoalesceThreshold is the freed-byte count that triggers a
		// coalesce. **Defaults to 64 KiB, if 0.**
		CoalesceThreshold uint32

		// Logger receives structured allocator logs. Nil disables
		// logging.
		Logger *logiface.Logger[logiface.Event]
	}

	// Local is one agent's object allocator: size-segregated freelists of
	// poisoned objects refilled from the global pool. It must only be
	// used by the owning agent; the lists may hold objects whose
	// underlying block was allocated by a different agent, which is why
	// coalescing only ever reasons about objects present in these lists.
	Local struct {
		pool      *Pool
		lists     [NumLocalLists]uint32 // object offsets, 0 = nil
		budget    int
		maxBudget int
		freed     uint32
		threshold uint32
		log       *logiface.Logger[logiface.Event]
	}
)

// classSize returns the object size of list index i.
func classSize(i int) uint32 {
	if i < 15 {
		return 16 + 8*uint32(i)
	}
	return 256 + 128*uint32(i-15)
}

// classIndex returns the list holding objects of exactly size bytes, or -1
// if size is not a class size.
func classIndex(size uint32) int {
	switch {
	case size >= 16 && size <= 128 && size%8 == 0:
		return int(size-16) / 8
	case size >= 256 && size <= 1024 && size%128 == 0:
		return 15 + int(size-256)/128
	default:
		return -1
	}
}

// classFor returns the smallest class index whose size is >= need.
func classFor(need uint32) int {
	switch {
	case need <= 16:
		return 0
	case need <= 128:
		return int(need+7-16) / 8
	case need <= 256:
		return 15
	default:
		return 15 + int(need+127-256)/128
	}
}

// NewLocal returns a per-agent allocator over the given pool.
func NewLocal(config *LocalConfig) (*Local, error) {
	if config == nil || config.Pool == nil {
		return nil, fmt.Errorf(`%w: nil pool`, region.ErrBadLayout)
	}
	x := &Local{
		pool:      config.Pool,
		maxBudget: config.BlockBudget,
		threshold: config.CoalesceThreshold,
		log:       config.Logger,
	}
	if x.maxBudget <= 0 {
		x.maxBudget = 8
	}
	if x.threshold == 0 {
		x.threshold = 64 << 10
	}
	x.budget = x.maxBudget
	return x, nil
}

func (x *Local) word(off uint32) region.View32 { return x.pool.word(off) }

// push links the free object at off (of exactly size bytes) into its list.
func (x *Local) push(off, size uint32) {
	i := classIndex(size)
	x.word(off + 0).Store(size)
	x.word(off + 4).Store(poisonFree)
	x.word(off + headerBytes).Store(x.lists[i])
	x.lists[i] = off
}

// pop unlinks the head object of list i, returning its offset or zero.
func (x *Local) pop(i int) uint32 {
	off := x.lists[i]
	if off != 0 {
		x.lists[i] = x.word(off + headerBytes).Load()
	}
	return off
}

// Alloc returns the payload offset of an object with room for n bytes, or
// zero when memory is exhausted. Objects above MaxSmall-headerBytes payload
// bytes are served from the block pool directly.
func (x *Local) Alloc(n uint32) uint32 {
	if n == 0 {
		n = 8
	}
	total := (n + headerBytes + 7) &^ 7
	if total < MinObject {
		total = MinObject
	}
	if total > MaxSmall {
		return x.allocLarge(total)
	}
	idx := classFor(total)
	for attempt := 0; attempt < 2; attempt++ {
		for i := idx; i < NumLocalLists; i++ {
			if off := x.pop(i); off != 0 {
				size := classSize(i)
				want := classSize(idx)
				if size-want >= MinObject {
					x.splitExcess(off+want, size-want)
					size = want
				}
				// an excess below MinObject stays with the object
				x.word(off + 0).Store(size)
				x.word(off + 4).Store(poisonAlloc)
				return off + headerBytes
			}
		}
		if !x.refill() {
			break
		}
	}
	return 0
}

// splitExcess returns the tail [off, off+rem) of a split object to the
// lists as one or more properly sized chunks.
func (x *Local) splitExcess(off, rem uint32) {
	for rem >= MinObject {
		c := classSize(classFor(rem))
		if c > rem {
			c = classSize(classFor(rem) - 1)
		}
		// avoid a terminal sliver below the minimum object size
		for rem-c != 0 && rem-c < MinObject {
			c = classSize(classIndex(c) - 1)
		}
		x.push(off, c)
		off += c
		rem -= c
	}
}

// refill pulls one block from the global pool and chops it into chunks of
// the largest class size, coalescing first when the budget is spent.
func (x *Local) refill() bool {
	if x.budget <= 0 {
		x.Coalesce()
	}
	blk := x.pool.AllocBlocks(1)
	if blk == 0 {
		return false
	}
	x.budget--
	for c := uint32(0); c < BlockSize/MaxSmall; c++ {
		x.push(blk+c*MaxSmall, MaxSmall)
	}
	return true
}

func (x *Local) allocLarge(total uint32) uint32 {
	blocks := (total + BlockSize - 1) / BlockSize
	off := x.pool.AllocBlocks(blocks)
	if off == 0 {
		return 0
	}
	x.word(off + 0).Store(blocks*BlockSize | largeBit)
	x.word(off + 4).Store(poisonAlloc)
	return off + headerBytes
}

// Free returns the object at payload offset p to the allocator. Small
// objects go onto the owning agent's lists; direct block allocations go
// back to the pool.
func (x *Local) Free(p uint32) error {
	if p < headerBytes {
		return fmt.Errorf(`%w: offset %d`, ErrInvalidPointer, p)
	}
	off := p - headerBytes
	if x.word(off+4).Load() != poisonAlloc {
		return fmt.Errorf(`%w: offset %d: bad poison`, ErrInvalidPointer, p)
	}
	size := x.word(off + 0).Load()
	if size&largeBit != 0 {
		size &^= largeBit
		x.pool.FreeBlocks(off, size/BlockSize)
		return nil
	}
	if classIndex(size) < 0 {
		return fmt.Errorf(`%w: offset %d: corrupt size %d`, ErrInvalidPointer, p, size)
	}
	x.push(off, size)
	x.freed += size
	if x.freed >= x.threshold {
		x.Coalesce()
	}
	return nil
}

// Coalesce resets the block budget and returns entirely free blocks to the
// global pool. Free objects are bucketed by block base; a block is released
// only when the whole of it is present in this agent's lists, which is what
// keeps coalescing from ever touching memory another agent is writing.
func (x *Local) Coalesce() {
	x.budget = x.maxBudget
	x.freed = 0

	origin := x.pool.origin
	perBlock := make(map[uint32]uint32)
	for i := range x.lists {
		size := classSize(i)
		for off := x.lists[i]; off != 0; off = x.word(off + headerBytes).Load() {
			base := origin + (off-origin)&^uint32(BlockSize-1)
			// objects crossing a block boundary keep both blocks resident
			if (off-base)+size <= BlockSize {
				perBlock[base] += size
			}
		}
	}

	full := perBlock
	maps.DeleteFunc(full, func(_ uint32, free uint32) bool { return free != BlockSize })
	if len(full) == 0 {
		return
	}

	for i := range x.lists {
		var head uint32
		for off := x.lists[i]; off != 0; {
			next := x.word(off + headerBytes).Load()
			base := origin + (off-origin)&^uint32(BlockSize-1)
			if _, release := full[base]; !release {
				x.word(off + headerBytes).Store(head)
				head = off
			}
			off = next
		}
		x.lists[i] = head
	}

	bases := maps.Keys(full)
	slices.Sort(bases)
	for _, base := range bases {
		x.pool.FreeBlocks(base, 1)
	}
	x.log.Debug().
		Int(`blocks`, len(bases)).
		Log(`coalesce released blocks`)
}
