package par

// Space is the index space of an invocation: one or two half-open integer
// ranges.
type Space struct {
	dims [][2]int32
}

// Space1 returns a one-dimensional index space over [lo, hi).
func Space1(lo, hi int32) Space {
	return Space{dims: [][2]int32{{lo, hi}}}
}

// Space2 returns a two-dimensional index space over [lo0, hi0) x [lo1, hi1).
func Space2(lo0, hi0, lo1, hi1 int32) Space {
	return Space{dims: [][2]int32{{lo0, hi0}, {lo1, hi1}}}
}

// itemWords is the work-item size for the space: 2 words per dimension.
func (x Space) itemWords() uint32 { return uint32(len(x.dims)) * 2 }

// sliceRange splits [lo, hi) into up to 4*workers tiles, distributing any
// remainder one extra to the leading tiles. Empty tiles are dropped, so a
// short range yields fewer tiles.
func sliceRange(lo, hi int32, workers int) [][2]int32 {
	if hi <= lo {
		return nil
	}
	count := 4 * workers
	if count < 1 {
		count = 1
	}
	length := int(hi - lo)
	base := length / count
	rem := length % count
	tiles := make([][2]int32, 0, count)
	at := lo
	for i := 0; i < count && at < hi; i++ {
		n := base
		if i < rem {
			n++
		}
		if n == 0 {
			break
		}
		tiles = append(tiles, [2]int32{at, at + int32(n)})
		at += int32(n)
	}
	return tiles
}

// tiles expands the space into work items, each itemWords words: {lo, hi}
// per dimension. The 2D case is the Cartesian product of the per-dimension
// slicings; claiming items tile-by-tile from the shared cursor is what
// provides implicit work stealing.
func (x Space) tiles(workers int) []uint32 {
	switch len(x.dims) {
	case 1:
		ts := sliceRange(x.dims[0][0], x.dims[0][1], workers)
		out := make([]uint32, 0, 2*len(ts))
		for _, t := range ts {
			out = append(out, uint32(t[0]), uint32(t[1]))
		}
		return out
	case 2:
		t0 := sliceRange(x.dims[0][0], x.dims[0][1], workers)
		t1 := sliceRange(x.dims[1][0], x.dims[1][1], workers)
		out := make([]uint32, 0, 4*len(t0)*len(t1))
		for _, a := range t0 {
			for _, b := range t1 {
				out = append(out, uint32(a[0]), uint32(a[1]), uint32(b[0]), uint32(b[1]))
			}
		}
		return out
	default:
		return nil
	}
}
