package par

import (
	"errors"
	"fmt"
	"math"
)

// ErrBadArgument is returned when an argument type cannot be marshaled into
// the shared region.
var ErrBadArgument = errors.New(`par: unsupported argument type`)

// ErrBadEncoding is returned when the marshaled argument area is corrupt.
var ErrBadEncoding = errors.New(`par: corrupt argument encoding`)

// Argument word codec. Arguments travel to the workers as a stream of
// 32-bit words in the dispatcher's scratch area: a tag word, then the
// payload. 64-bit values are split low word first; byte payloads are packed
// four to a word and padded.
const (
	tagInt32 = iota + 1
	tagUint32
	tagInt64
	tagUint64
	tagFloat32
	tagFloat64
	tagBool
	tagString
	tagBytes
	tagInt32s
	tagFloat64s
)

func appendBytes(w []uint32, b []byte) []uint32 {
	w = append(w, uint32(len(b)))
	for i := 0; i < len(b); i += 4 {
		var word uint32
		for j := 0; j < 4 && i+j < len(b); j++ {
			word |= uint32(b[i+j]) << (8 * j)
		}
		w = append(w, word)
	}
	return w
}

func append64(w []uint32, v uint64) []uint32 {
	return append(w, uint32(v), uint32(v>>32))
}

// marshal encodes args into the word stream read back by unmarshal.
func marshal(args []any) ([]uint32, error) {
	w := make([]uint32, 0, 2*len(args))
	for _, a := range args {
		switch v := a.(type) {
		case int32:
			w = append(w, tagInt32, uint32(v))
		case int:
			// convenience; must fit 32 bits
			if int64(v) != int64(int32(v)) {
				return nil, fmt.Errorf(`%w: int %d overflows 32 bits`, ErrBadArgument, v)
			}
			w = append(w, tagInt32, uint32(int32(v)))
		case uint32:
			w = append(w, tagUint32, v)
		case int64:
			w = append64(append(w, tagInt64), uint64(v))
		case uint64:
			w = append64(append(w, tagUint64), v)
		case float32:
			w = append(w, tagFloat32, math.Float32bits(v))
		case float64:
			w = append64(append(w, tagFloat64), math.Float64bits(v))
		case bool:
			var b uint32
			if v {
				b = 1
			}
			w = append(w, tagBool, b)
		case string:
			w = appendBytes(append(w, tagString), []byte(v))
		case []byte:
			w = appendBytes(append(w, tagBytes), v)
		case []int32:
			w = append(w, tagInt32s, uint32(len(v)))
			for _, e := range v {
				w = append(w, uint32(e))
			}
		case []float64:
			w = append(w, tagFloat64s, uint32(len(v)))
			for _, e := range v {
				w = append64(w, math.Float64bits(e))
			}
		default:
			return nil, fmt.Errorf(`%w: %T`, ErrBadArgument, a)
		}
	}
	return w, nil
}

type wordReader struct {
	w []uint32
	i int
}

func (x *wordReader) next() (uint32, error) {
	if x.i >= len(x.w) {
		return 0, ErrBadEncoding
	}
	v := x.w[x.i]
	x.i++
	return v, nil
}

func (x *wordReader) next64() (uint64, error) {
	lo, err := x.next()
	if err != nil {
		return 0, err
	}
	hi, err := x.next()
	return uint64(hi)<<32 | uint64(lo), err
}

func (x *wordReader) bytes() ([]byte, error) {
	n, err := x.next()
	if err != nil {
		return nil, err
	}
	words := (int(n) + 3) / 4
	if x.i+words > len(x.w) {
		return nil, ErrBadEncoding
	}
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(x.w[x.i+i/4] >> (8 * (i % 4)))
	}
	x.i += words
	return b, nil
}

// unmarshal decodes the word stream produced by marshal. The result is
// shared read-only across the workers of a job.
func unmarshal(w []uint32) ([]any, error) {
	r := &wordReader{w: w}
	var args []any
	for r.i < len(r.w) {
		tag, _ := r.next()
		switch tag {
		case tagInt32:
			v, err := r.next()
			if err != nil {
				return nil, err
			}
			args = append(args, int32(v))
		case tagUint32:
			v, err := r.next()
			if err != nil {
				return nil, err
			}
			args = append(args, v)
		case tagInt64:
			v, err := r.next64()
			if err != nil {
				return nil, err
			}
			args = append(args, int64(v))
		case tagUint64:
			v, err := r.next64()
			if err != nil {
				return nil, err
			}
			args = append(args, v)
		case tagFloat32:
			v, err := r.next()
			if err != nil {
				return nil, err
			}
			args = append(args, math.Float32frombits(v))
		case tagFloat64:
			v, err := r.next64()
			if err != nil {
				return nil, err
			}
			args = append(args, math.Float64frombits(v))
		case tagBool:
			v, err := r.next()
			if err != nil {
				return nil, err
			}
			args = append(args, v != 0)
		case tagString:
			b, err := r.bytes()
			if err != nil {
				return nil, err
			}
			args = append(args, string(b))
		case tagBytes:
			b, err := r.bytes()
			if err != nil {
				return nil, err
			}
			args = append(args, b)
		case tagInt32s:
			n, err := r.next()
			if err != nil {
				return nil, err
			}
			if r.i+int(n) > len(r.w) {
				return nil, ErrBadEncoding
			}
			v := make([]int32, n)
			for i := range v {
				v[i] = int32(r.w[r.i+i])
			}
			r.i += int(n)
			args = append(args, v)
		case tagFloat64s:
			n, err := r.next()
			if err != nil {
				return nil, err
			}
			v := make([]float64, n)
			for i := range v {
				e, err := r.next64()
				if err != nil {
					return nil, err
				}
				v[i] = math.Float64frombits(e)
			}
			args = append(args, v)
		default:
			return nil, fmt.Errorf(`%w: tag %d`, ErrBadEncoding, tag)
		}
	}
	return args, nil
}
