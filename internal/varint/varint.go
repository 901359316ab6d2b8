// Package varint implements an order-preserving variable-length encoding for
// unsigned 64-bit integers. Encoded values compare bytewise in the same order
// as the integers they represent, so keys built from them sort numerically.
package varint

import "fmt"

// MaxLen is the longest possible encoding of a uint64
const MaxLen = 9

const (
	oneByteMax   = 240
	twoByteMax   = 2287
	threeByteMax = 67823
)

// Len returns the number of bytes needed to encode v
func Len(v uint64) int {
	switch {
	case v <= oneByteMax:
		return 1
	case v <= twoByteMax:
		return 2
	case v <= threeByteMax:
		return 3
	}
	return 1 + byteCount(v)
}

// byteCount returns the number of big-endian bytes (3..8) needed for v
func byteCount(v uint64) int {
	n := 3
	for n < 8 && v>>(uint(n)*8) != 0 {
		n++
	}
	return n
}

// HeaderLen returns the total encoded length implied by the first byte
func HeaderLen(first byte) int {
	switch {
	case first <= oneByteMax:
		return 1
	case first <= 248:
		return 2
	case first == 249:
		return 3
	}
	return int(first) - 246
}

// Put encodes v into dst and returns the number of bytes written.
// It panics if dst is too small.
func Put(dst []byte, v uint64) int {
	switch {
	case v <= oneByteMax:
		dst[0] = byte(v)
		return 1
	case v <= twoByteMax:
		w := v - 240
		dst[0] = byte(w>>8) + 241
		dst[1] = byte(w)
		return 2
	case v <= threeByteMax:
		w := v - 2288
		dst[0] = 249
		dst[1] = byte(w >> 8)
		dst[2] = byte(w)
		return 3
	}
	n := byteCount(v)
	dst[0] = byte(250 + n - 3)
	for i := 0; i < n; i++ {
		dst[n-i] = byte(v >> (uint(i) * 8))
	}
	return n + 1
}

// Append appends the encoding of v to dst
func Append(dst []byte, v uint64) []byte {
	var buf [MaxLen]byte
	n := Put(buf[:], v)
	return append(dst, buf[:n]...)
}

// AppendAll appends the encodings of vs to dst in order
func AppendAll(dst []byte, vs ...uint64) []byte {
	for _, v := range vs {
		dst = Append(dst, v)
	}
	return dst
}

// Decode reads one value from b and returns it with the number of bytes consumed
func Decode(b []byte) (uint64, int, error) {
	if len(b) == 0 {
		return 0, 0, fmt.Errorf("varint: empty input")
	}
	a0 := b[0]
	n := HeaderLen(a0)
	if len(b) < n {
		return 0, 0, fmt.Errorf("varint: need %d bytes, have %d", n, len(b))
	}
	switch {
	case a0 <= oneByteMax:
		return uint64(a0), 1, nil
	case a0 <= 248:
		return 240 + 256*uint64(a0-241) + uint64(b[1]), 2, nil
	case a0 == 249:
		return 2288 + 256*uint64(b[1]) + uint64(b[2]), 3, nil
	}
	var v uint64
	for _, c := range b[1:n] {
		v = v<<8 | uint64(c)
	}
	return v, n, nil
}

// MustDecode is like Decode but panics on malformed input. Use it only on
// bytes produced by this package.
func MustDecode(b []byte) (uint64, int) {
	v, n, err := Decode(b)
	if err != nil {
		panic(err)
	}
	return v, n
}

// DecodeAll decodes exactly len(dst) values from b
func DecodeAll(b []byte, dst []uint64) (int, error) {
	off := 0
	for i := range dst {
		v, n, err := Decode(b[off:])
		if err != nil {
			return off, err
		}
		dst[i] = v
		off += n
	}
	return off, nil
}

// Skip returns the length of the first n encoded values in b
func Skip(b []byte, n int) (int, error) {
	off := 0
	for i := 0; i < n; i++ {
		if off >= len(b) {
			return off, fmt.Errorf("varint: truncated after %d values", i)
		}
		off += HeaderLen(b[off])
	}
	if off > len(b) {
		return off, fmt.Errorf("varint: truncated value")
	}
	return off, nil
}
