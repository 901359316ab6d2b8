package varint

// Quad is four IDs in a fixed field order
type Quad [4]uint64

// QuadLen returns the encoded length of q
func QuadLen(q Quad) int {
	return Len(q[0]) + Len(q[1]) + Len(q[2]) + Len(q[3])
}

// AppendQuad appends the four encodings of q to dst
func AppendQuad(dst []byte, q Quad) []byte {
	var buf [4 * MaxLen]byte
	n := Put(buf[:], q[0])
	n += Put(buf[n:], q[1])
	n += Put(buf[n:], q[2])
	n += Put(buf[n:], q[3])
	return append(dst, buf[:n]...)
}

// DecodeQuad decodes four values from b
func DecodeQuad(b []byte) (Quad, int, error) {
	var q Quad
	n, err := DecodeAll(b, q[:])
	return q, n, err
}
