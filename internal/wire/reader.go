package wire

// reader is a bounds-checked big-endian cursor. Every accessor reports false
// instead of panicking when the buffer is too short.
type reader struct {
	buf []byte
	off int
}

func (r *reader) need(n int) bool {
	return len(r.buf)-r.off >= n
}

func (r *reader) uN(n int) (uint64, bool) {
	if !r.need(n) {
		return 0, false
	}
	var v uint64
	for _, b := range r.buf[r.off : r.off+n] {
		v = v<<8 | uint64(b)
	}
	r.off += n
	return v, true
}

func (r *reader) u8() (byte, bool) {
	if !r.need(1) {
		return 0, false
	}
	b := r.buf[r.off]
	r.off++
	return b, true
}

func (r *reader) u16() (uint16, bool) {
	v, ok := r.uN(2)
	return uint16(v), ok
}

func (r *reader) u24() (uint32, bool) {
	v, ok := r.uN(3)
	return uint32(v), ok
}

func (r *reader) u32() (uint32, bool) {
	v, ok := r.uN(4)
	return uint32(v), ok
}

func (r *reader) u40() (uint64, bool) { return r.uN(5) }

func (r *reader) u56() (uint64, bool) { return r.uN(7) }

func (r *reader) u64() (uint64, bool) { return r.uN(8) }

func (r *reader) str16() (string, bool) {
	n, ok := r.u16()
	if !ok || !r.need(int(n)) {
		return "", false
	}
	s := string(r.buf[r.off : r.off+int(n)])
	r.off += int(n)
	return s, true
}
