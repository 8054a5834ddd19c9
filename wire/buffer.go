package wire

import (
	"encoding/binary"
	"math"
)

// byteWriter appends big-endian values to a growing buffer.
type byteWriter struct {
	buf []byte
}

func (w *byteWriter) u8(v uint8) { w.buf = append(w.buf, v) }

func (w *byteWriter) u16(v uint16) { w.buf = binary.BigEndian.AppendUint16(w.buf, v) }

func (w *byteWriter) u32(v uint32) { w.buf = binary.BigEndian.AppendUint32(w.buf, v) }

func (w *byteWriter) u64(v uint64) { w.buf = binary.BigEndian.AppendUint64(w.buf, v) }

func (w *byteWriter) i64(v int64) { w.u64(uint64(v)) }

func (w *byteWriter) f64(v float64) { w.u64(math.Float64bits(v)) }

func (w *byteWriter) raw(b []byte) { w.buf = append(w.buf, b...) }

func (w *byteWriter) str(s string) {
	w.u16(uint16(len(s)))
	w.buf = append(w.buf, s...)
}

// byteReader consumes big-endian values with a sticky failure flag so callers
// can decode a whole group and check for truncation once at the end.
type byteReader struct {
	buf    []byte
	off    int
	failed bool
}

func (r *byteReader) remaining() int { return len(r.buf) - r.off }

func (r *byteReader) take(n int) []byte {
	if r.failed || r.remaining() < n {
		r.failed = true
		return nil
	}
	b := r.buf[r.off : r.off+n]
	r.off += n
	return b
}

func (r *byteReader) u8() uint8 {
	b := r.take(1)
	if b == nil {
		return 0
	}
	return b[0]
}

func (r *byteReader) u16() uint16 {
	b := r.take(2)
	if b == nil {
		return 0
	}
	return binary.BigEndian.Uint16(b)
}

func (r *byteReader) u32() uint32 {
	b := r.take(4)
	if b == nil {
		return 0
	}
	return binary.BigEndian.Uint32(b)
}

func (r *byteReader) u64() uint64 {
	b := r.take(8)
	if b == nil {
		return 0
	}
	return binary.BigEndian.Uint64(b)
}

func (r *byteReader) i64() int64 { return int64(r.u64()) }

func (r *byteReader) f64() float64 { return math.Float64frombits(r.u64()) }

func (r *byteReader) str() string {
	n := int(r.u16())
	b := r.take(n)
	if b == nil {
		return ""
	}
	return string(b)
}
