package pstproto

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

var byteOrder = binary.LittleEndian

// errShortBuffer is returned when a payload ends before all of its fields
// were decoded.
var errShortBuffer = errors.New("pstproto: payload truncated")

// encoder appends fixed-width fields to a byte slice.
type encoder struct {
	buf []byte
}

func (e *encoder) uint8(v uint8) {
	e.buf = append(e.buf, v)
}

func (e *encoder) uint32(v uint32) {
	var b [4]byte
	byteOrder.PutUint32(b[:], v)
	e.buf = append(e.buf, b[:]...)
}

func (e *encoder) uint64(v uint64) {
	var b [8]byte
	byteOrder.PutUint64(b[:], v)
	e.buf = append(e.buf, b[:]...)
}

func (e *encoder) float32(v float32) {
	e.uint32(math.Float32bits(v))
}

func (e *encoder) float64(v float64) {
	e.uint64(math.Float64bits(v))
}

func (e *encoder) bool(v bool) {
	if v {
		e.uint8(1)
	} else {
		e.uint8(0)
	}
}

// string writes a length-prefixed string.
func (e *encoder) string(s string) {
	e.uint32(uint32(len(s)))
	e.buf = append(e.buf, s...)
}

// blob writes a length-prefixed byte slice.
func (e *encoder) blob(b []byte) {
	e.uint64(uint64(len(b)))
	e.buf = append(e.buf, b...)
}

// raw writes b without a length prefix.
func (e *encoder) raw(b []byte) {
	e.buf = append(e.buf, b...)
}

// decoder consumes fixed-width fields from a byte slice. The first error
// sticks; later reads return zero values.
type decoder struct {
	buf []byte
	err error
}

func (d *decoder) take(n uint64) []byte {
	if d.err != nil {
		return nil
	}
	if uint64(len(d.buf)) < n {
		d.err = errShortBuffer
		return nil
	}
	b := d.buf[:n]
	d.buf = d.buf[n:]
	return b
}

func (d *decoder) uint8() uint8 {
	b := d.take(1)
	if b == nil {
		return 0
	}
	return b[0]
}

func (d *decoder) uint32() uint32 {
	b := d.take(4)
	if b == nil {
		return 0
	}
	return byteOrder.Uint32(b)
}

func (d *decoder) uint64() uint64 {
	b := d.take(8)
	if b == nil {
		return 0
	}
	return byteOrder.Uint64(b)
}

func (d *decoder) float32() float32 {
	return math.Float32frombits(d.uint32())
}

func (d *decoder) float64() float64 {
	return math.Float64frombits(d.uint64())
}

func (d *decoder) bool() bool {
	return d.uint8() != 0
}

func (d *decoder) string() string {
	return string(d.take(uint64(d.uint32())))
}

func (d *decoder) blob() []byte {
	b := d.take(d.uint64())
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}

// rest consumes everything left in the buffer.
func (d *decoder) rest() []byte {
	return d.take(uint64(len(d.buf)))
}

// count reads an element count and checks that at least minSize bytes per
// element remain, so corrupt counts cannot trigger huge allocations.
func (d *decoder) count(minSize int) int {
	n := d.uint32()
	if d.err != nil {
		return 0
	}
	if minSize > 0 && uint64(n)*uint64(minSize) > uint64(len(d.buf)) {
		d.err = fmt.Errorf("pstproto: element count %d exceeds payload", n)
		return 0
	}
	return int(n)
}

// finish reports the sticky error, or an error when bytes are left over.
func (d *decoder) finish() error {
	if d.err != nil {
		return d.err
	}
	if len(d.buf) != 0 {
		return fmt.Errorf("pstproto: %d trailing bytes in payload", len(d.buf))
	}
	return nil
}
