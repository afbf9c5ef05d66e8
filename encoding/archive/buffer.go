package archive

import (
	"encoding/binary"
	"math"
)

// Buffer is a growable scratch buffer. Capacity grows monotonically and is
// never released before Close; existing contents survive a Resize. One
// Buffer is exclusively owned by one reader.
type Buffer struct {
	buf []byte
}

// Resize makes the buffer exactly n bytes long, preserving the first
// min(n, len) bytes, and returns the resized slice. Requests that cannot be
// represented in memory surface as KindOutOfMemory.
func (b *Buffer) Resize(n int64) ([]byte, error) {
	if n < 0 || n > math.MaxInt32 {
		return nil, Errorf(KindOutOfMemory, "", "cannot grow scratch buffer to %d bytes", n)
	}
	want := int(n)
	if cap(b.buf) >= want {
		b.buf = b.buf[:want]
		return b.buf, nil
	}
	newCap := cap(b.buf) * 2
	if newCap < want {
		newCap = want
	}
	grown := make([]byte, want, newCap)
	copy(grown, b.buf)
	b.buf = grown
	return b.buf, nil
}

// Bytes returns the current contents.
func (b *Buffer) Bytes() []byte { return b.buf }

// Cap returns the current capacity.
func (b *Buffer) Cap() int { return cap(b.buf) }

// Cursor decodes little-endian fixed-width values from an in-memory block.
// The first out-of-bounds access latches a Truncated error; all later calls
// return zero values. Callers decode a whole record, then check Err once.
type Cursor struct {
	buf []byte
	off int
	err error
}

// Reset points the cursor at a new block and clears any latched error.
func (c *Cursor) Reset(buf []byte) {
	c.buf = buf
	c.off = 0
	c.err = nil
}

// Err returns the latched decode error, if any.
func (c *Cursor) Err() error { return c.err }

// Offset returns the number of bytes consumed so far.
func (c *Cursor) Offset() int { return c.off }

// Remaining returns the number of bytes left in the block.
func (c *Cursor) Remaining() int { return len(c.buf) - c.off }

func (c *Cursor) overrun(n int) bool {
	if c.err != nil {
		return true
	}
	if c.off+n > len(c.buf) {
		c.err = Errorf(KindTruncated, "", "record needs %d more bytes, block has %d", n, len(c.buf)-c.off)
		return true
	}
	return false
}

// Uint8 reads one byte.
func (c *Cursor) Uint8() uint8 {
	if c.overrun(1) {
		return 0
	}
	v := c.buf[c.off]
	c.off++
	return v
}

// Uint16 reads a little-endian fixed16.
func (c *Cursor) Uint16() uint16 {
	if c.overrun(2) {
		return 0
	}
	v := binary.LittleEndian.Uint16(c.buf[c.off:])
	c.off += 2
	return v
}

// Uint32 reads a little-endian fixed32.
func (c *Cursor) Uint32() uint32 {
	if c.overrun(4) {
		return 0
	}
	v := binary.LittleEndian.Uint32(c.buf[c.off:])
	c.off += 4
	return v
}

// Uint64 reads a little-endian fixed64.
func (c *Cursor) Uint64() uint64 {
	if c.overrun(8) {
		return 0
	}
	v := binary.LittleEndian.Uint64(c.buf[c.off:])
	c.off += 8
	return v
}

// Bytes returns the next n bytes without copying. The slice aliases the
// cursor's block and is only valid until the block is reused.
func (c *Cursor) Bytes(n int) []byte {
	if n < 0 {
		n = 0
	}
	if c.overrun(n) {
		return nil
	}
	v := c.buf[c.off : c.off+n]
	c.off += n
	return v
}

// String copies the next n bytes into a caller-owned string.
func (c *Cursor) String(n int) string {
	return string(c.Bytes(n))
}

// Skip advances past n bytes.
func (c *Cursor) Skip(n int) {
	if c.overrun(n) {
		return
	}
	c.off += n
}
