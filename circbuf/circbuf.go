// Package circbuf implements a fixed-capacity byte ring buffer, the
// building block pipes (and in principle any other byte-stream device)
// are layered on. It tracks monotonically increasing head/tail counters
// modulo its capacity rather than two wrapping indexes, so Full and Empty
// never need a sentinel "one slot always unused" trick.
package circbuf

// Buffer is a fixed-size ring of bytes. It is not safe for concurrent
// use; callers needing that (fd.Pipe does) add their own locking.
type Buffer struct {
	buf        []byte
	head, tail int
}

// New allocates a Buffer with the given capacity.
func New(capacity int) *Buffer {
	if capacity <= 0 {
		panic("circbuf: non-positive capacity")
	}
	return &Buffer{buf: make([]byte, capacity)}
}

// Cap returns the buffer's fixed capacity.
func (b *Buffer) Cap() int { return len(b.buf) }

// Len returns the number of bytes currently buffered.
func (b *Buffer) Len() int { return b.head - b.tail }

// Full reports whether the buffer holds Cap() bytes.
func (b *Buffer) Full() bool { return b.Len() == b.Cap() }

// Empty reports whether the buffer holds no bytes.
func (b *Buffer) Empty() bool { return b.Len() == 0 }

// WriteByte appends one byte. The caller must check Full first.
func (b *Buffer) WriteByte(c byte) {
	if b.Full() {
		panic("circbuf: write into full buffer")
	}
	b.buf[b.head%len(b.buf)] = c
	b.head++
}

// ReadByte removes and returns the oldest byte. The caller must check
// Empty first.
func (b *Buffer) ReadByte() byte {
	if b.Empty() {
		panic("circbuf: read from empty buffer")
	}
	c := b.buf[b.tail%len(b.buf)]
	b.tail++
	return c
}
