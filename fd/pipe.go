package fd

import (
	"sync"

	"yekernel/circbuf"
	"yekernel/defs"
)

// PipeSize is the fixed capacity, in bytes, of a pipe's backing ring
// buffer.
const PipeSize = 32

// pipe is the shared state between a pipe's two ends: a ring buffer plus
// whether the reader and writer end are each still open. Reads and
// writes copy one byte at a time, matching the source circular buffer
// copy loop rather than doing a single bulk memcpy, so partial transfers
// interleave naturally when both ends are active.
type pipe struct {
	mu       sync.Mutex
	notEmpty *sync.Cond
	notFull  *sync.Cond
	buf      *circbuf.Buffer

	// Reference counts, not booleans: fork and dup share an end between
	// descriptor slots, and an end is closed only when its last slot is.
	readerRefs int
	writerRefs int
}

func newPipe() *pipe {
	p := &pipe{buf: circbuf.New(PipeSize), readerRefs: 1, writerRefs: 1}
	p.notEmpty = sync.NewCond(&p.mu)
	p.notFull = sync.NewCond(&p.mu)
	return p
}

func (p *pipe) readerOpen() bool { return p.readerRefs > 0 }
func (p *pipe) writerOpen() bool { return p.writerRefs > 0 }

// PipeReader is the read end of a pipe.
type PipeReader struct{ p *pipe }

// PipeWriter is the write end of a pipe.
type PipeWriter struct{ p *pipe }

// NewPipe returns a connected (reader, writer) pair backed by a fresh
// 32-byte ring buffer.
func NewPipe() (*PipeReader, *PipeWriter) {
	p := newPipe()
	return &PipeReader{p: p}, &PipeWriter{p: p}
}

// Read copies up to len(buf) bytes out of the pipe, blocking while the
// pipe is empty and the writer end is still open. Once the writer end is
// closed and the buffer drains, Read returns defs.EOF (0 bytes, no
// error) rather than blocking forever.
func (r *PipeReader) Read(buf []byte) (int, defs.Err_t) {
	p := r.p
	p.mu.Lock()
	defer p.mu.Unlock()
	for p.buf.Empty() && p.writerOpen() {
		p.notEmpty.Wait()
	}
	n := 0
	for n < len(buf) && !p.buf.Empty() {
		buf[n] = p.buf.ReadByte()
		n++
	}
	if n > 0 {
		p.notFull.Broadcast()
	}
	return n, 0
}

// Write copies up to len(buf) bytes into the pipe, blocking while the
// pipe is full and the reader end is still open. If the reader end has
// already closed, Write fails immediately with PIPE_READER_CLOSED
// instead of blocking forever waiting for room that will never open up.
func (w *PipeWriter) Write(buf []byte) (int, defs.Err_t) {
	p := w.p
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.readerOpen() {
		return 0, defs.PIPE_READER_CLOSED
	}
	n := 0
	for n < len(buf) {
		for p.buf.Full() && p.readerOpen() {
			// Wake a reader parked on an empty ring before waiting for room.
			p.notEmpty.Broadcast()
			p.notFull.Wait()
		}
		if !p.readerOpen() {
			if n > 0 {
				p.notEmpty.Broadcast()
			}
			return n, defs.PIPE_READER_CLOSED
		}
		p.buf.WriteByte(buf[n])
		n++
	}
	p.notEmpty.Broadcast()
	return n, 0
}

// Write is unsupported on the read end of a pipe.
func (r *PipeReader) Write(buf []byte) (int, defs.Err_t) { return 0, defs.UNWRITABLE }

// Read is unsupported on the write end of a pipe.
func (w *PipeWriter) Read(buf []byte) (int, defs.Err_t) { return 0, defs.UNREADABLE }

// Seek is unsupported on a pipe.
func (r *PipeReader) Seek(int64, int) (int64, defs.Err_t) { return 0, defs.UNSEEKABLE }
func (w *PipeWriter) Seek(int64, int) (int64, defs.Err_t) { return 0, defs.UNSEEKABLE }

// Reopen records another descriptor slot referring to the reader end
// (a dup, or a fork's table clone).
func (r *PipeReader) Reopen() {
	p := r.p
	p.mu.Lock()
	p.readerRefs++
	p.mu.Unlock()
}

// Close drops one reader reference; when the last is gone it wakes any
// writer blocked on a full buffer so it can observe PIPE_READER_CLOSED.
func (r *PipeReader) Close() defs.Err_t {
	p := r.p
	p.mu.Lock()
	p.readerRefs--
	last := p.readerRefs == 0
	p.mu.Unlock()
	if last {
		p.notFull.Broadcast()
	}
	return 0
}

// Reopen records another descriptor slot referring to the writer end.
func (w *PipeWriter) Reopen() {
	p := w.p
	p.mu.Lock()
	p.writerRefs++
	p.mu.Unlock()
}

// Close drops one writer reference; when the last is gone it wakes any
// reader blocked on an empty buffer so it can observe EOF.
func (w *PipeWriter) Close() defs.Err_t {
	p := w.p
	p.mu.Lock()
	p.writerRefs--
	last := p.writerRefs == 0
	p.mu.Unlock()
	if last {
		p.notEmpty.Broadcast()
	}
	return 0
}
