package reactor

import (
	"fmt"

	"github.com/AdguardTeam/golibs/syncutil"
	"golang.org/x/sys/unix"
)

// extraBufSize is the size of the on-stack-equivalent scratch buffer used by
// [Buffer.ReadFromFD] to amortise growth, mirroring original_source's
// Buffer::readFd, which reads into the buffer plus a 64KiB extra page in a
// single readv(2) call.
const extraBufSize = 64 * 1024

// shrinkThreshold is the capacity above which an idle, fully-drained Buffer
// is eligible for [Buffer.Reinit].
const shrinkThreshold = 1024 * 1024

// initialBufferSize is the capacity a freshly constructed or reinitialised
// Buffer starts with.
const initialBufferSize = 1024

// extraBufPool hands out scratch pages for [Buffer.ReadFromFD]. Grounded on
// the teacher's agd.HumanIDParser, which pools a reusable buffer with
// [syncutil.NewPool] instead of allocating one per call.
var extraBufPool = syncutil.NewPool(func() (buf *[]byte) {
	b := make([]byte, extraBufSize)

	return &b
})

// Buffer is a growable byte buffer with independent read and write cursors,
// used for a connection's input and output queues. It never silently drops
// data: every resize preserves the unread region.
type Buffer struct {
	buf      []byte
	readIdx  int
	writeIdx int
}

// NewBuffer returns an empty Buffer with the default initial capacity.
func NewBuffer() (b *Buffer) {
	return &Buffer{buf: make([]byte, initialBufferSize)}
}

// Len returns the number of unread bytes.
func (b *Buffer) Len() (n int) { return b.writeIdx - b.readIdx }

// Cap returns the buffer's current capacity.
func (b *Buffer) Cap() (n int) { return len(b.buf) }

// WritableBytes returns the number of bytes that can be appended before the
// buffer must grow.
func (b *Buffer) WritableBytes() (n int) { return len(b.buf) - b.writeIdx }

// Bytes returns the unread region. The returned slice aliases the Buffer's
// storage and is invalidated by the next mutating call.
func (b *Buffer) Bytes() (p []byte) { return b.buf[b.readIdx:b.writeIdx] }

// Reserve ensures at least n more bytes can be appended without a further
// allocation, compacting the already-read prefix first.
func (b *Buffer) Reserve(n int) {
	if b.WritableBytes() >= n {
		return
	}

	if b.readIdx+b.WritableBytes() >= n {
		// Compact: slide the unread region down to the front.
		unread := b.Len()
		copy(b.buf, b.buf[b.readIdx:b.writeIdx])
		b.readIdx = 0
		b.writeIdx = unread

		return
	}

	grown := make([]byte, b.writeIdx+n)
	copy(grown, b.buf[:b.writeIdx])
	b.buf = grown
}

// Append adds data to the writable end of the buffer, growing it if
// necessary. It never drops bytes.
func (b *Buffer) Append(data []byte) {
	b.Reserve(len(data))
	b.writeIdx += copy(b.buf[b.writeIdx:], data)
}

// Skip advances the read cursor by n bytes, as if they had been consumed by
// the caller. If the buffer becomes fully drained, both cursors reset to 0
// so future appends reuse the front of the storage.
func (b *Buffer) Skip(n int) {
	if n >= b.Len() {
		b.readIdx, b.writeIdx = 0, 0

		return
	}

	b.readIdx += n
}

// Reinit frees the current storage and replaces it with a small fresh
// allocation, but only when the buffer is empty and its capacity exceeds
// [shrinkThreshold]; otherwise it does nothing. This avoids holding onto
// memory from one oversized message indefinitely.
func (b *Buffer) Reinit() {
	if b.Len() != 0 || b.Cap() <= shrinkThreshold {
		return
	}

	b.buf = make([]byte, initialBufferSize)
	b.readIdx, b.writeIdx = 0, 0
}

// ReadFromFD performs a single readv(2) into the buffer's writable tail plus
// a pooled extra page, appending whatever landed in the extra page to the
// buffer afterwards. This amortises the buffer's growth the same way
// original_source's Buffer::readFd does, instead of growing on every short
// message.
//
// It returns n == -1 with err wrapping EAGAIN when the socket has no data
// ready, and n == 0 on orderly EOF, matching the specification's read-path
// contract.
func (b *Buffer) ReadFromFD(fd int) (n int, err error) {
	extraPtr := extraBufPool.Get()
	extra := (*extraPtr)[:extraBufSize]
	defer extraBufPool.Put(extraPtr)

	writable := b.WritableBytes()
	if writable == 0 {
		b.Reserve(initialBufferSize)
		writable = b.WritableBytes()
	}

	iov := make([]unix.Iovec, 2)
	iov[0].Base = &b.buf[b.writeIdx]
	iov[0].SetLen(writable)
	iov[1].Base = &extra[0]
	iov[1].SetLen(len(extra))

	nread, err := unix.Readv(fd, iov)
	if err != nil {
		return -1, fmt.Errorf("readv: %w", err)
	}

	total := nread
	if total == 0 {
		return 0, nil
	}

	inBuf := total
	if inBuf > writable {
		inBuf = writable
	}

	b.writeIdx += inBuf
	if total > writable {
		b.Append(extra[:total-writable])
	}

	return total, nil
}
