// Copyright (c) 2019 Andy Pan
// Copyright (c) 2018 Joshua J Baker
//
// Permission is hereby granted, free of charge, to any person obtaining a copy
// of this software and associated documentation files (the "Software"), to deal
// in the Software without restriction, including without limitation the rights
// to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
// copies of the Software, and to permit persons to whom the Software is
// furnished to do so, subject to the following conditions:
//
// The above copyright notice and this permission notice shall be included in all
// copies or substantial portions of the Software.
//
// THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
// IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
// FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
// AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
// LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
// OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN THE
// SOFTWARE.

// Package buffer implements a growable byte buffer with a cheap prepend
// region and lazy compaction, sized to absorb a readv-style scatter read
// without pre-reserving the worst case.
package buffer

import (
	"unsafe"

	"github.com/valyala/bytebufferpool"
	"golang.org/x/sys/unix"
)

const (
	// CheapPrepend is the fixed headroom kept at the front of the buffer.
	CheapPrepend = 8
	// InitialSize is the default readable/writable capacity on creation.
	InitialSize = 1024
	// extraBufSize is the stack-extent used by ReadFD to absorb reads
	// larger than the buffer's current tail space.
	extraBufSize = 65536
)

// Buffer is a contiguous byte slice split into three regions by two
// indices, reader and writer: prependable [0, reader), readable
// [reader, writer), writable [writer, cap).
type Buffer struct {
	buf    []byte
	reader int
	writer int
}

// New returns a Buffer with InitialSize writable bytes beyond the prepend
// headroom.
func New() *Buffer {
	return NewSize(InitialSize)
}

// NewSize returns a Buffer with size writable bytes beyond the prepend
// headroom.
func NewSize(size int) *Buffer {
	return &Buffer{
		buf:    make([]byte, CheapPrepend+size),
		reader: CheapPrepend,
		writer: CheapPrepend,
	}
}

// ReadableBytes returns the number of bytes available to Peek/Retrieve.
func (b *Buffer) ReadableBytes() int { return b.writer - b.reader }

// WritableBytes returns the number of bytes available to Append without
// growing or compacting.
func (b *Buffer) WritableBytes() int { return len(b.buf) - b.writer }

// PrependableBytes returns the number of bytes free before the readable
// region, including the fixed headroom.
func (b *Buffer) PrependableBytes() int { return b.reader }

// Peek returns a view over the readable region. The slice is stable until
// the next mutating call.
func (b *Buffer) Peek() []byte { return b.buf[b.reader:b.writer] }

// Retrieve advances the reader index by min(n, ReadableBytes()). If n
// consumes everything readable, both indices reset to CheapPrepend.
func (b *Buffer) Retrieve(n int) {
	if n < b.ReadableBytes() {
		b.reader += n
	} else {
		b.RetrieveAll()
	}
}

// RetrieveAll resets the buffer to empty, keeping the prepend headroom.
func (b *Buffer) RetrieveAll() {
	b.reader = CheapPrepend
	b.writer = CheapPrepend
}

// RetrieveAllAsString drains the whole readable region into a string.
func (b *Buffer) RetrieveAllAsString() string {
	return b.RetrieveAsString(b.ReadableBytes())
}

// RetrieveAsString copies the first n readable bytes into a string, then
// retrieves them.
func (b *Buffer) RetrieveAsString(n int) string {
	s := string(b.buf[b.reader : b.reader+n])
	b.Retrieve(n)
	return s
}

// EnsureWritable grows or compacts the buffer so WritableBytes() >= n.
func (b *Buffer) EnsureWritable(n int) {
	if b.WritableBytes() < n {
		b.makeSpace(n)
	}
}

// Append copies data into the writable tail, growing the buffer if
// necessary, and advances the writer index.
func (b *Buffer) Append(data []byte) {
	b.EnsureWritable(len(data))
	copy(b.buf[b.writer:], data)
	b.writer += len(data)
}

// beginWrite returns a mutable slice of the whole writable tail.
func (b *Buffer) beginWrite() []byte { return b.buf[b.writer:] }

// makeSpace grows the underlying slice when there isn't enough combined
// slack to compact into, otherwise slides the readable region down to the
// start of the prepend headroom.
func (b *Buffer) makeSpace(n int) {
	if b.WritableBytes()+b.PrependableBytes() < n+CheapPrepend {
		newBuf := make([]byte, b.writer+n)
		copy(newBuf, b.buf)
		b.buf = newBuf
	} else {
		readable := b.ReadableBytes()
		copy(b.buf[CheapPrepend:], b.buf[b.reader:b.writer])
		b.reader = CheapPrepend
		b.writer = b.reader + readable
	}
}

// ReadFD performs a scatter-read from fd into the writable tail, spilling
// any overflow into a stack-extent and appending it. It mirrors readv
// semantics: a single syscall can fill more than the buffer currently has
// room for without the caller having to pre-size the buffer.
//
// It returns the number of bytes read and, on failure, the captured errno;
// it never panics on a read error.
func (b *Buffer) ReadFD(fd int) (n int, errno error) {
	writable := b.WritableBytes()

	extraBuf := bytebufferpool.Get()
	defer bytebufferpool.Put(extraBuf)
	if cap(extraBuf.B) < extraBufSize {
		extraBuf.B = make([]byte, extraBufSize)
	} else {
		extraBuf.B = extraBuf.B[:extraBufSize]
	}

	iov := make([][]byte, 0, 2)
	iov = append(iov, b.beginWrite())
	iov = append(iov, extraBuf.B)

	read, err := readv(fd, iov)
	if err != nil {
		return 0, err
	}
	n = read

	switch {
	case n <= writable:
		b.writer += n
	default:
		b.writer = len(b.buf)
		b.Append(extraBuf.B[:n-writable])
	}
	return n, nil
}

// WriteFD writes the whole readable region to fd in one call. The caller
// is responsible for calling Retrieve(n) with however many bytes the
// write actually accepted.
func (b *Buffer) WriteFD(fd int) (n int, errno error) {
	readable := b.Peek()
	if len(readable) == 0 {
		return 0, nil
	}
	written, err := unix.Write(fd, readable)
	if err != nil {
		return 0, err
	}
	return written, nil
}

// readv wraps the readv(2) syscall directly (golang.org/x/sys/unix has no
// portable helper for it) so ReadFD can do a true single-syscall scatter
// read across the buffer tail and the stack extent, the same trick the
// buffer's C++ ancestor performs with ::readv.
func readv(fd int, bufs [][]byte) (int, error) {
	iovs := make([]unix.Iovec, 0, len(bufs))
	for i := range bufs {
		if len(bufs[i]) == 0 {
			continue
		}
		var iov unix.Iovec
		iov.SetLen(len(bufs[i]))
		iov.Base = &bufs[i][0]
		iovs = append(iovs, iov)
	}
	if len(iovs) == 0 {
		return 0, nil
	}
	for {
		n, _, errno := unix.RawSyscall(unix.SYS_READV, uintptr(fd), uintptr(unsafe.Pointer(&iovs[0])), uintptr(len(iovs)))
		if errno == unix.EINTR {
			continue
		}
		if errno != 0 {
			return 0, errno
		}
		return int(n), nil
	}
}
