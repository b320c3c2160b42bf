package buffer

import (
	"os"
	"testing"
)

func TestBufferAppendRetrieve(t *testing.T) {
	b := New()
	if b.ReadableBytes() != 0 || b.PrependableBytes() != CheapPrepend {
		t.Fatalf("unexpected initial state: readable=%d prependable=%d", b.ReadableBytes(), b.PrependableBytes())
	}

	s := "hello world"
	b.Append([]byte(s))
	if b.ReadableBytes() != len(s) {
		t.Fatalf("readable = %d, want %d", b.ReadableBytes(), len(s))
	}

	b.RetrieveAll()
	b.Append([]byte(s))
	if got := b.RetrieveAsString(len(s)); got != s {
		t.Fatalf("round-trip = %q, want %q", got, s)
	}
}

func TestBufferCompactionAvoidsGrowth(t *testing.T) {
	b := NewSize(4096)
	b.Append(make([]byte, 4000))
	b.Retrieve(3000)
	capBefore := cap(b.buf)

	b.Append(make([]byte, 500))
	if b.ReadableBytes() != 1500 {
		t.Fatalf("readable = %d, want 1500", b.ReadableBytes())
	}
	if cap(b.buf) != capBefore {
		t.Fatalf("buffer reallocated: cap went from %d to %d", capBefore, cap(b.buf))
	}
}

func TestBufferGrowsWhenCompactionInsufficient(t *testing.T) {
	b := NewSize(16)
	b.Append(make([]byte, 16))
	b.Append(make([]byte, 100))
	if b.ReadableBytes() != 116 {
		t.Fatalf("readable = %d, want 116", b.ReadableBytes())
	}
}

func TestBufferInvariant(t *testing.T) {
	b := New()
	b.Append([]byte("abc"))
	b.Retrieve(1)
	if b.reader < CheapPrepend || b.reader > b.writer || b.writer > len(b.buf) {
		t.Fatalf("invariant violated: reader=%d writer=%d cap=%d", b.reader, b.writer, len(b.buf))
	}
}

func TestBufferReadWriteFDRoundTrip(t *testing.T) {
	r, w, err := os.Pipe()
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()
	defer w.Close()

	payload := "the quick brown fox jumps over the lazy dog"
	src := New()
	src.Append([]byte(payload))

	if _, err := src.WriteFD(int(w.Fd())); err != nil {
		t.Fatalf("WriteFD: %v", err)
	}
	src.Retrieve(len(payload))

	dst := New()
	n, err := dst.ReadFD(int(r.Fd()))
	if err != nil {
		t.Fatalf("ReadFD: %v", err)
	}
	if n != len(payload) {
		t.Fatalf("ReadFD returned %d bytes, want %d", n, len(payload))
	}
	if got := dst.RetrieveAllAsString(); got != payload {
		t.Fatalf("round-trip via pipe = %q, want %q", got, payload)
	}
}

func TestBufferReadFDOverflowsIntoExtraBuf(t *testing.T) {
	r, w, err := os.Pipe()
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()
	defer w.Close()

	payload := make([]byte, 200000)
	for i := range payload {
		payload[i] = byte(i)
	}

	go func() {
		remaining := payload
		for len(remaining) > 0 {
			n, err := w.Write(remaining)
			if err != nil {
				return
			}
			remaining = remaining[n:]
		}
		w.Close()
	}()

	dst := NewSize(64)
	total := 0
	for total < len(payload) {
		n, err := dst.ReadFD(int(r.Fd()))
		if err != nil {
			t.Fatalf("ReadFD: %v", err)
		}
		if n == 0 {
			break
		}
		total += n
	}
	got := dst.RetrieveAllAsString()
	if len(got) != total {
		t.Fatalf("accumulated %d bytes but buffer holds %d", total, len(got))
	}
}
